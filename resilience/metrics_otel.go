package resilience

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsCollector implements MetricsCollector by recording every
// destination's circuit breaker transitions through an OpenTelemetry meter.
// A process with no configured MeterProvider still works: otel.Meter falls
// back to the global no-op provider, so this never needs its own bootstrap
// flag.
type OTelMetricsCollector struct {
	meter      metric.Meter
	calls      metric.Int64Counter
	failures   metric.Int64Counter
	rejections metric.Int64Counter

	mu     sync.Mutex
	gauges map[string]metric.Registration
}

// NewOTelMetricsCollector builds the counters shared by every circuit
// breaker a Worker creates for its destinations.
func NewOTelMetricsCollector(ctx context.Context) *OTelMetricsCollector {
	meter := otel.Meter("dicomflow-gateway/resilience")

	calls, _ := meter.Int64Counter("gateway.circuit_breaker.calls",
		metric.WithDescription("Circuit breaker calls by destination and outcome"))
	failures, _ := meter.Int64Counter("gateway.circuit_breaker.failures",
		metric.WithDescription("Circuit breaker failures by destination and error type"))
	rejections, _ := meter.Int64Counter("gateway.circuit_breaker.rejected",
		metric.WithDescription("Sends rejected by an open destination circuit"))

	return &OTelMetricsCollector{
		meter:      meter,
		calls:      calls,
		failures:   failures,
		rejections: rejections,
		gauges:     make(map[string]metric.Registration),
	}
}

func (o *OTelMetricsCollector) RecordSuccess(name string) {
	o.calls.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("destination", name), attribute.String("result", "success")))
}

func (o *OTelMetricsCollector) RecordFailure(name string, errorType string) {
	o.calls.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("destination", name), attribute.String("result", "failure")))
	o.failures.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("destination", name), attribute.String("error_type", errorType)))
}

func (o *OTelMetricsCollector) RecordStateChange(name string, from, to string) {
	o.calls.Add(context.Background(), 0,
		metric.WithAttributes(
			attribute.String("destination", name),
			attribute.String("from_state", from),
			attribute.String("to_state", to),
		))
}

func (o *OTelMetricsCollector) RecordRejection(name string) {
	o.rejections.Add(context.Background(), 1, metric.WithAttributes(attribute.String("destination", name)))
}

// RegisterStateGauge exposes a destination's current circuit state
// (0=closed, 0.5=half-open, 1=open) as an observable gauge. Called once per
// destination when its breaker is created.
func (o *OTelMetricsCollector) RegisterStateGauge(name string, stateFunc func() string) error {
	gauge, err := o.meter.Float64ObservableGauge("gateway.circuit_breaker.state",
		metric.WithDescription("Current destination circuit breaker state (0=closed, 0.5=half-open, 1=open)"))
	if err != nil {
		return fmt.Errorf("register state gauge for %s: %w", name, err)
	}

	reg, err := o.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		value := 0.0
		switch stateFunc() {
		case "open":
			value = 1.0
		case "half-open":
			value = 0.5
		}
		obs.ObserveFloat64(gauge, value, metric.WithAttributes(attribute.String("destination", name)))
		return nil
	}, gauge)
	if err != nil {
		return fmt.Errorf("register state gauge callback for %s: %w", name, err)
	}

	o.mu.Lock()
	o.gauges[name] = reg
	o.mu.Unlock()
	return nil
}

// Shutdown unregisters every destination's state-gauge callback.
func (o *OTelMetricsCollector) Shutdown() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var err error
	for name, reg := range o.gauges {
		if uerr := reg.Unregister(); uerr != nil && err == nil {
			err = fmt.Errorf("unregister state gauge for %s: %w", name, uerr)
		}
		delete(o.gauges, name)
	}
	return err
}

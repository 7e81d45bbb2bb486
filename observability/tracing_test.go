package observability

import (
	"context"
	"testing"

	"github.com/dicomflow/gateway/config"
	"github.com/dicomflow/gateway/core"
)

func testLogger() core.Logger {
	return core.NewProductionLogger(core.LoggingConfig{Level: "error", Format: "json", Output: "stdout"}, core.DevelopmentConfig{}, "observability-test")
}

func TestStartDisabledReturnsNoop(t *testing.T) {
	tr, err := Start(context.Background(), config.TelemetryConfig{Enabled: false}, testLogger())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if tr.provider != nil {
		t.Fatal("expected a no-op Tracing with Enabled=false")
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown on no-op Tracing should be a no-op, got %v", err)
	}
}

func TestStartStdoutExporterInstallsProvider(t *testing.T) {
	tr, err := Start(context.Background(), config.TelemetryConfig{
		Enabled:     true,
		ServiceName: "dicom-gateway-test",
		Exporter:    "stdout",
	}, testLogger())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if tr.provider == nil {
		t.Fatal("expected a TracerProvider when Enabled=true")
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestShutdownOnNilTracingIsSafe(t *testing.T) {
	var tr *Tracing
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown on nil *Tracing should be a no-op, got %v", err)
	}
}

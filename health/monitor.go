// Package health runs a periodic liveness sweep of every configured
// destination and exposes the last-known availability to the Scheduler
// and Retry Manager (spec.md §4.8).
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dicomflow/gateway/core"
	"github.com/dicomflow/gateway/destination"
	"github.com/dicomflow/gateway/dicom"
)

// MonitorConfig configures the health sweep.
type MonitorConfig struct {
	// Interval between sweeps. Default: 30s.
	Interval time.Duration

	// EchoTimeout bounds a single destination's Echo call.
	EchoTimeout time.Duration

	// MaxConcurrentChecks bounds how many destinations are probed at once.
	MaxConcurrentChecks int

	Logger core.Logger
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:            30 * time.Second,
		EchoTimeout:         10 * time.Second,
		MaxConcurrentChecks: 8,
	}
}

// Monitor ticks on Interval, fanning Echo calls out across a bounded
// worker pool and recording the outcome in a Store.
type Monitor struct {
	cfg     MonitorConfig
	store   *Store
	logger  core.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	// adapters is populated by the caller (Scheduler wiring) before Start
	// and may be refreshed on config reload via SetAdapters.
	mu       sync.RWMutex
	adapters map[string]destination.Adapter
}

func NewMonitor(cfg MonitorConfig, store *Store) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.EchoTimeout <= 0 {
		cfg.EchoTimeout = 10 * time.Second
	}
	if cfg.MaxConcurrentChecks <= 0 {
		cfg.MaxConcurrentChecks = 8
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("gateway/health")
	}
	return &Monitor{cfg: cfg, store: store, logger: logger, adapters: make(map[string]destination.Adapter)}
}

// SetAdapters replaces the set of destinations under watch. Safe to call
// while the monitor is running (e.g. after a config reload).
func (m *Monitor) SetAdapters(adapters map[string]destination.Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters = adapters
}

func (m *Monitor) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

func (m *Monitor) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	m.mu.RLock()
	targets := make(map[string]destination.Adapter, len(m.adapters))
	for name, a := range m.adapters {
		targets[name] = a
	}
	m.mu.RUnlock()

	sem := make(chan struct{}, m.cfg.MaxConcurrentChecks)
	var wg sync.WaitGroup
	for name, adapter := range targets {
		name, adapter := name, adapter
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			m.check(ctx, name, adapter)
		}()
	}
	wg.Wait()
}

func (m *Monitor) check(ctx context.Context, name string, adapter destination.Adapter) {
	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.EchoTimeout)
	defer cancel()

	ok, err := adapter.Echo(checkCtx)
	if err != nil {
		m.logger.Warn("destination echo failed", map[string]interface{}{
			"destination": name,
			"error":       err.Error(),
		})
	}
	m.store.Record(name, ok)
}

// Available reports the destination's last-recorded availability. A
// destination never probed is reported available (fail-open, so startup
// ordering doesn't block the first routing decision).
func (m *Monitor) Available(name string) bool {
	return m.store.Available(name)
}

// Snapshot returns a point-in-time copy of a destination's health record.
func (m *Monitor) Snapshot(name string) (dicom.DestinationHealth, bool) {
	return m.store.Get(name)
}

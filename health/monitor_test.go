package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dicomflow/gateway/destination"
	"github.com/dicomflow/gateway/dicom"
)

type fakeAdapter struct {
	healthy atomic.Bool
	calls   atomic.Int32
}

func (f *fakeAdapter) Echo(ctx context.Context) (bool, error) {
	f.calls.Add(1)
	return f.healthy.Load(), nil
}

func (f *fakeAdapter) Send(ctx context.Context, files []dicom.Instance, rd dicom.RouteDestination) (destination.Result, error) {
	return destination.Result{}, nil
}

func (f *fakeAdapter) Close() error { return nil }

func TestMonitorSweepsOnStartAndTicks(t *testing.T) {
	store := NewStore()
	adapter := &fakeAdapter{}
	adapter.healthy.Store(true)

	m := NewMonitor(MonitorConfig{Interval: 20 * time.Millisecond, EchoTimeout: time.Second}, store)
	m.SetAdapters(map[string]destination.Adapter{"dest-a": adapter})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	deadline := time.Now().Add(time.Second)
	for adapter.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if adapter.calls.Load() < 2 {
		t.Fatalf("expected at least 2 sweeps, got %d", adapter.calls.Load())
	}
	if !m.Available("dest-a") {
		t.Fatal("expected destination to be available")
	}
}

func TestMonitorReflectsFailure(t *testing.T) {
	store := NewStore()
	adapter := &fakeAdapter{}
	adapter.healthy.Store(false)

	m := NewMonitor(MonitorConfig{Interval: time.Hour}, store)
	m.SetAdapters(map[string]destination.Adapter{"dest-b": adapter})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	deadline := time.Now().Add(time.Second)
	for adapter.calls.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if m.Available("dest-b") {
		t.Fatal("expected destination to be unavailable")
	}
}

func TestMonitorDoubleStartReturnsError(t *testing.T) {
	store := NewStore()
	m := NewMonitor(MonitorConfig{Interval: time.Hour}, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	if err := m.Start(ctx); err == nil {
		t.Fatal("expected error on double start")
	}
}

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/dicomflow/gateway/core"
	"github.com/dicomflow/gateway/dicom"
	"github.com/dicomflow/gateway/health"
	"github.com/dicomflow/gateway/scheduler"
)

func TestComputeBackoffCapsAtMaxDelay(t *testing.T) {
	base := 1 * time.Second
	max := 5 * time.Second

	for attempt := 8; attempt < 12; attempt++ {
		d := computeBackoff(attempt, base, max)
		lower := time.Duration(float64(max) * 0.75)
		upper := time.Duration(float64(max) * 1.25)
		if d < lower || d > upper {
			t.Fatalf("attempt %d: backoff %v outside capped+jitter bounds [%v,%v]", attempt, d, lower, upper)
		}
	}
}

func TestComputeBackoffGrowsExponentiallyBelowCap(t *testing.T) {
	base := 1 * time.Second
	max := 1 * time.Hour // effectively uncapped for this test

	d0 := computeBackoff(0, base, max)
	d3 := computeBackoff(3, base, max)

	// d3 should be roughly 8x d0's un-jittered value (1s * 2^3), even
	// allowing for up to ±25% jitter on each side.
	if d3 < d0*4 {
		t.Fatalf("expected exponential growth: attempt 0 backoff %v, attempt 3 backoff %v", d0, d3)
	}
}

func TestManagerDispatchesDueTaskWhenDestinationHealthy(t *testing.T) {
	queue, err := NewFSQueue(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSQueue: %v", err)
	}

	healthStore := health.NewStore()
	monitor := health.NewMonitor(health.DefaultMonitorConfig(), healthStore)

	cfg := DefaultManagerConfig()
	cfg.BaseDelay = 1 * time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond

	mgr := NewManager(cfg, queue, monitor, &core.NoOpLogger{})

	dispatch := make(chan scheduler.RetryDispatch, 1)
	mgr.RegisterRoute("INGEST", dispatch)

	ctx := context.Background()
	task := dicom.RetryTask{AE: "INGEST", StudyInstanceUID: "1.2.3", DestinationName: "xnatA", Attempt: 0}
	if err := mgr.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	time.Sleep(5 * time.Millisecond) // let the (tiny) backoff elapse
	mgr.tick(ctx)

	select {
	case ev := <-dispatch:
		if ev.AE != "INGEST" || ev.StudyInstanceUID != "1.2.3" || ev.DestinationName != "xnatA" {
			t.Fatalf("unexpected dispatch: %+v", ev)
		}
	default:
		t.Fatal("expected a RetryDispatch to have been posted")
	}

	if n, _ := queue.Len(ctx); n != 0 {
		t.Fatalf("expected queue drained after dispatch, got %d", n)
	}
}

func TestManagerRequeuesWithoutDispatchWhenDestinationUnhealthy(t *testing.T) {
	queue, err := NewFSQueue(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSQueue: %v", err)
	}

	healthStore := health.NewStore()
	healthStore.Record("xnatA", false)
	monitor := health.NewMonitor(health.DefaultMonitorConfig(), healthStore)

	cfg := DefaultManagerConfig()
	cfg.BaseDelay = 1 * time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond

	mgr := NewManager(cfg, queue, monitor, &core.NoOpLogger{})

	dispatch := make(chan scheduler.RetryDispatch, 1)
	mgr.RegisterRoute("INGEST", dispatch)

	ctx := context.Background()
	task := dicom.RetryTask{AE: "INGEST", StudyInstanceUID: "1.2.3", DestinationName: "xnatA", Attempt: 0}
	if err := mgr.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	mgr.tick(ctx)

	select {
	case ev := <-dispatch:
		t.Fatalf("expected no dispatch while destination unhealthy, got %+v", ev)
	default:
	}

	if n, _ := queue.Len(ctx); n != 1 {
		t.Fatalf("expected task requeued (still present), got len %d", n)
	}

	// Destination recovers; the next tick should dispatch it.
	healthStore.Record("xnatA", true)
	time.Sleep(5 * time.Millisecond)
	mgr.tick(ctx)

	select {
	case ev := <-dispatch:
		if ev.DestinationName != "xnatA" {
			t.Fatalf("unexpected dispatch: %+v", ev)
		}
	default:
		t.Fatal("expected dispatch once destination recovered")
	}
}

func TestFSQueueSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	q1, err := NewFSQueue(dir)
	if err != nil {
		t.Fatalf("NewFSQueue: %v", err)
	}
	task := dicom.RetryTask{AE: "INGEST", StudyInstanceUID: "1.2.3", DestinationName: "peer1", NextRetryAt: time.Now().Add(-time.Second)}
	if err := q1.Push(ctx, task); err != nil {
		t.Fatalf("Push: %v", err)
	}

	q2, err := NewFSQueue(dir)
	if err != nil {
		t.Fatalf("reload NewFSQueue: %v", err)
	}
	due, err := q2.PopDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("PopDue: %v", err)
	}
	if len(due) != 1 || due[0].DestinationName != "peer1" {
		t.Fatalf("expected reloaded task to survive restart, got %+v", due)
	}
}

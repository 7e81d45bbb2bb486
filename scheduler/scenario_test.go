package scheduler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dicomflow/gateway/anonymize"
	"github.com/dicomflow/gateway/core"
	"github.com/dicomflow/gateway/dicom"
	"github.com/dicomflow/gateway/fsstate"
	"github.com/dicomflow/gateway/health"
	"github.com/dicomflow/gateway/receiver"
	"github.com/dicomflow/gateway/review"
)

// seedIncomingStudy writes n fake instance files plus the manifest
// sidecar the receiver would have produced, so scenario tests can start
// a Worker's pipeline without running the DIMSE listener.
func seedIncomingStudy(t *testing.T, layout *fsstate.Layout, ae, studyUID string, n int) {
	t.Helper()
	studyDir := layout.StudyDir(ae, fsstate.Incoming, studyUID)
	if err := os.MkdirAll(studyDir, 0o755); err != nil {
		t.Fatalf("mkdir study dir: %v", err)
	}

	instances := make([]dicom.Instance, 0, n)
	for i := 0; i < n; i++ {
		sopUID := studyUID + ".1." + string(rune('a'+i))
		path := filepath.Join(studyDir, sopUID+".dcm")
		if err := os.WriteFile(path, []byte("fake-dicom-bytes"), 0o644); err != nil {
			t.Fatalf("write instance: %v", err)
		}
		instances = append(instances, dicom.Instance{
			SOPInstanceUID: sopUID,
			SOPClassUID:    "1.2.840.10008.5.1.4.1.1.7",
			SeriesUID:      studyUID + ".2",
			FilePath:       path,
			Tags:           map[string]string{"0010,0020": "P12345"},
		})
	}

	manifest := receiver.StudyManifest{
		SourceAE:   "192.0.2.1:11112",
		ReceivedAt: time.Unix(0, 0),
		Instances:  instances,
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(studyDir, ".instances.json"), data, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func filesystemDestination(t *testing.T, name string) dicom.Destination {
	t.Helper()
	return dicom.Destination{
		Name:    name,
		Kind:    dicom.KindFilesystem,
		Enabled: true,
		Filesystem: &dicom.FilesystemConfig{
			BasePath:      t.TempDir(),
			CreateSubdirs: true,
		},
	}
}

// TestHappyPathSingleDestination covers §8 scenario 1: one destination,
// five instances, expect completed/ with a SUCCESS TransferRecord and
// files_transferred=5.
func TestHappyPathSingleDestination(t *testing.T) {
	const ae = "INGEST"
	dataRoot := t.TempDir()
	layout := fsstate.NewLayout(dataRoot, &core.NoOpLogger{})
	if err := layout.EnsureAE(ae); err != nil {
		t.Fatalf("ensure ae: %v", err)
	}

	dest := filesystemDestination(t, "peer1")
	route := dicom.Route{
		AETitle:                ae,
		WorkerThreads:          1,
		MaxConcurrentTransfers: 4,
		Destinations:           []dicom.RouteDestination{{DestinationName: "peer1", Priority: 1}},
	}

	seedIncomingStudy(t, layout, ae, "1.2.3", 5)

	incoming := make(chan receiver.StudyCompleted, 1)
	resume := make(chan review.ResumeEvent, 1)
	rejected := make(chan review.RejectEvent, 1)
	transfers := NewTransferStore()

	w, err := NewWorker(WorkerConfig{
		Route:        route,
		Layout:       layout,
		Destinations: map[string]dicom.Destination{"peer1": dest},
		Transfers:    transfers,
		Scripts:      anonymize.NewScriptRegistry(),
		Logger:       &core.NoOpLogger{},
	}, incoming, resume, rejected)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	ctx := context.Background()
	w.processStudy(ctx, ae, "1.2.3")

	studyDir := layout.StudyDir(ae, fsstate.Completed, "1.2.3")
	if _, err := os.Stat(studyDir); err != nil {
		t.Fatalf("expected study under completed/: %v", err)
	}

	rec, err := transfers.Get(ctx, ae, "1.2.3")
	if err != nil {
		t.Fatalf("Get transfer record: %v", err)
	}
	if rec.Status != dicom.TransferSuccess {
		t.Fatalf("expected SUCCESS, got %s", rec.Status)
	}
	if len(rec.Results) != 1 || rec.Results[0].Status != dicom.ResultSuccess {
		t.Fatalf("unexpected results: %+v", rec.Results)
	}
	if rec.Results[0].FilesTransferred != 5 {
		t.Fatalf("expected 5 files transferred, got %d", rec.Results[0].FilesTransferred)
	}
}

// TestReviewGateRejectionBlocksForwarding covers §8 scenario 3: a study
// held for review that gets rejected never reaches any destination and
// its TransferRecord settles FAILED with the rejection reason.
func TestReviewGateRejectionBlocksForwarding(t *testing.T) {
	const ae = "INGEST"
	dataRoot := t.TempDir()
	layout := fsstate.NewLayout(dataRoot, &core.NoOpLogger{})
	if err := layout.EnsureAE(ae); err != nil {
		t.Fatalf("ensure ae: %v", err)
	}

	dest := filesystemDestination(t, "peer1")
	route := dicom.Route{
		AETitle:                ae,
		WorkerThreads:          1,
		MaxConcurrentTransfers: 4,
		ReviewRequired:         true,
		Destinations:           []dicom.RouteDestination{{DestinationName: "peer1", Priority: 1}},
	}

	seedIncomingStudy(t, layout, ae, "1.2.3", 1)

	store := review.NewStore(layout)
	gate := review.NewGate(layout, store, &core.NoOpLogger{}, 4)
	resumeCh := make(chan review.ResumeEvent, 4)
	rejectedCh := make(chan review.RejectEvent, 4)
	gate.RegisterRoute(ae, resumeCh, rejectedCh)

	incoming := make(chan receiver.StudyCompleted, 1)
	transfers := NewTransferStore()

	w, err := NewWorker(WorkerConfig{
		Route:        route,
		Layout:       layout,
		Destinations: map[string]dicom.Destination{"peer1": dest},
		Transfers:    transfers,
		ReviewGate:   gate,
		Scripts:      anonymize.NewScriptRegistry(),
		Logger:       &core.NoOpLogger{},
	}, incoming, resumeCh, rejectedCh)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	ctx := context.Background()
	w.processStudy(ctx, ae, "1.2.3")

	rec, err := transfers.Get(ctx, ae, "1.2.3")
	if err != nil {
		t.Fatalf("Get transfer record after submit: %v", err)
	}
	if len(rec.Results) != 1 || rec.Results[0].Status != dicom.ResultPending {
		t.Fatalf("expected peer1 PENDING while awaiting review, got %+v", rec.Results)
	}

	pending, err := gate.ListPending(ctx, ae)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending review, got %+v / %v", pending, err)
	}
	reviewID := pending[0].ReviewID

	if err := gate.Reject(ctx, ae, reviewID, "dr.jones", "missing consent"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	// The Scheduler only learns of the rejection via the channel; run
	// its handler synchronously the same way Worker.run would.
	w.finalizeRejection(<-rejectedCh)

	rejectedDir := layout.ReviewDir(ae, fsstate.ReviewRejected, reviewID)
	if _, err := os.Stat(rejectedDir); err != nil {
		t.Fatalf("expected study under review/rejected/: %v", err)
	}

	rec, err = transfers.Get(ctx, ae, "1.2.3")
	if err != nil {
		t.Fatalf("Get transfer record after reject: %v", err)
	}
	if rec.Status != dicom.TransferFailed {
		t.Fatalf("expected FAILED, got %s", rec.Status)
	}
	if rec.ErrorMessage != "rejected: missing consent" {
		t.Fatalf("unexpected error message: %q", rec.ErrorMessage)
	}

	// No file should ever have reached peer1's filesystem destination.
	outDir := dest.Filesystem.BasePath
	entries, _ := os.ReadDir(outDir)
	if len(entries) != 0 {
		t.Fatalf("expected no files delivered to peer1, found %d", len(entries))
	}
}

// TestEmptyDestinationListCompletesWithNoResults covers the boundary
// behavior: a Route with no destinations still reaches completed/ with
// zero DestinationResults rather than stalling.
func TestEmptyDestinationListCompletesWithNoResults(t *testing.T) {
	const ae = "INGEST"
	dataRoot := t.TempDir()
	layout := fsstate.NewLayout(dataRoot, &core.NoOpLogger{})
	if err := layout.EnsureAE(ae); err != nil {
		t.Fatalf("ensure ae: %v", err)
	}

	route := dicom.Route{AETitle: ae, WorkerThreads: 1, MaxConcurrentTransfers: 4}
	seedIncomingStudy(t, layout, ae, "1.2.3", 2)

	incoming := make(chan receiver.StudyCompleted, 1)
	resume := make(chan review.ResumeEvent, 1)
	rejected := make(chan review.RejectEvent, 1)
	transfers := NewTransferStore()

	w, err := NewWorker(WorkerConfig{
		Route:        route,
		Layout:       layout,
		Destinations: map[string]dicom.Destination{},
		Transfers:    transfers,
		Scripts:      anonymize.NewScriptRegistry(),
		Logger:       &core.NoOpLogger{},
	}, incoming, resume, rejected)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	ctx := context.Background()
	w.processStudy(ctx, ae, "1.2.3")

	studyDir := layout.StudyDir(ae, fsstate.Completed, "1.2.3")
	if _, err := os.Stat(studyDir); err != nil {
		t.Fatalf("expected study under completed/: %v", err)
	}

	rec, err := transfers.Get(ctx, ae, "1.2.3")
	if err != nil {
		t.Fatalf("Get transfer record: %v", err)
	}
	if len(rec.Results) != 0 {
		t.Fatalf("expected zero DestinationResults, got %+v", rec.Results)
	}
}

// TestPartialSuccessWithRetryRecovery covers §8 scenario 2: one
// destination unreachable at first send, recovered once the Retry
// Manager's dispatch re-fires. Uses a fake RetryEnqueuer standing in for
// retry.Manager, which hasn't been wired up at this layer — Worker only
// needs the narrow RetryEnqueuer interface.
func TestPartialSuccessWithRetryRecovery(t *testing.T) {
	const ae = "INGEST"
	dataRoot := t.TempDir()
	layout := fsstate.NewLayout(dataRoot, &core.NoOpLogger{})
	if err := layout.EnsureAE(ae); err != nil {
		t.Fatalf("ensure ae: %v", err)
	}

	peer1 := filesystemDestination(t, "peer1")
	xnatA := filesystemDestination(t, "xnatA")
	route := dicom.Route{
		AETitle:                ae,
		WorkerThreads:          1,
		MaxConcurrentTransfers: 4,
		Destinations: []dicom.RouteDestination{
			{DestinationName: "peer1", Priority: 1},
			{DestinationName: "xnatA", Priority: 2},
		},
	}

	seedIncomingStudy(t, layout, ae, "1.2.3", 3)

	healthStore := health.NewStore()
	healthStore.Record("xnatA", false) // unreachable at first send
	monitor := health.NewMonitor(health.DefaultMonitorConfig(), healthStore)

	incoming := make(chan receiver.StudyCompleted, 1)
	resume := make(chan review.ResumeEvent, 1)
	rejected := make(chan review.RejectEvent, 1)
	transfers := NewTransferStore()

	enqueued := make(chan dicom.RetryTask, 1)
	fake := fakeRetryEnqueuer{tasks: enqueued}

	w, err := NewWorker(WorkerConfig{
		Route:        route,
		Layout:       layout,
		Destinations: map[string]dicom.Destination{"peer1": peer1, "xnatA": xnatA},
		Health:       monitor,
		Transfers:    transfers,
		Retry:        fake,
		Scripts:      anonymize.NewScriptRegistry(),
		Logger:       &core.NoOpLogger{},
	}, incoming, resume, rejected)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	ctx := context.Background()
	w.processStudy(ctx, ae, "1.2.3")

	rec, err := transfers.Get(ctx, ae, "1.2.3")
	if err != nil {
		t.Fatalf("Get transfer record after first fan-out: %v", err)
	}
	if rec.Status != dicom.TransferPartial {
		t.Fatalf("expected PARTIAL after first fan-out, got %s", rec.Status)
	}

	select {
	case task := <-enqueued:
		if task.DestinationName != "xnatA" {
			t.Fatalf("expected retry task for xnatA, got %s", task.DestinationName)
		}
	default:
		t.Fatal("expected a retry task to have been enqueued for xnatA")
	}

	// xnatA becomes reachable; the Retry Manager would re-dispatch here.
	healthStore.Record("xnatA", true)
	w.retryOne(ctx, RetryDispatch{AE: ae, StudyInstanceUID: "1.2.3", DestinationName: "xnatA"})

	rec, err = transfers.Get(ctx, ae, "1.2.3")
	if err != nil {
		t.Fatalf("Get transfer record after retry: %v", err)
	}
	if rec.Status != dicom.TransferSuccess {
		t.Fatalf("expected SUCCESS after retry recovery, got %s", rec.Status)
	}

	studyDir := layout.StudyDir(ae, fsstate.Completed, "1.2.3")
	if _, err := os.Stat(studyDir); err != nil {
		t.Fatalf("expected study under completed/: %v", err)
	}
}

func TestCircuitBreakerOpenDefersDestination(t *testing.T) {
	const ae = "INGEST"
	dataRoot := t.TempDir()
	layout := fsstate.NewLayout(dataRoot, &core.NoOpLogger{})
	if err := layout.EnsureAE(ae); err != nil {
		t.Fatalf("ensure ae: %v", err)
	}

	peer1 := filesystemDestination(t, "peer1")
	route := dicom.Route{
		AETitle:                ae,
		WorkerThreads:          1,
		MaxConcurrentTransfers: 4,
		Destinations: []dicom.RouteDestination{
			{DestinationName: "peer1", Priority: 1},
		},
	}

	seedIncomingStudy(t, layout, ae, "1.2.4", 2)

	incoming := make(chan receiver.StudyCompleted, 1)
	resume := make(chan review.ResumeEvent, 1)
	rejected := make(chan review.RejectEvent, 1)
	transfers := NewTransferStore()

	enqueued := make(chan dicom.RetryTask, 1)
	fake := fakeRetryEnqueuer{tasks: enqueued}

	w, err := NewWorker(WorkerConfig{
		Route:        route,
		Layout:       layout,
		Destinations: map[string]dicom.Destination{"peer1": peer1},
		Transfers:    transfers,
		Retry:        fake,
		Scripts:      anonymize.NewScriptRegistry(),
		Logger:       &core.NoOpLogger{},
	}, incoming, resume, rejected)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	// Trip the per-destination circuit breaker directly, simulating a run
	// of prior failures without needing to drive the volume threshold
	// through repeated sends.
	w.breakers["peer1"].ForceOpen()

	ctx := context.Background()
	w.processStudy(ctx, ae, "1.2.4")

	rec, err := transfers.Get(ctx, ae, "1.2.4")
	if err != nil {
		t.Fatalf("Get transfer record: %v", err)
	}
	if rec.Status != dicom.TransferPartial {
		t.Fatalf("expected PARTIAL while the only destination's circuit is open, got %s", rec.Status)
	}

	select {
	case task := <-enqueued:
		if task.DestinationName != "peer1" {
			t.Fatalf("expected retry task for peer1, got %s", task.DestinationName)
		}
	default:
		t.Fatal("expected a retry task to have been enqueued while the circuit was open")
	}
}

type fakeRetryEnqueuer struct {
	tasks chan dicom.RetryTask
}

func (f fakeRetryEnqueuer) Enqueue(ctx context.Context, task dicom.RetryTask) error {
	f.tasks <- task
	return nil
}

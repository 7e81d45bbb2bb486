package review

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dicomflow/gateway/core"
	"github.com/dicomflow/gateway/dicom"
	"github.com/dicomflow/gateway/fsstate"
)

func newTestGate(t *testing.T) (*Gate, *fsstate.Layout, <-chan ResumeEvent, <-chan RejectEvent) {
	t.Helper()
	dataRoot := t.TempDir()
	layout := fsstate.NewLayout(dataRoot, &core.NoOpLogger{})
	if err := layout.EnsureAE("INGEST"); err != nil {
		t.Fatalf("ensure ae: %v", err)
	}
	store := NewStore(layout)
	gate := NewGate(layout, store, &core.NoOpLogger{}, 4)
	resume := make(chan ResumeEvent, 4)
	rejected := make(chan RejectEvent, 4)
	gate.RegisterRoute("INGEST", resume, rejected)
	return gate, layout, resume, rejected
}

func writeStudyInProcessing(t *testing.T, layout *fsstate.Layout, ae, studyUID string) {
	t.Helper()
	dir := layout.StudyDir(ae, fsstate.Processing, studyUID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "1.dcm"), []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestSubmitMovesStudyIntoReviewPending(t *testing.T) {
	ctx := context.Background()
	gate, layout, _, _ := newTestGate(t)
	writeStudyInProcessing(t, layout, "INGEST", "1.2.3")

	route := dicom.Route{AETitle: "INGEST"}
	study := dicom.Study{StudyInstanceUID: "1.2.3", SourceAE: "SCANNER1"}

	reviewID, err := gate.Submit(ctx, study, route, "basic script applied")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if layout.Exists("INGEST", fsstate.Processing, "1.2.3") {
		t.Fatal("expected study to be moved out of processing/")
	}
	pendingDir := layout.ReviewDir("INGEST", fsstate.ReviewPending, reviewID)
	if _, err := os.Stat(filepath.Join(pendingDir, "1.dcm")); err != nil {
		t.Fatalf("expected instance file under review pending dir: %v", err)
	}

	pending, err := gate.ListPending(ctx, "INGEST")
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ReviewID != reviewID {
		t.Fatalf("expected one pending review %s, got %+v", reviewID, pending)
	}
}

func TestApproveResumesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	gate, layout, resume, _ := newTestGate(t)
	writeStudyInProcessing(t, layout, "INGEST", "1.2.3")

	route := dicom.Route{AETitle: "INGEST"}
	study := dicom.Study{StudyInstanceUID: "1.2.3"}
	reviewID, err := gate.Submit(ctx, study, route, "summary")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := gate.Approve(ctx, "INGEST", reviewID, "alice", "looks fine"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if !layout.Exists("INGEST", fsstate.Processing, "1.2.3") {
		t.Fatal("expected approved study to be moved back into processing/")
	}

	select {
	case ev := <-resume:
		if ev.ReviewID != reviewID || ev.StudyInstanceUID != "1.2.3" {
			t.Fatalf("unexpected resume event: %+v", ev)
		}
	default:
		t.Fatal("expected a resume event to be posted")
	}

	// A second approval must be a no-op, not an error or a second resume event.
	if err := gate.Approve(ctx, "INGEST", reviewID, "bob", "again"); err != nil {
		t.Fatalf("second Approve should be idempotent, got error: %v", err)
	}
	select {
	case ev := <-resume:
		t.Fatalf("expected no second resume event, got %+v", ev)
	default:
	}
}

func TestRejectMovesToRejectedAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	gate, layout, _, _ := newTestGate(t)
	writeStudyInProcessing(t, layout, "INGEST", "1.2.3")

	route := dicom.Route{AETitle: "INGEST"}
	study := dicom.Study{StudyInstanceUID: "1.2.3"}
	reviewID, err := gate.Submit(ctx, study, route, "summary")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := gate.Reject(ctx, "INGEST", reviewID, "alice", "phi leaked"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	rejectedDir := layout.ReviewDir("INGEST", fsstate.ReviewRejected, reviewID)
	if _, err := os.Stat(rejectedDir); err != nil {
		t.Fatalf("expected study under review/rejected/: %v", err)
	}

	if err := gate.Reject(ctx, "INGEST", reviewID, "bob", "again"); err != nil {
		t.Fatalf("second Reject should be idempotent, got error: %v", err)
	}
}

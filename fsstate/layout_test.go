package fsstate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dicomflow/gateway/dicom"
)

func newTestLayout(t *testing.T) *Layout {
	t.Helper()
	dir := t.TempDir()
	l := NewLayout(dir, nil)
	if err := l.EnsureAE("INGEST"); err != nil {
		t.Fatalf("EnsureAE: %v", err)
	}
	return l
}

func TestEnsureAECreatesAllSubdirs(t *testing.T) {
	l := newTestLayout(t)
	for _, d := range []string{"incoming", "processing", "completed", "failed", "deleted", "review/pending", "review/rejected", "archive", "history", "logs"} {
		full := filepath.Join(l.aeRoot("INGEST"), d)
		if info, err := os.Stat(full); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s to exist", full)
		}
	}
}

func TestTransitionMovesStudyAtomically(t *testing.T) {
	l := newTestLayout(t)
	studyUID := "1.2.3.4"

	incomingDir := l.StudyDir("INGEST", Incoming, studyUID)
	if err := os.MkdirAll(incomingDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(incomingDir, "instance1.dcm"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := l.Transition("INGEST", studyUID, Incoming, Processing); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	if l.Exists("INGEST", Incoming, studyUID) {
		t.Error("study should no longer exist in incoming/")
	}
	if !l.Exists("INGEST", Processing, studyUID) {
		t.Error("study should exist in processing/")
	}
}

func TestTransitionFailsWithoutSource(t *testing.T) {
	l := newTestLayout(t)
	if err := l.Transition("INGEST", "missing", Incoming, Processing); err == nil {
		t.Error("expected error transitioning a nonexistent study")
	}
}

func TestRecoverFindsIncomingAndProcessing(t *testing.T) {
	l := newTestLayout(t)
	for _, s := range []struct {
		state State
		uid   string
	}{
		{Incoming, "study-a"},
		{Processing, "study-b"},
		{Processing, "study-c"},
	} {
		if err := os.MkdirAll(l.StudyDir("INGEST", s.state, s.uid), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	refs, err := l.Recover("INGEST")
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("expected 3 refs, got %d", len(refs))
	}
}

func TestSidecarRoundTrip(t *testing.T) {
	l := newTestLayout(t)
	dir := t.TempDir()

	rm := dicom.ReviewMetadata{
		ReviewID:         "rev-1",
		StudyInstanceUID: "1.2.3",
		SubmittedAt:      time.Now().UTC().Truncate(time.Second),
		Decision:         dicom.ReviewPending,
	}
	if err := l.WriteReviewMetadata(dir, rm); err != nil {
		t.Fatalf("WriteReviewMetadata: %v", err)
	}
	got, ok, err := l.ReadReviewMetadata(dir)
	if err != nil || !ok {
		t.Fatalf("ReadReviewMetadata: ok=%v err=%v", ok, err)
	}
	if got.ReviewID != rm.ReviewID || got.StudyInstanceUID != rm.StudyInstanceUID {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, rm)
	}
}

func TestDestinationStatusDefaultsEmpty(t *testing.T) {
	l := newTestLayout(t)
	dir := t.TempDir()

	m, err := l.ReadDestinationStatus(dir)
	if err != nil {
		t.Fatalf("ReadDestinationStatus: %v", err)
	}
	if len(m) != 0 {
		t.Errorf("expected empty map for missing sidecar, got %v", m)
	}
}

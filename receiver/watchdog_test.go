package receiver

import (
	"testing"
	"time"

	"github.com/dicomflow/gateway/core"
	"github.com/dicomflow/gateway/dicom"
)

func TestWatchdogTouchPreventsPrematureHandoff(t *testing.T) {
	route := dicom.Route{AETitle: "INGEST", StudyTimeoutSeconds: 3600}
	completed := make(chan StudyCompleted, 1)
	w := newQuiescenceWatchdog(route, &core.NoOpLogger{}, completed)

	w.touch("1.2.3")
	w.sweep(time.Hour) // nowhere near StudyTimeoutSeconds

	select {
	case ev := <-completed:
		t.Fatalf("expected no handoff yet, got %+v", ev)
	default:
	}
}

func TestWatchdogSweepHandsOffAfterTimeout(t *testing.T) {
	route := dicom.Route{AETitle: "INGEST", StudyTimeoutSeconds: 1}
	completed := make(chan StudyCompleted, 1)
	w := newQuiescenceWatchdog(route, &core.NoOpLogger{}, completed)

	w.mu.Lock()
	w.lastSeen["1.2.3"] = time.Now().Add(-2 * time.Second)
	w.mu.Unlock()

	w.sweep(time.Second)

	select {
	case ev := <-completed:
		if ev.StudyUID != "1.2.3" || ev.AE != "INGEST" {
			t.Fatalf("unexpected handoff event: %+v", ev)
		}
	default:
		t.Fatal("expected quiescent study to be handed off")
	}

	w.mu.Lock()
	_, stillTracked := w.lastSeen["1.2.3"]
	w.mu.Unlock()
	if stillTracked {
		t.Fatal("expected study to be removed from tracking after handoff")
	}
}

func TestWatchdogTouchIgnoresEmptyStudyUID(t *testing.T) {
	route := dicom.Route{AETitle: "INGEST", StudyTimeoutSeconds: 1}
	w := newQuiescenceWatchdog(route, &core.NoOpLogger{}, make(chan StudyCompleted, 1))

	w.touch("")

	w.mu.Lock()
	n := len(w.lastSeen)
	w.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected empty study uid to be ignored, tracked %d entries", n)
	}
}

package receiver

import (
	"context"
	"sync"
	"time"

	"github.com/dicomflow/gateway/core"
	"github.com/dicomflow/gateway/dicom"
)

// quiescenceWatchdog promotes a study to scheduler-eligible once no
// instance has arrived for study_timeout_seconds. touch is called on
// every received P-DATA-TF fragment (not just on association open/close)
// so a slow sender that is still actively streaming never trips
// quiescence — only total silence does.
type quiescenceWatchdog struct {
	route     dicom.Route
	logger    core.Logger
	completed chan<- StudyCompleted

	mu       sync.Mutex
	lastSeen map[string]time.Time

	tickInterval time.Duration
}

func newQuiescenceWatchdog(route dicom.Route, logger core.Logger, completed chan<- StudyCompleted) *quiescenceWatchdog {
	return &quiescenceWatchdog{
		route:        route,
		logger:       logger,
		completed:    completed,
		lastSeen:     make(map[string]time.Time),
		tickInterval: 2 * time.Second,
	}
}

func (w *quiescenceWatchdog) touch(studyUID string) {
	if studyUID == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeen[studyUID] = time.Now()
}

func (w *quiescenceWatchdog) run(ctx context.Context) {
	timeout := time.Duration(w.route.StudyTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	ticker := time.NewTicker(w.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(timeout)
		}
	}
}

func (w *quiescenceWatchdog) sweep(timeout time.Duration) {
	now := time.Now()

	w.mu.Lock()
	var due []string
	for studyUID, seen := range w.lastSeen {
		if now.Sub(seen) >= timeout {
			due = append(due, studyUID)
			delete(w.lastSeen, studyUID)
		}
	}
	w.mu.Unlock()

	for _, studyUID := range due {
		w.logger.Info("study quiescent, handing off to scheduler", map[string]interface{}{
			"ae":        w.route.AETitle,
			"study_uid": studyUID,
		})
		// A blocking send is deliberate: dropping this event would leave
		// the study stuck in incoming/ forever, so backpressure onto the
		// watchdog loop is preferable to losing it.
		w.completed <- StudyCompleted{AE: w.route.AETitle, StudyUID: studyUID}
	}
}

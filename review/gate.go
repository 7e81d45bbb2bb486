package review

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dicomflow/gateway/core"
	"github.com/dicomflow/gateway/dicom"
	"github.com/dicomflow/gateway/fsstate"
)

// ResumeEvent is posted once an awaiting-review study is approved,
// signaling the Scheduler to pick it back up for the forwarding stage.
// Message passing rather than a direct call breaks the same cyclic
// dependency the Retry Manager and Scheduler break between each other.
type ResumeEvent struct {
	AE               string
	StudyInstanceUID string
	ReviewID         string
}

// RejectEvent is posted once an awaiting-review study is rejected, so the
// Scheduler can finalize its TransferRecord as FAILED without attempting
// any fan-out. Like ResumeEvent, this is a message rather than a direct
// call into the Scheduler.
type RejectEvent struct {
	AE               string
	StudyInstanceUID string
	ReviewID         string
	Reason           string
}

// routeChannels holds one Route's Worker's private resume/reject channels,
// registered via RegisterRoute.
type routeChannels struct {
	resume   chan<- ResumeEvent
	rejected chan<- RejectEvent
}

// Gate plays the role of the teacher's orchestration.InterruptController:
// it parks a study pending human approval and resumes or terminates it on
// decision. A single Gate backs every configured Route, the same way a
// single Retry Manager backs every Route's retry dispatch — Approve and
// Reject post to the specific Route's Worker via RegisterRoute rather than
// a shared channel, since a Worker's in-memory cachedStudy state (needed to
// resend after approval) only ever lives in the Worker that handled the
// study, never in another Route's Worker.
type Gate struct {
	layout *fsstate.Layout
	store  Store
	logger core.Logger

	dispatchMu sync.Mutex
	dispatch   map[string]routeChannels

	mu sync.Mutex
}

// NewGate constructs a Gate shared by every configured Route.
func NewGate(layout *fsstate.Layout, store Store, logger core.Logger, resumeBuffer int) *Gate {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("gateway/review")
	}
	return &Gate{
		layout:   layout,
		store:    store,
		logger:   logger,
		dispatch: make(map[string]routeChannels),
	}
}

// RegisterRoute tells the Gate which channels to post ResumeEvent and
// RejectEvent to for a given AE. Each Route's Worker calls this once at
// startup with its own Resume/Reject channels, mirroring retry.Manager's
// RegisterRoute.
func (g *Gate) RegisterRoute(ae string, resume chan<- ResumeEvent, rejected chan<- RejectEvent) {
	g.dispatchMu.Lock()
	defer g.dispatchMu.Unlock()
	g.dispatch[ae] = routeChannels{resume: resume, rejected: rejected}
}

// Submit moves an anonymized study into review/pending/<review_id>/ and
// records its ReviewMetadata sidecar.
func (g *Gate) Submit(ctx context.Context, study dicom.Study, route dicom.Route, auditSummary string) (string, error) {
	reviewID := uuid.New().String()

	if err := g.layout.TransitionToReview(route.AETitle, study.StudyInstanceUID, reviewID, fsstate.Processing); err != nil {
		return "", fmt.Errorf("review: submit %s: %w", study.StudyInstanceUID, err)
	}

	meta := &dicom.ReviewMetadata{
		ReviewID:         reviewID,
		StudyInstanceUID: study.StudyInstanceUID,
		RouteAE:          route.AETitle,
		SourceAE:         study.SourceAE,
		AuditSummary:     auditSummary,
		SubmittedAt:      time.Now(),
		Decision:         dicom.ReviewPending,
	}
	if err := g.store.Save(ctx, meta); err != nil {
		return "", fmt.Errorf("review: save metadata for %s: %w", reviewID, err)
	}

	g.logger.Info("study submitted for review", map[string]interface{}{
		"ae":        route.AETitle,
		"study_uid": study.StudyInstanceUID,
		"review_id": reviewID,
	})
	return reviewID, nil
}

// Approve records an approval decision and re-injects the study into the
// forwarding stage. A second Approve on an already-decided review is a
// no-op returning success (§8 round-trip property) rather than an error,
// since a reviewer double-clicking "approve" must not surface as a
// failure.
func (g *Gate) Approve(ctx context.Context, ae, reviewID, user, notes string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	meta, err := g.store.Load(ctx, ae, reviewID)
	if err != nil {
		return fmt.Errorf("review: approve %s: %w", reviewID, err)
	}
	if meta.Decision != dicom.ReviewPending {
		return nil // already decided; idempotent
	}

	meta.Decision = dicom.ReviewApproved
	meta.Reviewer = user
	meta.Notes = notes
	meta.DecidedAt = time.Now()

	if err := g.store.Update(ctx, ae, meta); err != nil {
		return fmt.Errorf("review: update metadata for %s: %w", reviewID, err)
	}
	if err := g.layout.TransitionFromReview(ae, reviewID, fsstate.Processing, meta.StudyInstanceUID); err != nil {
		return fmt.Errorf("review: move approved study %s: %w", reviewID, err)
	}

	g.logger.Info("review approved", map[string]interface{}{
		"ae":        ae,
		"review_id": reviewID,
		"reviewer":  user,
	})

	g.dispatchMu.Lock()
	route, ok := g.dispatch[ae]
	g.dispatchMu.Unlock()
	if !ok {
		g.logger.Error("no registered route for approved review", map[string]interface{}{"ae": ae, "review_id": reviewID})
		return nil
	}
	route.resume <- ResumeEvent{AE: ae, StudyInstanceUID: meta.StudyInstanceUID, ReviewID: reviewID}
	return nil
}

// Reject records a rejection and moves the study to review/rejected/. Like
// Approve, a second Reject on an already-decided review is a no-op.
func (g *Gate) Reject(ctx context.Context, ae, reviewID, user, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	meta, err := g.store.Load(ctx, ae, reviewID)
	if err != nil {
		return fmt.Errorf("review: reject %s: %w", reviewID, err)
	}
	if meta.Decision != dicom.ReviewPending {
		return nil // already decided; idempotent
	}

	meta.Decision = dicom.ReviewRejected
	meta.Reviewer = user
	meta.Notes = reason
	meta.DecidedAt = time.Now()

	if err := g.store.Update(ctx, ae, meta); err != nil {
		return fmt.Errorf("review: update metadata for %s: %w", reviewID, err)
	}
	if err := g.layout.TransitionFromReview(ae, reviewID, fsstate.ReviewRejected, meta.StudyInstanceUID); err != nil {
		return fmt.Errorf("review: move rejected study %s: %w", reviewID, err)
	}

	g.logger.Info("review rejected", map[string]interface{}{
		"ae":        ae,
		"review_id": reviewID,
		"reviewer":  user,
		"reason":    reason,
	})

	g.dispatchMu.Lock()
	route, ok := g.dispatch[ae]
	g.dispatchMu.Unlock()
	if !ok {
		g.logger.Error("no registered route for rejected review", map[string]interface{}{"ae": ae, "review_id": reviewID})
		return nil
	}
	route.rejected <- RejectEvent{AE: ae, StudyInstanceUID: meta.StudyInstanceUID, ReviewID: reviewID, Reason: reason}
	return nil
}

// ListPending returns every review checkpoint awaiting a decision for ae.
func (g *Gate) ListPending(ctx context.Context, ae string) ([]*dicom.ReviewMetadata, error) {
	return g.store.ListPending(ctx, ae)
}

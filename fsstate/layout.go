// Package fsstate owns the per-AE on-disk directory state machine: the
// mandatory subtree under <data_root>/<ae>/ and the atomic renames that
// move a study between top-level states. Every transition goes through
// Layout.Transition so a crash always leaves a study's directory in
// exactly one state subdirectory (the invariant in spec §3/§8).
package fsstate

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dicomflow/gateway/core"
)

// State names the top-level subdirectories a study passes through. These
// are directory-layer states, distinct from (but mapped onto) dicom.StudyState.
type State string

const (
	Incoming   State = "incoming"
	Processing State = "processing"
	Completed  State = "completed"
	Failed     State = "failed"
	Deleted    State = "deleted"
	// ReviewPending and ReviewRejected are two-level: review/pending and
	// review/rejected.
	ReviewPending  State = "review/pending"
	ReviewRejected State = "review/rejected"
)

var topLevelDirs = []string{
	string(Incoming), string(Processing), string(Completed), string(Failed),
	string(Deleted), "review/pending", "review/rejected", "archive", "history", "logs",
}

// Layout owns the directory tree for one AE under a shared data root.
type Layout struct {
	dataRoot string
	logger   core.Logger
}

// NewLayout constructs a Layout rooted at dataRoot. dataRoot is shared
// across AEs; each AE gets its own subtree.
func NewLayout(dataRoot string, logger core.Logger) *Layout {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Layout{dataRoot: dataRoot, logger: logger}
}

// DataRoot returns the shared root every AE's subtree lives under, for
// components (the Retry Manager's filesystem queue, config hot-reload)
// that need a place to persist state outside any single AE's tree.
func (l *Layout) DataRoot() string {
	return l.dataRoot
}

// aeRoot returns <data_root>/<ae>.
func (l *Layout) aeRoot(ae string) string {
	return filepath.Join(l.dataRoot, ae)
}

// EnsureAE creates the full mandatory subtree for ae if it does not
// already exist. Safe to call repeatedly (e.g. on every config reload).
func (l *Layout) EnsureAE(ae string) error {
	root := l.aeRoot(ae)
	for _, d := range topLevelDirs {
		full := filepath.Join(root, d)
		if err := os.MkdirAll(full, 0o755); err != nil {
			return fmt.Errorf("fsstate: ensure %s: %w", full, err)
		}
	}
	l.logger.Debug("ae directory tree ensured", map[string]interface{}{
		"ae":   ae,
		"root": root,
	})
	return nil
}

// StudyDir returns the current path of a study under one of the simple
// (non-review) top-level states.
func (l *Layout) StudyDir(ae string, state State, studyUID string) string {
	return filepath.Join(l.aeRoot(ae), string(state), studyUID)
}

// ReviewDir returns the path of a review checkpoint directory, keyed by
// review ID rather than study UID.
func (l *Layout) ReviewDir(ae string, state State, reviewID string) string {
	return filepath.Join(l.aeRoot(ae), string(state), reviewID)
}

// DeletedDir returns a soft-delete directory name with a timestamp and
// prefix, per the <prefix>_<timestamp>_<study> naming convention.
func (l *Layout) DeletedDir(ae, prefix, studyUID string, at time.Time) string {
	name := fmt.Sprintf("%s_%s_%s", prefix, at.UTC().Format("20060102T150405"), studyUID)
	return filepath.Join(l.aeRoot(ae), string(Deleted), name)
}

// ArchiveDir returns archive/<YYYY-MM-DD>/study_<uid>/ for a given day.
func (l *Layout) ArchiveDir(ae string, day time.Time, studyUID string) string {
	return filepath.Join(l.aeRoot(ae), "archive", day.UTC().Format("2006-01-02"), "study_"+studyUID)
}

// HistoryFile returns history/<YYYY-MM-DD>.json for a given day.
func (l *Layout) HistoryFile(ae string, day time.Time) string {
	return filepath.Join(l.aeRoot(ae), "history", day.UTC().Format("2006-01-02")+".json")
}

// Transition atomically moves a study's directory from one simple
// top-level state to another via os.Rename. It does not handle
// review states (use TransitionToReview/TransitionFromReview) since those
// key on a review ID rather than a study UID.
func (l *Layout) Transition(ae, studyUID string, from, to State) error {
	src := l.StudyDir(ae, from, studyUID)
	dst := l.StudyDir(ae, to, studyUID)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("fsstate: ensure destination parent: %w", err)
	}

	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("fsstate: source study dir missing for transition %s->%s: %w", from, to, err)
	}

	if err := os.Rename(src, dst); err != nil {
		l.logger.Error("atomic transition failed", map[string]interface{}{
			"ae":        ae,
			"study_uid": studyUID,
			"from":      string(from),
			"to":        string(to),
			"error":     err.Error(),
		})
		return fmt.Errorf("fsstate: rename %s -> %s: %w", src, dst, err)
	}

	l.logger.Info("study transitioned", map[string]interface{}{
		"ae":        ae,
		"study_uid": studyUID,
		"from":      string(from),
		"to":        string(to),
	})
	return nil
}

// TransitionToReview moves a study directory (named studyUID) into
// review/pending/<review_id>/, renaming it to the review ID in the
// process since review directories are keyed by review ID, not study UID.
func (l *Layout) TransitionToReview(ae, studyUID, reviewID string, from State) error {
	src := l.StudyDir(ae, from, studyUID)
	dst := l.ReviewDir(ae, ReviewPending, reviewID)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("fsstate: ensure review parent: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("fsstate: rename %s -> %s: %w", src, dst, err)
	}
	return nil
}

// TransitionFromReview moves a review checkpoint directory either back
// into a simple top-level state (approval -> processing) or into
// review/rejected/ (rejection).
func (l *Layout) TransitionFromReview(ae, reviewID string, to State, studyUID string) error {
	src := l.ReviewDir(ae, ReviewPending, reviewID)

	var dst string
	if to == ReviewRejected {
		dst = l.ReviewDir(ae, ReviewRejected, reviewID)
	} else {
		dst = l.StudyDir(ae, to, studyUID)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("fsstate: ensure destination parent: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("fsstate: rename %s -> %s: %w", src, dst, err)
	}
	return nil
}

// Exists reports whether a study directory exists in the given state.
func (l *Layout) Exists(ae string, state State, studyUID string) bool {
	_, err := os.Stat(l.StudyDir(ae, state, studyUID))
	return err == nil
}

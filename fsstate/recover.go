package fsstate

import (
	"os"
	"path/filepath"
)

// StudyRef identifies a study directory found during recovery, paired
// with the top-level state it was found in.
type StudyRef struct {
	AE       string
	State    State
	StudyUID string
}

// Recover scans incoming/ and processing/ for ae and returns a StudyRef
// for every study directory found, so the Scheduler can re-enter them
// (COMPLETED_INCOMING for incoming/, PROCESSING for processing/) per §8
// scenario 5. It does not move anything; callers decide what to do with
// each ref.
func (l *Layout) Recover(ae string) ([]StudyRef, error) {
	var refs []StudyRef
	for _, state := range []State{Incoming, Processing} {
		dir := filepath.Join(l.aeRoot(ae), string(state))
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			refs = append(refs, StudyRef{AE: ae, State: state, StudyUID: e.Name()})
		}
	}
	return refs, nil
}

// RecoverReviews scans review/pending/ for ae and returns the set of
// review IDs awaiting a decision. Review-gated studies persist
// indefinitely (§5), so recovery only needs to know they exist; no
// timeout logic applies.
func (l *Layout) RecoverReviews(ae string) ([]string, error) {
	dir := filepath.Join(l.aeRoot(ae), string(ReviewPending))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

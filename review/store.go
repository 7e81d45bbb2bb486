// Package review implements the human-review checkpoint a study passes
// through when its Route is marked review_required (§4.7): an anonymized
// study is parked under review/pending/<review_id>/ until a reviewer
// approves or rejects it, at which point it re-enters the Scheduler's
// forwarding stage or is moved to review/rejected/.
//
// The shape mirrors the teacher's orchestration.CheckpointStore /
// ExecutionCheckpoint pair, simplified down to what a filesystem-backed
// single-process gateway needs: no distributed command delivery, no
// expiry processor, just atomic directory moves plus a JSON sidecar.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dicomflow/gateway/dicom"
	"github.com/dicomflow/gateway/fsstate"
)

// Store persists ReviewMetadata sidecars. Its shape is deliberately the
// CheckpointStore-shaped interface described in §4.7 so a future
// Redis-backed implementation (the teacher provides one for HITL) is a
// drop-in swap behind the same interface.
type Store interface {
	Save(ctx context.Context, meta *dicom.ReviewMetadata) error
	Load(ctx context.Context, ae, reviewID string) (*dicom.ReviewMetadata, error)
	Update(ctx context.Context, ae string, meta *dicom.ReviewMetadata) error
	ListPending(ctx context.Context, ae string) ([]*dicom.ReviewMetadata, error)
}

const metadataFileName = "review_metadata.json"

// fsStore is the default Store, keeping one JSON sidecar per review
// checkpoint directory.
type fsStore struct {
	layout *fsstate.Layout
	mu     sync.Mutex
}

// NewStore constructs the default filesystem-backed Store.
func NewStore(layout *fsstate.Layout) Store {
	return &fsStore{layout: layout}
}

func (s *fsStore) sidecarPath(ae, reviewID string) string {
	return filepath.Join(s.layout.ReviewDir(ae, fsstate.ReviewPending, reviewID), metadataFileName)
}

func (s *fsStore) Save(ctx context.Context, meta *dicom.ReviewMetadata) error {
	return s.write(meta.RouteAE, meta)
}

func (s *fsStore) Update(ctx context.Context, ae string, meta *dicom.ReviewMetadata) error {
	return s.write(ae, meta)
}

func (s *fsStore) write(ae string, meta *dicom.ReviewMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.sidecarPath(ae, meta.ReviewID)
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("review: encode metadata: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("review: write metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("review: rename metadata: %w", err)
	}
	return nil
}

func (s *fsStore) Load(ctx context.Context, ae, reviewID string) (*dicom.ReviewMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.sidecarPath(ae, reviewID))
	if os.IsNotExist(err) {
		// A rejected review's sidecar moved with its directory.
		data, err = os.ReadFile(filepath.Join(s.layout.ReviewDir(ae, fsstate.ReviewRejected, reviewID), metadataFileName))
	}
	if err != nil {
		return nil, fmt.Errorf("review: load metadata: %w", err)
	}
	var meta dicom.ReviewMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("review: decode metadata: %w", err)
	}
	return &meta, nil
}

func (s *fsStore) ListPending(ctx context.Context, ae string) ([]*dicom.ReviewMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root := s.layout.ReviewDir(ae, fsstate.ReviewPending, "")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("review: list pending: %w", err)
	}

	var pending []*dicom.ReviewMetadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, e.Name(), metadataFileName))
		if err != nil {
			continue // checkpoint directory without a sidecar yet; skip
		}
		var meta dicom.ReviewMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		pending = append(pending, &meta)
	}
	return pending, nil
}

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dicomflow/gateway/dicom"
)

// TransferStore is the single-writer, concurrent-reader map of
// TransferRecords keyed by (ae, study uid), exposed read-only to
// observers via dicom.TransferQuery (§5's "TransferRecord store: concurrent
// map, single writer per record").
type TransferStore struct {
	mu      sync.RWMutex
	records map[string]*dicom.TransferRecord
}

func NewTransferStore() *TransferStore {
	return &TransferStore{records: make(map[string]*dicom.TransferRecord)}
}

func transferKey(ae, studyUID string) string {
	return ae + "/" + studyUID
}

// Create starts a new TransferRecord for a study entering the forwarding
// stage, overwriting any prior record for the same (ae, study) pair (a
// user-initiated retry of a FAILED study starts a fresh record).
func (s *TransferStore) Create(ae, studyUID string) *dicom.TransferRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &dicom.TransferRecord{
		StudyInstanceUID: studyUID,
		RouteAE:          ae,
		Status:           dicom.TransferProcessing,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	s.records[transferKey(ae, studyUID)] = rec
	return rec
}

// UpdateDestination applies one destination's outcome to its study's
// TransferRecord, replacing any prior result for the same destination
// name (a retry attempt supersedes the record it retried).
func (s *TransferStore) UpdateDestination(ae, studyUID string, result dicom.DestinationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[transferKey(ae, studyUID)]
	if !ok {
		return fmt.Errorf("scheduler: no transfer record for %s/%s", ae, studyUID)
	}

	replaced := false
	for i, r := range rec.Results {
		if r.DestinationName == result.DestinationName {
			rec.Results[i] = result
			replaced = true
			break
		}
	}
	if !replaced {
		rec.Results = append(rec.Results, result)
	}
	rec.UpdatedAt = time.Now()
	return nil
}

// Finalize sets a TransferRecord's terminal status (§4.8 step 6).
func (s *TransferStore) Finalize(ae, studyUID string, status dicom.TransferRecordStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[transferKey(ae, studyUID)]
	if !ok {
		return fmt.Errorf("scheduler: no transfer record for %s/%s", ae, studyUID)
	}
	rec.Status = status
	rec.ErrorMessage = errMsg
	rec.UpdatedAt = time.Now()
	return nil
}

func cloneRecord(rec *dicom.TransferRecord) dicom.TransferRecord {
	clone := *rec
	clone.Results = append([]dicom.DestinationResult(nil), rec.Results...)
	return clone
}

// Query implements dicom.TransferQuery.
func (s *TransferStore) Query(ctx context.Context, filter dicom.TransferFilter) ([]dicom.TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []dicom.TransferRecord
	for _, rec := range s.records {
		if filter.AE != "" && rec.RouteAE != filter.AE {
			continue
		}
		if filter.StudyUID != "" && rec.StudyInstanceUID != filter.StudyUID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if !filter.From.IsZero() && rec.UpdatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && rec.UpdatedAt.After(filter.To) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	return paginate(out, filter.Page, filter.PageSize), nil
}

func paginate(records []dicom.TransferRecord, page, pageSize int) []dicom.TransferRecord {
	if pageSize <= 0 {
		return records
	}
	start := page * pageSize
	if start >= len(records) {
		return nil
	}
	end := start + pageSize
	if end > len(records) {
		end = len(records)
	}
	return records[start:end]
}

// Get implements dicom.TransferQuery.
func (s *TransferStore) Get(ctx context.Context, ae, studyUID string) (dicom.TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[transferKey(ae, studyUID)]
	if !ok {
		return dicom.TransferRecord{}, dicom.ErrStudyNotFound
	}
	return cloneRecord(rec), nil
}

// FailedStudies implements dicom.TransferQuery.
func (s *TransferStore) FailedStudies(ctx context.Context, ae string) ([]dicom.TransferRecord, error) {
	return s.Query(ctx, dicom.TransferFilter{AE: ae, Status: dicom.TransferFailed})
}

// ActiveTransfers implements dicom.TransferQuery.
func (s *TransferStore) ActiveTransfers(ctx context.Context) ([]dicom.TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []dicom.TransferRecord
	for _, rec := range s.records {
		if rec.Status == dicom.TransferProcessing || rec.Status == dicom.TransferForwarding {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

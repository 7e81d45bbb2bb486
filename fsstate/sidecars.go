package fsstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dicomflow/gateway/dicom"
)

// All sidecars are JSON except failure_reason.txt, which is plain text
// (§6). Reading/writing always goes through encoding/json — never string
// splitting (§9 redesign flag against in-band sidecar parsing).

const (
	failureReasonFile = "failure_reason.txt"
	retryMetadataFile = "retry_metadata.json"
	reviewMetadataFile = "review_metadata.json"
	destinationStatusFile = "destination_status.json"
)

// WriteFailureReason writes the plain-text last-error message for a
// study.
func (l *Layout) WriteFailureReason(dir string, reason string) error {
	return os.WriteFile(filepath.Join(dir, failureReasonFile), []byte(reason), 0o644)
}

// ReadFailureReason reads the plain-text last-error message, if present.
func (l *Layout) ReadFailureReason(dir string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, failureReasonFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RetryMetadata is the JSON-encoded sidecar tracking the retry history for
// one destination of one study.
type RetryMetadata struct {
	DestinationName string           `json:"destination_name"`
	Attempts        int              `json:"attempts"`
	RetryTimestamps []time.Time      `json:"retry_timestamps"`
	LastError       string           `json:"last_error"`
}

func writeJSON(path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("fsstate: marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("fsstate: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v interface{}) (bool, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("fsstate: unmarshal %s: %w", path, err)
	}
	return true, nil
}

// WriteRetryMetadata persists the retry sidecar for one destination
// inside a study's failed/ directory.
func (l *Layout) WriteRetryMetadata(dir string, m RetryMetadata) error {
	return writeJSON(filepath.Join(dir, retryMetadataFile), m)
}

// ReadRetryMetadata reads the retry sidecar, returning ok=false if absent.
func (l *Layout) ReadRetryMetadata(dir string) (RetryMetadata, bool, error) {
	var m RetryMetadata
	ok, err := readJSON(filepath.Join(dir, retryMetadataFile), &m)
	return m, ok, err
}

// WriteReviewMetadata persists the review sidecar.
func (l *Layout) WriteReviewMetadata(dir string, m dicom.ReviewMetadata) error {
	return writeJSON(filepath.Join(dir, reviewMetadataFile), m)
}

// ReadReviewMetadata reads the review sidecar, returning ok=false if
// absent.
func (l *Layout) ReadReviewMetadata(dir string) (dicom.ReviewMetadata, bool, error) {
	var m dicom.ReviewMetadata
	ok, err := readJSON(filepath.Join(dir, reviewMetadataFile), &m)
	return m, ok, err
}

// DestinationStatusMap is the per-study map §4.11 reads to decide
// retries: destination name -> current result status.
type DestinationStatusMap map[string]dicom.DestinationResult

// WriteDestinationStatus persists the per-study destination-status map.
// This file is authoritative for recovery: it is what prevents duplicate
// fan-out after a crash (§8 scenario 5).
func (l *Layout) WriteDestinationStatus(dir string, m DestinationStatusMap) error {
	return writeJSON(filepath.Join(dir, destinationStatusFile), m)
}

// ReadDestinationStatus reads the per-study destination-status map,
// returning an empty map if absent.
func (l *Layout) ReadDestinationStatus(dir string) (DestinationStatusMap, error) {
	m := DestinationStatusMap{}
	_, err := readJSON(filepath.Join(dir, destinationStatusFile), &m)
	if err != nil {
		return nil, err
	}
	return m, nil
}

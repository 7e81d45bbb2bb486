package crosswalk

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dicomflow/gateway/core"
	"github.com/dicomflow/gateway/dicom"
)

// LocalBroker is a self-contained Honest Broker: an in-memory map guarded
// by sync.RWMutex (grounded on core.MemoryStore's locking discipline),
// durable across restarts via a JSON write-ahead log appended on every
// mutation and replayed at startup.
type LocalBroker struct {
	name       string
	walPath    string
	minDays    int
	maxDays    int
	mu         sync.RWMutex
	entries    map[string]*dicom.CrosswalkEntry // key: idType+":"+inputID
	logger     core.Logger
	walFile    *os.File
}

// walRecord is one append-only line in the write-ahead log.
type walRecord struct {
	InputID  string                `json:"input_id"`
	IDType   dicom.CrosswalkIDType `json:"id_type"`
	OutputID string                `json:"output_id"`
}

func NewLocalBroker(name, walPath string, minDays, maxDays int, logger core.Logger) (*LocalBroker, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	b := &LocalBroker{
		name:    name,
		walPath: walPath,
		minDays: minDays,
		maxDays: maxDays,
		entries: make(map[string]*dicom.CrosswalkEntry),
		logger:  logger,
	}
	if err := b.replay(); err != nil {
		return nil, fmt.Errorf("crosswalk: replay %s: %w", walPath, err)
	}
	f, err := os.OpenFile(walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("crosswalk: open wal %s: %w", walPath, err)
	}
	b.walFile = f
	return b, nil
}

func (b *LocalBroker) replay() error {
	if err := os.MkdirAll(filepath.Dir(b.walPath), 0o755); err != nil {
		return err
	}
	f, err := os.Open(b.walPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec walRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // a partially-written trailing line is tolerated, not fatal
		}
		key := entryKey(rec.IDType, rec.InputID)
		b.entries[key] = &dicom.CrosswalkEntry{
			BrokerName: b.name,
			InputID:    rec.InputID,
			IDType:     rec.IDType,
			OutputID:   rec.OutputID,
		}
	}
	return scanner.Err()
}

func entryKey(idType dicom.CrosswalkIDType, inputID string) string {
	return string(idType) + ":" + inputID
}

// Lookup returns the existing output ID, or mints and persists a new one
// derived deterministically from (brokerName, inputID, idType) so
// concurrent lookups of the same identifier from different goroutines (or
// after a restart replaying the WAL) always converge on the same value.
func (b *LocalBroker) Lookup(ctx context.Context, inputID string, idType dicom.CrosswalkIDType) (string, error) {
	key := entryKey(idType, inputID)

	b.mu.RLock()
	if e, ok := b.entries[key]; ok {
		b.mu.RUnlock()
		return e.OutputID, nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.OutputID, nil
	}

	outputID := deriveOutputID(b.name, inputID, idType)
	rec := walRecord{InputID: inputID, IDType: idType, OutputID: outputID}
	line, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	if _, err := b.walFile.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("crosswalk: wal append: %w", err)
	}
	if err := b.walFile.Sync(); err != nil {
		return "", fmt.Errorf("crosswalk: wal sync: %w", err)
	}

	b.entries[key] = &dicom.CrosswalkEntry{
		BrokerName: b.name,
		InputID:    inputID,
		IDType:     idType,
		OutputID:   outputID,
	}
	return outputID, nil
}

// DateShift derives a deterministic per-patient day offset in
// [minDays, maxDays] from a sha256 digest of (brokerName, inputID), so the
// same patient always shifts by the same amount across restarts and
// concurrent callers without any shared PRNG state (§8 round-trip
// property).
func (b *LocalBroker) DateShift(ctx context.Context, inputID string) (int, error) {
	return deriveDateShift(b.name, inputID, b.minDays, b.maxDays), nil
}

func (b *LocalBroker) Close() error {
	if b.walFile != nil {
		return b.walFile.Close()
	}
	return nil
}

func deriveOutputID(brokerName, inputID string, idType dicom.CrosswalkIDType) string {
	sum := sha256.Sum256([]byte(brokerName + "|" + string(idType) + "|" + inputID))
	return fmt.Sprintf("ANON%X", sum[:8])
}

func deriveDateShift(brokerName, inputID string, minDays, maxDays int) int {
	if maxDays <= minDays {
		return minDays
	}
	sum := sha256.Sum256([]byte(brokerName + "|dateshift|" + inputID))
	span := uint64(maxDays - minDays + 1)
	offset := binary.BigEndian.Uint64(sum[:8]) % span
	return minDays + int(offset)
}

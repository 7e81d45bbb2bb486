package crosswalk

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dicomflow/gateway/dicom"
)

func TestLocalBrokerLookupIsDeterministicAndPersists(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "broker.wal")

	b1, err := NewLocalBroker("test-broker", walPath, 1, 60, nil)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	out1, err := b1.Lookup(context.Background(), "PAT001", dicom.IDTypePatientID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	out1Again, _ := b1.Lookup(context.Background(), "PAT001", dicom.IDTypePatientID)
	if out1 != out1Again {
		t.Fatalf("expected stable output ID, got %s then %s", out1, out1Again)
	}
	b1.Close()

	// Restart: a fresh broker replaying the same WAL must agree.
	b2, err := NewLocalBroker("test-broker", walPath, 1, 60, nil)
	if err != nil {
		t.Fatalf("reopen broker: %v", err)
	}
	defer b2.Close()

	out2, err := b2.Lookup(context.Background(), "PAT001", dicom.IDTypePatientID)
	if err != nil {
		t.Fatalf("lookup after restart: %v", err)
	}
	if out2 != out1 {
		t.Fatalf("expected %s after restart, got %s", out1, out2)
	}
}

func TestLocalBrokerDateShiftWithinRange(t *testing.T) {
	dir := t.TempDir()
	b, err := NewLocalBroker("test-broker", filepath.Join(dir, "broker.wal"), 10, 100, nil)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	defer b.Close()

	days, err := b.DateShift(context.Background(), "PAT002")
	if err != nil {
		t.Fatalf("date shift: %v", err)
	}
	if days < 10 || days > 100 {
		t.Fatalf("expected day offset in [10,100], got %d", days)
	}

	days2, _ := b.DateShift(context.Background(), "PAT002")
	if days2 != days {
		t.Fatalf("expected stable date shift, got %d then %d", days, days2)
	}
}

func TestLocalBrokerDifferentInputsDifferentOutputs(t *testing.T) {
	dir := t.TempDir()
	b, err := NewLocalBroker("test-broker", filepath.Join(dir, "broker.wal"), 1, 60, nil)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	defer b.Close()

	a, _ := b.Lookup(context.Background(), "PAT001", dicom.IDTypePatientID)
	c, _ := b.Lookup(context.Background(), "PAT002", dicom.IDTypePatientID)
	if a == c {
		t.Fatal("expected distinct output IDs for distinct input IDs")
	}
}

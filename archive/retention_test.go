package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func mkArchiveDateDir(t *testing.T, dataRoot, ae, date string) {
	t.Helper()
	dir := filepath.Join(dataRoot, ae, "archive", date, "study_1.2.3")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
}

func mkDeletedDir(t *testing.T, dataRoot, ae, name string) {
	t.Helper()
	dir := filepath.Join(dataRoot, ae, "deleted", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
}

func TestSweepRemovesArchivesOlderThanRetention(t *testing.T) {
	dataRoot := t.TempDir()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	mkArchiveDateDir(t, dataRoot, "INGEST", "2026-07-01") // 29 days old, should be removed
	mkArchiveDateDir(t, dataRoot, "INGEST", "2026-07-29") // 1 day old, kept

	sweeper := NewSweeper(dataRoot, RetentionConfig{ArchiveRetentionDays: 7, DeletedRetentionDays: -1, BatchSize: 1000})
	sweeper.Sweep(now)

	if _, err := os.Stat(filepath.Join(dataRoot, "INGEST", "archive", "2026-07-01")); !os.IsNotExist(err) {
		t.Fatalf("expected old archive directory removed, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(dataRoot, "INGEST", "archive", "2026-07-29")); err != nil {
		t.Fatalf("expected recent archive directory kept: %v", err)
	}
}

func TestSweepSkipsArchivesWhenRetentionDisabled(t *testing.T) {
	dataRoot := t.TempDir()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	mkArchiveDateDir(t, dataRoot, "INGEST", "2020-01-01")

	sweeper := NewSweeper(dataRoot, RetentionConfig{ArchiveRetentionDays: -1, DeletedRetentionDays: -1, BatchSize: 1000})
	sweeper.Sweep(now)

	if _, err := os.Stat(filepath.Join(dataRoot, "INGEST", "archive", "2020-01-01")); err != nil {
		t.Fatalf("expected archive directory kept when retention disabled: %v", err)
	}
}

func TestSweepRemovesDeletedDirsOlderThanRetention(t *testing.T) {
	dataRoot := t.TempDir()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	mkDeletedDir(t, dataRoot, "INGEST", "rejected_20260601T120000_1.2.3") // ~59 days old
	mkDeletedDir(t, dataRoot, "INGEST", "rejected_20260729T120000_4.5.6") // 1 day old

	sweeper := NewSweeper(dataRoot, RetentionConfig{ArchiveRetentionDays: -1, DeletedRetentionDays: 30, BatchSize: 1000})
	sweeper.Sweep(now)

	if _, err := os.Stat(filepath.Join(dataRoot, "INGEST", "deleted", "rejected_20260601T120000_1.2.3")); !os.IsNotExist(err) {
		t.Fatalf("expected old deleted directory removed, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(dataRoot, "INGEST", "deleted", "rejected_20260729T120000_4.5.6")); err != nil {
		t.Fatalf("expected recent deleted directory kept: %v", err)
	}
}

func TestSweepIgnoresRetryQueueDirectory(t *testing.T) {
	dataRoot := t.TempDir()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	if err := os.MkdirAll(filepath.Join(dataRoot, "_retry_queue"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	sweeper := NewSweeper(dataRoot, RetentionConfig{ArchiveRetentionDays: 0, DeletedRetentionDays: 0, BatchSize: 1000})
	sweeper.Sweep(now) // must not panic or attempt to treat _retry_queue as an AE archive tree
}

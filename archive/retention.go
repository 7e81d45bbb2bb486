package archive

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dicomflow/gateway/core"
)

// RetentionConfig configures the daily sweep. Grounded on the teacher's
// ExpiryProcessorConfig scan/batch/act shape (orchestration package):
// a ticker wakes the sweep, which scans candidate directories and acts
// on the ones past their age, in bounded batches per tick so one huge
// backlog doesn't block a tick indefinitely.
type RetentionConfig struct {
	// ScanInterval is how often the sweep runs. Default 24h.
	ScanInterval time.Duration

	// ArchiveRetentionDays purges archive/<date>/ directories older than
	// this many days. -1 disables archive purging.
	ArchiveRetentionDays int

	// DeletedRetentionDays purges deleted/<prefix>_<timestamp>_<study>/
	// directories older than this many days. -1 disables.
	DeletedRetentionDays int

	// BatchSize limits how many AE directories a single tick sweeps: the
	// running removal count is checked after each AE, and once it reaches
	// BatchSize the remaining AEs wait for the next tick. One AE's sweep
	// is not cut short, so a tick can remove more than BatchSize.
	BatchSize int

	Logger core.Logger
}

// DefaultRetentionConfig mirrors spec.md's defaults: both retentions
// disabled unless explicitly configured.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		ScanInterval:         24 * time.Hour,
		ArchiveRetentionDays: -1,
		DeletedRetentionDays: -1,
		BatchSize:            1000,
	}
}

// Sweeper runs the retention sweep across every AE's archive/ and
// deleted/ trees under a shared data root.
type Sweeper struct {
	dataRoot string
	cfg      RetentionConfig
	logger   core.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper constructs a Sweeper rooted at dataRoot (fsstate.Layout.DataRoot()).
func NewSweeper(dataRoot string, cfg RetentionConfig) *Sweeper {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("gateway/archive")
	}
	return &Sweeper{dataRoot: dataRoot, cfg: cfg, logger: logger, done: make(chan struct{})}
}

// Start spawns the sweep loop. Stop cancels it.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.loop(ctx)
}

func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	s.Sweep(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(time.Now())
		}
	}
}

// Sweep performs one pass: for every AE directory under the data root,
// remove archive/<date>/ directories older than ArchiveRetentionDays and
// deleted/<prefix>_<timestamp>_<study>/ directories older than
// DeletedRetentionDays. Either check is skipped entirely when its
// retention is -1.
func (s *Sweeper) Sweep(now time.Time) {
	aes, err := listAEDirs(s.dataRoot)
	if err != nil {
		s.logger.Error("retention sweep: failed to list AE directories", map[string]interface{}{"error": err.Error()})
		return
	}

	removed := 0
	for _, ae := range aes {
		if s.cfg.ArchiveRetentionDays >= 0 {
			removed += s.sweepDateDirs(filepath.Join(s.dataRoot, ae, "archive"), s.cfg.ArchiveRetentionDays, now)
		}
		if s.cfg.DeletedRetentionDays >= 0 {
			removed += s.sweepDeletedDirs(filepath.Join(s.dataRoot, ae, "deleted"), s.cfg.DeletedRetentionDays, now)
		}
		if removed >= s.cfg.BatchSize {
			s.logger.Info("retention sweep: batch size reached, remaining will run next tick", map[string]interface{}{"ae": ae, "removed": removed})
			return
		}
	}
	s.logger.Info("retention sweep complete", map[string]interface{}{"removed": removed})
}

// sweepDateDirs removes YYYY-MM-DD subdirectories of root older than
// retentionDays.
func (s *Sweeper) sweepDateDirs(root string, retentionDays int, now time.Time) int {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		s.logger.Error("retention sweep: failed to read directory", map[string]interface{}{"dir": root, "error": err.Error()})
		return 0
	}

	cutoff := now.AddDate(0, 0, -retentionDays)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		day, err := time.Parse("2006-01-02", e.Name())
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			path := filepath.Join(root, e.Name())
			if err := os.RemoveAll(path); err != nil {
				s.logger.Error("retention sweep: failed to remove archive date directory", map[string]interface{}{"dir": path, "error": err.Error()})
				continue
			}
			removed++
		}
	}
	return removed
}

// sweepDeletedDirs removes <prefix>_<timestamp>_<study> directories
// whose embedded timestamp is older than retentionDays.
func (s *Sweeper) sweepDeletedDirs(root string, retentionDays int, now time.Time) int {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		s.logger.Error("retention sweep: failed to read directory", map[string]interface{}{"dir": root, "error": err.Error()})
		return 0
	}

	cutoff := now.AddDate(0, 0, -retentionDays)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		at, ok := parseDeletedTimestamp(e.Name())
		if !ok || !at.Before(cutoff) {
			continue
		}
		path := filepath.Join(root, e.Name())
		if err := os.RemoveAll(path); err != nil {
			s.logger.Error("retention sweep: failed to remove deleted directory", map[string]interface{}{"dir": path, "error": err.Error()})
			continue
		}
		removed++
	}
	return removed
}

// parseDeletedTimestamp extracts the 20060102T150405 timestamp embedded
// in a <prefix>_<timestamp>_<study> directory name written by
// fsstate.Layout.DeletedDir.
func parseDeletedTimestamp(name string) (time.Time, bool) {
	parts := strings.SplitN(name, "_", 3)
	if len(parts) != 3 {
		return time.Time{}, false
	}
	at, err := time.Parse("20060102T150405", parts[1])
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// listAEDirs returns the top-level AE subdirectories of root, skipping
// the retry manager's internal _retry_queue directory.
func listAEDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var aes []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), "_") {
			continue
		}
		aes = append(aes, e.Name())
	}
	return aes, nil
}

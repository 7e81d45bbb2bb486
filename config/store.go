package config

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/dicomflow/gateway/core"
)

// ReloadFunc is notified with the newly-validated Config after a
// successful hot reload. Subscribers (Scheduler, Health Monitor,
// Receiver set) register one at construction time to pick up Route and
// Destination changes without a restart.
type ReloadFunc func(cfg *Config)

// Store watches a YAML config file on disk and exposes the current,
// validated Config through an atomically-swapped snapshot — readers
// never block on a reload in progress and never observe a partially
// applied file. Grounded on the teacher's Config's env/option layering,
// extended with the file-watch + snapshot-swap the teacher's
// single-process agent config never needed.
type Store struct {
	path   string
	logger core.Logger

	current atomic.Pointer[Config]

	mu          sync.Mutex
	subscribers []ReloadFunc

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewStore loads path once (a failure here is fatal per §6 exit code 1)
// and returns a Store ready to Watch.
func NewStore(path string, logger core.Logger) (*Store, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("gateway/config")
	}
	s := &Store{path: path, logger: logger, done: make(chan struct{})}
	s.current.Store(cfg)
	return s, nil
}

// Current returns the most recently validated Config. Safe for
// concurrent use; never returns nil once NewStore has succeeded.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Subscribe registers fn to be called after every successful reload.
// Subscribers added after Watch has started still receive future
// reloads, just not the initial load.
func (s *Store) Subscribe(fn ReloadFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Watch starts the fsnotify watch loop. A write to the config file
// triggers LoadFile; on success the snapshot is swapped and subscribers
// notified; on failure the reload is logged and the previous snapshot
// kept, per SPEC_FULL.md's "never crash on a bad reload" rule — only
// the initial NewStore load is fatal.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", s.path, err)
	}
	s.watcher = watcher

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.loop(ctx)
	return nil
}

// Stop closes the watcher and waits for the loop to exit.
func (s *Store) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
	<-s.done
}

func (s *Store) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			// Editors commonly replace a file via write-to-temp-then-
			// rename, which fsnotify reports as Create on the watched
			// path rather than Write; react to both.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("config watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (s *Store) reload() {
	cfg, err := LoadFile(s.path)
	if err != nil {
		s.logger.Error("config reload failed, keeping previous snapshot", map[string]interface{}{
			"path": s.path, "error": err.Error(),
		})
		return
	}
	s.current.Store(cfg)
	s.logger.Info("config reloaded", map[string]interface{}{"path": s.path})

	s.mu.Lock()
	subs := append([]ReloadFunc(nil), s.subscribers...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub(cfg)
	}
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/dicomflow/gateway/core"
)

func writeConfigFile(t *testing.T, path, dataRoot string, maxRetries int) {
	t.Helper()
	yaml := "data_root: " + dataRoot + "\nresilience:\n  max_retries: " + strconv.Itoa(maxRetries) + "\n  retry_delay_seconds: 2\n  health_check_interval_seconds: 30\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func TestStoreCurrentReturnsLoadedConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	writeConfigFile(t, path, dir, 3)

	store, err := NewStore(path, &core.NoOpLogger{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if store.Current().Resilience.MaxRetries != 3 {
		t.Fatalf("expected max_retries 3, got %d", store.Current().Resilience.MaxRetries)
	}
}

func TestStoreRejectsUnloadableInitialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.yaml")
	if _, err := NewStore(path, &core.NoOpLogger{}); err == nil {
		t.Fatal("expected NewStore to fail on missing file")
	}
}

func TestStoreHotReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	writeConfigFile(t, path, dir, 3)

	store, err := NewStore(path, &core.NoOpLogger{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	reloaded := make(chan *Config, 1)
	store.Subscribe(func(cfg *Config) { reloaded <- cfg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := store.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer store.Stop()

	writeConfigFile(t, path, dir, 9)

	select {
	case cfg := <-reloaded:
		if cfg.Resilience.MaxRetries != 9 {
			t.Fatalf("expected reloaded max_retries 9, got %d", cfg.Resilience.MaxRetries)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload notification")
	}

	if store.Current().Resilience.MaxRetries != 9 {
		t.Fatalf("expected Current() to reflect reload, got %d", store.Current().Resilience.MaxRetries)
	}
}

func TestStoreKeepsPreviousSnapshotOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	writeConfigFile(t, path, dir, 3)

	store, err := NewStore(path, &core.NoOpLogger{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := store.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer store.Stop()

	if err := os.WriteFile(path, []byte("data_root: \"\"\n"), 0o644); err != nil {
		t.Fatalf("write invalid config: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	if store.Current().DataRoot != dir {
		t.Fatalf("expected previous snapshot kept after bad reload, got data_root=%q", store.Current().DataRoot)
	}
}

// Command gateway runs the DICOM routing gateway: one listener per
// configured Route, anonymization and Honest Broker resolution, optional
// human review, multi-destination fan-out with retry, and archival.
//
// Configuration is read from the file named by GATEWAY_CONFIG_FILE
// (default "./gateway.yaml"), overlaid with GATEWAY_* environment
// variables — there is no flag-parsing layer, matching the framework's
// own examples, which are all configured through environment variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dicomflow/gateway/config"
	"github.com/dicomflow/gateway/core"
	"github.com/dicomflow/gateway/observability"
)

// Exit codes, carried forward unchanged from spec.md §6.
const (
	exitOK                = 0
	exitConfigInvalid     = 1
	exitBindFailure       = 2
	exitDataDirUnwritable = 3
)

const defaultConfigPath = "./gateway.yaml"
const defaultGracefulStop = 30 * time.Second

func main() {
	os.Exit(run())
}

// run contains everything main would otherwise do directly; factored out
// so it can return an exit code instead of calling os.Exit from deep
// inside startup, which would skip deferred cleanup.
func run() int {
	path := os.Getenv("GATEWAY_CONFIG_FILE")
	if path == "" {
		path = defaultConfigPath
	}

	bootstrapLogger := log.New(os.Stderr, "", log.LstdFlags)

	cfgStore, err := config.NewStore(path, nil)
	if err != nil {
		bootstrapLogger.Printf("configuration invalid: %v", err)
		return exitConfigInvalid
	}

	cfg := cfgStore.Current()
	logger := core.NewProductionLogger(core.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: "stdout",
	}, core.DevelopmentConfig{}, "dicom-gateway")

	if err := checkDataRootWritable(cfg.DataRoot); err != nil {
		logger.Error("data directory unwritable", map[string]interface{}{"data_root": cfg.DataRoot, "error": err.Error()})
		return exitDataDirUnwritable
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	tracing, err := observability.Start(bootCtx, cfg.Telemetry, logger)
	bootCancel()
	if err != nil {
		logger.Error("failed to start tracing", map[string]interface{}{"error": err.Error()})
		return exitConfigInvalid
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", map[string]interface{}{"error": err.Error()})
		}
	}()

	gw, err := NewGateway(cfgStore, logger)
	if err != nil {
		logger.Error("failed to construct gateway", map[string]interface{}{"error": err.Error()})
		return exitConfigInvalid
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		var bf *bindFailure
		if errors.As(err, &bf) {
			logger.Error("listener bind failed", map[string]interface{}{"ae": bf.ae, "port": bf.port, "error": bf.err.Error()})
			return exitBindFailure
		}
		logger.Error("gateway startup failed", map[string]interface{}{"error": err.Error()})
		return exitBindFailure
	}

	if err := cfgStore.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", map[string]interface{}{"error": err.Error()})
	}

	logger.Info("gateway started", map[string]interface{}{"data_root": cfg.DataRoot, "routes": len(cfg.Routes)})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down", nil)
	cancel()
	gw.Stop(context.Background(), defaultGracefulStop)
	logger.Info("shutdown complete", nil)

	return exitOK
}

// checkDataRootWritable creates dataRoot if needed and verifies the
// process can actually write into it, so a permissions problem is caught
// before any listener binds rather than surfacing later as a mysterious
// filesystem-transition failure deep in the Scheduler.
func checkDataRootWritable(dataRoot string) error {
	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		return fmt.Errorf("create data root: %w", err)
	}
	probe := fmt.Sprintf("%s/.write_probe_%d", dataRoot, os.Getpid())
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("write probe: %w", err)
	}
	f.Close()
	return os.Remove(probe)
}

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dicomflow/gateway/anonymize"
	"github.com/dicomflow/gateway/archive"
	"github.com/dicomflow/gateway/config"
	"github.com/dicomflow/gateway/core"
	"github.com/dicomflow/gateway/crosswalk"
	"github.com/dicomflow/gateway/destination"
	"github.com/dicomflow/gateway/dicom"
	"github.com/dicomflow/gateway/fsstate"
	"github.com/dicomflow/gateway/health"
	"github.com/dicomflow/gateway/receiver"
	"github.com/dicomflow/gateway/retry"
	"github.com/dicomflow/gateway/review"
	"github.com/dicomflow/gateway/scheduler"
)

// bindFailureGrace bounds how long Gateway.Start waits to distinguish a
// listener's synchronous bind error (net.Listen/tls.Listen, which happens
// before Listener.Start's Accept loop) from a successful bind that simply
// keeps running. Chosen well above any realistic bind latency and well
// below a human-noticeable startup delay.
const bindFailureGrace = 750 * time.Millisecond

// routeRuntime holds the running components of one configured Route, so
// Gateway.reload can stop and restart exactly the routes that were added
// or removed between two config snapshots.
type routeRuntime struct {
	ae       string
	port     int
	listener *receiver.Listener
	worker   *scheduler.Worker
	incoming chan receiver.StudyCompleted
	resume   chan review.ResumeEvent
	rejected chan review.RejectEvent
}

// Gateway owns every long-running component and the wiring between them.
// One Gateway is built per process, grounded on the teacher's Framework
// type (examples/*/main.go builds one Framework and calls Run/Shutdown).
type Gateway struct {
	logger core.Logger

	cfgStore *config.Store
	layout   *fsstate.Layout

	healthStore   *health.Store
	healthMonitor *health.Monitor

	brokers *crosswalk.Registry
	scripts *anonymize.ScriptRegistry
	ocr     *anonymize.OCRClient

	retryQueue   retry.Queue
	retryManager *retry.Manager

	reviewStore Store
	reviewGate  *review.Gate

	archiveStore   *archive.Store
	archiveSweeper *archive.Sweeper
	transfers      *scheduler.TransferStore

	mu     sync.Mutex
	routes map[string]*routeRuntime
}

// Store is a local alias of review.Store, the review sidecar store
// Gateway holds directly.
type Store = review.Store

// bindFailure is returned by Start when a Route's listener failed to bind
// its port during the startup grace window (§6 exit code 2).
type bindFailure struct {
	ae   string
	port int
	err  error
}

func (b *bindFailure) Error() string {
	return fmt.Sprintf("bind %s:%d: %v", b.ae, b.port, b.err)
}

// NewGateway wires every component from cfgStore's current snapshot but
// starts nothing; call Start to bind listeners and begin processing.
func NewGateway(cfgStore *config.Store, logger core.Logger) (*Gateway, error) {
	cfg := cfgStore.Current()

	layout := fsstate.NewLayout(cfg.DataRoot, logger)

	healthStore := health.NewStore()
	healthMonitor := health.NewMonitor(health.MonitorConfig{
		Interval: time.Duration(cfg.Resilience.HealthCheckIntervalSeconds) * time.Second,
		Logger:   logger,
	}, healthStore)

	brokers, err := buildBrokerRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}

	scripts := anonymize.NewScriptRegistry()
	for _, sc := range cfg.Scripts {
		if sc.BuiltIn {
			continue // compiled in already; a config entry here just documents it
		}
		script, err := anonymize.LoadScriptFile(sc.Path)
		if err != nil {
			return nil, fmt.Errorf("gateway: load script %s: %w", sc.Name, err)
		}
		if err := scripts.Put(script); err != nil {
			return nil, fmt.Errorf("gateway: register script %s: %w", sc.Name, err)
		}
	}

	var ocr *anonymize.OCRClient
	if cfg.OCR.BaseURL != "" {
		ocr = anonymize.NewOCRClient(cfg.OCR.BaseURL, time.Duration(cfg.OCR.TimeoutSeconds)*time.Second, cfg.OCR.PaddingPixels)
	}

	retryQueue, err := retry.NewFSQueue(cfg.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("gateway: retry queue: %w", err)
	}
	retryManagerCfg := retry.DefaultManagerConfig()
	retryManagerCfg.MaxRetries = cfg.Resilience.MaxRetries
	retryManagerCfg.BaseDelay = time.Duration(cfg.Resilience.RetryDelaySeconds) * time.Second
	retryManagerCfg.Logger = logger
	retryManager := retry.NewManager(retryManagerCfg, retryQueue, healthMonitor, logger)

	reviewStore := review.NewStore(layout)
	reviewGate := review.NewGate(layout, reviewStore, logger, 32)

	transfers := scheduler.NewTransferStore()
	archiveStore := archive.NewStore(layout, transfers, logger)
	archiveSweeper := archive.NewSweeper(cfg.DataRoot, archive.RetentionConfig{
		ScanInterval:         24 * time.Hour,
		ArchiveRetentionDays: cfg.Resilience.ArchiveRetentionDays,
		DeletedRetentionDays: cfg.Resilience.DeletedRetentionDays,
		BatchSize:            1000,
		Logger:               logger,
	})

	g := &Gateway{
		logger:         logger,
		cfgStore:       cfgStore,
		layout:         layout,
		healthStore:    healthStore,
		healthMonitor:  healthMonitor,
		brokers:        brokers,
		scripts:        scripts,
		ocr:            ocr,
		retryQueue:     retryQueue,
		retryManager:   retryManager,
		reviewStore:    reviewStore,
		reviewGate:     reviewGate,
		archiveStore:   archiveStore,
		archiveSweeper: archiveSweeper,
		transfers:      transfers,
		routes:         make(map[string]*routeRuntime),
	}

	healthMonitor.SetAdapters(buildAdapters(cfg.Destinations, logger))

	for _, route := range cfg.Routes {
		if !route.Enabled {
			continue
		}
		if err := g.addRoute(cfg, route); err != nil {
			return nil, err
		}
	}

	cfgStore.Subscribe(g.reload)

	return g, nil
}

func buildAdapters(destinations []dicom.Destination, logger core.Logger) map[string]destination.Adapter {
	adapters := make(map[string]destination.Adapter, len(destinations))
	for _, d := range destinations {
		if !d.Enabled {
			continue
		}
		a, err := destination.New(d)
		if err != nil {
			logger.Error("failed to build destination adapter", map[string]interface{}{"destination": d.Name, "error": err.Error()})
			continue
		}
		adapters[d.Name] = a
	}
	return adapters
}

func buildBrokerRegistry(cfg *config.Config, logger core.Logger) (*crosswalk.Registry, error) {
	registry := crosswalk.NewRegistry()
	for _, b := range cfg.Brokers {
		switch b.Kind {
		case config.BrokerLocal:
			walPath := filepath.Join(cfg.Resilience.CacheDir, "crosswalk", b.Name+".wal")
			broker, err := crosswalk.NewLocalBroker(b.Name, walPath, b.MinDateShiftDays, b.MaxDateShiftDays, logger)
			if err != nil {
				return nil, fmt.Errorf("gateway: build local broker %s: %w", b.Name, err)
			}
			registry.Register(b.Name, broker)
		case config.BrokerRemote:
			registry.Register(b.Name, crosswalk.NewRemoteBroker(crosswalk.RemoteBrokerConfig{
				BaseURL:  b.BaseURL,
				Username: b.Username,
				Password: b.Password,
				Token:    b.Token,
				Timeout:  b.Timeout,
				CacheTTL: b.CacheTTL,
				CacheMax: b.CacheMax,
				Logger:   logger,
			}))
		case config.BrokerScript:
			registry.Register(b.Name, crosswalk.NewScriptBroker(b.ScriptPath, b.ScriptTimeout, logger))
		default:
			return nil, fmt.Errorf("gateway: broker %s has unrecognized kind %q", b.Name, b.Kind)
		}
	}
	return registry, nil
}

// addRoute builds (but does not start) a Listener and Worker for route and
// registers its dispatch channels with the Retry Manager and Review Gate.
func (g *Gateway) addRoute(cfg *config.Config, route dicom.Route) error {
	if err := g.layout.EnsureAE(route.AETitle); err != nil {
		return fmt.Errorf("gateway: ensure ae %s: %w", route.AETitle, err)
	}

	destinations := make(map[string]dicom.Destination, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		destinations[d.Name] = d
	}

	incoming := make(chan receiver.StudyCompleted, 64)
	resume := make(chan review.ResumeEvent, 16)
	rejected := make(chan review.RejectEvent, 16)

	worker, err := scheduler.NewWorker(scheduler.WorkerConfig{
		Route:        route,
		Layout:       g.layout,
		Destinations: destinations,
		Health:       g.healthMonitor,
		Transfers:    g.transfers,
		ReviewGate:   g.reviewGate,
		Brokers:      g.brokers,
		Scripts:      g.scripts,
		OCR:          g.ocr,
		Retry:        g.retryManager,
		MaxRetries:   cfg.Resilience.MaxRetries,
		Logger:       g.logger,
		ArchiveOnDone: func(ctx context.Context, ae, studyUID string) {
			if err := g.archiveStore.Commit(ctx, ae, studyUID); err != nil {
				g.logger.Error("archive commit failed", map[string]interface{}{
					"ae": ae, "study_uid": studyUID, "error": err.Error(),
				})
			}
		},
	}, incoming, resume, rejected)
	if err != nil {
		return fmt.Errorf("gateway: build worker for %s: %w", route.AETitle, err)
	}

	listener := receiver.NewListener(route, g.layout, g.logger, incoming, g.routeTLSConfig(route))

	g.retryManager.RegisterRoute(route.AETitle, worker.Dispatch())
	g.reviewGate.RegisterRoute(route.AETitle, resume, rejected)

	g.mu.Lock()
	g.routes[route.AETitle] = &routeRuntime{
		ae:       route.AETitle,
		port:     route.Port,
		listener: listener,
		worker:   worker,
		incoming: incoming,
		resume:   resume,
		rejected: rejected,
	}
	g.mu.Unlock()
	return nil
}

// routeTLSConfig returns nil: TLS material provisioning is an operator/
// deployment concern (certificate issuance, rotation) outside this
// module's scope, matching the Non-goals' "CLI bootstrap glue... beyond
// the interfaces in §6" — the Listener already accepts a *tls.Config for
// any wiring layer that wants to supply one.
func (g *Gateway) routeTLSConfig(route dicom.Route) *tls.Config {
	return nil
}

// Start binds every Route's listener and starts its Worker, the Retry
// Manager, the Health Monitor, and the Archive Sweeper. It blocks only
// long enough to detect a startup bind failure (§6 exit code 2); on
// success it returns immediately and every component keeps running in
// its own goroutines until ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.healthMonitor.Start(ctx); err != nil {
		return fmt.Errorf("gateway: start health monitor: %w", err)
	}
	if err := g.retryManager.Start(ctx); err != nil {
		return fmt.Errorf("gateway: start retry manager: %w", err)
	}
	g.archiveSweeper.Start(ctx)

	g.mu.Lock()
	runtimes := make([]*routeRuntime, 0, len(g.routes))
	for _, rt := range g.routes {
		runtimes = append(runtimes, rt)
	}
	g.mu.Unlock()

	for _, rt := range runtimes {
		if err := rt.worker.Start(ctx); err != nil {
			return fmt.Errorf("gateway: start worker %s: %w", rt.ae, err)
		}
	}

	return g.bindListeners(ctx, runtimes)
}

// bindListeners starts every Listener and waits bindFailureGrace for a
// synchronous bind error. net.Listen/tls.Listen run at the top of
// Listener.Start before its blocking Accept loop, so a bind failure always
// surfaces well within the grace window; anything still running after it
// is treated as a successfully bound, now-serving listener.
func (g *Gateway) bindListeners(ctx context.Context, runtimes []*routeRuntime) error {
	type result struct {
		ae  string
		err error
	}
	errCh := make(chan result, len(runtimes))

	for _, rt := range runtimes {
		rt := rt
		go func() {
			err := rt.listener.Start(ctx)
			errCh <- result{ae: rt.ae, err: err}
		}()
	}

	timer := time.NewTimer(bindFailureGrace)
	defer timer.Stop()

	remaining := len(runtimes)
	for remaining > 0 {
		select {
		case res := <-errCh:
			remaining--
			if res.err != nil {
				port := 0
				if rt := g.routes[res.ae]; rt != nil {
					port = rt.port
				}
				return &bindFailure{ae: res.ae, port: port, err: res.err}
			}
			// A listener that returns nil before the grace window closes
			// only does so via ctx cancellation, which Start treats as a
			// clean shutdown — nothing left to bind, so there's no
			// further result to wait for on this route.
		case <-timer.C:
			return nil
		}
	}
	return nil
}

// Stop gracefully stops every component in roughly reverse dependency
// order, giving in-flight transfers gracefulStop to finish.
func (g *Gateway) Stop(ctx context.Context, gracefulStop time.Duration) {
	g.mu.Lock()
	runtimes := make([]*routeRuntime, 0, len(g.routes))
	for _, rt := range g.routes {
		runtimes = append(runtimes, rt)
	}
	g.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, gracefulStop)
	defer cancel()

	for _, rt := range runtimes {
		if err := rt.listener.Stop(stopCtx); err != nil {
			g.logger.Warn("listener stop error", map[string]interface{}{"ae": rt.ae, "error": err.Error()})
		}
		if err := rt.worker.Stop(stopCtx, gracefulStop); err != nil {
			g.logger.Warn("worker stop error", map[string]interface{}{"ae": rt.ae, "error": err.Error()})
		}
	}

	g.retryManager.Stop()
	g.healthMonitor.Stop()
	g.archiveSweeper.Stop()
	g.cfgStore.Stop()
}

// reload is registered as a config.ReloadFunc. It refreshes destination
// health targets from the new snapshot and starts/stops Routes that were
// added or removed; a Route present in both snapshots but with changed
// fields (worker thread count, destination list, etc.) keeps running with
// its original settings; applying such a change live would mean tearing
// down and rebuilding an in-flight Worker's state, which is out of scope
// for this reload path — changing an existing Route's settings still
// requires a restart, only adding or removing a whole Route is live.
func (g *Gateway) reload(cfg *config.Config) {
	g.healthMonitor.SetAdapters(buildAdapters(cfg.Destinations, g.logger))

	wanted := make(map[string]dicom.Route, len(cfg.Routes))
	for _, route := range cfg.Routes {
		if !route.Enabled {
			continue
		}
		wanted[route.AETitle] = route
	}

	g.mu.Lock()
	var toRemove []*routeRuntime
	for ae, rt := range g.routes {
		if _, ok := wanted[ae]; !ok {
			toRemove = append(toRemove, rt)
			delete(g.routes, ae)
		}
	}
	g.mu.Unlock()

	for _, rt := range toRemove {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := rt.listener.Stop(stopCtx); err != nil {
			g.logger.Warn("reload: listener stop error", map[string]interface{}{"ae": rt.ae, "error": err.Error()})
		}
		if err := rt.worker.Stop(stopCtx, 10*time.Second); err != nil {
			g.logger.Warn("reload: worker stop error", map[string]interface{}{"ae": rt.ae, "error": err.Error()})
		}
		cancel()
		g.logger.Info("reload: route removed", map[string]interface{}{"ae": rt.ae})
	}

	g.mu.Lock()
	existing := make(map[string]struct{}, len(g.routes))
	for ae := range g.routes {
		existing[ae] = struct{}{}
	}
	g.mu.Unlock()

	for ae, route := range wanted {
		if _, ok := existing[ae]; ok {
			continue
		}
		if err := g.addRoute(cfg, route); err != nil {
			g.logger.Error("reload: failed to add route", map[string]interface{}{"ae": ae, "error": err.Error()})
			continue
		}
		g.mu.Lock()
		rt := g.routes[ae]
		g.mu.Unlock()

		ctx := context.Background()
		if err := rt.worker.Start(ctx); err != nil {
			g.logger.Error("reload: failed to start worker", map[string]interface{}{"ae": ae, "error": err.Error()})
			continue
		}
		go func(rt *routeRuntime) {
			if err := rt.listener.Start(ctx); err != nil {
				g.logger.Error("reload: listener exited", map[string]interface{}{"ae": rt.ae, "error": err.Error()})
			}
		}(rt)
		g.logger.Info("reload: route added", map[string]interface{}{"ae": ae})
	}
}

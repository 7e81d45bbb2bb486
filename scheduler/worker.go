// Package scheduler drives a study through the state machine of §4.9: one
// bounded worker pool per Route pulls completion-eligible studies off a
// channel, materializes a fan-out plan, anonymizes, hands off to review
// when required, sends to every destination under a per-Route transfer
// semaphore, and moves the study's directory to its terminal state.
//
// Grounded on the teacher's orchestration/workflow_engine.go +
// task_worker.go worker-pool and step-execution loop, adapted from
// "execute a routing plan's steps" to "execute a study's per-destination
// send plan."
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dicomflow/gateway/anonymize"
	"github.com/dicomflow/gateway/core"
	"github.com/dicomflow/gateway/crosswalk"
	"github.com/dicomflow/gateway/destination"
	"github.com/dicomflow/gateway/dicom"
	"github.com/dicomflow/gateway/fsstate"
	"github.com/dicomflow/gateway/health"
	"github.com/dicomflow/gateway/receiver"
	"github.com/dicomflow/gateway/resilience"
	"github.com/dicomflow/gateway/review"
)

// RetryEnqueuer is the narrow slice of retry.Manager the Scheduler needs:
// the Scheduler depends only on this interface, never on the retry
// package, so the two packages don't import each other (§9).
type RetryEnqueuer interface {
	Enqueue(ctx context.Context, task dicom.RetryTask) error
}

// RetryDispatch is a re-fan-out request for exactly one (study,
// destination) pair, posted by the Retry Manager once that destination
// becomes available again.
type RetryDispatch struct {
	AE              string
	StudyInstanceUID string
	DestinationName string
}

// cachedStudy holds what a later RetryDispatch needs to resend to one
// destination without re-reading the study off disk: the per-destination
// file set (anonymized copy if one was made for that destination's
// script, otherwise the original instances) and the route it belongs to.
type cachedStudy struct {
	route dicom.Route
	files map[string][]dicom.Instance // destination name -> files to send
}

// WorkerConfig bundles a Worker's collaborators.
type WorkerConfig struct {
	Route          dicom.Route
	Layout         *fsstate.Layout
	Destinations   map[string]dicom.Destination
	Health         *health.Monitor
	Transfers      *TransferStore
	ReviewGate     *review.Gate
	Brokers        *crosswalk.Registry
	Scripts        *anonymize.ScriptRegistry
	OCR            *anonymize.OCRClient // nil disables residual-PHI scanning
	Retry          RetryEnqueuer
	MaxRetries     int // per-destination give-up threshold; default 3
	Logger         core.Logger
	ArchiveOnDone  func(ctx context.Context, ae, studyUID string)
}

// Worker is the per-Route pool described in §4.8.
type Worker struct {
	cfg WorkerConfig

	logger core.Logger

	adapters       map[string]destination.Adapter
	breakers       map[string]*resilience.CircuitBreaker
	breakerMetrics *resilience.OTelMetricsCollector

	sem chan struct{} // bounds max_concurrent_transfers

	incoming <-chan receiver.StudyCompleted
	resume   <-chan review.ResumeEvent
	rejected <-chan review.RejectEvent
	dispatch chan RetryDispatch

	mu     sync.Mutex
	active map[string]*cachedStudy // key: ae/studyUID

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewWorker constructs a Worker, building one destination.Adapter per
// configured Destination this route can target.
func NewWorker(cfg WorkerConfig, incoming <-chan receiver.StudyCompleted, resume <-chan review.ResumeEvent, rejected <-chan review.RejectEvent) (*Worker, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("gateway/scheduler")
	}

	metricsCollector := resilience.NewOTelMetricsCollector(context.Background())

	adapters := make(map[string]destination.Adapter, len(cfg.Destinations))
	breakers := make(map[string]*resilience.CircuitBreaker, len(cfg.Destinations))
	for name, dest := range cfg.Destinations {
		if !dest.Enabled {
			continue
		}
		a, err := destination.New(dest)
		if err != nil {
			return nil, fmt.Errorf("scheduler: build adapter %s: %w", name, err)
		}
		adapters[name] = a

		cbCfg := resilience.DefaultConfig()
		cbCfg.Name = "destination/" + name
		cbCfg.Logger = logger
		cbCfg.Metrics = metricsCollector
		cb, err := resilience.NewCircuitBreaker(cbCfg)
		if err != nil {
			return nil, fmt.Errorf("scheduler: build circuit breaker %s: %w", name, err)
		}
		breakers[name] = cb
		if err := metricsCollector.RegisterStateGauge(name, cb.GetState); err != nil {
			logger.Warn("circuit breaker state gauge registration failed", map[string]interface{}{"destination": name, "error": err.Error()})
		}
	}

	maxTransfers := cfg.Route.MaxConcurrentTransfers
	if maxTransfers <= 0 {
		maxTransfers = 8
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	return &Worker{
		cfg:            cfg,
		logger:         logger,
		adapters:       adapters,
		breakers:       breakers,
		breakerMetrics: metricsCollector,
		sem:            make(chan struct{}, maxTransfers),
		incoming:       incoming,
		resume:         resume,
		rejected:       rejected,
		dispatch:       make(chan RetryDispatch, 32),
		active:         make(map[string]*cachedStudy),
	}, nil
}

// Dispatch returns the channel the Retry Manager posts RetryDispatch
// events to.
func (w *Worker) Dispatch() chan<- RetryDispatch {
	return w.dispatch
}

// Start spawns route.WorkerThreads goroutines draining incoming, resume,
// and dispatch. It returns immediately; Stop drains cooperatively.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	threads := w.cfg.Route.WorkerThreads
	if threads <= 0 {
		threads = 4
	}

	for i := 0; i < threads; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}
	return nil
}

// Stop waits up to gracefulStop for the run goroutines to return, then
// cancels the Worker's context, which propagates into every adapter call
// still running. It does not close the input channels: the run
// goroutines keep taking new events until they are closed or the context
// is canceled, so Stop normally waits the full gracefulStop.
func (w *Worker) Stop(ctx context.Context, gracefulStop time.Duration) error {
	if w.cancel == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.cancel()
		w.shutdownMetrics()
		return nil
	case <-time.After(gracefulStop):
		w.cancel()
		<-done
		w.shutdownMetrics()
		return fmt.Errorf("scheduler: %s graceful stop exceeded, remaining studies left in processing/", w.cfg.Route.AETitle)
	case <-ctx.Done():
		w.cancel()
		w.shutdownMetrics()
		return ctx.Err()
	}
}

// shutdownMetrics unregisters the per-destination circuit breaker gauges so
// repeated Start/Stop cycles (as in tests) don't leak observable-gauge
// registrations in the otel SDK.
func (w *Worker) shutdownMetrics() {
	if err := w.breakerMetrics.Shutdown(); err != nil {
		w.logger.Warn("circuit breaker metrics shutdown", map[string]interface{}{"error": err.Error()})
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.incoming:
			if !ok {
				return
			}
			w.processStudy(ctx, ev.AE, ev.StudyUID)
		case ev, ok := <-w.resume:
			if !ok {
				return
			}
			w.resumeAfterReview(ctx, ev)
		case ev, ok := <-w.rejected:
			if !ok {
				return
			}
			w.finalizeRejection(ev)
		case ev, ok := <-w.dispatch:
			if !ok {
				return
			}
			w.retryOne(ctx, ev)
		}
	}
}

// processStudy runs a study through §4.8's plan: materialize, anonymize,
// review hand-off (if required), fan-out, finalize, terminal move.
func (w *Worker) processStudy(ctx context.Context, ae, studyUID string) {
	logger := w.logger
	route := w.cfg.Route

	if err := w.cfg.Layout.Transition(ae, studyUID, fsstate.Incoming, fsstate.Processing); err != nil {
		logger.Error("failed to move study into processing", map[string]interface{}{"ae": ae, "study_uid": studyUID, "error": err.Error()})
		return
	}

	processingDir := w.cfg.Layout.StudyDir(ae, fsstate.Processing, studyUID)
	manifest, err := receiver.ReadManifest(processingDir)
	if err != nil {
		logger.Error("failed to read study manifest", map[string]interface{}{"ae": ae, "study_uid": studyUID, "error": err.Error()})
		w.failStudy(ctx, ae, studyUID, err.Error())
		return
	}

	// The manifest's FilePaths were recorded while the study still lived
	// under incoming/; rebase them onto processingDir now that the whole
	// directory has moved (instance filenames never change across a
	// transition, only the directory they live under does).
	files := make([]dicom.Instance, len(manifest.Instances))
	for i, inst := range manifest.Instances {
		inst.FilePath = filepath.Join(processingDir, filepath.Base(inst.FilePath))
		files[i] = inst
	}

	study := dicom.Study{
		StudyInstanceUID: studyUID,
		AE:               ae,
		SourceAE:         manifest.SourceAE,
		Files:            files,
		ReceivedAt:       manifest.ReceivedAt,
		Status:           dicom.StateProcessing,
	}

	plan, err := MaterializePlan(route, w.cfg.Destinations, study)
	if err != nil {
		logger.Error("failed to materialize plan", map[string]interface{}{"ae": ae, "study_uid": studyUID, "error": err.Error()})
		w.failStudy(ctx, ae, studyUID, err.Error())
		return
	}

	filesByDestination, auditSummary := w.anonymizeSteps(ctx, &study, plan)

	if route.ReviewRequired {
		w.mu.Lock()
		w.active[transferKey(ae, studyUID)] = &cachedStudy{route: route, files: filesByDestination}
		w.mu.Unlock()

		// A PENDING TransferRecord exists for the whole review wait: §8
		// scenario 3 observes each destination as PENDING while a study
		// sits in review/pending/, before any adapter is ever invoked.
		w.cfg.Transfers.Create(ae, studyUID)
		for name := range filesByDestination {
			_ = w.cfg.Transfers.UpdateDestination(ae, studyUID, dicom.DestinationResult{DestinationName: name, Status: dicom.ResultPending, Message: "awaiting review"})
		}

		if _, err := w.cfg.ReviewGate.Submit(ctx, study, route, auditSummary); err != nil {
			logger.Error("failed to submit study for review", map[string]interface{}{"ae": ae, "study_uid": studyUID, "error": err.Error()})
			w.failStudy(ctx, ae, studyUID, err.Error())
		}
		return // study leaves processing/ for review/pending/; resumeAfterReview continues the pipeline
	}

	w.forwardAndFinalize(ctx, ae, studyUID, route, filesByDestination)
}

// resumeAfterReview continues the pipeline for a study an approver just
// cleared: the review gate has already moved the directory back to
// processing/.
func (w *Worker) resumeAfterReview(ctx context.Context, ev review.ResumeEvent) {
	w.mu.Lock()
	cached, ok := w.active[transferKey(ev.AE, ev.StudyInstanceUID)]
	w.mu.Unlock()
	if !ok {
		w.logger.Error("resumed review for unknown study", map[string]interface{}{"ae": ev.AE, "study_uid": ev.StudyInstanceUID})
		return
	}
	w.forwardAndFinalize(ctx, ev.AE, ev.StudyInstanceUID, cached.route, cached.files)
}

// finalizeRejection settles a rejected study's TransferRecord as FAILED
// without ever invoking an adapter (§8 scenario 3: "no C-STORE ever
// issued"). The review gate has already moved the study's directory to
// review/rejected/.
func (w *Worker) finalizeRejection(ev review.RejectEvent) {
	if err := w.cfg.Transfers.Finalize(ev.AE, ev.StudyInstanceUID, dicom.TransferFailed, fmt.Sprintf("rejected: %s", ev.Reason)); err != nil {
		w.logger.Error("failed to finalize rejected transfer", map[string]interface{}{"ae": ev.AE, "study_uid": ev.StudyInstanceUID, "error": err.Error()})
	}

	w.mu.Lock()
	delete(w.active, transferKey(ev.AE, ev.StudyInstanceUID))
	w.mu.Unlock()
}

// anonymizeSteps runs the Anonymizer once per distinct script used across
// the plan's steps (§4.8 step 2's dedup-by-script-name rule), returning
// the per-destination file set to send (anonymized copy or the original
// instances for destinations with Anonymize == false).
func (w *Worker) anonymizeSteps(ctx context.Context, study *dicom.Study, plan Plan) (map[string][]dicom.Instance, string) {
	filesByDestination := make(map[string][]dicom.Instance, len(plan.Steps))
	for _, step := range plan.Steps {
		if !step.RouteDestination.Anonymize {
			filesByDestination[step.RouteDestination.DestinationName] = study.Files
		}
	}

	groups := anonymizationGroups(plan.Steps)
	if len(groups) == 0 {
		return filesByDestination, ""
	}

	var summary string
	anonymizedByScript := make(map[string][]dicom.Instance, len(groups))
	for script, indices := range groups {
		step := plan.Steps[indices[0]]
		outDir := filepath.Join(w.cfg.Layout.StudyDir(study.AE, fsstate.Processing, study.StudyInstanceUID), "anonymized", script)

		scriptDef, ok := w.cfg.Scripts.Get(script)
		if !ok {
			w.logger.Error("unknown anonymization script", map[string]interface{}{"script": script, "study_uid": study.StudyInstanceUID})
			continue
		}

		var broker crosswalk.Broker
		if step.RouteDestination.BrokerName != "" && w.cfg.Brokers != nil {
			broker, _ = w.cfg.Brokers.Get(step.RouteDestination.BrokerName)
		}
		runner := anonymize.NewRunner(broker, w.cfg.OCR)

		patientID := study.Files[0].Tags["0010,0020"]
		_, report, err := runner.Run(ctx, scriptDef, patientID, study.Files, outDir)
		if err != nil {
			w.logger.Error("anonymization failed", map[string]interface{}{"script": script, "study_uid": study.StudyInstanceUID, "error": err.Error()})
			continue
		}
		summary = fmt.Sprintf("%s: %d instances, %d tags changed, %d PHI warnings", script, report.Summary.InstancesProcessed, report.Summary.TagsChanged, report.Summary.PHIWarnings)

		anonymizedByScript[script] = anonymizedInstances(study.Files, outDir)
	}

	for _, step := range plan.Steps {
		if !step.RouteDestination.Anonymize {
			continue
		}
		if files, ok := anonymizedByScript[step.RouteDestination.ScriptName]; ok {
			filesByDestination[step.RouteDestination.DestinationName] = files
		}
	}

	return filesByDestination, summary
}

// anonymizedInstances rebuilds the Instance list pointing at the
// anonymized copies Runner.Run wrote under outDir, keeping every other
// field (SOP/Series UIDs, tags) from the original instance.
func anonymizedInstances(originals []dicom.Instance, outDir string) []dicom.Instance {
	out := make([]dicom.Instance, len(originals))
	for i, inst := range originals {
		clone := inst
		clone.FilePath = filepath.Join(outDir, inst.SOPInstanceUID+".dcm")
		out[i] = clone
	}
	return out
}

// forwardAndFinalize runs §4.8 steps 4-6: fan-out under the per-Route
// transfer semaphore, incremental TransferRecord updates, and the
// terminal directory move.
func (w *Worker) forwardAndFinalize(ctx context.Context, ae, studyUID string, route dicom.Route, filesByDestination map[string][]dicom.Instance) {
	// Cache the plan so a later RetryDispatch for one destination (the
	// study may still have results outstanding after this fan-out) can
	// resend without re-reading the study off disk.
	w.mu.Lock()
	w.active[transferKey(ae, studyUID)] = &cachedStudy{route: route, files: filesByDestination}
	w.mu.Unlock()

	w.cfg.Transfers.Create(ae, studyUID)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successCount, deferredCount, failedCount := 0, 0, 0

	for name, files := range filesByDestination {
		name, files := name, files
		wg.Add(1)
		w.sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-w.sem }()

			outcome := w.sendOne(ctx, ae, studyUID, name, files, 1)

			mu.Lock()
			defer mu.Unlock()
			switch outcome.Status {
			case dicom.ResultSuccess:
				successCount++
			case dicom.ResultFailed:
				failedCount++
			default:
				deferredCount++
			}
			if err := w.cfg.Transfers.UpdateDestination(ae, studyUID, outcome); err != nil {
				w.logger.Error("failed to update transfer record", map[string]interface{}{"ae": ae, "study_uid": studyUID, "error": err.Error()})
			}
		}()
	}
	wg.Wait()

	w.finalizeOutcome(ctx, ae, studyUID, route, successCount, deferredCount, failedCount)
}

// sendOne consults the Health Monitor before invoking the adapter (§4.6:
// the Scheduler never blocks on health, it reads the cached boolean), and
// classifies the result into the DestinationResult shape §4.10's Retry
// Manager expects. attempt is the 1-based attempt this call represents,
// enforcing §8's "attempts ≤ max_retries + 1 at all times" invariant
// locally rather than trusting the Retry Manager to stop dispatching.
func (w *Worker) sendOne(ctx context.Context, ae, studyUID, destName string, files []dicom.Instance, attempt int) dicom.DestinationResult {
	adapter, ok := w.adapters[destName]
	if !ok {
		return dicom.DestinationResult{DestinationName: destName, Status: dicom.ResultSkipped, Message: "unknown or disabled destination"}
	}

	if w.cfg.Health != nil && !w.cfg.Health.Available(destName) {
		if attempt > w.cfg.MaxRetries {
			return dicom.DestinationResult{DestinationName: destName, Status: dicom.ResultFailed, Message: "destination unavailable, max retries exceeded", Attempts: attempt, CompletedAt: time.Now()}
		}
		// Health-gated deferrals don't consume an attempt: the adapter
		// was never actually invoked, so the same attempt number is
		// re-enqueued rather than incremented.
		w.enqueueRetry(ctx, ae, studyUID, destName, attempt, "destination unavailable at send time")
		return dicom.DestinationResult{DestinationName: destName, Status: dicom.ResultPending, Message: "destination unavailable, deferred to retry queue", Attempts: attempt, RetryEligible: true}
	}

	rd := findRouteDestination(w.cfg.Route, destName)

	var result destination.Result
	var err error
	if cb, ok := w.breakers[destName]; ok {
		err = cb.Execute(ctx, func() error {
			var sendErr error
			result, sendErr = adapter.Send(ctx, files, rd)
			return sendErr
		})
		if errors.Is(err, core.ErrCircuitBreakerOpen) {
			if attempt > w.cfg.MaxRetries {
				return dicom.DestinationResult{DestinationName: destName, Status: dicom.ResultFailed, Message: "circuit open, max retries exceeded", Attempts: attempt, CompletedAt: time.Now()}
			}
			w.enqueueRetry(ctx, ae, studyUID, destName, attempt, "destination circuit breaker open")
			return dicom.DestinationResult{DestinationName: destName, Status: dicom.ResultPending, Message: "destination circuit open, deferred to retry queue", Attempts: attempt, RetryEligible: true}
		}
	} else {
		result, err = adapter.Send(ctx, files, rd)
	}

	if err == nil && result.Success {
		return dicom.DestinationResult{
			DestinationName:  destName,
			Status:           dicom.ResultSuccess,
			Message:          result.Message,
			Duration:         result.Duration,
			FilesTransferred: result.FilesTransferred,
			Attempts:         attempt,
			CompletedAt:      time.Now(),
		}
	}

	if dicom.IsTransient(err) {
		if attempt >= w.cfg.MaxRetries {
			return dicom.DestinationResult{DestinationName: destName, Status: dicom.ResultFailed, Message: "transient failure, max retries exceeded", ErrorDetails: errMessage(err), Attempts: attempt, CompletedAt: time.Now()}
		}
		w.enqueueRetry(ctx, ae, studyUID, destName, attempt+1, errMessage(err))
		// Attempts records the NEXT attempt number a dispatched retry
		// will use, so retryOne can read it straight off the record
		// rather than re-deriving it.
		return dicom.DestinationResult{DestinationName: destName, Status: dicom.ResultPending, Message: "transient failure, enqueued for retry", ErrorDetails: errMessage(err), Attempts: attempt + 1, RetryEligible: true}
	}

	return dicom.DestinationResult{DestinationName: destName, Status: dicom.ResultFailed, Message: "permanent failure", ErrorDetails: errMessage(err), Attempts: attempt, CompletedAt: time.Now()}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func findRouteDestination(route dicom.Route, name string) dicom.RouteDestination {
	for _, rd := range route.Destinations {
		if rd.DestinationName == name {
			return rd
		}
	}
	return dicom.RouteDestination{DestinationName: name}
}

// enqueueRetry hands a bare task to the Retry Manager. NextRetryAt is a
// placeholder the Manager's Enqueue overwrites with the actual backoff
// deadline — the Worker knows nothing about backoff math, only that
// attempt needs scheduling.
func (w *Worker) enqueueRetry(ctx context.Context, ae, studyUID, destName string, attempt int, lastErr string) {
	if w.cfg.Retry == nil {
		return
	}
	task := dicom.RetryTask{
		AE:               ae,
		StudyInstanceUID: studyUID,
		DestinationName:  destName,
		Attempt:          attempt,
		NextRetryAt:      time.Now(),
		LastError:        lastErr,
		EnqueuedAt:       time.Now(),
	}
	if err := w.cfg.Retry.Enqueue(ctx, task); err != nil {
		w.logger.Error("failed to enqueue retry task", map[string]interface{}{"ae": ae, "study_uid": studyUID, "destination": destName, "error": err.Error()})
	}
}

// finalizeOutcome moves the study directory to completed/ or failed/ per
// §4.8 step 6, and removes it from the Worker's active-transfer map once
// it reaches a fully terminal state.
func (w *Worker) finalizeOutcome(ctx context.Context, ae, studyUID string, route dicom.Route, successCount, deferredCount, failedCount int) {
	total := successCount + deferredCount + failedCount
	var event dicom.Event
	var toState fsstate.State
	var recordStatus dicom.TransferRecordStatus

	switch {
	case successCount == total:
		event = dicom.EventAllSuccess
		toState = fsstate.Completed
		recordStatus = dicom.TransferSuccess
	case failedCount == total:
		event = dicom.EventAllFailed
		toState = fsstate.Failed
		recordStatus = dicom.TransferFailed
	default:
		event = dicom.EventPartialSuccess
		toState = fsstate.Completed // partial studies stay visible in completed/ pending later retry reconciliation
		recordStatus = dicom.TransferPartial
	}

	if err := w.cfg.Transfers.Finalize(ae, studyUID, recordStatus, ""); err != nil {
		w.logger.Error("failed to finalize transfer record", map[string]interface{}{"ae": ae, "study_uid": studyUID, "error": err.Error()})
	}

	if err := w.cfg.Layout.Transition(ae, studyUID, fsstate.Processing, toState); err != nil {
		w.logger.Error("failed to move study to terminal state", map[string]interface{}{"ae": ae, "study_uid": studyUID, "to": string(toState), "error": err.Error()})
	}

	w.logger.Info("study fan-out finalized", map[string]interface{}{
		"ae": ae, "study_uid": studyUID, "event": string(event),
		"success": successCount, "deferred": deferredCount, "failed": failedCount,
	})

	if event == dicom.EventAllSuccess || event == dicom.EventAllFailed {
		w.mu.Lock()
		delete(w.active, transferKey(ae, studyUID))
		w.mu.Unlock()

		if w.cfg.ArchiveOnDone != nil {
			w.cfg.ArchiveOnDone(ctx, ae, studyUID)
		}
		return
	}

	// A PARTIAL study's directory just moved out from under the file
	// paths cached for its still-outstanding destinations; rebase them
	// the same way processStudy rebases incoming/ paths onto processing/,
	// so a later retryOne reads from where the files actually live now.
	newDir := w.cfg.Layout.StudyDir(ae, toState, studyUID)
	w.mu.Lock()
	if cached, ok := w.active[transferKey(ae, studyUID)]; ok {
		for name, files := range cached.files {
			rebased := make([]dicom.Instance, len(files))
			for i, f := range files {
				f.FilePath = filepath.Join(newDir, filepath.Base(f.FilePath))
				rebased[i] = f
			}
			cached.files[name] = rebased
		}
	}
	w.mu.Unlock()
}

// retryOne re-sends to exactly one destination for a study that was left
// PENDING or transiently FAILED, using the cached file set from the
// original plan.
func (w *Worker) retryOne(ctx context.Context, ev RetryDispatch) {
	w.mu.Lock()
	cached, ok := w.active[transferKey(ev.AE, ev.StudyInstanceUID)]
	w.mu.Unlock()
	if !ok {
		w.logger.Error("retry dispatch for unknown study", map[string]interface{}{"ae": ev.AE, "study_uid": ev.StudyInstanceUID, "destination": ev.DestinationName})
		return
	}

	files, ok := cached.files[ev.DestinationName]
	if !ok {
		w.logger.Error("retry dispatch for unknown destination", map[string]interface{}{"ae": ev.AE, "study_uid": ev.StudyInstanceUID, "destination": ev.DestinationName})
		return
	}

	// The attempt number was already incremented by sendOne when it
	// enqueued this retry and recorded on the DestinationResult; read it
	// back off that result rather than recomputing it here.
	attempt := 1
	if rec, err := w.cfg.Transfers.Get(ctx, ev.AE, ev.StudyInstanceUID); err == nil {
		for _, r := range rec.Results {
			if r.DestinationName == ev.DestinationName && r.Attempts > 0 {
				attempt = r.Attempts
				break
			}
		}
	}

	w.sem <- struct{}{}
	outcome := w.sendOne(ctx, ev.AE, ev.StudyInstanceUID, ev.DestinationName, files, attempt)
	<-w.sem

	if err := w.cfg.Transfers.UpdateDestination(ev.AE, ev.StudyInstanceUID, outcome); err != nil {
		w.logger.Error("failed to update transfer record on retry", map[string]interface{}{"ae": ev.AE, "study_uid": ev.StudyInstanceUID, "error": err.Error()})
		return
	}

	if outcome.Status == dicom.ResultPending {
		return
	}

	rec, err := w.cfg.Transfers.Get(ctx, ev.AE, ev.StudyInstanceUID)
	if err != nil {
		return
	}
	allDone := true
	for _, r := range rec.Results {
		if r.Status == dicom.ResultPending {
			allDone = false
			break
		}
	}
	if allDone {
		w.finalizeRetry(ctx, ev.AE, ev.StudyInstanceUID, rec)
	}
}

// finalizeRetry settles a TransferRecord once every destination a retry
// was outstanding for has resolved. The study's directory was already
// moved to completed/ by the original forwardAndFinalize call; a retry
// settling later only updates the record, it never moves the directory
// again.
func (w *Worker) finalizeRetry(ctx context.Context, ae, studyUID string, rec dicom.TransferRecord) {
	status := dicom.TransferSuccess
	for _, r := range rec.Results {
		if r.Status == dicom.ResultFailed {
			status = dicom.TransferPartial
		}
	}
	if err := w.cfg.Transfers.Finalize(ae, studyUID, status, ""); err != nil {
		w.logger.Error("failed to finalize retried transfer", map[string]interface{}{"ae": ae, "study_uid": studyUID, "error": err.Error()})
	}

	w.mu.Lock()
	delete(w.active, transferKey(ae, studyUID))
	w.mu.Unlock()

	if w.cfg.ArchiveOnDone != nil {
		w.cfg.ArchiveOnDone(ctx, ae, studyUID)
	}
}

// failStudy moves a study directly to failed/ when it cannot even be
// planned (e.g. an unreadable manifest or a routing-rule evaluation
// error), bypassing the fan-out entirely.
func (w *Worker) failStudy(ctx context.Context, ae, studyUID, reason string) {
	w.cfg.Transfers.Create(ae, studyUID)
	_ = w.cfg.Transfers.Finalize(ae, studyUID, dicom.TransferFailed, reason)
	if err := w.cfg.Layout.Transition(ae, studyUID, fsstate.Processing, fsstate.Failed); err != nil {
		w.logger.Error("failed to move unplannable study to failed/", map[string]interface{}{"ae": ae, "study_uid": studyUID, "error": err.Error()})
	}
	sidecar := filepath.Join(w.cfg.Layout.StudyDir(ae, fsstate.Failed, studyUID), "failure_reason.txt")
	_ = os.WriteFile(sidecar, []byte(reason), 0o644)
}

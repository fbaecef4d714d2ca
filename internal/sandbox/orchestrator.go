package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nathan/mailsentry/internal/config"
	"github.com/nathan/mailsentry/internal/core"
	"github.com/nathan/mailsentry/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// CompletionFunc is invoked once per analysis when it reaches a terminal
// state
type CompletionFunc func(analysis *core.SandboxAnalysis)

// Orchestrator manages the detonation queue: bounded concurrency,
// wall-clock budgets, bounded retries with backoff, cancellation and
// evasion analysis. Submission never blocks beyond the map insert.
type Orchestrator struct {
	executor core.SandboxExecutor
	evasion  *EvasionAnalyzer
	cfg      config.SandboxConfig
	logger   *zap.Logger

	slots *semaphore.Weighted

	mu       sync.RWMutex
	analyses map[uuid.UUID]*core.SandboxAnalysis
	cancels  map[uuid.UUID]context.CancelFunc
	queued   int

	onComplete CompletionFunc

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator creates a sandbox orchestrator
func NewOrchestrator(
	executor core.SandboxExecutor,
	cfg config.SandboxConfig,
	logger *zap.Logger,
) *Orchestrator {
	baseCtx, stop := context.WithCancel(context.Background())
	if cfg.MaxConcurrentScans <= 0 {
		cfg.MaxConcurrentScans = 1
	}
	return &Orchestrator{
		executor: executor,
		evasion:  NewEvasionAnalyzer(cfg.ExpectedRuntime),
		cfg:      cfg,
		logger:   logger,
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrentScans)),
		analyses: make(map[uuid.UUID]*core.SandboxAnalysis),
		cancels:  make(map[uuid.UUID]context.CancelFunc),
		baseCtx:  baseCtx,
		stop:     stop,
	}
}

// OnComplete registers the completion callback. Must be called before the
// first Submit.
func (o *Orchestrator) OnComplete(fn CompletionFunc) {
	o.onComplete = fn
}

// Submit accepts a detonation target and returns immediately with a queued
// analysis. Callers observe completion via Status polling or the completion
// callback.
func (o *Orchestrator) Submit(ctx context.Context, target core.SandboxTarget) (*core.SandboxAnalysis, error) {
	if err := validateTarget(target); err != nil {
		return nil, err
	}
	if target.Environment == "" {
		target.Environment = o.cfg.DefaultEnvironment
	}

	analysis := &core.SandboxAnalysis{
		AnalysisID:  uuid.New(),
		Target:      target,
		Environment: target.Environment,
		Status:      core.SandboxQueued,
		SubmittedAt: time.Now(),
	}

	o.mu.Lock()
	if o.cfg.QueueSize > 0 && o.queued >= o.cfg.QueueSize {
		o.mu.Unlock()
		return nil, core.ErrQueueFull
	}
	o.queued++
	runCtx, cancel := context.WithCancel(o.baseCtx)
	o.analyses[analysis.AnalysisID] = analysis
	o.cancels[analysis.AnalysisID] = cancel
	o.mu.Unlock()

	metrics.SandboxSubmissionsTotal.Inc()
	metrics.SandboxQueueDepth.Inc()

	o.wg.Add(1)
	go o.run(runCtx, analysis.AnalysisID)

	return o.snapshot(analysis.AnalysisID)
}

// Status returns a copy of the analysis state
func (o *Orchestrator) Status(ctx context.Context, id uuid.UUID) (*core.SandboxAnalysis, error) {
	return o.snapshot(id)
}

// Cancel requests best-effort cancellation. The analysis always ends in a
// terminal state; an already-terminal analysis is left untouched.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) error {
	o.mu.Lock()
	analysis, ok := o.analyses[id]
	if !ok {
		o.mu.Unlock()
		return core.ErrNotFound
	}
	if analysis.Status.Terminal() {
		o.mu.Unlock()
		return nil
	}
	cancel := o.cancels[id]
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Shutdown cancels all in-flight work and waits for workers to reach
// terminal states
func (o *Orchestrator) Shutdown() {
	o.stop()
	o.wg.Wait()
}

// run drives one analysis from queued to terminal
func (o *Orchestrator) run(ctx context.Context, id uuid.UUID) {
	defer o.wg.Done()

	// Wait for a detonation slot; the analysis stays queued meanwhile
	if err := o.slots.Acquire(ctx, 1); err != nil {
		metrics.SandboxQueueDepth.Dec()
		o.mu.Lock()
		o.queued--
		o.mu.Unlock()
		o.finishFailed(id, "cancelled while queued")
		return
	}
	defer o.slots.Release(1)

	metrics.SandboxQueueDepth.Dec()
	o.mu.Lock()
	o.queued--
	analysis, ok := o.analyses[id]
	if !ok || analysis.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	analysis.Status = core.SandboxRunning
	target := analysis.Target
	o.mu.Unlock()

	metrics.SandboxActiveScans.Inc()
	defer metrics.SandboxActiveScans.Dec()

	report, err := o.detonateWithRetry(ctx, target)
	if err != nil {
		if ctx.Err() != nil {
			o.finishFailed(id, "cancelled")
		} else {
			o.finishFailed(id, err.Error())
		}
		return
	}

	o.finishCompleted(id, report)
}

// detonateWithRetry executes the target under the wall-clock budget,
// retrying infrastructure failures a bounded number of times with
// exponential backoff and jitter
func (o *Orchestrator) detonateWithRetry(ctx context.Context, target core.SandboxTarget) (*core.DetonationReport, error) {
	var lastErr error

	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := o.backoff(attempt)
			o.logger.Info("Retrying detonation",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("detonation cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		budgetCtx, cancel := context.WithTimeout(ctx, o.cfg.ExecutionBudget)
		report, err := o.executor.Detonate(budgetCtx, target)
		cancel()

		if err == nil {
			return report, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("detonation cancelled: %w", ctx.Err())
		}
		o.logger.Warn("Detonation attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return nil, fmt.Errorf("detonation failed after %d attempts: %w", o.cfg.MaxRetries+1, lastErr)
}

// backoff computes the delay before the given retry attempt, doubling each
// time with jitter to avoid synchronized retries
func (o *Orchestrator) backoff(attempt int) time.Duration {
	delay := o.cfg.RetryInitialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > o.cfg.RetryMaxBackoff {
			delay = o.cfg.RetryMaxBackoff
			break
		}
	}
	if delay <= 0 {
		return 0
	}
	return delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
}

// finishCompleted records a successful detonation: verdict, evasion
// analysis and artifacts
func (o *Orchestrator) finishCompleted(id uuid.UUID, report *core.DetonationReport) {
	o.mu.Lock()
	analysis, ok := o.analyses[id]
	if !ok || analysis.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	indicators := o.evasion.Analyze(report, analysis.Target)

	now := time.Now()
	analysis.Status = core.SandboxCompleted
	analysis.ThreatScore = report.ThreatScore
	analysis.Verdict = verdictForScore(report.ThreatScore)
	analysis.EvasionIndicators = indicators
	analysis.EvasionDetected = len(indicators) > 0
	analysis.Artifacts = buildArtifacts(report)
	analysis.CompletedAt = &now
	snapshot := cloneAnalysis(analysis)
	o.mu.Unlock()

	metrics.SandboxCompletionsTotal.WithLabelValues(string(core.SandboxCompleted)).Inc()
	o.logger.Info("Sandbox analysis completed",
		zap.String("analysis_id", id.String()),
		zap.Float64("threat_score", report.ThreatScore),
		zap.Bool("evasion_detected", snapshot.EvasionDetected))

	if o.onComplete != nil {
		o.onComplete(snapshot)
	}
}

// finishFailed records a terminal failure
func (o *Orchestrator) finishFailed(id uuid.UUID, reason string) {
	o.mu.Lock()
	analysis, ok := o.analyses[id]
	if !ok || analysis.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	now := time.Now()
	analysis.Status = core.SandboxFailed
	analysis.FailureReason = reason
	analysis.CompletedAt = &now
	snapshot := cloneAnalysis(analysis)
	o.mu.Unlock()

	metrics.SandboxCompletionsTotal.WithLabelValues(string(core.SandboxFailed)).Inc()
	o.logger.Warn("Sandbox analysis failed",
		zap.String("analysis_id", id.String()),
		zap.String("reason", reason))

	if o.onComplete != nil {
		o.onComplete(snapshot)
	}
}

// snapshot returns a caller-owned copy of an analysis
func (o *Orchestrator) snapshot(id uuid.UUID) (*core.SandboxAnalysis, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	analysis, ok := o.analyses[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return cloneAnalysis(analysis), nil
}

func cloneAnalysis(a *core.SandboxAnalysis) *core.SandboxAnalysis {
	clone := *a
	clone.EvasionIndicators = append([]core.EvasionIndicator(nil), a.EvasionIndicators...)
	if a.Artifacts != nil {
		clone.Artifacts = make(map[string][]byte, len(a.Artifacts))
		for k, v := range a.Artifacts {
			clone.Artifacts[k] = v
		}
	}
	return &clone
}

// buildArtifacts renders the immutable artifact blobs from a report
func buildArtifacts(report *core.DetonationReport) map[string][]byte {
	artifacts := map[string][]byte{
		"console.log": []byte(report.ConsoleLog),
	}
	if report.DOMSnapshot != "" {
		artifacts["dom_snapshot.html"] = []byte(report.DOMSnapshot)
	}
	if trace, err := json.Marshal(report.NetworkEvents); err == nil {
		artifacts["network_trace.json"] = trace
	}
	if full, err := json.Marshal(report); err == nil {
		artifacts["report.json"] = full
	}
	return artifacts
}

// verdictForScore maps a detonation score onto a verdict
func verdictForScore(score float64) core.Verdict {
	switch {
	case score >= 0.8:
		return core.VerdictMalicious
	case score >= 0.4:
		return core.VerdictSuspicious
	default:
		return core.VerdictBenign
	}
}

// validateTarget rejects malformed submissions up front
func validateTarget(target core.SandboxTarget) error {
	switch target.Type {
	case core.TargetFile:
		if len(target.FileBytes) == 0 && target.FileHash == "" {
			return fmt.Errorf("%w: file target requires bytes or hash", core.ErrValidation)
		}
	case core.TargetURL:
		if target.URL == "" {
			return fmt.Errorf("%w: url target requires a url", core.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown target type %q", core.ErrValidation, target.Type)
	}
	return nil
}

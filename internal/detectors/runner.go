package detectors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nathan/mailsentry/internal/core"
	"github.com/nathan/mailsentry/internal/metrics"
	"go.uber.org/zap"
)

// Runner invokes a detector set concurrently with a per-detector timeout.
// A detector that errors, times out or panics contributes the degraded
// zero-confidence result instead of failing the pipeline.
type Runner struct {
	detectors []core.Detector
	timeout   time.Duration
	logger    *zap.Logger
}

// NewRunner creates a detector runner
func NewRunner(detectors []core.Detector, timeout time.Duration, logger *zap.Logger) *Runner {
	return &Runner{detectors: detectors, timeout: timeout, logger: logger}
}

// Detectors returns the configured detector names
func (r *Runner) Detectors() []string {
	names := make([]string, 0, len(r.detectors))
	for _, d := range r.detectors {
		names = append(names, d.Name())
	}
	return names
}

// RunAll scores a bundle with every detector in parallel. The result map
// always contains one entry per configured detector.
func (r *Runner) RunAll(ctx context.Context, bundle *core.FeatureBundle) map[string]core.DetectorResult {
	results := make(map[string]core.DetectorResult, len(r.detectors))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, detector := range r.detectors {
		wg.Add(1)
		go func(det core.Detector) {
			defer wg.Done()
			result := r.runOne(ctx, det, bundle)
			mu.Lock()
			results[det.Name()] = *result
			mu.Unlock()
		}(detector)
	}

	wg.Wait()
	return results
}

// runOne executes a single detector under timeout and panic isolation
func (r *Runner) runOne(ctx context.Context, det core.Detector, bundle *core.FeatureBundle) (result *core.DetectorResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Detector panicked",
				zap.String("detector", det.Name()),
				zap.Any("panic", rec))
			metrics.DetectorErrorsTotal.WithLabelValues(det.Name()).Inc()
			result = core.DegradedDetectorResult()
		}
	}()

	detCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		result *core.DetectorResult
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- outcome{err: fmt.Errorf("detector panic: %v", rec)}
			}
		}()
		res, err := det.Score(detCtx, bundle)
		ch <- outcome{result: res, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			r.logger.Warn("Detector failed, substituting degraded result",
				zap.String("detector", det.Name()),
				zap.Error(out.err))
			metrics.DetectorErrorsTotal.WithLabelValues(det.Name()).Inc()
			return core.DegradedDetectorResult()
		}
		if out.result == nil {
			r.logger.Warn("Detector returned no result, substituting degraded result",
				zap.String("detector", det.Name()))
			metrics.DetectorErrorsTotal.WithLabelValues(det.Name()).Inc()
			return core.DegradedDetectorResult()
		}
		return out.result
	case <-detCtx.Done():
		r.logger.Warn("Detector timed out, substituting degraded result",
			zap.String("detector", det.Name()),
			zap.Duration("timeout", r.timeout))
		metrics.DetectorErrorsTotal.WithLabelValues(det.Name()).Inc()
		return core.DegradedDetectorResult()
	}
}

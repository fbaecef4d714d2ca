// Package pipeline wires the scoring stages together: feature extraction,
// parallel detection, ensemble resolution and action routing.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nathan/mailsentry/internal/core"
	"github.com/nathan/mailsentry/internal/detectors"
	"github.com/nathan/mailsentry/internal/ensemble"
	"github.com/nathan/mailsentry/internal/features"
	"github.com/nathan/mailsentry/internal/metrics"
	"github.com/nathan/mailsentry/internal/utils"
	"go.uber.org/zap"
)

// Service runs the end-to-end analysis pipeline for inbound emails and folds
// completed sandbox detonations back into their analyses.
type Service struct {
	extractor   *features.Extractor
	runner      *detectors.Runner
	resolver    *ensemble.Resolver
	senderLists core.SenderListStore
	analyses    core.AnalysisStore
	sandbox     core.SandboxService
	quarantine  core.QuarantineService
	correlation core.CorrelationService
	logger      *zap.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]pendingDetonation
}

type pendingDetonation struct {
	email          *core.EmailRecord
	hasDetonatable bool
}

// NewService creates the analysis pipeline service
func NewService(
	extractor *features.Extractor,
	runner *detectors.Runner,
	resolver *ensemble.Resolver,
	senderLists core.SenderListStore,
	analyses core.AnalysisStore,
	sandbox core.SandboxService,
	quarantine core.QuarantineService,
	correlation core.CorrelationService,
	logger *zap.Logger,
) *Service {
	return &Service{
		extractor:   extractor,
		runner:      runner,
		resolver:    resolver,
		senderLists: senderLists,
		analyses:    analyses,
		sandbox:     sandbox,
		quarantine:  quarantine,
		correlation: correlation,
		logger:      logger,
		pending:     make(map[uuid.UUID]pendingDetonation),
	}
}

// AnalyzeEmail scores one email and routes the resulting action. The returned
// result reflects the initial pass; a sandbox detonation may later supersede
// it.
func (s *Service) AnalyzeEmail(ctx context.Context, email *core.EmailRecord) (*core.ThreatAnalysisResult, error) {
	startedAt := time.Now()

	bundle, err := s.extractor.Extract(email)
	if err != nil {
		return nil, err
	}

	// Operator sender lists short-circuit scoring entirely
	if result, err := s.checkSenderLists(ctx, email, bundle, startedAt); err != nil {
		return nil, err
	} else if result != nil {
		return result, nil
	}

	detectorResults := s.runner.RunAll(ctx, bundle)
	result := s.resolver.Resolve(email.MessageID, detectorResults, bundle.HasDetonatableContent(), startedAt)

	if err := s.analyses.Save(ctx, result); err != nil {
		return nil, fmt.Errorf("save analysis result: %w", err)
	}

	s.route(ctx, email, bundle, result)

	metrics.EmailsAnalyzedTotal.WithLabelValues(string(result.Verdict), string(result.Action)).Inc()
	metrics.AnalysisDuration.Observe(time.Since(startedAt).Seconds())
	s.logger.Info("Email analyzed",
		zap.String("email_id", email.MessageID),
		zap.Float64("threat_score", result.ThreatScore),
		zap.String("verdict", string(result.Verdict)),
		zap.String("action", string(result.Action)))

	return result, nil
}

// GetAnalysis returns the latest analysis result for an email
func (s *Service) GetAnalysis(ctx context.Context, emailID string) (*core.ThreatAnalysisResult, error) {
	return s.analyses.Latest(ctx, emailID)
}

// checkSenderLists applies the operator allow/deny lists before any scoring.
// A denied sender is quarantined as a policy violation; an allowed sender
// passes with full confidence.
func (s *Service) checkSenderLists(
	ctx context.Context,
	email *core.EmailRecord,
	bundle *core.FeatureBundle,
	startedAt time.Time,
) (*core.ThreatAnalysisResult, error) {
	domain := bundle.SenderDomain
	if domain == "" {
		return nil, nil
	}

	denied, err := s.senderLists.IsDenied(ctx, domain)
	if err != nil {
		s.logger.Warn("Sender deny-list lookup failed", zap.Error(err), zap.String("domain", domain))
	} else if denied {
		result := s.listResult(email.MessageID, 1.0, core.VerdictMalicious, core.ActionQuarantine,
			[]string{"operator_denylisted"}, startedAt)
		if err := s.analyses.Save(ctx, result); err != nil {
			return nil, fmt.Errorf("save analysis result: %w", err)
		}
		if _, err := s.quarantine.Quarantine(ctx, email, core.ReasonPolicyViolation, result.ThreatScore, result.Confidence); err != nil {
			s.logger.Error("Failed to quarantine denylisted email", zap.Error(err),
				zap.String("email_id", email.MessageID))
		}
		if _, err := s.correlation.SubmitDetection(ctx, email, result); err != nil {
			s.logger.Error("Failed to submit denylisted detection for correlation", zap.Error(err),
				zap.String("email_id", email.MessageID))
		}
		metrics.EmailsAnalyzedTotal.WithLabelValues(string(result.Verdict), string(result.Action)).Inc()
		s.logger.Info("Sender domain denylisted, quarantining without scoring",
			zap.String("email_id", email.MessageID),
			zap.String("domain", domain))
		return result, nil
	}

	allowed, err := s.senderLists.IsAllowed(ctx, domain)
	if err != nil {
		s.logger.Warn("Sender allow-list lookup failed", zap.Error(err), zap.String("domain", domain))
	} else if allowed {
		result := s.listResult(email.MessageID, 0.0, core.VerdictBenign, core.ActionAllow,
			[]string{"operator_allowlisted"}, startedAt)
		if err := s.analyses.Save(ctx, result); err != nil {
			return nil, fmt.Errorf("save analysis result: %w", err)
		}
		metrics.EmailsAnalyzedTotal.WithLabelValues(string(result.Verdict), string(result.Action)).Inc()
		s.logger.Info("Sender domain allowlisted, skipping threat scoring",
			zap.String("email_id", email.MessageID),
			zap.String("domain", domain))
		return result, nil
	}

	return nil, nil
}

func (s *Service) listResult(
	emailID string,
	score float64,
	verdict core.Verdict,
	action core.Action,
	indicators []string,
	startedAt time.Time,
) *core.ThreatAnalysisResult {
	return &core.ThreatAnalysisResult{
		ID:              uuid.New(),
		EmailID:         emailID,
		DetectorResults: map[string]core.DetectorResult{},
		ThreatScore:     score,
		Confidence:      1.0,
		Verdict:         verdict,
		Action:          action,
		Indicators:      indicators,
		ProcessingTime:  time.Since(startedAt),
		AnalyzedAt:      time.Now(),
	}
}

// route dispatches the side effects a result demands
func (s *Service) route(ctx context.Context, email *core.EmailRecord, bundle *core.FeatureBundle, result *core.ThreatAnalysisResult) {
	switch result.Action {
	case core.ActionQuarantine:
		if _, err := s.quarantine.Quarantine(ctx, email, core.ReasonSuspicious, result.ThreatScore, result.Confidence); err != nil {
			s.logger.Error("Failed to quarantine email", zap.Error(err),
				zap.String("email_id", email.MessageID))
		}
	case core.ActionBlock:
		if _, err := s.quarantine.Quarantine(ctx, email, core.ReasonMalicious, result.ThreatScore, result.Confidence); err != nil {
			s.logger.Error("Failed to quarantine blocked email", zap.Error(err),
				zap.String("email_id", email.MessageID))
		}
	case core.ActionSandbox:
		s.submitDetonation(ctx, email, bundle)
	}

	if result.Verdict != core.VerdictBenign {
		if _, err := s.correlation.SubmitDetection(ctx, email, result); err != nil {
			s.logger.Error("Failed to submit detection for correlation", zap.Error(err),
				zap.String("email_id", email.MessageID))
		}
	}
}

// submitDetonation picks the most dangerous detonatable item and queues it
func (s *Service) submitDetonation(ctx context.Context, email *core.EmailRecord, bundle *core.FeatureBundle) {
	target, ok := pickTarget(email, bundle)
	if !ok {
		return
	}

	analysis, err := s.sandbox.Submit(ctx, target)
	if err != nil {
		s.logger.Error("Failed to submit sandbox detonation", zap.Error(err),
			zap.String("email_id", email.MessageID))
		return
	}

	s.mu.Lock()
	s.pending[analysis.AnalysisID] = pendingDetonation{
		email:          email,
		hasDetonatable: bundle.HasDetonatableContent(),
	}
	s.mu.Unlock()

	s.logger.Info("Sandbox detonation queued",
		zap.String("email_id", email.MessageID),
		zap.String("analysis_id", analysis.AnalysisID.String()))
}

// HandleSandboxCompletion folds a terminal sandbox analysis back into the
// email's threat analysis. The superseding result can escalate but never
// relax the original decision.
func (s *Service) HandleSandboxCompletion(analysis *core.SandboxAnalysis) {
	s.mu.Lock()
	pending, ok := s.pending[analysis.AnalysisID]
	delete(s.pending, analysis.AnalysisID)
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("Sandbox completion for unknown submission",
			zap.String("analysis_id", analysis.AnalysisID.String()))
		return
	}

	ctx := context.Background()
	email := pending.email

	previous, err := s.analyses.Latest(ctx, email.MessageID)
	if err != nil {
		s.logger.Error("No analysis to re-score after detonation", zap.Error(err),
			zap.String("email_id", email.MessageID))
		return
	}

	result := s.resolver.Rescore(previous, analysis, pending.hasDetonatable)
	if err := s.analyses.Save(ctx, result); err != nil {
		s.logger.Error("Failed to save superseding analysis", zap.Error(err),
			zap.String("email_id", email.MessageID))
		return
	}

	switch result.Action {
	case core.ActionQuarantine:
		if _, err := s.quarantine.Quarantine(ctx, email, core.ReasonSuspicious, result.ThreatScore, result.Confidence); err != nil {
			s.logger.Error("Failed to quarantine after re-score", zap.Error(err),
				zap.String("email_id", email.MessageID))
		}
	case core.ActionBlock:
		if _, err := s.quarantine.Quarantine(ctx, email, core.ReasonMalicious, result.ThreatScore, result.Confidence); err != nil {
			s.logger.Error("Failed to quarantine after re-score", zap.Error(err),
				zap.String("email_id", email.MessageID))
		}
	}

	if result.Verdict != core.VerdictBenign {
		if _, err := s.correlation.SubmitDetection(ctx, email, result); err != nil {
			s.logger.Error("Failed to submit re-scored detection for correlation", zap.Error(err),
				zap.String("email_id", email.MessageID))
		}
	}

	metrics.EmailsAnalyzedTotal.WithLabelValues(string(result.Verdict), string(result.Action)).Inc()
	s.logger.Info("Analysis superseded by sandbox result",
		zap.String("email_id", email.MessageID),
		zap.Float64("threat_score", result.ThreatScore),
		zap.String("verdict", string(result.Verdict)),
		zap.String("action", string(result.Action)))
}

// pickTarget chooses the detonation target: executables first, then any
// attachment, then the first parseable URL
func pickTarget(email *core.EmailRecord, bundle *core.FeatureBundle) (core.SandboxTarget, bool) {
	var fallback *core.AttachmentFeature
	for i, att := range bundle.Attachments {
		if att.Unavailable {
			continue
		}
		if att.Executable || att.DoubleExtension {
			return attachmentTarget(email, att), true
		}
		if fallback == nil {
			fallback = &bundle.Attachments[i]
		}
	}
	if fallback != nil {
		return attachmentTarget(email, *fallback), true
	}

	for _, u := range bundle.URLs {
		if !u.Unavailable {
			return core.SandboxTarget{Type: core.TargetURL, URL: u.Raw}, true
		}
	}
	return core.SandboxTarget{}, false
}

func attachmentTarget(email *core.EmailRecord, att core.AttachmentFeature) core.SandboxTarget {
	target := core.SandboxTarget{
		Type:        core.TargetFile,
		FileHash:    att.Hash,
		Filename:    att.Filename,
		ContentType: att.ContentType,
	}
	if target.FileHash == "" {
		target.FileHash = utils.DomainOf(email.Sender) + "/" + att.Filename
	}
	return target
}

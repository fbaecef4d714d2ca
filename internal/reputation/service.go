package reputation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nathan/mailsentry/internal/config"
	"github.com/nathan/mailsentry/internal/core"
	"github.com/nathan/mailsentry/internal/metrics"
	"go.uber.org/zap"
)

// Service aggregates multiple independent reputation sources with a
// TTL cache and an append-only per-domain history.
type Service struct {
	sources       []core.ReputationSource
	cache         core.ReputationCache
	cacheEnabled  bool
	cacheTTL      time.Duration
	sourceTimeout time.Duration
	logger        *zap.Logger
}

// NewService creates a domain reputation service
func NewService(
	sources []core.ReputationSource,
	cache core.ReputationCache,
	cfg config.ReputationConfig,
	logger *zap.Logger,
) *Service {
	return &Service{
		sources:       sources,
		cache:         cache,
		cacheEnabled:  cfg.CacheEnabled,
		cacheTTL:      cfg.CacheTTL,
		sourceTimeout: cfg.SourceTimeout,
		logger:        logger,
	}
}

// Score returns the aggregated reputation of a domain. Cached entries
// younger than the TTL are returned as-is unless forceRefresh is set; every
// refresh appends exactly one history entry.
func (s *Service) Score(ctx context.Context, domain string, forceRefresh bool) (*core.DomainReputationScore, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, fmt.Errorf("%w: empty domain", core.ErrValidation)
	}

	if s.cacheEnabled && !forceRefresh {
		if cached, ok := s.cache.Get(ctx, domain); ok {
			metrics.ReputationLookupsTotal.WithLabelValues("hit").Inc()
			return cached, nil
		}
	}
	metrics.ReputationLookupsTotal.WithLabelValues("miss").Inc()

	score := s.aggregate(ctx, domain)

	if s.cacheEnabled {
		if err := s.cache.Set(ctx, score, s.cacheTTL); err != nil {
			s.logger.Error("Failed to cache reputation score",
				zap.String("domain", domain), zap.Error(err))
		}
	}
	if err := s.cache.AppendHistory(ctx, score); err != nil {
		s.logger.Error("Failed to append reputation history",
			zap.String("domain", domain), zap.Error(err))
	}

	return score, nil
}

// History returns past scores for a domain, most recent first
func (s *Service) History(ctx context.Context, domain string, limit int) ([]core.DomainReputationScore, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, fmt.Errorf("%w: empty domain", core.ErrValidation)
	}
	return s.cache.History(ctx, domain, limit)
}

// aggregate queries every source and combines their contributions into a
// confidence-weighted mean. A failing source is skipped, never fatal.
func (s *Service) aggregate(ctx context.Context, domain string) *core.DomainReputationScore {
	sourceScores := make([]core.SourceScore, 0, len(s.sources))

	for _, source := range s.sources {
		lookupCtx, cancel := context.WithTimeout(ctx, s.sourceTimeout)
		result, err := source.Lookup(lookupCtx, domain)
		cancel()

		if err != nil {
			s.logger.Warn("Reputation source lookup failed",
				zap.String("source", source.Name()),
				zap.String("domain", domain),
				zap.Error(err))
			continue
		}
		if result == nil {
			// Source has no data for this domain
			continue
		}
		sourceScores = append(sourceScores, *result)
	}

	return Aggregate(domain, sourceScores, time.Now())
}

// Aggregate combines per-source scores into one DomainReputationScore. With
// no source data the domain is unknown: a neutral score with confidence 0 so
// callers can proceed with a degraded signal.
func Aggregate(domain string, sourceScores []core.SourceScore, now time.Time) *core.DomainReputationScore {
	if len(sourceScores) == 0 {
		return &core.DomainReputationScore{
			Domain:          domain,
			ReputationScore: 0.5,
			RiskLevel:       core.RiskLevelForScore(0.5),
			Confidence:      0,
			SourceScores:    []core.SourceScore{},
			LastUpdated:     now,
		}
	}

	var weightedSum, confidenceSum float64
	for _, ss := range sourceScores {
		weightedSum += ss.Score * ss.Confidence
		confidenceSum += ss.Confidence
	}

	score := 0.5
	if confidenceSum > 0 {
		score = weightedSum / confidenceSum
	}

	confidence := confidenceSum
	if confidence > 1 {
		confidence = 1
	}

	return &core.DomainReputationScore{
		Domain:          domain,
		ReputationScore: score,
		RiskLevel:       core.RiskLevelForScore(score),
		Confidence:      confidence,
		SourceScores:    sourceScores,
		LastUpdated:     now,
	}
}

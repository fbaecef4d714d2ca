package repsource

import (
	"context"
	"fmt"

	"github.com/nathan/mailsentry/internal/core"
)

// SenderListSource reflects the operator-maintained allow/deny list into
// reputation scoring, so a blacklisted domain stays poisoned even after its
// cached score expires.
type SenderListSource struct {
	lists core.SenderListStore
}

// NewSenderListSource creates a sender-list reputation source
func NewSenderListSource(lists core.SenderListStore) *SenderListSource {
	return &SenderListSource{lists: lists}
}

// Name identifies the source in aggregated results
func (s *SenderListSource) Name() string {
	return "sender_list"
}

// Lookup returns a strong score for listed domains, nil otherwise
func (s *SenderListSource) Lookup(ctx context.Context, domain string) (*core.SourceScore, error) {
	denied, err := s.lists.IsDenied(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("deny list lookup: %w", err)
	}
	if denied {
		return &core.SourceScore{
			Source:           s.Name(),
			Score:            0.05,
			Confidence:       0.95,
			ThreatIndicators: []string{"operator_denylisted"},
		}, nil
	}

	allowed, err := s.lists.IsAllowed(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("allow list lookup: %w", err)
	}
	if allowed {
		return &core.SourceScore{
			Source:     s.Name(),
			Score:      0.95,
			Confidence: 0.9,
		}, nil
	}

	return nil, nil
}

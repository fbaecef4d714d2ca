package incident

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nathan/mailsentry/internal/config"
	"github.com/nathan/mailsentry/internal/core"
	"github.com/nathan/mailsentry/internal/metrics"
	"github.com/nathan/mailsentry/internal/utils"
	"go.uber.org/zap"
)

// Per-correlation-type confidence of the link itself. Hash matches are near
// certain, shared indicators much weaker.
var correlationConfidence = map[core.CorrelationType]float64{
	core.CorrelateAttachmentHash: 0.95,
	core.CorrelateSenderDomain:   0.9,
	core.CorrelateURLDomain:      0.8,
	core.CorrelateIndicator:      0.6,
}

// Indicators generic enough that sharing them links nothing
var nonCorrelatingIndicators = map[string]bool{
	"detector_unavailable":     true,
	"sandbox_unavailable":      true,
	"missing_sender_domain":    true,
	"first_seen_sender":        true,
	"no_detonatable_content":   true,
	"sandbox_evasion_detected": true,
}

// Engine correlates detections into incidents. Lookup-then-create races on
// the same campaign are serialized through striped locks keyed by the
// detection's correlation keys.
type Engine struct {
	store         core.IncidentStore
	minConfidence float64
	logger        *zap.Logger

	stripes []sync.Mutex
}

// NewEngine creates a correlation engine
func NewEngine(store core.IncidentStore, cfg config.IncidentConfig, logger *zap.Logger) *Engine {
	stripes := cfg.LockStripes
	if stripes <= 0 {
		stripes = 1
	}
	return &Engine{
		store:         store,
		minConfidence: cfg.MinCorrelationConfidence,
		logger:        logger,
		stripes:       make([]sync.Mutex, stripes),
	}
}

// SubmitDetection correlates one non-benign detection. It attaches the email
// to an existing active incident sharing a correlation key, or opens a new
// incident when none matches.
func (e *Engine) SubmitDetection(
	ctx context.Context,
	email *core.EmailRecord,
	result *core.ThreatAnalysisResult,
) (*core.Incident, error) {
	if email == nil || result == nil {
		return nil, fmt.Errorf("%w: missing detection", core.ErrValidation)
	}
	if result.Verdict == core.VerdictBenign {
		return nil, nil
	}

	correlations := e.extractCorrelations(email, result)
	if len(correlations) == 0 {
		e.logger.Debug("Detection carries no correlation keys",
			zap.String("email_id", email.MessageID))
		return nil, nil
	}

	keys := make([]string, 0, len(correlations))
	for _, c := range correlations {
		keys = append(keys, c.Key())
	}

	unlock := e.lockKeys(keys)
	defer unlock()

	matches, err := e.store.FindActiveByKeys(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("correlation lookup: %w", err)
	}

	if len(matches) > 0 {
		// Prefer the oldest incident so a long-running campaign stays one unit
		target := matches[0]
		for _, m := range matches[1:] {
			if m.FirstSeen.Before(target.FirstSeen) {
				target = m
			}
		}
		return e.attach(ctx, &target, email, result, correlations)
	}

	return e.open(ctx, email, result, correlations)
}

// Get returns an incident by id
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*core.Incident, error) {
	return e.store.Get(ctx, id)
}

// List returns incidents matching a filter
func (e *Engine) List(ctx context.Context, filter core.IncidentFilter) ([]core.Incident, error) {
	return e.store.List(ctx, filter)
}

// Assign moves an open incident to investigating under the given analyst
func (e *Engine) Assign(ctx context.Context, id uuid.UUID, analyst string) (*core.Incident, error) {
	if analyst == "" {
		return nil, fmt.Errorf("%w: missing analyst", core.ErrValidation)
	}

	incident, unlock, err := e.lockIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if !incident.Status.Active() {
		return nil, fmt.Errorf("%w: incident %s is %s", core.ErrInvalidTransition, id, incident.Status)
	}

	incident.Status = core.IncidentInvestigating
	incident.AssignedTo = analyst
	incident.Timeline = append(incident.Timeline, core.TimelineEvent{
		EventTime:   time.Now(),
		EventSource: "analyst",
		EventType:   "assignment",
		Title:       "Incident assigned",
		Description: fmt.Sprintf("assigned to %s", analyst),
	})

	if err := e.store.Update(ctx, incident); err != nil {
		return nil, fmt.Errorf("assign incident: %w", err)
	}
	return incident, nil
}

// Resolve closes an incident as resolved or false positive. Resolution is
// idempotent: resolving an already-closed incident returns the recorded
// resolution unchanged.
func (e *Engine) Resolve(
	ctx context.Context,
	id uuid.UUID,
	status core.IncidentStatus,
	analyst, notes string,
) (*core.Incident, error) {
	if status != core.IncidentResolved && status != core.IncidentFalsePositive {
		return nil, fmt.Errorf("%w: %q is not a resolution status", core.ErrValidation, status)
	}

	incident, unlock, err := e.lockIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if !incident.Status.Active() {
		return incident, nil
	}

	now := time.Now()
	incident.Status = status
	incident.ResolvedBy = analyst
	incident.ResolutionNotes = notes
	incident.ResolvedAt = &now
	incident.Timeline = append(incident.Timeline, core.TimelineEvent{
		EventTime:   now,
		EventSource: "analyst",
		EventType:   "resolution",
		Title:       "Incident closed",
		Description: fmt.Sprintf("closed as %s by %s", status, analyst),
	})

	if err := e.store.Update(ctx, incident); err != nil {
		return nil, fmt.Errorf("resolve incident: %w", err)
	}
	return incident, nil
}

// lockIncident takes the stripe locks covering an incident's correlation
// keys so analyst transitions serialize with concurrent attaches, then
// re-reads the incident under the locks
func (e *Engine) lockIncident(ctx context.Context, id uuid.UUID) (*core.Incident, func(), error) {
	incident, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	keys := make([]string, 0, len(incident.Correlations))
	for _, c := range incident.Correlations {
		keys = append(keys, c.Key())
	}
	unlock := e.lockKeys(keys)

	incident, err = e.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return incident, unlock, nil
}

// attach folds a detection into an existing incident
func (e *Engine) attach(
	ctx context.Context,
	incident *core.Incident,
	email *core.EmailRecord,
	result *core.ThreatAnalysisResult,
	correlations []core.Correlation,
) (*core.Incident, error) {
	// A resolution may have closed the incident since the lookup; a closed
	// incident is never reopened by a new detection
	current, err := e.store.Get(ctx, incident.IncidentID)
	if err != nil {
		return nil, fmt.Errorf("attach lookup: %w", err)
	}
	if !current.Status.Active() {
		return e.open(ctx, email, result, correlations)
	}
	incident = current

	now := time.Now()

	if !incident.HasMember(email.MessageID) {
		incident.Members = append(incident.Members, email.MessageID)
		metrics.IncidentMembersAttachedTotal.Inc()
	}

	known := make(map[string]bool, len(incident.Correlations))
	for _, c := range incident.Correlations {
		known[c.Key()] = true
	}
	for _, c := range correlations {
		if !known[c.Key()] {
			incident.Correlations = append(incident.Correlations, c)
			known[c.Key()] = true
		}
	}

	incident.Severity = core.MaxSeverity(incident.Severity, result.ImpliedSeverity())
	if conf := e.aggregateConfidence(incident.Correlations); conf > incident.ConfidenceScore {
		incident.ConfidenceScore = conf
	}
	incident.LastSeen = now
	incident.Timeline = append(incident.Timeline, core.TimelineEvent{
		EventTime:   now,
		EventSource: "correlation_engine",
		EventType:   "member_added",
		Title:       "Related email detected",
		Description: fmt.Sprintf("email %s scored %.2f (%s)", email.MessageID, result.ThreatScore, result.Verdict),
	})

	if err := e.store.Update(ctx, incident); err != nil {
		return nil, fmt.Errorf("attach detection: %w", err)
	}

	e.logger.Info("Detection attached to incident",
		zap.String("incident_id", incident.IncidentID.String()),
		zap.String("email_id", email.MessageID),
		zap.Int("members", len(incident.Members)))

	return incident, nil
}

// open creates a new incident seeded by a single detection
func (e *Engine) open(
	ctx context.Context,
	email *core.EmailRecord,
	result *core.ThreatAnalysisResult,
	correlations []core.Correlation,
) (*core.Incident, error) {
	now := time.Now()
	incidentType := inferType(result.Indicators)

	incident := &core.Incident{
		IncidentID:      uuid.New(),
		Type:            incidentType,
		Severity:        result.ImpliedSeverity(),
		Status:          core.IncidentOpen,
		ConfidenceScore: e.aggregateConfidence(correlations),
		FirstSeen:       now,
		LastSeen:        now,
		Title:           titleFor(incidentType, email),
		Description:     fmt.Sprintf("opened from email %s scored %.2f (%s)", email.MessageID, result.ThreatScore, result.Verdict),
		Members:         []string{email.MessageID},
		Correlations:    correlations,
		Timeline: []core.TimelineEvent{{
			EventTime:   now,
			EventSource: "correlation_engine",
			EventType:   "incident_opened",
			Title:       "Incident opened",
			Description: fmt.Sprintf("first detection from %s", utils.DomainOf(email.Sender)),
		}},
	}

	if err := e.store.Insert(ctx, incident); err != nil {
		return nil, fmt.Errorf("open incident: %w", err)
	}

	metrics.IncidentsOpenedTotal.WithLabelValues(string(incidentType)).Inc()
	metrics.IncidentMembersAttachedTotal.Inc()
	e.logger.Info("Incident opened",
		zap.String("incident_id", incident.IncidentID.String()),
		zap.String("incident_type", string(incidentType)),
		zap.String("severity", string(incident.Severity)))

	return incident, nil
}

// extractCorrelations derives the correlation key set from a detection,
// dropping keys below the configured confidence floor
func (e *Engine) extractCorrelations(email *core.EmailRecord, result *core.ThreatAnalysisResult) []core.Correlation {
	var out []core.Correlation
	seen := make(map[string]bool)

	add := func(t core.CorrelationType, value string) {
		if value == "" {
			return
		}
		confidence := correlationConfidence[t]
		if confidence < e.minConfidence {
			return
		}
		c := core.Correlation{Type: t, Value: value, Confidence: confidence}
		if !seen[c.Key()] {
			seen[c.Key()] = true
			out = append(out, c)
		}
	}

	add(core.CorrelateSenderDomain, utils.DomainOf(email.Sender))
	for _, raw := range email.URLs {
		if parsed, err := url.Parse(raw); err == nil {
			add(core.CorrelateURLDomain, strings.ToLower(parsed.Hostname()))
		}
	}
	for _, att := range email.Attachments {
		add(core.CorrelateAttachmentHash, att.Hash)
	}
	for _, indicator := range result.Indicators {
		if !nonCorrelatingIndicators[indicator] {
			add(core.CorrelateIndicator, indicator)
		}
	}

	return out
}

// aggregateConfidence scores how confidently the correlations describe one
// campaign: the strongest link, nudged up by corroborating links
func (e *Engine) aggregateConfidence(correlations []core.Correlation) float64 {
	var max float64
	for _, c := range correlations {
		if c.Confidence > max {
			max = c.Confidence
		}
	}
	confidence := max + 0.02*float64(len(correlations)-1)
	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}

// lockKeys takes the stripe locks covering the keys in a deterministic order
// and returns the matching unlock
func (e *Engine) lockKeys(keys []string) func() {
	indexes := make(map[int]bool, len(keys))
	for _, key := range keys {
		indexes[e.stripeFor(key)] = true
	}
	ordered := make([]int, 0, len(indexes))
	for idx := range indexes {
		ordered = append(ordered, idx)
	}
	sort.Ints(ordered)

	for _, idx := range ordered {
		e.stripes[idx].Lock()
	}
	return func() {
		for i := len(ordered) - 1; i >= 0; i-- {
			e.stripes[ordered[i]].Unlock()
		}
	}
}

func (e *Engine) stripeFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(e.stripes)))
}

// inferType derives the incident type from the dominant indicator family
func inferType(indicators []string) core.IncidentType {
	counts := map[core.IncidentType]int{}
	for _, ind := range indicators {
		switch {
		case strings.Contains(ind, "lookalike"), strings.Contains(ind, "credential"),
			strings.Contains(ind, "phish"):
			counts[core.IncidentPhishing]++
		case strings.Contains(ind, "executable"), strings.Contains(ind, "double_extension"),
			strings.Contains(ind, "malware"), strings.Contains(ind, "injection"),
			strings.Contains(ind, "known_bad"):
			counts[core.IncidentMalware]++
		case strings.Contains(ind, "urgency_financial"), strings.Contains(ind, "executive"),
			strings.Contains(ind, "reply_to_mismatch"):
			counts[core.IncidentBEC]++
		}
	}

	best := core.IncidentSuspicious
	bestCount := 0
	for _, t := range []core.IncidentType{core.IncidentPhishing, core.IncidentMalware, core.IncidentBEC} {
		if counts[t] > bestCount {
			best = t
			bestCount = counts[t]
		}
	}
	return best
}

func titleFor(t core.IncidentType, email *core.EmailRecord) string {
	domain := utils.DomainOf(email.Sender)
	switch t {
	case core.IncidentPhishing:
		return fmt.Sprintf("Phishing campaign from %s", domain)
	case core.IncidentMalware:
		return fmt.Sprintf("Malware delivery from %s", domain)
	case core.IncidentBEC:
		return fmt.Sprintf("Business email compromise attempt from %s", domain)
	default:
		return fmt.Sprintf("Suspicious activity from %s", domain)
	}
}

// Package store provides persistence adapters for quarantine records,
// incidents, sender baselines, sender lists and analysis results. The memory
// store backs tests and single-node deployments; the sqlite store persists
// across restarts.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nathan/mailsentry/internal/core"
)

// MemoryStore keeps all records in process memory. Safe for concurrent use.
type MemoryStore struct {
	mu sync.RWMutex

	quarantine        map[uuid.UUID]core.QuarantineRecord
	quarantineByEmail map[string]uuid.UUID

	incidents    map[uuid.UUID]core.Incident
	incidentKeys map[string]map[uuid.UUID]bool

	baselines map[string]core.SenderBaseline

	allowed map[string]bool
	denied  map[string]bool

	analyses map[string][]core.ThreatAnalysisResult
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		quarantine:        make(map[uuid.UUID]core.QuarantineRecord),
		quarantineByEmail: make(map[string]uuid.UUID),
		incidents:         make(map[uuid.UUID]core.Incident),
		incidentKeys:      make(map[string]map[uuid.UUID]bool),
		baselines:         make(map[string]core.SenderBaseline),
		allowed:           make(map[string]bool),
		denied:            make(map[string]bool),
		analyses:          make(map[string][]core.ThreatAnalysisResult),
	}
}

// Create stores a new quarantine record
func (s *MemoryStore) Create(ctx context.Context, record *core.QuarantineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.quarantine[record.ID]; exists {
		return core.ErrConflict
	}
	s.quarantine[record.ID] = *record
	s.quarantineByEmail[record.EmailID] = record.ID
	return nil
}

// Get returns a quarantine record by id
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*core.QuarantineRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.quarantine[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &record, nil
}

// GetByEmail returns the quarantine record for an email
func (s *MemoryStore) GetByEmail(ctx context.Context, emailID string) (*core.QuarantineRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.quarantineByEmail[emailID]
	if !ok {
		return nil, core.ErrNotFound
	}
	record := s.quarantine[id]
	return &record, nil
}

// Update replaces an existing quarantine record
func (s *MemoryStore) Update(ctx context.Context, record *core.QuarantineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.quarantine[record.ID]; !ok {
		return core.ErrNotFound
	}
	s.quarantine[record.ID] = *record
	return nil
}

// List returns quarantine records filtered by status, newest first
func (s *MemoryStore) List(ctx context.Context, status core.QuarantineStatus, limit, offset int) ([]core.QuarantineRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.QuarantineRecord
	for _, record := range s.quarantine {
		if status != "" && record.Status != status {
			continue
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QuarantinedAt.After(out[j].QuarantinedAt)
	})
	return paginate(out, limit, offset), nil
}

// Insert stores a new incident and indexes its correlation keys
func (s *MemoryStore) Insert(ctx context.Context, incident *core.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.incidents[incident.IncidentID]; exists {
		return core.ErrConflict
	}
	s.incidents[incident.IncidentID] = *cloneIncident(incident)
	s.indexIncidentLocked(incident)
	return nil
}

// GetIncident returns an incident by id
func (s *MemoryStore) GetIncident(ctx context.Context, id uuid.UUID) (*core.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	incident, ok := s.incidents[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return cloneIncident(&incident), nil
}

// UpdateIncident replaces an incident and refreshes its key index
func (s *MemoryStore) UpdateIncident(ctx context.Context, incident *core.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.incidents[incident.IncidentID]; !ok {
		return core.ErrNotFound
	}
	s.incidents[incident.IncidentID] = *cloneIncident(incident)
	s.indexIncidentLocked(incident)
	return nil
}

// FindActiveByKeys returns active incidents sharing any of the given
// correlation keys
func (s *MemoryStore) FindActiveByKeys(ctx context.Context, keys []string) ([]core.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make(map[uuid.UUID]bool)
	var out []core.Incident
	for _, key := range keys {
		for id := range s.incidentKeys[key] {
			if matched[id] {
				continue
			}
			incident, ok := s.incidents[id]
			if !ok || !incident.Status.Active() {
				continue
			}
			matched[id] = true
			out = append(out, *cloneIncident(&incident))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out, nil
}

// ListIncidents returns incidents matching the filter, most recent activity
// first
func (s *MemoryStore) ListIncidents(ctx context.Context, filter core.IncidentFilter) ([]core.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.Incident
	for _, incident := range s.incidents {
		if filter.Type != "" && incident.Type != filter.Type {
			continue
		}
		if filter.Severity != "" && incident.Severity != filter.Severity {
			continue
		}
		if filter.Status != "" && incident.Status != filter.Status {
			continue
		}
		out = append(out, *cloneIncident(&incident))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

// GetBaseline returns a sender's baseline, or nil when the sender is unknown
func (s *MemoryStore) GetBaseline(ctx context.Context, sender string) (*core.SenderBaseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	baseline, ok := s.baselines[strings.ToLower(sender)]
	if !ok {
		return nil, nil
	}
	clone := baseline
	clone.Recipients = append([]string(nil), baseline.Recipients...)
	return &clone, nil
}

// RecordObservation folds one observed message into the sender's baseline
func (s *MemoryStore) RecordObservation(ctx context.Context, sender, recipient string, at time.Time) error {
	key := strings.ToLower(sender)

	s.mu.Lock()
	defer s.mu.Unlock()

	baseline, ok := s.baselines[key]
	if !ok {
		baseline = core.SenderBaseline{Sender: key, FirstSeen: at}
	}
	baseline.MessageCount++
	baseline.LastSeen = at
	baseline.HourHistogram[at.Hour()]++
	if recipient != "" && !baseline.KnowsRecipient(recipient) {
		baseline.Recipients = append(baseline.Recipients, recipient)
	}
	s.baselines[key] = baseline
	return nil
}

// Allow adds a domain to the allow list and clears any deny entry
func (s *MemoryStore) Allow(ctx context.Context, domain string) error {
	key := strings.ToLower(domain)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowed[key] = true
	delete(s.denied, key)
	return nil
}

// Deny adds a domain to the deny list and clears any allow entry
func (s *MemoryStore) Deny(ctx context.Context, domain string) error {
	key := strings.ToLower(domain)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denied[key] = true
	delete(s.allowed, key)
	return nil
}

// IsAllowed reports whether a domain is on the allow list
func (s *MemoryStore) IsAllowed(ctx context.Context, domain string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allowed[strings.ToLower(domain)], nil
}

// IsDenied reports whether a domain is on the deny list
func (s *MemoryStore) IsDenied(ctx context.Context, domain string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.denied[strings.ToLower(domain)], nil
}

// SaveAnalysis appends a scoring result to the email's analysis chain
func (s *MemoryStore) SaveAnalysis(ctx context.Context, result *core.ThreatAnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analyses[result.EmailID] = append(s.analyses[result.EmailID], *result)
	return nil
}

// LatestAnalysis returns the most recent result for an email
func (s *MemoryStore) LatestAnalysis(ctx context.Context, emailID string) (*core.ThreatAnalysisResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.analyses[emailID]
	if len(chain) == 0 {
		return nil, core.ErrNotFound
	}
	result := chain[len(chain)-1]
	return &result, nil
}

func (s *MemoryStore) indexIncidentLocked(incident *core.Incident) {
	for _, c := range incident.Correlations {
		key := c.Key()
		if s.incidentKeys[key] == nil {
			s.incidentKeys[key] = make(map[uuid.UUID]bool)
		}
		s.incidentKeys[key][incident.IncidentID] = true
	}
}

func cloneIncident(i *core.Incident) *core.Incident {
	clone := *i
	clone.Members = append([]string(nil), i.Members...)
	clone.Correlations = append([]core.Correlation(nil), i.Correlations...)
	clone.Timeline = append([]core.TimelineEvent(nil), i.Timeline...)
	return &clone
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

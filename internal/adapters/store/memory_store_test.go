package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nathan/mailsentry/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quarantineRecord(emailID string, at time.Time) *core.QuarantineRecord {
	return &core.QuarantineRecord{
		ID:            uuid.New(),
		EmailID:       emailID,
		SenderDomain:  "shady.example",
		Reason:        core.ReasonSuspicious,
		ThreatScore:   0.7,
		Status:        core.StatusQuarantined,
		QuarantinedAt: at,
	}
}

func TestQuarantineRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	record := quarantineRecord("msg-1", time.Now())
	require.NoError(t, s.Create(ctx, record))

	assert.ErrorIs(t, s.Create(ctx, record), core.ErrConflict)

	byID, err := s.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.EmailID, byID.EmailID)

	byEmail, err := s.GetByEmail(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, record.ID, byEmail.ID)

	byID.Status = core.StatusReleased
	require.NoError(t, s.Update(ctx, byID))
	updated, err := s.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusReleased, updated.Status)

	_, err = s.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.GetByEmail(ctx, "msg-unknown")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, s.Update(ctx, quarantineRecord("msg-x", time.Now())), core.ErrNotFound)
}

func TestQuarantineListFiltersAndPaginates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		record := quarantineRecord(string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))
		if i == 4 {
			record.Status = core.StatusReleased
		}
		require.NoError(t, s.Create(ctx, record))
	}

	quarantined, err := s.List(ctx, core.StatusQuarantined, 0, 0)
	require.NoError(t, err)
	require.Len(t, quarantined, 4)
	// Newest first
	assert.Equal(t, "d", quarantined[0].EmailID)

	page, err := s.List(ctx, core.StatusQuarantined, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].EmailID)

	all, err := s.List(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	empty, err := s.List(ctx, core.StatusQuarantined, 10, 100)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func newIncident(domain string, firstSeen time.Time) *core.Incident {
	return &core.Incident{
		IncidentID: uuid.New(),
		Type:       core.IncidentPhishing,
		Severity:   core.SeverityMedium,
		Status:     core.IncidentOpen,
		FirstSeen:  firstSeen,
		LastSeen:   firstSeen,
		Members:    []string{"msg-1"},
		Correlations: []core.Correlation{
			{Type: core.CorrelateSenderDomain, Value: domain, Confidence: 0.9},
		},
	}
}

func TestFindActiveByKeys(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	older := newIncident("shady.example", time.Now().Add(-time.Hour))
	newer := newIncident("shady.example", time.Now())
	closed := newIncident("shady.example", time.Now().Add(-2*time.Hour))
	closed.Status = core.IncidentResolved
	unrelated := newIncident("other.example", time.Now())

	for _, inc := range []*core.Incident{older, newer, closed, unrelated} {
		require.NoError(t, s.Insert(ctx, inc))
	}

	matches, err := s.FindActiveByKeys(ctx, []string{"sender_domain:shady.example"})
	require.NoError(t, err)

	// Resolved and unrelated incidents are excluded; oldest first
	require.Len(t, matches, 2)
	assert.Equal(t, older.IncidentID, matches[0].IncidentID)
	assert.Equal(t, newer.IncidentID, matches[1].IncidentID)
}

func TestUpdateIncidentReindexesKeys(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	incident := newIncident("shady.example", time.Now())
	require.NoError(t, s.Insert(ctx, incident))

	incident.Correlations = append(incident.Correlations,
		core.Correlation{Type: core.CorrelateAttachmentHash, Value: "deadbeef", Confidence: 0.95})
	require.NoError(t, s.UpdateIncident(ctx, incident))

	matches, err := s.FindActiveByKeys(ctx, []string{"attachment_hash:deadbeef"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, incident.IncidentID, matches[0].IncidentID)
}

func TestListIncidentsFilter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	phishing := newIncident("a.example", time.Now())
	malware := newIncident("b.example", time.Now())
	malware.Type = core.IncidentMalware
	malware.Severity = core.SeverityCritical
	malware.Status = core.IncidentInvestigating

	require.NoError(t, s.Insert(ctx, phishing))
	require.NoError(t, s.Insert(ctx, malware))

	byType, err := s.ListIncidents(ctx, core.IncidentFilter{Type: core.IncidentMalware})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, malware.IncidentID, byType[0].IncidentID)

	bySeverity, err := s.ListIncidents(ctx, core.IncidentFilter{Severity: core.SeverityCritical})
	require.NoError(t, err)
	assert.Len(t, bySeverity, 1)

	byStatus, err := s.ListIncidents(ctx, core.IncidentFilter{Status: core.IncidentOpen})
	require.NoError(t, err)
	assert.Len(t, byStatus, 1)
}

func TestIncidentClonesAreIsolated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	incident := newIncident("shady.example", time.Now())
	require.NoError(t, s.Insert(ctx, incident))

	got, err := s.GetIncident(ctx, incident.IncidentID)
	require.NoError(t, err)
	got.Members = append(got.Members, "msg-2")

	again, err := s.GetIncident(ctx, incident.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, []string{"msg-1"}, again.Members)
}

func TestBaselineObservations(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	unknown, err := s.GetBaseline(ctx, "alice@corp.example")
	require.NoError(t, err)
	assert.Nil(t, unknown)

	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordObservation(ctx, "Alice@Corp.Example", "bob@corp.example", at))
	require.NoError(t, s.RecordObservation(ctx, "alice@corp.example", "bob@corp.example", at.Add(time.Hour)))
	require.NoError(t, s.RecordObservation(ctx, "alice@corp.example", "carol@corp.example", at.Add(2*time.Hour)))

	baseline, err := s.GetBaseline(ctx, "alice@corp.example")
	require.NoError(t, err)
	require.NotNil(t, baseline)

	assert.EqualValues(t, 3, baseline.MessageCount)
	assert.Equal(t, at, baseline.FirstSeen)
	assert.Equal(t, at.Add(2*time.Hour), baseline.LastSeen)
	assert.EqualValues(t, 1, baseline.HourHistogram[10])
	assert.EqualValues(t, 1, baseline.HourHistogram[11])
	assert.EqualValues(t, 1, baseline.HourHistogram[12])
	assert.ElementsMatch(t, []string{"bob@corp.example", "carol@corp.example"}, baseline.Recipients)
}

func TestSenderListsAreMutuallyExclusive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Allow(ctx, "Partner.Example"))
	allowed, err := s.IsAllowed(ctx, "partner.example")
	require.NoError(t, err)
	assert.True(t, allowed)

	require.NoError(t, s.Deny(ctx, "partner.example"))
	allowed, err = s.IsAllowed(ctx, "partner.example")
	require.NoError(t, err)
	assert.False(t, allowed)
	denied, err := s.IsDenied(ctx, "partner.example")
	require.NoError(t, err)
	assert.True(t, denied)
}

func TestAnalysisChain(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.LatestAnalysis(ctx, "msg-1")
	assert.ErrorIs(t, err, core.ErrNotFound)

	first := &core.ThreatAnalysisResult{ID: uuid.New(), EmailID: "msg-1", ThreatScore: 0.4}
	require.NoError(t, s.SaveAnalysis(ctx, first))

	superseding := &core.ThreatAnalysisResult{
		ID: uuid.New(), EmailID: "msg-1", ThreatScore: 0.7, SupersedesID: &first.ID,
	}
	require.NoError(t, s.SaveAnalysis(ctx, superseding))

	latest, err := s.LatestAnalysis(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, superseding.ID, latest.ID)
	assert.Equal(t, 0.7, latest.ThreatScore)
}

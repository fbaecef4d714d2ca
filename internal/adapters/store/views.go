package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nathan/mailsentry/internal/core"
)

// Backend is the full persistence surface a store implementation provides.
// The per-port views below slice it into the interfaces the core consumes.
type Backend interface {
	core.QuarantineStore

	Insert(ctx context.Context, incident *core.Incident) error
	GetIncident(ctx context.Context, id uuid.UUID) (*core.Incident, error)
	UpdateIncident(ctx context.Context, incident *core.Incident) error
	FindActiveByKeys(ctx context.Context, keys []string) ([]core.Incident, error)
	ListIncidents(ctx context.Context, filter core.IncidentFilter) ([]core.Incident, error)

	GetBaseline(ctx context.Context, sender string) (*core.SenderBaseline, error)
	RecordObservation(ctx context.Context, sender, recipient string, at time.Time) error

	core.SenderListStore

	SaveAnalysis(ctx context.Context, result *core.ThreatAnalysisResult) error
	LatestAnalysis(ctx context.Context, emailID string) (*core.ThreatAnalysisResult, error)
}

// IncidentView adapts a Backend to core.IncidentStore
type IncidentView struct{ B Backend }

func (v IncidentView) Insert(ctx context.Context, incident *core.Incident) error {
	return v.B.Insert(ctx, incident)
}

func (v IncidentView) Get(ctx context.Context, id uuid.UUID) (*core.Incident, error) {
	return v.B.GetIncident(ctx, id)
}

func (v IncidentView) Update(ctx context.Context, incident *core.Incident) error {
	return v.B.UpdateIncident(ctx, incident)
}

func (v IncidentView) FindActiveByKeys(ctx context.Context, keys []string) ([]core.Incident, error) {
	return v.B.FindActiveByKeys(ctx, keys)
}

func (v IncidentView) List(ctx context.Context, filter core.IncidentFilter) ([]core.Incident, error) {
	return v.B.ListIncidents(ctx, filter)
}

// BaselineView adapts a Backend to core.BaselineStore
type BaselineView struct{ B Backend }

func (v BaselineView) Get(ctx context.Context, sender string) (*core.SenderBaseline, error) {
	return v.B.GetBaseline(ctx, sender)
}

func (v BaselineView) Record(ctx context.Context, sender, recipient string, at time.Time) error {
	return v.B.RecordObservation(ctx, sender, recipient, at)
}

// AnalysisView adapts a Backend to core.AnalysisStore
type AnalysisView struct{ B Backend }

func (v AnalysisView) Save(ctx context.Context, result *core.ThreatAnalysisResult) error {
	return v.B.SaveAnalysis(ctx, result)
}

func (v AnalysisView) Latest(ctx context.Context, emailID string) (*core.ThreatAnalysisResult, error) {
	return v.B.LatestAnalysis(ctx, emailID)
}

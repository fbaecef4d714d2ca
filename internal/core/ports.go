package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Detector maps a feature bundle to a score, a confidence and a set of named
// indicators. Detectors are independent and must not share mutable state; a
// failing detector is replaced by DegradedDetectorResult rather than aborting
// the pipeline.
type Detector interface {
	// Name identifies the detector in results and policy weights
	Name() string

	// Score analyzes a feature bundle
	Score(ctx context.Context, bundle *FeatureBundle) (*DetectorResult, error)
}

// IntentAssessment is the structured judgement of the optional LLM-backed
// intent classifier
type IntentAssessment struct {
	Score      float64  `json:"score"`
	Confidence float64  `json:"confidence"`
	Indicators []string `json:"indicators"`
	Categories []string `json:"categories"`
	ModelUsed  string   `json:"model_used"`
}

// IntentClassifier judges whether a message's language carries phishing or
// BEC intent. Implementations are external model providers; failure degrades
// the content detector to rule-only scoring.
type IntentClassifier interface {
	ClassifyIntent(ctx context.Context, email *EmailRecord) (*IntentAssessment, error)
}

// ReputationSource is one independent reputation lookup contributing a
// confidence-weighted score for a domain
type ReputationSource interface {
	// Name identifies the source in aggregated results
	Name() string

	// Lookup returns the source's view of a domain, or nil when the source
	// has no data for it
	Lookup(ctx context.Context, domain string) (*SourceScore, error)
}

// ReputationCache stores aggregated reputation scores with TTL expiry and an
// append-only per-domain history
type ReputationCache interface {
	// Get retrieves a cached score; ok is false when absent or expired
	Get(ctx context.Context, domain string) (*DomainReputationScore, bool)

	// Set stores a score with the given TTL
	Set(ctx context.Context, score *DomainReputationScore, ttl time.Duration) error

	// AppendHistory appends one entry to the domain's history log
	AppendHistory(ctx context.Context, score *DomainReputationScore) error

	// History returns past scores for a domain, most recent first
	History(ctx context.Context, domain string, limit int) ([]DomainReputationScore, error)

	// Cleanup removes expired entries
	Cleanup(ctx context.Context) error
}

// SandboxExecutor detonates a target inside an isolated environment and
// reports what it observed. The execution technology behind it is not the
// core's concern.
type SandboxExecutor interface {
	Detonate(ctx context.Context, target SandboxTarget) (*DetonationReport, error)
}

// QuarantineStore persists quarantine records with transactional per-record
// updates
type QuarantineStore interface {
	Create(ctx context.Context, record *QuarantineRecord) error
	Get(ctx context.Context, id uuid.UUID) (*QuarantineRecord, error)
	GetByEmail(ctx context.Context, emailID string) (*QuarantineRecord, error)
	Update(ctx context.Context, record *QuarantineRecord) error
	List(ctx context.Context, status QuarantineStatus, limit, offset int) ([]QuarantineRecord, error)
}

// IncidentFilter narrows incident listings
type IncidentFilter struct {
	Type     IncidentType
	Severity Severity
	Status   IncidentStatus
	Limit    int
	Offset   int
}

// IncidentStore persists incidents. Lookup-then-create serialization is the
// correlation engine's responsibility, not the store's.
type IncidentStore interface {
	Insert(ctx context.Context, incident *Incident) error
	Get(ctx context.Context, id uuid.UUID) (*Incident, error)
	Update(ctx context.Context, incident *Incident) error

	// FindActiveByKeys returns active incidents whose correlation-key set
	// intersects the given keys, keyed by Correlation.Key()
	FindActiveByKeys(ctx context.Context, keys []string) ([]Incident, error)

	List(ctx context.Context, filter IncidentFilter) ([]Incident, error)
}

// BaselineStore records sender history for behavioral anomaly detection
type BaselineStore interface {
	Get(ctx context.Context, sender string) (*SenderBaseline, error)
	Record(ctx context.Context, sender, recipient string, at time.Time) error
}

// SenderListStore is the external allow/deny list the quarantine manager
// writes through to on whitelist/blacklist actions
type SenderListStore interface {
	Allow(ctx context.Context, domain string) error
	Deny(ctx context.Context, domain string) error
	IsAllowed(ctx context.Context, domain string) (bool, error)
	IsDenied(ctx context.Context, domain string) (bool, error)
}

// AnalysisStore keeps scoring results; a superseding result replaces the
// previous one for all downstream readers
type AnalysisStore interface {
	Save(ctx context.Context, result *ThreatAnalysisResult) error
	Latest(ctx context.Context, emailID string) (*ThreatAnalysisResult, error)
}

// SandboxService is the slice of the orchestrator the pipeline depends on
type SandboxService interface {
	Submit(ctx context.Context, target SandboxTarget) (*SandboxAnalysis, error)
	Status(ctx context.Context, id uuid.UUID) (*SandboxAnalysis, error)
	Cancel(ctx context.Context, id uuid.UUID) error
}

// CorrelationService is the slice of the incident engine the pipeline
// depends on
type CorrelationService interface {
	SubmitDetection(ctx context.Context, email *EmailRecord, result *ThreatAnalysisResult) (*Incident, error)
}

// QuarantineService is the slice of the quarantine manager the pipeline
// depends on
type QuarantineService interface {
	Quarantine(ctx context.Context, email *EmailRecord, reason QuarantineReason, score, confidence float64) (*QuarantineRecord, error)
	Escalate(ctx context.Context, emailID string, reason QuarantineReason, score float64) (*QuarantineRecord, error)
}

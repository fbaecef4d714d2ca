package core

import (
	"time"

	"github.com/google/uuid"
)

// Verdict classifies a scored item
type Verdict string

const (
	VerdictBenign     Verdict = "benign"
	VerdictSuspicious Verdict = "suspicious"
	VerdictMalicious  Verdict = "malicious"
)

// Action is the system's response to a verdict
type Action string

const (
	ActionAllow      Action = "allow"
	ActionSandbox    Action = "sandbox"
	ActionQuarantine Action = "quarantine"
	ActionBlock      Action = "block"
)

// actionRank orders actions by strictness so re-scoring can never downgrade
var actionRank = map[Action]int{
	ActionAllow:      0,
	ActionSandbox:    1,
	ActionQuarantine: 2,
	ActionBlock:      3,
}

// Stricter reports whether a is at least as strict as b
func (a Action) Stricter(b Action) bool {
	return actionRank[a] >= actionRank[b]
}

// Severity captures impact levels
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// MaxSeverity returns the higher of two severities
func MaxSeverity(a, b Severity) Severity {
	if severityRank[a] >= severityRank[b] {
		return a
	}
	return b
}

// Attachment describes a single email attachment
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Hash        string `json:"hash"`
}

// EmailRecord represents a raw inbound email handed over by a mailbox
// connector. Immutable once ingested.
type EmailRecord struct {
	MessageID   string            `json:"message_id"`
	Subject     string            `json:"subject"`
	Sender      string            `json:"sender"`
	SenderName  string            `json:"sender_name,omitempty"`
	Recipient   string            `json:"recipient"`
	Body        string            `json:"body"`
	Headers     map[string]string `json:"headers"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	URLs        []string          `json:"urls,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
}

// URLFeature holds per-URL sub-features computed by the feature extractor
type URLFeature struct {
	Raw         string `json:"raw"`
	Domain      string `json:"domain"`
	Scheme      string `json:"scheme"`
	PathDepth   int    `json:"path_depth"`
	IPLiteral   bool   `json:"ip_literal"`
	Unavailable bool   `json:"unavailable"`
}

// AttachmentFeature holds per-attachment sub-features
type AttachmentFeature struct {
	Filename        string `json:"filename"`
	Extension       string `json:"extension"`
	ContentType     string `json:"content_type"`
	Size            int64  `json:"size"`
	Hash            string `json:"hash"`
	Executable      bool   `json:"executable"`
	Archive         bool   `json:"archive"`
	DoubleExtension bool   `json:"double_extension"`
	Unavailable     bool   `json:"unavailable"`
}

// FeatureBundle is the normalized view of an email consumed by detectors.
// All text is HTML-stripped, header keys are canonicalized.
type FeatureBundle struct {
	MessageID    string
	Subject      string
	BodyText     string
	Sender       string
	SenderName   string
	SenderDomain string
	Recipient    string
	ReplyTo      string
	Headers      map[string]string
	URLs         []URLFeature
	Attachments  []AttachmentFeature
	ReceivedAt   time.Time
}

// HasDetonatableContent reports whether the email carries anything the
// sandbox could execute
func (fb *FeatureBundle) HasDetonatableContent() bool {
	return len(fb.Attachments) > 0 || len(fb.URLs) > 0
}

// DetectorResult is the output contract every detector satisfies
type DetectorResult struct {
	Score      float64  `json:"score"`
	Confidence float64  `json:"confidence"`
	Indicators []string `json:"indicators"`
}

// DegradedDetectorResult is substituted when a detector fails; missing one
// signal must never block a verdict
func DegradedDetectorResult() *DetectorResult {
	return &DetectorResult{
		Score:      0,
		Confidence: 0,
		Indicators: []string{"detector_unavailable"},
	}
}

// ThreatAnalysisResult is the outcome of one scoring pass over an email.
// A sandbox-triggered re-score produces a new result that supersedes this one.
type ThreatAnalysisResult struct {
	ID              uuid.UUID                 `json:"id"`
	EmailID         string                    `json:"email_id"`
	DetectorResults map[string]DetectorResult `json:"detector_results"`
	ThreatScore     float64                   `json:"threat_score"`
	Confidence      float64                   `json:"confidence"`
	Verdict         Verdict                   `json:"verdict"`
	Action          Action                    `json:"action"`
	Indicators      []string                  `json:"indicators"`
	SupersedesID    *uuid.UUID                `json:"supersedes_id,omitempty"`
	ProcessingTime  time.Duration             `json:"processing_time"`
	AnalyzedAt      time.Time                 `json:"analyzed_at"`
}

// ImpliedSeverity maps a result onto the incident severity scale
func (r *ThreatAnalysisResult) ImpliedSeverity() Severity {
	switch {
	case r.Verdict == VerdictMalicious:
		return SeverityCritical
	case r.ThreatScore >= 0.6:
		return SeverityHigh
	case r.Verdict == VerdictSuspicious:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// SandboxStatus tracks an analysis through its lifecycle; transitions are
// monotonically forward
type SandboxStatus string

const (
	SandboxQueued    SandboxStatus = "queued"
	SandboxRunning   SandboxStatus = "running"
	SandboxCompleted SandboxStatus = "completed"
	SandboxFailed    SandboxStatus = "failed"
)

// Terminal reports whether the status admits no further transitions
func (s SandboxStatus) Terminal() bool {
	return s == SandboxCompleted || s == SandboxFailed
}

// SandboxTargetType distinguishes file and URL detonations
type SandboxTargetType string

const (
	TargetFile SandboxTargetType = "file"
	TargetURL  SandboxTargetType = "url"
)

// SandboxTarget identifies what to detonate
type SandboxTarget struct {
	Type        SandboxTargetType `json:"type"`
	FileHash    string            `json:"file_hash,omitempty"`
	Filename    string            `json:"filename,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	FileBytes   []byte            `json:"-"`
	URL         string            `json:"url,omitempty"`
	Environment string            `json:"environment"`
}

// EvasionCategory tags evasion indicators by the detector that raised them
type EvasionCategory string

const (
	EvasionTiming      EvasionCategory = "timing"
	EvasionBehavior    EvasionCategory = "behavior"
	EvasionEnvironment EvasionCategory = "environment"
	EvasionNetwork     EvasionCategory = "network"
)

// EvasionIndicator is a single sandbox-evasion signal
type EvasionIndicator struct {
	Category    EvasionCategory `json:"category"`
	Indicator   string          `json:"indicator"`
	Description string          `json:"description"`
}

// ProcessEvent records one process/API call observed during detonation
type ProcessEvent struct {
	Process string `json:"process"`
	APICall string `json:"api_call"`
}

// NetworkEvent records one outbound connection attempt during detonation
type NetworkEvent struct {
	Endpoint string `json:"endpoint"`
	Port     int    `json:"port"`
	KnownBad bool   `json:"known_bad"`
}

// DetonationReport is the raw observation set an executor returns; the
// orchestrator derives artifacts and evasion indicators from it
type DetonationReport struct {
	Runtime           time.Duration  `json:"runtime"`
	ThreatScore       float64        `json:"threat_score"`
	ProcessEvents     []ProcessEvent `json:"process_events"`
	EnvironmentProbes []string       `json:"environment_probes"`
	NetworkEvents     []NetworkEvent `json:"network_events"`
	ConsoleLog        string         `json:"console_log"`
	DOMSnapshot       string         `json:"dom_snapshot,omitempty"`
}

// SandboxAnalysis tracks one detonation from submission to terminal state.
// Artifacts are immutable once written.
type SandboxAnalysis struct {
	AnalysisID        uuid.UUID          `json:"analysis_id"`
	Target            SandboxTarget      `json:"target"`
	Environment       string             `json:"environment"`
	Status            SandboxStatus      `json:"status"`
	Verdict           Verdict            `json:"verdict,omitempty"`
	ThreatScore       float64            `json:"threat_score"`
	EvasionDetected   bool               `json:"evasion_detected"`
	EvasionIndicators []EvasionIndicator `json:"evasion_indicators,omitempty"`
	Artifacts         map[string][]byte  `json:"-"`
	FailureReason     string             `json:"failure_reason,omitempty"`
	SubmittedAt       time.Time          `json:"submitted_at"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
}

// QuarantineReason explains why an email was quarantined
type QuarantineReason string

const (
	ReasonSuspicious      QuarantineReason = "suspicious"
	ReasonMalicious       QuarantineReason = "malicious"
	ReasonPolicyViolation QuarantineReason = "policy_violation"
)

var reasonRank = map[QuarantineReason]int{
	ReasonSuspicious:      0,
	ReasonPolicyViolation: 1,
	ReasonMalicious:       2,
}

// StricterReason returns the more severe of two quarantine reasons
func StricterReason(a, b QuarantineReason) QuarantineReason {
	if reasonRank[a] >= reasonRank[b] {
		return a
	}
	return b
}

// QuarantineStatus tracks the quarantine lifecycle; released and deleted are
// terminal
type QuarantineStatus string

const (
	StatusQuarantined QuarantineStatus = "quarantined"
	StatusReleased    QuarantineStatus = "released"
	StatusDeleted     QuarantineStatus = "deleted"
)

// QuarantineRecord holds one quarantined email's lifecycle state
type QuarantineRecord struct {
	ID               uuid.UUID        `json:"id"`
	EmailID          string           `json:"email_id"`
	SenderDomain     string           `json:"sender_domain"`
	Reason           QuarantineReason `json:"quarantine_reason"`
	ThreatScore      float64          `json:"threat_score"`
	Confidence       float64          `json:"confidence"`
	Status           QuarantineStatus `json:"status"`
	QuarantinedAt    time.Time        `json:"quarantined_at"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy       string           `json:"resolved_by,omitempty"`
	ResolutionReason string           `json:"resolution_reason,omitempty"`
}

// IncidentType classifies the campaign behind an incident
type IncidentType string

const (
	IncidentPhishing   IncidentType = "phishing"
	IncidentMalware    IncidentType = "malware"
	IncidentBEC        IncidentType = "bec"
	IncidentSuspicious IncidentType = "suspicious"
)

// IncidentStatus tracks the analyst workflow
type IncidentStatus string

const (
	IncidentOpen          IncidentStatus = "open"
	IncidentInvestigating IncidentStatus = "investigating"
	IncidentResolved      IncidentStatus = "resolved"
	IncidentFalsePositive IncidentStatus = "false_positive"
)

// Active reports whether new detections may still be correlated in
func (s IncidentStatus) Active() bool {
	return s == IncidentOpen || s == IncidentInvestigating
}

// CorrelationType names the shared attribute that linked two detections
type CorrelationType string

const (
	CorrelateSenderDomain   CorrelationType = "sender_domain"
	CorrelateURLDomain      CorrelationType = "url_domain"
	CorrelateAttachmentHash CorrelationType = "attachment_hash"
	CorrelateIndicator      CorrelationType = "indicator"
)

// Correlation is one edge tying a detection into an incident
type Correlation struct {
	Type       CorrelationType `json:"correlation_type"`
	Value      string          `json:"correlation_value"`
	Confidence float64         `json:"correlation_confidence"`
}

// Key returns the index key stores and lock striping use for this
// correlation
func (c Correlation) Key() string {
	return string(c.Type) + ":" + c.Value
}

// TimelineEvent records a notable progression inside an incident.
// The timeline is append-only.
type TimelineEvent struct {
	EventTime   time.Time `json:"event_time"`
	EventSource string    `json:"event_source"`
	EventType   string    `json:"event_type"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
}

// Incident groups related detections into a single investigable unit
type Incident struct {
	IncidentID      uuid.UUID       `json:"incident_id"`
	Type            IncidentType    `json:"incident_type"`
	Severity        Severity        `json:"severity"`
	Status          IncidentStatus  `json:"status"`
	ConfidenceScore float64         `json:"confidence_score"`
	FirstSeen       time.Time       `json:"first_seen"`
	LastSeen        time.Time       `json:"last_seen"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	AssignedTo      string          `json:"assigned_to,omitempty"`
	Members         []string        `json:"members"`
	Correlations    []Correlation   `json:"correlations"`
	Timeline        []TimelineEvent `json:"timeline"`
	ResolvedBy      string          `json:"resolved_by,omitempty"`
	ResolutionNotes string          `json:"resolution_notes,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

// HasMember reports whether an email is already part of the incident
func (i *Incident) HasMember(emailID string) bool {
	for _, m := range i.Members {
		if m == emailID {
			return true
		}
	}
	return false
}

// RiskLevel buckets a reputation score; lower score means worse reputation
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelForScore derives the risk bucket from a reputation score
func RiskLevelForScore(score float64) RiskLevel {
	switch {
	case score <= 0.2:
		return RiskCritical
	case score <= 0.4:
		return RiskHigh
	case score <= 0.6:
		return RiskMedium
	default:
		return RiskLow
	}
}

// SourceScore is one reputation source's contribution for a domain
type SourceScore struct {
	Source           string   `json:"source"`
	Score            float64  `json:"score"`
	Confidence       float64  `json:"confidence"`
	ThreatIndicators []string `json:"threat_indicators,omitempty"`
}

// DomainReputationScore is the aggregated, cached reputation of a domain
type DomainReputationScore struct {
	Domain          string        `json:"domain"`
	ReputationScore float64       `json:"reputation_score"`
	RiskLevel       RiskLevel     `json:"risk_level"`
	Confidence      float64       `json:"confidence"`
	SourceScores    []SourceScore `json:"source_scores"`
	LastUpdated     time.Time     `json:"last_updated"`
}

// SenderBaseline is the historical profile a behavioral detector compares
// against
type SenderBaseline struct {
	Sender        string    `json:"sender"`
	MessageCount  int64     `json:"message_count"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	HourHistogram [24]int64 `json:"hour_histogram"`
	Recipients    []string  `json:"recipients"`
}

// KnowsRecipient reports whether the sender has previously written to the
// recipient
func (b *SenderBaseline) KnowsRecipient(recipient string) bool {
	for _, r := range b.Recipients {
		if r == recipient {
			return true
		}
	}
	return false
}

// BulkActionResult reports per-item outcomes of a bulk quarantine action
type BulkActionResult struct {
	SuccessfulActions int               `json:"successful_actions"`
	FailedActions     int               `json:"failed_actions"`
	Errors            map[string]string `json:"per_item_errors,omitempty"`
}

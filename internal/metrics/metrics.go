package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scoring pipeline metrics
var (
	EmailsAnalyzedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsentry_emails_analyzed_total",
			Help: "Total number of emails scored by the pipeline",
		},
		[]string{"verdict", "action"},
	)

	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailsentry_analysis_duration_seconds",
			Help:    "End-to-end scoring duration per email",
			Buckets: prometheus.DefBuckets,
		},
	)

	DetectorErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsentry_detector_errors_total",
			Help: "Detector invocations that degraded to a zero-confidence result",
		},
		[]string{"detector"},
	)
)

// Sandbox metrics
var (
	SandboxSubmissionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsentry_sandbox_submissions_total",
			Help: "Total number of detonation requests submitted",
		},
	)

	SandboxQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailsentry_sandbox_queue_depth",
			Help: "Number of analyses waiting for a detonation slot",
		},
	)

	SandboxActiveScans = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailsentry_sandbox_active_scans",
			Help: "Number of detonations currently running",
		},
	)

	SandboxCompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsentry_sandbox_completions_total",
			Help: "Terminal sandbox analyses by status",
		},
		[]string{"status"},
	)

	EvasionDetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsentry_evasion_detections_total",
			Help: "Evasion indicators raised, by detector category",
		},
		[]string{"category"},
	)
)

// Incident metrics
var (
	IncidentsOpenedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsentry_incidents_opened_total",
			Help: "New incidents opened, by type",
		},
		[]string{"type"},
	)

	IncidentMembersAttachedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsentry_incident_members_attached_total",
			Help: "Detections attached to an existing incident",
		},
	)
)

// Quarantine metrics
var (
	QuarantineActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsentry_quarantine_actions_total",
			Help: "Quarantine lifecycle actions, by action and result",
		},
		[]string{"action", "result"},
	)
)

// Reputation metrics
var (
	ReputationLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsentry_reputation_lookups_total",
			Help: "Domain reputation lookups, by cache outcome",
		},
		[]string{"outcome"},
	)
)

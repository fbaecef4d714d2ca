package config

import (
	"fmt"
	"math"
	"time"
)

// PolicyConfig holds the operator-tunable scoring policy
type PolicyConfig struct {
	SandboxThreshold    float64
	QuarantineThreshold float64
	BlockThreshold      float64
	DetectorWeights     map[string]float64
	SandboxWeight       float64
	DetectorTimeout     time.Duration
}

// Validate checks the threshold ordering and weight normalization
func (p PolicyConfig) Validate() error {
	if p.SandboxThreshold <= 0 || p.BlockThreshold > 1 {
		return fmt.Errorf("thresholds must lie in (0,1]: sandbox=%.2f block=%.2f",
			p.SandboxThreshold, p.BlockThreshold)
	}
	if !(p.SandboxThreshold < p.QuarantineThreshold && p.QuarantineThreshold < p.BlockThreshold) {
		return fmt.Errorf("threshold ordering violated: sandbox=%.2f quarantine=%.2f block=%.2f",
			p.SandboxThreshold, p.QuarantineThreshold, p.BlockThreshold)
	}
	if len(p.DetectorWeights) == 0 {
		return fmt.Errorf("no detector weights configured")
	}
	sum := 0.0
	for name, w := range p.DetectorWeights {
		if w < 0 {
			return fmt.Errorf("negative weight for detector %q", name)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 0.001 {
		return fmt.Errorf("detector weights must sum to 1, got %.3f", sum)
	}
	if p.SandboxWeight <= 0 || p.SandboxWeight > 1 {
		return fmt.Errorf("sandbox weight must lie in (0,1], got %.2f", p.SandboxWeight)
	}
	return nil
}

// SandboxConfig holds detonation pool settings
type SandboxConfig struct {
	MaxConcurrentScans  int
	QueueSize           int
	ExecutionBudget     time.Duration
	MaxRetries          int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	DefaultEnvironment  string
	ExpectedRuntime     time.Duration
}

// ReputationConfig holds domain reputation settings
type ReputationConfig struct {
	CacheType        string
	CacheEnabled     bool
	CacheTTL         time.Duration
	CleanupFrequency time.Duration
	SQLitePath       string
	MySQLDSN         string
	HistoryLimit     int
	SourceTimeout    time.Duration
}

// IncidentConfig holds correlation engine settings
type IncidentConfig struct {
	MinCorrelationConfidence float64
	LockStripes              int
}

// QuarantineConfig holds quarantine manager settings
type QuarantineConfig struct {
	BulkParallelism int
}

// IntentConfig selects the optional LLM-backed intent classifier
type IntentConfig struct {
	Provider            string
	EscalationThreshold float64
	MaxBodySize         int
}

// BedrockConfig represents the configuration for Amazon Bedrock
type BedrockConfig struct {
	Region      string
	ModelID     string
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// GeminiConfig represents the configuration for Google Gemini
type GeminiConfig struct {
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// OpenAIConfig represents the configuration for OpenAI
type OpenAIConfig struct {
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// StoreConfig selects the durable store backend
type StoreConfig struct {
	Type       string
	SQLitePath string
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	ListenAddress string
	APIKey        string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// GetPolicy returns the scoring policy configuration
func (c *Config) GetPolicy() PolicyConfig {
	detectorTimeout, err := c.GetDuration("policy.detector_timeout")
	if err != nil {
		detectorTimeout = 5 * time.Second
	}
	return PolicyConfig{
		SandboxThreshold:    c.GetFloat64("policy.sandbox_threshold"),
		QuarantineThreshold: c.GetFloat64("policy.quarantine_threshold"),
		BlockThreshold:      c.GetFloat64("policy.block_threshold"),
		DetectorWeights:     c.GetStringMapFloat64("policy.detector_weights"),
		SandboxWeight:       c.GetFloat64("policy.sandbox_weight"),
		DetectorTimeout:     detectorTimeout,
	}
}

// GetSandbox returns the sandbox orchestrator configuration
func (c *Config) GetSandbox() SandboxConfig {
	budget, _ := c.GetDuration("sandbox.execution_budget")
	initial, _ := c.GetDuration("sandbox.retry_initial_backoff")
	max, _ := c.GetDuration("sandbox.retry_max_backoff")
	expected, _ := c.GetDuration("sandbox.expected_runtime")
	return SandboxConfig{
		MaxConcurrentScans:  c.GetInt("sandbox.max_concurrent_scans"),
		QueueSize:           c.GetInt("sandbox.queue_size"),
		ExecutionBudget:     budget,
		MaxRetries:          c.GetInt("sandbox.max_retries"),
		RetryInitialBackoff: initial,
		RetryMaxBackoff:     max,
		DefaultEnvironment:  c.GetString("sandbox.default_environment"),
		ExpectedRuntime:     expected,
	}
}

// GetReputation returns the domain reputation configuration
func (c *Config) GetReputation() ReputationConfig {
	ttl, _ := c.GetDuration("reputation.cache.ttl")
	cleanup, _ := c.GetDuration("reputation.cache.cleanup_frequency")
	sourceTimeout, _ := c.GetDuration("reputation.source_timeout")
	return ReputationConfig{
		CacheType:        c.GetString("reputation.cache.type"),
		CacheEnabled:     c.GetBool("reputation.cache.enabled"),
		CacheTTL:         ttl,
		CleanupFrequency: cleanup,
		SQLitePath:       c.GetString("reputation.cache.sqlite_path"),
		MySQLDSN:         c.GetString("reputation.cache.mysql_dsn"),
		HistoryLimit:     c.GetInt("reputation.history_limit"),
		SourceTimeout:    sourceTimeout,
	}
}

// GetIncident returns the incident correlation configuration
func (c *Config) GetIncident() IncidentConfig {
	return IncidentConfig{
		MinCorrelationConfidence: c.GetFloat64("incident.min_correlation_confidence"),
		LockStripes:              c.GetInt("incident.lock_stripes"),
	}
}

// GetQuarantine returns the quarantine manager configuration
func (c *Config) GetQuarantine() QuarantineConfig {
	return QuarantineConfig{
		BulkParallelism: c.GetInt("quarantine.bulk_parallelism"),
	}
}

// GetIntent returns the intent classifier configuration
func (c *Config) GetIntent() IntentConfig {
	return IntentConfig{
		Provider:            c.GetString("intent.provider"),
		EscalationThreshold: c.GetFloat64("intent.escalation_threshold"),
		MaxBodySize:         c.GetInt("intent.max_body_size"),
	}
}

// GetBedrock returns the Bedrock configuration
func (c *Config) GetBedrock() BedrockConfig {
	return BedrockConfig{
		Region:      c.GetString("bedrock.region"),
		ModelID:     c.GetString("bedrock.model_id"),
		MaxTokens:   c.GetInt("bedrock.max_tokens"),
		Temperature: float32(c.GetFloat64("bedrock.temperature")),
		TopP:        float32(c.GetFloat64("bedrock.top_p")),
	}
}

// GetGemini returns the Gemini configuration
func (c *Config) GetGemini() GeminiConfig {
	return GeminiConfig{
		APIKey:      c.GetString("gemini.api_key"),
		ModelName:   c.GetString("gemini.model_name"),
		MaxTokens:   c.GetInt("gemini.max_tokens"),
		Temperature: float32(c.GetFloat64("gemini.temperature")),
		TopP:        float32(c.GetFloat64("gemini.top_p")),
	}
}

// GetOpenAI returns the OpenAI configuration
func (c *Config) GetOpenAI() OpenAIConfig {
	return OpenAIConfig{
		APIKey:      c.GetString("openai.api_key"),
		ModelName:   c.GetString("openai.model_name"),
		MaxTokens:   c.GetInt("openai.max_tokens"),
		Temperature: float32(c.GetFloat64("openai.temperature")),
		TopP:        float32(c.GetFloat64("openai.top_p")),
	}
}

// GetStore returns the durable store configuration
func (c *Config) GetStore() StoreConfig {
	return StoreConfig{
		Type:       c.GetString("store.type"),
		SQLitePath: c.GetString("store.sqlite_path"),
	}
}

// GetServer returns the HTTP API configuration
func (c *Config) GetServer() ServerConfig {
	readTimeout, _ := c.GetDuration("server.read_timeout")
	writeTimeout, _ := c.GetDuration("server.write_timeout")
	return ServerConfig{
		ListenAddress: c.GetString("server.listen_address"),
		APIKey:        c.GetString("server.api_key"),
		ReadTimeout:   readTimeout,
		WriteTimeout:  writeTimeout,
	}
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	v *viper.Viper
}

// New creates a new configuration instance
func New() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/mailsentry/")
	v.AddConfigPath("$HOME/.mailsentry")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	// Set defaults
	setDefaults(v)

	// Environment variables
	v.AutomaticEnv()
	v.SetEnvPrefix("MAILSENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, using defaults
	}

	cfg := &Config{v: v}
	if err := cfg.GetPolicy().Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy configuration: %w", err)
	}

	return cfg, nil
}

// NewFromViper creates a new configuration instance from an existing Viper instance
func NewFromViper(v *viper.Viper) *Config {
	return &Config{v: v}
}

// NewEmptyViper creates a new Viper instance with defaults
func NewEmptyViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

// setDefaults sets the default configuration values
func setDefaults(v *viper.Viper) {
	// Policy defaults
	v.SetDefault("policy.sandbox_threshold", 0.3)
	v.SetDefault("policy.quarantine_threshold", 0.6)
	v.SetDefault("policy.block_threshold", 0.85)
	v.SetDefault("policy.detector_weights.content", 0.4)
	v.SetDefault("policy.detector_weights.domain_reputation", 0.35)
	v.SetDefault("policy.detector_weights.behavioral", 0.25)
	v.SetDefault("policy.sandbox_weight", 0.5)
	v.SetDefault("policy.detector_timeout", "5s")

	// Sandbox defaults
	v.SetDefault("sandbox.max_concurrent_scans", 4)
	v.SetDefault("sandbox.queue_size", 256)
	v.SetDefault("sandbox.execution_budget", "2m")
	v.SetDefault("sandbox.max_retries", 2)
	v.SetDefault("sandbox.retry_initial_backoff", "2s")
	v.SetDefault("sandbox.retry_max_backoff", "30s")
	v.SetDefault("sandbox.default_environment", "windows")
	v.SetDefault("sandbox.expected_runtime", "30s")
	v.SetDefault("sandbox.executor", "simulated")
	v.SetDefault("sandbox.simulated_latency", "2s")

	// Reputation defaults
	v.SetDefault("reputation.cache.type", "memory")
	v.SetDefault("reputation.cache.enabled", true)
	v.SetDefault("reputation.cache.ttl", "1h")
	v.SetDefault("reputation.cache.cleanup_frequency", "10m")
	v.SetDefault("reputation.cache.sqlite_path", "/data/reputation_cache.db")
	v.SetDefault("reputation.cache.mysql_dsn", "user:password@tcp(localhost:3306)/mailsentry")
	v.SetDefault("reputation.history_limit", 100)
	v.SetDefault("reputation.source_timeout", "3s")
	v.SetDefault("reputation.threat_feed_domains", []string{})

	// Incident defaults
	v.SetDefault("incident.min_correlation_confidence", 0.5)
	v.SetDefault("incident.lock_stripes", 64)

	// Quarantine defaults
	v.SetDefault("quarantine.bulk_parallelism", 8)

	// Intent classifier defaults
	v.SetDefault("intent.provider", "none")
	v.SetDefault("intent.escalation_threshold", 0.4)
	v.SetDefault("intent.max_body_size", 4096)

	// Bedrock defaults
	v.SetDefault("bedrock.region", "us-east-1")
	v.SetDefault("bedrock.model_id", "anthropic.claude-v2")
	v.SetDefault("bedrock.max_tokens", 1000)
	v.SetDefault("bedrock.temperature", 0.1)
	v.SetDefault("bedrock.top_p", 0.9)

	// Gemini defaults
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model_name", "gemini-pro")
	v.SetDefault("gemini.max_tokens", 1000)
	v.SetDefault("gemini.temperature", 0.1)
	v.SetDefault("gemini.top_p", 0.9)

	// OpenAI defaults
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.model_name", "gpt-4")
	v.SetDefault("openai.max_tokens", 1000)
	v.SetDefault("openai.temperature", 0.1)
	v.SetDefault("openai.top_p", 0.9)

	// Store defaults
	v.SetDefault("store.type", "memory")
	v.SetDefault("store.sqlite_path", "/data/mailsentry.db")

	// Server defaults
	v.SetDefault("server.listen_address", "0.0.0.0:8080")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Known brands used for lookalike-domain detection
	v.SetDefault("features.known_brands", []string{
		"microsoft.com", "google.com", "paypal.com", "apple.com",
		"amazon.com", "docusign.com", "dropbox.com",
	})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// GetString gets a string value from the configuration
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// GetInt gets an integer value from the configuration
func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

// GetFloat64 gets a float64 value from the configuration
func (c *Config) GetFloat64(key string) float64 {
	return c.v.GetFloat64(key)
}

// GetBool gets a boolean value from the configuration
func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

// GetStringSlice gets a string slice value from the configuration
func (c *Config) GetStringSlice(key string) []string {
	return c.v.GetStringSlice(key)
}

// GetStringMapFloat64 gets a string keyed float64 map from the configuration
func (c *Config) GetStringMapFloat64(key string) map[string]float64 {
	raw := c.v.GetStringMap(key)
	out := make(map[string]float64, len(raw))
	for k := range raw {
		out[k] = c.v.GetFloat64(key + "." + k)
	}
	return out
}

// GetDuration gets a duration value from the configuration
func (c *Config) GetDuration(key string) (time.Duration, error) {
	return time.ParseDuration(c.GetString(key))
}

// GetViper returns the underlying Viper instance
func (c *Config) GetViper() *viper.Viper {
	return c.v
}

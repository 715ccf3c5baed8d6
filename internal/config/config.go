// Package config holds all ERPPilot configuration: completion backend
// settings, pipeline thresholds, rate limits, storage paths, and logging.
// Configuration is loaded once at startup from YAML with environment
// overrides; tunable sections can be hot-reloaded through the Watcher.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all ERPPilot configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Completion backend configuration
	Backend BackendConfig `yaml:"backend"`

	// Pipeline behavior
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Storage paths
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// BackendConfig configures the completion gateway.
type BackendConfig struct {
	BaseURL     string  `yaml:"base_url"` // Ollama-compatible endpoint
	Model       string  `yaml:"model"`
	Timeout     string  `yaml:"timeout"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`

	// Token bucket for outbound calls
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int `yaml:"rate_limit_burst"`
}

// PipelineConfig configures the orchestrator and guard.
type PipelineConfig struct {
	// Per-user sliding window rate limit
	UserRequestsPerMinute int `yaml:"user_requests_per_minute"`

	// Confidence below this floor forces a confirmation turn for
	// write-tier actions.
	ConfidenceFloor float64 `yaml:"confidence_floor"`

	// How long a confirm-gated intent is held before discard.
	ConfirmTTL string `yaml:"confirm_ttl"`

	// Conversation turns embedded in the parser prompt.
	HistoryWindow int `yaml:"history_window"`

	// Maximum accepted input length in bytes.
	MaxInputLength int `yaml:"max_input_length"`
}

// StorageConfig configures SQLite paths.
type StorageConfig struct {
	DatabasePath  string `yaml:"database_path"`
	AuditFallback string `yaml:"audit_fallback"` // JSONL sink used when the DB append fails
}

// LoggingConfig configures categorized debug logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "ERPPilot",
		Version: "1.0.0",

		Backend: BackendConfig{
			BaseURL:            "http://localhost:11434",
			Model:              "phi3:3.8b-mini",
			Timeout:            "60s",
			MaxTokens:          1000,
			Temperature:        0.1,
			RateLimitPerMinute: 60,
			RateLimitBurst:     10,
		},

		Pipeline: PipelineConfig{
			UserRequestsPerMinute: 30,
			ConfidenceFloor:       0.6,
			ConfirmTTL:            "2m",
			HistoryWindow:         5,
			MaxInputLength:        10000,
		},

		Storage: StorageConfig{
			DatabasePath:  "data/erppilot.db",
			AuditFallback: "data/audit_fallback.jsonl",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("ERPPILOT_BACKEND_URL"); url != "" {
		c.Backend.BaseURL = url
	}
	if model := os.Getenv("ERPPILOT_MODEL"); model != "" {
		c.Backend.Model = model
	}
	if path := os.Getenv("ERPPILOT_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend base_url is required")
	}
	if c.Backend.Model == "" {
		return fmt.Errorf("backend model is required")
	}
	if c.Pipeline.ConfidenceFloor < 0 || c.Pipeline.ConfidenceFloor > 1 {
		return fmt.Errorf("confidence_floor must be in [0,1], got %v", c.Pipeline.ConfidenceFloor)
	}
	if c.Pipeline.UserRequestsPerMinute <= 0 {
		return fmt.Errorf("user_requests_per_minute must be positive")
	}
	return nil
}

// BackendTimeout returns the completion deadline as a duration.
func (c *Config) BackendTimeout() time.Duration {
	d, err := time.ParseDuration(c.Backend.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// ConfirmTTL returns the pending-confirmation TTL as a duration.
func (c *Config) ConfirmTTL() time.Duration {
	d, err := time.ParseDuration(c.Pipeline.ConfirmTTL)
	if err != nil {
		return 2 * time.Minute
	}
	return d
}

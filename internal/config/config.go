// Package config loads and validates curator configuration from YAML,
// applies CURATOR_* environment overrides, and supports hot reload of the
// runtime tunables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all curator configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	LLM       LLMConfig       `yaml:"llm"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Interpret InterpretConfig `yaml:"interpret"`
	Preview   PreviewConfig   `yaml:"preview"`
	Batch     BatchConfig     `yaml:"batch"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LLMConfig configures the completion-service client.
type LLMConfig struct {
	Provider string `yaml:"provider"` // anthropic, gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`

	// MaxRetries bounds transport-level retries (429/5xx) before the call
	// surfaces as upstream_unavailable.
	MaxRetries int `yaml:"max_retries"`
}

// StoreConfig configures the SQLite record store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`

	// ReadRetries bounds retry attempts on idempotent reads only.
	ReadRetries int `yaml:"read_retries"`
}

// CacheConfig configures the catalog metadata cache.
type CacheConfig struct {
	TTL           string `yaml:"ttl"`
	MaxEntries    int    `yaml:"max_entries"`
	SweepInterval string `yaml:"sweep_interval"`
}

// InterpretConfig configures the intent interpreter.
type InterpretConfig struct {
	// ConfidenceThreshold below which a schema-valid interpretation is
	// still downgraded to clarify.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// HistoryTurns is how many conversation turns are injected into the
	// interpretation prompt.
	HistoryTurns int `yaml:"history_turns"`

	// HistoryTruncate caps each injected assistant turn, in bytes.
	HistoryTruncate int `yaml:"history_truncate"`
}

// PreviewConfig configures the two-phase write executor.
type PreviewConfig struct {
	// Window is how long a preview remains confirmable.
	Window string `yaml:"window"`

	// SampleLimit bounds the affected-record sample in a preview.
	SampleLimit int `yaml:"sample_limit"`

	SweepInterval string `yaml:"sweep_interval"`
}

// BatchConfig configures the batch executor.
type BatchConfig struct {
	// Concurrency limits simultaneous item execution.
	Concurrency int `yaml:"concurrency"`

	// MaxItems rejects oversized batches up front.
	MaxItems int `yaml:"max_items"`
}

// LoggingConfig configures zap and the audit trail.
type LoggingConfig struct {
	Level     string `yaml:"level"`  // debug, info, warn, error
	Format    string `yaml:"format"` // json, console
	AuditPath string `yaml:"audit_path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "curator",
		Version: "0.4.0",
		LLM: LLMConfig{
			Provider:   "anthropic",
			Model:      "claude-sonnet-4-20250514",
			Timeout:    "120s",
			MaxRetries: 3,
		},
		Store: StoreConfig{
			DatabasePath: ".curator/curator.db",
			ReadRetries:  3,
		},
		Cache: CacheConfig{
			TTL:           "5m",
			MaxEntries:    512,
			SweepInterval: "1m",
		},
		Interpret: InterpretConfig{
			ConfidenceThreshold: 0.60,
			HistoryTurns:        8,
			HistoryTruncate:     400,
		},
		Preview: PreviewConfig{
			Window:        "5m",
			SampleLimit:   10,
			SweepInterval: "30s",
		},
		Batch: BatchConfig{
			Concurrency: 4,
			MaxItems:    200,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "json",
			AuditPath: ".curator/audit.jsonl",
		},
	}
}

// Load reads configuration from path, falling back to defaults for any
// field the file omits. A missing file is not an error: defaults plus env
// overrides apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets the environment win over the file for the
// credentials and the most commonly tuned knobs.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CURATOR_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CURATOR_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("CURATOR_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CURATOR_DB_PATH"); v != "" {
		cfg.Store.DatabasePath = v
	}
	if v := os.Getenv("CURATOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CURATOR_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Interpret.ConfidenceThreshold = f
		}
	}
}

// Validate checks cross-field invariants and duration syntax.
func (c *Config) Validate() error {
	if c.Interpret.ConfidenceThreshold < 0 || c.Interpret.ConfidenceThreshold > 1 {
		return fmt.Errorf("interpret.confidence_threshold must be in [0,1], got %v", c.Interpret.ConfidenceThreshold)
	}
	if c.Batch.Concurrency < 1 {
		return fmt.Errorf("batch.concurrency must be >= 1, got %d", c.Batch.Concurrency)
	}
	for name, d := range map[string]string{
		"llm.timeout":            c.LLM.Timeout,
		"cache.ttl":              c.Cache.TTL,
		"cache.sweep_interval":   c.Cache.SweepInterval,
		"preview.window":         c.Preview.Window,
		"preview.sweep_interval": c.Preview.SweepInterval,
	} {
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, d)
		}
	}
	return nil
}

// LLMTimeout returns the parsed LLM timeout.
func (c *Config) LLMTimeout() time.Duration { return mustDuration(c.LLM.Timeout, 120*time.Second) }

// CacheTTL returns the parsed catalog cache TTL.
func (c *Config) CacheTTL() time.Duration { return mustDuration(c.Cache.TTL, 5*time.Minute) }

// CacheSweepInterval returns the parsed cache sweep interval.
func (c *Config) CacheSweepInterval() time.Duration {
	return mustDuration(c.Cache.SweepInterval, time.Minute)
}

// PreviewWindow returns how long a preview remains confirmable.
func (c *Config) PreviewWindow() time.Duration { return mustDuration(c.Preview.Window, 5*time.Minute) }

// PreviewSweepInterval returns the parsed preview sweep interval.
func (c *Config) PreviewSweepInterval() time.Duration {
	return mustDuration(c.Preview.SweepInterval, 30*time.Second)
}

func mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

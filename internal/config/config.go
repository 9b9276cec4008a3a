// Package config loads the corroborate configuration: engine thresholds, provider
// settings, retry policies, storage and logging, from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/skywatch/corroborate/internal/deduplication"
	"github.com/skywatch/corroborate/internal/embedding"
	"github.com/skywatch/corroborate/internal/evidence"
	"github.com/skywatch/corroborate/internal/retry"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// StorageConfig selects the incident ledger.
type StorageConfig struct {
	// Driver is "memory" (one-off batch) or "sqlite" (matches across runs).
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// LLMConfig configures the Tier 3 provider.
type LLMConfig struct {
	APIKey string       `yaml:"-"`
	Model  string       `yaml:"model"`
	Retry  retry.Policy `yaml:"retry"`
}

// EmbeddingProviderConfig configures the Tier 2 provider.
type EmbeddingProviderConfig struct {
	embedding.OpenAIConfig `yaml:",inline"`
	Retry                  retry.Policy `yaml:"retry"`
}

// EvidenceConfig configures the attribution policy.
type EvidenceConfig struct {
	// AttributionPhrases are regular expressions matched case-insensitively on
	// word boundaries against source text.
	AttributionPhrases []string `yaml:"attribution_phrases"`
}

// Config is the complete configuration.
type Config struct {
	Engine    deduplication.Config    `yaml:"engine"`
	Embedding EmbeddingProviderConfig `yaml:"embedding_provider"`
	LLM       LLMConfig               `yaml:"llm"`
	Evidence  EvidenceConfig          `yaml:"evidence"`
	Storage   StorageConfig           `yaml:"storage"`
	Logging   LoggingConfig           `yaml:"logging"`
	// JournalPath, when set, appends run events as JSON lines.
	JournalPath string `yaml:"journal_path"`
}

// Default returns the stock configuration.
func Default() Config {
	embedRetry := retry.DefaultPolicy()
	embedRetry.Timeout = embedRetry.Timeout / 2

	return Config{
		Engine: deduplication.DefaultConfig(),
		Embedding: EmbeddingProviderConfig{
			Retry: embedRetry,
		},
		LLM: LLMConfig{
			Retry: retry.DefaultPolicy(),
		},
		Evidence: EvidenceConfig{
			AttributionPhrases: append([]string(nil), evidence.DefaultAttributionPhrases...),
		},
		Storage: StorageConfig{
			Driver: DriverMemory,
			Path:   ".corroborate/ledger.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := c.Embedding.Retry.Validate(); err != nil {
		return fmt.Errorf("embedding_provider.retry: %w", err)
	}
	if err := c.LLM.Retry.Validate(); err != nil {
		return fmt.Errorf("llm.retry: %w", err)
	}
	if _, err := evidence.NewKeywordPolicy(c.Evidence.AttributionPhrases); err != nil {
		return fmt.Errorf("evidence: %w", err)
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("storage.driver must be %q or %q (got %q)", DriverMemory, DriverSQLite, c.Storage.Driver)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error (got %q)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}
	return nil
}

// AttributionPolicy builds the configured keyword policy.
func (c Config) AttributionPolicy() (*evidence.KeywordPolicy, error) {
	return evidence.NewKeywordPolicy(c.Evidence.AttributionPhrases)
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error when path is empty.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := Parse(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown keys.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

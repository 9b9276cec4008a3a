package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ApplyEnv overrides fields from environment variables. Unset variables leave
// the current value.
//
// Environment variables:
//   - ANTHROPIC_API_KEY: Tier 3 API key
//   - OPENAI_API_KEY: Tier 2 API key (not needed with CORROBORATE_EMBEDDING_BASE_URL)
//   - CORROBORATE_LLM_MODEL: adjudicator model
//   - CORROBORATE_EMBEDDING_MODEL: embedding model
//   - CORROBORATE_EMBEDDING_BASE_URL: OpenAI-compatible endpoint, e.g. a local Ollama
//   - CORROBORATE_STORAGE_DRIVER: memory or sqlite
//   - CORROBORATE_STORAGE_PATH: sqlite ledger path
//   - CORROBORATE_LOG_LEVEL, CORROBORATE_LOG_FORMAT
//   - CORROBORATE_JOURNAL_PATH: JSONL run journal
//   - CORROBORATE_RADIUS_KM: proximity radius
//   - CORROBORATE_WINDOW_HOURS: proximity window
//   - CORROBORATE_LOOKBACK_HOURS: stored incident lookback
//   - CORROBORATE_DUPLICATE_THRESHOLD, CORROBORATE_BORDERLINE_THRESHOLD: Tier 2 bands
//   - CORROBORATE_ACCEPTANCE_THRESHOLD: Tier 3 acceptance
//   - CORROBORATE_MAX_TIME_DELTA_HOURS: Tier 3 fact override ceiling
//   - CORROBORATE_TIER3_ENABLED: send borderline pairs to the LLM
//
// Returns an error if any environment variable has an invalid value.
func (c *Config) ApplyEnv() error {
	parseEnvString("ANTHROPIC_API_KEY", &c.LLM.APIKey)
	parseEnvString("OPENAI_API_KEY", &c.Embedding.APIKey)
	parseEnvString("CORROBORATE_LLM_MODEL", &c.LLM.Model)
	parseEnvString("CORROBORATE_EMBEDDING_MODEL", &c.Embedding.Model)
	parseEnvString("CORROBORATE_EMBEDDING_BASE_URL", &c.Embedding.BaseURL)
	parseEnvString("CORROBORATE_STORAGE_DRIVER", &c.Storage.Driver)
	parseEnvString("CORROBORATE_STORAGE_PATH", &c.Storage.Path)
	parseEnvString("CORROBORATE_LOG_LEVEL", &c.Logging.Level)
	parseEnvString("CORROBORATE_LOG_FORMAT", &c.Logging.Format)
	parseEnvString("CORROBORATE_JOURNAL_PATH", &c.JournalPath)

	e := &c.Engine
	if err := parseEnvFloat("CORROBORATE_RADIUS_KM", &e.Proximity.RadiusKm); err != nil {
		return err
	}
	if err := parseEnvDuration("CORROBORATE_WINDOW_HOURS", &e.Proximity.Window, time.Hour); err != nil {
		return err
	}
	if err := parseEnvDuration("CORROBORATE_LOOKBACK_HOURS", &e.LookbackWindow, time.Hour); err != nil {
		return err
	}
	if err := parseEnvFloat("CORROBORATE_DUPLICATE_THRESHOLD", &e.Embedding.DuplicateThreshold); err != nil {
		return err
	}
	if err := parseEnvFloat("CORROBORATE_BORDERLINE_THRESHOLD", &e.Embedding.BorderlineThreshold); err != nil {
		return err
	}
	if err := parseEnvFloat("CORROBORATE_ACCEPTANCE_THRESHOLD", &e.Validator.AcceptanceThreshold); err != nil {
		return err
	}
	if err := parseEnvDuration("CORROBORATE_MAX_TIME_DELTA_HOURS", &e.Validator.MaxTimeDelta, time.Hour); err != nil {
		return err
	}
	if err := parseEnvBool("CORROBORATE_TIER3_ENABLED", &e.Tier3Enabled); err != nil {
		return err
	}
	return nil
}

// parseEnvString copies a non-empty environment variable into dest
func parseEnvString(key string, dest *string) {
	if value := os.Getenv(key); value != "" {
		*dest = value
	}
}

// parseEnvFloat parses a float64 from an environment variable
func parseEnvFloat(key string, dest *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvBool parses a bool from an environment variable
func parseEnvBool(key string, dest *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvDuration parses a duration from an environment variable
// The multiplier is used to convert the numeric value to a duration
// (e.g., for hours: multiplier = time.Hour)
func parseEnvDuration(key string, dest *time.Duration, multiplier time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = time.Duration(parsed * float64(multiplier))
	return nil
}

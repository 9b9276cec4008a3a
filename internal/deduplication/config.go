package deduplication

import (
	"fmt"
	"time"

	"github.com/skywatch/corroborate/internal/ai"
	"github.com/skywatch/corroborate/internal/embedding"
	"github.com/skywatch/corroborate/internal/fingerprint"
	"github.com/skywatch/corroborate/internal/merge"
	"github.com/skywatch/corroborate/internal/proximity"
	"github.com/skywatch/corroborate/internal/types"
)

// Config holds every threshold the engine uses. There are no hidden constants:
// each tier reads its settings from here.
type Config struct {
	// Fingerprint controls Tier 1 hashing: coordinate precision and the fixed
	// time buckets. Default: 2 decimals, 6 hour buckets anchored at the Unix epoch.
	Fingerprint fingerprint.Config `yaml:"fingerprint"`

	// Proximity bounds which incident pairs are compared at all.
	// Default: 5 km, 24 hours
	Proximity proximity.Config `yaml:"proximity"`

	// Embedding holds the Tier 2 similarity bands.
	// Default: >= 0.92 duplicate, 0.80-0.92 borderline, < 0.80 distinct
	Embedding embedding.Config `yaml:"embedding"`

	// Adjudicator shapes the Tier 3 prompt and its concurrency.
	Adjudicator ai.AdjudicatorConfig `yaml:"adjudicator"`

	// Validator holds the anti-hallucination rules applied to every Tier 3 reply.
	// Default: confidence clamp 0.95, acceptance 0.75, fact override 0.5 km / 3 h
	Validator ai.ValidatorConfig `yaml:"validator"`

	// Merge holds aggregator retry and title settings.
	Merge merge.Config `yaml:"merge"`

	// TrustTable fills in the trust weight of sources that arrive without one.
	TrustTable types.TrustTable `yaml:"trust_table"`

	// LookbackWindow is how far before the earliest candidate stored incidents
	// are loaded for matching. Too small misses cross-run duplicates; too large
	// only costs comparisons, since proximity still bounds pairing.
	// Default: 72 hours
	LookbackWindow time.Duration `yaml:"lookback_window"`

	// MaxConcurrentMerges bounds how many merge directives are committed at once.
	// Default: 4
	MaxConcurrentMerges int `yaml:"max_concurrent_merges"`

	// Tier3Enabled sends borderline pairs to the adjudicator. When false they
	// resolve distinct without any LLM call.
	// Default: true
	Tier3Enabled bool `yaml:"tier3_enabled"`
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		Fingerprint:         fingerprint.DefaultConfig(),
		Proximity:           proximity.DefaultConfig(),
		Embedding:           embedding.DefaultConfig(),
		Adjudicator:         ai.DefaultAdjudicatorConfig(),
		Validator:           ai.DefaultValidatorConfig(),
		Merge:               merge.DefaultConfig(),
		TrustTable:          types.DefaultTrustTable(),
		LookbackWindow:      72 * time.Hour,
		MaxConcurrentMerges: 4,
		Tier3Enabled:        true,
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if err := c.Fingerprint.Validate(); err != nil {
		return fmt.Errorf("fingerprint: %w", err)
	}
	if err := c.Proximity.Validate(); err != nil {
		return fmt.Errorf("proximity: %w", err)
	}
	if err := c.Embedding.Validate(); err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	if err := c.Adjudicator.Validate(); err != nil {
		return fmt.Errorf("adjudicator: %w", err)
	}
	if err := c.Validator.Validate(); err != nil {
		return fmt.Errorf("validator: %w", err)
	}
	if err := c.Merge.Validate(); err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	if err := c.TrustTable.Validate(); err != nil {
		return fmt.Errorf("trust_table: %w", err)
	}
	if c.LookbackWindow < 0 {
		return fmt.Errorf("lookback_window cannot be negative (got %v)", c.LookbackWindow)
	}
	if c.LookbackWindow > 90*24*time.Hour {
		return fmt.Errorf("lookback_window too large (got %v, max 90 days)", c.LookbackWindow)
	}
	if c.MaxConcurrentMerges <= 0 {
		return fmt.Errorf("max_concurrent_merges must be positive (got %d)", c.MaxConcurrentMerges)
	}
	if c.MaxConcurrentMerges > 64 {
		return fmt.Errorf("max_concurrent_merges too large (got %d, max 64)", c.MaxConcurrentMerges)
	}
	return nil
}

// String returns a human-readable representation of the config
func (c Config) String() string {
	return fmt.Sprintf(
		"Config{Precision: %d, Bucket: %v, Radius: %.1fkm, Window: %v, "+
			"Duplicate: %.2f, Borderline: %.2f, Accept: %.2f, MaxConfidence: %.2f, "+
			"FactOverride: %.1fkm/%v, Lookback: %v, Tier3: %t}",
		c.Fingerprint.Precision, c.Fingerprint.BucketWidth, c.Proximity.RadiusKm, c.Proximity.Window,
		c.Embedding.DuplicateThreshold, c.Embedding.BorderlineThreshold,
		c.Validator.AcceptanceThreshold, c.Validator.MaxConfidence,
		c.Validator.MaxDistanceKm, c.Validator.MaxTimeDelta, c.LookbackWindow, c.Tier3Enabled,
	)
}

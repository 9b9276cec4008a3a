package deduplication

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skywatch/corroborate/internal/types"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2, cfg.Fingerprint.Precision)
	assert.Equal(t, 6*time.Hour, cfg.Fingerprint.BucketWidth)
	assert.Equal(t, 5.0, cfg.Proximity.RadiusKm)
	assert.Equal(t, 24*time.Hour, cfg.Proximity.Window)
	assert.Equal(t, 0.92, cfg.Embedding.DuplicateThreshold)
	assert.Equal(t, 0.80, cfg.Embedding.BorderlineThreshold)
	assert.Equal(t, 0.95, cfg.Validator.MaxConfidence)
	assert.Equal(t, 0.75, cfg.Validator.AcceptanceThreshold)
	assert.Equal(t, 72*time.Hour, cfg.LookbackWindow)
	assert.True(t, cfg.Tier3Enabled)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "bad fingerprint",
			mutate:  func(c *Config) { c.Fingerprint.BucketWidth = 0 },
			wantErr: "fingerprint:",
		},
		{
			name:    "bad proximity",
			mutate:  func(c *Config) { c.Proximity.RadiusKm = -1 },
			wantErr: "proximity:",
		},
		{
			name:    "inverted embedding thresholds",
			mutate:  func(c *Config) { c.Embedding.DuplicateThreshold = 0.7 },
			wantErr: "embedding:",
		},
		{
			name:    "bad adjudicator",
			mutate:  func(c *Config) { c.Adjudicator.MaxConcurrency = 0 },
			wantErr: "adjudicator:",
		},
		{
			name:    "acceptance above clamp",
			mutate:  func(c *Config) { c.Validator.AcceptanceThreshold = 0.99 },
			wantErr: "validator:",
		},
		{
			name:    "bad merge",
			mutate:  func(c *Config) { c.Merge.MaxRetries = -1 },
			wantErr: "merge:",
		},
		{
			name:    "trust table missing kind",
			mutate:  func(c *Config) { delete(c.TrustTable, types.KindSocial) },
			wantErr: "trust_table:",
		},
		{
			name:    "negative lookback",
			mutate:  func(c *Config) { c.LookbackWindow = -time.Hour },
			wantErr: "lookback_window cannot be negative",
		},
		{
			name:    "lookback too large",
			mutate:  func(c *Config) { c.LookbackWindow = 91 * 24 * time.Hour },
			wantErr: "lookback_window too large",
		},
		{
			name:    "zero merge concurrency",
			mutate:  func(c *Config) { c.MaxConcurrentMerges = 0 },
			wantErr: "max_concurrent_merges must be positive",
		},
		{
			name:    "merge concurrency too large",
			mutate:  func(c *Config) { c.MaxConcurrentMerges = 65 },
			wantErr: "max_concurrent_merges too large",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigString(t *testing.T) {
	s := DefaultConfig().String()
	for _, want := range []string{"Precision: 2", "Bucket: 6h0m0s", "Radius: 5.0km", "Duplicate: 0.92", "Tier3: true"} {
		assert.True(t, strings.Contains(s, want), "missing %q in %s", want, s)
	}
}

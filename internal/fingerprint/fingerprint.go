// Package fingerprint derives the coarse Tier 1 identity key for a report.
//
// A fingerprint hashes the rounded coordinate, an anchored time bucket, the country and
// the asset type. Free text never enters the hash, so two outlets with different
// headlines for the same sighting still collide.
//
// Buckets are fixed-width windows counted from a fixed anchor (the Unix epoch unless
// configured otherwise). Reports that straddle a bucket edge land in different buckets
// even when minutes apart; that recall gap is accepted here and left to Tier 2/3.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/skywatch/corroborate/internal/types"
)

// Config controls fingerprint precision.
type Config struct {
	// Precision is the number of decimal places kept for lat/lon (2 ≈ 1 km).
	Precision int `yaml:"precision"`
	// BucketWidth is the width of each time bucket.
	BucketWidth time.Duration `yaml:"bucket_width"`
	// BucketAnchor is the wall-clock instant bucket 0 starts at.
	BucketAnchor time.Time `yaml:"bucket_anchor"`
}

// DefaultConfig returns 0.01° cells and 6h buckets anchored at the Unix epoch.
func DefaultConfig() Config {
	return Config{
		Precision:    2,
		BucketWidth:  6 * time.Hour,
		BucketAnchor: time.Unix(0, 0).UTC(),
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if c.Precision < 0 || c.Precision > 6 {
		return fmt.Errorf("precision must be between 0 and 6 (got %d)", c.Precision)
	}
	if c.BucketWidth < time.Minute {
		return fmt.Errorf("bucket_width must be at least 1m (got %v)", c.BucketWidth)
	}
	if c.BucketWidth > 7*24*time.Hour {
		return fmt.Errorf("bucket_width too large (got %v, max 7 days)", c.BucketWidth)
	}
	return nil
}

// Input is the normalized subset of a record that participates in the hash.
type Input struct {
	Lat        float64
	Lon        float64
	OccurredAt time.Time
	Country    string
	AssetType  string
}

// Fingerprint is a hex-encoded SHA-256 digest.
type Fingerprint string

// Short returns the first 12 hex characters for logs.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

// Generator computes fingerprints with a fixed configuration.
type Generator struct {
	cfg Config
}

// NewGenerator creates a generator. A zero anchor falls back to the Unix epoch.
func NewGenerator(cfg Config) *Generator {
	if cfg.BucketAnchor.IsZero() {
		cfg.BucketAnchor = time.Unix(0, 0).UTC()
	}
	return &Generator{cfg: cfg}
}

// Bucket returns the index of the anchored bucket containing t.
// Instants before the anchor get negative indices (floor division, not truncation).
func (g *Generator) Bucket(t time.Time) int64 {
	offset := t.Sub(g.cfg.BucketAnchor)
	width := g.cfg.BucketWidth
	idx := int64(offset / width)
	if offset%width < 0 {
		idx--
	}
	return idx
}

// BucketStart returns the inclusive start instant of bucket idx.
func (g *Generator) BucketStart(idx int64) time.Time {
	return g.cfg.BucketAnchor.Add(time.Duration(idx) * g.cfg.BucketWidth).UTC()
}

// BucketWindow returns [start, end) of the bucket containing t.
func (g *Generator) BucketWindow(t time.Time) (time.Time, time.Time) {
	start := g.BucketStart(g.Bucket(t))
	return start, start.Add(g.cfg.BucketWidth)
}

// Generate hashes the location cell, time bucket and category of in.
func (g *Generator) Generate(in Input) Fingerprint {
	key := fmt.Sprintf("%s|%s|%d|%s|%s",
		g.round(in.Lat),
		g.round(in.Lon),
		g.Bucket(in.OccurredAt),
		strings.ToUpper(strings.TrimSpace(in.Country)),
		strings.ToLower(strings.TrimSpace(in.AssetType)),
	)
	sum := sha256.Sum256([]byte(key))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// ForCandidate fingerprints a candidate record.
func (g *Generator) ForCandidate(c *types.Candidate) Fingerprint {
	return g.Generate(Input{
		Lat:        c.Location.Lat,
		Lon:        c.Location.Lon,
		OccurredAt: c.OccurredAt,
		Country:    c.Country,
		AssetType:  c.AssetType,
	})
}

// ForIncident fingerprints a stored incident by its representative location and first report time.
func (g *Generator) ForIncident(inc *types.Incident) Fingerprint {
	return g.Generate(Input{
		Lat:        inc.Location.Lat,
		Lon:        inc.Location.Lon,
		OccurredAt: inc.OccurredAt,
		Country:    inc.Country,
		AssetType:  inc.AssetType,
	})
}

// round formats v rounded half away from zero, so -0.004 and 0.004 share the "0.00" cell.
func (g *Generator) round(v float64) string {
	scale := math.Pow(10, float64(g.cfg.Precision))
	r := math.Round(v*scale) / scale
	if r == 0 {
		r = 0 // normalize negative zero
	}
	return fmt.Sprintf("%.*f", g.cfg.Precision, r)
}

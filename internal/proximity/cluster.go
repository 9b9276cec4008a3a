// Package proximity pairs records that are close in space and time but did not
// share a Tier 1 fingerprint.
package proximity

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/golang/geo/s2"

	"github.com/skywatch/corroborate/internal/types"
)

// EarthRadiusKm is the IUGG mean Earth radius.
const EarthRadiusKm = 6371.0088

// Config holds the pairing radius and window.
type Config struct {
	RadiusKm float64       `yaml:"radius_km"`
	Window   time.Duration `yaml:"window"`
}

// DefaultConfig returns a 5 km radius and a 24h window.
func DefaultConfig() Config {
	return Config{
		RadiusKm: 5,
		Window:   24 * time.Hour,
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if c.RadiusKm <= 0 {
		return fmt.Errorf("radius_km must be positive (got %.2f)", c.RadiusKm)
	}
	if c.RadiusKm > 500 {
		return fmt.Errorf("radius_km too large (got %.2f, max 500)", c.RadiusKm)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive (got %v)", c.Window)
	}
	if c.Window > 14*24*time.Hour {
		return fmt.Errorf("window too large (got %v, max 14 days)", c.Window)
	}
	return nil
}

// Node is one record eligible for pairing.
type Node struct {
	ID         string
	Location   types.Location
	OccurredAt time.Time
	// Existing marks incidents loaded from an earlier run.
	Existing bool
}

// NodeFromIncident adapts an incident for clustering.
func NodeFromIncident(inc *types.Incident, existing bool) Node {
	return Node{ID: inc.ID, Location: inc.Location, OccurredAt: inc.OccurredAt, Existing: existing}
}

// Pair is an unordered comparison pair with the facts later used for cross-validation.
// A is always the lexicographically smaller ID.
type Pair struct {
	A              string  `json:"a"`
	B              string  `json:"b"`
	DistanceKm     float64 `json:"distance_km"`
	TimeDeltaHours float64 `json:"time_delta_hours"`
}

// Key identifies the pair independent of orientation.
func (p Pair) Key() string {
	return p.A + "|" + p.B
}

// TimeDelta returns the time delta as a duration.
func (p Pair) TimeDelta() time.Duration {
	return time.Duration(p.TimeDeltaHours * float64(time.Hour))
}

// NewPair orients the pair and attaches the raw distance and time delta.
func NewPair(a, b Node) Pair {
	if b.ID < a.ID {
		a, b = b, a
	}
	return Pair{
		A:              a.ID,
		B:              b.ID,
		DistanceKm:     DistanceKm(a.Location, b.Location),
		TimeDeltaHours: math.Abs(a.OccurredAt.Sub(b.OccurredAt).Hours()),
	}
}

// DistanceKm is the great-circle distance between two unrounded coordinates.
func DistanceKm(a, b types.Location) float64 {
	la := s2.LatLngFromDegrees(a.Lat, a.Lon)
	lb := s2.LatLngFromDegrees(b.Lat, b.Lon)
	return la.Distance(lb).Radians() * EarthRadiusKm
}

// Clusterer emits candidate pairs.
type Clusterer struct {
	cfg Config
}

// NewClusterer creates a clusterer.
func NewClusterer(cfg Config) *Clusterer {
	return &Clusterer{cfg: cfg}
}

// Pairs returns every pair within the radius and window, sorted by key.
// Country and asset type are deliberately ignored; later tiers may still reject
// mismatched categories. Pairs made only of existing incidents are skipped.
func (c *Clusterer) Pairs(nodes []Node) []Pair {
	sorted := append([]Node(nil), nodes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].OccurredAt.Equal(sorted[j].OccurredAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].OccurredAt.Before(sorted[j].OccurredAt)
	})

	seen := make(map[string]bool)
	var pairs []Pair
	for i := range sorted {
		for j := i + 1; j < len(sorted); j++ {
			a, b := sorted[i], sorted[j]
			// Sorted by time: once b is outside the window, so is everything after it.
			if b.OccurredAt.Sub(a.OccurredAt) >= c.cfg.Window {
				break
			}
			if a.ID == b.ID || (a.Existing && b.Existing) {
				continue
			}
			p := NewPair(a, b)
			if p.DistanceKm >= c.cfg.RadiusKm || seen[p.Key()] {
				continue
			}
			seen[p.Key()] = true
			pairs = append(pairs, p)
		}
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key() < pairs[j].Key() })
	return pairs
}

package types

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// candidateNamespace seeds deterministic candidate IDs derived from source URLs.
var candidateNamespace = uuid.MustParse("6f1c7c2e-3b7a-5d0e-9a41-2f8e61c0d9b4")

// SourceKind is the closed set of source categories a report can come from.
type SourceKind string

const (
	KindPolice        SourceKind = "police"
	KindMilitary      SourceKind = "military"
	KindNotam         SourceKind = "notam"
	KindVerifiedMedia SourceKind = "verified_media"
	KindMedia         SourceKind = "media"
	KindSocial        SourceKind = "social"
)

// AllSourceKinds lists every kind in descending authority order.
var AllSourceKinds = []SourceKind{KindPolice, KindMilitary, KindNotam, KindVerifiedMedia, KindMedia, KindSocial}

// IsValid checks if the kind is one of the known variants
func (k SourceKind) IsValid() bool {
	switch k {
	case KindPolice, KindMilitary, KindNotam, KindVerifiedMedia, KindMedia, KindSocial:
		return true
	}
	return false
}

// IsOfficial reports whether the kind is an authority that settles an incident on its own.
func (k SourceKind) IsOfficial() bool {
	switch k {
	case KindPolice, KindMilitary, KindNotam:
		return true
	}
	return false
}

// ParseSourceKind maps a free-form kind string from a scraper onto the closed variant.
func ParseSourceKind(s string) (SourceKind, error) {
	k := SourceKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case "verified", "verified-media", "verifiedmedia":
		k = KindVerifiedMedia
	case "news":
		k = KindMedia
	}
	if !k.IsValid() {
		return "", fmt.Errorf("unknown source kind %q", s)
	}
	return k, nil
}

// TrustTable assigns a default trust weight to every source kind.
type TrustTable map[SourceKind]float64

// DefaultTrustTable returns the stock weights (0-4 scale).
func DefaultTrustTable() TrustTable {
	return TrustTable{
		KindPolice:        4,
		KindMilitary:      4,
		KindNotam:         4,
		KindVerifiedMedia: 3,
		KindMedia:         2,
		KindSocial:        1,
	}
}

// Weight returns the trust weight for kind, or 0 for kinds missing from the table.
func (t TrustTable) Weight(kind SourceKind) float64 {
	return t[kind]
}

// Validate checks every kind has a weight in [0,4]
func (t TrustTable) Validate() error {
	for _, k := range AllSourceKinds {
		w, ok := t[k]
		if !ok {
			return fmt.Errorf("trust weight missing for kind %s", k)
		}
		if w < 0 || w > 4 {
			return fmt.Errorf("trust weight for %s must be between 0 and 4 (got %.2f)", k, w)
		}
	}
	return nil
}

// SourceRef points at one published report backing an incident.
type SourceRef struct {
	URL         string     `json:"url"`
	Name        string     `json:"name"`
	Kind        SourceKind `json:"kind"`
	TrustWeight float64    `json:"trust_weight"`
	PublishedAt time.Time  `json:"published_at"`
	// Text is the quotable body used for attribution matching.
	Text string `json:"text,omitempty"`
}

// Validate checks if the source reference has valid field values
func (s *SourceRef) Validate() error {
	if strings.TrimSpace(s.URL) == "" {
		return &ValidationError{Field: "source.url", Reason: "is required"}
	}
	if !s.Kind.IsValid() {
		return &ValidationError{Field: "source.kind", Reason: fmt.Sprintf("unknown kind %q", s.Kind)}
	}
	if s.TrustWeight < 0 || s.TrustWeight > 4 {
		return &ValidationError{Field: "source.trust_weight", Reason: fmt.Sprintf("must be between 0 and 4 (got %.2f)", s.TrustWeight)}
	}
	return nil
}

// Location is a WGS84 coordinate. Precise is false when the scraper geocoded a place name.
type Location struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Precise bool    `json:"precise"`
}

// Valid reports whether the coordinate is on the globe and not the null island placeholder.
func (l Location) Valid() bool {
	if l.Lat < -90 || l.Lat > 90 || l.Lon < -180 || l.Lon > 180 {
		return false
	}
	return !(l.Lat == 0 && l.Lon == 0)
}

// Candidate is one unverified report from one source, prior to deduplication.
type Candidate struct {
	ID         string    `json:"id,omitempty"`
	Title      string    `json:"title"`
	Narrative  string    `json:"narrative"`
	OccurredAt time.Time `json:"occurred_at"`
	Location   Location  `json:"location"`
	Country    string    `json:"country"`
	AssetType  string    `json:"asset_type"`
	Source     SourceRef `json:"source"`
}

// Validate checks if the candidate has every field the engine needs
func (c *Candidate) Validate() error {
	if strings.TrimSpace(c.Title) == "" && strings.TrimSpace(c.Narrative) == "" {
		return &ValidationError{Field: "title", Reason: "title or narrative is required"}
	}
	if c.OccurredAt.IsZero() {
		return &ValidationError{Field: "occurred_at", Reason: "is required"}
	}
	if !c.Location.Valid() {
		return &ValidationError{Field: "location", Reason: fmt.Sprintf("invalid coordinate (%.5f, %.5f)", c.Location.Lat, c.Location.Lon)}
	}
	if len(strings.TrimSpace(c.Country)) != 2 {
		return &ValidationError{Field: "country", Reason: fmt.Sprintf("must be an ISO 3166 alpha-2 code (got %q)", c.Country)}
	}
	return c.Source.Validate()
}

// EnsureID assigns a deterministic ID derived from the source URL when none was supplied.
func (c *Candidate) EnsureID() {
	if c.ID == "" {
		c.ID = uuid.NewSHA1(candidateNamespace, []byte(c.Source.URL)).String()
	}
}

// EvidenceScore expresses how well an incident is corroborated (1-4).
type EvidenceScore int

const (
	EvidenceUnconfirmed EvidenceScore = 1
	EvidenceReported    EvidenceScore = 2
	EvidenceVerified    EvidenceScore = 3
	EvidenceOfficial    EvidenceScore = 4
)

func (e EvidenceScore) String() string {
	switch e {
	case EvidenceUnconfirmed:
		return "UNCONFIRMED"
	case EvidenceReported:
		return "REPORTED"
	case EvidenceVerified:
		return "VERIFIED"
	case EvidenceOfficial:
		return "OFFICIAL"
	default:
		return "UNKNOWN"
	}
}

// Incident is the canonical, deduplicated record of one event.
type Incident struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Narrative     string        `json:"narrative"`
	OccurredAt    time.Time     `json:"occurred_at"`
	LastSeen      time.Time     `json:"last_seen"`
	Location      Location      `json:"location"`
	Country       string        `json:"country"`
	AssetType     string        `json:"asset_type"`
	EvidenceScore EvidenceScore `json:"evidence_score"`
	Sources       []SourceRef   `json:"sources"`
	// Constituents holds the IDs of every candidate folded into this incident.
	Constituents    []string  `json:"constituents"`
	MergedFromCount int       `json:"merged_from_count"`
	AbsorbedInto    string    `json:"absorbed_into,omitempty"`
	Version         int64     `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// IncidentFromCandidate builds a single-source incident. The evidence score is left
// for the caller to compute with the configured policy.
func IncidentFromCandidate(c Candidate) *Incident {
	c.EnsureID()
	src := c.Source
	if src.Text == "" {
		src.Text = c.Narrative
	}
	return &Incident{
		ID:              c.ID,
		Title:           strings.TrimSpace(c.Title),
		Narrative:       strings.TrimSpace(c.Narrative),
		OccurredAt:      c.OccurredAt.UTC(),
		LastSeen:        c.OccurredAt.UTC(),
		Location:        c.Location,
		Country:         strings.ToUpper(strings.TrimSpace(c.Country)),
		AssetType:       strings.ToLower(strings.TrimSpace(c.AssetType)),
		Sources:         []SourceRef{src},
		Constituents:    []string{c.ID},
		MergedFromCount: 1,
	}
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	cp := *i
	cp.Sources = append([]SourceRef(nil), i.Sources...)
	cp.Constituents = append([]string(nil), i.Constituents...)
	return &cp
}

// IsAbsorbed reports whether the incident was merged into another one.
func (i *Incident) IsAbsorbed() bool {
	return i.AbsorbedInto != ""
}

// HasSource reports whether url is already part of the source set.
func (i *Incident) HasSource(url string) bool {
	for _, s := range i.Sources {
		if s.URL == url {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of an incident
func (i *Incident) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("incident id is required")
	}
	if len(i.Sources) == 0 {
		return fmt.Errorf("incident %s has no sources", i.ID)
	}
	seen := make(map[string]bool, len(i.Sources))
	for _, s := range i.Sources {
		if seen[s.URL] {
			return fmt.Errorf("incident %s has duplicate source url %s", i.ID, s.URL)
		}
		seen[s.URL] = true
	}
	if i.MergedFromCount != len(i.Constituents) {
		return fmt.Errorf("incident %s merged_from_count (%d) does not match constituents (%d)",
			i.ID, i.MergedFromCount, len(i.Constituents))
	}
	if i.EvidenceScore < EvidenceUnconfirmed || i.EvidenceScore > EvidenceOfficial {
		return fmt.Errorf("incident %s has invalid evidence score %d", i.ID, i.EvidenceScore)
	}
	if i.LastSeen.Before(i.OccurredAt) {
		return fmt.Errorf("incident %s last_seen precedes occurred_at", i.ID)
	}
	return nil
}

// SortSources orders sources by URL so the set has one canonical representation.
func SortSources(sources []SourceRef) {
	sort.Slice(sources, func(a, b int) bool { return sources[a].URL < sources[b].URL })
}

// MergeTier records which tier confirmed a merge.
type MergeTier string

const (
	TierFingerprint MergeTier = "tier1_fingerprint"
	TierEmbedding   MergeTier = "tier2_embedding"
	TierAdjudicator MergeTier = "tier3_adjudicator"
)

// MergeEvent is the audit record emitted for every committed merge.
type MergeEvent struct {
	ID               string    `json:"id"`
	RunID            string    `json:"run_id"`
	PrimaryID        string    `json:"primary_id"`
	AbsorbedIDs      []string  `json:"absorbed_ids"`
	Tier             MergeTier `json:"tier"`
	Confidence       float64   `json:"confidence"`
	ReasoningExcerpt string    `json:"reasoning_excerpt,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ValidationError reports a malformed candidate. Such candidates are skipped, never fatal.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RejectedVerdict is the audit record for an adjudicator reply discarded by the validator.
type RejectedVerdict struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	PairKey   string    `json:"pair_key"`
	Rule      string    `json:"rule"`
	Reason    string    `json:"reason"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Package merge folds corroborating incidents into one canonical record.
//
// Merge is a pure function: commutative, idempotent, and it never reads the clock.
// Aggregator commits merges against a storage.Store with optimistic concurrency,
// tombstoning the absorbed side rather than deleting it.
package merge

import (
	"sort"
	"strings"
	"time"

	"github.com/skywatch/corroborate/internal/evidence"
	"github.com/skywatch/corroborate/internal/types"
)

// Options controls the content choices of a merge.
type Options struct {
	// MergedNarrative replaces both narratives when non-empty. Callers pass only
	// narratives that survived validation.
	MergedNarrative string
	Policy          evidence.AttributionPolicy
	// GenericTitles lists titles that carry no information of their own.
	GenericTitles []string
}

// DefaultGenericTitles returns placeholder titles scrapers emit when a report has
// no headline of its own.
func DefaultGenericTitles() []string {
	return []string{
		"drone sighting",
		"drone sighted",
		"drone observed",
		"drones observed",
		"drone activity",
		"unknown drone activity",
		"drone spotted",
		"drones spotted",
		"uav sighting",
		"drone observation",
		"droner observeret",
		"drohnensichtung",
	}
}

// Merge combines a and b into one incident. The second result is false when one
// side's constituents already contain the other's, in which case the containing
// side is returned unchanged. Neither input is modified.
func Merge(a, b *types.Incident, opts Options) (*types.Incident, bool) {
	switch {
	case a == nil && b == nil:
		return nil, false
	case a == nil:
		return b.Clone(), false
	case b == nil:
		return a.Clone(), false
	}

	aHasB := containsAll(a.Constituents, b.Constituents)
	bHasA := containsAll(b.Constituents, a.Constituents)
	switch {
	case aHasB && bHasA:
		p, _ := Primary(a, b)
		return p.Clone(), false
	case aHasB:
		return a.Clone(), false
	case bHasA:
		return b.Clone(), false
	}

	p, o := Primary(a, b)
	out := p.Clone()
	out.AbsorbedInto = ""

	out.Sources = unionSources(a.Sources, b.Sources, opts.Policy)
	out.Constituents = unionStrings(a.Constituents, b.Constituents)
	out.MergedFromCount = len(out.Constituents)

	if n := strings.TrimSpace(opts.MergedNarrative); n != "" {
		out.Narrative = n
	} else {
		out.Narrative = preferLonger(a.Narrative, b.Narrative)
	}
	out.Title = pickTitle(a.Title, b.Title, opts.GenericTitles)

	out.OccurredAt = minTime(a.OccurredAt, b.OccurredAt)
	out.LastSeen = maxTime(a.LastSeen, b.LastSeen)
	if !p.Location.Precise && o.Location.Precise {
		out.Location = o.Location
	}
	if out.AssetType == "" {
		out.AssetType = o.AssetType
	}
	out.CreatedAt = minNonZero(a.CreatedAt, b.CreatedAt)
	out.UpdatedAt = maxTime(a.UpdatedAt, b.UpdatedAt)

	out.EvidenceScore = evidence.Score(out.Sources, opts.Policy)
	return out, true
}

// Primary orders two incidents: the earliest OccurredAt wins, ties go to the
// lexicographically smaller ID.
func Primary(a, b *types.Incident) (primary, other *types.Incident) {
	switch {
	case a.OccurredAt.Before(b.OccurredAt):
		return a, b
	case b.OccurredAt.Before(a.OccurredAt):
		return b, a
	case a.ID < b.ID:
		return a, b
	case b.ID < a.ID:
		return b, a
	case len(a.Constituents) >= len(b.Constituents):
		return a, b
	default:
		return b, a
	}
}

func containsAll(set, sub []string) bool {
	if len(sub) > len(set) {
		return false
	}
	have := make(map[string]struct{}, len(set))
	for _, s := range set {
		have[s] = struct{}{}
	}
	for _, s := range sub {
		if _, ok := have[s]; !ok {
			return false
		}
	}
	return true
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// unionSources keeps one entry per URL. Entries sharing a URL are combined so the
// result is at least as strong as either side on every input the evidence score
// reads: authority of kind, trust weight and attribution.
func unionSources(a, b []types.SourceRef, policy evidence.AttributionPolicy) []types.SourceRef {
	byURL := make(map[string]types.SourceRef, len(a)+len(b))
	for _, list := range [][]types.SourceRef{a, b} {
		for _, s := range list {
			if cur, ok := byURL[s.URL]; ok {
				s = combineSources(cur, s, policy)
			}
			byURL[s.URL] = s
		}
	}
	out := make([]types.SourceRef, 0, len(byURL))
	for _, s := range byURL {
		out = append(out, s)
	}
	types.SortSources(out)
	return out
}

// combineSources folds two references to the same URL field by field. Every
// choice is symmetric so the result does not depend on argument order.
func combineSources(x, y types.SourceRef, policy evidence.AttributionPolicy) types.SourceRef {
	out := x
	if authorityRank(y.Kind) < authorityRank(x.Kind) {
		out.Kind = y.Kind
	}
	if y.TrustWeight > x.TrustWeight {
		out.TrustWeight = y.TrustWeight
	}
	out.PublishedAt = minNonZero(x.PublishedAt, y.PublishedAt)
	out.Name = pickName(x.Name, y.Name)
	out.Text = pickText(x.Text, y.Text, policy)
	return out
}

// authorityRank orders kinds as types.AllSourceKinds does; unknown kinds rank last.
func authorityRank(k types.SourceKind) int {
	for i, known := range types.AllSourceKinds {
		if k == known {
			return i
		}
	}
	return len(types.AllSourceKinds)
}

func pickName(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	case b < a:
		return b
	}
	return a
}

// pickText keeps the attributed text when only one side is attributed, otherwise
// the longer one.
func pickText(a, b string, policy evidence.AttributionPolicy) string {
	if policy != nil {
		am, bm := policy.Matches(a), policy.Matches(b)
		switch {
		case am && !bm:
			return a
		case bm && !am:
			return b
		}
	}
	return preferLonger(a, b)
}

func preferLonger(a, b string) string {
	la, lb := len([]rune(a)), len([]rune(b))
	switch {
	case la > lb:
		return a
	case lb > la:
		return b
	case a < b:
		return a
	default:
		return b
	}
}

func pickTitle(a, b string, generic []string) string {
	ga, gb := isGeneric(a, generic), isGeneric(b, generic)
	switch {
	case ga && !gb:
		return b
	case gb && !ga:
		return a
	}
	return preferLonger(a, b)
}

func isGeneric(title string, generic []string) bool {
	norm := strings.Join(strings.Fields(strings.ToLower(title)), " ")
	if norm == "" {
		return true
	}
	for _, g := range generic {
		if norm == strings.Join(strings.Fields(strings.ToLower(g)), " ") {
			return true
		}
	}
	return false
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func minNonZero(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	}
	return minTime(a, b)
}

// Package evidence computes the corroboration score of an incident from its sources.
//
// The score is a pure, order-independent function of the source set, evaluated
// top-down with the first match winning:
//
//	4 OFFICIAL     any police, military, or NOTAM source
//	3 VERIFIED     at least two distinct sources with trust >= 2, and at least one
//	               source text carries an official attribution ("police said ...")
//	2 REPORTED     at least one source with trust >= 2
//	1 UNCONFIRMED  otherwise
//
// Every rule only counts or looks for something, so adding a source can never
// lower the score.
package evidence

import (
	"fmt"

	"github.com/skywatch/corroborate/internal/types"
)

const (
	// MinCredibleTrust is the trust weight at which a source counts as credible.
	MinCredibleTrust = 2.0
	// MinCorroborating is the number of distinct credible sources needed for VERIFIED.
	MinCorroborating = 2
)

// Explanation reports the score and the rule that produced it.
type Explanation struct {
	Score  types.EvidenceScore `json:"score"`
	Rule   string              `json:"rule"`
	Detail string              `json:"detail"`
}

// Score returns the evidence score for sources under the given attribution policy.
// A nil policy never matches.
func Score(sources []types.SourceRef, policy AttributionPolicy) types.EvidenceScore {
	return Explain(sources, policy).Score
}

// Explain scores sources and reports which rule fired.
func Explain(sources []types.SourceRef, policy AttributionPolicy) Explanation {
	credible := make(map[string]bool)
	attributed := ""
	for _, s := range sources {
		if s.Kind.IsOfficial() {
			return Explanation{
				Score:  types.EvidenceOfficial,
				Rule:   "official_source",
				Detail: fmt.Sprintf("%s source %s", s.Kind, s.URL),
			}
		}
		if s.TrustWeight >= MinCredibleTrust {
			credible[s.URL] = true
		}
		if attributed == "" && policy != nil && policy.Matches(s.Text) {
			attributed = s.URL
		}
	}

	if len(credible) >= MinCorroborating && attributed != "" {
		return Explanation{
			Score:  types.EvidenceVerified,
			Rule:   "corroborated_attribution",
			Detail: fmt.Sprintf("%d credible sources, attribution in %s", len(credible), attributed),
		}
	}
	if len(credible) > 0 {
		return Explanation{
			Score:  types.EvidenceReported,
			Rule:   "credible_source",
			Detail: fmt.Sprintf("%d credible source(s)", len(credible)),
		}
	}
	return Explanation{
		Score:  types.EvidenceUnconfirmed,
		Rule:   "no_credible_source",
		Detail: fmt.Sprintf("%d source(s), none with trust >= %.0f", len(sources), MinCredibleTrust),
	}
}

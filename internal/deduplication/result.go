package deduplication

import (
	"fmt"

	"github.com/skywatch/corroborate/internal/ai"
	"github.com/skywatch/corroborate/internal/embedding"
	"github.com/skywatch/corroborate/internal/types"
)

// RunResult is everything a run produced.
type RunResult struct {
	RunID string `json:"run_id"`

	// Incidents are the live roots touched by the run, ordered by OccurredAt then ID.
	Incidents []*types.Incident `json:"incidents"`

	// Pairs records how every compared pair was resolved.
	Pairs []PairOutcome `json:"pairs"`

	// MergeEvents are the audit records of merges committed during the run.
	MergeEvents []*types.MergeEvent `json:"merge_events"`

	// Skipped lists candidates that were not ingested, with the reason.
	Skipped []SkippedCandidate `json:"skipped,omitempty"`

	Stats RunStats `json:"stats"`
}

// SkippedCandidate is a candidate the run did not ingest.
type SkippedCandidate struct {
	// Index is the position in the input slice
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
	// AlreadyIngested is true when the candidate was consumed by an earlier run.
	AlreadyIngested bool `json:"already_ingested,omitempty"`
}

// PairOutcome records the resolution of one comparison pair.
type PairOutcome struct {
	Key            string          `json:"key"`
	A              string          `json:"a"`
	B              string          `json:"b"`
	DistanceKm     float64         `json:"distance_km"`
	TimeDeltaHours float64         `json:"time_delta_hours"`
	State          ai.PairState    `json:"state"`
	Tier           types.MergeTier `json:"tier"`

	// Tier 2
	Score float64        `json:"score,omitempty"`
	Band  embedding.Band `json:"band,omitempty"`

	// Tier 3
	Verdict    ai.Verdict `json:"verdict,omitempty"`
	Confidence float64    `json:"confidence,omitempty"`
	Rule       string     `json:"rule,omitempty"`

	Degraded bool   `json:"degraded,omitempty"`
	Note     string `json:"note,omitempty"`
}

// RunStats provides metrics about a run
type RunStats struct {
	// TotalCandidates is the number of candidates handed to the run
	TotalCandidates int `json:"total_candidates"`
	// ValidCandidates were ingested
	ValidCandidates int `json:"valid_candidates"`
	// InvalidCandidates failed validation and were skipped
	InvalidCandidates int `json:"invalid_candidates"`
	// AlreadyIngested were consumed by an earlier run
	AlreadyIngested int `json:"already_ingested"`

	// UniqueFingerprints is the number of distinct fingerprints among valid candidates
	UniqueFingerprints int `json:"unique_fingerprints"`
	// Tier1Merges counts incidents folded by fingerprint collision
	Tier1Merges int `json:"tier1_merges"`

	// PairsEvaluated is the number of proximity pairs sent to Tier 2
	PairsEvaluated   int `json:"pairs_evaluated"`
	Tier2AutoMerges  int `json:"tier2_auto_merges"`
	Tier2Borderline  int `json:"tier2_borderline"`
	Tier2Distinct    int `json:"tier2_distinct"`
	Tier2Degraded    int `json:"tier2_degraded"`
	Tier3Escalations int `json:"tier3_escalations"`
	Tier3Confirmed   int `json:"tier3_confirmed"`
	// Tier3Unique counts validated replies that did not clear the acceptance bar
	Tier3Unique      int `json:"tier3_unique"`
	Tier3Rejected    int `json:"tier3_rejected"`
	Tier3Unavailable int `json:"tier3_unavailable"`

	// MergeConflicts counts version conflicts resolved by retry
	MergeConflicts int `json:"merge_conflicts"`
	// MergeConflictsExhausted counts merges abandoned after the retry budget
	MergeConflictsExhausted int `json:"merge_conflicts_exhausted"`
	// MergeFailures counts merges abandoned on storage errors
	MergeFailures int `json:"merge_failures"`
	MergesApplied int `json:"merges_applied"`

	IncidentsOut     int     `json:"incidents_out"`
	MergeRatePercent float64 `json:"merge_rate_percent"`
	// Degraded is set when every provider call failed and Tier 1 merged nothing
	Degraded         bool  `json:"degraded"`
	ProcessingTimeMs int64 `json:"processing_time_ms"`
}

// Validate checks that the statistics are internally consistent
func (s *RunStats) Validate() error {
	if s.TotalCandidates != s.ValidCandidates+s.InvalidCandidates+s.AlreadyIngested {
		return fmt.Errorf("total_candidates (%d) does not match valid + invalid + already_ingested (%d)",
			s.TotalCandidates, s.ValidCandidates+s.InvalidCandidates+s.AlreadyIngested)
	}
	if s.UniqueFingerprints > s.ValidCandidates {
		return fmt.Errorf("unique_fingerprints (%d) exceeds valid_candidates (%d)",
			s.UniqueFingerprints, s.ValidCandidates)
	}
	if s.ValidCandidates > 0 && s.UniqueFingerprints == 0 {
		return fmt.Errorf("unique_fingerprints cannot be 0 with %d valid candidates", s.ValidCandidates)
	}
	tier2 := s.Tier2AutoMerges + s.Tier2Borderline + s.Tier2Distinct + s.Tier2Degraded
	if s.PairsEvaluated != tier2 {
		return fmt.Errorf("pairs_evaluated (%d) does not match sum of tier 2 outcomes (%d)",
			s.PairsEvaluated, tier2)
	}
	if s.Tier3Escalations > s.Tier2Borderline {
		return fmt.Errorf("tier3_escalations (%d) exceeds tier2_borderline (%d)",
			s.Tier3Escalations, s.Tier2Borderline)
	}
	tier3 := s.Tier3Confirmed + s.Tier3Unique + s.Tier3Rejected + s.Tier3Unavailable
	if s.Tier3Escalations != tier3 {
		return fmt.Errorf("tier3_escalations (%d) does not match sum of tier 3 outcomes (%d)",
			s.Tier3Escalations, tier3)
	}
	if s.MergeConflictsExhausted > s.MergeConflicts {
		return fmt.Errorf("merge_conflicts_exhausted (%d) exceeds merge_conflicts (%d)",
			s.MergeConflictsExhausted, s.MergeConflicts)
	}
	if s.ValidCandidates > 0 && s.IncidentsOut == 0 {
		return fmt.Errorf("incidents_out cannot be 0 with %d valid candidates", s.ValidCandidates)
	}
	if s.MergeRatePercent < 0 {
		return fmt.Errorf("merge_rate_percent cannot be negative (got %.2f)", s.MergeRatePercent)
	}
	if s.Degraded && s.Tier1Merges > 0 {
		return fmt.Errorf("a run with %d tier 1 merges cannot be degraded", s.Tier1Merges)
	}
	return nil
}

// Validate checks the result against its statistics
func (r *RunResult) Validate() error {
	if err := r.Stats.Validate(); err != nil {
		return err
	}
	if r.Stats.IncidentsOut != len(r.Incidents) {
		return fmt.Errorf("stats.incidents_out (%d) does not match incidents length (%d)",
			r.Stats.IncidentsOut, len(r.Incidents))
	}
	if r.Stats.PairsEvaluated > len(r.Pairs) {
		return fmt.Errorf("stats.pairs_evaluated (%d) exceeds recorded pairs (%d)",
			r.Stats.PairsEvaluated, len(r.Pairs))
	}
	if r.Stats.MergesApplied != countAbsorbed(r.MergeEvents) {
		return fmt.Errorf("stats.merges_applied (%d) does not match absorbed ids in merge events (%d)",
			r.Stats.MergesApplied, countAbsorbed(r.MergeEvents))
	}
	if got := len(r.Skipped); got != r.Stats.InvalidCandidates+r.Stats.AlreadyIngested {
		return fmt.Errorf("skipped (%d) does not match invalid + already_ingested (%d)",
			got, r.Stats.InvalidCandidates+r.Stats.AlreadyIngested)
	}
	for _, inc := range r.Incidents {
		if inc.IsAbsorbed() {
			return fmt.Errorf("incident %s in output is absorbed into %s", inc.ID, inc.AbsorbedInto)
		}
	}
	return nil
}

func countAbsorbed(evs []*types.MergeEvent) int {
	n := 0
	for _, ev := range evs {
		n += len(ev.AbsorbedIDs)
	}
	return n
}

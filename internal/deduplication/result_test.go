package deduplication

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skywatch/corroborate/internal/types"
)

func consistentStats() RunStats {
	return RunStats{
		TotalCandidates:    10,
		ValidCandidates:    8,
		InvalidCandidates:  1,
		AlreadyIngested:    1,
		UniqueFingerprints: 6,
		Tier1Merges:        2,
		PairsEvaluated:     5,
		Tier2AutoMerges:    1,
		Tier2Borderline:    2,
		Tier2Distinct:      1,
		Tier2Degraded:      1,
		Tier3Escalations:   2,
		Tier3Confirmed:     1,
		Tier3Rejected:      1,
		MergeConflicts:     3,
		MergesApplied:      4,
		IncidentsOut:       4,
		MergeRatePercent:   40,
	}
}

func TestRunStatsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *RunStats)
		wantErr string
	}{
		{
			name:   "consistent",
			mutate: func(s *RunStats) {},
		},
		{
			name:    "totals do not add up",
			mutate:  func(s *RunStats) { s.TotalCandidates = 11 },
			wantErr: "total_candidates",
		},
		{
			name:    "more fingerprints than candidates",
			mutate:  func(s *RunStats) { s.UniqueFingerprints = 9 },
			wantErr: "unique_fingerprints (9) exceeds",
		},
		{
			name:    "no fingerprints with candidates",
			mutate:  func(s *RunStats) { s.UniqueFingerprints = 0 },
			wantErr: "unique_fingerprints cannot be 0",
		},
		{
			name:    "tier 2 outcomes do not add up",
			mutate:  func(s *RunStats) { s.Tier2Distinct = 3 },
			wantErr: "sum of tier 2 outcomes",
		},
		{
			name: "more escalations than borderline pairs",
			mutate: func(s *RunStats) {
				s.Tier3Escalations = 3
				s.Tier3Unavailable = 1
			},
			wantErr: "exceeds tier2_borderline",
		},
		{
			name:    "tier 3 outcomes do not add up",
			mutate:  func(s *RunStats) { s.Tier3Unique = 1 },
			wantErr: "sum of tier 3 outcomes",
		},
		{
			name:    "exhausted exceeds conflicts",
			mutate:  func(s *RunStats) { s.MergeConflictsExhausted = 4 },
			wantErr: "merge_conflicts_exhausted",
		},
		{
			name:    "no incidents out",
			mutate:  func(s *RunStats) { s.IncidentsOut = 0 },
			wantErr: "incidents_out cannot be 0",
		},
		{
			name:    "negative merge rate",
			mutate:  func(s *RunStats) { s.MergeRatePercent = -1 },
			wantErr: "merge_rate_percent",
		},
		{
			name:    "degraded with tier 1 merges",
			mutate:  func(s *RunStats) { s.Degraded = true },
			wantErr: "cannot be degraded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := consistentStats()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRunResultValidate(t *testing.T) {
	live := &types.Incident{ID: "a"}
	absorbed := &types.Incident{ID: "b", AbsorbedInto: "a"}

	valid := func() *RunResult {
		return &RunResult{
			Incidents:   []*types.Incident{live},
			MergeEvents: []*types.MergeEvent{{PrimaryID: "a", AbsorbedIDs: []string{"b"}}},
			Stats: RunStats{
				TotalCandidates:    2,
				ValidCandidates:    2,
				UniqueFingerprints: 1,
				Tier1Merges:        1,
				MergesApplied:      1,
				IncidentsOut:       1,
				MergeRatePercent:   50,
			},
		}
	}

	require.NoError(t, valid().Validate())

	r := valid()
	r.Incidents = append(r.Incidents, absorbed)
	r.Stats.IncidentsOut = 2
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is absorbed into a")

	r = valid()
	r.Stats.MergesApplied = 2
	err = r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merges_applied")

	r = valid()
	r.Skipped = []SkippedCandidate{{Index: 0, Reason: "invalid"}}
	err = r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "skipped")
}

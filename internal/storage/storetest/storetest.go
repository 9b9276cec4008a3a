// Package storetest is a conformance suite run against every storage.Store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skywatch/corroborate/internal/storage"
	"github.com/skywatch/corroborate/internal/types"
)

var base = time.Date(2025, 9, 22, 20, 30, 0, 0, time.UTC)

// Incident builds a valid single-source incident for tests.
func Incident(id string, offset time.Duration) *types.Incident {
	inc := types.IncidentFromCandidate(types.Candidate{
		ID:         id,
		Title:      "Drone over " + id,
		Narrative:  "A drone was observed near " + id + ".",
		OccurredAt: base.Add(offset),
		Location:   types.Location{Lat: 55.6181, Lon: 12.6561, Precise: true},
		Country:    "dk",
		AssetType:  "Airport",
		Source: types.SourceRef{
			URL:         "https://example.dk/" + id,
			Name:        "Example",
			Kind:        types.KindMedia,
			TrustWeight: 2,
			PublishedAt: base.Add(offset + time.Minute),
		},
	})
	inc.EvidenceScore = types.EvidenceReported
	return inc
}

// Run exercises a Store implementation. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, newStore(t)) })
	t.Run("ConcurrentCompareAndSwap", func(t *testing.T) { testConcurrentCAS(t, newStore(t)) })
	t.Run("ListIncidents", func(t *testing.T) { testListIncidents(t, newStore(t)) })
	t.Run("MergeEvents", func(t *testing.T) { testMergeEvents(t, newStore(t)) })
	t.Run("RejectedVerdicts", func(t *testing.T) { testRejectedVerdicts(t, newStore(t)) })
	t.Run("ReturnsCopies", func(t *testing.T) { testReturnsCopies(t, newStore(t)) })
}

func testCreateAndGet(t *testing.T, s storage.Store) {
	ctx := context.Background()
	inc := Incident("cph-1", 0)
	require.NoError(t, s.CreateIncident(ctx, inc))
	assert.Equal(t, int64(1), inc.Version)

	got, err := s.GetIncident(ctx, "cph-1")
	require.NoError(t, err)
	assert.Equal(t, inc.ID, got.ID)
	assert.Equal(t, inc.Title, got.Title)
	assert.Equal(t, "DK", got.Country)
	assert.Equal(t, "airport", got.AssetType)
	assert.True(t, inc.OccurredAt.Equal(got.OccurredAt))
	assert.InDelta(t, 55.6181, got.Location.Lat, 1e-9)
	assert.True(t, got.Location.Precise)
	assert.Equal(t, types.EvidenceReported, got.EvidenceScore)
	assert.Equal(t, []string{"cph-1"}, got.Constituents)
	assert.Equal(t, int64(1), got.Version)
	require.Len(t, got.Sources, 1)
	assert.Equal(t, "https://example.dk/cph-1", got.Sources[0].URL)
	assert.Equal(t, types.KindMedia, got.Sources[0].Kind)
	assert.True(t, base.Add(time.Minute).Equal(got.Sources[0].PublishedAt))
	assert.Equal(t, inc.Narrative, got.Sources[0].Text)
}

func testCreateDuplicate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateIncident(ctx, Incident("a", 0)))
	err := s.CreateIncident(ctx, Incident("a", 0))
	assert.True(t, errors.Is(err, storage.ErrAlreadyExists), "got %v", err)
}

func testGetMissing(t *testing.T, s storage.Store) {
	_, err := s.GetIncident(context.Background(), "nope")
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)

	inc := Incident("ghost", 0)
	err = s.CompareAndSwap(context.Background(), inc, 1)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
}

func testCompareAndSwap(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateIncident(ctx, Incident("a", 0)))

	got, err := s.GetIncident(ctx, "a")
	require.NoError(t, err)
	got.Sources = append(got.Sources, types.SourceRef{
		URL: "https://politi.dk/1", Name: "Politi", Kind: types.KindPolice, TrustWeight: 4,
	})
	types.SortSources(got.Sources)
	got.EvidenceScore = types.EvidenceOfficial
	require.NoError(t, s.CompareAndSwap(ctx, got, 1))
	assert.Equal(t, int64(2), got.Version)

	stale, err := s.GetIncident(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stale.Version)
	assert.Len(t, stale.Sources, 2)
	assert.Equal(t, types.EvidenceOfficial, stale.EvidenceScore)

	stale.Title = "changed"
	err = s.CompareAndSwap(ctx, stale, 1)
	assert.True(t, errors.Is(err, storage.ErrVersionConflict), "got %v", err)

	after, err := s.GetIncident(ctx, "a")
	require.NoError(t, err)
	assert.NotEqual(t, "changed", after.Title, "conflicting write must not land")

	// Tombstone.
	after.AbsorbedInto = "b"
	require.NoError(t, s.CompareAndSwap(ctx, after, 2))
	tomb, err := s.GetIncident(ctx, "a")
	require.NoError(t, err)
	assert.True(t, tomb.IsAbsorbed())
	assert.Equal(t, "b", tomb.AbsorbedInto)
}

func testConcurrentCAS(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateIncident(ctx, Incident("target", 0)))

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inc := Incident("target", 0)
			inc.Title = fmt.Sprintf("writer %d", i)
			err := s.CompareAndSwap(ctx, inc, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, storage.ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins, "exactly one writer may win a version")
	assert.Equal(t, writers-1, conflicts)
}

func testListIncidents(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateIncident(ctx, Incident("old", -72*time.Hour)))
	require.NoError(t, s.CreateIncident(ctx, Incident("b-recent", -2*time.Hour)))
	require.NoError(t, s.CreateIncident(ctx, Incident("a-recent", -2*time.Hour)))
	absorbed := Incident("gone", -time.Hour)
	absorbed.AbsorbedInto = "a-recent"
	require.NoError(t, s.CreateIncident(ctx, absorbed))

	all, err := s.ListIncidents(ctx, storage.Filter{IncludeAbsorbed: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "a-recent", "b-recent", "gone"}, ids(all))

	live, err := s.ListIncidents(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "a-recent", "b-recent"}, ids(live))

	recent, err := s.ListIncidents(ctx, storage.Filter{Since: base.Add(-24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a-recent", "b-recent"}, ids(recent))

	limited, err := s.ListIncidents(ctx, storage.Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := s.ListIncidents(ctx, storage.Filter{Country: "SE"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testMergeEvents(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ev1 := &types.MergeEvent{ID: "e1", RunID: "r1", PrimaryID: "a", AbsorbedIDs: []string{"b"},
		Tier: types.TierFingerprint, Confidence: 1, CreatedAt: base}
	ev2 := &types.MergeEvent{ID: "e2", RunID: "r2", PrimaryID: "c", AbsorbedIDs: []string{"a"},
		Tier: types.TierAdjudicator, Confidence: 0.9, ReasoningExcerpt: "same runway", CreatedAt: base.Add(time.Minute)}
	require.NoError(t, s.RecordMergeEvent(ctx, ev1))
	require.NoError(t, s.RecordMergeEvent(ctx, ev2))

	all, err := s.ListMergeEvents(ctx, storage.EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "e1", all[0].ID)
	assert.Equal(t, []string{"b"}, all[0].AbsorbedIDs)
	assert.Equal(t, types.TierAdjudicator, all[1].Tier)
	assert.Equal(t, "same runway", all[1].ReasoningExcerpt)

	byRun, err := s.ListMergeEvents(ctx, storage.EventFilter{RunID: "r2"})
	require.NoError(t, err)
	require.Len(t, byRun, 1)
	assert.Equal(t, "e2", byRun[0].ID)

	byIncident, err := s.ListMergeEvents(ctx, storage.EventFilter{IncidentID: "a"})
	require.NoError(t, err)
	assert.Len(t, byIncident, 2, "a is primary in e1 and absorbed in e2")
}

func testRejectedVerdicts(t *testing.T, s storage.Store) {
	ctx := context.Background()
	rv := &types.RejectedVerdict{RunID: "r1", PairKey: "a|b", Rule: "fact_override", Reason: "too far", Payload: `{"verdict":"duplicate"}`}
	require.NoError(t, s.RecordRejectedVerdict(ctx, rv))
	assert.NotZero(t, rv.ID)
	require.NoError(t, s.RecordRejectedVerdict(ctx, &types.RejectedVerdict{RunID: "r2", PairKey: "c|d", Rule: "required_fields"}))

	got, err := s.ListRejectedVerdicts(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a|b", got[0].PairKey)
	assert.Equal(t, `{"verdict":"duplicate"}`, got[0].Payload)

	all, err := s.ListRejectedVerdicts(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testReturnsCopies(t *testing.T, s storage.Store) {
	ctx := context.Background()
	inc := Incident("a", 0)
	require.NoError(t, s.CreateIncident(ctx, inc))
	inc.Sources[0].URL = "mutated"

	got, err := s.GetIncident(ctx, "a")
	require.NoError(t, err)
	got.Constituents[0] = "mutated"

	again, err := s.GetIncident(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "https://example.dk/a", again.Sources[0].URL)
	assert.Equal(t, "a", again.Constituents[0])
}

func ids(incs []*types.Incident) []string {
	out := make([]string, 0, len(incs))
	for _, inc := range incs {
		out = append(out, inc.ID)
	}
	return out
}

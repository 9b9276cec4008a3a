package events

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skywatch/corroborate/internal/storage"
	"github.com/skywatch/corroborate/internal/storage/memory"
	"github.com/skywatch/corroborate/internal/types"
)

func sampleMerge() *types.MergeEvent {
	return &types.MergeEvent{
		ID:          "ev-1",
		RunID:       "run-1",
		PrimaryID:   "a",
		AbsorbedIDs: []string{"b"},
		Tier:        types.TierAdjudicator,
		Confidence:  0.88,
		CreatedAt:   time.Date(2025, 9, 22, 21, 0, 0, 0, time.UTC),
	}
}

func TestJSONTagsSnakeCase(t *testing.T) {
	event, err := NewRunCompletedEvent("run-1", RunCompletedData{
		TotalCandidates: 4, IncidentsOut: 2, MergesApplied: 2, MergeRatePercent: 50, ProcessingTimeMs: 12,
	})
	require.NoError(t, err)
	for _, key := range []string{"total_candidates", "incidents_out", "merges_applied", "merge_rate_percent", "processing_time_ms"} {
		assert.Contains(t, event.Data, key)
	}
}

func TestConstructorsRoundTripData(t *testing.T) {
	started, err := NewRunStartedEvent("run-1", RunStartedData{CandidateCount: 7, ExistingCount: 3})
	require.NoError(t, err)
	assert.Equal(t, EventTypeRunStarted, started.Type)
	sd, err := started.GetRunStartedData()
	require.NoError(t, err)
	assert.Equal(t, 7, sd.CandidateCount)
	assert.Equal(t, 3, sd.ExistingCount)

	merged, err := NewMergeCommittedEvent(sampleMerge())
	require.NoError(t, err)
	assert.Equal(t, "run-1", merged.RunID)
	md, err := merged.GetMergeCommittedData()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, md.AbsorbedIDs)
	assert.Equal(t, types.TierAdjudicator, md.Tier)
	assert.InDelta(t, 0.88, md.Confidence, 1e-9)

	rejected, err := NewVerdictRejectedEvent("run-1", VerdictRejectedData{PairKey: "a|b", Rule: "fact_override", Reason: "too far"})
	require.NoError(t, err)
	assert.Equal(t, SeverityWarning, rejected.Severity)
	rd, err := rejected.GetVerdictRejectedData()
	require.NoError(t, err)
	assert.Equal(t, "fact_override", rd.Rule)

	degraded, err := NewProviderDegradedEvent("run-1", ProviderDegradedData{Tier: types.TierEmbedding, PairKey: "a|b", Error: "timeout"})
	require.NoError(t, err)
	dd, err := degraded.GetProviderDegradedData()
	require.NoError(t, err)
	assert.Equal(t, types.TierEmbedding, dd.Tier)

	conflict := NewMergeConflictEvent("run-1", "a|b", errors.New("exhausted"))
	assert.Equal(t, SeverityError, conflict.Severity)
	assert.Equal(t, "a|b", conflict.Data["pair_key"])
}

func TestRunCompletedSeverity(t *testing.T) {
	ok, err := NewRunCompletedEvent("r", RunCompletedData{})
	require.NoError(t, err)
	assert.Equal(t, SeverityInfo, ok.Severity)

	degraded, err := NewRunCompletedEvent("r", RunCompletedData{Degraded: true})
	require.NoError(t, err)
	assert.Equal(t, SeverityWarning, degraded.Severity)
	assert.Contains(t, degraded.Message, "degraded")
	data, err := degraded.GetRunCompletedData()
	require.NoError(t, err)
	assert.True(t, data.Degraded)
}

func TestStoreSink(t *testing.T) {
	store := memory.New()
	sink := NewStoreSink(store)
	require.NoError(t, sink.Emit(context.Background(), sampleMerge()))

	got, err := store.ListMergeEvents(context.Background(), storage.EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ev-1", got[0].ID)
}

func TestMemorySinkCopiesAndFilters(t *testing.T) {
	sink := NewMemorySink()
	ev := sampleMerge()
	require.NoError(t, sink.Emit(context.Background(), ev))
	ev.AbsorbedIDs[0] = "mutated"
	assert.Equal(t, []string{"b"}, sink.MergeEvents()[0].AbsorbedIDs)

	a, _ := NewRunStartedEvent("run-1", RunStartedData{})
	b, _ := NewRunStartedEvent("run-2", RunStartedData{})
	c, _ := NewVerdictRejectedEvent("run-2", VerdictRejectedData{PairKey: "x|y"})
	for _, e := range []*Event{a, b, c} {
		require.NoError(t, sink.Record(context.Background(), e))
	}
	assert.Len(t, sink.Events(EventFilter{}), 3)
	assert.Len(t, sink.Events(EventFilter{RunID: "run-2"}), 2)
	assert.Len(t, sink.Events(EventFilter{Type: EventTypeVerdictRejected}), 1)
	assert.Len(t, sink.Events(EventFilter{Severity: SeverityWarning}), 1)
	assert.Len(t, sink.Events(EventFilter{Limit: 2}), 2)
}

func TestJSONLRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)
	ctx := context.Background()

	started, err := NewRunStartedEvent("run-1", RunStartedData{CandidateCount: 2})
	require.NoError(t, err)
	require.NoError(t, w.Record(ctx, started))
	require.NoError(t, w.Emit(ctx, sampleMerge()))

	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))

	all, err := ReadJSONL(bytes.NewReader(buf.Bytes()), EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, EventTypeRunStarted, all[0].Type)
	assert.Equal(t, EventTypeMergeCommitted, all[1].Type)

	md, err := all[1].GetMergeCommittedData()
	require.NoError(t, err)
	assert.Equal(t, "a", md.PrimaryID)

	merges, err := ReadJSONL(bytes.NewReader(buf.Bytes()), EventFilter{Type: EventTypeMergeCommitted})
	require.NoError(t, err)
	assert.Len(t, merges, 1)
}

func TestReadJSONLReportsLine(t *testing.T) {
	_, err := ReadJSONL(strings.NewReader("{\"id\":\"a\"}\n\nnot json\n"), EventFilter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}

type failingSink struct{ err error }

func (f failingSink) Emit(context.Context, *types.MergeEvent) error { return f.err }
func (f failingSink) Record(context.Context, *Event) error          { return f.err }

func TestMultiSinkJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	mem := NewMemorySink()
	multi := MultiSink{mem, failingSink{err: boom}}

	err := multi.Emit(context.Background(), sampleMerge())
	assert.ErrorIs(t, err, boom)
	assert.Len(t, mem.MergeEvents(), 1, "healthy sinks still receive the event")

	journal := MultiJournal{mem, failingSink{err: boom}}
	e, _ := NewRunStartedEvent("r", RunStartedData{})
	assert.ErrorIs(t, journal.Record(context.Background(), e), boom)
	assert.Len(t, mem.Events(EventFilter{}), 1)
}

package deduplication

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skywatch/corroborate/internal/ai"
	"github.com/skywatch/corroborate/internal/embedding"
	"github.com/skywatch/corroborate/internal/events"
	"github.com/skywatch/corroborate/internal/logging"
	"github.com/skywatch/corroborate/internal/retry"
	"github.com/skywatch/corroborate/internal/storage"
	"github.com/skywatch/corroborate/internal/storage/memory"
	"github.com/skywatch/corroborate/internal/types"
)

// base is 20:00 UTC, inside the 18:00-24:00 bucket.
var base = time.Date(2025, 9, 22, 20, 0, 0, 0, time.UTC)

const (
	narrDanish  = "Politiet bekræfter at droner blev observeret over Københavns Lufthavn"
	narrEnglish = "Copenhagen Airport closed for hours after drones were seen over the runway"
	narrOther   = "Residents in Amager reported lights moving slowly above the harbour"
)

var (
	vecA          = []float32{1, 0}
	vecBorderline = []float32{0.85, 0.5268} // cosine 0.85 against vecA
	vecOrthogonal = []float32{0, 1}
)

// fakeEmbedder returns fixed vectors keyed by normalized text.
type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	err     error
	block   bool
	calls   int
}

func newFakeEmbedder(vectors map[string][]float32) *fakeEmbedder {
	normalized := make(map[string][]float32, len(vectors))
	for text, v := range vectors {
		normalized[embedding.NormalizeText(text)] = v
	}
	return &fakeEmbedder{vectors: normalized}
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := f.vectors[t]
		if !ok {
			v = vecOrthogonal
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeLLM returns one canned reply.
type fakeLLM struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (f *fakeLLM) Complete(ctx context.Context, prompt, operation string, maxTokens int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeLLM) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	store   storage.Store
	journal *events.MemorySink
	engine  *Engine
}

func newHarness(t *testing.T, cfg Config, emb *fakeEmbedder, llm *fakeLLM, exec *retry.Executor) *harness {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	journal := events.NewMemorySink()
	deps := Dependencies{
		Store:         store,
		EmbedExecutor: exec,
		Journal:       journal,
		Logger:        logging.Discard(),
	}
	if emb != nil {
		deps.Embedder = emb
	}
	if llm != nil {
		deps.LLM = llm
	}
	engine, err := NewEngine(cfg, deps)
	require.NoError(t, err)
	return &harness{store: store, journal: journal, engine: engine}
}

func candidate(url string, kind types.SourceKind, lat, lon float64, at time.Time, asset, narrative string) types.Candidate {
	return types.Candidate{
		Title:      "Drones over Copenhagen Airport",
		Narrative:  narrative,
		OccurredAt: at,
		Location:   types.Location{Lat: lat, Lon: lon, Precise: true},
		Country:    "DK",
		AssetType:  asset,
		Source: types.SourceRef{
			URL:         url,
			Name:        "test",
			Kind:        kind,
			PublishedAt: at,
		},
	}
}

func idOf(c types.Candidate) string {
	c.EnsureID()
	return c.ID
}

const duplicateReply = `{"verdict": "duplicate", "confidence": 0.97, "reasoning": "Both reports place drones over the Copenhagen Airport runways on the same night"}`

func TestRunAdjudicatorConfirmsBorderlinePair(t *testing.T) {
	// Same 0.01 cell, 19 hours apart: different buckets, so Tier 1 cannot see it.
	a := candidate("https://dr.dk/a", types.KindMedia, 55.676, 12.568, base, "airport", narrDanish)
	b := candidate("https://tv2.dk/b", types.KindVerifiedMedia, 55.677, 12.569, base.Add(19*time.Hour), "airport", narrEnglish)

	emb := newFakeEmbedder(map[string][]float32{narrDanish: vecA, narrEnglish: vecBorderline})
	llm := &fakeLLM{reply: duplicateReply}
	cfg := DefaultConfig()
	cfg.Validator.MaxTimeDelta = 24 * time.Hour
	h := newHarness(t, cfg, emb, llm, nil)

	res, err := h.engine.Run(context.Background(), []types.Candidate{a, b})
	require.NoError(t, err)

	require.Len(t, res.Incidents, 1)
	inc := res.Incidents[0]
	assert.Equal(t, idOf(a), inc.ID)
	assert.Len(t, inc.Sources, 2)
	assert.Equal(t, 2, inc.MergedFromCount)
	assert.Equal(t, types.EvidenceVerified, inc.EvidenceScore)
	assert.Equal(t, base, inc.OccurredAt)
	assert.Equal(t, base.Add(19*time.Hour), inc.LastSeen)

	s := res.Stats
	assert.Equal(t, 0, s.Tier1Merges)
	assert.Equal(t, 1, s.PairsEvaluated)
	assert.Equal(t, 1, s.Tier2Borderline)
	assert.Equal(t, 1, s.Tier3Escalations)
	assert.Equal(t, 1, s.Tier3Confirmed)
	assert.Equal(t, 1, s.MergesApplied)
	assert.Equal(t, 50.0, s.MergeRatePercent)
	assert.False(t, s.Degraded)

	require.Len(t, res.Pairs, 1)
	p := res.Pairs[0]
	assert.Equal(t, ai.PairMerged, p.State)
	assert.Equal(t, types.TierAdjudicator, p.Tier)
	assert.Equal(t, embedding.BandBorderline, p.Band)
	assert.InDelta(t, 0.95, p.Confidence, 1e-9, "confidence is clamped")
	assert.InDelta(t, 19.0, p.TimeDeltaHours, 1e-9)

	require.Len(t, res.MergeEvents, 1)
	assert.Equal(t, types.TierAdjudicator, res.MergeEvents[0].Tier)
	assert.Equal(t, []string{idOf(b)}, res.MergeEvents[0].AbsorbedIDs)
	assert.Equal(t, 1, llm.Calls())

	tomb, err := h.store.GetIncident(context.Background(), idOf(b))
	require.NoError(t, err)
	assert.Equal(t, idOf(a), tomb.AbsorbedInto)

	stored, err := h.store.ListMergeEvents(context.Background(), storage.EventFilter{RunID: res.RunID})
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestRunFactOverrideRejectsTimeDelta(t *testing.T) {
	a := candidate("https://dr.dk/a", types.KindMedia, 55.676, 12.568, base, "airport", narrDanish)
	b := candidate("https://tv2.dk/b", types.KindVerifiedMedia, 55.677, 12.569, base.Add(19*time.Hour), "airport", narrEnglish)

	emb := newFakeEmbedder(map[string][]float32{narrDanish: vecA, narrEnglish: vecBorderline})
	llm := &fakeLLM{reply: duplicateReply}
	h := newHarness(t, DefaultConfig(), emb, llm, nil)

	res, err := h.engine.Run(context.Background(), []types.Candidate{a, b})
	require.NoError(t, err)

	assert.Len(t, res.Incidents, 2)
	assert.Equal(t, 1, res.Stats.Tier3Rejected)
	assert.Equal(t, 0, res.Stats.MergesApplied)

	p := res.Pairs[0]
	assert.Equal(t, ai.PairDistinct, p.State)
	assert.Equal(t, ai.RuleFactOverride, p.Rule)
	assert.Equal(t, ai.VerdictUnique, p.Verdict)

	rejected, err := h.store.ListRejectedVerdicts(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, ai.RuleFactOverride, rejected[0].Rule)
	assert.Equal(t, duplicateReply, rejected[0].Payload)
	assert.Equal(t, p.Key, rejected[0].PairKey)

	journaled := h.journal.Events(events.EventFilter{RunID: res.RunID, Type: events.EventTypeVerdictRejected})
	require.Len(t, journaled, 1)
	data, err := journaled[0].GetVerdictRejectedData()
	require.NoError(t, err)
	assert.Equal(t, ai.RuleFactOverride, data.Rule)
}

func TestRunFactOverrideRejectsDistance(t *testing.T) {
	// About 2 km apart: inside the pairing radius, outside the 500 m ceiling.
	a := candidate("https://dr.dk/a", types.KindMedia, 55.676, 12.568, base, "airport", narrDanish)
	b := candidate("https://tv2.dk/b", types.KindMedia, 55.694, 12.568, base.Add(10*time.Minute), "airport", narrEnglish)

	emb := newFakeEmbedder(map[string][]float32{narrDanish: vecA, narrEnglish: vecBorderline})
	llm := &fakeLLM{reply: `{"verdict": "duplicate", "confidence": 0.9, "reasoning": "Both describe drone activity over the airport in the same hour"}`}
	h := newHarness(t, DefaultConfig(), emb, llm, nil)

	res, err := h.engine.Run(context.Background(), []types.Candidate{a, b})
	require.NoError(t, err)

	assert.Len(t, res.Incidents, 2)
	require.Len(t, res.Pairs, 1)
	assert.InDelta(t, 2.0, res.Pairs[0].DistanceKm, 0.1)
	assert.Equal(t, ai.RuleFactOverride, res.Pairs[0].Rule)
	assert.Contains(t, res.Pairs[0].Note, "exceeds 500m ceiling")
	assert.Equal(t, 1, res.Stats.Tier3Rejected)
}

func TestRunLowConfidenceStaysUnique(t *testing.T) {
	// Same place and time, different asset types: separate fingerprints.
	a := candidate("https://dr.dk/a", types.KindMedia, 55.676, 12.568, base, "airport", narrDanish)
	b := candidate("https://tv2.dk/b", types.KindMedia, 55.676, 12.568, base, "military", narrEnglish)

	emb := newFakeEmbedder(map[string][]float32{narrDanish: vecA, narrEnglish: vecBorderline})
	llm := &fakeLLM{reply: `{"verdict": "duplicate", "confidence": 0.35, "reasoning": "Same coordinates but one report concerns a military installation"}`}
	h := newHarness(t, DefaultConfig(), emb, llm, nil)

	res, err := h.engine.Run(context.Background(), []types.Candidate{a, b})
	require.NoError(t, err)

	assert.Len(t, res.Incidents, 2)
	assert.Equal(t, 2, res.Stats.UniqueFingerprints)
	assert.Equal(t, 1, res.Stats.Tier3Unique)
	assert.Equal(t, 0, res.Stats.Tier3Confirmed)
	assert.Equal(t, ai.PairDistinct, res.Pairs[0].State)
	assert.Equal(t, ai.VerdictUnique, res.Pairs[0].Verdict)
	assert.InDelta(t, 0.35, res.Pairs[0].Confidence, 1e-9)
}

func TestRunBucketBoundaries(t *testing.T) {
	day := time.Date(2025, 9, 22, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name          string
		first, second time.Duration
		wantTier1     int
		wantPairs     int
		wantEmbedCall bool
	}{
		{
			name:      "13:59 and 14:01 share the 12-18 bucket",
			first:     13*time.Hour + 59*time.Minute,
			second:    14*time.Hour + 1*time.Minute,
			wantTier1: 1,
			wantPairs: 0,
		},
		{
			name:          "11:59 and 12:01 straddle a boundary",
			first:         11*time.Hour + 59*time.Minute,
			second:        12*time.Hour + 1*time.Minute,
			wantTier1:     0,
			wantPairs:     1,
			wantEmbedCall: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := candidate("https://dr.dk/a", types.KindMedia, 55.6761, 12.5681, day.Add(tt.first), "airport", narrDanish)
			b := candidate("https://tv2.dk/b", types.KindMedia, 55.6762, 12.5682, day.Add(tt.second), "airport", narrEnglish)

			emb := newFakeEmbedder(map[string][]float32{narrDanish: vecA, narrEnglish: vecA})
			llm := &fakeLLM{reply: duplicateReply}
			h := newHarness(t, DefaultConfig(), emb, llm, nil)

			res, err := h.engine.Run(context.Background(), []types.Candidate{a, b})
			require.NoError(t, err)

			assert.Len(t, res.Incidents, 1, "both paths end in one incident")
			assert.Equal(t, tt.wantTier1, res.Stats.Tier1Merges)
			assert.Equal(t, tt.wantPairs, res.Stats.PairsEvaluated)
			assert.Equal(t, tt.wantEmbedCall, emb.Calls() > 0)
			assert.Equal(t, 0, llm.Calls())
			assert.Equal(t, 1, res.Stats.MergesApplied)
		})
	}
}

func TestRunTier1MakesNoExternalCalls(t *testing.T) {
	cands := []types.Candidate{
		candidate("https://dr.dk/a", types.KindMedia, 55.676, 12.568, base, "airport", narrDanish),
		candidate("https://tv2.dk/b", types.KindSocial, 55.676, 12.568, base.Add(5*time.Minute), "airport", narrEnglish),
		candidate("https://x.com/c", types.KindSocial, 55.676, 12.568, base.Add(30*time.Minute), "airport", narrOther),
	}
	emb := newFakeEmbedder(nil)
	llm := &fakeLLM{reply: duplicateReply}
	h := newHarness(t, DefaultConfig(), emb, llm, nil)

	res, err := h.engine.Run(context.Background(), cands)
	require.NoError(t, err)

	require.Len(t, res.Incidents, 1)
	assert.Len(t, res.Incidents[0].Sources, 3)
	assert.Equal(t, 1, res.Stats.UniqueFingerprints)
	assert.Equal(t, 2, res.Stats.Tier1Merges)
	assert.Equal(t, 0, emb.Calls())
	assert.Equal(t, 0, llm.Calls())

	require.Len(t, res.MergeEvents, 1)
	ev := res.MergeEvents[0]
	assert.Equal(t, types.TierFingerprint, ev.Tier)
	assert.Equal(t, idOf(cands[0]), ev.PrimaryID)
	assert.Len(t, ev.AbsorbedIDs, 2)
	assert.Equal(t, 1.0, ev.Confidence)

	for _, c := range cands[1:] {
		tomb, err := h.store.GetIncident(context.Background(), idOf(c))
		require.NoError(t, err)
		assert.Equal(t, idOf(cands[0]), tomb.AbsorbedInto)
	}
}

func TestRunEmbeddingTimeoutDegrades(t *testing.T) {
	a := candidate("https://dr.dk/a", types.KindMedia, 55.676, 12.568, base, "airport", narrDanish)
	b := candidate("https://tv2.dk/b", types.KindMedia, 55.677, 12.569, base.Add(7*time.Hour), "airport", narrEnglish)

	emb := newFakeEmbedder(nil)
	emb.block = true
	policy := retry.DefaultPolicy()
	policy.MaxRetries = 0
	policy.Timeout = 50 * time.Millisecond
	policy.RatePerSecond = 0
	policy.CircuitBreaker.Enabled = false
	exec := retry.NewExecutor("embedding", policy, logging.Discard())

	llm := &fakeLLM{reply: duplicateReply}
	h := newHarness(t, DefaultConfig(), emb, llm, exec)

	start := time.Now()
	res, err := h.engine.Run(context.Background(), []types.Candidate{a, b})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Len(t, res.Incidents, 2)
	assert.Equal(t, 1, res.Stats.Tier2Degraded)
	assert.True(t, res.Stats.Degraded)
	assert.True(t, res.Pairs[0].Degraded)
	assert.Equal(t, ai.PairDistinct, res.Pairs[0].State)
	assert.Equal(t, 0, llm.Calls())

	degraded := h.journal.Events(events.EventFilter{RunID: res.RunID, Type: events.EventTypeProviderDegraded})
	assert.Len(t, degraded, 1)
	completed := h.journal.Events(events.EventFilter{RunID: res.RunID, Type: events.EventTypeRunCompleted})
	require.Len(t, completed, 1)
	assert.Equal(t, events.SeverityWarning, completed[0].Severity)
}

func TestRunWithoutProvidersIsDegraded(t *testing.T) {
	a := candidate("https://dr.dk/a", types.KindMedia, 55.676, 12.568, base, "airport", narrDanish)
	b := candidate("https://tv2.dk/b", types.KindMedia, 55.677, 12.569, base.Add(7*time.Hour), "airport", narrEnglish)
	h := newHarness(t, DefaultConfig(), nil, nil, nil)

	res, err := h.engine.Run(context.Background(), []types.Candidate{a, b})
	require.NoError(t, err)
	assert.Len(t, res.Incidents, 2)
	assert.True(t, res.Stats.Degraded)
	assert.Equal(t, 1, res.Stats.Tier2Degraded)
}

func TestRunTier1MergeClearsDegradedFlag(t *testing.T) {
	cands := []types.Candidate{
		candidate("https://dr.dk/a", types.KindMedia, 55.676, 12.568, base, "airport", narrDanish),
		candidate("https://tv2.dk/b", types.KindMedia, 55.676, 12.568, base.Add(10*time.Minute), "airport", narrEnglish),
		candidate("https://x.com/c", types.KindSocial, 55.677, 12.569, base.Add(7*time.Hour), "airport", narrOther),
	}
	emb := newFakeEmbedder(nil)
	emb.err = errors.New("503 service unavailable")
	h := newHarness(t, DefaultConfig(), emb, nil, nil)

	res, err := h.engine.Run(context.Background(), cands)
	require.NoError(t, err)
	assert.Len(t, res.Incidents, 2)
	assert.Equal(t, 1, res.Stats.Tier1Merges)
	assert.Equal(t, 1, res.Stats.Tier2Degraded)
	assert.False(t, res.Stats.Degraded)
}

func TestRunAdjudicatorUnavailable(t *testing.T) {
	a := candidate("https://dr.dk/a", types.KindMedia, 55.676, 12.568, base, "airport", narrDanish)
	b := candidate("https://tv2.dk/b", types.KindMedia, 55.676, 12.568, base, "military", narrEnglish)

	emb := newFakeEmbedder(map[string][]float32{narrDanish: vecA, narrEnglish: vecBorderline})
	llm := &fakeLLM{err: errors.New("rate limit exceeded")}
	h := newHarness(t, DefaultConfig(), emb, llm, nil)

	res, err := h.engine.Run(context.Background(), []types.Candidate{a, b})
	require.NoError(t, err)
	assert.Len(t, res.Incidents, 2)
	assert.Equal(t, 1, res.Stats.Tier3Unavailable)
	assert.True(t, res.Pairs[0].Degraded)
	assert.Equal(t, ai.PairDistinct, res.Pairs[0].State)
	// Tier 2 succeeded, so the run as a whole is not degraded.
	assert.False(t, res.Stats.Degraded)
}

func TestRunTier3Disabled(t *testing.T) {
	a := candidate("https://dr.dk/a", types.KindMedia, 55.676, 12.568, base, "airport", narrDanish)
	b := candidate("https://tv2.dk/b", types.KindMedia, 55.676, 12.568, base, "military", narrEnglish)

	emb := newFakeEmbedder(map[string][]float32{narrDanish: vecA, narrEnglish: vecBorderline})
	llm := &fakeLLM{reply: duplicateReply}
	cfg := DefaultConfig()
	cfg.Tier3Enabled = false
	h := newHarness(t, cfg, emb, llm, nil)

	res, err := h.engine.Run(context.Background(), []types.Candidate{a, b})
	require.NoError(t, err)
	assert.Len(t, res.Incidents, 2)
	assert.Equal(t, 1, res.Stats.Tier2Borderline)
	assert.Equal(t, 0, res.Stats.Tier3Escalations)
	assert.Equal(t, 0, llm.Calls())
	assert.Equal(t, "borderline, adjudication disabled", res.Pairs[0].Note)
}

func TestRunAppliesValidatedMergedNarrative(t *testing.T) {
	// 220 m apart in neighbouring cells, one hour apart.
	a := candidate("https://dr.dk/a", types.KindMedia, 55.676, 12.568, base, "airport", narrDanish)
	b := candidate("https://tv2.dk/b", types.KindMedia, 55.674, 12.568, base.Add(time.Hour), "airport", narrEnglish)

	merged := "Copenhagen Airport closed for hours after drones were observed over the runway, politiet bekræfter"
	emb := newFakeEmbedder(map[string][]float32{narrDanish: vecA, narrEnglish: vecBorderline})
	llm := &fakeLLM{reply: `{"verdict": "duplicate", "confidence": 0.9, "reasoning": "Both reports describe drones over Copenhagen Airport within an hour", "merged_narrative": "` + merged + `"}`}
	h := newHarness(t, DefaultConfig(), emb, llm, nil)

	res, err := h.engine.Run(context.Background(), []types.Candidate{a, b})
	require.NoError(t, err)
	require.Len(t, res.Incidents, 1)
	assert.Equal(t, merged, res.Incidents[0].Narrative)
}

func TestRunHedgedNarrativeFallsBackToLongerOriginal(t *testing.T) {
	a := candidate("https://dr.dk/a", types.KindMedia, 55.676, 12.568, base, "airport", narrDanish)
	b := candidate("https://tv2.dk/b", types.KindMedia, 55.674, 12.568, base.Add(time.Hour), "airport", narrEnglish)

	emb := newFakeEmbedder(map[string][]float32{narrDanish: vecA, narrEnglish: vecBorderline})
	llm := &fakeLLM{reply: `{"verdict": "duplicate", "confidence": 0.9, "reasoning": "Both reports describe drones over Copenhagen Airport within an hour", "merged_narrative": "Drones were probably launched from a ship near the airport"}`}
	h := newHarness(t, DefaultConfig(), emb, llm, nil)

	res, err := h.engine.Run(context.Background(), []types.Candidate{a, b})
	require.NoError(t, err)
	require.Len(t, res.Incidents, 1)
	assert.Equal(t, narrEnglish, res.Incidents[0].Narrative)
}

func TestRunMatchesAcrossRuns(t *testing.T) {
	a := candidate("https://dr.dk/a", types.KindMedia, 55.676, 12.568, base, "airport", narrDanish)
	b := candidate("https://tv2.dk/b", types.KindVerifiedMedia, 55.676, 12.568, base.Add(30*time.Minute), "airport", narrEnglish)

	emb := newFakeEmbedder(nil)
	h := newHarness(t, DefaultConfig(), emb, nil, nil)
	ctx := context.Background()

	first, err := h.engine.Run(ctx, []types.Candidate{a})
	require.NoError(t, err)
	require.Len(t, first.Incidents, 1)

	second, err := h.engine.Run(ctx, []types.Candidate{b})
	require.NoError(t, err)
	require.Len(t, second.Incidents, 1)
	assert.Equal(t, idOf(a), second.Incidents[0].ID)
	assert.Len(t, second.Incidents[0].Sources, 2)
	assert.Equal(t, 1, second.Stats.Tier1Merges)
	require.Len(t, second.MergeEvents, 1)
	assert.Equal(t, types.TierFingerprint, second.MergeEvents[0].Tier)
	assert.Equal(t, 0, emb.Calls())

	// Re-ingesting a consumed candidate is a no-op.
	third, err := h.engine.Run(ctx, []types.Candidate{a})
	require.NoError(t, err)
	assert.Empty(t, third.Incidents)
	assert.Equal(t, 1, third.Stats.AlreadyIngested)
	require.Len(t, third.Skipped, 1)
	assert.True(t, third.Skipped[0].AlreadyIngested)

	live, err := h.store.ListIncidents(ctx, storage.Filter{})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Len(t, live[0].Sources, 2)
}

func TestRunEmbeddingMergeAgainstStoredIncident(t *testing.T) {
	a := candidate("https://dr.dk/a", types.KindMedia, 55.676, 12.568, base, "airport", narrDanish)
	b := candidate("https://tv2.dk/b", types.KindMedia, 55.677, 12.569, base.Add(7*time.Hour), "airport", narrEnglish)

	emb := newFakeEmbedder(map[string][]float32{narrDanish: vecA, narrEnglish: vecA})
	h := newHarness(t, DefaultConfig(), emb, nil, nil)
	ctx := context.Background()

	_, err := h.engine.Run(ctx, []types.Candidate{a})
	require.NoError(t, err)

	res, err := h.engine.Run(ctx, []types.Candidate{b})
	require.NoError(t, err)
	require.Len(t, res.Incidents, 1)
	assert.Equal(t, idOf(a), res.Incidents[0].ID)
	assert.Equal(t, 1, res.Stats.Tier2AutoMerges)
	assert.Equal(t, types.TierEmbedding, res.MergeEvents[0].Tier)
}

func TestRunSkipsInvalidCandidates(t *testing.T) {
	valid := candidate("https://dr.dk/a", types.KindMedia, 55.676, 12.568, base, "airport", narrDanish)

	noCountry := candidate("https://dr.dk/b", types.KindMedia, 55.676, 12.568, base, "airport", narrDanish)
	noCountry.Country = ""
	badKind := candidate("https://dr.dk/c", types.SourceKind("blog"), 55.676, 12.568, base, "airport", narrDanish)
	noTime := candidate("https://dr.dk/d", types.KindMedia, 55.676, 12.568, time.Time{}, "airport", narrDanish)
	dup := valid

	cands := []types.Candidate{valid, noCountry, badKind, noTime, dup}
	h := newHarness(t, DefaultConfig(), newFakeEmbedder(nil), nil, nil)

	res, err := h.engine.Run(context.Background(), cands)
	require.NoError(t, err)

	assert.Equal(t, 5, res.Stats.TotalCandidates)
	assert.Equal(t, 1, res.Stats.ValidCandidates)
	assert.Equal(t, 4, res.Stats.InvalidCandidates)
	require.Len(t, res.Skipped, 4)
	assert.Equal(t, []int{1, 2, 3, 4}, []int{res.Skipped[0].Index, res.Skipped[1].Index, res.Skipped[2].Index, res.Skipped[3].Index})
	assert.Contains(t, res.Skipped[3].Reason, "duplicate")
	assert.Len(t, res.Incidents, 1)

	// Candidates are never mutated.
	assert.Empty(t, cands[0].ID)
	assert.Zero(t, cands[0].Source.TrustWeight)
	assert.Equal(t, 2.0, res.Incidents[0].Sources[0].TrustWeight)
}

func TestRunConcurrentMergesConverge(t *testing.T) {
	// Four reports in four different buckets, all within the window and all duplicates.
	texts := []string{narrDanish, narrEnglish, narrOther, "Drone traffic halted departures at Kastrup overnight"}
	vectors := make(map[string][]float32)
	var cands []types.Candidate
	for i, text := range texts {
		vectors[text] = vecA
		cands = append(cands, candidate(
			"https://example.com/"+string(rune('a'+i)), types.KindMedia,
			55.676, 12.568, base.Add(time.Duration(i)*6*time.Hour), "airport", text))
	}
	cfg := DefaultConfig()
	cfg.Merge.MaxRetries = 20
	h := newHarness(t, cfg, newFakeEmbedder(vectors), nil, nil)

	res, err := h.engine.Run(context.Background(), cands)
	require.NoError(t, err)

	assert.Equal(t, 6, res.Stats.PairsEvaluated)
	assert.Equal(t, 6, res.Stats.Tier2AutoMerges)
	assert.Equal(t, 0, res.Stats.MergeConflictsExhausted)
	assert.Equal(t, 3, res.Stats.MergesApplied)
	require.Len(t, res.Incidents, 1)
	assert.Equal(t, idOf(cands[0]), res.Incidents[0].ID)
	assert.Len(t, res.Incidents[0].Sources, 4)
	assert.Equal(t, 4, res.Incidents[0].MergedFromCount)
}

func TestRunJournalsLifecycle(t *testing.T) {
	h := newHarness(t, DefaultConfig(), newFakeEmbedder(nil), nil, nil)
	res, err := h.engine.Run(context.Background(), []types.Candidate{
		candidate("https://dr.dk/a", types.KindPolice, 55.676, 12.568, base, "airport", narrDanish),
	})
	require.NoError(t, err)

	started := h.journal.Events(events.EventFilter{RunID: res.RunID, Type: events.EventTypeRunStarted})
	require.Len(t, started, 1)
	sd, err := started[0].GetRunStartedData()
	require.NoError(t, err)
	assert.Equal(t, 1, sd.CandidateCount)

	completed := h.journal.Events(events.EventFilter{RunID: res.RunID, Type: events.EventTypeRunCompleted})
	require.Len(t, completed, 1)
	cd, err := completed[0].GetRunCompletedData()
	require.NoError(t, err)
	assert.Equal(t, 1, cd.IncidentsOut)
	assert.Equal(t, types.EvidenceOfficial, res.Incidents[0].EvidenceScore)
}

func TestRunEmptyBatch(t *testing.T) {
	h := newHarness(t, DefaultConfig(), newFakeEmbedder(nil), nil, nil)
	res, err := h.engine.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Incidents)
	assert.Equal(t, 0, res.Stats.TotalCandidates)
	assert.False(t, res.Stats.Degraded)
}

func TestRunCancelledContext(t *testing.T) {
	h := newHarness(t, DefaultConfig(), newFakeEmbedder(nil), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.engine.Run(ctx, []types.Candidate{
		candidate("https://dr.dk/a", types.KindMedia, 55.676, 12.568, base, "airport", narrDanish),
		candidate("https://tv2.dk/b", types.KindMedia, 55.677, 12.569, base.Add(7*time.Hour), "airport", narrEnglish),
	})
	require.Error(t, err)
}

func TestNewEngineRequiresStore(t *testing.T) {
	_, err := NewEngine(DefaultConfig(), Dependencies{})
	require.Error(t, err)

	cfg := DefaultConfig()
	cfg.MaxConcurrentMerges = 0
	_, err = NewEngine(cfg, Dependencies{Store: memory.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

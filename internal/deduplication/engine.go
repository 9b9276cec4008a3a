package deduplication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/skywatch/corroborate/internal/ai"
	"github.com/skywatch/corroborate/internal/embedding"
	"github.com/skywatch/corroborate/internal/events"
	"github.com/skywatch/corroborate/internal/evidence"
	"github.com/skywatch/corroborate/internal/fingerprint"
	"github.com/skywatch/corroborate/internal/merge"
	"github.com/skywatch/corroborate/internal/proximity"
	"github.com/skywatch/corroborate/internal/retry"
	"github.com/skywatch/corroborate/internal/storage"
	"github.com/skywatch/corroborate/internal/types"
)

// errNoEmbedder is reported for every Tier 2 pair when the engine has no embedder.
var errNoEmbedder = errors.New("no embedding provider configured")

type noEmbedder struct{}

func (noEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errNoEmbedder
}

// Dependencies are the collaborators an Engine runs against.
type Dependencies struct {
	// Store is the incident ledger. Required.
	Store storage.Store

	// Embedder backs Tier 2. Nil makes every pair degraded.
	Embedder embedding.Embedder
	// EmbedExecutor wraps embedder calls with timeouts, retries and the circuit breaker.
	EmbedExecutor *retry.Executor

	// LLM backs Tier 3. Nil makes every escalation unavailable.
	LLM ai.LLMClient

	// Policy decides attribution for evidence scoring. Nil uses the default keyword policy.
	Policy evidence.AttributionPolicy

	// Sink receives every merge event in addition to the ledger.
	Sink merge.EventSink
	// Journal receives run lifecycle events.
	Journal events.Journal

	Logger *slog.Logger
}

// Engine consolidates candidate reports into canonical incidents.
type Engine struct {
	config      Config
	store       storage.Store
	generator   *fingerprint.Generator
	clusterer   *proximity.Clusterer
	matcher     *embedding.Matcher
	adjudicator *ai.Adjudicator
	validator   *ai.Validator
	policy      evidence.AttributionPolicy
	sink        merge.EventSink
	journal     events.Journal
	logger      *slog.Logger
	now         func() time.Time
}

// NewEngine creates an engine from one explicit configuration.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := deps.Policy
	if policy == nil {
		policy = evidence.DefaultKeywordPolicy()
	}
	embedder := deps.Embedder
	if embedder == nil {
		logger.Warn("no embedding provider configured, tier 2 pairs will be degraded")
		embedder = noEmbedder{}
	}
	if deps.LLM == nil && cfg.Tier3Enabled {
		logger.Warn("no LLM provider configured, borderline pairs will stay unique")
	}

	return &Engine{
		config:      cfg,
		store:       deps.Store,
		generator:   fingerprint.NewGenerator(cfg.Fingerprint),
		clusterer:   proximity.NewClusterer(cfg.Proximity),
		matcher:     embedding.NewMatcher(embedder, deps.EmbedExecutor, cfg.Embedding, logger),
		adjudicator: ai.NewAdjudicator(deps.LLM, cfg.Adjudicator, logger),
		validator:   ai.NewValidator(cfg.Validator, logger),
		policy:      policy,
		sink:        deps.Sink,
		journal:     deps.Journal,
		logger:      logger.With("component", "engine"),
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Run consolidates one batch of candidates against each other and against the
// stored incidents inside the lookback window. Provider failures never abort a
// run; storage failures and context cancellation do.
func (e *Engine) Run(ctx context.Context, candidates []types.Candidate) (*RunResult, error) {
	start := time.Now()
	r, err := e.newRun()
	if err != nil {
		return nil, err
	}
	r.stats.TotalCandidates = len(candidates)
	r.log.Info("run started", "candidates", len(candidates))

	fresh, err := r.ingest(ctx, candidates)
	if err != nil {
		return nil, err
	}
	existing, err := r.loadExisting(ctx, fresh)
	if err != nil {
		return nil, err
	}
	ev, err := events.NewRunStartedEvent(r.id, events.RunStartedData{
		CandidateCount: len(candidates),
		ExistingCount:  len(existing),
	})
	r.journal(ctx, ev, err)

	// Tier 1 settles every fingerprint collision before any provider call.
	if err := r.tier1(ctx, fresh, existing); err != nil {
		return nil, err
	}

	nodes, current, err := r.nodes(ctx, existing)
	if err != nil {
		return nil, err
	}
	pairs := e.clusterer.Pairs(nodes)
	r.stats.PairsEvaluated = len(pairs)
	r.log.Debug("proximity pairs built", "nodes", len(nodes), "pairs", len(pairs))

	pending, escalate := r.tier2(ctx, pairs, current)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pending = append(pending, r.tier3(ctx, pairs, escalate, current)...)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.apply(ctx, pending)

	if err := r.finish(ctx, start); err != nil {
		return nil, err
	}
	if err := r.result.Validate(); err != nil {
		return nil, fmt.Errorf("run %s produced an inconsistent result: %w", r.id, err)
	}
	return r.result, nil
}

// run is the state of one Run call.
type run struct {
	e         *Engine
	id        string
	log       *slog.Logger
	agg       *merge.Aggregator
	collector *events.MemorySink
	sink      events.MultiSink
	stats     *RunStats
	result    *RunResult
	// ingested holds the IDs of every candidate accepted by this run
	ingested []string
	// mergedExisting holds stored incidents folded in at Tier 1
	mergedExisting map[string]bool
}

func (e *Engine) newRun() (*run, error) {
	id := uuid.NewString()
	collector := events.NewMemorySink()
	sink := events.MultiSink{events.NewStoreSink(e.store), collector}
	if e.sink != nil {
		sink = append(sink, e.sink)
	}
	log := e.logger.With("run", id)
	agg, err := merge.NewAggregator(e.store, sink, e.policy, e.config.Merge, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregator: %w", err)
	}
	result := &RunResult{RunID: id}
	return &run{
		e:              e,
		id:             id,
		log:            log,
		agg:            agg,
		collector:      collector,
		sink:           sink,
		stats:          &result.Stats,
		result:         result,
		mergedExisting: make(map[string]bool),
	}, nil
}

// normalize maps the source kind onto the closed set, fills a missing trust
// weight from the trust table, validates, and assigns the candidate ID.
func (e *Engine) normalize(c *types.Candidate) error {
	kind, err := types.ParseSourceKind(string(c.Source.Kind))
	if err != nil {
		return &types.ValidationError{Field: "source.kind", Reason: err.Error()}
	}
	c.Source.Kind = kind
	if c.Source.TrustWeight == 0 {
		c.Source.TrustWeight = e.config.TrustTable.Weight(kind)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	c.EnsureID()
	return nil
}

// ingest validates candidates and turns the accepted ones into single-source incidents.
// Nothing is persisted yet.
func (r *run) ingest(ctx context.Context, candidates []types.Candidate) ([]*types.Incident, error) {
	now := r.e.now()
	seen := make(map[string]bool, len(candidates))
	var out []*types.Incident
	for i := range candidates {
		c := candidates[i]
		if err := r.e.normalize(&c); err != nil {
			r.skip(i, c.ID, err.Error(), false)
			continue
		}
		if seen[c.ID] {
			r.skip(i, c.ID, "duplicate candidate id in batch", false)
			continue
		}
		seen[c.ID] = true

		_, err := r.e.store.GetIncident(ctx, c.ID)
		switch {
		case err == nil:
			r.skip(i, c.ID, "already ingested", true)
			continue
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("failed to check candidate %s: %w", c.ID, err)
		}

		inc := types.IncidentFromCandidate(c)
		inc.EvidenceScore = evidence.Score(inc.Sources, r.e.policy)
		inc.CreatedAt = now
		inc.UpdatedAt = now
		out = append(out, inc)
		r.ingested = append(r.ingested, inc.ID)
	}
	r.stats.ValidCandidates = len(out)
	return out, nil
}

func (r *run) skip(index int, id, reason string, already bool) {
	r.result.Skipped = append(r.result.Skipped, SkippedCandidate{
		Index:           index,
		ID:              id,
		Reason:          reason,
		AlreadyIngested: already,
	})
	if already {
		r.stats.AlreadyIngested++
		r.log.Info("candidate already ingested, skipping", "index", index, "id", id)
		return
	}
	r.stats.InvalidCandidates++
	r.log.Warn("invalid candidate skipped", "index", index, "id", id, "reason", reason)
}

// loadExisting reads stored roots whose LastSeen falls inside the lookback window
// of the earliest accepted candidate.
func (r *run) loadExisting(ctx context.Context, fresh []*types.Incident) ([]*types.Incident, error) {
	if len(fresh) == 0 {
		return nil, nil
	}
	earliest := fresh[0].OccurredAt
	for _, inc := range fresh[1:] {
		if inc.OccurredAt.Before(earliest) {
			earliest = inc.OccurredAt
		}
	}
	existing, err := r.e.store.ListIncidents(ctx, storage.Filter{Since: earliest.Add(-r.e.config.LookbackWindow)})
	if err != nil {
		return nil, fmt.Errorf("failed to load existing incidents: %w", err)
	}
	r.log.Debug("loaded existing incidents", "count", len(existing))
	return existing, nil
}

// roots resolves ids to their live incidents, deduplicated and ordered by
// OccurredAt then ID.
func (r *run) roots(ctx context.Context, ids []string) ([]*types.Incident, error) {
	seen := make(map[string]bool, len(ids))
	var out []*types.Incident
	for _, id := range ids {
		root, err := r.agg.Resolve(ctx, id)
		if err != nil {
			return nil, err
		}
		if seen[root.ID] {
			continue
		}
		seen[root.ID] = true
		out = append(out, root)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	return out, nil
}

// nodes builds the clustering input: live roots touched by this run plus the
// stored incidents it has not touched yet.
func (r *run) nodes(ctx context.Context, existing []*types.Incident) ([]proximity.Node, map[string]*types.Incident, error) {
	touched, err := r.roots(ctx, r.ingested)
	if err != nil {
		return nil, nil, err
	}
	current := make(map[string]*types.Incident, len(touched)+len(existing))
	nodes := make([]proximity.Node, 0, len(touched)+len(existing))
	for _, inc := range touched {
		current[inc.ID] = inc
		nodes = append(nodes, proximity.NodeFromIncident(inc, false))
	}
	for _, inc := range existing {
		if r.mergedExisting[inc.ID] || current[inc.ID] != nil {
			continue
		}
		current[inc.ID] = inc
		nodes = append(nodes, proximity.NodeFromIncident(inc, true))
	}
	return nodes, current, nil
}

// commitOutcome accounts for one aggregator commit. It reports whether a merge was written.
func (r *run) commitOutcome(ctx context.Context, key string, res *merge.Result, err error) bool {
	if res != nil {
		r.stats.MergeConflicts += res.Conflicts
	}
	switch {
	case err == nil:
		return res.Event != nil
	case errors.Is(err, merge.ErrMergeConflict):
		r.stats.MergeConflictsExhausted++
		ev := events.NewMergeConflictEvent(r.id, key, err)
		if res != nil && res.Stranded != "" {
			ev.Data["stranded_incident"] = res.Stranded
			r.log.Error("merge abandoned after version conflicts, sources now on two live incidents",
				"pair", key, "stranded", res.Stranded, "error", err)
		} else {
			r.log.Error("merge abandoned after version conflicts", "pair", key, "error", err)
		}
		r.journal(ctx, ev, nil)
	default:
		r.stats.MergeFailures++
		r.log.Error("merge failed", "pair", key, "error", err)
	}
	return false
}

func (r *run) journal(ctx context.Context, event *events.Event, err error) {
	if err != nil {
		r.log.Warn("failed to build journal event", "error", err)
		return
	}
	if r.e.journal == nil {
		return
	}
	if err := r.e.journal.Record(ctx, event); err != nil {
		r.log.Warn("failed to record journal event", "type", event.Type, "error", err)
	}
}

// finish collects the canonical incidents and fills the derived statistics.
func (r *run) finish(ctx context.Context, start time.Time) error {
	incidents, err := r.roots(ctx, r.ingested)
	if err != nil {
		return fmt.Errorf("failed to collect incidents: %w", err)
	}
	s := r.stats
	r.result.Incidents = incidents
	r.result.MergeEvents = r.collector.MergeEvents()
	s.MergesApplied = countAbsorbed(r.result.MergeEvents)
	s.IncidentsOut = len(incidents)
	if s.TotalCandidates > 0 {
		s.MergeRatePercent = 100 * float64(s.MergesApplied) / float64(s.TotalCandidates)
	}

	attempts := s.PairsEvaluated + s.Tier3Escalations
	failures := s.Tier2Degraded + s.Tier3Unavailable
	s.Degraded = attempts > 0 && failures == attempts && s.Tier1Merges == 0
	s.ProcessingTimeMs = time.Since(start).Milliseconds()

	if s.Degraded {
		r.log.Warn("degraded run: every provider call failed and no fingerprint merges applied",
			"pairs", s.PairsEvaluated, "escalations", s.Tier3Escalations)
	}
	r.log.Info("run completed",
		"candidates", s.TotalCandidates,
		"invalid", s.InvalidCandidates,
		"incidents", s.IncidentsOut,
		"merges", s.MergesApplied,
		"tier1", s.Tier1Merges,
		"tier2_auto", s.Tier2AutoMerges,
		"tier3_confirmed", s.Tier3Confirmed,
		"tier3_rejected", s.Tier3Rejected,
		"degraded", s.Degraded,
		"duration_ms", s.ProcessingTimeMs)

	ev, err := events.NewRunCompletedEvent(r.id, events.RunCompletedData{
		TotalCandidates:  s.TotalCandidates,
		IncidentsOut:     s.IncidentsOut,
		MergesApplied:    s.MergesApplied,
		MergeRatePercent: s.MergeRatePercent,
		Tier3Rejected:    s.Tier3Rejected,
		Degraded:         s.Degraded,
		ProcessingTimeMs: s.ProcessingTimeMs,
	})
	r.journal(ctx, ev, err)
	return nil
}

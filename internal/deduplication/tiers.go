package deduplication

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/skywatch/corroborate/internal/ai"
	"github.com/skywatch/corroborate/internal/embedding"
	"github.com/skywatch/corroborate/internal/events"
	"github.com/skywatch/corroborate/internal/fingerprint"
	"github.com/skywatch/corroborate/internal/merge"
	"github.com/skywatch/corroborate/internal/proximity"
	"github.com/skywatch/corroborate/internal/types"
)

// pending is a merge directive waiting to be committed. pair indexes RunResult.Pairs.
type pending struct {
	merge.Directive
	pair int
}

// tier1 folds candidates sharing a fingerprint into one incident, persists the
// result, then merges each group into stored incidents with the same fingerprint.
// No external service is called.
func (r *run) tier1(ctx context.Context, fresh []*types.Incident, existing []*types.Incident) error {
	var order []fingerprint.Fingerprint
	groups := make(map[fingerprint.Fingerprint][]*types.Incident)
	for _, inc := range fresh {
		fp := r.e.generator.ForIncident(inc)
		if _, ok := groups[fp]; !ok {
			order = append(order, fp)
		}
		groups[fp] = append(groups[fp], inc)
	}
	r.stats.UniqueFingerprints = len(order)

	stored := make(map[fingerprint.Fingerprint][]*types.Incident)
	for _, inc := range existing {
		fp := r.e.generator.ForIncident(inc)
		stored[fp] = append(stored[fp], inc)
	}

	opts := r.agg.Options("")
	for _, fp := range order {
		members := groups[fp]
		root := members[0]
		for _, m := range members[1:] {
			root, _ = merge.Merge(root, m, opts)
		}

		if err := r.e.store.CreateIncident(ctx, root); err != nil {
			return fmt.Errorf("failed to persist incident %s: %w", root.ID, err)
		}
		var absorbed []string
		for _, m := range members {
			if m.ID == root.ID {
				continue
			}
			tomb := m.Clone()
			tomb.AbsorbedInto = root.ID
			if err := r.e.store.CreateIncident(ctx, tomb); err != nil {
				return fmt.Errorf("failed to persist absorbed incident %s: %w", tomb.ID, err)
			}
			absorbed = append(absorbed, m.ID)
		}

		if len(absorbed) > 0 {
			sort.Strings(absorbed)
			r.emitTier1(ctx, fp, root.ID, absorbed)
			r.stats.Tier1Merges += len(absorbed)
			r.log.Info("fingerprint group folded",
				"fingerprint", fp.Short(), "primary", root.ID, "absorbed", len(absorbed),
				"evidence", root.EvidenceScore.String())
		}

		for _, ex := range stored[fp] {
			d := merge.Directive{
				A:          root.ID,
				B:          ex.ID,
				Tier:       types.TierFingerprint,
				Confidence: 1,
				Reasoning:  "identical fingerprint " + fp.Short() + " as stored incident",
				RunID:      r.id,
			}
			res, err := r.agg.Commit(ctx, d)
			if r.commitOutcome(ctx, root.ID+"|"+ex.ID, res, err) {
				r.stats.Tier1Merges++
				r.mergedExisting[ex.ID] = true
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *run) emitTier1(ctx context.Context, fp fingerprint.Fingerprint, primary string, absorbed []string) {
	ev := &types.MergeEvent{
		ID:               uuid.NewString(),
		RunID:            r.id,
		PrimaryID:        primary,
		AbsorbedIDs:      absorbed,
		Tier:             types.TierFingerprint,
		Confidence:       1,
		ReasoningExcerpt: "identical fingerprint " + fp.Short(),
		CreatedAt:        r.e.now(),
	}
	if err := r.sink.Emit(ctx, ev); err != nil {
		r.log.Warn("failed to record merge event", "event", ev.ID, "error", err)
	}
}

func pairText(inc *types.Incident) embedding.Text {
	content := inc.Narrative
	if strings.TrimSpace(content) == "" {
		content = inc.Title
	}
	return embedding.Text{ID: inc.ID, Content: content}
}

// settle moves a pair to a terminal state.
func (r *run) settle(o *PairOutcome, to ai.PairState, note string) {
	next, err := o.State.Transition(to)
	if err != nil {
		r.log.Error("invalid pair transition", "pair", o.Key, "error", err)
		return
	}
	o.State = next
	if note != "" {
		o.Note = note
	}
}

// tier2 scores every pair by embedding similarity. It returns the auto-merge
// directives and the indexes of borderline pairs to escalate.
func (r *run) tier2(ctx context.Context, pairs []proximity.Pair, current map[string]*types.Incident) ([]pending, []int) {
	texts := make([]embedding.PairText, len(pairs))
	r.result.Pairs = make([]PairOutcome, len(pairs))
	for i, p := range pairs {
		texts[i] = embedding.PairText{Key: p.Key(), A: pairText(current[p.A]), B: pairText(current[p.B])}
		r.result.Pairs[i] = PairOutcome{
			Key:            p.Key(),
			A:              p.A,
			B:              p.B,
			DistanceKm:     p.DistanceKm,
			TimeDeltaHours: p.TimeDeltaHours,
			State:          ai.PairPending,
			Tier:           types.TierEmbedding,
		}
	}

	var merges []pending
	var escalate []int
	for i, res := range r.e.matcher.ScoreAll(ctx, texts) {
		o := &r.result.Pairs[i]
		o.Score = res.Score
		o.Band = res.Band
		switch {
		case res.Degraded:
			r.stats.Tier2Degraded++
			o.Degraded = true
			r.settle(o, ai.PairDistinct, "embedding unavailable")
			ev, err := events.NewProviderDegradedEvent(r.id, events.ProviderDegradedData{
				Tier:    types.TierEmbedding,
				PairKey: o.Key,
				Error:   errString(res.Err),
			})
			r.journal(ctx, ev, err)
		case res.Band == embedding.BandDuplicate:
			r.stats.Tier2AutoMerges++
			r.settle(o, ai.PairMerged, "")
			merges = append(merges, pending{pair: i, Directive: merge.Directive{
				A:          o.A,
				B:          o.B,
				Tier:       types.TierEmbedding,
				Confidence: res.Score,
				Reasoning:  fmt.Sprintf("embedding similarity %.3f", res.Score),
				RunID:      r.id,
			}})
		case res.Band == embedding.BandBorderline:
			r.stats.Tier2Borderline++
			if !r.e.config.Tier3Enabled {
				r.settle(o, ai.PairDistinct, "borderline, adjudication disabled")
				continue
			}
			escalate = append(escalate, i)
		default:
			r.stats.Tier2Distinct++
			r.settle(o, ai.PairDistinct, "")
		}
	}
	return merges, escalate
}

func pairFacts(p proximity.Pair, current map[string]*types.Incident) ai.PairFacts {
	side := func(inc *types.Incident) ai.Side {
		return ai.Side{
			ID:        inc.ID,
			Title:     inc.Title,
			Narrative: inc.Narrative,
			Country:   inc.Country,
			AssetType: inc.AssetType,
		}
	}
	return ai.PairFacts{
		Key:        p.Key(),
		A:          side(current[p.A]),
		B:          side(current[p.B]),
		DistanceKm: p.DistanceKm,
		TimeDelta:  p.TimeDelta(),
	}
}

// tier3 adjudicates borderline pairs and validates every reply. Only validated
// duplicates at or above the acceptance threshold become directives.
func (r *run) tier3(ctx context.Context, pairs []proximity.Pair, escalate []int, current map[string]*types.Incident) []pending {
	if len(escalate) == 0 {
		return nil
	}
	type reply struct {
		raw *ai.RawVerdict
		err error
	}
	facts := make([]ai.PairFacts, len(escalate))
	replies := make([]reply, len(escalate))

	var g errgroup.Group
	g.SetLimit(r.e.adjudicator.Config().MaxConcurrency)
	for k, i := range escalate {
		facts[k] = pairFacts(pairs[i], current)
		g.Go(func() error {
			raw, err := r.e.adjudicator.Adjudicate(ctx, facts[k])
			replies[k] = reply{raw: raw, err: err}
			return nil
		})
	}
	_ = g.Wait()
	r.stats.Tier3Escalations += len(escalate)

	var merges []pending
	for k, i := range escalate {
		o := &r.result.Pairs[i]
		o.Tier = types.TierAdjudicator
		if err := replies[k].err; err != nil {
			r.stats.Tier3Unavailable++
			o.Degraded = true
			r.settle(o, ai.PairDistinct, "adjudicator unavailable")
			ev, jerr := events.NewProviderDegradedEvent(r.id, events.ProviderDegradedData{
				Tier:    types.TierAdjudicator,
				PairKey: o.Key,
				Error:   err.Error(),
			})
			r.journal(ctx, ev, jerr)
			continue
		}

		out := r.e.validator.Validate(replies[k].raw, facts[k])
		o.Verdict = out.Verdict
		o.Confidence = out.Confidence
		switch {
		case out.Rejected:
			r.stats.Tier3Rejected++
			o.Rule = out.Rule
			r.settle(o, ai.PairDistinct, out.Reason)
			r.recordRejected(ctx, o.Key, out, replies[k].raw)
		case out.Merge:
			r.stats.Tier3Confirmed++
			r.settle(o, ai.PairMerged, "")
			narrative := out.MergedNarrative
			if out.NarrativeDropped {
				narrative = ""
			}
			merges = append(merges, pending{pair: i, Directive: merge.Directive{
				A:               o.A,
				B:               o.B,
				Tier:            types.TierAdjudicator,
				Confidence:      out.Confidence,
				Reasoning:       out.Reasoning,
				MergedNarrative: narrative,
				RunID:           r.id,
			}})
		default:
			r.stats.Tier3Unique++
			r.settle(o, ai.PairDistinct, "")
		}
	}
	return merges
}

func (r *run) recordRejected(ctx context.Context, key string, out ai.Outcome, raw *ai.RawVerdict) {
	payload := ""
	if raw != nil {
		payload = raw.Raw
	}
	rv := &types.RejectedVerdict{
		RunID:     r.id,
		PairKey:   key,
		Rule:      out.Rule,
		Reason:    out.Reason,
		Payload:   payload,
		CreatedAt: r.e.now(),
	}
	if err := r.e.store.RecordRejectedVerdict(ctx, rv); err != nil {
		r.log.Warn("failed to store rejected verdict", "pair", key, "error", err)
	}
	ev, err := events.NewVerdictRejectedEvent(r.id, events.VerdictRejectedData{
		PairKey: key,
		Rule:    out.Rule,
		Reason:  out.Reason,
	})
	r.journal(ctx, ev, err)
}

// apply commits directives concurrently. Directives touching the same incident
// are serialised by the aggregator's optimistic retries.
func (r *run) apply(ctx context.Context, directives []pending) {
	if len(directives) == 0 {
		return
	}
	type committed struct {
		res *merge.Result
		err error
	}
	out := make([]committed, len(directives))

	var g errgroup.Group
	g.SetLimit(r.e.config.MaxConcurrentMerges)
	for k, d := range directives {
		g.Go(func() error {
			res, err := r.agg.Commit(ctx, d.Directive)
			out[k] = committed{res: res, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for k, d := range directives {
		key := d.A + "|" + d.B
		ok := r.commitOutcome(ctx, key, out[k].res, out[k].err)
		o := &r.result.Pairs[d.pair]
		switch {
		case out[k].err != nil:
			o.Note = "merge not committed: " + out[k].err.Error()
		case !ok && out[k].res != nil && out[k].res.AlreadyMerged:
			o.Note = "already merged"
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

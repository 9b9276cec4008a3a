package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skywatch/corroborate/internal/evidence"
	"github.com/skywatch/corroborate/internal/storage"
	"github.com/skywatch/corroborate/internal/types"
)

// ErrMergeConflict is returned when optimistic retries are exhausted.
var ErrMergeConflict = errors.New("merge conflict retries exhausted")

// maxRedirects bounds AbsorbedInto chains; a longer chain means a cycle.
const maxRedirects = 64

// EventSink receives the audit record of every committed merge.
type EventSink interface {
	Emit(ctx context.Context, ev *types.MergeEvent) error
}

// Config holds aggregator settings.
type Config struct {
	// MaxRetries is the number of re-read/re-apply rounds after a version conflict.
	MaxRetries int `yaml:"max_retries"`
	// ExcerptLen caps the reasoning excerpt stored on merge events, in runes.
	ExcerptLen    int      `yaml:"excerpt_len"`
	GenericTitles []string `yaml:"generic_titles"`
}

// DefaultConfig returns the stock aggregator settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    5,
		ExcerptLen:    200,
		GenericTitles: DefaultGenericTitles(),
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative (got %d)", c.MaxRetries)
	}
	if c.MaxRetries > 100 {
		return fmt.Errorf("max_retries too large (got %d, max 100)", c.MaxRetries)
	}
	if c.ExcerptLen < 0 {
		return fmt.Errorf("excerpt_len cannot be negative (got %d)", c.ExcerptLen)
	}
	return nil
}

// Directive asks the aggregator to fold two incidents together.
type Directive struct {
	A, B       string
	Tier       types.MergeTier
	Confidence float64
	Reasoning  string
	// MergedNarrative is a validated replacement narrative, or empty.
	MergedNarrative string
	RunID           string
}

// Result describes what Commit did.
type Result struct {
	// Primary is the surviving incident after the merge.
	Primary *types.Incident
	// Event is nil when the two sides were already merged.
	Event         *types.MergeEvent
	AlreadyMerged bool
	// Conflicts counts version conflicts that forced a re-read.
	Conflicts int
	// Stranded names an incident left live although Primary already absorbed its
	// sources. Set only when retries ran out between the two writes.
	Stranded string
}

// Aggregator commits merges to a store.
type Aggregator struct {
	store  storage.Store
	sink   EventSink
	policy evidence.AttributionPolicy
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// NewAggregator creates an aggregator. sink may be nil.
func NewAggregator(store storage.Store, sink EventSink, policy evidence.AttributionPolicy, cfg Config, logger *slog.Logger) (*Aggregator, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		store:  store,
		sink:   sink,
		policy: policy,
		config: cfg,
		logger: logger.With("component", "aggregator"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Options returns the merge options the aggregator applies.
func (a *Aggregator) Options(mergedNarrative string) Options {
	return Options{
		MergedNarrative: mergedNarrative,
		Policy:          a.policy,
		GenericTitles:   a.config.GenericTitles,
	}
}

// Commit merges the incidents named by d. Both IDs are resolved through
// AbsorbedInto redirects first, so directives naming already-absorbed incidents
// land on their current roots. The primary is written before the absorbed side is
// tombstoned; a conflict on either write re-reads both roots and re-applies.
func (a *Aggregator) Commit(ctx context.Context, d Directive) (*Result, error) {
	res := &Result{}
	stranded := ""
	for attempt := 0; attempt <= a.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		x, err := a.Resolve(ctx, d.A)
		if err != nil {
			return res, err
		}
		y, err := a.Resolve(ctx, d.B)
		if err != nil {
			return res, err
		}
		if x.ID == y.ID {
			res.Primary = x
			res.AlreadyMerged = true
			return res, nil
		}

		merged, _ := Merge(x, y, a.Options(d.MergedNarrative))
		primary, absorbed := x, y
		if merged.ID == y.ID {
			primary, absorbed = y, x
		}
		now := a.now()
		merged.UpdatedAt = now

		if err := a.store.CompareAndSwap(ctx, merged, primary.Version); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				res.Conflicts++
				a.logger.Debug("primary changed during merge, retrying",
					"primary", primary.ID, "absorbed", absorbed.ID, "attempt", attempt+1)
				continue
			}
			return res, fmt.Errorf("failed to write primary %s: %w", primary.ID, err)
		}

		tomb := absorbed.Clone()
		tomb.AbsorbedInto = merged.ID
		tomb.UpdatedAt = now
		if err := a.store.CompareAndSwap(ctx, tomb, absorbed.Version); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				// The primary already holds the old content of absorbed; the next
				// round folds in whatever changed since.
				res.Conflicts++
				stranded = absorbed.ID
				a.logger.Debug("absorbed incident changed during merge, retrying",
					"primary", merged.ID, "absorbed", absorbed.ID, "attempt", attempt+1)
				continue
			}
			return res, fmt.Errorf("failed to tombstone %s: %w", absorbed.ID, err)
		}

		ev := &types.MergeEvent{
			ID:               uuid.NewString(),
			RunID:            d.RunID,
			PrimaryID:        merged.ID,
			AbsorbedIDs:      []string{absorbed.ID},
			Tier:             d.Tier,
			Confidence:       d.Confidence,
			ReasoningExcerpt: excerpt(d.Reasoning, a.config.ExcerptLen),
			CreatedAt:        now,
		}
		if a.sink != nil {
			if err := a.sink.Emit(ctx, ev); err != nil {
				a.logger.Warn("failed to record merge event", "event", ev.ID, "error", err)
			}
		}
		a.logger.Info("merge committed",
			"primary", merged.ID, "absorbed", absorbed.ID, "tier", d.Tier,
			"sources", len(merged.Sources), "evidence", merged.EvidenceScore.String())

		res.Primary = merged
		res.Event = ev
		return res, nil
	}
	if stranded != "" {
		res.Stranded = stranded
		return res, fmt.Errorf("%w: %s and %s after %d attempts; live incident %s duplicates sources already merged elsewhere",
			ErrMergeConflict, d.A, d.B, a.config.MaxRetries+1, stranded)
	}
	return res, fmt.Errorf("%w: %s and %s after %d attempts", ErrMergeConflict, d.A, d.B, a.config.MaxRetries+1)
}

// Resolve follows AbsorbedInto redirects from id to its live root.
func (a *Aggregator) Resolve(ctx context.Context, id string) (*types.Incident, error) {
	cur := id
	for i := 0; i < maxRedirects; i++ {
		inc, err := a.store.GetIncident(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", id, err)
		}
		if !inc.IsAbsorbed() {
			return inc, nil
		}
		cur = inc.AbsorbedInto
	}
	return nil, fmt.Errorf("redirect chain from %s exceeds %d hops", id, maxRedirects)
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/skywatch/corroborate/internal/retry"
)

// Band is the Tier 2 classification of a similarity score.
type Band string

const (
	BandDistinct   Band = "distinct"
	BandBorderline Band = "borderline"
	BandDuplicate  Band = "duplicate"
)

// Config holds Tier 2 thresholds and limits.
type Config struct {
	DuplicateThreshold  float64 `yaml:"duplicate_threshold"`
	BorderlineThreshold float64 `yaml:"borderline_threshold"`
	MaxConcurrency      int     `yaml:"max_concurrency"`
	BatchSize           int     `yaml:"batch_size"`
}

// DefaultConfig returns the stock Tier 2 configuration.
func DefaultConfig() Config {
	return Config{
		DuplicateThreshold:  0.92,
		BorderlineThreshold: 0.80,
		MaxConcurrency:      4,
		BatchSize:           64,
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if c.BorderlineThreshold <= 0 || c.BorderlineThreshold >= 1 {
		return fmt.Errorf("borderline_threshold must be in (0, 1) (got %.2f)", c.BorderlineThreshold)
	}
	if c.DuplicateThreshold <= c.BorderlineThreshold || c.DuplicateThreshold > 1 {
		return fmt.Errorf("duplicate_threshold must be in (borderline_threshold, 1] (got %.2f)", c.DuplicateThreshold)
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be at least 1 (got %d)", c.MaxConcurrency)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1 (got %d)", c.BatchSize)
	}
	return nil
}

// Classify places a score into its band.
func (c Config) Classify(score float64) Band {
	switch {
	case score >= c.DuplicateThreshold:
		return BandDuplicate
	case score >= c.BorderlineThreshold:
		return BandBorderline
	default:
		return BandDistinct
	}
}

// Text is one side of a pair. ID keys the embedding cache.
type Text struct {
	ID      string
	Content string
}

// PairText is a pair to score.
type PairText struct {
	Key string
	A   Text
	B   Text
}

// Result is the Tier 2 outcome for one pair.
type Result struct {
	Key      string  `json:"key"`
	Score    float64 `json:"score"`
	Band     Band    `json:"band"`
	Degraded bool    `json:"degraded,omitempty"`
	Err      error   `json:"-"`
}

// Matcher scores pairs by embedding similarity.
type Matcher struct {
	embedder Embedder
	executor *retry.Executor
	config   Config
	logger   *slog.Logger
}

// NewMatcher creates a matcher. executor may be nil, in which case calls go
// straight to the embedder.
func NewMatcher(embedder Embedder, executor *retry.Executor, config Config, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		embedder: embedder,
		executor: executor,
		config:   config,
		logger:   logger.With("component", "tier2"),
	}
}

// Config returns the matcher configuration.
func (m *Matcher) Config() Config {
	return m.config
}

// Score scores a single pair.
func (m *Matcher) Score(ctx context.Context, p PairText) Result {
	return m.ScoreAll(ctx, []PairText{p})[0]
}

// ScoreAll scores every pair, embedding each distinct text ID once. Results are
// returned in input order. Provider failures produce degraded distinct results.
func (m *Matcher) ScoreAll(ctx context.Context, pairs []PairText) []Result {
	results := make([]Result, len(pairs))
	if len(pairs) == 0 {
		return results
	}

	// Collect distinct texts in first-seen order.
	index := make(map[string]int)
	var ids, texts []string
	for _, p := range pairs {
		for _, t := range []Text{p.A, p.B} {
			if _, ok := index[t.ID]; ok {
				continue
			}
			index[t.ID] = len(ids)
			ids = append(ids, t.ID)
			texts = append(texts, NormalizeText(t.Content))
		}
	}

	vectors := make([][]float32, len(ids))
	failures := make([]error, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.MaxConcurrency)
	for start := 0; start < len(texts); start += m.config.BatchSize {
		end := min(start+m.config.BatchSize, len(texts))
		g.Go(func() error {
			batch, err := m.embed(gctx, texts[start:end])
			mu.Lock()
			defer mu.Unlock()
			for i := start; i < end; i++ {
				if err != nil {
					failures[i] = err
					continue
				}
				vectors[i] = batch[i-start]
			}
			// Batch failures are recorded per text so other batches still complete.
			return nil
		})
	}
	_ = g.Wait()

	for i, p := range pairs {
		ai, bi := index[p.A.ID], index[p.B.ID]
		if err := firstErr(failures[ai], failures[bi]); err != nil {
			m.logger.Warn("embedding unavailable, treating pair as distinct (degraded mode)",
				"pair", p.Key, "error", err)
			results[i] = Result{Key: p.Key, Band: BandDistinct, Degraded: true, Err: err}
			continue
		}
		score := CosineSimilarity(vectors[ai], vectors[bi])
		results[i] = Result{Key: p.Key, Score: score, Band: m.config.Classify(score)}
	}
	return results
}

func (m *Matcher) embed(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	call := func(ctx context.Context) error {
		v, err := m.embedder.Embed(ctx, texts)
		if err != nil {
			return err
		}
		if len(v) != len(texts) {
			return fmt.Errorf("embedder returned %d vectors for %d texts", len(v), len(texts))
		}
		out = v
		return nil
	}
	var err error
	if m.executor == nil {
		err = call(ctx)
	} else {
		err = m.executor.Do(ctx, "embed", call)
	}
	return out, err
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

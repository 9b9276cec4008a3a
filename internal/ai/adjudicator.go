package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrNoVerdict is returned when the adjudicator could not produce a verdict for
// any reason (timeout, rate limit, open circuit, unparseable reply). Callers treat
// the pair as unique for this run.
var ErrNoVerdict = errors.New("adjudicator returned no verdict")

// Side is one incident of a pair as shown to the model.
type Side struct {
	ID        string
	Title     string
	Narrative string
	Country   string
	AssetType string
}

// PairFacts is everything the adjudicator and validator know about a pair.
// DistanceKm and TimeDelta are computed from unrounded coordinates and timestamps.
type PairFacts struct {
	Key        string
	A          Side
	B          Side
	DistanceKm float64
	TimeDelta  time.Duration
}

// RawVerdict is the model reply as decoded, with no type assumptions. The
// validator decides whether each field is present and well-typed.
type RawVerdict struct {
	Verdict         any    `json:"verdict"`
	Confidence      any    `json:"confidence"`
	Reasoning       any    `json:"reasoning"`
	MergedNarrative any    `json:"merged_narrative,omitempty"`
	Raw             string `json:"-"`
}

// AdjudicatorConfig configures prompt construction.
type AdjudicatorConfig struct {
	Model                  string `yaml:"model"`
	MaxTokens              int    `yaml:"max_tokens"`
	RequestMergedNarrative bool   `yaml:"request_merged_narrative"`
	MaxConcurrency         int    `yaml:"max_concurrency"`
}

// DefaultAdjudicatorConfig returns the stock adjudicator settings.
func DefaultAdjudicatorConfig() AdjudicatorConfig {
	return AdjudicatorConfig{
		Model:                  DefaultModel,
		MaxTokens:              1024,
		RequestMergedNarrative: true,
		MaxConcurrency:         2,
	}
}

// Validate checks if the configuration has valid values
func (c AdjudicatorConfig) Validate() error {
	if c.MaxTokens < 64 {
		return fmt.Errorf("max_tokens must be at least 64 (got %d)", c.MaxTokens)
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be at least 1 (got %d)", c.MaxConcurrency)
	}
	return nil
}

// Adjudicator asks an LLM whether a borderline pair is one event.
type Adjudicator struct {
	client LLMClient
	config AdjudicatorConfig
	logger *slog.Logger
}

// NewAdjudicator creates an adjudicator. A nil client makes every call return ErrNoVerdict.
func NewAdjudicator(client LLMClient, config AdjudicatorConfig, logger *slog.Logger) *Adjudicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adjudicator{client: client, config: config, logger: logger.With("component", "tier3")}
}

// Config returns the adjudicator configuration.
func (a *Adjudicator) Config() AdjudicatorConfig {
	return a.config
}

// Adjudicate asks the model for a verdict. The returned RawVerdict is unvalidated.
func (a *Adjudicator) Adjudicate(ctx context.Context, facts PairFacts) (*RawVerdict, error) {
	if a.client == nil {
		return nil, fmt.Errorf("%w: %w", ErrNoVerdict, ErrProviderUnavailable)
	}

	prompt := a.buildPrompt(facts)
	responseText, err := a.client.Complete(ctx, prompt, "adjudicate", a.config.MaxTokens)
	if err != nil {
		a.logger.Warn("adjudicator unavailable, pair stays unique", "pair", facts.Key, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrNoVerdict, err)
	}

	parsed := Parse[RawVerdict](responseText, ParseOptions{Context: "adjudicator response"})
	if !parsed.Success {
		a.logger.Warn("unparseable adjudicator response, pair stays unique",
			"pair", facts.Key,
			"error", parsed.Error,
			"response", truncate(responseText, 200))
		return nil, fmt.Errorf("%w: %s", ErrNoVerdict, parsed.Error)
	}

	verdict := parsed.Data
	verdict.Raw = responseText
	return &verdict, nil
}

func (a *Adjudicator) buildPrompt(f PairFacts) string {
	narrativeField := ""
	narrativeTask := ""
	if a.config.RequestMergedNarrative {
		narrativeField = `,
  "merged_narrative": "Only when verdict is duplicate: one factual narrative combining both reports"`
		narrativeTask = `
If and only if the verdict is "duplicate", also write a merged narrative that combines the
facts of both reports. Use only facts stated in the reports. Do not speculate or add detail.`
	}

	return fmt.Sprintf(`You are checking whether two drone-sighting reports describe the SAME real-world event.

REPORT A:
Title: %s
Country: %s
Asset type: %s
Narrative: %s

REPORT B:
Title: %s
Country: %s
Asset type: %s
Narrative: %s

PRECOMPUTED FACTS (ground truth, do not dispute them):
Distance between reported locations: %.0f metres
Time between reported occurrences: %.1f hours

TASK:
Decide whether A and B are reports of one event or of two separate events.

GUIDELINES:
1. Different wording, language, or detail level is normal for reports of one event
2. Two sightings at the same airport on different nights are different events
3. A report of a closure and a report of the sighting that caused it are the same event
4. If the reports contradict each other on location, time, or what was seen, prefer "unique"
5. Base your reasoning on specific details from the reports
%s
OUTPUT FORMAT (JSON only, no markdown):
{
  "verdict": "duplicate" or "unique",
  "confidence": float (0.0-1.0),
  "reasoning": "Specific explanation citing details from both reports"%s
}

IMPORTANT: Respond with ONLY raw JSON. Do NOT wrap it in markdown code fences.`,
		f.A.Title, f.A.Country, f.A.AssetType, f.A.Narrative,
		f.B.Title, f.B.Country, f.B.AssetType, f.B.Narrative,
		f.DistanceKm*1000, f.TimeDelta.Hours(),
		narrativeTask, narrativeField)
}

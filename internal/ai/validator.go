package ai

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
)

// Verdict is the resolved decision for a pair.
type Verdict string

const (
	VerdictDuplicate Verdict = "duplicate"
	VerdictUnique    Verdict = "unique"
)

// Rule names reported when a verdict is rejected.
const (
	RuleRequiredFields   = "required_fields"
	RuleFactOverride     = "fact_override"
	RuleReasoningQuality = "reasoning_quality"
)

// ValidatorConfig holds the anti-hallucination thresholds.
type ValidatorConfig struct {
	MaxConfidence       float64       `yaml:"max_confidence"`
	AcceptanceThreshold float64       `yaml:"acceptance_threshold"`
	MaxDistanceKm       float64       `yaml:"max_distance_km"`
	MaxTimeDelta        time.Duration `yaml:"max_time_delta"`
	MinReasoningChars   int           `yaml:"min_reasoning_chars"`
	MinReasoningWords   int           `yaml:"min_reasoning_words"`
	MinNarrativeOverlap float64       `yaml:"min_narrative_overlap"`
	BoilerplatePhrases  []string      `yaml:"boilerplate_phrases"`
	HedgingMarkers      []string      `yaml:"hedging_markers"`
}

// DefaultValidatorConfig returns the stock validator thresholds.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxConfidence:       0.95,
		AcceptanceThreshold: 0.75,
		MaxDistanceKm:       0.5,
		MaxTimeDelta:        3 * time.Hour,
		MinReasoningChars:   25,
		MinReasoningWords:   4,
		MinNarrativeOverlap: 0.60,
		BoilerplatePhrases: []string{
			"as an ai language model",
			"based on the information provided",
			"based on the provided information",
			"i cannot determine",
			"not enough information",
			"the reports are similar",
			"the reports describe the same event",
			"these are duplicates",
			"these are not duplicates",
			"no reasoning",
			"lorem ipsum",
			"n a",
		},
		HedgingMarkers: []string{
			"possibly",
			"perhaps",
			"probably",
			"presumably",
			"might have",
			"may have",
			"could have",
			"it is likely",
			"it seems",
			"it appears",
			"unclear whether",
			"speculat*",
			"i assume",
			"i believe",
		},
	}
}

// Validate checks if the configuration has valid values
func (c ValidatorConfig) Validate() error {
	if c.MaxConfidence <= 0 || c.MaxConfidence > 1 {
		return fmt.Errorf("max_confidence must be in (0, 1] (got %.2f)", c.MaxConfidence)
	}
	if c.AcceptanceThreshold <= 0 || c.AcceptanceThreshold > c.MaxConfidence {
		return fmt.Errorf("acceptance_threshold must be in (0, max_confidence] (got %.2f)", c.AcceptanceThreshold)
	}
	if c.MaxDistanceKm <= 0 {
		return fmt.Errorf("max_distance_km must be positive (got %.2f)", c.MaxDistanceKm)
	}
	if c.MaxTimeDelta <= 0 {
		return fmt.Errorf("max_time_delta must be positive (got %v)", c.MaxTimeDelta)
	}
	if c.MinReasoningChars < 1 || c.MinReasoningWords < 1 {
		return fmt.Errorf("reasoning minimums must be at least 1")
	}
	if c.MinNarrativeOverlap < 0 || c.MinNarrativeOverlap > 1 {
		return fmt.Errorf("min_narrative_overlap must be in [0, 1] (got %.2f)", c.MinNarrativeOverlap)
	}
	return nil
}

// Outcome is a validated verdict.
type Outcome struct {
	Verdict    Verdict `json:"verdict"`
	Confidence float64 `json:"confidence"`
	// Merge is true only for a surviving duplicate verdict at or above the acceptance threshold.
	Merge     bool   `json:"merge"`
	Rejected  bool   `json:"rejected"`
	Rule      string `json:"rule,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`

	MergedNarrative  string `json:"merged_narrative,omitempty"`
	NarrativeDropped bool   `json:"narrative_dropped,omitempty"`
}

// hedgeMarker matches a normalized phrase at word boundaries, or as a word
// prefix when configured with a trailing "*".
type hedgeMarker struct {
	phrase string
	prefix bool
}

func (m hedgeMarker) in(padded string) bool {
	if m.prefix {
		return strings.Contains(padded, " "+m.phrase)
	}
	return strings.Contains(padded, " "+m.phrase+" ")
}

// Validator applies the anti-hallucination rules to raw adjudicator output.
type Validator struct {
	config      ValidatorConfig
	boilerplate []string
	hedging     []hedgeMarker
	logger      *slog.Logger
}

// NewValidator creates a validator.
func NewValidator(config ValidatorConfig, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Validator{config: config, logger: logger.With("component", "validator")}
	for _, p := range config.BoilerplatePhrases {
		if n := normalizeWords(p); n != "" {
			v.boilerplate = append(v.boilerplate, n)
		}
	}
	for _, h := range config.HedgingMarkers {
		if n := normalizeWords(h); n != "" {
			v.hedging = append(v.hedging, hedgeMarker{phrase: n, prefix: strings.HasSuffix(h, "*")})
		}
	}
	return v
}

// Config returns the validator configuration.
func (v *Validator) Config() ValidatorConfig {
	return v.config
}

// Validate runs the rules in order. Any failure of the required-field, fact, or
// reasoning rules discards the model verdict and resolves the pair as unique.
func (v *Validator) Validate(raw *RawVerdict, facts PairFacts) Outcome {
	if raw == nil {
		return v.reject(raw, facts, RuleRequiredFields, "no verdict payload")
	}

	verdictStr, ok := raw.Verdict.(string)
	if !ok {
		return v.reject(raw, facts, RuleRequiredFields, fmt.Sprintf("verdict missing or not a string (%T)", raw.Verdict))
	}
	verdict := Verdict(strings.ToLower(strings.TrimSpace(verdictStr)))
	if verdict != VerdictDuplicate && verdict != VerdictUnique {
		return v.reject(raw, facts, RuleRequiredFields, fmt.Sprintf("verdict %q is not duplicate or unique", verdictStr))
	}
	confidence, ok := raw.Confidence.(float64)
	if !ok {
		return v.reject(raw, facts, RuleRequiredFields, fmt.Sprintf("confidence missing or not a number (%T)", raw.Confidence))
	}
	if confidence < 0 || confidence > 1 {
		return v.reject(raw, facts, RuleRequiredFields, fmt.Sprintf("confidence %.3f out of range [0, 1]", confidence))
	}
	reasoning, ok := raw.Reasoning.(string)
	if !ok {
		return v.reject(raw, facts, RuleRequiredFields, fmt.Sprintf("reasoning missing or not a string (%T)", raw.Reasoning))
	}
	reasoning = strings.TrimSpace(reasoning)

	if confidence > v.config.MaxConfidence {
		confidence = v.config.MaxConfidence
	}

	if verdict == VerdictDuplicate {
		if facts.DistanceKm > v.config.MaxDistanceKm {
			return v.reject(raw, facts, RuleFactOverride,
				fmt.Sprintf("distance %.0fm exceeds %.0fm ceiling", facts.DistanceKm*1000, v.config.MaxDistanceKm*1000))
		}
		if facts.TimeDelta > v.config.MaxTimeDelta {
			return v.reject(raw, facts, RuleFactOverride,
				fmt.Sprintf("time delta %.1fh exceeds %.1fh ceiling", facts.TimeDelta.Hours(), v.config.MaxTimeDelta.Hours()))
		}
	}

	if reason := v.checkReasoning(reasoning); reason != "" {
		return v.reject(raw, facts, RuleReasoningQuality, reason)
	}

	out := Outcome{
		Verdict:    verdict,
		Confidence: confidence,
		Reasoning:  reasoning,
	}
	if verdict != VerdictDuplicate {
		return out
	}
	if confidence < v.config.AcceptanceThreshold {
		out.Verdict = VerdictUnique
		out.Reason = fmt.Sprintf("confidence %.2f below acceptance threshold %.2f", confidence, v.config.AcceptanceThreshold)
		return out
	}
	out.Merge = true

	if raw.MergedNarrative != nil {
		narrative, _ := raw.MergedNarrative.(string)
		if reason := v.checkNarrative(strings.TrimSpace(narrative), facts); reason != "" {
			v.logger.Info("merged narrative dropped, falling back to longer original",
				"pair", facts.Key, "reason", reason)
			out.NarrativeDropped = true
		} else {
			out.MergedNarrative = strings.TrimSpace(narrative)
		}
	}
	return out
}

func (v *Validator) reject(raw *RawVerdict, facts PairFacts, rule, reason string) Outcome {
	payload := ""
	if raw != nil {
		payload = raw.Raw
	}
	v.logger.Warn("hallucination rejected",
		"pair", facts.Key,
		"rule", rule,
		"reason", reason,
		"distance_km", facts.DistanceKm,
		"time_delta_hours", facts.TimeDelta.Hours(),
		"payload", payload)
	return Outcome{Verdict: VerdictUnique, Rejected: true, Rule: rule, Reason: reason}
}

func (v *Validator) checkReasoning(reasoning string) string {
	if n := len([]rune(reasoning)); n < v.config.MinReasoningChars {
		return fmt.Sprintf("reasoning too short (%d < %d chars)", n, v.config.MinReasoningChars)
	}
	normalized := normalizeWords(reasoning)
	if n := len(distinctWords(normalized)); n < v.config.MinReasoningWords {
		return fmt.Sprintf("reasoning has too few distinct words (%d < %d)", n, v.config.MinReasoningWords)
	}
	// Strip boilerplate and require substance to remain.
	stripped := " " + normalized + " "
	for _, phrase := range v.boilerplate {
		stripped = strings.ReplaceAll(stripped, " "+phrase+" ", " ")
	}
	if n := len(distinctWords(stripped)); n < v.config.MinReasoningWords {
		return "reasoning is boilerplate"
	}
	return ""
}

func (v *Validator) checkNarrative(narrative string, facts PairFacts) string {
	if narrative == "" {
		return "merged narrative empty or not a string"
	}
	normalized := normalizeWords(narrative)
	padded := " " + normalized + " "
	for _, marker := range v.hedging {
		if marker.in(padded) {
			return fmt.Sprintf("contains hedging marker %q", marker.phrase)
		}
	}

	merged := distinctWords(normalized)
	if len(merged) == 0 {
		return "merged narrative has no words"
	}
	// Overlap is measured against the narratives only.
	original := distinctWords(normalizeWords(facts.A.Narrative + " " + facts.B.Narrative))
	shared := 0
	for w := range merged {
		if original[w] {
			shared++
		}
	}
	overlap := float64(shared) / float64(len(merged))
	if overlap < v.config.MinNarrativeOverlap {
		return fmt.Sprintf("word overlap %.2f below %.2f", overlap, v.config.MinNarrativeOverlap)
	}
	return ""
}

func normalizeWords(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

func distinctWords(normalized string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(normalized) {
		out[w] = true
	}
	return out
}

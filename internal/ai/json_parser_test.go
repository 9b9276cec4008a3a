package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testVerdict struct {
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

func TestParseStrategies(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		strategy string
	}{
		{
			name:     "direct",
			input:    `{"verdict": "duplicate", "confidence": 0.9, "reasoning": "same airport"}`,
			strategy: "direct",
		},
		{
			name:     "json fence",
			input:    "```json\n" + `{"verdict": "duplicate", "confidence": 0.9, "reasoning": "same airport"}` + "\n```",
			strategy: "code_fence",
		},
		{
			name:     "fence with preamble",
			input:    "Here is my answer:\n```json\n" + `{"verdict": "duplicate", "confidence": 0.9, "reasoning": "same airport"}` + "\n```\nHope that helps.",
			strategy: "extract",
		},
		{
			name:     "trailing comma",
			input:    `{"verdict": "duplicate", "confidence": 0.9, "reasoning": "same airport",}`,
			strategy: "cleanup",
		},
		{
			name:     "unquoted keys",
			input:    `{verdict: "duplicate", confidence: 0.9, reasoning: "same airport"}`,
			strategy: "cleanup",
		},
		{
			name:     "prose around object",
			input:    `After comparing both reports my decision is {"verdict": "duplicate", "confidence": 0.9, "reasoning": "same airport"} as shown.`,
			strategy: "extract",
		},
		{
			name:     "truncated object",
			input:    `{"verdict": "duplicate", "confidence": 0.9, "reasoning": "same airport`,
			strategy: "repair",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Parse[testVerdict](tt.input, ParseOptions{Quiet: true})
			require.True(t, result.Success, "parse failed: %s", result.Error)
			assert.Equal(t, tt.strategy, result.Strategy)
			assert.Equal(t, "duplicate", result.Data.Verdict)
			assert.InDelta(t, 0.9, result.Data.Confidence, 1e-9)
			assert.Equal(t, "same airport", result.Data.Reasoning)
		})
	}
}

func TestParseKeepsURLsInStrings(t *testing.T) {
	input := `{"verdict": "unique", "confidence": 0.4, "reasoning": "see https://politi.dk/nyheder for details",}`
	result := Parse[testVerdict](input, ParseOptions{Quiet: true})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "see https://politi.dk/nyheder for details", result.Data.Reasoning)
}

func TestParseFailures(t *testing.T) {
	empty := Parse[testVerdict]("   ", ParseOptions{Context: "adjudicator response"})
	assert.False(t, empty.Success)
	assert.Equal(t, "adjudicator response: empty input", empty.Error)

	prose := Parse[testVerdict]("I cannot decide whether these are the same event.", ParseOptions{Quiet: true})
	assert.False(t, prose.Success)
}

func TestParseIntoAnyFields(t *testing.T) {
	result := Parse[RawVerdict](`{"verdict": "duplicate", "confidence": "high"}`)
	require.True(t, result.Success)
	assert.Equal(t, "duplicate", result.Data.Verdict)
	assert.Equal(t, "high", result.Data.Confidence)
	assert.Nil(t, result.Data.Reasoning)
}

func TestRemoveCodeFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, removeCodeFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, removeCodeFences("```{\"a\":1}```"))
	assert.Equal(t, `{"a":1}`, removeCodeFences("`{\"a\":1}`"))
	assert.Equal(t, `{"a":1}`, removeCodeFences(`{"a":1}`))
}

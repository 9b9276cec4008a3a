package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLLM struct {
	reply      string
	err        error
	lastPrompt string
	calls      int
}

func (f *fakeLLM) Complete(ctx context.Context, prompt, operation string, maxTokens int) (string, error) {
	f.calls++
	f.lastPrompt = prompt
	return f.reply, f.err
}

func TestAdjudicatePromptCarriesFacts(t *testing.T) {
	llm := &fakeLLM{reply: `{"verdict": "duplicate", "confidence": 0.9, "reasoning": "` + goodReasoning + `"}`}
	a := NewAdjudicator(llm, DefaultAdjudicatorConfig(), nil)

	raw, err := a.Adjudicate(context.Background(), closeFacts())
	require.NoError(t, err)
	assert.Equal(t, "duplicate", raw.Verdict)
	assert.Equal(t, 0.9, raw.Confidence)
	assert.NotEmpty(t, raw.Raw)

	assert.Contains(t, llm.lastPrompt, "150 metres")
	assert.Contains(t, llm.lastPrompt, "1.0 hours")
	assert.Contains(t, llm.lastPrompt, "Drone over Copenhagen Airport")
	assert.Contains(t, llm.lastPrompt, "Kastrup closed")
	assert.Contains(t, llm.lastPrompt, "merged_narrative")
}

func TestAdjudicateWithoutNarrativeRequest(t *testing.T) {
	llm := &fakeLLM{reply: `{"verdict": "unique", "confidence": 0.7, "reasoning": "x"}`}
	cfg := DefaultAdjudicatorConfig()
	cfg.RequestMergedNarrative = false
	a := NewAdjudicator(llm, cfg, nil)

	_, err := a.Adjudicate(context.Background(), closeFacts())
	require.NoError(t, err)
	assert.NotContains(t, llm.lastPrompt, "merged_narrative")
}

func TestAdjudicateNoVerdict(t *testing.T) {
	providerErr := errors.New("429 rate limit exceeded")

	tests := []struct {
		name   string
		client LLMClient
		cause  error
	}{
		{"provider error", &fakeLLM{err: providerErr}, providerErr},
		{"unparseable", &fakeLLM{reply: "I am not sure, sorry."}, nil},
		{"no client", nil, ErrProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAdjudicator(tt.client, DefaultAdjudicatorConfig(), nil)
			raw, err := a.Adjudicate(context.Background(), closeFacts())
			assert.Nil(t, raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNoVerdict))
			if tt.cause != nil {
				assert.True(t, errors.Is(err, tt.cause))
			}
		})
	}
}

func TestAdjudicateMalformedPayloadRejectedDownstream(t *testing.T) {
	llm := &fakeLLM{reply: "```json\n{\"verdict\": \"duplicate\", \"confidence\": \"very high\"}\n```"}
	a := NewAdjudicator(llm, DefaultAdjudicatorConfig(), nil)

	raw, err := a.Adjudicate(context.Background(), closeFacts())
	require.NoError(t, err)

	out := NewValidator(DefaultValidatorConfig(), nil).Validate(raw, closeFacts())
	assert.True(t, out.Rejected)
	assert.False(t, out.Merge)
	assert.Equal(t, RuleRequiredFields, out.Rule)
}

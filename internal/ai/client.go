package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/skywatch/corroborate/internal/retry"
)

// DefaultModel is the model used for adjudication when none is configured.
const DefaultModel = "claude-haiku-4-5"

// ErrProviderUnavailable is returned when no LLM client is configured.
var ErrProviderUnavailable = errors.New("llm provider unavailable")

// LLMClient sends one prompt and returns the text reply.
type LLMClient interface {
	Complete(ctx context.Context, prompt, operation string, maxTokens int) (string, error)
}

// AnthropicClient implements LLMClient on the Anthropic Messages API.
type AnthropicClient struct {
	client   *anthropic.Client
	model    string
	executor *retry.Executor
	logger   *slog.Logger
}

// NewAnthropicClient creates a client. The executor applies timeouts, retries,
// rate limits, and the circuit breaker to every call.
func NewAnthropicClient(apiKey, model string, executor *retry.Executor, logger *slog.Logger) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for tier 3 adjudication")
	}
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClient{
		client:   &client,
		model:    model,
		executor: executor,
		logger:   logger.With("component", "tier3"),
	}, nil
}

// Complete makes a single-turn call and concatenates the text blocks of the reply.
func (c *AnthropicClient) Complete(ctx context.Context, prompt, operation string, maxTokens int) (string, error) {
	startTime := time.Now()
	if maxTokens == 0 {
		maxTokens = 1024
	}

	var response *anthropic.Message
	call := func(attemptCtx context.Context) error {
		resp, apiErr := c.client.Messages.New(attemptCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.model),
			MaxTokens: int64(maxTokens),
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if apiErr != nil {
			return apiErr
		}
		response = resp
		return nil
	}

	var err error
	if c.executor != nil {
		err = c.executor.Do(ctx, operation, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", fmt.Errorf("anthropic API call failed: %w", err)
	}

	var sb strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	c.logger.Debug("llm call complete",
		"operation", operation,
		"input_tokens", response.Usage.InputTokens,
		"output_tokens", response.Usage.OutputTokens,
		"duration", time.Since(startTime))
	return sb.String(), nil
}

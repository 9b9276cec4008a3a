// Package retry wraps calls to external model providers with per-attempt timeouts,
// exponential backoff, rate limiting, a concurrency cap, and a circuit breaker.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures the breaker guarding a provider.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"` // Consecutive failures before opening
	SuccessThreshold int           `yaml:"success_threshold"` // Probes allowed while half-open
	OpenTimeout      time.Duration `yaml:"open_timeout"`      // How long to keep circuit open
}

// Policy holds retry configuration for provider calls
type Policy struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Timeout           time.Duration `yaml:"timeout"` // Per-attempt timeout

	// RatePerSecond of 0 disables the limiter.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`

	// MaxConcurrentCalls of 0 means unlimited.
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// DefaultPolicy returns the default retry policy
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:         2,
		InitialBackoff:     500 * time.Millisecond,
		MaxBackoff:         10 * time.Second,
		BackoffMultiplier:  2.0,
		Timeout:            30 * time.Second,
		RatePerSecond:      10,
		Burst:              5,
		MaxConcurrentCalls: 4,
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenTimeout:      30 * time.Second,
		},
	}
}

// Validate checks if the policy has valid values
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative (got %d)", p.MaxRetries)
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 {
		return fmt.Errorf("backoff durations must be non-negative")
	}
	if p.MaxBackoff < p.InitialBackoff {
		return fmt.Errorf("max_backoff (%v) must be >= initial_backoff (%v)", p.MaxBackoff, p.InitialBackoff)
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1 (got %.2f)", p.BackoffMultiplier)
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive (got %v)", p.Timeout)
	}
	if p.RatePerSecond < 0 {
		return fmt.Errorf("rate_per_second must be non-negative (got %.2f)", p.RatePerSecond)
	}
	if p.RatePerSecond > 0 && p.Burst < 1 {
		return fmt.Errorf("burst must be at least 1 when rate limiting is enabled (got %d)", p.Burst)
	}
	if p.MaxConcurrentCalls < 0 {
		return fmt.Errorf("max_concurrent_calls must be non-negative (got %d)", p.MaxConcurrentCalls)
	}
	if cb := p.CircuitBreaker; cb.Enabled {
		if cb.FailureThreshold < 1 || cb.SuccessThreshold < 1 {
			return fmt.Errorf("circuit breaker thresholds must be at least 1")
		}
		if cb.OpenTimeout <= 0 {
			return fmt.Errorf("circuit breaker open_timeout must be positive (got %v)", cb.OpenTimeout)
		}
	}
	return nil
}

// Executor runs operations against one provider under a Policy.
// It is safe for concurrent use.
type Executor struct {
	name    string
	policy  Policy
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

// NewExecutor creates an executor. name labels the circuit breaker and log lines.
func NewExecutor(name string, policy Policy, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		name:   name,
		policy: policy,
		logger: logger.With("component", "retry", "provider", name),
	}
	if policy.RatePerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(policy.RatePerSecond), policy.Burst)
	}
	if policy.MaxConcurrentCalls > 0 {
		e.sem = semaphore.NewWeighted(int64(policy.MaxConcurrentCalls))
	}
	if cb := policy.CircuitBreaker; cb.Enabled {
		threshold := uint32(cb.FailureThreshold)
		e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: uint32(cb.SuccessThreshold),
			Timeout:     cb.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				e.logger.Warn("circuit breaker state transition", "from", from.String(), "to", to.String())
			},
			// Non-retriable errors (bad request, auth) say nothing about provider health.
			IsSuccessful: func(err error) bool {
				return err == nil || !IsRetriable(err)
			},
		})
	}
	return e
}

// State returns the breaker state for monitoring, or "disabled".
func (e *Executor) State() string {
	if e.breaker == nil {
		return "disabled"
	}
	return e.breaker.State().String()
}

// Do executes fn with retry and exponential backoff. Each attempt gets its own
// timeout derived from ctx.
func (e *Executor) Do(ctx context.Context, operation string, fn func(context.Context) error) error {
	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("failed to acquire concurrency slot for %s: %w", operation, err)
		}
		defer e.sem.Release(1)
	}

	var lastErr error
	backoff := e.policy.InitialBackoff

	for attempt := 0; attempt <= e.policy.MaxRetries; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%s failed: rate limiter: %w", operation, err)
			}
		}

		err := e.attempt(ctx, fn)
		if err == nil {
			if attempt > 0 {
				e.logger.Debug("provider call succeeded after retries", "operation", operation, "retries", attempt)
			}
			return nil
		}

		if errors.Is(err, ErrCircuitOpen) {
			e.logger.Warn("provider call blocked by circuit breaker", "operation", operation)
			return fmt.Errorf("%s failed: %w", operation, err)
		}

		lastErr = err
		if !IsRetriable(err) {
			e.logger.Warn("provider call failed with non-retriable error", "operation", operation, "error", err)
			return err
		}
		if attempt == e.policy.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s failed: context canceled: %w", operation, ctx.Err())
		}

		e.logger.Debug("provider call failed, retrying",
			"operation", operation,
			"attempt", attempt+1,
			"max_attempts", e.policy.MaxRetries+1,
			"backoff", backoff,
			"error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
			backoff = time.Duration(float64(backoff) * e.policy.BackoffMultiplier)
			if backoff > e.policy.MaxBackoff {
				backoff = e.policy.MaxBackoff
			}
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s failed: context canceled during backoff: %w", operation, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, e.policy.MaxRetries+1, lastErr)
}

func (e *Executor) attempt(ctx context.Context, fn func(context.Context) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, e.policy.Timeout)
	defer cancel()

	if e.breaker == nil {
		return fn(attemptCtx)
	}
	_, err := e.breaker.Execute(func() (interface{}, error) {
		return nil, fn(attemptCtx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return err
}

// IsRetriable determines if an error is transient
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if code, ok := statusCode(err); ok {
		return code == 408 || code == 409 || code == 429 || code >= 500
	}

	// SDK errors without a typed status fall back to message heuristics.
	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "429") || strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "overloaded") {
		return true
	}

	if strings.Contains(errStr, "500") || strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") || strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") {
		return true
	}

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "network") {
		return true
	}

	return false
}

func statusCode(err error) (int, bool) {
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) && anthropicErr.StatusCode != 0 {
		return anthropicErr.StatusCode, true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return apiErr.HTTPStatusCode, true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return reqErr.HTTPStatusCode, true
	}
	return 0, false
}

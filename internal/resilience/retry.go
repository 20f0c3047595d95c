package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/MrWong99/banter/internal/observe"
	"github.com/MrWong99/banter/pkg/provider/llm"
)

// RetryConfig tunes a [RetryProvider].
type RetryConfig struct {
	// Name labels this provider in logs and metrics. Default: "llm".
	Name string

	// MaxAttempts is the total number of attempts, including the first.
	// Default: 3.
	MaxAttempts int

	// BaseDelay is the backoff before the first retry; each further retry
	// doubles it. Default: 500ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: 10s.
	MaxDelay time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Name == "" {
		c.Name = "llm"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	return c
}

// RetryProvider wraps an [llm.Provider] with bounded retries on transient
// failures. Only errors that classify as retryable ([llm.ProviderError]
// rate-limited and timeout kinds) are retried; everything else returns
// immediately. Backoff is exponential with full jitter.
//
// Streaming is not retried: a stream that fails mid-flight cannot be resumed
// transparently, so only the initial connection error passes through as-is.
type RetryProvider struct {
	inner   llm.Provider
	cfg     RetryConfig
	logger  *slog.Logger
	metrics *observe.Metrics

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Compile-time interface assertion.
var _ llm.Provider = (*RetryProvider)(nil)

// NewRetryProvider wraps inner with retry behaviour.
func NewRetryProvider(inner llm.Provider, cfg RetryConfig, logger *slog.Logger) *RetryProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryProvider{
		inner:   inner,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: observe.DefaultMetrics(),
		sleep:   sleepCtx,
	}
}

// Complete forwards the request, retrying transient failures with backoff.
func (r *RetryProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		resp, err := r.inner.Complete(ctx, req)
		if err == nil {
			r.metrics.RecordProviderRequest(ctx, r.cfg.Name, "complete", "ok")
			return resp, nil
		}
		lastErr = err
		r.metrics.RecordProviderRequest(ctx, r.cfg.Name, "complete", "error")

		var perr *llm.ProviderError
		if !errors.As(err, &perr) || !perr.Retryable() {
			r.metrics.RecordProviderError(ctx, r.cfg.Name, errorKindLabel(err))
			return nil, err
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		delay := r.backoff(attempt)
		r.logger.Warn("retrying completion after transient failure",
			"attempt", attempt,
			"delay", delay,
			"error", err)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	r.metrics.RecordProviderError(ctx, r.cfg.Name, errorKindLabel(lastErr))
	return nil, lastErr
}

// errorKindLabel extracts the ProviderError kind for metric attributes.
func errorKindLabel(err error) string {
	var perr *llm.ProviderError
	if errors.As(err, &perr) {
		return string(perr.Kind)
	}
	return string(llm.KindUnknown)
}

// StreamCompletion forwards to the wrapped provider without retry.
func (r *RetryProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return r.inner.StreamCompletion(ctx, req)
}

// CountTokens forwards to the wrapped provider.
func (r *RetryProvider) CountTokens(messages []llm.Message) (int, error) {
	return r.inner.CountTokens(messages)
}

// Capabilities forwards to the wrapped provider.
func (r *RetryProvider) Capabilities() llm.ModelCapabilities {
	return r.inner.Capabilities()
}

// backoff computes the delay before retry number attempt (1-based): full
// jitter over an exponentially growing window, capped at MaxDelay.
func (r *RetryProvider) backoff(attempt int) time.Duration {
	window := r.cfg.BaseDelay << (attempt - 1)
	if window > r.cfg.MaxDelay {
		window = r.cfg.MaxDelay
	}
	return time.Duration(rand.Int64N(int64(window)) + 1)
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package conduit

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// retryAdapter wraps an Adapter and re-attempts calls that failed with a
// retryable error kind, using exponential backoff with jitter. Timeouts are
// retried once only; every other retryable kind gets the full budget.
type retryAdapter struct {
	inner       Adapter
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // overall budget across attempts; 0 = no limit
	logger      *slog.Logger  // nil = nopLogger
}

// RetryOption configures a retryAdapter.
type RetryOption func(*retryAdapter)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryAdapter) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryAdapter) { r.baseDelay = d }
}

// RetryTimeout caps the total time across all attempts. The zero value
// (default) disables the cap.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryAdapter) { r.timeout = d }
}

// RetryLogger sets the structured logger for retry events. Retries log at
// WARN, final exhaustion at ERROR. Unset means no output.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryAdapter) { r.logger = l }
}

// WithRetry wraps an adapter with automatic retry on rate limits, upstream
// outages, network failures, and timeouts. When the provider sent a
// Retry-After duration, the delay is at least that long. Compose with any
// Adapter:
//
//	a = conduit.WithRetry(openaicompat.New(key, model))
//	a = conduit.WithRetry(openaicompat.New(key, model), conduit.RetryMaxAttempts(5))
func WithRetry(a Adapter, opts ...RetryOption) Adapter {
	r := &retryAdapter{
		inner:       a,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Name delegates to the inner adapter.
func (r *retryAdapter) Name() string { return r.inner.Name() }

// Generate implements Adapter with retry.
func (r *retryAdapter) Generate(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r.maxAttempts, r.baseDelay, r.inner.Name(), r.logger, func() (*GenerationResponse, error) {
		return r.inner.Generate(ctx, req)
	})
}

// Stream implements Adapter with retry. Only the stream establishment is
// retried — once a handle exists, tokens may already be in flight, and
// re-attempting would duplicate content.
func (r *retryAdapter) Stream(ctx context.Context, req *GenerationRequest) (*StreamHandle, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r.maxAttempts, r.baseDelay, r.inner.Name(), r.logger, func() (*StreamHandle, error) {
		return r.inner.Stream(ctx, req)
	})
}

// withTimeout returns a child context with a deadline if r.timeout is set.
// An earlier existing deadline wins.
func (r *retryAdapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// retryable reports whether err may be re-attempted on attempt i (0-indexed).
// Timeouts get a single retry; the other transient kinds use the full budget.
func retryable(err error, attempt int) bool {
	k := KindOf(err)
	if !k.Retryable() {
		return false
	}
	if k == KindTimeout && attempt >= 1 {
		return false
	}
	return true
}

// retryAfterOf extracts the provider's Retry-After duration, or 0.
func retryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the server's Retry-After value as a minimum.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryCall calls fn up to maxAttempts times, sleeping between transient
// failures.
func retryCall[T any](ctx context.Context, maxAttempts int, base time.Duration, name string, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil || !retryable(err, i) {
			return result, err
		}
		last = err
		logger.Warn("retrying transient error",
			"provider", name,
			"kind", string(KindOf(err)),
			"attempt", i+1,
			"max_attempts", maxAttempts)
		if i < maxAttempts-1 {
			delay := retryDelay(base, i, err)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, WrapErr(KindCancelled, ctx.Err(), "retry wait interrupted")
			case <-timer.C:
			}
		}
	}
	logger.Error("all retry attempts exhausted",
		"provider", name,
		"attempts", maxAttempts,
		"error", last)
	return zero, last
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

var _ Adapter = (*retryAdapter)(nil)

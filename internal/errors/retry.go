package errors

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/config"
)

// RetryPolicy retries an operation while it fails with a retryable error.
// MaxAttempts counts the first call, so 1 disables retries.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Strategy     string // exponential, constant, linear
	Jitter       bool

	logger *slog.Logger
}

// NoRetry returns a policy that runs the operation exactly once.
func NoRetry() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 1, logger: slog.Default()}
}

// NewRetryPolicy builds a policy from configuration.
func NewRetryPolicy(cfg config.RetryConfig, logger *slog.Logger) *RetryPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &RetryPolicy{
		MaxAttempts:  attempts,
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		Strategy:     cfg.Strategy,
		Jitter:       cfg.Jitter,
		logger:       logger.With("component", "retry"),
	}
}

// Do runs fn until it succeeds, fails with a non-retryable error, the attempt
// budget is spent, or ctx is done. The last error from fn is returned.
func (p *RetryPolicy) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if p == nil || p.MaxAttempts <= 1 {
		return fn(ctx)
	}

	logger := p.logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	attempts := 0
	b := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), uint64(p.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		logger.Warn("operation failed, retrying",
			"operation", operation,
			"attempt", attempts,
			"max_attempts", p.MaxAttempts,
			"error_type", Classify(err),
			"wait", wait,
			"error", err)
	})
	if err == nil {
		return nil
	}

	// backoff reports ctx.Err() when the context ends during a wait; keep the
	// operation's own error in the chain as well.
	if ctxErr := ctx.Err(); ctxErr != nil && lastErr != nil && !errors.Is(lastErr, ctxErr) {
		return &retryAborted{cause: ctxErr, last: lastErr}
	}
	if attempts > 1 {
		logger.Error("operation failed after retries",
			"operation", operation,
			"attempts", attempts,
			"error", err)
	}
	return err
}

func (p *RetryPolicy) backOff() backoff.BackOff {
	var strategy backoff.BackOff
	switch p.Strategy {
	case "constant", "fixed":
		strategy = backoff.NewConstantBackOff(p.InitialDelay)
	case "linear":
		strategy = &LinearBackoff{interval: p.InitialDelay, max: p.MaxDelay}
	default:
		exponential := backoff.NewExponentialBackOff()
		if p.InitialDelay > 0 {
			exponential.InitialInterval = p.InitialDelay
		}
		if p.MaxDelay > 0 {
			exponential.MaxInterval = p.MaxDelay
		}
		exponential.MaxElapsedTime = 0
		if !p.Jitter {
			exponential.RandomizationFactor = 0
		}
		return exponential
	}

	if p.Jitter {
		strategy = &JitteredBackoff{BackOff: strategy}
	}
	return strategy
}

// retryAborted carries both the reason retries stopped and the last failure.
type retryAborted struct {
	cause error
	last  error
}

func (e *retryAborted) Error() string {
	return e.cause.Error() + " (last error: " + e.last.Error() + ")"
}

func (e *retryAborted) Unwrap() []error { return []error{e.cause, e.last} }

// LinearBackoff implements a simple linear backoff strategy
type LinearBackoff struct {
	interval time.Duration
	max      time.Duration
	current  time.Duration
}

// NextBackOff returns the next backoff interval
func (lb *LinearBackoff) NextBackOff() time.Duration {
	lb.current += lb.interval
	if lb.max > 0 && lb.current > lb.max {
		lb.current = lb.max
	}
	return lb.current
}

// Reset resets the backoff to its initial state
func (lb *LinearBackoff) Reset() {
	lb.current = 0
}

// JitteredBackoff adds ±10% jitter to another backoff strategy
type JitteredBackoff struct {
	backoff.BackOff
}

// NextBackOff returns the next backoff interval with jitter
func (jb *JitteredBackoff) NextBackOff() time.Duration {
	next := jb.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	offset := (rand.Float64()*2 - 1) * 0.1 * float64(next)
	return next + time.Duration(offset)
}

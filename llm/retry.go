package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig holds retry configuration for backend calls.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per call.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration `yaml:"backoff_base"`

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// DefaultRetryConfig returns sensible retry defaults for backend calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// jitterFactor spreads retries +/- 25% around the computed backoff.
const jitterFactor = 0.25

// newBackOff builds the exponential policy for one call.
func (c RetryConfig) newBackOff(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.BackoffBase
	exp.Multiplier = c.BackoffMultiplier
	exp.MaxInterval = c.MaxBackoff
	exp.RandomizationFactor = jitterFactor
	exp.MaxElapsedTime = 0 // bounded by attempts, not wall time
	exp.Reset()

	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// Retry runs op until it succeeds, returns a non-transient error, the context
// is cancelled, or the attempt budget is spent. The last error is returned.
//
// Only wrap a single backend call with Retry. A stream that has already
// delivered chunks cannot be resumed, so callers wrap the handshake only.
func Retry(ctx context.Context, cfg RetryConfig, logger *slog.Logger, op func() error) error {
	if logger == nil {
		logger = slog.Default()
	}

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if IsCanceled(err) || !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, cfg.newBackOff(ctx), func(err error, wait time.Duration) {
		logger.Debug("Backend call failed, retrying",
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"backoff", wait,
			"error", err)
	})
	return err
}

// RetryValue is Retry for operations that produce a value.
func RetryValue[T any](ctx context.Context, cfg RetryConfig, logger *slog.Logger, op func() (T, error)) (T, error) {
	var out T
	err := Retry(ctx, cfg, logger, func() error {
		v, err := op()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

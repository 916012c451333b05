package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	MaxAttempts         int           // Total attempts including the first (default 3)
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:         3,
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.MaxElapsedTime < 0 {
		c.MaxElapsedTime = d.MaxElapsedTime
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.RandomizationFactor < 0 || c.RandomizationFactor > 1 {
		c.RandomizationFactor = d.RandomizationFactor
	}
	return c
}

func (c RetryConfig) policy(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.InitialInterval
	exp.MaxInterval = c.MaxInterval
	exp.MaxElapsedTime = c.MaxElapsedTime
	exp.Multiplier = c.Multiplier
	exp.RandomizationFactor = c.RandomizationFactor

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.MaxAttempts-1)), ctx)
}

// CallFunc is a downstream call. ctx carries the per-attempt timeout.
type CallFunc func(ctx context.Context) error

// Guard wraps downstream calls with retry and per-dependency circuit breaking.
type Guard struct {
	retry    RetryConfig
	breakers *BreakerRegistry
	logger   *slog.Logger
}

// NewGuard creates a Guard. breakers may be shared with other guards.
func NewGuard(retry RetryConfig, breakers *BreakerRegistry, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if breakers == nil {
		breakers = NewBreakerRegistry(DefaultBreakerConfig(), logger)
	}
	return &Guard{
		retry:    retry.withDefaults(),
		breakers: breakers,
		logger:   logger,
	}
}

// Breakers exposes the guard's breaker registry.
func (g *Guard) Breakers() *BreakerRegistry { return g.breakers }

// Do runs fn through the breaker for key, retrying transient failures with
// exponential backoff and jitter. Each attempt gets its own timeout (0 = none).
// The returned error wraps task.ErrTransientCall or task.ErrPermanentCall.
func (g *Guard) Do(ctx context.Context, key string, timeout time.Duration, fn CallFunc) (int, error) {
	breaker := g.breakers.Get(key)
	attempts := 0

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(&errCallerCanceled{err: err})
		}
		attempts++

		err := breaker.Execute(func() error {
			callCtx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			err := fn(callCtx)
			if err != nil && ctx.Err() != nil {
				return &errCallerCanceled{err: err}
			}
			if err != nil && callCtx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
				// The call ignored its own deadline but still failed; report the timeout.
				return fmt.Errorf("%w: %w", callCtx.Err(), err)
			}
			return err
		})
		if err == nil {
			return nil
		}

		var canceled *errCallerCanceled
		switch {
		case errors.Is(err, ErrBreakerOpen):
			return backoff.Permanent(err)
		case errors.As(err, &canceled):
			return backoff.Permanent(err)
		case !IsTransient(err):
			return backoff.Permanent(Permanent(err))
		}
		return Transient(err)
	}

	notify := func(err error, wait time.Duration) {
		g.logger.Debug("retrying call", "dependency", key, "attempt", attempts, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(operation, g.retry.policy(ctx), notify)
	if err == nil {
		return attempts, nil
	}

	var canceled *errCallerCanceled
	if errors.As(err, &canceled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		return attempts, Transient(fmt.Errorf("%s: call abandoned: %w", key, err))
	}
	return attempts, fmt.Errorf("%s: %w (after %d attempts)", key, classify(err), attempts)
}

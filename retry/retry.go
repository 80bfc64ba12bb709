package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a transient retry loop.
type Policy struct {
	MaxTries        uint
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

// HTTPPolicy is used for calls to remote services: four tries with a 1.5x
// growing delay.
var HTTPPolicy = Policy{
	MaxTries:        4,
	InitialInterval: 500 * time.Millisecond,
	Multiplier:      1.5,
	MaxInterval:     10 * time.Second,
}

func (p Policy) backOff() backoff.BackOff {
	if p.InitialInterval <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do retries op under the policy. notify, if set, is called before each wait.
func Do(ctx context.Context, p Policy, op func() error, notify func(err error, wait time.Duration)) error {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(maxTries(p.MaxTries)),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, opts...)
	return err
}

// ExhaustedError reports that every attempt of a repairable operation failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Option configures WithRepair.
type Option func(*repairConfig)

type repairConfig struct {
	onFailure func(attempt, attempts int, err error)
}

// OnFailure registers a callback run after every failed attempt.
func OnFailure(fn func(attempt, attempts int, err error)) Option {
	return func(c *repairConfig) { c.onFailure = fn }
}

// WithRepair runs op up to attempts times. Before every attempt after the
// first, repair is called to remove whatever the failed attempt left behind.
// op receives the 1-based attempt number. A failing repair stops the loop.
func WithRepair(ctx context.Context, attempts int, op func(ctx context.Context, attempt int) error, repair func(ctx context.Context) error, opts ...Option) error {
	if attempts < 1 {
		attempts = 1
	}
	var cfg repairConfig
	for _, o := range opts {
		o(&cfg)
	}

	attempt := 0
	var lastErr error
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := ctx.Err(); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		attempt++
		if attempt > 1 && repair != nil {
			if err := repair(ctx); err != nil {
				return struct{}{}, backoff.Permanent(fmt.Errorf("repair before attempt %d: %w", attempt, err))
			}
		}
		if err := op(ctx, attempt); err != nil {
			lastErr = err
			if cfg.onFailure != nil {
				cfg.onFailure(attempt, attempts, err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(&backoff.ZeroBackOff{}),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	if lastErr != nil && errors.Is(err, lastErr) && attempt >= attempts {
		return &ExhaustedError{Attempts: attempt, Err: lastErr}
	}
	return err
}

func maxTries(n uint) uint {
	if n == 0 {
		return 1
	}
	return n
}

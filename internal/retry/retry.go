// Package retry re-invokes an exchange call until it succeeds or its
// classified error stops being recoverable.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"bitso-adapter/internal/core"
)

// ErrExhausted marks a recoverable failure that ran out of retries.
var ErrExhausted = errors.New("retries exhausted")

const (
	defaultMaxRetries      = 10
	defaultInitialInterval = time.Second
	defaultMaxInterval     = 4 * time.Second
	defaultMultiplier      = 1.2
)

type Options struct {
	// MaxRetries applies when the classified error carries no retry override.
	MaxRetries          int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err *core.ClassifiedError)
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:      defaultMaxRetries,
		InitialInterval: defaultInitialInterval,
		MaxInterval:     defaultMaxInterval,
		Multiplier:      defaultMultiplier,
	}
}

func (o Options) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.InitialInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = defaultInitialInterval
	}
	b.MaxInterval = o.MaxInterval
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Multiplier = o.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = o.RandomizationFactor
	b.Reset()
	return b
}

// Do runs op until it returns nil, a non-recoverable error, or the retry
// budget of the last classified error is spent. Retries are sequential.
func Do[T any](ctx context.Context, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	b := opts.backOff()
	retries := 0
	for {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		ce, ok := core.AsClassified(err)
		if !ok || !ce.Recoverable {
			return v, err
		}
		budget := opts.MaxRetries
		if ce.RetryOverride > 0 {
			budget = ce.RetryOverride
		}
		if retries >= budget {
			return v, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, retries+1, err)
		}
		delay := ce.BackoffOverride
		if delay <= 0 {
			delay = b.NextBackOff()
		}
		retries++
		if opts.OnRetry != nil {
			opts.OnRetry(retries, delay, ce)
		}
		if err := sleep(ctx, delay); err != nil {
			return v, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

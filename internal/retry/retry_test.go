package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitso-adapter/internal/core"
)

func fastOptions() Options {
	return Options{
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      1.5,
	}
}

func recoverable(retries int, backoff time.Duration) error {
	return &core.ClassifiedError{
		Op:              "getTicker",
		Kind:            core.KindTransientInfra,
		Message:         "ETIMEDOUT",
		Recoverable:     true,
		RetryOverride:   retries,
		BackoffOverride: backoff,
	}
}

func TestDoReturnsFirstSuccess(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastOptions(), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", recoverable(0, 0)
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Fatalf("Do() = %q after %d calls, want ok after 3", got, calls)
	}
}

func TestDoStopsOnFatal(t *testing.T) {
	calls := 0
	fatal := &core.ClassifiedError{Op: "getTicker", Kind: core.KindFatal, Message: "boom"}
	_, err := Do(context.Background(), fastOptions(), func(ctx context.Context) (int, error) {
		calls++
		return 0, fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("Do() error = %v, want %v", err, fatal)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoStopsOnUnclassifiedError(t *testing.T) {
	calls := 0
	plain := errors.New("plain")
	_, err := Do(context.Background(), fastOptions(), func(ctx context.Context) (int, error) {
		calls++
		return 0, plain
	})
	if !errors.Is(err, plain) || calls != 1 {
		t.Fatalf("Do() error = %v calls = %d, want plain after 1 call", err, calls)
	}
}

func TestDoHonorsDefaultBudget(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastOptions(), func(ctx context.Context) (int, error) {
		calls++
		return 0, recoverable(0, 0)
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Do() error = %v, want ErrExhausted", err)
	}
	if _, ok := core.AsClassified(err); !ok {
		t.Fatalf("Do() error = %v, want classified cause in chain", err)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4 (1 + 3 retries)", calls)
	}
}

func TestDoHonorsRetryAndBackoffOverride(t *testing.T) {
	calls := 0
	var delays []time.Duration
	opts := fastOptions()
	opts.OnRetry = func(attempt int, delay time.Duration, err *core.ClassifiedError) {
		delays = append(delays, delay)
	}
	_, err := Do(context.Background(), opts, func(ctx context.Context) (int, error) {
		calls++
		return 0, recoverable(2, 5*time.Millisecond)
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Do() error = %v, want ErrExhausted", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (1 + 2 retries)", calls)
	}
	for i, d := range delays {
		if d != 5*time.Millisecond {
			t.Fatalf("delay[%d] = %s, want 5ms", i, d)
		}
	}
}

func TestDoStopsWhenContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := fastOptions()
	opts.MaxRetries = 100
	opts.OnRetry = func(attempt int, delay time.Duration, err *core.ClassifiedError) {
		if attempt == 2 {
			cancel()
		}
	}
	_, err := Do(ctx, opts, func(ctx context.Context) (int, error) {
		return 0, recoverable(0, time.Second)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
}

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestIsRetryableClassification(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("nil error is not retryable", prop.ForAll(
		func(_ int) bool {
			return !IsRetryable(nil)
		},
		gen.Int(),
	))

	properties.Property("context.Canceled is not retryable", prop.ForAll(
		func(_ int) bool {
			return !IsRetryable(context.Canceled)
		},
		gen.Int(),
	))

	properties.Property("context.DeadlineExceeded is retryable", prop.ForAll(
		func(_ int) bool {
			return IsRetryable(context.DeadlineExceeded)
		},
		gen.Int(),
	))

	properties.Property("transient-marked errors are retryable", prop.ForAll(
		func(msg string) bool {
			return IsRetryable(Transient(errors.New(msg)))
		},
		gen.AlphaString(),
	))

	properties.Property("plain errors are not retryable", prop.ForAll(
		func(msg string) bool {
			return !IsRetryable(errors.New(msg))
		},
		gen.AlphaString(),
	))

	properties.Property("Permanent strips the transient marking", prop.ForAll(
		func(msg string) bool {
			err := Permanent(Transient(errors.New(msg)))
			return !IsRetryable(err) && err.Error() == msg
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestDo(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("successful call returns nil", prop.ForAll(
		func(maxAttempts int) bool {
			cfg := Config{
				MaxAttempts:       maxAttempts,
				InitialBackoff:    time.Millisecond,
				MaxBackoff:        10 * time.Millisecond,
				BackoffMultiplier: 2.0,
			}
			return Do(context.Background(), cfg, func(context.Context) error { return nil }) == nil
		},
		gen.IntRange(1, 10),
	))

	properties.Property("non-retryable error returns after one attempt", prop.ForAll(
		func(maxAttempts int) bool {
			cfg := Config{
				MaxAttempts:       maxAttempts,
				InitialBackoff:    time.Millisecond,
				MaxBackoff:        10 * time.Millisecond,
				BackoffMultiplier: 2.0,
			}
			attempts := 0
			permanent := errors.New("bad input")
			err := Do(context.Background(), cfg, func(context.Context) error {
				attempts++
				return permanent
			})
			return attempts == 1 && errors.Is(err, permanent)
		},
		gen.IntRange(2, 10),
	))

	properties.Property("transient error exhausts the attempt budget", prop.ForAll(
		func(maxAttempts int) bool {
			cfg := Config{
				MaxAttempts:       maxAttempts,
				InitialBackoff:    time.Millisecond,
				MaxBackoff:        10 * time.Millisecond,
				BackoffMultiplier: 2.0,
			}
			attempts := 0
			err := Do(context.Background(), cfg, func(context.Context) error {
				attempts++
				return Transient(errors.New("flaky backend"))
			})
			var exhausted *ExhaustedError
			return attempts == maxAttempts && errors.As(err, &exhausted) && exhausted.Attempts == maxAttempts
		},
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

func TestDoRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		MaxAttempts:       5,
		InitialBackoff:    time.Hour, // backoff wait must be interrupted, not served
		MaxBackoff:        time.Hour,
		BackoffMultiplier: 2.0,
	}

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func(context.Context) error {
			return Transient(errors.New("flaky"))
		})
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

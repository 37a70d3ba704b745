package metrics

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"causalis.dev/retrodict/runtime/retry"
)

// failingSink fails the first failures writes per record name, then accepts.
type failingSink struct {
	mu       sync.Mutex
	failures int
	attempts map[string]int
	accepted []Record
	err      error
}

func newFailingSink(failures int, err error) *failingSink {
	return &failingSink{failures: failures, attempts: make(map[string]int), err: err}
}

func (s *failingSink) Write(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[rec.Name]++
	if s.attempts[rec.Name] <= s.failures {
		return s.err
	}
	s.accepted = append(s.accepted, rec)
	return nil
}

func (s *failingSink) Close(context.Context) error { return nil }

func (s *failingSink) attemptCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[name]
}

func TestCollectorValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := NewCollector(Options{})
	require.ErrorIs(t, err, ErrInvalidOptions)

	_, err = NewCollector(Options{Sink: NewCaptureSink(), QueueSize: -1})
	require.ErrorIs(t, err, ErrInvalidOptions)

	_, err = NewCollector(Options{Sink: NewCaptureSink(), DropPolicy: "newest"})
	require.ErrorIs(t, err, ErrInvalidOptions)
}

func TestCollectorDeliversInOrder(t *testing.T) {
	t.Parallel()

	sink := NewCaptureSink()
	c, err := NewCollector(Options{Sink: sink, QueueSize: 8})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Submit(Record{Name: "m", Value: float64(i)}))
	}
	require.NoError(t, c.Close(context.Background()))

	records := sink.Records()
	require.Len(t, records, 5)
	for i, rec := range records {
		require.Equal(t, float64(i), rec.Value, "single drain goroutine preserves submission order")
		require.False(t, rec.Timestamp.IsZero())
	}

	stats := c.Stats()
	require.Equal(t, int64(5), stats.Submitted)
	require.Equal(t, int64(5), stats.Delivered)
	require.Equal(t, int64(0), stats.Dropped)

	require.ErrorIs(t, c.Submit(Record{Name: "late"}), ErrClosed)
}

func TestCollectorDropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	// A sink gated on a channel keeps the drain goroutine parked so the
	// queue genuinely fills.
	gate := make(chan struct{})
	var delivered atomic.Int64
	sink := sinkFunc(func(ctx context.Context, rec Record) error {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
		delivered.Add(1)
		return nil
	})

	c, err := NewCollector(Options{Sink: sink, QueueSize: 4})
	require.NoError(t, err)

	// One record is popped by the drain and parked; four fill the queue;
	// the rest evict the oldest.
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Submit(Record{Name: "m", Value: float64(i)}))
	}
	require.LessOrEqual(t, c.QueueDepth(), 4)
	require.Greater(t, c.Stats().Dropped, int64(0))

	close(gate)
	require.NoError(t, c.Close(context.Background()))
	require.Equal(t, c.Stats().Submitted, c.Stats().Delivered+c.Stats().Dropped)
}

func TestCollectorSubmitLatencyBounded(t *testing.T) {
	t.Parallel()

	// Sink that never completes until close: every submit must still
	// return promptly under the drop-oldest policy.
	gate := make(chan struct{})
	sink := sinkFunc(func(ctx context.Context, _ Record) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	c, err := NewCollector(Options{Sink: sink, QueueSize: 2})
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 10_000; i++ {
		require.NoError(t, c.Submit(Record{Name: "m", Value: float64(i)}))
	}
	require.Less(t, time.Since(start), 5*time.Second, "submission must not scale with sink latency")

	close(gate)
	require.NoError(t, c.Close(context.Background()))
}

func TestCollectorRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	sink := newFailingSink(2, retry.Transient(errors.New("sink hiccup")))
	c, err := NewCollector(Options{
		Sink: sink,
		Retry: retry.Config{
			MaxAttempts:       3,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
	})
	require.NoError(t, err)

	require.NoError(t, c.Submit(Record{Name: "m", Value: 1}))
	require.NoError(t, c.Close(context.Background()))

	require.Equal(t, 3, sink.attemptCount("m"))
	require.Equal(t, int64(1), c.Stats().Delivered)
	require.Equal(t, int64(0), c.Stats().Failed)
}

func TestCollectorErrorCallbackFiresExactlyOnce(t *testing.T) {
	t.Parallel()

	permanent := errors.New("schema rejected")
	var calls []Record
	var mu sync.Mutex

	sink := sinkFunc(func(context.Context, Record) error { return permanent })
	c, err := NewCollector(Options{
		Sink: sink,
		OnError: func(rec Record, err error) {
			mu.Lock()
			defer mu.Unlock()
			require.ErrorIs(t, err, permanent)
			calls = append(calls, rec)
		},
	})
	require.NoError(t, err)

	require.NoError(t, c.Submit(Record{Name: "a"}))
	require.NoError(t, c.Submit(Record{Name: "b"}))
	require.NoError(t, c.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 2)
	require.Equal(t, "a", calls[0].Name)
	require.Equal(t, "b", calls[1].Name)
	require.Equal(t, int64(2), c.Stats().Failed)
}

func TestCollectorCloseCountsUnflushed(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	defer close(gate)
	sink := sinkFunc(func(ctx context.Context, _ Record) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	c, err := NewCollector(Options{Sink: sink, QueueSize: 16})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Submit(Record{Name: "m", Value: float64(i)}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Close(ctx), context.DeadlineExceeded)

	stats := c.Stats()
	require.Equal(t, int64(5), stats.Unflushed)
	require.Equal(t, int64(0), stats.Failed, "abandoned records are not failures")
}

// sinkFunc adapts a function to the Sink interface.
type sinkFunc func(ctx context.Context, rec Record) error

func (f sinkFunc) Write(ctx context.Context, rec Record) error { return f(ctx, rec) }
func (f sinkFunc) Close(context.Context) error                 { return nil }

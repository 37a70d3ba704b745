// Package metrics implements the asynchronous training-metrics collector: a
// bounded in-memory queue drained by a single background goroutine into a
// pluggable sink. Submission never does I/O and never blocks under the
// default drop-oldest policy, so hot-path workers pay a bounded cost no
// matter how slow the sink is.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"causalis.dev/retrodict/runtime/retry"
	"causalis.dev/retrodict/runtime/telemetry"
)

// DropPolicy selects what Submit does when the queue is full.
type DropPolicy string

// Drop policies.
const (
	// DropOldest evicts the oldest queued record to make room. Default.
	DropOldest DropPolicy = "drop_oldest"
	// Block waits for the drain goroutine to free a slot.
	Block DropPolicy = "block"
)

const defaultQueueSize = 1024

var (
	// ErrInvalidOptions reports an unusable collector configuration.
	ErrInvalidOptions = errors.New("metrics: invalid options")

	// ErrClosed reports a submission after Close.
	ErrClosed = errors.New("metrics: collector closed")
)

type (
	// Record is one scalar measurement.
	Record struct {
		// Name identifies the measurement ("batch.duration_seconds", ...).
		Name string `json:"name"`
		// Value is the measurement itself.
		Value float64 `json:"value"`
		// Tags carries dimensions (run id, batch id, worker).
		Tags map[string]string `json:"tags,omitempty"`
		// Timestamp orders records per submitter. Zero means Submit time.
		Timestamp time.Time `json:"timestamp"`
	}

	// Sink receives drained records. Implementations must tolerate being
	// called from a single goroutine at a time.
	Sink interface {
		// Write delivers one record.
		Write(ctx context.Context, rec Record) error
		// Close releases sink resources.
		Close(ctx context.Context) error
	}

	// Options configures a Collector.
	Options struct {
		// Sink receives drained records. Required.
		Sink Sink
		// QueueSize bounds the in-memory queue. Defaults to 1024.
		QueueSize int
		// DropPolicy selects the full-queue behavior. Defaults to DropOldest.
		DropPolicy DropPolicy
		// Retry bounds redelivery of failed writes. Defaults to
		// retry.DefaultConfig().
		Retry retry.Config
		// OnError is invoked exactly once per record that permanently
		// failed after the retry schedule. Called from the drain goroutine.
		OnError func(rec Record, err error)
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
	}

	// Stats counts the collector's lifetime activity.
	Stats struct {
		// Submitted records accepted by Submit.
		Submitted int64 `json:"submitted"`
		// Delivered records acknowledged by the sink.
		Delivered int64 `json:"delivered"`
		// Dropped records evicted by the drop-oldest policy.
		Dropped int64 `json:"dropped"`
		// Failed records abandoned after the retry schedule.
		Failed int64 `json:"failed"`
		// Unflushed records still queued or in flight when Close gave up.
		Unflushed int64 `json:"unflushed"`
	}

	// Collector is the asynchronous metrics queue.
	Collector struct {
		sink     Sink
		policy   DropPolicy
		retryCfg retry.Config
		onError  func(Record, error)
		logger   telemetry.Logger

		mu       sync.Mutex
		notEmpty *sync.Cond
		notFull  *sync.Cond
		queue    []Record
		head     int
		count    int
		closed   bool

		drainCtx    context.Context
		cancelDrain context.CancelFunc
		drainDone   chan struct{}
		closeOnce   sync.Once
		closeErr    error

		submitted atomic.Int64
		delivered atomic.Int64
		dropped   atomic.Int64
		failed    atomic.Int64
		unflushed atomic.Int64
	}
)

// NewCollector validates the options, starts the drain goroutine and returns
// the collector.
func NewCollector(opts Options) (*Collector, error) {
	if opts.Sink == nil {
		return nil, fmt.Errorf("%w: missing sink", ErrInvalidOptions)
	}
	size := opts.QueueSize
	if size == 0 {
		size = defaultQueueSize
	}
	if size < 1 {
		return nil, fmt.Errorf("%w: queue size %d", ErrInvalidOptions, opts.QueueSize)
	}
	policy := opts.DropPolicy
	switch policy {
	case "":
		policy = DropOldest
	case DropOldest, Block:
	default:
		return nil, fmt.Errorf("%w: drop policy %q", ErrInvalidOptions, opts.DropPolicy)
	}
	retryCfg := opts.Retry
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	drainCtx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		sink:        opts.Sink,
		policy:      policy,
		retryCfg:    retryCfg,
		onError:     opts.OnError,
		logger:      logger,
		queue:       make([]Record, size),
		drainCtx:    drainCtx,
		cancelDrain: cancel,
		drainDone:   make(chan struct{}),
	}
	c.notEmpty = sync.NewCond(&c.mu)
	c.notFull = sync.NewCond(&c.mu)
	go c.drain()
	return c, nil
}

// Submit enqueues a record and returns immediately. Under DropOldest a full
// queue evicts its oldest record; under Block the call waits for space. The
// record's timestamp is stamped here when unset, making per-submitter order
// observable downstream.
func (c *Collector) Submit(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.count == len(c.queue) {
		switch c.policy {
		case Block:
			for c.count == len(c.queue) && !c.closed {
				c.notFull.Wait()
			}
			if c.closed {
				return ErrClosed
			}
		default: // DropOldest
			c.head = (c.head + 1) % len(c.queue)
			c.count--
			c.dropped.Add(1)
		}
	}
	c.queue[(c.head+c.count)%len(c.queue)] = rec
	c.count++
	c.submitted.Add(1)
	c.notEmpty.Signal()
	return nil
}

// Close stops intake, flushes the queue within the context deadline and
// closes the sink. Records not delivered by the deadline are counted as
// unflushed and abandoned. Close is idempotent; later calls return the first
// result.
func (c *Collector) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.notEmpty.Broadcast()
		c.notFull.Broadcast()
		c.mu.Unlock()

		select {
		case <-c.drainDone:
			// Queue fully flushed.
		case <-ctx.Done():
			c.cancelDrain()
			<-c.drainDone
			c.closeErr = ctx.Err()
		}
		c.cancelDrain()

		closeCtx := ctx
		if closeCtx.Err() != nil {
			var cancel context.CancelFunc
			closeCtx, cancel = context.WithTimeout(context.Background(), time.Second)
			defer cancel()
		}
		if err := c.sink.Close(closeCtx); err != nil && c.closeErr == nil {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// Stats returns the lifetime counters.
func (c *Collector) Stats() Stats {
	return Stats{
		Submitted: c.submitted.Load(),
		Delivered: c.delivered.Load(),
		Dropped:   c.dropped.Load(),
		Failed:    c.failed.Load(),
		Unflushed: c.unflushed.Load(),
	}
}

// QueueDepth returns the number of records currently queued.
func (c *Collector) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// drain is the single background consumer: it pops one record at a time and
// writes it to the sink with bounded retries. Holding no lock during sink
// I/O keeps Submit latency independent of sink speed.
func (c *Collector) drain() {
	defer close(c.drainDone)
	for {
		c.mu.Lock()
		for c.count == 0 && !c.closed {
			c.notEmpty.Wait()
		}
		if c.count == 0 {
			c.mu.Unlock()
			return
		}
		rec := c.queue[c.head]
		c.head = (c.head + 1) % len(c.queue)
		c.count--
		c.notFull.Signal()
		c.mu.Unlock()

		err := retry.Do(c.drainCtx, c.retryCfg, func(ctx context.Context) error {
			return c.sink.Write(ctx, rec)
		})
		switch {
		case err == nil:
			c.delivered.Add(1)
		case errors.Is(err, context.Canceled):
			// Close gave up before this record could be attempted in full.
			c.unflushed.Add(1)
		default:
			c.failed.Add(1)
			if c.onError != nil {
				c.onError(rec, err)
			}
		}
	}
}

package trust

import (
	"fmt"
	"sync"
	"time"

	"causalis.dev/retrodict/runtime/telemetry"
)

const (
	defaultFlushThreshold = 256
	defaultFlushInterval  = time.Second
)

type (
	// BufferOptions configures a Buffer.
	BufferOptions struct {
		// Tracker receives the aggregated deltas. Required.
		Tracker *Tracker
		// FlushThreshold triggers a background flush once this many raw
		// outcomes are pending. Defaults to 256.
		FlushThreshold int
		// FlushInterval triggers a background flush on age. Zero keeps the
		// default (1s); negative disables the timer.
		FlushInterval time.Duration
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// Metrics defaults to a noop recorder.
		Metrics telemetry.Metrics
	}

	// Buffer decouples hot-path workers from tracker shard locks: Enqueue
	// aggregates outcomes per rule under a single buffer lock, and one
	// background goroutine drains the aggregate into the tracker when the
	// size threshold, the age interval, or Close fires. Loss is possible
	// only on a hard crash — the buffer is memory-only by design.
	Buffer struct {
		tracker   *Tracker
		threshold int
		interval  time.Duration
		logger    telemetry.Logger
		metrics   telemetry.Metrics

		mu      sync.Mutex
		pending map[string]*Delta
		queued  int64

		kick      chan struct{}
		done      chan struct{}
		wg        sync.WaitGroup
		closeOnce sync.Once
	}
)

// NewBuffer validates the options, starts the background flusher and returns
// the buffer. Callers must Close it to drain outstanding deltas.
func NewBuffer(opts BufferOptions) (*Buffer, error) {
	if opts.Tracker == nil {
		return nil, fmt.Errorf("%w: missing tracker", ErrInvalidOptions)
	}
	if opts.FlushThreshold < 0 {
		return nil, fmt.Errorf("%w: negative flush threshold", ErrInvalidOptions)
	}
	b := &Buffer{
		tracker:   opts.Tracker,
		threshold: opts.FlushThreshold,
		interval:  opts.FlushInterval,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		pending:   make(map[string]*Delta),
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if b.threshold == 0 {
		b.threshold = defaultFlushThreshold
	}
	if b.interval == 0 {
		b.interval = defaultFlushInterval
	}
	if b.logger == nil {
		b.logger = telemetry.NewNoopLogger()
	}
	if b.metrics == nil {
		b.metrics = telemetry.NewNoopMetrics()
	}
	b.wg.Add(1)
	go b.loop()
	return b, nil
}

// Enqueue records one outcome for the rule. It aggregates in memory and
// returns immediately; tracker shard locks are only touched by the flusher.
func (b *Buffer) Enqueue(ruleID string, success bool, turn int64) {
	d := Delta{RuleID: ruleID, Turn: turn}
	if success {
		d.Successes = 1
	} else {
		d.Failures = 1
	}
	b.Add(d)
}

// Add merges an already-aggregated delta into the buffer.
func (b *Buffer) Add(d Delta) {
	if d.Successes == 0 && d.Failures == 0 {
		return
	}
	b.mu.Lock()
	p := b.pending[d.RuleID]
	if p == nil {
		p = &Delta{RuleID: d.RuleID}
		b.pending[d.RuleID] = p
	}
	p.Successes += d.Successes
	p.Failures += d.Failures
	if d.Turn > p.Turn {
		p.Turn = d.Turn
	}
	b.queued += d.Successes + d.Failures
	over := b.queued >= int64(b.threshold)
	b.mu.Unlock()

	if over {
		select {
		case b.kick <- struct{}{}:
		default: // a flush is already signaled
		}
	}
}

// Flush synchronously drains the buffer into the tracker.
func (b *Buffer) Flush() {
	b.flush("manual")
}

// Pending returns the number of raw outcomes waiting to be flushed.
func (b *Buffer) Pending() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queued
}

// Close stops the background flusher and performs a final synchronous drain.
// It is idempotent and never loses buffered deltas on a clean shutdown.
func (b *Buffer) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
		b.flush("close")
	})
	return nil
}

func (b *Buffer) loop() {
	defer b.wg.Done()
	var tickC <-chan time.Time
	if b.interval > 0 {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		tickC = ticker.C
	}
	for {
		select {
		case <-b.done:
			return
		case <-b.kick:
			b.flush("threshold")
		case <-tickC:
			b.flush("interval")
		}
	}
}

// flush drains the aggregate under the buffer lock, then applies it to the
// tracker outside the lock so enqueues never wait on shard acquisition.
func (b *Buffer) flush(trigger string) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	deltas := make([]Delta, 0, len(b.pending))
	for _, d := range b.pending {
		deltas = append(deltas, *d)
	}
	outcomes := b.queued
	b.pending = make(map[string]*Delta)
	b.queued = 0
	b.mu.Unlock()

	b.tracker.BatchUpdate(deltas)
	b.metrics.IncCounter("trust.buffer.flushes", 1, "trigger", trigger)
	b.metrics.RecordGauge("trust.buffer.flushed_outcomes", float64(outcomes), "trigger", trigger)
}

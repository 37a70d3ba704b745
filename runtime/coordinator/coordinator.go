// Package coordinator executes planned batches to completion on a
// work-stealing worker pool. Each worker owns a deque seeded from a bounded
// feed channel and steals from its peers when idle; a supervisor goroutine
// owns aggregation, progress reporting, event publication and the run-abort
// gate, so callers never need thread-safe callbacks. Batch failures are
// values on the completion channel, never panics crossing a batch boundary.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"causalis.dev/retrodict/runtime/events"
	"causalis.dev/retrodict/runtime/plan"
	"causalis.dev/retrodict/runtime/retry"
	"causalis.dev/retrodict/runtime/rules"
	"causalis.dev/retrodict/runtime/store"
	"causalis.dev/retrodict/runtime/telemetry"
	"causalis.dev/retrodict/runtime/trust"
)

// BatchStatus is a batch's terminal state.
type BatchStatus string

// Batch statuses.
const (
	StatusSucceeded BatchStatus = "succeeded"
	StatusFailed    BatchStatus = "failed"
	StatusCancelled BatchStatus = "cancelled"
)

// Failure reasons recorded on failed and cancelled batches.
const (
	ReasonTimeout       = "timeout"
	ReasonRuleExecution = "rule_execution"
	ReasonDataMissing   = "data_missing"
	ReasonUnavailable   = "backend_unavailable"
	ReasonCancelled     = "cancelled"
	ReasonError         = "error"
)

// ErrInvalidOptions reports an unusable coordinator configuration.
var ErrInvalidOptions = errors.New("coordinator: invalid options")

// errAborted is the cancellation cause installed by the run-abort gate.
var errAborted = errors.New("coordinator: run aborted by success-ratio gate")

type (
	// BatchExecutor runs one batch against its data window. Implementations
	// buffer trust deltas locally and return them in the outcome; the
	// coordinator enqueues them only when the batch succeeds, which keeps
	// trust updates all-or-nothing per batch.
	BatchExecutor interface {
		ExecuteBatch(ctx context.Context, b plan.Batch) (Outcome, error)
	}

	// Dispatcher is the run-execution contract shared by the local pool and
	// the distributed backend. Aggregation semantics are identical either way.
	Dispatcher interface {
		Dispatch(ctx context.Context, runID string, batches []plan.Batch) (Aggregate, error)
	}

	// Outcome is what a batch execution produced, reported by the executor
	// before the coordinator assigns a terminal status.
	Outcome struct {
		// Turns is the number of turns advanced, Aborts the subset rolled
		// back by rule failures.
		Turns  int64
		Aborts int64
		// Rows is the number of observation rows consumed.
		Rows int64
		// TrustDeltas are the per-rule outcome counts accumulated locally.
		TrustDeltas []trust.Delta
		// Metrics carries scalar measurements for the result record.
		Metrics map[string]float64
		// TraceRef hands the caller a handle to the batch's audit entries.
		TraceRef string
	}

	// Result is one batch's terminal record.
	Result struct {
		BatchID  string        `json:"batch_id"`
		Index    int           `json:"index"`
		Status   BatchStatus   `json:"status"`
		Reason   string        `json:"reason,omitempty"`
		Error    string        `json:"error,omitempty"`
		Worker   int           `json:"worker"`
		Attempts int           `json:"attempts"`
		Duration time.Duration `json:"duration_ns"`
		Turns    int64         `json:"turns"`
		Rows     int64         `json:"rows"`
		// TrustDeltas is populated on success only.
		TrustDeltas []trust.Delta      `json:"trust_deltas,omitempty"`
		Metrics     map[string]float64 `json:"metrics,omitempty"`
		TraceRef    string             `json:"trace_ref,omitempty"`
	}

	// Aggregate is the commutative reduction of every batch result. Its
	// contents are invariant to completion order and worker count.
	Aggregate struct {
		RunID       string        `json:"run_id"`
		Total       int           `json:"total"`
		Succeeded   int           `json:"succeeded"`
		Failed      int           `json:"failed"`
		Cancelled   int           `json:"cancelled"`
		SuccessRate float64       `json:"success_rate"`
		Aborted     bool          `json:"aborted,omitempty"`
		AbortReason string        `json:"abort_reason,omitempty"`
		Wall        time.Duration `json:"wall_ns"`
		// Sequential estimates single-worker wall time: the sum of batch
		// durations. Wall vs Sequential yields the speedup figure.
		Sequential time.Duration `json:"sequential_ns"`
		// Results holds every batch in planning order.
		Results []Result `json:"results"`
	}

	// ProgressFunc receives the supervisor's completion reports. Invoked on
	// the supervisor goroutine only.
	ProgressFunc func(completed, total, inFlight int, eta time.Duration)

	// Options configures a Coordinator.
	Options struct {
		// Executor runs individual batches. Required.
		Executor BatchExecutor
		// Workers sizes the pool. Defaults to GOMAXPROCS-1, floor 1.
		Workers int
		// QueueDepth bounds the feed channel; planning blocks when it is
		// full. Defaults to 2×Workers.
		QueueDepth int
		// StealChunk is how many extra batches a worker pulls from the feed
		// per refill, leaving them stealable in its deque. Defaults to 4.
		StealChunk int
		// BatchTimeout caps one batch's wall clock across all attempts. On
		// expiry the batch fails with reason timeout and its trust deltas
		// are discarded. Zero disables the cap.
		BatchTimeout time.Duration
		// Retry bounds redelivery of transient batch failures. Defaults to
		// retry.DefaultConfig().
		Retry retry.Config
		// MinSuccessRatio aborts the run when the observed success ratio
		// falls below it after MinSampleBatches completions. Zero disables
		// the gate.
		MinSuccessRatio  float64
		MinSampleBatches int
		// Trust receives successful batches' deltas. Optional.
		Trust *trust.Buffer
		// Bus receives lifecycle events. Optional.
		Bus events.Bus
		// OnProgress receives completion reports. Optional.
		OnProgress ProgressFunc
		// Logger and Metrics default to noops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Coordinator dispatches batches. Safe for one Dispatch at a time per
	// run id; distinct runs may proceed concurrently.
	Coordinator struct {
		executor     BatchExecutor
		workers      int
		queueDepth   int
		stealChunk   int
		batchTimeout time.Duration
		retryCfg     retry.Config
		minRatio     float64
		minSample    int
		trust        *trust.Buffer
		bus          events.Bus
		onProgress   ProgressFunc
		logger       telemetry.Logger
		metrics      telemetry.Metrics
	}

	// note is the single channel message type from workers to the
	// supervisor: either a start notification or a terminal result.
	note struct {
		started *startNote
		result  *Result
	}

	startNote struct {
		batchID string
		worker  int
		attempt int
	}

	// run is the per-dispatch shared state.
	run struct {
		feed      chan plan.Batch
		fedClosed atomic.Bool
		deques    []*deque
		unstarted atomic.Int64
		notes     chan note
	}
)

// New validates the options and returns a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Executor == nil {
		return nil, fmt.Errorf("%w: missing executor", ErrInvalidOptions)
	}
	workers := opts.Workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0) - 1
		if workers < 1 {
			workers = 1
		}
	}
	if workers < 1 {
		return nil, fmt.Errorf("%w: workers %d", ErrInvalidOptions, opts.Workers)
	}
	depth := opts.QueueDepth
	if depth == 0 {
		depth = 2 * workers
	}
	if depth < 1 {
		return nil, fmt.Errorf("%w: queue depth %d", ErrInvalidOptions, opts.QueueDepth)
	}
	chunk := opts.StealChunk
	if chunk == 0 {
		chunk = 4
	}
	if chunk < 1 {
		return nil, fmt.Errorf("%w: steal chunk %d", ErrInvalidOptions, opts.StealChunk)
	}
	if opts.MinSuccessRatio < 0 || opts.MinSuccessRatio > 1 {
		return nil, fmt.Errorf("%w: min success ratio %v outside [0,1]", ErrInvalidOptions, opts.MinSuccessRatio)
	}
	retryCfg := opts.Retry
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Coordinator{
		executor:     opts.Executor,
		workers:      workers,
		queueDepth:   depth,
		stealChunk:   chunk,
		batchTimeout: opts.BatchTimeout,
		retryCfg:     retryCfg,
		minRatio:     opts.MinSuccessRatio,
		minSample:    opts.MinSampleBatches,
		trust:        opts.Trust,
		bus:          opts.Bus,
		onProgress:   opts.OnProgress,
		logger:       logger,
		metrics:      metrics,
	}, nil
}

// Dispatch implements Dispatcher by running the batches on the local pool.
func (c *Coordinator) Dispatch(ctx context.Context, runID string, batches []plan.Batch) (Aggregate, error) {
	return c.Run(ctx, runID, batches)
}

// Run executes the batches to completion or cancellation and returns the
// aggregate. Cancellation and the abort gate surface in the aggregate, not as
// an error; the error return covers setup problems only.
func (c *Coordinator) Run(ctx context.Context, runID string, batches []plan.Batch) (Aggregate, error) {
	if runID == "" {
		return Aggregate{}, fmt.Errorf("%w: missing run id", ErrInvalidOptions)
	}
	start := time.Now()
	agg := Aggregate{RunID: runID, Total: len(batches)}
	if len(batches) == 0 {
		agg.SuccessRate = 1
		return agg, nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	c.publish(ctx, events.RunStarted{
		Base:         events.NewBase(events.TypeRunStarted, runID),
		TotalBatches: len(batches),
		Workers:      c.workers,
	})
	for _, b := range batches {
		c.publish(ctx, events.BatchPlanned{
			Base:     events.NewBase(events.TypeBatchPlanned, runID),
			BatchID:  b.ID,
			Index:    b.Index,
			Priority: b.Priority,
		})
	}

	r := &run{
		feed:   make(chan plan.Batch, c.queueDepth),
		deques: make([]*deque, c.workers),
		notes:  make(chan note),
	}
	for i := range r.deques {
		r.deques[i] = &deque{}
	}
	r.unstarted.Store(int64(len(batches)))

	// Feeder: pushes in planning order, blocking when the queue is full so
	// planning never outruns execution by more than the queue depth.
	go func() {
		defer func() {
			close(r.feed)
			r.fedClosed.Store(true)
		}()
		for _, b := range batches {
			select {
			case r.feed <- b:
			case <-runCtx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < c.workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			c.workerLoop(runCtx, runID, w, r)
		}(w)
	}
	go func() {
		wg.Wait()
		close(r.notes)
	}()

	// Supervisor: the only goroutine that aggregates, reports progress and
	// decides run-level fate.
	byIndex := make(map[int]Result, len(batches))
	var durSum time.Duration
	inFlight, completed := 0, 0
	for n := range r.notes {
		if n.started != nil {
			inFlight++
			c.publish(ctx, events.BatchStarted{
				Base:    events.NewBase(events.TypeBatchStarted, runID),
				BatchID: n.started.batchID,
				Worker:  n.started.worker,
				Attempt: n.started.attempt,
			})
			continue
		}
		res := *n.result
		inFlight--
		completed++
		durSum += res.Duration
		byIndex[res.Index] = res
		switch res.Status {
		case StatusSucceeded:
			agg.Succeeded++
		case StatusFailed:
			agg.Failed++
		default:
			agg.Cancelled++
		}
		c.metrics.IncCounter("coordinator.batches", 1, "status", string(res.Status))
		c.publish(ctx, events.BatchCompleted{
			Base:     events.NewBase(events.TypeBatchCompleted, runID),
			BatchID:  res.BatchID,
			Status:   string(res.Status),
			Error:    res.Error,
			Duration: res.Duration,
		})

		eta := c.eta(durSum, completed, len(batches))
		if c.onProgress != nil {
			c.onProgress(completed, len(batches), inFlight, eta)
		}
		c.publish(ctx, events.Progress{
			Base:      events.NewBase(events.TypeProgress, runID),
			Completed: completed,
			Total:     len(batches),
			InFlight:  inFlight,
			ETA:       eta,
		})

		if !agg.Aborted && c.minRatio > 0 && completed >= c.minSample && c.minSample > 0 {
			ratio := float64(agg.Succeeded) / float64(completed)
			if ratio < c.minRatio {
				agg.Aborted = true
				agg.AbortReason = fmt.Sprintf("success ratio %.3f below floor %.3f after %d batches", ratio, c.minRatio, completed)
				c.logger.Warn(ctx, "aborting run", "run_id", runID, "reason", agg.AbortReason)
				cancel(errAborted)
			}
		}
	}

	// Batches that never produced a result were cancelled before starting.
	agg.Results = make([]Result, 0, len(batches))
	for _, b := range batches {
		res, ok := byIndex[b.Index]
		if !ok {
			res = Result{BatchID: b.ID, Index: b.Index, Status: StatusCancelled, Reason: ReasonCancelled}
			agg.Cancelled++
		}
		agg.Results = append(agg.Results, res)
	}
	agg.SuccessRate = float64(agg.Succeeded) / float64(agg.Total)
	agg.Wall = time.Since(start)
	agg.Sequential = durSum

	c.publish(ctx, events.RunCompleted{
		Base:      events.NewBase(events.TypeRunCompleted, runID),
		State:     agg.State(),
		Succeeded: agg.Succeeded,
		Failed:    agg.Failed,
		Cancelled: agg.Cancelled,
	})
	c.logger.Info(ctx, "run finished", "run_id", runID, "state", agg.State(),
		"succeeded", agg.Succeeded, "failed", agg.Failed, "cancelled", agg.Cancelled,
		"wall", agg.Wall)
	return agg, nil
}

// State derives the run-level terminal state: cancelled when any batch was
// cut short by external cancellation, failed when the abort gate fired, else
// completed (individual batch failures leave the run completed).
func (a Aggregate) State() string {
	switch {
	case a.Aborted:
		return "failed"
	case a.Cancelled > 0:
		return "cancelled"
	default:
		return "completed"
	}
}

// Speedup returns the sequential-estimate/wall ratio, 1 when unknown.
func (a Aggregate) Speedup() float64 {
	if a.Wall <= 0 || a.Sequential <= 0 {
		return 1
	}
	return float64(a.Sequential) / float64(a.Wall)
}

func (c *Coordinator) eta(durSum time.Duration, completed, total int) time.Duration {
	if completed == 0 {
		return 0
	}
	remaining := total - completed
	avg := durSum / time.Duration(completed)
	return avg * time.Duration(remaining) / time.Duration(c.workers)
}

func (c *Coordinator) publish(ctx context.Context, ev events.Event) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, ev); err != nil {
		c.logger.Error(ctx, "event publication failed", "type", string(ev.Type()), "err", err)
	}
}

// workerLoop takes batches until cancellation or work exhaustion.
func (c *Coordinator) workerLoop(ctx context.Context, runID string, w int, r *run) {
	for {
		b, ok := r.next(ctx, w, c.stealChunk)
		if !ok {
			return
		}
		r.notes <- note{started: &startNote{batchID: b.ID, worker: w, attempt: 1}}
		res := c.execute(ctx, w, b)
		r.notes <- note{result: &res}
	}
}

// execute runs one batch with the per-batch timeout and the transient retry
// schedule, then classifies the outcome. Trust deltas reach the shared buffer
// only on success.
func (c *Coordinator) execute(ctx context.Context, w int, b plan.Batch) Result {
	start := time.Now()
	bctx := ctx
	if c.batchTimeout > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(ctx, c.batchTimeout)
		defer cancel()
	}

	attempts := 0
	var out Outcome
	err := retry.Do(bctx, c.retryCfg, func(ctx context.Context) error {
		attempts++
		var execErr error
		out, execErr = c.executor.ExecuteBatch(ctx, b)
		return execErr
	})

	res := Result{
		BatchID:  b.ID,
		Index:    b.Index,
		Worker:   w,
		Attempts: attempts,
		Duration: time.Since(start),
		Turns:    out.Turns,
		Rows:     out.Rows,
		Metrics:  out.Metrics,
		TraceRef: out.TraceRef,
	}
	switch {
	case err == nil:
		res.Status = StatusSucceeded
		res.TrustDeltas = out.TrustDeltas
		if c.trust != nil {
			for _, d := range out.TrustDeltas {
				c.trust.Add(d)
			}
		}
	case ctx.Err() != nil:
		// Run-level cancellation, not a batch fault.
		res.Status = StatusCancelled
		res.Reason = ReasonCancelled
	case errors.Is(bctx.Err(), context.DeadlineExceeded):
		res.Status = StatusFailed
		res.Reason = ReasonTimeout
		res.Error = err.Error()
	default:
		res.Status = StatusFailed
		res.Reason = classify(err)
		res.Error = err.Error()
	}
	return res
}

// classify maps a terminal batch error to its summary reason.
func classify(err error) string {
	var ruleErr *rules.RuleExecutionError
	switch {
	case errors.As(err, &ruleErr):
		return ReasonRuleExecution
	case errors.Is(err, store.ErrNotFound):
		return ReasonDataMissing
	case errors.Is(err, store.ErrUnavailable):
		return ReasonUnavailable
	default:
		return ReasonError
	}
}

// next yields the worker's next batch: own deque tail first, then the feed
// (grabbing a small chunk so peers have something to steal), then peers'
// deque heads. Returns false once the run is cancelled or no work remains.
func (r *run) next(ctx context.Context, w, chunk int) (plan.Batch, bool) {
	for {
		if ctx.Err() != nil {
			return plan.Batch{}, false
		}
		if b, ok := r.deques[w].pop(); ok {
			r.unstarted.Add(-1)
			return b, true
		}
		select {
		case b, ok := <-r.feed:
			if ok {
				r.refill(w, chunk-1)
				r.unstarted.Add(-1)
				return b, true
			}
		default:
		}
		for i := 1; i < len(r.deques); i++ {
			if b, ok := r.deques[(w+i)%len(r.deques)].steal(); ok {
				r.unstarted.Add(-1)
				return b, true
			}
		}
		if r.fedClosed.Load() && r.unstarted.Load() == 0 {
			return plan.Batch{}, false
		}
		// Either the feeder has more to give or a refill is mid-flight in a
		// peer; wait for the feed briefly and rescan.
		select {
		case <-ctx.Done():
			return plan.Batch{}, false
		case b, ok := <-r.feed:
			if ok {
				r.unstarted.Add(-1)
				return b, true
			}
		case <-time.After(200 * time.Microsecond):
		}
	}
}

// refill drains up to n immediately available batches from the feed into the
// worker's own deque.
func (r *run) refill(w, n int) {
	for i := 0; i < n; i++ {
		select {
		case b, ok := <-r.feed:
			if !ok {
				return
			}
			r.deques[w].push(b)
		default:
			return
		}
	}
}

// Package temporal implements the coordinator's Dispatcher interface on
// Temporal, so batch training can fan out across machines instead of one
// process's worker pool. A run becomes one workflow execution; each batch
// becomes one activity. Planning order, aggregation and the all-or-nothing
// trust rule are preserved: the workflow collects results in planning order
// and trust deltas are enqueued only for batches that succeeded.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"causalis.dev/retrodict/runtime/coordinator"
	"causalis.dev/retrodict/runtime/plan"
	"causalis.dev/retrodict/runtime/retry"
	"causalis.dev/retrodict/runtime/rules"
	"causalis.dev/retrodict/runtime/store"
	"causalis.dev/retrodict/runtime/telemetry"
	"causalis.dev/retrodict/runtime/trust"
)

// Workflow and activity registration names.
const (
	WorkflowName = "retrodict-run"
	ActivityName = "train-batch"

	defaultTaskQueue    = "retrodict"
	defaultBatchTimeout = 10 * time.Minute
	defaultMaxAttempts  = 3
)

type (
	// Options configures the dispatcher.
	Options struct {
		// Client is an optional pre-configured Temporal client. When nil a
		// lazy client is built from ClientOptions and OTEL tracing is wired
		// automatically.
		Client client.Client
		// ClientOptions describe the connection when Client is nil.
		ClientOptions *client.Options
		// TaskQueue names the queue the run workflow and batch activities
		// share. Defaults to "retrodict".
		TaskQueue string
		// Executor runs batches on the worker side. Required.
		Executor coordinator.BatchExecutor
		// Trust receives successful batches' deltas after the workflow
		// completes. Optional.
		Trust *trust.Buffer
		// BatchTimeout caps one activity attempt. Defaults to 10m.
		BatchTimeout time.Duration
		// MaxAttempts bounds Temporal's activity retries. Defaults to 3.
		MaxAttempts int
		// WorkerOptions are forwarded to worker.New.
		WorkerOptions worker.Options
		// DisableTracing skips the OTEL tracing interceptor.
		DisableTracing bool
		// TracerOptions customize the OTEL interceptor.
		TracerOptions temporalotel.TracerOptions
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
	}

	// Dispatcher implements coordinator.Dispatcher on Temporal.
	Dispatcher struct {
		client       client.Client
		closeClient  bool
		taskQueue    string
		worker       worker.Worker
		trust        *trust.Buffer
		batchTimeout time.Duration
		maxAttempts  int
		logger       telemetry.Logger

		startOnce sync.Once
		startErr  error
	}

	// runInput is the workflow argument.
	runInput struct {
		RunID        string        `json:"run_id"`
		Batches      []plan.Batch  `json:"batches"`
		BatchTimeout time.Duration `json:"batch_timeout"`
		MaxAttempts  int           `json:"max_attempts"`
	}

	// activities holds the worker-side dependencies.
	activities struct {
		executor coordinator.BatchExecutor
	}
)

// New builds the dispatcher, registering the run workflow and the batch
// activity on a worker for the task queue. The worker starts lazily on the
// first Dispatch; call Start to start it eagerly.
func New(opts Options) (*Dispatcher, error) {
	if opts.Executor == nil {
		return nil, errors.New("temporal dispatcher: executor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	taskQueue := opts.TaskQueue
	if taskQueue == "" {
		taskQueue = defaultTaskQueue
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, errors.New("temporal dispatcher: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		if !opts.DisableTracing {
			tracingInterceptor, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
			if err != nil {
				return nil, fmt.Errorf("temporal dispatcher: tracing interceptor: %w", err)
			}
			clientOpts.Interceptors = append(clientOpts.Interceptors, tracingInterceptor)
		}
		var err error
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal dispatcher: create client: %w", err)
		}
		closeClient = true
	}

	w := worker.New(cli, taskQueue, opts.WorkerOptions)
	w.RegisterWorkflowWithOptions(TrainRunWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivityWithOptions((&activities{executor: opts.Executor}).TrainBatch,
		activity.RegisterOptions{Name: ActivityName})

	batchTimeout := opts.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	return &Dispatcher{
		client:       cli,
		closeClient:  closeClient,
		taskQueue:    taskQueue,
		worker:       w,
		trust:        opts.Trust,
		batchTimeout: batchTimeout,
		maxAttempts:  maxAttempts,
		logger:       logger,
	}, nil
}

// Start starts the task-queue worker. Idempotent.
func (d *Dispatcher) Start() error {
	d.startOnce.Do(func() {
		d.startErr = d.worker.Start()
	})
	return d.startErr
}

// Close stops the worker and releases the client when owned.
func (d *Dispatcher) Close() {
	d.worker.Stop()
	if d.closeClient {
		d.client.Close()
	}
}

// Dispatch implements coordinator.Dispatcher: one workflow execution per
// run, awaited synchronously so callers keep the local dispatcher's
// contract.
func (d *Dispatcher) Dispatch(ctx context.Context, runID string, batches []plan.Batch) (coordinator.Aggregate, error) {
	if err := d.Start(); err != nil {
		return coordinator.Aggregate{}, fmt.Errorf("temporal dispatcher: start worker: %w", err)
	}

	input := runInput{
		RunID:        runID,
		Batches:      batches,
		BatchTimeout: d.batchTimeout,
		MaxAttempts:  d.maxAttempts,
	}
	run, err := d.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        fmt.Sprintf("%s/%s", WorkflowName, runID),
		TaskQueue: d.taskQueue,
	}, WorkflowName, input)
	if err != nil {
		return coordinator.Aggregate{}, fmt.Errorf("temporal dispatcher: start workflow: %w", err)
	}

	var agg coordinator.Aggregate
	if err := run.Get(ctx, &agg); err != nil {
		return coordinator.Aggregate{}, fmt.Errorf("temporal dispatcher: run %s: %w", runID, err)
	}
	if d.trust != nil {
		for _, res := range agg.Results {
			if res.Status != coordinator.StatusSucceeded {
				continue
			}
			for _, delta := range res.TrustDeltas {
				d.trust.Add(delta)
			}
		}
	}
	return agg, nil
}

// TrainRunWorkflow fans the run's batches out as activities and reduces
// their results into the planning-order aggregate.
func TrainRunWorkflow(ctx workflow.Context, input runInput) (coordinator.Aggregate, error) {
	timeout := input.BatchTimeout
	if timeout <= 0 {
		timeout = defaultBatchTimeout
	}
	attempts := input.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	actx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:        int32(attempts),
			NonRetryableErrorTypes: []string{"PermanentBatchFailure"},
		},
	})

	started := workflow.Now(ctx)
	futures := make([]workflow.Future, len(input.Batches))
	for i, batch := range input.Batches {
		futures[i] = workflow.ExecuteActivity(actx, ActivityName, batch)
	}

	agg := coordinator.Aggregate{
		RunID:   input.RunID,
		Total:   len(input.Batches),
		Results: make([]coordinator.Result, len(input.Batches)),
	}
	for i, future := range futures {
		var res coordinator.Result
		if err := future.Get(ctx, &res); err != nil {
			res = coordinator.Result{
				BatchID: input.Batches[i].ID,
				Index:   input.Batches[i].Index,
				Status:  coordinator.StatusFailed,
				Reason:  "error",
				Error:   err.Error(),
			}
			if temporal.IsCanceledError(err) {
				res.Status = coordinator.StatusCancelled
				res.Reason = "cancelled"
			} else if errors.Is(ctx.Err(), workflow.ErrCanceled) {
				res.Status = coordinator.StatusCancelled
				res.Reason = "cancelled"
			} else if temporal.IsTimeoutError(err) {
				res.Reason = "timeout"
			}
		}
		agg.Results[i] = res
		agg.Sequential += res.Duration
		switch res.Status {
		case coordinator.StatusSucceeded:
			agg.Succeeded++
		case coordinator.StatusCancelled:
			agg.Cancelled++
		default:
			agg.Failed++
		}
	}
	if agg.Total > 0 {
		agg.SuccessRate = float64(agg.Succeeded) / float64(agg.Total)
	} else {
		agg.SuccessRate = 1
	}
	agg.Wall = workflow.Now(ctx).Sub(started)
	return agg, nil
}

// TrainBatch executes one batch on the worker. Transient failures return an
// error so Temporal's retry policy redelivers them; permanent ones are
// reported as a failed result so the workflow keeps its planning-order
// aggregation without retry storms.
func (a *activities) TrainBatch(ctx context.Context, batch plan.Batch) (coordinator.Result, error) {
	start := time.Now()
	out, err := a.executor.ExecuteBatch(ctx, batch)
	res := coordinator.Result{
		BatchID:  batch.ID,
		Index:    batch.Index,
		Worker:   0,
		Attempts: 1,
		Duration: time.Since(start),
		Turns:    out.Turns,
		Rows:     out.Rows,
		Metrics:  out.Metrics,
		TraceRef: out.TraceRef,
	}
	switch {
	case err == nil:
		res.Status = coordinator.StatusSucceeded
		res.TrustDeltas = out.TrustDeltas
		return res, nil
	case ctx.Err() != nil:
		res.Status = coordinator.StatusCancelled
		res.Reason = "cancelled"
		res.Error = err.Error()
		return res, temporal.NewCanceledError(err.Error())
	case retry.IsRetryable(err):
		// Let Temporal's retry policy handle redelivery.
		return coordinator.Result{}, err
	default:
		res.Status = coordinator.StatusFailed
		res.Reason = classify(err)
		res.Error = err.Error()
		return res, nil
	}
}

func classify(err error) string {
	var ruleErr *rules.RuleExecutionError
	switch {
	case errors.As(err, &ruleErr):
		return "rule_execution"
	case errors.Is(err, store.ErrNotFound):
		return "data_missing"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"causalis.dev/retrodict/runtime/audit"
	"causalis.dev/retrodict/runtime/metrics"
	"causalis.dev/retrodict/runtime/plan"
	"causalis.dev/retrodict/runtime/retry"
	"causalis.dev/retrodict/runtime/rules"
	"causalis.dev/retrodict/runtime/store"
	"causalis.dev/retrodict/runtime/telemetry"
	"causalis.dev/retrodict/runtime/trust"
	"causalis.dev/retrodict/runtime/turn"
	"causalis.dev/retrodict/runtime/world"
)

// Default trainer tuning.
const (
	defaultRowBatchSize       = 512
	defaultTolerance          = 1e-6
	defaultAbortThreshold     = 0.5
	defaultCheckpointInterval = 64
)

type (
	// TrainerOptions configures a Trainer.
	TrainerOptions struct {
		// Store serves observation rows. Required.
		Store *store.Store
		// Runner advances world states. Required.
		Runner *turn.Runner
		// Registry is the frozen rule set; its write sets decide which
		// predictions each rule is accountable for. Required.
		Registry *rules.Registry
		// DatasetID names the observation dataset replayed by every batch.
		// Required.
		DatasetID string
		// Metrics receives per-batch measurements. Optional.
		Metrics *metrics.Collector
		// Trail records start/turn/checkpoint/end entries. Optional.
		Trail *audit.Trail
		// RowBatchSize caps rows per streamed block. Defaults to 512.
		RowBatchSize int
		// Tolerance is the absolute residual within which a prediction
		// counts as a success. Defaults to 1e-6.
		Tolerance float64
		// AbortThreshold is the rolled-back-turn fraction above which the
		// batch fails with the last rule error. Defaults to 0.5.
		AbortThreshold float64
		// CheckpointInterval is the turn spacing of audit checkpoints.
		// Defaults to 64.
		CheckpointInterval int64
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
	}

	// Trainer replays one batch's observation window through the rule
	// engine: for each consecutive row pair it loads the earlier row into the
	// batch-owned world state, advances one turn, and scores every fired
	// rule by whether the variables it wrote landed within tolerance of the
	// later row. Scores accumulate locally and are only surfaced in the
	// outcome, so a failed or timed-out batch leaves no trust trace.
	Trainer struct {
		store      *store.Store
		runner     *turn.Runner
		registry   *rules.Registry
		dataset    string
		metrics    *metrics.Collector
		trail      *audit.Trail
		rowBatch   int
		tolerance  float64
		abortFrac  float64
		checkpoint int64
		logger     telemetry.Logger
	}
)

// NewTrainer validates the options and returns a Trainer.
func NewTrainer(opts TrainerOptions) (*Trainer, error) {
	if opts.Store == nil || opts.Runner == nil || opts.Registry == nil {
		return nil, fmt.Errorf("%w: trainer requires store, runner and registry", ErrInvalidOptions)
	}
	if opts.DatasetID == "" {
		return nil, fmt.Errorf("%w: missing dataset id", ErrInvalidOptions)
	}
	t := &Trainer{
		store:      opts.Store,
		runner:     opts.Runner,
		registry:   opts.Registry,
		dataset:    opts.DatasetID,
		metrics:    opts.Metrics,
		trail:      opts.Trail,
		rowBatch:   opts.RowBatchSize,
		tolerance:  opts.Tolerance,
		abortFrac:  opts.AbortThreshold,
		checkpoint: opts.CheckpointInterval,
		logger:     opts.Logger,
	}
	if t.rowBatch == 0 {
		t.rowBatch = defaultRowBatchSize
	}
	if t.rowBatch < 2 {
		return nil, fmt.Errorf("%w: row batch size %d", ErrInvalidOptions, opts.RowBatchSize)
	}
	if t.tolerance == 0 {
		t.tolerance = defaultTolerance
	}
	if t.tolerance < 0 {
		return nil, fmt.Errorf("%w: negative tolerance", ErrInvalidOptions)
	}
	if t.abortFrac == 0 {
		t.abortFrac = defaultAbortThreshold
	}
	if t.abortFrac < 0 || t.abortFrac > 1 {
		return nil, fmt.Errorf("%w: abort threshold %v outside [0,1]", ErrInvalidOptions, opts.AbortThreshold)
	}
	if t.checkpoint == 0 {
		t.checkpoint = defaultCheckpointInterval
	}
	if t.checkpoint < 1 {
		return nil, fmt.Errorf("%w: checkpoint interval %d", ErrInvalidOptions, opts.CheckpointInterval)
	}
	if t.logger == nil {
		t.logger = telemetry.NewNoopLogger()
	}
	return t, nil
}

// ExecuteBatch implements BatchExecutor.
func (t *Trainer) ExecuteBatch(ctx context.Context, b plan.Batch) (Outcome, error) {
	filter := store.Filter{
		Start:   b.WindowStart.Unix(),
		End:     b.WindowEnd.Unix(),
		Columns: b.Variables,
	}
	it, err := t.store.Stream(ctx, t.dataset, filter, t.rowBatch)
	if err != nil {
		return Outcome{}, t.classifyStoreErr(err)
	}
	defer it.Close() //nolint:errcheck // read path

	state, err := world.New(b.ID, nil, nil)
	if err != nil {
		return Outcome{}, err
	}

	writeSets := make(map[string][]string)
	for _, r := range t.registry.Rules() {
		writeSets[r.ID] = r.WriteSet()
	}

	out := Outcome{Metrics: map[string]float64{}}
	if t.trail != nil {
		out.TraceRef = fmt.Sprintf("audit://%s/%s", t.trail.RunID(), b.ID)
	}
	deltas := make(map[string]*trust.Delta)
	var successes, failures int64
	var lastRuleErr error
	started := false

	finish := func(status string, failErr error, truncated bool) {
		if t.trail != nil {
			// The batch context may already be dead (timeout, cancel); the
			// terminal record must still land.
			endCtx := context.WithoutCancel(ctx)
			msg := ""
			if failErr != nil {
				msg = failErr.Error()
			}
			if err := t.trail.End(endCtx, b.ID, status, msg, truncated); err != nil {
				t.logger.Warn(endCtx, "audit end append failed", "batch_id", b.ID, "err", err)
			}
		}
	}

rows:
	for {
		blk, err := it.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			break rows
		case errors.Is(err, store.ErrCorruptBlock):
			// The offending block is lost; scoring resumes with the next one.
			out.Metrics["corrupt_blocks"]++
			continue
		case errors.Is(err, store.ErrUnavailable):
			finish(string(StatusFailed), err, false)
			return out, retry.Transient(err)
		case err != nil:
			finish(string(StatusFailed), err, false)
			return out, err
		}

		for i := range blk.Timestamps {
			if err := ctx.Err(); err != nil {
				finish(string(StatusCancelled), err, true)
				return out, err
			}
			if started {
				rec, runErr := t.runner.Run(ctx, state)
				out.Turns++
				if t.trail != nil {
					if err := t.trail.Turn(ctx, b.ID, rec); err != nil {
						finish(string(StatusFailed), err, false)
						return out, err
					}
				}
				if runErr != nil {
					out.Aborts++
					lastRuleErr = runErr
					if float64(out.Aborts) > t.abortFrac*float64(out.Turns) {
						finish(string(StatusFailed), lastRuleErr, false)
						return out, fmt.Errorf("abort rate %d/%d over threshold: %w", out.Aborts, out.Turns, lastRuleErr)
					}
				} else {
					for _, applied := range rec.Applied {
						d := deltas[applied.RuleID]
						if d == nil {
							d = &trust.Delta{RuleID: applied.RuleID, Turn: int64(b.Index)}
							deltas[applied.RuleID] = d
						}
						for _, name := range writeSets[applied.RuleID] {
							col, ok := blk.Columns[name]
							if !ok {
								continue
							}
							predicted := state.GetVariable(name, math.NaN())
							observed := col[i]
							if math.Abs(predicted-observed) <= t.tolerance {
								d.Successes++
								successes++
							} else {
								d.Failures++
								failures++
							}
						}
					}
				}
				if t.trail != nil && out.Turns%t.checkpoint == 0 {
					if err := t.trail.Checkpoint(ctx, b.ID, state.Snapshot()); err != nil {
						finish(string(StatusFailed), err, false)
						return out, err
					}
				}
			}

			// Re-ground the state in the observed row before the next turn.
			for name, col := range blk.Columns {
				if err := state.SetVariable(name, col[i]); err != nil {
					finish(string(StatusFailed), err, false)
					return out, err
				}
			}
			if err := state.SetTimestamp(float64(blk.Timestamps[i])); err != nil {
				finish(string(StatusFailed), err, false)
				return out, err
			}
			out.Rows++
			if !started {
				started = true
				if t.trail != nil {
					if err := t.trail.Start(ctx, b.ID, state.Snapshot()); err != nil {
						finish(string(StatusFailed), err, false)
						return out, err
					}
				}
			}
		}
	}

	for _, d := range deltas {
		out.TrustDeltas = append(out.TrustDeltas, *d)
	}
	sort.Slice(out.TrustDeltas, func(i, j int) bool {
		return out.TrustDeltas[i].RuleID < out.TrustDeltas[j].RuleID
	})
	out.Metrics["turns"] = float64(out.Turns)
	out.Metrics["rows"] = float64(out.Rows)
	out.Metrics["aborts"] = float64(out.Aborts)
	out.Metrics["trust_successes"] = float64(successes)
	out.Metrics["trust_failures"] = float64(failures)
	t.submit(b, out)
	finish(string(StatusSucceeded), nil, false)
	return out, nil
}

// submit reports batch measurements to the async collector.
func (t *Trainer) submit(b plan.Batch, out Outcome) {
	if t.metrics == nil {
		return
	}
	tags := map[string]string{"batch_id": b.ID}
	for name, v := range out.Metrics {
		if err := t.metrics.Submit(metrics.Record{Name: "batch." + name, Value: v, Tags: tags}); err != nil {
			t.logger.Debug(context.Background(), "metric submit failed", "name", name, "err", err)
		}
	}
}

// classifyStoreErr marks retryable store failures transient so the
// coordinator's retry schedule applies.
func (t *Trainer) classifyStoreErr(err error) error {
	if errors.Is(err, store.ErrUnavailable) {
		return retry.Transient(err)
	}
	return err
}

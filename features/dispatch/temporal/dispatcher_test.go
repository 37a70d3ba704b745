package temporal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"causalis.dev/retrodict/runtime/coordinator"
	"causalis.dev/retrodict/runtime/plan"
	"causalis.dev/retrodict/runtime/retry"
	"causalis.dev/retrodict/runtime/rules"
	"causalis.dev/retrodict/runtime/trust"
)

// scriptedExecutor fails the configured batch ids and records attempts.
type scriptedExecutor struct {
	failures map[string]int
	failErr  error
	attempts map[string]int
	deltas   map[string][]trust.Delta
}

func (e *scriptedExecutor) ExecuteBatch(_ context.Context, b plan.Batch) (coordinator.Outcome, error) {
	if e.attempts == nil {
		e.attempts = make(map[string]int)
	}
	e.attempts[b.ID]++
	if n, ok := e.failures[b.ID]; ok && e.attempts[b.ID] <= n {
		return coordinator.Outcome{}, e.failErr
	}
	return coordinator.Outcome{
		Turns:       4,
		Rows:        5,
		TrustDeltas: e.deltas[b.ID],
	}, nil
}

func testBatches(n int) []plan.Batch {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	batches := make([]plan.Batch, n)
	for i := range batches {
		batches[i] = plan.Batch{
			ID:          fmt.Sprintf("b%03d", i),
			Variables:   []string{"x"},
			WindowStart: start.Add(time.Duration(i) * time.Hour),
			WindowEnd:   start.Add(time.Duration(i+1) * time.Hour),
			Index:       i,
		}
	}
	return batches
}

func runWorkflow(t *testing.T, exec coordinator.BatchExecutor, input runInput) (coordinator.Aggregate, error) {
	t.Helper()

	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterWorkflowWithOptions(TrainRunWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	env.RegisterActivityWithOptions((&activities{executor: exec}).TrainBatch,
		activity.RegisterOptions{Name: ActivityName})

	env.ExecuteWorkflow(WorkflowName, input)
	require.True(t, env.IsWorkflowCompleted())
	if err := env.GetWorkflowError(); err != nil {
		return coordinator.Aggregate{}, err
	}
	var agg coordinator.Aggregate
	require.NoError(t, env.GetWorkflowResult(&agg))
	return agg, nil
}

func TestWorkflowAggregatesInPlanningOrder(t *testing.T) {
	t.Parallel()

	exec := &scriptedExecutor{deltas: map[string][]trust.Delta{
		"b001": {{RuleID: "r1", Successes: 3, Failures: 1}},
	}}
	agg, err := runWorkflow(t, exec, runInput{RunID: "run-1", Batches: testBatches(4)})
	require.NoError(t, err)

	require.Equal(t, 4, agg.Total)
	require.Equal(t, 4, agg.Succeeded)
	require.InDelta(t, 1.0, agg.SuccessRate, 1e-12)
	for i, res := range agg.Results {
		require.Equal(t, i, res.Index, "results stay in planning order")
		require.Equal(t, coordinator.StatusSucceeded, res.Status)
	}
	require.Len(t, agg.Results[1].TrustDeltas, 1)
}

func TestPermanentFailureBecomesFailedResult(t *testing.T) {
	t.Parallel()

	exec := &scriptedExecutor{
		failures: map[string]int{"b002": 1 << 30},
		failErr: retry.Permanent(&rules.RuleExecutionError{
			RuleID: "bad-rule", Err: errors.New("capital went negative"),
		}),
	}
	agg, err := runWorkflow(t, exec, runInput{RunID: "run-1", Batches: testBatches(4)})
	require.NoError(t, err)

	require.Equal(t, 3, agg.Succeeded)
	require.Equal(t, 1, agg.Failed)
	res := agg.Results[2]
	require.Equal(t, coordinator.StatusFailed, res.Status)
	require.Equal(t, "rule_execution", res.Reason)
	require.Equal(t, 1, exec.attempts["b002"], "permanent failures are not retried")
}

func TestTransientFailuresAreRetriedByTemporal(t *testing.T) {
	t.Parallel()

	exec := &scriptedExecutor{
		failures: map[string]int{"b001": 2},
		failErr:  retry.Transient(errors.New("store flapping")),
	}
	agg, err := runWorkflow(t, exec, runInput{
		RunID:       "run-1",
		Batches:     testBatches(3),
		MaxAttempts: 5,
	})
	require.NoError(t, err)

	require.Equal(t, 3, agg.Succeeded)
	require.Equal(t, 3, exec.attempts["b001"], "two transient failures then success")
}

func TestRetryBudgetExhaustionFailsTheBatch(t *testing.T) {
	t.Parallel()

	exec := &scriptedExecutor{
		failures: map[string]int{"b000": 1 << 30},
		failErr:  retry.Transient(errors.New("store down")),
	}
	agg, err := runWorkflow(t, exec, runInput{
		RunID:       "run-1",
		Batches:     testBatches(1),
		MaxAttempts: 2,
	})
	require.NoError(t, err)

	require.Equal(t, 1, agg.Failed)
	require.Equal(t, coordinator.StatusFailed, agg.Results[0].Status)
	require.Equal(t, 2, exec.attempts["b000"])
}

func TestEmptyPlanSucceedsByConvention(t *testing.T) {
	t.Parallel()

	agg, err := runWorkflow(t, &scriptedExecutor{}, runInput{RunID: "run-1"})
	require.NoError(t, err)
	require.Zero(t, agg.Total)
	require.InDelta(t, 1.0, agg.SuccessRate, 1e-12)
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Executor: &scriptedExecutor{}})
	require.Error(t, err, "client options are required without a client")
}

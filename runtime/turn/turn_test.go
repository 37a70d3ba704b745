package turn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"causalis.dev/retrodict/runtime/rules"
	"causalis.dev/retrodict/runtime/world"
)

func newTurnFixture(t *testing.T, extra ...rules.Rule) (*rules.Engine, *world.State) {
	t.Helper()
	reg := rules.NewRegistry()
	require.NoError(t, reg.Register(rules.Rule{
		ID:      "R1",
		Reads:   []string{"x"},
		Trigger: func(s *world.State) bool { return s.GetVariable("x", 0) > 10 },
		Effects: []rules.Effect{{Kind: rules.EffectVariable, Target: "y", Delta: 1}},
	}))
	for _, r := range extra {
		require.NoError(t, reg.Register(r))
	}
	reg.Freeze()

	state, err := world.New("sim-1",
		map[string]float64{"x": 12, "y": 0},
		map[string]float64{"cash": 10},
	)
	require.NoError(t, err)
	return rules.NewEngine(reg), state
}

func TestRunnerValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := NewRunner(Options{})
	require.ErrorIs(t, err, ErrInvalidOptions)

	engine, _ := newTurnFixture(t)
	_, err = NewRunner(Options{Engine: engine, DecayRate: 1.5})
	require.ErrorIs(t, err, ErrInvalidOptions)

	_, err = NewRunner(Options{Engine: engine, DecayPosition: "sideways"})
	require.ErrorIs(t, err, ErrInvalidOptions)
}

func TestRunAdvancesStateAndRecordsTrace(t *testing.T) {
	t.Parallel()

	engine, state := newTurnFixture(t)
	runner, err := NewRunner(Options{Engine: engine})
	require.NoError(t, err)

	record, err := runner.Run(context.Background(), state)
	require.NoError(t, err)

	require.Equal(t, int64(1), record.Turn)
	require.Equal(t, int64(1), state.Turn())
	require.Equal(t, 1.0, state.GetVariable("y", 0))
	require.Len(t, record.Applied, 1)
	require.Equal(t, "R1", record.Applied[0].RuleID)
	require.NotEqual(t, record.PreHash, record.PostHash)
	require.False(t, record.Aborted)
	require.Equal(t, state.Snapshot().Hash(), record.PostHash)

	// The diff replays onto the pre state.
	require.Len(t, record.Diff.Variables, 1)
	require.Equal(t, "y", record.Diff.Variables[0].Name)
}

func TestRunRollsBackOnRuleFailure(t *testing.T) {
	t.Parallel()

	engine, state := newTurnFixture(t, rules.Rule{
		ID:       "Rbroke",
		Priority: -1, // fires after R1 so a partial application exists to roll back
		Effects:  []rules.Effect{{Kind: rules.EffectCapital, Target: "cash", Delta: -1000}},
	})
	runner, err := NewRunner(Options{Engine: engine})
	require.NoError(t, err)

	before := state.Snapshot()
	record, err := runner.Run(context.Background(), state)

	var ruleErr *rules.RuleExecutionError
	require.ErrorAs(t, err, &ruleErr)
	require.Equal(t, "Rbroke", ruleErr.RuleID)

	require.True(t, record.Aborted)
	require.NotEmpty(t, record.Error)
	require.Equal(t, record.PreHash, record.PostHash)
	require.Equal(t, before, state.Snapshot(), "failed turn must leave no trace on the state")
	require.Equal(t, int64(0), state.Turn())
}

func TestRunDecayPositions(t *testing.T) {
	t.Parallel()

	// A rule that pushes confidence up; with decay after effects the push is
	// shrunk, with decay before it survives intact.
	boost := rules.Rule{
		ID:      "Rboost",
		Effects: []rules.Effect{{Kind: rules.EffectOverlay, Target: world.OverlayConfidence, Delta: 0.4}},
	}

	engineAfter, stateAfter := newTurnFixture(t, boost)
	runner, err := NewRunner(Options{Engine: engineAfter, DecayRate: 0.5})
	require.NoError(t, err)
	_, err = runner.Run(context.Background(), stateAfter)
	require.NoError(t, err)
	got, _ := stateAfter.Overlay(world.OverlayConfidence)
	// 0.5 + 0.4 = 0.9, then decayed halfway toward 0.5 -> 0.7.
	require.InDelta(t, 0.7, got, 1e-12)

	engineBefore, stateBefore := newTurnFixture(t, boost)
	runner, err = NewRunner(Options{Engine: engineBefore, DecayRate: 0.5, DecayPosition: DecayBeforeEffects})
	require.NoError(t, err)
	_, err = runner.Run(context.Background(), stateBefore)
	require.NoError(t, err)
	got, _ = stateBefore.Overlay(world.OverlayConfidence)
	// Decay first (0.5 stays 0.5), then +0.4 -> 0.9.
	require.InDelta(t, 0.9, got, 1e-12)
}

func TestRunSuccessiveTurns(t *testing.T) {
	t.Parallel()

	engine, state := newTurnFixture(t)
	runner, err := NewRunner(Options{Engine: engine})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		record, err := runner.Run(context.Background(), state)
		require.NoError(t, err)
		require.Equal(t, int64(i), record.Turn)
	}
	require.Equal(t, 3.0, state.GetVariable("y", 0), "R1 fires every turn while x stays above threshold")
}

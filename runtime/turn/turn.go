// Package turn advances a world state one step at a time: snapshot, rule
// application, overlay decay, turn increment, delta extraction. Each turn is
// atomic — a rule failure rolls the state back to the pre-turn snapshot and
// the failure is reported in the turn record.
package turn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"causalis.dev/retrodict/runtime/rules"
	"causalis.dev/retrodict/runtime/world"
)

// DecayPosition places overlay decay relative to rule effects within a turn.
type DecayPosition string

// Decay positions.
const (
	DecayAfterEffects  DecayPosition = "after"
	DecayBeforeEffects DecayPosition = "before"
)

// ErrInvalidOptions reports an unusable runner configuration.
var ErrInvalidOptions = errors.New("turn: invalid options")

type (
	// Options configures a Runner.
	Options struct {
		// Engine applies the frozen rule set. Required.
		Engine *rules.Engine
		// DecayRate shrinks every overlay toward the 0.5 midpoint each
		// turn. Zero disables decay. Must be in [0,1].
		DecayRate float64
		// DecayPosition places decay before or after rule effects.
		// Defaults to after.
		DecayPosition DecayPosition
	}

	// Runner executes turns against caller-owned states. Runners are
	// stateless and safe for concurrent use; the states they are handed are
	// not shared.
	Runner struct {
		engine        *rules.Engine
		decayRate     float64
		decayPosition DecayPosition
	}

	// Record is the audit trace of one turn.
	Record struct {
		// SimID identifies the simulation the turn belongs to.
		SimID string `json:"sim_id"`
		// Turn is the counter value after the turn completed. On abort it
		// holds the unchanged pre-turn counter.
		Turn int64 `json:"turn"`
		// Applied lists the rules that fired, in application order.
		Applied []rules.AppliedRule `json:"applied,omitempty"`
		// Diff carries the typed state deltas from pre to post.
		Diff world.StateDiff `json:"diff"`
		// PreHash and PostHash are content hashes of the state before and
		// after the turn. On abort they are equal.
		PreHash  string `json:"pre_hash"`
		PostHash string `json:"post_hash"`
		// Aborted reports that the turn rolled back.
		Aborted bool `json:"aborted,omitempty"`
		// Error is the diagnostic recorded on abort.
		Error string `json:"error,omitempty"`
		// Duration is the wall-clock cost of the turn.
		Duration time.Duration `json:"duration_ns"`
	}
)

// NewRunner validates the options and returns a Runner.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("%w: missing engine", ErrInvalidOptions)
	}
	if opts.DecayRate < 0 || opts.DecayRate > 1 {
		return nil, fmt.Errorf("%w: decay rate %v outside [0,1]", ErrInvalidOptions, opts.DecayRate)
	}
	pos := opts.DecayPosition
	switch pos {
	case "":
		pos = DecayAfterEffects
	case DecayAfterEffects, DecayBeforeEffects:
	default:
		return nil, fmt.Errorf("%w: decay position %q", ErrInvalidOptions, pos)
	}
	return &Runner{
		engine:        opts.Engine,
		decayRate:     opts.DecayRate,
		decayPosition: pos,
	}, nil
}

// Run executes one atomic turn against state. On success the state has
// advanced and the record carries the rule trace, deltas and pre/post hashes.
// On failure the state is rolled back to its pre-turn contents, the record's
// Aborted flag and Error diagnostic are set, and the error is returned so the
// caller can count aborts against the batch threshold. Cancellation surfaces
// only when the engine is configured with per-rule yielding; otherwise the
// turn runs to completion.
func (r *Runner) Run(ctx context.Context, state *world.State) (Record, error) {
	start := time.Now()
	pre := state.Snapshot()
	record := Record{
		SimID:   state.SimID(),
		Turn:    pre.Turn,
		PreHash: pre.Hash(),
	}

	fail := func(err error) (Record, error) {
		if restoreErr := state.Restore(pre); restoreErr != nil {
			// A snapshot taken from a valid state always restores.
			err = fmt.Errorf("%w (rollback: %v)", err, restoreErr)
		}
		record.Aborted = true
		record.Error = err.Error()
		record.PostHash = record.PreHash
		record.Duration = time.Since(start)
		return record, err
	}

	if r.decayPosition == DecayBeforeEffects && r.decayRate > 0 {
		if err := state.DecayOverlays(r.decayRate); err != nil {
			return fail(err)
		}
	}

	applied, err := r.engine.ApplyAll(ctx, state)
	if err != nil {
		return fail(err)
	}
	record.Applied = applied

	if r.decayPosition == DecayAfterEffects && r.decayRate > 0 {
		if err := state.DecayOverlays(r.decayRate); err != nil {
			return fail(err)
		}
	}

	record.Turn = state.AdvanceTurn()
	post := state.Snapshot()
	record.Diff = world.Diff(pre, post)
	record.PostHash = post.Hash()
	record.Duration = time.Since(start)
	return record, nil
}

package rules

import (
	"context"
	"fmt"
	"math"
	"sort"

	"causalis.dev/retrodict/runtime/world"
)

type (
	// Engine applies a frozen registry's rules to world states.
	Engine struct {
		registry *Registry
		// perRuleYield enables a cancellation check between rules inside a
		// single turn. Off by default: turns are short and checking per turn
		// is usually enough.
		perRuleYield bool
	}

	// EngineOption customizes an Engine.
	EngineOption func(*Engine)

	// AppliedEffect records one effect application and the value the target
	// held afterwards.
	AppliedEffect struct {
		Effect Effect  `json:"effect"`
		Result float64 `json:"result"`
	}

	// AppliedRule is the audit record for one rule firing.
	AppliedRule struct {
		RuleID  string          `json:"rule_id"`
		Effects []AppliedEffect `json:"effects"`
		Tags    []string        `json:"tags,omitempty"`
	}

	// Candidate is one rule that could plausibly explain an observed state
	// delta, with the fraction of its effects consistent with that delta.
	Candidate struct {
		RuleID string  `json:"rule_id"`
		Score  float64 `json:"score"`
	}
)

// WithPerRuleYield enables cancellation checks between rules within a turn.
func WithPerRuleYield() EngineOption {
	return func(e *Engine) { e.perRuleYield = true }
}

// NewEngine wraps a registry in an applicator. The registry should be frozen
// before training begins; the engine does not enforce it so tests can drive
// partial configurations.
func NewEngine(registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{registry: registry}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the engine's rule registry.
func (e *Engine) Registry() *Registry { return e.registry }

// ApplyAll fires every rule whose trigger holds against state, in priority
// order, applying effects in sequence. It returns the audit records of the
// rules applied so far; on failure the records cover completed applications
// and the error identifies the offending rule so callers can roll the turn
// back. Trigger and effect panics are captured as RuleExecutionError rather
// than unwinding the worker.
func (e *Engine) ApplyAll(ctx context.Context, state *world.State) ([]AppliedRule, error) {
	var applied []AppliedRule
	for _, rule := range e.registry.Rules() {
		if e.perRuleYield {
			if err := ctx.Err(); err != nil {
				return applied, err
			}
		}
		record, fired, err := e.applyRule(rule, state)
		if err != nil {
			return applied, err
		}
		if fired {
			applied = append(applied, record)
		}
	}
	return applied, nil
}

// applyRule evaluates one rule against state. The returned bool reports
// whether the trigger held.
func (e *Engine) applyRule(rule Rule, state *world.State) (record AppliedRule, fired bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RuleExecutionError{RuleID: rule.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if rule.Trigger != nil && !rule.Trigger(state) {
		return AppliedRule{}, false, nil
	}

	record = AppliedRule{RuleID: rule.ID, Tags: rule.Tags}
	for _, effect := range rule.Effects {
		var result float64
		switch effect.Kind {
		case EffectVariable:
			result, err = state.AdjustVariable(effect.Target, effect.Delta)
		case EffectOverlay:
			result, err = state.AdjustOverlay(effect.Target, effect.Delta)
		case EffectCapital:
			result, err = state.AdjustCapital(effect.Target, effect.Delta)
		default:
			err = fmt.Errorf("%w: effect kind %q", ErrInvalidRule, effect.Kind)
		}
		if err != nil {
			return record, true, &RuleExecutionError{RuleID: rule.ID, Err: err}
		}
		record.Effects = append(record.Effects, AppliedEffect{Effect: effect, Result: result})
	}
	return record, true, nil
}

// reverseTolerance is the relative slack when matching observed deltas
// against declared effect deltas.
const reverseTolerance = 1e-9

// ReverseApply scores every registered rule against the observed delta
// between two snapshots and returns the candidates that could have
// contributed, ordered by score descending then id ascending. An effect is
// consistent when its target moved in the effect's direction by at least the
// effect's magnitude (a rule firing over several turns moves the target
// further, never less). The score is the consistent fraction of the rule's
// effects; only rules with a positive score are returned.
func (e *Engine) ReverseApply(before, after world.Snapshot) []Candidate {
	diff := world.Diff(before, after)

	observed := make(map[EffectKind]map[string]float64, 3)
	observed[EffectVariable] = deltasByName(diff.Variables)
	observed[EffectCapital] = deltasByName(diff.Capital)
	observed[EffectOverlay] = deltasByName(diff.Overlays)

	var out []Candidate
	for _, rule := range e.registry.Rules() {
		consistent := 0
		for _, effect := range rule.Effects {
			if effectConsistent(effect, observed[effect.Kind]) {
				consistent++
			}
		}
		if consistent == 0 {
			continue
		}
		out = append(out, Candidate{
			RuleID: rule.ID,
			Score:  float64(consistent) / float64(len(rule.Effects)),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}

func effectConsistent(effect Effect, observed map[string]float64) bool {
	moved, ok := observed[effect.Target]
	if !ok || effect.Delta == 0 {
		return false
	}
	if math.Signbit(moved) != math.Signbit(effect.Delta) {
		return false
	}
	// Overlay moves saturate, so any same-direction move is consistent.
	if effect.Kind == EffectOverlay {
		return true
	}
	return math.Abs(moved) >= math.Abs(effect.Delta)*(1-reverseTolerance)
}

func deltasByName(deltas []world.FieldDelta) map[string]float64 {
	out := make(map[string]float64, len(deltas))
	for _, d := range deltas {
		out[d.Name] = d.After - d.Before
	}
	return out
}

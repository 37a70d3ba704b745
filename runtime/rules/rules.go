// Package rules implements the deterministic causal-rule engine: a two-phase
// rule registry (mutable during startup, frozen before training starts), an
// applicator that fires triggered rules in a stable order, and reverse
// application for inferring which rules plausibly produced an observed delta.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"causalis.dev/retrodict/runtime/world"
)

// EffectKind selects the state section an effect mutates.
type EffectKind string

// Effect kinds.
const (
	EffectVariable EffectKind = "variable"
	EffectOverlay  EffectKind = "overlay"
	EffectCapital  EffectKind = "capital"
)

// Source tells whether a rule was authored by hand or produced by a
// generator.
type Source string

// Rule sources.
const (
	SourceStatic    Source = "static"
	SourceGenerated Source = "generated"
)

var (
	// ErrInvalidRule reports a rule that fails structural validation.
	ErrInvalidRule = errors.New("rules: invalid rule")

	// ErrDuplicateRule reports a second registration under an existing id.
	ErrDuplicateRule = errors.New("rules: duplicate rule id")

	// ErrConflictingEffects reports two registered rules writing the same
	// variable. Raised at registration, never at runtime.
	ErrConflictingEffects = errors.New("rules: conflicting variable writes")

	// ErrRegistryFrozen reports mutation after Freeze.
	ErrRegistryFrozen = errors.New("rules: registry frozen")

	// ErrUnknownRule reports lookups and unregistrations of absent ids.
	ErrUnknownRule = errors.New("rules: unknown rule")
)

type (
	// Trigger decides whether a rule fires against the given state. Triggers
	// must be pure: same state, same answer, no I/O.
	Trigger func(s *world.State) bool

	// Effect is one delta a firing rule applies to the state.
	Effect struct {
		// Kind selects variables, overlays or capital.
		Kind EffectKind `json:"kind"`
		// Target names the variable, overlay or capital bucket.
		Target string `json:"target"`
		// Delta is added to the target. Overlay results clamp to [0,1];
		// capital results must stay non-negative.
		Delta float64 `json:"delta"`
	}

	// Rule couples a trigger predicate with the deltas it applies.
	Rule struct {
		// ID uniquely names the rule within a registry.
		ID string `json:"id"`
		// Description is a human-readable summary.
		Description string `json:"description,omitempty"`
		// Priority orders application; higher fires earlier. Ties break by
		// id ascending.
		Priority int `json:"priority"`
		// Trigger gates the effects. A nil trigger always fires.
		Trigger Trigger `json:"-"`
		// Effects apply in order when the trigger holds.
		Effects []Effect `json:"effects"`
		// Reads declares every variable the trigger inspects. Used by the
		// curriculum to map trust uncertainty back onto variables.
		Reads []string `json:"reads,omitempty"`
		// Tags carries free-form symbolic labels.
		Tags []string `json:"tags,omitempty"`
		// Source tells static from generated rules.
		Source Source `json:"source,omitempty"`
		// Fingerprint is the content hash of the declarative surface,
		// assigned at registration.
		Fingerprint string `json:"fingerprint,omitempty"`
	}

	// RuleExecutionError wraps a trigger or effect failure with the
	// offending rule id. The turn runner rolls the turn back when it sees
	// one.
	RuleExecutionError struct {
		RuleID string
		Err    error
	}
)

// Error implements the error interface.
func (e *RuleExecutionError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

// Unwrap returns the underlying failure.
func (e *RuleExecutionError) Unwrap() error { return e.Err }

// Validate checks the structural requirements: a non-empty id, at least one
// effect, and effect targets present with a known kind.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRule)
	}
	if len(r.Effects) == 0 {
		return fmt.Errorf("%w: rule %s has no effects", ErrInvalidRule, r.ID)
	}
	for i, e := range r.Effects {
		switch e.Kind {
		case EffectVariable, EffectOverlay, EffectCapital:
		default:
			return fmt.Errorf("%w: rule %s effect %d has kind %q", ErrInvalidRule, r.ID, i, e.Kind)
		}
		if e.Target == "" {
			return fmt.Errorf("%w: rule %s effect %d has no target", ErrInvalidRule, r.ID, i)
		}
	}
	return nil
}

// WriteSet returns the variable names the rule writes. Overlay and capital
// targets are excluded: their deltas saturate or are checked at apply time
// and do not conflict.
func (r Rule) WriteSet() []string {
	var out []string
	for _, e := range r.Effects {
		if e.Kind == EffectVariable {
			out = append(out, e.Target)
		}
	}
	return out
}

// ComputeFingerprint hashes the rule's declarative surface: id, priority,
// effects, read set, tags and source. The trigger function itself cannot be
// hashed; rules with distinct behavior must differ in their declaration.
func ComputeFingerprint(r Rule) string {
	decl := struct {
		ID       string   `json:"id"`
		Priority int      `json:"priority"`
		Effects  []Effect `json:"effects"`
		Reads    []string `json:"reads,omitempty"`
		Tags     []string `json:"tags,omitempty"`
		Source   Source   `json:"source,omitempty"`
	}{r.ID, r.Priority, r.Effects, r.Reads, r.Tags, r.Source}
	raw, err := json.Marshal(decl)
	if err != nil {
		panic(fmt.Sprintf("rules: fingerprint marshal: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

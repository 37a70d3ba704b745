package rules

import (
	"testing"

	"github.com/stretchr/testify/require"

	"causalis.dev/retrodict/runtime/world"
)

func ruleAddVar(id, target string, delta float64, priority int) Rule {
	return Rule{
		ID:       id,
		Priority: priority,
		Effects:  []Effect{{Kind: EffectVariable, Target: target, Delta: delta}},
	}
}

func TestRegistryValidation(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.ErrorIs(t, reg.Register(Rule{}), ErrInvalidRule)
	require.ErrorIs(t, reg.Register(Rule{ID: "r"}), ErrInvalidRule)
	require.ErrorIs(t, reg.Register(Rule{
		ID:      "r",
		Effects: []Effect{{Kind: "bogus", Target: "x", Delta: 1}},
	}), ErrInvalidRule)
	require.ErrorIs(t, reg.Register(Rule{
		ID:      "r",
		Effects: []Effect{{Kind: EffectVariable, Delta: 1}},
	}), ErrInvalidRule)
}

func TestRegistryDuplicateAndConflict(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(ruleAddVar("R1", "y", 1, 0)))
	require.ErrorIs(t, reg.Register(ruleAddVar("R1", "z", 1, 0)), ErrDuplicateRule)

	// A second writer of y conflicts at registration time.
	require.ErrorIs(t, reg.Register(ruleAddVar("R2", "y", -1, 0)), ErrConflictingEffects)

	// Overlay and capital targets do not participate in conflict detection.
	require.NoError(t, reg.Register(Rule{
		ID: "R3",
		Effects: []Effect{
			{Kind: EffectOverlay, Target: "confidence", Delta: 0.1},
			{Kind: EffectCapital, Target: "cash", Delta: 5},
		},
	}))
	require.NoError(t, reg.Register(Rule{
		ID: "R4",
		Effects: []Effect{
			{Kind: EffectOverlay, Target: "confidence", Delta: -0.1},
		},
	}))

	// Unregistering releases the variable for a new writer.
	require.NoError(t, reg.Unregister("R1"))
	require.NoError(t, reg.Register(ruleAddVar("R2", "y", -1, 0)))
}

func TestRegistryFreeze(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(ruleAddVar("R1", "y", 1, 0)))

	genBefore := reg.Generation()
	gen := reg.Freeze()
	require.Equal(t, genBefore, gen)
	require.True(t, reg.Frozen())

	require.ErrorIs(t, reg.Register(ruleAddVar("R9", "q", 1, 0)), ErrRegistryFrozen)
	require.ErrorIs(t, reg.Unregister("R1"), ErrRegistryFrozen)
	require.Equal(t, gen, reg.Generation(), "failed mutations must not bump the generation")

	// Freezing again is a no-op.
	require.Equal(t, gen, reg.Freeze())
}

func TestRegistryApplicationOrder(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(ruleAddVar("Rb", "v1", 1, 0)))
	require.NoError(t, reg.Register(ruleAddVar("Ra", "v2", 1, 0)))
	require.NoError(t, reg.Register(ruleAddVar("Rc", "v3", 1, 5)))

	got := reg.Rules()
	require.Len(t, got, 3)
	require.Equal(t, "Rc", got[0].ID, "higher priority first")
	require.Equal(t, "Ra", got[1].ID, "ties break by id ascending")
	require.Equal(t, "Rb", got[2].ID)
}

func TestRegistryAssignsFingerprints(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(ruleAddVar("R1", "y", 1, 0)))
	require.NoError(t, reg.Register(ruleAddVar("R2", "z", 1, 0)))

	r1, ok := reg.Rule("R1")
	require.True(t, ok)
	require.NotEmpty(t, r1.Fingerprint)
	require.Equal(t, ComputeFingerprint(r1), r1.Fingerprint)

	r2, _ := reg.Rule("R2")
	require.NotEqual(t, r1.Fingerprint, r2.Fingerprint)
}

func TestReadsByRule(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(Rule{
		ID:      "R1",
		Reads:   []string{"x", "x"},
		Trigger: func(s *world.State) bool { return s.GetVariable("x", 0) > 10 },
		Effects: []Effect{{Kind: EffectVariable, Target: "y", Delta: 1}},
	}))

	reads := reg.ReadsByRule()
	require.Equal(t, []string{"x", "y"}, reads["R1"], "read set includes written variables, deduplicated and sorted")
}

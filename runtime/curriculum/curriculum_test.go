package curriculum_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"causalis.dev/retrodict/runtime/curriculum"
	"causalis.dev/retrodict/runtime/plan"
	"causalis.dev/retrodict/runtime/rules"
	"causalis.dev/retrodict/runtime/trust"
)

func testRegistry(t *testing.T) *rules.Registry {
	t.Helper()
	reg := rules.NewRegistry()
	require.NoError(t, reg.Register(rules.Rule{
		ID:      "harvest",
		Reads:   []string{"rainfall"},
		Effects: []rules.Effect{{Kind: rules.EffectVariable, Target: "food", Delta: 1}},
	}))
	require.NoError(t, reg.Register(rules.Rule{
		ID:      "riot",
		Reads:   []string{"unrest"},
		Effects: []rules.Effect{{Kind: rules.EffectVariable, Target: "population", Delta: -1}},
	}))
	reg.Freeze()
	return reg
}

func testBatches() []plan.Batch {
	t0 := time.Unix(0, 0).UTC()
	return []plan.Batch{
		{ID: "b0", Variables: []string{"food", "rainfall"}, WindowStart: t0, WindowEnd: t0.Add(time.Hour), Index: 0, Priority: 1},
		{ID: "b1", Variables: []string{"population", "unrest"}, WindowStart: t0, WindowEnd: t0.Add(time.Hour), Index: 1, Priority: 1},
		{ID: "b2", Variables: []string{"food", "rainfall"}, WindowStart: t0.Add(time.Hour), WindowEnd: t0.Add(2 * time.Hour), Index: 2, Priority: 1},
	}
}

func TestUncertainRulesPromoteTheirBatches(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	tracker, err := trust.New(trust.Options{Shards: 4})
	require.NoError(t, err)

	// harvest is well established; riot has almost no evidence, so its CI
	// stays wide and its variables should outrank harvest's.
	deltas := []trust.Delta{{RuleID: "harvest", Successes: 400, Failures: 100, Turn: 1}}
	tracker.BatchUpdate(deltas)

	c, err := curriculum.New(curriculum.Options{})
	require.NoError(t, err)
	out := c.Weigh(testBatches(), tracker, reg)

	require.Len(t, out, 3)
	require.Greater(t, out[1].Priority, out[0].Priority,
		"batch over the uncertain rule's variables outranks the settled one")
}

func TestUnderSampledWindowsEarnBonus(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	tracker, err := trust.New(trust.Options{Shards: 4})
	require.NoError(t, err)
	tracker.BatchUpdate([]trust.Delta{
		{RuleID: "harvest", Successes: 300, Failures: 100, Turn: 1},
		{RuleID: "riot", Successes: 10, Failures: 5, Turn: 1},
	})

	c, err := curriculum.New(curriculum.Options{UncertaintyWeight: 1e-9, SamplingWeight: 1})
	require.NoError(t, err)
	out := c.Weigh(testBatches(), tracker, reg)

	require.Greater(t, out[1].Priority, out[0].Priority,
		"the thinly sampled rule's batch gets the sampling bonus")
}

func TestWeighPreservesOrderAndMembership(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	tracker, err := trust.New(trust.Options{Shards: 4})
	require.NoError(t, err)

	in := testBatches()
	c, err := curriculum.New(curriculum.Options{})
	require.NoError(t, err)
	out := c.Weigh(in, tracker, reg)

	require.Len(t, out, len(in))
	for i := range in {
		require.Equal(t, in[i].ID, out[i].ID)
		require.Equal(t, in[i].Index, out[i].Index)
		require.Equal(t, in[i].Variables, out[i].Variables)
	}
	require.Equal(t, float64(1), in[0].Priority, "input slice untouched")
}

func TestOrderKeepsTimeStepsInSequence(t *testing.T) {
	t.Parallel()

	t0 := time.Unix(0, 0).UTC()
	batches := []plan.Batch{
		{ID: "late", WindowStart: t0.Add(2 * time.Hour), Priority: 9, Index: 3},
		{ID: "low", WindowStart: t0, Priority: 1, Index: 0},
		{ID: "high", WindowStart: t0, Priority: 5, Index: 1},
		{ID: "mid", WindowStart: t0.Add(time.Hour), Priority: 3, Index: 2},
	}
	out := curriculum.Order(batches)

	ids := make([]string, len(out))
	for i, b := range out {
		ids[i] = b.ID
	}
	require.Equal(t, []string{"high", "low", "mid", "late"}, ids,
		"time steps stay in order; priority reorders only within a step")
}

func TestWeighDeterminism(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	c, err := curriculum.New(curriculum.Options{})
	require.NoError(t, err)

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("identical inputs yield bit-identical priorities", prop.ForAll(
		func(succ int64, fail int64) bool {
			tracker, err := trust.New(trust.Options{Shards: 2})
			if err != nil {
				return false
			}
			tracker.BatchUpdate([]trust.Delta{
				{RuleID: "harvest", Successes: succ, Failures: fail, Turn: 1},
				{RuleID: "riot", Successes: fail, Failures: succ, Turn: 1},
			})
			a := c.Weigh(testBatches(), tracker, reg)
			b := c.Weigh(testBatches(), tracker, reg)
			for i := range a {
				if a[i].Priority != b[i].Priority {
					return false
				}
			}
			return true
		},
		gen.Int64Range(0, 500),
		gen.Int64Range(0, 500),
	))

	properties.TestingRun(t)
}

package world

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	s, err := New("sim-1",
		map[string]float64{"x": 12, "y": 0},
		map[string]float64{"cash": 100, "bonds": 50},
	)
	require.NoError(t, err)
	return s
}

func TestNewValidatesInputs(t *testing.T) {
	t.Parallel()

	_, err := New("sim", map[string]float64{"x": math.NaN()}, nil)
	require.ErrorIs(t, err, ErrInvalidValue)

	_, err = New("sim", nil, map[string]float64{"cash": -1})
	require.ErrorIs(t, err, ErrNegativeCapital)

	s, err := New("sim", nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), s.Turn())
	require.Equal(t, 0.0, s.Capital(CashBucket))
	for _, name := range []string{OverlayConfidence, OverlayVolatility, OverlayStability, OverlayNovelty, OverlayPressure} {
		v, ok := s.Overlay(name)
		require.True(t, ok, "core overlay %s missing", name)
		require.Equal(t, 0.5, v)
	}
}

func TestVariableAccess(t *testing.T) {
	t.Parallel()

	s := newTestState(t)
	require.Equal(t, 12.0, s.GetVariable("x", 0))
	require.Equal(t, 7.5, s.GetVariable("missing", 7.5))

	require.NoError(t, s.SetVariable("z", 3))
	require.True(t, s.HasVariable("z"))

	v, err := s.AdjustVariable("z", -5)
	require.NoError(t, err)
	require.Equal(t, -2.0, v)

	require.ErrorIs(t, s.SetVariable("z", math.Inf(1)), ErrInvalidValue)
	_, err = s.AdjustVariable("z", math.NaN())
	require.ErrorIs(t, err, ErrInvalidValue)
	require.Equal(t, -2.0, s.GetVariable("z", 0), "failed writes must not change the value")
}

func TestCapitalNeverGoesNegative(t *testing.T) {
	t.Parallel()

	s := newTestState(t)
	v, err := s.AdjustCapital("bonds", -50)
	require.NoError(t, err)
	require.Equal(t, 0.0, v)

	_, err = s.AdjustCapital("bonds", -0.01)
	require.ErrorIs(t, err, ErrNegativeCapital)
	require.Equal(t, 0.0, s.Capital("bonds"), "rejected adjustment must leave the bucket unchanged")

	// Unknown buckets start at zero.
	_, err = s.AdjustCapital("equities", -1)
	require.ErrorIs(t, err, ErrNegativeCapital)
	v, err = s.AdjustCapital("equities", 10)
	require.NoError(t, err)
	require.Equal(t, 10.0, v)
}

func TestOverlayDynamicCreation(t *testing.T) {
	t.Parallel()

	s := newTestState(t)

	// Adjusting an unknown overlay creates it at the neutral midpoint.
	v, err := s.AdjustOverlay("optimism", 0.2)
	require.NoError(t, err)
	require.InDelta(t, 0.7, v, 1e-12)

	meta, ok := s.OverlayMetadata("optimism")
	require.True(t, ok)
	require.Equal(t, "dynamic", meta.Category)

	require.NoError(t, s.DefineOverlay("dread", OverlayMeta{Parent: "pressure", Priority: 3}))
	require.ErrorIs(t, s.DefineOverlay("dread", OverlayMeta{}), ErrOverlayExists)

	meta, ok = s.OverlayMetadata("dread")
	require.True(t, ok)
	require.Equal(t, "dynamic", meta.Category)
	require.Equal(t, "pressure", meta.Parent)
}

func TestDecayOverlaysMovesTowardMidpoint(t *testing.T) {
	t.Parallel()

	s := newTestState(t)
	_, err := s.SetOverlay(OverlayConfidence, 1.0)
	require.NoError(t, err)
	_, err = s.SetOverlay(OverlayPressure, 0.0)
	require.NoError(t, err)

	require.NoError(t, s.DecayOverlays(0.5))

	v, _ := s.Overlay(OverlayConfidence)
	require.InDelta(t, 0.75, v, 1e-12)
	v, _ = s.Overlay(OverlayPressure)
	require.InDelta(t, 0.25, v, 1e-12)

	require.ErrorIs(t, s.DecayOverlays(1.5), ErrInvalidValue)
	require.ErrorIs(t, s.DecayOverlays(-0.1), ErrInvalidValue)
}

func TestAdvanceTurnAndEvents(t *testing.T) {
	t.Parallel()

	s := newTestState(t)
	require.Equal(t, int64(1), s.AdvanceTurn())
	require.Equal(t, int64(2), s.AdvanceTurn())

	s.LogEvent("rule", "R1 fired", map[string]any{"delta": 1.0})
	s.LogEvent("decay", "overlay decay", nil)

	events := s.Events()
	require.Len(t, events, 2)
	require.Equal(t, 0, events[0].Seq)
	require.Equal(t, int64(2), events[0].Turn)
	require.Equal(t, "rule", events[0].Kind)
	require.Equal(t, 1, events[1].Seq)
}

func TestCloneIndependence(t *testing.T) {
	t.Parallel()

	s := newTestState(t)
	s.LogEvent("rule", "before clone", map[string]any{"n": 1})
	orig := s.Snapshot()

	c := s.Clone()
	require.NoError(t, c.SetVariable("x", 999))
	_, err := c.AdjustCapital("cash", -100)
	require.NoError(t, err)
	_, err = c.AdjustOverlay(OverlayConfidence, 0.4)
	require.NoError(t, err)
	c.AdvanceTurn()
	c.LogEvent("rule", "after clone", nil)
	c.SetMetadata("k", "v")

	require.Equal(t, orig, s.Snapshot(), "mutating the clone must not alter the source")
	require.NotEqual(t, orig.Hash(), c.Snapshot().Hash())
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestState(t)
	require.NoError(t, s.DefineOverlay("optimism", OverlayMeta{Parent: OverlayConfidence, Priority: 2}))
	_, err := s.AdjustOverlay("optimism", 0.3)
	require.NoError(t, err)
	s.AdvanceTurn()
	s.LogEvent("rule", "fired", map[string]any{"v": "x"})
	s.SetMetadata("origin", "test")

	snap := s.Snapshot()
	restored, err := FromSnapshot(snap)
	require.NoError(t, err)

	require.Equal(t, snap, restored.Snapshot())
	require.Equal(t, snap.Hash(), restored.Snapshot().Hash())
}

func TestFromSnapshotEnforcesInvariants(t *testing.T) {
	t.Parallel()

	snap := Snapshot{
		SimID:     "sim",
		Variables: map[string]float64{"x": 1},
		Capital:   map[string]float64{"cash": -5},
	}
	_, err := FromSnapshot(snap)
	require.ErrorIs(t, err, ErrNegativeCapital)

	snap.Capital = map[string]float64{"cash": 5}
	snap.Overlays = map[string]OverlaySnapshot{"confidence": {Value: 4.2}}
	s, err := FromSnapshot(snap)
	require.NoError(t, err)
	v, _ := s.Overlay("confidence")
	require.Equal(t, 1.0, v, "overlay values clamp on load")
}

func TestDiffAndApplyDiff(t *testing.T) {
	t.Parallel()

	s := newTestState(t)
	pre := s.Snapshot()

	require.NoError(t, s.SetVariable("x", 15))
	require.NoError(t, s.SetVariable("w", 2))
	_, err := s.AdjustCapital("cash", -40)
	require.NoError(t, err)
	_, err = s.AdjustOverlay(OverlayVolatility, 0.25)
	require.NoError(t, err)
	s.AdvanceTurn()
	post := s.Snapshot()

	d := Diff(pre, post)
	require.Equal(t, pre.Turn, d.TurnBefore)
	require.Equal(t, post.Turn, d.TurnAfter)
	require.Len(t, d.Variables, 2)
	require.Equal(t, "w", d.Variables[0].Name)
	require.True(t, d.Variables[0].Added)
	require.Equal(t, "x", d.Variables[1].Name)
	require.Equal(t, 12.0, d.Variables[1].Before)
	require.Equal(t, 15.0, d.Variables[1].After)
	require.Len(t, d.Capital, 1)
	require.Len(t, d.Overlays, 1)

	// Replaying the diff onto the pre state reproduces the post hash.
	replayed, err := FromSnapshot(pre)
	require.NoError(t, err)
	require.NoError(t, replayed.ApplyDiff(d))
	require.Equal(t, post.Hash(), replayed.Snapshot().Hash())

	require.True(t, Diff(post, post).Empty())
}

func TestOverlayClampProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("any adjustment sequence keeps overlays in [0,1]", prop.ForAll(
		func(deltas []float64) bool {
			s, err := New("sim", nil, nil)
			if err != nil {
				return false
			}
			for _, d := range deltas {
				if _, err := s.AdjustOverlay(OverlayConfidence, d); err != nil {
					return false
				}
			}
			v, _ := s.Overlay(OverlayConfidence)
			return v >= 0 && v <= 1
		},
		gen.SliceOf(gen.Float64Range(-10, 10)),
	))

	properties.Property("setting any finite value lands in [0,1]", prop.ForAll(
		func(v float64) bool {
			s, err := New("sim", nil, nil)
			if err != nil {
				return false
			}
			got, err := s.SetOverlay("dyn", v)
			return err == nil && got >= 0 && got <= 1
		},
		gen.Float64Range(-1e9, 1e9),
	))

	properties.TestingRun(t)
}

func TestSnapshotRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("snapshot/restore is the identity", prop.ForAll(
		func(x, cash, overlay float64, turns int) bool {
			s, err := New("sim", map[string]float64{"x": x}, map[string]float64{"cash": cash})
			if err != nil {
				return false
			}
			if _, err := s.AdjustOverlay(OverlayNovelty, overlay); err != nil {
				return false
			}
			for i := 0; i < turns; i++ {
				s.AdvanceTurn()
			}
			snap := s.Snapshot()
			restored, err := FromSnapshot(snap)
			if err != nil {
				return false
			}
			return restored.Snapshot().Hash() == snap.Hash()
		},
		gen.Float64Range(-1e6, 1e6),
		gen.Float64Range(0, 1e6),
		gen.Float64Range(-2, 2),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}

// Package curriculum reweights planned batches so training effort follows
// uncertainty: batches touching variables governed by rules with wide trust
// intervals are promoted, and thinly sampled stretches of the time axis get a
// bonus so the posterior does not starve them. The pass assigns priorities
// only; it never drops a batch and never reorders batches within a time step.
package curriculum

import (
	"errors"
	"fmt"
	"sort"

	"causalis.dev/retrodict/runtime/plan"
	"causalis.dev/retrodict/runtime/rules"
	"causalis.dev/retrodict/runtime/trust"
)

// ErrInvalidOptions reports an unusable curriculum configuration.
var ErrInvalidOptions = errors.New("curriculum: invalid options")

type (
	// Options configures a Curriculum.
	Options struct {
		// Level is the credible-interval level used to measure rule
		// uncertainty. Defaults to 0.95.
		Level float64
		// UncertaintyWeight scales the CI-width term. Defaults to 1.
		UncertaintyWeight float64
		// SamplingWeight scales the under-sampling bonus. Defaults to 0.5.
		SamplingWeight float64
	}

	// Curriculum computes batch priorities from tracker state and the frozen
	// rule set. Weigh is pure: identical inputs yield bit-identical output.
	Curriculum struct {
		level       float64
		uncertainty float64
		sampling    float64
	}
)

// New validates the options and returns a Curriculum.
func New(opts Options) (*Curriculum, error) {
	if opts.Level == 0 {
		opts.Level = 0.95
	}
	if opts.Level <= 0 || opts.Level >= 1 {
		return nil, fmt.Errorf("%w: level %v outside (0,1)", ErrInvalidOptions, opts.Level)
	}
	if opts.UncertaintyWeight == 0 {
		opts.UncertaintyWeight = 1
	}
	if opts.SamplingWeight == 0 {
		opts.SamplingWeight = 0.5
	}
	if opts.UncertaintyWeight < 0 || opts.SamplingWeight < 0 {
		return nil, fmt.Errorf("%w: negative weights", ErrInvalidOptions)
	}
	return &Curriculum{
		level:       opts.Level,
		uncertainty: opts.UncertaintyWeight,
		sampling:    opts.SamplingWeight,
	}, nil
}

// Weigh returns the batches with updated priorities. Order and membership are
// preserved exactly; only Priority changes.
//
// Priority = 1 + uncertaintyWeight·U(batch) + samplingWeight·S(batch), where
// U is the mean CI width of the batch's variables (each variable taking the
// widest interval among the rules that read or write it) and S is the batch's
// deficit below the mean per-window sample mass, normalized to [0,1].
func (c *Curriculum) Weigh(batches []plan.Batch, tracker *trust.Tracker, reg *rules.Registry) []plan.Batch {
	out := make([]plan.Batch, len(batches))
	copy(out, batches)
	if len(out) == 0 || tracker == nil || reg == nil {
		return out
	}

	varWidth := variableWidths(tracker, reg, c.level)
	samples := windowSamples(out, tracker, reg)

	var meanSamples float64
	for _, s := range samples {
		meanSamples += s
	}
	meanSamples /= float64(len(samples))

	for i := range out {
		u := 0.0
		if len(out[i].Variables) > 0 {
			for _, v := range out[i].Variables {
				u += varWidth[v] // unmapped variables contribute 0
			}
			u /= float64(len(out[i].Variables))
		}

		s := 0.0
		if meanSamples > 0 {
			if deficit := meanSamples - samples[i]; deficit > 0 {
				s = deficit / meanSamples
			}
		}

		out[i].Priority = 1 + c.uncertainty*u + c.sampling*s
	}
	return out
}

// Order sorts batches for dispatch: ascending by window start so time steps
// run in order, then descending by priority within a step, with the planning
// index as the final tiebreak. The sort is deterministic for identical input.
func Order(batches []plan.Batch) []plan.Batch {
	out := make([]plan.Batch, len(batches))
	copy(out, batches)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].WindowStart.Equal(out[j].WindowStart) {
			return out[i].WindowStart.Before(out[j].WindowStart)
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// variableWidths maps each variable to the widest credible interval among the
// rules whose read or write set contains it. Rules iterate in the registry's
// sorted application order, so ties resolve identically across calls.
func variableWidths(tracker *trust.Tracker, reg *rules.Registry, level float64) map[string]float64 {
	widths := make(map[string]float64)
	for _, r := range reg.Rules() {
		lo, hi := tracker.CI(r.ID, level)
		w := hi - lo
		for _, v := range r.Reads {
			if w > widths[v] {
				widths[v] = w
			}
		}
		for _, v := range r.WriteSet() {
			if w > widths[v] {
				widths[v] = w
			}
		}
	}
	return widths
}

// windowSamples estimates per-batch sample mass: the total observed outcome
// count of every rule touching the batch's variables. Batches over stretches
// the tracker has barely seen come out low and earn the sampling bonus.
func windowSamples(batches []plan.Batch, tracker *trust.Tracker, reg *rules.Registry) []float64 {
	ruleSamples := make(map[string]int64)
	rulesByVar := make(map[string][]string)
	for _, r := range reg.Rules() {
		ruleSamples[r.ID] = tracker.Estimate(r.ID).SampleCount
		for _, v := range r.Reads {
			rulesByVar[v] = append(rulesByVar[v], r.ID)
		}
		for _, v := range r.WriteSet() {
			rulesByVar[v] = append(rulesByVar[v], r.ID)
		}
	}

	out := make([]float64, len(batches))
	for i, b := range batches {
		seen := make(map[string]bool)
		for _, v := range b.Variables {
			for _, id := range rulesByVar[v] {
				if !seen[id] {
					seen[id] = true
					out[i] += float64(ruleSamples[id])
				}
			}
		}
	}
	return out
}

// Package trust tracks per-rule Beta(α,β) posteriors over rule reliability.
// State is partitioned across power-of-two lock shards so parallel workers
// update disjoint rules without contention, updates are commutative so flush
// order never changes the result, and confidence intervals switch between a
// normal approximation and exact Beta quantiles depending on sample mass.
package trust

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"runtime"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"
)

// ErrInvalidOptions reports an unusable tracker configuration.
var ErrInvalidOptions = errors.New("trust: invalid options")

// normalApproxThreshold is the α+β mass above which the CI uses the normal
// approximation instead of exact Beta quantiles.
const normalApproxThreshold = 30

type (
	// Options configures a Tracker.
	Options struct {
		// Shards is the number of lock shards. Must be a power of two.
		// Defaults to the smallest power of two ≥ GOMAXPROCS.
		Shards int
	}

	// Tracker holds the sharded posteriors. All methods are safe for
	// concurrent use.
	Tracker struct {
		shards []*shard
		mask   uint32
	}

	// Delta is one rule's aggregated outcome counts, usually accumulated by
	// an update buffer before reaching the tracker.
	Delta struct {
		// RuleID names the rule the outcomes belong to.
		RuleID string `json:"rule_id"`
		// Successes increments α; Failures increments β.
		Successes int64 `json:"successes"`
		Failures  int64 `json:"failures"`
		// Turn stamps the entry's LastUpdateTurn high-water mark, used by
		// lazy decay. Callers typically pass the batch planning index.
		Turn int64 `json:"turn"`
	}

	// Estimate is the derived view of one rule's posterior.
	Estimate struct {
		RuleID         string  `json:"rule_id"`
		Alpha          float64 `json:"alpha"`
		Beta           float64 `json:"beta"`
		Mean           float64 `json:"mean"`
		Variance       float64 `json:"variance"`
		SampleCount    int64   `json:"sample_count"`
		LastUpdateTurn int64   `json:"last_update_turn"`
	}

	// RuleTrust is the serialized posterior of one rule.
	RuleTrust struct {
		Alpha          float64 `json:"alpha"`
		Beta           float64 `json:"beta"`
		LastUpdateTurn int64   `json:"last_update_turn"`
		SampleCount    int64   `json:"sample_count"`
	}

	// Snapshot is the serializable state of the whole tracker.
	Snapshot struct {
		Rules map[string]RuleTrust `json:"rules"`
	}

	shard struct {
		mu      sync.Mutex
		entries map[string]*entry
	}

	entry struct {
		alpha          float64
		beta           float64
		lastUpdateTurn int64
		sampleCount    int64
	}
)

// New validates the options and returns an empty tracker.
func New(opts Options) (*Tracker, error) {
	n := opts.Shards
	if n == 0 {
		n = nextPowerOfTwo(runtime.GOMAXPROCS(0))
	}
	if n < 1 || n&(n-1) != 0 {
		return nil, fmt.Errorf("%w: shards %d is not a power of two", ErrInvalidOptions, opts.Shards)
	}
	t := &Tracker{shards: make([]*shard, n), mask: uint32(n - 1)}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return t, nil
}

// Update records a single outcome for the rule: success increments α,
// failure increments β.
func (t *Tracker) Update(ruleID string, success bool, turn int64) {
	d := Delta{RuleID: ruleID, Turn: turn}
	if success {
		d.Successes = 1
	} else {
		d.Failures = 1
	}
	t.BatchUpdate([]Delta{d})
}

// BatchUpdate applies aggregated deltas. Deltas are grouped by shard and the
// shards visited in ascending index order, holding one shard lock at a time.
// Addition commutes, so any interleaving of concurrent batches yields the
// same posteriors.
func (t *Tracker) BatchUpdate(deltas []Delta) {
	if len(deltas) == 0 {
		return
	}
	grouped := make(map[uint32][]Delta)
	for _, d := range deltas {
		if d.Successes == 0 && d.Failures == 0 {
			continue
		}
		idx := t.shardIndex(d.RuleID)
		grouped[idx] = append(grouped[idx], d)
	}
	order := make([]uint32, 0, len(grouped))
	for idx := range grouped {
		order = append(order, idx)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	for _, idx := range order {
		sh := t.shards[idx]
		sh.mu.Lock()
		for _, d := range grouped[idx] {
			e := sh.entries[d.RuleID]
			if e == nil {
				e = &entry{alpha: 1, beta: 1}
				sh.entries[d.RuleID] = e
			}
			e.alpha += float64(d.Successes)
			e.beta += float64(d.Failures)
			e.sampleCount += d.Successes + d.Failures
			if d.Turn > e.lastUpdateTurn {
				e.lastUpdateTurn = d.Turn
			}
		}
		sh.mu.Unlock()
	}
}

// Mean returns the posterior mean α/(α+β) for the rule. Unseen rules return
// the neutral 0.5.
func (t *Tracker) Mean(ruleID string) float64 {
	e, ok := t.lookup(ruleID)
	if !ok {
		return 0.5
	}
	return e.alpha / (e.alpha + e.beta)
}

// Estimate returns the full derived posterior for the rule. Unseen rules
// return the Beta(1,1) prior.
func (t *Tracker) Estimate(ruleID string) Estimate {
	e, ok := t.lookup(ruleID)
	if !ok {
		e = entry{alpha: 1, beta: 1}
	}
	total := e.alpha + e.beta
	return Estimate{
		RuleID:         ruleID,
		Alpha:          e.alpha,
		Beta:           e.beta,
		Mean:           e.alpha / total,
		Variance:       e.alpha * e.beta / (total * total * (total + 1)),
		SampleCount:    e.sampleCount,
		LastUpdateTurn: e.lastUpdateTurn,
	}
}

// CI returns the central credible interval at the given level (0.95 when the
// level is outside (0,1)). Unseen rules return the maximally wide [0,1].
// With α+β ≥ 30 the interval uses the normal approximation; below that it
// uses exact Beta quantiles.
func (t *Tracker) CI(ruleID string, level float64) (lo, hi float64) {
	if level <= 0 || level >= 1 {
		level = 0.95
	}
	e, ok := t.lookup(ruleID)
	if !ok {
		return 0, 1
	}
	total := e.alpha + e.beta
	tail := (1 - level) / 2

	if total >= normalApproxThreshold {
		mean := e.alpha / total
		sd := math.Sqrt(e.alpha * e.beta / (total * total * (total + 1)))
		z := distuv.UnitNormal.Quantile(1 - tail)
		return clamp01(mean - z*sd), clamp01(mean + z*sd)
	}

	dist := distuv.Beta{Alpha: e.alpha, Beta: e.beta}
	return clamp01(dist.Quantile(tail)), clamp01(dist.Quantile(1 - tail))
}

// Decay shrinks every posterior toward the Beta(1,1) prior with the given
// half-life measured in turns: a rule untouched for halfLifeTurns loses half
// its accumulated evidence. Applied lazily — callers invoke it at iteration
// boundaries with the current turn watermark rather than every turn. The α,β
// floor of 1.0 holds by construction and is re-asserted after decay.
func (t *Tracker) Decay(halfLifeTurns float64, asOfTurn int64) {
	if halfLifeTurns <= 0 {
		return
	}
	for _, sh := range t.shards {
		sh.mu.Lock()
		for _, e := range sh.entries {
			elapsed := asOfTurn - e.lastUpdateTurn
			if elapsed <= 0 {
				continue
			}
			factor := math.Exp2(-float64(elapsed) / halfLifeTurns)
			e.alpha = math.Max(1, 1+(e.alpha-1)*factor)
			e.beta = math.Max(1, 1+(e.beta-1)*factor)
			e.lastUpdateTurn = asOfTurn
		}
		sh.mu.Unlock()
	}
}

// Snapshot captures every tracked rule. The result is JSON-serializable and
// feeds Restore.
func (t *Tracker) Snapshot() Snapshot {
	snap := Snapshot{Rules: make(map[string]RuleTrust)}
	for _, sh := range t.shards {
		sh.mu.Lock()
		for id, e := range sh.entries {
			snap.Rules[id] = RuleTrust{
				Alpha:          e.alpha,
				Beta:           e.beta,
				LastUpdateTurn: e.lastUpdateTurn,
				SampleCount:    e.sampleCount,
			}
		}
		sh.mu.Unlock()
	}
	return snap
}

// Restore replaces the tracker contents with the snapshot. Entries violating
// the α,β ≥ 1 floor are rejected.
func (t *Tracker) Restore(snap Snapshot) error {
	for id, rt := range snap.Rules {
		if rt.Alpha < 1 || rt.Beta < 1 || math.IsNaN(rt.Alpha) || math.IsNaN(rt.Beta) {
			return fmt.Errorf("%w: rule %s has alpha=%v beta=%v below the 1.0 floor", ErrInvalidOptions, id, rt.Alpha, rt.Beta)
		}
	}
	for _, sh := range t.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]*entry)
		sh.mu.Unlock()
	}
	for id, rt := range snap.Rules {
		sh := t.shards[t.shardIndex(id)]
		sh.mu.Lock()
		sh.entries[id] = &entry{
			alpha:          rt.Alpha,
			beta:           rt.Beta,
			lastUpdateTurn: rt.LastUpdateTurn,
			sampleCount:    rt.SampleCount,
		}
		sh.mu.Unlock()
	}
	return nil
}

// Len returns the number of tracked rules.
func (t *Tracker) Len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// RuleIDs returns every tracked rule id in sorted order.
func (t *Tracker) RuleIDs() []string {
	var ids []string
	for _, sh := range t.shards {
		sh.mu.Lock()
		for id := range sh.entries {
			ids = append(ids, id)
		}
		sh.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// lookup returns a copy of the rule's entry.
func (t *Tracker) lookup(ruleID string) (entry, bool) {
	sh := t.shards[t.shardIndex(ruleID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[ruleID]
	if !ok {
		return entry{}, false
	}
	return *e, true
}

func (t *Tracker) shardIndex(ruleID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(ruleID)) //nolint:errcheck // fnv never fails
	return h.Sum32() & t.mask
}

func nextPowerOfTwo(n int) int {
	if n < 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

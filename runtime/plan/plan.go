// Package plan splits a variable set and a historical date range into
// independent time-windowed training batches. Batch ids are content hashes of
// the variables and window bounds, so replanning the same inputs yields the
// same ids and the audit trail stays comparable across runs.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidOptions reports an unusable planner configuration.
var ErrInvalidOptions = errors.New("plan: invalid options")

// idLen is the number of hex characters kept from the batch id hash.
const idLen = 16

type (
	// Batch is one independent unit of retrodiction work: a variable set
	// replayed over a half-open time window [WindowStart, WindowEnd).
	Batch struct {
		// ID is a deterministic content hash of the variables and window.
		ID string `json:"id"`
		// Variables lists the variable names in sorted order.
		Variables []string `json:"variables"`
		// WindowStart and WindowEnd bound the half-open replay window.
		WindowStart time.Time `json:"window_start"`
		WindowEnd   time.Time `json:"window_end"`
		// ExpectedRows estimates how many observation rows the window holds,
		// zero when the planner has no row interval to estimate from.
		ExpectedRows int `json:"expected_rows,omitempty"`
		// Priority weights the batch for the curriculum. The planner assigns
		// a uniform 1.0; the curriculum adjusts it on later iterations.
		Priority float64 `json:"priority"`
		// Index is the batch's position in planning order, starting at 0.
		// Audit records are partially ordered across batches by it.
		Index int `json:"index"`
	}

	// Options configures a Planner.
	Options struct {
		// Window is the time width of each batch. Required.
		Window time.Duration
		// Step is the stride between window starts. Zero defaults to Window
		// (non-overlapping); smaller values overlap windows for smoothed
		// residual curves.
		Step time.Duration
		// RowInterval is the expected spacing of observation rows, used only
		// to estimate ExpectedRows. Zero disables the estimate.
		RowInterval time.Duration
	}

	// Planner produces batches for the coordinator.
	Planner struct {
		window      time.Duration
		step        time.Duration
		rowInterval time.Duration
	}
)

// New validates the options and returns a Planner.
func New(opts Options) (*Planner, error) {
	if opts.Window <= 0 {
		return nil, fmt.Errorf("%w: window %v", ErrInvalidOptions, opts.Window)
	}
	step := opts.Step
	if step == 0 {
		step = opts.Window
	}
	if step < 0 {
		return nil, fmt.Errorf("%w: step %v", ErrInvalidOptions, opts.Step)
	}
	if opts.RowInterval < 0 {
		return nil, fmt.Errorf("%w: row interval %v", ErrInvalidOptions, opts.RowInterval)
	}
	return &Planner{window: opts.Window, step: step, rowInterval: opts.RowInterval}, nil
}

// Plan shards [start, end) into batches in time order. An empty variable set
// or an empty range plans zero batches. The final window is truncated at end
// so no batch reaches past the range. Variables are deduplicated and sorted
// before hashing, so the caller's ordering never changes batch ids.
func (p *Planner) Plan(variables []string, start, end time.Time) []Batch {
	vars := dedupeSorted(variables)
	if len(vars) == 0 || !start.Before(end) {
		return nil
	}

	var out []Batch
	for ws := start; ws.Before(end); ws = ws.Add(p.step) {
		we := ws.Add(p.window)
		if we.After(end) {
			we = end
		}
		b := Batch{
			ID:          BatchID(vars, ws, we),
			Variables:   vars,
			WindowStart: ws,
			WindowEnd:   we,
			Priority:    1.0,
			Index:       len(out),
		}
		if p.rowInterval > 0 {
			b.ExpectedRows = int(we.Sub(ws) / p.rowInterval)
		}
		out = append(out, b)
	}
	return out
}

// BatchID hashes the sorted variable names and window bounds into the
// deterministic batch identifier.
func BatchID(sortedVars []string, start, end time.Time) string {
	h := sha256.New()
	for _, v := range sortedVars {
		h.Write([]byte(v))
		h.Write([]byte{0})
	}
	fmt.Fprintf(h, "%d|%d", start.UnixNano(), end.UnixNano())
	return hex.EncodeToString(h.Sum(nil))[:idLen]
}

// dedupeSorted returns the unique variable names in sorted order.
func dedupeSorted(variables []string) []string {
	seen := make(map[string]struct{}, len(variables))
	out := make([]string, 0, len(variables))
	for _, v := range variables {
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

package world

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

type (
	// Snapshot is the fully serializable form of a State. Map keys serialize
	// in sorted order, so two equal snapshots marshal to identical bytes.
	Snapshot struct {
		SimID     string                     `json:"sim_id"`
		Turn      int64                      `json:"turn"`
		Timestamp float64                    `json:"timestamp"`
		Variables map[string]float64         `json:"variables"`
		Capital   map[string]float64         `json:"capital"`
		Overlays  map[string]OverlaySnapshot `json:"overlays"`
		Metadata  map[string]any             `json:"metadata,omitempty"`
		Events    []Event                    `json:"events,omitempty"`
	}

	// OverlaySnapshot is the serialized form of one overlay.
	OverlaySnapshot struct {
		Value float64     `json:"value"`
		Meta  OverlayMeta `json:"meta"`
	}

	// FieldDelta records one changed entry between two snapshots.
	FieldDelta struct {
		// Name is the variable, bucket or overlay name.
		Name string `json:"name"`
		// Before is the value in the earlier snapshot, zero when Added.
		Before float64 `json:"before"`
		// After is the value in the later snapshot.
		After float64 `json:"after"`
		// Added reports that the entry did not exist in the earlier snapshot.
		Added bool `json:"added,omitempty"`
	}

	// StateDiff is the typed delta between two snapshots, sorted by name
	// within each section. Event log entries are not diffed.
	StateDiff struct {
		TurnBefore int64        `json:"turn_before"`
		TurnAfter  int64        `json:"turn_after"`
		Variables  []FieldDelta `json:"variables,omitempty"`
		Capital    []FieldDelta `json:"capital,omitempty"`
		Overlays   []FieldDelta `json:"overlays,omitempty"`
	}
)

// Snapshot produces a deep, serializable copy of the state.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		SimID:     s.simID,
		Turn:      s.turn,
		Timestamp: s.timestamp,
		Variables: make(map[string]float64, len(s.variables)),
		Capital:   make(map[string]float64, len(s.capital)),
		Overlays:  make(map[string]OverlaySnapshot, len(s.overlays)),
		Metadata:  copyAnyMap(s.metadata),
	}
	for k, v := range s.variables {
		snap.Variables[k] = v
	}
	for k, v := range s.capital {
		snap.Capital[k] = v
	}
	for k, e := range s.overlays {
		snap.Overlays[k] = OverlaySnapshot{Value: e.value, Meta: e.meta}
	}
	if len(s.events) > 0 {
		snap.Events = make([]Event, len(s.events))
		for i, ev := range s.events {
			ev.Data = copyAnyMap(ev.Data)
			snap.Events[i] = ev
		}
	}
	return snap
}

// FromSnapshot reconstructs a State from a snapshot. Overlay values are
// clamped back into [0,1]; negative capital fails. FromSnapshot(s.Snapshot())
// equals s.
func FromSnapshot(snap Snapshot) (*State, error) {
	s := &State{
		simID:     snap.SimID,
		turn:      snap.Turn,
		timestamp: snap.Timestamp,
		variables: make(map[string]float64, len(snap.Variables)),
		capital:   make(map[string]float64, len(snap.Capital)),
		overlays:  make(map[string]overlayEntry, len(snap.Overlays)),
		metadata:  copyAnyMap(snap.Metadata),
	}
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	for k, v := range snap.Variables {
		if !isFinite(v) {
			return nil, fmt.Errorf("variable %q: %w", k, ErrInvalidValue)
		}
		s.variables[k] = v
	}
	for k, v := range snap.Capital {
		if !isFinite(v) {
			return nil, fmt.Errorf("capital %q: %w", k, ErrInvalidValue)
		}
		if v < 0 {
			return nil, fmt.Errorf("capital %q: %w", k, ErrNegativeCapital)
		}
		s.capital[k] = v
	}
	if _, ok := s.capital[CashBucket]; !ok {
		s.capital[CashBucket] = 0
	}
	for k, o := range snap.Overlays {
		s.overlays[k] = overlayEntry{value: clamp01(o.Value), meta: o.Meta}
	}
	for _, name := range coreOverlays {
		if _, ok := s.overlays[name]; !ok {
			s.overlays[name] = overlayEntry{value: neutralOverlay, meta: OverlayMeta{Category: "core"}}
		}
	}
	if len(snap.Events) > 0 {
		s.events = make([]Event, len(snap.Events))
		for i, ev := range snap.Events {
			ev.Data = copyAnyMap(ev.Data)
			s.events[i] = ev
		}
	}
	return s, nil
}

// Restore replaces the state's contents in place with the snapshot. The turn
// runner uses it to roll a failed turn back without invalidating pointers
// held by the caller.
func (s *State) Restore(snap Snapshot) error {
	restored, err := FromSnapshot(snap)
	if err != nil {
		return err
	}
	*s = *restored
	return nil
}

// Hash returns the hex SHA-256 of the snapshot's simulation-meaningful
// fields: turn, variables, capital and overlay values. Wall-clock timestamp,
// metadata and the event log are excluded so states re-derived by replay
// hash identically to the originals.
func (s Snapshot) Hash() string {
	core := struct {
		Turn      int64              `json:"turn"`
		Variables map[string]float64 `json:"variables"`
		Capital   map[string]float64 `json:"capital"`
		Overlays  map[string]float64 `json:"overlays"`
	}{
		Turn:      s.Turn,
		Variables: s.Variables,
		Capital:   make(map[string]float64, len(s.Overlays)),
		Overlays:  make(map[string]float64, len(s.Overlays)),
	}
	core.Capital = s.Capital
	for k, o := range s.Overlays {
		core.Overlays[k] = o.Value
	}
	raw, err := json.Marshal(core)
	if err != nil {
		// Finite-value invariants make the core always marshalable.
		panic(fmt.Sprintf("world: hash marshal: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Diff computes the typed deltas from before to after. Entries present in
// after but not before are marked Added; the state never removes entries so
// removals do not occur.
func Diff(before, after Snapshot) StateDiff {
	d := StateDiff{TurnBefore: before.Turn, TurnAfter: after.Turn}
	d.Variables = diffMaps(before.Variables, after.Variables)
	d.Capital = diffMaps(before.Capital, after.Capital)

	overlaysBefore := make(map[string]float64, len(before.Overlays))
	for k, o := range before.Overlays {
		overlaysBefore[k] = o.Value
	}
	overlaysAfter := make(map[string]float64, len(after.Overlays))
	for k, o := range after.Overlays {
		overlaysAfter[k] = o.Value
	}
	d.Overlays = diffMaps(overlaysBefore, overlaysAfter)
	return d
}

// Empty reports whether the diff carries no changes at all.
func (d StateDiff) Empty() bool {
	return d.TurnBefore == d.TurnAfter &&
		len(d.Variables) == 0 && len(d.Capital) == 0 && len(d.Overlays) == 0
}

// ApplyDiff fast-forwards the state by one recorded delta: variables, capital
// and overlays take their After values and the turn counter jumps to
// TurnAfter. Used by audit replay to re-derive states from checkpoints.
func (s *State) ApplyDiff(d StateDiff) error {
	for _, fd := range d.Variables {
		if err := s.SetVariable(fd.Name, fd.After); err != nil {
			return err
		}
	}
	for _, fd := range d.Capital {
		if !isFinite(fd.After) {
			return fmt.Errorf("capital %q: %w", fd.Name, ErrInvalidValue)
		}
		if fd.After < 0 {
			return fmt.Errorf("capital %q: %w", fd.Name, ErrNegativeCapital)
		}
		s.capital[fd.Name] = fd.After
	}
	for _, fd := range d.Overlays {
		if _, err := s.SetOverlay(fd.Name, fd.After); err != nil {
			return err
		}
	}
	s.turn = d.TurnAfter
	return nil
}

func diffMaps(before, after map[string]float64) []FieldDelta {
	var out []FieldDelta
	for name, v := range after {
		prev, ok := before[name]
		if ok && prev == v {
			continue
		}
		out = append(out, FieldDelta{Name: name, Before: prev, After: v, Added: !ok})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Package world implements the typed simulation state advanced by the turn
// runner: named numeric variables, non-negative capital exposures, clamped
// behavioral overlays, and an append-only event log. A State is owned by a
// single worker for the duration of a batch; it is not safe for concurrent
// mutation.
package world

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Core overlays predeclared on every state. Dynamic overlays may be added at
// runtime alongside them.
const (
	OverlayConfidence = "confidence"
	OverlayVolatility = "volatility"
	OverlayStability  = "stability"
	OverlayNovelty    = "novelty"
	OverlayPressure   = "pressure"
)

// CashBucket is the distinguished capital pool present on every state.
const CashBucket = "cash"

// neutralOverlay is the midpoint overlays decay toward and the value new
// overlays start from.
const neutralOverlay = 0.5

var (
	// ErrInvalidValue reports a write of a non-finite number (NaN or ±Inf).
	ErrInvalidValue = errors.New("world: value must be finite")

	// ErrNegativeCapital reports an adjustment that would take a capital
	// bucket below zero. The state is left unchanged.
	ErrNegativeCapital = errors.New("world: capital below zero")

	// ErrOverlayExists reports a duplicate overlay definition.
	ErrOverlayExists = errors.New("world: overlay already defined")
)

type (
	// State is the full simulation state at a turn.
	State struct {
		simID     string
		turn      int64
		timestamp float64
		variables map[string]float64
		capital   map[string]float64
		overlays  map[string]overlayEntry
		metadata  map[string]any
		events    []Event
	}

	// OverlayMeta describes an overlay beyond its value.
	OverlayMeta struct {
		// Category groups overlays; core overlays use "core", overlays
		// created implicitly by adjustments use "dynamic".
		Category string `json:"category"`
		// Parent optionally names the overlay this one refines.
		Parent string `json:"parent,omitempty"`
		// Priority orders overlays when consumers need a stable ranking.
		Priority int `json:"priority"`
	}

	// Event is one entry of the state's append-only event log.
	Event struct {
		// Seq is the position of the event in the log, starting at 0.
		Seq int `json:"seq"`
		// Turn is the turn counter at the time the event was logged.
		Turn int64 `json:"turn"`
		// Kind classifies the event (rule ids, "decay", "capital", ...).
		Kind string `json:"kind"`
		// Description is a human-readable summary.
		Description string `json:"description"`
		// Data carries structured details. Values must be treated as
		// immutable once logged.
		Data map[string]any `json:"data,omitempty"`
		// Timestamp is wall-clock seconds at log time.
		Timestamp float64 `json:"timestamp"`
	}

	overlayEntry struct {
		value float64
		meta  OverlayMeta
	}
)

// coreOverlays lists the overlay names every state starts with.
var coreOverlays = []string{
	OverlayConfidence,
	OverlayVolatility,
	OverlayStability,
	OverlayNovelty,
	OverlayPressure,
}

// New constructs a State with the given initial variables and capital. The
// core overlays start at the neutral midpoint, the cash bucket exists even
// when absent from capital, the turn counter starts at zero and the timestamp
// at the current wall clock. Non-finite initial values and negative capital
// are rejected.
func New(simID string, variables map[string]float64, capital map[string]float64) (*State, error) {
	s := &State{
		simID:     simID,
		timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		variables: make(map[string]float64, len(variables)),
		capital:   make(map[string]float64, len(capital)+1),
		overlays:  make(map[string]overlayEntry, len(coreOverlays)),
		metadata:  make(map[string]any),
	}
	for name, v := range variables {
		if !isFinite(v) {
			return nil, fmt.Errorf("variable %q: %w", name, ErrInvalidValue)
		}
		s.variables[name] = v
	}
	for name, v := range capital {
		if !isFinite(v) {
			return nil, fmt.Errorf("capital %q: %w", name, ErrInvalidValue)
		}
		if v < 0 {
			return nil, fmt.Errorf("capital %q: %w", name, ErrNegativeCapital)
		}
		s.capital[name] = v
	}
	if _, ok := s.capital[CashBucket]; !ok {
		s.capital[CashBucket] = 0
	}
	for _, name := range coreOverlays {
		s.overlays[name] = overlayEntry{value: neutralOverlay, meta: OverlayMeta{Category: "core"}}
	}
	return s, nil
}

// SimID returns the simulation identifier the state was created with.
func (s *State) SimID() string { return s.simID }

// Turn returns the current turn counter.
func (s *State) Turn() int64 { return s.turn }

// AdvanceTurn increments the turn counter and returns the new value. The
// timestamp is left untouched; callers that track simulated time set it
// explicitly.
func (s *State) AdvanceTurn() int64 {
	s.turn++
	return s.turn
}

// Timestamp returns the state's wall-clock seconds.
func (s *State) Timestamp() float64 { return s.timestamp }

// SetTimestamp overwrites the state's wall-clock seconds.
func (s *State) SetTimestamp(ts float64) error {
	if !isFinite(ts) {
		return fmt.Errorf("timestamp: %w", ErrInvalidValue)
	}
	s.timestamp = ts
	return nil
}

// GetVariable returns the named variable, or def when it was never written.
func (s *State) GetVariable(name string, def float64) float64 {
	if v, ok := s.variables[name]; ok {
		return v
	}
	return def
}

// HasVariable reports whether the named variable has been written.
func (s *State) HasVariable(name string) bool {
	_, ok := s.variables[name]
	return ok
}

// SetVariable writes the named variable, creating it when unknown.
func (s *State) SetVariable(name string, value float64) error {
	if !isFinite(value) {
		return fmt.Errorf("variable %q: %w", name, ErrInvalidValue)
	}
	s.variables[name] = value
	return nil
}

// AdjustVariable adds delta to the named variable, treating a missing
// variable as zero. Returns the new value.
func (s *State) AdjustVariable(name string, delta float64) (float64, error) {
	if !isFinite(delta) {
		return 0, fmt.Errorf("variable %q: %w", name, ErrInvalidValue)
	}
	v := s.variables[name] + delta
	if !isFinite(v) {
		return 0, fmt.Errorf("variable %q: %w", name, ErrInvalidValue)
	}
	s.variables[name] = v
	return v, nil
}

// Variables returns a copy of the variable mapping.
func (s *State) Variables() map[string]float64 {
	out := make(map[string]float64, len(s.variables))
	for k, v := range s.variables {
		out[k] = v
	}
	return out
}

// Capital returns the balance of the named bucket, or zero when absent.
func (s *State) Capital(name string) float64 { return s.capital[name] }

// AdjustCapital adds delta to the named bucket, creating it at zero when
// unknown. Adjustments that would take the bucket below zero fail with
// ErrNegativeCapital and leave the state unchanged.
func (s *State) AdjustCapital(name string, delta float64) (float64, error) {
	if !isFinite(delta) {
		return 0, fmt.Errorf("capital %q: %w", name, ErrInvalidValue)
	}
	v := s.capital[name] + delta
	if v < 0 {
		return 0, fmt.Errorf("capital %q: adjust by %v from %v: %w", name, delta, s.capital[name], ErrNegativeCapital)
	}
	s.capital[name] = v
	return v, nil
}

// CapitalBuckets returns a copy of the capital mapping.
func (s *State) CapitalBuckets() map[string]float64 {
	out := make(map[string]float64, len(s.capital))
	for k, v := range s.capital {
		out[k] = v
	}
	return out
}

// DefineOverlay registers a dynamic overlay with explicit metadata, starting
// at the neutral midpoint. Fails with ErrOverlayExists on duplicates.
func (s *State) DefineOverlay(name string, meta OverlayMeta) error {
	if _, ok := s.overlays[name]; ok {
		return fmt.Errorf("overlay %q: %w", name, ErrOverlayExists)
	}
	if meta.Category == "" {
		meta.Category = "dynamic"
	}
	s.overlays[name] = overlayEntry{value: neutralOverlay, meta: meta}
	return nil
}

// Overlay returns the value of the named overlay and whether it exists.
func (s *State) Overlay(name string) (float64, bool) {
	e, ok := s.overlays[name]
	return e.value, ok
}

// OverlayMetadata returns the metadata of the named overlay.
func (s *State) OverlayMetadata(name string) (OverlayMeta, bool) {
	e, ok := s.overlays[name]
	return e.meta, ok
}

// SetOverlay writes the named overlay, clamping the value to [0,1] and
// creating a dynamic overlay when unknown. Returns the stored value.
func (s *State) SetOverlay(name string, value float64) (float64, error) {
	if math.IsNaN(value) {
		return 0, fmt.Errorf("overlay %q: %w", name, ErrInvalidValue)
	}
	e, ok := s.overlays[name]
	if !ok {
		e = overlayEntry{meta: OverlayMeta{Category: "dynamic"}}
	}
	e.value = clamp01(value)
	s.overlays[name] = e
	return e.value, nil
}

// AdjustOverlay adds delta to the named overlay with saturating semantics:
// the result is clamped to [0,1]. Unknown overlays are created as dynamic
// entries at the neutral midpoint before the delta applies. Returns the
// stored value.
func (s *State) AdjustOverlay(name string, delta float64) (float64, error) {
	if math.IsNaN(delta) {
		return 0, fmt.Errorf("overlay %q: %w", name, ErrInvalidValue)
	}
	e, ok := s.overlays[name]
	if !ok {
		e = overlayEntry{value: neutralOverlay, meta: OverlayMeta{Category: "dynamic"}}
	}
	e.value = clamp01(e.value + delta)
	s.overlays[name] = e
	return e.value, nil
}

// Overlays returns a copy of the overlay values.
func (s *State) Overlays() map[string]float64 {
	out := make(map[string]float64, len(s.overlays))
	for k, e := range s.overlays {
		out[k] = e.value
	}
	return out
}

// DecayOverlays moves every overlay toward the neutral midpoint by rate,
// where rate 0 is a no-op and rate 1 snaps to the midpoint. Rates outside
// [0,1] are rejected.
func (s *State) DecayOverlays(rate float64) error {
	if !isFinite(rate) || rate < 0 || rate > 1 {
		return fmt.Errorf("decay rate %v: %w", rate, ErrInvalidValue)
	}
	for name, e := range s.overlays {
		e.value = clamp01(e.value + (neutralOverlay-e.value)*rate)
		s.overlays[name] = e
	}
	return nil
}

// SetMetadata stores a free-form metadata entry.
func (s *State) SetMetadata(key string, value any) {
	s.metadata[key] = value
}

// Metadata returns a copy of the free-form metadata mapping.
func (s *State) Metadata() map[string]any {
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// LogEvent appends a structured event to the log and returns it.
func (s *State) LogEvent(kind, description string, data map[string]any) Event {
	ev := Event{
		Seq:         len(s.events),
		Turn:        s.turn,
		Kind:        kind,
		Description: description,
		Data:        copyAnyMap(data),
		Timestamp:   float64(time.Now().UnixNano()) / float64(time.Second),
	}
	s.events = append(s.events, ev)
	return ev
}

// Events returns a copy of the event log in append order.
func (s *State) Events() []Event {
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Clone returns a deep-independent copy of the state. Mutations to the clone
// never alias the source.
func (s *State) Clone() *State {
	c := &State{
		simID:     s.simID,
		turn:      s.turn,
		timestamp: s.timestamp,
		variables: make(map[string]float64, len(s.variables)),
		capital:   make(map[string]float64, len(s.capital)),
		overlays:  make(map[string]overlayEntry, len(s.overlays)),
		metadata:  copyAnyMap(s.metadata),
		events:    make([]Event, len(s.events)),
	}
	for k, v := range s.variables {
		c.variables[k] = v
	}
	for k, v := range s.capital {
		c.capital[k] = v
	}
	for k, e := range s.overlays {
		c.overlays[k] = e
	}
	for i, ev := range s.events {
		ev.Data = copyAnyMap(ev.Data)
		c.events[i] = ev
	}
	return c
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsInf(v, -1):
		return 0
	case v > 1 || math.IsInf(v, 1):
		return 1
	default:
		return v
	}
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

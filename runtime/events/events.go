// Package events defines the run and batch lifecycle events published by the
// coordinator and the fan-out bus that delivers them to subscribers: the
// embeddable service API, the Pulse stream feature, and tests.
package events

import "time"

// Type discriminates event kinds on the wire.
type Type string

// Event types in rough lifecycle order.
const (
	// TypeRunQueued fires when a run is accepted but not yet executing.
	TypeRunQueued Type = "run_queued"
	// TypeRunStarted fires when the coordinator begins dispatching batches.
	TypeRunStarted Type = "run_started"
	// TypeBatchPlanned fires once per planned batch before dispatch.
	TypeBatchPlanned Type = "batch_planned"
	// TypeBatchStarted fires when a worker takes a batch in flight.
	TypeBatchStarted Type = "batch_started"
	// TypeBatchCompleted fires when a batch reaches a terminal status.
	TypeBatchCompleted Type = "batch_completed"
	// TypeProgress fires from the supervisor as completion advances.
	TypeProgress Type = "progress"
	// TypeRunCompleted fires when the run reaches a terminal state.
	TypeRunCompleted Type = "run_completed"
)

type (
	// Event is the common surface of every published event.
	Event interface {
		// Type returns the event discriminator.
		Type() Type
		// RunID returns the run the event belongs to.
		RunID() string
		// Timestamp returns the publication time.
		Timestamp() time.Time
	}

	// Base carries the fields shared by every event and implements the
	// common accessors. Concrete events embed it.
	Base struct {
		EventType Type      `json:"type"`
		Run       string    `json:"run_id"`
		At        time.Time `json:"timestamp"`
	}

	// RunQueued announces a newly accepted run.
	RunQueued struct {
		Base
		// TotalBatches is the planned batch count, zero before planning.
		TotalBatches int `json:"total_batches,omitempty"`
	}

	// RunStarted announces the start of batch dispatch.
	RunStarted struct {
		Base
		// TotalBatches is the planned batch count.
		TotalBatches int `json:"total_batches"`
		// Workers is the size of the worker pool.
		Workers int `json:"workers"`
	}

	// BatchPlanned announces one planned batch.
	BatchPlanned struct {
		Base
		BatchID string `json:"batch_id"`
		// Index is the batch's planning order position.
		Index int `json:"index"`
		// Priority is the curriculum weight at planning time.
		Priority float64 `json:"priority"`
	}

	// BatchStarted announces a batch transitioning to in flight.
	BatchStarted struct {
		Base
		BatchID string `json:"batch_id"`
		// Worker identifies the worker executing the batch.
		Worker int `json:"worker"`
		// Attempt counts executions of this batch, starting at 1.
		Attempt int `json:"attempt"`
	}

	// BatchCompleted announces a batch reaching a terminal status.
	BatchCompleted struct {
		Base
		BatchID string `json:"batch_id"`
		// Status is the terminal batch status (succeeded, failed, cancelled).
		Status string `json:"status"`
		// Error carries the diagnostic for failed batches.
		Error string `json:"error,omitempty"`
		// Duration is the wall-clock execution time.
		Duration time.Duration `json:"duration_ns"`
	}

	// Progress carries the supervisor's periodic completion report.
	Progress struct {
		Base
		Completed int `json:"completed"`
		Total     int `json:"total"`
		InFlight  int `json:"in_flight"`
		// ETA estimates the remaining wall-clock time. Zero when unknown.
		ETA time.Duration `json:"eta_ns,omitempty"`
	}

	// RunCompleted announces the run's terminal state.
	RunCompleted struct {
		Base
		// State is the terminal run state (completed, failed, cancelled).
		State     string `json:"state"`
		Succeeded int    `json:"succeeded"`
		Failed    int    `json:"failed"`
		Cancelled int    `json:"cancelled"`
	}
)

// Type implements Event.
func (b Base) Type() Type { return b.EventType }

// RunID implements Event.
func (b Base) RunID() string { return b.Run }

// Timestamp implements Event.
func (b Base) Timestamp() time.Time { return b.At }

// NewBase stamps a Base with the type, run id and current time.
func NewBase(t Type, runID string) Base {
	return Base{EventType: t, Run: runID, At: time.Now().UTC()}
}

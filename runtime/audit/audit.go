// Package audit implements the per-run, per-batch replayable trace log. Each
// record is hash-chained to its predecessor within the same (run, batch)
// stream for tamper evidence, checkpoints embed full world snapshots, and
// Replay re-derives every batch's final world state from checkpoints plus
// per-turn deltas.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"causalis.dev/retrodict/runtime/plan"
	"causalis.dev/retrodict/runtime/turn"
	"causalis.dev/retrodict/runtime/world"
)

// Kind classifies audit records.
type Kind string

// Record kinds in lifecycle order.
const (
	// KindPlan records the planned batch list, once per run.
	KindPlan Kind = "plan"
	// KindStart records a batch's initial world snapshot.
	KindStart Kind = "start"
	// KindTurn records one turn's rule trace and deltas.
	KindTurn Kind = "turn"
	// KindCheckpoint records a full world snapshot mid-batch.
	KindCheckpoint Kind = "checkpoint"
	// KindEnd records a batch's (or the run's) terminal status.
	KindEnd Kind = "end"
)

var (
	// ErrInvalidRecord reports a structurally unusable record.
	ErrInvalidRecord = errors.New("audit: invalid record")

	// ErrChainBroken reports a hash-chain mismatch during replay.
	ErrChainBroken = errors.New("audit: hash chain broken")

	// ErrNotFound reports a run with no records.
	ErrNotFound = errors.New("audit: run not found")
)

type (
	// Record is one immutable trail entry.
	Record struct {
		// RunID names the run the record belongs to.
		RunID string `json:"run_id"`
		// BatchID names the batch stream, empty for run-level records.
		BatchID string `json:"batch_id,omitempty"`
		// Index totally orders records within a run, starting at 0.
		Index int64 `json:"index"`
		// Seq orders records within their (run, batch) chain, starting at 0.
		Seq int64 `json:"seq"`
		// Kind classifies the payload.
		Kind Kind `json:"kind"`
		// Payload is the canonical JSON-encoded record body.
		Payload json.RawMessage `json:"payload"`
		// Hash chains the record to its predecessor: the hex SHA-256 of the
		// previous record's hash concatenated with this payload.
		Hash string `json:"hash"`
		// Timestamp is the append time.
		Timestamp time.Time `json:"timestamp"`
	}

	// Store persists audit records. Implementations must preserve append
	// order per run; the trail assigns Index, Seq and Hash before Append.
	Store interface {
		// Append durably stores the record. Failures surface to the caller
		// so runs can fail fast when canonical tracing is unavailable.
		Append(ctx context.Context, rec Record) error

		// List returns up to limit records of the run with Index greater
		// than afterIndex, ordered by Index ascending. An empty result
		// means the log is exhausted.
		List(ctx context.Context, runID string, afterIndex int64, limit int) ([]Record, error)

		// Close releases store resources.
		Close() error
	}

	// PlanPayload is the body of a KindPlan record.
	PlanPayload struct {
		Batches []plan.Batch `json:"batches"`
	}

	// StartPayload is the body of a KindStart record.
	StartPayload struct {
		Snapshot world.Snapshot `json:"snapshot"`
	}

	// TurnPayload is the body of a KindTurn record.
	TurnPayload struct {
		Record turn.Record `json:"record"`
	}

	// CheckpointPayload is the body of a KindCheckpoint record.
	CheckpointPayload struct {
		Snapshot world.Snapshot `json:"snapshot"`
	}

	// EndPayload is the body of a KindEnd record.
	EndPayload struct {
		// Status is the terminal status of the batch or run.
		Status string `json:"status"`
		// Error carries the diagnostic for failed batches.
		Error string `json:"error,omitempty"`
		// Truncated marks a stream cut short by a timeout: turn records
		// after the last checkpoint may be missing.
		Truncated bool `json:"truncated,omitempty"`
	}
)

// Validate checks the structural requirements of a record.
func (r Record) Validate() error {
	if r.RunID == "" {
		return errors.Join(ErrInvalidRecord, errors.New("missing run id"))
	}
	if r.Kind == "" {
		return errors.Join(ErrInvalidRecord, errors.New("missing kind"))
	}
	if len(r.Payload) == 0 {
		return errors.Join(ErrInvalidRecord, errors.New("missing payload"))
	}
	return nil
}

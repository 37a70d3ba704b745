package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"causalis.dev/retrodict/runtime/plan"
	"causalis.dev/retrodict/runtime/turn"
	"causalis.dev/retrodict/runtime/world"
)

// Trail is the write side of one run's audit log. It assigns the per-run
// total order, the per-batch sequence numbers and the hash chain, then hands
// the finished record to the store. Safe for concurrent use: workers append
// to disjoint batch chains while the supervisor appends run-level records.
type Trail struct {
	store Store
	runID string

	mu        sync.Mutex
	nextIndex int64
	chains    map[string]*chainState
}

type chainState struct {
	seq      int64
	prevHash string
}

// NewTrail opens a trail for the run on the given store.
func NewTrail(store Store, runID string) *Trail {
	return &Trail{
		store:  store,
		runID:  runID,
		chains: make(map[string]*chainState),
	}
}

// RunID returns the run the trail records.
func (t *Trail) RunID() string { return t.runID }

// Append encodes the payload, links it into the batch's hash chain and
// persists it. Pass an empty batchID for run-level records.
func (t *Trail) Append(ctx context.Context, batchID string, kind Kind, payload any) (Record, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("audit: marshal %s payload: %w", kind, err)
	}

	t.mu.Lock()
	chain := t.chains[batchID]
	if chain == nil {
		chain = &chainState{}
		t.chains[batchID] = chain
	}
	rec := Record{
		RunID:     t.runID,
		BatchID:   batchID,
		Index:     t.nextIndex,
		Seq:       chain.seq,
		Kind:      kind,
		Payload:   raw,
		Hash:      chainHash(chain.prevHash, raw),
		Timestamp: time.Now().UTC(),
	}
	t.nextIndex++
	chain.seq++
	chain.prevHash = rec.Hash
	t.mu.Unlock()

	if err := t.store.Append(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("audit: append %s record: %w", kind, err)
	}
	return rec, nil
}

// Plan records the planned batch list at run level.
func (t *Trail) Plan(ctx context.Context, batches []plan.Batch) error {
	_, err := t.Append(ctx, "", KindPlan, PlanPayload{Batches: batches})
	return err
}

// Start records a batch's initial world snapshot.
func (t *Trail) Start(ctx context.Context, batchID string, snap world.Snapshot) error {
	_, err := t.Append(ctx, batchID, KindStart, StartPayload{Snapshot: snap})
	return err
}

// Turn records one turn of a batch.
func (t *Trail) Turn(ctx context.Context, batchID string, rec turn.Record) error {
	_, err := t.Append(ctx, batchID, KindTurn, TurnPayload{Record: rec})
	return err
}

// Checkpoint records a full world snapshot inside a batch.
func (t *Trail) Checkpoint(ctx context.Context, batchID string, snap world.Snapshot) error {
	_, err := t.Append(ctx, batchID, KindCheckpoint, CheckpointPayload{Snapshot: snap})
	return err
}

// End records a batch's terminal status. Truncated marks streams cut short by
// a timeout.
func (t *Trail) End(ctx context.Context, batchID, status, errMsg string, truncated bool) error {
	_, err := t.Append(ctx, batchID, KindEnd, EndPayload{Status: status, Error: errMsg, Truncated: truncated})
	return err
}

// EndRun records the run-level terminal status.
func (t *Trail) EndRun(ctx context.Context, status, errMsg string) error {
	_, err := t.Append(ctx, "", KindEnd, EndPayload{Status: status, Error: errMsg})
	return err
}

// chainHash computes the tamper-evidence hash: SHA-256 over the previous hash
// and the canonical payload bytes.
func chainHash(prevHash string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"causalis.dev/retrodict/runtime/world"
)

// listPageSize is the page size used when iterating a run's records.
const listPageSize = 256

// Iterator walks a run's records in total order.
type Iterator struct {
	store Store
	runID string

	page  []Record
	pos   int
	after int64
	done  bool
	err   error
}

// NewIterator returns an iterator over the run's records starting at the
// beginning.
func NewIterator(store Store, runID string) *Iterator {
	return &Iterator{store: store, runID: runID, after: -1}
}

// Next returns the next record. The second result is false when the log is
// exhausted or an error occurred; check Err afterwards.
func (it *Iterator) Next(ctx context.Context) (Record, bool) {
	if it.err != nil || it.done {
		return Record{}, false
	}
	if it.pos >= len(it.page) {
		page, err := it.store.List(ctx, it.runID, it.after, listPageSize)
		if err != nil {
			it.err = err
			return Record{}, false
		}
		if len(page) == 0 {
			it.done = true
			return Record{}, false
		}
		it.page = page
		it.pos = 0
		it.after = page[len(page)-1].Index
	}
	rec := it.page[it.pos]
	it.pos++
	return rec, true
}

// Err returns the first error the iterator hit, if any.
func (it *Iterator) Err() error { return it.err }

// BatchReplay is the reconstructed trace of one batch.
type BatchReplay struct {
	// BatchID names the batch.
	BatchID string
	// Final is the batch's re-derived final world state, nil when the
	// stream never recorded a start snapshot.
	Final *world.State
	// Turns counts the turn records applied.
	Turns int
	// Status is the recorded terminal status, empty when the stream has no
	// end record (crash before finalization).
	Status string
	// Truncated reports a stream cut short by a timeout.
	Truncated bool
}

// Replay walks the run's records, verifies every hash chain and re-derives
// each batch's final world state from its start snapshot, checkpoints and
// per-turn deltas. stepLimit bounds the turn records applied per batch; zero
// applies all of them. Runs with no records fail with ErrNotFound.
func Replay(ctx context.Context, store Store, runID string, stepLimit int) (map[string]BatchReplay, error) {
	it := NewIterator(store, runID)
	chains := make(map[string]string)
	replays := make(map[string]BatchReplay)
	states := make(map[string]*world.State)
	seen := false

	for {
		rec, ok := it.Next(ctx)
		if !ok {
			break
		}
		seen = true

		want := chainHash(chains[rec.BatchID], rec.Payload)
		if rec.Hash != want {
			return nil, fmt.Errorf("%w: run %s batch %q seq %d", ErrChainBroken, runID, rec.BatchID, rec.Seq)
		}
		chains[rec.BatchID] = rec.Hash

		if rec.BatchID == "" {
			continue
		}
		br := replays[rec.BatchID]
		br.BatchID = rec.BatchID

		switch rec.Kind {
		case KindStart:
			var p StartPayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				return nil, fmt.Errorf("audit: decode start payload: %w", err)
			}
			s, err := world.FromSnapshot(p.Snapshot)
			if err != nil {
				return nil, fmt.Errorf("audit: restore start snapshot: %w", err)
			}
			states[rec.BatchID] = s
		case KindCheckpoint:
			var p CheckpointPayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				return nil, fmt.Errorf("audit: decode checkpoint payload: %w", err)
			}
			s, err := world.FromSnapshot(p.Snapshot)
			if err != nil {
				return nil, fmt.Errorf("audit: restore checkpoint snapshot: %w", err)
			}
			states[rec.BatchID] = s
		case KindTurn:
			if stepLimit > 0 && br.Turns >= stepLimit {
				break
			}
			var p TurnPayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				return nil, fmt.Errorf("audit: decode turn payload: %w", err)
			}
			s := states[rec.BatchID]
			if s == nil {
				return nil, fmt.Errorf("%w: turn record before start for batch %s", ErrInvalidRecord, rec.BatchID)
			}
			if !p.Record.Aborted {
				if err := s.ApplyDiff(p.Record.Diff); err != nil {
					return nil, fmt.Errorf("audit: apply turn %d diff: %w", p.Record.Turn, err)
				}
				if got := s.Snapshot().Hash(); got != p.Record.PostHash {
					return nil, fmt.Errorf("%w: turn %d of batch %s replays to %s, recorded %s",
						ErrChainBroken, p.Record.Turn, rec.BatchID, got, p.Record.PostHash)
				}
			}
			br.Turns++
		case KindEnd:
			var p EndPayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				return nil, fmt.Errorf("audit: decode end payload: %w", err)
			}
			br.Status = p.Status
			br.Truncated = p.Truncated
		}

		br.Final = states[rec.BatchID]
		replays[rec.BatchID] = br
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	if !seen {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return replays, nil
}

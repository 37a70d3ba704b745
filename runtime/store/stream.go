package store

import (
	"context"
	"errors"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
)

// item is one prefetched block or the error that replaced it.
type item struct {
	block Block
	err   error
}

// streamIter yields filtered blocks re-chunked to the requested batch size.
// A single background goroutine prefetches up to the store's read-ahead depth
// into a bounded channel, so workers overlap compute with block I/O.
type streamIter struct {
	items  <-chan item
	cancel context.CancelFunc
	group  *errgroup.Group

	cur       Block
	off       int
	batchSize int

	closeOnce sync.Once
	release   func()
}

// stream builds the iterator for the manifest's blocks overlapping the
// filter. Caller has already resolved the manifest.
func (s *Store) stream(ctx context.Context, datasetID string, m Manifest, _ string, f Filter, batchSize int) (Iterator, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchRows
	}
	var indices []int
	for idx, ref := range m.Blocks {
		if ref.Rows == 0 || !f.Matches(ref.MinTime, ref.MaxTime) {
			continue
		}
		indices = append(indices, idx)
	}

	depth := s.prefetch
	if depth < 1 {
		depth = 1
	}
	items := make(chan item, depth)

	streamCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(streamCtx)
	g.Go(func() error {
		defer close(items)
		for _, idx := range indices {
			b, err := s.block(gctx, datasetID, idx)
			if err == nil {
				b = b.Slice(f)
				if b.Rows() == 0 {
					continue
				}
			} else if !errors.Is(err, ErrCorruptBlock) {
				// Non-corrupt failures end the stream; corrupt blocks are
				// reported and skipped.
				select {
				case items <- item{err: err}:
				case <-gctx.Done():
				}
				return nil
			}
			select {
			case items <- item{block: b, err: err}:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	s.streams.Add(1)
	var releaseOnce sync.Once
	return &streamIter{
		items:     items,
		cancel:    cancel,
		group:     g,
		batchSize: batchSize,
		release:   func() { releaseOnce.Do(s.streams.Done) },
	}, nil
}

// Next implements Iterator.
func (it *streamIter) Next(ctx context.Context) (Block, error) {
	for {
		if it.off < it.cur.Rows() {
			return it.chunk(), nil
		}
		select {
		case <-ctx.Done():
			return Block{}, ctx.Err()
		case next, ok := <-it.items:
			if !ok {
				it.release()
				return Block{}, io.EOF
			}
			if next.err != nil {
				return Block{}, next.err
			}
			it.cur = next.block
			it.off = 0
		}
	}
}

// chunk returns the next at-most-batchSize rows of the current block. The
// current block is already a filtered copy, so chunks alias it safely.
func (it *streamIter) chunk() Block {
	lo := it.off
	hi := lo + it.batchSize
	if hi > it.cur.Rows() {
		hi = it.cur.Rows()
	}
	it.off = hi

	out := Block{
		Timestamps: it.cur.Timestamps[lo:hi],
		Columns:    make(map[string][]float64, len(it.cur.Columns)),
		Meta:       it.cur.Meta,
	}
	for name, col := range it.cur.Columns {
		out.Columns[name] = col[lo:hi]
	}
	return out
}

// Close stops the prefetcher and waits for its in-flight read to finish.
func (it *streamIter) Close() error {
	it.closeOnce.Do(func() {
		it.cancel()
		for range it.items {
			// Drain so the prefetcher can exit.
		}
		_ = it.group.Wait() //nolint:errcheck // fetch loop reports via items
		it.release()
	})
	return nil
}

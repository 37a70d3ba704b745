// Package store implements the streaming columnar data store that serves
// observation rows to training workers with bounded memory: a byte-budget LRU
// over decoded blocks, background prefetch, filter pushdown via per-block
// time ranges, and a fallback chain across storage backends (columnar first,
// then row-oriented, then object store).
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrNotFound reports a dataset missing from every backend.
	ErrNotFound = errors.New("store: dataset not found")

	// ErrUnavailable reports that every backend failed for reasons other
	// than absence.
	ErrUnavailable = errors.New("store: no backend available")

	// ErrCorruptBlock reports a block that failed to decode. Only the
	// offending block is lost; iteration continues past it.
	ErrCorruptBlock = errors.New("store: corrupt block")

	// ErrInvalidBlock reports a block violating the column-length or
	// timestamp-order invariants.
	ErrInvalidBlock = errors.New("store: invalid block")

	// ErrClosed reports use after Close.
	ErrClosed = errors.New("store: closed")
)

type (
	// Block holds one contiguous time interval of rows for a variable set.
	// Timestamps are Unix seconds in non-decreasing order and every column
	// has exactly one value per timestamp.
	Block struct {
		Timestamps []int64              `json:"timestamps"`
		Columns    map[string][]float64 `json:"columns"`
		Meta       BlockMeta            `json:"meta"`
	}

	// BlockMeta describes a block's provenance.
	BlockMeta struct {
		// DatasetID names the dataset the block belongs to.
		DatasetID string `json:"dataset_id"`
		// Source names the backend that served the block.
		Source string `json:"source,omitempty"`
		// Seq is the block's index within its dataset.
		Seq int `json:"seq"`
	}

	// BlockRef is a manifest entry describing one block file. The time
	// bounds let readers skip blocks entirely outside a filter window.
	BlockRef struct {
		Name    string `json:"name"`
		Rows    int64  `json:"rows"`
		MinTime int64  `json:"min_time"`
		MaxTime int64  `json:"max_time"`
	}

	// Manifest describes a dataset: its storage format, column schema and
	// block files. Backends publish it atomically with the blocks.
	Manifest struct {
		Format      string     `json:"format"`
		Schema      string     `json:"schema,omitempty"`
		ColumnNames []string   `json:"column_names"`
		RowCount    int64      `json:"row_count"`
		CreatedAt   time.Time  `json:"created_at"`
		Blocks      []BlockRef `json:"blocks"`
	}

	// Filter restricts streamed rows. The zero value matches everything.
	Filter struct {
		// Start and End bound timestamps to the half-open [Start, End).
		// Zero means unbounded on that side.
		Start int64
		End   int64
		// Columns restricts the returned columns. Empty keeps all.
		Columns []string
	}

	// Iterator yields blocks of at most the requested batch size. It is
	// finite and not restartable. A Next error of ErrCorruptBlock poisons
	// only that block; the following Next continues with the next one.
	Iterator interface {
		// Next returns the next block, or io.EOF when exhausted.
		Next(ctx context.Context) (Block, error)
		// Close releases the iterator and stops its prefetcher, waiting
		// for in-flight reads to finish.
		Close() error
	}

	// Backend is one storage tier in the fallback chain.
	Backend interface {
		// Name tags blocks served by this backend.
		Name() string
		// Manifest returns the dataset's manifest, or ErrNotFound.
		Manifest(ctx context.Context, datasetID string) (Manifest, error)
		// ReadBlock decodes one block by manifest index.
		ReadBlock(ctx context.Context, datasetID string, idx int) (Block, error)
		// WriteDataset atomically publishes the dataset: either the
		// manifest and every block become visible together or nothing does.
		WriteDataset(ctx context.Context, datasetID string, blocks []Block, schema string) error
		// Close releases backend resources.
		Close(ctx context.Context) error
	}
)

// Rows returns the number of rows in the block.
func (b Block) Rows() int { return len(b.Timestamps) }

// SizeBytes estimates the decoded in-memory footprint, used by the cache
// byte budget.
func (b Block) SizeBytes() int64 {
	rows := int64(len(b.Timestamps))
	size := rows * 8
	for name, col := range b.Columns {
		size += int64(len(name)) + int64(len(col))*8
	}
	return size
}

// Validate checks the equal-length and timestamp-order invariants.
func (b Block) Validate() error {
	for name, col := range b.Columns {
		if len(col) != len(b.Timestamps) {
			return fmt.Errorf("%w: column %q has %d values for %d timestamps",
				ErrInvalidBlock, name, len(col), len(b.Timestamps))
		}
	}
	for i := 1; i < len(b.Timestamps); i++ {
		if b.Timestamps[i] < b.Timestamps[i-1] {
			return fmt.Errorf("%w: timestamps regress at row %d", ErrInvalidBlock, i)
		}
	}
	return nil
}

// Slice returns a copy of the block restricted by the filter. Column order
// and metadata are preserved; an empty result keeps valid zero-length
// columns.
func (b Block) Slice(f Filter) Block {
	lo, hi := f.rowRange(b.Timestamps)
	cols := f.Columns
	if len(cols) == 0 {
		cols = make([]string, 0, len(b.Columns))
		for name := range b.Columns {
			cols = append(cols, name)
		}
		sort.Strings(cols)
	}
	out := Block{
		Timestamps: append([]int64(nil), b.Timestamps[lo:hi]...),
		Columns:    make(map[string][]float64, len(cols)),
		Meta:       b.Meta,
	}
	for _, name := range cols {
		col, ok := b.Columns[name]
		if !ok {
			continue
		}
		out.Columns[name] = append([]float64(nil), col[lo:hi]...)
	}
	return out
}

// Matches reports whether the filter's time window overlaps [min, max].
func (f Filter) Matches(min, max int64) bool {
	if f.Start != 0 && max < f.Start {
		return false
	}
	if f.End != 0 && min >= f.End {
		return false
	}
	return true
}

// rowRange returns the [lo, hi) row interval of ts covered by the filter.
func (f Filter) rowRange(ts []int64) (lo, hi int) {
	lo, hi = 0, len(ts)
	if f.Start != 0 {
		lo = sort.Search(len(ts), func(i int) bool { return ts[i] >= f.Start })
	}
	if f.End != 0 {
		hi = sort.Search(len(ts), func(i int) bool { return ts[i] >= f.End })
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// NewManifest builds a manifest for the given blocks, deriving row counts,
// per-block time bounds and the sorted union of column names.
func NewManifest(format, schema string, blocks []Block) Manifest {
	m := Manifest{
		Format:    format,
		Schema:    schema,
		CreatedAt: time.Now().UTC(),
	}
	colSet := make(map[string]struct{})
	for i, b := range blocks {
		ref := BlockRef{Name: fmt.Sprintf("block-%04d", i), Rows: int64(b.Rows())}
		if n := b.Rows(); n > 0 {
			ref.MinTime = b.Timestamps[0]
			ref.MaxTime = b.Timestamps[n-1]
		}
		m.Blocks = append(m.Blocks, ref)
		m.RowCount += ref.Rows
		for name := range b.Columns {
			colSet[name] = struct{}{}
		}
	}
	for name := range colSet {
		m.ColumnNames = append(m.ColumnNames, name)
	}
	sort.Strings(m.ColumnNames)
	return m
}

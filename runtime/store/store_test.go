package store_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"causalis.dev/retrodict/runtime/store"
)

// fakeBackend serves datasets from memory and can be forced to fail, so the
// fallback chain is testable without disks.
type fakeBackend struct {
	name     string
	datasets map[string][]store.Block
	err      error
	corrupt  map[int]bool
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{name: name, datasets: make(map[string][]store.Block), corrupt: make(map[int]bool)}
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Manifest(_ context.Context, id string) (store.Manifest, error) {
	if f.err != nil {
		return store.Manifest{}, f.err
	}
	blocks, ok := f.datasets[id]
	if !ok {
		return store.Manifest{}, store.ErrNotFound
	}
	return store.NewManifest(f.name, "", blocks), nil
}

func (f *fakeBackend) ReadBlock(_ context.Context, id string, idx int) (store.Block, error) {
	if f.err != nil {
		return store.Block{}, f.err
	}
	if f.corrupt[idx] {
		return store.Block{}, store.ErrCorruptBlock
	}
	blocks, ok := f.datasets[id]
	if !ok || idx >= len(blocks) {
		return store.Block{}, store.ErrNotFound
	}
	return blocks[idx], nil
}

func (f *fakeBackend) WriteDataset(_ context.Context, id string, blocks []store.Block, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.datasets[id] = blocks
	return nil
}

func (f *fakeBackend) Close(context.Context) error { return nil }

// testBlocks builds n sequential 10-row blocks of columns x and y.
func testBlocks(n int) []store.Block {
	var out []store.Block
	ts := int64(1000)
	for i := 0; i < n; i++ {
		b := store.Block{Columns: map[string][]float64{"x": nil, "y": nil}}
		for r := 0; r < 10; r++ {
			b.Timestamps = append(b.Timestamps, ts)
			b.Columns["x"] = append(b.Columns["x"], float64(ts))
			b.Columns["y"] = append(b.Columns["y"], float64(ts)*2)
			ts += 60
		}
		out = append(out, b)
	}
	return out
}

func drain(t *testing.T, it store.Iterator) []store.Block {
	t.Helper()
	var out []store.Block
	for {
		b, err := it.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		out = append(out, b)
	}
	require.NoError(t, it.Close())
	return out
}

func TestRetrieveMergesSmallDataset(t *testing.T) {
	t.Parallel()

	primary := newFakeBackend("columnar")
	primary.datasets["obs"] = testBlocks(3)
	s, err := store.Open(store.Options{Backends: []store.Backend{primary}})
	require.NoError(t, err)
	defer s.Close(context.Background()) //nolint:errcheck

	res, err := s.Retrieve(context.Background(), "obs")
	require.NoError(t, err)
	require.NotNil(t, res.Block)
	require.Nil(t, res.Stream)
	require.Equal(t, 30, res.Block.Rows())
	require.Equal(t, "columnar", res.Block.Meta.Source)
}

func TestRetrieveStreamsLargeDataset(t *testing.T) {
	t.Parallel()

	primary := newFakeBackend("columnar")
	primary.datasets["obs"] = testBlocks(4)
	s, err := store.Open(store.Options{Backends: []store.Backend{primary}, MaxInlineRows: 15})
	require.NoError(t, err)
	defer s.Close(context.Background()) //nolint:errcheck

	res, err := s.Retrieve(context.Background(), "obs")
	require.NoError(t, err)
	require.Nil(t, res.Block)
	require.NotNil(t, res.Stream)

	rows := 0
	for _, b := range drain(t, res.Stream) {
		rows += b.Rows()
	}
	require.Equal(t, 40, rows)
}

func TestFallbackToSecondaryBackend(t *testing.T) {
	t.Parallel()

	primary := newFakeBackend("columnar")
	primary.err = errors.New("disk on fire")
	secondary := newFakeBackend("rowfile")
	secondary.datasets["obs"] = testBlocks(2)

	s, err := store.Open(store.Options{Backends: []store.Backend{primary, secondary}})
	require.NoError(t, err)
	defer s.Close(context.Background()) //nolint:errcheck

	res, err := s.Retrieve(context.Background(), "obs")
	require.NoError(t, err)
	require.NotNil(t, res.Block)
	require.Equal(t, "rowfile", res.Block.Meta.Source, "metadata records the serving backend")
}

func TestMissingEverywhereIsNotFound(t *testing.T) {
	t.Parallel()

	s, err := store.Open(store.Options{Backends: []store.Backend{newFakeBackend("a"), newFakeBackend("b")}})
	require.NoError(t, err)
	defer s.Close(context.Background()) //nolint:errcheck

	_, err = s.Retrieve(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestAllBackendsFailingIsUnavailable(t *testing.T) {
	t.Parallel()

	a := newFakeBackend("a")
	a.err = errors.New("down")
	b := newFakeBackend("b")
	b.err = errors.New("also down")

	s, err := store.Open(store.Options{Backends: []store.Backend{a, b}})
	require.NoError(t, err)
	defer s.Close(context.Background()) //nolint:errcheck

	_, err = s.Retrieve(context.Background(), "obs")
	require.ErrorIs(t, err, store.ErrUnavailable)
}

func TestStreamAppliesFilterAndBatchSize(t *testing.T) {
	t.Parallel()

	primary := newFakeBackend("columnar")
	primary.datasets["obs"] = testBlocks(4)
	s, err := store.Open(store.Options{Backends: []store.Backend{primary}})
	require.NoError(t, err)
	defer s.Close(context.Background()) //nolint:errcheck

	// Rows 1000..3340 in steps of 60; keep [1600, 2500) and only column x.
	it, err := s.Stream(context.Background(), "obs", store.Filter{Start: 1600, End: 2500, Columns: []string{"x"}}, 7)
	require.NoError(t, err)

	rows := 0
	for _, b := range drain(t, it) {
		require.LessOrEqual(t, b.Rows(), 7)
		require.Contains(t, b.Columns, "x")
		require.NotContains(t, b.Columns, "y")
		for _, ts := range b.Timestamps {
			require.GreaterOrEqual(t, ts, int64(1600))
			require.Less(t, ts, int64(2500))
		}
		rows += b.Rows()
	}
	require.Equal(t, 15, rows)
}

func TestCorruptBlockPoisonsOnlyItself(t *testing.T) {
	t.Parallel()

	primary := newFakeBackend("columnar")
	primary.datasets["obs"] = testBlocks(3)
	primary.corrupt[1] = true
	s, err := store.Open(store.Options{Backends: []store.Backend{primary}})
	require.NoError(t, err)
	defer s.Close(context.Background()) //nolint:errcheck

	it, err := s.Stream(context.Background(), "obs", store.Filter{}, 100)
	require.NoError(t, err)
	defer it.Close() //nolint:errcheck

	rows := 0
	sawCorrupt := false
	for {
		b, err := it.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, store.ErrCorruptBlock) {
			sawCorrupt = true
			continue
		}
		require.NoError(t, err)
		rows += b.Rows()
	}
	require.True(t, sawCorrupt, "the corrupt block is surfaced")
	require.Equal(t, 20, rows, "the two healthy blocks still stream")
}

func TestCacheBytesStaysUnderBudget(t *testing.T) {
	t.Parallel()

	primary := newFakeBackend("columnar")
	primary.datasets["obs"] = testBlocks(50)
	budget := int64(2000)
	s, err := store.Open(store.Options{Backends: []store.Backend{primary}, CacheBytes: budget, MaxInlineRows: 1})
	require.NoError(t, err)
	defer s.Close(context.Background()) //nolint:errcheck

	it, err := s.Stream(context.Background(), "obs", store.Filter{}, 10)
	require.NoError(t, err)
	for {
		_, err := it.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		require.LessOrEqual(t, s.CacheBytes(), budget, "resident bytes never exceed the budget")
	}
	require.NoError(t, it.Close())
	require.LessOrEqual(t, s.CacheBytes(), budget)
}

func TestPutValidatesAndEvicts(t *testing.T) {
	t.Parallel()

	primary := newFakeBackend("columnar")
	s, err := store.Open(store.Options{Backends: []store.Backend{primary}})
	require.NoError(t, err)
	defer s.Close(context.Background()) //nolint:errcheck

	bad := store.Block{Timestamps: []int64{1, 2}, Columns: map[string][]float64{"x": {1}}}
	require.ErrorIs(t, s.Put(context.Background(), "obs", []store.Block{bad}, ""), store.ErrInvalidBlock)

	require.NoError(t, s.Put(context.Background(), "obs", testBlocks(1), ""))
	res, err := s.Retrieve(context.Background(), "obs")
	require.NoError(t, err)
	require.Equal(t, 10, res.Block.Rows())
}

func TestStoreClosedRejectsWork(t *testing.T) {
	t.Parallel()

	s, err := store.Open(store.Options{Backends: []store.Backend{newFakeBackend("a")}})
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))

	_, err = s.Retrieve(context.Background(), "obs")
	require.ErrorIs(t, err, store.ErrClosed)
	_, err = s.Stream(context.Background(), "obs", store.Filter{}, 10)
	require.ErrorIs(t, err, store.ErrClosed)
}

package s3

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	clients3 "causalis.dev/retrodict/features/store/s3/clients/s3"
	"causalis.dev/retrodict/runtime/store"
)

// fakeClient is an in-memory bucket.
type fakeClient struct {
	mu      sync.Mutex
	objects map[string][]byte
	getErr  error
	puts    []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{objects: make(map[string][]byte)}
}

func (c *fakeClient) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	data, ok := c.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", clients3.ErrNoSuchKey, key)
	}
	return data, nil
}

func (c *fakeClient) Put(_ context.Context, key string, data []byte, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[key] = append([]byte(nil), data...)
	c.puts = append(c.puts, key)
	return nil
}

func (c *fakeClient) Bucket() string { return "test-bucket" }

func sampleBlocks() []store.Block {
	return []store.Block{
		{
			Timestamps: []int64{100, 160, 220},
			Columns:    map[string][]float64{"x": {1, 2, 3}, "y": {10, 20, 30}},
		},
		{
			Timestamps: []int64{280, 340},
			Columns:    map[string][]float64{"x": {4, 5}, "y": {40, 50}},
		},
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	t.Parallel()

	cli := newFakeClient()
	b, err := New(Options{Client: cli})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.WriteDataset(ctx, "obs", sampleBlocks(), "schema-v1"))

	m, err := b.Manifest(ctx, "obs")
	require.NoError(t, err)
	require.Equal(t, FormatName, m.Format)
	require.Equal(t, int64(5), m.RowCount)
	require.Equal(t, []string{"x", "y"}, m.ColumnNames)
	require.Len(t, m.Blocks, 2)
	require.Equal(t, "block-0000.json", m.Blocks[0].Name)

	blk, err := b.ReadBlock(ctx, "obs", 1)
	require.NoError(t, err)
	require.Equal(t, []int64{280, 340}, blk.Timestamps)
	require.Equal(t, FormatName, blk.Meta.Source)
	require.Equal(t, 1, blk.Meta.Seq)
}

func TestManifestIsPublishedLast(t *testing.T) {
	t.Parallel()

	cli := newFakeClient()
	b, err := New(Options{Client: cli})
	require.NoError(t, err)

	require.NoError(t, b.WriteDataset(context.Background(), "obs", sampleBlocks(), ""))
	require.Equal(t, "retrodict/datasets/obs/manifest.json", cli.puts[len(cli.puts)-1])
}

func TestMissingDatasetIsNotFound(t *testing.T) {
	t.Parallel()

	b, err := New(Options{Client: newFakeClient()})
	require.NoError(t, err)

	_, err = b.Manifest(context.Background(), "absent")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = b.ReadBlock(context.Background(), "absent", 0)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	t.Parallel()

	cli := newFakeClient()
	cli.getErr = errors.New("connection reset")
	b, err := New(Options{Client: cli})
	require.NoError(t, err)

	_, err = b.Manifest(context.Background(), "obs")
	require.ErrorIs(t, err, store.ErrUnavailable)
}

func TestCorruptObjectPoisonsOnlyThatBlock(t *testing.T) {
	t.Parallel()

	cli := newFakeClient()
	b, err := New(Options{Client: cli})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.WriteDataset(ctx, "obs", sampleBlocks(), ""))
	cli.objects["retrodict/datasets/obs/block-0000.json"] = []byte("garbage")

	_, err = b.ReadBlock(ctx, "obs", 0)
	require.ErrorIs(t, err, store.ErrCorruptBlock)
	_, err = b.ReadBlock(ctx, "obs", 1)
	require.NoError(t, err)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	cli := newFakeClient()
	cli.getErr = errors.New("throttled")
	b, err := New(Options{
		Client: cli,
		BreakerSettings: &gobreaker.Settings{
			Name:        "test",
			ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 3 },
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	for range 3 {
		_, err := b.Manifest(ctx, "obs")
		require.ErrorIs(t, err, store.ErrUnavailable)
	}

	// The breaker is now open: calls fail fast without touching the bucket.
	cli.mu.Lock()
	cli.getErr = nil
	cli.mu.Unlock()
	_, err = b.Manifest(ctx, "obs")
	require.ErrorIs(t, err, store.ErrUnavailable)
	require.ErrorContains(t, err, gobreaker.ErrOpenState.Error())
}

func TestAbsenceDoesNotTripTheBreaker(t *testing.T) {
	t.Parallel()

	b, err := New(Options{
		Client: newFakeClient(),
		BreakerSettings: &gobreaker.Settings{
			Name:        "test",
			ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 2 },
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	for range 5 {
		_, err := b.Manifest(ctx, "absent")
		require.ErrorIs(t, err, store.ErrNotFound, "misses stay NotFound, breaker stays closed")
	}
}

func TestUploaderReturnsURI(t *testing.T) {
	t.Parallel()

	cli := newFakeClient()
	up, err := NewUploader(cli, "retrodict")
	require.NoError(t, err)

	uri, err := up.Upload(context.Background(), "run-1.json", []byte(`{"run_id":"run-1"}`))
	require.NoError(t, err)
	require.Equal(t, "s3://test-bucket/retrodict/results/run-1.json", uri)
	require.Contains(t, cli.objects, "retrodict/results/run-1.json")
}

func TestFallbackChainReachesS3(t *testing.T) {
	t.Parallel()

	cli := newFakeClient()
	b, err := New(Options{Client: cli})
	require.NoError(t, err)
	require.NoError(t, b.WriteDataset(context.Background(), "obs", sampleBlocks(), ""))

	s, err := store.Open(store.Options{Backends: []store.Backend{b}})
	require.NoError(t, err)
	defer s.Close(context.Background()) //nolint:errcheck // test teardown

	res, err := s.Retrieve(context.Background(), "obs")
	require.NoError(t, err)
	require.NotNil(t, res.Block)
	require.Equal(t, FormatName, res.Block.Meta.Source)
}

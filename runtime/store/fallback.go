package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"causalis.dev/retrodict/runtime/telemetry"
)

const (
	defaultCacheBytes     = 256 << 20
	defaultPrefetchBlocks = 2
	defaultMaxInlineRows  = 100_000
	defaultBatchRows      = 4096
)

type (
	// Options configures a Store.
	Options struct {
		// Backends is the fallback chain in preference order. Required.
		// Retrieval tries each in turn; writes go to the first backend.
		Backends []Backend
		// CacheBytes is the decoded-block cache budget. Defaults to 256 MiB.
		CacheBytes int64
		// PrefetchBlocks is how many blocks a stream reads ahead. Defaults
		// to 2; zero keeps the default, negative disables prefetch.
		PrefetchBlocks int
		// MaxInlineRows is the largest dataset Retrieve returns as a single
		// merged block; larger datasets return a stream. Defaults to 100k.
		MaxInlineRows int64
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// Metrics defaults to a noop recorder.
		Metrics telemetry.Metrics
	}

	// Store is the caching, prefetching front over the backend chain. Safe
	// for concurrent use; batch workers share one Store read-only.
	Store struct {
		backends  []Backend
		cache     *lruCache
		prefetch  int
		inlineMax int64
		logger    telemetry.Logger
		metrics   telemetry.Metrics

		mu      sync.Mutex
		streams sync.WaitGroup
		closed  bool
	}

	// Result is the outcome of Retrieve: exactly one of Block or Stream is
	// set, depending on dataset size.
	Result struct {
		Block  *Block
		Stream Iterator
	}
)

// Open validates the options and returns the store front.
func Open(opts Options) (*Store, error) {
	if len(opts.Backends) == 0 {
		return nil, errors.New("store: at least one backend is required")
	}
	s := &Store{
		backends:  opts.Backends,
		prefetch:  opts.PrefetchBlocks,
		inlineMax: opts.MaxInlineRows,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	budget := opts.CacheBytes
	if budget <= 0 {
		budget = defaultCacheBytes
	}
	s.cache = newLRUCache(budget)
	if s.prefetch == 0 {
		s.prefetch = defaultPrefetchBlocks
	}
	if s.prefetch < 0 {
		s.prefetch = 0
	}
	if s.inlineMax <= 0 {
		s.inlineMax = defaultMaxInlineRows
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewNoopMetrics()
	}
	return s, nil
}

// Retrieve returns the whole dataset: a single merged block when the row
// count fits the inline budget, otherwise a stream over it.
func (s *Store) Retrieve(ctx context.Context, datasetID string) (Result, error) {
	if err := s.check(); err != nil {
		return Result{}, err
	}
	m, source, err := s.manifest(ctx, datasetID)
	if err != nil {
		return Result{}, err
	}
	if m.RowCount > s.inlineMax {
		it, err := s.stream(ctx, datasetID, m, source, Filter{}, defaultBatchRows)
		if err != nil {
			return Result{}, err
		}
		return Result{Stream: it}, nil
	}

	merged := Block{
		Columns: make(map[string][]float64, len(m.ColumnNames)),
		Meta:    BlockMeta{DatasetID: datasetID, Source: source},
	}
	for idx := range m.Blocks {
		b, err := s.block(ctx, datasetID, idx)
		if err != nil {
			return Result{}, err
		}
		merged.Timestamps = append(merged.Timestamps, b.Timestamps...)
		for name, col := range b.Columns {
			merged.Columns[name] = append(merged.Columns[name], col...)
		}
	}
	return Result{Block: &merged}, nil
}

// Stream returns a finite, non-restartable iterator over the dataset's rows
// matching the filter, in blocks of at most batchSize rows. Blocks entirely
// outside the filter's time window are skipped without being read.
func (s *Store) Stream(ctx context.Context, datasetID string, f Filter, batchSize int) (Iterator, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	m, source, err := s.manifest(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	return s.stream(ctx, datasetID, m, source, f, batchSize)
}

// Put atomically publishes the dataset through the first backend and evicts
// any stale cached blocks.
func (s *Store) Put(ctx context.Context, datasetID string, blocks []Block, schema string) error {
	if err := s.check(); err != nil {
		return err
	}
	for _, b := range blocks {
		if err := b.Validate(); err != nil {
			return err
		}
	}
	if err := s.backends[0].WriteDataset(ctx, datasetID, blocks, schema); err != nil {
		return fmt.Errorf("store: write dataset %s: %w", datasetID, err)
	}
	s.cache.evictDataset(datasetID)
	return nil
}

// Evict drops the dataset's cached blocks. The change watcher calls it when
// files move underneath the store.
func (s *Store) Evict(datasetID string) {
	s.cache.evictDataset(datasetID)
}

// CacheBytes returns the resident cache size. Never exceeds the configured
// budget.
func (s *Store) CacheBytes() int64 { return s.cache.bytes() }

// Close stops accepting work, waits for open streams and their prefetchers
// to finish, then closes every backend.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.streams.Wait()

	var first error
	for _, b := range s.backends {
		if err := b.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Store) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// manifest resolves the dataset's manifest through the fallback chain and
// returns the serving backend's name.
func (s *Store) manifest(ctx context.Context, datasetID string) (Manifest, string, error) {
	var lastErr error
	missing := 0
	for _, b := range s.backends {
		m, err := b.Manifest(ctx, datasetID)
		if err == nil {
			return m, b.Name(), nil
		}
		if errors.Is(err, ErrNotFound) {
			missing++
			continue
		}
		lastErr = err
		s.logger.Warn(ctx, "store backend manifest failed",
			"backend", b.Name(), "dataset", datasetID, "err", err)
		s.metrics.IncCounter("store.backend.fallbacks", 1, "backend", b.Name())
	}
	if missing == len(s.backends) {
		return Manifest{}, "", fmt.Errorf("%w: %s", ErrNotFound, datasetID)
	}
	return Manifest{}, "", fmt.Errorf("%w: dataset %s: %v", ErrUnavailable, datasetID, lastErr)
}

// block returns one decoded block, consulting the cache before the fallback
// chain. Corrupt blocks are not retried on later backends: the dataset is
// present, its block is bad.
func (s *Store) block(ctx context.Context, datasetID string, idx int) (Block, error) {
	key := cacheKey(datasetID, idx)
	if b, ok := s.cache.get(key); ok {
		return b, nil
	}

	var lastErr error
	missing := 0
	for _, backend := range s.backends {
		b, err := backend.ReadBlock(ctx, datasetID, idx)
		switch {
		case err == nil:
			b.Meta.DatasetID = datasetID
			b.Meta.Source = backend.Name()
			b.Meta.Seq = idx
			s.cache.put(key, b)
			return b, nil
		case errors.Is(err, ErrCorruptBlock):
			return Block{}, err
		case errors.Is(err, ErrNotFound):
			missing++
			continue
		default:
			lastErr = err
			s.logger.Warn(ctx, "store backend read failed",
				"backend", backend.Name(), "dataset", datasetID, "block", idx, "err", err)
			s.metrics.IncCounter("store.backend.fallbacks", 1, "backend", backend.Name())
		}
	}
	if missing == len(s.backends) {
		return Block{}, fmt.Errorf("%w: %s block %d", ErrNotFound, datasetID, idx)
	}
	return Block{}, fmt.Errorf("%w: dataset %s block %d: %v", ErrUnavailable, datasetID, idx, lastErr)
}

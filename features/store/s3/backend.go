// Package s3 serves datasets from an S3 bucket as the last tier of the store
// fallback chain and uploads run summaries. Objects live under
// `<prefix>/datasets/<dataset>/manifest.json` plus one JSON block file per
// manifest entry; the manifest is written last so a dataset becomes visible
// atomically. Every call crosses a circuit breaker and a rate limiter, so a
// struggling bucket degrades to ErrUnavailable instead of stalling workers.
package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	clients3 "causalis.dev/retrodict/features/store/s3/clients/s3"
	"causalis.dev/retrodict/runtime/store"
	"causalis.dev/retrodict/runtime/telemetry"
)

// FormatName tags blocks served from the object store.
const FormatName = "s3"

type (
	// Options configures the backend.
	Options struct {
		// Client is the narrow object-store client. Required.
		Client clients3.Client
		// Prefix namespaces every object key. Defaults to "retrodict".
		Prefix string
		// RequestsPerSecond paces bucket calls. Zero means unlimited.
		RequestsPerSecond float64
		// Burst is the limiter burst size. Defaults to max(1, rps).
		Burst int
		// BreakerSettings overrides the circuit breaker configuration. The
		// zero value uses gobreaker defaults with the backend name.
		BreakerSettings *gobreaker.Settings
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
	}

	// Backend implements store.Backend over a bucket.
	Backend struct {
		client  clients3.Client
		prefix  string
		limiter *rate.Limiter
		breaker *gobreaker.CircuitBreaker
		logger  telemetry.Logger
	}
)

// New validates the options and returns the backend.
func New(opts Options) (*Backend, error) {
	if opts.Client == nil {
		return nil, errors.New("s3 client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "retrodict"
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = max(1, int(opts.RequestsPerSecond))
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	settings := gobreaker.Settings{Name: "s3-backend"}
	if opts.BreakerSettings != nil {
		settings = *opts.BreakerSettings
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Backend{
		client:  opts.Client,
		prefix:  prefix,
		limiter: limiter,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}, nil
}

// Name implements store.Backend.
func (b *Backend) Name() string { return FormatName }

// Manifest implements store.Backend.
func (b *Backend) Manifest(ctx context.Context, datasetID string) (store.Manifest, error) {
	data, err := b.get(ctx, b.manifestKey(datasetID))
	if err != nil {
		if errors.Is(err, clients3.ErrNoSuchKey) {
			return store.Manifest{}, fmt.Errorf("%w: %s", store.ErrNotFound, datasetID)
		}
		return store.Manifest{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	var m store.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return store.Manifest{}, fmt.Errorf("%w: manifest for %s: %v", store.ErrCorruptBlock, datasetID, err)
	}
	return m, nil
}

// ReadBlock implements store.Backend.
func (b *Backend) ReadBlock(ctx context.Context, datasetID string, idx int) (store.Block, error) {
	data, err := b.get(ctx, b.blockKey(datasetID, idx))
	if err != nil {
		if errors.Is(err, clients3.ErrNoSuchKey) {
			return store.Block{}, fmt.Errorf("%w: %s block %d", store.ErrNotFound, datasetID, idx)
		}
		return store.Block{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	var blk store.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return store.Block{}, fmt.Errorf("%w: %s block %d: %v", store.ErrCorruptBlock, datasetID, idx, err)
	}
	blk.Meta = store.BlockMeta{DatasetID: datasetID, Source: FormatName, Seq: idx}
	return blk, nil
}

// WriteDataset implements store.Backend. Blocks are written first and the
// manifest last; readers resolve blocks through the manifest, so the dataset
// appears all at once.
func (b *Backend) WriteDataset(ctx context.Context, datasetID string, blocks []store.Block, schema string) error {
	if datasetID == "" {
		return fmt.Errorf("%w: empty dataset id", store.ErrInvalidBlock)
	}
	for i, blk := range blocks {
		data, err := json.Marshal(blk)
		if err != nil {
			return fmt.Errorf("encode block %d: %w", i, err)
		}
		if err := b.put(ctx, b.blockKey(datasetID, i), data, "application/json"); err != nil {
			return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
	}
	manifest := store.NewManifest(FormatName, schema, blocks)
	for i := range manifest.Blocks {
		manifest.Blocks[i].Name += ".json"
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := b.put(ctx, b.manifestKey(datasetID), data, "application/json"); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Close implements store.Backend. The caller owns the SDK client.
func (b *Backend) Close(context.Context) error { return nil }

func (b *Backend) get(ctx context.Context, key string) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := b.breaker.Execute(func() (any, error) {
		data, err := b.client.Get(ctx, key)
		if errors.Is(err, clients3.ErrNoSuchKey) {
			// Absence is an answer, not a backend failure; it must not
			// trip the breaker.
			return nil, nil
		}
		return data, err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("%w: %s", clients3.ErrNoSuchKey, key)
	}
	return out.([]byte), nil
}

func (b *Backend) put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.client.Put(ctx, key, data, contentType)
	})
	return err
}

func (b *Backend) manifestKey(datasetID string) string {
	return path.Join(b.prefix, "datasets", datasetID, "manifest.json")
}

func (b *Backend) blockKey(datasetID string, idx int) string {
	return path.Join(b.prefix, "datasets", datasetID, fmt.Sprintf("block-%04d.json", idx))
}

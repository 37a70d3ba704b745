// Package results persists the run summary: canonical key-ordered JSON
// written atomically next to the run's other artifacts, with an optional
// remote upload that may fail without failing the run.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"causalis.dev/retrodict/runtime/coordinator"
	"causalis.dev/retrodict/runtime/telemetry"
)

// ErrInvalidOptions reports an unusable writer configuration.
var ErrInvalidOptions = errors.New("results: invalid options")

type (
	// BatchStats aggregates batch terminal counts.
	BatchStats struct {
		Total       int     `json:"total"`
		Succeeded   int     `json:"succeeded"`
		Failed      int     `json:"failed"`
		Cancelled   int     `json:"cancelled"`
		SuccessRate float64 `json:"success_rate"`
	}

	// VariableStats reports the trained posterior means.
	VariableStats struct {
		Total       int                `json:"total"`
		TrustScores map[string]float64 `json:"trust_scores"`
	}

	// Performance compares parallel wall time against the sequential
	// estimate.
	Performance struct {
		WallSeconds                float64 `json:"wall_seconds"`
		EstimatedSequentialSeconds float64 `json:"estimated_sequential_seconds"`
		Speedup                    float64 `json:"speedup"`
	}

	// Summary is the persisted run summary. Field order follows the key
	// order of the serialized document; maps serialize with sorted keys, so
	// identical summaries produce identical bytes.
	Summary struct {
		Batches     BatchStats     `json:"batches"`
		Config      map[string]any `json:"config"`
		Performance Performance    `json:"performance"`
		RemoteURI   string         `json:"remote_uri,omitempty"`
		RunID       string         `json:"run_id"`
		TraceRef    string         `json:"trace_ref"`
		UploadError string         `json:"upload_error,omitempty"`
		Variables   VariableStats  `json:"variables"`
	}

	// Persisted reports where the summary landed.
	Persisted struct {
		LocalPath string `json:"local_path"`
		RemoteURI string `json:"remote_uri,omitempty"`
	}

	// Uploader pushes the summary bytes to a remote sink. The S3 feature
	// provides the production implementation.
	Uploader interface {
		Upload(ctx context.Context, key string, data []byte) (string, error)
	}

	// WriterOptions configures a Writer.
	WriterOptions struct {
		// Dir receives one <run-id>.json file per run. Required.
		Dir string
		// Uploader is optional; upload failures are recorded in the summary
		// instead of failing the run.
		Uploader Uploader
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
	}

	// Writer persists summaries.
	Writer struct {
		dir      string
		uploader Uploader
		logger   telemetry.Logger
	}
)

// Build assembles a summary from the coordinator's aggregate.
func Build(agg coordinator.Aggregate, cfg map[string]any, trustScores map[string]float64, traceRef string) Summary {
	if trustScores == nil {
		trustScores = map[string]float64{}
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	return Summary{
		RunID: agg.RunID,
		Batches: BatchStats{
			Total:       agg.Total,
			Succeeded:   agg.Succeeded,
			Failed:      agg.Failed,
			Cancelled:   agg.Cancelled,
			SuccessRate: agg.SuccessRate,
		},
		Config: cfg,
		Variables: VariableStats{
			Total:       len(trustScores),
			TrustScores: trustScores,
		},
		Performance: Performance{
			WallSeconds:                agg.Wall.Seconds(),
			EstimatedSequentialSeconds: agg.Sequential.Seconds(),
			Speedup:                    agg.Speedup(),
		},
		TraceRef: traceRef,
	}
}

// NewWriter validates the options, creates the directory and returns the
// writer.
func NewWriter(opts WriterOptions) (*Writer, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: missing directory", ErrInvalidOptions)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("results: create directory: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Writer{dir: opts.Dir, uploader: opts.Uploader, logger: logger}, nil
}

// Persist uploads the summary when an uploader is configured, folds the
// upload outcome into the document, and writes it atomically. A failed
// upload leaves RemoteURI empty with the error recorded; only the local
// write can fail the call.
func (w *Writer) Persist(ctx context.Context, sum Summary) (Persisted, error) {
	if sum.RunID == "" {
		return Persisted{}, fmt.Errorf("%w: summary has no run id", ErrInvalidOptions)
	}

	if w.uploader != nil {
		raw, err := marshal(sum)
		if err != nil {
			return Persisted{}, err
		}
		uri, err := w.uploader.Upload(ctx, sum.RunID+".json", raw)
		if err != nil {
			sum.UploadError = err.Error()
			w.logger.Warn(ctx, "summary upload failed", "run_id", sum.RunID, "err", err)
		} else {
			sum.RemoteURI = uri
		}
	}

	raw, err := marshal(sum)
	if err != nil {
		return Persisted{}, err
	}
	final := filepath.Join(w.dir, sum.RunID+".json")
	if err := writeAtomic(final, raw); err != nil {
		return Persisted{}, err
	}
	return Persisted{LocalPath: final, RemoteURI: sum.RemoteURI}, nil
}

func marshal(sum Summary) ([]byte, error) {
	raw, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("results: encode summary: %w", err)
	}
	return append(raw, '\n'), nil
}

// writeAtomic stages the bytes in an O_EXCL temp file and publishes with a
// rename, so readers never observe a half-written summary.
func writeAtomic(final string, raw []byte) error {
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("results: create temp file: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()      //nolint:errcheck // write failed anyway
		os.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("results: write summary: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("results: close temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("results: publish summary: %w", err)
	}
	return nil
}

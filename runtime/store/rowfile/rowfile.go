// Package rowfile implements the row-oriented fallback backend: blocks
// stored as JSON-lines files, one row per line. Slower and larger than the
// columnar format, but human-inspectable and dependency-free, which makes it
// the tier datasets fall back to when the columnar files are absent.
package rowfile

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"causalis.dev/retrodict/runtime/store"
)

// FormatName identifies the backend in manifests and block metadata.
const FormatName = "rowfile"

const manifestFile = "manifest.json"

// row is the JSONL representation of one observation.
type row struct {
	TS     int64              `json:"ts"`
	Values map[string]float64 `json:"values"`
}

// Backend stores datasets under root/<dataset-id>/.
type Backend struct {
	root string
}

// New creates the root directory if needed and returns the backend.
func New(root string) (*Backend, error) {
	if root == "" {
		return nil, errors.New("rowfile: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("rowfile: create root: %w", err)
	}
	return &Backend{root: root}, nil
}

// Name implements store.Backend.
func (b *Backend) Name() string { return FormatName }

// Root returns the backend's root directory, used by the change watcher.
func (b *Backend) Root() string { return b.root }

// Manifest implements store.Backend.
func (b *Backend) Manifest(_ context.Context, datasetID string) (store.Manifest, error) {
	dir, err := b.datasetDir(datasetID)
	if err != nil {
		return store.Manifest{}, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return store.Manifest{}, fmt.Errorf("%w: %s", store.ErrNotFound, datasetID)
		}
		return store.Manifest{}, fmt.Errorf("rowfile: read manifest: %w", err)
	}
	var m store.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return store.Manifest{}, fmt.Errorf("rowfile: decode manifest: %w", err)
	}
	return m, nil
}

// ReadBlock implements store.Backend. A malformed line fails the whole block
// with store.ErrCorruptBlock; other blocks of the dataset stay readable.
func (b *Backend) ReadBlock(_ context.Context, datasetID string, idx int) (store.Block, error) {
	dir, err := b.datasetDir(datasetID)
	if err != nil {
		return store.Block{}, err
	}
	path := filepath.Join(dir, blockFileName(idx))
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return store.Block{}, fmt.Errorf("%w: %s block %d", store.ErrNotFound, datasetID, idx)
		}
		return store.Block{}, fmt.Errorf("rowfile: open block: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	blk := store.Block{
		Columns: make(map[string][]float64),
		Meta:    store.BlockMeta{DatasetID: datasetID, Source: FormatName, Seq: idx},
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	line := 0
	for scanner.Scan() {
		line++
		var r row
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			return store.Block{}, fmt.Errorf("%w: %s line %d: %v", store.ErrCorruptBlock, path, line, err)
		}
		blk.Timestamps = append(blk.Timestamps, r.TS)
		for name, v := range r.Values {
			col := blk.Columns[name]
			// Columns absent from earlier rows backfill with zeros to keep
			// the equal-length invariant.
			for len(col) < len(blk.Timestamps)-1 {
				col = append(col, 0)
			}
			blk.Columns[name] = append(col, v)
		}
	}
	if err := scanner.Err(); err != nil {
		return store.Block{}, fmt.Errorf("%w: %s: %v", store.ErrCorruptBlock, path, err)
	}
	for name, col := range blk.Columns {
		for len(col) < len(blk.Timestamps) {
			col = append(col, 0)
		}
		blk.Columns[name] = col
	}
	if err := blk.Validate(); err != nil {
		return store.Block{}, fmt.Errorf("%w: %s: %v", store.ErrCorruptBlock, path, err)
	}
	return blk, nil
}

// WriteDataset implements store.Backend with the same staging-then-rename
// publication as the columnar backend.
func (b *Backend) WriteDataset(_ context.Context, datasetID string, blocks []store.Block, schema string) error {
	final, err := b.datasetDir(datasetID)
	if err != nil {
		return err
	}
	tmp := final + ".tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return fmt.Errorf("rowfile: clear staging dir: %w", err)
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return fmt.Errorf("rowfile: create staging dir: %w", err)
	}
	defer os.RemoveAll(tmp) //nolint:errcheck // best-effort cleanup

	for i, blk := range blocks {
		if err := writeBlockFile(filepath.Join(tmp, blockFileName(i)), blk); err != nil {
			return err
		}
	}
	m := store.NewManifest(FormatName, schema, blocks)
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("rowfile: encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, manifestFile), raw, 0o644); err != nil {
		return fmt.Errorf("rowfile: write manifest: %w", err)
	}

	old := final + ".old"
	if _, err := os.Stat(final); err == nil {
		if err := os.Rename(final, old); err != nil {
			return fmt.Errorf("rowfile: retire previous dataset: %w", err)
		}
		defer os.RemoveAll(old) //nolint:errcheck // best-effort cleanup
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rowfile: publish dataset: %w", err)
	}
	return nil
}

// Close implements store.Backend.
func (b *Backend) Close(context.Context) error { return nil }

func (b *Backend) datasetDir(datasetID string) (string, error) {
	if datasetID == "" || strings.ContainsAny(datasetID, "/\\") {
		return "", fmt.Errorf("rowfile: invalid dataset id %q", datasetID)
	}
	return filepath.Join(b.root, datasetID), nil
}

func blockFileName(idx int) string {
	return fmt.Sprintf("block-%04d.jsonl", idx)
}

func writeBlockFile(path string, blk store.Block) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("rowfile: create block: %w", err)
	}
	w := bufio.NewWriter(f)
	names := make([]string, 0, len(blk.Columns))
	for name := range blk.Columns {
		names = append(names, name)
	}
	sort.Strings(names)

	enc := json.NewEncoder(w)
	for i, ts := range blk.Timestamps {
		r := row{TS: ts, Values: make(map[string]float64, len(names))}
		for _, name := range names {
			r.Values[name] = blk.Columns[name][i]
		}
		if err := enc.Encode(r); err != nil {
			f.Close() //nolint:errcheck // write failed anyway
			return fmt.Errorf("rowfile: encode row: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close() //nolint:errcheck // write failed anyway
		return fmt.Errorf("rowfile: flush block: %w", err)
	}
	return f.Close()
}

// Package columnar implements the primary on-disk backend: blocks stored in
// a compact little-endian columnar layout and read through read-only memory
// maps, so decoding touches pages on demand instead of buffering whole files.
package columnar

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"causalis.dev/retrodict/runtime/store"
)

// FormatName identifies the backend in manifests and block metadata.
const FormatName = "columnar"

// magic marks block files; a mismatch means the file is not ours or the
// header was destroyed.
var magic = [4]byte{'R', 'D', 'C', '1'}

const (
	headerSize  = 4 + 4 + 8 // magic, ncols, rows
	manifestFmt = "manifest.json"
)

// Backend stores datasets under root/<dataset-id>/.
type Backend struct {
	root string
}

// New creates the root directory if needed and returns the backend.
func New(root string) (*Backend, error) {
	if root == "" {
		return nil, errors.New("columnar: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("columnar: create root: %w", err)
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
	raw, err := os.ReadFile(filepath.Join(dir, manifestFmt))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return store.Manifest{}, fmt.Errorf("%w: %s", store.ErrNotFound, datasetID)
		}
		return store.Manifest{}, fmt.Errorf("columnar: read manifest: %w", err)
	}
	var m store.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return store.Manifest{}, fmt.Errorf("columnar: decode manifest: %w", err)
	}
	return m, nil
}

// ReadBlock implements store.Backend. The block file is memory-mapped
// read-only and decoded straight out of the mapping; a malformed file yields
// store.ErrCorruptBlock without touching other blocks.
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
		return store.Block{}, fmt.Errorf("columnar: open block: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	fi, err := f.Stat()
	if err != nil {
		return store.Block{}, fmt.Errorf("columnar: stat block: %w", err)
	}
	if fi.Size() == 0 {
		return store.Block{}, fmt.Errorf("%w: %s is empty", store.ErrCorruptBlock, path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return store.Block{}, fmt.Errorf("columnar: mmap block: %w", err)
	}
	defer unix.Munmap(data) //nolint:errcheck // read-only mapping

	blk, err := decodeBlock(data)
	if err != nil {
		return store.Block{}, fmt.Errorf("%w: %s: %v", store.ErrCorruptBlock, path, err)
	}
	blk.Meta = store.BlockMeta{DatasetID: datasetID, Source: FormatName, Seq: idx}
	return blk, nil
}

// WriteDataset implements store.Backend. The dataset is staged in a temp
// directory next to its final location and published with a rename, so
// readers only ever see complete datasets.
func (b *Backend) WriteDataset(_ context.Context, datasetID string, blocks []store.Block, schema string) error {
	final, err := b.datasetDir(datasetID)
	if err != nil {
		return err
	}
	tmp := final + ".tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return fmt.Errorf("columnar: clear staging dir: %w", err)
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return fmt.Errorf("columnar: create staging dir: %w", err)
	}
	defer os.RemoveAll(tmp) //nolint:errcheck // best-effort cleanup

	for i, blk := range blocks {
		if err := os.WriteFile(filepath.Join(tmp, blockFileName(i)), encodeBlock(blk), 0o644); err != nil {
			return fmt.Errorf("columnar: write block %d: %w", i, err)
		}
	}
	m := store.NewManifest(FormatName, schema, blocks)
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("columnar: encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, manifestFmt), raw, 0o644); err != nil {
		return fmt.Errorf("columnar: write manifest: %w", err)
	}

	old := final + ".old"
	if _, err := os.Stat(final); err == nil {
		if err := os.Rename(final, old); err != nil {
			return fmt.Errorf("columnar: retire previous dataset: %w", err)
		}
		defer os.RemoveAll(old) //nolint:errcheck // best-effort cleanup
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("columnar: publish dataset: %w", err)
	}
	return nil
}

// Close implements store.Backend.
func (b *Backend) Close(context.Context) error { return nil }

func (b *Backend) datasetDir(datasetID string) (string, error) {
	if datasetID == "" || strings.ContainsAny(datasetID, "/\\") {
		return "", fmt.Errorf("columnar: invalid dataset id %q", datasetID)
	}
	return filepath.Join(b.root, datasetID), nil
}

func blockFileName(idx int) string {
	return fmt.Sprintf("block-%04d.col", idx)
}

// encodeBlock serializes the block: header, timestamp vector, then each
// column as a length-prefixed name followed by its value vector. Column
// order is sorted for byte-stable output.
func encodeBlock(blk store.Block) []byte {
	names := make([]string, 0, len(blk.Columns))
	for name := range blk.Columns {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := len(blk.Timestamps)
	size := headerSize + rows*8
	for _, name := range names {
		size += 2 + len(name) + rows*8
	}

	out := make([]byte, 0, size)
	out = append(out, magic[:]...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(names)))
	out = binary.LittleEndian.AppendUint64(out, uint64(rows))
	for _, ts := range blk.Timestamps {
		out = binary.LittleEndian.AppendUint64(out, uint64(ts))
	}
	for _, name := range names {
		out = binary.LittleEndian.AppendUint16(out, uint16(len(name)))
		out = append(out, name...)
		for _, v := range blk.Columns[name] {
			out = binary.LittleEndian.AppendUint64(out, math.Float64bits(v))
		}
	}
	return out
}

// decodeBlock parses the on-disk layout with bounds checks at every step.
func decodeBlock(data []byte) (store.Block, error) {
	if len(data) < headerSize {
		return store.Block{}, errors.New("short header")
	}
	if [4]byte(data[:4]) != magic {
		return store.Block{}, errors.New("bad magic")
	}
	ncols := binary.LittleEndian.Uint32(data[4:8])
	rows := binary.LittleEndian.Uint64(data[8:16])
	if rows > uint64(len(data)) {
		return store.Block{}, errors.New("row count exceeds file size")
	}

	pos := headerSize
	need := int(rows) * 8
	if len(data)-pos < need {
		return store.Block{}, errors.New("truncated timestamps")
	}
	blk := store.Block{
		Timestamps: make([]int64, rows),
		Columns:    make(map[string][]float64, ncols),
	}
	for i := range blk.Timestamps {
		blk.Timestamps[i] = int64(binary.LittleEndian.Uint64(data[pos:]))
		pos += 8
	}

	for c := uint32(0); c < ncols; c++ {
		if len(data)-pos < 2 {
			return store.Block{}, errors.New("truncated column header")
		}
		nameLen := int(binary.LittleEndian.Uint16(data[pos:]))
		pos += 2
		if len(data)-pos < nameLen+need {
			return store.Block{}, errors.New("truncated column")
		}
		name := string(data[pos : pos+nameLen])
		pos += nameLen
		col := make([]float64, rows)
		for i := range col {
			col[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[pos:]))
			pos += 8
		}
		blk.Columns[name] = col
	}
	if err := blk.Validate(); err != nil {
		return store.Block{}, err
	}
	return blk, nil
}

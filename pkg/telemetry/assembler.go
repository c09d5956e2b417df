package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// Snapshot is one rack's feature table at one timestamp.
// Row i belongs to NodeIDs[i]; rows are in ascending node id order and the
// timestamp column has been dropped.
type Snapshot struct {
	Rack      int
	Timestamp string
	NodeIDs   []int
	Columns   []string
	Rows      [][]float64

	// Placeholders lists node ids that had no row for Timestamp and were
	// filled with zeros.
	Placeholders []int
}

// NodeFile is a node's telemetry file within a rack directory.
type NodeFile struct {
	ID   int
	Path string
}

// ReadFunc loads one node file. ReadNodeFile is the production implementation.
type ReadFunc func(path string, schema Schema) (*Frame, error)

// Assembler builds rack snapshots from the per-node files under a data directory.
// It holds no mutable state and is safe for concurrent use.
type Assembler struct {
	dataDir string
	schema  Schema
	read    ReadFunc
	logger  *slog.Logger
}

// NewAssembler creates an Assembler rooted at dataDir. Rack r is read from dataDir/r.
func NewAssembler(dataDir string, schema Schema, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		dataDir: dataDir,
		schema:  schema,
		read:    ReadNodeFile,
		logger:  logger,
	}
}

// WithReader returns a copy of the Assembler that loads node files with read.
func (a *Assembler) WithReader(read ReadFunc) *Assembler {
	cp := *a
	cp.read = read
	return &cp
}

// Schema returns the schema node files are validated against.
func (a *Assembler) Schema() Schema {
	return a.schema
}

// RackDir returns the directory holding a rack's node files.
func (a *Assembler) RackDir(rack int) string {
	return filepath.Join(a.dataDir, strconv.Itoa(rack))
}

// NodeFiles lists a rack's node files in ascending node id order.
// Symlinks are followed and entries that are not regular files are skipped.
// A missing directory or a directory without node files yields ErrNotFound;
// a file not named by an integer yields ErrFormat.
func (a *Assembler) NodeFiles(rack int) ([]NodeFile, error) {
	dir := a.RackDir(rack)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: rack %d: directory %s does not exist", ErrNotFound, rack, dir)
		}
		return nil, fmt.Errorf("%w: list %s: %v", ErrIO, dir, err)
	}

	files := make([]NodeFile, 0, len(entries))
	seen := make(map[int]string, len(entries))
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if !isRegularFile(path, e) {
			continue
		}
		id, err := NodeID(path)
		if err != nil {
			return nil, fmt.Errorf("rack %d: %w", rack, err)
		}
		if prev, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: rack %d: node %d has two files (%s, %s)", ErrFormat, rack, id, prev, e.Name())
		}
		seen[id] = e.Name()
		files = append(files, NodeFile{ID: id, Path: path})
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("%w: rack %d: no node files in %s", ErrNotFound, rack, dir)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })
	return files, nil
}

// isRegularFile reports whether the entry is a regular file, following
// symlinks. Broken links are not files.
func isRegularFile(path string, e fs.DirEntry) bool {
	if e.Type().IsRegular() {
		return true
	}
	if e.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Assemble builds the rack's snapshot at timestamp ts.
//
// Each node contributes exactly one row: its row for ts, or an all-zero
// placeholder when it has none. A node with more than one row for ts fails
// the whole snapshot with ErrAmbiguousTimestamp.
func (a *Assembler) Assemble(ctx context.Context, rack int, ts string) (*Snapshot, error) {
	files, err := a.NodeFiles(rack)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Rack:      rack,
		Timestamp: ts,
		NodeIDs:   make([]int, 0, len(files)),
		Columns:   append([]string(nil), a.schema.Columns...),
		Rows:      make([][]float64, 0, len(files)),
	}

	for _, nf := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		frame, err := a.read(nf.Path, a.schema)
		if err != nil {
			return nil, fmt.Errorf("rack %d node %d: %w", rack, nf.ID, err)
		}

		row, found, err := selectRow(frame, ts)
		if err != nil {
			return nil, fmt.Errorf("rack %d node %d: %w", rack, nf.ID, err)
		}
		if !found {
			snap.Placeholders = append(snap.Placeholders, nf.ID)
			row = make([]float64, len(a.schema.Columns))
		}

		snap.NodeIDs = append(snap.NodeIDs, nf.ID)
		snap.Rows = append(snap.Rows, row)
	}

	if len(snap.Placeholders) > 0 {
		a.logger.Debug("nodes without a row for timestamp",
			"rack", rack,
			"timestamp", ts,
			"nodes", snap.Placeholders,
		)
	}

	return snap, nil
}

// selectRow returns a copy of the frame's single row at ts.
func selectRow(frame *Frame, ts string) ([]float64, bool, error) {
	match := -1
	for i, t := range frame.Timestamps {
		if t != ts {
			continue
		}
		if match >= 0 {
			return nil, false, fmt.Errorf("%w: %d or more rows for %s", ErrAmbiguousTimestamp, 2, ts)
		}
		match = i
	}
	if match < 0 {
		return nil, false, nil
	}
	return append([]float64(nil), frame.Rows[match]...), true, nil
}

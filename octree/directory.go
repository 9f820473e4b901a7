// Copyright 2019 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package octree

import (
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	pkgerrors "github.com/pkg/errors"

	"github.com/grailbio/lidarserv/geometry"
)

// CellDirectory is the persistent set of node cells that exist on disk.
// It is loaded at startup and rewritten wholesale on flush. All methods
// are safe for concurrent use.
type CellDirectory struct {
	path string

	mu    sync.RWMutex
	cells map[geometry.LeveledGridCell]struct{}
	// perLod counts nodes per level of detail, for reporting.
	perLod []uint64
	dirty  bool
}

type directoryFile struct {
	Version int              `cbor:"version"`
	Cells   []directoryEntry `cbor:"cells"`
}

type directoryEntry struct {
	Lod uint8 `cbor:"lod"`
	X   int32 `cbor:"x"`
	Y   int32 `cbor:"y"`
	Z   int32 `cbor:"z"`
}

// NewCellDirectory opens or creates the directory file.
func NewCellDirectory(path string, maxLod geometry.LodLevel) (*CellDirectory, error) {
	d := &CellDirectory{
		path:   path,
		cells:  make(map[geometry.LeveledGridCell]struct{}),
		perLod: make([]uint64, int(maxLod)+1),
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		d.dirty = true
		return d, nil
	}
	if err != nil {
		return nil, err
	}
	var content directoryFile
	if err := cbor.Unmarshal(data, &content); err != nil {
		return nil, pkgerrors.Wrapf(err, "directory file %s is corrupt", path)
	}
	for _, e := range content.Cells {
		cell := geometry.LeveledGridCell{
			Lod: geometry.LodLevel(e.Lod),
			Pos: geometry.GridCell{X: e.X, Y: e.Y, Z: e.Z},
		}
		d.cells[cell] = struct{}{}
		d.countLocked(cell.Lod)
	}
	return d, nil
}

func (d *CellDirectory) countLocked(lod geometry.LodLevel) {
	for int(lod) >= len(d.perLod) {
		d.perLod = append(d.perLod, 0)
	}
	d.perLod[lod]++
}

// Exists reports whether the cell's node exists on disk.
func (d *CellDirectory) Exists(cell geometry.LeveledGridCell) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.cells[cell]
	return ok
}

// Add registers a cell. Idempotent.
func (d *CellDirectory) Add(cell geometry.LeveledGridCell) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cells[cell]; ok {
		return
	}
	d.cells[cell] = struct{}{}
	d.countLocked(cell.Lod)
	d.dirty = true
}

// Len returns the total number of registered cells.
func (d *CellDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.cells)
}

// NumNodes returns the number of nodes at one level of detail.
func (d *CellDirectory) NumNodes(lod geometry.LodLevel) uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if int(lod) >= len(d.perLod) {
		return 0
	}
	return d.perLod[lod]
}

// RootCells returns all cells at level 0.
func (d *CellDirectory) RootCells() []geometry.LeveledGridCell {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var roots []geometry.LeveledGridCell
	for cell := range d.cells {
		if cell.Lod == 0 {
			roots = append(roots, cell)
		}
	}
	return roots
}

// Cells returns all registered cells.
func (d *CellDirectory) Cells() []geometry.LeveledGridCell {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cells := make([]geometry.LeveledGridCell, 0, len(d.cells))
	for cell := range d.cells {
		cells = append(cells, cell)
	}
	return cells
}

// WriteIfDirty rewrites the directory file if cells were added since the
// last write.
func (d *CellDirectory) WriteIfDirty() error {
	d.mu.Lock()
	if !d.dirty {
		d.mu.Unlock()
		return nil
	}
	content := directoryFile{Version: fileVersionDirectory}
	for cell := range d.cells {
		content.Cells = append(content.Cells, directoryEntry{
			Lod: uint8(cell.Lod), X: cell.Pos.X, Y: cell.Pos.Y, Z: cell.Pos.Z,
		})
	}
	d.dirty = false
	d.mu.Unlock()

	data, err := cbor.Marshal(content)
	if err != nil {
		return err
	}
	f, err := os.Create(d.path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close() // nolint: errcheck
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close() // nolint: errcheck
		return err
	}
	return f.Close()
}

const fileVersionDirectory = 1

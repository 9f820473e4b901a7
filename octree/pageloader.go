// Copyright 2019 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package octree

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/grailbio/lidarserv/geometry"
)

// pageLoader performs node page I/O below the cache. Pages are whole
// files: loads read the entire file, stores replace it and fence with
// fsync.
type pageLoader struct {
	dataDir string
	env     *nodeEnv
}

// pageFileName returns the file name of a node. The .laz extension is
// historical; the contents are pointio pages regardless of compression.
func pageFileName(cell geometry.LeveledGridCell) string {
	return fmt.Sprintf("%d__%d-%d-%d.laz", uint8(cell.Lod), cell.Pos.X, cell.Pos.Y, cell.Pos.Z)
}

func (p *pageLoader) path(cell geometry.LeveledGridCell) string {
	return filepath.Join(p.dataDir, pageFileName(cell))
}

// Load implements lrucache.Loader.
func (p *pageLoader) Load(cell geometry.LeveledGridCell) (*LazyNode, error) {
	data, err := os.ReadFile(p.path(cell))
	if err != nil {
		return nil, err
	}
	return LazyNodeFromBytes(data), nil
}

// Store implements lrucache.Loader.
func (p *pageLoader) Store(cell geometry.LeveledGridCell, node *LazyNode) error {
	data, err := node.PageBytes(p.env)
	if err != nil {
		return err
	}
	f, err := os.Create(p.path(cell))
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

// Default implements lrucache.Loader.
func (p *pageLoader) Default() *LazyNode {
	return LazyNodeFromBytes(nil)
}

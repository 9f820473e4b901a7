// Copyright 2019 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package octree implements the streaming, out-of-core, sampled octree
// index at the heart of the point cloud server: nodes keyed by leveled
// grid cells, a write path that samples and splits points across levels
// of detail through a priority-driven worker pool, and a read path that
// streams query results coarse to fine while the index evolves.
package octree

import (
	"fmt"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/lidarserv/attrindex"
	"github.com/grailbio/lidarserv/encoding/pointio"
	"github.com/grailbio/lidarserv/geometry"
	"github.com/grailbio/lidarserv/lrucache"
	"github.com/grailbio/lidarserv/point"
	"github.com/grailbio/lidarserv/query"
)

// DefaultMaxWaitingPoints bounds the writer's task queue before Insert
// applies back-pressure.
const DefaultMaxWaitingPoints = 10 << 20

// Params configures an octree.
type Params struct {
	// DirectoryFile is the path of the persistent node directory.
	DirectoryFile string
	// PointDataFolder holds one page file per node.
	PointDataFolder string

	// Layout of all stored points.
	Layout *point.Layout
	// NodeShift parameterizes the node grid hierarchy.
	NodeShift uint8
	// PointShift parameterizes the sampling (point) grid hierarchy.
	PointShift uint8
	// CoordinateSystem maps local to global coordinates.
	CoordinateSystem geometry.CoordinateSystem
	// MaxLod is the finest level of detail; rejected points at MaxLod are
	// stashed as bogus points or dropped.
	MaxLod geometry.LodLevel
	// MaxBogusInner and MaxBogusLeaf budget bogus points per node.
	MaxBogusInner int
	MaxBogusLeaf  int
	// Compression of newly written pages.
	Compression pointio.Compression

	// MaxCacheSize bounds the page cache, in entries.
	MaxCacheSize int
	// PriorityFunction orders pending insertion tasks.
	PriorityFunction TaskPriorityFunction
	// NumThreads sizes each writer's worker pool; 0 means NumCPU.
	NumThreads int
	// MaxWaitingPoints caps queued points before Insert blocks;
	// 0 means DefaultMaxWaitingPoints.
	MaxWaitingPoints int

	// AttributeIndexes configures the per-attribute accelerators.
	AttributeIndexes []attrindex.Config
}

func (p *Params) nodeHierarchy() geometry.GridHierarchy {
	return geometry.NewGridHierarchy(p.NodeShift)
}

func (p *Params) pointHierarchy() geometry.GridHierarchy {
	return geometry.NewGridHierarchy(p.PointShift)
}

// Octree is the index facade. It owns the directory, the page cache, the
// codec and the attribute index. Writers and readers created from it
// share that state; the Octree itself is safe for concurrent use.
type Octree struct {
	params         Params
	directory      *CellDirectory
	cache          *lrucache.PageManager[geometry.LeveledGridCell, *LazyNode]
	env            *nodeEnv
	attributeIndex *attrindex.AttributeIndex
	subs           subscriptions
}

// New opens or creates an octree.
func New(params Params) (*Octree, error) {
	if params.Layout == nil {
		return nil, errors.E(errors.Invalid, "octree params: missing point layout")
	}
	if params.MaxWaitingPoints == 0 {
		params.MaxWaitingPoints = DefaultMaxWaitingPoints
	}
	if params.MaxCacheSize <= 0 {
		return nil, errors.E(errors.Invalid, "octree params: max cache size must be positive")
	}
	if params.Layout.PositionType() == geometry.PositionI32 &&
		(uint8(params.MaxLod) > params.NodeShift || uint8(params.MaxLod) > params.PointShift) {
		return nil, errors.E(errors.Invalid,
			"octree params: max lod exceeds the grid shifts; integer cells would be sub-unit")
	}
	if err := os.MkdirAll(params.PointDataFolder, 0777); err != nil {
		return nil, err
	}
	directory, err := NewCellDirectory(params.DirectoryFile, params.MaxLod)
	if err != nil {
		return nil, err
	}
	attributeIndex, err := attrindex.New(params.AttributeIndexes)
	if err != nil {
		return nil, err
	}
	env := &nodeEnv{
		codec: &pointio.Codec{
			Compression:      params.Compression,
			CoordinateSystem: params.CoordinateSystem,
		},
		layout:    params.Layout,
		pointGrid: params.pointHierarchy(),
	}
	loader := &pageLoader{dataDir: params.PointDataFolder, env: env}
	o := &Octree{
		params:         params,
		directory:      directory,
		env:            env,
		attributeIndex: attributeIndex,
	}
	o.cache = lrucache.NewPageManager[geometry.LeveledGridCell, *LazyNode](loader, directory, params.MaxCacheSize)
	return o, nil
}

// Flush writes back all dirty pages, the directory and the attribute
// index. Idempotent; concurrent readers are unaffected.
func (o *Octree) Flush() error {
	maxSize, current := o.cache.Size()
	log.Debug.Printf("flushing octree pages: max=%d, curr=%d", maxSize, current)
	var flushErr errors.Once
	if err := o.cache.Flush(); err != nil {
		flushErr.Set(err)
	}

	log.Debug.Printf("flushing directory")
	if err := o.directory.WriteIfDirty(); err != nil {
		flushErr.Set(err)
	}

	log.Debug.Printf("flushing attribute index")
	if err := o.attributeIndex.Flush(); err != nil {
		flushErr.Set(err)
	}
	return flushErr.Err()
}

// CoordinateSystem returns the octree's coordinate system.
func (o *Octree) CoordinateSystem() geometry.CoordinateSystem {
	return o.params.CoordinateSystem
}

// Layout returns the octree's point layout.
func (o *Octree) Layout() *point.Layout {
	return o.params.Layout
}

// NodeHierarchy returns the node grid hierarchy.
func (o *Octree) NodeHierarchy() geometry.GridHierarchy {
	return o.params.nodeHierarchy()
}

// PointHierarchy returns the sampling grid hierarchy.
func (o *Octree) PointHierarchy() geometry.GridHierarchy {
	return o.params.pointHierarchy()
}

// MaxLod returns the finest level of detail.
func (o *Octree) MaxLod() geometry.LodLevel {
	return o.params.MaxLod
}

// Directory returns the persistent node directory.
func (o *Octree) Directory() *CellDirectory {
	return o.directory
}

// AttributeIndex returns the attribute index.
func (o *Octree) AttributeIndex() *attrindex.AttributeIndex {
	return o.attributeIndex
}

// CacheSize returns the number of resident cache entries.
func (o *Octree) CacheSize() int {
	_, current := o.cache.Size()
	return current
}

// CurrentAabb returns the global-coordinate bounds of the indexed data,
// derived from the root cells in the directory.
func (o *Octree) CurrentAabb() geometry.Aabb {
	aabb := geometry.EmptyAabb()
	grid := o.params.nodeHierarchy()
	cs := o.params.CoordinateSystem
	for _, root := range o.directory.RootCells() {
		var localMin, localMax geometry.Vec3
		if o.params.Layout.PositionType() == geometry.PositionI32 {
			b := grid.LeveledCellBoundsI32(root)
			localMin, localMax = b.Min.ToF64(), b.Max.ToF64()
		} else {
			b := grid.LeveledCellBoundsF64(root)
			localMin, localMax = b.Min, b.Max
		}
		aabb.Extend(cs.DecodeF64(localMin))
		aabb.Extend(cs.DecodeF64(localMax))
	}
	return aabb
}

// queryContext builds the context queries are prepared against.
func (o *Octree) queryContext() query.Context {
	return query.Context{
		NodeHierarchy:    o.params.nodeHierarchy(),
		PointHierarchy:   o.params.pointHierarchy(),
		CoordinateSystem: o.params.CoordinateSystem,
		PositionType:     o.params.Layout.PositionType(),
		Layout:           o.params.Layout,
		AttributeIndex:   o.attributeIndex,
	}
}

// Writer returns a new writer with its own worker pool. Close the writer
// to drain and flush.
func (o *Octree) Writer() *Writer {
	return newWriter(o)
}

// Reader returns a new reader serving the given query with point-level
// filtering enabled.
func (o *Octree) Reader(q query.Query) (*Reader, error) {
	return o.ReaderOpts(q, true)
}

// ReaderOpts returns a new reader, optionally without point-level
// filtering (partial nodes are then emitted unfiltered).
func (o *Octree) ReaderOpts(q query.Query, pointFiltering bool) (*Reader, error) {
	return newReader(o, q, pointFiltering)
}

// String implements fmt.Stringer.
func (o *Octree) String() string {
	return fmt.Sprintf("octree{%s, %d nodes}", o.params.PointDataFolder, o.directory.Len())
}

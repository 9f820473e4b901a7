// Copyright 2020 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package octree

import (
	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/log"
	"github.com/grailbio/lidarserv/geometry"
	"github.com/grailbio/lidarserv/point"
	"github.com/grailbio/lidarserv/query"
)

// frontierElement tracks one cell the reader knows about but has not
// loaded.
type frontierElement struct {
	matchesQuery query.NodeQueryResult
	exists       bool
}

// reloadItem orders pending reloads by the generation the change was
// observed in, so earlier changes replay first.
type reloadItem struct {
	generation uint64
	cell       geometry.LeveledGridCell
	kind       query.LoadKind
}

// Compare implements llrb.Comparable.
func (a *reloadItem) Compare(b llrb.Comparable) int {
	o := b.(*reloadItem)
	switch {
	case a.generation < o.generation:
		return -1
	case a.generation > o.generation:
		return 1
	}
	return compareCells(a.cell, o.cell)
}

func compareCells(a, b geometry.LeveledGridCell) int {
	switch {
	case a.Lod != b.Lod:
		return int(a.Lod) - int(b.Lod)
	case a.Pos.X != b.Pos.X:
		return int(a.Pos.X) - int(b.Pos.X)
	case a.Pos.Y != b.Pos.Y:
		return int(a.Pos.Y) - int(b.Pos.Y)
	}
	return int(a.Pos.Z) - int(b.Pos.Z)
}

// Reader streams one query's results in level-of-detail order and keeps
// them up to date while the writer runs. A node at some level of detail
// is always emitted before any of its descendants; beyond that, order is
// unspecified.
//
// A Reader is single-goroutine: its methods must not be called
// concurrently. Close detaches it from the octree's change feed.
type Reader struct {
	octree         *Octree
	queryContext   query.Context
	queryExec      query.Executable
	pointFiltering bool

	sub        *Subscription
	frontier   map[geometry.LeveledGridCell]frontierElement
	knownRoots map[geometry.LeveledGridCell]struct{}
	generation uint64

	loaded      map[geometry.LeveledGridCell]query.LoadKind
	loadQueue   map[geometry.LeveledGridCell]query.LoadKind
	removeQueue map[geometry.LeveledGridCell]struct{}
	// Reload bookkeeping: the llrb tree yields the oldest pending reload,
	// the map deduplicates per cell.
	reloadTree  llrb.Tree
	reloadItems map[geometry.LeveledGridCell]*reloadItem

	closed bool
}

func newReader(o *Octree, q query.Query, pointFiltering bool) (*Reader, error) {
	r := &Reader{
		octree:         o,
		queryContext:   o.queryContext(),
		pointFiltering: pointFiltering,
		frontier:       make(map[geometry.LeveledGridCell]frontierElement),
		knownRoots:     make(map[geometry.LeveledGridCell]struct{}),
		loaded:         make(map[geometry.LeveledGridCell]query.LoadKind),
		loadQueue:      make(map[geometry.LeveledGridCell]query.LoadKind),
		removeQueue:    make(map[geometry.LeveledGridCell]struct{}),
		reloadItems:    make(map[geometry.LeveledGridCell]*reloadItem),
	}
	exec, err := q.Prepare(&r.queryContext)
	if err != nil {
		return nil, err
	}
	r.queryExec = exec
	// Subscribe before reading the roots so no change can fall between.
	r.sub = o.subs.subscribe()
	for _, root := range o.directory.RootCells() {
		r.addRoot(root)
	}
	return r, nil
}

// Close unsubscribes the reader from change notifications. In-flight
// loads are unaffected.
func (r *Reader) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.octree.subs.unsubscribe(r.sub)
}

// CoordinateSystem returns the octree's coordinate system.
func (r *Reader) CoordinateSystem() geometry.CoordinateSystem {
	return r.octree.CoordinateSystem()
}

// Layout returns the octree's point layout.
func (r *Reader) Layout() *point.Layout {
	return r.octree.Layout()
}

func (r *Reader) addRoot(cell geometry.LeveledGridCell) {
	matches := r.queryExec.MatchesNode(cell)
	r.frontier[cell] = frontierElement{matchesQuery: matches, exists: true}
	if kind, load := matches.ShouldLoad(r.pointFiltering); load {
		r.loadQueue[cell] = kind
	}
	r.knownRoots[cell] = struct{}{}
}

func (r *Reader) filterPoints(lod geometry.LodLevel, points *point.Buffer) *point.Buffer {
	bitmap := r.queryExec.MatchesPoints(lod, points)
	if len(bitmap) != points.Len() {
		log.Panicf("point filter bitmap has %d bits for %d points", len(bitmap), points.Len())
	}
	return points.Filter(bitmap)
}

func (r *Reader) scheduleReload(cell geometry.LeveledGridCell, kind query.LoadKind) {
	if item, ok := r.reloadItems[cell]; ok {
		item.kind = kind
		return
	}
	item := &reloadItem{generation: r.generation, cell: cell, kind: kind}
	r.reloadItems[cell] = item
	r.reloadTree.Insert(item)
}

func (r *Reader) dropReload(cell geometry.LeveledGridCell) {
	if item, ok := r.reloadItems[cell]; ok {
		r.reloadTree.Delete(item)
		delete(r.reloadItems, cell)
	}
}

// processChanges integrates changed cells into the frontier and queues.
func (r *Reader) processChanges(changes map[geometry.LeveledGridCell]struct{}) {
	// Drain whatever else is already in the channel.
drain:
	for {
		select {
		case cell, ok := <-r.sub.C():
			if !ok {
				break drain
			}
			changes[cell] = struct{}{}
		default:
			break drain
		}
	}

	// Changed nodes that are already emitted get reloaded.
	bumped := false
	for cell := range changes {
		if _, pending := r.reloadItems[cell]; pending {
			continue
		}
		kind, ok := r.loaded[cell]
		if !ok {
			continue
		}
		if !bumped {
			r.generation++
			bumped = true
		}
		r.scheduleReload(cell, kind)
	}

	// Frontier cells that newly exist get their initial load.
	for cell := range changes {
		elem, ok := r.frontier[cell]
		if !ok || elem.exists {
			continue
		}
		elem.exists = true
		r.frontier[cell] = elem
		if kind, load := elem.matchesQuery.ShouldLoad(r.pointFiltering); load {
			r.loadQueue[cell] = kind
		}
	}

	// New root nodes.
	for cell := range changes {
		if cell.Lod != 0 {
			continue
		}
		if _, known := r.knownRoots[cell]; !known {
			r.addRoot(cell)
		}
	}
}

// Update integrates pending change notifications without blocking.
// Call it regularly when not using WaitUpdate.
func (r *Reader) Update() {
	r.processChanges(make(map[geometry.LeveledGridCell]struct{}))
}

// WaitUpdate blocks until at least one change notification arrives, then
// integrates all pending ones. Returns immediately once the reader is
// closed.
func (r *Reader) WaitUpdate() {
	changes := make(map[geometry.LeveledGridCell]struct{})
	if cell, ok := <-r.sub.C(); ok {
		changes[cell] = struct{}{}
	}
	r.processChanges(changes)
}

// WaitUpdateOr is WaitUpdate, except that it also returns (reporting
// true) when the other channel fires first.
func (r *Reader) WaitUpdateOr(other <-chan struct{}) bool {
	select {
	case <-other:
		return true
	case cell, ok := <-r.sub.C():
		changes := make(map[geometry.LeveledGridCell]struct{})
		if ok {
			changes[cell] = struct{}{}
		}
		r.processChanges(changes)
		return false
	}
}

// SetQuery replaces the query and reconciles the frontier, load, reload
// and remove queues against it.
func (r *Reader) SetQuery(q query.Query) error {
	exec, err := q.Prepare(&r.queryContext)
	if err != nil {
		return err
	}
	r.queryExec = exec

	for cell, elem := range r.frontier {
		elem.matchesQuery = r.queryExec.MatchesNode(cell)
		r.frontier[cell] = elem
	}

	// Rebuild the load queue from existing, matching frontier cells.
	r.loadQueue = make(map[geometry.LeveledGridCell]query.LoadKind)
	for cell, elem := range r.frontier {
		if !elem.exists {
			continue
		}
		if kind, load := elem.matchesQuery.ShouldLoad(r.pointFiltering); load {
			r.loadQueue[cell] = kind
		}
	}

	// Parents whose eight children all turned negative can be removed,
	// provided the parent itself no longer matches.
	removableCnt := make(map[geometry.LeveledGridCell]int)
	for cell, elem := range r.frontier {
		if elem.matchesQuery != query.Negative {
			continue
		}
		if parent, ok := cell.Parent(); ok {
			removableCnt[parent]++
		}
	}
	r.removeQueue = make(map[geometry.LeveledGridCell]struct{})
	for cell, cnt := range removableCnt {
		if cnt == 8 && r.queryExec.MatchesNode(cell) == query.Negative {
			r.removeQueue[cell] = struct{}{}
		}
	}

	// Loaded nodes whose filtering status changed need a reload.
	r.generation++
	for cell, oldKind := range r.loaded {
		newKind, load := r.queryExec.MatchesNode(cell).ShouldLoad(r.pointFiltering)
		if !load {
			continue
		}
		if item, pending := r.reloadItems[cell]; pending {
			item.kind = newKind
		} else if oldKind == query.LoadFilter || newKind == query.LoadFilter {
			r.scheduleReload(cell, newKind)
		}
	}
	return nil
}

// LoadOne pops one cell from the load queue, loads it, and expands the
// frontier with its children. Returns ok=false when the queue is empty.
func (r *Reader) LoadOne() (cell geometry.LeveledGridCell, points *point.Buffer, ok bool, err error) {
	var kind query.LoadKind
	for c, k := range r.loadQueue {
		cell, kind, ok = c, k, true
		break
	}
	if !ok {
		return cell, nil, false, nil
	}
	delete(r.loadQueue, cell)
	log.Debug.Printf("loading node %v", cell)

	r.loaded[cell] = kind

	// The frontier advances: this cell leaves, its children enter, and
	// children that already exist and match get scheduled.
	delete(r.frontier, cell)
	for _, child := range cell.Children() {
		exists := r.octree.directory.Exists(child)
		matches := r.queryExec.MatchesNode(child)
		if exists {
			if childKind, load := matches.ShouldLoad(r.pointFiltering); load {
				r.loadQueue[child] = childKind
			}
		}
		r.frontier[child] = frontierElement{matchesQuery: matches, exists: exists}
	}

	points, err = r.loadPoints(cell, kind)
	if err != nil {
		return cell, nil, true, err
	}
	return cell, points, true, nil
}

// ReloadOne pops the oldest pending reload and loads the node's current
// contents. Returns ok=false when the reload queue is empty.
func (r *Reader) ReloadOne() (cell geometry.LeveledGridCell, points *point.Buffer, ok bool, err error) {
	var item *reloadItem
	r.reloadTree.Do(func(c llrb.Comparable) (done bool) {
		item = c.(*reloadItem)
		return true // the in-order walk starts at the oldest item
	})
	if item == nil {
		return cell, nil, false, nil
	}
	r.reloadTree.DeleteMin()
	delete(r.reloadItems, item.cell)
	log.Debug.Printf("reloading node %v", item.cell)

	r.loaded[item.cell] = item.kind
	points, err = r.loadPoints(item.cell, item.kind)
	if err != nil {
		return item.cell, nil, true, err
	}
	return item.cell, points, true, nil
}

// RemoveOne pops one cell from the remove queue. The consumer drops the
// node from its display; the reader shrinks the frontier accordingly and
// walks removal up to parents that stopped matching entirely.
// Returns ok=false when the remove queue is empty.
func (r *Reader) RemoveOne() (geometry.LeveledGridCell, bool) {
	var (
		cell geometry.LeveledGridCell
		ok   bool
	)
	for c := range r.removeQueue {
		cell, ok = c, true
		break
	}
	if !ok {
		return cell, false
	}
	delete(r.removeQueue, cell)
	log.Debug.Printf("removing node %v", cell)

	delete(r.loaded, cell)
	r.dropReload(cell)

	r.frontier[cell] = frontierElement{matchesQuery: query.Negative, exists: true}
	for _, child := range cell.Children() {
		delete(r.frontier, child)
	}

	if parent, hasParent := cell.Parent(); hasParent {
		allNegative := true
		for _, sibling := range parent.Children() {
			elem, known := r.frontier[sibling]
			if !known || elem.matchesQuery != query.Negative {
				allNegative = false
				break
			}
		}
		if allNegative && r.queryExec.MatchesNode(parent) == query.Negative {
			r.removeQueue[parent] = struct{}{}
		}
	}
	return cell, true
}

func (r *Reader) loadPoints(cell geometry.LeveledGridCell, kind query.LoadKind) (*point.Buffer, error) {
	o := r.octree
	node, err := o.cache.LoadOrDefault(cell)
	if err != nil {
		return nil, err
	}
	points, err := node.Points(o.env, cell.Lod)
	if err != nil {
		return nil, err
	}
	if kind == query.LoadFilter {
		points = r.filterPoints(cell.Lod, points)
	}
	return points, nil
}

// Copyright 2020 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package octree

import (
	"runtime"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/lidarserv/geometry"
	"github.com/grailbio/lidarserv/lrucache"
	"github.com/grailbio/lidarserv/point"
)

// ErrShutdown is returned by Insert after the writer was closed.
var ErrShutdown = errors.E(errors.Canceled, "writer is shut down")

// InsertionTask queues points for one cell until a worker samples them
// into the node.
type InsertionTask struct {
	points *point.Buffer
	// Generation counters: one generation is one Insert call. They feed
	// the priority functions.
	createdGeneration uint32
	minGeneration     uint32
	maxGeneration     uint32
	// isLeaf marks cells at the maximum level of detail, where rejected
	// points beyond the bogus budget are discarded instead of propagated.
	isLeaf bool
}

// NumPoints returns the number of queued points.
func (t *InsertionTask) NumPoints() int {
	return t.points.Len()
}

// taskQueue is the shared pool of pending insertion tasks: a map from
// cell to task guarded by one mutex, with a condition variable for
// workers and another for insert back-pressure.
type taskQueue struct {
	mu        sync.Mutex
	takeCond  *sync.Cond // signaled when tasks arrive or the queue closes
	spaceCond *sync.Cond // signaled when waitingPoints drops

	tasks         map[geometry.LeveledGridCell]*InsertionTask
	generation    uint32
	waitingPoints int
	priority      TaskPriorityFunction
	maxWaiting    int
	closed        bool
}

func newTaskQueue(priority TaskPriorityFunction, maxWaiting int) *taskQueue {
	q := &taskQueue{
		tasks:      make(map[geometry.LeveledGridCell]*InsertionTask),
		priority:   priority,
		maxWaiting: maxWaiting,
	}
	q.takeCond = sync.NewCond(&q.mu)
	q.spaceCond = sync.NewCond(&q.mu)
	return q
}

// mergeLocked merges points into the task of one cell, creating it if
// needed. gen is the generation the points were submitted in.
func (q *taskQueue) mergeLocked(cell geometry.LeveledGridCell, points *point.Buffer, gen uint32, isLeaf bool) {
	task, ok := q.tasks[cell]
	if !ok {
		task = &InsertionTask{
			points:            point.NewBuffer(points.Layout()),
			createdGeneration: gen,
			minGeneration:     gen,
			maxGeneration:     gen,
			isLeaf:            isLeaf,
		}
		q.tasks[cell] = task
	}
	task.points.Append(points)
	if gen < task.createdGeneration {
		task.createdGeneration = gen
	}
	if gen < task.minGeneration {
		task.minGeneration = gen
	}
	if gen > task.maxGeneration {
		task.maxGeneration = gen
	}
	q.waitingPoints += points.Len()
}

// takeLocked removes and returns the highest-priority task. Returns false
// when the queue is empty.
func (q *taskQueue) takeLocked() (geometry.LeveledGridCell, *InsertionTask, bool) {
	var (
		bestCell geometry.LeveledGridCell
		bestTask *InsertionTask
	)
	for cell, task := range q.tasks {
		if bestTask == nil || q.priority.compare(cell, task, bestCell, bestTask) > 0 {
			bestCell, bestTask = cell, task
		}
	}
	if bestTask == nil {
		return geometry.LeveledGridCell{}, nil, false
	}
	delete(q.tasks, bestCell)
	q.waitingPoints -= bestTask.points.Len()
	q.spaceCond.Broadcast()
	return bestCell, bestTask, true
}

// Writer ingests point batches into the octree. One Writer owns a worker
// pool; Close drains all pending tasks and flushes the octree. Insert is
// safe to call from multiple goroutines.
type Writer struct {
	octree *Octree
	queue  *taskQueue
	// discarded counts points dropped at max LOD because the
	// leaf bogus budget was exhausted. Intentional lossy behavior.
	discarded struct {
		mu sync.Mutex
		n  uint64
	}
	workers sync.WaitGroup
	closed  bool
}

func newWriter(o *Octree) *Writer {
	w := &Writer{
		octree: o,
		queue:  newTaskQueue(o.params.PriorityFunction, o.params.MaxWaitingPoints),
	}
	numThreads := o.params.NumThreads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	w.workers.Add(numThreads)
	for i := 0; i < numThreads; i++ {
		go func() {
			defer w.workers.Done()
			w.workerLoop()
		}()
	}
	return w
}

// Insert queues one batch. The batch's layout must equal the octree's
// layout; positions are in local coordinates. Blocks while the queue is
// over its point budget (back-pressure).
func (w *Writer) Insert(batch *point.Buffer) error {
	if !batch.Layout().Equal(w.octree.params.Layout) {
		return point.ErrLayoutMismatch
	}
	if batch.Len() == 0 {
		return nil
	}
	partitions := w.partition(batch)

	q := w.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.waitingPoints > q.maxWaiting && !q.closed {
		q.spaceCond.Wait()
	}
	if q.closed {
		return ErrShutdown
	}
	gen := q.generation
	isLeaf := w.octree.params.MaxLod == 0
	for cell, points := range partitions {
		q.mergeLocked(cell, points, gen, isLeaf)
	}
	q.generation++
	q.takeCond.Broadcast()
	return nil
}

// partition splits a batch over the root cells of the node hierarchy.
// Large batches shard the cell computation across CPUs.
func (w *Writer) partition(batch *point.Buffer) map[geometry.LeveledGridCell]*point.Buffer {
	grid := w.octree.params.nodeHierarchy()
	intPos := batch.Layout().PositionType() == geometry.PositionI32

	cells := make([]geometry.GridCell, batch.Len())
	shards := runtime.NumCPU()
	if batch.Len() < 4096 {
		shards = 1
	}
	_ = traverse.Each(shards, func(shard int) error {
		begin := shard * batch.Len() / shards
		end := (shard + 1) * batch.Len() / shards
		for i := begin; i < end; i++ {
			if intPos {
				cells[i] = grid.CellAtI32(batch.PositionI32(i), 0)
			} else {
				cells[i] = grid.CellAtF64(batch.PositionF64(i), 0)
			}
		}
		return nil
	})

	partitions := make(map[geometry.LeveledGridCell]*point.Buffer)
	for i := 0; i < batch.Len(); i++ {
		cell := geometry.LeveledGridCell{Lod: 0, Pos: cells[i]}
		part, ok := partitions[cell]
		if !ok {
			part = point.NewBuffer(batch.Layout())
			partitions[cell] = part
		}
		part.AppendFrom(batch, i)
	}
	return partitions
}

// NrPointsWaiting returns the number of points queued across all pending
// tasks. The back-pressure metric.
func (w *Writer) NrPointsWaiting() int {
	w.queue.mu.Lock()
	defer w.queue.mu.Unlock()
	return w.queue.waitingPoints
}

// NrDiscardedPoints returns the number of points dropped at the maximum
// level of detail because the leaf bogus budget was exhausted.
func (w *Writer) NrDiscardedPoints() uint64 {
	w.discarded.mu.Lock()
	defer w.discarded.mu.Unlock()
	return w.discarded.n
}

func (w *Writer) workerLoop() {
	o := w.octree
	q := w.queue
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.takeCond.Wait()
		}
		cell, task, ok := q.takeLocked()
		if !ok {
			// Queue empty and closed: drained.
			q.mu.Unlock()
			return
		}
		// Acquire the cell's guard before releasing the queue, so a task
		// for the same cell popped later cannot overtake this one.
		guard, err := o.cache.LoadOrDefaultMut(cell)
		q.mu.Unlock()
		if err != nil {
			// There is no meaningful local recovery for a broken index.
			log.Panicf("loading node %v failed: %v", cell, err)
		}

		propagated, err := w.runTask(guard, cell, task)
		guard.Done()
		if err != nil {
			log.Panicf("insertion into node %v failed: %v", cell, err)
		}

		o.subs.publish(cell)

		if propagated != nil && propagated.Len() > 0 {
			w.propagate(cell, task, propagated)
		}
	}
}

// runTask executes one insertion task against its guarded node and
// returns the rejected points to propagate to the children.
func (w *Writer) runTask(guard *lrucache.Guard[geometry.LeveledGridCell, *LazyNode], cell geometry.LeveledGridCell, task *InsertionTask) (*point.Buffer, error) {
	o := w.octree
	var propagated *point.Buffer
	err := guard.Value().Update(o.env, cell.Lod, func(node *Node) error {
		extendBounds(&node.BoundingBox, task.points)
		rejected, accepted := node.Sampling.Insert(task.points)

		switch {
		case task.isLeaf:
			space := o.params.MaxBogusLeaf - node.Bogus.Len()
			if space < 0 {
				space = 0
			}
			if rejected.Len() > space {
				dropped := rejected.Len() - space
				rejected.Truncate(space)
				w.discarded.mu.Lock()
				w.discarded.n += uint64(dropped)
				w.discarded.mu.Unlock()
				log.Debug.Printf("dropped %d points at max lod in %v", dropped, cell)
			}
			node.Bogus.Append(rejected)
		default:
			space := o.params.MaxBogusInner - node.Bogus.Len()
			if space < 0 {
				space = 0
			}
			if rejected.Len() <= space {
				node.Bogus.Append(rejected)
			} else {
				propagated = rejected.SplitOff(space)
				node.Bogus.Append(rejected)
			}
		}

		o.attributeIndex.IndexPoints(cell, accepted)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return propagated, nil
}

// propagate splits rejected points over the cell's eight children and
// merges them into their tasks.
func (w *Writer) propagate(cell geometry.LeveledGridCell, task *InsertionTask, rejected *point.Buffer) {
	o := w.octree
	grid := o.params.nodeHierarchy()
	childLod := cell.Lod + 1
	intPos := rejected.Layout().PositionType() == geometry.PositionI32

	children := make(map[geometry.LeveledGridCell]*point.Buffer)
	for i := 0; i < rejected.Len(); i++ {
		var pos geometry.GridCell
		if intPos {
			pos = grid.CellAtI32(rejected.PositionI32(i), childLod)
		} else {
			pos = grid.CellAtF64(rejected.PositionF64(i), childLod)
		}
		childCell := geometry.LeveledGridCell{Lod: childLod, Pos: pos}
		part, ok := children[childCell]
		if !ok {
			part = point.NewBuffer(rejected.Layout())
			children[childCell] = part
		}
		part.AppendFrom(rejected, i)
	}

	isLeaf := childLod == o.params.MaxLod
	q := w.queue
	q.mu.Lock()
	for childCell, points := range children {
		q.mergeLocked(childCell, points, task.createdGeneration, isLeaf)
		// Keep the original submission window of the points.
		child := q.tasks[childCell]
		if task.minGeneration < child.minGeneration {
			child.minGeneration = task.minGeneration
		}
		if task.maxGeneration > child.maxGeneration {
			child.maxGeneration = task.maxGeneration
		}
	}
	q.takeCond.Broadcast()
	q.mu.Unlock()
}

// Close drains all pending tasks (children before parents) and flushes
// the octree. The writer is unusable afterwards.
func (w *Writer) Close() error {
	q := w.queue
	q.mu.Lock()
	if w.closed {
		q.mu.Unlock()
		return nil
	}
	w.closed = true
	q.closed = true
	q.priority = Cleanup
	q.takeCond.Broadcast()
	q.spaceCond.Broadcast()
	q.mu.Unlock()

	w.workers.Wait()
	return w.octree.Flush()
}

func extendBounds(bounds *geometry.Aabb, points *point.Buffer) {
	for i := 0; i < points.Len(); i++ {
		bounds.Extend(points.PositionAsF64(i))
	}
}

package octree

import (
	"sync"
	"testing"
	"time"

	"github.com/grailbio/lidarserv/geometry"
	"github.com/grailbio/lidarserv/point"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueueMergeGenerations(t *testing.T) {
	layout := point.MustNewLayout(point.PositionI32)
	q := newTaskQueue(NrPoints, 1<<20)
	cell := geometry.LeveledGridCell{}

	q.mu.Lock()
	q.mergeLocked(cell, i32Buffer(layout, geometry.Vec3i32{1, 0, 0}), 3, false)
	q.mergeLocked(cell, i32Buffer(layout, geometry.Vec3i32{2, 0, 0}), 7, false)
	q.mergeLocked(cell, i32Buffer(layout, geometry.Vec3i32{3, 0, 0}), 1, false)
	task := q.tasks[cell]
	q.mu.Unlock()

	// Merged batches keep the order of appended points.
	assert.Equal(t, 3, task.NumPoints())
	assert.Equal(t, geometry.Vec3i32{1, 0, 0}, task.points.PositionI32(0))
	assert.Equal(t, geometry.Vec3i32{3, 0, 0}, task.points.PositionI32(2))
	// min <= created <= max.
	assert.Equal(t, uint32(1), task.createdGeneration)
	assert.Equal(t, uint32(1), task.minGeneration)
	assert.Equal(t, uint32(7), task.maxGeneration)
	assert.LessOrEqual(t, task.minGeneration, task.createdGeneration)
	assert.LessOrEqual(t, task.createdGeneration, task.maxGeneration)
}

func TestTaskQueueTakeHighestPriority(t *testing.T) {
	layout := point.MustNewLayout(point.PositionI32)
	q := newTaskQueue(NrPoints, 1<<20)
	small := geometry.LeveledGridCell{Lod: 0, Pos: geometry.GridCell{X: 1}}
	big := geometry.LeveledGridCell{Lod: 0, Pos: geometry.GridCell{X: 2}}

	q.mu.Lock()
	q.mergeLocked(small, i32Buffer(layout, geometry.Vec3i32{1, 0, 0}), 0, false)
	q.mergeLocked(big, i32Buffer(layout,
		geometry.Vec3i32{1, 0, 0}, geometry.Vec3i32{2, 0, 0}), 0, false)
	assert.Equal(t, 3, q.waitingPoints)

	cell, task, ok := q.takeLocked()
	require.True(t, ok)
	assert.Equal(t, big, cell)
	assert.Equal(t, 2, task.NumPoints())
	assert.Equal(t, 1, q.waitingPoints)

	cell, _, ok = q.takeLocked()
	require.True(t, ok)
	assert.Equal(t, small, cell)

	_, _, ok = q.takeLocked()
	assert.False(t, ok)
	q.mu.Unlock()
}

func TestWriterGenerationAdvances(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "writer")
	defer cleanup()
	params := testParams(t, tmp)
	o, err := New(params)
	require.NoError(t, err)
	w := o.Writer()

	batch := point.NewBuffer(params.Layout)
	batch.AppendPoint(localPoint(params.Layout, geometry.Vec3i32{1, 1, 1}, 0))
	require.NoError(t, w.Insert(batch))
	require.NoError(t, w.Insert(batch.Clone()))

	w.queue.mu.Lock()
	gen := w.queue.generation
	w.queue.mu.Unlock()
	assert.Equal(t, uint32(2), gen)
	require.NoError(t, w.Close())
}

func TestInsertBackPressure(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "writer")
	defer cleanup()
	params := testParams(t, tmp)
	params.MaxWaitingPoints = 4
	o, err := New(params)
	require.NoError(t, err)
	w := o.Writer()

	// Stall the single worker with a long-held guard so tasks pile up.
	root := geometry.LeveledGridCell{}
	guard, err := o.cache.LoadOrDefaultMut(root)
	require.NoError(t, err)

	batch := point.NewBuffer(params.Layout)
	for i := 0; i < 5; i++ {
		batch.AppendPoint(localPoint(params.Layout, geometry.Vec3i32{int32(i), 0, 0}, 0))
	}
	require.NoError(t, w.Insert(batch)) // fills the queue past the cap

	inserted := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		one := point.NewBuffer(params.Layout)
		one.AppendPoint(localPoint(params.Layout, geometry.Vec3i32{9, 0, 0}, 0))
		assert.NoError(t, w.Insert(one))
		close(inserted)
	}()

	select {
	case <-inserted:
		t.Fatal("insert did not block on a full queue")
	case <-time.After(100 * time.Millisecond):
	}

	guard.Done() // the worker drains, making room
	select {
	case <-inserted:
	case <-time.After(10 * time.Second):
		t.Fatal("insert never unblocked")
	}
	wg.Wait()
	require.NoError(t, w.Close())
}

func TestInsertAfterCloseFails(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "writer")
	defer cleanup()
	params := testParams(t, tmp)
	o, err := New(params)
	require.NoError(t, err)
	w := o.Writer()
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "close is idempotent")

	batch := point.NewBuffer(params.Layout)
	batch.AppendPoint(localPoint(params.Layout, geometry.Vec3i32{1, 1, 1}, 0))
	assert.ErrorIs(t, w.Insert(batch), ErrShutdown)
}

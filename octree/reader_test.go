package octree

import (
	"testing"
	"time"

	"github.com/grailbio/lidarserv/geometry"
	"github.com/grailbio/lidarserv/point"
	"github.com/grailbio/lidarserv/query"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTestOctree indexes a small lattice spanning several nodes and lods.
func buildTestOctree(t *testing.T, tmp string) *Octree {
	params := testParams(t, tmp)
	params.NumThreads = 2
	params.MaxBogusInner = 0
	params.MaxBogusLeaf = 1 << 20
	o, err := New(params)
	require.NoError(t, err)

	w := o.Writer()
	batch := point.NewBuffer(params.Layout)
	for x := 0; x < 16; x++ {
		for y := 0; y < 16; y++ {
			batch.AppendPoint(localPoint(params.Layout,
				geometry.Vec3i32{int32(x * 64), int32(y * 64), 0}, uint16(x)))
		}
	}
	require.NoError(t, w.Insert(batch))
	require.NoError(t, w.Close())
	return o
}

func TestSetQuerySchedulesRemovals(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "reader")
	defer cleanup()
	o := buildTestOctree(t, tmp)

	r, err := o.Reader(query.Full{})
	require.NoError(t, err)
	defer r.Close()
	order, _ := drain(t, r)
	require.NotEmpty(t, order)

	// Switching to Empty makes everything removable, walking up from the
	// frontier.
	require.NoError(t, r.SetQuery(query.Empty{}))
	_, _, ok, err := r.LoadOne()
	require.NoError(t, err)
	assert.False(t, ok, "nothing to load under the empty query")

	removed := make(map[geometry.LeveledGridCell]bool)
	for {
		cell, ok := r.RemoveOne()
		if !ok {
			break
		}
		assert.False(t, removed[cell], "cell removed twice")
		removed[cell] = true
	}
	assert.NotEmpty(t, removed)
	// Removal reaches the root eventually.
	assert.True(t, removed[geometry.LeveledGridCell{}], "root not removed: %v", removed)
}

func TestSetQueryReloadsFilteredNodes(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "reader")
	defer cleanup()
	o := buildTestOctree(t, tmp)

	// A partial box query loads nodes filtered.
	box := query.Aabb{Bounds: geometry.NewAabb(
		geometry.Vec3{0, 0, 0}, geometry.Vec3{3.0, 3.0, 3.0})}
	r, err := o.Reader(box)
	require.NoError(t, err)
	defer r.Close()
	_, emittedFiltered := drain(t, r)
	require.NotEmpty(t, emittedFiltered)

	// Widening to Full switches those nodes to unfiltered loads: they are
	// rescheduled as reloads in generation order.
	require.NoError(t, r.SetQuery(query.Full{}))
	reloaded := 0
	for {
		cell, points, ok, err := r.ReloadOne()
		require.NoError(t, err)
		if !ok {
			break
		}
		reloaded++
		// Unfiltered now: at least as many points as the filtered load.
		assert.GreaterOrEqual(t, points.Len(), emittedFiltered[cell].Len())
	}
	assert.Equal(t, len(emittedFiltered), reloaded)
}

func TestWaitUpdateOr(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "reader")
	defer cleanup()
	params := testParams(t, tmp)
	o, err := New(params)
	require.NoError(t, err)

	r, err := o.Reader(query.Full{})
	require.NoError(t, err)
	defer r.Close()

	// The external channel fires first.
	other := make(chan struct{}, 1)
	other <- struct{}{}
	assert.True(t, r.WaitUpdateOr(other))

	// A change notification fires first.
	done := make(chan bool)
	go func() {
		done <- r.WaitUpdateOr(make(chan struct{}))
	}()
	w := o.Writer()
	batch := point.NewBuffer(params.Layout)
	batch.AppendPoint(localPoint(params.Layout, geometry.Vec3i32{1, 1, 1}, 0))
	require.NoError(t, w.Insert(batch))
	require.NoError(t, w.Close())

	select {
	case otherFired := <-done:
		assert.False(t, otherFired)
	case <-time.After(10 * time.Second):
		t.Fatal("WaitUpdateOr never woke up")
	}
	_, _, ok, err := r.LoadOne()
	require.NoError(t, err)
	assert.True(t, ok, "the new root is loadable after the update")
}

func TestReaderPointFilteringDisabled(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "reader")
	defer cleanup()
	o := buildTestOctree(t, tmp)

	box := query.Aabb{Bounds: geometry.NewAabb(
		geometry.Vec3{0, 0, 0}, geometry.Vec3{3.0, 3.0, 3.0})}

	filtered, err := o.Reader(box)
	require.NoError(t, err)
	defer filtered.Close()
	unfiltered, err := o.ReaderOpts(box, false)
	require.NoError(t, err)
	defer unfiltered.Close()

	_, emittedF := drain(t, filtered)
	_, emittedU := drain(t, unfiltered)
	assert.Equal(t, len(emittedF), len(emittedU), "node set does not depend on point filtering")

	totalF, totalU := 0, 0
	for _, p := range emittedF {
		totalF += p.Len()
	}
	for _, p := range emittedU {
		totalU += p.Len()
	}
	assert.Less(t, totalF, totalU, "partial nodes emit fewer points when filtered")
}

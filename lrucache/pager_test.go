package lrucache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLoader stores pages in a map and counts I/O operations.
type fakeLoader struct {
	mu       sync.Mutex
	stored   map[int]string
	loads    int32
	stores   int32
	loadWait chan struct{} // when non-nil, Load blocks until closed
	storeErr error
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{stored: map[int]string{}}
}

func (l *fakeLoader) Load(key int) (string, error) {
	atomic.AddInt32(&l.loads, 1)
	if l.loadWait != nil {
		<-l.loadWait
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.stored[key]
	if !ok {
		return "", errors.E(errors.NotExist, "no such page")
	}
	return v, nil
}

func (l *fakeLoader) Store(key int, value string) error {
	atomic.AddInt32(&l.stores, 1)
	if l.storeErr != nil {
		return l.storeErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stored[key] = value
	return nil
}

func (l *fakeLoader) Default() string {
	return ""
}

type fakeDirectory struct {
	mu   sync.Mutex
	keys map[int]bool
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{keys: map[int]bool{}}
}

func (d *fakeDirectory) Exists(key int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.keys[key]
}

func (d *fakeDirectory) Add(key int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[key] = true
}

func TestGuardMutationAndDirectory(t *testing.T) {
	loader := newFakeLoader()
	dir := newFakeDirectory()
	m := NewPageManager[int, string](loader, dir, 10)

	guard, err := m.LoadOrDefaultMut(7)
	require.NoError(t, err)
	assert.Equal(t, "", guard.Value())
	assert.False(t, dir.Exists(7))
	guard.Done()
	assert.True(t, dir.Exists(7))

	// The mutated page is dirty, not yet stored.
	assert.Equal(t, int32(0), atomic.LoadInt32(&loader.stores))
	require.NoError(t, m.Flush())
	assert.Equal(t, int32(1), atomic.LoadInt32(&loader.stores))

	// Flush is idempotent.
	require.NoError(t, m.Flush())
	assert.Equal(t, int32(1), atomic.LoadInt32(&loader.stores))
}

func TestLoadSharesInflightIO(t *testing.T) {
	loader := newFakeLoader()
	loader.stored[1] = "page1"
	loader.loadWait = make(chan struct{})
	dir := newFakeDirectory()
	dir.Add(1)
	m := NewPageManager[int, string](loader, dir, 10)

	const n = 8
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := m.Load(1)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(loader.loadWait)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&loader.loads))
	for _, v := range results {
		assert.Equal(t, "page1", v)
	}
}

func TestGuardExclusive(t *testing.T) {
	loader := newFakeLoader()
	m := NewPageManager[int, string](loader, newFakeDirectory(), 10)

	guard, err := m.LoadOrDefaultMut(1)
	require.NoError(t, err)

	acquired := make(chan *Guard[int, string])
	go func() {
		g, err := m.LoadOrDefaultMut(1)
		assert.NoError(t, err)
		acquired <- g
	}()

	select {
	case <-acquired:
		t.Fatal("second guard acquired while first is outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	guard.Done()
	g2 := <-acquired
	g2.Done()
}

func TestEvictionWritesBackDirty(t *testing.T) {
	loader := newFakeLoader()
	dir := newFakeDirectory()
	m := NewPageManager[int, string](loader, dir, 2)

	for key := 0; key < 4; key++ {
		guard, err := m.LoadOrDefaultMut(key)
		require.NoError(t, err)
		guard.Done()
	}
	_, current := m.Size()
	assert.LessOrEqual(t, current, 2)
	// The two oldest entries were written back on eviction.
	assert.Equal(t, int32(2), atomic.LoadInt32(&loader.stores))

	// Evicted entries are reloadable.
	v, err := m.Load(0)
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestLoadOrDefaultMissing(t *testing.T) {
	loader := newFakeLoader()
	m := NewPageManager[int, string](loader, newFakeDirectory(), 10)

	v, err := m.LoadOrDefault(99)
	require.NoError(t, err)
	assert.Equal(t, "", v)
	// Nothing was read from storage and nothing was cached.
	assert.Equal(t, int32(0), atomic.LoadInt32(&loader.loads))
	_, current := m.Size()
	assert.Equal(t, 0, current)
}

func TestFlushErrorKeepsDirty(t *testing.T) {
	loader := newFakeLoader()
	loader.storeErr = errors.E(errors.IO, "disk full")
	m := NewPageManager[int, string](loader, newFakeDirectory(), 10)

	guard, err := m.LoadOrDefaultMut(1)
	require.NoError(t, err)
	guard.Done()

	assert.Error(t, m.Flush())

	// The entry stays dirty: clearing the error lets a retry succeed.
	loader.storeErr = nil
	require.NoError(t, m.Flush())
	loader.mu.Lock()
	_, ok := loader.stored[1]
	loader.mu.Unlock()
	assert.True(t, ok)
}

func TestLoadMissingSurfacesError(t *testing.T) {
	loader := newFakeLoader()
	dir := newFakeDirectory()
	dir.Add(5) // directory claims existence, storage disagrees
	m := NewPageManager[int, string](loader, dir, 10)

	_, err := m.Load(5)
	assert.Error(t, err)
}

// Copyright 2020 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package lrucache

import (
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Loader performs the I/O for one page kind.
type Loader[K comparable, V any] interface {
	// Load reads the page for key from storage.
	Load(key K) (V, error)
	// Store writes the page for key to storage, replacing any previous
	// contents, and fences it durably.
	Store(key K, value V) error
	// Default returns a fresh empty page.
	Default() V
}

// Directory tracks the set of keys that exist in storage. The page manager
// consults it before loading and registers every key whose mutation guard
// was dropped.
type Directory[K comparable] interface {
	Exists(key K) bool
	Add(key K)
}

// PageManager is a size-bounded cache of pages with four per-key states:
// clean (evictable), dirty (pending write-back), pinned (held by a
// mutation guard or being written back) and loading (an I/O in flight).
//
// Invariants:
//   - at most one load per key is in flight; concurrent loads share it,
//   - at most one Guard per key exists at a time,
//   - a pinned key is neither evicted nor redundantly loaded,
//   - eviction drops the least recently used clean entry, or writes back
//     and drops the least recently used dirty entry.
//
// All methods are safe for concurrent use.
type PageManager[K comparable, V any] struct {
	loader    Loader[K, V]
	directory Directory[K]

	mu      sync.Mutex
	cond    *sync.Cond
	maxSize int
	clean   *Lru[K, V]
	dirty   *Lru[K, V]
	// pinned holds entries owned by a Guard or undergoing write-back.
	// Readers may still observe the value (pages have internal locks);
	// writers wait for the pin to clear.
	pinned  map[K]V
	loading map[K]*loadState[V]
}

type loadState[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// NewPageManager returns a page manager bounded to maxSize entries.
func NewPageManager[K comparable, V any](loader Loader[K, V], directory Directory[K], maxSize int) *PageManager[K, V] {
	m := &PageManager[K, V]{
		loader:    loader,
		directory: directory,
		maxSize:   maxSize,
		clean:     NewLru[K, V](),
		dirty:     NewLru[K, V](),
		pinned:    make(map[K]V),
		loading:   make(map[K]*loadState[V]),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Directory returns the directory the manager registers keys with.
func (m *PageManager[K, V]) Directory() Directory[K] {
	return m.directory
}

// Size returns the configured maximum and the current number of resident
// entries.
func (m *PageManager[K, V]) Size() (max, current int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxSize, m.clean.Len() + m.dirty.Len() + len(m.pinned)
}

// Load returns the page for key, reading it from storage on a miss.
// Concurrent loads of the same key share one I/O. A key that does not
// exist in storage surfaces the loader's error.
func (m *PageManager[K, V]) Load(key K) (V, error) {
	m.mu.Lock()
	for {
		if v, ok := m.pinned[key]; ok {
			m.mu.Unlock()
			return v, nil
		}
		if v, ok := m.dirty.Touch(key); ok {
			m.mu.Unlock()
			return v, nil
		}
		if v, ok := m.clean.Touch(key); ok {
			m.mu.Unlock()
			return v, nil
		}
		st, ok := m.loading[key]
		if !ok {
			break
		}
		m.mu.Unlock()
		<-st.done
		if st.err != nil {
			var zero V
			return zero, st.err
		}
		m.mu.Lock()
		// The loaded entry may already have been evicted again; retry.
		// In the common case the next iteration finds it clean.
	}
	st := &loadState[V]{done: make(chan struct{})}
	m.loading[key] = st
	m.mu.Unlock()

	v, err := m.loader.Load(key)

	m.mu.Lock()
	delete(m.loading, key)
	st.val, st.err = v, err
	if err == nil {
		m.clean.Insert(key, v)
		m.evictLocked()
	}
	m.cond.Broadcast()
	m.mu.Unlock()
	close(st.done)
	if err != nil {
		var zero V
		return zero, err
	}
	return v, nil
}

// LoadOrDefault is Load, except that a key the directory does not know
// yields a fresh default page instead of an error. The default is not
// inserted into the cache.
func (m *PageManager[K, V]) LoadOrDefault(key K) (V, error) {
	m.mu.Lock()
	exists := m.residentLocked(key) || m.directory.Exists(key)
	m.mu.Unlock()
	if !exists {
		return m.loader.Default(), nil
	}
	return m.Load(key)
}

func (m *PageManager[K, V]) residentLocked(key K) bool {
	if _, ok := m.pinned[key]; ok {
		return true
	}
	if _, ok := m.dirty.Get(key); ok {
		return true
	}
	if _, ok := m.clean.Get(key); ok {
		return true
	}
	_, ok := m.loading[key]
	return ok
}

// Guard grants exclusive mutation rights for one key. The guarded page is
// pinned: it cannot be evicted and no second guard for the key can be
// obtained until Done is called.
type Guard[K comparable, V any] struct {
	m     *PageManager[K, V]
	key   K
	value V
	done  bool
}

// Key returns the guarded key.
func (g *Guard[K, V]) Key() K {
	return g.key
}

// Value returns the guarded page.
func (g *Guard[K, V]) Value() V {
	return g.value
}

// Done releases the guard. The page moves to the dirty region and the key
// is registered in the directory.
func (g *Guard[K, V]) Done() {
	if g.done {
		log.Panicf("page guard released twice")
	}
	g.done = true
	m := g.m
	m.mu.Lock()
	delete(m.pinned, g.key)
	m.dirty.Insert(g.key, g.value)
	m.directory.Add(g.key)
	m.evictLocked()
	m.cond.Broadcast()
	m.mu.Unlock()
}

// LoadOrDefaultMut returns an exclusive guard for key, loading the page
// from storage if it exists, or creating a default page otherwise. Blocks
// while another guard for the same key is outstanding.
func (m *PageManager[K, V]) LoadOrDefaultMut(key K) (*Guard[K, V], error) {
	m.mu.Lock()
	for {
		if _, ok := m.pinned[key]; ok {
			m.cond.Wait()
			continue
		}
		if st, ok := m.loading[key]; ok {
			m.mu.Unlock()
			<-st.done
			m.mu.Lock()
			continue
		}
		if v, ok := m.dirty.Remove(key); ok {
			m.pinned[key] = v
			m.mu.Unlock()
			return &Guard[K, V]{m: m, key: key, value: v}, nil
		}
		if v, ok := m.clean.Remove(key); ok {
			m.pinned[key] = v
			m.mu.Unlock()
			return &Guard[K, V]{m: m, key: key, value: v}, nil
		}
		if !m.directory.Exists(key) {
			v := m.loader.Default()
			m.pinned[key] = v
			m.mu.Unlock()
			return &Guard[K, V]{m: m, key: key, value: v}, nil
		}
		// Load it ourselves, sharing the in-flight I/O with readers.
		st := &loadState[V]{done: make(chan struct{})}
		m.loading[key] = st
		m.mu.Unlock()

		v, err := m.loader.Load(key)

		m.mu.Lock()
		delete(m.loading, key)
		st.val, st.err = v, err
		m.cond.Broadcast()
		if err != nil {
			m.mu.Unlock()
			close(st.done)
			return nil, err
		}
		m.pinned[key] = v
		m.mu.Unlock()
		close(st.done)
		return &Guard[K, V]{m: m, key: key, value: v}, nil
	}
}

// evictLocked shrinks the cache to maxSize. Clean entries are dropped;
// dirty entries are written back first. Called with mu held; may
// temporarily release it for write-back I/O.
func (m *PageManager[K, V]) evictLocked() {
	for m.clean.Len()+m.dirty.Len()+len(m.pinned) > m.maxSize {
		if _, _, ok := m.clean.PopFront(); ok {
			continue
		}
		key, v, ok := m.dirty.PopFront()
		if !ok {
			// Everything resident is pinned; nothing can be evicted
			// until a guard is released.
			return
		}
		// Pin during write-back so no second mutator appears.
		m.pinned[key] = v
		m.mu.Unlock()
		err := m.loader.Store(key, v)
		m.mu.Lock()
		delete(m.pinned, key)
		if err != nil {
			// Keep the entry dirty for retry on the next flush.
			log.Error.Printf("write-back of page %v failed: %v", key, err)
			m.dirty.Insert(key, v)
			m.cond.Broadcast()
			return
		}
		m.cond.Broadcast()
	}
}

// Flush writes back every dirty entry in LRU order. Idempotent; runs
// concurrently with readers. Entries that fail to write stay dirty and the
// first error is returned.
func (m *PageManager[K, V]) Flush() error {
	var flushErr errors.Once
	m.mu.Lock()
	for {
		key, v, ok := m.dirty.PopFront()
		if !ok {
			break
		}
		m.pinned[key] = v
		m.mu.Unlock()
		err := m.loader.Store(key, v)
		m.mu.Lock()
		delete(m.pinned, key)
		if err != nil {
			log.Error.Printf("flush of page %v failed: %v", key, err)
			m.dirty.Insert(key, v)
			m.cond.Broadcast()
			m.mu.Unlock()
			flushErr.Set(err)
			return flushErr.Err()
		}
		m.clean.Insert(key, v)
		m.cond.Broadcast()
	}
	m.evictLocked()
	m.mu.Unlock()
	return flushErr.Err()
}

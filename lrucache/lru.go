// Copyright 2020 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package lrucache provides a map with least-recently-used ordering and the
// page manager built on top of it: a size-bounded cache of lazily
// (de)serialized pages with exclusive per-key mutation guards, dirty
// write-back and at-most-one concurrent load per key.
package lrucache

import "container/list"

// Lru is a map whose entries are ordered by recency of use. It is not safe
// for concurrent use; the PageManager serializes access.
type Lru[K comparable, V any] struct {
	entries map[K]*list.Element
	// order holds *lruEntry values; the front is the least recently used.
	order *list.List
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// NewLru returns an empty Lru.
func NewLru[K comparable, V any]() *Lru[K, V] {
	return &Lru[K, V]{
		entries: make(map[K]*list.Element),
		order:   list.New(),
	}
}

// Len returns the number of stored entries.
func (l *Lru[K, V]) Len() int {
	return len(l.entries)
}

// Insert stores value under key, marking it most recently used. If the key
// was already present its previous value is returned.
func (l *Lru[K, V]) Insert(key K, value V) (old V, replaced bool) {
	if elem, ok := l.entries[key]; ok {
		entry := elem.Value.(*lruEntry[K, V])
		old, replaced = entry.value, true
		entry.value = value
		l.order.MoveToBack(elem)
		return old, replaced
	}
	l.entries[key] = l.order.PushBack(&lruEntry[K, V]{key: key, value: value})
	return old, false
}

// Get returns the value stored under key without changing its position in
// the LRU order. Use Touch to also mark it used.
func (l *Lru[K, V]) Get(key K) (V, bool) {
	if elem, ok := l.entries[key]; ok {
		return elem.Value.(*lruEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Touch marks the entry most recently used and returns its value.
func (l *Lru[K, V]) Touch(key K) (V, bool) {
	if elem, ok := l.entries[key]; ok {
		l.order.MoveToBack(elem)
		return elem.Value.(*lruEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Remove deletes the entry and returns its value.
func (l *Lru[K, V]) Remove(key K) (V, bool) {
	if elem, ok := l.entries[key]; ok {
		l.order.Remove(elem)
		delete(l.entries, key)
		return elem.Value.(*lruEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// PopFront removes and returns the least recently used entry.
func (l *Lru[K, V]) PopFront() (K, V, bool) {
	front := l.order.Front()
	if front == nil {
		var zeroK K
		var zeroV V
		return zeroK, zeroV, false
	}
	entry := front.Value.(*lruEntry[K, V])
	l.order.Remove(front)
	delete(l.entries, entry.key)
	return entry.key, entry.value, true
}

// Scan visits all entries in LRU order (least recently used first) until
// visit returns false.
func (l *Lru[K, V]) Scan(visit func(K, V) bool) {
	for elem := l.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*lruEntry[K, V])
		if !visit(entry.key, entry.value) {
			return
		}
	}
}

// Keys returns all keys in LRU order.
func (l *Lru[K, V]) Keys() []K {
	keys := make([]K, 0, len(l.entries))
	l.Scan(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

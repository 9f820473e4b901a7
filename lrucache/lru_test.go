package lrucache

import (
	"testing"

	"github.com/grailbio/testutil/expect"
)

func TestLruOrder(t *testing.T) {
	l := NewLru[int, string]()
	l.Insert(3, "a")
	l.Insert(1, "b")
	l.Insert(2, "c")
	l.Touch(1)

	var keys []int
	l.Scan(func(k int, _ string) bool {
		keys = append(keys, k)
		return true
	})
	expect.EQ(t, keys, []int{3, 2, 1})
}

func TestLruGetDoesNotTouch(t *testing.T) {
	l := NewLru[int, int]()
	l.Insert(1, 10)
	l.Insert(2, 20)
	v, ok := l.Get(1)
	expect.True(t, ok)
	expect.EQ(t, v, 10)

	k, v, ok := l.PopFront()
	expect.True(t, ok)
	expect.EQ(t, k, 1)
	expect.EQ(t, v, 10)
}

func TestLruInsertReplaces(t *testing.T) {
	l := NewLru[int, int]()
	l.Insert(1, 10)
	l.Insert(2, 20)
	old, replaced := l.Insert(1, 11)
	expect.True(t, replaced)
	expect.EQ(t, old, 10)
	expect.EQ(t, l.Len(), 2)
	// Replacing marks the entry most recently used.
	expect.EQ(t, l.Keys(), []int{2, 1})
}

func TestLruRemove(t *testing.T) {
	l := NewLru[int, int]()
	l.Insert(1, 10)
	l.Insert(2, 20)
	l.Insert(3, 30)
	v, ok := l.Remove(2)
	expect.True(t, ok)
	expect.EQ(t, v, 20)
	_, ok = l.Remove(2)
	expect.False(t, ok)
	expect.EQ(t, l.Keys(), []int{1, 3})
}

func TestLruEmpty(t *testing.T) {
	l := NewLru[string, int]()
	expect.EQ(t, l.Len(), 0)
	_, _, ok := l.PopFront()
	expect.False(t, ok)
	_, ok = l.Get("missing")
	expect.False(t, ok)
	_, ok = l.Touch("missing")
	expect.False(t, ok)
}

package octree

import (
	"testing"
	"time"

	"github.com/grailbio/lidarserv/geometry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionDeliversInOrder(t *testing.T) {
	var subs subscriptions
	s := subs.subscribe()
	defer subs.unsubscribe(s)

	cells := make([]geometry.LeveledGridCell, 100)
	for i := range cells {
		cells[i] = geometry.LeveledGridCell{Lod: 1, Pos: geometry.GridCell{X: int32(i)}}
		subs.publish(cells[i])
	}
	for i := range cells {
		select {
		case got, ok := <-s.C():
			require.True(t, ok)
			assert.Equal(t, cells[i], got)
		case <-time.After(5 * time.Second):
			t.Fatalf("notification %d never arrived", i)
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	var subs subscriptions
	s := subs.subscribe()
	defer subs.unsubscribe(s)

	// Nobody receives: publishing must still complete promptly.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			subs.publish(geometry.LeveledGridCell{Pos: geometry.GridCell{X: int32(i)}})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestLateSubscriberSeesOnlyNewChanges(t *testing.T) {
	var subs subscriptions
	subs.publish(geometry.LeveledGridCell{Pos: geometry.GridCell{X: 1}})

	s := subs.subscribe()
	defer subs.unsubscribe(s)
	subs.publish(geometry.LeveledGridCell{Pos: geometry.GridCell{X: 2}})

	got := <-s.C()
	assert.Equal(t, int32(2), got.Pos.X)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	var subs subscriptions
	s := subs.subscribe()
	subs.unsubscribe(s)

	select {
	case _, ok := <-s.C():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed")
	}

	// Publishing after unsubscribe is a no-op.
	subs.publish(geometry.LeveledGridCell{})
	// Closing twice is fine.
	s.Close()
}

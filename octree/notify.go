// Copyright 2020 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package octree

import (
	"sync"

	"github.com/grailbio/lidarserv/geometry"
)

// Subscription is one reader's unbounded feed of node-change
// notifications. Publishing never blocks the writer; a pump goroutine
// drains the internal queue into the receive channel.
type Subscription struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []geometry.LeveledGridCell
	closed bool
	out    chan geometry.LeveledGridCell
	done   chan struct{}
}

func newSubscription() *Subscription {
	s := &Subscription{
		out:  make(chan geometry.LeveledGridCell, 16),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

// C returns the channel notifications arrive on. The channel is closed
// when the subscription is closed.
func (s *Subscription) C() <-chan geometry.LeveledGridCell {
	return s.out
}

func (s *Subscription) push(cell geometry.LeveledGridCell) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, cell)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// Close detaches the subscription. Pending notifications are dropped and
// the receive channel is closed.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		cell := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- cell:
		case <-s.done:
			close(s.out)
			return
		}
	}
}

// subscriptions fans node-change events out to every live subscription.
type subscriptions struct {
	mu   sync.Mutex
	subs []*Subscription
}

// subscribe registers a new subscription. Late subscribers see only
// changes published after this call.
func (ss *subscriptions) subscribe() *Subscription {
	s := newSubscription()
	ss.mu.Lock()
	ss.subs = append(ss.subs, s)
	ss.mu.Unlock()
	return s
}

// unsubscribe closes and removes the subscription.
func (ss *subscriptions) unsubscribe(s *Subscription) {
	ss.mu.Lock()
	for i, cur := range ss.subs {
		if cur == s {
			ss.subs = append(ss.subs[:i], ss.subs[i+1:]...)
			break
		}
	}
	ss.mu.Unlock()
	s.Close()
}

// publish delivers a node-change event to every subscription.
func (ss *subscriptions) publish(cell geometry.LeveledGridCell) {
	ss.mu.Lock()
	subs := make([]*Subscription, len(ss.subs))
	copy(subs, ss.subs)
	ss.mu.Unlock()
	for _, s := range subs {
		s.push(cell)
	}
}

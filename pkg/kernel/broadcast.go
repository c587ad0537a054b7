// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"sync"

	"github.com/jllopis/kernos/pkg/queue"
)

// Broadcaster fans published values out to every subscriber. Each
// subscriber has its own unbounded queue, so a slow reader never blocks
// Publish or the other readers.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*queue.Unbounded[T]
	next   uint64
	closed bool
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[uint64]*queue.Unbounded[T])}
}

// Subscribe returns a channel receiving every value published from now on
// and a function that cancels the subscription. The channel is closed
// after cancel or Close.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	q := queue.New[T]()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		q.Close()
		return q.C(), func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = q
	b.mu.Unlock()

	return q.C(), func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		q.Discard()
	}
}

// Publish delivers v to every current subscriber.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.subs {
		_ = q.Push(v)
	}
}

// Len returns the number of subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription once its pending values were read.
// Later subscriptions are closed right away.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, q := range b.subs {
		q.Close()
	}
}

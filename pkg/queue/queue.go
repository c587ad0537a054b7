// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue provides an unbounded multi-producer, single-consumer FIFO.
//
// Producers never block: Push appends to a linked list and a pump goroutine
// feeds the consumer channel returned by C in push order.
package queue

import (
	"sync"

	list "github.com/bahlo/generic-list-go"

	"github.com/jllopis/kernos/pkg/errors"
)

// ErrClosed is returned by Push once the queue no longer accepts items.
var ErrClosed = errors.New(errors.CodeCommClosed, "queue closed", nil)

// Unbounded is an unbounded FIFO. The zero value is not usable; call New.
type Unbounded[T any] struct {
	mu      sync.Mutex
	items   *list.List[T]
	closed  bool
	wake    chan struct{}
	out     chan T
	discard chan struct{}
	once    sync.Once
	done    chan struct{}
}

// New returns a queue and starts its pump.
func New[T any]() *Unbounded[T] {
	q := &Unbounded[T]{
		items:   list.New[T](),
		wake:    make(chan struct{}, 1),
		out:     make(chan T),
		discard: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go q.pump()
	return q
}

// Push appends v. It never blocks.
func (q *Unbounded[T]) Push(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items.PushBack(v)
	q.mu.Unlock()
	q.signal()
	return nil
}

// C is the consumer side. It is closed after Close once every pending item
// was delivered, or right away after Discard.
func (q *Unbounded[T]) C() <-chan T {
	return q.out
}

// Len returns the number of items not yet handed to the consumer.
func (q *Unbounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close stops accepting items. Pending items are still delivered.
func (q *Unbounded[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Discard closes the queue and drops pending items. The pump exits even if
// nobody reads C.
func (q *Unbounded[T]) Discard() {
	q.Close()
	q.once.Do(func() { close(q.discard) })
	<-q.done
}

// Done is closed when the pump has exited and C is closed.
func (q *Unbounded[T]) Done() <-chan struct{} {
	return q.done
}

func (q *Unbounded[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Unbounded[T]) pump() {
	defer close(q.done)
	defer close(q.out)
	for {
		q.mu.Lock()
		for q.items.Len() == 0 {
			if q.closed {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			select {
			case <-q.wake:
			case <-q.discard:
				return
			}
			q.mu.Lock()
		}
		v := q.items.Remove(q.items.Front())
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-q.discard:
			return
		}
	}
}

// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

// Package comm implements comms: independently addressable, bidirectional
// conversations between the kernel and the front end.
//
// A Channel holds two unbounded queues. The transport feeds incoming
// (front end to kernel) and drains outgoing (kernel to front end). A Relay
// runs one goroutine per channel that serves incoming messages and turns
// kernel events into outgoing data. The Manager keeps every open channel
// addressable by id.
package comm

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jllopis/kernos/pkg/queue"
)

// Handler serves the back-end side of a comm. Both methods run on the
// relay goroutine.
type Handler interface {
	// HandleData receives a free-form payload from the front end.
	HandleData(ctx context.Context, payload json.RawMessage) error
	// HandleRequest answers an RPC request. A returned error becomes the
	// reply's error.
	HandleRequest(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// Channel is one comm.
type Channel struct {
	ID        string
	Name      string
	Initiator Initiator
	Handler   Handler

	incoming *queue.Unbounded[Msg]
	outgoing *queue.Unbounded[Msg]
	closed   atomic.Bool
	byPeer   atomic.Bool
}

// Sender is the producing half of one channel direction.
type Sender struct {
	ch       *Channel
	q        *queue.Unbounded[Msg]
	incoming bool
}

// Open allocates a channel with fresh queues. It returns the channel, the
// incoming sender for the transport and the outgoing sender for back-end
// producers. An empty id gets a random one. handler may be nil.
func Open(initiator Initiator, id, name string, handler Handler) (*Channel, Sender, Sender) {
	if id == "" {
		id = uuid.NewString()
	}
	ch := &Channel{
		ID:        id,
		Name:      name,
		Initiator: initiator,
		Handler:   handler,
		incoming:  queue.New[Msg](),
		outgoing:  queue.New[Msg](),
	}
	return ch, ch.inbound(), Sender{ch: ch, q: ch.outgoing}
}

// Send enqueues m. Sending a close signal on the incoming side makes the
// channel terminal; every later send fails with ErrCommClosed.
func (s Sender) Send(m Msg) error {
	if s.ch == nil || s.ch.closed.Load() {
		return ErrCommClosed
	}
	if err := s.q.Push(m); err != nil {
		return ErrCommClosed
	}
	if s.incoming && m.Kind == KindClose {
		s.ch.byPeer.Store(true)
		s.ch.closed.Store(true)
	}
	return nil
}

// Closed reports whether the channel is terminal.
func (c *Channel) Closed() bool { return c.closed.Load() }

// ClosedByFrontEnd reports whether the close signal came in on incoming.
func (c *Channel) ClosedByFrontEnd() bool { return c.byPeer.Load() }

func (c *Channel) inbound() Sender { return Sender{ch: c, q: c.incoming, incoming: true} }

// Incoming is the front-end to kernel stream, read by the relay.
func (c *Channel) Incoming() <-chan Msg { return c.incoming.C() }

// Outgoing is the kernel to front-end stream, read by the transport. It is
// closed after the relay exits and every queued message was delivered.
func (c *Channel) Outgoing() <-chan Msg { return c.outgoing.C() }

// emit enqueues on outgoing even after a close was requested, so replies
// to requests that arrived before the close still go out.
func (c *Channel) emit(m Msg) error {
	if err := c.outgoing.Push(m); err != nil {
		return ErrCommClosed
	}
	return nil
}

// terminate makes the channel unusable. Unread incoming messages are
// dropped; queued outgoing messages are still delivered.
func (c *Channel) terminate() {
	c.closed.Store(true)
	c.incoming.Discard()
	c.outgoing.Close()
}

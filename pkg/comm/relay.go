// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package comm

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/kernos/pkg/errors"
	"github.com/jllopis/kernos/pkg/telemetry"
)

// EventEncoder turns a kernel event into a data payload.
type EventEncoder[E any] func(E) (json.RawMessage, error)

// JSONEvents encodes events with encoding/json.
func JSONEvents[E any](ev E) (json.RawMessage, error) {
	return json.Marshal(ev)
}

type relayConfig struct {
	logger  *slog.Logger
	metrics *telemetry.KernelMetrics
}

// RelayOption configures a Relay.
type RelayOption func(*relayConfig)

// WithRelayLogger sets the relay logger.
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(c *relayConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRelayMetrics sets the metrics sink.
func WithRelayMetrics(m *telemetry.KernelMetrics) RelayOption {
	return func(c *relayConfig) { c.metrics = m }
}

// Relay is the session loop of one channel. It waits on an event source
// and on the channel's incoming queue, and serves whichever is ready.
type Relay[E any] struct {
	ch     *Channel
	events <-chan E
	encode EventEncoder[E]

	logger  *slog.Logger
	metrics *telemetry.KernelMetrics
	tracer  trace.Tracer

	mu      sync.Mutex
	pending map[string]chan Msg
	stopped bool
	done    chan struct{}
}

// NewRelay returns a relay for ch. events may be nil for comms without an
// event source; encode defaults to JSONEvents.
func NewRelay[E any](ch *Channel, events <-chan E, encode EventEncoder[E], opts ...RelayOption) *Relay[E] {
	cfg := relayConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if encode == nil {
		encode = JSONEvents[E]
	}
	return &Relay[E]{
		ch:      ch,
		events:  events,
		encode:  encode,
		logger:  cfg.logger.With("comm_id", ch.ID, "comm_name", ch.Name),
		metrics: cfg.metrics,
		tracer:  otel.Tracer("kernos/comm"),
		pending: make(map[string]chan Msg),
		done:    make(chan struct{}),
	}
}

// Channel returns the relayed channel.
func (r *Relay[E]) Channel() *Channel { return r.ch }

// Done is closed once Run has returned.
func (r *Relay[E]) Done() <-chan struct{} { return r.done }

// Run serves the channel until a close signal arrives, a source is closed
// or ctx is done. The channel is terminal afterwards.
func (r *Relay[E]) Run(ctx context.Context) error {
	defer r.shutdown()
	r.logger.Debug("comm.relay.start", "initiator", r.ch.Initiator.String())

	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				r.logger.Info("comm.relay.events_closed")
				return nil
			}
			r.forward(ctx, ev)
		case m, ok := <-r.ch.Incoming():
			if !ok {
				err := errors.New(errors.CodeTransport, "incoming stream ended", nil).WithContext("comm_id", r.ch.ID)
				r.logger.Warn("comm.relay.incoming_closed", "error", err)
				return err
			}
			r.metrics.RecordCommMessage(ctx, r.ch.Name, m.Kind.String(), "in")
			if m.Kind == KindClose {
				r.logger.Info("comm.relay.closed", "by", "frontend")
				return nil
			}
			r.serve(ctx, m)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Relay[E]) forward(ctx context.Context, ev E) {
	payload, err := r.encode(ev)
	if err != nil {
		r.logger.Error("comm.relay.event_encode", "error", err)
		r.metrics.RecordError(ctx, err, "comm")
		return
	}
	r.send(ctx, Data(payload))
}

func (r *Relay[E]) serve(ctx context.Context, m Msg) {
	switch m.Kind {
	case KindData:
		if r.ch.Handler == nil {
			r.logger.Debug("comm.relay.data_ignored")
			return
		}
		if err := r.handleData(ctx, m.Payload); err != nil {
			r.logger.Warn("comm.relay.data_failed", "error", err)
			r.metrics.RecordError(ctx, err, "comm")
		}
	case KindRequest:
		r.send(ctx, r.handleRequest(ctx, m))
	case KindReply:
		r.resolve(ctx, m)
	}
}

func (r *Relay[E]) handleData(ctx context.Context, payload json.RawMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf(errors.CodeInternal, "data handler panic: %v", p)
		}
	}()
	return r.ch.Handler.HandleData(ctx, payload)
}

func (r *Relay[E]) handleRequest(ctx context.Context, m Msg) (reply Msg) {
	ctx, span := r.tracer.Start(ctx, "Relay.HandleRequest", trace.WithAttributes(
		append(telemetry.CommAttributes(r.ch.ID, r.ch.Name, r.ch.Initiator.String()),
			attribute.String(telemetry.AttrCommRequestID, m.ID))...))
	defer span.End()

	if r.ch.Handler == nil {
		r.logger.Warn("comm.relay.unhandled", "request_id", m.ID)
		span.SetStatus(codes.Error, "unhandled")
		return ReplyError(m.ID, NewRPCError(ErrUnhandled))
	}

	defer func() {
		if p := recover(); p != nil {
			err := errors.Newf(errors.CodeInternal, "request handler panic: %v", p)
			r.logger.Error("comm.relay.handler_panic", "request_id", m.ID, "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Message)
			reply = ReplyError(m.ID, NewRPCError(err))
		}
	}()

	result, err := r.ch.Handler.HandleRequest(ctx, m.Payload)
	if err != nil {
		r.logger.Debug("comm.relay.request_failed", "request_id", m.ID, "error", err)
		r.metrics.RecordError(ctx, err, "comm")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ReplyError(m.ID, NewRPCError(err))
	}
	return Reply(m.ID, result)
}

func (r *Relay[E]) resolve(ctx context.Context, m Msg) {
	r.mu.Lock()
	wait, ok := r.pending[m.ID]
	delete(r.pending, m.ID)
	r.mu.Unlock()
	if !ok {
		r.logger.Warn("comm.relay.unexpected_reply", "request_id", m.ID)
		r.metrics.RecordProtocolViolation(ctx, r.ch.Name)
		return
	}
	wait <- m
}

func (r *Relay[E]) send(ctx context.Context, m Msg) {
	if err := r.ch.emit(m); err != nil {
		r.logger.Warn("comm.relay.send_failed", "kind", m.Kind.String(), "error", err)
		return
	}
	r.metrics.RecordCommMessage(ctx, r.ch.Name, m.Kind.String(), "out")
}

// Call sends a back-end initiated request and waits for its reply. A reply
// error is returned as *RPCError.
func (r *Relay[E]) Call(ctx context.Context, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "request payload does not encode", err)
	}
	id := uuid.NewString()
	wait := make(chan Msg, 1)

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, ErrCommClosed
	}
	r.pending[id] = wait
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	if err := r.ch.emit(Request(id, raw)); err != nil {
		return nil, err
	}
	r.metrics.RecordCommMessage(ctx, r.ch.Name, KindRequest.String(), "out")

	select {
	case m, ok := <-wait:
		if !ok {
			return nil, ErrCommClosed
		}
		if m.Error != nil {
			return nil, m.Error
		}
		return m.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Relay[E]) shutdown() {
	r.mu.Lock()
	r.stopped = true
	for id, wait := range r.pending {
		close(wait)
		delete(r.pending, id)
	}
	r.mu.Unlock()
	r.ch.terminate()
	close(r.done)
	r.logger.Debug("comm.relay.stop")
}

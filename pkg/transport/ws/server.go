// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

// Package ws serves a kernel to front ends over WebSocket.
//
// Every connection receives the kernel's broadcast stream and may send
// requests. Replies to a request carry the request header as parent.
// A malformed request is answered with an error message; the connection
// stays open.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/jllopis/kernos/pkg/comm"
	"github.com/jllopis/kernos/pkg/errors"
	"github.com/jllopis/kernos/pkg/kernel"
	"github.com/jllopis/kernos/pkg/telemetry"
)

// Kernel is what the server needs from a kernel.
type Kernel interface {
	Info() kernel.Info
	Submit(code string, opts kernel.ExecuteOptions) (string, error)
	ReplyInput(line string) error
	Interrupt() error
	Shutdown(restart bool) error
	Deliver(ctx context.Context, msgType string, w comm.Wire) error
	Subscribe() (<-chan kernel.Message, func())
}

// Server is an http.Handler upgrading requests to kernel connections.
type Server struct {
	kernel   Kernel
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *telemetry.KernelMetrics
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.KernelMetrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithCheckOrigin overrides the origin check of the upgrade.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// NewServer returns a server for k.
func NewServer(k Kernel, opts ...Option) *Server {
	s := &Server{
		kernel: k,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wait blocks until every connection has ended.
func (s *Server) Wait() {
	s.wg.Wait()
}

// ServeHTTP upgrades the request and serves the connection until either
// side closes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws.upgrade", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	c := &connection{
		server:  s,
		conn:    conn,
		session: s.kernel.Info().Session,
		direct:  make(chan Envelope, 16),
		done:    make(chan struct{}),
		written: make(chan struct{}),
		logger:  s.logger.With("remote", r.RemoteAddr),
	}
	c.serve(context.WithoutCancel(r.Context()))
}

type connection struct {
	server  *Server
	conn    *websocket.Conn
	session string
	direct  chan Envelope
	done    chan struct{}
	written chan struct{}
	logger  *slog.Logger
}

func (c *connection) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.logger.Info("ws.connection.open")

	broadcast, unsubscribe := c.server.kernel.Subscribe()
	go func() {
		defer close(c.written)
		c.write(broadcast)
	}()

	c.read(ctx)
	close(c.done)
	unsubscribe()
	<-c.written
	_ = c.conn.Close()
	c.logger.Info("ws.connection.closed")
}

// write is the only goroutine writing to the socket.
func (c *connection) write(broadcast <-chan kernel.Message) {
	for {
		var env Envelope
		select {
		case m, ok := <-broadcast:
			if !ok {
				c.closeSocket()
				return
			}
			var parent *Header
			if m.Parent != "" {
				parent = &Header{MsgID: m.Parent}
			}
			var err error
			env, err = newEnvelope(m.Type, c.session, parent, m.Content)
			if err != nil {
				c.logger.Error("ws.encode", "msg_type", m.Type, "error", err)
				continue
			}
			env.Header.MsgID = m.ID
		case env = <-c.direct:
		case <-c.done:
			return
		}
		if err := c.conn.WriteJSON(env); err != nil {
			c.logger.Debug("ws.write", "error", err)
			c.closeSocket()
			return
		}
	}
}

// closeSocket ends the read loop from the writer side.
func (c *connection) closeSocket() {
	_ = c.conn.Close()
}

func (c *connection) read(ctx context.Context) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("ws.read", "error", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Header.MsgType == "" {
			if err == nil {
				err = errors.New(errors.CodeMalformedPayload, "header.msg_type is required", nil)
			}
			c.logger.Warn("ws.envelope.malformed", "error", err)
			c.server.metrics.RecordProtocolViolation(ctx, "")
			c.fail(ctx, nil, errors.New(errors.CodeMalformedPayload, "malformed envelope", err))
			continue
		}
		if err := c.handle(ctx, env); err != nil {
			c.logger.Warn("ws.request.failed", "msg_type", env.Header.MsgType, "error", err)
			c.fail(ctx, &env.Header, err)
		}
	}
}

func (c *connection) handle(ctx context.Context, env Envelope) error {
	k := c.server.kernel
	switch env.Header.MsgType {
	case MsgExecuteRequest:
		var req ExecuteRequest
		if err := comm.DecodeStrict(env.Content, &req); err != nil {
			return err
		}
		_, err := k.Submit(req.Code, kernel.ExecuteOptions{
			ID:         env.Header.MsgID,
			AllowStdin: req.AllowStdin,
			Silent:     req.Silent,
		})
		return err
	case MsgInputReply:
		var rep InputReply
		if err := comm.DecodeStrict(env.Content, &rep); err != nil {
			return err
		}
		return k.ReplyInput(rep.Value)
	case MsgInterruptRequest:
		if err := k.Interrupt(); err != nil {
			return err
		}
		return c.reply(ctx, &env.Header, MsgInterruptReply, ReplyStatus{Status: "ok"})
	case MsgShutdownRequest:
		var req ShutdownRequest
		if len(env.Content) > 0 {
			if err := comm.DecodeStrict(env.Content, &req); err != nil {
				return err
			}
		}
		return k.Shutdown(req.Restart)
	case MsgKernelInfoRequest:
		return c.reply(ctx, &env.Header, MsgKernelInfoReply, k.Info())
	case comm.MsgTypeOpen, comm.MsgTypeMsg, comm.MsgTypeClose:
		var w comm.Wire
		if err := comm.DecodeStrict(env.Content, &w); err != nil {
			return err
		}
		return k.Deliver(ctx, env.Header.MsgType, w)
	default:
		return errors.Newf(errors.CodeUnhandled, "unknown message type %q", env.Header.MsgType)
	}
}

func (c *connection) reply(ctx context.Context, parent *Header, msgType string, content any) error {
	env, err := newEnvelope(msgType, c.session, parent, content)
	if err != nil {
		return errors.New(errors.CodeInternal, "reply does not encode", err)
	}
	select {
	case c.direct <- env:
		return nil
	case <-c.written:
		return errors.New(errors.CodeTransport, "connection closed", nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connection) fail(ctx context.Context, parent *Header, err error) {
	ke := errors.AsKernelError(err)
	content := ErrorContent{Code: string(ke.Code), Message: ke.Error()}
	if rerr := c.reply(ctx, parent, MsgError, content); rerr != nil {
		c.logger.Debug("ws.error_reply", "error", rerr)
	}
}

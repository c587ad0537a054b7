// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package comm

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/jllopis/kernos/pkg/errors"
	"github.com/jllopis/kernos/pkg/telemetry"
)

// Session is a running comm. *Relay[E] implements it.
type Session interface {
	Channel() *Channel
	Run(ctx context.Context) error
}

// Target builds the back-end side of a comm the front end opened. data is
// the comm_open payload.
type Target func(ctx context.Context, id string, data json.RawMessage) (Session, error)

// Sink receives every message bound for the front end. It is called from
// several goroutines and must be safe for concurrent use.
type Sink func(msgType string, w Wire)

// ErrUnknownTarget is returned when the front end opens a comm whose target
// is not registered.
var ErrUnknownTarget = errors.New(errors.CodeNotFound, "unknown comm target", nil)

type managed struct {
	session Session
	in      Sender
	cancel  context.CancelFunc
	// announce makes the exit send comm_close to the front end.
	announce bool
}

// Manager keeps the open comms and routes traffic between them and the
// transport.
type Manager struct {
	sink    Sink
	logger  *slog.Logger
	metrics *telemetry.KernelMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	comms map[string]*managed
	// opening holds ids whose session is being built, so a second open of
	// the same id is rejected before either one runs.
	opening map[string]struct{}
	targets map[string]Target
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithManagerMetrics sets the metrics sink.
func WithManagerMetrics(km *telemetry.KernelMetrics) ManagerOption {
	return func(m *Manager) { m.metrics = km }
}

// NewManager returns a manager that sends front-end traffic to sink.
func NewManager(sink Sink, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sink:    sink,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
		comms:   make(map[string]*managed),
		opening: make(map[string]struct{}),
		targets: make(map[string]Target),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterTarget makes comms named name openable from the front end.
func (m *Manager) RegisterTarget(name string, t Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[name] = t
}

// IDs returns the ids of the open comms, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.comms))
	for id := range m.comms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Info describes an open comm.
type Info struct {
	ID        string `json:"comm_id"`
	Name      string `json:"target_name"`
	Initiator string `json:"initiator"`
}

// List returns the open comms, optionally only those named name.
func (m *Manager) List(name string) []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.comms))
	for _, c := range m.comms {
		ch := c.session.Channel()
		if name != "" && ch.Name != name {
			continue
		}
		out = append(out, Info{ID: ch.ID, Name: ch.Name, Initiator: ch.Initiator.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Deliver routes one front-end comm message. Errors concern only the
// addressed comm; they are logged and returned for the transport to
// report.
func (m *Manager) Deliver(ctx context.Context, msgType string, w Wire) error {
	if msgType == MsgTypeOpen {
		return m.open(ctx, w)
	}

	m.mu.Lock()
	c, ok := m.comms[w.CommID]
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("comm.manager.unknown_comm", "comm_id", w.CommID, "msg_type", msgType)
		m.metrics.RecordProtocolViolation(ctx, "")
		return ErrUnknownComm
	}

	msg, err := Decode(msgType, w)
	if err != nil {
		m.logger.Warn("comm.manager.decode", "comm_id", w.CommID, "error", err)
		m.metrics.RecordProtocolViolation(ctx, c.session.Channel().Name)
		return err
	}
	return c.in.Send(msg)
}

func (m *Manager) open(ctx context.Context, w Wire) error {
	m.mu.Lock()
	target, ok := m.targets[w.TargetName]
	dup := m.taken(w.CommID)
	if ok && !dup && w.CommID != "" {
		m.opening[w.CommID] = struct{}{}
	}
	m.mu.Unlock()

	if !ok || dup || w.CommID == "" {
		var err error
		switch {
		case !ok:
			err = ErrUnknownTarget
		case dup:
			err = errors.New(errors.CodeProtocolViolation, "comm id already open", nil)
		default:
			err = errors.New(errors.CodeInvalidInput, "comm id is empty", nil)
		}
		m.logger.Warn("comm.manager.open_rejected", "comm_id", w.CommID, "target", w.TargetName, "error", err)
		// The front end already considers the comm open; tell it otherwise.
		if w.CommID != "" && !dup {
			m.sink(MsgTypeClose, Wire{CommID: w.CommID})
		}
		return err
	}

	session, err := target(ctx, w.CommID, w.Data)
	if err != nil {
		m.unreserve(w.CommID)
		m.logger.Error("comm.manager.target_failed", "comm_id", w.CommID, "target", w.TargetName, "error", err)
		m.sink(MsgTypeClose, Wire{CommID: w.CommID})
		return err
	}
	m.run(session, false)
	return nil
}

// Start announces a back-end initiated session to the front end and runs
// it. data is sent as the comm_open payload.
func (m *Manager) Start(session Session, data json.RawMessage) error {
	ch := session.Channel()
	m.mu.Lock()
	dup := m.taken(ch.ID)
	if !dup {
		m.opening[ch.ID] = struct{}{}
	}
	m.mu.Unlock()
	if dup {
		return errors.New(errors.CodeProtocolViolation, "comm id already open", nil).WithContext("comm_id", ch.ID)
	}
	m.sink(MsgTypeOpen, Wire{CommID: ch.ID, TargetName: ch.Name, Data: data})
	m.run(session, ch.Initiator == BackEnd)
	return nil
}

// Close ends the comm id from the back end and tells the front end.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	c, ok := m.comms[id]
	if ok {
		c.announce = true
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownComm
	}
	c.cancel()
	return nil
}

// taken reports whether id is open or being opened. m.mu must be held.
func (m *Manager) taken(id string) bool {
	if _, ok := m.comms[id]; ok {
		return true
	}
	_, ok := m.opening[id]
	return ok
}

func (m *Manager) unreserve(id string) {
	m.mu.Lock()
	delete(m.opening, id)
	m.mu.Unlock()
}

// run starts a session whose id was reserved in m.opening.
func (m *Manager) run(session Session, announce bool) {
	ch := session.Channel()
	ctx, cancel := context.WithCancel(m.ctx)
	c := &managed{session: session, in: ch.inbound(), cancel: cancel, announce: announce}

	m.mu.Lock()
	delete(m.opening, ch.ID)
	m.comms[ch.ID] = c
	m.mu.Unlock()
	m.logger.Info("comm.manager.open", "comm_id", ch.ID, "target", ch.Name, "initiator", ch.Initiator.String())

	pumped := make(chan struct{})
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		defer close(pumped)
		for msg := range ch.Outgoing() {
			msgType, w, err := Encode(ch.ID, msg)
			if err != nil {
				m.logger.Error("comm.manager.encode", "comm_id", ch.ID, "error", err)
				continue
			}
			m.sink(msgType, w)
		}
	}()
	go func() {
		defer m.wg.Done()
		defer cancel()
		err := session.Run(ctx)
		if err != nil && ctx.Err() == nil {
			m.logger.Warn("comm.manager.session_error", "comm_id", ch.ID, "error", err)
		}

		m.mu.Lock()
		delete(m.comms, ch.ID)
		announce := c.announce
		m.mu.Unlock()

		<-pumped
		if announce && !ch.ClosedByFrontEnd() {
			m.sink(MsgTypeClose, Wire{CommID: ch.ID})
		}
		m.logger.Info("comm.manager.closed", "comm_id", ch.ID, "target", ch.Name)
	}()
}

// Shutdown stops every session and waits for them.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

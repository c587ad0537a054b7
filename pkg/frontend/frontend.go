// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

// Package frontend implements the front-end comm: a comm whose lifetime
// matches the front end's and which carries kernel-wide events that are
// not tied to any single request.
package frontend

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jllopis/kernos/pkg/comm"
)

// TargetName is the comm name front ends open.
const TargetName = "kernos.frontend"

// Event names.
const (
	EventBusy        = "busy"
	EventPromptState = "prompt_state"
	EventShutdown    = "shutdown"
)

// Event is a kernel-wide notification.
type Event struct {
	Name string `json:"name"`
	Data any    `json:"data,omitempty"`
}

// Busy reports whether the interpreter is evaluating.
func Busy(busy bool) Event {
	return Event{Name: EventBusy, Data: map[string]bool{"busy": busy}}
}

// PromptState carries the prompts the interpreter currently shows.
func PromptState(input, continuation string) Event {
	return Event{Name: EventPromptState, Data: map[string]string{
		"input_prompt":        input,
		"continuation_prompt": continuation,
	}}
}

// Shutdown tells the front end the kernel is going away.
func Shutdown(restart bool) Event {
	return Event{Name: EventShutdown, Data: map[string]bool{"restart": restart}}
}

// envelope wraps events so the front end can tell them from other data.
type envelope struct {
	Kind  string `json:"kind"`
	Event Event  `json:"event"`
}

func encode(ev Event) (json.RawMessage, error) {
	return json.Marshal(envelope{Kind: "event", Event: ev})
}

// ignore accepts and drops data from the front end.
type ignore struct {
	logger *slog.Logger
}

func (i ignore) HandleData(_ context.Context, payload json.RawMessage) error {
	i.logger.Debug("frontend.data.ignored", "size", len(payload))
	return nil
}

func (ignore) HandleRequest(context.Context, json.RawMessage) (json.RawMessage, error) {
	return nil, comm.ErrUnhandled
}

// New returns the session for a front-end comm and the sender the
// transport feeds. Events received on events are relayed until the channel
// is closed by either side.
func New(id string, events <-chan Event, logger *slog.Logger, opts ...comm.RelayOption) (*comm.Relay[Event], comm.Sender) {
	if logger == nil {
		logger = slog.Default()
	}
	ch, incoming, _ := comm.Open(comm.FrontEnd, id, TargetName, ignore{logger: logger})
	relay := comm.NewRelay(ch, events, encode, append([]comm.RelayOption{comm.WithRelayLogger(logger)}, opts...)...)
	return relay, incoming
}

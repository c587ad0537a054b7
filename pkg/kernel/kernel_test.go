// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jllopis/kernos/pkg/comm"
	"github.com/jllopis/kernos/pkg/frontend"
	"github.com/jllopis/kernos/pkg/history"
	"github.com/jllopis/kernos/pkg/interp/interptest"
	"github.com/jllopis/kernos/pkg/variables"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	k    *Kernel
	in   *interptest.Scripted
	errc chan error
}

func start(t *testing.T, in *interptest.Scripted, opts ...Option) *harness {
	t.Helper()
	if in == nil {
		in = interptest.NewScripted()
	}
	k := New(in, append([]Option{WithPollInterval(5 * time.Millisecond), WithSession("s1")}, opts...)...)
	h := &harness{k: k, in: in, errc: make(chan error, 1)}
	go func() { h.errc <- k.Run(context.Background()) }()
	select {
	case <-k.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("kernel not ready")
	}
	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	require.NoError(t, h.k.Shutdown(false))
	select {
	case err := <-h.errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("kernel did not stop")
	}
}

func (h *harness) exec(t *testing.T, code string, opts ExecuteOptions) ExecuteResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.k.Execute(ctx, code, opts)
	require.NoError(t, err)
	return res
}

// next reads messages until one satisfies match.
func next(t *testing.T, msgs <-chan Message, match func(Message) bool) Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m, ok := <-msgs:
			require.True(t, ok, "broadcast closed")
			if match(m) {
				return m
			}
		case <-timeout:
			t.Fatal("message not broadcast")
			return Message{}
		}
	}
}

func ofType(msgType string) func(Message) bool {
	return func(m Message) bool { return m.Type == msgType }
}

func TestExecuteCountsAndCollectsOutput(t *testing.T) {
	h := start(t, nil)
	defer h.stop(t)

	res := h.exec(t, "print hi", ExecuteOptions{})
	require.Equal(t, history.StatusOK, res.Status)
	require.Equal(t, 1, res.ExecutionCount)
	require.Equal(t, "hi\n", res.Stdout)
	require.NotEmpty(t, res.ID)

	res = h.exec(t, "warn careful", ExecuteOptions{ID: "req-2"})
	require.Equal(t, history.StatusError, res.Status)
	require.Equal(t, "req-2", res.ID)
	require.Equal(t, 2, res.ExecutionCount)
	require.Equal(t, "careful\n", res.Stderr)

	res = h.exec(t, "print quiet", ExecuteOptions{Silent: true})
	require.Equal(t, 2, res.ExecutionCount)
	res = h.exec(t, "print loud", ExecuteOptions{})
	require.Equal(t, 3, res.ExecutionCount)
}

func TestBroadcastSequence(t *testing.T) {
	h := start(t, nil)
	defer h.stop(t)
	msgs, unsubscribe := h.k.Subscribe()
	defer unsubscribe()

	id, err := h.k.Submit("print hi", ExecuteOptions{ID: "r1"})
	require.NoError(t, err)
	require.Equal(t, "r1", id)

	var got []string
	for {
		m := next(t, msgs, func(m Message) bool { return m.Parent == "r1" })
		got = append(got, m.Type)
		switch c := m.Content.(type) {
		case Status:
			got[len(got)-1] += ":" + c.ExecutionState
		case Stream:
			require.Equal(t, Stream{Name: "stdout", Text: "hi\n"}, c)
		case ExecuteInput:
			require.Equal(t, ExecuteInput{Code: "print hi", ExecutionCount: 1}, c)
		case ExecuteReply:
			require.Equal(t, ExecuteReply{Status: history.StatusOK, ExecutionCount: 1}, c)
		}
		if got[len(got)-1] == MsgStatus+":"+StateIdle {
			break
		}
	}
	require.Equal(t, []string{
		"status:busy", MsgExecuteInput, MsgStream, MsgExecuteReply, "status:idle",
	}, got)
}

func TestInputRequest(t *testing.T) {
	h := start(t, nil)
	defer h.stop(t)

	// Without stdin the read gets an empty line.
	res := h.exec(t, "readline Name?", ExecuteOptions{})
	require.Equal(t, "got \n", res.Stdout)

	msgs, unsubscribe := h.k.Subscribe()
	defer unsubscribe()
	_, err := h.k.Submit("readline Name?", ExecuteOptions{ID: "ask", AllowStdin: true})
	require.NoError(t, err)

	m := next(t, msgs, ofType(MsgInputRequest))
	require.Equal(t, "ask", m.Parent)
	require.Equal(t, InputRequest{Prompt: "Name?"}, m.Content)
	require.NoError(t, h.k.ReplyInput("ada"))

	m = next(t, msgs, ofType(MsgStream))
	require.Equal(t, Stream{Name: "stdout", Text: "got ada\n"}, m.Content)
	m = next(t, msgs, ofType(MsgExecuteReply))
	require.Equal(t, history.StatusOK, m.Content.(ExecuteReply).Status)

	require.Error(t, h.k.ReplyInput("late"))
}

func TestIncompleteAndInterrupt(t *testing.T) {
	h := start(t, nil)
	defer h.stop(t)

	res := h.exec(t, "print a \\", ExecuteOptions{})
	require.Equal(t, history.StatusIncomplete, res.Status)

	msgs, unsubscribe := h.k.Subscribe()
	defer unsubscribe()
	_, err := h.k.Submit("sleep 10000", ExecuteOptions{ID: "slow"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ev := h.in.Evaluated()
		return len(ev) > 0 && ev[len(ev)-1] == "sleep 10000"
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, h.k.Interrupt())

	m := next(t, msgs, ofType(MsgExecuteReply))
	require.Equal(t, "slow", m.Parent)
	require.Equal(t, history.StatusError, m.Content.(ExecuteReply).Status)
}

func TestHistoryRecording(t *testing.T) {
	store := history.NewMemoryStore()
	h := start(t, nil, WithHistory(store))
	h.exec(t, "print one", ExecuteOptions{})
	h.exec(t, "warn two", ExecuteOptions{})
	h.exec(t, "print hidden", ExecuteOptions{Silent: true})
	h.exec(t, "print part \\", ExecuteOptions{})
	h.stop(t)

	entries, err := store.List(context.Background(), history.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	codes := []string{entries[0].Code, entries[1].Code}
	require.ElementsMatch(t, []string{"print one", "warn two"}, codes)
	for _, e := range entries {
		require.Equal(t, "s1", e.Session)
		if e.Code == "warn two" {
			require.Equal(t, history.StatusError, e.Status)
			require.Equal(t, "two\n", e.Stderr)
		}
	}
}

func TestShutdown(t *testing.T) {
	h := start(t, nil)
	msgs, unsubscribe := h.k.Subscribe()
	defer unsubscribe()

	h.stop(t)
	m := next(t, msgs, ofType(MsgShutdownReply))
	require.Equal(t, ShutdownReply{Restart: false}, m.Content)

	_, err := h.k.Execute(context.Background(), "print late", ExecuteOptions{})
	require.Error(t, err)
	require.Error(t, h.k.Shutdown(false))
}

func TestQuitAbortsAndEndsRun(t *testing.T) {
	h := start(t, nil)
	res := h.exec(t, "quit", ExecuteOptions{})
	require.Equal(t, history.StatusAborted, res.Status)
	select {
	case err := <-h.errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("kernel did not stop")
	}
}

func TestRegistryPopulatedFromNamespaces(t *testing.T) {
	in := interptest.NewScripted()
	in.AddNamespace(interptest.NewNamespace("shapes").
		Bind("VariableDisplayValue_point", func(any) string { return "a point" }))
	h := start(t, in)
	defer h.stop(t)

	require.Eventually(t, func() bool { return h.k.Registry().Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	in.AddNamespace(interptest.NewNamespace("more").
		Bind("VariableKind_point", func(any) string { return "shape" }))
	h.exec(t, "obj p point", ExecuteOptions{})
	require.Eventually(t, func() bool { return h.k.Registry().Len() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestFrontendComm(t *testing.T) {
	h := start(t, nil)
	msgs, unsubscribe := h.k.Subscribe()
	defer unsubscribe()

	ctx := context.Background()
	require.NoError(t, h.k.Deliver(ctx, comm.MsgTypeOpen, comm.Wire{CommID: "fe", TargetName: frontend.TargetName}))
	require.Eventually(t, func() bool { return len(h.k.Comms().IDs()) == 1 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.k.events.Len() == 1 }, 2*time.Second, time.Millisecond)

	h.exec(t, "print hi", ExecuteOptions{})
	m := next(t, msgs, func(m Message) bool {
		w, ok := m.Content.(comm.Wire)
		return ok && m.Type == comm.MsgTypeMsg && w.CommID == "fe" && strings.Contains(string(w.Data), `"busy":true`)
	})
	require.Empty(t, m.Parent)

	require.NoError(t, h.k.Deliver(ctx, comm.MsgTypeClose, comm.Wire{CommID: "fe"}))
	require.Eventually(t, func() bool { return len(h.k.Comms().IDs()) == 0 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.k.events.Len() == 0 }, 2*time.Second, time.Millisecond)
	h.stop(t)
}

func TestVariablesComm(t *testing.T) {
	in := interptest.NewScripted()
	in.AddNamespace(interptest.NewNamespace("shapes").
		Bind("VariableDisplayValue_point", func(any) string { return "a point" }))
	h := start(t, in)
	defer h.stop(t)
	msgs, unsubscribe := h.k.Subscribe()
	defer unsubscribe()

	h.exec(t, "obj p point", ExecuteOptions{})
	require.Eventually(t, func() bool { return h.k.Registry().Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, h.k.Deliver(ctx, comm.MsgTypeOpen, comm.Wire{CommID: "vars", TargetName: variables.TargetName}))
	require.NoError(t, h.k.Deliver(ctx, comm.MsgTypeMsg, comm.Wire{
		CommID: "vars",
		Data:   json.RawMessage(`{"id":"q1","payload":{"method":"inspect","params":{"name":"p"}}}`),
	}))

	m := next(t, msgs, func(m Message) bool {
		w, ok := m.Content.(comm.Wire)
		return ok && w.CommID == "vars" && strings.Contains(string(w.Data), `"q1"`)
	})
	var reply struct {
		ID     string                `json:"id"`
		Result variables.Description `json:"result"`
	}
	require.NoError(t, json.Unmarshal(m.Content.(comm.Wire).Data, &reply))
	require.Equal(t, "a point", reply.Result.DisplayValue)
	require.Equal(t, "point", reply.Result.DisplayType)

	// Unknown comms are rejected without affecting the kernel.
	require.ErrorIs(t, h.k.Deliver(ctx, comm.MsgTypeMsg, comm.Wire{CommID: "nope"}), comm.ErrUnknownComm)
	res := h.exec(t, "print still fine", ExecuteOptions{})
	require.Equal(t, history.StatusOK, res.Status)
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster[int]()
	a, cancelA := b.Subscribe()
	c, cancelC := b.Subscribe()
	b.Publish(1)
	require.Equal(t, 1, <-a)
	require.Equal(t, 1, <-c)

	cancelA()
	_, open := <-a
	require.False(t, open)
	require.Equal(t, 1, b.Len())

	b.Publish(2)
	b.Close()
	require.Equal(t, 2, <-c)
	_, open = <-c
	require.False(t, open)
	cancelC()

	late, cancelLate := b.Subscribe()
	_, open = <-late
	require.False(t, open)
	cancelLate()
}

func TestInfo(t *testing.T) {
	h := start(t, nil, WithName("test-kernel"))
	defer h.stop(t)
	require.Equal(t, Info{Name: "test-kernel", Session: "s1", Prompt: "> ", ContinuationPrompt: "+ "}, h.k.Info())
}

// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package comm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type sent struct {
	msgType string
	wire    Wire
}

type sinkRecorder struct {
	mu  sync.Mutex
	out []sent
}

func (s *sinkRecorder) sink(msgType string, w Wire) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, sent{msgType, w})
}

func (s *sinkRecorder) all() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.out...)
}

func (s *sinkRecorder) waitFor(t *testing.T, pred func(sent) bool) sent {
	t.Helper()
	var found sent
	require.Eventually(t, func() bool {
		for _, m := range s.all() {
			if pred(m) {
				found = m
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
	return found
}

func helpTarget(ctx context.Context, id string, _ json.RawMessage) (Session, error) {
	ch, _, _ := Open(FrontEnd, id, "help", helpHandlers())
	return NewRelay[string](ch, nil, nil), nil
}

func newTestManager(t *testing.T) (*Manager, *sinkRecorder) {
	t.Helper()
	rec := &sinkRecorder{}
	m := NewManager(rec.sink)
	t.Cleanup(m.Shutdown)
	return m, rec
}

func TestManagerFrontEndComm(t *testing.T) {
	ctx := context.Background()
	m, rec := newTestManager(t)
	m.RegisterTarget("help", helpTarget)

	require.NoError(t, m.Deliver(ctx, MsgTypeOpen, Wire{CommID: "c1", TargetName: "help"}))
	require.Equal(t, []string{"c1"}, m.IDs())
	require.Equal(t, []Info{{ID: "c1", Name: "help", Initiator: "frontend"}}, m.List("help"))
	require.Empty(t, m.List("other"))

	require.NoError(t, m.Deliver(ctx, MsgTypeMsg, Wire{
		CommID: "c1",
		Data:   json.RawMessage(`{"id":"r1","payload":{"topic":"x"}}`),
	}))
	reply := rec.waitFor(t, func(s sent) bool { return s.msgType == MsgTypeMsg && s.wire.CommID == "c1" })
	require.JSONEq(t, `{"id":"r1","result":{"found":true,"topic":"x"}}`, string(reply.wire.Data))

	require.NoError(t, m.Deliver(ctx, MsgTypeClose, Wire{CommID: "c1"}))
	require.Eventually(t, func() bool { return len(m.IDs()) == 0 }, 2*time.Second, time.Millisecond)

	// The front end closed its own comm: no comm_close goes back.
	for _, s := range rec.all() {
		require.NotEqual(t, MsgTypeClose, s.msgType)
	}
	require.ErrorIs(t, m.Deliver(ctx, MsgTypeMsg, Wire{CommID: "c1", Data: json.RawMessage(`1`)}), ErrUnknownComm)
}

func TestManagerRejectsOpen(t *testing.T) {
	ctx := context.Background()
	m, rec := newTestManager(t)
	m.RegisterTarget("help", helpTarget)

	require.ErrorIs(t, m.Deliver(ctx, MsgTypeOpen, Wire{CommID: "c1", TargetName: "nope"}), ErrUnknownTarget)
	closed := rec.waitFor(t, func(s sent) bool { return s.msgType == MsgTypeClose })
	require.Equal(t, "c1", closed.wire.CommID)
	require.Empty(t, m.IDs())

	require.Error(t, m.Deliver(ctx, MsgTypeOpen, Wire{TargetName: "help"}))

	require.NoError(t, m.Deliver(ctx, MsgTypeOpen, Wire{CommID: "c2", TargetName: "help"}))
	require.Error(t, m.Deliver(ctx, MsgTypeOpen, Wire{CommID: "c2", TargetName: "help"}))
	require.Equal(t, []string{"c2"}, m.IDs())
}

func TestManagerConcurrentOpenSameID(t *testing.T) {
	ctx := context.Background()
	m, rec := newTestManager(t)

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	m.RegisterTarget("help", func(ctx context.Context, id string, data json.RawMessage) (Session, error) {
		entered <- struct{}{}
		<-release
		return helpTarget(ctx, id, data)
	})

	first := make(chan error, 1)
	go func() { first <- m.Deliver(ctx, MsgTypeOpen, Wire{CommID: "c1", TargetName: "help"}) }()
	<-entered

	// The first session is still being built; the id is already taken.
	require.Error(t, m.Deliver(ctx, MsgTypeOpen, Wire{CommID: "c1", TargetName: "help"}))
	close(release)
	require.NoError(t, <-first)
	require.Len(t, entered, 0, "target built twice for one id")
	require.Equal(t, []string{"c1"}, m.IDs())
	for _, s := range rec.all() {
		require.NotEqual(t, MsgTypeClose, s.msgType)
	}
}

func TestManagerFailedTargetReleasesID(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	fail := true
	m.RegisterTarget("help", func(ctx context.Context, id string, data json.RawMessage) (Session, error) {
		if fail {
			return nil, errors.New("no session")
		}
		return helpTarget(ctx, id, data)
	})

	require.Error(t, m.Deliver(ctx, MsgTypeOpen, Wire{CommID: "c1", TargetName: "help"}))
	fail = false
	require.NoError(t, m.Deliver(ctx, MsgTypeOpen, Wire{CommID: "c1", TargetName: "help"}))
	require.Equal(t, []string{"c1"}, m.IDs())
}

func TestManagerMalformedDataStaysLocal(t *testing.T) {
	ctx := context.Background()
	m, rec := newTestManager(t)
	m.RegisterTarget("help", helpTarget)
	require.NoError(t, m.Deliver(ctx, MsgTypeOpen, Wire{CommID: "c1", TargetName: "help"}))
	require.NoError(t, m.Deliver(ctx, MsgTypeOpen, Wire{CommID: "c2", TargetName: "help"}))

	require.ErrorIs(t, m.Deliver(ctx, MsgTypeMsg, Wire{CommID: "c1", Data: json.RawMessage(`{oops`)}), ErrMalformedPayload)

	require.NoError(t, m.Deliver(ctx, MsgTypeMsg, Wire{
		CommID: "c2",
		Data:   json.RawMessage(`{"id":"r2","payload":{"topic":"y"}}`),
	}))
	rec.waitFor(t, func(s sent) bool { return s.wire.CommID == "c2" && s.msgType == MsgTypeMsg })
	require.Equal(t, []string{"c1", "c2"}, m.IDs())
}

func TestManagerBackEndComm(t *testing.T) {
	m, rec := newTestManager(t)
	events := make(chan string, 1)
	ch, _, _ := Open(BackEnd, "b1", "kernos.frontend", nil)
	require.NoError(t, m.Start(NewRelay[string](ch, events, nil), json.RawMessage(`{"v":1}`)))

	opened := rec.waitFor(t, func(s sent) bool { return s.msgType == MsgTypeOpen })
	require.Equal(t, "b1", opened.wire.CommID)
	require.Equal(t, "kernos.frontend", opened.wire.TargetName)

	events <- "idle"
	data := rec.waitFor(t, func(s sent) bool { return s.msgType == MsgTypeMsg })
	require.JSONEq(t, `"idle"`, string(data.wire.Data))

	require.Error(t, m.Start(NewRelay[string](ch, nil, nil), nil))

	require.NoError(t, m.Close("b1"))
	closed := rec.waitFor(t, func(s sent) bool { return s.msgType == MsgTypeClose })
	require.Equal(t, "b1", closed.wire.CommID)
	require.Eventually(t, func() bool { return len(m.IDs()) == 0 }, 2*time.Second, time.Millisecond)
	require.ErrorIs(t, m.Close("b1"), ErrUnknownComm)
}

func TestManagerBackEndCommClosedByFrontEnd(t *testing.T) {
	ctx := context.Background()
	m, rec := newTestManager(t)
	ch, _, _ := Open(BackEnd, "b1", "ui", nil)
	require.NoError(t, m.Start(NewRelay[string](ch, nil, nil), nil))

	require.NoError(t, m.Deliver(ctx, MsgTypeClose, Wire{CommID: "b1"}))
	require.Eventually(t, func() bool { return len(m.IDs()) == 0 }, 2*time.Second, time.Millisecond)
	for _, s := range rec.all() {
		require.NotEqual(t, MsgTypeClose, s.msgType)
	}
}

func TestManagerShutdownAnnouncesBackEndComms(t *testing.T) {
	rec := &sinkRecorder{}
	m := NewManager(rec.sink)
	ch, _, _ := Open(BackEnd, "b1", "ui", nil)
	require.NoError(t, m.Start(NewRelay[string](ch, nil, nil), nil))
	m.Shutdown()

	all := rec.all()
	require.Len(t, all, 2)
	require.Equal(t, MsgTypeOpen, all[0].msgType)
	require.Equal(t, MsgTypeClose, all[1].msgType)
}

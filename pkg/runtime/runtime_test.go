// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jllopis/kernos/pkg/config"
	"github.com/jllopis/kernos/pkg/interp/goeval"
	"github.com/jllopis/kernos/pkg/interp/interptest"
	"github.com/jllopis/kernos/pkg/kernel"
	"github.com/jllopis/kernos/pkg/transport/heartbeat"
	"github.com/jllopis/kernos/pkg/transport/ws"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() *config.Config {
	return &config.Config{
		Interpreter: config.InterpreterConfig{Engine: "goeval", PollIntervalMs: 5},
		Kernel:      config.KernelConfig{Name: "kernos-test", Session: "rt"},
		History:     config.HistoryConfig{Driver: "memory", RetentionHours: 1, SweepIntervalSeconds: 60},
		Transport: config.TransportConfig{
			WebSocketAddr: "127.0.0.1:0",
			WebSocketPath: "/kernel",
			HeartbeatAddr: "127.0.0.1:0",
		},
	}
}

func TestNewInterpreter(t *testing.T) {
	in, err := NewInterpreter(config.InterpreterConfig{Engine: "goeval", Prompt: ">>> "})
	require.NoError(t, err)
	require.IsType(t, &goeval.Interpreter{}, in)
	require.Equal(t, ">>> ", in.DefaultPrompt())

	_, err = NewInterpreter(config.InterpreterConfig{Engine: "lisp"})
	require.ErrorContains(t, err, "lisp")
}

func TestOpenHistory(t *testing.T) {
	store, closeFn, err := OpenHistory(config.HistoryConfig{Driver: "memory"})
	require.NoError(t, err)
	require.NotNil(t, store)
	require.NoError(t, closeFn())

	store, closeFn, err = OpenHistory(config.HistoryConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	require.NotNil(t, store)
	require.NoError(t, closeFn())

	store, _, err = OpenHistory(config.HistoryConfig{Driver: "none"})
	require.NoError(t, err)
	require.Nil(t, store)

	_, _, err = OpenHistory(config.HistoryConfig{Driver: "redis"})
	require.Error(t, err)
}

func TestRunServesUntilShutdown(t *testing.T) {
	rt, err := New(testConfig(), interptest.NewScripted())
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- rt.Run(context.Background()) }()
	select {
	case <-rt.Kernel().Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("kernel not ready")
	}

	// Heartbeat reports the kernel as serving.
	conn, err := grpc.NewClient(rt.HeartbeatAddr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	health := healthpb.NewHealthClient(conn)
	require.Eventually(t, func() bool {
		resp, err := health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: heartbeat.ServiceName})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())

	// Code submitted over the socket runs on the kernel.
	socket, _, err := websocket.DefaultDialer.Dial("ws://"+rt.WebSocketAddr().String()+"/kernel", nil)
	require.NoError(t, err)
	defer socket.Close()
	raw, err := json.Marshal(ws.ExecuteRequest{Code: "print hi"})
	require.NoError(t, err)
	require.NoError(t, socket.WriteJSON(ws.Envelope{
		Header:  ws.Header{MsgID: "m1", MsgType: ws.MsgExecuteRequest, Date: time.Now()},
		Content: raw,
	}))
	require.NoError(t, socket.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env ws.Envelope
		require.NoError(t, socket.ReadJSON(&env))
		if env.Header.MsgType == kernel.MsgExecuteReply {
			require.JSONEq(t, `{"status":"ok","execution_count":1}`, string(env.Content))
			break
		}
	}

	require.NoError(t, rt.Kernel().Shutdown(false))
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestNewFailsOnBusyAddress(t *testing.T) {
	first, err := New(testConfig(), interptest.NewScripted())
	require.NoError(t, err)
	defer first.Close()

	cfg := testConfig()
	cfg.Transport.WebSocketAddr = first.WebSocketAddr().String()
	_, err = New(cfg, interptest.NewScripted())
	require.ErrorContains(t, err, "listen websocket")
}

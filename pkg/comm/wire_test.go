// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package comm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jllopis/kernos/pkg/errors"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name     string
		msg      Msg
		wantType string
		wantData string
	}{
		{"data", Data(json.RawMessage(`{"x":1}`)), MsgTypeMsg, `{"x":1}`},
		{"request", Request("r1", json.RawMessage(`{"topic":"x"}`)), MsgTypeMsg, `{"id":"r1","payload":{"topic":"x"}}`},
		{"request without payload", Request("r2", nil), MsgTypeMsg, `{"id":"r2","payload":null}`},
		{"reply", Reply("r1", json.RawMessage(`[1,2]`)), MsgTypeMsg, `{"id":"r1","result":[1,2]}`},
		{"empty reply", Reply("r1", nil), MsgTypeMsg, `{"id":"r1","result":null}`},
		{"reply error", ReplyError("r1", &RPCError{Code: -32601, Message: "unhandled"}), MsgTypeMsg,
			`{"id":"r1","error":{"code":-32601,"message":"unhandled"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgType, w, err := Encode("c1", tt.msg)
			require.NoError(t, err)
			require.Equal(t, tt.wantType, msgType)
			require.Equal(t, "c1", w.CommID)
			require.JSONEq(t, tt.wantData, string(w.Data))
		})
	}

	msgType, w, err := Encode("c1", Close())
	require.NoError(t, err)
	require.Equal(t, MsgTypeClose, msgType)
	require.Empty(t, w.Data)

	_, _, err = Encode("c1", Msg{Kind: Kind(42)})
	require.True(t, errors.HasCode(err, errors.CodeInvalidInput))
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		msgType string
		data    string
		want    Msg
	}{
		{"close", MsgTypeClose, ``, Close()},
		{"plain data", MsgTypeMsg, `{"x":1}`, Data(json.RawMessage(`{"x":1}`))},
		{"scalar data", MsgTypeMsg, `"hi"`, Data(json.RawMessage(`"hi"`))},
		{"numeric id is data", MsgTypeMsg, `{"id":3,"payload":1}`, Data(json.RawMessage(`{"id":3,"payload":1}`))},
		{"id without rpc fields is data", MsgTypeMsg, `{"id":"a"}`, Data(json.RawMessage(`{"id":"a"}`))},
		{"request", MsgTypeMsg, `{"id":"r1","payload":{"topic":"x"}}`, Request("r1", json.RawMessage(`{"topic":"x"}`))},
		{"reply", MsgTypeMsg, `{"id":"r1","result":true}`, Reply("r1", json.RawMessage(`true`))},
		{"reply with null error", MsgTypeMsg, `{"id":"r1","result":1,"error":null}`, Reply("r1", json.RawMessage(`1`))},
		{"reply error", MsgTypeMsg, `{"id":"r1","error":{"code":-1,"message":"no"}}`,
			ReplyError("r1", &RPCError{Code: -1, Message: "no"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.msgType, Wire{CommID: "c1", Data: json.RawMessage(tt.data)})
			require.NoError(t, err)
			require.Equal(t, tt.want.Kind, got.Kind)
			require.Equal(t, tt.want.ID, got.ID)
			require.Equal(t, tt.want.Error, got.Error)
			if tt.want.Payload != nil {
				require.JSONEq(t, string(tt.want.Payload), string(got.Payload))
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(MsgTypeMsg, Wire{CommID: "c1", Data: json.RawMessage(`{broken`)})
	require.ErrorIs(t, err, ErrMalformedPayload)

	_, err = Decode(MsgTypeMsg, Wire{CommID: "c1", Data: json.RawMessage(`{"id":"r1","error":"nope"}`)})
	require.True(t, errors.HasCode(err, errors.CodeMalformedPayload))

	_, err = Decode("execute_request", Wire{CommID: "c1"})
	require.True(t, errors.HasCode(err, errors.CodeProtocolViolation))
}

func TestEncodeDecodeKeepsCorrelation(t *testing.T) {
	for _, m := range []Msg{
		Request("abc", json.RawMessage(`{"q":1}`)),
		Reply("abc", json.RawMessage(`"ok"`)),
		ReplyError("abc", &RPCError{Code: -32700, Message: "malformed payload"}),
	} {
		msgType, w, err := Encode("c9", m)
		require.NoError(t, err)
		got, err := Decode(msgType, w)
		require.NoError(t, err)
		require.Equal(t, m.Kind, got.Kind)
		require.Equal(t, "abc", got.ID)
	}
}

func TestNewRPCError(t *testing.T) {
	require.Nil(t, NewRPCError(nil))

	re := &RPCError{Code: 1, Message: "x"}
	require.Same(t, re, NewRPCError(re))

	got := NewRPCError(ErrMalformedPayload)
	require.Equal(t, -32700, got.Code)
	require.Contains(t, got.Message, "malformed payload")

	got = NewRPCError(json.Unmarshal([]byte(`{`), new(any)))
	require.Equal(t, -32603, got.Code)
}

func TestDecodeStrict(t *testing.T) {
	var req helpRequest
	require.NoError(t, DecodeStrict(json.RawMessage(`{"topic":"a"}`), &req))
	require.Equal(t, "a", req.Topic)

	require.ErrorIs(t, DecodeStrict(json.RawMessage(`{"topic":"a","x":1}`), &req), ErrMalformedPayload)
	require.ErrorIs(t, DecodeStrict(json.RawMessage(`{"topic":"a"} {}`), &req), ErrMalformedPayload)
	require.ErrorIs(t, DecodeStrict(nil, &req), ErrMalformedPayload)
}

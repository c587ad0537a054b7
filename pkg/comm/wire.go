// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package comm

import (
	"bytes"
	"encoding/json"

	"github.com/jllopis/kernos/pkg/errors"
)

// Front-end message types carrying comm traffic.
const (
	MsgTypeOpen  = "comm_open"
	MsgTypeMsg   = "comm_msg"
	MsgTypeClose = "comm_close"
)

// Wire is the content of a comm_open, comm_msg or comm_close message.
type Wire struct {
	CommID     string          `json:"comm_id"`
	TargetName string          `json:"target_name,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// rpcEnvelope is the shape of data for RPC traffic. Requests carry
// payload; replies carry result or error.
type rpcEnvelope struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

var jsonNull = json.RawMessage("null")

// Encode renders m for the front end.
func Encode(commID string, m Msg) (string, Wire, error) {
	w := Wire{CommID: commID}
	switch m.Kind {
	case KindClose:
		return MsgTypeClose, w, nil
	case KindData:
		w.Data = m.Payload
		return MsgTypeMsg, w, nil
	case KindRequest:
		env := rpcEnvelope{ID: m.ID, Payload: orNull(m.Payload)}
		data, err := json.Marshal(env)
		if err != nil {
			return "", Wire{}, err
		}
		w.Data = data
		return MsgTypeMsg, w, nil
	case KindReply:
		env := rpcEnvelope{ID: m.ID, Error: m.Error}
		if m.Error == nil {
			env.Result = orNull(m.Payload)
		}
		data, err := json.Marshal(env)
		if err != nil {
			return "", Wire{}, err
		}
		w.Data = data
		return MsgTypeMsg, w, nil
	default:
		return "", Wire{}, errors.Newf(errors.CodeInvalidInput, "cannot encode comm message of kind %d", m.Kind)
	}
}

// Decode turns a front-end comm message into a Msg. A comm_msg whose data
// is an object with a string "id" and a "payload" is a request; with "id"
// and "result" or "error" it is a reply; anything else is data.
func Decode(msgType string, w Wire) (Msg, error) {
	switch msgType {
	case MsgTypeClose:
		return Close(), nil
	case MsgTypeOpen, MsgTypeMsg:
	default:
		return Msg{}, errors.Newf(errors.CodeProtocolViolation, "unexpected comm message type %q", msgType)
	}

	trimmed := bytes.TrimSpace(w.Data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Data(w.Data), nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return Msg{}, malformed(err, "comm data is not valid JSON")
	}
	rawID, hasID := probe["id"]
	var id string
	if !hasID || json.Unmarshal(rawID, &id) != nil {
		return Data(w.Data), nil
	}
	if payload, ok := probe["payload"]; ok {
		return Request(id, payload), nil
	}
	if rawErr, ok := probe["error"]; ok && !bytes.Equal(bytes.TrimSpace(rawErr), jsonNull) {
		var rpcErr RPCError
		if err := json.Unmarshal(rawErr, &rpcErr); err != nil {
			return Msg{}, malformed(err, "reply error does not decode").WithContext("id", id)
		}
		return ReplyError(id, &rpcErr), nil
	}
	if result, ok := probe["result"]; ok {
		return Reply(id, result), nil
	}
	return Data(w.Data), nil
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return jsonNull
	}
	return raw
}

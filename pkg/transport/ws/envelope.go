// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package ws

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Request message types understood by the server.
const (
	MsgExecuteRequest    = "execute_request"
	MsgInputReply        = "input_reply"
	MsgInterruptRequest  = "interrupt_request"
	MsgInterruptReply    = "interrupt_reply"
	MsgShutdownRequest   = "shutdown_request"
	MsgKernelInfoRequest = "kernel_info_request"
	MsgKernelInfoReply   = "kernel_info_reply"
	MsgError             = "error"
)

// Header identifies one message.
type Header struct {
	MsgID   string    `json:"msg_id"`
	MsgType string    `json:"msg_type"`
	Session string    `json:"session,omitempty"`
	Date    time.Time `json:"date"`
}

// Envelope is the unit exchanged over the socket.
type Envelope struct {
	Header       Header          `json:"header"`
	ParentHeader *Header         `json:"parent_header,omitempty"`
	Content      json.RawMessage `json:"content"`
}

func newEnvelope(msgType, session string, parent *Header, content any) (Envelope, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Header:       Header{MsgID: uuid.NewString(), MsgType: msgType, Session: session, Date: time.Now().UTC()},
		ParentHeader: parent,
		Content:      raw,
	}, nil
}

// ExecuteRequest is the content of execute_request.
type ExecuteRequest struct {
	Code       string `json:"code"`
	Silent     bool   `json:"silent,omitempty"`
	AllowStdin bool   `json:"allow_stdin,omitempty"`
}

// InputReply is the content of input_reply.
type InputReply struct {
	Value string `json:"value"`
}

// ShutdownRequest is the content of shutdown_request.
type ShutdownRequest struct {
	Restart bool `json:"restart"`
}

// ReplyStatus is the content of replies that carry only a status.
type ReplyStatus struct {
	Status string `json:"status"`
}

// ErrorContent reports a request the server could not serve.
type ErrorContent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

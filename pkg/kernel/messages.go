// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"github.com/google/uuid"

	"github.com/jllopis/kernos/pkg/history"
)

// Broadcast message types.
const (
	MsgStatus        = "status"
	MsgExecuteInput  = "execute_input"
	MsgStream        = "stream"
	MsgInputRequest  = "input_request"
	MsgExecuteReply  = "execute_reply"
	MsgShutdownReply = "shutdown_reply"
)

// Execution states carried by status messages.
const (
	StateStarting = "starting"
	StateBusy     = "busy"
	StateIdle     = "idle"
)

// Message is one broadcast message. Parent is the originator of the
// execute request the message belongs to, empty for kernel-wide messages.
type Message struct {
	ID      string `json:"msg_id"`
	Type    string `json:"msg_type"`
	Parent  string `json:"parent,omitempty"`
	Content any    `json:"content"`
}

func newMessage(msgType, parent string, content any) Message {
	return Message{ID: uuid.NewString(), Type: msgType, Parent: parent, Content: content}
}

// Status reports the kernel's execution state.
type Status struct {
	ExecutionState string `json:"execution_state"`
}

// ExecuteInput echoes code about to run.
type ExecuteInput struct {
	Code           string `json:"code"`
	ExecutionCount int    `json:"execution_count"`
}

// Stream is console output.
type Stream struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// InputRequest asks the front end for a line of input.
type InputRequest struct {
	Prompt   string `json:"prompt"`
	Password bool   `json:"password"`
}

// ExecuteReply ends an execute request.
type ExecuteReply struct {
	Status         history.Status `json:"status"`
	ExecutionCount int            `json:"execution_count"`
}

// ShutdownReply acknowledges a shutdown request.
type ShutdownReply struct {
	Restart bool `json:"restart"`
}

// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package comm

import (
	"encoding/json"
	"fmt"

	"github.com/jllopis/kernos/pkg/errors"
)

// Initiator records which side opened a comm. Only back-end initiated
// comms announce their own close to the front end.
type Initiator int

const (
	FrontEnd Initiator = iota
	BackEnd
)

func (i Initiator) String() string {
	if i == BackEnd {
		return "backend"
	}
	return "frontend"
}

// Kind discriminates comm messages.
type Kind int

const (
	KindData Kind = iota
	KindRequest
	KindReply
	KindClose
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	case KindClose:
		return "close"
	default:
		return "unknown"
	}
}

// Msg is one message on a comm. ID is set on requests and replies and
// round-trips unchanged. A reply carries either Payload or Error.
type Msg struct {
	Kind    Kind
	ID      string
	Payload json.RawMessage
	Error   *RPCError
}

// Data returns a free-form payload message.
func Data(payload json.RawMessage) Msg { return Msg{Kind: KindData, Payload: payload} }

// Request returns an RPC request correlated by id.
func Request(id string, payload json.RawMessage) Msg {
	return Msg{Kind: KindRequest, ID: id, Payload: payload}
}

// Reply returns a successful RPC reply for request id.
func Reply(id string, result json.RawMessage) Msg {
	return Msg{Kind: KindReply, ID: id, Payload: result}
}

// ReplyError returns a failed RPC reply for request id.
func ReplyError(id string, rpcErr *RPCError) Msg {
	return Msg{Kind: KindReply, ID: id, Error: rpcErr}
}

// Close returns the close signal.
func Close() Msg { return Msg{Kind: KindClose} }

// RPCError is the error half of a reply.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRPCError converts err to its reply form. Kernel errors keep their
// JSON-RPC status code.
func NewRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}
	if re, ok := err.(*RPCError); ok {
		return re
	}
	ke := errors.AsKernelError(err)
	return &RPCError{Code: ke.StatusCode, Message: ke.Error()}
}

var (
	// ErrCommClosed is returned when sending on a terminal comm.
	ErrCommClosed = errors.New(errors.CodeCommClosed, "comm closed", nil)

	// ErrUnhandled is the reply to a request on a comm without a handler.
	ErrUnhandled = errors.New(errors.CodeUnhandled, "unhandled", nil)

	// ErrMalformedPayload is the reply to a request that does not decode.
	ErrMalformedPayload = errors.New(errors.CodeMalformedPayload, "malformed payload", nil)

	// ErrUnknownComm is returned when a message names a comm that is not open.
	ErrUnknownComm = errors.New(errors.CodeProtocolViolation, "unknown comm", nil)
)

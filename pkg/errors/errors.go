// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides typed error handling with rich context for Kernos.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies kernel errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeTransport indicates a peer disconnected or sent an unreadable frame.
	CodeTransport ErrorCode = "TRANSPORT_ERROR"

	// CodeDispatchFailure indicates a registered implementation failed while running.
	CodeDispatchFailure ErrorCode = "DISPATCH_FAILURE"

	// CodeInterpreterFatal indicates the interpreter state is unknown.
	CodeInterpreterFatal ErrorCode = "INTERPRETER_FATAL"

	// CodeProtocolViolation indicates a message arrived that the protocol does not allow,
	// e.g. a reply with no outstanding request.
	CodeProtocolViolation ErrorCode = "PROTOCOL_VIOLATION"

	// CodeUnhandled indicates a request reached a comm with no handler bound.
	CodeUnhandled ErrorCode = "UNHANDLED"

	// CodeMalformedPayload indicates a payload failed to decode against its schema.
	CodeMalformedPayload ErrorCode = "MALFORMED_PAYLOAD"

	// CodeCommClosed indicates the comm is terminal.
	CodeCommClosed ErrorCode = "COMM_CLOSED"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"
)

// KernelError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type KernelError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int // JSON-RPC style code for comm replies
}

// Error implements the error interface.
func (e *KernelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *KernelError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a KernelError with the same code and message.
// Sentinels declared with New therefore match wrapped copies of themselves.
func (e *KernelError) Is(target error) bool {
	t, ok := target.(*KernelError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *KernelError) MarshalJSON() ([]byte, error) {
	var cause string
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return json.Marshal(&struct {
		Message     string                 `json:"message"`
		Code        string                 `json:"code"`
		Err         string                 `json:"error,omitempty"`
		Recoverable bool                   `json:"recoverable"`
		StatusCode  int                    `json:"status_code"`
		Context     map[string]interface{} `json:"context,omitempty"`
		Attributes  map[string]string      `json:"attributes,omitempty"`
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Err:         cause,
		Recoverable: e.Recoverable,
		StatusCode:  e.StatusCode,
		Context:     e.Context,
		Attributes:  e.Attributes,
	})
}

// New creates a new KernelError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *KernelError {
	return &KernelError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		Attributes: make(map[string]string),
		StatusCode: codeToStatusCode(code),
	}
}

// Newf creates a KernelError without a cause and a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *KernelError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *KernelError) WithContext(key string, value interface{}) *KernelError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *KernelError) WithAttribute(key, value string) *KernelError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *KernelError) WithRecoverable(recoverable bool) *KernelError {
	e.Recoverable = recoverable
	return e
}

// AsKernelError attempts to convert an error to a KernelError.
// Returns the first KernelError in the chain, or wraps err as internal.
func AsKernelError(err error) *KernelError {
	if err == nil {
		return nil
	}
	var ke *KernelError
	if stderrors.As(err, &ke) {
		return ke
	}
	return New(CodeInternal, "wrapped error", err)
}

// HasCode reports whether any KernelError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	var ke *KernelError
	for err != nil {
		if !stderrors.As(err, &ke) {
			return false
		}
		if ke.Code == code {
			return true
		}
		err = ke.Err
	}
	return false
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *KernelError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// codeToStatusCode maps error codes to JSON-RPC error codes used on comm replies.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeUnhandled, CodeNotFound:
		return -32601 // method not found
	case CodeMalformedPayload:
		return -32700 // parse error
	case CodeInvalidInput:
		return -32602 // invalid params
	case CodeProtocolViolation:
		return -32600 // invalid request
	default:
		return -32603 // internal error
	}
}

// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	cause := errors.New("peer reset")
	ke := New(CodeTransport, "websocket read failed", cause)

	if ke.Code != CodeTransport {
		t.Errorf("expected CodeTransport, got %v", ke.Code)
	}
	if ke.Message != "websocket read failed" {
		t.Errorf("unexpected message %q", ke.Message)
	}
	if !errors.Is(ke, cause) {
		t.Errorf("expected errors.Is to reach the cause")
	}
}

func TestWithContextAndAttributes(t *testing.T) {
	ke := New(CodeDispatchFailure, "display value failed", nil).
		WithContext("class", "Point").
		WithAttribute("capability", "kernel_variable_display_value").
		WithRecoverable(true)

	if ke.Context["class"] != "Point" {
		t.Errorf("expected context class")
	}
	if ke.Attributes["capability"] != "kernel_variable_display_value" {
		t.Errorf("expected capability attribute")
	}
	if ke.RecoverableString() != "true" {
		t.Errorf("expected recoverable")
	}
}

func TestError(t *testing.T) {
	tests := []struct {
		name     string
		ke       *KernelError
		expected string
	}{
		{
			name:     "with cause",
			ke:       New(CodeTimeout, "input wait timed out", errors.New("deadline exceeded")),
			expected: "[TIMEOUT] input wait timed out: deadline exceeded",
		},
		{
			name:     "without cause",
			ke:       New(CodeCommClosed, "comm closed", nil),
			expected: "[COMM_CLOSED] comm closed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ke.Error(); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestSentinelMatchesWrappedCopy(t *testing.T) {
	sentinel := New(CodeCommClosed, "comm closed", nil)
	wrapped := fmt.Errorf("send: %w", New(CodeCommClosed, "comm closed", nil))

	if !errors.Is(wrapped, sentinel) {
		t.Fatalf("expected wrapped copy to match sentinel")
	}
	if errors.Is(wrapped, New(CodeCommClosed, "other", nil)) {
		t.Fatalf("different message should not match")
	}
}

func TestHasCode(t *testing.T) {
	inner := New(CodeMalformedPayload, "bad json", nil)
	outer := New(CodeProtocolViolation, "request rejected", inner)

	if !HasCode(outer, CodeMalformedPayload) {
		t.Errorf("expected nested code to be found")
	}
	if !HasCode(fmt.Errorf("x: %w", outer), CodeProtocolViolation) {
		t.Errorf("expected code through fmt wrapping")
	}
	if HasCode(errors.New("plain"), CodeInternal) {
		t.Errorf("plain errors carry no code")
	}
}

func TestAsKernelError(t *testing.T) {
	if AsKernelError(nil) != nil {
		t.Fatalf("nil should stay nil")
	}
	plain := errors.New("boom")
	ke := AsKernelError(plain)
	if ke.Code != CodeInternal || !errors.Is(ke, plain) {
		t.Fatalf("expected plain error wrapped as internal, got %v", ke)
	}
	orig := New(CodeNotFound, "comm not found", nil)
	if AsKernelError(fmt.Errorf("wrap: %w", orig)) != orig {
		t.Fatalf("expected the original KernelError back")
	}
}

func TestStatusCodes(t *testing.T) {
	cases := map[ErrorCode]int{
		CodeUnhandled:         -32601,
		CodeMalformedPayload:  -32700,
		CodeInvalidInput:      -32602,
		CodeProtocolViolation: -32600,
		CodeDispatchFailure:   -32603,
	}
	for code, want := range cases {
		if got := New(code, "x", nil).StatusCode; got != want {
			t.Errorf("%s: expected %d, got %d", code, want, got)
		}
	}
}

func TestMarshalJSON(t *testing.T) {
	ke := New(CodeUnhandled, "no handler", errors.New("variables")).WithContext("comm_id", "c1")
	data, err := json.Marshal(ke)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["code"] != "UNHANDLED" {
		t.Errorf("unexpected code %v", out["code"])
	}
	if out["error"] != "variables" {
		t.Errorf("unexpected error %v", out["error"])
	}
	if ctx, ok := out["context"].(map[string]interface{}); !ok || ctx["comm_id"] != "c1" {
		t.Errorf("expected context in json, got %v", out["context"])
	}
}

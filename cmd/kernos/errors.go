// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/jllopis/kernos/pkg/errors"
)

// CLIError wraps a KernelError with a hint for the operator.
type CLIError struct {
	*errors.KernelError
	Hint string
}

// NewCLIError returns a CLIError.
func NewCLIError(ke *errors.KernelError, hint string) *CLIError {
	return &CLIError{KernelError: ke, Hint: hint}
}

func (e *CLIError) Error() string {
	if e.KernelError == nil {
		return "unknown error"
	}
	msg := e.KernelError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

func (e *CLIError) Unwrap() error {
	if e.KernelError == nil {
		return nil
	}
	return e.KernelError
}

// NewConfigError reports a configuration that could not be loaded.
func NewConfigError(err error, path string) *CLIError {
	ke := errors.New(errors.CodeInvalidInput, "configuration error", err).
		WithContext("config_path", path).
		WithRecoverable(false)
	hint := "check the --set overrides and KERNOS_* environment variables"
	if path != "" {
		hint = fmt.Sprintf("check %s for syntax errors", path)
	}
	return NewCLIError(ke, hint)
}

// NewStartupError reports a runtime that could not start.
func NewStartupError(err error) *CLIError {
	ke := errors.New(errors.CodeInternal, "kernel failed to start", err).
		WithRecoverable(true)
	return NewCLIError(ke, "check that the configured addresses are free and the history path is writable")
}

// NewExecError reports code that ran with an error status.
func NewExecError(status string) *CLIError {
	ke := errors.New(errors.CodeInterpreterFatal, "execution finished with status "+status, nil).
		WithContext("status", status)
	return NewCLIError(ke, "")
}

type errorBody struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Hint    string           `json:"hint,omitempty"`
}

// printError writes err to w, as {"error":{...}} when asJSON is set.
func printError(w io.Writer, err error, asJSON bool) {
	body := errorBody{Code: "UNKNOWN", Message: err.Error()}
	var cliErr *CLIError
	var ke *errors.KernelError
	switch {
	case stderrors.As(err, &cliErr) && cliErr.KernelError != nil:
		body = errorBody{Code: cliErr.Code, Message: cliErr.Message, Hint: cliErr.Hint}
		if cliErr.Err != nil {
			body.Message += ": " + cliErr.Err.Error()
		}
	case stderrors.As(err, &ke):
		body = errorBody{Code: ke.Code, Message: ke.Error()}
	}

	if asJSON {
		_ = json.NewEncoder(w).Encode(map[string]errorBody{"error": body})
		return
	}
	fmt.Fprintf(w, "Error [%s]: %s\n", body.Code, body.Message)
	if body.Hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", body.Hint)
	}
}

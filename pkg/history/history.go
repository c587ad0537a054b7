// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

// Package history records finished executions.
package history

import (
	"context"
	"time"

	"github.com/jllopis/kernos/pkg/errors"
)

// Status is the outcome of an execution as reported to the front end.
type Status string

const (
	StatusOK         Status = "ok"
	StatusError      Status = "error"
	StatusIncomplete Status = "incomplete"
	StatusAborted    Status = "aborted"
)

// Entry is one recorded execution.
type Entry struct {
	ID             string    `json:"id"`
	Session        string    `json:"session"`
	ExecutionCount int       `json:"execution_count"`
	Code           string    `json:"code"`
	Status         Status    `json:"status"`
	Stdout         string    `json:"stdout,omitempty"`
	Stderr         string    `json:"stderr,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Filter limits history queries. Results are newest first.
type Filter struct {
	Session string
	Status  Status
	Since   time.Time
	Limit   int
}

func (f Filter) match(e *Entry) bool {
	if f.Session != "" && e.Session != f.Session {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && e.FinishedAt.Before(f.Since) {
		return false
	}
	return true
}

// Store persists history entries.
type Store interface {
	Append(ctx context.Context, entry Entry) (*Entry, error)
	List(ctx context.Context, filter Filter) ([]*Entry, error)
	// Prune deletes entries finished before the given time and returns how
	// many were removed.
	Prune(ctx context.Context, before time.Time) (int, error)
}

func validate(entry Entry) error {
	if entry.Session == "" {
		return errors.New(errors.CodeInvalidInput, "session is required", nil)
	}
	if entry.ExecutionCount < 0 {
		return errors.New(errors.CodeInvalidInput, "execution count is negative", nil).
			WithContext("execution_count", entry.ExecutionCount)
	}
	return nil
}

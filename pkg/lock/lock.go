// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

// Package lock implements the runtime lock: the single token that must be
// held to call into the embedded interpreter.
//
// The interpreter goroutine holds the token while it runs and hands it over
// only at well-defined points (console reads and idle polls). Other
// goroutines that need the interpreter announce themselves through the
// pending counter so the idle poll stays a single atomic load when nobody
// is waiting.
package lock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jllopis/kernos/pkg/errors"
)

// ErrNotHeld is returned by Release when the token is not held.
var ErrNotHeld = errors.New(errors.CodeInterpreterFatal, "runtime lock released while not held", nil)

// RuntimeLock is a context-aware mutex with a waiter count.
type RuntimeLock struct {
	token   chan struct{}
	pending atomic.Int64
}

// New returns an available lock.
func New() *RuntimeLock {
	return &RuntimeLock{token: make(chan struct{}, 1)}
}

// Acquire blocks until the lock is held or ctx is done.
func (l *RuntimeLock) Acquire(ctx context.Context) error {
	select {
	case l.token <- struct{}{}:
		return nil
	default:
	}
	l.pending.Add(1)
	defer l.pending.Add(-1)
	select {
	case l.token <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the lock if it is available.
func (l *RuntimeLock) TryAcquire() bool {
	select {
	case l.token <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release gives the token back. Releasing an unheld lock means the
// interpreter state can no longer be trusted.
func (l *RuntimeLock) Release() error {
	select {
	case <-l.token:
		return nil
	default:
		return ErrNotHeld
	}
}

// Held reports whether some goroutine holds the token.
func (l *RuntimeLock) Held() bool {
	return len(l.token) == 1
}

// Pending reports whether another goroutine is waiting for the lock.
func (l *RuntimeLock) Pending() bool {
	return l.pending.Load() > 0
}

// Do runs fn while holding the lock.
func (l *RuntimeLock) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release() //nolint:errcheck // acquired above
	return fn()
}

// Yield hands the lock to a waiting goroutine and takes it back. It must
// be called by the holder. Receiving from the full token channel passes
// the token straight to the oldest blocked Acquire, so waiters run before
// the holder gets it back. It returns how long the lock was away.
func (l *RuntimeLock) Yield(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := l.Release(); err != nil {
		return 0, err
	}
	if err := l.Acquire(ctx); err != nil {
		return time.Since(start), err
	}
	return time.Since(start), nil
}

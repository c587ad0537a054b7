// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package heartbeat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jllopis/kernos/pkg/history"
)

// Status is the health of one component.
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
)

// Result is the outcome of one check.
type Result struct {
	Component string
	Status    Status
	Message   string
	LastCheck time.Time
	Err       error
}

// Checker checks one component.
type Checker interface {
	Check(ctx context.Context) Result
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) Result

func (f CheckerFunc) Check(ctx context.Context) Result { return f(ctx) }

// Checks holds the registered checkers.
type Checks struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewChecks returns an empty set of checks.
func NewChecks() *Checks {
	return &Checks{checkers: make(map[string]Checker)}
}

// Register adds or replaces the checker for component.
func (c *Checks) Register(component string, checker Checker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkers[component] = checker
}

// CheckAll runs every checker. The overall status is the worst one;
// with no checkers it is healthy.
func (c *Checks) CheckAll(ctx context.Context) ([]Result, Status) {
	c.mu.RLock()
	names := make([]string, 0, len(c.checkers))
	checkers := make(map[string]Checker, len(c.checkers))
	for name, ch := range c.checkers {
		names = append(names, name)
		checkers[name] = ch
	}
	c.mu.RUnlock()
	sort.Strings(names)

	overall := StatusHealthy
	results := make([]Result, 0, len(names))
	for _, name := range names {
		r := checkers[name].Check(ctx)
		r.Component = name
		if r.LastCheck.IsZero() {
			r.LastCheck = time.Now()
		}
		results = append(results, r)
		switch r.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return results, overall
}

// Lifecycle is what KernelChecker observes.
type Lifecycle interface {
	Ready() <-chan struct{}
	Done() <-chan struct{}
}

// KernelChecker is healthy once the interpreter showed its first prompt
// and until the kernel stopped.
func KernelChecker(k Lifecycle) Checker {
	return CheckerFunc(func(context.Context) Result {
		select {
		case <-k.Done():
			return Result{Status: StatusUnhealthy, Message: "kernel stopped"}
		default:
		}
		select {
		case <-k.Ready():
			return Result{Status: StatusHealthy}
		default:
			return Result{Status: StatusUnhealthy, Message: "interpreter starting"}
		}
	})
}

// StoreChecker reports a history store that cannot be queried as degraded:
// executions still run, they are just not recorded.
func StoreChecker(store history.Store) Checker {
	return CheckerFunc(func(ctx context.Context) Result {
		if _, err := store.List(ctx, history.Filter{Limit: 1}); err != nil {
			return Result{Status: StatusDegraded, Message: "history unavailable", Err: err}
		}
		return Result{Status: StatusHealthy}
	})
}

// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

// Package interp defines the seam between the kernel and an embedded,
// single-threaded interpreter.
//
// The interpreter drives itself: Run blocks in a read-eval-print loop and
// calls back into the Console for every line of input it needs, for every
// chunk of output it produces, and whenever it is idle. All of these
// callbacks happen on the goroutine that called Run, while the runtime lock
// is held.
package interp

import (
	"context"
)

// Stream identifies a console output stream.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Console is implemented by the kernel and called synchronously by the
// interpreter.
type Console interface {
	// ReadConsole shows prompt and returns the next line of input. ok is
	// false when no further input will come and the interpreter should
	// shut down.
	ReadConsole(prompt string) (line string, ok bool)

	// WriteConsole emits output. It must not block on the front end.
	WriteConsole(content string, stream Stream)

	// PolledEvents is called whenever the interpreter is idle or between
	// evaluation steps. It must be cheap when there is nothing to do.
	PolledEvents()
}

// Interpreter is an embedded single-threaded language runtime.
type Interpreter interface {
	// Run executes the read-eval-print loop until the console reports
	// end of input or ctx is done.
	Run(ctx context.Context, console Console) error

	// DefaultPrompt is the top-level prompt shown when ready for new input.
	DefaultPrompt() string

	// ContinuationPrompt is shown when the previous input was incomplete.
	ContinuationPrompt() string

	// Interrupt asks the interpreter to abandon the current evaluation.
	// It may be called from any goroutine.
	Interrupt()

	// ProcessEvents runs pending interpreter-level idle work once.
	ProcessEvents()

	// DiscardPending drops buffered, not yet evaluated console input.
	DiscardPending()
}

// Binding kinds reported by namespaces.
type BindingKind int

const (
	// BindingStandard is an ordinary, already evaluated value.
	BindingStandard BindingKind = iota
	// BindingPromise is a lazily evaluated value that can still be forced.
	BindingPromise
	// BindingActive is computed on every access.
	BindingActive
)

// Binding is one symbol of a namespace.
type Binding struct {
	Name string
	Kind BindingKind
}

// Namespace is a set of named values the interpreter has loaded.
type Namespace interface {
	Name() string
	Bindings() []Binding
	// Resolve evaluates a binding. It must be called with the runtime lock held.
	Resolve(name string) (Value, error)
}

// NamespaceProvider lists loaded namespaces.
type NamespaceProvider interface {
	LoadedNamespaces() []Namespace
}

// Value is an interpreter value as seen by the kernel.
type Value interface {
	// IsObject reports whether the value carries a class list and is
	// eligible for dispatch.
	IsObject() bool
	// Classes returns the value's classes, most specific first.
	Classes() []string
	// TypeName is a short description of the value's type.
	TypeName() string
	// String renders the value for display.
	String() string
	// Raw returns the underlying Go representation.
	Raw() any
}

// Callable is an interpreter function. It must be called with the runtime
// lock held.
type Callable interface {
	Call(ctx context.Context, args ...any) (any, error)
}

// Variable is a named value in the global environment.
type Variable struct {
	Name  string
	Value Value
}

// Environment exposes the interpreter's global variables.
type Environment interface {
	// Variables lists the global environment. Requires the runtime lock.
	Variables() []Variable
	// Lookup returns a single variable. Requires the runtime lock.
	Lookup(name string) (Value, bool)
}

// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package execution

import (
	"github.com/jllopis/kernos/pkg/interp"
)

// Kind discriminates execution requests.
type Kind int

const (
	KindExecute Kind = iota
	KindInterrupt
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindExecute:
		return "execute"
	case KindInterrupt:
		return "interrupt"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Request is one unit of work for the coordinator.
type Request struct {
	Kind Kind
	Code string
	// Originator identifies the front-end request that later input
	// requests belong to. Empty for internally generated code.
	Originator string
	Meta       map[string]any
}

// Execute returns a request that evaluates code.
func Execute(code, originator string, meta map[string]any) Request {
	return Request{Kind: KindExecute, Code: code, Originator: originator, Meta: meta}
}

// Interrupt returns an interrupt request.
func Interrupt() Request { return Request{Kind: KindInterrupt} }

// Shutdown returns a shutdown request.
func Shutdown() Request { return Request{Kind: KindShutdown} }

// State is the coordinator's view of the current request.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateIncomplete
	StateAwaitingInput
	StateFinished
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateIncomplete:
		return "incomplete"
	case StateAwaitingInput:
		return "awaiting_input"
	case StateFinished:
		return "finished"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PromptKind is the classification of an observed prompt.
type PromptKind int

const (
	// PromptDefault means the interpreter is ready for new top-level input.
	PromptDefault PromptKind = iota
	// PromptContinuation means the last input was incomplete.
	PromptContinuation
	// PromptInput means code running in the interpreter asked for a line.
	PromptInput
)

func (p PromptKind) String() string {
	switch p {
	case PromptContinuation:
		return "continuation"
	case PromptInput:
		return "input"
	default:
		return "default"
	}
}

// Classify maps a prompt to its kind. A prompt equal to the continuation
// prompt is a continuation even if it also differs from the default
// prompt; only an exact match counts.
func Classify(prompt, defaultPrompt, continuationPrompt string) PromptKind {
	switch {
	case prompt == continuationPrompt:
		return PromptContinuation
	case prompt != defaultPrompt:
		return PromptInput
	default:
		return PromptDefault
	}
}

// Reporter receives the coordinator's notifications. Calls are made from
// the coordinator goroutine, except WriteConsole which runs on the
// interpreter goroutine; implementations must not block.
type Reporter interface {
	CompleteInitialization(prompt string)
	RequestStarted(req Request)
	ReportIncomplete(req Request)
	RequestInput(originator, prompt string)
	FinishRequest(req Request)
	WriteConsole(content string, stream interp.Stream)
}

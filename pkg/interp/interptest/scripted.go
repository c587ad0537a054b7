// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

// Package interptest provides an in-memory interpreter and values for tests.
//
// Scripted understands a tiny line language, one command per line:
//
//	print <text>       write text and a newline to stdout
//	warn <text>        write text and a newline to stderr
//	set <name> <value> bind a global variable (a plain value)
//	obj <name> <class> bind a global object with a single class
//	readline <prompt>  read a nested line with prompt and print "got <line>"
//	sleep <ms>         stay busy for ms, polling events every millisecond
//	panic              panic while evaluating
//	quit               stop the read-eval-print loop
//	<anything> \       a trailing backslash continues on the next line
//
// Unknown commands are written back to stdout.
package interptest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jllopis/kernos/pkg/interp"
)

// Scripted is an interp.Interpreter driven by a line language.
type Scripted struct {
	Prompt       string
	Continuation string

	mu         sync.Mutex
	vars       map[string]interp.Value
	namespaces []interp.Namespace
	discard    bool
	evaluated  []string

	interrupted atomic.Bool
	processed   atomic.Int64
	discarded   atomic.Int64
}

// NewScripted returns a Scripted interpreter with prompts "> " and "+ ".
func NewScripted() *Scripted {
	return &Scripted{
		Prompt:       "> ",
		Continuation: "+ ",
		vars:         make(map[string]interp.Value),
	}
}

var _ interp.Interpreter = (*Scripted)(nil)
var _ interp.Environment = (*Scripted)(nil)
var _ interp.NamespaceProvider = (*Scripted)(nil)

func (s *Scripted) DefaultPrompt() string      { return s.Prompt }
func (s *Scripted) ContinuationPrompt() string { return s.Continuation }
func (s *Scripted) Interrupt()                 { s.interrupted.Store(true) }
func (s *Scripted) ProcessEvents()             { s.processed.Add(1) }

// DiscardPending drops a partially entered continuation.
func (s *Scripted) DiscardPending() {
	s.discarded.Add(1)
	s.mu.Lock()
	s.discard = true
	s.mu.Unlock()
}

// Processed returns how many times ProcessEvents ran.
func (s *Scripted) Processed() int64 { return s.processed.Load() }

// Discarded returns how many times DiscardPending ran.
func (s *Scripted) Discarded() int64 { return s.discarded.Load() }

// Evaluated returns every complete input evaluated so far.
func (s *Scripted) Evaluated() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.evaluated...)
}

// AddNamespace makes ns visible through LoadedNamespaces.
func (s *Scripted) AddNamespace(ns interp.Namespace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.namespaces = append(s.namespaces, ns)
}

func (s *Scripted) LoadedNamespaces() []interp.Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]interp.Namespace(nil), s.namespaces...)
}

// Define binds a global variable.
func (s *Scripted) Define(name string, v interp.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name] = v
}

func (s *Scripted) Variables() []interp.Variable {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]interp.Variable, 0, len(s.vars))
	for name, v := range s.vars {
		out = append(out, interp.Variable{Name: name, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scripted) Lookup(name string) (interp.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[name]
	return v, ok
}

// Run is the read-eval-print loop.
func (s *Scripted) Run(ctx context.Context, console interp.Console) error {
	prompt := s.Prompt
	var pending []string
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, ok := console.ReadConsole(prompt)
		if !ok {
			return nil
		}

		s.mu.Lock()
		if s.discard {
			pending = nil
			s.discard = false
		}
		s.mu.Unlock()

		if strings.HasSuffix(line, "\\") {
			pending = append(pending, strings.TrimSuffix(line, "\\"))
			prompt = s.Continuation
			continue
		}
		pending = append(pending, line)
		code := strings.Join(pending, "")
		pending = nil
		prompt = s.Prompt

		s.interrupted.Store(false)
		s.mu.Lock()
		s.evaluated = append(s.evaluated, code)
		s.mu.Unlock()
		if quit := s.eval(ctx, code, console); quit {
			return nil
		}
	}
}

func (s *Scripted) eval(ctx context.Context, code string, console interp.Console) bool {
	for _, line := range strings.Split(code, "\n") {
		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		switch cmd {
		case "":
		case "print":
			console.WriteConsole(arg+"\n", interp.Stdout)
		case "warn":
			console.WriteConsole(arg+"\n", interp.Stderr)
		case "set":
			name, value, _ := strings.Cut(arg, " ")
			s.Define(name, Plain(value))
		case "obj":
			name, class, _ := strings.Cut(arg, " ")
			s.Define(name, Object(map[string]string{"name": name}, class))
		case "readline":
			reply, ok := console.ReadConsole(arg)
			if !ok {
				return true
			}
			console.WriteConsole("got "+reply+"\n", interp.Stdout)
		case "sleep":
			ms, _ := strconv.Atoi(arg)
			deadline := time.Now().Add(time.Duration(ms) * time.Millisecond)
			for time.Now().Before(deadline) {
				if ctx.Err() != nil {
					return true
				}
				if s.interrupted.Load() {
					console.WriteConsole("interrupted\n", interp.Stderr)
					return false
				}
				console.PolledEvents()
				time.Sleep(time.Millisecond)
			}
		case "panic":
			panic(fmt.Sprintf("scripted panic: %s", arg))
		case "quit":
			return true
		default:
			console.WriteConsole(line+"\n", interp.Stdout)
		}
	}
	return false
}

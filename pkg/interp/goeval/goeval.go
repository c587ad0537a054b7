// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

// Package goeval embeds a Go interpreter (yaegi) behind the interp seam.
//
// Interpreted code can import "kernos/kernel" for Readline, which reads a
// line through the kernel's console, and NewObject, which tags a value with
// classes so the dispatch registry can describe it. Global variables
// holding a function and named <CapabilitySymbol>_<Class> are picked up by
// registry population; func declarations are not visible as globals.
//
// The runtime lock is handed over only while the interpreter waits in a
// console read, never in the middle of an evaluation.
package goeval

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	kinterp "github.com/jllopis/kernos/pkg/interp"
)

// Options configures an Interpreter.
type Options struct {
	Prompt             string
	ContinuationPrompt string
}

// Object is a value tagged with classes, most specific first.
type Object struct {
	Class []string
	Value any
}

// Interpreter is a kinterp.Interpreter running Go source.
type Interpreter struct {
	opts Options
	vm   *interp.Interpreter

	mu      sync.Mutex
	pending []string
	ectx    context.Context
	cancel  context.CancelFunc
	console kinterp.Console

	// readMu is held across a console read made by interpreted code. An
	// interrupted evaluation returns before its code stops, so eval takes
	// readMu to wait for a read still in flight.
	readMu sync.Mutex
}

var (
	_ kinterp.Interpreter       = (*Interpreter)(nil)
	_ kinterp.Environment       = (*Interpreter)(nil)
	_ kinterp.NamespaceProvider = (*Interpreter)(nil)
)

// New returns an interpreter with the standard library available.
func New(opts Options) (*Interpreter, error) {
	if opts.Prompt == "" {
		opts.Prompt = "> "
	}
	if opts.ContinuationPrompt == "" {
		opts.ContinuationPrompt = "+ "
	}
	in := &Interpreter{opts: opts}
	vm := interp.New(interp.Options{
		Stdout: streamWriter{in: in, stream: kinterp.Stdout},
		Stderr: streamWriter{in: in, stream: kinterp.Stderr},
	})
	if err := vm.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib: %w", err)
	}
	if err := vm.Use(in.exports()); err != nil {
		return nil, fmt.Errorf("load kernel package: %w", err)
	}
	// Cells use fmt, strings or kernel without an import line.
	vm.ImportUsed()
	in.vm = vm
	return in, nil
}

func (in *Interpreter) exports() interp.Exports {
	return interp.Exports{
		"kernos/kernel/kernel": {
			"Readline":  reflect.ValueOf(in.readline),
			"NewObject": reflect.ValueOf(NewObject),
			"Object":    reflect.ValueOf((*Object)(nil)),
		},
	}
}

// NewObject returns value tagged with classes.
func NewObject(value any, classes ...string) Object {
	return Object{Class: classes, Value: value}
}

func (in *Interpreter) DefaultPrompt() string      { return in.opts.Prompt }
func (in *Interpreter) ContinuationPrompt() string { return in.opts.ContinuationPrompt }

// Interrupt cancels the running evaluation, if any.
func (in *Interpreter) Interrupt() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.cancel != nil {
		in.cancel()
	}
}

// ProcessEvents is a no-op: Go code has no interpreter-level event loop.
func (in *Interpreter) ProcessEvents() {}

// DiscardPending drops the partially entered input.
func (in *Interpreter) DiscardPending() {
	in.mu.Lock()
	in.pending = nil
	in.mu.Unlock()
}

// Run is the read-eval-print loop.
func (in *Interpreter) Run(ctx context.Context, console kinterp.Console) error {
	in.mu.Lock()
	in.console = console
	in.mu.Unlock()

	prompt := in.opts.Prompt
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, ok := console.ReadConsole(prompt)
		if !ok {
			return nil
		}

		in.mu.Lock()
		in.pending = append(in.pending, line)
		src := strings.Join(in.pending, "\n")
		in.mu.Unlock()

		if !complete(src) {
			prompt = in.opts.ContinuationPrompt
			continue
		}
		in.DiscardPending()
		prompt = in.opts.Prompt
		in.eval(ctx, src, console)
	}
}

// eval runs src and prints its value. The runtime lock stays with the
// caller until the evaluation ends: waiters only get it from console reads,
// where the interpreter state is consistent. Interrupt cancels ectx from
// another goroutine.
func (in *Interpreter) eval(ctx context.Context, src string, console kinterp.Console) {
	ectx, cancel := context.WithCancel(ctx)
	in.mu.Lock()
	in.ectx, in.cancel = ectx, cancel
	in.mu.Unlock()

	v, err := in.vm.EvalWithContext(ectx, src)
	interrupted := ectx.Err() != nil

	cancel()
	in.readMu.Lock()
	in.readMu.Unlock() //nolint:staticcheck // waits for a pending read
	in.mu.Lock()
	in.ectx, in.cancel = nil, nil
	in.mu.Unlock()

	switch {
	case interrupted:
		console.WriteConsole("interrupted\n", kinterp.Stderr)
	case err != nil:
		console.WriteConsole(err.Error()+"\n", kinterp.Stderr)
	case echoes(src) && v.IsValid() && v.CanInterface() && !isVoid(v):
		console.WriteConsole(fmt.Sprintf("%v\n", v.Interface()), kinterp.Stdout)
	}
}

// echoes reports whether the value of src is printed: src must end in an
// expression statement that is not a call. The evaluator only returns the
// first result of a call, which for (n, err) shapes is not worth showing.
func echoes(src string) bool {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "", "package main\nfunc _() {\n"+src+"\n}", 0)
	if err != nil || len(f.Decls) != 1 {
		return false
	}
	fn, ok := f.Decls[0].(*ast.FuncDecl)
	if !ok || fn.Body == nil || len(fn.Body.List) == 0 {
		return false
	}
	stmt, ok := fn.Body.List[len(fn.Body.List)-1].(*ast.ExprStmt)
	if !ok {
		return false
	}
	_, call := ast.Unparen(stmt.X).(*ast.CallExpr)
	return !call
}

func isVoid(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Func:
		return true
	case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// readline is exported to interpreted code. The console read it makes is
// a point where the runtime lock can be handed over. Once the evaluation
// is interrupted it returns "" without reading.
func (in *Interpreter) readline(prompt string) string {
	in.readMu.Lock()
	defer in.readMu.Unlock()

	in.mu.Lock()
	console, ectx := in.console, in.ectx
	in.mu.Unlock()
	if console == nil || ectx == nil || ectx.Err() != nil {
		return ""
	}
	line, _ := console.ReadConsole(prompt)
	return line
}

// complete reports whether src has balanced brackets and no open string
// or comment, i.e. whether it can be handed to the evaluator.
func complete(src string) bool {
	var s scanner.Scanner
	fset := token.NewFileSet()
	file := fset.AddFile("", fset.Base(), len(src))
	open := false
	s.Init(file, []byte(src), func(_ token.Position, msg string) {
		if strings.Contains(msg, "not terminated") {
			open = true
		}
	}, 0)
	depth := 0
	for {
		_, tok, _ := s.Scan()
		switch tok {
		case token.LPAREN, token.LBRACK, token.LBRACE:
			depth++
		case token.RPAREN, token.RBRACK, token.RBRACE:
			depth--
		}
		if tok == token.EOF {
			break
		}
	}
	return !open && depth <= 0
}

type streamWriter struct {
	in     *Interpreter
	stream kinterp.Stream
}

func (w streamWriter) Write(p []byte) (int, error) {
	w.in.mu.Lock()
	console := w.in.console
	w.in.mu.Unlock()
	if console != nil {
		console.WriteConsole(string(p), w.stream)
	}
	return len(p), nil
}

// Variables lists the interpreter's global variables.
func (in *Interpreter) Variables() []kinterp.Variable {
	globals := in.vm.Globals()
	out := make([]kinterp.Variable, 0, len(globals))
	for name, v := range globals {
		if v.Kind() == reflect.Func {
			continue
		}
		out = append(out, kinterp.Variable{Name: name, Value: wrap(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns one global variable.
func (in *Interpreter) Lookup(name string) (kinterp.Value, bool) {
	v, ok := in.vm.Globals()[name]
	if !ok || v.Kind() == reflect.Func {
		return nil, false
	}
	return wrap(v), true
}

// LoadedNamespaces returns the global scope of interpreted code.
func (in *Interpreter) LoadedNamespaces() []kinterp.Namespace {
	return []kinterp.Namespace{globalNamespace{vm: in.vm}}
}

type globalNamespace struct {
	vm *interp.Interpreter
}

func (globalNamespace) Name() string { return "main" }

func (n globalNamespace) Bindings() []kinterp.Binding {
	globals := n.vm.Globals()
	out := make([]kinterp.Binding, 0, len(globals))
	for name := range globals {
		out = append(out, kinterp.Binding{Name: name, Kind: kinterp.BindingStandard})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (n globalNamespace) Resolve(name string) (kinterp.Value, error) {
	v, ok := n.vm.Globals()[name]
	if !ok {
		return nil, fmt.Errorf("symbol %s not found", name)
	}
	return wrap(v), nil
}

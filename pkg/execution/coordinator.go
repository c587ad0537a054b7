// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

// Package execution serializes access to the embedded interpreter and turns
// an asynchronous request stream into its synchronous, prompt-driven model.
//
// Two goroutines cooperate. The interpreter goroutine (RunInterpreter) owns
// the interpreter and holds the runtime lock except while it waits for
// console input. The coordinator goroutine (RunForever) takes one request
// at a time, hands code to the interpreter as the answer to its pending
// console read, and then watches the next prompt to decide whether the
// request finished, is incomplete, or is waiting for user input.
package execution

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/kernos/pkg/errors"
	"github.com/jllopis/kernos/pkg/interp"
	"github.com/jllopis/kernos/pkg/lock"
	"github.com/jllopis/kernos/pkg/queue"
	"github.com/jllopis/kernos/pkg/telemetry"
)

// DefaultPollInterval bounds each wait for console input.
const DefaultPollInterval = 200 * time.Millisecond

var (
	// ErrClosed is returned by Submit after the coordinator stopped.
	ErrClosed = errors.New(errors.CodeCommClosed, "execution coordinator stopped", nil)

	// ErrNotAwaitingInput is returned by ReplyInput when no input request is open.
	ErrNotAwaitingInput = errors.New(errors.CodeProtocolViolation, "no input request is pending", nil)

	// ErrAlreadyStarted is returned by a second RunInterpreter call.
	ErrAlreadyStarted = errors.New(errors.CodeInternal, "interpreter already started", nil)
)

type inputReply struct {
	line string
	eof  bool
}

// Coordinator owns the interpreter's execution context.
type Coordinator struct {
	interp   interp.Interpreter
	lock     *lock.RuntimeLock
	reporter Reporter

	requests   *queue.Unbounded[Request]
	interrupts chan struct{}
	prompts    chan string
	input      chan inputReply

	state   atomic.Int32
	current atomic.Pointer[Request]

	pollInterval time.Duration
	logger       *slog.Logger
	metrics      *telemetry.KernelMetrics
	tracer       trace.Tracer

	started    atomic.Bool
	interpDone chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPollInterval sets how long a console read waits before handing the
// runtime lock to pending work.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.KernelMetrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// New returns a coordinator for in. rl guards every call into in.
func New(in interp.Interpreter, rl *lock.RuntimeLock, reporter Reporter, opts ...Option) *Coordinator {
	c := &Coordinator{
		interp:       in,
		lock:         rl,
		reporter:     reporter,
		requests:     queue.New[Request](),
		interrupts:   make(chan struct{}, 1),
		prompts:      make(chan string, 1),
		input:        make(chan inputReply, 1),
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
		tracer:       otel.Tracer("kernos/execution"),
		interpDone:   make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lock returns the runtime lock guarding the interpreter.
func (c *Coordinator) Lock() *lock.RuntimeLock { return c.lock }

// State returns the state of the current request.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// Current returns the request being executed, if any.
func (c *Coordinator) Current() (Request, bool) {
	if r := c.current.Load(); r != nil {
		return *r, true
	}
	return Request{}, false
}

// Pending returns how many requests are queued behind the current one.
func (c *Coordinator) Pending() int { return c.requests.Len() }

// Done is closed when RunForever has returned.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Exited is closed when the interpreter's loop has returned.
func (c *Coordinator) Exited() <-chan struct{} { return c.interpDone }

// Submit enqueues req and returns immediately. Interrupts bypass the queue
// so they reach a running evaluation.
func (c *Coordinator) Submit(req Request) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if req.Kind == KindInterrupt {
		select {
		case c.interrupts <- struct{}{}:
		default:
		}
		return nil
	}
	if err := c.requests.Push(req); err != nil {
		return ErrClosed
	}
	return nil
}

// Close stops accepting requests. RunForever finishes the queued ones and
// returns.
func (c *Coordinator) Close() {
	c.requests.Close()
}

// ReplyInput answers an open input request.
func (c *Coordinator) ReplyInput(line string) error {
	if !c.state.CompareAndSwap(int32(StateAwaitingInput), int32(StateRunning)) {
		c.logger.Warn("execution.input.unexpected_reply", "state", c.State().String())
		return ErrNotAwaitingInput
	}
	return c.deliver(inputReply{line: line})
}

func (c *Coordinator) deliver(r inputReply) error {
	select {
	case c.input <- r:
		return nil
	default:
		return errors.New(errors.CodeProtocolViolation, "console input already pending", nil)
	}
}

// RunInterpreter runs the interpreter's read-eval-print loop on the calling
// goroutine while holding the runtime lock. It returns when the interpreter
// stops. Only the first call runs the interpreter; later calls return
// ErrAlreadyStarted at once.
func (c *Coordinator) RunInterpreter(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	return c.runInterpreter(ctx)
}

func (c *Coordinator) runInterpreter(ctx context.Context) error {
	defer close(c.interpDone)
	if err := c.lock.Acquire(ctx); err != nil {
		return err
	}
	defer c.lock.Release() //nolint:errcheck // held by this goroutine

	c.logger.Info("execution.interpreter.start")
	err := c.interp.Run(ctx, c)
	if err != nil {
		c.logger.Error("execution.interpreter.exit", "error", err)
		return errors.New(errors.CodeInterpreterFatal, "interpreter stopped", err)
	}
	c.logger.Info("execution.interpreter.exit")
	return nil
}

// RunForever processes requests one at a time until a shutdown request is
// handled, the queue is closed, the interpreter exits or ctx is done.
func (c *Coordinator) RunForever(ctx context.Context) error {
	defer c.stop()

	prompt, err := c.awaitPrompt(ctx)
	if err != nil {
		return err
	}
	if prompt != c.interp.DefaultPrompt() {
		c.logger.Warn("execution.init.unexpected_prompt", "prompt", prompt)
	}
	c.logger.Info("execution.init.complete", "prompt", prompt)
	c.reporter.CompleteInitialization(prompt)

	for {
		select {
		case req, ok := <-c.requests.C():
			if !ok {
				c.logger.Info("execution.queue.closed")
				return nil
			}
			switch req.Kind {
			case KindExecute:
				if err := c.execute(ctx, req); err != nil {
					return err
				}
			case KindShutdown:
				c.logger.Info("execution.shutdown")
				c.endInput()
				return nil
			}
		case <-c.interrupts:
			c.logger.Debug("execution.interrupt.idle")
			c.interp.Interrupt()
		case <-c.interpDone:
			c.logger.Info("execution.interpreter.gone")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Coordinator) stop() {
	c.stopOnce.Do(func() {
		c.state.Store(int32(StateStopped))
		close(c.done)
		c.requests.Discard()
	})
}

// endInput tells the interpreter no further input will come.
func (c *Coordinator) endInput() {
	if err := c.deliver(inputReply{eof: true}); err != nil {
		c.logger.Warn("execution.shutdown.input_busy", "error", err)
	}
}

func (c *Coordinator) awaitPrompt(ctx context.Context) (string, error) {
	select {
	case p := <-c.prompts:
		return p, nil
	case <-c.interpDone:
		return "", errors.New(errors.CodeInterpreterFatal, "interpreter exited before its first prompt", nil)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// execute runs one ExecuteCode request to a terminal classification.
func (c *Coordinator) execute(ctx context.Context, req Request) error {
	ctx, span := c.tracer.Start(ctx, "Coordinator.Execute",
		trace.WithAttributes(telemetry.ExecutionAttributes(0, req.Originator, len(req.Code))...))
	defer span.End()
	ctx = telemetry.WithLogAttrs(ctx, slog.String("originator", req.Originator))

	c.current.Store(&req)
	defer c.current.Store(nil)
	c.state.Store(int32(StateRunning))
	c.logger.DebugContext(ctx, "execution.request.start")
	c.reporter.RequestStarted(req)

	select {
	case c.input <- inputReply{line: req.Code}:
	case <-c.interpDone:
		c.finish(ctx, req, "aborted")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		select {
		case prompt := <-c.prompts:
			kind := Classify(prompt, c.interp.DefaultPrompt(), c.interp.ContinuationPrompt())
			c.metrics.RecordPrompt(ctx, kind.String())
			span.AddEvent("prompt", trace.WithAttributes(attribute.String(telemetry.AttrPromptKind, kind.String())))

			switch kind {
			case PromptContinuation:
				c.state.Store(int32(StateIncomplete))
				if err := c.lock.Do(ctx, func() error {
					c.interp.DiscardPending()
					return nil
				}); err != nil {
					return err
				}
				c.logger.DebugContext(ctx, "execution.request.incomplete")
				c.metrics.RecordRequest(ctx, "incomplete")
				c.reporter.ReportIncomplete(req)
				return nil
			case PromptInput:
				if req.Originator == "" {
					c.logger.WarnContext(ctx, "execution.input.no_originator", "prompt", prompt)
				}
				c.state.Store(int32(StateAwaitingInput))
				c.reporter.RequestInput(req.Originator, prompt)
			default:
				c.finish(ctx, req, "ok")
				return nil
			}
		case <-c.interrupts:
			c.logger.InfoContext(ctx, "execution.interrupt")
			c.interp.Interrupt()
			// A nested read would otherwise keep waiting for the front end.
			if c.state.CompareAndSwap(int32(StateAwaitingInput), int32(StateRunning)) {
				if err := c.deliver(inputReply{}); err != nil {
					c.logger.WarnContext(ctx, "execution.interrupt.input_busy", "error", err)
				}
			}
		case <-c.interpDone:
			c.finish(ctx, req, "aborted")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Coordinator) finish(ctx context.Context, req Request, outcome string) {
	c.state.Store(int32(StateFinished))
	c.logger.DebugContext(ctx, "execution.request.finish", "outcome", outcome)
	c.metrics.RecordRequest(ctx, outcome)
	c.reporter.FinishRequest(req)
}

// ReadConsole implements interp.Console. It is called on the interpreter
// goroutine with the runtime lock held, and holds it again on return.
func (c *Coordinator) ReadConsole(prompt string) (string, bool) {
	if strings.HasPrefix(prompt, "Save workspace") {
		return "n", true
	}

	select {
	case c.prompts <- prompt:
	default:
		c.logger.Error("execution.prompt.overrun", "prompt", prompt)
	}

	if err := c.lock.Release(); err != nil {
		panic(errors.New(errors.CodeInterpreterFatal, "console read without the runtime lock", err))
	}
	defer c.reacquire()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case reply := <-c.input:
			if reply.eof {
				return "", false
			}
			return reply.line, true
		case <-c.done:
			return "", false
		case <-ticker.C:
			c.reacquire()
			c.interp.ProcessEvents()
			if err := c.lock.Release(); err != nil {
				panic(errors.New(errors.CodeInterpreterFatal, "runtime lock lost during idle events", err))
			}
		}
	}
}

func (c *Coordinator) reacquire() {
	if err := c.lock.Acquire(context.Background()); err != nil {
		panic(errors.New(errors.CodeInterpreterFatal, "runtime lock not reacquired", err))
	}
}

// WriteConsole implements interp.Console.
func (c *Coordinator) WriteConsole(content string, stream interp.Stream) {
	c.reporter.WriteConsole(content, stream)
}

// PolledEvents implements interp.Console. When nobody waits for the runtime
// lock it is a single atomic load.
func (c *Coordinator) PolledEvents() {
	if !c.lock.Pending() {
		return
	}
	d, err := c.lock.Yield(context.Background())
	if err != nil {
		panic(errors.New(errors.CodeInterpreterFatal, "runtime lock handoff failed", err))
	}
	c.metrics.RecordLockHandoff(context.Background(), d)
	c.logger.Debug("execution.lock.handoff", "duration", d)
}

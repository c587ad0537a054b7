// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

// Package kernel ties the execution coordinator, the comms and the dispatch
// registry into one kernel a transport can serve.
//
// The kernel is the coordinator's Reporter. It numbers executions, turns
// console output and prompts into broadcast messages, keeps the front-end
// and variables comms informed, and records finished executions.
package kernel

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jllopis/kernos/pkg/comm"
	"github.com/jllopis/kernos/pkg/dispatch"
	"github.com/jllopis/kernos/pkg/errors"
	"github.com/jllopis/kernos/pkg/execution"
	"github.com/jllopis/kernos/pkg/frontend"
	"github.com/jllopis/kernos/pkg/history"
	"github.com/jllopis/kernos/pkg/interp"
	"github.com/jllopis/kernos/pkg/lock"
	"github.com/jllopis/kernos/pkg/queue"
	"github.com/jllopis/kernos/pkg/telemetry"
	"github.com/jllopis/kernos/pkg/variables"
)

// Info describes the kernel to front ends.
type Info struct {
	Name               string `json:"name"`
	Session            string `json:"session"`
	Prompt             string `json:"prompt"`
	ContinuationPrompt string `json:"continuation_prompt"`
}

// ExecuteOptions tune one execute request.
type ExecuteOptions struct {
	// ID becomes the request's originator. A new one is generated when empty.
	ID string
	// AllowStdin lets the code ask the front end for input. Otherwise input
	// requests are answered with an empty line.
	AllowStdin bool
	// Silent runs the code without counting it or recording it in history.
	Silent bool
}

// ExecuteResult is the outcome of Execute.
type ExecuteResult struct {
	ID             string         `json:"id"`
	Status         history.Status `json:"status"`
	ExecutionCount int            `json:"execution_count"`
	Stdout         string         `json:"stdout"`
	Stderr         string         `json:"stderr"`
}

// active is the request the coordinator is running.
type active struct {
	req     execution.Request
	opts    ExecuteOptions
	count   int
	started time.Time
	stdout  strings.Builder
	stderr  strings.Builder
}

// Kernel is an interactive kernel around one interpreter.
type Kernel struct {
	name     string
	session  string
	interp   interp.Interpreter
	lock     *lock.RuntimeLock
	coord    *execution.Coordinator
	registry *dispatch.Registry
	comms    *comm.Manager
	history  history.Store
	inspect  *variables.Inspector

	iopub   *Broadcaster[Message]
	events  *Broadcaster[frontend.Event]
	refresh *Broadcaster[variables.Refresh]

	finished *queue.Unbounded[history.Entry]
	populate chan struct{}
	ready    chan struct{}

	mu      sync.Mutex
	count   int
	current *active
	options map[string]ExecuteOptions
	waiters map[string]chan ExecuteResult

	logger       *slog.Logger
	metrics      *telemetry.KernelMetrics
	pollInterval time.Duration
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithName sets the kernel name reported by Info.
func WithName(name string) Option {
	return func(k *Kernel) {
		if name != "" {
			k.name = name
		}
	}
}

// WithSession sets the session id. A random one is used otherwise.
func WithSession(id string) Option {
	return func(k *Kernel) {
		if id != "" {
			k.session = id
		}
	}
}

// WithHistory records finished executions in store.
func WithHistory(store history.Store) Option {
	return func(k *Kernel) {
		k.history = store
	}
}

// WithLogger sets the logger of the kernel and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(k *Kernel) {
		if logger != nil {
			k.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink of the kernel and its components.
func WithMetrics(m *telemetry.KernelMetrics) Option {
	return func(k *Kernel) {
		k.metrics = m
	}
}

// WithPollInterval bounds each console wait of the coordinator.
func WithPollInterval(d time.Duration) Option {
	return func(k *Kernel) {
		k.pollInterval = d
	}
}

// New returns a kernel around in. When in also exposes its environment,
// the variables comm target is registered.
func New(in interp.Interpreter, opts ...Option) *Kernel {
	k := &Kernel{
		name:     "kernos",
		session:  uuid.NewString(),
		interp:   in,
		lock:     lock.New(),
		iopub:    NewBroadcaster[Message](),
		events:   NewBroadcaster[frontend.Event](),
		refresh:  NewBroadcaster[variables.Refresh](),
		finished: queue.New[history.Entry](),
		populate: make(chan struct{}, 1),
		ready:    make(chan struct{}),
		options:  make(map[string]ExecuteOptions),
		waiters:  make(map[string]chan ExecuteResult),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.logger = k.logger.With("session", k.session)

	copts := []execution.Option{execution.WithLogger(k.logger), execution.WithMetrics(k.metrics)}
	if k.pollInterval > 0 {
		copts = append(copts, execution.WithPollInterval(k.pollInterval))
	}
	k.coord = execution.New(in, k.lock, k, copts...)
	k.registry = dispatch.NewRegistry(dispatch.WithLogger(k.logger), dispatch.WithMetrics(k.metrics))
	k.comms = comm.NewManager(k.publishComm,
		comm.WithManagerLogger(k.logger), comm.WithManagerMetrics(k.metrics))

	k.comms.RegisterTarget(frontend.TargetName, k.openFrontend)
	if env, ok := in.(interp.Environment); ok {
		k.inspect = variables.NewInspector(env, k.registry, k.lock, k.logger)
		k.comms.RegisterTarget(variables.TargetName, func(_ context.Context, id string, _ json.RawMessage) (comm.Session, error) {
			refresh, unsubscribe := k.refresh.Subscribe()
			relay, _ := variables.New(id, k.inspect, refresh, k.relayOptions()...)
			return hooked{Session: relay, after: unsubscribe}, nil
		})
	}
	return k
}

func (k *Kernel) relayOptions() []comm.RelayOption {
	return []comm.RelayOption{comm.WithRelayLogger(k.logger), comm.WithRelayMetrics(k.metrics)}
}

func (k *Kernel) openFrontend(_ context.Context, id string, _ json.RawMessage) (comm.Session, error) {
	events, unsubscribe := k.events.Subscribe()
	relay, _ := frontend.New(id, events, k.logger, k.relayOptions()...)
	return hooked{Session: relay, after: unsubscribe}, nil
}

// hooked runs after once its session ends.
type hooked struct {
	comm.Session
	after func()
}

func (h hooked) Run(ctx context.Context) error {
	defer h.after()
	return h.Session.Run(ctx)
}

// Info describes the kernel.
func (k *Kernel) Info() Info {
	return Info{
		Name:               k.name,
		Session:            k.session,
		Prompt:             k.interp.DefaultPrompt(),
		ContinuationPrompt: k.interp.ContinuationPrompt(),
	}
}

// Session returns the session id.
func (k *Kernel) Session() string { return k.session }

// Registry returns the dispatch registry.
func (k *Kernel) Registry() *dispatch.Registry { return k.registry }

// Inspector describes the interpreter's variables. It is nil when the
// interpreter does not expose its environment.
func (k *Kernel) Inspector() *variables.Inspector { return k.inspect }

// History returns the history store, if any.
func (k *Kernel) History() history.Store { return k.history }

// Comms returns the comm manager.
func (k *Kernel) Comms() *comm.Manager { return k.comms }

// Coordinator returns the execution coordinator.
func (k *Kernel) Coordinator() *execution.Coordinator { return k.coord }

// Ready is closed once the interpreter showed its first prompt.
func (k *Kernel) Ready() <-chan struct{} { return k.ready }

// Done is closed when the kernel stopped executing requests.
func (k *Kernel) Done() <-chan struct{} { return k.coord.Done() }

// Subscribe returns the broadcast stream and its cancel function.
func (k *Kernel) Subscribe() (<-chan Message, func()) { return k.iopub.Subscribe() }

// Run runs the interpreter and the coordinator until shutdown, the
// interpreter exits or ctx is done. Comms are closed on return.
func (k *Kernel) Run(ctx context.Context) error {
	k.iopub.Publish(newMessage(MsgStatus, "", Status{ExecutionState: StateStarting}))
	k.logger.Info("kernel.run.start", "name", k.name)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return k.coord.RunInterpreter(gctx)
	})
	g.Go(func() error {
		defer k.finished.Close()
		return k.coord.RunForever(gctx)
	})
	g.Go(func() error {
		k.maintain(gctx)
		return nil
	})
	err := g.Wait()

	k.comms.Shutdown()
	k.failWaiters()
	k.events.Close()
	k.refresh.Close()
	k.iopub.Close()
	if err != nil {
		k.logger.Error("kernel.run.stop", "error", err)
		k.metrics.RecordError(ctx, err, "kernel")
		return err
	}
	k.logger.Info("kernel.run.stop")
	return nil
}

// maintain records history and repopulates the dispatch registry outside
// the coordinator goroutine. It returns once the coordinator stopped and
// every finished execution was recorded.
func (k *Kernel) maintain(ctx context.Context) {
	entries := k.finished.C()
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return
			}
			k.record(context.WithoutCancel(ctx), e)
		case <-k.populate:
			k.populateRegistry(ctx)
		}
	}
}

func (k *Kernel) record(ctx context.Context, e history.Entry) {
	if k.history == nil {
		return
	}
	if _, err := k.history.Append(ctx, e); err != nil {
		k.logger.Warn("kernel.history.append", "execution_count", e.ExecutionCount, "error", err)
		k.metrics.RecordError(ctx, err, "history")
	}
}

// populateRegistry rescans loaded namespaces. Namespace loads are not
// observed directly, so this runs after every execution.
func (k *Kernel) populateRegistry(ctx context.Context) {
	p, ok := k.interp.(interp.NamespaceProvider)
	if !ok {
		return
	}
	var n int
	err := k.lock.Do(ctx, func() error {
		n = k.registry.PopulateLoaded(ctx, p)
		return nil
	})
	if err != nil {
		k.logger.Debug("kernel.registry.populate_skipped", "error", err)
		return
	}
	k.logger.Debug("kernel.registry.populated", "registered", n, "size", k.registry.Len())
}

func (k *Kernel) schedulePopulate() {
	select {
	case k.populate <- struct{}{}:
	default:
	}
}

// Submit queues code for execution and returns its originator id.
func (k *Kernel) Submit(code string, opts ExecuteOptions) (string, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	k.mu.Lock()
	k.options[opts.ID] = opts
	k.mu.Unlock()
	err := k.coord.Submit(execution.Execute(code, opts.ID, map[string]any{"silent": opts.Silent}))
	if err != nil {
		k.mu.Lock()
		delete(k.options, opts.ID)
		k.mu.Unlock()
		return "", err
	}
	return opts.ID, nil
}

// Execute runs code and waits for its reply.
func (k *Kernel) Execute(ctx context.Context, code string, opts ExecuteOptions) (ExecuteResult, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	wait := make(chan ExecuteResult, 1)
	k.mu.Lock()
	k.waiters[opts.ID] = wait
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		delete(k.waiters, opts.ID)
		k.mu.Unlock()
	}()

	if _, err := k.Submit(code, opts); err != nil {
		return ExecuteResult{}, err
	}
	select {
	case res, ok := <-wait:
		if !ok {
			return ExecuteResult{}, ErrShutdown
		}
		return res, nil
	case <-ctx.Done():
		return ExecuteResult{}, ctx.Err()
	}
}

// ReplyInput answers the open input request.
func (k *Kernel) ReplyInput(line string) error {
	return k.coord.ReplyInput(line)
}

// Interrupt asks the interpreter to abandon the running evaluation.
func (k *Kernel) Interrupt() error {
	return k.coord.Submit(execution.Interrupt())
}

// Shutdown stops the kernel once the queued requests ran.
func (k *Kernel) Shutdown(restart bool) error {
	select {
	case <-k.coord.Done():
		return execution.ErrClosed
	default:
	}
	// Published first: the broadcasts close as soon as the coordinator stops.
	k.events.Publish(frontend.Shutdown(restart))
	k.iopub.Publish(newMessage(MsgShutdownReply, "", ShutdownReply{Restart: restart}))
	return k.coord.Submit(execution.Shutdown())
}

// Deliver routes a front-end comm message.
func (k *Kernel) Deliver(ctx context.Context, msgType string, w comm.Wire) error {
	return k.comms.Deliver(ctx, msgType, w)
}

func (k *Kernel) publishComm(msgType string, w comm.Wire) {
	k.iopub.Publish(newMessage(msgType, "", w))
}

func (k *Kernel) failWaiters() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for id, w := range k.waiters {
		close(w)
		delete(k.waiters, id)
	}
}

// ErrShutdown is returned by Execute when the kernel stops first.
var ErrShutdown = errors.New(errors.CodeCommClosed, "kernel shut down", nil)

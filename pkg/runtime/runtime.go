// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

// Package runtime runs a kernel and the servers exposing it as one process.
package runtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/jllopis/kernos/pkg/config"
	"github.com/jllopis/kernos/pkg/history"
	"github.com/jllopis/kernos/pkg/interp"
	"github.com/jllopis/kernos/pkg/interp/goeval"
	"github.com/jllopis/kernos/pkg/kernel"
	kmcp "github.com/jllopis/kernos/pkg/mcp"
	"github.com/jllopis/kernos/pkg/resilience"
	"github.com/jllopis/kernos/pkg/telemetry"
	"github.com/jllopis/kernos/pkg/transport/heartbeat"
	"github.com/jllopis/kernos/pkg/transport/ws"
)

// shutdownGrace bounds how long HTTP servers wait for open requests.
const shutdownGrace = 5 * time.Second

// Runtime owns a kernel, its history store and its servers.
type Runtime struct {
	cfg     *config.Config
	version string
	kernel  *kernel.Kernel
	store   history.Store
	closer  func() error

	wsServer  *ws.Server
	wsLis     net.Listener
	heartbeat *heartbeat.Server
	hbLis     net.Listener
	mcp       *kmcp.Server
	mcpLis    net.Listener

	sweeper *Sweeper
	logger  *slog.Logger
	metrics *telemetry.KernelMetrics
	tracer  trace.Tracer
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger of the runtime and everything it runs.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.KernelMetrics) Option {
	return func(r *Runtime) {
		r.metrics = m
	}
}

// WithVersion sets the version reported by the MCP server.
func WithVersion(v string) Option {
	return func(r *Runtime) {
		r.version = v
	}
}

// NewInterpreter builds the interpreter cfg names.
func NewInterpreter(cfg config.InterpreterConfig) (interp.Interpreter, error) {
	switch cfg.Engine {
	case "", "goeval":
		return goeval.New(goeval.Options{
			Prompt:             cfg.Prompt,
			ContinuationPrompt: cfg.ContinuationPrompt,
		})
	default:
		return nil, fmt.Errorf("unknown interpreter engine %q", cfg.Engine)
	}
}

// OpenHistory opens the store cfg names. The returned function closes it.
func OpenHistory(cfg config.HistoryConfig) (history.Store, func() error, error) {
	switch cfg.Driver {
	case "", "memory":
		return history.NewMemoryStore(), func() error { return nil }, nil
	case "sqlite":
		store, err := history.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open history %s: %w", cfg.Path, err)
		}
		return history.WithRetry(store, resilience.DefaultRetry()), store.Close, nil
	case "none":
		return nil, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown history driver %q", cfg.Driver)
	}
}

// New wires a runtime for in and binds its listeners. Call Run to serve,
// or Close to release the listeners without serving.
func New(cfg *config.Config, in interp.Interpreter, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		cfg:     cfg,
		version: "dev",
		logger:  slog.Default(),
		tracer:  otel.Tracer("kernos/runtime"),
	}
	for _, opt := range opts {
		opt(r)
	}

	store, closer, err := OpenHistory(cfg.History)
	if err != nil {
		return nil, err
	}
	r.store, r.closer = store, closer

	kopts := []kernel.Option{
		kernel.WithName(cfg.Kernel.Name),
		kernel.WithSession(cfg.Kernel.Session),
		kernel.WithPollInterval(cfg.Interpreter.PollInterval()),
		kernel.WithLogger(r.logger),
		kernel.WithMetrics(r.metrics),
	}
	if store != nil {
		kopts = append(kopts, kernel.WithHistory(store))
	}
	r.kernel = kernel.New(in, kopts...)

	checks := heartbeat.NewChecks()
	checks.Register("kernel", heartbeat.KernelChecker(r.kernel))
	if store != nil {
		checks.Register("history", heartbeat.StoreChecker(store))
		if retention := cfg.History.Retention(); retention > 0 {
			r.sweeper = NewSweeper(cfg.History.SweepInterval(), retention, r.logger)
			r.sweeper.Add("history", store)
		}
	}

	if err := r.listen(checks); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Runtime) listen(checks *heartbeat.Checks) error {
	var err error
	if addr := r.cfg.Transport.WebSocketAddr; addr != "" {
		if r.wsLis, err = net.Listen("tcp", addr); err != nil {
			return fmt.Errorf("listen websocket %s: %w", addr, err)
		}
		r.wsServer = ws.NewServer(r.kernel, ws.WithLogger(r.logger), ws.WithMetrics(r.metrics))
	}
	if addr := r.cfg.Transport.HeartbeatAddr; addr != "" {
		if r.hbLis, err = net.Listen("tcp", addr); err != nil {
			return fmt.Errorf("listen heartbeat %s: %w", addr, err)
		}
		r.heartbeat = heartbeat.New(checks, heartbeat.WithLogger(r.logger))
	}
	if r.cfg.MCP.Enabled {
		mopts := []kmcp.Option{kmcp.WithLogger(r.logger)}
		if r.store != nil {
			mopts = append(mopts, kmcp.WithHistory(r.store))
		}
		if in := r.kernel.Inspector(); in != nil {
			mopts = append(mopts, kmcp.WithInspector(in))
		}
		r.mcp = kmcp.NewServer(r.cfg.Kernel.Name, r.version, r.kernel, mopts...)
		if r.cfg.MCP.Transport == "http" {
			if r.mcpLis, err = net.Listen("tcp", r.cfg.MCP.Addr); err != nil {
				return fmt.Errorf("listen mcp %s: %w", r.cfg.MCP.Addr, err)
			}
		}
	}
	return nil
}

// Kernel returns the kernel.
func (r *Runtime) Kernel() *kernel.Kernel { return r.kernel }

// WebSocketAddr returns the bound WebSocket address, or nil.
func (r *Runtime) WebSocketAddr() net.Addr { return addrOf(r.wsLis) }

// HeartbeatAddr returns the bound heartbeat address, or nil.
func (r *Runtime) HeartbeatAddr() net.Addr { return addrOf(r.hbLis) }

func addrOf(l net.Listener) net.Addr {
	if l == nil {
		return nil
	}
	return l.Addr()
}

// Close releases the listeners and the history store. Run calls it.
func (r *Runtime) Close() {
	for _, l := range []net.Listener{r.wsLis, r.hbLis, r.mcpLis} {
		if l != nil {
			_ = l.Close()
		}
	}
	if r.closer != nil {
		if err := r.closer(); err != nil {
			r.logger.Warn("runtime.history.close", "error", err)
		}
		r.closer = nil
	}
}

// Run serves until the kernel shuts down or ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	defer r.Close()
	ctx, span := r.tracer.Start(ctx, "Runtime.Run")
	defer span.End()
	r.logger.InfoContext(ctx, "runtime.run.start", "session", r.kernel.Session())

	// stop ends the servers once the kernel is gone.
	stopCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(stopCtx)

	g.Go(func() error {
		defer stop()
		return r.kernel.Run(gctx)
	})
	if r.wsServer != nil {
		srv := &http.Server{Handler: r.wsMux(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error { return serveHTTP(gctx, srv, r.wsLis) })
		g.Go(func() error {
			<-gctx.Done()
			r.wsServer.Wait()
			return nil
		})
	}
	if r.heartbeat != nil {
		g.Go(func() error {
			r.heartbeat.Run(gctx)
			r.heartbeat.Stop()
			return nil
		})
		g.Go(func() error {
			if err := r.heartbeat.Serve(r.hbLis); err != nil && !stderrors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
	}
	if r.mcp != nil {
		if r.mcpLis != nil {
			srv := &http.Server{Handler: r.mcp.StreamableHTTPServer(), ReadHeaderTimeout: 10 * time.Second}
			g.Go(func() error { return serveHTTP(gctx, srv, r.mcpLis) })
		} else {
			// Stdio has no way to interrupt a pending read; the goroutine
			// ends with the process.
			go func() {
				if err := r.mcp.ServeStdio(); err != nil {
					r.logger.Warn("runtime.mcp.stdio", "error", err)
				}
			}()
		}
	}
	if r.sweeper != nil {
		g.Go(func() error {
			r.sweeper.Run(gctx)
			return nil
		})
	}

	err := g.Wait()
	if err != nil && !stderrors.Is(err, context.Canceled) {
		span.RecordError(err)
		r.logger.ErrorContext(ctx, "runtime.run.error", "error", err)
		return err
	}
	r.logger.InfoContext(ctx, "runtime.run.complete")
	return nil
}

func (r *Runtime) wsMux() http.Handler {
	mux := http.NewServeMux()
	path := r.cfg.Transport.WebSocketPath
	if path == "" {
		path = "/"
	}
	mux.Handle(path, r.wsServer)
	return mux
}

// serveHTTP serves srv on lis until ctx is done.
func serveHTTP(ctx context.Context, srv *http.Server, lis net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(lis) }()
	select {
	case err := <-errc:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		<-errc
		return err
	}
}

// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jllopis/kernos/pkg/config"
	"github.com/jllopis/kernos/pkg/runtime"
	"github.com/jllopis/kernos/pkg/telemetry"
)

func newServeCmd(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the kernel and its servers until shut down",
		Long: `Run the kernel with the configured interpreter and serve it over
WebSocket, the gRPC health protocol and, when enabled, MCP.

Changes to the log level in the config file apply without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), global)
		},
	}
}

func serve(ctx context.Context, global *globalFlags) error {
	watcher, cfg, err := config.WatchConfig(ctx, global.sources())
	if err != nil {
		return NewConfigError(err, global.ConfigPath)
	}
	defer watcher.Stop()

	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	watcher.OnChange(func(next *config.Config) {
		telemetry.SetLogLevel(next.Log.Level)
		logger.Info("kernos.log_level", "level", next.Log.Level)
	})

	shutdown, err := telemetry.InitWithConfig("kernos", version, telemetry.Config{
		Exporter:           cfg.Telemetry.Exporter,
		OTLPEndpoint:       cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:       cfg.Telemetry.OTLPInsecure,
		OTLPTimeoutSeconds: cfg.Telemetry.OTLPTimeoutSeconds,
		Session:            cfg.Kernel.Session,
	})
	if err != nil {
		return NewConfigError(err, global.ConfigPath)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("kernos.telemetry.shutdown", "error", err)
		}
	}()

	metrics, err := telemetry.NewKernelMetrics(ctx)
	if err != nil {
		logger.Warn("kernos.metrics.disabled", "error", err)
		metrics = nil
	}

	in, err := runtime.NewInterpreter(cfg.Interpreter)
	if err != nil {
		return NewConfigError(err, global.ConfigPath)
	}
	rt, err := runtime.New(cfg, in,
		runtime.WithLogger(logger),
		runtime.WithMetrics(metrics),
		runtime.WithVersion(version),
	)
	if err != nil {
		return NewStartupError(err)
	}

	attrs := []any{"version", version, "session", rt.Kernel().Session(), "engine", cfg.Interpreter.Engine}
	if addr := rt.WebSocketAddr(); addr != nil {
		attrs = append(attrs, "websocket", "ws://"+addr.String()+cfg.Transport.WebSocketPath)
	}
	if addr := rt.HeartbeatAddr(); addr != nil {
		attrs = append(attrs, "heartbeat", addr.String())
	}
	logger.Info("kernos.serve", attrs...)

	if err := rt.Run(ctx); err != nil {
		return err
	}
	logger.Info("kernos.stopped", slog.String("session", rt.Kernel().Session()))
	return nil
}

// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Pruner drops records older than a cutoff. history.Store implements it.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int, error)
}

type namedPruner struct {
	name string
	p    Pruner
}

// Sweeper periodically prunes records older than its retention.
type Sweeper struct {
	interval  time.Duration
	retention time.Duration
	timeout   time.Duration
	pruners   []namedPruner
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper returns a sweeper that runs every interval and keeps
// records younger than retention.
func NewSweeper(interval, retention time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		interval:  interval,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Add registers a pruner under name.
func (s *Sweeper) Add(name string, p Pruner) {
	if p == nil {
		return
	}
	s.pruners = append(s.pruners, namedPruner{name: name, p: p})
}

// SetTimeout bounds each sweep. Zero means no bound.
func (s *Sweeper) SetTimeout(d time.Duration) {
	s.timeout = d
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 || s.retention <= 0 || len(s.pruners) == 0 {
		s.logger.Info("runtime.history.sweeper.disabled",
			slog.Duration("interval", s.interval),
			slog.Duration("retention", s.retention),
			slog.Int("pruners", len(s.pruners)),
		)
		return
	}
	initSweepMetrics()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("runtime.history.sweeper.start",
		slog.Duration("interval", s.interval),
		slog.Duration("retention", s.retention),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("runtime.history.sweeper.stop")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep prunes every registered pruner once and returns the total removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	initSweepMetrics()
	start := time.Now()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	cutoff := s.now().Add(-s.retention)
	ctx, span := otel.Tracer("kernos/runtime").Start(ctx, "runtime.history.sweep",
		trace.WithAttributes(
			attribute.Int("pruners", len(s.pruners)),
			attribute.String("cutoff", cutoff.UTC().Format(time.RFC3339)),
		),
	)
	defer span.End()
	traceID, spanID := traceIDs(span)

	total := 0
	for _, np := range s.pruners {
		attrs := metric.WithAttributes(attribute.String("pruner", np.name))
		pstart := time.Now()
		removed, err := np.p.Prune(ctx, cutoff)
		durationMs := float64(time.Since(pstart).Microseconds()) / 1000
		sweepCounter.Add(ctx, 1, attrs)
		sweepLatencyMs.Record(ctx, durationMs, attrs)
		if err != nil {
			sweepErrorCounter.Add(ctx, 1, attrs)
			span.RecordError(err)
			s.logger.Warn("runtime.history.prune.error",
				slog.String("pruner", np.name),
				slog.Float64("duration_ms", durationMs),
				slog.String("trace_id", traceID),
				slog.String("span_id", spanID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if removed > 0 {
			prunedCounter.Add(ctx, int64(removed), attrs)
		}
		total += removed
		s.logger.Debug("runtime.history.prune",
			slog.String("pruner", np.name),
			slog.Int("removed", removed),
			slog.Float64("duration_ms", durationMs),
		)
	}
	span.SetAttributes(attribute.Int("removed", total))
	s.logger.Info("runtime.history.sweep.complete",
		slog.Int("removed", total),
		slog.Duration("elapsed", time.Since(start)),
		slog.String("trace_id", traceID),
		slog.String("span_id", spanID),
	)
	return total
}

var (
	sweepMetricsOnce  sync.Once
	sweepCounter      metric.Int64Counter
	sweepErrorCounter metric.Int64Counter
	prunedCounter     metric.Int64Counter
	sweepLatencyMs    metric.Float64Histogram
)

func initSweepMetrics() {
	sweepMetricsOnce.Do(func() {
		meter := otel.Meter("kernos/runtime")
		sweepCounter, _ = meter.Int64Counter("kernos.runtime.history.sweep.count")
		sweepErrorCounter, _ = meter.Int64Counter("kernos.runtime.history.sweep.error.count")
		prunedCounter, _ = meter.Int64Counter("kernos.runtime.history.pruned.count")
		sweepLatencyMs, _ = meter.Float64Histogram("kernos.runtime.history.sweep.latency_ms")
	})
}

func traceIDs(span trace.Span) (string, string) {
	sc := span.SpanContext()
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}

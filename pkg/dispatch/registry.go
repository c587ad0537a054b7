// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch maps capabilities to interpreter-resident implementations
// discovered at runtime.
//
// Implementations are found by naming convention: a namespace binding
// called VariableDisplayValue_Point implements VariableDisplayValue for
// values whose class list contains "Point". Lookups walk a value's classes
// in order, so the most specific implementation wins.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/kernos/pkg/errors"
	"github.com/jllopis/kernos/pkg/interp"
	"github.com/jllopis/kernos/pkg/telemetry"
)

type key struct {
	capability Capability
	class      string
}

// Registry is a (capability, class) -> callable table.
//
// The table has its own mutex so lookups are safe from any goroutine, but
// TryDispatch and the populate functions call into the interpreter and
// therefore require the runtime lock.
type Registry struct {
	mu      sync.RWMutex
	table   map[key]interp.Callable
	logger  *slog.Logger
	metrics *telemetry.KernelMetrics
	tracer  trace.Tracer
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.KernelMetrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		table:  make(map[key]interp.Callable),
		logger: slog.Default(),
		tracer: otel.Tracer("kernos/dispatch"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds fn to (capability, class). A later registration for the
// same pair replaces the earlier one.
func (r *Registry) Register(capability Capability, class string, fn interp.Callable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[key{capability, class}] = fn
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.table)
}

func (r *Registry) lookup(capability Capability, classes []string) (interp.Callable, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, class := range classes {
		if fn, ok := r.table[key{capability, class}]; ok {
			return fn, class, true
		}
	}
	return nil, "", false
}

// HasMethod reports whether target has an implementation of capability.
func (r *Registry) HasMethod(capability Capability, target interp.Value) bool {
	if target == nil || !target.IsObject() {
		return false
	}
	_, _, ok := r.lookup(capability, target.Classes())
	return ok
}

// TryDispatch calls the implementation of capability for target, passing
// target's raw value followed by args.
//
// ok is false when there is no implementation; that is not an error. When
// an implementation exists but fails, err is a DISPATCH_FAILURE error.
// Values that are not objects return immediately without a table lookup.
func (r *Registry) TryDispatch(ctx context.Context, capability Capability, target interp.Value, args ...any) (any, bool, error) {
	if target == nil || !target.IsObject() {
		return nil, false, nil
	}
	fn, class, ok := r.lookup(capability, target.Classes())
	if !ok {
		r.metrics.RecordDispatch(ctx, capability.String(), "miss")
		return nil, false, nil
	}

	ctx, span := r.tracer.Start(ctx, "Registry.TryDispatch",
		trace.WithAttributes(telemetry.DispatchAttributes(capability.String(), class)...))
	defer span.End()

	callArgs := make([]any, 0, len(args)+1)
	callArgs = append(callArgs, target.Raw())
	callArgs = append(callArgs, args...)
	out, err := fn.Call(ctx, callArgs...)
	if err != nil {
		kerr := errors.New(errors.CodeDispatchFailure,
			fmt.Sprintf("%s_%s failed", capability.Symbol(), class), err).
			WithContext("capability", capability.String()).
			WithContext("class", class).
			WithRecoverable(true)
		span.RecordError(kerr)
		span.SetStatus(codes.Error, kerr.Message)
		r.metrics.RecordDispatch(ctx, capability.String(), "failure")
		r.metrics.RecordError(ctx, kerr, "dispatch")
		return nil, true, kerr
	}
	r.metrics.RecordDispatch(ctx, capability.String(), "hit")
	return out, true, nil
}

// PopulateFromNamespace scans ns once and registers every binding named
// <CapabilitySymbol>_<Class>. Active bindings are not forced. Bindings that
// fail to resolve or are not callable are logged and skipped. It returns
// the number of registrations made.
func (r *Registry) PopulateFromNamespace(ctx context.Context, ns interp.Namespace) int {
	registered := 0
	for _, b := range ns.Bindings() {
		if b.Kind != interp.BindingStandard && b.Kind != interp.BindingPromise {
			continue
		}
		capability, class, ok := parseSymbol(b.Name)
		if !ok {
			continue
		}
		value, err := ns.Resolve(b.Name)
		if err != nil {
			r.logger.WarnContext(ctx, "dispatch.populate.skip",
				"namespace", ns.Name(), "symbol", b.Name, "error", err)
			continue
		}
		var raw any
		if value != nil {
			raw = value.Raw()
		}
		fn, err := AsCallable(raw)
		if err != nil {
			r.logger.WarnContext(ctx, "dispatch.populate.skip",
				"namespace", ns.Name(), "symbol", b.Name, "error", err)
			continue
		}
		r.Register(capability, class, fn)
		registered++
		r.logger.DebugContext(ctx, "dispatch.populate.register",
			"namespace", ns.Name(), "capability", capability.String(), "class", class)
	}
	return registered
}

// PopulateLoaded populates from every namespace p reports, in order, so
// later namespaces override earlier ones. A namespace that panics while
// being scanned is logged and the scan continues.
func (r *Registry) PopulateLoaded(ctx context.Context, p interp.NamespaceProvider) int {
	total := 0
	for _, ns := range p.LoadedNamespaces() {
		n, err := r.populateSafe(ctx, ns)
		if err != nil {
			r.logger.WarnContext(ctx, "dispatch.populate.namespace_failed",
				"namespace", ns.Name(), "error", err)
			continue
		}
		total += n
	}
	return total
}

func (r *Registry) populateSafe(ctx context.Context, ns interp.Namespace) (n int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return r.PopulateFromNamespace(ctx, ns), nil
}

func parseSymbol(name string) (Capability, string, bool) {
	for _, c := range Capabilities() {
		prefix := c.Symbol() + "_"
		if strings.HasPrefix(name, prefix) && len(name) > len(prefix) {
			return c, name[len(prefix):], true
		}
	}
	return 0, "", false
}

// Dispatch is TryDispatch with the result converted to T. A result of the
// wrong type is a dispatch failure.
func Dispatch[T any](ctx context.Context, r *Registry, capability Capability, target interp.Value, args ...any) (T, bool, error) {
	var zero T
	out, ok, err := r.TryDispatch(ctx, capability, target, args...)
	if !ok || err != nil {
		return zero, ok, err
	}
	v, isT := out.(T)
	if !isT {
		return zero, true, errors.New(errors.CodeDispatchFailure,
			fmt.Sprintf("%s returned %T, want %T", capability.String(), out, zero), nil).
			WithContext("capability", capability.String())
	}
	return v, true, nil
}

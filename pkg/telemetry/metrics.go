// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/kernos/pkg/errors"
)

// KernelMetrics holds the instruments shared by the execution core.
// All methods are safe on a nil receiver.
type KernelMetrics struct {
	// requests counts finished execute requests by outcome
	requests metric.Int64Counter

	// prompts counts prompt classifications by kind
	prompts metric.Int64Counter

	// lockHandoff records how long an out-of-band handoff of the runtime lock took
	lockHandoff metric.Float64Histogram

	// commMessages counts comm messages by kind and direction
	commMessages metric.Int64Counter

	// violations counts protocol violations by comm name
	violations metric.Int64Counter

	// dispatches counts dispatch lookups by capability and result
	dispatches metric.Int64Counter

	// errorCounter tracks errors by code and component
	errorCounter metric.Int64Counter
}

var (
	defaultMetrics     *KernelMetrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns process-wide metrics bound to the global meter provider.
// It returns nil when instruments cannot be created.
func DefaultMetrics() *KernelMetrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewKernelMetrics(context.Background())
		if err == nil {
			defaultMetrics = m
		}
	})
	return defaultMetrics
}

// NewKernelMetrics creates the kernel instruments on the global meter.
func NewKernelMetrics(ctx context.Context) (*KernelMetrics, error) {
	meter := otel.Meter("kernos/kernel")

	requests, err := meter.Int64Counter(
		"kernos.execution.requests",
		metric.WithDescription("Execute requests by terminal outcome"),
	)
	if err != nil {
		return nil, err
	}

	prompts, err := meter.Int64Counter(
		"kernos.execution.prompts",
		metric.WithDescription("Prompt observations by classification"),
	)
	if err != nil {
		return nil, err
	}

	lockHandoff, err := meter.Float64Histogram(
		"kernos.lock.handoff_ms",
		metric.WithDescription("Runtime lock handoff latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	commMessages, err := meter.Int64Counter(
		"kernos.comm.messages",
		metric.WithDescription("Comm messages by kind and direction"),
	)
	if err != nil {
		return nil, err
	}

	violations, err := meter.Int64Counter(
		"kernos.comm.protocol_violations",
		metric.WithDescription("Protocol violations observed on comms"),
	)
	if err != nil {
		return nil, err
	}

	dispatches, err := meter.Int64Counter(
		"kernos.dispatch.calls",
		metric.WithDescription("Dispatch lookups by capability and result (hit, miss, failure)"),
	)
	if err != nil {
		return nil, err
	}

	errorCounter, err := meter.Int64Counter(
		"kernos.errors.total",
		metric.WithDescription("Total errors by code and component"),
	)
	if err != nil {
		return nil, err
	}

	return &KernelMetrics{
		requests:     requests,
		prompts:      prompts,
		lockHandoff:  lockHandoff,
		commMessages: commMessages,
		violations:   violations,
		dispatches:   dispatches,
		errorCounter: errorCounter,
	}, nil
}

// RecordRequest counts a finished request with its outcome.
func (m *KernelMetrics) RecordRequest(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrExecOutcome, outcome)))
}

// RecordPrompt counts a prompt classification.
func (m *KernelMetrics) RecordPrompt(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.prompts.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrPromptKind, kind)))
}

// RecordLockHandoff records the latency of a lock release/reacquire cycle.
func (m *KernelMetrics) RecordLockHandoff(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.lockHandoff.Record(ctx, float64(d.Microseconds())/1000)
}

// RecordCommMessage counts a comm message.
func (m *KernelMetrics) RecordCommMessage(ctx context.Context, name, kind, direction string) {
	if m == nil {
		return
	}
	m.commMessages.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrCommName, name),
		attribute.String(AttrCommKind, kind),
		attribute.String(AttrCommDirection, direction),
	))
}

// RecordProtocolViolation counts a dropped message that broke the comm protocol.
func (m *KernelMetrics) RecordProtocolViolation(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.violations.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrCommName, name)))
}

// RecordDispatch counts a dispatch lookup; result is one of hit, miss or failure.
func (m *KernelMetrics) RecordDispatch(ctx context.Context, capability, result string) {
	if m == nil {
		return
	}
	m.dispatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrDispatchCapability, capability),
		attribute.String(AttrDispatchResult, result),
	))
}

// RecordError increments the error counter for err's code and component.
func (m *KernelMetrics) RecordError(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}
	code := "UNKNOWN"
	recoverable := "unknown"
	var ke *errors.KernelError
	if stderrors.As(err, &ke) {
		code = string(ke.Code)
		recoverable = ke.RecoverableString()
	}
	m.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error.code", code),
		attribute.String("component", component),
		attribute.String("recoverable", recoverable),
	))
}

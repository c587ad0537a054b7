// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/jllopis/kernos/pkg/errors"
)

func TestNewKernelMetrics(t *testing.T) {
	m, err := NewKernelMetrics(context.Background())
	if err != nil {
		t.Fatalf("failed to create kernel metrics: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil KernelMetrics")
	}
}

func TestKernelMetricsRecord(t *testing.T) {
	m, _ := NewKernelMetrics(context.Background())
	ctx := context.Background()

	m.RecordRequest(ctx, "ok")
	m.RecordPrompt(ctx, "incomplete")
	m.RecordLockHandoff(ctx, 3*time.Millisecond)
	m.RecordCommMessage(ctx, "kernos.variables", "request", "in")
	m.RecordProtocolViolation(ctx, "kernos.variables")
	m.RecordDispatch(ctx, "kernel_variable_kind", "miss")
	m.RecordError(ctx, errors.New(errors.CodeDispatchFailure, "failed", nil), "dispatch")
	m.RecordError(ctx, stderrors.New("plain"), "dispatch")
	m.RecordError(ctx, nil, "dispatch")
}

func TestKernelMetricsNilSafe(t *testing.T) {
	var m *KernelMetrics
	ctx := context.Background()

	m.RecordRequest(ctx, "ok")
	m.RecordPrompt(ctx, "finished")
	m.RecordLockHandoff(ctx, time.Millisecond)
	m.RecordCommMessage(ctx, "x", "data", "out")
	m.RecordProtocolViolation(ctx, "x")
	m.RecordDispatch(ctx, "x", "hit")
	m.RecordError(ctx, stderrors.New("boom"), "x")
}

func TestDefaultMetricsIsShared(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Fatal("expected the same instance")
	}
}

// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInit(t *testing.T) {
	shutdown, err := Init("test-service", "v0.0.1")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if shutdown == nil {
		t.Fatal("Shutdown function should not be nil")
	}

	if err := shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestInitWithConfigNone(t *testing.T) {
	shutdown, err := InitWithConfig("test-service", "v0.0.1", Config{Exporter: "none"})
	if err != nil {
		t.Fatalf("InitWithConfig failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestInitWithConfigErrors(t *testing.T) {
	if _, err := InitWithConfig("svc", "v", Config{Exporter: "otlp"}); err == nil {
		t.Error("expected error for otlp without endpoint")
	}
	if _, err := InitWithConfig("svc", "v", Config{Exporter: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown exporter")
	}
}

func TestStdoutExporterWritesToOutput(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitWithConfig("kernos-test", "v0", Config{Exporter: "stdout", Output: &buf, Session: "s1"})
	if err != nil {
		t.Fatalf("InitWithConfig failed: %v", err)
	}
	_, span := otel.Tracer("kernos/test").Start(context.Background(), "probe")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"probe"`) {
		t.Errorf("span not exported: %s", out)
	}
	if !strings.Contains(out, AttrKernelSession) {
		t.Errorf("session missing from resource: %s", out)
	}
}

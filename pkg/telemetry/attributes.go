// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry integration and structured logging
// for the kernel.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic conventions for kernel telemetry.
const (
	// Kernel attributes
	AttrKernelSession = "kernos.kernel.session"
	AttrKernelName    = "kernos.kernel.name"

	// Execution attributes
	AttrExecCount      = "kernos.execution.count"
	AttrExecOriginator = "kernos.execution.originator"
	AttrExecOutcome    = "kernos.execution.outcome"
	AttrExecCodeSize   = "kernos.execution.code_size"
	AttrPromptKind     = "kernos.prompt.kind"

	// Comm attributes
	AttrCommID        = "kernos.comm.id"
	AttrCommName      = "kernos.comm.name"
	AttrCommInitiator = "kernos.comm.initiator"
	AttrCommKind      = "kernos.comm.kind"
	AttrCommDirection = "kernos.comm.direction"
	AttrCommRequestID = "kernos.comm.request_id"

	// Dispatch attributes
	AttrDispatchCapability = "kernos.dispatch.capability"
	AttrDispatchClass      = "kernos.dispatch.class"
	AttrDispatchResult     = "kernos.dispatch.result"
	AttrNamespace          = "kernos.namespace"
)

// ExecutionAttributes returns attributes for an execution span.
func ExecutionAttributes(count int, originator string, codeSize int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int(AttrExecCodeSize, codeSize),
	}
	if count > 0 {
		attrs = append(attrs, attribute.Int(AttrExecCount, count))
	}
	if originator != "" {
		attrs = append(attrs, attribute.String(AttrExecOriginator, originator))
	}
	return attrs
}

// CommAttributes returns attributes describing a comm.
func CommAttributes(id, name, initiator string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrCommID, id),
	}
	if name != "" {
		attrs = append(attrs, attribute.String(AttrCommName, name))
	}
	if initiator != "" {
		attrs = append(attrs, attribute.String(AttrCommInitiator, initiator))
	}
	return attrs
}

// DispatchAttributes returns attributes for a dispatch call.
func DispatchAttributes(capability, class string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrDispatchCapability, capability),
	}
	if class != "" {
		attrs = append(attrs, attribute.String(AttrDispatchClass, class))
	}
	return attrs
}

// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

// Capability is a generic introspection operation that interpreter-side
// code can implement per class. The set is closed; classes are open.
type Capability int

const (
	// VariableDisplayValue renders a value for the variables pane.
	VariableDisplayValue Capability = iota
	// VariableDisplayType renders a value's type for the variables pane.
	VariableDisplayType
	// VariableHasChildren reports whether a value can be expanded.
	VariableHasChildren
	// VariableKind classifies a value (e.g. "table", "collection", "other").
	VariableKind
)

var capabilityNames = [...]struct{ id, symbol string }{
	VariableDisplayValue: {"kernel_variable_display_value", "VariableDisplayValue"},
	VariableDisplayType:  {"kernel_variable_display_type", "VariableDisplayType"},
	VariableHasChildren:  {"kernel_variable_has_children", "VariableHasChildren"},
	VariableKind:         {"kernel_variable_kind", "VariableKind"},
}

// Capabilities returns every capability.
func Capabilities() []Capability {
	return []Capability{VariableDisplayValue, VariableDisplayType, VariableHasChildren, VariableKind}
}

// String returns the capability id.
func (c Capability) String() string {
	if c < 0 || int(c) >= len(capabilityNames) {
		return "unknown"
	}
	return capabilityNames[c].id
}

// Symbol is the prefix implementations are bound under in a namespace:
// <Symbol>_<Class>.
func (c Capability) Symbol() string {
	if c < 0 || int(c) >= len(capabilityNames) {
		return ""
	}
	return capabilityNames[c].symbol
}

// ParseCapability resolves a capability id.
func ParseCapability(id string) (Capability, bool) {
	for _, c := range Capabilities() {
		if c.String() == id {
			return c, true
		}
	}
	return 0, false
}

// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package interptest

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jllopis/kernos/pkg/interp"
)

// Value is an in-memory interp.Value.
type Value struct {
	V       any
	Class   []string
	TypeStr string
}

// Object returns a dispatch-eligible value with the given classes.
func Object(v any, classes ...string) *Value {
	return &Value{V: v, Class: classes}
}

// Plain returns a value that is not an object.
func Plain(v any) *Value {
	return &Value{V: v}
}

func (v *Value) IsObject() bool    { return len(v.Class) > 0 }
func (v *Value) Classes() []string { return v.Class }
func (v *Value) Raw() any          { return v.V }

func (v *Value) TypeName() string {
	if v.TypeStr != "" {
		return v.TypeStr
	}
	if len(v.Class) > 0 {
		return v.Class[0]
	}
	return fmt.Sprintf("%T", v.V)
}

func (v *Value) String() string {
	return fmt.Sprint(v.V)
}

// Namespace is an in-memory interp.Namespace. Symbols map to the raw value
// Resolve returns; Failing symbols return their error from Resolve.
type Namespace struct {
	mu      sync.Mutex
	name    string
	symbols map[string]any
	kinds   map[string]interp.BindingKind
	failing map[string]error
}

// NewNamespace returns an empty namespace.
func NewNamespace(name string) *Namespace {
	return &Namespace{
		name:    name,
		symbols: make(map[string]any),
		kinds:   make(map[string]interp.BindingKind),
		failing: make(map[string]error),
	}
}

// Bind adds a standard binding.
func (n *Namespace) Bind(name string, v any) *Namespace {
	return n.BindKind(name, v, interp.BindingStandard)
}

// BindKind adds a binding of the given kind.
func (n *Namespace) BindKind(name string, v any, kind interp.BindingKind) *Namespace {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.symbols[name] = v
	n.kinds[name] = kind
	return n
}

// Fail adds a binding whose resolution fails with err.
func (n *Namespace) Fail(name string, err error) *Namespace {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.symbols[name] = nil
	n.kinds[name] = interp.BindingStandard
	n.failing[name] = err
	return n
}

func (n *Namespace) Name() string { return n.name }

func (n *Namespace) Bindings() []interp.Binding {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]interp.Binding, 0, len(n.symbols))
	for name := range n.symbols {
		out = append(out, interp.Binding{Name: name, Kind: n.kinds[name]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (n *Namespace) Resolve(name string) (interp.Value, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err, ok := n.failing[name]; ok {
		return nil, err
	}
	v, ok := n.symbols[name]
	if !ok {
		return nil, fmt.Errorf("symbol %s not found in %s", name, n.name)
	}
	return Plain(v), nil
}

// Namespaces is an interp.NamespaceProvider over a fixed list.
type Namespaces []interp.Namespace

func (n Namespaces) LoadedNamespaces() []interp.Namespace { return n }

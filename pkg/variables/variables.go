// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

// Package variables implements the variables comm, which lets the front
// end list and inspect the interpreter's global environment.
//
// Each value is described through the dispatch registry so that
// interpreter code can customize how its own classes are shown. Values
// with no registered implementation get a description derived from their
// Go representation.
package variables

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/jllopis/kernos/pkg/comm"
	"github.com/jllopis/kernos/pkg/dispatch"
	"github.com/jllopis/kernos/pkg/errors"
	"github.com/jllopis/kernos/pkg/interp"
	"github.com/jllopis/kernos/pkg/lock"
)

// TargetName is the comm name front ends open.
const TargetName = "kernos.variables"

// Methods understood by the comm.
const (
	MethodList    = "list"
	MethodInspect = "inspect"
)

// Kinds reported when no implementation is registered.
const (
	KindString     = "string"
	KindNumber     = "number"
	KindBoolean    = "boolean"
	KindCollection = "collection"
	KindMap        = "map"
	KindFunction   = "function"
	KindEmpty      = "empty"
	KindOther      = "other"
)

// Description is how one variable is shown.
type Description struct {
	Name         string `json:"name"`
	DisplayValue string `json:"display_value"`
	DisplayType  string `json:"display_type"`
	HasChildren  bool   `json:"has_children"`
	Kind         string `json:"kind"`
	// Error carries the failures of registered implementations, if any.
	// The fields they would have set keep their fallback values.
	Error string `json:"error,omitempty"`
}

// Request is an RPC request on the comm.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type inspectParams struct {
	Name string `json:"name"`
}

// ListReply answers MethodList.
type ListReply struct {
	Variables []Description `json:"variables"`
	Length    int           `json:"length"`
}

// Refresh is sent to the front end after the environment may have changed.
type Refresh struct {
	Method string `json:"method"`
}

// RefreshEvent is the event the kernel publishes after each execution.
func RefreshEvent() Refresh { return Refresh{Method: "refresh"} }

// ErrNoVariable is returned when inspecting an unknown name.
var ErrNoVariable = errors.New(errors.CodeNotFound, "no such variable", nil)

// Inspector describes variables. All interpreter access happens under the
// runtime lock.
type Inspector struct {
	env      interp.Environment
	registry *dispatch.Registry
	lock     *lock.RuntimeLock
	logger   *slog.Logger
}

// NewInspector returns an Inspector over env.
func NewInspector(env interp.Environment, registry *dispatch.Registry, rl *lock.RuntimeLock, logger *slog.Logger) *Inspector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inspector{env: env, registry: registry, lock: rl, logger: logger}
}

// List describes every global variable.
func (in *Inspector) List(ctx context.Context) (ListReply, error) {
	var out []Description
	err := in.lock.Do(ctx, func() error {
		vars := in.env.Variables()
		out = make([]Description, 0, len(vars))
		for _, v := range vars {
			out = append(out, in.describe(ctx, v.Name, v.Value))
		}
		return nil
	})
	if err != nil {
		return ListReply{}, err
	}
	return ListReply{Variables: out, Length: len(out)}, nil
}

// Inspect describes one variable.
func (in *Inspector) Inspect(ctx context.Context, name string) (Description, error) {
	var d Description
	err := in.lock.Do(ctx, func() error {
		v, ok := in.env.Lookup(name)
		if !ok {
			return errors.New(ErrNoVariable.Code, ErrNoVariable.Message, nil).WithContext("name", name)
		}
		d = in.describe(ctx, name, v)
		return nil
	})
	return d, err
}

// describe must run with the runtime lock held. A failing implementation
// is recorded in the description and its fallback used; one variable
// never fails the listing.
func (in *Inspector) describe(ctx context.Context, name string, v interp.Value) Description {
	d := Description{
		Name:         name,
		DisplayValue: v.String(),
		DisplayType:  v.TypeName(),
		HasChildren:  hasChildren(v.Raw()),
		Kind:         kindOf(v.Raw()),
	}
	var failed []string
	if s, ok, err := dispatchVar[string](ctx, in, dispatch.VariableDisplayValue, name, v); err != nil {
		failed = append(failed, err.Error())
	} else if ok {
		d.DisplayValue = s
	}
	if s, ok, err := dispatchVar[string](ctx, in, dispatch.VariableDisplayType, name, v); err != nil {
		failed = append(failed, err.Error())
	} else if ok {
		d.DisplayType = s
	}
	if b, ok, err := dispatchVar[bool](ctx, in, dispatch.VariableHasChildren, name, v); err != nil {
		failed = append(failed, err.Error())
	} else if ok {
		d.HasChildren = b
	}
	if s, ok, err := dispatchVar[string](ctx, in, dispatch.VariableKind, name, v); err != nil {
		failed = append(failed, err.Error())
	} else if ok {
		d.Kind = s
	}
	d.Error = strings.Join(failed, "; ")
	return d
}

func dispatchVar[T any](ctx context.Context, in *Inspector, c dispatch.Capability, name string, v interp.Value) (T, bool, error) {
	out, ok, err := dispatch.Dispatch[T](ctx, in.registry, c, v)
	if err != nil {
		in.logger.WarnContext(ctx, "variables.dispatch_failed",
			"variable", name, "capability", c.String(), "error", err)
		return out, ok, fmt.Errorf("%s: %w", c.String(), err)
	}
	return out, ok, nil
}

func kindOf(raw any) string {
	if raw == nil {
		return KindEmpty
	}
	switch reflect.ValueOf(raw).Kind() {
	case reflect.String:
		return KindString
	case reflect.Bool:
		return KindBoolean
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return KindNumber
	case reflect.Slice, reflect.Array:
		return KindCollection
	case reflect.Map, reflect.Struct:
		return KindMap
	case reflect.Func:
		return KindFunction
	default:
		return KindOther
	}
}

func hasChildren(raw any) bool {
	if raw == nil {
		return false
	}
	rv := reflect.ValueOf(raw)
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	case reflect.Struct:
		return rv.NumField() > 0
	default:
		return false
	}
}

// handle serves one RPC request.
func (in *Inspector) handle(ctx context.Context, req Request) (any, error) {
	switch req.Method {
	case MethodList:
		return in.List(ctx)
	case MethodInspect:
		var p inspectParams
		if err := comm.DecodeStrict(req.Params, &p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, errors.New(errors.CodeInvalidInput, "inspect needs a name", nil)
		}
		return in.Inspect(ctx, p.Name)
	default:
		return nil, errors.Newf(errors.CodeUnhandled, "unknown method %q", req.Method)
	}
}

// New returns the session for a variables comm and the sender the
// transport feeds. Each event on refresh is forwarded so the front end
// knows to list again.
func New(id string, in *Inspector, refresh <-chan Refresh, opts ...comm.RelayOption) (*comm.Relay[Refresh], comm.Sender) {
	h := comm.Handlers[json.RawMessage, Request, any]{OnRequest: in.handle}
	ch, incoming, _ := comm.Open(comm.FrontEnd, id, TargetName, h)
	relay := comm.NewRelay(ch, refresh, nil, append([]comm.RelayOption{comm.WithRelayLogger(in.logger)}, opts...)...)
	return relay, incoming
}

// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"
	"reflect"

	"github.com/jllopis/kernos/pkg/interp"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// CallableFunc adapts a Go function to interp.Callable.
type CallableFunc func(ctx context.Context, args ...any) (any, error)

func (f CallableFunc) Call(ctx context.Context, args ...any) (any, error) {
	return f(ctx, args...)
}

// AsCallable turns v into a Callable. Accepted are interp.Callable values
// and Go functions returning nothing, one value, an error, or a value and an
// error. A leading context.Context parameter receives the call context.
func AsCallable(v any) (interp.Callable, error) {
	if v == nil {
		return nil, fmt.Errorf("nil is not callable")
	}
	if c, ok := v.(interp.Callable); ok {
		return c, nil
	}
	rv, ok := v.(reflect.Value)
	if !ok {
		rv = reflect.ValueOf(v)
	}
	if !rv.IsValid() {
		return nil, fmt.Errorf("invalid value is not callable")
	}
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return nil, fmt.Errorf("%s is not callable", rv.Type())
	}
	ft := rv.Type()
	switch ft.NumOut() {
	case 0, 1:
	case 2:
		if !ft.Out(1).Implements(errorType) {
			return nil, fmt.Errorf("%s: second result must be an error", ft)
		}
	default:
		return nil, fmt.Errorf("%s: too many results", ft)
	}
	return reflectCallable{fn: rv}, nil
}

type reflectCallable struct {
	fn reflect.Value
}

func (c reflectCallable) Call(ctx context.Context, args ...any) (out any, err error) {
	ft := c.fn.Type()
	in := make([]reflect.Value, 0, len(args)+1)
	first := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		in = append(in, reflect.ValueOf(&ctx).Elem())
		first = 1
	}
	fixed := ft.NumIn()
	if ft.IsVariadic() {
		fixed--
	}
	if len(args) < fixed-first || (!ft.IsVariadic() && len(args) > fixed-first) {
		return nil, fmt.Errorf("%s: got %d arguments", ft, len(args))
	}
	for i, a := range args {
		idx := first + i
		var want reflect.Type
		if ft.IsVariadic() && idx >= fixed {
			want = ft.In(fixed).Elem()
		} else {
			want = ft.In(idx)
		}
		v, err := convertArg(a, want)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		in = append(in, v)
	}

	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	res := c.fn.Call(in)

	switch len(res) {
	case 0:
		return nil, nil
	case 1:
		if ft.Out(0).Implements(errorType) && ft.Out(0).Kind() == reflect.Interface {
			if e, _ := res[0].Interface().(error); e != nil {
				return nil, e
			}
			return nil, nil
		}
		return res[0].Interface(), nil
	default:
		if e, _ := res[1].Interface().(error); e != nil {
			return nil, e
		}
		return res[0].Interface(), nil
	}
}

func convertArg(a any, want reflect.Type) (reflect.Value, error) {
	var v reflect.Value
	if rv, ok := a.(reflect.Value); ok {
		v = rv
	} else {
		v = reflect.ValueOf(a)
	}
	if !v.IsValid() {
		return reflect.Zero(want), nil
	}
	switch {
	case v.Type().AssignableTo(want):
		return v, nil
	case v.Kind() == reflect.Interface && !v.IsNil() && v.Elem().Type().AssignableTo(want):
		return v.Elem(), nil
	case v.Type().ConvertibleTo(want):
		return v.Convert(want), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %s as %s", v.Type(), want)
}

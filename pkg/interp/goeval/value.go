// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package goeval

import (
	"fmt"
	"reflect"
)

// value adapts a reflect.Value from the interpreter.
type value struct {
	raw any
}

func wrap(v reflect.Value) value {
	if !v.IsValid() || !v.CanInterface() {
		return value{}
	}
	return value{raw: v.Interface()}
}

func (v value) object() (Object, bool) {
	switch o := v.raw.(type) {
	case Object:
		return o, len(o.Class) > 0
	case *Object:
		if o != nil {
			return *o, len(o.Class) > 0
		}
	}
	return Object{}, false
}

func (v value) IsObject() bool {
	_, ok := v.object()
	return ok
}

func (v value) Classes() []string {
	o, _ := v.object()
	return o.Class
}

func (v value) TypeName() string {
	if o, ok := v.object(); ok {
		return o.Class[0]
	}
	if v.raw == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v.raw)
}

func (v value) String() string {
	if o, ok := v.object(); ok {
		return fmt.Sprint(o.Value)
	}
	return fmt.Sprint(v.raw)
}

// Raw returns the underlying Go value. Objects are unwrapped.
func (v value) Raw() any {
	if o, ok := v.object(); ok {
		return o.Value
	}
	return v.raw
}

// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package goeval

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestComplete(t *testing.T) {
	tests := []struct {
		src  string
		want bool
	}{
		{"x := 1", true},
		{"func f() {", false},
		{"func f() {\n\treturn\n}", true},
		{"s := `raw", false},
		{"/* open", false},
		{"xs := []int{1,\n2}", true},
		{"fmt.Println(", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, complete(tt.src), tt.src)
	}
}

func TestValue(t *testing.T) {
	obj := value{raw: NewObject([]int{1, 2}, "series", "vector")}
	require.True(t, obj.IsObject())
	require.Equal(t, []string{"series", "vector"}, obj.Classes())
	require.Equal(t, "series", obj.TypeName())
	require.Equal(t, "[1 2]", obj.String())
	require.Equal(t, []int{1, 2}, obj.Raw())

	plain := value{raw: 3}
	require.False(t, plain.IsObject())
	require.Equal(t, "int", plain.TypeName())
	require.Equal(t, 3, plain.Raw())

	require.Equal(t, "nil", value{}.TypeName())
	require.False(t, value{raw: NewObject(1)}.IsObject())
}

func TestEchoes(t *testing.T) {
	tests := []struct {
		src  string
		want bool
	}{
		{"x", true},
		{"x * 2", true},
		{"(x)", true},
		{"y := 1\ny", true},
		{"x := 1", false},
		{"fmt.Println(x)", false},
		{"(f())", false},
		{"for {\n}", false},
		{"func f() {}", false},
		{`import "os"`, false},
		{"", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, echoes(tt.src), tt.src)
	}
}

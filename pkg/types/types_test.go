package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnwrapStripsLocations(t *testing.T) {
	loc := NewLocation(NewLocation(TypeI32))
	assert.Same(t, TypeI32, loc.Unwrap())
	assert.True(t, loc.IsInteger())
	assert.True(t, loc.IsSigned())
	assert.True(t, loc.IsScalar())
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		typ                    *Type
		integer, signed, float bool
		scalar                 bool
	}{
		{TypeI8, true, true, false, true},
		{TypeU8, true, false, false, true},
		{TypeU64, true, false, false, true},
		{TypeF32, false, false, true, true},
		{TypeBool, false, false, false, true},
		{NewPointer(TypeU8), false, false, false, true},
		{NewArray(TypeI32, 4), false, false, false, false},
		{NewStruct("pair"), false, false, false, false},
		{TypeVoid, false, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			assert.Equal(t, tt.integer, tt.typ.IsInteger())
			assert.Equal(t, tt.signed, tt.typ.IsSigned())
			assert.Equal(t, tt.float, tt.typ.IsFloat())
			assert.Equal(t, tt.scalar, tt.typ.IsScalar())
		})
	}
}

func TestFieldLookup(t *testing.T) {
	point := NewStruct("point", Field{"x", TypeI32}, Field{"y", TypeF64})

	ft, ok := point.Field("y")
	assert.True(t, ok)
	assert.Same(t, TypeF64, ft)

	ft, ok = NewLocation(point).Field("x")
	assert.True(t, ok)
	assert.Same(t, TypeI32, ft)

	_, ok = point.Field("z")
	assert.False(t, ok)
	_, ok = TypeI32.Field("x")
	assert.False(t, ok)
}

func TestString(t *testing.T) {
	anon := NewUnion("", Field{"i", TypeI32}, Field{"f", TypeF32})
	tests := map[string]*Type{
		"*u8":                      NewPointer(TypeU8),
		"[4]i32":                   NewArray(TypeI32, 4),
		"[]*i8":                    NewOpenArray(NewPointer(TypeI8)),
		"&i64":                     NewLocation(TypeI64),
		"fun(i32, f64): void":      NewFunc([]*Type{TypeI32, TypeF64}, nil),
		"union { i: i32; f: f32 }": anon,
		"point":                    NewStruct("point"),
	}
	for want, typ := range tests {
		assert.Equal(t, want, typ.String())
	}
}

func TestBuiltins(t *testing.T) {
	for _, name := range []string{"void", "bool", "i8", "u8", "i16", "u16", "i32", "u32", "i64", "u64", "f32", "f64", "memory"} {
		typ, ok := Builtins[name]
		if assert.True(t, ok, name) {
			assert.Equal(t, name, typ.Name)
		}
	}
}

// Package types defines the semantic types produced by the type checker.
// Codegen consumes them read-only.
package types

import (
	"fmt"
	"strings"

	"github.com/xplshn/gbw/pkg/scope"
)

// Kind defines the kind of a Type
type Kind int

const (
	Error Kind = iota
	Unknown
	Void
	Bool
	I8
	U8
	I16
	U16
	I32
	U32
	I64
	U64
	F32
	F64
	Pointer
	Array
	Struct
	Union
	Func
	Location
	Memory
)

var kindNames = [...]string{
	Error: "error", Unknown: "unknown", Void: "void", Bool: "bool",
	I8: "i8", U8: "u8", I16: "i16", U16: "u16", I32: "i32", U32: "u32", I64: "i64", U64: "u64",
	F32: "f32", F64: "f64", Pointer: "pointer", Array: "array", Struct: "struct", Union: "union",
	Func: "fun", Location: "location", Memory: "memory",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Type is a semantic type. Struct and union fields live in an ordered scope;
// its order is the declaration order.
type Type struct {
	Kind   Kind
	Name   string
	Elem   *Type // pointee, array element or wrapped lvalue type
	Len    int64 // array length, meaningful when HasLen
	HasLen bool
	Fields *scope.Scope[*Type]
	Params []*Type
	Result *Type
}

// Field is a name/type pair used to build struct and union types.
type Field struct {
	Name string
	Type *Type
}

// Pre-defined types
var (
	TypeError   = &Type{Kind: Error, Name: "error"}
	TypeUnknown = &Type{Kind: Unknown, Name: "unknown"}
	TypeVoid    = &Type{Kind: Void, Name: "void"}
	TypeBool    = &Type{Kind: Bool, Name: "bool"}
	TypeI8      = &Type{Kind: I8, Name: "i8"}
	TypeU8      = &Type{Kind: U8, Name: "u8"}
	TypeI16     = &Type{Kind: I16, Name: "i16"}
	TypeU16     = &Type{Kind: U16, Name: "u16"}
	TypeI32     = &Type{Kind: I32, Name: "i32"}
	TypeU32     = &Type{Kind: U32, Name: "u32"}
	TypeI64     = &Type{Kind: I64, Name: "i64"}
	TypeU64     = &Type{Kind: U64, Name: "u64"}
	TypeF32     = &Type{Kind: F32, Name: "f32"}
	TypeF64     = &Type{Kind: F64, Name: "f64"}
	TypeMemory  = &Type{Kind: Memory, Name: "memory"}
)

// Builtins maps the spelling of every predefined type to its singleton.
var Builtins = map[string]*Type{}

func init() {
	for _, t := range []*Type{TypeVoid, TypeBool, TypeI8, TypeU8, TypeI16, TypeU16, TypeI32, TypeU32,
		TypeI64, TypeU64, TypeF32, TypeF64, TypeMemory} {
		Builtins[t.Name] = t
	}
}

func NewPointer(elem *Type) *Type { return &Type{Kind: Pointer, Elem: elem} }

func NewArray(elem *Type, length int64) *Type {
	return &Type{Kind: Array, Elem: elem, Len: length, HasLen: true}
}

// NewOpenArray builds an array type without a static length.
func NewOpenArray(elem *Type) *Type { return &Type{Kind: Array, Elem: elem} }

func NewLocation(inner *Type) *Type { return &Type{Kind: Location, Elem: inner} }

func NewFunc(params []*Type, result *Type) *Type {
	if result == nil {
		result = TypeVoid
	}
	return &Type{Kind: Func, Params: params, Result: result}
}

func NewStruct(name string, fields ...Field) *Type {
	return newAggregate(Struct, name, fields)
}

func NewUnion(name string, fields ...Field) *Type {
	return newAggregate(Union, name, fields)
}

func newAggregate(kind Kind, name string, fields []Field) *Type {
	t := &Type{Kind: kind, Name: name, Fields: scope.New[*Type](nil)}
	for _, f := range fields {
		t.Fields.Define(f.Name, f.Type)
	}
	return t
}

// Unwrap strips location wrappers.
func (t *Type) Unwrap() *Type {
	for t != nil && t.Kind == Location {
		t = t.Elem
	}
	return t
}

func (t *Type) IsInteger() bool {
	k := t.Unwrap().Kind
	return k >= I8 && k <= U64
}

func (t *Type) IsSigned() bool {
	switch t.Unwrap().Kind {
	case I8, I16, I32, I64:
		return true
	}
	return false
}

func (t *Type) IsFloat() bool {
	k := t.Unwrap().Kind
	return k == F32 || k == F64
}

func (t *Type) IsNumeric() bool { return t.IsInteger() || t.IsFloat() }

// IsScalar reports whether values of t fit a single primitive slot.
func (t *Type) IsScalar() bool {
	u := t.Unwrap()
	return u.IsNumeric() || u.Kind == Bool || u.Kind == Pointer
}

// Field returns the type of the named struct or union field.
func (t *Type) Field(name string) (*Type, bool) {
	u := t.Unwrap()
	if u.Fields == nil {
		return nil, false
	}
	return u.Fields.LookupLocal(name)
}

func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	switch t.Kind {
	case Pointer:
		return "*" + t.Elem.String()
	case Array:
		if t.HasLen {
			return fmt.Sprintf("[%d]%s", t.Len, t.Elem)
		}
		return "[]" + t.Elem.String()
	case Location:
		return "&" + t.Elem.String()
	case Struct, Union:
		if t.Name != "" {
			return t.Name
		}
		var sb strings.Builder
		sb.WriteString(t.Kind.String() + " {")
		t.Fields.Each(func(i int, f *scope.Symbol[*Type]) {
			if i > 0 {
				sb.WriteString(";")
			}
			fmt.Fprintf(&sb, " %s: %s", f.Name, f.Value)
		})
		sb.WriteString(" }")
		return sb.String()
	case Func:
		params := make([]string, len(t.Params))
		for i, p := range t.Params {
			params[i] = p.String()
		}
		return fmt.Sprintf("fun(%s): %s", strings.Join(params, ", "), t.Result)
	}
	if t.Name != "" {
		return t.Name
	}
	return t.Kind.String()
}

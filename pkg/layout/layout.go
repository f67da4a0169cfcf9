// Package layout decides how semantic types are represented in the binary
// module: how many primitive slots a value takes, of which kind, and how
// many bytes it occupies in linear memory.
package layout

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/xplshn/gbw/pkg/scope"
	"github.com/xplshn/gbw/pkg/token"
	"github.com/xplshn/gbw/pkg/types"
	"github.com/xplshn/gbw/pkg/util"
	"github.com/xplshn/gbw/pkg/wasm"
)

type Kind int

const (
	Void Kind = iota
	Prim
	Struct
	Array
)

// Layout is the binary representation of a type. Layouts are memoized per
// type identity by an Engine, so two lookups of one type compare equal.
type Layout struct {
	Kind     Kind
	Prim     wasm.ValType
	Size     int64
	Fields   []Field
	Elem     *Layout
	Count    int64
	HasCount bool
	Union    bool
	Type     *types.Type
}

// Field is one member of a struct layout. Slot is the index of the field's
// first primitive slot in the flattened parent.
type Field struct {
	Name   string
	Layout *Layout
	Offset int64
	Slot   int
}

// Leaf is one primitive slot of a flattened layout.
type Leaf struct {
	Offset int64
	Layout *Layout
}

// Constant is a compile-time scalar. Integers hold their two's-complement
// bits in Int, floats their value in Float.
type Constant struct {
	Int   int64
	Float float64
}

// openArraySize is used for arrays without a static length.
// FIXME: this is the size of a pointer, not of an array.
const openArraySize = 4

type Engine struct {
	cache map[*types.Type]*Layout
}

func NewEngine() *Engine {
	return &Engine{cache: make(map[*types.Type]*Layout)}
}

func internal(format string, args ...interface{}) {
	util.Error(token.Token{FileIndex: -1}, "internal: "+format, args...)
}

// Of returns the layout of t, building and caching it on first use.
func (e *Engine) Of(t *types.Type) *Layout {
	if t == nil {
		internal("layout of a nil type")
	}
	if l, ok := e.cache[t]; ok {
		return l
	}
	l := e.build(t)
	e.cache[t] = l
	return l
}

func (e *Engine) build(t *types.Type) *Layout {
	switch t.Kind {
	case types.Location:
		return e.Of(t.Elem)
	case types.Void, types.Memory:
		return &Layout{Kind: Void, Type: t}
	case types.Bool, types.I8, types.U8:
		return &Layout{Kind: Prim, Prim: wasm.I32, Size: 1, Type: t}
	case types.I16, types.U16:
		return &Layout{Kind: Prim, Prim: wasm.I32, Size: 2, Type: t}
	case types.I32, types.U32, types.Pointer:
		return &Layout{Kind: Prim, Prim: wasm.I32, Size: 4, Type: t}
	case types.I64, types.U64:
		return &Layout{Kind: Prim, Prim: wasm.I64, Size: 8, Type: t}
	case types.F32:
		return &Layout{Kind: Prim, Prim: wasm.F32, Size: 4, Type: t}
	case types.F64:
		return &Layout{Kind: Prim, Prim: wasm.F64, Size: 8, Type: t}
	case types.Struct, types.Union:
		l := &Layout{Kind: Struct, Union: t.Kind == types.Union, Type: t}
		var offset int64
		slot := 0
		t.Fields.Each(func(_ int, sym *scope.Symbol[*types.Type]) {
			fl := e.Of(sym.Value)
			f := Field{Name: sym.Name, Layout: fl, Offset: offset, Slot: slot}
			if l.Union {
				f.Offset, f.Slot = 0, 0
				l.Size = max(l.Size, fl.Size)
			} else {
				offset += fl.Size
				slot += len(fl.Flatten())
				l.Size = offset
			}
			l.Fields = append(l.Fields, f)
		})
		return l
	case types.Array:
		elem := e.Of(t.Elem)
		if !t.HasLen {
			return &Layout{Kind: Array, Elem: elem, Size: openArraySize, Type: t}
		}
		return &Layout{Kind: Array, Elem: elem, Count: t.Len, HasCount: true, Size: elem.Size * t.Len, Type: t}
	case types.Func:
		internal("function type %s has no value layout", t)
	}
	internal("no layout for type %s", t)
	return nil
}

func (l *Layout) IsVoid() bool { return l.Kind == Void }

func (l *Layout) IsScalar() bool { return l.Kind == Prim }

// Select resolves a struct field by name.
func (l *Layout) Select(name string) Field {
	for _, f := range l.Fields {
		if f.Name == name {
			return f
		}
	}
	internal("layout %s has no field %q", l, name)
	return Field{}
}

// SelectIndex resolves a struct field by position.
func (l *Layout) SelectIndex(i int) Field {
	if l.Kind != Struct || i < 0 || i >= len(l.Fields) {
		internal("layout %s has no field #%d", l, i)
	}
	return l.Fields[i]
}

// Index returns the element layout of an array.
func (l *Layout) Index() *Layout {
	if l.Kind != Array {
		internal("layout %s is not indexable", l)
	}
	return l.Elem
}

// Leaves lists the primitive slots of l in flattened order together with
// their byte offsets.
func (l *Layout) Leaves() []Leaf {
	return l.appendLeaves(nil, 0)
}

func (l *Layout) appendLeaves(out []Leaf, base int64) []Leaf {
	switch l.Kind {
	case Void:
		return out
	case Prim:
		return append(out, Leaf{Offset: base, Layout: l})
	case Struct:
		if l.Union {
			internal("union %s has no register representation", l.Type)
		}
		for _, f := range l.Fields {
			out = f.Layout.appendLeaves(out, base+f.Offset)
		}
		return out
	case Array:
		if !l.HasCount {
			return append(out, Leaf{Offset: base, Layout: openArraySlot})
		}
		for i := int64(0); i < l.Count; i++ {
			out = l.Elem.appendLeaves(out, base+i*l.Elem.Size)
		}
		return out
	}
	return out
}

var openArraySlot = &Layout{Kind: Prim, Prim: wasm.I32, Size: openArraySize, Type: types.NewPointer(types.TypeVoid)}

// Flatten expands l into the primitive slot kinds that represent it as
// adjacent locals or parameters.
func (l *Layout) Flatten() []wasm.ValType {
	leaves := l.Leaves()
	out := make([]wasm.ValType, len(leaves))
	for i, leaf := range leaves {
		out[i] = leaf.Layout.Prim
	}
	return out
}

// BlockType is the result annotation for a block producing a value of l.
// Multi-slot values intern a signature in m.
func (l *Layout) BlockType(m *wasm.Module) wasm.BlockType {
	flat := l.Flatten()
	switch len(flat) {
	case 0:
		return wasm.BlockEmpty
	case 1:
		return wasm.ValueBlock(flat[0])
	}
	return wasm.TypeBlock(m.TypeIndex(wasm.FuncType{Results: flat}))
}

func (l *Layout) signed() bool {
	return l.Type.IsSigned()
}

var i32Ops = map[token.Type][2]byte{
	token.Plus:  {wasm.OpI32Add, wasm.OpI32Add},
	token.Minus: {wasm.OpI32Sub, wasm.OpI32Sub},
	token.Star:  {wasm.OpI32Mul, wasm.OpI32Mul},
	token.Slash: {wasm.OpI32DivS, wasm.OpI32DivU},
	token.Rem:   {wasm.OpI32RemS, wasm.OpI32RemU},
	token.And:   {wasm.OpI32And, wasm.OpI32And},
	token.Or:    {wasm.OpI32Or, wasm.OpI32Or},
	token.Xor:   {wasm.OpI32Xor, wasm.OpI32Xor},
	token.Shl:   {wasm.OpI32Shl, wasm.OpI32Shl},
	token.Shr:   {wasm.OpI32ShrS, wasm.OpI32ShrU},
}

var i64Ops = map[token.Type][2]byte{
	token.Plus:  {wasm.OpI64Add, wasm.OpI64Add},
	token.Minus: {wasm.OpI64Sub, wasm.OpI64Sub},
	token.Star:  {wasm.OpI64Mul, wasm.OpI64Mul},
	token.Slash: {wasm.OpI64DivS, wasm.OpI64DivU},
	token.Rem:   {wasm.OpI64RemS, wasm.OpI64RemU},
	token.And:   {wasm.OpI64And, wasm.OpI64And},
	token.Or:    {wasm.OpI64Or, wasm.OpI64Or},
	token.Xor:   {wasm.OpI64Xor, wasm.OpI64Xor},
	token.Shl:   {wasm.OpI64Shl, wasm.OpI64Shl},
	token.Shr:   {wasm.OpI64ShrS, wasm.OpI64ShrU},
}

var f32Ops = map[token.Type]byte{
	token.Plus: wasm.OpF32Add, token.Minus: wasm.OpF32Sub, token.Star: wasm.OpF32Mul, token.Slash: wasm.OpF32Div,
}

var f64Ops = map[token.Type]byte{
	token.Plus: wasm.OpF64Add, token.Minus: wasm.OpF64Sub, token.Star: wasm.OpF64Mul, token.Slash: wasm.OpF64Div,
}

var i32Cmp = map[token.Type][2]byte{
	token.EqEq: {wasm.OpI32Eq, wasm.OpI32Eq},
	token.Neq:  {wasm.OpI32Ne, wasm.OpI32Ne},
	token.Lt:   {wasm.OpI32LtS, wasm.OpI32LtU},
	token.Gt:   {wasm.OpI32GtS, wasm.OpI32GtU},
	token.Lte:  {wasm.OpI32LeS, wasm.OpI32LeU},
	token.Gte:  {wasm.OpI32GeS, wasm.OpI32GeU},
}

var i64Cmp = map[token.Type][2]byte{
	token.EqEq: {wasm.OpI64Eq, wasm.OpI64Eq},
	token.Neq:  {wasm.OpI64Ne, wasm.OpI64Ne},
	token.Lt:   {wasm.OpI64LtS, wasm.OpI64LtU},
	token.Gt:   {wasm.OpI64GtS, wasm.OpI64GtU},
	token.Lte:  {wasm.OpI64LeS, wasm.OpI64LeU},
	token.Gte:  {wasm.OpI64GeS, wasm.OpI64GeU},
}

var f32Cmp = map[token.Type]byte{
	token.EqEq: wasm.OpF32Eq, token.Neq: wasm.OpF32Ne, token.Lt: wasm.OpF32Lt,
	token.Gt: wasm.OpF32Gt, token.Lte: wasm.OpF32Le, token.Gte: wasm.OpF32Ge,
}

var f64Cmp = map[token.Type]byte{
	token.EqEq: wasm.OpF64Eq, token.Neq: wasm.OpF64Ne, token.Lt: wasm.OpF64Lt,
	token.Gt: wasm.OpF64Gt, token.Lte: wasm.OpF64Le, token.Gte: wasm.OpF64Ge,
}

func pick(pair [2]byte, signed bool) byte {
	if signed {
		return pair[0]
	}
	return pair[1]
}

// Op maps an arithmetic or bitwise operator on values of l to its instruction.
func (l *Layout) Op(op token.Type) byte {
	if l.Kind == Prim {
		k := l.Type.Unwrap().Kind
		switch l.Prim {
		case wasm.I32:
			if k == types.Bool && op != token.And && op != token.Or && op != token.Xor {
				break
			}
			if k == types.Pointer && op != token.Plus && op != token.Minus {
				break
			}
			if pair, ok := i32Ops[op]; ok {
				return pick(pair, l.signed())
			}
		case wasm.I64:
			if pair, ok := i64Ops[op]; ok {
				return pick(pair, l.signed())
			}
		case wasm.F32:
			if code, ok := f32Ops[op]; ok {
				return code
			}
		case wasm.F64:
			if code, ok := f64Ops[op]; ok {
				return code
			}
		}
	}
	internal("operator %s is not defined on %s", op, l)
	return 0
}

// Compare maps a relational operator on operands of l to its instruction.
func (l *Layout) Compare(op token.Type) byte {
	if l.Kind == Prim {
		switch l.Prim {
		case wasm.I32:
			if pair, ok := i32Cmp[op]; ok {
				return pick(pair, l.signed())
			}
		case wasm.I64:
			if pair, ok := i64Cmp[op]; ok {
				return pick(pair, l.signed())
			}
		case wasm.F32:
			if code, ok := f32Cmp[op]; ok {
				return code
			}
		case wasm.F64:
			if code, ok := f64Cmp[op]; ok {
				return code
			}
		}
	}
	internal("comparison %s is not defined on %s", op, l)
	return 0
}

// NeedsClamp reports whether values of l must be re-narrowed after being
// computed at 32-bit width.
func (l *Layout) NeedsClamp() bool {
	if l.Kind != Prim || l.Prim != wasm.I32 {
		return false
	}
	switch l.Type.Unwrap().Kind {
	case types.I8, types.U8, types.I16, types.U16:
		return true
	}
	return false
}

// Clamp emits the instructions that bring the i32 on top of the stack back
// into the range of l. Signed kinds are sign-extended, unsigned kinds masked.
func (l *Layout) Clamp(w *wasm.CodeWriter, signExt bool) {
	if !l.NeedsClamp() {
		return
	}
	bits := int32(l.Size * 8)
	if !l.signed() {
		w.I32Const(int32(1)<<bits - 1)
		w.Op(wasm.OpI32And)
		return
	}
	if signExt {
		if bits == 8 {
			w.Op(wasm.OpI32Extend8S)
		} else {
			w.Op(wasm.OpI32Extend16S)
		}
		return
	}
	w.I32Const(32 - bits)
	w.Op(wasm.OpI32Shl)
	w.I32Const(32 - bits)
	w.Op(wasm.OpI32ShrS)
}

// Wrap narrows an integer computed at full width to the canonical form of
// l: sign-extended for signed kinds, zero-extended for unsigned ones. 32-bit
// kinds keep their bits as an int32.
func (l *Layout) Wrap(v int64) int64 {
	switch l.Type.Unwrap().Kind {
	case types.I8:
		return int64(int8(v))
	case types.U8:
		return int64(uint8(v))
	case types.I16:
		return int64(int16(v))
	case types.U16:
		return int64(uint16(v))
	case types.Bool:
		if v != 0 {
			return 1
		}
		return 0
	case types.I64, types.U64:
		return v
	}
	return int64(int32(v))
}

// WriteValue stores c into buf using the little-endian memory encoding of l.
// It reports false when l is not a primitive or buf is too small.
func (l *Layout) WriteValue(buf []byte, c Constant) bool {
	if l.Kind != Prim || int64(len(buf)) < l.Size {
		return false
	}
	switch l.Prim {
	case wasm.F32:
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(c.Float)))
	case wasm.F64:
		binary.LittleEndian.PutUint64(buf, math.Float64bits(c.Float))
	default:
		switch l.Size {
		case 1:
			buf[0] = byte(c.Int)
		case 2:
			binary.LittleEndian.PutUint16(buf, uint16(c.Int))
		case 4:
			binary.LittleEndian.PutUint32(buf, uint32(c.Int))
		case 8:
			binary.LittleEndian.PutUint64(buf, uint64(c.Int))
		default:
			return false
		}
	}
	return true
}

func alignLog2(size int64) uint32 {
	switch size {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	}
	return 3
}

// Load emits the width-correct memory read of a primitive l. The address
// must already be on the stack.
func (l *Layout) Load(w *wasm.CodeWriter, offset int64) {
	var op byte
	switch {
	case l.Kind != Prim:
		internal("load of non-primitive layout %s", l)
	case l.Prim == wasm.I64:
		op = wasm.OpI64Load
	case l.Prim == wasm.F32:
		op = wasm.OpF32Load
	case l.Prim == wasm.F64:
		op = wasm.OpF64Load
	case l.Size == 1 && l.signed():
		op = wasm.OpI32Load8S
	case l.Size == 1:
		op = wasm.OpI32Load8U
	case l.Size == 2 && l.signed():
		op = wasm.OpI32Load16S
	case l.Size == 2:
		op = wasm.OpI32Load16U
	default:
		op = wasm.OpI32Load
	}
	w.Mem(op, alignLog2(l.Size), memOffset(offset))
}

// Store emits the width-correct memory write of a primitive l. The address
// and then the value must already be on the stack.
func (l *Layout) Store(w *wasm.CodeWriter, offset int64) {
	var op byte
	switch {
	case l.Kind != Prim:
		internal("store of non-primitive layout %s", l)
	case l.Prim == wasm.I64:
		op = wasm.OpI64Store
	case l.Prim == wasm.F32:
		op = wasm.OpF32Store
	case l.Prim == wasm.F64:
		op = wasm.OpF64Store
	case l.Size == 1:
		op = wasm.OpI32Store8
	case l.Size == 2:
		op = wasm.OpI32Store16
	default:
		op = wasm.OpI32Store
	}
	w.Mem(op, alignLog2(l.Size), memOffset(offset))
}

func memOffset(offset int64) uint32 {
	if offset < 0 || offset > math.MaxUint32 {
		internal("memory offset %d out of range", offset)
	}
	return uint32(offset)
}

func (l *Layout) String() string {
	switch l.Kind {
	case Void:
		return "void"
	case Prim:
		return fmt.Sprintf("%s(%s)", l.Type.Unwrap(), l.Prim)
	case Array:
		if l.HasCount {
			return fmt.Sprintf("[%d]%s", l.Count, l.Elem)
		}
		return "[]" + l.Elem.String()
	}
	var sb strings.Builder
	if l.Union {
		sb.WriteString("union{")
	} else {
		sb.WriteString("struct{")
	}
	for i, f := range l.Fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s@%d: %s", f.Name, f.Offset, f.Layout)
	}
	sb.WriteString("}")
	return sb.String()
}

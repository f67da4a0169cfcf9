package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xplshn/gbw/pkg/token"
	"github.com/xplshn/gbw/pkg/types"
	"github.com/xplshn/gbw/pkg/util"
	"github.com/xplshn/gbw/pkg/wasm"
)

func catch(fn func()) (err error) {
	defer util.Recover(&err)
	fn()
	return nil
}

func TestPrimitiveSizes(t *testing.T) {
	e := NewEngine()
	tests := []struct {
		typ  *types.Type
		prim wasm.ValType
		size int64
	}{
		{types.TypeBool, wasm.I32, 1},
		{types.TypeI8, wasm.I32, 1},
		{types.TypeU16, wasm.I32, 2},
		{types.TypeI32, wasm.I32, 4},
		{types.NewPointer(types.TypeF64), wasm.I32, 4},
		{types.TypeU64, wasm.I64, 8},
		{types.TypeF32, wasm.F32, 4},
		{types.TypeF64, wasm.F64, 8},
	}
	for _, tt := range tests {
		l := e.Of(tt.typ)
		assert.Equal(t, Prim, l.Kind, tt.typ.String())
		assert.Equal(t, tt.prim, l.Prim, tt.typ.String())
		assert.Equal(t, tt.size, l.Size, tt.typ.String())
	}
	assert.True(t, e.Of(types.TypeVoid).IsVoid())
	assert.Empty(t, e.Of(types.TypeVoid).Flatten())
}

func TestOfIsMemoized(t *testing.T) {
	e := NewEngine()
	pair := types.NewStruct("pair", types.Field{Name: "a", Type: types.TypeI32})
	assert.Same(t, e.Of(pair), e.Of(pair))
	assert.Same(t, e.Of(pair), e.Of(types.NewLocation(pair)))
}

func TestStructFieldsArePacked(t *testing.T) {
	e := NewEngine()
	inner := types.NewStruct("inner",
		types.Field{Name: "lo", Type: types.TypeU8},
		types.Field{Name: "hi", Type: types.TypeI64},
	)
	outer := types.NewStruct("outer",
		types.Field{Name: "tag", Type: types.TypeI16},
		types.Field{Name: "in", Type: inner},
		types.Field{Name: "f", Type: types.TypeF32},
	)

	l := e.Of(outer)
	assert.Equal(t, int64(2+9+4), l.Size)

	in := l.Select("in")
	assert.Equal(t, int64(2), in.Offset)
	assert.Equal(t, 1, in.Slot)
	f := l.Select("f")
	assert.Equal(t, int64(11), f.Offset)
	assert.Equal(t, 3, f.Slot)
	assert.Equal(t, "f", l.SelectIndex(2).Name)

	assert.Equal(t, []wasm.ValType{wasm.I32, wasm.I32, wasm.I64, wasm.F32}, l.Flatten())
	var offsets []int64
	for _, leaf := range l.Leaves() {
		offsets = append(offsets, leaf.Offset)
	}
	assert.Equal(t, []int64{0, 2, 3, 11}, offsets)
}

func TestUnionOverlapsFields(t *testing.T) {
	e := NewEngine()
	u := types.NewUnion("num",
		types.Field{Name: "i", Type: types.TypeI32},
		types.Field{Name: "d", Type: types.TypeF64},
		types.Field{Name: "b", Type: types.TypeU8},
	)
	l := e.Of(u)
	assert.True(t, l.Union)
	assert.Equal(t, int64(8), l.Size)
	for _, f := range l.Fields {
		assert.Zero(t, f.Offset)
	}

	err := catch(func() { l.Flatten() })
	ce, ok := util.AsCompileError(err)
	require.True(t, ok)
	assert.True(t, ce.IsInternal())
}

func TestArrays(t *testing.T) {
	e := NewEngine()
	arr := e.Of(types.NewArray(types.TypeI16, 3))
	assert.Equal(t, int64(6), arr.Size)
	assert.Equal(t, int64(3), arr.Count)
	assert.Same(t, e.Of(types.TypeI16), arr.Index())
	assert.Len(t, arr.Flatten(), 3)

	open := e.Of(types.NewOpenArray(types.TypeI64))
	assert.False(t, open.HasCount)
	assert.Equal(t, int64(4), open.Size)
	assert.Equal(t, []wasm.ValType{wasm.I32}, open.Flatten())

	assert.Error(t, catch(func() { e.Of(types.TypeI32).Index() }))
}

func TestBlockType(t *testing.T) {
	e := NewEngine()
	m := wasm.NewModule()
	assert.Equal(t, wasm.BlockEmpty, e.Of(types.TypeVoid).BlockType(m))
	assert.Equal(t, wasm.ValueBlock(wasm.F64), e.Of(types.TypeF64).BlockType(m))

	pair := types.NewStruct("pair",
		types.Field{Name: "a", Type: types.TypeI32},
		types.Field{Name: "b", Type: types.TypeI64},
	)
	bt := e.Of(pair).BlockType(m)
	assert.Equal(t, wasm.TypeBlock(0), bt)
	assert.Equal(t, bt, e.Of(pair).BlockType(m))
	assert.Equal(t, 1, m.NumTypes())
}

func TestOpSelection(t *testing.T) {
	e := NewEngine()
	assert.Equal(t, wasm.OpI32DivS, e.Of(types.TypeI32).Op(token.Slash))
	assert.Equal(t, wasm.OpI32DivU, e.Of(types.TypeU32).Op(token.Slash))
	assert.Equal(t, wasm.OpI64ShrU, e.Of(types.TypeU64).Op(token.Shr))
	assert.Equal(t, wasm.OpF32Mul, e.Of(types.TypeF32).Op(token.Star))
	assert.Equal(t, wasm.OpI32LtU, e.Of(types.TypeU8).Compare(token.Lt))
	assert.Equal(t, wasm.OpI64GeS, e.Of(types.TypeI64).Compare(token.Gte))
	assert.Equal(t, wasm.OpF64Ne, e.Of(types.TypeF64).Compare(token.Neq))

	assert.Error(t, catch(func() { e.Of(types.TypeF64).Op(token.Rem) }))
	assert.Error(t, catch(func() { e.Of(types.TypeBool).Op(token.Plus) }))
}

func TestWrap(t *testing.T) {
	e := NewEngine()
	assert.Equal(t, int64(-128), e.Of(types.TypeI8).Wrap(128))
	assert.Equal(t, int64(0), e.Of(types.TypeU8).Wrap(256))
	assert.Equal(t, int64(65535), e.Of(types.TypeU16).Wrap(-1))
	assert.Equal(t, int64(-1), e.Of(types.TypeU32).Wrap(0xffffffff))
	assert.Equal(t, int64(1), e.Of(types.TypeBool).Wrap(7))
	assert.Equal(t, int64(1)<<40, e.Of(types.TypeI64).Wrap(1<<40))
}

func TestClamp(t *testing.T) {
	e := NewEngine()

	w := &wasm.CodeWriter{}
	e.Of(types.TypeI8).Clamp(w, true)
	assert.Equal(t, []byte{wasm.OpI32Extend8S}, w.Bytes())

	w = &wasm.CodeWriter{}
	e.Of(types.TypeI16).Clamp(w, false)
	assert.Equal(t, []byte{wasm.OpI32Const, 16, wasm.OpI32Shl, wasm.OpI32Const, 16, wasm.OpI32ShrS}, w.Bytes())

	w = &wasm.CodeWriter{}
	e.Of(types.TypeU8).Clamp(w, true)
	assert.Equal(t, []byte{wasm.OpI32Const, 0xff, 0x01, wasm.OpI32And}, w.Bytes())

	w = &wasm.CodeWriter{}
	e.Of(types.TypeI32).Clamp(w, true)
	assert.Empty(t, w.Bytes())
}

func TestWriteValue(t *testing.T) {
	e := NewEngine()
	buf := make([]byte, 8)
	require.True(t, e.Of(types.TypeI32).WriteValue(buf, Constant{Int: 0x01020304}))
	assert.Equal(t, []byte{4, 3, 2, 1, 0, 0, 0, 0}, buf)

	buf = make([]byte, 4)
	require.True(t, e.Of(types.TypeF32).WriteValue(buf, Constant{Float: 1}))
	assert.Equal(t, []byte{0, 0, 0x80, 0x3f}, buf)

	assert.False(t, e.Of(types.TypeI64).WriteValue(make([]byte, 4), Constant{}))
}

func TestLoadStoreWidths(t *testing.T) {
	e := NewEngine()
	w := &wasm.CodeWriter{}
	e.Of(types.TypeI8).Load(w, 0)
	e.Of(types.TypeU16).Load(w, 2)
	e.Of(types.TypeU8).Store(w, 5)
	e.Of(types.TypeF64).Store(w, 8)
	assert.Equal(t, []byte{
		wasm.OpI32Load8S, 0, 0,
		wasm.OpI32Load16U, 1, 2,
		wasm.OpI32Store8, 0, 5,
		wasm.OpF64Store, 3, 8,
	}, w.Bytes())
}

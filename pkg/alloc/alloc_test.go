package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xplshn/gbw/pkg/ir"
	"github.com/xplshn/gbw/pkg/layout"
	"github.com/xplshn/gbw/pkg/token"
	"github.com/xplshn/gbw/pkg/types"
	"github.com/xplshn/gbw/pkg/util"
	"github.com/xplshn/gbw/pkg/wasm"
)

var (
	eng   = layout.NewEngine()
	i32L  = eng.Of(types.TypeI32)
	f64L  = eng.Of(types.TypeF64)
	voidL = eng.Of(types.TypeVoid)
	pairL = eng.Of(types.NewStruct("pair",
		types.Field{Name: "a", Type: types.TypeI32},
		types.Field{Name: "b", Type: types.TypeF64},
	))
)

var pos = token.Token{Line: 1, Column: 1}

func catch(fn func()) (err error) {
	defer util.Recover(&err)
	fn()
	return nil
}

func TestLocalsParamsFirst(t *testing.T) {
	l := NewLocals([]wasm.ValType{wasm.I32, wasm.F64})
	assert.Equal(t, []uint32{0, 1}, l.Params())

	v := l.Alloc(pairL)
	assert.Equal(t, []uint32{2, 3}, v.Slots)
	assert.Equal(t, []wasm.ValType{wasm.I32, wasm.F64}, l.Declared())
	assert.Equal(t, 4, l.Count())
	assert.Equal(t, 2, l.Live())
}

func TestLocalsReuseByKind(t *testing.T) {
	l := NewLocals(nil)
	a := l.Alloc(i32L)
	b := l.Alloc(f64L)
	l.Release(a)
	l.Release(b)
	assert.Equal(t, 0, l.Live())

	c := l.Alloc(f64L)
	assert.Equal(t, b.Slots, c.Slots, "a released f64 slot is reused for an f64")
	d := l.Alloc(i32L)
	assert.Equal(t, a.Slots, d.Slots)
	e := l.Alloc(i32L)
	assert.Equal(t, []uint32{2}, e.Slots)
	assert.Equal(t, 3, l.Count())
}

func TestLocalsDoubleRelease(t *testing.T) {
	l := NewLocals(nil)
	v := l.Alloc(i32L)
	l.Release(v)
	err := catch(func() { l.Release(v) })
	require.Error(t, err)
	ce, ok := util.AsCompileError(err)
	require.True(t, ok)
	assert.True(t, ce.IsInternal())
}

func TestScratchFollowsBuildPool(t *testing.T) {
	l := NewLocals([]wasm.ValType{wasm.I32})
	l.Alloc(pairL)
	s := l.Scratch()

	v := s.Alloc(i32L)
	assert.Equal(t, []uint32{3}, v.Slots)
	w := s.Alloc(f64L)
	assert.Equal(t, []uint32{4}, w.Slots)
	assert.Equal(t, []wasm.ValType{wasm.I32, wasm.F64}, s.Declared())
	s.Release(v)
	assert.Equal(t, v.Slots, s.Alloc(i32L).Slots)
}

func TestStaticAlloc(t *testing.T) {
	s := NewStatic(i32L, voidL)
	assert.False(t, s.Used())

	a := s.Alloc(pos, pairL)
	b := s.Alloc(pos, i32L)
	c, _ := ir.AsConstant(a.Addr)
	assert.Equal(t, int64(StaticBase), c.Int)
	c, _ = ir.AsConstant(b.Addr)
	assert.Equal(t, int64(StaticBase+12), c.Int)
	assert.Equal(t, int64(StaticBase+16), s.Size())
	assert.True(t, s.Used())
}

func TestStaticDeclare(t *testing.T) {
	s := NewStatic(i32L, voidL)

	s.Declare(pos, i32L, ir.NewConst32(pos, i32L, 0x0a0b0c0d))
	s.Declare(pos, i32L, ir.NewConst32(pos, i32L, 0))
	s.Declare(pos, i32L, nil)
	call := ir.NewCall(pos, i32L, 0, "f")
	d := s.Declare(pos, i32L, call)

	require.Len(t, s.Segments(), 1, "zero initializers need no segment")
	assert.Equal(t, Segment{Offset: StaticBase, Data: []byte{0x0d, 0x0c, 0x0b, 0x0a}}, s.Segments()[0])

	require.Len(t, s.Inits(), 1)
	init := s.Inits()[0].(*ir.Assign)
	assert.Same(t, call, init.Value)
	assert.Equal(t, d, init.Target)
}

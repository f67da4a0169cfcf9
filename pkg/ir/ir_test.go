package ir

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xplshn/gbw/pkg/layout"
	"github.com/xplshn/gbw/pkg/token"
	"github.com/xplshn/gbw/pkg/types"
	"github.com/xplshn/gbw/pkg/util"
	"github.com/xplshn/gbw/pkg/wasm"
)

var (
	eng   = layout.NewEngine()
	i8L   = eng.Of(types.TypeI8)
	u8L   = eng.Of(types.TypeU8)
	i32L  = eng.Of(types.TypeI32)
	i64L  = eng.Of(types.TypeI64)
	f64L  = eng.Of(types.TypeF64)
	boolL = eng.Of(types.TypeBool)
	voidL = eng.Of(types.TypeVoid)
)

var pos = token.Token{Line: 1, Column: 1}

func catch(fn func()) (err error) {
	defer util.Recover(&err)
	fn()
	return nil
}

// testPool hands out fresh slots counting up from next.
type testPool struct {
	next     uint32
	released int
}

func (p *testPool) Alloc(l *layout.Layout) *Local {
	slots := make([]uint32, len(l.Flatten()))
	for i := range slots {
		slots[i] = p.next
		p.next++
	}
	return NewLocal(pos, l, slots)
}

func (p *testPool) Release(*Local) { p.released++ }

func i32(v int32) *Const32 { return NewConst32(pos, i32L, v) }

func simplifyFixed(t *testing.T, labels *Labels, n Node) Node {
	t.Helper()
	out, _ := Simplify(labels, n)
	again, changed := Simplify(labels, out)
	assert.False(t, changed, "second pass changed %T", out)
	assert.Same(t, out, again)
	return out
}

func TestSimplifyFoldsArithmetic(t *testing.T) {
	sum := NewBinary(pos, i32L, token.Plus, i32(2), i32(3))
	prod := NewBinary(pos, i32L, token.Star, sum, i32(7))

	out, changed := Simplify(nil, prod)
	require.True(t, changed)
	c, ok := AsConstant(out)
	require.True(t, ok)
	assert.Equal(t, int64(35), c.Int)

	_, changed = Simplify(nil, out)
	assert.False(t, changed)
}

func TestSimplifyLeavesInputUntouched(t *testing.T) {
	x := NewLocal(pos, i32L, []uint32{0})
	sum := NewBinary(pos, i32L, token.Plus, NewBinary(pos, i32L, token.Plus, i32(1), i32(1)), x)

	out, changed := Simplify(nil, sum)
	require.True(t, changed)
	assert.IsType(t, &Binary{}, sum.X, "original operand must not be rewritten")
	b := out.(*Binary)
	c, _ := AsConstant(b.X)
	assert.Equal(t, int64(2), c.Int)
}

func TestSimplifyWrapsNarrowIntegers(t *testing.T) {
	tests := []struct {
		name string
		l    *layout.Layout
		x, y int32
		want int64
	}{
		{"i8 overflow", i8L, 127, 1, -128},
		{"u8 overflow", u8L, 255, 1, 0},
		{"i32 overflow", i32L, 2147483647, 1, -2147483648},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewBinary(pos, tt.l, token.Plus, NewConst32(pos, tt.l, tt.x), NewConst32(pos, tt.l, tt.y))
			out := simplifyFixed(t, nil, n)
			c, ok := AsConstant(out)
			require.True(t, ok)
			assert.Equal(t, tt.want, c.Int)
		})
	}
}

func TestSimplifyUnsignedDivision(t *testing.T) {
	u32L := eng.Of(types.TypeU32)
	n := NewBinary(pos, u32L, token.Slash, NewConst32(pos, u32L, -2), NewConst32(pos, u32L, 2))
	c, ok := AsConstant(simplifyFixed(t, nil, n))
	require.True(t, ok)
	assert.Equal(t, int64(0x7fffffff), c.Int)
}

func TestSimplifyConstantDivisionByZero(t *testing.T) {
	for _, op := range []token.Type{token.Slash, token.Rem} {
		n := NewBinary(pos, i32L, op, i32(1), i32(0))
		err := catch(func() { Simplify(nil, n) })
		require.Error(t, err)
		assert.Contains(t, err.Error(), "division by zero")
	}

	wide := NewBinary(pos, i64L, token.Slash, NewConst64(pos, i64L, 1), NewConst64(pos, i64L, 0))
	assert.Error(t, catch(func() { Simplify(nil, wide) }))
}

func TestSimplifyFloatDivisionByZero(t *testing.T) {
	n := NewBinary(pos, f64L, token.Slash, NewConstFloat(pos, f64L, 1), NewConstFloat(pos, f64L, 0))
	var out Node
	require.NoError(t, catch(func() { out, _ = Simplify(nil, n) }))
	c, ok := AsConstant(out)
	require.True(t, ok)
	assert.True(t, c.Float > 1e308)
}

func TestSimplifyIdentities(t *testing.T) {
	x := NewLocal(pos, i32L, []uint32{3})
	for _, n := range []Node{
		NewBinary(pos, i32L, token.Plus, x, i32(0)),
		NewBinary(pos, i32L, token.Plus, i32(0), x),
		NewBinary(pos, i32L, token.Star, x, i32(1)),
		NewBinary(pos, i32L, token.Slash, x, i32(1)),
	} {
		assert.Same(t, x, simplifyFixed(t, nil, n))
	}
}

func TestSimplifyBlocks(t *testing.T) {
	var labels Labels
	unused := labels.New()
	used := labels.New()

	body := NewCall(pos, voidL, 0, "f")
	block := NewBlock(pos, voidL, unused, body)
	assert.Same(t, body, simplifyFixed(t, &labels, block))

	br := NewBranch(pos, voidL, &labels, used)
	kept := NewBlock(pos, voidL, used, br)
	out, changed := Simplify(&labels, kept)
	assert.False(t, changed)
	assert.Same(t, kept, out)

	empty := NewBlock(pos, voidL, unused, NewNop(pos, voidL), NewSeq(pos, voidL))
	assert.IsType(t, &Nop{}, simplifyFixed(t, &labels, empty))
}

func TestRecountUnwrapsFoldedBlocks(t *testing.T) {
	var labels Labels
	exit := labels.New()
	loop := labels.New()
	work := NewCall(pos, voidL, 0, "f")
	block := NewBlock(pos, voidL, exit,
		NewBranchIf(pos, voidL, &labels, exit, NewConst32(pos, boolL, 0)),
		work,
	)
	body := NewLoop(pos, voidL, loop, NewSeq(pos, voidL, block, NewBranch(pos, voidL, &labels, loop)))

	out, changed := Simplify(&labels, body)
	require.True(t, changed)
	assert.Equal(t, 1, labels.Uses(exit), "counts are not touched by Simplify")

	assert.True(t, labels.Recount(out))
	assert.Equal(t, 0, labels.Uses(exit))
	assert.Equal(t, 1, labels.Uses(loop))
	assert.False(t, labels.Recount(out), "nothing more to drop")

	out = simplifyFixed(t, &labels, out)
	seq := out.(*Loop).Body.(*Seq)
	assert.Same(t, work, seq.Children[0], "the block lost its last branch")
}

func TestRecountBranchTable(t *testing.T) {
	var labels Labels
	a, b, def := labels.New(), labels.New(), labels.New()
	x := NewLocal(pos, i32L, []uint32{0})
	table := NewBranchTable(pos, voidL, &labels, x, []Label{a, b, a}, def)
	assert.False(t, labels.Recount(table))
	assert.Equal(t, 2, labels.Uses(a))
	assert.Equal(t, 1, labels.Uses(b))
	assert.Equal(t, 1, labels.Uses(def))
}

func TestSimplifySplicesSequences(t *testing.T) {
	a, b, c := NewCall(pos, voidL, 0, "a"), NewCall(pos, voidL, 1, "b"), NewCall(pos, voidL, 2, "c")
	n := NewSeq(pos, voidL, a, NewSeq(pos, voidL, b, NewNop(pos, voidL)), c)
	out := simplifyFixed(t, nil, n).(*Seq)
	assert.Equal(t, []Node{a, b, c}, out.Children)
}

func TestTryNegate(t *testing.T) {
	x := NewLocal(pos, i32L, []uint32{0})
	cmp := NewCompare(pos, boolL, token.Lt, x, i32(4))

	neg, ok := TryNegate(cmp)
	require.True(t, ok)
	assert.Equal(t, token.Gte, neg.(*Compare).Op)

	back, ok := TryNegate(neg)
	require.True(t, ok)
	assert.Equal(t, token.Lt, back.(*Compare).Op)

	fx := NewLocal(pos, f64L, []uint32{1})
	_, ok = TryNegate(NewCompare(pos, boolL, token.Lt, fx, NewConstFloat(pos, f64L, 1)))
	assert.False(t, ok, "float comparisons are not negatable because of NaN")

	not := NewUnary(pos, boolL, token.Not, cmp)
	inner, ok := TryNegate(not)
	require.True(t, ok)
	assert.Same(t, cmp, inner)
}

func TestSimplifyNotOfCompare(t *testing.T) {
	x := NewLocal(pos, i32L, []uint32{0})
	n := NewUnary(pos, boolL, token.Not, NewCompare(pos, boolL, token.EqEq, x, i32(0)))
	out := simplifyFixed(t, nil, n)
	cmp, ok := out.(*Compare)
	require.True(t, ok)
	assert.Equal(t, token.Neq, cmp.Op)
}

func TestSimplifyIf(t *testing.T) {
	then, els := NewCall(pos, voidL, 0, "then"), NewCall(pos, voidL, 1, "else")

	assert.Same(t, then, simplifyFixed(t, nil, NewIf(pos, voidL, NewConst32(pos, boolL, 1), then, els)))
	assert.Same(t, els, simplifyFixed(t, nil, NewIf(pos, voidL, NewConst32(pos, boolL, 0), then, els)))
	assert.IsType(t, &Nop{}, simplifyFixed(t, nil, NewIf(pos, voidL, NewConst32(pos, boolL, 0), then, nil)))

	x := NewLocal(pos, boolL, []uint32{0})
	swapped := simplifyFixed(t, nil, NewIf(pos, voidL, NewUnary(pos, boolL, token.Not, x), then, els)).(*If)
	assert.Same(t, x, swapped.Cond)
	assert.Same(t, els, swapped.Then)
	assert.Same(t, then, swapped.Else)
}

func TestSimplifyDrop(t *testing.T) {
	x := NewLocal(pos, i32L, []uint32{0})
	assert.IsType(t, &Nop{}, simplifyFixed(t, nil, NewDrop(pos, voidL, NewBinary(pos, i32L, token.Plus, x, x))))

	call := NewDrop(pos, voidL, NewCall(pos, i32L, 0, "f"))
	out, changed := Simplify(nil, call)
	assert.False(t, changed)
	assert.Same(t, call, out)

	div := NewDrop(pos, voidL, NewBinary(pos, i32L, token.Slash, i32(1), x))
	_, changed = Simplify(nil, div)
	assert.False(t, changed, "division by a variable may trap")
}

func TestSimplifyConvert(t *testing.T) {
	tests := []struct {
		name   string
		x      Node
		to     *layout.Layout
		folded bool
		want   int64
	}{
		{"i32 to i8", i32(300), i8L, true, 44},
		{"i32 to u8", i32(-1), u8L, true, 255},
		{"f64 to i32", NewConstFloat(pos, f64L, -7.9), i32L, true, -7},
		{"f64 out of range", NewConstFloat(pos, f64L, 1e12), i32L, false, 0},
		{"i32 to bool", i32(9), boolL, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := simplifyFixed(t, nil, NewConvert(pos, tt.to, tt.x))
			c, ok := AsConstant(out)
			require.Equal(t, tt.folded, ok)
			if ok {
				assert.Equal(t, tt.want, c.Int)
			}
		})
	}
}

func TestSimplifyConvertToF32RoundsOnce(t *testing.T) {
	f32L := eng.Of(types.TypeF32)
	u64L := eng.Of(types.TypeU64)
	tests := []struct {
		name string
		x    Node
		bits uint32
	}{
		// 2^62 + 2^38 + 1 lies just above the f32 midpoint; going through
		// f64 first would land exactly on it and round down to even.
		{"i64", NewConst64(pos, i64L, 1<<62|1<<38|1), 0x5e800001},
		{"u64", NewConst64(pos, u64L, -1<<63|1<<39|1), 0x5f000001},
		{"small i64", NewConst64(pos, i64L, -3), math.Float32bits(-3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := simplifyFixed(t, nil, NewConvert(pos, f32L, tt.x))
			c, ok := AsConstant(out)
			require.True(t, ok)
			assert.Equal(t, tt.bits, math.Float32bits(float32(c.Float)))
		})
	}
}

func TestSimplifyConstantBranches(t *testing.T) {
	var labels Labels
	a, b := labels.New(), labels.New()

	taken := simplifyFixed(t, &labels, NewBranchIf(pos, voidL, &labels, a, NewConst32(pos, boolL, 1)))
	assert.Equal(t, a, taken.(*Branch).Label)

	table := NewBranchTable(pos, voidL, &labels, i32(5), []Label{a, a}, b)
	assert.Equal(t, b, simplifyFixed(t, &labels, table).(*Branch).Label)
}

func TestSimplifyDataOffsets(t *testing.T) {
	base := NewLocal(pos, i32L, []uint32{0})
	d := NewData(pos, i32L, NewScaledOffset(pos, base, i32(3), 4), 2)
	out := simplifyFixed(t, nil, d).(*Data)
	assert.Same(t, base, out.Addr)
	assert.Equal(t, int64(14), out.Offset)
}

func TestIndexAndSelect(t *testing.T) {
	point := types.NewStruct("point", types.Field{Name: "x", Type: types.TypeI32}, types.Field{Name: "y", Type: types.TypeF64})
	arr := eng.Of(types.NewArray(point, 3))
	loc := NewLocal(pos, arr, []uint32{10, 11, 12, 13, 14, 15})

	elem := Index(loc, i32(2)).(*Local)
	assert.Equal(t, []uint32{14, 15}, elem.Slots)
	y := Select(elem, "y").(*Local)
	assert.Equal(t, []uint32{15}, y.Slots)
	assert.Same(t, f64L, y.L)

	mem := NewData(pos, arr, i32(64), 0)
	field := Select(Index(mem, i32(1)), "y")
	out := simplifyFixed(t, nil, field).(*Data)
	assert.Equal(t, int64(64+12), mustConst(t, out.Addr))
	assert.Equal(t, int64(4), out.Offset)

	err := catch(func() { Index(loc, NewLocal(pos, i32L, []uint32{0})) })
	assert.Error(t, err)
	ce, ok := util.AsCompileError(err)
	require.True(t, ok)
	assert.True(t, ce.IsInternal())
}

func mustConst(t *testing.T, n Node) int64 {
	t.Helper()
	c, ok := AsConstant(n)
	require.True(t, ok, "%T is not constant", n)
	return c.Int
}

func TestInitStatic(t *testing.T) {
	pair := eng.Of(types.NewStruct("pair", types.Field{Name: "a", Type: types.TypeU8}, types.Field{Name: "b", Type: types.TypeI32}))
	buf := make([]byte, pair.Size)
	ok := InitStatic(NewStructLit(pos, pair, NewConst32(pos, u8L, 7), i32(0x01020304)), buf)
	require.True(t, ok)
	assert.Equal(t, []byte{7, 4, 3, 2, 1}, buf)

	dynamic := NewStructLit(pos, pair, NewConst32(pos, u8L, 7), NewCall(pos, i32L, 0, "f"))
	assert.False(t, InitStatic(dynamic, make([]byte, pair.Size)))
}

func TestPure(t *testing.T) {
	x := NewLocal(pos, i32L, []uint32{0})
	assert.True(t, Pure(NewBinary(pos, i32L, token.Plus, x, i32(1))))
	assert.True(t, Pure(NewBinary(pos, i32L, token.Slash, x, i32(2))))
	assert.False(t, Pure(NewBinary(pos, i32L, token.Slash, i32(2), x)))
	assert.False(t, Pure(NewCall(pos, i32L, 0, "f")))
	assert.False(t, Pure(NewConvert(pos, i32L, NewLocal(pos, f64L, []uint32{1}))))
}

func TestEmitNarrowArithmetic(t *testing.T) {
	a, b := NewLocal(pos, i8L, []uint32{0}), NewLocal(pos, i8L, []uint32{1})
	sum := NewBinary(pos, i8L, token.Plus, a, b)

	e := NewEmitter(wasm.NewModule(), nil, &testPool{})
	Load(e, sum)
	assert.Equal(t, []byte{wasm.OpLocalGet, 0, wasm.OpLocalGet, 1, wasm.OpI32Add, wasm.OpI32Extend8S}, e.W.Bytes())

	e = NewEmitter(wasm.NewModule(), nil, &testPool{})
	e.SignExt = false
	Load(e, sum)
	want := &wasm.CodeWriter{}
	want.LocalGet(0)
	want.LocalGet(1)
	want.Op(wasm.OpI32Add)
	want.I32Const(24)
	want.Op(wasm.OpI32Shl)
	want.I32Const(24)
	want.Op(wasm.OpI32ShrS)
	assert.Equal(t, want.Bytes(), e.W.Bytes())

	ua, ub := NewLocal(pos, u8L, []uint32{0}), NewLocal(pos, u8L, []uint32{1})
	e = NewEmitter(wasm.NewModule(), nil, &testPool{})
	Load(e, NewBinary(pos, u8L, token.Plus, ua, ub))
	want = &wasm.CodeWriter{}
	want.LocalGet(0)
	want.LocalGet(1)
	want.Op(wasm.OpI32Add)
	want.I32Const(255)
	want.Op(wasm.OpI32And)
	assert.Equal(t, want.Bytes(), e.W.Bytes())
}

func TestEmitBlocks(t *testing.T) {
	var labels Labels
	unused := labels.New()
	used := labels.New()
	br := NewBranch(pos, voidL, &labels, used)

	e := NewEmitter(wasm.NewModule(), &labels, &testPool{})
	Load(e, NewBlock(pos, i32L, unused, i32(7)))
	assert.Equal(t, []byte{wasm.OpI32Const, 7}, e.W.Bytes())

	e = NewEmitter(wasm.NewModule(), &labels, &testPool{})
	Load(e, NewBlock(pos, voidL, used, br))
	assert.Equal(t, []byte{wasm.OpBlock, 0x40, wasm.OpBr, 0, wasm.OpEnd}, e.W.Bytes())
}

func TestEmitBranchOutsideConstruct(t *testing.T) {
	var labels Labels
	l := labels.New()
	e := NewEmitter(wasm.NewModule(), &labels, &testPool{})
	err := catch(func() { Load(e, NewBranch(pos, voidL, &labels, l)) })
	require.Error(t, err)
	ce, ok := util.AsCompileError(err)
	require.True(t, ok)
	assert.True(t, ce.IsInternal())
}

func TestStoreAggregateFromLocals(t *testing.T) {
	pair := eng.Of(types.NewStruct("pair", types.Field{Name: "a", Type: types.TypeI32}, types.Field{Name: "b", Type: types.TypeI64}))
	dst := NewData(pos, pair, i32(16), 0)
	src := NewLocal(pos, pair, []uint32{0, 1})

	pool := &testPool{next: 5}
	e := NewEmitter(wasm.NewModule(), nil, pool)
	Store(e, dst, src)

	want := &wasm.CodeWriter{}
	want.I32Const(16)
	want.LocalGet(0)
	want.Mem(wasm.OpI32Store, 2, 0)
	want.I32Const(16)
	want.LocalGet(1)
	want.Mem(wasm.OpI64Store, 3, 4)
	assert.Equal(t, want.Bytes(), e.W.Bytes())
	assert.Equal(t, uint32(5), pool.next, "no scratch slots needed")
}

func TestStoreAggregateFromCall(t *testing.T) {
	pair := eng.Of(types.NewStruct("pair", types.Field{Name: "a", Type: types.TypeI32}, types.Field{Name: "b", Type: types.TypeI64}))
	dst := NewData(pos, pair, i32(16), 0)

	pool := &testPool{next: 5}
	e := NewEmitter(wasm.NewModule(), nil, pool)
	Store(e, dst, NewCall(pos, pair, 2, "make"))

	want := &wasm.CodeWriter{}
	want.Call(2)
	want.LocalSet(6)
	want.LocalSet(5)
	want.I32Const(16)
	want.LocalGet(5)
	want.Mem(wasm.OpI32Store, 2, 0)
	want.I32Const(16)
	want.LocalGet(6)
	want.Mem(wasm.OpI64Store, 3, 4)
	assert.Equal(t, want.Bytes(), e.W.Bytes())
	assert.Equal(t, 1, pool.released)
}

func TestStoreSwapThroughLiteral(t *testing.T) {
	pair := eng.Of(types.NewStruct("p", types.Field{Name: "a", Type: types.TypeI32}, types.Field{Name: "b", Type: types.TypeI32}))
	loc := NewLocal(pos, pair, []uint32{0, 1})
	swapped := NewStructLit(pos, pair, Select(loc, "b"), Select(loc, "a"))

	e := NewEmitter(wasm.NewModule(), nil, &testPool{})
	Store(e, loc, swapped)

	want := &wasm.CodeWriter{}
	want.LocalGet(1)
	want.LocalGet(0)
	want.LocalSet(1)
	want.LocalSet(0)
	assert.Equal(t, want.Bytes(), e.W.Bytes())
}

func TestEmitMarks(t *testing.T) {
	a := token.Token{Line: 1, Column: 1}
	b := token.Token{Line: 2, Column: 5}
	e := NewEmitter(wasm.NewModule(), nil, &testPool{})
	e.TrackMarks = true
	Load(e, NewBinary(a, i32L, token.Plus, NewConst32(a, i32L, 1), NewConst32(b, i32L, 2)))

	require.Len(t, e.Marks, 2)
	assert.Equal(t, Mark{Offset: 0, Tok: a}, e.Marks[0])
	assert.Equal(t, Mark{Offset: 2, Tok: b}, e.Marks[1])
}

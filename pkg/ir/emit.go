package ir

import (
	"github.com/xplshn/gbw/pkg/layout"
	"github.com/xplshn/gbw/pkg/token"
	"github.com/xplshn/gbw/pkg/types"
	"github.com/xplshn/gbw/pkg/util"
	"github.com/xplshn/gbw/pkg/wasm"
)

// SlotPool hands out function locals for values that must be spilled while
// code is being emitted.
type SlotPool interface {
	Alloc(l *layout.Layout) *Local
	Release(loc *Local)
}

// Mark ties a body offset to the source location of the node emitted there.
type Mark struct {
	Offset int
	Tok    token.Token
}

// Emitter carries the state of emitting one function body.
type Emitter struct {
	W       *wasm.CodeWriter
	Module  *wasm.Module
	Labels  *Labels
	Scratch SlotPool
	SignExt bool

	TrackMarks bool
	Marks      []Mark

	stack []Label
}

func NewEmitter(m *wasm.Module, labels *Labels, scratch SlotPool) *Emitter {
	return &Emitter{W: &wasm.CodeWriter{}, Module: m, Labels: labels, Scratch: scratch, SignExt: true}
}

func internal(n Node, format string, args ...interface{}) {
	var tok token.Token
	if n != nil {
		tok = n.Pos()
	}
	util.Error(tok, "internal: "+format, args...)
}

func (e *Emitter) mark(n Node) {
	if !e.TrackMarks {
		return
	}
	tok := n.Pos()
	if tok.Line == 0 {
		return
	}
	off := e.W.Len()
	if k := len(e.Marks); k > 0 && e.Marks[k-1].Offset == off && e.Marks[k-1].Tok == tok {
		return
	}
	e.Marks = append(e.Marks, Mark{Offset: off, Tok: tok})
}

func (e *Emitter) push(l Label) { e.stack = append(e.stack, l) }
func (e *Emitter) pop()         { e.stack = e.stack[:len(e.stack)-1] }

// depth is the relative branch depth of label from the innermost construct.
func (e *Emitter) depth(n Node, l Label) uint32 {
	for i := len(e.stack) - 1; i >= 0; i-- {
		if e.stack[i] == l {
			return uint32(len(e.stack) - 1 - i)
		}
	}
	internal(n, "branch to label %d outside of its construct", l)
	return 0
}

// Load emits code that pushes the value of n. Statements (void nodes) are
// simply executed.
func Load(e *Emitter, n Node) {
	e.mark(n)
	w := e.W
	switch n := n.(type) {
	case *Const32:
		w.I32Const(n.Value)
	case *Const64:
		w.I64Const(n.Value)
	case *ConstFloat:
		if n.L.Prim == wasm.F32 {
			w.F32Const(float32(n.Value))
		} else {
			w.F64Const(n.Value)
		}
	case *Binary:
		Load(e, n.X)
		Load(e, n.Y)
		w.Op(n.L.Op(n.Op))
		n.L.Clamp(w, e.SignExt)
	case *Unary:
		loadUnary(e, n)
	case *Convert:
		Load(e, n.X)
		convert(e, n, n.X.Layout(), n.L)
	case *Compare:
		Load(e, n.X)
		Load(e, n.Y)
		w.Op(n.X.Layout().Compare(n.Op))
	case *Data:
		loadData(e, n)
	case *ScaledOffset:
		Load(e, n.Ptr)
		Load(e, n.Index)
		if n.Size != 1 {
			w.I32Const(int32(n.Size))
			w.Op(wasm.OpI32Mul)
		}
		w.Op(wasm.OpI32Add)
	case *Local:
		for _, s := range n.Slots {
			w.LocalGet(s)
		}
	case *If:
		Load(e, n.Cond)
		w.If(n.L.BlockType(e.Module))
		e.push(NoLabel)
		Load(e, n.Then)
		if n.Else != nil {
			w.Else()
			Load(e, n.Else)
		}
		e.pop()
		w.End()
	case *Loop:
		if e.Labels.Uses(n.Label) == 0 {
			Load(e, n.Body)
			return
		}
		w.Loop(n.L.BlockType(e.Module))
		e.push(n.Label)
		Load(e, n.Body)
		e.pop()
		w.End()
	case *Block:
		if e.Labels.Uses(n.Label) == 0 {
			loadAll(e, n.Children)
			return
		}
		w.Block(n.L.BlockType(e.Module))
		e.push(n.Label)
		loadAll(e, n.Children)
		e.pop()
		w.End()
	case *Seq:
		loadAll(e, n.Children)
	case *Branch:
		w.Br(e.depth(n, n.Label))
	case *BranchIf:
		Load(e, n.Cond)
		w.BrIf(e.depth(n, n.Label))
	case *BranchTable:
		Load(e, n.Index)
		targets := make([]uint32, len(n.Targets))
		for i, t := range n.Targets {
			targets[i] = e.depth(n, t)
		}
		w.BrTable(targets, e.depth(n, n.Default))
	case *Return:
		if n.Value != nil {
			Load(e, n.Value)
		}
		w.Op(wasm.OpReturn)
	case *Unreachable:
		w.Op(wasm.OpUnreachable)
	case *Nop:
	case *Drop:
		Load(e, n.X)
		slots := n.X.Layout().Flatten()
		for i := len(slots) - 1; i >= 0; i-- {
			w.Op(wasm.OpDrop)
		}
	case *StructLit:
		loadAll(e, n.Fields)
	case *ArrayLit:
		loadAll(e, n.Elems)
	case *Call:
		loadAll(e, n.Args)
		w.Call(n.Func)
	case *Assign:
		Store(e, n.Target, n.Value)
	case *AddressOf:
		Address(e, n.X)
	default:
		internal(n, "cannot load %T", n)
	}
}

func loadAll(e *Emitter, nodes []Node) {
	for _, c := range nodes {
		Load(e, c)
	}
}

func loadUnary(e *Emitter, n *Unary) {
	w := e.W
	l := n.L
	switch n.Op {
	case token.Minus:
		switch l.Prim {
		case wasm.F32:
			Load(e, n.X)
			w.Op(wasm.OpF32Neg)
		case wasm.F64:
			Load(e, n.X)
			w.Op(wasm.OpF64Neg)
		case wasm.I64:
			w.I64Const(0)
			Load(e, n.X)
			w.Op(wasm.OpI64Sub)
		default:
			w.I32Const(0)
			Load(e, n.X)
			w.Op(wasm.OpI32Sub)
			l.Clamp(w, e.SignExt)
		}
	case token.Not:
		Load(e, n.X)
		if n.X.Layout().Prim == wasm.I64 {
			w.Op(wasm.OpI64Eqz)
		} else {
			w.Op(wasm.OpI32Eqz)
		}
	case token.Complement:
		Load(e, n.X)
		if l.Prim == wasm.I64 {
			w.I64Const(-1)
			w.Op(wasm.OpI64Xor)
			return
		}
		w.I32Const(-1)
		w.Op(wasm.OpI32Xor)
		l.Clamp(w, e.SignExt)
	default:
		internal(n, "unary operator %s", n.Op)
	}
}

func pickOp(signed bool, s, u byte) byte {
	if signed {
		return s
	}
	return u
}

// convert emits the conversion of the value on the stack from one numeric
// layout to another.
func convert(e *Emitter, n Node, from, to *layout.Layout) {
	w := e.W
	if to.Type.Unwrap().Kind == types.Bool {
		switch from.Prim {
		case wasm.I32:
			if from.Type.Unwrap().Kind != types.Bool {
				w.Op(wasm.OpI32Eqz)
				w.Op(wasm.OpI32Eqz)
			}
		case wasm.I64:
			w.Op(wasm.OpI64Eqz)
			w.Op(wasm.OpI32Eqz)
		case wasm.F32:
			w.F32Const(0)
			w.Op(wasm.OpF32Ne)
		case wasm.F64:
			w.F64Const(0)
			w.Op(wasm.OpF64Ne)
		}
		return
	}

	fs, ts := from.Type.IsSigned(), to.Type.IsSigned()
	switch from.Prim {
	case wasm.I32:
		switch to.Prim {
		case wasm.I32:
			to.Clamp(w, e.SignExt)
		case wasm.I64:
			w.Op(pickOp(fs, wasm.OpI64ExtendI32S, wasm.OpI64ExtendI32U))
		case wasm.F32:
			w.Op(pickOp(fs, wasm.OpF32ConvertI32S, wasm.OpF32ConvertI32U))
		case wasm.F64:
			w.Op(pickOp(fs, wasm.OpF64ConvertI32S, wasm.OpF64ConvertI32U))
		}
	case wasm.I64:
		switch to.Prim {
		case wasm.I32:
			w.Op(wasm.OpI32WrapI64)
			to.Clamp(w, e.SignExt)
		case wasm.F32:
			w.Op(pickOp(fs, wasm.OpF32ConvertI64S, wasm.OpF32ConvertI64U))
		case wasm.F64:
			w.Op(pickOp(fs, wasm.OpF64ConvertI64S, wasm.OpF64ConvertI64U))
		}
	case wasm.F32:
		switch to.Prim {
		case wasm.I32:
			w.Op(pickOp(ts, wasm.OpI32TruncF32S, wasm.OpI32TruncF32U))
			to.Clamp(w, e.SignExt)
		case wasm.I64:
			w.Op(pickOp(ts, wasm.OpI64TruncF32S, wasm.OpI64TruncF32U))
		case wasm.F64:
			w.Op(wasm.OpF64PromoteF32)
		}
	case wasm.F64:
		switch to.Prim {
		case wasm.I32:
			w.Op(pickOp(ts, wasm.OpI32TruncF64S, wasm.OpI32TruncF64U))
			to.Clamp(w, e.SignExt)
		case wasm.I64:
			w.Op(pickOp(ts, wasm.OpI64TruncF64S, wasm.OpI64TruncF64U))
		case wasm.F32:
			w.Op(wasm.OpF32DemoteF64)
		}
	default:
		internal(n, "conversion from %s to %s", from, to)
	}
}

// stableAddr makes addr safe to evaluate several times. Anything but a
// constant or a local is spilled to a scratch slot first.
func stableAddr(e *Emitter, addr Node, uses int) (Node, func()) {
	switch addr.(type) {
	case *Const32, *Local:
		return addr, func() {}
	}
	if uses <= 1 {
		return addr, func() {}
	}
	tmp := e.Scratch.Alloc(addr.Layout())
	Load(e, addr)
	e.W.LocalSet(tmp.Slots[0])
	return tmp, func() { e.Scratch.Release(tmp) }
}

func loadData(e *Emitter, n *Data) {
	if n.L.Kind == layout.Struct && n.L.Union {
		internal(n, "union %s cannot be loaded as a value", n.L.Type)
	}
	leaves := n.L.Leaves()
	addr, release := stableAddr(e, n.Addr, len(leaves))
	for _, leaf := range leaves {
		Load(e, addr)
		leaf.Layout.Load(e.W, n.Offset+leaf.Offset)
	}
	release()
}

// Address emits the linear memory address of a memory-backed value.
func Address(e *Emitter, n Node) {
	d, ok := n.(*Data)
	if !ok {
		internal(n, "%T is not addressable", n)
	}
	if c, ok := d.Addr.(*Const32); ok {
		e.W.I32Const(c.Value + int32(d.Offset))
		return
	}
	Load(e, d.Addr)
	if d.Offset != 0 {
		e.W.I32Const(int32(d.Offset))
		e.W.Op(wasm.OpI32Add)
	}
}

// Store emits code that writes value into target. Aggregate literals are
// stored field by field unless a field may read the target.
func Store(e *Emitter, target, value Node) {
	switch t := target.(type) {
	case *Local:
		if fields, ok := literalParts(value); ok && !mayAlias(value, t) {
			for i, f := range fields {
				Store(e, part(t, i), f)
			}
			return
		}
		Load(e, value)
		Consume(e, t)
	case *Data:
		if t.L.IsScalar() {
			Load(e, t.Addr)
			Load(e, value)
			t.L.Store(e.W, t.Offset)
			return
		}
		if fields, ok := literalParts(value); ok && !mayAlias(value, t) {
			addr, release := stableAddr(e, t.Addr, len(fields))
			base := NewData(t.Tok, t.L, addr, t.Offset)
			for i, f := range fields {
				Store(e, part(base, i), f)
			}
			release()
			return
		}
		switch src := value.(type) {
		case *Data:
			copyMemory(e, t, src)
			return
		case *Local:
			storeLeaves(e, t, src)
			return
		}
		Load(e, value)
		Consume(e, t)
	default:
		internal(target, "%T is not assignable", target)
	}
}

func literalParts(n Node) ([]Node, bool) {
	switch n := n.(type) {
	case *StructLit:
		return n.Fields, true
	case *ArrayLit:
		return n.Elems, true
	}
	return nil, false
}

// part selects the i-th field of a struct or the i-th element of an array.
func part(n Node, i int) Node {
	if n.Layout().Kind == layout.Array {
		return Index(n, NewConst32(n.Pos(), indexLayout, int32(i)))
	}
	return SelectIndex(n, i)
}

// Consume pops a value of target's layout off the stack and writes it into target.
func Consume(e *Emitter, target Node) {
	switch t := target.(type) {
	case *Local:
		for i := len(t.Slots) - 1; i >= 0; i-- {
			e.W.LocalSet(t.Slots[i])
		}
	case *Data:
		tmp := e.Scratch.Alloc(t.L)
		Consume(e, tmp)
		storeLeaves(e, t, tmp)
		e.Scratch.Release(tmp)
	default:
		internal(target, "%T is not assignable", target)
	}
}

// storeLeaves writes every slot of src to the matching leaf of dst.
func storeLeaves(e *Emitter, dst *Data, src *Local) {
	leaves := dst.L.Leaves()
	if len(leaves) != len(src.Slots) {
		internal(dst, "storing %d slots into %s", len(src.Slots), dst.L)
	}
	addr, release := stableAddr(e, dst.Addr, len(leaves))
	for i, leaf := range leaves {
		Load(e, addr)
		e.W.LocalGet(src.Slots[i])
		leaf.Layout.Store(e.W, dst.Offset+leaf.Offset)
	}
	release()
}

// copyMemory copies an aggregate between two memory-backed values using the
// widest accesses that fit.
func copyMemory(e *Emitter, dst, src *Data) {
	size := dst.L.Size
	chunks := int(size/8 + size%8)
	daddr, releaseDst := stableAddr(e, dst.Addr, chunks)
	saddr, releaseSrc := stableAddr(e, src.Addr, chunks)
	for off := int64(0); off < size; {
		var load, store byte
		var width int64
		var align uint32
		switch rest := size - off; {
		case rest >= 8:
			load, store, width, align = wasm.OpI64Load, wasm.OpI64Store, 8, 3
		case rest >= 4:
			load, store, width, align = wasm.OpI32Load, wasm.OpI32Store, 4, 2
		case rest >= 2:
			load, store, width, align = wasm.OpI32Load16U, wasm.OpI32Store16, 2, 1
		default:
			load, store, width, align = wasm.OpI32Load8U, wasm.OpI32Store8, 1, 0
		}
		Load(e, daddr)
		Load(e, saddr)
		e.W.Mem(load, align, uint32(src.Offset+off))
		e.W.Mem(store, align, uint32(dst.Offset+off))
		off += width
	}
	releaseSrc()
	releaseDst()
}

// mayAlias reports whether evaluating value could observe writes to target.
func mayAlias(value Node, target Node) bool {
	found := false
	walk(value, func(n Node) {
		switch n := n.(type) {
		case *Local:
			if t, ok := target.(*Local); ok && sharesSlot(n.Slots, t.Slots) {
				found = true
			}
		case *Data, *Call:
			if _, ok := target.(*Data); ok {
				found = true
			}
		}
	})
	return found
}

func sharesSlot(a, b []uint32) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

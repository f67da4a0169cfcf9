// Package ir holds the compiled form of expressions and statements. Nodes are
// immutable once built: a parent owns its children and every rewrite builds
// new nodes. The operations on nodes (Load, Store, Simplify, ...) are package
// level functions that switch over the closed set of node types.
package ir

import (
	"github.com/xplshn/gbw/pkg/layout"
	"github.com/xplshn/gbw/pkg/token"
)

type Node interface {
	Pos() token.Token
	Layout() *layout.Layout
	isNode()
}

// Base carries the source location and value layout every node has.
type Base struct {
	Tok token.Token
	L   *layout.Layout
}

func (b *Base) Pos() token.Token        { return b.Tok }
func (b *Base) Layout() *layout.Layout  { return b.L }
func (b *Base) at(tok token.Token) Base { return Base{Tok: tok, L: b.L} }

type (
	Const32 struct {
		Base
		Value int32
	}
	Const64 struct {
		Base
		Value int64
	}
	ConstFloat struct {
		Base
		Value float64
	}

	// Binary is an arithmetic or bitwise operation. Both operands have the
	// layout of the result.
	Binary struct {
		Base
		Op   token.Type
		X, Y Node
	}
	// Unary is a negation (Minus), logical not (Not) or bitwise complement.
	Unary struct {
		Base
		Op token.Type
		X  Node
	}
	// Convert changes X to the numeric kind of its own layout.
	Convert struct {
		Base
		X Node
	}
	Compare struct {
		Base
		Op   token.Type
		X, Y Node
	}

	// Data is a value stored in linear memory at Addr+Offset.
	Data struct {
		Base
		Addr   Node
		Offset int64
	}
	// ScaledOffset computes Base + Index*Size.
	ScaledOffset struct {
		Base
		Ptr   Node
		Index Node
		Size  int64
	}
	// Local is a value held in function locals, one slot per flattened primitive.
	Local struct {
		Base
		Slots []uint32
	}

	If struct {
		Base
		Cond       Node
		Then, Else Node
	}
	Loop struct {
		Base
		Label Label
		Body  Node
	}
	// Block is a labelled sequence. When it has a value, the last child produces it.
	Block struct {
		Base
		Label    Label
		Children []Node
	}
	// Seq is an unlabelled sequence.
	Seq struct {
		Base
		Children []Node
	}
	Branch struct {
		Base
		Label Label
	}
	BranchIf struct {
		Base
		Label Label
		Cond  Node
	}
	BranchTable struct {
		Base
		Index   Node
		Targets []Label
		Default Label
	}
	Return struct {
		Base
		Value Node
	}
	Unreachable struct{ Base }
	Nop         struct{ Base }
	Drop        struct {
		Base
		X Node
	}

	StructLit struct {
		Base
		Fields []Node
	}
	ArrayLit struct {
		Base
		Elems []Node
	}
	Call struct {
		Base
		Func uint32
		Name string
		Args []Node
	}
	Assign struct {
		Base
		Target, Value Node
	}
	// AddressOf is the pointer to a memory-backed value.
	AddressOf struct {
		Base
		X Node
	}
)

func (*Const32) isNode()      {}
func (*Const64) isNode()      {}
func (*ConstFloat) isNode()   {}
func (*Binary) isNode()       {}
func (*Unary) isNode()        {}
func (*Convert) isNode()      {}
func (*Compare) isNode()      {}
func (*Data) isNode()         {}
func (*ScaledOffset) isNode() {}
func (*Local) isNode()        {}
func (*If) isNode()           {}
func (*Loop) isNode()         {}
func (*Block) isNode()        {}
func (*Seq) isNode()          {}
func (*Branch) isNode()       {}
func (*BranchIf) isNode()     {}
func (*BranchTable) isNode()  {}
func (*Return) isNode()       {}
func (*Unreachable) isNode()  {}
func (*Nop) isNode()          {}
func (*Drop) isNode()         {}
func (*StructLit) isNode()    {}
func (*ArrayLit) isNode()     {}
func (*Call) isNode()         {}
func (*Assign) isNode()       {}
func (*AddressOf) isNode()    {}

// Label is an index into a function's Labels table.
type Label int

const NoLabel Label = -1

// Labels counts the references to every branch target of one function.
type Labels struct {
	uses []int
}

func (t *Labels) New() Label {
	t.uses = append(t.uses, 0)
	return Label(len(t.uses) - 1)
}

// Use records one more reference to l and returns it.
func (t *Labels) Use(l Label) Label {
	t.uses[l]++
	return l
}

func (t *Labels) Uses(l Label) int {
	if l == NoLabel || t == nil {
		return 0
	}
	return t.uses[l]
}

func (t *Labels) Len() int { return len(t.uses) }

// Recount sets every use count to the number of branches still present in
// body, which must be the whole function. It reports whether any count
// dropped.
func (t *Labels) Recount(body Node) bool {
	counts := make([]int, len(t.uses))
	walk(body, func(n Node) {
		switch n := n.(type) {
		case *Branch:
			counts[n.Label]++
		case *BranchIf:
			counts[n.Label]++
		case *BranchTable:
			for _, l := range n.Targets {
				counts[l]++
			}
			counts[n.Default]++
		}
	})
	dropped := false
	for i, c := range counts {
		if c < t.uses[i] {
			dropped = true
		}
	}
	t.uses = counts
	return dropped
}

func NewConst32(tok token.Token, l *layout.Layout, v int32) *Const32 {
	return &Const32{Base{tok, l}, int32(l.Wrap(int64(v)))}
}

func NewConst64(tok token.Token, l *layout.Layout, v int64) *Const64 {
	return &Const64{Base{tok, l}, v}
}

func NewConstFloat(tok token.Token, l *layout.Layout, v float64) *ConstFloat {
	if l.Size == 4 {
		v = float64(float32(v))
	}
	return &ConstFloat{Base{tok, l}, v}
}

// NewConst builds the constant node of the right family for l.
func NewConst(tok token.Token, l *layout.Layout, c layout.Constant) Node {
	switch {
	case l.Type.IsFloat():
		return NewConstFloat(tok, l, c.Float)
	case l.Size == 8:
		return NewConst64(tok, l, c.Int)
	}
	return NewConst32(tok, l, int32(c.Int))
}

func NewBinary(tok token.Token, l *layout.Layout, op token.Type, x, y Node) *Binary {
	return &Binary{Base{tok, l}, op, x, y}
}

func NewUnary(tok token.Token, l *layout.Layout, op token.Type, x Node) *Unary {
	return &Unary{Base{tok, l}, op, x}
}

func NewConvert(tok token.Token, l *layout.Layout, x Node) *Convert {
	return &Convert{Base{tok, l}, x}
}

func NewCompare(tok token.Token, boolLayout *layout.Layout, op token.Type, x, y Node) *Compare {
	return &Compare{Base{tok, boolLayout}, op, x, y}
}

func NewData(tok token.Token, l *layout.Layout, addr Node, offset int64) *Data {
	return &Data{Base{tok, l}, addr, offset}
}

func NewScaledOffset(tok token.Token, ptr, index Node, size int64) *ScaledOffset {
	return &ScaledOffset{Base{tok, ptr.Layout()}, ptr, index, size}
}

func NewLocal(tok token.Token, l *layout.Layout, slots []uint32) *Local {
	return &Local{Base{tok, l}, slots}
}

func NewIf(tok token.Token, l *layout.Layout, cond, then, els Node) *If {
	return &If{Base{tok, l}, cond, then, els}
}

func NewLoop(tok token.Token, l *layout.Layout, label Label, body Node) *Loop {
	return &Loop{Base{tok, l}, label, body}
}

func NewBlock(tok token.Token, l *layout.Layout, label Label, children ...Node) *Block {
	return &Block{Base{tok, l}, label, children}
}

func NewSeq(tok token.Token, l *layout.Layout, children ...Node) *Seq {
	return &Seq{Base{tok, l}, children}
}

func NewBranch(tok token.Token, void *layout.Layout, labels *Labels, label Label) *Branch {
	return &Branch{Base{tok, void}, labels.Use(label)}
}

func NewBranchIf(tok token.Token, void *layout.Layout, labels *Labels, label Label, cond Node) *BranchIf {
	return &BranchIf{Base{tok, void}, labels.Use(label), cond}
}

func NewBranchTable(tok token.Token, void *layout.Layout, labels *Labels, index Node, targets []Label, def Label) *BranchTable {
	for _, t := range targets {
		labels.Use(t)
	}
	return &BranchTable{Base{tok, void}, index, targets, labels.Use(def)}
}

func NewReturn(tok token.Token, void *layout.Layout, value Node) *Return {
	return &Return{Base{tok, void}, value}
}

func NewUnreachable(tok token.Token, void *layout.Layout) *Unreachable {
	return &Unreachable{Base{tok, void}}
}

func NewNop(tok token.Token, void *layout.Layout) *Nop { return &Nop{Base{tok, void}} }

func NewDrop(tok token.Token, void *layout.Layout, x Node) *Drop {
	return &Drop{Base{tok, void}, x}
}

func NewStructLit(tok token.Token, l *layout.Layout, fields ...Node) *StructLit {
	return &StructLit{Base{tok, l}, fields}
}

func NewArrayLit(tok token.Token, l *layout.Layout, elems ...Node) *ArrayLit {
	return &ArrayLit{Base{tok, l}, elems}
}

func NewCall(tok token.Token, l *layout.Layout, fn uint32, name string, args ...Node) *Call {
	return &Call{Base{tok, l}, fn, name, args}
}

func NewAssign(tok token.Token, void *layout.Layout, target, value Node) *Assign {
	return &Assign{Base{tok, void}, target, value}
}

func NewAddressOf(tok token.Token, ptr *layout.Layout, x Node) *AddressOf {
	return &AddressOf{Base{tok, ptr}, x}
}

package ir

import (
	"github.com/xplshn/gbw/pkg/layout"
	"github.com/xplshn/gbw/pkg/token"
	"github.com/xplshn/gbw/pkg/types"
)

var indexLayout = layout.NewEngine().Of(types.TypeI32)

// Select returns the named field of a struct value without emitting code.
func Select(n Node, name string) Node {
	l := n.Layout()
	for i, f := range l.Fields {
		if f.Name == name {
			return SelectIndex(n, i)
		}
	}
	internal(n, "%s has no field %q", l, name)
	return nil
}

func SelectIndex(n Node, i int) Node {
	f := n.Layout().SelectIndex(i)
	switch n := n.(type) {
	case *Data:
		return NewData(n.Tok, f.Layout, n.Addr, n.Offset+f.Offset)
	case *Local:
		k := len(f.Layout.Flatten())
		return NewLocal(n.Tok, f.Layout, n.Slots[f.Slot:f.Slot+k])
	case *StructLit:
		return n.Fields[i]
	}
	internal(n, "cannot select a field of %T", n)
	return nil
}

// Index returns an element of an array value. Register-backed arrays only
// accept constant indices.
func Index(n Node, idx Node) Node {
	elem := n.Layout().Index()
	switch n := n.(type) {
	case *Data:
		return NewData(n.Tok, elem, NewScaledOffset(idx.Pos(), n.Addr, idx, elem.Size), n.Offset)
	case *Local, *ArrayLit:
		c, ok := AsConstant(idx)
		if !ok {
			internal(idx, "dynamic index into a register-backed array")
		}
		count := n.Layout().Count
		if c.Int < 0 || c.Int >= count {
			internal(idx, "index %d out of range [0, %d)", c.Int, count)
		}
		if lit, ok := n.(*ArrayLit); ok {
			return lit.Elems[c.Int]
		}
		loc := n.(*Local)
		k := int64(len(elem.Flatten()))
		return NewLocal(loc.Tok, elem, loc.Slots[c.Int*k:(c.Int+1)*k])
	}
	internal(n, "cannot index %T", n)
	return nil
}

// Reference returns a shallow copy of n located at tok.
func Reference(n Node, tok token.Token) Node {
	switch n := n.(type) {
	case *Const32:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *Const64:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *ConstFloat:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *Binary:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *Unary:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *Convert:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *Compare:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *Data:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *ScaledOffset:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *Local:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *If:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *Loop:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *Block:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *Seq:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *Branch:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *BranchIf:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *BranchTable:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *Return:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *Unreachable:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *Nop:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *Drop:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *StructLit:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *ArrayLit:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *Call:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *Assign:
		c := *n
		c.Base = n.at(tok)
		return &c
	case *AddressOf:
		c := *n
		c.Base = n.at(tok)
		return &c
	}
	internal(n, "cannot reference %T", n)
	return nil
}

// AsConstant reports the statically known value of n.
func AsConstant(n Node) (layout.Constant, bool) {
	switch n := n.(type) {
	case *Const32:
		return layout.Constant{Int: int64(n.Value)}, true
	case *Const64:
		return layout.Constant{Int: n.Value}, true
	case *ConstFloat:
		return layout.Constant{Float: n.Value}, true
	}
	return layout.Constant{}, false
}

// InitStatic serializes n into buf when the whole subtree is constant.
func InitStatic(n Node, buf []byte) bool {
	switch n := n.(type) {
	case *Const32, *Const64, *ConstFloat:
		c, _ := AsConstant(n)
		return n.Layout().WriteValue(buf, c)
	case *StructLit:
		l := n.L
		if l.Union || len(n.Fields) != len(l.Fields) {
			return false
		}
		for i, f := range n.Fields {
			fl := l.Fields[i]
			if !InitStatic(f, buf[fl.Offset:fl.Offset+fl.Layout.Size]) {
				return false
			}
		}
		return true
	case *ArrayLit:
		size := n.L.Elem.Size
		for i, el := range n.Elems {
			off := int64(i) * size
			if off+size > int64(len(buf)) || !InitStatic(el, buf[off:off+size]) {
				return false
			}
		}
		return true
	}
	return false
}

// TryNegate returns the logical complement of n when it needs no extra
// instruction.
func TryNegate(n Node) (Node, bool) {
	switch n := n.(type) {
	case *Compare:
		if n.X.Layout().Type.IsFloat() {
			return nil, false
		}
		return NewCompare(n.Tok, n.L, n.Op.Negate(), n.X, n.Y), true
	case *Unary:
		if n.Op == token.Not {
			return n.X, true
		}
	case *Const32:
		if n.L.Type.Unwrap().Kind == types.Bool {
			return NewConst32(n.Tok, n.L, 1-n.Value), true
		}
	}
	return nil, false
}

// Pure reports whether n can be evaluated and discarded without observable
// effect.
func Pure(n Node) bool {
	switch n := n.(type) {
	case nil:
		return true
	case *Const32, *Const64, *ConstFloat, *Local, *Nop:
		return true
	case *Data:
		return Pure(n.Addr)
	case *Binary:
		if n.Op == token.Slash || n.Op == token.Rem {
			c, ok := AsConstant(n.Y)
			if !ok || c.Int == 0 {
				return false
			}
		}
		return Pure(n.X) && Pure(n.Y)
	case *Unary:
		return Pure(n.X)
	case *Convert:
		if n.X.Layout().Type.IsFloat() && n.L.Type.IsInteger() {
			return false
		}
		return Pure(n.X)
	case *Compare:
		return Pure(n.X) && Pure(n.Y)
	case *ScaledOffset:
		return Pure(n.Ptr) && Pure(n.Index)
	case *AddressOf:
		return Pure(n.X)
	case *StructLit:
		return allPure(n.Fields)
	case *ArrayLit:
		return allPure(n.Elems)
	}
	return false
}

func allPure(nodes []Node) bool {
	for _, c := range nodes {
		if !Pure(c) {
			return false
		}
	}
	return true
}

// walk visits n and every node below it, parents first.
func walk(n Node, fn func(Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range Children(n) {
		walk(c, fn)
	}
}

// Children lists the direct sub-nodes of n.
func Children(n Node) []Node {
	switch n := n.(type) {
	case *Binary:
		return []Node{n.X, n.Y}
	case *Unary:
		return []Node{n.X}
	case *Convert:
		return []Node{n.X}
	case *Compare:
		return []Node{n.X, n.Y}
	case *Data:
		return []Node{n.Addr}
	case *ScaledOffset:
		return []Node{n.Ptr, n.Index}
	case *If:
		if n.Else == nil {
			return []Node{n.Cond, n.Then}
		}
		return []Node{n.Cond, n.Then, n.Else}
	case *Loop:
		return []Node{n.Body}
	case *Block:
		return n.Children
	case *Seq:
		return n.Children
	case *BranchIf:
		return []Node{n.Cond}
	case *BranchTable:
		return []Node{n.Index}
	case *Return:
		if n.Value == nil {
			return nil
		}
		return []Node{n.Value}
	case *Drop:
		return []Node{n.X}
	case *StructLit:
		return n.Fields
	case *ArrayLit:
		return n.Elems
	case *Call:
		return n.Args
	case *Assign:
		return []Node{n.Target, n.Value}
	case *AddressOf:
		return []Node{n.X}
	}
	return nil
}

package ir

import (
	"math"

	"github.com/xplshn/gbw/pkg/layout"
	"github.com/xplshn/gbw/pkg/token"
	"github.com/xplshn/gbw/pkg/types"
	"github.com/xplshn/gbw/pkg/util"
)

// Simplify folds constants and prunes dead branches and trivial blocks. It
// never mutates n; it reports whether the returned node differs from n.
// Applying it to its own result changes nothing.
func Simplify(labels *Labels, n Node) (Node, bool) {
	s := simplifier{labels: labels}
	return s.node(n)
}

type simplifier struct {
	labels *Labels
}

func (s simplifier) list(nodes []Node) ([]Node, bool) {
	var out []Node
	changed := false
	for i, c := range nodes {
		nc, ch := s.node(c)
		if ch && out == nil {
			out = append(make([]Node, 0, len(nodes)), nodes[:i]...)
		}
		if out != nil {
			out = append(out, nc)
		}
		changed = changed || ch
	}
	if !changed {
		return nodes, false
	}
	return out, true
}

func (s simplifier) opt(n Node) (Node, bool) {
	if n == nil {
		return nil, false
	}
	return s.node(n)
}

func (s simplifier) node(n Node) (Node, bool) {
	switch n := n.(type) {
	case *Const32, *Const64, *ConstFloat, *Local, *Nop, *Unreachable, *Branch:
		return n, false
	case *Binary:
		x, cx := s.node(n.X)
		y, cy := s.node(n.Y)
		if r, ok := foldBinary(n, x, y); ok {
			return r, true
		}
		if cx || cy {
			return NewBinary(n.Tok, n.L, n.Op, x, y), true
		}
	case *Unary:
		x, cx := s.node(n.X)
		if r, ok := foldUnary(n, x); ok {
			return r, true
		}
		if n.Op == token.Not {
			if neg, ok := TryNegate(x); ok {
				return neg, true
			}
		}
		if cx {
			return NewUnary(n.Tok, n.L, n.Op, x), true
		}
	case *Convert:
		x, cx := s.node(n.X)
		if x.Layout() == n.L {
			return x, true
		}
		if r, ok := foldConvert(n, x); ok {
			return r, true
		}
		if cx {
			return NewConvert(n.Tok, n.L, x), true
		}
	case *Compare:
		x, cx := s.node(n.X)
		y, cy := s.node(n.Y)
		if r, ok := foldCompare(n, x, y); ok {
			return r, true
		}
		if cx || cy {
			return NewCompare(n.Tok, n.L, n.Op, x, y), true
		}
	case *Data:
		addr, changed := s.node(n.Addr)
		offset := n.Offset
		for {
			so, ok := addr.(*ScaledOffset)
			if !ok {
				break
			}
			c, ok := AsConstant(so.Index)
			if !ok || offset+c.Int*so.Size < 0 {
				break
			}
			addr, offset, changed = so.Ptr, offset+c.Int*so.Size, true
		}
		if changed {
			return NewData(n.Tok, n.L, addr, offset), true
		}
	case *ScaledOffset:
		ptr, cp := s.node(n.Ptr)
		idx, ci := s.node(n.Index)
		ic, iok := AsConstant(idx)
		if pc, ok := AsConstant(ptr); ok && iok {
			return NewConst32(n.Tok, n.L, int32(pc.Int+ic.Int*n.Size)), true
		}
		if iok && ic.Int*n.Size == 0 {
			return ptr, true
		}
		if cp || ci {
			return NewScaledOffset(n.Tok, ptr, idx, n.Size), true
		}
	case *If:
		return s.simplifyIf(n)
	case *Loop:
		body, changed := s.node(n.Body)
		if changed {
			return NewLoop(n.Tok, n.L, n.Label, body), true
		}
	case *Block:
		children, changed := s.sequence(n.Children, n.L)
		if len(children) == 0 && n.L.IsVoid() {
			return NewNop(n.Tok, n.L), true
		}
		if len(children) == 1 && s.labels.Uses(n.Label) == 0 {
			return children[0], true
		}
		if changed {
			return NewBlock(n.Tok, n.L, n.Label, children...), true
		}
	case *Seq:
		children, changed := s.sequence(n.Children, n.L)
		if len(children) == 0 && n.L.IsVoid() {
			return NewNop(n.Tok, n.L), true
		}
		if len(children) == 1 {
			return children[0], true
		}
		if changed {
			return NewSeq(n.Tok, n.L, children...), true
		}
	case *BranchIf:
		cond, changed := s.node(n.Cond)
		if c, ok := AsConstant(cond); ok {
			if c.Int != 0 {
				return &Branch{n.Base, n.Label}, true
			}
			return NewNop(n.Tok, n.L), true
		}
		if changed {
			return &BranchIf{n.Base, n.Label, cond}, true
		}
	case *BranchTable:
		idx, changed := s.node(n.Index)
		if c, ok := AsConstant(idx); ok {
			target := n.Default
			if c.Int >= 0 && c.Int < int64(len(n.Targets)) {
				target = n.Targets[c.Int]
			}
			return &Branch{n.Base, target}, true
		}
		if changed {
			return &BranchTable{n.Base, idx, n.Targets, n.Default}, true
		}
	case *Return:
		v, changed := s.opt(n.Value)
		if changed {
			return NewReturn(n.Tok, n.L, v), true
		}
	case *Drop:
		x, changed := s.node(n.X)
		if Pure(x) {
			return NewNop(n.Tok, n.L), true
		}
		if changed {
			return NewDrop(n.Tok, n.L, x), true
		}
	case *StructLit:
		fields, changed := s.list(n.Fields)
		if changed {
			return NewStructLit(n.Tok, n.L, fields...), true
		}
	case *ArrayLit:
		elems, changed := s.list(n.Elems)
		if changed {
			return NewArrayLit(n.Tok, n.L, elems...), true
		}
	case *Call:
		args, changed := s.list(n.Args)
		if changed {
			return NewCall(n.Tok, n.L, n.Func, n.Name, args...), true
		}
	case *Assign:
		t, ct := s.node(n.Target)
		v, cv := s.node(n.Value)
		if ct || cv {
			return NewAssign(n.Tok, n.L, t, v), true
		}
	case *AddressOf:
		x, changed := s.node(n.X)
		if d, ok := x.(*Data); ok {
			if c, ok := AsConstant(d.Addr); ok {
				return NewConst32(n.Tok, n.L, int32(c.Int+d.Offset)), true
			}
		}
		if changed {
			return NewAddressOf(n.Tok, n.L, x), true
		}
	default:
		internal(n, "cannot simplify %T", n)
	}
	return n, false
}

// sequence simplifies the statements of a block, dropping no-ops and
// splicing nested unlabelled sequences into the parent.
func (s simplifier) sequence(nodes []Node, result *layout.Layout) ([]Node, bool) {
	out := make([]Node, 0, len(nodes))
	changed := false
	for _, c := range nodes {
		nc, ch := s.node(c)
		changed = changed || ch
		switch nc := nc.(type) {
		case *Nop:
			changed = true
			continue
		case *Seq:
			if nc.L.IsVoid() {
				out = append(out, nc.Children...)
				changed = true
				continue
			}
		}
		out = append(out, nc)
	}
	return out, changed
}

func (s simplifier) simplifyIf(n *If) (Node, bool) {
	cond, cc := s.node(n.Cond)
	then, ct := s.node(n.Then)
	els, ce := s.opt(n.Else)

	if c, ok := AsConstant(cond); ok {
		if c.Int != 0 {
			return then, true
		}
		if els == nil {
			return NewNop(n.Tok, n.L), true
		}
		return els, true
	}
	if isNop(then) && isNop(els) && Pure(cond) {
		return NewNop(n.Tok, n.L), true
	}
	if u, ok := cond.(*Unary); ok && u.Op == token.Not && els != nil {
		return NewIf(n.Tok, n.L, u.X, els, then), true
	}
	if cc || ct || ce {
		return NewIf(n.Tok, n.L, cond, then, els), true
	}
	return n, false
}

func isNop(n Node) bool {
	if n == nil {
		return true
	}
	_, ok := n.(*Nop)
	return ok
}

// integer returns the mathematical value of a constant integer of layout l.
func integer(l *layout.Layout, c layout.Constant) int64 {
	if l.Size == 4 && !l.Type.IsSigned() {
		return int64(uint32(c.Int))
	}
	return c.Int
}

func foldBinary(n *Binary, x, y Node) (Node, bool) {
	l := n.L
	xc, xok := AsConstant(x)
	yc, yok := AsConstant(y)
	if l.Type.IsFloat() {
		if !xok || !yok {
			return nil, false
		}
		var v float64
		switch n.Op {
		case token.Plus:
			v = xc.Float + yc.Float
		case token.Minus:
			v = xc.Float - yc.Float
		case token.Star:
			v = xc.Float * yc.Float
		case token.Slash:
			v = xc.Float / yc.Float
		default:
			return nil, false
		}
		return NewConstFloat(n.Tok, l, v), true
	}

	if xok && yok {
		var v int64
		if l.Size == 8 {
			v = fold64(n, xc.Int, yc.Int)
		} else {
			v = fold32(n, int32(xc.Int), int32(yc.Int))
		}
		return NewConst(n.Tok, l, layout.Constant{Int: l.Wrap(v)}), true
	}

	switch {
	case yok && yc.Int == 0 && (n.Op == token.Plus || n.Op == token.Minus):
		return x, true
	case xok && xc.Int == 0 && n.Op == token.Plus:
		return y, true
	case yok && yc.Int == 1 && (n.Op == token.Star || n.Op == token.Slash):
		return x, true
	case xok && xc.Int == 1 && n.Op == token.Star:
		return y, true
	}
	return nil, false
}

func fold32(n *Binary, a, b int32) int64 {
	ua, ub := uint32(a), uint32(b)
	signed := n.L.Type.IsSigned()
	switch n.Op {
	case token.Plus:
		return int64(a + b)
	case token.Minus:
		return int64(a - b)
	case token.Star:
		return int64(a * b)
	case token.Slash, token.Rem:
		if b == 0 {
			util.Error(n.Tok, "division by zero in constant expression")
		}
		if signed && a == math.MinInt32 && b == -1 && n.Op == token.Slash {
			util.Error(n.Tok, "integer overflow in constant division")
		}
		switch {
		case n.Op == token.Slash && signed:
			return int64(a / b)
		case n.Op == token.Slash:
			return int64(ua / ub)
		case signed:
			return int64(a % b)
		default:
			return int64(ua % ub)
		}
	case token.And:
		return int64(a & b)
	case token.Or:
		return int64(a | b)
	case token.Xor:
		return int64(a ^ b)
	case token.Shl:
		return int64(a << (ub & 31))
	case token.Shr:
		if signed {
			return int64(a >> (ub & 31))
		}
		return int64(ua >> (ub & 31))
	}
	internal(n, "cannot fold operator %s", n.Op)
	return 0
}

func fold64(n *Binary, a, b int64) int64 {
	ua, ub := uint64(a), uint64(b)
	signed := n.L.Type.IsSigned()
	switch n.Op {
	case token.Plus:
		return a + b
	case token.Minus:
		return a - b
	case token.Star:
		return a * b
	case token.Slash, token.Rem:
		if b == 0 {
			util.Error(n.Tok, "division by zero in constant expression")
		}
		if signed && a == math.MinInt64 && b == -1 && n.Op == token.Slash {
			util.Error(n.Tok, "integer overflow in constant division")
		}
		switch {
		case n.Op == token.Slash && signed:
			return a / b
		case n.Op == token.Slash:
			return int64(ua / ub)
		case signed:
			return a % b
		default:
			return int64(ua % ub)
		}
	case token.And:
		return a & b
	case token.Or:
		return a | b
	case token.Xor:
		return a ^ b
	case token.Shl:
		return a << (ub & 63)
	case token.Shr:
		if signed {
			return a >> (ub & 63)
		}
		return int64(ua >> (ub & 63))
	}
	internal(n, "cannot fold operator %s", n.Op)
	return 0
}

func foldUnary(n *Unary, x Node) (Node, bool) {
	c, ok := AsConstant(x)
	if !ok {
		return nil, false
	}
	l := n.L
	switch n.Op {
	case token.Minus:
		if l.Type.IsFloat() {
			return NewConstFloat(n.Tok, l, -c.Float), true
		}
		return NewConst(n.Tok, l, layout.Constant{Int: l.Wrap(-c.Int)}), true
	case token.Not:
		if c.Int == 0 {
			return NewConst32(n.Tok, l, 1), true
		}
		return NewConst32(n.Tok, l, 0), true
	case token.Complement:
		return NewConst(n.Tok, l, layout.Constant{Int: l.Wrap(^c.Int)}), true
	}
	return nil, false
}

func foldCompare(n *Compare, x, y Node) (Node, bool) {
	xc, xok := AsConstant(x)
	yc, yok := AsConstant(y)
	if !xok || !yok {
		return nil, false
	}
	ol := x.Layout()
	var cmp int
	switch {
	case ol.Type.IsFloat():
		a, b := xc.Float, yc.Float
		if math.IsNaN(a) || math.IsNaN(b) {
			return NewConst32(n.Tok, n.L, boolInt(n.Op == token.Neq)), true
		}
		cmp = compareOrdered(a, b)
	case ol.Type.IsSigned():
		cmp = compareOrdered(xc.Int, yc.Int)
	case ol.Size == 8:
		cmp = compareOrdered(uint64(xc.Int), uint64(yc.Int))
	default:
		cmp = compareOrdered(uint32(xc.Int), uint32(yc.Int))
	}
	var r bool
	switch n.Op {
	case token.EqEq:
		r = cmp == 0
	case token.Neq:
		r = cmp != 0
	case token.Lt:
		r = cmp < 0
	case token.Gt:
		r = cmp > 0
	case token.Lte:
		r = cmp <= 0
	case token.Gte:
		r = cmp >= 0
	default:
		internal(n, "cannot fold comparison %s", n.Op)
	}
	return NewConst32(n.Tok, n.L, boolInt(r)), true
}

func compareOrdered[T int64 | uint64 | uint32 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// intToFloat rounds v to the target width in one step, as convert_i64 does.
func intToFloat(v int64, from, to *layout.Layout) float64 {
	unsigned := from.Size == 8 && !from.Type.IsSigned()
	if to.Size == 4 {
		if unsigned {
			return float64(float32(uint64(v)))
		}
		return float64(float32(v))
	}
	if unsigned {
		return float64(uint64(v))
	}
	return float64(v)
}

func foldConvert(n *Convert, x Node) (Node, bool) {
	c, ok := AsConstant(x)
	if !ok {
		return nil, false
	}
	from, to := x.Layout(), n.L
	if to.Type.Unwrap().Kind == types.Bool {
		if from.Type.IsFloat() {
			return NewConst32(n.Tok, to, boolInt(c.Float != 0)), true
		}
		return NewConst32(n.Tok, to, boolInt(c.Int != 0)), true
	}
	switch {
	case from.Type.IsFloat() && to.Type.IsFloat():
		return NewConstFloat(n.Tok, to, c.Float), true
	case to.Type.IsFloat():
		return NewConstFloat(n.Tok, to, intToFloat(integer(from, c), from, to)), true
	case from.Type.IsFloat():
		t := math.Trunc(c.Float)
		lo, hi := truncRange(to)
		if math.IsNaN(t) || t < lo || t >= hi {
			return nil, false
		}
		if to.Size == 8 && !to.Type.IsSigned() {
			return NewConst64(n.Tok, to, int64(uint64(t))), true
		}
		return NewConst(n.Tok, to, layout.Constant{Int: to.Wrap(int64(t))}), true
	}
	return NewConst(n.Tok, to, layout.Constant{Int: to.Wrap(integer(from, c))}), true
}

// truncRange is the half-open range a float may have to be truncated to the
// primitive slot of l without trapping.
func truncRange(l *layout.Layout) (float64, float64) {
	signed := l.Type.IsSigned()
	switch {
	case l.Size == 8 && signed:
		return math.MinInt64, -math.MinInt64
	case l.Size == 8:
		return 0, 1 << 64
	case signed:
		return math.MinInt32, -math.MinInt32
	}
	return 0, 1 << 32
}

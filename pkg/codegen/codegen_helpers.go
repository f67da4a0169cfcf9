package codegen

import (
	"github.com/xplshn/gbw/pkg/ast"
	"github.com/xplshn/gbw/pkg/ir"
	"github.com/xplshn/gbw/pkg/layout"
	"github.com/xplshn/gbw/pkg/token"
	"github.com/xplshn/gbw/pkg/types"
	"github.com/xplshn/gbw/pkg/util"
	"github.com/xplshn/gbw/pkg/wasm"
)

// codegenExpr builds the node computing node's value. Lvalues come back as
// their storage (a Data or Local node), which both loads and stores.
func (ctx *Context) codegenExpr(node *ast.Node) ir.Node {
	l := ctx.layoutOf(node.Typ)
	switch d := node.Data.(type) {
	case ast.NumberNode:
		if l.Type.IsFloat() {
			return ir.NewConstFloat(node.Tok, l, float64(d.Value))
		}
		return ir.NewConst(node.Tok, l, layout.Constant{Int: d.Value})
	case ast.FloatNumberNode:
		return ir.NewConstFloat(node.Tok, l, d.Value)
	case ast.BoolNode:
		return ir.NewConst32(node.Tok, l, boolInt(d.Value))
	case ast.IdentNode:
		return ctx.codegenIdent(node, d)
	case ast.BinaryOpNode:
		return ctx.codegenBinaryOp(node, d, l)
	case ast.UnaryOpNode:
		return ir.NewUnary(node.Tok, l, d.Op, ctx.codegenExpr(d.Expr))
	case ast.FuncCallNode:
		return ctx.codegenFuncCall(node, d, l)
	case ast.MemberAccessNode:
		return ctx.codegenMemberAccess(node, d)
	case ast.SubscriptNode:
		return ctx.codegenSubscript(node, d, l)
	case ast.IndirectionNode:
		ctx.needsMemory = true
		return ir.NewData(node.Tok, l, ctx.codegenExpr(d.Expr), 0)
	case ast.AddressOfNode:
		return ctx.codegenAddressOf(node, d, l)
	case ast.TypeCastNode:
		x := ctx.codegenExpr(d.Expr)
		if x.Layout() == l {
			return ir.Reference(x, node.Tok)
		}
		return ir.NewConvert(node.Tok, l, x)
	case ast.StructLiteralNode:
		fields := make([]ir.Node, len(d.Values))
		for i, v := range d.Values {
			fields[i] = ctx.codegenExpr(v)
		}
		return ir.NewStructLit(node.Tok, l, fields...)
	case ast.ArrayLiteralNode:
		elems := make([]ir.Node, len(d.Values))
		for i, v := range d.Values {
			elems[i] = ctx.codegenExpr(v)
		}
		return ir.NewArrayLit(node.Tok, l, elems...)
	case ast.IfNode:
		if l.IsVoid() {
			return ctx.codegenStmt(node)
		}
		ctx.requireMultiValue(node.Tok, l, "An 'if' value")
		cond := ctx.codegenExpr(d.Cond)
		then := ctx.codegenExpr(d.ThenBody)
		els := ctx.codegenExpr(d.ElseBody)
		return ir.NewIf(node.Tok, l, cond, then, els)
	case ast.BlockNode:
		if l.IsVoid() {
			return ctx.codegenStmt(node)
		}
		ctx.enterScope()
		children := make([]ir.Node, 0, len(d.Stmts))
		for _, s := range d.Stmts[:len(d.Stmts)-1] {
			children = append(children, ctx.codegenStmt(s))
		}
		children = append(children, ctx.codegenExpr(d.Stmts[len(d.Stmts)-1]))
		ctx.exitScope()
		return ir.NewSeq(node.Tok, l, children...)
	}
	util.Error(node.Tok, "internal: unexpected %s in expression", node.Type)
	return nil
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func (ctx *Context) codegenIdent(node *ast.Node, d ast.IdentNode) ir.Node {
	v := ctx.findValue(node.Tok, d.Name)
	if v.Kind == valFunc {
		util.Error(node.Tok, "Function '%s' used as a value", d.Name)
	}
	return ir.Reference(v.Node, node.Tok)
}

func (ctx *Context) codegenBinaryOp(node *ast.Node, d ast.BinaryOpNode, l *layout.Layout) ir.Node {
	tok := node.Tok
	switch d.Op {
	case token.AndAnd:
		x, y := ctx.codegenExpr(d.Left), ctx.codegenExpr(d.Right)
		return ir.NewIf(tok, l, x, y, ir.NewConst32(tok, l, 0))
	case token.OrOr:
		x, y := ctx.codegenExpr(d.Left), ctx.codegenExpr(d.Right)
		return ir.NewIf(tok, l, x, ir.NewConst32(tok, l, 1), y)
	}

	x, y := ctx.codegenExpr(d.Left), ctx.codegenExpr(d.Right)
	if d.Op.IsComparison() {
		return ir.NewCompare(tok, l, d.Op, x, y)
	}
	lt, rt := d.Left.Typ.Unwrap(), d.Right.Typ.Unwrap()
	if lt.Kind != types.Pointer {
		return ir.NewBinary(tok, l, d.Op, x, y)
	}
	size := ctx.elemSize(lt)
	if rt.Kind == types.Pointer {
		diff := ir.NewBinary(tok, l, token.Minus, ir.NewConvert(tok, l, x), ir.NewConvert(tok, l, y))
		if size == 1 {
			return diff
		}
		return ir.NewBinary(tok, l, token.Slash, diff, ir.NewConst32(tok, l, int32(size)))
	}
	return ir.NewScaledOffset(tok, x, ctx.offsetIndex(tok, d.Op, y), size)
}

// elemSize is the stride of pointer arithmetic on ptr. Pointers to
// zero-size types step by bytes.
func (ctx *Context) elemSize(ptr *types.Type) int64 {
	size := ctx.layoutOf(ptr.Elem).Size
	if size == 0 {
		return 1
	}
	return size
}

// offsetIndex turns the integer operand of `ptr op n` into an i32 index.
func (ctx *Context) offsetIndex(tok token.Token, op token.Type, n ir.Node) ir.Node {
	idx := ctx.indexValue(n)
	if op == token.Minus {
		idx = ir.NewUnary(tok, ctx.i32L, token.Minus, idx)
	}
	return idx
}

// indexValue narrows a 64-bit index to the address width.
func (ctx *Context) indexValue(n ir.Node) ir.Node {
	if n.Layout().Prim == wasm.I64 {
		return ir.NewConvert(n.Pos(), ctx.i32L, n)
	}
	return n
}

func (ctx *Context) codegenFuncCall(node *ast.Node, d ast.FuncCallNode, l *layout.Layout) ir.Node {
	name := d.FuncExpr.Data.(ast.IdentNode).Name
	v := ctx.findValue(d.FuncExpr.Tok, name)
	if v.Kind != valFunc {
		util.Error(node.Tok, "'%s' is not a function", name)
	}
	args := make([]ir.Node, len(d.Args))
	for i, a := range d.Args {
		args[i] = ctx.codegenExpr(a)
	}
	return ir.NewCall(node.Tok, l, v.Func.Index, name, args...)
}

// selectable makes n a node whose parts can be picked without emitting code.
// Anything else is computed into a temporary first; the returned prelude
// must run before the selection.
func (ctx *Context) selectable(n ir.Node) (ir.Node, []ir.Node) {
	switch n.(type) {
	case *ir.Data, *ir.Local:
		return n, nil
	case *ir.StructLit, *ir.ArrayLit:
		if ir.Pure(n) {
			return n, nil
		}
	}
	tmp := ctx.newTemp(n.Pos(), n.Layout())
	return tmp, []ir.Node{ir.NewAssign(n.Pos(), ctx.voidL, tmp, n)}
}

func (ctx *Context) withPrelude(tok token.Token, prelude []ir.Node, n ir.Node) ir.Node {
	if len(prelude) == 0 {
		return n
	}
	return ir.NewSeq(tok, n.Layout(), append(prelude, n)...)
}

func (ctx *Context) codegenMemberAccess(node *ast.Node, d ast.MemberAccessNode) ir.Node {
	base := ctx.codegenExpr(d.Expr)
	if bt := d.Expr.Typ.Unwrap(); bt.Kind == types.Pointer {
		ctx.needsMemory = true
		base = ir.NewData(d.Expr.Tok, ctx.layoutOf(bt.Elem), base, 0)
	}
	base, prelude := ctx.selectable(base)
	field := ir.Reference(ir.Select(base, d.Member), node.Tok)
	return ctx.withPrelude(node.Tok, prelude, field)
}

func (ctx *Context) codegenSubscript(node *ast.Node, d ast.SubscriptNode, l *layout.Layout) ir.Node {
	base := ctx.codegenExpr(d.Array)
	idx := ctx.indexValue(ctx.codegenExpr(d.Index))
	at := d.Array.Typ.Unwrap()
	if at.Kind == types.Pointer {
		ctx.needsMemory = true
		return ir.NewData(node.Tok, l, ir.NewScaledOffset(node.Tok, base, idx, l.Size), 0)
	}

	base, prelude := ctx.selectable(base)
	if _, inMemory := base.(*ir.Data); !inMemory {
		folded, _ := ir.Simplify(ctx.labels, idx)
		c, ok := ir.AsConstant(folded)
		if !ok {
			util.Error(d.Index.Tok, "Arrays held in locals can only be indexed by constants")
		}
		if count := base.Layout().Count; c.Int < 0 || c.Int >= count {
			util.Error(d.Index.Tok, "Index %d is out of range for '%s'", c.Int, at)
		}
		idx = folded
	}
	elem := ir.Reference(ir.Index(base, idx), node.Tok)
	return ctx.withPrelude(node.Tok, prelude, elem)
}

func (ctx *Context) codegenAddressOf(node *ast.Node, d ast.AddressOfNode, l *layout.Layout) ir.Node {
	x := ctx.codegenExpr(d.LValue)
	data, ok := x.(*ir.Data)
	if !ok {
		util.Error(node.Tok, "Cannot take the address of a value held in locals")
	}
	ctx.needsMemory = true
	return ir.NewAddressOf(node.Tok, l, data)
}

// zeroValue is the all-zero value of l, used for variables declared without
// an initializer.
func (ctx *Context) zeroValue(tok token.Token, l *layout.Layout) ir.Node {
	switch l.Kind {
	case layout.Prim:
		return ir.NewConst(tok, l, layout.Constant{})
	case layout.Struct:
		if l.Union {
			util.Error(tok, "Union '%s' cannot be held in locals", l.Type)
		}
		fields := make([]ir.Node, len(l.Fields))
		for i, f := range l.Fields {
			fields[i] = ctx.zeroValue(tok, f.Layout)
		}
		return ir.NewStructLit(tok, l, fields...)
	case layout.Array:
		if !l.HasCount {
			return ir.NewConst(tok, ctx.addrL, layout.Constant{})
		}
		elems := make([]ir.Node, l.Count)
		for i := range elems {
			elems[i] = ctx.zeroValue(tok, l.Elem)
		}
		return ir.NewArrayLit(tok, l, elems...)
	}
	util.Error(tok, "internal: no zero value for %s", l)
	return nil
}

package codegen

import (
	"github.com/xplshn/gbw/pkg/ast"
	"github.com/xplshn/gbw/pkg/config"
	"github.com/xplshn/gbw/pkg/ir"
	"github.com/xplshn/gbw/pkg/layout"
	"github.com/xplshn/gbw/pkg/token"
	"github.com/xplshn/gbw/pkg/types"
	"github.com/xplshn/gbw/pkg/util"
	"github.com/xplshn/gbw/pkg/wasm"
)

// codegenStmt builds one statement. Temporaries it allocates are released
// when it ends.
func (ctx *Context) codegenStmt(node *ast.Node) ir.Node {
	mark := len(ctx.temps)
	n := ctx.codegenStmtNode(node)
	ctx.releaseTemps(mark)
	return n
}

func (ctx *Context) codegenStmtNode(node *ast.Node) ir.Node {
	tok := node.Tok
	switch d := node.Data.(type) {
	case ast.VarDeclNode:
		return ctx.codegenLocalVarDecl(node, d)
	case ast.AssignNode:
		return ctx.codegenAssign(node, d)
	case ast.BlockNode:
		return ctx.codegenBlock(node, d)
	case ast.IfNode:
		return ctx.codegenIf(node, d)
	case ast.WhileNode:
		return ctx.codegenWhile(node, d)
	case ast.LoopNode:
		brk, cont := ctx.labels.New(), ctx.labels.New()
		body := ctx.codegenLoopBody(d.Body, brk, cont)
		loop := ir.NewLoop(tok, ctx.voidL, cont, ir.NewSeq(tok, ctx.voidL, body, ir.NewBranch(tok, ctx.voidL, ctx.labels, cont)))
		return ir.NewBlock(tok, ctx.voidL, brk, loop)
	case ast.SwitchNode:
		return ctx.codegenSwitch(node, d)
	case ast.BreakNode:
		return ir.NewBranch(tok, ctx.voidL, ctx.labels, ctx.findLabel(tok, "break"))
	case ast.ContinueNode:
		return ir.NewBranch(tok, ctx.voidL, ctx.labels, ctx.findLabel(tok, "continue"))
	case ast.ReturnNode:
		return ctx.codegenReturn(node, d)
	}

	n := ctx.codegenExpr(node)
	if n.Layout().IsVoid() {
		return n
	}
	if ir.Pure(n) {
		util.Warn(ctx.cfg, config.WarnExtra, tok, "Expression result is unused")
	}
	return ir.NewDrop(tok, ctx.voidL, n)
}

func (ctx *Context) findLabel(tok token.Token, name string) ir.Label {
	l, ok := ctx.currentScope.labels.Lookup(name)
	if !ok {
		util.Error(tok, "'%s' outside of a construct it can leave", name)
	}
	return l
}

func (ctx *Context) codegenLocalVarDecl(node *ast.Node, d ast.VarDeclNode) ir.Node {
	l := ctx.layoutOf(node.Typ)
	var init ir.Node
	if d.Init != nil {
		init = ctx.codegenExpr(d.Init)
	} else {
		init = ctx.zeroValue(node.Tok, l)
	}
	loc := ctx.currentScope.locals.AllocAt(node.Tok, l)
	ctx.addValue(node.Tok, &value{Name: d.Name, Kind: valVar, Node: loc})
	return ir.NewAssign(node.Tok, ctx.voidL, loc, init)
}

func (ctx *Context) codegenAssign(node *ast.Node, d ast.AssignNode) ir.Node {
	tok := node.Tok
	target := ctx.codegenExpr(d.Lhs)
	rhs := ctx.codegenExpr(d.Rhs)
	if d.Op == token.Eq {
		return ir.NewAssign(tok, ctx.voidL, target, rhs)
	}
	op, ok := d.Op.BinaryOf()
	if !ok {
		util.Error(tok, "internal: unknown assignment operator %s", d.Op)
	}

	// The target is both read and written; its address must be computed once.
	var prelude []ir.Node
	if data, ok := target.(*ir.Data); ok && !stableAddress(data.Addr) {
		tmp := ctx.newTemp(tok, data.Addr.Layout())
		prelude = append(prelude, ir.NewAssign(tok, ctx.voidL, tmp, data.Addr))
		target = ir.NewData(data.Tok, data.L, tmp, data.Offset)
	}

	var value ir.Node
	if lt := d.Lhs.Typ.Unwrap(); lt.Kind == types.Pointer {
		value = ir.NewScaledOffset(tok, target, ctx.offsetIndex(tok, op, rhs), ctx.elemSize(lt))
	} else {
		value = ir.NewBinary(tok, target.Layout(), op, target, rhs)
	}
	return ir.NewSeq(tok, ctx.voidL, append(prelude, ir.NewAssign(tok, ctx.voidL, target, value))...)
}

func stableAddress(n ir.Node) bool {
	switch n.(type) {
	case *ir.Const32, *ir.Local:
		return true
	}
	return false
}

func (ctx *Context) codegenBlock(node *ast.Node, d ast.BlockNode) ir.Node {
	ctx.enterScope()
	defer ctx.exitScope()

	children := make([]ir.Node, 0, len(d.Stmts))
	terminated := false
	for _, s := range d.Stmts {
		if terminated {
			util.Warn(ctx.cfg, config.WarnUnreachableCode, s.Tok, "Unreachable code")
			terminated = false
		}
		children = append(children, ctx.codegenStmt(s))
		switch s.Type {
		case ast.Return, ast.Break, ast.Continue:
			terminated = true
		}
	}
	return ir.NewSeq(node.Tok, ctx.voidL, children...)
}

func (ctx *Context) codegenIf(node *ast.Node, d ast.IfNode) ir.Node {
	cond := ctx.codegenExpr(d.Cond)
	if folded, _ := ir.Simplify(ctx.labels, cond); folded != nil {
		if c, ok := ir.AsConstant(folded); ok {
			util.Warn(ctx.cfg, config.WarnDeadBranch, d.Cond.Tok, "Condition is always %t", c.Int != 0)
		}
	}
	then := ctx.codegenStmt(d.ThenBody)
	var els ir.Node
	if d.ElseBody != nil {
		els = ctx.codegenStmt(d.ElseBody)
	}
	return ir.NewIf(node.Tok, ctx.voidL, cond, then, els)
}

// codegenLoopBody builds a loop body with break and continue bound to brk
// and cont.
func (ctx *Context) codegenLoopBody(body *ast.Node, brk, cont ir.Label) ir.Node {
	ctx.enterScope()
	defer ctx.exitScope()
	ctx.currentScope.labels.Define("break", brk)
	ctx.currentScope.labels.Define("continue", cont)
	return ctx.codegenStmt(body)
}

// codegenWhile lowers to
//
//	block $brk
//	  loop $cont
//	    br_if $brk (not cond)
//	    body
//	    br $cont
//	  end
//	end
func (ctx *Context) codegenWhile(node *ast.Node, d ast.WhileNode) ir.Node {
	tok := node.Tok
	brk, cont := ctx.labels.New(), ctx.labels.New()
	cond := ctx.codegenExpr(d.Cond)
	body := ctx.codegenLoopBody(d.Body, brk, cont)
	exit := ir.NewBranchIf(tok, ctx.voidL, ctx.labels, brk, ir.NewUnary(d.Cond.Tok, ctx.boolL, token.Not, cond))
	loop := ir.NewLoop(tok, ctx.voidL, cont, ir.NewSeq(tok, ctx.voidL, exit, body, ir.NewBranch(tok, ctx.voidL, ctx.labels, cont)))
	return ir.NewBlock(tok, ctx.voidL, brk, loop)
}

func (ctx *Context) codegenReturn(node *ast.Node, d ast.ReturnNode) ir.Node {
	if ctx.currentFunc == nil {
		util.Error(node.Tok, "'return' outside of a function")
	}
	var v ir.Node
	if d.Expr != nil {
		v = ctx.codegenExpr(d.Expr)
	}
	return ir.NewReturn(node.Tok, ctx.voidL, v)
}

const (
	maxTableSpan    = 256
	minTableDensity = 3
)

// denseCases reports the value range of a switch when a branch table over
// it stays small and mostly filled.
func denseCases(cases []*ast.Node) (lo, hi int64, ok bool) {
	count := int64(0)
	for _, c := range cases {
		for _, v := range c.Data.(ast.CaseNode).Values {
			if count == 0 || v < lo {
				lo = v
			}
			if count == 0 || v > hi {
				hi = v
			}
			count++
		}
	}
	if count == 0 {
		return 0, 0, false
	}
	span := hi - lo + 1
	return lo, hi, span > 0 && span <= maxTableSpan && span <= minTableDensity*count
}

// codegenSwitch lowers a switch without fallthrough: every case ends with a
// branch to the end of the switch, which is also where break goes.
func (ctx *Context) codegenSwitch(node *ast.Node, d ast.SwitchNode) ir.Node {
	tok := node.Tok
	sel := ctx.codegenExpr(d.Expr)
	lo, hi, dense := denseCases(d.Cases)
	dense = dense && sel.Layout().Prim == wasm.I32

	var prelude []ir.Node
	if !dense && !stableAddress(sel) {
		tmp := ctx.newTemp(d.Expr.Tok, sel.Layout())
		prelude = append(prelude, ir.NewAssign(tok, ctx.voidL, tmp, sel))
		sel = tmp
	}

	end := ctx.labels.New()
	ctx.enterScope()
	ctx.currentScope.labels.Define("break", end)
	bodies := make([]ir.Node, len(d.Cases))
	for i, c := range d.Cases {
		bodies[i] = ctx.codegenStmt(c.Data.(ast.CaseNode).Body)
	}
	var def ir.Node = ir.NewNop(tok, ctx.voidL)
	if d.Default != nil {
		def = ctx.codegenStmt(d.Default)
	}
	ctx.exitScope()

	var inner ir.Node
	if dense {
		inner = ctx.switchTable(tok, sel, lo, hi, d.Cases, bodies, def, end)
	} else {
		inner = ctx.switchChain(tok, sel, d.Cases, bodies, def, end)
	}
	return ir.NewSeq(tok, ctx.voidL, append(prelude, ir.NewBlock(tok, ctx.voidL, end, inner))...)
}

// switchTable nests one block per case around a br_table; the body of case
// i follows the end of its block:
//
//	block $default
//	  block $case1
//	    block $case0
//	      br_table (sel - lo)
//	    end
//	    body0 br $end
//	  end
//	  body1 br $end
//	end
//	default
func (ctx *Context) switchTable(tok token.Token, sel ir.Node, lo, hi int64, cases []*ast.Node, bodies []ir.Node, def ir.Node, end ir.Label) ir.Node {
	caseLabels := make([]ir.Label, len(cases))
	for i := range caseLabels {
		caseLabels[i] = ctx.labels.New()
	}
	defLabel := ctx.labels.New()
	targets := make([]ir.Label, hi-lo+1)
	for i := range targets {
		targets[i] = defLabel
	}
	for i, c := range cases {
		for _, v := range c.Data.(ast.CaseNode).Values {
			targets[v-lo] = caseLabels[i]
		}
	}

	idx := ir.Node(ir.NewConvert(tok, ctx.i32L, sel))
	if lo != 0 {
		idx = ir.NewBinary(tok, ctx.i32L, token.Minus, idx, ir.NewConst32(tok, ctx.i32L, int32(lo)))
	}
	var cur ir.Node = ir.NewBranchTable(tok, ctx.voidL, ctx.labels, idx, targets, defLabel)
	for i := range cases {
		cur = ir.NewSeq(tok, ctx.voidL,
			ir.NewBlock(tok, ctx.voidL, caseLabels[i], cur),
			bodies[i],
			ir.NewBranch(tok, ctx.voidL, ctx.labels, end))
	}
	return ir.NewSeq(tok, ctx.voidL, ir.NewBlock(tok, ctx.voidL, defLabel, cur), def)
}

// switchChain tests the cases one after another. sel must be cheap to read
// more than once.
func (ctx *Context) switchChain(tok token.Token, sel ir.Node, cases []*ast.Node, bodies []ir.Node, def ir.Node, end ir.Label) ir.Node {
	sl := sel.Layout()
	children := make([]ir.Node, 0, len(cases)+1)
	for i, c := range cases {
		var cond ir.Node
		for _, v := range c.Data.(ast.CaseNode).Values {
			eq := ir.NewCompare(c.Tok, ctx.boolL, token.EqEq, sel, ir.NewConst(c.Tok, sl, layout.Constant{Int: v}))
			if cond == nil {
				cond = eq
				continue
			}
			cond = ir.NewIf(c.Tok, ctx.boolL, cond, ir.NewConst32(c.Tok, ctx.boolL, 1), eq)
		}
		taken := ir.NewSeq(c.Tok, ctx.voidL, bodies[i], ir.NewBranch(c.Tok, ctx.voidL, ctx.labels, end))
		children = append(children, ir.NewIf(c.Tok, ctx.voidL, cond, taken, nil))
	}
	children = append(children, def)
	return ir.NewSeq(tok, ctx.voidL, children...)
}

// Package typeChecker annotates a program tree with semantic types. It stops
// at the first error; code generation relies on every expression and
// declaration carrying its type afterwards.
package typeChecker

import (
	"github.com/xplshn/gbw/pkg/ast"
	"github.com/xplshn/gbw/pkg/config"
	"github.com/xplshn/gbw/pkg/scope"
	"github.com/xplshn/gbw/pkg/token"
	"github.com/xplshn/gbw/pkg/types"
	"github.com/xplshn/gbw/pkg/util"
)

type Symbol struct {
	Name   string
	Type   *types.Type
	IsFunc bool
	Node   *ast.Node
}

type TypeChecker struct {
	currentScope *scope.Scope[*Symbol]
	globalScope  *scope.Scope[*Symbol]
	currentFunc  *ast.FuncDeclNode
	cfg          *config.Config
	loopDepth    int
	breakDepth   int
	exports      map[string]bool
}

func NewTypeChecker(cfg *config.Config) *TypeChecker {
	globalScope := scope.New[*Symbol](nil)
	return &TypeChecker{
		currentScope: globalScope,
		globalScope:  globalScope,
		cfg:          cfg,
		exports:      make(map[string]bool),
	}
}

func (tc *TypeChecker) enterScope() { tc.currentScope = scope.New(tc.currentScope) }
func (tc *TypeChecker) exitScope() {
	if tc.currentScope.Parent != nil {
		tc.currentScope = tc.currentScope.Parent
	}
}

func (tc *TypeChecker) addSymbol(node *ast.Node, name string, typ *types.Type, isFunc bool) *Symbol {
	if _, ok := tc.currentScope.LookupLocal(name); ok {
		util.Error(node.Tok, "Redefinition of '%s'", name)
	}
	sym := &Symbol{Name: name, Type: typ, IsFunc: isFunc, Node: node}
	tc.currentScope.Define(name, sym)
	return sym
}

func (tc *TypeChecker) findSymbol(tok token.Token, name string) *Symbol {
	sym, ok := tc.currentScope.Lookup(name)
	if !ok {
		util.Error(tok, "Undefined identifier '%s'", name)
	}
	return sym
}

// Exports returns the set of names exported by the last checked module.
func (tc *TypeChecker) Exports() map[string]bool { return tc.exports }

// Check annotates root, a Module node, in place.
func (tc *TypeChecker) Check(root *ast.Node) (err error) {
	defer util.Recover(&err)

	mod, ok := root.Data.(ast.ModuleNode)
	if !ok {
		util.Error(root.Tok, "internal: type checker expects a module, got %s", root.Type)
	}
	root.Typ = types.TypeVoid

	for _, imp := range mod.Imports {
		d := imp.Data.(ast.ImportNode)
		if d.Type == nil || d.Type.Kind != types.Func {
			util.Error(imp.Tok, "Import '%s' must have a function type", d.Name)
		}
		imp.Typ = d.Type
		tc.addSymbol(imp, d.Name, d.Type, true)
	}
	for _, decl := range mod.Decls {
		if d, ok := decl.Data.(ast.FuncDeclNode); ok {
			params := make([]*types.Type, len(d.Params))
			for i, p := range d.Params {
				params[i] = p.Data.(ast.VarDeclNode).Type
				p.Typ = params[i]
			}
			decl.Typ = types.NewFunc(params, d.ReturnType)
			tc.addSymbol(decl, d.Name, decl.Typ, true)
		}
	}
	for _, decl := range mod.Decls {
		if decl.Type == ast.VarDecl {
			tc.checkVarDecl(decl)
		}
	}
	for _, decl := range mod.Decls {
		if decl.Type == ast.FuncDecl {
			tc.checkFuncDecl(decl)
		}
	}
	for _, name := range mod.Exports {
		if _, ok := tc.globalScope.LookupLocal(name); !ok {
			util.Error(root.Tok, "Exported name '%s' is not declared", name)
		}
		tc.exports[name] = true
	}
	return nil
}

func (tc *TypeChecker) checkFuncDecl(node *ast.Node) {
	d := node.Data.(ast.FuncDeclNode)
	tc.currentFunc = &d
	defer func() { tc.currentFunc = nil }()

	tc.enterScope()
	defer tc.exitScope()
	for _, p := range d.Params {
		pd := p.Data.(ast.VarDeclNode)
		if holdsUnion(pd.Type) {
			util.Error(p.Tok, "Parameter '%s' cannot hold a union", pd.Name)
		}
		tc.addSymbol(p, pd.Name, pd.Type, false)
	}
	result := node.Typ.Result
	if holdsUnion(result) {
		util.Error(node.Tok, "Function '%s' cannot return a union", d.Name)
	}
	if d.IsExprBody {
		got := tc.checkExpr(d.Body, result)
		tc.expectType(d.Body.Tok, result, got)
		return
	}
	tc.checkStmt(d.Body)
}

func (tc *TypeChecker) checkVarDecl(node *ast.Node) {
	d := node.Data.(ast.VarDeclNode)
	typ := d.Type
	switch {
	case d.Init != nil && typ != nil:
		tc.expectType(d.Init.Tok, typ, tc.checkExpr(d.Init, typ))
	case d.Init != nil:
		typ = tc.checkExpr(d.Init, nil).Unwrap()
	case typ == nil:
		util.Error(node.Tok, "Variable '%s' needs a type or an initializer", d.Name)
	}
	if typ.Kind == types.Void || typ.Kind == types.Func {
		util.Error(node.Tok, "Variable '%s' cannot have type '%s'", d.Name, typ)
	}
	node.Typ = typ
	tc.addSymbol(node, d.Name, typ, false)
}

func (tc *TypeChecker) checkStmt(node *ast.Node) {
	if node == nil {
		return
	}
	switch d := node.Data.(type) {
	case ast.VarDeclNode:
		tc.checkVarDecl(node)
		if holdsUnion(node.Typ) {
			util.Error(node.Tok, "Local variable '%s' cannot hold a union; declare it at module level", d.Name)
		}
		return
	case ast.BlockNode:
		tc.enterScope()
		for _, s := range d.Stmts {
			tc.checkStmt(s)
		}
		tc.exitScope()
	case ast.IfNode:
		tc.checkCondition(d.Cond)
		tc.checkStmt(d.ThenBody)
		tc.checkStmt(d.ElseBody)
	case ast.WhileNode:
		tc.checkCondition(d.Cond)
		tc.loopDepth++
		tc.breakDepth++
		tc.checkStmt(d.Body)
		tc.loopDepth--
		tc.breakDepth--
	case ast.LoopNode:
		tc.loopDepth++
		tc.breakDepth++
		tc.checkStmt(d.Body)
		tc.loopDepth--
		tc.breakDepth--
	case ast.SwitchNode:
		tc.checkSwitch(node, d)
	case ast.BreakNode:
		if tc.breakDepth == 0 {
			util.Error(node.Tok, "'break' outside of a loop or switch")
		}
	case ast.ContinueNode:
		if tc.loopDepth == 0 {
			util.Error(node.Tok, "'continue' outside of a loop")
		}
	case ast.ReturnNode:
		tc.checkReturn(node, d)
	case ast.AssignNode:
		tc.checkAssign(node, d)
	default:
		tc.checkExpr(node, nil)
		return
	}
	node.Typ = types.TypeVoid
}

func (tc *TypeChecker) checkReturn(node *ast.Node, d ast.ReturnNode) {
	if tc.currentFunc == nil {
		util.Error(node.Tok, "'return' outside of a function")
	}
	result := tc.currentFunc.ReturnType
	if result == nil {
		result = types.TypeVoid
	}
	if d.Expr == nil {
		if result.Kind != types.Void {
			util.Error(node.Tok, "Function '%s' must return a value of type '%s'", tc.currentFunc.Name, result)
		}
		return
	}
	if result.Kind == types.Void {
		util.Error(node.Tok, "Function '%s' does not return a value", tc.currentFunc.Name)
	}
	tc.expectType(d.Expr.Tok, result, tc.checkExpr(d.Expr, result))
}

func (tc *TypeChecker) checkAssign(node *ast.Node, d ast.AssignNode) {
	lhs := tc.checkExpr(d.Lhs, nil)
	if lhs.Kind != types.Location {
		util.Error(d.Lhs.Tok, "Cannot assign to this expression")
	}
	target := lhs.Unwrap()
	if target.Kind == types.Union {
		util.Error(d.Lhs.Tok, "Cannot assign a whole union; assign one of its fields")
	}
	if d.Op == token.Eq {
		tc.expectType(d.Rhs.Tok, target, tc.checkExpr(d.Rhs, target))
		return
	}
	op, ok := d.Op.BinaryOf()
	if !ok {
		util.Error(node.Tok, "internal: unknown assignment operator %s", d.Op)
	}
	var rhs *types.Type
	if target.Kind == types.Pointer {
		rhs = tc.checkExpr(d.Rhs, types.TypeI32).Unwrap()
	} else {
		rhs = tc.checkExpr(d.Rhs, target).Unwrap()
	}
	tc.expectType(node.Tok, target, tc.binaryResult(node.Tok, op, target, rhs))
}

func (tc *TypeChecker) checkSwitch(node *ast.Node, d ast.SwitchNode) {
	typ := tc.checkExpr(d.Expr, nil).Unwrap()
	if !typ.IsInteger() {
		util.Error(d.Expr.Tok, "Switch on non-integer type '%s'", typ)
	}
	seen := make(map[int64]bool)
	tc.breakDepth++
	for _, c := range d.Cases {
		cd := c.Data.(ast.CaseNode)
		for _, v := range cd.Values {
			if seen[v] {
				util.Error(c.Tok, "Duplicate case value %d", v)
			}
			seen[v] = true
		}
		c.Typ = types.TypeVoid
		tc.checkStmt(cd.Body)
	}
	tc.checkStmt(d.Default)
	tc.breakDepth--
}

func (tc *TypeChecker) checkCondition(node *ast.Node) {
	typ := tc.checkExpr(node, types.TypeBool).Unwrap()
	if typ.Kind != types.Bool {
		util.Error(node.Tok, "Condition must be 'bool', got '%s'", typ)
	}
}

func (tc *TypeChecker) expectType(tok token.Token, want, got *types.Type) {
	if !sameType(want.Unwrap(), got.Unwrap()) {
		util.Error(tok, "Cannot use value of type '%s' as '%s'", got.Unwrap(), want.Unwrap())
	}
}

func isLiteral(node *ast.Node) bool {
	return node.Type == ast.Number || node.Type == ast.FloatNumber
}

// checkExpr types node. expected, when known, gives untyped literals their type.
func (tc *TypeChecker) checkExpr(node *ast.Node, expected *types.Type) *types.Type {
	var typ *types.Type
	if expected != nil {
		expected = expected.Unwrap()
	}
	switch d := node.Data.(type) {
	case ast.NumberNode:
		switch {
		case node.Typ != nil:
			typ = node.Typ
		case expected != nil && (expected.IsNumeric() || expected.Kind == types.Pointer):
			typ = expected
		case d.Value > 1<<31-1 || d.Value < -1<<31:
			typ = types.TypeI64
		default:
			typ = types.TypeI32
		}
	case ast.FloatNumberNode:
		switch {
		case node.Typ != nil:
			typ = node.Typ
		case expected != nil && expected.IsFloat():
			typ = expected
		default:
			typ = types.TypeF64
		}
	case ast.BoolNode:
		typ = types.TypeBool
	case ast.IdentNode:
		sym := tc.findSymbol(node.Tok, d.Name)
		if sym.IsFunc {
			util.Error(node.Tok, "Function '%s' used as a value", d.Name)
		}
		typ = types.NewLocation(sym.Type)
	case ast.BinaryOpNode:
		typ = tc.checkBinary(node, d, expected)
	case ast.UnaryOpNode:
		typ = tc.checkUnary(node, d, expected)
	case ast.FuncCallNode:
		typ = tc.checkFuncCall(node, d)
	case ast.MemberAccessNode:
		typ = tc.checkMemberAccess(node, d)
	case ast.SubscriptNode:
		base := tc.checkExpr(d.Array, nil)
		idx := tc.checkExpr(d.Index, types.TypeI32).Unwrap()
		if !idx.IsInteger() {
			util.Error(d.Index.Tok, "Index must be an integer, got '%s'", idx)
		}
		switch u := base.Unwrap(); u.Kind {
		case types.Array:
			typ = u.Elem
			if base.Kind == types.Location {
				typ = types.NewLocation(u.Elem)
			}
		case types.Pointer:
			typ = types.NewLocation(u.Elem)
		default:
			util.Error(node.Tok, "Cannot index type '%s'", u)
		}
	case ast.IndirectionNode:
		ptr := tc.checkExpr(d.Expr, nil).Unwrap()
		if ptr.Kind != types.Pointer {
			util.Error(node.Tok, "Cannot dereference non-pointer type '%s'", ptr)
		}
		typ = types.NewLocation(ptr.Elem)
	case ast.AddressOfNode:
		lv := tc.checkExpr(d.LValue, nil)
		if lv.Kind != types.Location {
			util.Error(node.Tok, "Cannot take the address of this expression")
		}
		typ = types.NewPointer(lv.Unwrap())
	case ast.TypeCastNode:
		from := tc.checkExpr(d.Expr, nil).Unwrap()
		to := d.TargetType
		ok := (from.IsScalar() && to.IsScalar()) || sameType(from, to)
		if !ok {
			util.Error(node.Tok, "Cannot convert '%s' to '%s'", from, to)
		}
		typ = to
	case ast.StructLiteralNode:
		typ = tc.checkStructLiteral(node, d, expected)
	case ast.ArrayLiteralNode:
		if expected == nil || expected.Kind != types.Array || !expected.HasLen {
			util.Error(node.Tok, "Array literal needs a sized array type")
		}
		if int64(len(d.Values)) != expected.Len {
			util.Error(node.Tok, "Array literal has %d elements, type '%s' needs %d", len(d.Values), expected, expected.Len)
		}
		for _, v := range d.Values {
			tc.expectType(v.Tok, expected.Elem, tc.checkExpr(v, expected.Elem))
		}
		typ = expected
	case ast.IfNode:
		tc.checkCondition(d.Cond)
		if d.ElseBody == nil {
			util.Error(node.Tok, "'if' used as a value needs an 'else' branch")
		}
		then := tc.checkExpr(d.ThenBody, expected).Unwrap()
		tc.expectType(d.ElseBody.Tok, then, tc.checkExpr(d.ElseBody, then))
		typ = then
	case ast.BlockNode:
		if len(d.Stmts) == 0 {
			util.Error(node.Tok, "Empty block used as a value")
		}
		tc.enterScope()
		for _, s := range d.Stmts[:len(d.Stmts)-1] {
			tc.checkStmt(s)
		}
		typ = tc.checkExpr(d.Stmts[len(d.Stmts)-1], expected).Unwrap()
		tc.exitScope()
	default:
		util.Error(node.Tok, "%s is not an expression", node.Type)
	}
	node.Typ = typ
	return typ
}

func (tc *TypeChecker) checkBinary(node *ast.Node, d ast.BinaryOpNode, expected *types.Type) *types.Type {
	if d.Op == token.AndAnd || d.Op == token.OrOr {
		for _, side := range []*ast.Node{d.Left, d.Right} {
			tc.checkCondition(side)
		}
		return types.TypeBool
	}
	operandHint := expected
	if d.Op.IsComparison() {
		operandHint = nil
	}
	var lt, rt *types.Type
	if isLiteral(d.Left) && !isLiteral(d.Right) {
		rt = tc.checkExpr(d.Right, operandHint).Unwrap()
		lt = tc.checkExpr(d.Left, rt).Unwrap()
	} else {
		lt = tc.checkExpr(d.Left, operandHint).Unwrap()
		hint := lt
		if lt.Kind == types.Pointer && !d.Op.IsComparison() {
			hint = types.TypeI32
		}
		rt = tc.checkExpr(d.Right, hint).Unwrap()
	}
	return tc.binaryResult(node.Tok, d.Op, lt, rt)
}

// binaryResult is the type of `l op r`, or a fatal error when the operator
// is not defined on the operands.
func (tc *TypeChecker) binaryResult(tok token.Token, op token.Type, l, r *types.Type) *types.Type {
	switch {
	case op.IsComparison():
		if !sameType(l, r) {
			break
		}
		if l.IsNumeric() || l.Kind == types.Pointer {
			return types.TypeBool
		}
		if l.Kind == types.Bool && (op == token.EqEq || op == token.Neq) {
			return types.TypeBool
		}
	case l.Kind == types.Pointer && (op == token.Plus || op == token.Minus) && r.IsInteger():
		return l
	case l.Kind == types.Pointer && op == token.Minus && sameType(l, r):
		return types.TypeI32
	case !sameType(l, r):
	case op == token.Plus || op == token.Minus || op == token.Star || op == token.Slash:
		if l.IsNumeric() {
			return l
		}
	case op == token.Rem || op == token.Shl || op == token.Shr:
		if l.IsInteger() {
			return l
		}
	case op == token.And || op == token.Or || op == token.Xor:
		if l.IsInteger() || l.Kind == types.Bool {
			return l
		}
	}
	util.Error(tok, "Operator '%s' is not defined on '%s' and '%s'", op, l, r)
	return nil
}

func (tc *TypeChecker) checkUnary(node *ast.Node, d ast.UnaryOpNode, expected *types.Type) *types.Type {
	switch d.Op {
	case token.Not:
		tc.checkCondition(d.Expr)
		return types.TypeBool
	case token.Minus:
		typ := tc.checkExpr(d.Expr, expected).Unwrap()
		if !typ.IsNumeric() {
			break
		}
		return typ
	case token.Complement:
		typ := tc.checkExpr(d.Expr, expected).Unwrap()
		if !typ.IsInteger() {
			break
		}
		return typ
	}
	util.Error(node.Tok, "Unary operator '%s' is not defined here", d.Op)
	return nil
}

func (tc *TypeChecker) checkFuncCall(node *ast.Node, d ast.FuncCallNode) *types.Type {
	if d.FuncExpr.Type != ast.Ident {
		util.Error(node.Tok, "Only named functions can be called")
	}
	name := d.FuncExpr.Data.(ast.IdentNode).Name
	sym := tc.findSymbol(d.FuncExpr.Tok, name)
	if !sym.IsFunc {
		util.Error(node.Tok, "'%s' is not a function", name)
	}
	d.FuncExpr.Typ = sym.Type
	ft := sym.Type
	if len(d.Args) != len(ft.Params) {
		util.Error(node.Tok, "Function '%s' takes %d arguments, got %d", name, len(ft.Params), len(d.Args))
	}
	for i, arg := range d.Args {
		tc.expectType(arg.Tok, ft.Params[i], tc.checkExpr(arg, ft.Params[i]))
	}
	return ft.Result
}

func (tc *TypeChecker) checkMemberAccess(node *ast.Node, d ast.MemberAccessNode) *types.Type {
	base := tc.checkExpr(d.Expr, nil)
	agg := base.Unwrap()
	viaPointer := agg.Kind == types.Pointer
	if viaPointer {
		agg = agg.Elem.Unwrap()
	}
	if agg.Kind != types.Struct && agg.Kind != types.Union {
		util.Error(node.Tok, "Type '%s' has no fields", agg)
	}
	field, ok := agg.Field(d.Member)
	if !ok {
		util.Error(node.Tok, "Type '%s' has no field '%s'", agg, d.Member)
	}
	if viaPointer || base.Kind == types.Location {
		return types.NewLocation(field)
	}
	return field
}

// checkStructLiteral reorders the literal's values into field order.
func (tc *TypeChecker) checkStructLiteral(node *ast.Node, d ast.StructLiteralNode, expected *types.Type) *types.Type {
	if expected == nil || expected.Kind != types.Struct {
		util.Error(node.Tok, "Struct literal needs a known struct type")
	}
	byName := make(map[string]*ast.Node, len(d.Values))
	for i, name := range d.Names {
		if _, ok := expected.Field(name); !ok {
			util.Error(d.Values[i].Tok, "Type '%s' has no field '%s'", expected, name)
		}
		if _, dup := byName[name]; dup {
			util.Error(d.Values[i].Tok, "Field '%s' given twice", name)
		}
		byName[name] = d.Values[i]
	}
	names := expected.Fields.Names()
	values := make([]*ast.Node, len(names))
	for i, name := range names {
		v, ok := byName[name]
		if !ok {
			util.Error(node.Tok, "Struct literal of '%s' is missing field '%s'", expected, name)
		}
		ft, _ := expected.Field(name)
		tc.expectType(v.Tok, ft, tc.checkExpr(v, ft))
		values[i] = v
	}
	node.Data = ast.StructLiteralNode{Names: names, Values: values}
	return expected
}

// holdsUnion reports whether a value of t contains a union anywhere. Such
// values only live in linear memory.
func holdsUnion(t *types.Type) bool {
	t = t.Unwrap()
	if t == nil {
		return false
	}
	switch t.Kind {
	case types.Union:
		return true
	case types.Array:
		return holdsUnion(t.Elem)
	case types.Struct:
		for _, name := range t.Fields.Names() {
			if ft, _ := t.Field(name); holdsUnion(ft) {
				return true
			}
		}
	}
	return false
}

// sameType is structural for pointers, arrays and functions and nominal for
// structs and unions.
func sameType(a, b *types.Type) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil || a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case types.Pointer, types.Location:
		return sameType(a.Elem.Unwrap(), b.Elem.Unwrap())
	case types.Array:
		return a.HasLen == b.HasLen && a.Len == b.Len && sameType(a.Elem, b.Elem)
	case types.Func:
		if len(a.Params) != len(b.Params) || !sameType(a.Result, b.Result) {
			return false
		}
		for i := range a.Params {
			if !sameType(a.Params[i], b.Params[i]) {
				return false
			}
		}
		return true
	case types.Struct, types.Union:
		return false
	}
	return true
}

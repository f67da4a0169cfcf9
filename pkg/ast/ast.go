// Package ast defines the typed program tree consumed by code generation.
package ast

import (
	"github.com/xplshn/gbw/pkg/token"
	"github.com/xplshn/gbw/pkg/types"
)

// NodeType defines the kind of a node in the AST
type NodeType int

// Node types enum
const (
	// Expressions
	Number NodeType = iota
	FloatNumber
	Bool
	Ident
	Assign
	BinaryOp
	UnaryOp
	FuncCall
	Indirection
	AddressOf
	Subscript
	MemberAccess
	TypeCast
	StructLiteral
	ArrayLiteral

	// Statements
	Module
	Import
	FuncDecl
	VarDecl
	If
	While
	Loop
	Return
	Block
	Switch
	Case
	Break
	Continue
)

var nodeTypeNames = [...]string{
	Number: "Number", FloatNumber: "FloatNumber", Bool: "Bool", Ident: "Ident", Assign: "Assign",
	BinaryOp: "BinaryOp", UnaryOp: "UnaryOp", FuncCall: "FuncCall", Indirection: "Indirection",
	AddressOf: "AddressOf", Subscript: "Subscript", MemberAccess: "MemberAccess", TypeCast: "TypeCast",
	StructLiteral: "StructLiteral", ArrayLiteral: "ArrayLiteral", Module: "Module", Import: "Import",
	FuncDecl: "FuncDecl", VarDecl: "VarDecl", If: "If", While: "While", Loop: "Loop", Return: "Return",
	Block: "Block", Switch: "Switch", Case: "Case", Break: "Break", Continue: "Continue",
}

func (t NodeType) String() string {
	if int(t) < len(nodeTypeNames) {
		return nodeTypeNames[t]
	}
	return "Node"
}

// Node represents a node in the Abstract Syntax Tree
type Node struct {
	Type   NodeType
	Tok    token.Token
	Parent *Node
	Data   interface{}
	Typ    *types.Type // Set by the type checker
}

// --- Node Data Structs ---
type NumberNode struct{ Value int64 }
type FloatNumberNode struct{ Value float64 }
type BoolNode struct{ Value bool }
type IdentNode struct{ Name string }
type AssignNode struct {
	Op       token.Type
	Lhs, Rhs *Node
}
type BinaryOpNode struct {
	Op          token.Type
	Left, Right *Node
}
type UnaryOpNode struct {
	Op   token.Type
	Expr *Node
}
type IndirectionNode struct{ Expr *Node }
type AddressOfNode struct{ LValue *Node }
type SubscriptNode struct{ Array, Index *Node }
type MemberAccessNode struct {
	Expr   *Node
	Member string
}
type TypeCastNode struct {
	Expr       *Node
	TargetType *types.Type
}
type FuncCallNode struct {
	FuncExpr *Node
	Args     []*Node
}
type StructLiteralNode struct {
	Names  []string
	Values []*Node
}
type ArrayLiteralNode struct{ Values []*Node }

// ModuleNode is the root. Exports names top-level declarations visible to the host.
type ModuleNode struct {
	Imports []*Node
	Decls   []*Node
	Exports []string
}

// ImportNode binds Name to the host function Field of Module.
type ImportNode struct {
	Module string
	Field  string
	Name   string
	Type   *types.Type
}

type FuncDeclNode struct {
	Name       string
	Params     []*Node
	Body       *Node
	ReturnType *types.Type
	IsExprBody bool
}
type VarDeclNode struct {
	Name string
	Type *types.Type
	Init *Node
}
type IfNode struct{ Cond, ThenBody, ElseBody *Node }
type WhileNode struct{ Cond, Body *Node }
type LoopNode struct{ Body *Node }
type ReturnNode struct{ Expr *Node }
type BlockNode struct{ Stmts []*Node }
type SwitchNode struct {
	Expr    *Node
	Cases   []*Node
	Default *Node
}
type CaseNode struct {
	Values []int64
	Body   *Node
}
type BreakNode struct{}
type ContinueNode struct{}

// --- Node Constructors ---

func newNode(tok token.Token, nodeType NodeType, data interface{}, children ...*Node) *Node {
	node := &Node{Type: nodeType, Tok: tok, Data: data}
	for _, child := range children {
		if child != nil {
			child.Parent = node
		}
	}
	return node
}

func adopt(parent *Node, children []*Node) {
	for _, c := range children {
		if c != nil {
			c.Parent = parent
		}
	}
}

func NewNumber(tok token.Token, value int64) *Node {
	return newNode(tok, Number, NumberNode{Value: value})
}
func NewFloatNumber(tok token.Token, value float64) *Node {
	return newNode(tok, FloatNumber, FloatNumberNode{Value: value})
}
func NewBool(tok token.Token, value bool) *Node {
	return newNode(tok, Bool, BoolNode{Value: value})
}
func NewIdent(tok token.Token, name string) *Node {
	return newNode(tok, Ident, IdentNode{Name: name})
}
func NewAssign(tok token.Token, op token.Type, lhs, rhs *Node) *Node {
	return newNode(tok, Assign, AssignNode{Op: op, Lhs: lhs, Rhs: rhs}, lhs, rhs)
}
func NewBinaryOp(tok token.Token, op token.Type, left, right *Node) *Node {
	return newNode(tok, BinaryOp, BinaryOpNode{Op: op, Left: left, Right: right}, left, right)
}
func NewUnaryOp(tok token.Token, op token.Type, expr *Node) *Node {
	return newNode(tok, UnaryOp, UnaryOpNode{Op: op, Expr: expr}, expr)
}
func NewIndirection(tok token.Token, expr *Node) *Node {
	return newNode(tok, Indirection, IndirectionNode{Expr: expr}, expr)
}
func NewAddressOf(tok token.Token, lvalue *Node) *Node {
	return newNode(tok, AddressOf, AddressOfNode{LValue: lvalue}, lvalue)
}
func NewSubscript(tok token.Token, array, index *Node) *Node {
	return newNode(tok, Subscript, SubscriptNode{Array: array, Index: index}, array, index)
}
func NewMemberAccess(tok token.Token, expr *Node, member string) *Node {
	return newNode(tok, MemberAccess, MemberAccessNode{Expr: expr, Member: member}, expr)
}
func NewTypeCast(tok token.Token, expr *Node, targetType *types.Type) *Node {
	return newNode(tok, TypeCast, TypeCastNode{Expr: expr, TargetType: targetType}, expr)
}
func NewFuncCall(tok token.Token, funcExpr *Node, args []*Node) *Node {
	node := newNode(tok, FuncCall, FuncCallNode{FuncExpr: funcExpr, Args: args}, funcExpr)
	adopt(node, args)
	return node
}
func NewStructLiteral(tok token.Token, names []string, values []*Node) *Node {
	node := newNode(tok, StructLiteral, StructLiteralNode{Names: names, Values: values})
	adopt(node, values)
	return node
}
func NewArrayLiteral(tok token.Token, values []*Node) *Node {
	node := newNode(tok, ArrayLiteral, ArrayLiteralNode{Values: values})
	adopt(node, values)
	return node
}
func NewModule(tok token.Token, imports, decls []*Node, exports []string) *Node {
	node := newNode(tok, Module, ModuleNode{Imports: imports, Decls: decls, Exports: exports})
	adopt(node, imports)
	adopt(node, decls)
	return node
}
func NewImport(tok token.Token, module, field, name string, typ *types.Type) *Node {
	return newNode(tok, Import, ImportNode{Module: module, Field: field, Name: name, Type: typ})
}
func NewFuncDecl(tok token.Token, name string, params []*Node, body *Node, returnType *types.Type, isExprBody bool) *Node {
	node := newNode(tok, FuncDecl, FuncDeclNode{
		Name: name, Params: params, Body: body, ReturnType: returnType, IsExprBody: isExprBody,
	}, body)
	adopt(node, params)
	return node
}
func NewVarDecl(tok token.Token, name string, varType *types.Type, init *Node) *Node {
	return newNode(tok, VarDecl, VarDeclNode{Name: name, Type: varType, Init: init}, init)
}
func NewIf(tok token.Token, cond, thenBody, elseBody *Node) *Node {
	return newNode(tok, If, IfNode{Cond: cond, ThenBody: thenBody, ElseBody: elseBody}, cond, thenBody, elseBody)
}
func NewWhile(tok token.Token, cond, body *Node) *Node {
	return newNode(tok, While, WhileNode{Cond: cond, Body: body}, cond, body)
}
func NewLoop(tok token.Token, body *Node) *Node {
	return newNode(tok, Loop, LoopNode{Body: body}, body)
}
func NewReturn(tok token.Token, expr *Node) *Node {
	return newNode(tok, Return, ReturnNode{Expr: expr}, expr)
}
func NewBlock(tok token.Token, stmts []*Node) *Node {
	node := newNode(tok, Block, BlockNode{Stmts: stmts})
	adopt(node, stmts)
	return node
}
func NewSwitch(tok token.Token, expr *Node, cases []*Node, def *Node) *Node {
	node := newNode(tok, Switch, SwitchNode{Expr: expr, Cases: cases, Default: def}, expr, def)
	adopt(node, cases)
	return node
}
func NewCase(tok token.Token, values []int64, body *Node) *Node {
	return newNode(tok, Case, CaseNode{Values: values, Body: body}, body)
}
func NewBreak(tok token.Token) *Node {
	return newNode(tok, Break, BreakNode{})
}
func NewContinue(tok token.Token) *Node {
	return newNode(tok, Continue, ContinueNode{})
}

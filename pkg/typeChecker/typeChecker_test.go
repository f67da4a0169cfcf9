package typeChecker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xplshn/gbw/pkg/ast"
	"github.com/xplshn/gbw/pkg/config"
	"github.com/xplshn/gbw/pkg/treefile"
	"github.com/xplshn/gbw/pkg/types"
)

func check(t *testing.T, src string) (*ast.Node, error) {
	t.Helper()
	root, err := treefile.Parse([]byte(src), 0)
	require.NoError(t, err)
	return root, NewTypeChecker(config.NewConfig()).Check(root)
}

func decls(root *ast.Node) []*ast.Node { return root.Data.(ast.ModuleNode).Decls }

func TestCheckAnnotatesExpressions(t *testing.T) {
	root, err := check(t, `
decls:
  - {var: scale, type: i64, init: 3}
  - fun: mul
    params: {x: i64}
    result: i64
    expr: {binary: ["*", x, scale]}
`)
	require.NoError(t, err)

	init := decls(root)[0].Data.(ast.VarDeclNode).Init
	assert.Same(t, types.TypeI64, init.Typ, "literal takes the declared type")

	fn := decls(root)[1]
	assert.Equal(t, "fun(i64): i64", fn.Typ.String())
	body := fn.Data.(ast.FuncDeclNode).Body
	assert.Same(t, types.TypeI64, body.Typ)
	x := body.Data.(ast.BinaryOpNode).Left
	assert.Equal(t, types.Location, x.Typ.Kind, "identifiers are lvalues")
	assert.Same(t, types.TypeI64, x.Typ.Unwrap())
}

func TestCheckLiteralDefaults(t *testing.T) {
	root, err := check(t, `
decls:
  - {var: a, init: 1}
  - {var: b, init: 4294967296}
  - {var: c, init: 0.5}
  - {var: d, init: {binary: [+, 1, {cast: [u8, 2]}]}}
`)
	require.NoError(t, err)
	want := []string{"i32", "i64", "f64", "u8"}
	for i, d := range decls(root) {
		assert.Equal(t, want[i], d.Typ.String())
	}
}

func TestCheckPointers(t *testing.T) {
	root, err := check(t, `
types:
  - name: pair
    struct: {a: i32, b: i32}
decls:
  - {var: p, type: pair}
  - {var: arr, type: "[4]i16"}
  - fun: f
    result: i32
    body:
      - {var: q, init: {addr: {field: [p, b]}}}
      - {var: r, init: {addr: {index: [arr, 1]}}}
      - {assign: [q, 1], op: "+="}
      - {return: {binary: ["-", {addr: {index: [arr, 3]}}, r]}}
`)
	require.NoError(t, err)
	body := decls(root)[2].Data.(ast.FuncDeclNode).Body.Data.(ast.BlockNode)
	assert.Equal(t, "*i32", body.Stmts[0].Typ.String())
	assert.Equal(t, "*i16", body.Stmts[1].Typ.String())
}

func TestCheckControlFlow(t *testing.T) {
	_, err := check(t, `
decls:
  - fun: f
    params: {n: i32}
    body:
      - loop:
          - if: {binary: ["==", n, 0]}
            then: [break]
          - {assign: [n, 1], op: "-="}
          - switch: n
            cases:
              - {case: 3, do: [continue]}
              - {case: 4, do: [break]}
`)
	assert.NoError(t, err)
}

func TestCheckCompoundAssignFromVariable(t *testing.T) {
	root, err := check(t, `
types:
  - name: pair
    struct: {a: i32, b: i32}
decls:
  - {var: p, type: pair}
  - {var: arr, type: "[4]i32"}
  - fun: f
    params: {x: i32, y: i32, h: f64}
    result: i32
    body:
      - {assign: [x, y], op: "+="}
      - {assign: [x, {field: [p, a]}], op: "*="}
      - {assign: [{field: [p, b]}, {index: [arr, 2]}], op: "-="}
      - {var: g, type: f64}
      - {assign: [g, h], op: "/="}
      - {var: q, init: {addr: {index: [arr, 0]}}}
      - {assign: [q, x], op: "+="}
      - {return: x}
`)
	require.NoError(t, err)
	body := decls(root)[2].Data.(ast.FuncDeclNode).Body.Data.(ast.BlockNode)
	rhs := body.Stmts[0].Data.(ast.AssignNode).Rhs
	assert.Equal(t, types.Location, rhs.Typ.Kind, "the right side stays an lvalue in the tree")
	assert.Same(t, types.TypeI32, rhs.Typ.Unwrap())

	_, err = check(t, `
decls:
  - fun: f
    params: {x: i32, y: i64}
    body: [{assign: [x, y], op: "+="}]
`)
	assert.ErrorContains(t, err, "Operator '+' is not defined on 'i32' and 'i64'")
}

func TestCheckExports(t *testing.T) {
	src := `
exports: [f, g]
decls:
  - {fun: f, expr: {block: [0]}, result: i32}
  - {var: g, type: f32}
`
	root, err := treefile.Parse([]byte(src), 0)
	require.NoError(t, err)
	tc := NewTypeChecker(config.NewConfig())
	require.NoError(t, tc.Check(root))
	assert.Equal(t, map[string]bool{"f": true, "g": true}, tc.Exports())
}

func TestCheckErrors(t *testing.T) {
	tests := []struct {
		name, src, msg string
	}{
		{"undefined", "decls: [{fun: f, body: [x]}]", "Undefined identifier 'x'"},
		{"redefinition", "decls: [{var: x, type: i32}, {var: x, type: i32}]", "Redefinition of 'x'"},
		{"mismatch", "decls: [{var: x, type: i32, init: 1.5}]", "Cannot use value of type 'f64' as 'i32'"},
		{"mixed operands", "decls: [{var: a, type: i32}, {var: b, type: i64}, {var: c, init: {binary: [+, a, b]}}]", "Operator '+' is not defined on 'i32' and 'i64'"},
		{"float remainder", "decls: [{var: a, type: f64}, {var: c, init: {binary: [\"%\", a, a]}}]", "is not defined on 'f64'"},
		{"condition", "decls: [{fun: f, body: [{while: 1, do: [break]}]}]", "Condition must be 'bool', got 'i32'"},
		{"break outside", "decls: [{fun: f, body: [break]}]", "'break' outside of a loop or switch"},
		{"continue in switch", "decls: [{fun: f, body: [{switch: 1, cases: [{case: 1, do: [continue]}]}]}]", "'continue' outside of a loop"},
		{"duplicate case", "decls: [{fun: f, body: [{switch: 1, cases: [{case: 1, do: [break]}, {case: [2, 1], do: [break]}]}]}]", "Duplicate case value 1"},
		{"missing return value", "decls: [{fun: f, result: i32, body: [return]}]", "must return a value of type 'i32'"},
		{"unexpected return value", "decls: [{fun: f, body: [{return: 1}]}]", "does not return a value"},
		{"assign to value", "decls: [{fun: f, body: [{assign: [1, 2]}]}]", "Cannot assign to this expression"},
		{"address of value", "decls: [{var: p, init: {addr: 1}}]", "Cannot take the address of this expression"},
		{"deref non-pointer", "decls: [{var: x, type: i32}, {var: y, init: {deref: x}}]", "Cannot dereference non-pointer type 'i32'"},
		{"arity", "decls: [{fun: g, params: {a: i32}, body: []}, {fun: f, body: [{call: g}]}]", "Function 'g' takes 1 arguments, got 0"},
		{"value if without else", "decls: [{var: x, init: {if: true, then: 1}}]", "needs an 'else' branch"},
		{"array literal length", "decls: [{var: x, type: \"[2]i32\", init: {array: [1, 2, 3]}}]", "Array literal has 3 elements"},
		{"missing field", "types: [{name: p, struct: {a: i32, b: i32}}]\ndecls: [{var: x, type: p, init: {struct: {a: 1}}}]", "missing field 'b'"},
		{"local union", "types: [{name: u, union: {a: i32, b: f32}}]\ndecls: [{fun: f, body: [{var: x, type: u}]}]", "cannot hold a union"},
		{"union parameter", "types: [{name: u, union: {a: i32, b: f32}}]\ndecls: [{fun: f, params: {x: u}, body: []}]", "Parameter 'x' cannot hold a union"},
		{"unknown export", "exports: [nope]\ndecls: []", "Exported name 'nope' is not declared"},
		{"import not a function", "imports: [{field: x, type: i32}]\ndecls: []", "must have a function type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := check(t, tt.src)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

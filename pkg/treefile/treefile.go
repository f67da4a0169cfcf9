// Package treefile reads programs written as YAML trees. A document has four
// top-level keys:
//
//	types:    named struct and union types
//	imports:  host functions
//	exports:  names visible to the host
//	decls:    module-level variables and functions
//
// Expressions are single-key maps naming their kind ({binary: [+, a, 1]});
// bare scalars stand for literals and identifiers. Operators and types that
// start with a YAML indicator must be quoted: "*", "-", "&&", "*i32", "[4]u8".
package treefile

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/xplshn/gbw/pkg/ast"
	"github.com/xplshn/gbw/pkg/token"
	"github.com/xplshn/gbw/pkg/types"
	"github.com/xplshn/gbw/pkg/util"
	"gopkg.in/yaml.v3"
)

type document struct {
	Types   []typeDecl   `yaml:"types,omitempty"`
	Imports []importDecl `yaml:"imports,omitempty"`
	Exports []string     `yaml:"exports,omitempty"`
	Decls   []yaml.Node  `yaml:"decls"`
}

type typeDecl struct {
	Name   string    `yaml:"name"`
	Struct yaml.Node `yaml:"struct,omitempty"`
	Union  yaml.Node `yaml:"union,omitempty"`
}

type importDecl struct {
	Name   string    `yaml:"name"`
	Module string    `yaml:"module"`
	Field  string    `yaml:"field"`
	Type   yaml.Node `yaml:"type"`
}

type decoder struct {
	fileIndex int
	types     map[string]*types.Type
}

// Load reads and decodes the tree file at path.
func Load(path string, fileIndex int) (*ast.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tree file: %w", err)
	}
	return Parse(data, fileIndex)
}

func Parse(data []byte, fileIndex int) (*ast.Node, error) {
	return Decode(bytes.NewReader(data), fileIndex)
}

// Decode reads one YAML document from r. fileIndex is recorded in every
// token so diagnostics can point back into the file.
func Decode(r io.Reader, fileIndex int) (root *ast.Node, err error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	defer util.Recover(&err)
	d := &decoder{fileIndex: fileIndex, types: make(map[string]*types.Type)}
	return d.module(&doc), nil
}

func (d *decoder) tok(n *yaml.Node) token.Token {
	return token.Token{FileIndex: d.fileIndex, Line: n.Line, Column: n.Column, Len: len(n.Value), Value: n.Value}
}

func (d *decoder) module(doc *document) *ast.Node {
	for i := range doc.Types {
		d.typeDecl(&doc.Types[i])
	}
	imports := make([]*ast.Node, 0, len(doc.Imports))
	for i := range doc.Imports {
		imp := &doc.Imports[i]
		tok := d.tok(&imp.Type)
		if imp.Field == "" {
			util.Error(tok, "Import needs a 'field'")
		}
		if imp.Module == "" {
			imp.Module = "env"
		}
		if imp.Name == "" {
			imp.Name = imp.Field
		}
		imports = append(imports, ast.NewImport(tok, imp.Module, imp.Field, imp.Name, d.parseType(&imp.Type)))
	}
	decls := make([]*ast.Node, 0, len(doc.Decls))
	for i := range doc.Decls {
		decls = append(decls, d.decl(&doc.Decls[i]))
	}
	return ast.NewModule(token.Token{FileIndex: d.fileIndex, Line: 1, Column: 1}, imports, decls, doc.Exports)
}

func (d *decoder) typeDecl(td *typeDecl) {
	if _, ok := d.types[td.Name]; ok || types.Builtins[td.Name] != nil {
		util.Error(d.tok(&td.Struct), "Type '%s' is defined twice", td.Name)
	}
	var t *types.Type
	var fields *yaml.Node
	switch {
	case td.Struct.Kind != 0:
		t, fields = types.NewStruct(td.Name), &td.Struct
	case td.Union.Kind != 0:
		t, fields = types.NewUnion(td.Name), &td.Union
	default:
		util.Error(token.Token{FileIndex: d.fileIndex}, "Type '%s' needs 'struct' or 'union' fields", td.Name)
	}
	// Registered before the fields so that they can point back at t.
	d.types[td.Name] = t
	for _, f := range d.pairs(fields) {
		if _, dup := t.Fields.LookupLocal(f.key.Value); dup {
			util.Error(d.tok(f.key), "Field '%s' is defined twice", f.key.Value)
		}
		t.Fields.Define(f.key.Value, d.parseType(f.value))
	}
}

type pair struct{ key, value *yaml.Node }

// pairs lists the entries of a mapping, or of a sequence of single-entry
// mappings, in document order.
func (d *decoder) pairs(n *yaml.Node) []pair {
	var out []pair
	switch n.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			out = append(out, pair{n.Content[i], n.Content[i+1]})
		}
	case yaml.SequenceNode:
		for _, item := range n.Content {
			if item.Kind != yaml.MappingNode || len(item.Content) != 2 {
				util.Error(d.tok(item), "Expected a single 'name: value' entry")
			}
			out = append(out, pair{item.Content[0], item.Content[1]})
		}
	default:
		util.Error(d.tok(n), "Expected a mapping or a list of entries")
	}
	return out
}

// fields turns a mapping node into a key lookup, rejecting unknown keys.
func (d *decoder) fields(n *yaml.Node, allowed ...string) map[string]*yaml.Node {
	out := make(map[string]*yaml.Node, len(n.Content)/2)
	for _, p := range d.pairs(n) {
		known := false
		for _, a := range allowed {
			known = known || a == p.key.Value
		}
		if !known {
			util.Error(d.tok(p.key), "Unexpected key '%s'", p.key.Value)
		}
		out[p.key.Value] = p.value
	}
	return out
}

// kind returns the first key of a mapping node, which names what it is.
func (d *decoder) kind(n *yaml.Node) string {
	if n.Kind != yaml.MappingNode || len(n.Content) == 0 {
		util.Error(d.tok(n), "Expected a map such as {kind: ...}")
	}
	return n.Content[0].Value
}

func (d *decoder) decl(n *yaml.Node) *ast.Node {
	switch d.kind(n) {
	case "var":
		return d.varDecl(n)
	case "fun":
		return d.funcDecl(n)
	}
	util.Error(d.tok(n), "Expected a 'var' or 'fun' declaration, got '%s'", d.kind(n))
	return nil
}

func (d *decoder) varDecl(n *yaml.Node) *ast.Node {
	f := d.fields(n, "var", "type", "init")
	var typ *types.Type
	if t, ok := f["type"]; ok {
		typ = d.parseType(t)
	}
	var init *ast.Node
	if e, ok := f["init"]; ok {
		init = d.expr(e)
	}
	return ast.NewVarDecl(d.tok(f["var"]), f["var"].Value, typ, init)
}

func (d *decoder) funcDecl(n *yaml.Node) *ast.Node {
	f := d.fields(n, "fun", "params", "result", "expr", "body")
	name := f["fun"]
	var params []*ast.Node
	if ps, ok := f["params"]; ok {
		for _, p := range d.pairs(ps) {
			params = append(params, ast.NewVarDecl(d.tok(p.key), p.key.Value, d.parseType(p.value), nil))
		}
	}
	var result *types.Type
	if r, ok := f["result"]; ok {
		result = d.parseType(r)
	}
	if e, ok := f["expr"]; ok {
		return ast.NewFuncDecl(d.tok(name), name.Value, params, d.expr(e), result, true)
	}
	body, ok := f["body"]
	if !ok {
		util.Error(d.tok(name), "Function '%s' needs an 'expr' or a 'body'", name.Value)
	}
	return ast.NewFuncDecl(d.tok(name), name.Value, params, d.block(body), result, false)
}

// block reads a list of statements.
func (d *decoder) block(n *yaml.Node) *ast.Node {
	if n.Kind != yaml.SequenceNode {
		return ast.NewBlock(d.tok(n), []*ast.Node{d.stmt(n)})
	}
	stmts := make([]*ast.Node, 0, len(n.Content))
	for _, s := range n.Content {
		stmts = append(stmts, d.stmt(s))
	}
	return ast.NewBlock(d.tok(n), stmts)
}

func (d *decoder) stmt(n *yaml.Node) *ast.Node {
	tok := d.tok(n)
	if n.Kind == yaml.ScalarNode {
		switch n.Value {
		case "break":
			return ast.NewBreak(tok)
		case "continue":
			return ast.NewContinue(tok)
		case "return":
			return ast.NewReturn(tok, nil)
		}
		return d.expr(n)
	}
	switch d.kind(n) {
	case "var":
		return d.varDecl(n)
	case "return":
		f := d.fields(n, "return")
		if r := f["return"]; r.Tag != "!!null" {
			return ast.NewReturn(tok, d.expr(r))
		}
		return ast.NewReturn(tok, nil)
	case "assign":
		f := d.fields(n, "assign", "op")
		lhs, rhs := d.operands(f["assign"], 2)
		op := token.Eq
		if o, ok := f["op"]; ok {
			op = d.operator(o)
			if _, compound := op.BinaryOf(); !compound && op != token.Eq {
				util.Error(d.tok(o), "'%s' is not an assignment operator", o.Value)
			}
		}
		return ast.NewAssign(tok, op, lhs, rhs)
	case "while":
		f := d.fields(n, "while", "do")
		return ast.NewWhile(tok, d.expr(f["while"]), d.block(d.required(n, f, "do")))
	case "loop":
		f := d.fields(n, "loop")
		return ast.NewLoop(tok, d.block(f["loop"]))
	case "break":
		return ast.NewBreak(tok)
	case "continue":
		return ast.NewContinue(tok)
	case "switch":
		return d.switchStmt(n)
	case "if":
		f := d.fields(n, "if", "then", "else")
		then := d.required(n, f, "then")
		if then.Kind != yaml.SequenceNode {
			return d.expr(n)
		}
		var els *ast.Node
		if e, ok := f["else"]; ok {
			els = d.block(e)
		}
		return ast.NewIf(tok, d.expr(f["if"]), d.block(then), els)
	case "block":
		f := d.fields(n, "block")
		return d.block(f["block"])
	}
	return d.expr(n)
}

func (d *decoder) switchStmt(n *yaml.Node) *ast.Node {
	f := d.fields(n, "switch", "cases", "default")
	var cases []*ast.Node
	if cs, ok := f["cases"]; ok {
		for _, c := range cs.Content {
			cf := d.fields(c, "case", "do")
			vals := cf["case"]
			if vals == nil {
				util.Error(d.tok(c), "Case needs a 'case' value list")
			}
			var values []int64
			if vals.Kind == yaml.SequenceNode {
				for _, v := range vals.Content {
					values = append(values, d.integer(v))
				}
			} else {
				values = append(values, d.integer(vals))
			}
			cases = append(cases, ast.NewCase(d.tok(c), values, d.block(d.required(c, cf, "do"))))
		}
	}
	var def *ast.Node
	if df, ok := f["default"]; ok {
		def = d.block(df)
	}
	return ast.NewSwitch(d.tok(n), d.expr(f["switch"]), cases, def)
}

func (d *decoder) required(parent *yaml.Node, f map[string]*yaml.Node, key string) *yaml.Node {
	n, ok := f[key]
	if !ok {
		util.Error(d.tok(parent), "Missing '%s'", key)
	}
	return n
}

func (d *decoder) integer(n *yaml.Node) int64 {
	v, err := strconv.ParseInt(n.Value, 0, 64)
	if err != nil {
		u, uerr := strconv.ParseUint(n.Value, 0, 64)
		if uerr != nil {
			util.Error(d.tok(n), "Invalid integer '%s'", n.Value)
		}
		v = int64(u)
	}
	return v
}

func (d *decoder) operator(n *yaml.Node) token.Type {
	op, ok := token.OpMap[n.Value]
	if !ok {
		util.Error(d.tok(n), "Unknown operator '%s'", n.Value)
	}
	return op
}

// operands reads a list of exactly count expressions.
func (d *decoder) operands(n *yaml.Node, count int) (*ast.Node, *ast.Node) {
	if n.Kind != yaml.SequenceNode || len(n.Content) != count {
		util.Error(d.tok(n), "Expected a list of %d operands", count)
	}
	first := d.expr(n.Content[0])
	if count == 1 {
		return first, nil
	}
	return first, d.expr(n.Content[1])
}

func (d *decoder) scalar(n *yaml.Node) *ast.Node {
	tok := d.tok(n)
	switch n.Tag {
	case "!!int":
		return ast.NewNumber(tok, d.integer(n))
	case "!!float":
		v, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			util.Error(tok, "Invalid number '%s'", n.Value)
		}
		return ast.NewFloatNumber(tok, v)
	case "!!bool":
		return ast.NewBool(tok, n.Value == "true")
	case "!!str":
		return ast.NewIdent(tok, n.Value)
	}
	util.Error(tok, "Unexpected value '%s'", n.Value)
	return nil
}

func (d *decoder) expr(n *yaml.Node) *ast.Node {
	if n.Kind == yaml.ScalarNode {
		return d.scalar(n)
	}
	tok := d.tok(n)
	switch k := d.kind(n); k {
	case "int", "float":
		f := d.fields(n, k, "type")
		lit := d.scalar(f[k])
		if k == "float" && lit.Type == ast.Number {
			lit = ast.NewFloatNumber(lit.Tok, float64(lit.Data.(ast.NumberNode).Value))
		}
		if t, ok := f["type"]; ok {
			lit.Typ = d.parseType(t)
		}
		return lit
	case "bool":
		return d.scalar(d.fields(n, "bool")["bool"])
	case "ident":
		f := d.fields(n, "ident")
		return ast.NewIdent(d.tok(f["ident"]), f["ident"].Value)
	case "binary":
		ops := d.fields(n, "binary")["binary"]
		if ops.Kind != yaml.SequenceNode || len(ops.Content) != 3 {
			util.Error(tok, "'binary' takes [operator, left, right]")
		}
		return ast.NewBinaryOp(d.tok(ops.Content[0]), d.operator(ops.Content[0]), d.expr(ops.Content[1]), d.expr(ops.Content[2]))
	case "unary":
		ops := d.fields(n, "unary")["unary"]
		if ops.Kind != yaml.SequenceNode || len(ops.Content) != 2 {
			util.Error(tok, "'unary' takes [operator, operand]")
		}
		return ast.NewUnaryOp(d.tok(ops.Content[0]), d.operator(ops.Content[0]), d.expr(ops.Content[1]))
	case "call":
		f := d.fields(n, "call", "args")
		var args []*ast.Node
		if a, ok := f["args"]; ok {
			for _, arg := range a.Content {
				args = append(args, d.expr(arg))
			}
		}
		return ast.NewFuncCall(tok, ast.NewIdent(d.tok(f["call"]), f["call"].Value), args)
	case "field":
		ops := d.fields(n, "field")["field"]
		if ops.Kind != yaml.SequenceNode || len(ops.Content) != 2 {
			util.Error(tok, "'field' takes [value, name]")
		}
		return ast.NewMemberAccess(d.tok(ops.Content[1]), d.expr(ops.Content[0]), ops.Content[1].Value)
	case "index":
		arr, idx := d.operands(d.fields(n, "index")["index"], 2)
		return ast.NewSubscript(tok, arr, idx)
	case "deref":
		return ast.NewIndirection(tok, d.expr(d.fields(n, "deref")["deref"]))
	case "addr":
		return ast.NewAddressOf(tok, d.expr(d.fields(n, "addr")["addr"]))
	case "cast":
		ops := d.fields(n, "cast")["cast"]
		if ops.Kind != yaml.SequenceNode || len(ops.Content) != 2 {
			util.Error(tok, "'cast' takes [type, value]")
		}
		return ast.NewTypeCast(tok, d.expr(ops.Content[1]), d.parseType(ops.Content[0]))
	case "struct":
		var names []string
		var values []*ast.Node
		for _, p := range d.pairs(d.fields(n, "struct")["struct"]) {
			names = append(names, p.key.Value)
			values = append(values, d.expr(p.value))
		}
		return ast.NewStructLiteral(tok, names, values)
	case "array":
		var values []*ast.Node
		for _, v := range d.fields(n, "array")["array"].Content {
			values = append(values, d.expr(v))
		}
		return ast.NewArrayLiteral(tok, values)
	case "if":
		f := d.fields(n, "if", "then", "else")
		var els *ast.Node
		if e, ok := f["else"]; ok {
			els = d.valueBody(e)
		}
		return ast.NewIf(tok, d.expr(f["if"]), d.valueBody(d.required(n, f, "then")), els)
	case "block":
		return d.valueBody(d.fields(n, "block")["block"])
	}
	util.Error(tok, "Unknown expression kind '%s'", d.kind(n))
	return nil
}

// valueBody reads the branch of a value-producing if or block: either one
// expression or statements ending in one.
func (d *decoder) valueBody(n *yaml.Node) *ast.Node {
	if n.Kind != yaml.SequenceNode {
		return d.expr(n)
	}
	if len(n.Content) == 0 {
		util.Error(d.tok(n), "Empty block used as a value")
	}
	stmts := make([]*ast.Node, 0, len(n.Content))
	for _, s := range n.Content[:len(n.Content)-1] {
		stmts = append(stmts, d.stmt(s))
	}
	stmts = append(stmts, d.expr(n.Content[len(n.Content)-1]))
	return ast.NewBlock(d.tok(n), stmts)
}

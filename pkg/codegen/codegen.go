// Package codegen lowers a type-checked tree into a WebAssembly module. It
// walks the tree once, builds IR nodes for every function body and for the
// module initializer, and hands them to the wasm section writer.
package codegen

import (
	"sort"

	"github.com/xplshn/gbw/pkg/alloc"
	"github.com/xplshn/gbw/pkg/ast"
	"github.com/xplshn/gbw/pkg/config"
	"github.com/xplshn/gbw/pkg/ir"
	"github.com/xplshn/gbw/pkg/layout"
	"github.com/xplshn/gbw/pkg/scope"
	"github.com/xplshn/gbw/pkg/token"
	"github.com/xplshn/gbw/pkg/types"
	"github.com/xplshn/gbw/pkg/util"
	"github.com/xplshn/gbw/pkg/wasm"
)

const pageSize = 65536

type valueKind int

const (
	valVar valueKind = iota
	valParam
	valFunc
)

// value is what a name is bound to: storage for variables and parameters,
// a function index for functions and imports.
type value struct {
	Name string
	Kind valueKind
	Node ir.Node
	Func *function
}

type function struct {
	Name   string
	Index  uint32
	Params []*layout.Layout
	Result *layout.Layout
	Sig    wasm.FuncType
}

// level is one lexical scope: its names, its break/continue targets and the
// allocator locals are taken from.
type level struct {
	values *scope.Scope[*value]
	labels *scope.Scope[ir.Label]
	locals *alloc.Locals
	parent *level
}

// SourceMark ties an absolute byte offset in the encoded module to the
// source location of the code starting there.
type SourceMark struct {
	Offset int
	Tok    token.Token
}

type Result struct {
	Binary []byte
	Marks  []SourceMark
	Module *wasm.Module
}

type Context struct {
	cfg          *config.Config
	module       *wasm.Module
	layouts      *layout.Engine
	static       *alloc.Static
	currentScope *level
	globalScope  *level
	labels       *ir.Labels
	temps        []*ir.Local
	currentFunc  *function
	initLocals   *alloc.Locals
	initLabels   *ir.Labels
	needsMemory  bool
	exported     map[string]bool
	bodyMarks    map[uint32][]ir.Mark

	voidL, boolL, i32L, addrL *layout.Layout
}

func NewContext(cfg *config.Config) *Context {
	layouts := layout.NewEngine()
	ctx := &Context{
		cfg:        cfg,
		module:     wasm.NewModule(),
		layouts:    layouts,
		initLocals: alloc.NewLocals(nil),
		initLabels: &ir.Labels{},
		exported:   make(map[string]bool),
		bodyMarks:  make(map[uint32][]ir.Mark),
		voidL:      layouts.Of(types.TypeVoid),
		boolL:      layouts.Of(types.TypeBool),
		i32L:       layouts.Of(types.TypeI32),
		addrL:      layouts.Of(types.NewPointer(types.TypeU8)),
	}
	ctx.static = alloc.NewStatic(ctx.addrL, ctx.voidL)
	ctx.globalScope = &level{
		values: scope.New[*value](nil),
		labels: scope.New[ir.Label](nil),
		locals: ctx.initLocals,
	}
	ctx.currentScope = ctx.globalScope
	ctx.labels = ctx.initLabels
	return ctx
}

// Generate compiles root with a fresh Context.
func Generate(cfg *config.Config, root *ast.Node) (*Result, error) {
	return NewContext(cfg).Generate(root, NewBinaryBackend())
}

// Generate compiles root, a type-checked Module node, and encodes the
// result with backend. Any error aborts the whole compilation.
func (ctx *Context) Generate(root *ast.Node, backend Backend) (res *Result, err error) {
	defer util.Recover(&err)

	mod, ok := root.Data.(ast.ModuleNode)
	if !ok {
		util.Error(root.Tok, "internal: code generation expects a module, got %s", root.Type)
	}

	for _, imp := range mod.Imports {
		ctx.codegenImport(imp)
	}
	for _, decl := range mod.Decls {
		if decl.Type == ast.FuncDecl {
			ctx.declareFunc(decl)
		}
	}
	for _, decl := range mod.Decls {
		if decl.Type == ast.VarDecl {
			ctx.codegenGlobalVarDecl(decl)
		}
	}
	for _, decl := range mod.Decls {
		if decl.Type == ast.FuncDecl {
			ctx.codegenFuncDecl(decl)
		}
	}
	ctx.codegenInit(root.Tok)
	ctx.codegenMemory(root.Tok)
	ctx.codegenExports(root.Tok, mod.Exports)

	buf, err := backend.Generate(ctx.module, ctx.cfg)
	if err != nil {
		util.Error(root.Tok, "internal: %v", err)
	}
	res = &Result{Binary: buf.Bytes(), Module: ctx.module}
	res.Marks = ctx.sourceMarks()
	return res, nil
}

func (ctx *Context) layoutOf(t *types.Type) *layout.Layout {
	if t == nil {
		util.Error(token.Token{}, "internal: node without a type reached code generation")
	}
	return ctx.layouts.Of(t.Unwrap())
}

func (ctx *Context) enterScope() {
	ctx.currentScope = &level{
		values: scope.New(ctx.currentScope.values),
		labels: scope.New(ctx.currentScope.labels),
		locals: ctx.currentScope.locals,
		parent: ctx.currentScope,
	}
}

// exitScope returns the slots of the level's variables to the pool.
func (ctx *Context) exitScope() {
	lvl := ctx.currentScope
	lvl.values.Each(func(_ int, sym *scope.Symbol[*value]) {
		if sym.Value.Kind != valVar {
			return
		}
		if loc, ok := sym.Value.Node.(*ir.Local); ok {
			lvl.locals.Release(loc)
		}
	})
	ctx.currentScope = lvl.parent
}

func (ctx *Context) addValue(tok token.Token, v *value) {
	if _, ok := ctx.currentScope.values.LookupLocal(v.Name); ok {
		util.Error(tok, "Redefinition of '%s'", v.Name)
	}
	ctx.currentScope.values.Define(v.Name, v)
}

func (ctx *Context) findValue(tok token.Token, name string) *value {
	v, ok := ctx.currentScope.values.Lookup(name)
	if !ok {
		util.Error(tok, "internal: '%s' has no storage", name)
	}
	return v
}

// newTemp allocates a local that lives until the current statement ends.
func (ctx *Context) newTemp(tok token.Token, l *layout.Layout) *ir.Local {
	loc := ctx.currentScope.locals.AllocAt(tok, l)
	ctx.temps = append(ctx.temps, loc)
	return loc
}

func (ctx *Context) releaseTemps(mark int) {
	for _, t := range ctx.temps[mark:] {
		ctx.currentScope.locals.Release(t)
	}
	ctx.temps = ctx.temps[:mark]
}

func (ctx *Context) simplify(n ir.Node) ir.Node {
	if n == nil || !ctx.cfg.IsFeatureEnabled(config.FeatFold) {
		return n
	}
	n, _ = ir.Simplify(ctx.labels, n)
	return n
}

// simplifyBody folds a whole function body. Branches removed by folding no
// longer count as uses, so blocks they targeted can unwrap on a second pass.
func (ctx *Context) simplifyBody(n ir.Node) ir.Node {
	n = ctx.simplify(n)
	if n != nil && ctx.cfg.IsFeatureEnabled(config.FeatFold) && ctx.labels.Recount(n) {
		n, _ = ir.Simplify(ctx.labels, n)
	}
	return n
}

func (ctx *Context) requireMultiValue(tok token.Token, l *layout.Layout, what string) {
	if len(l.Flatten()) > 1 && !ctx.cfg.IsFeatureEnabled(config.FeatMultiValue) {
		util.Error(tok, "%s of type '%s' needs the multi-value feature (-Fmulti-value)", what, l.Type)
	}
}

func (ctx *Context) newFunction(node *ast.Node, name string, ft *types.Type) *function {
	fn := &function{Name: name, Result: ctx.layoutOf(ft.Result)}
	for _, p := range ft.Params {
		l := ctx.layoutOf(p)
		fn.Params = append(fn.Params, l)
		fn.Sig.Params = append(fn.Sig.Params, l.Flatten()...)
	}
	fn.Sig.Results = fn.Result.Flatten()
	ctx.requireMultiValue(node.Tok, fn.Result, "Result of '"+name+"'")
	return fn
}

func (ctx *Context) codegenImport(node *ast.Node) {
	d := node.Data.(ast.ImportNode)
	fn := ctx.newFunction(node, d.Name, d.Type)
	idx, err := ctx.module.AddImport(d.Module, d.Field, fn.Sig)
	if err != nil {
		util.Error(node.Tok, "internal: %v", err)
	}
	fn.Index = idx
	ctx.addValue(node.Tok, &value{Name: d.Name, Kind: valFunc, Func: fn})
}

func (ctx *Context) declareFunc(node *ast.Node) {
	d := node.Data.(ast.FuncDeclNode)
	fn := ctx.newFunction(node, d.Name, node.Typ)
	fn.Index = ctx.module.DeclareFunction(fn.Sig)
	ctx.addValue(node.Tok, &value{Name: d.Name, Kind: valFunc, Func: fn})
}

func (ctx *Context) codegenGlobalVarDecl(node *ast.Node) {
	d := node.Data.(ast.VarDeclNode)
	l := ctx.layoutOf(node.Typ)
	var init ir.Node
	if d.Init != nil {
		mark := len(ctx.temps)
		init = ctx.simplify(ctx.codegenExpr(d.Init))
		// Inits run one after another, so the slots can be reused by the next one.
		ctx.releaseTemps(mark)
	}
	storage := ctx.static.Declare(node.Tok, l, init)
	ctx.addValue(node.Tok, &value{Name: d.Name, Kind: valVar, Node: storage})
}

func (ctx *Context) codegenFuncDecl(node *ast.Node) {
	d := node.Data.(ast.FuncDeclNode)
	fn := ctx.findValue(node.Tok, d.Name).Func

	prevFunc, prevLabels := ctx.currentFunc, ctx.labels
	ctx.currentFunc, ctx.labels = fn, &ir.Labels{}
	defer func() { ctx.currentFunc, ctx.labels = prevFunc, prevLabels }()

	locals := alloc.NewLocals(fn.Sig.Params)
	ctx.currentScope = &level{
		values: scope.New(ctx.globalScope.values),
		labels: scope.New[ir.Label](nil),
		locals: locals,
		parent: ctx.currentScope,
	}
	slots := locals.Params()
	pos := 0
	for i, p := range d.Params {
		l := fn.Params[i]
		k := len(l.Flatten())
		name := p.Data.(ast.VarDeclNode).Name
		ctx.addValue(p.Tok, &value{Name: name, Kind: valParam, Node: ir.NewLocal(p.Tok, l, slots[pos:pos+k])})
		pos += k
	}

	var body ir.Node
	if d.IsExprBody {
		mark := len(ctx.temps)
		body = ctx.codegenExpr(d.Body)
		ctx.releaseTemps(mark)
	} else {
		body = ctx.codegenStmt(d.Body)
		if !fn.Result.IsVoid() {
			body = ir.NewSeq(d.Body.Tok, ctx.voidL, body, ir.NewUnreachable(d.Body.Tok, ctx.voidL))
		}
	}
	ctx.exitScope()
	if n := locals.Live(); n != 0 {
		util.Error(node.Tok, "internal: %d local slots still live at the end of '%s'", n, d.Name)
	}
	ctx.emitFunction(node.Tok, fn.Index, locals, ctx.simplifyBody(body))
}

// emitFunction encodes body as the code of function idx. Spill slots needed
// during emission come after every slot the body already uses.
func (ctx *Context) emitFunction(tok token.Token, idx uint32, locals *alloc.Locals, body ir.Node) {
	scratch := locals.Scratch()
	em := ir.NewEmitter(ctx.module, ctx.labels, scratch)
	em.SignExt = ctx.cfg.IsFeatureEnabled(config.FeatSignExt)
	em.TrackMarks = ctx.cfg.IsFeatureEnabled(config.FeatSourceMap)
	ir.Load(em, body)
	if n := scratch.Live(); n != 0 {
		util.Error(tok, "internal: %d scratch slots still live after emission", n)
	}
	all := append(append([]wasm.ValType(nil), locals.Declared()...), scratch.Declared()...)
	if err := ctx.module.DefineFunction(idx, all, em.W.Bytes()); err != nil {
		util.Error(tok, "internal: %v", err)
	}
	ctx.bodyMarks[idx] = em.Marks
}

// codegenInit builds the routine running the initializers that could not be
// laid out as data. It only exists when at least one was needed.
func (ctx *Context) codegenInit(tok token.Token) {
	inits := ctx.static.Inits()
	if len(inits) == 0 {
		return
	}
	ctx.labels = ctx.initLabels
	ctx.currentScope = ctx.globalScope
	idx := ctx.module.DeclareFunction(wasm.FuncType{})
	body := ctx.simplifyBody(ir.NewSeq(tok, ctx.voidL, inits...))
	ctx.emitFunction(tok, idx, ctx.initLocals, body)
	if ctx.cfg.IsFeatureEnabled(config.FeatStartSection) {
		ctx.module.SetStart(idx)
		return
	}
	ctx.export(tok, "_initialize", wasm.ExtFunc, idx)
}

func (ctx *Context) codegenMemory(tok token.Token) {
	if !ctx.static.Used() && !ctx.needsMemory {
		return
	}
	pages := uint32(util.AlignUp(ctx.static.Size(), pageSize) / pageSize)
	if pages == 0 {
		pages = 1
	}
	max := uint32(ctx.cfg.MaxPages)
	if max != 0 && pages > max {
		util.Error(tok, "Static data needs %d pages of memory, more than the limit of %d", pages, max)
	}
	ctx.module.SetMemory(pages, max)
	for _, seg := range ctx.static.Segments() {
		ctx.module.AddData(seg.Offset, seg.Data)
	}
	if ctx.cfg.IsFeatureEnabled(config.FeatExportMemory) {
		ctx.export(tok, "memory", wasm.ExtMemory, 0)
	}
}

func (ctx *Context) codegenExports(tok token.Token, names []string) {
	for _, name := range names {
		v, ok := ctx.globalScope.values.LookupLocal(name)
		if !ok {
			util.Error(tok, "Exported name '%s' is not declared", name)
		}
		switch v.Kind {
		case valFunc:
			ctx.export(tok, name, wasm.ExtFunc, v.Func.Index)
		case valVar:
			data := v.Node.(*ir.Data)
			c, _ := ir.AsConstant(data.Addr)
			g := ctx.module.AddGlobal(wasm.I32, false, c.Int+data.Offset)
			ctx.export(tok, name, wasm.ExtGlobal, g)
		}
	}
}

func (ctx *Context) export(tok token.Token, name string, kind byte, idx uint32) {
	if ctx.exported[name] {
		util.Error(tok, "Export name '%s' is used twice", name)
	}
	ctx.exported[name] = true
	ctx.module.AddExport(name, kind, idx)
}

// sourceMarks turns the per-body marks into absolute module offsets. Bodies
// are laid out in function index order, so the result is sorted.
func (ctx *Context) sourceMarks() []SourceMark {
	offsets := ctx.module.BodyOffsets()
	first := ctx.module.NumImports()
	indices := make([]uint32, 0, len(ctx.bodyMarks))
	for idx := range ctx.bodyMarks {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	var marks []SourceMark
	for _, idx := range indices {
		base := offsets[idx-first]
		for _, m := range ctx.bodyMarks[idx] {
			marks = append(marks, SourceMark{Offset: base + m.Offset, Tok: m.Tok})
		}
	}
	return marks
}

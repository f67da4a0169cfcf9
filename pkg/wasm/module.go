package wasm

import (
	"fmt"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// FuncType describes a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

func (ft FuncType) encode(buf []byte) []byte {
	buf = append(buf, funcTypeTag)
	buf = AppendULEB128(buf, uint32(len(ft.Params)))
	for _, p := range ft.Params {
		buf = append(buf, byte(p))
	}
	buf = AppendULEB128(buf, uint32(len(ft.Results)))
	for _, r := range ft.Results {
		buf = append(buf, byte(r))
	}
	return buf
}

func (ft FuncType) String() string {
	return fmt.Sprintf("%v -> %v", ft.Params, ft.Results)
}

type importEntry struct {
	module, name string
	typeIdx      uint32
}

type exportEntry struct {
	name string
	kind byte
	idx  uint32
}

type global struct {
	valType ValType
	mutable bool
	init    int64
}

type dataSegment struct {
	offset uint32
	data   []byte
}

type function struct {
	typeIdx uint32
	locals  []ValType
	body    []byte
	defined bool
}

// Module builds a complete .wasm binary. Function indices are shared between
// imports and defined functions, so every import must be added first.
type Module struct {
	types     []FuncType
	typeIndex map[uint64][]uint32
	imports   []importEntry
	funcs     []function
	exports   []exportEntry
	globals   []global
	data      []dataSegment
	hasMemory bool
	memMin    uint32
	memMax    uint32
	start     int64

	bodyOffsets []int
}

func NewModule() *Module {
	return &Module{typeIndex: make(map[uint64][]uint32), start: -1}
}

// TypeIndex interns a signature. Signatures are keyed by the hash of their
// encoding, with equality checked on every hit.
func (m *Module) TypeIndex(ft FuncType) uint32 {
	key := xxhash.Sum64(ft.encode(nil))
	for _, idx := range m.typeIndex[key] {
		t := m.types[idx]
		if slices.Equal(t.Params, ft.Params) && slices.Equal(t.Results, ft.Results) {
			return idx
		}
	}
	idx := uint32(len(m.types))
	m.types = append(m.types, FuncType{Params: slices.Clone(ft.Params), Results: slices.Clone(ft.Results)})
	m.typeIndex[key] = append(m.typeIndex[key], idx)
	return idx
}

func (m *Module) NumTypes() int { return len(m.types) }

// NumImports is the index of the first defined function.
func (m *Module) NumImports() uint32 { return uint32(len(m.imports)) }

// Import is one imported function as seen by a host.
type Import struct {
	Module, Name string
	Type         FuncType
}

// Imports lists the imported functions in function index order.
func (m *Module) Imports() []Import {
	out := make([]Import, len(m.imports))
	for i, imp := range m.imports {
		out[i] = Import{Module: imp.module, Name: imp.name, Type: m.types[imp.typeIdx]}
	}
	return out
}

// AddImport registers an imported function and returns its function index.
func (m *Module) AddImport(module, name string, ft FuncType) (uint32, error) {
	if len(m.funcs) > 0 {
		return 0, fmt.Errorf("wasm: import %s.%s added after a function was declared", module, name)
	}
	m.imports = append(m.imports, importEntry{module: module, name: name, typeIdx: m.TypeIndex(ft)})
	return uint32(len(m.imports) - 1), nil
}

// DeclareFunction reserves a function index so calls can be emitted before
// the body exists.
func (m *Module) DeclareFunction(ft FuncType) uint32 {
	m.funcs = append(m.funcs, function{typeIdx: m.TypeIndex(ft)})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// DefineFunction attaches the extra locals and instruction bytes to a
// declared function. The trailing end opcode is added by Encode.
func (m *Module) DefineFunction(funcIdx uint32, locals []ValType, body []byte) error {
	i := int(funcIdx) - len(m.imports)
	if i < 0 || i >= len(m.funcs) {
		return fmt.Errorf("wasm: function index %d is not a declared function", funcIdx)
	}
	if m.funcs[i].defined {
		return fmt.Errorf("wasm: function %d defined twice", funcIdx)
	}
	m.funcs[i].locals, m.funcs[i].body, m.funcs[i].defined = locals, body, true
	return nil
}

func (m *Module) AddExport(name string, kind byte, idx uint32) {
	m.exports = append(m.exports, exportEntry{name: name, kind: kind, idx: idx})
}

func (m *Module) AddGlobal(vt ValType, mutable bool, init int64) uint32 {
	m.globals = append(m.globals, global{valType: vt, mutable: mutable, init: init})
	return uint32(len(m.globals) - 1)
}

func (m *Module) AddData(offset uint32, data []byte) {
	m.data = append(m.data, dataSegment{offset: offset, data: data})
}

// SetMemory declares the single linear memory. max of zero means unbounded.
func (m *Module) SetMemory(min, max uint32) {
	m.hasMemory, m.memMin, m.memMax = true, min, max
}

func (m *Module) SetStart(funcIdx uint32) { m.start = int64(funcIdx) }

// BodyOffsets returns, for every defined function in declaration order, the
// absolute offset of its first instruction in the last encoded binary.
func (m *Module) BodyOffsets() []int { return m.bodyOffsets }

// Encode produces the complete .wasm binary.
func (m *Module) Encode() ([]byte, error) {
	for i, f := range m.funcs {
		if !f.defined {
			return nil, fmt.Errorf("wasm: function %d declared but never defined", len(m.imports)+i)
		}
	}

	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(m.types) > 0 {
		out = encodeSection(out, SecType, m.encodeTypeSection())
	}
	if len(m.imports) > 0 {
		out = encodeSection(out, SecImport, m.encodeImportSection())
	}
	if len(m.funcs) > 0 {
		out = encodeSection(out, SecFunction, m.encodeFuncSection())
	}
	if m.hasMemory {
		out = encodeSection(out, SecMemory, m.encodeMemorySection())
	}
	if len(m.globals) > 0 {
		out = encodeSection(out, SecGlobal, m.encodeGlobalSection())
	}
	if len(m.exports) > 0 {
		out = encodeSection(out, SecExport, m.encodeExportSection())
	}
	if m.start >= 0 {
		out = encodeSection(out, SecStart, AppendULEB128(nil, uint32(m.start)))
	}
	m.bodyOffsets = m.bodyOffsets[:0]
	if len(m.funcs) > 0 {
		payload, rel := m.encodeCodeSection()
		base := len(out) + 1 + len(AppendULEB128(nil, uint32(len(payload))))
		for _, r := range rel {
			m.bodyOffsets = append(m.bodyOffsets, base+r)
		}
		out = encodeSection(out, SecCode, payload)
	}
	if len(m.data) > 0 {
		out = encodeSection(out, SecData, m.encodeDataSection())
	}
	return out, nil
}

func encodeSection(out []byte, id byte, payload []byte) []byte {
	out = append(out, id)
	out = AppendULEB128(out, uint32(len(payload)))
	return append(out, payload...)
}

func appendName(buf []byte, s string) []byte {
	buf = AppendULEB128(buf, uint32(len(s)))
	return append(buf, s...)
}

func (m *Module) encodeTypeSection() []byte {
	buf := AppendULEB128(nil, uint32(len(m.types)))
	for _, t := range m.types {
		buf = t.encode(buf)
	}
	return buf
}

func (m *Module) encodeImportSection() []byte {
	buf := AppendULEB128(nil, uint32(len(m.imports)))
	for _, imp := range m.imports {
		buf = appendName(buf, imp.module)
		buf = appendName(buf, imp.name)
		buf = append(buf, ExtFunc)
		buf = AppendULEB128(buf, imp.typeIdx)
	}
	return buf
}

func (m *Module) encodeFuncSection() []byte {
	buf := AppendULEB128(nil, uint32(len(m.funcs)))
	for _, f := range m.funcs {
		buf = AppendULEB128(buf, f.typeIdx)
	}
	return buf
}

func (m *Module) encodeMemorySection() []byte {
	buf := AppendULEB128(nil, 1)
	if m.memMax > 0 {
		buf = append(buf, 0x01)
		buf = AppendULEB128(buf, m.memMin)
		return AppendULEB128(buf, m.memMax)
	}
	buf = append(buf, 0x00)
	return AppendULEB128(buf, m.memMin)
}

func (m *Module) encodeGlobalSection() []byte {
	buf := AppendULEB128(nil, uint32(len(m.globals)))
	for _, g := range m.globals {
		buf = append(buf, byte(g.valType))
		if g.mutable {
			buf = append(buf, 0x01)
		} else {
			buf = append(buf, 0x00)
		}
		if g.valType == I64 {
			buf = append(buf, OpI64Const)
		} else {
			buf = append(buf, OpI32Const)
		}
		buf = AppendSLEB128(buf, g.init)
		buf = append(buf, OpEnd)
	}
	return buf
}

func (m *Module) encodeExportSection() []byte {
	buf := AppendULEB128(nil, uint32(len(m.exports)))
	for _, exp := range m.exports {
		buf = appendName(buf, exp.name)
		buf = append(buf, exp.kind)
		buf = AppendULEB128(buf, exp.idx)
	}
	return buf
}

// encodeCodeSection also returns the payload-relative offset of the first
// instruction of each body.
func (m *Module) encodeCodeSection() ([]byte, []int) {
	buf := AppendULEB128(nil, uint32(len(m.funcs)))
	rel := make([]int, 0, len(m.funcs))
	for _, f := range m.funcs {
		entry := encodeLocals(f.locals)
		head := len(entry)
		entry = append(entry, f.body...)
		entry = append(entry, OpEnd)
		buf = AppendULEB128(buf, uint32(len(entry)))
		rel = append(rel, len(buf)+head)
		buf = append(buf, entry...)
	}
	return buf, rel
}

// encodeLocals groups consecutive locals of the same type.
func encodeLocals(locals []ValType) []byte {
	type group struct {
		count uint32
		vt    ValType
	}
	var groups []group
	for _, vt := range locals {
		if n := len(groups); n > 0 && groups[n-1].vt == vt {
			groups[n-1].count++
			continue
		}
		groups = append(groups, group{1, vt})
	}
	buf := AppendULEB128(nil, uint32(len(groups)))
	for _, g := range groups {
		buf = AppendULEB128(buf, g.count)
		buf = append(buf, byte(g.vt))
	}
	return buf
}

func (m *Module) encodeDataSection() []byte {
	buf := AppendULEB128(nil, uint32(len(m.data)))
	for _, seg := range m.data {
		buf = append(buf, 0x00)
		buf = append(buf, OpI32Const)
		buf = AppendSLEB128(buf, int64(int32(seg.offset)))
		buf = append(buf, OpEnd)
		buf = AppendULEB128(buf, uint32(len(seg.data)))
		buf = append(buf, seg.data...)
	}
	return buf
}

// Section is one top-level section of an encoded module.
type Section struct {
	ID     byte
	Offset int
	Size   int
}

// ReadSections walks the section headers of an encoded module.
func ReadSections(bin []byte) ([]Section, error) {
	if len(bin) < 8 || string(bin[:4]) != "\x00asm" {
		return nil, fmt.Errorf("wasm: missing module header")
	}
	var secs []Section
	for pos := 8; pos < len(bin); {
		id := bin[pos]
		size, n, err := ReadULEB128(bin[pos+1:])
		if err != nil {
			return nil, err
		}
		start := pos + 1 + n
		if start+int(size) > len(bin) {
			return nil, fmt.Errorf("wasm: section %d overruns the module", id)
		}
		secs = append(secs, Section{ID: id, Offset: start, Size: int(size)})
		pos = start + int(size)
	}
	return secs, nil
}

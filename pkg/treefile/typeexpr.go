package treefile

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/xplshn/gbw/pkg/types"
	"github.com/xplshn/gbw/pkg/util"
	"gopkg.in/yaml.v3"
)

// typeParser reads the type syntax used in tree files:
//
//	i32  u8  f64  bool  void  point   builtin and named types
//	*T                                pointer
//	[4]T  []T                         sized and open arrays
//	fun(T, T): R  fun(T)              function types
type typeParser struct {
	d   *decoder
	n   *yaml.Node
	src string
	pos int
}

func (d *decoder) parseType(n *yaml.Node) *types.Type {
	if n.Kind != yaml.ScalarNode || n.Value == "" {
		util.Error(d.tok(n), "Expected a type")
	}
	p := &typeParser{d: d, n: n, src: n.Value}
	t := p.typ()
	p.skipSpace()
	if p.pos != len(p.src) {
		p.fail("unexpected '%s'", p.src[p.pos:])
	}
	return t
}

func (p *typeParser) fail(format string, args ...interface{}) {
	tok := p.d.tok(p.n)
	util.Error(tok, "Invalid type '%s': "+format, append([]interface{}{p.src}, args...)...)
}

func (p *typeParser) skipSpace() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
}

func (p *typeParser) accept(s string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.src[p.pos:], s) {
		p.pos += len(s)
		return true
	}
	return false
}

func (p *typeParser) expect(s string) {
	if !p.accept(s) {
		p.fail("expected '%s'", s)
	}
}

func (p *typeParser) word() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) {
		r := rune(p.src[p.pos])
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			break
		}
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *typeParser) typ() *types.Type {
	switch {
	case p.accept("*"):
		return types.NewPointer(p.typ())
	case p.accept("["):
		if p.accept("]") {
			return types.NewOpenArray(p.typ())
		}
		n, err := strconv.ParseInt(p.word(), 10, 64)
		if err != nil || n < 0 {
			p.fail("array length must be a non-negative integer")
		}
		p.expect("]")
		return types.NewArray(p.typ(), n)
	}

	name := p.word()
	if name == "" {
		p.fail("expected a type name")
	}
	if name == "fun" {
		return p.funcType()
	}
	if t, ok := types.Builtins[name]; ok {
		return t
	}
	if t, ok := p.d.types[name]; ok {
		return t
	}
	p.fail("unknown type '%s'", name)
	return nil
}

func (p *typeParser) funcType() *types.Type {
	p.expect("(")
	var params []*types.Type
	if !p.accept(")") {
		for {
			params = append(params, p.typ())
			if p.accept(")") {
				break
			}
			p.expect(",")
		}
	}
	result := types.TypeVoid
	if p.accept(":") {
		result = p.typ()
	}
	return types.NewFunc(params, result)
}

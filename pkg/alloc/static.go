// Package alloc assigns storage to values: static linear memory for module
// level variables and local slots inside function bodies.
package alloc

import (
	"github.com/xplshn/gbw/pkg/ir"
	"github.com/xplshn/gbw/pkg/layout"
	"github.com/xplshn/gbw/pkg/token"
)

// StaticBase is the first address handed out. Address zero stays unused so
// that it can serve as the null pointer.
const StaticBase = 8

// Segment is an initialized piece of static memory.
type Segment struct {
	Offset uint32
	Data   []byte
}

// Static is a bump allocator over linear memory.
type Static struct {
	next     int64
	segments []Segment
	inits    []ir.Node
	addr     *layout.Layout
	void     *layout.Layout
}

// NewStatic takes the layouts used for address constants and for the
// statements it synthesizes.
func NewStatic(addr, void *layout.Layout) *Static {
	return &Static{next: StaticBase, addr: addr, void: void}
}

// Alloc reserves l.Size bytes and returns the memory-backed value living there.
func (s *Static) Alloc(tok token.Token, l *layout.Layout) *ir.Data {
	offset := s.next
	s.next += l.Size
	return ir.NewData(tok, l, ir.NewConst32(tok, s.addr, int32(offset)), 0)
}

// Declare allocates a variable and initializes it with init. A constant
// initializer becomes a data segment; anything else becomes an assignment
// run by the module initializer, in declaration order.
func (s *Static) Declare(tok token.Token, l *layout.Layout, init ir.Node) *ir.Data {
	d := s.Alloc(tok, l)
	if init == nil {
		return d
	}
	buf := make([]byte, l.Size)
	if ir.InitStatic(init, buf) {
		if !allZero(buf) {
			s.segments = append(s.segments, Segment{Offset: uint32(s.address(d)), Data: buf})
		}
		return d
	}
	s.inits = append(s.inits, ir.NewAssign(tok, s.void, d, init))
	return d
}

func (s *Static) address(d *ir.Data) int64 {
	c, _ := ir.AsConstant(d.Addr)
	return c.Int + d.Offset
}

func allZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// Size is the end of the allocated region.
func (s *Static) Size() int64 { return s.next }

// Used reports whether anything was allocated.
func (s *Static) Used() bool { return s.next > StaticBase }

func (s *Static) Segments() []Segment { return s.segments }

// Inits returns the runtime initializers in declaration order.
func (s *Static) Inits() []ir.Node { return s.inits }

package alloc

import (
	"github.com/xplshn/gbw/pkg/ir"
	"github.com/xplshn/gbw/pkg/layout"
	"github.com/xplshn/gbw/pkg/token"
	"github.com/xplshn/gbw/pkg/util"
	"github.com/xplshn/gbw/pkg/wasm"
)

// Locals is the slot pool of one function. Slots are typed; a released slot
// is only reused for a value of the same primitive kind.
type Locals struct {
	first  uint32
	params int
	types  []wasm.ValType
	free   map[wasm.ValType][]uint32
	live   map[uint32]bool
}

// NewLocals creates the pool of a function whose parameters have the given
// flattened kinds. Parameters take the first slots and are never recycled.
func NewLocals(params []wasm.ValType) *Locals {
	return &Locals{
		params: len(params),
		types:  append([]wasm.ValType(nil), params...),
		free:   make(map[wasm.ValType][]uint32),
		live:   make(map[uint32]bool),
	}
}

// Scratch returns a pool whose slots follow every slot l has created so far.
// Slots from the two pools never overlap as long as l stops growing.
func (l *Locals) Scratch() *Locals {
	return &Locals{
		first: l.first + uint32(len(l.types)),
		free:  make(map[wasm.ValType][]uint32),
		live:  make(map[uint32]bool),
	}
}

// Params returns the parameter slots, in order.
func (l *Locals) Params() []uint32 {
	slots := make([]uint32, l.params)
	for i := range slots {
		slots[i] = l.first + uint32(i)
	}
	return slots
}

// Alloc returns a register-backed value of layout lay over fresh or recycled slots.
func (l *Locals) Alloc(lay *layout.Layout) *ir.Local {
	return l.AllocAt(token.Token{}, lay)
}

func (l *Locals) AllocAt(tok token.Token, lay *layout.Layout) *ir.Local {
	kinds := lay.Flatten()
	slots := make([]uint32, len(kinds))
	for i, vt := range kinds {
		if free := l.free[vt]; len(free) > 0 {
			slots[i] = free[len(free)-1]
			l.free[vt] = free[:len(free)-1]
		} else {
			slots[i] = l.first + uint32(len(l.types))
			l.types = append(l.types, vt)
		}
		l.live[slots[i]] = true
	}
	return ir.NewLocal(tok, lay, slots)
}

// Release returns the slots of loc to the pool. Releasing a slot that is not
// live is a generator bug.
func (l *Locals) Release(loc *ir.Local) {
	for _, s := range loc.Slots {
		if !l.live[s] {
			util.Error(loc.Tok, "internal: local slot %d released twice", s)
		}
		delete(l.live, s)
		vt := l.types[s-l.first]
		l.free[vt] = append(l.free[vt], s)
	}
}

// Live is the number of slots currently allocated.
func (l *Locals) Live() int { return len(l.live) }

// Declared lists the kinds of the non-parameter slots, for the code entry.
func (l *Locals) Declared() []wasm.ValType { return l.types[l.params:] }

// Count is the total number of slots, parameters included.
func (l *Locals) Count() int { return len(l.types) }

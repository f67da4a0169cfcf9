// Package scope implements ordered, nested name bindings. Each Scope is one
// lexical level; lookups fall back to the parent chain. Iteration follows
// definition order, which struct layouts rely on for field order.
package scope

// Symbol is a single binding. Symbols of a level form a list in definition order.
type Symbol[V any] struct {
	Name  string
	Value V
	Next  *Symbol[V]
}

type Scope[V any] struct {
	Parent *Scope[V]
	first  *Symbol[V]
	last   *Symbol[V]
	index  map[string]*Symbol[V]
	count  int
}

func New[V any](parent *Scope[V]) *Scope[V] {
	return &Scope[V]{Parent: parent, index: make(map[string]*Symbol[V])}
}

// Define binds name in this level. Redefining a name already bound in this
// level replaces its value but keeps its original position.
func (s *Scope[V]) Define(name string, value V) *Symbol[V] {
	if sym, ok := s.index[name]; ok {
		sym.Value = value
		return sym
	}
	sym := &Symbol[V]{Name: name, Value: value}
	if s.last == nil {
		s.first = sym
	} else {
		s.last.Next = sym
	}
	s.last = sym
	s.index[name] = sym
	s.count++
	return sym
}

func (s *Scope[V]) findSymbol(name string, currentOnly bool) *Symbol[V] {
	for sc := s; sc != nil; sc = sc.Parent {
		if sym, ok := sc.index[name]; ok {
			return sym
		}
		if currentOnly {
			break
		}
	}
	return nil
}

// Lookup resolves name in this level or any enclosing one.
func (s *Scope[V]) Lookup(name string) (V, bool) {
	if sym := s.findSymbol(name, false); sym != nil {
		return sym.Value, true
	}
	var zero V
	return zero, false
}

func (s *Scope[V]) LookupLocal(name string) (V, bool) {
	if sym := s.findSymbol(name, true); sym != nil {
		return sym.Value, true
	}
	var zero V
	return zero, false
}

// Symbol returns the binding for name, searching enclosing levels too.
func (s *Scope[V]) Symbol(name string) *Symbol[V] { return s.findSymbol(name, false) }

// First returns the earliest binding of this level, or nil.
func (s *Scope[V]) First() *Symbol[V] { return s.first }

func (s *Scope[V]) Len() int { return s.count }

// Each visits this level's bindings in definition order.
func (s *Scope[V]) Each(fn func(i int, sym *Symbol[V])) {
	i := 0
	for sym := s.first; sym != nil; sym = sym.Next {
		fn(i, sym)
		i++
	}
}

func (s *Scope[V]) Names() []string {
	names := make([]string, 0, s.count)
	for sym := s.first; sym != nil; sym = sym.Next {
		names = append(names, sym.Name)
	}
	return names
}

// At returns the i-th binding of this level in definition order.
func (s *Scope[V]) At(i int) *Symbol[V] {
	for sym := s.first; sym != nil; sym = sym.Next {
		if i == 0 {
			return sym
		}
		i--
	}
	return nil
}

// Depth counts the levels from s up to the root, s included.
func (s *Scope[V]) Depth() int {
	n := 0
	for sc := s; sc != nil; sc = sc.Parent {
		n++
	}
	return n
}

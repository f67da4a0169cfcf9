package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefineKeepsOrder(t *testing.T) {
	s := New[int](nil)
	s.Define("b", 1)
	s.Define("a", 2)
	s.Define("c", 3)

	assert.Equal(t, []string{"b", "a", "c"}, s.Names())
	assert.Equal(t, 3, s.Len())
	require.NotNil(t, s.At(1))
	assert.Equal(t, "a", s.At(1).Name)
	assert.Nil(t, s.At(3))
}

func TestRedefineReplacesInPlace(t *testing.T) {
	s := New[int](nil)
	s.Define("x", 1)
	s.Define("y", 2)
	s.Define("x", 10)

	assert.Equal(t, []string{"x", "y"}, s.Names())
	v, ok := s.Lookup("x")
	assert.True(t, ok)
	assert.Equal(t, 10, v)
}

func TestLookupWalksParents(t *testing.T) {
	outer := New[string](nil)
	outer.Define("x", "outer")
	outer.Define("y", "outer")
	inner := New(outer)
	inner.Define("x", "inner")

	v, ok := inner.Lookup("x")
	assert.True(t, ok)
	assert.Equal(t, "inner", v)

	v, ok = inner.Lookup("y")
	assert.True(t, ok)
	assert.Equal(t, "outer", v)

	_, ok = inner.LookupLocal("y")
	assert.False(t, ok)

	_, ok = inner.Lookup("z")
	assert.False(t, ok)

	assert.Equal(t, 2, inner.Depth())
	assert.Same(t, outer.Symbol("y"), inner.Symbol("y"))
}

func TestEachVisitsInOrder(t *testing.T) {
	s := New[int](nil)
	for i, name := range []string{"p", "q", "r"} {
		s.Define(name, i*i)
	}

	var seen []int
	s.Each(func(i int, sym *Symbol[int]) {
		assert.Equal(t, s.At(i), sym)
		seen = append(seen, sym.Value)
	})
	assert.Equal(t, []int{0, 1, 4}, seen)
	assert.Equal(t, "p", s.First().Name)
}

package lattice_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wasmsentry/wasmsentry/internal/lattice"
)

func TestConstMeetSameAtomIsIdempotent(t *testing.T) {
	a := lattice.Some(42)
	assert.True(t, a.Equal(a.Meet(a)))
}

func TestConstMeetDifferentAtomsIsNone(t *testing.T) {
	a := lattice.Some(1)
	b := lattice.Some(2)
	got := a.Meet(b)
	assert.True(t, got.IsNone())
}

func TestConstMeetWithNoneIsNone(t *testing.T) {
	a := lattice.Some(7)
	n := lattice.None[int]()
	assert.True(t, a.Meet(n).IsNone())
	assert.True(t, n.Meet(a).IsNone())
}

func TestConstMeetCommutative(t *testing.T) {
	a := lattice.Some(3)
	b := lattice.Some(4)
	assert.True(t, a.Meet(b).Equal(b.Meet(a)))
}

func TestConstMeetAssociative(t *testing.T) {
	a := lattice.Some(1)
	b := lattice.Some(1)
	c := lattice.Some(1)
	left := a.Meet(b).Meet(c)
	right := a.Meet(b.Meet(c))
	assert.True(t, left.Equal(right))
}

func TestConstGetOnNone(t *testing.T) {
	n := lattice.None[string]()
	_, ok := n.Get()
	assert.False(t, ok)
}

func TestConstMustGetPanicsOnNone(t *testing.T) {
	n := lattice.None[string]()
	assert.Panics(t, func() { n.MustGet() })
}

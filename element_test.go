package grovedb

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, e *Element) *Element {
	t.Helper()
	raw, err := e.Serialize()
	require.NoError(t, err)
	decoded, err := DeserializeElement(raw)
	require.NoError(t, err)

	// Byte-exact round trip.
	raw2, err := decoded.Serialize()
	require.NoError(t, err)
	assert.Equal(t, raw, raw2)
	return decoded
}

func TestElementRoundTrips(t *testing.T) {
	items := []*Element{
		NewItem([]byte("value")),
		NewItem(nil),
		NewItemWithFlags([]byte("v"), []byte{0x01, 0x02}),
		NewSumItem(-42),
		NewItemWithSumItem([]byte("v"), 1234),
		NewTree(),
		NewSumTree(),
		NewBigSumTree(),
		NewCountTree(),
		NewCountSumTree(),
		NewProvableCountTree(),
		NewProvableCountSumTree(),
		NewReference(NewAbsoluteReference(Path{[]byte("users")}, []byte("alice")).WithMaxHop(5)),
		NewReference(NewSiblingReference([]byte("other"))),
		NewReference(NewCousinReference([]byte("parent2"))),
		NewReference(NewUpstreamRootHeightReference(2, [][]byte{[]byte("x"), []byte("y")})),
		{Type: ElementMMRTree, Count: 7},
		{Type: ElementDenseFixedTree, Capacity: 100, Count: 3},
		{Type: ElementCommitmentTree, Count: 1},
		{Type: ElementBulkAppendTree, Count: 9},
	}
	for _, e := range items {
		decoded := roundTrip(t, e)
		assert.Equal(t, e.Type, decoded.Type)
	}
}

func TestElementRoundTripPreservesFields(t *testing.T) {
	e := &Element{Type: ElementSumTree, RootKey: []byte("rk"), Sum: -5, Flags: []byte("meta")}
	d := roundTrip(t, e)
	assert.Equal(t, []byte("rk"), d.RootKey)
	assert.Equal(t, int64(-5), d.Sum)
	assert.Equal(t, []byte("meta"), d.Flags)

	big1 := new(big.Int).Lsh(big.NewInt(1), 100)
	e = &Element{Type: ElementBigSumTree, BigSum: new(big.Int).Neg(big1)}
	d = roundTrip(t, e)
	assert.Equal(t, 0, d.BigSum.Cmp(new(big.Int).Neg(big1)))
}

func TestElementUnknownDiscriminant(t *testing.T) {
	_, err := DeserializeElement([]byte{0xee, 0x00})
	assert.ErrorIs(t, err, ErrCorruptedData)
}

func TestElementTrailingBytesRejected(t *testing.T) {
	raw, err := NewItem([]byte("v")).Serialize()
	require.NoError(t, err)
	_, err = DeserializeElement(append(raw, 0x00))
	assert.ErrorIs(t, err, ErrCorruptedData)
}

func TestElementTruncatedRejected(t *testing.T) {
	raw, err := NewSumTree().Serialize()
	require.NoError(t, err)
	for i := 0; i < len(raw); i++ {
		_, err := DeserializeElement(raw[:i])
		assert.Error(t, err, "prefix of length %d decoded", i)
	}
}

func TestElementEmptyRejected(t *testing.T) {
	_, err := DeserializeElement(nil)
	assert.ErrorIs(t, err, ErrCorruptedData)
}

func TestElementPredicates(t *testing.T) {
	assert.True(t, NewTree().IsMerkTree())
	assert.True(t, NewSumTree().IsAnyTree())
	assert.False(t, NewItem(nil).IsAnyTree())
	assert.True(t, (&Element{Type: ElementMMRTree}).IsNonMerkTree())
	assert.False(t, (&Element{Type: ElementMMRTree}).IsMerkTree())
	assert.True(t, NewSumItem(1).IsItem())
	assert.True(t, NewReference(NewSiblingReference([]byte("k"))).IsReference())
}

func TestOwnAggregateContributions(t *testing.T) {
	assert.Equal(t, int64(100), NewSumItem(100).ownAggregate().Sum)
	assert.Equal(t, uint64(1), NewItem(nil).ownAggregate().Count)

	// A nested sum portal bubbles its committed sum upward.
	portal := &Element{Type: ElementSumTree, Sum: 77}
	assert.Equal(t, int64(77), portal.ownAggregate().Sum)

	counts := &Element{Type: ElementCountTree, Count: 12}
	assert.Equal(t, uint64(12), counts.ownAggregate().Count)
}

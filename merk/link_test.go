package merk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkStateTransitions(t *testing.T) {
	child := NewTreeNode(NewKV([]byte("c"), []byte("v"), BasicMerkNode), Aggregate{})
	require.NoError(t, child.computeHashes())

	// A fresh attachment is Modified with an invalid hash.
	l := NewModifiedLink(child)
	assert.True(t, l.IsModified())
	assert.False(t, l.IsPruned())
	assert.True(t, l.Hash().IsZero())
	assert.Equal(t, 1, l.pendingWritesForTest())

	// Commit settles it: Uncommitted carries the fresh hash, then a
	// prune collapses to a Reference keeping only metadata.
	l.state = linkUncommitted
	assert.Equal(t, child.NodeHash(), l.Hash())

	l.intoReference()
	assert.True(t, l.IsPruned())
	assert.Equal(t, []byte("c"), l.Key())
	assert.Equal(t, child.NodeHash(), l.Hash())
	assert.Equal(t, uint8(1), l.Height())
}

func (l *Link) pendingWritesForTest() int { return l.pendingWrites }

func TestPendingWritesCountNested(t *testing.T) {
	leaf := NewTreeNode(NewKV([]byte("a"), nil, BasicMerkNode), Aggregate{})
	mid := NewTreeNode(NewKV([]byte("b"), nil, BasicMerkNode), Aggregate{})
	mid.setLink(true, NewModifiedLink(leaf))
	top := NewModifiedLink(mid)

	// 1 for mid plus 1 pending below it.
	assert.Equal(t, 2, top.pendingWritesForTest())
}

func TestReferenceLinkCarriesAggregate(t *testing.T) {
	agg := Aggregate{Sum: 9, Count: 3}
	l := NewReferenceLink([]byte("k"), Hash{1}, [2]uint8{1, 2}, agg)
	assert.Equal(t, int64(9), l.Aggregate().Sum)
	assert.Equal(t, uint64(3), l.Aggregate().Count)
	assert.Equal(t, uint8(3), l.Height())
	assert.Nil(t, l.Tree())
}

func TestWalkerDetachAttach(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMerk(t)
	require.NoError(t, m.Apply(ctx, Batch{putEntry("a", "1"), putEntry("b", "2"), putEntry("c", "3")}))
	_, err := m.Commit(ctx)
	require.NoError(t, err)

	w := m.Walker()
	left, err := w.Detach(ctx, true)
	require.NoError(t, err)
	require.NotNil(t, left)
	assert.Nil(t, w.Tree().Link(true))

	// Re-attaching marks the side dirty again.
	w.Attach(true, left)
	require.NotNil(t, w.Tree().Link(true))
	assert.True(t, w.Tree().Link(true).IsModified())
}

package grovedb

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/private-tech-inc/go-grovedb/merk"
)

func seedUsers(t *testing.T, g *GroveDB) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, g.Insert(ctx, RootPath(), seg("users"), NewTree(), nil))
	for _, u := range []string{"u1", "u2", "u3"} {
		require.NoError(t, g.Insert(ctx, Path{seg("users")}, seg(u), NewTree(), nil))
		for i := 0; i < 2; i++ {
			require.NoError(t, g.Insert(ctx, Path{seg("users"), seg(u)},
				seg(fmt.Sprintf("d%d", i)), NewItem([]byte(u)), nil))
		}
	}
}

func TestQueryRightToLeft(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)
	require.NoError(t, g.Insert(ctx, RootPath(), seg("t"), NewTree(), nil))
	for i := 0; i < 10; i++ {
		require.NoError(t, g.Insert(ctx, Path{seg("t")}, seg(fmt.Sprintf("k%d", i)), NewItem(nil), nil))
	}

	q := NewQuery()
	q.InsertRangeFull()
	q.LeftToRight = false
	pq := NewPathQuery(Path{seg("t")}, NewSizedQuery(q).WithLimit(3))
	proof, err := g.ProveQuery(ctx, pq, nil)
	require.NoError(t, err)

	_, results, err := VerifyQuery(proof, pq)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, seg("k9"), results[0].Key)
	assert.Equal(t, seg("k7"), results[2].Key)
}

// Open question resolution: the parent tree consumes a limit slot
// when AddParentTreeOnSubquery is set.
func TestParentTreeConsumesLimitSlot(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)
	seedUsers(t, g)

	inner := NewQuery()
	inner.InsertRangeFull()
	q := NewQuery()
	q.InsertRangeFull()
	q.SetSubquery(inner)
	q.AddParentTreeOnSubquery = true

	pq := NewPathQuery(Path{seg("users")}, NewSizedQuery(q).WithLimit(3))
	proof, err := g.ProveQuery(ctx, pq, nil)
	require.NoError(t, err)
	_, results, err := VerifyQuery(proof, pq)
	require.NoError(t, err)

	// Slot 1: the u1 portal itself; slots 2-3: u1's two documents.
	require.Len(t, results, 3)
	assert.Equal(t, seg("u1"), results[0].Key)
	assert.Equal(t, ElementTree, results[0].Element.Type)
	assert.Equal(t, seg("d0"), results[1].Key)
	assert.Equal(t, seg("d1"), results[2].Key)
}

func TestConditionalSubqueryBranches(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)
	seedUsers(t, g)

	// Only u2 gets descended; other portals match no branch and the
	// default is absent, so they surface as direct results.
	inner := NewQuery()
	inner.InsertRangeFull()
	q := NewQuery()
	q.InsertRangeFull()
	q.AddConditionalSubquery(merk.NewKeyItem(seg("u2")), nil, inner)

	pq := NewPathQuery(Path{seg("users")}, NewSizedQuery(q))
	proof, err := g.ProveQuery(ctx, pq, nil)
	require.NoError(t, err)
	_, results, err := VerifyQuery(proof, pq)
	require.NoError(t, err)

	var keys []string
	for _, r := range results {
		keys = append(keys, string(r.Key))
	}
	assert.Equal(t, []string{"u1", "d0", "d1", "u3"}, keys)
}

func TestSubqueryKeyScopesDescent(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)

	require.NoError(t, g.Insert(ctx, RootPath(), seg("app"), NewTree(), nil))
	require.NoError(t, g.Insert(ctx, Path{seg("app")}, seg("inner"), NewTree(), nil))
	require.NoError(t, g.Insert(ctx, Path{seg("app"), seg("inner")}, seg("x"), NewItem([]byte("deep")), nil))
	require.NoError(t, g.Insert(ctx, Path{seg("app")}, seg("skip"), NewItem(nil), nil))

	// Descend into matched portals, but only under their "inner" key.
	leaf := NewQuery()
	leaf.InsertRangeFull()
	q := NewQuery()
	q.InsertKey(seg("app"))
	q.SetSubquery(leaf)
	q.SetSubqueryKey(seg("inner"))

	pq := NewPathQuery(RootPath(), NewSizedQuery(q))
	proof, err := g.ProveQuery(ctx, pq, nil)
	require.NoError(t, err)
	_, results, err := VerifyQuery(proof, pq)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, seg("x"), results[0].Key)
	assert.Equal(t, []byte("deep"), results[0].Element.Value)
}

func TestQueryItemForms(t *testing.T) {
	contains := func(q merk.QueryItem, key string) bool { return q.Contains([]byte(key)) }

	r := merk.NewRangeItem(seg("b"), seg("d"))
	assert.True(t, contains(r, "b"))
	assert.True(t, contains(r, "c"))
	assert.False(t, contains(r, "d"))

	ri := merk.NewRangeInclusiveItem(seg("b"), seg("d"))
	assert.True(t, contains(ri, "d"))

	ra := merk.NewRangeAfterItem(seg("b"))
	assert.False(t, contains(ra, "b"))
	assert.True(t, contains(ra, "c"))

	rat := merk.NewRangeAfterToItem(seg("b"), seg("d"))
	assert.False(t, contains(rat, "b"))
	assert.True(t, contains(rat, "c"))
	assert.False(t, contains(rat, "d"))

	rati := merk.NewRangeAfterToInclusiveItem(seg("b"), seg("d"))
	assert.True(t, contains(rati, "d"))

	rt := merk.NewRangeToItem(seg("d"))
	assert.True(t, contains(rt, "a"))
	assert.False(t, contains(rt, "d"))

	rti := merk.NewRangeToInclusiveItem(seg("d"))
	assert.True(t, contains(rti, "d"))

	rf := merk.NewRangeFromItem(seg("b"))
	assert.True(t, contains(rf, "b"))
	assert.False(t, contains(rf, "a"))

	full := merk.NewRangeFullItem()
	assert.True(t, contains(full, ""))
	assert.True(t, contains(full, "anything"))
}

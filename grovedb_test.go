package grovedb

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/private-tech-inc/go-grovedb/merk"
	"github.com/private-tech-inc/go-grovedb/storage/memory"
)

func newTestDB(t *testing.T) *GroveDB {
	t.Helper()
	g, err := Open(context.Background(), memory.NewEngine(), Options{})
	require.NoError(t, err)
	return g
}

// S1: insert, get, root changes, delete restores the empty root.
func TestInsertGetDeleteRoot(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)

	empty, err := g.RootHash(ctx, nil)
	require.NoError(t, err)
	assert.True(t, empty.IsZero())

	require.NoError(t, g.Insert(ctx, RootPath(), seg("k"), NewItem([]byte("v")), nil))

	e, err := g.Get(ctx, RootPath(), seg("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, ElementItem, e.Type)
	assert.Equal(t, []byte("v"), e.Value)

	root, err := g.RootHash(ctx, nil)
	require.NoError(t, err)
	assert.False(t, root.IsZero())

	require.NoError(t, g.Delete(ctx, RootPath(), seg("k"), nil))
	_, err = g.Get(ctx, RootPath(), seg("k"), nil)
	assert.ErrorIs(t, err, ErrPathKeyNotFound)

	root, err = g.RootHash(ctx, nil)
	require.NoError(t, err)
	assert.True(t, root.IsZero())
}

// S2: nested subtree portal, authenticated through two layers.
func TestNestedSubtree(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)

	require.NoError(t, g.Insert(ctx, RootPath(), seg("users"), NewTree(), nil))
	require.NoError(t, g.Insert(ctx, Path{seg("users")}, seg("alice"), NewItem([]byte("1")), nil))

	e, err := g.Get(ctx, Path{seg("users")}, seg("alice"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), e.Value)

	root, err := g.RootHash(ctx, nil)
	require.NoError(t, err)

	q := NewQuery()
	q.InsertKey(seg("alice"))
	pq := NewPathQuery(Path{seg("users")}, NewSizedQuery(q))
	proof, err := g.ProveQuery(ctx, pq, nil)
	require.NoError(t, err)

	gotRoot, results, err := VerifyQuery(proof, pq)
	require.NoError(t, err)
	assert.Equal(t, root, gotRoot)
	require.Len(t, results, 1)
	assert.Equal(t, []byte("1"), results[0].Element.Value)
	assert.True(t, results[0].Path.Equal(Path{seg("users")}))
}

// S3: sum aggregation visible on the portal element.
func TestSumTreeAggregation(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)

	require.NoError(t, g.Insert(ctx, RootPath(), seg("bal"), NewSumTree(), nil))
	require.NoError(t, g.Insert(ctx, Path{seg("bal")}, seg("a"), NewSumItem(100), nil))
	require.NoError(t, g.Insert(ctx, Path{seg("bal")}, seg("b"), NewSumItem(250), nil))

	portal, err := g.Get(ctx, RootPath(), seg("bal"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(350), portal.Sum)

	require.NoError(t, g.Delete(ctx, Path{seg("bal")}, seg("a"), nil))
	portal, err = g.Get(ctx, RootPath(), seg("bal"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(250), portal.Sum)
}

// S4: reference resolution and cycle rejection.
func TestReferenceResolution(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)

	require.NoError(t, g.Insert(ctx, RootPath(), seg("users"), NewTree(), nil))
	require.NoError(t, g.Insert(ctx, Path{seg("users")}, seg("alice"), NewItem([]byte("1")), nil))

	ref := NewReference(NewAbsoluteReference(Path{seg("users")}, seg("alice")).WithMaxHop(5))
	require.NoError(t, g.Insert(ctx, RootPath(), seg("alias"), ref, nil))

	resolved, err := g.ResolveReference(ctx, RootPath(), seg("alias"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), resolved.Element.Value)
	assert.True(t, resolved.Path.Equal(Path{seg("users")}))
	assert.Equal(t, seg("alice"), resolved.Key)

	// Resolving a terminal element yields itself.
	self, err := g.ResolveReference(ctx, Path{seg("users")}, seg("alice"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), self.Element.Value)

	// alias2 -> alias, then alias -> alias2 closes a cycle; the
	// rewrite is rejected when the chain revisits a target.
	ref2 := NewReference(NewAbsoluteReference(RootPath(), seg("alias")))
	require.NoError(t, g.Insert(ctx, RootPath(), seg("alias2"), ref2, nil))
	back := NewReference(NewAbsoluteReference(RootPath(), seg("alias2")))
	err = g.Insert(ctx, RootPath(), seg("alias"), back, nil)
	assert.ErrorIs(t, err, ErrCyclicReference)
}

func TestReferenceHopLimit(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)

	require.NoError(t, g.Insert(ctx, RootPath(), seg("t0"), NewItem([]byte("end")), nil))
	// Chain t3 -> t2 -> t1 -> t0.
	for i := 1; i <= 3; i++ {
		ref := NewReference(NewAbsoluteReference(RootPath(), seg(fmt.Sprintf("t%d", i-1))).WithMaxHop(3))
		require.NoError(t, g.Insert(ctx, RootPath(), seg(fmt.Sprintf("t%d", i)), ref, nil))
	}

	// Exactly MaxHop hops resolves.
	resolved, err := g.ResolveReference(ctx, RootPath(), seg("t3"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("end"), resolved.Element.Value)

	// One more link exceeds the budget.
	ref := NewReference(NewAbsoluteReference(RootPath(), seg("t3")).WithMaxHop(3))
	err = g.Insert(ctx, RootPath(), seg("t4"), ref, nil)
	assert.ErrorIs(t, err, ErrReferenceLimit)
}

func TestMissingReference(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)
	ref := NewReference(NewAbsoluteReference(RootPath(), seg("nope")))
	err := g.Insert(ctx, RootPath(), seg("r"), ref, nil)
	assert.ErrorIs(t, err, ErrMissingReference)
}

// Property 6: deleting a portal makes everything under it
// unreachable with PathParentLayerNotFound.
func TestDeleteSubtreeCascades(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)

	require.NoError(t, g.Insert(ctx, RootPath(), seg("a"), NewTree(), nil))
	require.NoError(t, g.Insert(ctx, Path{seg("a")}, seg("b"), NewTree(), nil))
	require.NoError(t, g.Insert(ctx, Path{seg("a"), seg("b")}, seg("x"), NewItem([]byte("v")), nil))
	require.NoError(t, g.Insert(ctx, Path{seg("a")}, seg("item"), NewItem([]byte("v")), nil))

	require.NoError(t, g.Delete(ctx, RootPath(), seg("a"), nil))

	_, err := g.Get(ctx, Path{seg("a")}, seg("item"), nil)
	assert.ErrorIs(t, err, ErrPathParentLayerNotFound)
	_, err = g.Get(ctx, Path{seg("a"), seg("b")}, seg("x"), nil)
	assert.ErrorIs(t, err, ErrPathParentLayerNotFound)

	root, err := g.RootHash(ctx, nil)
	require.NoError(t, err)
	assert.True(t, root.IsZero())
}

func TestDeleteSubtreeVariantCheck(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)
	require.NoError(t, g.Insert(ctx, RootPath(), seg("s"), NewSumTree(), nil))
	err := g.DeleteSubtree(ctx, RootPath(), seg("s"), ElementTree, nil)
	assert.ErrorIs(t, err, ErrInvalidElementType)
	require.NoError(t, g.DeleteSubtree(ctx, RootPath(), seg("s"), ElementSumTree, nil))
}

func TestOverwritingPortalWithDifferentVariantRejected(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)
	require.NoError(t, g.Insert(ctx, RootPath(), seg("t"), NewTree(), nil))
	err := g.Insert(ctx, RootPath(), seg("t"), NewSumTree(), nil)
	assert.ErrorIs(t, err, ErrInvalidElementType)
}

func TestTransactionIsolationAndRollback(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)

	require.NoError(t, g.Insert(ctx, RootPath(), seg("k"), NewItem([]byte("v1")), nil))
	before, err := g.RootHash(ctx, nil)
	require.NoError(t, err)

	tx := g.StartTransaction()
	require.NoError(t, g.Insert(ctx, RootPath(), seg("k"), NewItem([]byte("v2")), tx))

	// Outside the transaction the old value is visible.
	e, err := g.Get(ctx, RootPath(), seg("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), e.Value)

	// Inside it, the new one.
	e, err = g.Get(ctx, RootPath(), seg("k"), tx)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), e.Value)

	tx.Rollback()
	after, err := g.RootHash(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// Committing a fresh transaction lands the write.
	tx = g.StartTransaction()
	require.NoError(t, g.Insert(ctx, RootPath(), seg("k"), NewItem([]byte("v3")), tx))
	require.NoError(t, tx.Commit(ctx))
	e, err = g.Get(ctx, RootPath(), seg("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), e.Value)
}

func TestGetCachingOptional(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)
	require.NoError(t, g.Insert(ctx, RootPath(), seg("k"), NewItem([]byte("v1")), nil))

	e, err := g.GetCachingOptional(ctx, RootPath(), seg("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), e.Value)

	// A write invalidates the cached entry.
	require.NoError(t, g.Insert(ctx, RootPath(), seg("k"), NewItem([]byte("v2")), nil))
	e, err = g.GetCachingOptional(ctx, RootPath(), seg("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), e.Value)
}

func TestInsertIfNotExists(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)

	did, err := g.InsertIfNotExists(ctx, RootPath(), seg("k"), NewItem([]byte("v1")), nil)
	require.NoError(t, err)
	assert.True(t, did)

	did, err = g.InsertIfNotExists(ctx, RootPath(), seg("k"), NewItem([]byte("v2")), nil)
	require.NoError(t, err)
	assert.False(t, did)

	e, err := g.Get(ctx, RootPath(), seg("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), e.Value)
}

func TestIsEmptyTree(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)
	require.NoError(t, g.Insert(ctx, RootPath(), seg("t"), NewTree(), nil))

	empty, err := g.IsEmptyTree(ctx, Path{seg("t")}, nil)
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, g.Insert(ctx, Path{seg("t")}, seg("k"), NewItem(nil), nil))
	empty, err = g.IsEmptyTree(ctx, Path{seg("t")}, nil)
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestNestedSumTreesBubbleUp(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)

	require.NoError(t, g.Insert(ctx, RootPath(), seg("s"), NewSumTree(), nil))
	require.NoError(t, g.Insert(ctx, Path{seg("s")}, seg("inner"), NewSumTree(), nil))
	require.NoError(t, g.Insert(ctx, Path{seg("s")}, seg("a"), NewSumItem(10), nil))
	require.NoError(t, g.Insert(ctx, Path{seg("s"), seg("inner")}, seg("b"), NewSumItem(32), nil))

	portal, err := g.Get(ctx, RootPath(), seg("s"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), portal.Sum)
}

func TestCountTreeAggregation(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)

	require.NoError(t, g.Insert(ctx, RootPath(), seg("c"), NewCountTree(), nil))
	for i := 0; i < 7; i++ {
		require.NoError(t, g.Insert(ctx, Path{seg("c")}, seg(fmt.Sprintf("k%d", i)), NewItem(nil), nil))
	}
	portal, err := g.Get(ctx, RootPath(), seg("c"), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), portal.Count)
}

// S6: range proof over a populated subtree with a limit.
func TestRangeProofWithLimit(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)

	require.NoError(t, g.Insert(ctx, RootPath(), seg("t"), NewTree(), nil))
	var ops []BatchOp
	for i := 0; i < 1000; i++ {
		ops = append(ops, BatchOp{
			Kind: BatchInsertOrReplace, Path: Path{seg("t")},
			Key: seg(fmt.Sprintf("k%03d", i)), Element: NewItem([]byte(fmt.Sprintf("v%03d", i))),
		})
	}
	require.NoError(t, g.ApplyBatch(ctx, ops, nil))

	root, err := g.RootHash(ctx, nil)
	require.NoError(t, err)

	q := NewQuery()
	q.InsertRangeInclusive(seg("k100"), seg("k200"))
	pq := NewPathQuery(Path{seg("t")}, NewSizedQuery(q).WithLimit(50))
	proof, err := g.ProveQuery(ctx, pq, nil)
	require.NoError(t, err)

	gotRoot, results, err := VerifyQuery(proof, pq)
	require.NoError(t, err)
	assert.Equal(t, root, gotRoot)
	require.Len(t, results, 50)
	assert.Equal(t, seg("k100"), results[0].Key)
	assert.Equal(t, seg("k149"), results[49].Key)
}

func TestProofAbsentKeyBetweenNeighbors(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)
	require.NoError(t, g.Insert(ctx, RootPath(), seg("t"), NewTree(), nil))
	require.NoError(t, g.Insert(ctx, Path{seg("t")}, seg("a"), NewItem(nil), nil))
	require.NoError(t, g.Insert(ctx, Path{seg("t")}, seg("c"), NewItem(nil), nil))

	root, err := g.RootHash(ctx, nil)
	require.NoError(t, err)

	q := NewQuery()
	q.InsertKey(seg("b"))
	pq := NewPathQuery(Path{seg("t")}, NewSizedQuery(q))
	proof, err := g.ProveQuery(ctx, pq, nil)
	require.NoError(t, err)

	gotRoot, results, err := VerifyQuery(proof, pq)
	require.NoError(t, err)
	assert.Equal(t, root, gotRoot)
	assert.Empty(t, results)
}

func TestProofSubqueryDescent(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)

	require.NoError(t, g.Insert(ctx, RootPath(), seg("idx"), NewTree(), nil))
	for _, user := range []string{"u1", "u2"} {
		require.NoError(t, g.Insert(ctx, Path{seg("idx")}, seg(user), NewTree(), nil))
		for i := 0; i < 3; i++ {
			require.NoError(t, g.Insert(ctx, Path{seg("idx"), seg(user)},
				seg(fmt.Sprintf("d%d", i)), NewItem([]byte(user)), nil))
		}
	}

	root, err := g.RootHash(ctx, nil)
	require.NoError(t, err)

	inner := NewQuery()
	inner.InsertRangeFull()
	q := NewQuery()
	q.InsertRangeFull()
	q.SetSubquery(inner)

	pq := NewPathQuery(Path{seg("idx")}, NewSizedQuery(q))
	proof, err := g.ProveQuery(ctx, pq, nil)
	require.NoError(t, err)

	gotRoot, results, err := VerifyQuery(proof, pq)
	require.NoError(t, err)
	assert.Equal(t, root, gotRoot)
	assert.Len(t, results, 6)

	// The same query with a limit returns exactly that many.
	pq = NewPathQuery(Path{seg("idx")}, NewSizedQuery(q).WithLimit(4))
	proof, err = g.ProveQuery(ctx, pq, nil)
	require.NoError(t, err)
	_, results, err = VerifyQuery(proof, pq)
	require.NoError(t, err)
	assert.Len(t, results, 4)
}

func TestVerifyRejectsTamperedProof(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)
	require.NoError(t, g.Insert(ctx, RootPath(), seg("t"), NewTree(), nil))
	require.NoError(t, g.Insert(ctx, Path{seg("t")}, seg("k"), NewItem([]byte("v")), nil))

	root, err := g.RootHash(ctx, nil)
	require.NoError(t, err)

	q := NewQuery()
	q.InsertKey(seg("k"))
	pq := NewPathQuery(Path{seg("t")}, NewSizedQuery(q))
	proof, err := g.ProveQuery(ctx, pq, nil)
	require.NoError(t, err)

	// Flip one byte somewhere in the middle.
	tampered := append([]byte(nil), proof...)
	tampered[len(tampered)/2] ^= 0xff
	gotRoot, _, err := VerifyQuery(tampered, pq)
	if err == nil {
		assert.NotEqual(t, root, gotRoot)
	}

	_, _, err = VerifyQuery(nil, pq)
	assert.ErrorIs(t, err, ErrInvalidProof)
}

func TestProofVersionByte(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)
	require.NoError(t, g.Insert(ctx, RootPath(), seg("k"), NewItem([]byte("v")), nil))

	q := NewQuery()
	q.InsertKey(seg("k"))
	pq := NewPathQuery(RootPath(), NewSizedQuery(q))
	proof, err := g.ProveQuery(ctx, pq, nil)
	require.NoError(t, err)
	// All-merk layers stay on the compact v0 envelope.
	assert.Equal(t, byte(0), proof[0])

	proof[0] = 9
	_, _, err = VerifyQuery(proof, pq)
	assert.ErrorIs(t, err, ErrInvalidProof)
}

func TestRootHashChangesOnEveryMutation(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)

	seenRoots := map[merk.Hash]bool{}
	r, err := g.RootHash(ctx, nil)
	require.NoError(t, err)
	seenRoots[r] = true

	for i := 0; i < 5; i++ {
		require.NoError(t, g.Insert(ctx, RootPath(), seg(fmt.Sprintf("k%d", i)), NewItem([]byte{byte(i)}), nil))
		r, err := g.RootHash(ctx, nil)
		require.NoError(t, err)
		assert.False(t, seenRoots[r], "root repeated after mutation %d", i)
		seenRoots[r] = true
	}
}

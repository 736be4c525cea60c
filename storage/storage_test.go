package storage_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/private-tech-inc/go-grovedb/storage"
	"github.com/private-tech-inc/go-grovedb/storage/memory"
)

func testPrefix(b byte) []byte {
	p := make([]byte, storage.PrefixLen)
	for i := range p {
		p[i] = b
	}
	return p
}

func TestContextPrefixIsolation(t *testing.T) {
	ctx := context.Background()
	eng := memory.NewEngine()
	defer eng.Close()

	a := storage.NewContext(eng, testPrefix(0xaa))
	b := storage.NewContext(eng, testPrefix(0xbb))

	require.NoError(t, a.Put(ctx, storage.ColumnMain, []byte("k"), []byte("va")))
	require.NoError(t, b.Put(ctx, storage.ColumnMain, []byte("k"), []byte("vb")))

	va, err := a.Get(ctx, storage.ColumnMain, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("va"), va)

	vb, err := b.Get(ctx, storage.ColumnMain, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("vb"), vb)

	require.NoError(t, a.Delete(ctx, storage.ColumnMain, []byte("k")))
	_, err = a.Get(ctx, storage.ColumnMain, []byte("k"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = b.Get(ctx, storage.ColumnMain, []byte("k"))
	assert.NoError(t, err)
}

func TestColumnsAreDisjoint(t *testing.T) {
	ctx := context.Background()
	eng := memory.NewEngine()
	sc := storage.NewContext(eng, testPrefix(0x11))

	require.NoError(t, sc.Put(ctx, storage.ColumnMain, []byte("k"), []byte("main")))
	require.NoError(t, sc.Put(ctx, storage.ColumnAux, []byte("k"), []byte("aux")))

	v, err := sc.Get(ctx, storage.ColumnAux, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("aux"), v)

	v, err = sc.Get(ctx, storage.ColumnMain, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("main"), v)
}

func TestPrefixIteratorOrderedAndStripped(t *testing.T) {
	ctx := context.Background()
	eng := memory.NewEngine()
	sc := storage.NewContext(eng, testPrefix(0x22))
	other := storage.NewContext(eng, testPrefix(0x23))

	for i := 9; i >= 0; i-- {
		key := []byte(fmt.Sprintf("k%d", i))
		require.NoError(t, sc.Put(ctx, storage.ColumnMain, key, []byte("v")))
	}
	require.NoError(t, other.Put(ctx, storage.ColumnMain, []byte("zz"), []byte("other")))

	it, err := sc.Iterator(storage.ColumnMain)
	require.NoError(t, err)
	defer it.Close()
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Error())
	require.Len(t, keys, 10)
	for i, k := range keys {
		assert.Equal(t, fmt.Sprintf("k%d", i), k)
	}
}

func TestClearPrefix(t *testing.T) {
	ctx := context.Background()
	eng := memory.NewEngine()
	sc := storage.NewContext(eng, testPrefix(0x33))
	other := storage.NewContext(eng, testPrefix(0x44))

	for i := 0; i < 5; i++ {
		require.NoError(t, sc.Put(ctx, storage.ColumnMain, []byte(fmt.Sprintf("k%d", i)), []byte("v")))
	}
	require.NoError(t, other.Put(ctx, storage.ColumnMain, []byte("keep"), []byte("v")))

	n, err := sc.ClearPrefix(ctx, storage.ColumnMain)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = other.Get(ctx, storage.ColumnMain, []byte("keep"))
	assert.NoError(t, err)
}

func TestTxBuffersUntilCommit(t *testing.T) {
	ctx := context.Background()
	eng := memory.NewEngine()
	tx := storage.NewTx(eng)
	sc := storage.NewTransactionalContext(tx, testPrefix(0x55))
	direct := storage.NewContext(eng, testPrefix(0x55))

	require.NoError(t, sc.Put(ctx, storage.ColumnMain, []byte("k"), []byte("v")))

	// Visible inside the transaction, invisible outside.
	v, err := sc.Get(ctx, storage.ColumnMain, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	_, err = direct.Get(ctx, storage.ColumnMain, []byte("k"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, tx.Commit(ctx))
	v, err = direct.Get(ctx, storage.ColumnMain, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestTxRollbackDiscards(t *testing.T) {
	ctx := context.Background()
	eng := memory.NewEngine()
	tx := storage.NewTx(eng)
	sc := storage.NewTransactionalContext(tx, testPrefix(0x66))

	require.NoError(t, sc.Put(ctx, storage.ColumnMain, []byte("k"), []byte("v")))
	tx.Rollback()

	direct := storage.NewContext(eng, testPrefix(0x66))
	_, err := direct.Get(ctx, storage.ColumnMain, []byte("k"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// A finished transaction refuses further work.
	assert.ErrorIs(t, tx.Put(storage.ColumnMain, []byte("x"), nil), storage.ErrTxDone)
	assert.ErrorIs(t, tx.Commit(ctx), storage.ErrTxDone)
}

func TestTxMergedIterator(t *testing.T) {
	ctx := context.Background()
	eng := memory.NewEngine()
	base := storage.NewContext(eng, testPrefix(0x77))

	require.NoError(t, base.Put(ctx, storage.ColumnMain, []byte("a"), []byte("base-a")))
	require.NoError(t, base.Put(ctx, storage.ColumnMain, []byte("c"), []byte("base-c")))
	require.NoError(t, base.Put(ctx, storage.ColumnMain, []byte("e"), []byte("base-e")))

	tx := storage.NewTx(eng)
	sc := storage.NewTransactionalContext(tx, testPrefix(0x77))
	require.NoError(t, sc.Put(ctx, storage.ColumnMain, []byte("b"), []byte("tx-b")))
	require.NoError(t, sc.Put(ctx, storage.ColumnMain, []byte("c"), []byte("tx-c")))
	require.NoError(t, sc.Delete(ctx, storage.ColumnMain, []byte("e")))

	it, err := sc.Iterator(storage.ColumnMain)
	require.NoError(t, err)
	defer it.Close()

	got := map[string]string{}
	var order []string
	for it.Next() {
		got[string(it.Key())] = string(it.Value())
		order = append(order, string(it.Key()))
	}
	require.NoError(t, it.Error())

	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, "base-a", got["a"])
	assert.Equal(t, "tx-b", got["b"])
	assert.Equal(t, "tx-c", got["c"])
}

func TestEngineAtomicCommit(t *testing.T) {
	ctx := context.Background()
	eng := memory.NewEngine()

	ops := []storage.Op{
		{Column: storage.ColumnMain, Key: []byte("k1"), Value: []byte("v1")},
		{Column: storage.ColumnRoots, Key: []byte("k2"), Value: []byte("v2")},
		{Column: storage.ColumnMeta, Key: []byte("k3"), Value: []byte("v3")},
	}
	require.NoError(t, eng.Commit(ctx, ops))

	for _, op := range ops {
		v, err := eng.Get(ctx, op.Column, op.Key)
		require.NoError(t, err)
		assert.Equal(t, op.Value, v)
	}
}

package merk

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/private-tech-inc/go-grovedb/storage"
)

// Store is the node storage a Merk tree runs over. Implementations
// are expected to namespace keys per subtree; the tree itself never
// sees the namespace.
type Store interface {
	GetNode(ctx context.Context, key []byte) ([]byte, error)
	PutNode(ctx context.Context, key, value []byte) error
	DeleteNode(ctx context.Context, key []byte) error
	GetRootKey(ctx context.Context) ([]byte, error)
	SetRootKey(ctx context.Context, key []byte) error
	DeleteRootKey(ctx context.Context) error
}

// Merk is a lazily loaded, self-balancing authenticated key/value
// tree inside one subtree namespace.
type Merk struct {
	store Store
	root  *TreeNode
	fetch Fetcher

	// keys deleted since the last commit, cleared when their storage
	// deletes are emitted. Re-inserting a key rescinds its delete.
	deleted map[string]struct{}

	// KeepLoaded disables prune-to-reference after commit, keeping
	// committed nodes in memory.
	KeepLoaded bool
}

// Open loads a Merk over the given store. A missing root key yields
// an empty tree.
func Open(ctx context.Context, store Store) (*Merk, error) {
	m := &Merk{store: store, fetch: storeFetcher{store}, deleted: make(map[string]struct{})}
	rootKey, err := store.GetRootKey(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	root, err := m.fetch.FetchNode(ctx, rootKey)
	if err != nil {
		return nil, err
	}
	m.root = root
	return m, nil
}

// IsEmpty reports whether the tree has no nodes.
func (m *Merk) IsEmpty() bool { return m.root == nil }

// RootHash returns the tree's root hash; the zero hash for an empty
// tree. Stale until Commit after mutations.
func (m *Merk) RootHash() Hash {
	if m.root == nil {
		return NullHash
	}
	return m.root.nodeHash
}

// RootKey returns the key of the root node, or nil when empty.
func (m *Merk) RootKey() []byte {
	if m.root == nil {
		return nil
	}
	return m.root.KV.Key
}

// RootAggregate returns the whole tree's aggregate. Only valid after
// Commit.
func (m *Merk) RootAggregate() Aggregate {
	if m.root == nil {
		return Aggregate{}
	}
	return m.root.agg
}

// Get performs a binary descent for key, loading pruned links on
// demand. Returns the raw stored value.
func (m *Merk) Get(ctx context.Context, key []byte) ([]byte, error) {
	kv, err := m.getKV(ctx, key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKV returns the full KV at key, including its stored value hash
// and feature type.
func (m *Merk) GetKV(ctx context.Context, key []byte) (KV, error) {
	kv, err := m.getKV(ctx, key)
	if err != nil {
		return KV{}, err
	}
	return *kv, nil
}

func (m *Merk) getKV(ctx context.Context, key []byte) (*KV, error) {
	node := m.root
	for node != nil {
		cmp := bytes.Compare(key, node.KV.Key)
		if cmp == 0 {
			return &node.KV, nil
		}
		l := node.Link(cmp < 0)
		if l == nil {
			break
		}
		if l.tree != nil {
			node = l.tree
			continue
		}
		child, err := m.fetch.FetchNode(ctx, l.key)
		if err != nil {
			return nil, err
		}
		// Reference → Loaded.
		l.tree = child
		l.state = linkLoaded
		node = child
	}
	return nil, fmt.Errorf("%w: %x", ErrKeyNotFound, key)
}

// Has reports whether key exists.
func (m *Merk) Has(ctx context.Context, key []byte) (bool, error) {
	_, err := m.getKV(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Apply applies a sorted batch to the in-memory tree. Hashes stay
// stale until Commit.
func (m *Merk) Apply(ctx context.Context, batch Batch) error {
	if len(batch) == 0 {
		return nil
	}
	var w *Walker
	if m.root != nil {
		w = NewWalker(m.root, m.fetch)
	}
	out, deleted, err := Apply(ctx, w, batch, m.fetch)
	if err != nil {
		return err
	}
	if out == nil {
		m.root = nil
	} else {
		m.root = out.Tree()
	}
	for _, k := range deleted {
		m.deleted[string(k)] = struct{}{}
	}
	for _, e := range batch {
		if !e.isDelete() {
			delete(m.deleted, string(e.Key))
		}
	}
	return nil
}

// Commit recomputes hashes bottom-up for every dirty node, writes
// node payloads and the root key through the store, and prunes
// committed links back to references (unless KeepLoaded).
// Returns the new root hash.
func (m *Merk) Commit(ctx context.Context) (Hash, error) {
	for k := range m.deleted {
		if err := m.store.DeleteNode(ctx, []byte(k)); err != nil {
			return NullHash, err
		}
		delete(m.deleted, k)
	}
	if m.root == nil {
		if err := m.store.DeleteRootKey(ctx); err != nil {
			return NullHash, err
		}
		return NullHash, nil
	}
	c := Committer(storeCommitter{m.store})
	if m.KeepLoaded {
		c = keepLoadedCommitter{m.store}
	}
	if err := commitNode(ctx, m.root, c); err != nil {
		return NullHash, err
	}
	if err := m.store.SetRootKey(ctx, m.root.KV.Key); err != nil {
		return NullHash, err
	}
	if !m.KeepLoaded {
		// The root itself stays resident; its children collapsed to
		// references inside commitNode.
		m.pruneRootChildren()
	}
	return m.root.nodeHash, nil
}

type keepLoadedCommitter struct {
	store Store
}

func (c keepLoadedCommitter) Write(ctx context.Context, node *TreeNode) error {
	return storeCommitter{c.store}.Write(ctx, node)
}

func (c keepLoadedCommitter) Prune(*TreeNode) bool { return false }

func (m *Merk) pruneRootChildren() {
	for _, l := range []*Link{m.root.left, m.root.right} {
		if l != nil && l.tree != nil && l.state != linkModified {
			l.intoReference()
		}
	}
}

// Walker returns a walker over the current root for proof
// generation and inspection.
func (m *Merk) Walker() *Walker {
	if m.root == nil {
		return nil
	}
	return NewWalker(m.root, m.fetch)
}

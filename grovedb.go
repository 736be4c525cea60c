// Package grovedb is a hierarchical authenticated key/value store: a
// grove of independently rooted Merk subtrees addressed by path, all
// authenticated up to a single 32-byte state root.
package grovedb

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/private-tech-inc/go-grovedb/merk"
	"github.com/private-tech-inc/go-grovedb/storage"
)

const grovedbVersion = 1

var versionMetaKey = []byte("grovedb_version")

// Options configures a GroveDB handle.
type Options struct {
	// Logger defaults to the standard logrus logger.
	Logger *log.Logger
	// ElementCacheSize is the LRU capacity behind GetCachingOptional
	// (default 4096).
	ElementCacheSize int
	// ProofByteCap is kept on the handle; no handle operation reads
	// it. Static verification takes its cap from
	// VerifierOptions.ProofByteCap instead.
	ProofByteCap int
}

// GroveDB is a handle over a storage engine. A handle is owned by one
// logical flow of execution and carries at most one active
// transaction at a time.
type GroveDB struct {
	eng          storage.Engine
	logger       *log.Logger
	cache        *lru.Cache[string, []byte]
	proofByteCap int
}

// Transaction buffers a set of grove mutations for one atomic commit.
type Transaction struct {
	tx *storage.Tx
}

// Commit flushes the transaction atomically.
func (t *Transaction) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

// Rollback discards every buffered write.
func (t *Transaction) Rollback() { t.tx.Rollback() }

// Open binds a handle to an engine, initializing the version tag and
// the root subtree on first use.
func Open(ctx context.Context, eng storage.Engine, opts Options) (*GroveDB, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	cacheSize := opts.ElementCacheSize
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, err
	}
	g := &GroveDB{eng: eng, logger: logger, cache: cache, proofByteCap: opts.ProofByteCap}

	metaCtx := storage.NewContext(eng, nil)
	version, err := metaCtx.Get(ctx, storage.ColumnMeta, versionMetaKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if err := metaCtx.Put(ctx, storage.ColumnMeta, versionMetaKey, []byte{grovedbVersion}); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if len(version) != 1 || version[0] != grovedbVersion {
			return nil, fmt.Errorf("%w: on-disk version %v", ErrNotSupported, version)
		}
	}

	// The root subtree always exists.
	rootCtx := storage.NewContext(eng, RootPath().Prefix())
	if _, err := rootCtx.Get(ctx, storage.ColumnRoots, nil); errors.Is(err, storage.ErrNotFound) {
		if err := rootCtx.Put(ctx, storage.ColumnRoots, nil, nil); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return g, nil
}

// StartTransaction opens a transaction over the handle's engine.
func (g *GroveDB) StartTransaction() *Transaction {
	return &Transaction{tx: storage.NewTx(g.eng)}
}

// storageContext builds the storage view for a prefix, transactional
// when tx is non-nil.
func (g *GroveDB) storageContext(prefix []byte, tx *Transaction) *storage.Context {
	if tx != nil {
		return storage.NewTransactionalContext(tx.tx, prefix)
	}
	return storage.NewContext(g.eng, prefix)
}

// merkStore adapts a storage context to the merk node store. The
// roots value doubles as the subtree existence marker: present but
// empty means an existing, empty subtree.
type merkStore struct {
	sc *storage.Context
}

func (s merkStore) GetNode(ctx context.Context, key []byte) ([]byte, error) {
	return s.sc.Get(ctx, storage.ColumnMain, key)
}

func (s merkStore) PutNode(ctx context.Context, key, value []byte) error {
	return s.sc.Put(ctx, storage.ColumnMain, key, value)
}

func (s merkStore) DeleteNode(ctx context.Context, key []byte) error {
	return s.sc.Delete(ctx, storage.ColumnMain, key)
}

func (s merkStore) GetRootKey(ctx context.Context) ([]byte, error) {
	v, err := s.sc.Get(ctx, storage.ColumnRoots, nil)
	if err != nil {
		return nil, err
	}
	if len(v) == 0 {
		return nil, storage.ErrNotFound
	}
	return v, nil
}

func (s merkStore) SetRootKey(ctx context.Context, key []byte) error {
	return s.sc.Put(ctx, storage.ColumnRoots, nil, key)
}

func (s merkStore) DeleteRootKey(ctx context.Context) error {
	return s.sc.Put(ctx, storage.ColumnRoots, nil, nil)
}

// subtree is an opened Merk bound to its path and governing portal
// variant.
type subtree struct {
	path     Path
	treeType ElementType
	m        *merk.Merk
	sc       *storage.Context
}

func (s *subtree) feature() merk.FeatureType { return featureForTreeType(s.treeType) }

// openSubtree opens the Merk at path, verifying each layer exists.
// Missing layers, the target subtree itself included, yield
// ErrPathParentLayerNotFound.
func (g *GroveDB) openSubtree(ctx context.Context, path Path, tx *Transaction) (*subtree, error) {
	treeType := ElementTree
	if !path.IsRoot() {
		parentPath, seg := path.Parent()
		parentCtx := g.storageContext(parentPath.Prefix(), tx)
		if _, err := parentCtx.Get(ctx, storage.ColumnRoots, nil); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrPathParentLayerNotFound, parentPath)
			}
			return nil, err
		}
		pm, err := merk.Open(ctx, merkStore{parentCtx})
		if err != nil {
			return nil, err
		}
		raw, err := pm.Get(ctx, seg)
		if errors.Is(err, merk.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: no subtree %q under %s", ErrPathParentLayerNotFound, seg, parentPath)
		}
		if err != nil {
			return nil, err
		}
		elem, err := DeserializeElement(raw)
		if err != nil {
			return nil, err
		}
		if !elem.IsAnyTree() {
			return nil, fmt.Errorf("%w: %q is not a subtree", ErrInvalidElementType, seg)
		}
		if elem.IsNonMerkTree() {
			return nil, fmt.Errorf("%w: %q is a non-merk subtree", ErrNotSupported, seg)
		}
		treeType = elem.Type
	}
	sc := g.storageContext(path.Prefix(), tx)
	if _, err := sc.Get(ctx, storage.ColumnRoots, nil); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPathParentLayerNotFound, path)
		}
		return nil, err
	}
	m, err := merk.Open(ctx, merkStore{sc})
	if err != nil {
		return nil, err
	}
	return &subtree{path: path, treeType: treeType, m: m, sc: sc}, nil
}

// getElement reads the raw element at (path, key) without following
// references.
func (g *GroveDB) getElement(ctx context.Context, path Path, key []byte, tx *Transaction) (*Element, error) {
	st, err := g.openSubtree(ctx, path, tx)
	if err != nil {
		return nil, err
	}
	return st.getElement(ctx, key)
}

func (s *subtree) getElement(ctx context.Context, key []byte) (*Element, error) {
	raw, err := s.m.Get(ctx, key)
	if errors.Is(err, merk.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %q at %s", ErrPathKeyNotFound, key, s.path)
	}
	if err != nil {
		return nil, err
	}
	return DeserializeElement(raw)
}

// Get returns the element stored at (path, key). References are
// returned as-is; use ResolveReference to follow them.
func (g *GroveDB) Get(ctx context.Context, path Path, key []byte, tx *Transaction) (*Element, error) {
	return g.getElement(ctx, path, key, tx)
}

func cacheKey(prefix, key []byte) string {
	return string(prefix) + "\x00" + string(key)
}

// GetCachingOptional is Get backed by the handle's element cache.
// Transactional reads bypass the cache entirely.
func (g *GroveDB) GetCachingOptional(ctx context.Context, path Path, key []byte, tx *Transaction) (*Element, error) {
	if tx != nil {
		return g.getElement(ctx, path, key, tx)
	}
	ck := cacheKey(path.Prefix(), key)
	if raw, ok := g.cache.Get(ck); ok {
		return DeserializeElement(raw)
	}
	elem, err := g.getElement(ctx, path, key, nil)
	if err != nil {
		return nil, err
	}
	raw, err := elem.Serialize()
	if err != nil {
		return nil, err
	}
	g.cache.Add(ck, raw)
	return elem, nil
}

// RootHash returns the grove's state root: the root subtree's root
// hash, all-zero when empty.
func (g *GroveDB) RootHash(ctx context.Context, tx *Transaction) (merk.Hash, error) {
	st, err := g.openSubtree(ctx, RootPath(), tx)
	if err != nil {
		return merk.NullHash, err
	}
	return st.m.RootHash(), nil
}

// IsEmptyTree reports whether the subtree at path has no elements.
func (g *GroveDB) IsEmptyTree(ctx context.Context, path Path, tx *Transaction) (bool, error) {
	st, err := g.openSubtree(ctx, path, tx)
	if err != nil {
		return false, err
	}
	return st.m.IsEmpty(), nil
}

// entryForElement builds the merk batch entry inserting e at key in
// st, computing combined value hashes for portals and references.
func (g *GroveDB) entryForElement(ctx context.Context, st *subtree, key []byte, e *Element, tx *Transaction) (merk.BatchEntry, error) {
	feature := st.feature()
	switch {
	case e.IsAnyTree():
		// Guard against silently orphaning an existing subtree of a
		// different variant.
		if existing, err := st.getElement(ctx, key); err == nil {
			if existing.IsAnyTree() && existing.Type != e.Type {
				return merk.BatchEntry{}, fmt.Errorf("%w: subtree %q is %d, not %d", ErrInvalidElementType, key, existing.Type, e.Type)
			}
		} else if !errors.Is(err, ErrPathKeyNotFound) {
			return merk.BatchEntry{}, err
		}

		childRoot := merk.NullHash
		e.RootKey = nil
		if e.IsMerkTree() {
			childPath := st.path.Child(key)
			childCtx := g.storageContext(childPath.Prefix(), tx)
			if _, err := childCtx.Get(ctx, storage.ColumnRoots, nil); err == nil {
				cm, err := merk.Open(ctx, merkStore{childCtx})
				if err != nil {
					return merk.BatchEntry{}, err
				}
				childRoot = cm.RootHash()
				e.RootKey = cm.RootKey()
			} else if !errors.Is(err, storage.ErrNotFound) {
				return merk.BatchEntry{}, err
			} else if err := childCtx.Put(ctx, storage.ColumnRoots, nil, nil); err != nil {
				// First insert of this portal creates the namespace.
				return merk.BatchEntry{}, err
			}
		}
		raw, err := e.Serialize()
		if err != nil {
			return merk.BatchEntry{}, err
		}
		vh := merk.CombineHash(merk.ValueHash(raw), childRoot)
		return merk.BatchEntry{
			Key: key, Op: merk.OpPutWithValueHash, Value: raw,
			Feature: feature, ValueHash: &vh, Own: e.ownAggregate(),
		}, nil

	case e.IsReference():
		resolved, err := g.followReference(ctx, e.Ref, st.path, key, tx)
		if err != nil {
			return merk.BatchEntry{}, err
		}
		targetRaw, err := resolved.Element.Serialize()
		if err != nil {
			return merk.BatchEntry{}, err
		}
		raw, err := e.Serialize()
		if err != nil {
			return merk.BatchEntry{}, err
		}
		vh := merk.CombineHash(merk.ValueHash(raw), merk.ValueHash(targetRaw))
		return merk.BatchEntry{
			Key: key, Op: merk.OpPutWithValueHash, Value: raw,
			Feature: feature, ValueHash: &vh, Own: e.ownAggregate(),
		}, nil

	default:
		raw, err := e.Serialize()
		if err != nil {
			return merk.BatchEntry{}, err
		}
		return merk.BatchEntry{
			Key: key, Op: merk.OpPut, Value: raw,
			Feature: feature, Own: e.ownAggregate(),
		}, nil
	}
}

// Insert stores an element at (path, key) and reflows hashes to the
// state root. Without a caller transaction the operation runs in an
// internal one, so a failing insert leaves no partial writes.
func (g *GroveDB) Insert(ctx context.Context, path Path, key []byte, e *Element, tx *Transaction) error {
	if tx == nil {
		atx := g.StartTransaction()
		if err := g.Insert(ctx, path, key, e, atx); err != nil {
			atx.Rollback()
			return err
		}
		return atx.Commit(ctx)
	}
	st, err := g.openSubtree(ctx, path, tx)
	if err != nil {
		return err
	}
	entry, err := g.entryForElement(ctx, st, key, e, tx)
	if err != nil {
		return err
	}
	if err := st.m.Apply(ctx, merk.Batch{entry}); err != nil {
		return err
	}
	if _, err := st.m.Commit(ctx); err != nil {
		return err
	}
	g.cache.Remove(cacheKey(path.Prefix(), key))
	g.logger.WithFields(log.Fields{"path": path.String(), "key": fmt.Sprintf("%x", key)}).Debug("insert")
	return g.propagateUp(ctx, st, tx)
}

// InsertIfNotExists inserts only when the key is absent. Returns
// whether an insert happened.
func (g *GroveDB) InsertIfNotExists(ctx context.Context, path Path, key []byte, e *Element, tx *Transaction) (bool, error) {
	_, err := g.getElement(ctx, path, key, tx)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrPathKeyNotFound) {
		return false, err
	}
	return true, g.Insert(ctx, path, key, e, tx)
}

// Delete removes the element at (path, key). Deleting a subtree
// portal cascades over the whole child namespace.
func (g *GroveDB) Delete(ctx context.Context, path Path, key []byte, tx *Transaction) error {
	return g.deleteInternal(ctx, path, key, tx, nil)
}

// DeleteSubtree removes a subtree portal, checking it has the
// expected variant first.
func (g *GroveDB) DeleteSubtree(ctx context.Context, path Path, key []byte, variant ElementType, tx *Transaction) error {
	return g.deleteInternal(ctx, path, key, tx, &variant)
}

func (g *GroveDB) deleteInternal(ctx context.Context, path Path, key []byte, tx *Transaction, variant *ElementType) error {
	if tx == nil {
		atx := g.StartTransaction()
		if err := g.deleteInternal(ctx, path, key, atx, variant); err != nil {
			atx.Rollback()
			return err
		}
		return atx.Commit(ctx)
	}
	st, err := g.openSubtree(ctx, path, tx)
	if err != nil {
		return err
	}
	elem, err := st.getElement(ctx, key)
	if err != nil {
		return err
	}
	if variant != nil && elem.Type != *variant {
		return fmt.Errorf("%w: %q is %d, not %d", ErrInvalidElementType, key, elem.Type, *variant)
	}
	op := merk.OpDelete
	if elem.IsAnyTree() {
		op = merk.OpDeleteLayered
		if err := g.clearSubtree(ctx, path.Child(key), tx, elem.Type); err != nil {
			return err
		}
		// The cascade purges whole namespaces; drop cached elements
		// wholesale rather than tracking them per prefix.
		g.cache.Purge()
	}
	entry := merk.BatchEntry{Key: key, Op: op}
	if err := st.m.Apply(ctx, merk.Batch{entry}); err != nil {
		return err
	}
	if _, err := st.m.Commit(ctx); err != nil {
		return err
	}
	g.cache.Remove(cacheKey(path.Prefix(), key))
	return g.propagateUp(ctx, st, tx)
}

// clearSubtree deletes every column entry under the subtree's
// namespace, recursing into nested portals first. Non-Merk variants
// run their engine's deletion hook.
func (g *GroveDB) clearSubtree(ctx context.Context, path Path, tx *Transaction, variant ElementType) error {
	sc := g.storageContext(path.Prefix(), tx)
	if eng, ok := nonMerkEngine(variant); ok {
		return eng.DeleteSubtree(ctx, sc)
	}
	if (&Element{Type: variant}).IsNonMerkTree() {
		// No engine registered: the namespace holds opaque variant
		// data, clear it without decoding.
		if _, err := sc.ClearPrefix(ctx, storage.ColumnMain); err != nil {
			return err
		}
		if _, err := sc.ClearPrefix(ctx, storage.ColumnAux); err != nil {
			return err
		}
		return sc.Delete(ctx, storage.ColumnRoots, nil)
	}
	it, err := sc.Iterator(storage.ColumnMain)
	if err != nil {
		return err
	}
	type nestedPortal struct {
		path    Path
		variant ElementType
	}
	var nested []nestedPortal
	for it.Next() {
		node, err := merk.DecodeNode(it.Key(), it.Value())
		if err != nil {
			it.Close()
			return err
		}
		elem, err := DeserializeElement(node.KV.Value)
		if err != nil {
			it.Close()
			return err
		}
		if elem.IsAnyTree() {
			nested = append(nested, nestedPortal{path: path.Child(node.KV.Key), variant: elem.Type})
		}
	}
	if err := it.Error(); err != nil {
		it.Close()
		return err
	}
	if err := it.Close(); err != nil {
		return err
	}
	for _, n := range nested {
		if err := g.clearSubtree(ctx, n.path, tx, n.variant); err != nil {
			return err
		}
	}
	if _, err := sc.ClearPrefix(ctx, storage.ColumnMain); err != nil {
		return err
	}
	if _, err := sc.ClearPrefix(ctx, storage.ColumnAux); err != nil {
		return err
	}
	return sc.Delete(ctx, storage.ColumnRoots, nil)
}

// propagateUp rewrites each ancestor's portal element with the
// committed child's root key, root hash and aggregate, recomputing
// hashes up to the state root.
func (g *GroveDB) propagateUp(ctx context.Context, child *subtree, tx *Transaction) error {
	childPath := child.path
	childRootHash := child.m.RootHash()
	childRootKey := child.m.RootKey()
	childAgg := child.m.RootAggregate()

	for !childPath.IsRoot() {
		parentPath, seg := childPath.Parent()
		parent, err := g.openSubtree(ctx, parentPath, tx)
		if err != nil {
			return err
		}
		elem, err := parent.getElement(ctx, seg)
		if err != nil {
			return err
		}
		if !elem.IsAnyTree() {
			return fmt.Errorf("%w: propagating through non-subtree %q", ErrInvalidElementType, seg)
		}
		elem.RootKey = childRootKey
		elem.applyChildAggregate(childAgg)
		raw, err := elem.Serialize()
		if err != nil {
			return err
		}
		vh := merk.CombineHash(merk.ValueHash(raw), childRootHash)
		entry := merk.BatchEntry{
			Key: seg, Op: merk.OpPutWithValueHash, Value: raw,
			Feature: parent.feature(), ValueHash: &vh, Own: elem.ownAggregate(),
		}
		if err := parent.m.Apply(ctx, merk.Batch{entry}); err != nil {
			return err
		}
		if _, err := parent.m.Commit(ctx); err != nil {
			return err
		}
		g.cache.Remove(cacheKey(parentPath.Prefix(), seg))

		childPath = parentPath
		childRootHash = parent.m.RootHash()
		childRootKey = parent.m.RootKey()
		childAgg = parent.m.RootAggregate()
	}
	return nil
}

// applyChildAggregate folds a committed child subtree's aggregate
// into the portal element's own fields.
func (e *Element) applyChildAggregate(agg merk.Aggregate) {
	switch e.Type {
	case ElementSumTree:
		e.Sum = agg.Sum
	case ElementBigSumTree:
		e.BigSum = agg.BigSum
	case ElementCountTree, ElementProvableCountTree:
		e.Count = agg.Count
	case ElementCountSumTree, ElementProvableCountSumTree:
		e.Count = agg.Count
		e.Sum = agg.Sum
	}
}

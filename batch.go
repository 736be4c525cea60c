package grovedb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/private-tech-inc/go-grovedb/merk"
	"github.com/private-tech-inc/go-grovedb/storage"
)

// BatchOpKind selects what a batch operation does to its target.
type BatchOpKind byte

const (
	// BatchInsertOnly inserts; an existing target is an error.
	BatchInsertOnly BatchOpKind = iota
	// BatchInsertOrReplace inserts or overwrites.
	BatchInsertOrReplace
	// BatchReplace overwrites; a missing target or a variant
	// mismatch is an error.
	BatchReplace
	// BatchPatch applies a byte delta to the stored element bytes.
	BatchPatch
	// BatchRefreshReference recomputes a reference's combined value
	// hash against its current target.
	BatchRefreshReference
	// BatchDelete removes the target (cascading for portals).
	BatchDelete
	// BatchDeleteTree removes a subtree portal after checking its
	// variant.
	BatchDeleteTree
	// BatchNonMerkAppend appends values to a non-Merk subtree. Key is
	// nil; the subtree is Path's last segment.
	BatchNonMerkAppend

	// refreshChildRoot is produced internally by propagation: rewrite
	// a portal with its committed child's root.
	refreshChildRoot
)

// BatchOp is one qualified operation of a grove batch.
type BatchOp struct {
	Kind        BatchOpKind
	Path        Path
	Key         []byte
	Element     *Element    // insert / replace
	Patch       []byte      // BatchPatch delta
	TreeVariant ElementType // BatchDeleteTree expectation
	Values      [][]byte    // BatchNonMerkAppend payloads

	// set during validation, consumed during apply
	valueHash *merk.Hash // precomputed combined hash for references
	own       *merk.Aggregate
	newValue  []byte // patched element bytes
}

// subtreeBatch groups the operations hitting one subtree.
type subtreeBatch struct {
	path Path
	ops  []*BatchOp
}

// batchPlan is the outcome of validation: per-subtree groups plus
// the subtrees the batch itself creates (whose portals are not yet
// on disk when their content is applied).
type batchPlan struct {
	groups  map[string]*subtreeBatch
	created map[string]ElementType
}

// ApplyBatch validates and applies a heterogeneous multi-subtree
// batch atomically: every operation lands or none does. With a nil
// transaction an internal one is created and committed; with a
// caller transaction the batch is buffered and the caller commits.
func (g *GroveDB) ApplyBatch(ctx context.Context, ops []BatchOp, tx *Transaction) error {
	if len(ops) == 0 {
		return nil
	}
	atx := tx
	ownTx := false
	if atx == nil {
		atx = g.StartTransaction()
		ownTx = true
	}

	err := g.applyBatchInner(ctx, ops, atx)
	if err != nil {
		if ownTx {
			atx.Rollback()
		}
		return err
	}
	if ownTx {
		if err := atx.Commit(ctx); err != nil {
			return err
		}
	}
	g.cache.Purge()
	return nil
}

func (g *GroveDB) applyBatchInner(ctx context.Context, ops []BatchOp, atx *Transaction) error {
	plan, err := g.validateBatch(ctx, ops, atx)
	if err != nil {
		return err
	}
	return g.applyPlan(ctx, plan, atx)
}

// validateBatch stable-sorts, groups per subtree, and type-checks
// every operation against the pre-batch state plus in-batch puts.
// No writes happen here.
func (g *GroveDB) validateBatch(ctx context.Context, ops []BatchOp, atx *Transaction) (*batchPlan, error) {
	sorted := make([]*BatchOp, len(ops))
	for i := range ops {
		sorted[i] = &ops[i]
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := sorted[i].Path.String(), sorted[j].Path.String()
		if pi != pj {
			return pi < pj
		}
		return bytes.Compare(sorted[i].Key, sorted[j].Key) < 0
	})

	plan := &batchPlan{
		groups:  make(map[string]*subtreeBatch),
		created: make(map[string]ElementType),
	}

	// In-batch puts, visible to reference resolution, existence
	// checks and path traversal. Deletes shadow with a nil entry.
	puts := make(map[string]*Element)
	putView := func(ctx context.Context, path Path, key []byte) (*Element, error) {
		if e, ok := puts[cacheKey(path.Prefix(), key)]; ok {
			if e == nil {
				return nil, fmt.Errorf("%w: %q deleted in batch", ErrPathKeyNotFound, key)
			}
			return e, nil
		}
		return g.getElement(ctx, path, key, atx)
	}

	// pathExists walks the layers through the in-batch view so ops
	// may target subtrees the same batch creates.
	pathExists := func(path Path) error {
		for i := range path {
			elem, err := putView(ctx, Path(path[:i]), path[i])
			if err != nil {
				if errors.Is(err, ErrPathKeyNotFound) || errors.Is(err, ErrPathParentLayerNotFound) {
					return fmt.Errorf("%w: %s", ErrPathParentLayerNotFound, Path(path[:i+1]))
				}
				return err
			}
			if !elem.IsAnyTree() {
				return fmt.Errorf("%w: %q is not a subtree", ErrInvalidElementType, path[i])
			}
		}
		return nil
	}

	seen := make(map[string]struct{})
	var refOps []*BatchOp
	for _, op := range sorted {
		if op.Kind == BatchNonMerkAppend {
			if op.Key != nil {
				return nil, fmt.Errorf("%w: non-merk append carries a key", ErrInvalidInput)
			}
			if op.Path.IsRoot() {
				return nil, fmt.Errorf("%w: non-merk append at root", ErrInvalidInput)
			}
			parentPath, seg := op.Path.Parent()
			if err := pathExists(parentPath); err != nil {
				return nil, err
			}
			elem, err := putView(ctx, parentPath, seg)
			if err != nil {
				return nil, err
			}
			if !elem.IsNonMerkTree() {
				return nil, fmt.Errorf("%w: append target %q is not a non-merk subtree", ErrInvalidElementType, seg)
			}
			if _, ok := nonMerkEngine(elem.Type); !ok {
				return nil, fmt.Errorf("%w: no engine for variant %d", ErrNotSupported, elem.Type)
			}
			plan.addToGroup(op.Path, op)
			continue
		}

		if err := pathExists(op.Path); err != nil {
			return nil, err
		}

		ck := cacheKey(op.Path.Prefix(), op.Key)
		if _, dup := seen[ck]; dup {
			return nil, fmt.Errorf("%w: duplicate op for %s/%x", ErrInvalidInput, op.Path, op.Key)
		}
		seen[ck] = struct{}{}

		existing, err := putView(ctx, op.Path, op.Key)
		exists := err == nil
		if err != nil && !errors.Is(err, ErrPathKeyNotFound) {
			return nil, err
		}

		switch op.Kind {
		case BatchInsertOnly, BatchInsertOrReplace, BatchReplace:
			if op.Element == nil {
				return nil, fmt.Errorf("%w: insert without element", ErrInvalidInput)
			}
		}

		switch op.Kind {
		case BatchInsertOnly:
			if exists {
				return nil, fmt.Errorf("%w: %s/%x already exists", ErrInvalidInput, op.Path, op.Key)
			}
		case BatchInsertOrReplace:
			if exists && existing.IsAnyTree() && (!op.Element.IsAnyTree() || existing.Type != op.Element.Type) {
				return nil, fmt.Errorf("%w: overwriting subtree %x", ErrInvalidElementType, op.Key)
			}
		case BatchReplace:
			if !exists {
				return nil, fmt.Errorf("%w: replace of missing %s/%x", ErrPathKeyNotFound, op.Path, op.Key)
			}
			if existing.Type != op.Element.Type {
				return nil, fmt.Errorf("%w: replace changes variant %d to %d", ErrInvalidElementType, existing.Type, op.Element.Type)
			}
		case BatchPatch:
			if !exists {
				return nil, fmt.Errorf("%w: patch of missing %s/%x", ErrPathKeyNotFound, op.Path, op.Key)
			}
			raw, err := existing.Serialize()
			if err != nil {
				return nil, err
			}
			patched, err := merk.ApplyPatch(raw, op.Patch)
			if err != nil {
				return nil, err
			}
			newElem, err := DeserializeElement(patched)
			if err != nil {
				return nil, fmt.Errorf("%w: patch result does not decode", ErrInvalidInput)
			}
			if newElem.Type != existing.Type {
				return nil, fmt.Errorf("%w: patch changes element variant", ErrInvalidInput)
			}
			op.newValue = patched
			own := newElem.ownAggregate()
			op.own = &own
			puts[ck] = newElem
		case BatchRefreshReference:
			if !exists || !existing.IsReference() {
				return nil, fmt.Errorf("%w: refresh target is not a reference", ErrInvalidElementType)
			}
			op.Element = existing
		case BatchDelete, BatchDeleteTree:
			if !exists {
				return nil, fmt.Errorf("%w: delete of missing %s/%x", ErrPathKeyNotFound, op.Path, op.Key)
			}
			if op.Kind == BatchDeleteTree && existing.Type != op.TreeVariant {
				return nil, fmt.Errorf("%w: subtree is %d, not %d", ErrInvalidElementType, existing.Type, op.TreeVariant)
			}
			if existing.IsAnyTree() {
				op.Kind = BatchDeleteTree
				op.TreeVariant = existing.Type
			}
			puts[ck] = nil
		default:
			return nil, fmt.Errorf("%w: unknown batch op %d", ErrInvalidInput, op.Kind)
		}

		if op.Element != nil && op.Element.IsReference() {
			refOps = append(refOps, op)
		}

		if op.Element != nil && op.Kind != BatchRefreshReference {
			puts[ck] = op.Element
			if op.Element.IsMerkTree() && !exists {
				childPrefix := string(op.Path.Child(op.Key).Prefix())
				plan.created[childPrefix] = op.Element.Type
			}
		}
		plan.addToGroup(op.Path, op)
	}

	// References bind their target's bytes into the combined value
	// hash. Resolution runs after the whole batch is collected so a
	// reference sees every in-batch put, wherever it sorted.
	for _, op := range refOps {
		resolved, err := followReferenceWith(ctx, putView, op.Element.Ref, op.Path, op.Key)
		if err != nil {
			return nil, err
		}
		targetRaw, err := resolved.Element.Serialize()
		if err != nil {
			return nil, err
		}
		refRaw, err := op.Element.Serialize()
		if err != nil {
			return nil, err
		}
		vh := merk.CombineHash(merk.ValueHash(refRaw), merk.ValueHash(targetRaw))
		op.valueHash = &vh
	}
	return plan, nil
}

func (p *batchPlan) addToGroup(path Path, op *BatchOp) {
	key := string(path.Prefix())
	grp, ok := p.groups[key]
	if !ok {
		grp = &subtreeBatch{path: path.Clone()}
		p.groups[key] = grp
	}
	grp.ops = append(grp.ops, op)
}

// addRefresh queues a child-root refresh unless the parent group
// already carries an explicit op for the portal key (that op reads
// the committed child state itself).
func (p *batchPlan) addRefresh(path Path, key []byte) {
	gk := string(path.Prefix())
	if grp, ok := p.groups[gk]; ok {
		for _, op := range grp.ops {
			if bytes.Equal(op.Key, key) {
				return
			}
		}
	}
	p.addToGroup(path, &BatchOp{Kind: refreshChildRoot, Path: path.Clone(), Key: key})
}

// openBatchSubtree opens a subtree during apply. Subtrees created by
// this batch have no portal on disk yet; their namespace is opened
// directly with the variant recorded at validation.
func (g *GroveDB) openBatchSubtree(ctx context.Context, path Path, plan *batchPlan, atx *Transaction) (*subtree, error) {
	prefix := path.Prefix()
	if variant, ok := plan.created[string(prefix)]; ok {
		sc := g.storageContext(prefix, atx)
		if _, err := sc.Get(ctx, storage.ColumnRoots, nil); errors.Is(err, storage.ErrNotFound) {
			if err := sc.Put(ctx, storage.ColumnRoots, nil, nil); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}
		m, err := merk.Open(ctx, merkStore{sc})
		if err != nil {
			return nil, err
		}
		return &subtree{path: path, treeType: variant, m: m, sc: sc}, nil
	}
	return g.openSubtree(ctx, path, atx)
}

// applyPlan opens each affected subtree once, applies its merk
// batch, commits, and feeds propagation ops to the parent group.
// Groups run leaf-to-root so child roots are final before parents
// read them.
func (g *GroveDB) applyPlan(ctx context.Context, plan *batchPlan, atx *Transaction) error {
	// Non-merk appends run first against the data columns, then turn
	// into portal refreshes handled by the standard machinery. The
	// group list is snapshotted because preprocessing adds refresh
	// groups.
	initial := make([]*subtreeBatch, 0, len(plan.groups))
	for _, grp := range plan.groups {
		initial = append(initial, grp)
	}
	for _, grp := range initial {
		if err := g.preprocessNonMerk(ctx, grp, plan, atx); err != nil {
			return err
		}
	}

	maxDepth := 0
	for _, grp := range plan.groups {
		if d := len(grp.path); d > maxDepth {
			maxDepth = d
		}
	}
	for depth := maxDepth; depth >= 0; depth-- {
		var level []*subtreeBatch
		for _, grp := range plan.groups {
			if len(grp.path) == depth && len(grp.ops) > 0 {
				level = append(level, grp)
			}
		}
		sort.Slice(level, func(i, j int) bool {
			return level[i].path.String() < level[j].path.String()
		})
		for _, grp := range level {
			if err := g.applyGroup(ctx, grp, plan, atx); err != nil {
				return err
			}
		}
	}
	return nil
}

// preprocessNonMerk extracts append ops, executes them through the
// registered engine, and replaces them with a synthetic portal
// refresh in the parent's group.
func (g *GroveDB) preprocessNonMerk(ctx context.Context, grp *subtreeBatch, plan *batchPlan, atx *Transaction) error {
	var kept []*BatchOp
	var values [][]byte
	for _, op := range grp.ops {
		if op.Kind != BatchNonMerkAppend {
			kept = append(kept, op)
			continue
		}
		values = append(values, op.Values...)
	}
	if len(values) == 0 {
		return nil
	}
	parentPath, seg := grp.path.Parent()
	elem, err := g.getElement(ctx, parentPath, seg, atx)
	if err != nil {
		return err
	}
	eng, ok := nonMerkEngine(elem.Type)
	if !ok {
		return fmt.Errorf("%w: no engine for variant %d", ErrNotSupported, elem.Type)
	}
	sc := g.storageContext(grp.path.Prefix(), atx)
	newRoot, newElem, err := eng.Append(ctx, sc, elem, values)
	if err != nil {
		return err
	}
	grp.ops = kept

	raw, err := newElem.Serialize()
	if err != nil {
		return err
	}
	vh := merk.CombineHash(merk.ValueHash(raw), newRoot)
	plan.addToGroup(parentPath, &BatchOp{
		Kind:      BatchInsertOrReplace,
		Path:      parentPath.Clone(),
		Key:       seg,
		Element:   newElem,
		valueHash: &vh,
	})
	return nil
}

// applyGroup turns a subtree's ops into one sorted merk batch,
// applies and commits it, and queues the portal refresh upward.
func (g *GroveDB) applyGroup(ctx context.Context, grp *subtreeBatch, plan *batchPlan, atx *Transaction) error {
	st, err := g.openBatchSubtree(ctx, grp.path, plan, atx)
	if err != nil {
		return err
	}
	var mb merk.Batch
	for _, op := range grp.ops {
		entry, err := g.entryForBatchOp(ctx, st, op, plan, atx)
		if err != nil {
			return err
		}
		mb = append(mb, entry)
	}
	mb.Sort()
	if err := st.m.Apply(ctx, mb); err != nil {
		return err
	}
	if _, err := st.m.Commit(ctx); err != nil {
		return err
	}
	g.logger.WithFields(log.Fields{"path": grp.path.String(), "ops": len(grp.ops)}).Debug("batch subtree applied")

	if grp.path.IsRoot() {
		return nil
	}
	parentPath, seg := grp.path.Parent()
	plan.addRefresh(parentPath, seg)
	return nil
}

// entryForBatchOp lowers a validated grove op to a merk batch entry.
func (g *GroveDB) entryForBatchOp(ctx context.Context, st *subtree, op *BatchOp, plan *batchPlan, atx *Transaction) (merk.BatchEntry, error) {
	switch op.Kind {
	case BatchInsertOnly, BatchInsertOrReplace, BatchReplace:
		if op.valueHash != nil {
			raw, err := op.Element.Serialize()
			if err != nil {
				return merk.BatchEntry{}, err
			}
			return merk.BatchEntry{
				Key: op.Key, Op: merk.OpPutWithValueHash, Value: raw,
				Feature: st.feature(), ValueHash: op.valueHash, Own: op.Element.ownAggregate(),
			}, nil
		}
		return g.entryForElement(ctx, st, op.Key, op.Element, atx)

	case BatchPatch:
		own := merk.Aggregate{}
		if op.own != nil {
			own = *op.own
		}
		return merk.BatchEntry{
			Key: op.Key, Op: merk.OpPut, Value: op.newValue,
			Feature: st.feature(), Own: own,
		}, nil

	case BatchRefreshReference:
		raw, err := op.Element.Serialize()
		if err != nil {
			return merk.BatchEntry{}, err
		}
		return merk.BatchEntry{
			Key: op.Key, Op: merk.OpPutWithValueHash, Value: raw,
			Feature: st.feature(), ValueHash: op.valueHash, Own: op.Element.ownAggregate(),
		}, nil

	case BatchDelete:
		return merk.BatchEntry{Key: op.Key, Op: merk.OpDelete}, nil

	case BatchDeleteTree:
		if err := g.clearSubtree(ctx, st.path.Child(op.Key), atx, op.TreeVariant); err != nil {
			return merk.BatchEntry{}, err
		}
		return merk.BatchEntry{Key: op.Key, Op: merk.OpDeleteLayered}, nil

	case refreshChildRoot:
		childPath := st.path.Child(op.Key)
		child, err := g.openBatchSubtree(ctx, childPath, plan, atx)
		if err != nil {
			return merk.BatchEntry{}, err
		}
		elem, err := st.getElement(ctx, op.Key)
		if err != nil {
			return merk.BatchEntry{}, err
		}
		elem.RootKey = child.m.RootKey()
		elem.applyChildAggregate(child.m.RootAggregate())
		raw, err := elem.Serialize()
		if err != nil {
			return merk.BatchEntry{}, err
		}
		vh := merk.CombineHash(merk.ValueHash(raw), child.m.RootHash())
		return merk.BatchEntry{
			Key: op.Key, Op: merk.OpPutWithValueHash, Value: raw,
			Feature: st.feature(), ValueHash: &vh, Own: elem.ownAggregate(),
		}, nil

	default:
		return merk.BatchEntry{}, fmt.Errorf("%w: unexpected op kind %d in apply", ErrInvalidInput, op.Kind)
	}
}

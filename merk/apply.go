package merk

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// OpKind selects what a batch entry does to its key.
type OpKind byte

const (
	// OpPut inserts or overwrites the value at the key.
	OpPut OpKind = iota
	// OpPutWithValueHash is OpPut with an explicit value hash,
	// used for subtree portals and references whose value hash is a
	// combined hash.
	OpPutWithValueHash
	// OpReplace overwrites an existing key; missing key is an error.
	OpReplace
	// OpPatch applies a byte delta to the existing value in place.
	OpPatch
	// OpDelete removes the key; missing key is an error.
	OpDelete
	// OpDeleteLayered removes a key holding a subtree portal. The
	// tree treats it like OpDelete; callers use the distinction to
	// cascade namespace deletion.
	OpDeleteLayered
)

// BatchEntry is one operation of a sorted batch.
type BatchEntry struct {
	Key       []byte
	Op        OpKind
	Value     []byte
	Feature   FeatureType
	ValueHash *Hash     // OpPutWithValueHash only
	Own       Aggregate // the entry's own aggregate contribution
}

// Batch is a list of entries sorted strictly ascending by key.
type Batch []BatchEntry

// Sort sorts the batch by key. Callers constructing batches in
// arbitrary order should sort before Apply.
func (b Batch) Sort() {
	sort.Slice(b, func(i, j int) bool {
		return bytes.Compare(b[i].Key, b[j].Key) < 0
	})
}

func (b Batch) checkSorted() error {
	for i := 1; i < len(b); i++ {
		if bytes.Compare(b[i-1].Key, b[i].Key) >= 0 {
			return fmt.Errorf("%w: batch keys not strictly sorted at %d", ErrInvalidInput, i)
		}
	}
	return nil
}

func (e *BatchEntry) isDelete() bool {
	return e.Op == OpDelete || e.Op == OpDeleteLayered
}

// ApplyPatch interprets delta as a sequence of
// (offset uvarint, length uvarint, replacement bytes) records and
// applies them to a copy of value. Records must stay inside the
// existing value; growing an element is rejected.
func ApplyPatch(value, delta []byte) ([]byte, error) {
	out := append([]byte(nil), value...)
	r := bytes.NewReader(delta)
	for r.Len() > 0 {
		off, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: bad patch offset", ErrInvalidInput)
		}
		length, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: bad patch length", ErrInvalidInput)
		}
		if off+length > uint64(len(out)) {
			return nil, fmt.Errorf("%w: patch outside value bounds", ErrInvalidInput)
		}
		if _, err := io.ReadFull(r, out[off:off+length]); err != nil {
			return nil, fmt.Errorf("%w: truncated patch bytes", ErrInvalidInput)
		}
	}
	return out, nil
}

// Apply applies a sorted batch to the subtree owned by w (which may
// be nil for an empty subtree) and returns the new subtree root plus
// the keys whose nodes were deleted. The resulting tree is balanced
// but uncommitted: hashes are stale until Commit.
func Apply(ctx context.Context, w *Walker, batch Batch, fetch Fetcher) (*Walker, [][]byte, error) {
	if err := batch.checkSorted(); err != nil {
		return nil, nil, err
	}
	var deleted [][]byte
	out, err := applyTo(ctx, w, batch, fetch, &deleted)
	if err != nil {
		return nil, nil, err
	}
	return out, deleted, nil
}

func applyTo(ctx context.Context, w *Walker, batch Batch, fetch Fetcher, deleted *[][]byte) (*Walker, error) {
	if len(batch) == 0 {
		return w, nil
	}
	if w == nil || w.Tree() == nil {
		return buildFromSorted(batch, fetch, deleted)
	}
	node := w.Tree()
	idx := sort.Search(len(batch), func(i int) bool {
		return bytes.Compare(batch[i].Key, node.KV.Key) >= 0
	})
	exact := idx < len(batch) && bytes.Equal(batch[idx].Key, node.KV.Key)

	if exact {
		e := batch[idx]
		if e.isDelete() {
			return applyDelete(ctx, w, batch, idx, fetch, deleted)
		}
		if err := applyToNode(node, e); err != nil {
			return nil, err
		}
	}

	leftBatch := batch[:idx]
	rightBatch := batch[idx:]
	if exact {
		rightBatch = batch[idx+1:]
	}
	return recurse(ctx, w, leftBatch, rightBatch, fetch, deleted)
}

func applyToNode(node *TreeNode, e BatchEntry) error {
	switch e.Op {
	case OpPut:
		node.KV = NewKV(node.KV.Key, e.Value, e.Feature)
		node.Own = e.Own
	case OpPutWithValueHash:
		node.KV = NewKVWithValueHash(node.KV.Key, e.Value, e.Feature, *e.ValueHash)
		node.Own = e.Own
	case OpReplace:
		node.KV = NewKV(node.KV.Key, e.Value, e.Feature)
		node.Own = e.Own
	case OpPatch:
		patched, err := ApplyPatch(node.KV.Value, e.Value)
		if err != nil {
			return err
		}
		node.KV = NewKV(node.KV.Key, patched, node.KV.FeatureType)
		node.Own = e.Own
	default:
		return fmt.Errorf("%w: unknown op %d", ErrInvalidInput, e.Op)
	}
	node.hashValid = false
	return nil
}

// applyDelete removes the node at batch[idx], promotes a replacement
// from the taller child, applies the remaining batch halves, and
// rebalances.
func applyDelete(ctx context.Context, w *Walker, batch Batch, idx int, fetch Fetcher, deleted *[][]byte) (*Walker, error) {
	node := w.Tree()
	*deleted = append(*deleted, append([]byte(nil), node.KV.Key...))

	left, err := w.Detach(ctx, true)
	if err != nil {
		return nil, err
	}
	right, err := w.Detach(ctx, false)
	if err != nil {
		return nil, err
	}

	var promoted *Walker
	switch {
	case left == nil && right == nil:
		promoted = nil
	case left == nil:
		promoted = right
		right = nil
	case right == nil:
		promoted = left
		left = nil
	default:
		lh, rh := left.Tree().Height(), right.Tree().Height()
		if lh > rh {
			// Promote the in-order predecessor from the taller side.
			var pred *Walker
			left, pred, err = popLast(ctx, left)
			if err != nil {
				return nil, err
			}
			promoted = pred
		} else {
			var succ *Walker
			right, succ, err = popFirst(ctx, right)
			if err != nil {
				return nil, err
			}
			promoted = succ
		}
		promoted.Attach(true, left)
		promoted.Attach(false, right)
		promoted.Tree().hashValid = false
		if promoted, err = maybeBalance(ctx, promoted); err != nil {
			return nil, err
		}
		left, right = nil, nil
	}

	// The promoted node's key differs from the deleted one, so the
	// remaining entries are re-split against it rather than reusing
	// the halves around the old key.
	merged := append(append(Batch{}, batch[:idx]...), batch[idx+1:]...)
	return applyTo(ctx, promoted, merged, fetch, deleted)
}

// popFirst removes and returns the leftmost node of the subtree.
// Returns the remaining subtree and the detached node (childless).
func popFirst(ctx context.Context, w *Walker) (*Walker, *Walker, error) {
	left, err := w.Detach(ctx, true)
	if err != nil {
		return nil, nil, err
	}
	if left == nil {
		right, err := w.Detach(ctx, false)
		if err != nil {
			return nil, nil, err
		}
		w.Tree().hashValid = false
		return right, w, nil
	}
	rest, first, err := popFirst(ctx, left)
	if err != nil {
		return nil, nil, err
	}
	w.Attach(true, rest)
	w.Tree().hashValid = false
	balanced, err := maybeBalance(ctx, w)
	if err != nil {
		return nil, nil, err
	}
	return balanced, first, nil
}

// popLast removes and returns the rightmost node of the subtree.
func popLast(ctx context.Context, w *Walker) (*Walker, *Walker, error) {
	right, err := w.Detach(ctx, false)
	if err != nil {
		return nil, nil, err
	}
	if right == nil {
		left, err := w.Detach(ctx, true)
		if err != nil {
			return nil, nil, err
		}
		w.Tree().hashValid = false
		return left, w, nil
	}
	rest, last, err := popLast(ctx, right)
	if err != nil {
		return nil, nil, err
	}
	w.Attach(false, rest)
	w.Tree().hashValid = false
	balanced, err := maybeBalance(ctx, w)
	if err != nil {
		return nil, nil, err
	}
	return balanced, last, nil
}

// recurse applies the batch halves to the children and rebalances.
func recurse(ctx context.Context, w *Walker, leftBatch, rightBatch Batch, fetch Fetcher, deleted *[][]byte) (*Walker, error) {
	if len(leftBatch) > 0 {
		child, err := w.Detach(ctx, true)
		if err != nil {
			return nil, err
		}
		child, err = applyTo(ctx, child, leftBatch, fetch, deleted)
		if err != nil {
			return nil, err
		}
		w.Attach(true, child)
	}
	if len(rightBatch) > 0 {
		child, err := w.Detach(ctx, false)
		if err != nil {
			return nil, err
		}
		child, err = applyTo(ctx, child, rightBatch, fetch, deleted)
		if err != nil {
			return nil, err
		}
		w.Attach(false, child)
	}
	w.Tree().hashValid = false
	return maybeBalance(ctx, w)
}

// buildFromSorted constructs a perfectly balanced subtree from a
// sorted batch of puts: midpoint as root, recurse on the halves.
// Delete, replace and patch entries fail with ErrKeyNotFound, since
// the subtree they target is empty.
func buildFromSorted(batch Batch, fetch Fetcher, deleted *[][]byte) (*Walker, error) {
	live := batch[:0:0]
	for _, e := range batch {
		if e.isDelete() {
			return nil, fmt.Errorf("%w: deleting %x from empty subtree", ErrKeyNotFound, e.Key)
		}
		if e.Op == OpReplace || e.Op == OpPatch {
			return nil, fmt.Errorf("%w: %x missing for replace", ErrKeyNotFound, e.Key)
		}
		live = append(live, e)
	}
	return buildMid(live, fetch)
}

func buildMid(batch Batch, fetch Fetcher) (*Walker, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	mid := len(batch) / 2
	e := batch[mid]
	var kv KV
	if e.Op == OpPutWithValueHash {
		kv = NewKVWithValueHash(e.Key, e.Value, e.Feature, *e.ValueHash)
	} else {
		kv = NewKV(e.Key, e.Value, e.Feature)
	}
	node := NewTreeNode(kv, e.Own)
	w := &Walker{tree: node, fetch: fetch}
	left, err := buildMid(batch[:mid], fetch)
	if err != nil {
		return nil, err
	}
	right, err := buildMid(batch[mid+1:], fetch)
	if err != nil {
		return nil, err
	}
	w.Attach(true, left)
	w.Attach(false, right)
	return w, nil
}

// maybeBalance restores the AVL invariant at w after child updates.
func maybeBalance(ctx context.Context, w *Walker) (*Walker, error) {
	bf := w.Tree().BalanceFactor()
	if bf >= -1 && bf <= 1 {
		return w, nil
	}
	left := bf < 0
	// Double rotation when the heavy child leans the other way.
	childLink := w.Tree().Link(left)
	ch := childLink.ChildHeights()
	childBF := int(ch[1]) - int(ch[0])
	if (left && childBF > 0) || (!left && childBF < 0) {
		child, err := w.Detach(ctx, left)
		if err != nil {
			return nil, err
		}
		child, err = rotate(ctx, child, !left)
		if err != nil {
			return nil, err
		}
		w.Attach(left, child)
	}
	return rotate(ctx, w, left)
}

// rotate lifts the child on the given side to the root. rotate with
// left=true is a right rotation.
func rotate(ctx context.Context, w *Walker, left bool) (*Walker, error) {
	child, err := w.Detach(ctx, left)
	if err != nil {
		return nil, err
	}
	grandchild, err := child.Detach(ctx, !left)
	if err != nil {
		return nil, err
	}
	w.Attach(left, grandchild)
	w.Tree().hashValid = false
	balanced, err := maybeBalance(ctx, w)
	if err != nil {
		return nil, err
	}
	child.Attach(!left, balanced)
	child.Tree().hashValid = false
	return maybeBalance(ctx, child)
}

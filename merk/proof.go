package merk

import (
	"bytes"
	"context"
	"fmt"
	"sort"
)

// DerefFunc resolves a reference element to its target bytes. It
// returns the dereferenced value, the hash of the reference element
// itself, and whether the value was a reference at all. Supplied by
// the grove layer, which can follow cross-subtree references.
type DerefFunc func(key, value []byte) ([]byte, Hash, bool)

// ProveOptions configures proof generation for a set of query items.
type ProveOptions struct {
	// RightToLeft proves in descending key order.
	RightToLeft bool
	// Limit caps how many matched elements are revealed in full.
	Limit *uint16
	// Offset skips matched elements; skipped matches are revealed as
	// digests so the verifier can account for them.
	Offset *uint16
	// Deref materializes reference targets into the proof.
	Deref DerefFunc
}

// ProofResult carries the generated op stream plus the limit and
// offset remaining after generation, which drive multi-layer proofs.
type ProofResult struct {
	Ops    []ProofOp
	Limit  *uint16
	Offset *uint16
}

type revealKind byte

const (
	revealFull revealKind = iota + 1
	revealDigest
)

type proveState struct {
	reveal map[string]revealKind
	keys   [][]byte // every revealed key, sorted ascending
	limit  *uint16
	offset *uint16
	done   bool
}

func (s *proveState) limitExhausted() bool {
	return s.limit != nil && *s.limit == 0
}

// Prove generates a stack-machine proof for the query items against
// the committed tree. Items may overlap; a key matched by several
// items is classified and revealed once.
func (m *Merk) Prove(ctx context.Context, items []QueryItem, opts ProveOptions) (*ProofResult, error) {
	items = append([]QueryItem(nil), items...)
	SortQueryItems(items)

	st := &proveState{reveal: make(map[string]revealKind)}
	if opts.Limit != nil {
		l := *opts.Limit
		st.limit = &l
	}
	if opts.Offset != nil {
		o := *opts.Offset
		st.offset = &o
	}

	if m.root == nil {
		return &ProofResult{Limit: st.limit, Offset: st.offset}, nil
	}

	if err := m.classify(ctx, m.root, items, opts.RightToLeft, st); err != nil {
		return nil, err
	}
	if err := m.addBoundaries(ctx, items, st); err != nil {
		return nil, err
	}

	for k := range st.reveal {
		st.keys = append(st.keys, []byte(k))
	}
	sort.Slice(st.keys, func(i, j int) bool {
		return bytes.Compare(st.keys[i], st.keys[j]) < 0
	})

	ops, err := m.emit(ctx, m.root, st.keys, st, opts)
	if err != nil {
		return nil, err
	}
	return &ProofResult{Ops: ops, Limit: st.limit, Offset: st.offset}, nil
}

// loadLink resolves a link's child tree, fetching on demand and
// caching it as Loaded.
func (m *Merk) loadLink(ctx context.Context, l *Link) (*TreeNode, error) {
	if l.tree != nil {
		return l.tree, nil
	}
	child, err := m.fetch.FetchNode(ctx, l.key)
	if err != nil {
		return nil, err
	}
	l.tree = child
	l.state = linkLoaded
	return child, nil
}

// classify walks the tree in query order, consuming offset and limit
// slots and recording how each matched key will be revealed.
func (m *Merk) classify(ctx context.Context, node *TreeNode, items []QueryItem, rtl bool, st *proveState) error {
	if node == nil || st.done {
		return nil
	}
	key := node.KV.Key
	var below, at, above bool
	for _, it := range items {
		if it.Contains(key) {
			at = true
		}
		if it.overlapsBelow(key) {
			below = true
		}
		if it.overlapsAbove(key) {
			above = true
		}
	}
	first, second := below, above
	firstLeft, secondLeft := true, false
	if rtl {
		first, second = above, below
		firstLeft, secondLeft = false, true
	}
	if first {
		if err := m.classifyChild(ctx, node, firstLeft, items, rtl, st); err != nil {
			return err
		}
	}
	if st.done {
		return nil
	}
	if at {
		switch {
		case st.offset != nil && *st.offset > 0:
			*st.offset--
			st.reveal[string(key)] = revealDigest
		case st.limitExhausted():
			st.done = true
			return nil
		default:
			st.reveal[string(key)] = revealFull
			if st.limit != nil {
				*st.limit--
			}
		}
	}
	if second {
		return m.classifyChild(ctx, node, secondLeft, items, rtl, st)
	}
	return nil
}

func (m *Merk) classifyChild(ctx context.Context, node *TreeNode, left bool, items []QueryItem, rtl bool, st *proveState) error {
	l := node.Link(left)
	if l == nil {
		return nil
	}
	child, err := m.loadLink(ctx, l)
	if err != nil {
		return err
	}
	return m.classify(ctx, child, items, rtl, st)
}

// addBoundaries reveals the predecessor and successor of every query
// bound as digests, so the verifier can prove absence and range
// completeness.
func (m *Merk) addBoundaries(ctx context.Context, items []QueryItem, st *proveState) error {
	if st.limitExhausted() {
		return nil
	}
	addDigest := func(key []byte) {
		if key == nil {
			return
		}
		if _, ok := st.reveal[string(key)]; !ok {
			st.reveal[string(key)] = revealDigest
		}
	}
	for _, it := range items {
		lo, hi := it.halfOpen()
		if lo != nil {
			// Greatest key strictly below the range.
			pred, err := m.findAdjacent(ctx, lo, true)
			if err != nil {
				return err
			}
			addDigest(pred)
		}
		if hi != nil {
			// Least key at or above the range's open end.
			succ, err := m.findAdjacent(ctx, hi, false)
			if err != nil {
				return err
			}
			addDigest(succ)
		}
	}
	return nil
}

// findAdjacent returns the greatest key < bound (pred=true) or the
// least key >= bound (pred=false), or nil at the tree edge.
func (m *Merk) findAdjacent(ctx context.Context, bound []byte, pred bool) ([]byte, error) {
	var best []byte
	node := m.root
	for node != nil {
		cmp := bytes.Compare(node.KV.Key, bound)
		var goLeft bool
		if pred {
			if cmp < 0 {
				best = node.KV.Key
				goLeft = false
			} else {
				goLeft = true
			}
		} else {
			if cmp >= 0 {
				best = node.KV.Key
				goLeft = true
			} else {
				goLeft = false
			}
		}
		l := node.Link(goLeft)
		if l == nil {
			return best, nil
		}
		child, err := m.loadLink(ctx, l)
		if err != nil {
			return nil, err
		}
		node = child
	}
	return best, nil
}

// emit produces the op stream for the subtree rooted at node given
// the sorted reveal keys that fall inside it.
func (m *Merk) emit(ctx context.Context, node *TreeNode, keys [][]byte, st *proveState, opts ProveOptions) ([]ProofOp, error) {
	key := node.KV.Key
	idx := sort.Search(len(keys), func(i int) bool {
		return bytes.Compare(keys[i], key) >= 0
	})
	exact := idx < len(keys) && bytes.Equal(keys[idx], key)
	leftKeys := keys[:idx]
	rightKeys := keys[idx:]
	if exact {
		rightKeys = keys[idx+1:]
	}

	push, pushKind := ProofOpPush, ProofOpParent
	childKind := ProofOpChild
	if opts.RightToLeft {
		push, pushKind = ProofOpPushInverted, ProofOpParentInverted
		childKind = ProofOpChildInverted
	}

	self := ProofOp{Op: push, Node: m.proofNodeFor(node, exact, st, opts)}

	firstKeys, secondKeys := leftKeys, rightKeys
	firstLeft := true
	if opts.RightToLeft {
		firstKeys, secondKeys = rightKeys, leftKeys
		firstLeft = false
	}

	var ops []ProofOp
	firstOps, err := m.emitSide(ctx, node, firstLeft, firstKeys, st, opts)
	if err != nil {
		return nil, err
	}
	ops = append(ops, firstOps...)
	ops = append(ops, self)
	if len(firstOps) > 0 {
		ops = append(ops, ProofOp{Op: pushKind})
	}
	secondOps, err := m.emitSide(ctx, node, !firstLeft, secondKeys, st, opts)
	if err != nil {
		return nil, err
	}
	if len(secondOps) > 0 {
		ops = append(ops, secondOps...)
		ops = append(ops, ProofOp{Op: childKind})
	}
	return ops, nil
}

// emitSide emits the child subtree on one side: full recursion when
// reveal keys live there, an opaque hash otherwise.
func (m *Merk) emitSide(ctx context.Context, node *TreeNode, left bool, keys [][]byte, st *proveState, opts ProveOptions) ([]ProofOp, error) {
	l := node.Link(left)
	if l == nil {
		if len(keys) > 0 {
			return nil, fmt.Errorf("%w: reveal key beyond tree edge", ErrInvalidInput)
		}
		return nil, nil
	}
	push := ProofOpPush
	if opts.RightToLeft {
		push = ProofOpPushInverted
	}
	if len(keys) == 0 {
		n := ProofNode{Kind: ProofNodeHash, Hash: l.Hash()}
		if node.KV.FeatureType.countInNodeHash() {
			n.Kind = ProofNodeHashCount
			n.Count = l.Aggregate().Count
		}
		return []ProofOp{{Op: push, Node: n}}, nil
	}
	child, err := m.loadLink(ctx, l)
	if err != nil {
		return nil, err
	}
	return m.emit(ctx, child, keys, st, opts)
}

// proofNodeFor selects the minimal node variant: full reveal for
// queried keys, digest for offset-skipped matches and boundaries,
// kv-hash for everything else on the path.
func (m *Merk) proofNodeFor(node *TreeNode, revealed bool, st *proveState, opts ProveOptions) ProofNode {
	counted := node.KV.FeatureType.countInNodeHash()
	if !revealed {
		if counted {
			return ProofNode{Kind: ProofNodeKVHashFeatureType, KVHash: node.kvHash, Feature: node.KV.FeatureType, Count: node.Own.Count}
		}
		return ProofNode{Kind: ProofNodeKVHash, KVHash: node.kvHash}
	}
	kind := st.reveal[string(node.KV.Key)]
	if kind == revealDigest {
		if counted {
			return ProofNode{Kind: ProofNodeKVDigestFeatureType, Key: node.KV.Key, ValueHash: node.KV.ValueHash, Feature: node.KV.FeatureType, Count: node.Own.Count}
		}
		return ProofNode{Kind: ProofNodeKVDigest, Key: node.KV.Key, ValueHash: node.KV.ValueHash}
	}
	if opts.Deref != nil {
		if resolved, refHash, ok := opts.Deref(node.KV.Key, node.KV.Value); ok {
			return ProofNode{Kind: ProofNodeKVRefValueHash, Key: node.KV.Key, Value: resolved, RefHash: refHash}
		}
	}
	if counted {
		return ProofNode{
			Kind: ProofNodeKVValueHashFeatureType, Key: node.KV.Key,
			Value: node.KV.Value, ValueHash: node.KV.ValueHash, Feature: node.KV.FeatureType,
			Count: node.Own.Count,
		}
	}
	return ProofNode{Kind: ProofNodeKVValueHash, Key: node.KV.Key, Value: node.KV.Value, ValueHash: node.KV.ValueHash}
}

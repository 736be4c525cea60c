package merk

import (
	"bytes"
	"context"
	"fmt"
)

// ProofEntry is one verified query result.
type ProofEntry struct {
	Key       []byte
	Value     []byte
	ValueHash Hash
	// RefHash is set when the entry materialized a reference target.
	RefHash *Hash
}

// VerifyOptions mirrors the generation options the verifier must
// agree on.
type VerifyOptions struct {
	RightToLeft bool
	Limit       *uint16
	Offset      *uint16
	// ByteCap bounds proof decoding (0 = DefaultProofByteCap).
	ByteCap int
}

// VerifyResult is the outcome of executing a proof.
type VerifyResult struct {
	RootHash Hash
	Entries  []ProofEntry
	// Limit and Offset remaining after consuming the entries.
	Limit  *uint16
	Offset *uint16
}

// proofTree is a node of the reconstructed skeletal tree.
type proofTree struct {
	node        ProofNode
	left, right *proofTree

	hash  Hash
	count uint64
}

func (t *proofTree) opaque() bool {
	return t.node.Kind == ProofNodeHash || t.node.Kind == ProofNodeHashCount ||
		t.node.Kind == ProofNodeKVHash || t.node.Kind == ProofNodeKVHashFeatureType
}

func (t *proofTree) hasKey() bool {
	switch t.node.Kind {
	case ProofNodeKV, ProofNodeKVValueHash, ProofNodeKVValueHashFeatureType,
		ProofNodeKVDigest, ProofNodeKVDigestFeatureType, ProofNodeKVRefValueHash:
		return true
	}
	return false
}

func (t *proofTree) fullyRevealed() bool {
	switch t.node.Kind {
	case ProofNodeKV, ProofNodeKVValueHash, ProofNodeKVValueHashFeatureType, ProofNodeKVRefValueHash:
		return true
	}
	return false
}

// valueHash reconstructs the element value hash the node commits to.
func (t *proofTree) valueHash() Hash {
	switch t.node.Kind {
	case ProofNodeKV:
		return ValueHash(t.node.Value)
	case ProofNodeKVRefValueHash:
		return CombineHash(t.node.RefHash, ValueHash(t.node.Value))
	default:
		return t.node.ValueHash
	}
}

// computeHashes fills in node hashes and counts bottom-up.
func (t *proofTree) computeHashes() error {
	if t == nil {
		return nil
	}
	if err := t.left.computeHashes(); err != nil {
		return err
	}
	if err := t.right.computeHashes(); err != nil {
		return err
	}
	switch t.node.Kind {
	case ProofNodeHash:
		t.hash = t.node.Hash
		return nil
	case ProofNodeHashCount:
		t.hash = t.node.Hash
		t.count = t.node.Count
		return nil
	}

	var kvh Hash
	switch t.node.Kind {
	case ProofNodeKVHash, ProofNodeKVHashFeatureType:
		kvh = t.node.KVHash
	default:
		kvh = KVHash(t.node.Key, t.valueHash())
	}

	lh, rh := NullHash, NullHash
	var childCount uint64
	if t.left != nil {
		lh = t.left.hash
		childCount += t.left.count
	}
	if t.right != nil {
		rh = t.right.hash
		childCount += t.right.count
	}
	counted := t.node.Kind == ProofNodeKVHashFeatureType ||
		t.node.Kind == ProofNodeKVValueHashFeatureType ||
		t.node.Kind == ProofNodeKVDigestFeatureType
	if counted {
		t.count = childCount + t.node.Count
		t.hash = NodeHashWithCount(kvh, lh, rh, t.count)
	} else {
		t.hash = NodeHash(kvh, lh, rh)
	}
	return nil
}

// executeOps runs the stack machine over the decoded op stream and
// returns the single reconstructed tree.
func executeOps(ops []ProofOp) (*proofTree, error) {
	var stack []*proofTree
	pop := func() (*proofTree, error) {
		if len(stack) == 0 {
			return nil, fmt.Errorf("%w: pop from empty stack", ErrInvalidProof)
		}
		t := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return t, nil
	}
	attach := func(parent, child *proofTree, left bool) error {
		if parent.opaque() && !(parent.node.Kind == ProofNodeKVHash || parent.node.Kind == ProofNodeKVHashFeatureType) {
			return fmt.Errorf("%w: attaching child to opaque hash node", ErrInvalidProof)
		}
		slot := &parent.right
		if left {
			slot = &parent.left
		}
		if *slot != nil {
			return fmt.Errorf("%w: child slot already occupied", ErrInvalidProof)
		}
		*slot = child
		return nil
	}
	for _, op := range ops {
		switch op.Op {
		case ProofOpPush, ProofOpPushInverted:
			stack = append(stack, &proofTree{node: op.Node})
		case ProofOpParent, ProofOpParentInverted:
			parent, err := pop()
			if err != nil {
				return nil, err
			}
			child, err := pop()
			if err != nil {
				return nil, err
			}
			if err := attach(parent, child, op.Op == ProofOpParent); err != nil {
				return nil, err
			}
			stack = append(stack, parent)
		case ProofOpChild, ProofOpChildInverted:
			child, err := pop()
			if err != nil {
				return nil, err
			}
			parent, err := pop()
			if err != nil {
				return nil, err
			}
			if err := attach(parent, child, op.Op == ProofOpChildInverted); err != nil {
				return nil, err
			}
			stack = append(stack, parent)
		default:
			return nil, fmt.Errorf("%w: unknown op", ErrInvalidProof)
		}
	}
	if len(stack) != 1 {
		return nil, fmt.Errorf("%w: %d items left on stack", ErrInvalidProof, len(stack))
	}
	return stack[0], nil
}

// inorderEntry is one slot of the reconstructed tree's in-order
// traversal: either a revealed key or an opaque region.
type inorderEntry struct {
	tree   *proofTree
	opaque bool
}

func inorder(t *proofTree, out *[]inorderEntry) {
	if t == nil {
		return
	}
	inorder(t.left, out)
	if t.hasKey() {
		*out = append(*out, inorderEntry{tree: t})
	} else {
		// An opaque node fills one slot for its own hidden key;
		// children attached under it are walked on either side.
		*out = append(*out, inorderEntry{tree: t, opaque: true})
		inorder(t.right, out)
		return
	}
	inorder(t.right, out)
}

// bytesAfter is the immediate successor of b in byte-string order.
func bytesAfter(b []byte) []byte {
	return append(append([]byte(nil), b...), 0)
}

// halfOpen converts a query item to [lo, hi) bounds, nil meaning
// unbounded.
func (q QueryItem) halfOpen() (lo, hi []byte) {
	if !q.IsRange {
		return q.Key, bytesAfter(q.Key)
	}
	lo = q.Start
	if q.Start != nil && q.StartExclusive {
		lo = bytesAfter(q.Start)
	}
	hi = q.End
	if q.End != nil && q.EndInclusive {
		hi = bytesAfter(q.End)
	}
	return lo, hi
}

// gapIntersects reports whether the open gap (after, before) can
// contain a key some item selects.
func gapIntersects(after, before []byte, items []QueryItem) bool {
	var gapLo []byte
	if after != nil {
		gapLo = bytesAfter(after)
	}
	for _, it := range items {
		lo, hi := it.halfOpen()
		effLo := lo
		if gapLo != nil && (effLo == nil || bytes.Compare(gapLo, effLo) > 0) {
			effLo = gapLo
		}
		effHi := hi
		if before != nil && (effHi == nil || bytes.Compare(before, effHi) < 0) {
			effHi = before
		}
		if effLo == nil || effHi == nil || bytes.Compare(effLo, effHi) < 0 {
			return true
		}
	}
	return false
}

// VerifyProof decodes and executes proof bytes against the query
// items, returning the reconstructed root hash and the matched
// entries. It enforces key ordering, absence completeness and exact
// limit/offset accounting; it does not compare the root against an
// expectation — callers do that.
func VerifyProof(_ context.Context, proofBytes []byte, items []QueryItem, opts VerifyOptions) (*VerifyResult, error) {
	ops, err := DecodeOps(proofBytes, opts.ByteCap)
	if err != nil {
		return nil, err
	}
	items = append([]QueryItem(nil), items...)
	SortQueryItems(items)

	res := &VerifyResult{}
	if opts.Limit != nil {
		l := *opts.Limit
		res.Limit = &l
	}
	if opts.Offset != nil {
		o := *opts.Offset
		res.Offset = &o
	}

	if len(ops) == 0 {
		// An empty proof commits to an empty tree.
		res.RootHash = NullHash
		return res, nil
	}

	root, err := executeOps(ops)
	if err != nil {
		return nil, err
	}
	if err := root.computeHashes(); err != nil {
		return nil, err
	}
	res.RootHash = root.hash

	var seq []inorderEntry
	inorder(root, &seq)

	// Revealed keys must be strictly ascending.
	var prev []byte
	for _, e := range seq {
		if e.opaque {
			continue
		}
		if prev != nil && bytes.Compare(prev, e.tree.node.Key) >= 0 {
			return nil, fmt.Errorf("%w: revealed keys out of order", ErrInvalidProof)
		}
		prev = e.tree.node.Key
	}

	// Walk in query direction, consuming offset and limit exactly as
	// generation did, and reject opaque regions that could hide
	// matches while slots remain.
	order := make([]int, len(seq))
	for i := range order {
		order[i] = i
	}
	if opts.RightToLeft {
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	}

	limitLeft := func() bool { return res.Limit == nil || *res.Limit > 0 }

	for _, i := range order {
		e := seq[i]
		if e.opaque {
			if !limitLeft() {
				continue
			}
			var after, before []byte
			for j := i - 1; j >= 0; j-- {
				if !seq[j].opaque {
					after = seq[j].tree.node.Key
					break
				}
			}
			for j := i + 1; j < len(seq); j++ {
				if !seq[j].opaque {
					before = seq[j].tree.node.Key
					break
				}
			}
			if gapIntersects(after, before, items) {
				return nil, fmt.Errorf("%w: opaque region may hide matching keys", ErrInvalidProof)
			}
			continue
		}
		key := e.tree.node.Key
		matched := false
		for _, it := range items {
			if it.Contains(key) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		switch {
		case res.Offset != nil && *res.Offset > 0:
			if e.tree.fullyRevealed() {
				return nil, fmt.Errorf("%w: offset-skipped match revealed in full", ErrInvalidProof)
			}
			*res.Offset--
		case !limitLeft():
			// Past the limit; extra reveals are tolerated but not
			// collected.
		default:
			if !e.tree.fullyRevealed() {
				return nil, fmt.Errorf("%w: matched key %x not revealed", ErrInvalidProof, key)
			}
			entry := ProofEntry{Key: key, Value: e.tree.node.Value, ValueHash: e.tree.valueHash()}
			if e.tree.node.Kind == ProofNodeKVRefValueHash {
				rh := e.tree.node.RefHash
				entry.RefHash = &rh
			}
			res.Entries = append(res.Entries, entry)
			if res.Limit != nil {
				*res.Limit--
			}
		}
	}
	return res, nil
}

package grovedb

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/private-tech-inc/go-grovedb/merk"
	"github.com/private-tech-inc/go-grovedb/storage"
)

// Proof envelope versions. Version 0 is the compact all-Merk format;
// version 1 wraps every layer in a variant-tagged LayerProof so
// non-Merk subtree engines can attach their own proof formats.
const (
	proofVersion0 byte = 0
	proofVersion1 byte = 1
)

// LayerProofVariant tags the proof format of one layer.
type LayerProofVariant byte

const (
	// LayerVariantMerk is a stack-machine Merk proof.
	LayerVariantMerk LayerProofVariant = 0
	// LayerVariantMMR is a merkle-mountain-range proof.
	LayerVariantMMR LayerProofVariant = 1
	// LayerVariantBulkAppend is a bulk-append-tree proof.
	LayerVariantBulkAppend LayerProofVariant = 2
	// LayerVariantDenseTree is a dense fixed-capacity tree proof.
	LayerVariantDenseTree LayerProofVariant = 3
	// LayerVariantCommitmentTree is a commitment-tree proof.
	LayerVariantCommitmentTree LayerProofVariant = 4
)

// variantForElement maps a non-Merk portal to its layer variant.
func variantForElement(t ElementType) LayerProofVariant {
	switch t {
	case ElementMMRTree:
		return LayerVariantMMR
	case ElementBulkAppendTree:
		return LayerVariantBulkAppend
	case ElementDenseFixedTree:
		return LayerVariantDenseTree
	case ElementCommitmentTree:
		return LayerVariantCommitmentTree
	default:
		return LayerVariantMerk
	}
}

// elementForVariant maps a layer variant back to its element
// variant.
func elementForVariant(v LayerProofVariant) ElementType {
	switch v {
	case LayerVariantMMR:
		return ElementMMRTree
	case LayerVariantBulkAppend:
		return ElementBulkAppendTree
	case LayerVariantDenseTree:
		return ElementDenseFixedTree
	case LayerVariantCommitmentTree:
		return ElementCommitmentTree
	default:
		return ElementTree
	}
}

// SubLayerProof associates a lower layer with the portal key it
// hangs from.
type SubLayerProof struct {
	Key   []byte
	Layer LayerProof
}

// LayerProof is the proof for one subtree level plus its lower
// layers, keyed by portal.
type LayerProof struct {
	Variant LayerProofVariant
	Proof   []byte
	Lower   []SubLayerProof
}

func (l *LayerProof) hasNonMerk() bool {
	if l.Variant != LayerVariantMerk {
		return true
	}
	for i := range l.Lower {
		if l.Lower[i].Layer.hasNonMerk() {
			return true
		}
	}
	return false
}

func (l *LayerProof) encode(buf []byte, tagged bool) []byte {
	if tagged {
		buf = append(buf, byte(l.Variant))
	}
	buf = appendVarBytes(buf, l.Proof)
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(l.Lower)))
	buf = append(buf, lenBuf[:n]...)
	for i := range l.Lower {
		buf = appendVarBytes(buf, l.Lower[i].Key)
		buf = l.Lower[i].Layer.encode(buf, tagged)
	}
	return buf
}

func decodeLayerProof(r *bytes.Reader, tagged bool) (LayerProof, error) {
	var l LayerProof
	if tagged {
		v, err := r.ReadByte()
		if err != nil {
			return l, fmt.Errorf("%w: missing layer variant", ErrInvalidProof)
		}
		if LayerProofVariant(v) > LayerVariantCommitmentTree {
			return l, fmt.Errorf("%w: unknown layer variant %d", ErrInvalidProof, v)
		}
		l.Variant = LayerProofVariant(v)
	}
	proof, err := readVarBytes(r)
	if err != nil {
		return l, fmt.Errorf("%w: truncated layer proof", ErrInvalidProof)
	}
	l.Proof = proof
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return l, fmt.Errorf("%w: truncated lower-layer count", ErrInvalidProof)
	}
	if count > uint64(r.Len()) {
		return l, fmt.Errorf("%w: lower-layer count exceeds input", ErrInvalidProof)
	}
	for i := uint64(0); i < count; i++ {
		key, err := readVarBytes(r)
		if err != nil {
			return l, fmt.Errorf("%w: truncated lower-layer key", ErrInvalidProof)
		}
		sub, err := decodeLayerProof(r, tagged)
		if err != nil {
			return l, err
		}
		l.Lower = append(l.Lower, SubLayerProof{Key: key, Layer: sub})
	}
	return l, nil
}

// limitState threads the shared limit/offset budget through a
// multi-layer descent.
type limitState struct {
	limit  *uint16
	offset *uint16
}

func newLimitState(sq *SizedQuery) *limitState {
	st := &limitState{}
	if sq.Limit != nil {
		l := *sq.Limit
		st.limit = &l
	}
	if sq.Offset != nil {
		o := *sq.Offset
		st.offset = &o
	}
	return st
}

func (s *limitState) exhausted() bool { return s.limit != nil && *s.limit == 0 }

// consume accounts one matched element. Returns whether it lands in
// the result set (false while offset slots remain).
func (s *limitState) consume() bool {
	if s.offset != nil && *s.offset > 0 {
		*s.offset--
		return false
	}
	if s.limit != nil {
		*s.limit--
	}
	return true
}

// ProveQuery generates a multi-layer proof for a path query. The
// proof authenticates every result against the grove's state root.
func (g *GroveDB) ProveQuery(ctx context.Context, pq *PathQuery, tx *Transaction) ([]byte, error) {
	if pq == nil || pq.Query == nil || pq.Query.Query == nil {
		return nil, fmt.Errorf("%w: nil path query", ErrInvalidInput)
	}
	st := newLimitState(pq.Query)
	layer, err := g.provePathLayer(ctx, RootPath(), pq.Path, pq.Query.Query, st, tx)
	if err != nil {
		return nil, err
	}
	version := proofVersion0
	if layer.hasNonMerk() {
		version = proofVersion1
	}
	buf := []byte{version}
	return layer.encode(buf, version == proofVersion1), nil
}

// provePathLayer walks the path: each layer above the target proves
// just the next segment's portal and recurses beneath it.
func (g *GroveDB) provePathLayer(ctx context.Context, current Path, remaining Path, q *Query, st *limitState, tx *Transaction) (LayerProof, error) {
	sub, err := g.openSubtree(ctx, current, tx)
	if err != nil {
		return LayerProof{}, err
	}
	if len(remaining) == 0 {
		return g.proveQueryLayer(ctx, sub, q, st, tx)
	}
	seg := remaining[0]
	res, err := sub.m.Prove(ctx, []merk.QueryItem{merk.NewKeyItem(seg)}, merk.ProveOptions{})
	if err != nil {
		return LayerProof{}, err
	}
	elem, err := sub.getElement(ctx, seg)
	if err != nil {
		return LayerProof{}, err
	}
	if !elem.IsAnyTree() {
		return LayerProof{}, fmt.Errorf("%w: path segment %q is not a subtree", ErrInvalidElementType, seg)
	}
	lower, err := g.provePathLayer(ctx, current.Child(seg), remaining[1:], q, st, tx)
	if err != nil {
		return LayerProof{}, err
	}
	return LayerProof{
		Variant: LayerVariantMerk,
		Proof:   merk.EncodeOps(res.Ops),
		Lower:   []SubLayerProof{{Key: seg, Layer: lower}},
	}, nil
}

// proveQueryLayer proves one subtree level of the query, descending
// into matched portals that carry subqueries.
func (g *GroveDB) proveQueryLayer(ctx context.Context, sub *subtree, q *Query, st *limitState, tx *Transaction) (LayerProof, error) {
	hasSubquery := q.DefaultSubquery != nil || len(q.ConditionalSubqueries) > 0

	deref := func(key, value []byte) ([]byte, merk.Hash, bool) {
		elem, err := DeserializeElement(value)
		if err != nil || !elem.IsReference() {
			return nil, merk.NullHash, false
		}
		resolved, err := g.followReference(ctx, elem.Ref, sub.path, key, tx)
		if err != nil {
			return nil, merk.NullHash, false
		}
		raw, err := resolved.Element.Serialize()
		if err != nil {
			return nil, merk.NullHash, false
		}
		return raw, merk.ValueHash(value), true
	}

	opts := merk.ProveOptions{RightToLeft: !q.LeftToRight, Deref: deref}
	if !hasSubquery {
		// Leaf layer: the merk proof does the limit accounting.
		opts.Limit = st.limit
		opts.Offset = st.offset
	}
	res, err := sub.m.Prove(ctx, q.Items, opts)
	if err != nil {
		return LayerProof{}, err
	}
	layer := LayerProof{Variant: LayerVariantMerk, Proof: merk.EncodeOps(res.Ops)}
	if !hasSubquery {
		st.limit = res.Limit
		st.offset = res.Offset
		return layer, nil
	}

	// Collect matched keys in direction order and descend into
	// portal matches while budget remains.
	matched, err := g.matchedElements(ctx, sub, q)
	if err != nil {
		return LayerProof{}, err
	}
	for _, m := range matched {
		if st.exhausted() {
			break
		}
		branch := q.subqueryFor(m.key)
		if m.elem.IsAnyTree() && branch != nil && branch.Subquery != nil {
			if q.AddParentTreeOnSubquery {
				st.consume()
			}
			if st.exhausted() {
				break
			}
			childPath := sub.path.Child(m.key)
			var lower LayerProof
			if m.elem.IsNonMerkTree() {
				eng, ok := nonMerkEngine(m.elem.Type)
				if !ok {
					return LayerProof{}, fmt.Errorf("%w: no engine for variant %d", ErrNotSupported, m.elem.Type)
				}
				sc := g.storageContext(childPath.Prefix(), tx)
				sq := &SizedQuery{Query: branch.Subquery, Limit: st.limit, Offset: st.offset}
				proofBytes, err := eng.Prove(ctx, sc, m.elem, sq)
				if err != nil {
					return LayerProof{}, err
				}
				lower = LayerProof{Variant: variantForElement(m.elem.Type), Proof: proofBytes}
			} else {
				childSub, err := g.openSubtree(ctx, childPath, tx)
				if err != nil {
					return LayerProof{}, err
				}
				lower, err = g.proveQueryLayer(ctx, childSub, branch.effectiveQuery(), st, tx)
				if err != nil {
					return LayerProof{}, err
				}
			}
			layer.Lower = append(layer.Lower, SubLayerProof{Key: append([]byte(nil), m.key...), Layer: lower})
			continue
		}
		// Non-portal matches at a subquery layer are direct results.
		st.consume()
	}
	return layer, nil
}

// effectiveQuery resolves a subquery branch into the query actually
// run inside the child subtree: a keyed branch scopes the subquery
// under its key.
func (b *SubqueryBranch) effectiveQuery() *Query {
	if b.Key == nil {
		return b.Subquery
	}
	scoped := NewQuery()
	scoped.InsertKey(b.Key)
	scoped.AddConditionalSubquery(merk.NewKeyItem(b.Key), nil, b.Subquery)
	return scoped
}

type matchedElement struct {
	key  []byte
	elem *Element
}

// matchedElements lists the subtree's elements matched by the query
// items, in the query's direction order.
func (g *GroveDB) matchedElements(ctx context.Context, sub *subtree, q *Query) ([]matchedElement, error) {
	items := append([]merk.QueryItem(nil), q.Items...)
	merk.SortQueryItems(items)
	var out []matchedElement
	it, err := sub.sc.Iterator(storage.ColumnMain)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for it.Next() {
		key := append([]byte(nil), it.Key()...)
		match := false
		for _, item := range items {
			if item.Contains(key) {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		node, err := merk.DecodeNode(key, it.Value())
		if err != nil {
			return nil, err
		}
		elem, err := DeserializeElement(node.KV.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, matchedElement{key: key, elem: elem})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	if !q.LeftToRight {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

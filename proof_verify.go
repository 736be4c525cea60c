package grovedb

import (
	"bytes"
	"context"
	"fmt"

	"github.com/private-tech-inc/go-grovedb/merk"
)

// QueryResultEntry is one verified result of a path query, annotated
// with the subtree it was proven in.
type QueryResultEntry struct {
	Path    Path
	Key     []byte
	Element *Element
}

// VerifierOptions tunes static verification.
type VerifierOptions struct {
	// ProofByteCap bounds proof deserialization (0 = 100 MiB).
	ProofByteCap int
}

// VerifyQuery checks proof bytes against the query that produced
// them, returning the state root the proof commits to and the proven
// results. Callers compare the root against the one they trust.
func VerifyQuery(proofBytes []byte, pq *PathQuery) (merk.Hash, []QueryResultEntry, error) {
	return VerifyQueryWithOptions(proofBytes, pq, VerifierOptions{})
}

// VerifyQueryWithOptions is VerifyQuery with explicit limits.
func VerifyQueryWithOptions(proofBytes []byte, pq *PathQuery, opts VerifierOptions) (merk.Hash, []QueryResultEntry, error) {
	if pq == nil || pq.Query == nil || pq.Query.Query == nil {
		return merk.NullHash, nil, fmt.Errorf("%w: nil path query", ErrInvalidInput)
	}
	if len(proofBytes) == 0 {
		return merk.NullHash, nil, fmt.Errorf("%w: empty proof", ErrInvalidProof)
	}
	byteCap := opts.ProofByteCap
	if byteCap == 0 {
		byteCap = merk.DefaultProofByteCap
	}
	if len(proofBytes) > byteCap {
		return merk.NullHash, nil, fmt.Errorf("%w: proof exceeds %d byte cap", ErrInvalidProof, byteCap)
	}

	version := proofBytes[0]
	if version != proofVersion0 && version != proofVersion1 {
		return merk.NullHash, nil, fmt.Errorf("%w: unknown proof version %d", ErrInvalidProof, version)
	}
	r := bytes.NewReader(proofBytes[1:])
	layer, err := decodeLayerProof(r, version == proofVersion1)
	if err != nil {
		return merk.NullHash, nil, err
	}
	if r.Len() != 0 {
		return merk.NullHash, nil, fmt.Errorf("%w: %d trailing bytes after proof", ErrInvalidProof, r.Len())
	}
	if version == proofVersion0 && layer.hasNonMerk() {
		return merk.NullHash, nil, fmt.Errorf("%w: v0 proof with non-merk layers", ErrNotSupported)
	}

	v := &verifier{byteCap: byteCap}
	st := newLimitState(pq.Query)
	root, err := v.verifyPathLayer(&layer, RootPath(), pq.Path, pq.Query.Query, st)
	if err != nil {
		return merk.NullHash, nil, err
	}
	return root, v.results, nil
}

type verifier struct {
	byteCap int
	results []QueryResultEntry
}

// verifyPathLayer checks one path-walking layer: exactly one portal
// revealed, bound to its lower layer by the combined value hash.
func (v *verifier) verifyPathLayer(layer *LayerProof, current Path, remaining Path, q *Query, st *limitState) (merk.Hash, error) {
	if len(remaining) == 0 {
		return v.verifyQueryLayer(layer, current, q, st)
	}
	if layer.Variant != LayerVariantMerk {
		return merk.NullHash, fmt.Errorf("%w: path layer is not a merk proof", ErrInvalidProof)
	}
	seg := remaining[0]
	vr, err := merk.VerifyProof(context.Background(), layer.Proof,
		[]merk.QueryItem{merk.NewKeyItem(seg)}, merk.VerifyOptions{ByteCap: v.byteCap})
	if err != nil {
		return merk.NullHash, err
	}
	if len(vr.Entries) != 1 || !bytes.Equal(vr.Entries[0].Key, seg) {
		return merk.NullHash, fmt.Errorf("%w: path segment %q not proven", ErrInvalidProof, seg)
	}
	entry := vr.Entries[0]
	elem, err := DeserializeElement(entry.Value)
	if err != nil {
		return merk.NullHash, err
	}
	if !elem.IsAnyTree() {
		return merk.NullHash, fmt.Errorf("%w: path segment %q is not a subtree", ErrInvalidProof, seg)
	}
	if len(layer.Lower) != 1 || !bytes.Equal(layer.Lower[0].Key, seg) {
		return merk.NullHash, fmt.Errorf("%w: missing lower layer for %q", ErrInvalidProof, seg)
	}
	subRoot, err := v.verifyPathLayer(&layer.Lower[0].Layer, current.Child(seg), remaining[1:], q, st)
	if err != nil {
		return merk.NullHash, err
	}
	expected := merk.CombineHash(merk.ValueHash(entry.Value), subRoot)
	if expected != entry.ValueHash {
		return merk.NullHash, fmt.Errorf("%w: portal %q does not bind its child root", ErrInvalidProof, seg)
	}
	return vr.RootHash, nil
}

// verifyQueryLayer mirrors proveQueryLayer: executes the layer's
// merk proof, then recursively checks sub-layers for portals with
// subqueries, enforcing the shared limit/offset budget.
func (v *verifier) verifyQueryLayer(layer *LayerProof, path Path, q *Query, st *limitState) (merk.Hash, error) {
	if layer.Variant != LayerVariantMerk {
		return merk.NullHash, fmt.Errorf("%w: query layer is not a merk proof", ErrInvalidProof)
	}
	hasSubquery := q.DefaultSubquery != nil || len(q.ConditionalSubqueries) > 0

	mopts := merk.VerifyOptions{RightToLeft: !q.LeftToRight, ByteCap: v.byteCap}
	if !hasSubquery {
		mopts.Limit = st.limit
		mopts.Offset = st.offset
	}
	vr, err := merk.VerifyProof(context.Background(), layer.Proof, q.Items, mopts)
	if err != nil {
		return merk.NullHash, err
	}
	if !hasSubquery {
		for _, e := range vr.Entries {
			elem, err := DeserializeElement(e.Value)
			if err != nil {
				return merk.NullHash, err
			}
			v.results = append(v.results, QueryResultEntry{Path: path.Clone(), Key: e.Key, Element: elem})
		}
		st.limit = vr.Limit
		st.offset = vr.Offset
		return vr.RootHash, nil
	}

	lower := make(map[string]*LayerProof, len(layer.Lower))
	for i := range layer.Lower {
		lower[string(layer.Lower[i].Key)] = &layer.Lower[i].Layer
	}

	for i := range vr.Entries {
		if st.exhausted() {
			break
		}
		entry := vr.Entries[i]
		elem, err := DeserializeElement(entry.Value)
		if err != nil {
			return merk.NullHash, err
		}
		branch := q.subqueryFor(entry.Key)
		if elem.IsAnyTree() && branch != nil && branch.Subquery != nil {
			if q.AddParentTreeOnSubquery && st.consume() {
				v.results = append(v.results, QueryResultEntry{Path: path.Clone(), Key: entry.Key, Element: elem})
			}
			if st.exhausted() {
				break
			}
			sub, ok := lower[string(entry.Key)]
			if !ok {
				return merk.NullHash, fmt.Errorf("%w: portal %x missing its sub-proof", ErrInvalidProof, entry.Key)
			}
			childPath := path.Child(entry.Key)
			var subRoot merk.Hash
			if sub.Variant == LayerVariantMerk {
				subRoot, err = v.verifyQueryLayer(sub, childPath, branch.effectiveQuery(), st)
				if err != nil {
					return merk.NullHash, err
				}
			} else {
				eng, ok := nonMerkEngine(elementForVariant(sub.Variant))
				if !ok {
					return merk.NullHash, fmt.Errorf("%w: no engine for layer variant %d", ErrNotSupported, sub.Variant)
				}
				sq := &SizedQuery{Query: branch.Subquery, Limit: st.limit, Offset: st.offset}
				root, entries, err := eng.VerifyProof(sub.Proof, sq)
				if err != nil {
					return merk.NullHash, err
				}
				for _, e := range entries {
					e.Path = childPath.Clone()
					v.results = append(v.results, e)
					st.consume()
				}
				subRoot = root
			}
			expected := merk.CombineHash(merk.ValueHash(entry.Value), subRoot)
			if expected != entry.ValueHash {
				return merk.NullHash, fmt.Errorf("%w: portal %x does not bind its child root", ErrInvalidProof, entry.Key)
			}
			continue
		}
		if st.consume() {
			v.results = append(v.results, QueryResultEntry{Path: path.Clone(), Key: entry.Key, Element: elem})
		}
	}
	return vr.RootHash, nil
}

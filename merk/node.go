package merk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// KV is the key/value payload of a tree node. ValueHash is stored
// rather than derived because subtree portals and references override
// it with a combined hash binding the child root or referent.
type KV struct {
	Key         []byte
	Value       []byte
	FeatureType FeatureType
	ValueHash   Hash
}

// NewKV builds a plain KV whose value hash is derived from the value
// bytes.
func NewKV(key, value []byte, feature FeatureType) KV {
	return KV{Key: key, Value: value, FeatureType: feature, ValueHash: ValueHash(value)}
}

// NewKVWithValueHash builds a KV with an explicit (combined) value
// hash.
func NewKVWithValueHash(key, value []byte, feature FeatureType, valueHash Hash) KV {
	return KV{Key: key, Value: value, FeatureType: feature, ValueHash: valueHash}
}

// TreeNode is one node of a Merk tree. It owns its children through
// four-state links; the key is not persisted inside the payload, it
// is the storage key.
type TreeNode struct {
	KV  KV
	Own Aggregate // this node's contribution to the subtree aggregate

	left  *Link
	right *Link

	kvHash   Hash
	nodeHash Hash
	agg      Aggregate // subtree aggregate, valid with hashValid
	hashValid bool
}

// NewTreeNode builds a detached node with no children and no
// computed hashes.
func NewTreeNode(kv KV, own Aggregate) *TreeNode {
	return &TreeNode{KV: kv, Own: own}
}

// Link returns the child link on the given side, or nil.
func (n *TreeNode) Link(left bool) *Link {
	if left {
		return n.left
	}
	return n.right
}

func (n *TreeNode) setLink(left bool, l *Link) {
	if left {
		n.left = l
	} else {
		n.right = l
	}
	n.hashValid = false
}

// ChildHeights returns the heights of the left and right child
// subtrees (zero for missing children).
func (n *TreeNode) ChildHeights() (uint8, uint8) {
	var lh, rh uint8
	if n.left != nil {
		lh = n.left.Height()
	}
	if n.right != nil {
		rh = n.right.Height()
	}
	return lh, rh
}

// Height is 1 plus the taller child's height.
func (n *TreeNode) Height() uint8 {
	lh, rh := n.ChildHeights()
	if lh > rh {
		return lh + 1
	}
	return rh + 1
}

// BalanceFactor is right height minus left height.
func (n *TreeNode) BalanceFactor() int {
	lh, rh := n.ChildHeights()
	return int(rh) - int(lh)
}

func (n *TreeNode) childHash(left bool) Hash {
	l := n.Link(left)
	if l == nil {
		return NullHash
	}
	return l.Hash()
}

// KVHash returns the cached kv hash; only valid after computeHashes.
func (n *TreeNode) KVHash() Hash { return n.kvHash }

// NodeHash returns the cached node hash; only valid after
// computeHashes.
func (n *TreeNode) NodeHash() Hash { return n.nodeHash }

// Aggregate returns the cached subtree aggregate; only valid after
// computeHashes.
func (n *TreeNode) Aggregate() Aggregate { return n.agg }

// computeHashes recomputes kv hash, aggregate and node hash from the
// node's own payload and its children's cached hashes and aggregates.
// Children must already be committed or carry cached link data.
func (n *TreeNode) computeHashes() error {
	f := n.KV.FeatureType
	agg := n.Own
	var err error
	if n.left != nil {
		if agg, err = agg.Add(f, n.left.Aggregate()); err != nil {
			return err
		}
	}
	if n.right != nil {
		if agg, err = agg.Add(f, n.right.Aggregate()); err != nil {
			return err
		}
	}
	n.kvHash = KVHash(n.KV.Key, n.KV.ValueHash)
	if f.countInNodeHash() {
		n.nodeHash = NodeHashWithCount(n.kvHash, n.childHash(true), n.childHash(false), agg.Count)
	} else {
		n.nodeHash = NodeHash(n.kvHash, n.childHash(true), n.childHash(false))
	}
	n.agg = agg
	n.hashValid = true
	return nil
}

// featureAggLen is the encoded length of an aggregate for feature f.
func featureAggLen(f FeatureType) int {
	n := 0
	if f.hasSum() {
		n += 8
	}
	if f.hasBigSum() {
		n += 16
	}
	if f.hasCount() {
		n += 8
	}
	return n
}

func appendFeatureAgg(buf []byte, f FeatureType, a Aggregate) []byte {
	if f.hasSum() {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(a.Sum))
		buf = append(buf, b[:]...)
	}
	if f.hasBigSum() {
		var b [16]byte
		putInt128(b[:], a.bigSum())
		buf = append(buf, b[:]...)
	}
	if f.hasCount() {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], a.Count)
		buf = append(buf, b[:]...)
	}
	return buf
}

func readFeatureAgg(r *bytes.Reader, f FeatureType) (Aggregate, error) {
	var a Aggregate
	if f.hasSum() {
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return a, err
		}
		a.Sum = int64(binary.BigEndian.Uint64(b[:]))
	}
	if f.hasBigSum() {
		var b [16]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return a, err
		}
		a.BigSum = getInt128(b[:])
	}
	if f.hasCount() {
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return a, err
		}
		a.Count = binary.BigEndian.Uint64(b[:])
	}
	return a, nil
}

func appendBytes(buf, b []byte) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	buf = append(buf, lenBuf[:n]...)
	return append(buf, b...)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, io.ErrUnexpectedEOF
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Encode serializes the node payload for the main column. The key is
// not included; hashes and link metadata must be valid (the node must
// have been committed).
func (n *TreeNode) Encode() ([]byte, error) {
	if !n.hashValid {
		return nil, fmt.Errorf("%w: encoding node with stale hashes", ErrInvalidInput)
	}
	f := n.KV.FeatureType
	buf := make([]byte, 0, 64+len(n.KV.Value))
	buf = append(buf, byte(f))
	buf = append(buf, n.KV.ValueHash[:]...)
	buf = appendFeatureAgg(buf, f, n.Own)
	buf = appendBytes(buf, n.KV.Value)
	for _, left := range []bool{true, false} {
		l := n.Link(left)
		if l == nil {
			buf = append(buf, 0)
			continue
		}
		buf = append(buf, 1)
		buf = appendBytes(buf, l.Key())
		h := l.Hash()
		buf = append(buf, h[:]...)
		ch := l.ChildHeights()
		buf = append(buf, ch[0], ch[1])
		buf = appendFeatureAgg(buf, f, l.Aggregate())
	}
	return buf, nil
}

// DecodeNode parses a node payload. The resulting node carries
// Reference links for its children and valid cached hashes.
func DecodeNode(key, data []byte) (*TreeNode, error) {
	r := bytes.NewReader(data)
	ft, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: empty node payload", ErrCorruptedData)
	}
	f := FeatureType(ft)
	if !f.valid() {
		return nil, fmt.Errorf("%w: unknown feature type %d", ErrCorruptedData, ft)
	}
	var valueHash Hash
	if _, err := io.ReadFull(r, valueHash[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated value hash", ErrCorruptedData)
	}
	own, err := readFeatureAgg(r, f)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated aggregate", ErrCorruptedData)
	}
	value, err := readBytes(r)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated value", ErrCorruptedData)
	}
	n := &TreeNode{
		KV:  KV{Key: append([]byte(nil), key...), Value: value, FeatureType: f, ValueHash: valueHash},
		Own: own,
	}
	for _, left := range []bool{true, false} {
		present, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated link", ErrCorruptedData)
		}
		switch present {
		case 0:
		case 1:
			childKey, err := readBytes(r)
			if err != nil {
				return nil, fmt.Errorf("%w: truncated link key", ErrCorruptedData)
			}
			var h Hash
			if _, err := io.ReadFull(r, h[:]); err != nil {
				return nil, fmt.Errorf("%w: truncated link hash", ErrCorruptedData)
			}
			var heights [2]byte
			if _, err := io.ReadFull(r, heights[:]); err != nil {
				return nil, fmt.Errorf("%w: truncated link heights", ErrCorruptedData)
			}
			agg, err := readFeatureAgg(r, f)
			if err != nil {
				return nil, fmt.Errorf("%w: truncated link aggregate", ErrCorruptedData)
			}
			n.setLink(left, NewReferenceLink(childKey, h, [2]uint8{heights[0], heights[1]}, agg))
		default:
			return nil, fmt.Errorf("%w: bad link tag %d", ErrCorruptedData, present)
		}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after node", ErrCorruptedData, r.Len())
	}
	if err := n.computeHashes(); err != nil {
		return nil, err
	}
	return n, nil
}

package merk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ProofOpKind is one of the six stack-machine instructions encoding a
// Merk proof.
type ProofOpKind byte

const (
	// ProofOpPush pushes a skeletal node on the stack.
	ProofOpPush ProofOpKind = 0x01
	// ProofOpPushInverted pushes during right-to-left iteration.
	ProofOpPushInverted ProofOpKind = 0x02
	// ProofOpParent pops the parent, pops a child, attaches the
	// child on the parent's left, pushes the parent.
	ProofOpParent ProofOpKind = 0x10
	// ProofOpChild pops a child, pops the parent, attaches the child
	// on the parent's right, pushes the parent.
	ProofOpChild ProofOpKind = 0x11
	// ProofOpParentInverted is ProofOpParent with sides swapped.
	ProofOpParentInverted ProofOpKind = 0x12
	// ProofOpChildInverted is ProofOpChild with sides swapped.
	ProofOpChildInverted ProofOpKind = 0x13
)

// ProofNodeKind tags the payload of a Push op.
type ProofNodeKind byte

const (
	// ProofNodeHash: an opaque subtree, only its node hash.
	ProofNodeHash ProofNodeKind = 0x01
	// ProofNodeKVHash: an on-path node, value not revealed.
	ProofNodeKVHash ProofNodeKind = 0x02
	// ProofNodeKV: a queried leaf, key and value revealed.
	ProofNodeKV ProofNodeKind = 0x03
	// ProofNodeKVValueHash: key, value and explicit value hash, used
	// where the value hash is a combined hash (portals, references).
	ProofNodeKVValueHash ProofNodeKind = 0x04
	// ProofNodeKVDigest: key and value hash only; absence boundaries
	// and offset-skipped matches.
	ProofNodeKVDigest ProofNodeKind = 0x05
	// ProofNodeKVRefValueHash: a reference target materialized; the
	// value is the dereferenced bytes, RefHash the hash of the
	// reference element itself.
	ProofNodeKVRefValueHash ProofNodeKind = 0x06
	// ProofNodeKVValueHashFeatureType: a revealed node of a
	// provable-count tree; the count folds into its node hash.
	ProofNodeKVValueHashFeatureType ProofNodeKind = 0x07
	// ProofNodeKVDigestFeatureType: digest node of a provable-count
	// tree.
	ProofNodeKVDigestFeatureType ProofNodeKind = 0x08
	// ProofNodeKVHashFeatureType: on-path node of a provable-count
	// tree.
	ProofNodeKVHashFeatureType ProofNodeKind = 0x09
	// ProofNodeHashCount: an opaque subtree of a provable-count tree
	// together with its subtree count.
	ProofNodeHashCount ProofNodeKind = 0x0a
)

// ProofNode is the payload of a Push op.
type ProofNode struct {
	Kind      ProofNodeKind
	Hash      Hash // ProofNodeHash / ProofNodeHashCount
	KVHash    Hash // ProofNodeKVHash(FeatureType)
	Key       []byte
	Value     []byte
	ValueHash Hash
	RefHash   Hash // ProofNodeKVRefValueHash
	Feature   FeatureType
	Count     uint64 // ProofNodeHashCount
}

// ProofOp is one instruction of an encoded proof.
type ProofOp struct {
	Op   ProofOpKind
	Node ProofNode // Push ops only
}

func (k ProofOpKind) isPush() bool {
	return k == ProofOpPush || k == ProofOpPushInverted
}

// EncodeOps serializes a proof op stream.
func EncodeOps(ops []ProofOp) []byte {
	var buf []byte
	for _, op := range ops {
		buf = append(buf, byte(op.Op))
		if !op.Op.isPush() {
			continue
		}
		n := op.Node
		buf = append(buf, byte(n.Kind))
		switch n.Kind {
		case ProofNodeHash:
			buf = append(buf, n.Hash[:]...)
		case ProofNodeHashCount:
			buf = append(buf, n.Hash[:]...)
			buf = binary.BigEndian.AppendUint64(buf, n.Count)
		case ProofNodeKVHash:
			buf = append(buf, n.KVHash[:]...)
		case ProofNodeKVHashFeatureType:
			buf = append(buf, n.KVHash[:]...)
			buf = append(buf, byte(n.Feature))
			buf = binary.BigEndian.AppendUint64(buf, n.Count)
		case ProofNodeKV:
			buf = appendBytes(buf, n.Key)
			buf = appendBytes(buf, n.Value)
		case ProofNodeKVValueHash:
			buf = appendBytes(buf, n.Key)
			buf = appendBytes(buf, n.Value)
			buf = append(buf, n.ValueHash[:]...)
		case ProofNodeKVValueHashFeatureType:
			buf = appendBytes(buf, n.Key)
			buf = appendBytes(buf, n.Value)
			buf = append(buf, n.ValueHash[:]...)
			buf = append(buf, byte(n.Feature))
			buf = binary.BigEndian.AppendUint64(buf, n.Count)
		case ProofNodeKVDigest:
			buf = appendBytes(buf, n.Key)
			buf = append(buf, n.ValueHash[:]...)
		case ProofNodeKVDigestFeatureType:
			buf = appendBytes(buf, n.Key)
			buf = append(buf, n.ValueHash[:]...)
			buf = append(buf, byte(n.Feature))
			buf = binary.BigEndian.AppendUint64(buf, n.Count)
		case ProofNodeKVRefValueHash:
			buf = appendBytes(buf, n.Key)
			buf = appendBytes(buf, n.Value)
			buf = append(buf, n.RefHash[:]...)
		}
	}
	return buf
}

// DefaultProofByteCap bounds proof deserialization, preventing
// resource exhaustion from forged length prefixes.
const DefaultProofByteCap = 100 << 20

// DecodeOps parses a proof op stream. byteCap bounds the accepted
// input size (0 means DefaultProofByteCap); trailing garbage and
// unknown tags are rejected.
func DecodeOps(data []byte, byteCap int) ([]ProofOp, error) {
	if byteCap == 0 {
		byteCap = DefaultProofByteCap
	}
	if len(data) > byteCap {
		return nil, fmt.Errorf("%w: proof exceeds %d byte cap", ErrInvalidProof, byteCap)
	}
	r := bytes.NewReader(data)
	var ops []ProofOp
	for r.Len() > 0 {
		opByte, _ := r.ReadByte()
		kind := ProofOpKind(opByte)
		switch kind {
		case ProofOpParent, ProofOpChild, ProofOpParentInverted, ProofOpChildInverted:
			ops = append(ops, ProofOp{Op: kind})
			continue
		case ProofOpPush, ProofOpPushInverted:
		default:
			return nil, fmt.Errorf("%w: unknown proof op 0x%02x", ErrInvalidProof, opByte)
		}
		node, err := decodeProofNode(r)
		if err != nil {
			return nil, err
		}
		ops = append(ops, ProofOp{Op: kind, Node: node})
	}
	return ops, nil
}

func readProofHash(r *bytes.Reader, h *Hash) error {
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return fmt.Errorf("%w: truncated hash", ErrInvalidProof)
	}
	return nil
}

func readProofBytes(r *bytes.Reader) ([]byte, error) {
	b, err := readBytes(r)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated field", ErrInvalidProof)
	}
	return b, nil
}

// readFeatureCount reads the feature byte plus the node's own count
// contribution carried by the feature-typed node kinds.
func readFeatureCount(r *bytes.Reader, n *ProofNode) error {
	ft, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: truncated feature", ErrInvalidProof)
	}
	n.Feature = FeatureType(ft)
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return fmt.Errorf("%w: truncated feature count", ErrInvalidProof)
	}
	n.Count = binary.BigEndian.Uint64(b[:])
	return nil
}

func decodeProofNode(r *bytes.Reader) (ProofNode, error) {
	var n ProofNode
	kindByte, err := r.ReadByte()
	if err != nil {
		return n, fmt.Errorf("%w: missing node kind", ErrInvalidProof)
	}
	n.Kind = ProofNodeKind(kindByte)
	switch n.Kind {
	case ProofNodeHash:
		return n, readProofHash(r, &n.Hash)
	case ProofNodeHashCount:
		if err := readProofHash(r, &n.Hash); err != nil {
			return n, err
		}
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return n, fmt.Errorf("%w: truncated count", ErrInvalidProof)
		}
		n.Count = binary.BigEndian.Uint64(b[:])
		return n, nil
	case ProofNodeKVHash:
		return n, readProofHash(r, &n.KVHash)
	case ProofNodeKVHashFeatureType:
		if err := readProofHash(r, &n.KVHash); err != nil {
			return n, err
		}
		if err := readFeatureCount(r, &n); err != nil {
			return n, err
		}
		return n, nil
	case ProofNodeKV:
		if n.Key, err = readProofBytes(r); err != nil {
			return n, err
		}
		n.Value, err = readProofBytes(r)
		return n, err
	case ProofNodeKVValueHash, ProofNodeKVValueHashFeatureType:
		if n.Key, err = readProofBytes(r); err != nil {
			return n, err
		}
		if n.Value, err = readProofBytes(r); err != nil {
			return n, err
		}
		if err := readProofHash(r, &n.ValueHash); err != nil {
			return n, err
		}
		if n.Kind == ProofNodeKVValueHashFeatureType {
			if err := readFeatureCount(r, &n); err != nil {
				return n, err
			}
		}
		return n, nil
	case ProofNodeKVDigest, ProofNodeKVDigestFeatureType:
		if n.Key, err = readProofBytes(r); err != nil {
			return n, err
		}
		if err := readProofHash(r, &n.ValueHash); err != nil {
			return n, err
		}
		if n.Kind == ProofNodeKVDigestFeatureType {
			if err := readFeatureCount(r, &n); err != nil {
				return n, err
			}
		}
		return n, nil
	case ProofNodeKVRefValueHash:
		if n.Key, err = readProofBytes(r); err != nil {
			return n, err
		}
		if n.Value, err = readProofBytes(r); err != nil {
			return n, err
		}
		return n, readProofHash(r, &n.RefHash)
	default:
		return n, fmt.Errorf("%w: unknown proof node kind 0x%02x", ErrInvalidProof, kindByte)
	}
}

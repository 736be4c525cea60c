package grovedb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"

	"github.com/private-tech-inc/go-grovedb/merk"
)

// The element wire format is a discriminant byte followed by the
// variant's fields big-endian, with variable-length fields varint
// prefixed and optional fields behind a presence byte. Flags come
// last on every variant. Decoders reject unknown discriminants and
// trailing bytes.

func appendVarBytes(buf, b []byte) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	buf = append(buf, lenBuf[:n]...)
	return append(buf, b...)
}

func readVarBytes(r *bytes.Reader) ([]byte, error) {
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

func appendOptBytes(buf, b []byte) []byte {
	if b == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return appendVarBytes(buf, b)
}

func readOptBytes(r *bytes.Reader) ([]byte, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0:
		return nil, nil
	case 1:
		return readVarBytes(r)
	default:
		return nil, fmt.Errorf("%w: bad option tag %d", ErrCorruptedData, tag)
	}
}

func appendUint64(buf []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, v)
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func appendInt128(buf []byte, v *big.Int) []byte {
	var b [16]byte
	x := new(big.Int).Set(v)
	if x.Sign() < 0 {
		x.Add(x, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	x.FillBytes(b[:])
	return append(buf, b[:]...)
}

func readInt128(r *bytes.Reader) (*big.Int, error) {
	var b [16]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, err
	}
	x := new(big.Int).SetBytes(b[:])
	if b[0]&0x80 != 0 {
		x.Sub(x, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	return x, nil
}

func appendSegments(buf []byte, segs [][]byte) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(segs)))
	buf = append(buf, lenBuf[:n]...)
	for _, s := range segs {
		buf = appendVarBytes(buf, s)
	}
	return buf
}

func readSegments(r *bytes.Reader) ([][]byte, error) {
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if count > uint64(r.Len()) {
		return nil, io.ErrUnexpectedEOF
	}
	segs := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		s, err := readVarBytes(r)
		if err != nil {
			return nil, err
		}
		segs = append(segs, s)
	}
	return segs, nil
}

func appendReference(buf []byte, ref *Reference) []byte {
	buf = append(buf, byte(ref.Type))
	buf = appendSegments(buf, ref.Segments)
	buf = append(buf, ref.Height, ref.MaxHop)
	return buf
}

func readReference(r *bytes.Reader) (*Reference, error) {
	t, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if ReferenceType(t) > ReferenceSibling {
		return nil, fmt.Errorf("%w: unknown reference type %d", ErrCorruptedData, t)
	}
	segs, err := readSegments(r)
	if err != nil {
		return nil, err
	}
	height, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	maxHop, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	return &Reference{Type: ReferenceType(t), Segments: segs, Height: height, MaxHop: maxHop}, nil
}

// Serialize encodes the element to its wire bytes.
func (e *Element) Serialize() ([]byte, error) {
	buf := make([]byte, 0, 16+len(e.Value)+len(e.Flags))
	buf = append(buf, byte(e.Type))
	switch e.Type {
	case ElementItem:
		buf = appendVarBytes(buf, e.Value)
	case ElementReference:
		if e.Ref == nil {
			return nil, fmt.Errorf("%w: reference element without reference", ErrInvalidInput)
		}
		buf = appendReference(buf, e.Ref)
	case ElementTree:
		buf = appendOptBytes(buf, e.RootKey)
	case ElementSumItem:
		buf = appendUint64(buf, uint64(e.Sum))
	case ElementSumTree:
		buf = appendOptBytes(buf, e.RootKey)
		buf = appendUint64(buf, uint64(e.Sum))
	case ElementBigSumTree:
		buf = appendOptBytes(buf, e.RootKey)
		buf = appendInt128(buf, e.bigSum())
	case ElementCountTree:
		buf = appendOptBytes(buf, e.RootKey)
		buf = appendUint64(buf, e.Count)
	case ElementCountSumTree:
		buf = appendOptBytes(buf, e.RootKey)
		buf = appendUint64(buf, e.Count)
		buf = appendUint64(buf, uint64(e.Sum))
	case ElementItemWithSumItem:
		buf = appendVarBytes(buf, e.Value)
		buf = appendUint64(buf, uint64(e.Sum))
	case ElementProvableCountTree:
		buf = appendOptBytes(buf, e.RootKey)
		buf = appendUint64(buf, e.Count)
	case ElementProvableCountSumTree:
		buf = appendOptBytes(buf, e.RootKey)
		buf = appendUint64(buf, e.Count)
		buf = appendUint64(buf, uint64(e.Sum))
	case ElementCommitmentTree, ElementMMRTree, ElementBulkAppendTree:
		buf = appendUint64(buf, e.Count)
	case ElementDenseFixedTree:
		buf = appendUint64(buf, e.Capacity)
		buf = appendUint64(buf, e.Count)
	default:
		return nil, fmt.Errorf("%w: unknown element type %d", ErrInvalidInput, e.Type)
	}
	buf = appendOptBytes(buf, e.Flags)
	return buf, nil
}

// DeserializeElement decodes element wire bytes, rejecting unknown
// discriminants and trailing bytes.
func DeserializeElement(data []byte) (*Element, error) {
	r := bytes.NewReader(data)
	t, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: empty element bytes", ErrCorruptedData)
	}
	e := &Element{Type: ElementType(t)}
	if e.Type > maxElementType {
		return nil, fmt.Errorf("%w: unknown element discriminant %d", ErrCorruptedData, t)
	}
	fail := func(err error) (*Element, error) {
		return nil, fmt.Errorf("%w: truncated element: %v", ErrCorruptedData, err)
	}
	switch e.Type {
	case ElementItem:
		if e.Value, err = readVarBytes(r); err != nil {
			return fail(err)
		}
	case ElementReference:
		if e.Ref, err = readReference(r); err != nil {
			return fail(err)
		}
	case ElementTree:
		if e.RootKey, err = readOptBytes(r); err != nil {
			return fail(err)
		}
	case ElementSumItem:
		v, err := readUint64(r)
		if err != nil {
			return fail(err)
		}
		e.Sum = int64(v)
	case ElementSumTree:
		if e.RootKey, err = readOptBytes(r); err != nil {
			return fail(err)
		}
		v, err := readUint64(r)
		if err != nil {
			return fail(err)
		}
		e.Sum = int64(v)
	case ElementBigSumTree:
		if e.RootKey, err = readOptBytes(r); err != nil {
			return fail(err)
		}
		if e.BigSum, err = readInt128(r); err != nil {
			return fail(err)
		}
	case ElementCountTree, ElementProvableCountTree:
		if e.RootKey, err = readOptBytes(r); err != nil {
			return fail(err)
		}
		if e.Count, err = readUint64(r); err != nil {
			return fail(err)
		}
	case ElementCountSumTree, ElementProvableCountSumTree:
		if e.RootKey, err = readOptBytes(r); err != nil {
			return fail(err)
		}
		if e.Count, err = readUint64(r); err != nil {
			return fail(err)
		}
		v, err := readUint64(r)
		if err != nil {
			return fail(err)
		}
		e.Sum = int64(v)
	case ElementItemWithSumItem:
		if e.Value, err = readVarBytes(r); err != nil {
			return fail(err)
		}
		v, err := readUint64(r)
		if err != nil {
			return fail(err)
		}
		e.Sum = int64(v)
	case ElementCommitmentTree, ElementMMRTree, ElementBulkAppendTree:
		if e.Count, err = readUint64(r); err != nil {
			return fail(err)
		}
	case ElementDenseFixedTree:
		if e.Capacity, err = readUint64(r); err != nil {
			return fail(err)
		}
		if e.Count, err = readUint64(r); err != nil {
			return fail(err)
		}
	}
	if e.Flags, err = readOptBytes(r); err != nil {
		return fail(err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after element", ErrCorruptedData, r.Len())
	}
	return e, nil
}

// Hash returns H(element bytes) with the module's length-prefix
// convention, the left half of every combined value hash.
func (e *Element) Hash() (merk.Hash, error) {
	data, err := e.Serialize()
	if err != nil {
		return merk.NullHash, err
	}
	return merk.ValueHash(data), nil
}

package merk

import (
	"encoding/binary"

	"lukechampine.com/blake3"
)

// HashLen is the byte length of every hash in the tree.
const HashLen = 32

// Hash is a 32-byte blake3 digest.
type Hash [HashLen]byte

// NullHash is the hash contributed by a missing child.
var NullHash = Hash{}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool { return h == NullHash }

// HashOf hashes arbitrary bytes.
func HashOf(data []byte) Hash {
	return blake3.Sum256(data)
}

// varintPrefixed hashes varint(len(data)) || data. Length prefixing
// keeps variable-length inputs injective.
func varintPrefixed(data []byte) Hash {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(data)))
	h := blake3.New(HashLen, nil)
	h.Write(lenBuf[:n])
	h.Write(data)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ValueHash hashes a plain value: H(varint(value.len) || value).
func ValueHash(value []byte) Hash {
	return varintPrefixed(value)
}

// KVHash binds a key to its value hash:
// H(varint(key.len) || key || value_hash).
func KVHash(key []byte, valueHash Hash) Hash {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(key)))
	h := blake3.New(HashLen, nil)
	h.Write(lenBuf[:n])
	h.Write(key)
	h.Write(valueHash[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// CombineHash hashes exactly 64 bytes: H(a || b). One blake3 block.
func CombineHash(a, b Hash) Hash {
	var buf [2 * HashLen]byte
	copy(buf[:HashLen], a[:])
	copy(buf[HashLen:], b[:])
	return blake3.Sum256(buf[:])
}

// NodeHash combines a node's kv hash with its child hashes over a
// fixed 96-byte input. Missing children contribute NullHash.
func NodeHash(kv, left, right Hash) Hash {
	var buf [3 * HashLen]byte
	copy(buf[:HashLen], kv[:])
	copy(buf[HashLen:2*HashLen], left[:])
	copy(buf[2*HashLen:], right[:])
	return blake3.Sum256(buf[:])
}

// NodeHashWithCount is NodeHash with the subtree count appended
// big-endian, used by the provable-count feature types so the count
// is bound into the root.
func NodeHashWithCount(kv, left, right Hash, count uint64) Hash {
	var buf [3*HashLen + 8]byte
	copy(buf[:HashLen], kv[:])
	copy(buf[HashLen:2*HashLen], left[:])
	copy(buf[2*HashLen:3*HashLen], right[:])
	binary.BigEndian.PutUint64(buf[3*HashLen:], count)
	return blake3.Sum256(buf[:])
}

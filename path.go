package grovedb

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"lukechampine.com/blake3"

	"github.com/private-tech-inc/go-grovedb/storage"
)

// Path is an ordered sequence of byte-string segments locating a
// subtree. The empty path is the root subtree.
type Path [][]byte

// RootPath is the path of the root subtree.
func RootPath() Path { return Path{} }

// IsRoot reports whether the path is the root subtree.
func (p Path) IsRoot() bool { return len(p) == 0 }

// Child returns the path extended by one segment.
func (p Path) Child(segment []byte) Path {
	out := make(Path, 0, len(p)+1)
	out = append(out, p...)
	return append(out, segment)
}

// Parent returns the path with its last segment removed and that
// segment. Calling Parent on the root returns the root and nil.
func (p Path) Parent() (Path, []byte) {
	if len(p) == 0 {
		return p, nil
	}
	return p[:len(p)-1], p[len(p)-1]
}

// Equal reports segment-wise equality.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if !bytes.Equal(p[i], other[i]) {
			return false
		}
	}
	return true
}

// Clone deep-copies the path.
func (p Path) Clone() Path {
	out := make(Path, len(p))
	for i, s := range p {
		out[i] = append([]byte(nil), s...)
	}
	return out
}

// Prefix derives the subtree's 32-byte storage namespace. Segment
// count and each segment are varint-length-prefixed before hashing so
// distinct paths can never produce the same input.
func (p Path) Prefix() []byte {
	h := blake3.New(storage.PrefixLen, nil)
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(p)))
	h.Write(lenBuf[:n])
	for _, seg := range p {
		n = binary.PutUvarint(lenBuf[:], uint64(len(seg)))
		h.Write(lenBuf[:n])
		h.Write(seg)
	}
	return h.Sum(nil)
}

// String renders the path for logs: hex segments joined by '/'.
func (p Path) String() string {
	if len(p) == 0 {
		return "(root)"
	}
	segs := make([]string, len(p))
	for i, s := range p {
		segs[i] = hex.EncodeToString(s)
	}
	return strings.Join(segs, "/")
}

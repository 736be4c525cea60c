package merk

import (
	"fmt"
	"math"
	"math/big"
)

// FeatureType selects which aggregates a node maintains and whether
// they are folded into its node hash.
type FeatureType byte

const (
	// BasicMerkNode maintains no aggregate.
	BasicMerkNode FeatureType = 0
	// SummedMerkNode maintains a signed 64-bit subtree sum.
	SummedMerkNode FeatureType = 1
	// BigSummedMerkNode maintains a signed 128-bit subtree sum.
	BigSummedMerkNode FeatureType = 2
	// CountedMerkNode maintains a subtree element count.
	CountedMerkNode FeatureType = 3
	// CountedSummedMerkNode maintains both count and 64-bit sum.
	CountedSummedMerkNode FeatureType = 4
	// ProvableCountedMerkNode maintains a count bound into node_hash.
	ProvableCountedMerkNode FeatureType = 5
	// ProvableCountedSummedMerkNode maintains a bound count plus sum.
	ProvableCountedSummedMerkNode FeatureType = 6
)

func (f FeatureType) valid() bool { return f <= ProvableCountedSummedMerkNode }

func (f FeatureType) hasSum() bool {
	return f == SummedMerkNode || f == CountedSummedMerkNode ||
		f == ProvableCountedSummedMerkNode
}

func (f FeatureType) hasBigSum() bool { return f == BigSummedMerkNode }

func (f FeatureType) hasCount() bool {
	return f == CountedMerkNode || f == CountedSummedMerkNode ||
		f == ProvableCountedMerkNode || f == ProvableCountedSummedMerkNode
}

// countInNodeHash reports whether the count participates in the node
// hash input.
func (f FeatureType) countInNodeHash() bool {
	return f == ProvableCountedMerkNode || f == ProvableCountedSummedMerkNode
}

// i128 domain bounds: [-2^127, 2^127).
var (
	bigSumBound    = new(big.Int).Lsh(big.NewInt(1), 127)
	bigSumNegBound = new(big.Int).Neg(bigSumBound)
)

// Aggregate is the propagated per-subtree total. Which fields are
// meaningful depends on the FeatureType of the tree the node lives
// in; unused fields stay zero.
type Aggregate struct {
	Sum    int64
	BigSum *big.Int
	Count  uint64
}

func (a Aggregate) bigSum() *big.Int {
	if a.BigSum == nil {
		return new(big.Int)
	}
	return a.BigSum
}

// Add folds another aggregate into a, failing on domain overflow.
func (a Aggregate) Add(f FeatureType, other Aggregate) (Aggregate, error) {
	out := a
	if f.hasSum() {
		sum, ok := addInt64(a.Sum, other.Sum)
		if !ok {
			return Aggregate{}, fmt.Errorf("%w: sum %d + %d leaves int64", ErrOverflow, a.Sum, other.Sum)
		}
		out.Sum = sum
	}
	if f.hasBigSum() {
		s := new(big.Int).Add(a.bigSum(), other.bigSum())
		if s.Cmp(bigSumBound) >= 0 || s.Cmp(bigSumNegBound) < 0 {
			return Aggregate{}, fmt.Errorf("%w: big sum leaves i128", ErrOverflow)
		}
		out.BigSum = s
	}
	if f.hasCount() {
		if a.Count > math.MaxUint64-other.Count {
			return Aggregate{}, fmt.Errorf("%w: count leaves uint64", ErrOverflow)
		}
		out.Count = a.Count + other.Count
	}
	return out, nil
}

func addInt64(a, b int64) (int64, bool) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, false
	}
	return s, true
}

// putInt128 writes v as 16-byte big-endian two's complement.
func putInt128(buf []byte, v *big.Int) {
	x := new(big.Int).Set(v)
	if x.Sign() < 0 {
		x.Add(x, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	x.FillBytes(buf[:16])
}

// getInt128 reads 16-byte big-endian two's complement.
func getInt128(buf []byte) *big.Int {
	x := new(big.Int).SetBytes(buf[:16])
	if buf[0]&0x80 != 0 {
		x.Sub(x, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	return x
}

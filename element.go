package grovedb

import (
	"math/big"

	"github.com/private-tech-inc/go-grovedb/merk"
)

// ElementType is the wire discriminant of an element variant. Values
// are fixed; the on-disk format depends on them.
type ElementType byte

const (
	// ElementItem is a raw byte-string value.
	ElementItem ElementType = 0
	// ElementReference points at an element elsewhere in the grove.
	ElementReference ElementType = 1
	// ElementTree is a subtree portal.
	ElementTree ElementType = 2
	// ElementSumItem is a signed 64-bit value participating in sums.
	ElementSumItem ElementType = 3
	// ElementSumTree is a portal to a sum-aggregating subtree.
	ElementSumTree ElementType = 4
	// ElementBigSumTree is a portal to a 128-bit sum subtree.
	ElementBigSumTree ElementType = 5
	// ElementCountTree is a portal to a counting subtree.
	ElementCountTree ElementType = 6
	// ElementCountSumTree is a portal to a count-and-sum subtree.
	ElementCountSumTree ElementType = 7
	// ElementItemWithSumItem is an item carrying a sum contribution.
	ElementItemWithSumItem ElementType = 8
	// ElementProvableCountTree is a count tree whose count is bound
	// into node hashes.
	ElementProvableCountTree ElementType = 9
	// ElementProvableCountSumTree additionally sums.
	ElementProvableCountSumTree ElementType = 10
	// ElementCommitmentTree is a portal to a commitment-tree subtree
	// engine.
	ElementCommitmentTree ElementType = 11
	// ElementMMRTree is a portal to a merkle-mountain-range subtree
	// engine.
	ElementMMRTree ElementType = 12
	// ElementBulkAppendTree is a portal to a bulk-append subtree
	// engine.
	ElementBulkAppendTree ElementType = 13
	// ElementDenseFixedTree is a portal to a dense fixed-capacity
	// subtree engine.
	ElementDenseFixedTree ElementType = 14
)

const maxElementType = ElementDenseFixedTree

// Element is the tagged value stored in a Merk node. Which fields are
// meaningful depends on Type; Flags carry optional application
// metadata on every variant.
type Element struct {
	Type ElementType

	Value    []byte     // Item, ItemWithSumItem
	Ref      *Reference // Reference
	RootKey  []byte     // Merk tree portals; nil for an empty child
	Sum      int64      // SumItem, ItemWithSumItem, SumTree, CountSumTree, ProvableCountSumTree
	BigSum   *big.Int   // BigSumTree
	Count    uint64     // count trees and non-Merk counters
	Capacity uint64     // DenseFixedTree

	Flags []byte
}

// NewItem builds a basic item element.
func NewItem(value []byte) *Element {
	return &Element{Type: ElementItem, Value: value}
}

// NewItemWithFlags builds a basic item with application flags.
func NewItemWithFlags(value, flags []byte) *Element {
	return &Element{Type: ElementItem, Value: value, Flags: flags}
}

// NewReference builds a reference element.
func NewReference(ref *Reference) *Element {
	return &Element{Type: ElementReference, Ref: ref}
}

// NewTree builds an empty subtree portal.
func NewTree() *Element { return &Element{Type: ElementTree} }

// NewSumItem builds a sum item.
func NewSumItem(sum int64) *Element {
	return &Element{Type: ElementSumItem, Sum: sum}
}

// NewItemWithSumItem builds an item that also contributes to sums.
func NewItemWithSumItem(value []byte, sum int64) *Element {
	return &Element{Type: ElementItemWithSumItem, Value: value, Sum: sum}
}

// NewSumTree builds an empty sum tree portal.
func NewSumTree() *Element { return &Element{Type: ElementSumTree} }

// NewBigSumTree builds an empty big sum tree portal.
func NewBigSumTree() *Element {
	return &Element{Type: ElementBigSumTree, BigSum: new(big.Int)}
}

// NewCountTree builds an empty count tree portal.
func NewCountTree() *Element { return &Element{Type: ElementCountTree} }

// NewCountSumTree builds an empty count-sum tree portal.
func NewCountSumTree() *Element { return &Element{Type: ElementCountSumTree} }

// NewProvableCountTree builds an empty provable count tree portal.
func NewProvableCountTree() *Element {
	return &Element{Type: ElementProvableCountTree}
}

// NewProvableCountSumTree builds an empty provable count-sum tree
// portal.
func NewProvableCountSumTree() *Element {
	return &Element{Type: ElementProvableCountSumTree}
}

// WithFlags sets the element's flags and returns it.
func (e *Element) WithFlags(flags []byte) *Element {
	e.Flags = flags
	return e
}

// IsMerkTree reports whether the element is a portal to a Merk-backed
// subtree.
func (e *Element) IsMerkTree() bool {
	switch e.Type {
	case ElementTree, ElementSumTree, ElementBigSumTree, ElementCountTree,
		ElementCountSumTree, ElementProvableCountTree, ElementProvableCountSumTree:
		return true
	}
	return false
}

// IsNonMerkTree reports whether the element is a portal to a
// non-Merk subtree engine.
func (e *Element) IsNonMerkTree() bool {
	switch e.Type {
	case ElementCommitmentTree, ElementMMRTree, ElementBulkAppendTree, ElementDenseFixedTree:
		return true
	}
	return false
}

// IsAnyTree reports whether the element is any kind of subtree
// portal.
func (e *Element) IsAnyTree() bool { return e.IsMerkTree() || e.IsNonMerkTree() }

// IsReference reports whether the element is a reference.
func (e *Element) IsReference() bool { return e.Type == ElementReference }

// IsItem reports whether the element holds a direct value.
func (e *Element) IsItem() bool {
	return e.Type == ElementItem || e.Type == ElementSumItem || e.Type == ElementItemWithSumItem
}

// featureForTreeType maps a subtree portal variant to the feature
// type of the nodes inside that subtree.
func featureForTreeType(t ElementType) merk.FeatureType {
	switch t {
	case ElementSumTree:
		return merk.SummedMerkNode
	case ElementBigSumTree:
		return merk.BigSummedMerkNode
	case ElementCountTree:
		return merk.CountedMerkNode
	case ElementCountSumTree:
		return merk.CountedSummedMerkNode
	case ElementProvableCountTree:
		return merk.ProvableCountedMerkNode
	case ElementProvableCountSumTree:
		return merk.ProvableCountedSummedMerkNode
	default:
		return merk.BasicMerkNode
	}
}

// sumContribution is what the element adds to an enclosing sum.
func (e *Element) sumContribution() int64 {
	switch e.Type {
	case ElementSumItem, ElementItemWithSumItem:
		return e.Sum
	case ElementSumTree, ElementCountSumTree, ElementProvableCountSumTree:
		// A nested sum subtree bubbles its own total upward.
		return e.Sum
	}
	return 0
}

// countContribution is what the element adds to an enclosing count.
func (e *Element) countContribution() uint64 {
	switch e.Type {
	case ElementCountTree, ElementCountSumTree, ElementProvableCountTree, ElementProvableCountSumTree:
		return e.Count
	}
	return 1
}

// ownAggregate computes the element's contribution to its containing
// subtree's aggregate. Unused fields are ignored by the tree's
// feature type.
func (e *Element) ownAggregate() merk.Aggregate {
	var a merk.Aggregate
	a.Sum = e.sumContribution()
	a.Count = e.countContribution()
	if e.Type == ElementBigSumTree {
		a.BigSum = new(big.Int).Set(e.bigSum())
	} else {
		a.BigSum = big.NewInt(e.sumContribution())
	}
	return a
}

func (e *Element) bigSum() *big.Int {
	if e.BigSum == nil {
		return new(big.Int)
	}
	return e.BigSum
}

package merk

import (
	"bytes"
	"sort"
)

// QueryItem selects an exact key or one of the nine range forms over
// the key space. A nil Start or End means unbounded on that side.
type QueryItem struct {
	Key []byte // exact-key item when IsRange is false

	IsRange        bool
	Start          []byte
	StartExclusive bool
	End            []byte
	EndInclusive   bool
}

// NewKeyItem selects exactly one key.
func NewKeyItem(key []byte) QueryItem { return QueryItem{Key: key} }

// NewRangeItem selects [start, end).
func NewRangeItem(start, end []byte) QueryItem {
	return QueryItem{IsRange: true, Start: start, End: end}
}

// NewRangeInclusiveItem selects [start, end].
func NewRangeInclusiveItem(start, end []byte) QueryItem {
	return QueryItem{IsRange: true, Start: start, End: end, EndInclusive: true}
}

// NewRangeFullItem selects every key.
func NewRangeFullItem() QueryItem { return QueryItem{IsRange: true} }

// NewRangeFromItem selects [start, ∞).
func NewRangeFromItem(start []byte) QueryItem {
	return QueryItem{IsRange: true, Start: start}
}

// NewRangeToItem selects (-∞, end).
func NewRangeToItem(end []byte) QueryItem {
	return QueryItem{IsRange: true, End: end}
}

// NewRangeToInclusiveItem selects (-∞, end].
func NewRangeToInclusiveItem(end []byte) QueryItem {
	return QueryItem{IsRange: true, End: end, EndInclusive: true}
}

// NewRangeAfterItem selects (start, ∞).
func NewRangeAfterItem(start []byte) QueryItem {
	return QueryItem{IsRange: true, Start: start, StartExclusive: true}
}

// NewRangeAfterToItem selects (start, end).
func NewRangeAfterToItem(start, end []byte) QueryItem {
	return QueryItem{IsRange: true, Start: start, StartExclusive: true, End: end}
}

// NewRangeAfterToInclusiveItem selects (start, end].
func NewRangeAfterToInclusiveItem(start, end []byte) QueryItem {
	return QueryItem{IsRange: true, Start: start, StartExclusive: true, End: end, EndInclusive: true}
}

// Contains reports whether the item selects key.
func (q QueryItem) Contains(key []byte) bool {
	if !q.IsRange {
		return bytes.Equal(q.Key, key)
	}
	if q.Start != nil {
		cmp := bytes.Compare(key, q.Start)
		if cmp < 0 || (cmp == 0 && q.StartExclusive) {
			return false
		}
	}
	if q.End != nil {
		cmp := bytes.Compare(key, q.End)
		if cmp > 0 || (cmp == 0 && !q.EndInclusive) {
			return false
		}
	}
	return true
}

// lower returns the item's lower bound key (nil = unbounded).
func (q QueryItem) lower() []byte {
	if !q.IsRange {
		return q.Key
	}
	return q.Start
}

// upper returns the item's upper bound key (nil = unbounded).
func (q QueryItem) upper() []byte {
	if !q.IsRange {
		return q.Key
	}
	return q.End
}

// entirelyBefore reports whether every key the item can select is
// < key.
func (q QueryItem) entirelyBefore(key []byte) bool {
	u := q.upper()
	if q.IsRange && u == nil {
		return false
	}
	cmp := bytes.Compare(u, key)
	if !q.IsRange {
		return cmp < 0
	}
	return cmp < 0 || (cmp == 0 && !q.EndInclusive)
}

// entirelyAfter reports whether every key the item can select is
// > key.
func (q QueryItem) entirelyAfter(key []byte) bool {
	l := q.lower()
	if q.IsRange && l == nil {
		return false
	}
	cmp := bytes.Compare(l, key)
	if !q.IsRange {
		return cmp > 0
	}
	return cmp > 0 || (cmp == 0 && q.StartExclusive)
}

// overlapsBelow reports whether the item can select any key < key.
func (q QueryItem) overlapsBelow(key []byte) bool {
	l := q.lower()
	if q.IsRange && l == nil {
		return true
	}
	return bytes.Compare(l, key) < 0
}

// overlapsAbove reports whether the item can select any key > key.
func (q QueryItem) overlapsAbove(key []byte) bool {
	u := q.upper()
	if q.IsRange && u == nil {
		return true
	}
	return bytes.Compare(u, key) > 0
}

// SortQueryItems orders items by lower bound, unbounded-low first.
func SortQueryItems(items []QueryItem) {
	sort.SliceStable(items, func(i, j int) bool {
		li, lj := items[i].lower(), items[j].lower()
		switch {
		case items[i].IsRange && li == nil:
			return !(items[j].IsRange && lj == nil)
		case items[j].IsRange && lj == nil:
			return false
		default:
			return bytes.Compare(li, lj) < 0
		}
	})
}

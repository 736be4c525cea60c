package grovedb

import (
	"github.com/private-tech-inc/go-grovedb/merk"
)

// SubqueryBranch attaches a deeper query to matched subtree portals.
// When Key is non-nil the subquery is applied under that key inside
// the matched subtree instead of at its top level.
type SubqueryBranch struct {
	Key      []byte
	Subquery *Query
}

// ConditionalSubqueryBranch scopes a subquery branch to portal keys
// matched by Item.
type ConditionalSubqueryBranch struct {
	Item   merk.QueryItem
	Branch SubqueryBranch
}

// Query selects keys inside one subtree and optionally descends into
// matched subtree portals.
type Query struct {
	Items []merk.QueryItem
	// DefaultSubquery applies to every matched portal without a
	// conditional branch.
	DefaultSubquery *SubqueryBranch
	// ConditionalSubqueries are consulted in order; the first branch
	// whose item contains the portal key wins.
	ConditionalSubqueries []ConditionalSubqueryBranch
	// LeftToRight is the iteration direction; true unless flipped.
	LeftToRight bool
	// AddParentTreeOnSubquery includes the portal element itself in
	// the result set (consuming a limit slot) before descending.
	AddParentTreeOnSubquery bool
}

// NewQuery returns an empty left-to-right query.
func NewQuery() *Query { return &Query{LeftToRight: true} }

// InsertKey adds an exact-key item.
func (q *Query) InsertKey(key []byte) {
	q.Items = append(q.Items, merk.NewKeyItem(key))
}

// InsertRange adds a [start, end) item.
func (q *Query) InsertRange(start, end []byte) {
	q.Items = append(q.Items, merk.NewRangeItem(start, end))
}

// InsertRangeInclusive adds a [start, end] item.
func (q *Query) InsertRangeInclusive(start, end []byte) {
	q.Items = append(q.Items, merk.NewRangeInclusiveItem(start, end))
}

// InsertRangeFull selects the whole subtree.
func (q *Query) InsertRangeFull() {
	q.Items = append(q.Items, merk.NewRangeFullItem())
}

// InsertRangeFrom adds a [start, ∞) item.
func (q *Query) InsertRangeFrom(start []byte) {
	q.Items = append(q.Items, merk.NewRangeFromItem(start))
}

// InsertRangeTo adds a (-∞, end) item.
func (q *Query) InsertRangeTo(end []byte) {
	q.Items = append(q.Items, merk.NewRangeToItem(end))
}

// InsertRangeToInclusive adds a (-∞, end] item.
func (q *Query) InsertRangeToInclusive(end []byte) {
	q.Items = append(q.Items, merk.NewRangeToInclusiveItem(end))
}

// InsertRangeAfter adds an (start, ∞) item.
func (q *Query) InsertRangeAfter(start []byte) {
	q.Items = append(q.Items, merk.NewRangeAfterItem(start))
}

// InsertRangeAfterTo adds an (start, end) item.
func (q *Query) InsertRangeAfterTo(start, end []byte) {
	q.Items = append(q.Items, merk.NewRangeAfterToItem(start, end))
}

// InsertRangeAfterToInclusive adds an (start, end] item.
func (q *Query) InsertRangeAfterToInclusive(start, end []byte) {
	q.Items = append(q.Items, merk.NewRangeAfterToInclusiveItem(start, end))
}

// SetSubquery sets the default subquery applied to matched portals.
func (q *Query) SetSubquery(sub *Query) {
	q.DefaultSubquery = &SubqueryBranch{Subquery: sub}
}

// SetSubqueryKey scopes the default subquery under a key inside
// matched portals.
func (q *Query) SetSubqueryKey(key []byte) {
	if q.DefaultSubquery == nil {
		q.DefaultSubquery = &SubqueryBranch{}
	}
	q.DefaultSubquery.Key = key
}

// AddConditionalSubquery scopes a subquery to portals matched by
// item.
func (q *Query) AddConditionalSubquery(item merk.QueryItem, key []byte, sub *Query) {
	q.ConditionalSubqueries = append(q.ConditionalSubqueries, ConditionalSubqueryBranch{
		Item:   item,
		Branch: SubqueryBranch{Key: key, Subquery: sub},
	})
}

// subqueryFor picks the branch applying to a matched portal key.
func (q *Query) subqueryFor(key []byte) *SubqueryBranch {
	for _, c := range q.ConditionalSubqueries {
		if c.Item.Contains(key) {
			b := c.Branch
			return &b
		}
	}
	return q.DefaultSubquery
}

// SizedQuery bounds a query with a limit and offset over matched
// elements.
type SizedQuery struct {
	Query  *Query
	Limit  *uint16
	Offset *uint16
}

// NewSizedQuery wraps a query without bounds.
func NewSizedQuery(q *Query) *SizedQuery { return &SizedQuery{Query: q} }

// WithLimit caps the number of returned elements.
func (s *SizedQuery) WithLimit(limit uint16) *SizedQuery {
	s.Limit = &limit
	return s
}

// WithOffset skips matched elements before returning any.
func (s *SizedQuery) WithOffset(offset uint16) *SizedQuery {
	s.Offset = &offset
	return s
}

// PathQuery addresses a SizedQuery at a subtree path.
type PathQuery struct {
	Path  Path
	Query *SizedQuery
}

// NewPathQuery builds a path query.
func NewPathQuery(path Path, query *SizedQuery) *PathQuery {
	return &PathQuery{Path: path, Query: query}
}

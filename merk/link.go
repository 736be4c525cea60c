package merk

// linkState tags the four lifecycle states of a parent→child
// connection.
type linkState byte

const (
	// linkReference: only metadata in memory, child on disk.
	linkReference linkState = iota
	// linkLoaded: metadata plus the child tree in memory, clean.
	linkLoaded
	// linkModified: child tree in memory, dirty, hash invalid.
	linkModified
	// linkUncommitted: child tree in memory with a freshly computed
	// hash, awaiting its disk write.
	linkUncommitted
)

// Link connects a parent node to a child subtree. State transitions:
// Reference → Loaded on access, Loaded → Modified on mutation,
// Modified → Uncommitted at commit, Uncommitted → Reference (or
// Loaded) after flush.
type Link struct {
	state        linkState
	hash         Hash      // Reference, Loaded, Uncommitted
	tree         *TreeNode // Loaded, Modified, Uncommitted
	key          []byte    // Reference (child key)
	childHeights [2]uint8  // Reference (child's child heights)
	agg          Aggregate // Reference (cached child subtree aggregate)

	// pendingWrites is 1 plus the children's pending writes, tracked
	// on Modified links so commit can schedule writes.
	pendingWrites int
}

// NewReferenceLink builds a pruned link from persisted metadata.
func NewReferenceLink(key []byte, hash Hash, childHeights [2]uint8, agg Aggregate) *Link {
	return &Link{state: linkReference, key: key, hash: hash, childHeights: childHeights, agg: agg}
}

// NewModifiedLink wraps a dirty in-memory child.
func NewModifiedLink(tree *TreeNode) *Link {
	return &Link{state: linkModified, tree: tree, pendingWrites: 1 + tree.pendingWrites()}
}

// NewLoadedLink wraps a clean, committed in-memory child.
func NewLoadedLink(tree *TreeNode) *Link {
	return &Link{state: linkLoaded, tree: tree, hash: tree.nodeHash}
}

func (n *TreeNode) pendingWrites() int {
	total := 0
	for _, l := range []*Link{n.left, n.right} {
		if l != nil && l.state == linkModified {
			total += l.pendingWrites
		}
	}
	return total
}

// Key returns the child's key regardless of state.
func (l *Link) Key() []byte {
	if l.tree != nil {
		return l.tree.KV.Key
	}
	return l.key
}

// Hash returns the child subtree's root hash. Invalid on Modified
// links.
func (l *Link) Hash() Hash {
	if l.state == linkModified {
		// A modified child has no valid hash yet; commit first.
		return NullHash
	}
	if l.tree != nil {
		return l.tree.nodeHash
	}
	return l.hash
}

// Aggregate returns the child subtree's aggregate.
func (l *Link) Aggregate() Aggregate {
	if l.tree != nil && l.tree.hashValid {
		return l.tree.agg
	}
	return l.agg
}

// ChildHeights returns the child node's (left, right) heights.
func (l *Link) ChildHeights() [2]uint8 {
	if l.tree != nil {
		lh, rh := l.tree.ChildHeights()
		return [2]uint8{lh, rh}
	}
	return l.childHeights
}

// Height is the height of the child subtree.
func (l *Link) Height() uint8 {
	ch := l.ChildHeights()
	if ch[0] > ch[1] {
		return ch[0] + 1
	}
	return ch[1] + 1
}

// Tree returns the in-memory child, or nil when pruned.
func (l *Link) Tree() *TreeNode { return l.tree }

// IsPruned reports whether the child tree is not in memory.
func (l *Link) IsPruned() bool { return l.tree == nil }

// IsModified reports whether the child is dirty.
func (l *Link) IsModified() bool { return l.state == linkModified }

// intoReference drops the in-memory tree, keeping metadata. Only
// valid on clean (Loaded or Uncommitted) links.
func (l *Link) intoReference() {
	if l.state == linkModified {
		panic("pruning a modified link")
	}
	if l.tree == nil {
		l.state = linkReference
		return
	}
	lh, rh := l.tree.ChildHeights()
	l.key = l.tree.KV.Key
	l.hash = l.tree.nodeHash
	l.childHeights = [2]uint8{lh, rh}
	l.agg = l.tree.agg
	l.tree = nil
	l.state = linkReference
}

// intoLoaded marks an uncommitted link clean after its flush.
func (l *Link) intoLoaded() {
	if l.state != linkUncommitted {
		return
	}
	l.hash = l.tree.nodeHash
	l.state = linkLoaded
}

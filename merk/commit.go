package merk

import (
	"context"
)

// Committer receives the bottom-up stream of freshly hashed nodes.
// Write is called once per dirty node, children before parents.
// Prune reports whether the node's link should collapse back to a
// Reference after its write lands.
type Committer interface {
	Write(ctx context.Context, node *TreeNode) error
	Prune(node *TreeNode) bool
}

// storeCommitter writes encoded nodes through a Store and prunes
// everything.
type storeCommitter struct {
	store Store
}

func (c storeCommitter) Write(ctx context.Context, node *TreeNode) error {
	data, err := node.Encode()
	if err != nil {
		return err
	}
	return c.store.PutNode(ctx, node.KV.Key, data)
}

func (c storeCommitter) Prune(*TreeNode) bool { return true }

// commitNode recursively commits the dirty subtree rooted at node:
// children first, then hash recomputation, then the node's own write.
// Links transition Modified → Uncommitted → Reference/Loaded.
func commitNode(ctx context.Context, node *TreeNode, c Committer) error {
	if node.hashValid {
		return nil
	}
	for _, l := range []*Link{node.left, node.right} {
		if l == nil || l.tree == nil {
			continue
		}
		if l.state == linkModified {
			if err := commitNode(ctx, l.tree, c); err != nil {
				return err
			}
			l.state = linkUncommitted
			l.pendingWrites = 0
		}
	}
	if err := node.computeHashes(); err != nil {
		return err
	}
	if err := c.Write(ctx, node); err != nil {
		return err
	}
	// Flush phase for the children: writes have landed, settle each
	// uncommitted link per the prune policy.
	for _, l := range []*Link{node.left, node.right} {
		if l == nil || l.tree == nil || l.state != linkUncommitted {
			continue
		}
		if c.Prune(l.tree) {
			l.intoReference()
		} else {
			l.intoLoaded()
		}
	}
	return nil
}

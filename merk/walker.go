package merk

import (
	"context"
	"errors"
	"fmt"

	"github.com/private-tech-inc/go-grovedb/storage"
)

// Fetcher loads a pruned child subtree by its key.
type Fetcher interface {
	FetchNode(ctx context.Context, key []byte) (*TreeNode, error)
}

// storeFetcher adapts a Store into a Fetcher.
type storeFetcher struct {
	store Store
}

func (f storeFetcher) FetchNode(ctx context.Context, key []byte) (*TreeNode, error) {
	data, err := f.store.GetNode(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: missing child %x", ErrCorruptedReference, key)
	}
	if err != nil {
		return nil, err
	}
	return DecodeNode(key, data)
}

// Walker owns a subtree during traversal. It detaches children
// (loading them through the fetcher when pruned), hands them to
// transformation callbacks, and re-attaches the results as Modified
// links. Ownership is taken and replaced rather than borrowed across
// the recursion.
type Walker struct {
	tree  *TreeNode
	fetch Fetcher
}

// NewWalker wraps a subtree root.
func NewWalker(tree *TreeNode, fetch Fetcher) *Walker {
	return &Walker{tree: tree, fetch: fetch}
}

// Tree returns the owned subtree root.
func (w *Walker) Tree() *TreeNode { return w.tree }

// Detach takes ownership of the child on the given side, loading it
// from storage if the link is pruned. Returns nil when there is no
// child. The link is removed from the parent.
func (w *Walker) Detach(ctx context.Context, left bool) (*Walker, error) {
	l := w.tree.Link(left)
	if l == nil {
		return nil, nil
	}
	w.tree.setLink(left, nil)
	if l.tree != nil {
		return &Walker{tree: l.tree, fetch: w.fetch}, nil
	}
	child, err := w.fetch.FetchNode(ctx, l.key)
	if err != nil {
		return nil, err
	}
	return &Walker{tree: child, fetch: w.fetch}, nil
}

// Attach re-attaches a child on the given side as a Modified link.
// A nil child leaves the side empty.
func (w *Walker) Attach(left bool, child *Walker) {
	if child == nil || child.tree == nil {
		w.tree.setLink(left, nil)
		return
	}
	w.tree.setLink(left, NewModifiedLink(child.tree))
}

// Walk detaches the child on the given side, passes it to f, and
// re-attaches whatever f returns.
func (w *Walker) Walk(ctx context.Context, left bool, f func(child *Walker) (*Walker, error)) error {
	child, err := w.Detach(ctx, left)
	if err != nil {
		return err
	}
	replacement, err := f(child)
	if err != nil {
		return err
	}
	w.Attach(left, replacement)
	return nil
}

package grovedb

import (
	"context"
	"errors"
	"fmt"
)

// ResolvedReference is the terminal element a reference chain points
// at, annotated with where it lives.
type ResolvedReference struct {
	Element *Element
	Path    Path
	Key     []byte
}

// ResolveReference reads the element at (path, key) and, if it is a
// reference, follows the chain to a terminal element. Terminal
// elements resolve to themselves.
func (g *GroveDB) ResolveReference(ctx context.Context, path Path, key []byte, tx *Transaction) (*ResolvedReference, error) {
	elem, err := g.getElement(ctx, path, key, tx)
	if err != nil {
		return nil, err
	}
	if !elem.IsReference() {
		return &ResolvedReference{Element: elem, Path: path.Clone(), Key: key}, nil
	}
	return g.followReference(ctx, elem.Ref, path, key, tx)
}

// elementGetter abstracts where reference targets are read from, so
// batch validation can resolve against its in-batch overlay.
type elementGetter func(ctx context.Context, path Path, key []byte) (*Element, error)

// followReference walks a reference chain with cycle detection and a
// hop cap. Each step rewrites the reference against the path it is
// stored at, so relative forms compose across hops.
func (g *GroveDB) followReference(ctx context.Context, ref *Reference, currentPath Path, currentKey []byte, tx *Transaction) (*ResolvedReference, error) {
	get := func(ctx context.Context, path Path, key []byte) (*Element, error) {
		return g.getElement(ctx, path, key, tx)
	}
	return followReferenceWith(ctx, get, ref, currentPath, currentKey)
}

func followReferenceWith(ctx context.Context, get elementGetter, ref *Reference, currentPath Path, currentKey []byte) (*ResolvedReference, error) {
	hopsLeft := ref.hops()
	visited := map[string]struct{}{
		cacheKey(currentPath.Prefix(), currentKey): {},
	}
	for {
		targetPath, targetKey, err := ref.Resolve(currentPath, currentKey)
		if err != nil {
			return nil, err
		}
		vk := cacheKey(targetPath.Prefix(), targetKey)
		if _, seen := visited[vk]; seen {
			return nil, fmt.Errorf("%w: via %s/%x", ErrCyclicReference, targetPath, targetKey)
		}
		visited[vk] = struct{}{}
		hopsLeft--
		if hopsLeft < 0 {
			return nil, fmt.Errorf("%w: chain exceeds %d hops", ErrReferenceLimit, ref.hops())
		}
		elem, err := get(ctx, targetPath, targetKey)
		if err != nil {
			if errors.Is(err, ErrPathKeyNotFound) || errors.Is(err, ErrPathParentLayerNotFound) {
				return nil, fmt.Errorf("%w: %s/%x", ErrMissingReference, targetPath, targetKey)
			}
			return nil, err
		}
		if !elem.IsReference() {
			return &ResolvedReference{Element: elem, Path: targetPath, Key: targetKey}, nil
		}
		ref = elem.Ref
		currentPath, currentKey = targetPath, targetKey
	}
}

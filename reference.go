package grovedb

import (
	"fmt"
)

// ReferenceType is the wire discriminant of a reference path variant.
type ReferenceType byte

const (
	// ReferenceAbsolute targets a fully qualified path.
	ReferenceAbsolute ReferenceType = 0
	// ReferenceUpstreamRootHeight keeps the first N segments of the
	// current path and appends a tail.
	ReferenceUpstreamRootHeight ReferenceType = 1
	// ReferenceUpstreamRootHeightWithParentAddition additionally
	// re-appends the current parent's last segment before the final
	// key.
	ReferenceUpstreamRootHeightWithParentAddition ReferenceType = 2
	// ReferenceUpstreamFromElementHeight drops the last N segments of
	// the current path and appends a tail.
	ReferenceUpstreamFromElementHeight ReferenceType = 3
	// ReferenceCousin replaces the immediate parent segment.
	ReferenceCousin ReferenceType = 4
	// ReferenceRemovedCousin replaces the immediate parent segment
	// with a multi-segment tail.
	ReferenceRemovedCousin ReferenceType = 5
	// ReferenceSibling replaces only the final key.
	ReferenceSibling ReferenceType = 6
)

// MaxReferenceHops caps reference chains regardless of what a
// reference requests.
const MaxReferenceHops = 10

// Reference is a typed pointer to an element elsewhere in the grove.
// MaxHop of zero means the global cap applies.
type Reference struct {
	Type ReferenceType
	// Segments is the variant's path payload: the full path for
	// Absolute, the tail for the upstream variants, the replacement
	// segments for the cousin variants, the sibling key for Sibling.
	Segments [][]byte
	// Height is N for the upstream variants.
	Height uint8
	MaxHop uint8
}

// NewAbsoluteReference targets path ++ key.
func NewAbsoluteReference(path Path, key []byte) *Reference {
	segs := make([][]byte, 0, len(path)+1)
	segs = append(segs, path...)
	segs = append(segs, key)
	return &Reference{Type: ReferenceAbsolute, Segments: segs}
}

// NewUpstreamRootHeightReference keeps the first n segments of the
// holder's path and appends tail (whose last segment is the key).
func NewUpstreamRootHeightReference(n uint8, tail [][]byte) *Reference {
	return &Reference{Type: ReferenceUpstreamRootHeight, Height: n, Segments: tail}
}

// NewUpstreamRootHeightWithParentAdditionReference is the parent
// re-appending form.
func NewUpstreamRootHeightWithParentAdditionReference(n uint8, tail [][]byte) *Reference {
	return &Reference{Type: ReferenceUpstreamRootHeightWithParentAddition, Height: n, Segments: tail}
}

// NewUpstreamFromElementHeightReference drops the last n segments of
// the holder's path and appends tail.
func NewUpstreamFromElementHeightReference(n uint8, tail [][]byte) *Reference {
	return &Reference{Type: ReferenceUpstreamFromElementHeight, Height: n, Segments: tail}
}

// NewCousinReference replaces the holder's parent segment, keeping
// the key.
func NewCousinReference(parentKey []byte) *Reference {
	return &Reference{Type: ReferenceCousin, Segments: [][]byte{parentKey}}
}

// NewRemovedCousinReference replaces the holder's parent segment with
// several, keeping the key.
func NewRemovedCousinReference(segments [][]byte) *Reference {
	return &Reference{Type: ReferenceRemovedCousin, Segments: segments}
}

// NewSiblingReference targets another key in the holder's subtree.
func NewSiblingReference(key []byte) *Reference {
	return &Reference{Type: ReferenceSibling, Segments: [][]byte{key}}
}

// WithMaxHop sets the hop cap and returns the reference.
func (r *Reference) WithMaxHop(maxHop uint8) *Reference {
	r.MaxHop = maxHop
	return r
}

// hops returns the effective hop budget.
func (r *Reference) hops() int {
	if r.MaxHop == 0 || r.MaxHop > MaxReferenceHops {
		return MaxReferenceHops
	}
	return int(r.MaxHop)
}

// Resolve rewrites the reference against the path and key of the
// element holding it, yielding the absolute target path and key.
func (r *Reference) Resolve(currentPath Path, currentKey []byte) (Path, []byte, error) {
	switch r.Type {
	case ReferenceAbsolute:
		if len(r.Segments) == 0 {
			return nil, nil, fmt.Errorf("%w: empty absolute reference", ErrInvalidInput)
		}
		return Path(r.Segments[:len(r.Segments)-1]), r.Segments[len(r.Segments)-1], nil

	case ReferenceUpstreamRootHeight:
		if int(r.Height) > len(currentPath) || len(r.Segments) == 0 {
			return nil, nil, fmt.Errorf("%w: upstream height %d outside path", ErrInvalidInput, r.Height)
		}
		p := append(Path{}, currentPath[:r.Height]...)
		p = append(p, r.Segments[:len(r.Segments)-1]...)
		return p, r.Segments[len(r.Segments)-1], nil

	case ReferenceUpstreamRootHeightWithParentAddition:
		if int(r.Height) > len(currentPath) || len(r.Segments) == 0 || len(currentPath) == 0 {
			return nil, nil, fmt.Errorf("%w: upstream height %d outside path", ErrInvalidInput, r.Height)
		}
		p := append(Path{}, currentPath[:r.Height]...)
		p = append(p, r.Segments[:len(r.Segments)-1]...)
		p = append(p, currentPath[len(currentPath)-1])
		return p, r.Segments[len(r.Segments)-1], nil

	case ReferenceUpstreamFromElementHeight:
		if int(r.Height) > len(currentPath) || len(r.Segments) == 0 {
			return nil, nil, fmt.Errorf("%w: element height %d outside path", ErrInvalidInput, r.Height)
		}
		p := append(Path{}, currentPath[:len(currentPath)-int(r.Height)]...)
		p = append(p, r.Segments[:len(r.Segments)-1]...)
		return p, r.Segments[len(r.Segments)-1], nil

	case ReferenceCousin:
		if len(currentPath) == 0 || len(r.Segments) != 1 {
			return nil, nil, fmt.Errorf("%w: cousin reference needs a parent", ErrInvalidInput)
		}
		p := append(Path{}, currentPath[:len(currentPath)-1]...)
		p = append(p, r.Segments[0])
		return p, currentKey, nil

	case ReferenceRemovedCousin:
		if len(currentPath) == 0 || len(r.Segments) == 0 {
			return nil, nil, fmt.Errorf("%w: removed-cousin reference needs a parent", ErrInvalidInput)
		}
		p := append(Path{}, currentPath[:len(currentPath)-1]...)
		p = append(p, r.Segments...)
		return p, currentKey, nil

	case ReferenceSibling:
		if len(r.Segments) != 1 {
			return nil, nil, fmt.Errorf("%w: sibling reference needs one key", ErrInvalidInput)
		}
		return currentPath.Clone(), r.Segments[0], nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown reference type %d", ErrCorruptedData, r.Type)
	}
}

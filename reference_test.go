package grovedb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seg(s string) []byte { return []byte(s) }

func TestReferenceResolveAbsolute(t *testing.T) {
	r := NewAbsoluteReference(Path{seg("a"), seg("b")}, seg("k"))
	p, k, err := r.Resolve(Path{seg("x")}, seg("y"))
	require.NoError(t, err)
	assert.True(t, p.Equal(Path{seg("a"), seg("b")}))
	assert.Equal(t, seg("k"), k)
}

func TestReferenceResolveUpstreamRootHeight(t *testing.T) {
	// Keep the first 1 segment of the holder's path, append the tail.
	r := NewUpstreamRootHeightReference(1, [][]byte{seg("t"), seg("k")})
	p, k, err := r.Resolve(Path{seg("a"), seg("b"), seg("c")}, seg("cur"))
	require.NoError(t, err)
	assert.True(t, p.Equal(Path{seg("a"), seg("t")}))
	assert.Equal(t, seg("k"), k)

	_, _, err = r.Resolve(Path{}, seg("cur"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestReferenceResolveUpstreamWithParentAddition(t *testing.T) {
	r := NewUpstreamRootHeightWithParentAdditionReference(1, [][]byte{seg("t"), seg("k")})
	p, k, err := r.Resolve(Path{seg("a"), seg("b"), seg("c")}, seg("cur"))
	require.NoError(t, err)
	// The holder's last segment is re-appended before the key.
	assert.True(t, p.Equal(Path{seg("a"), seg("t"), seg("c")}))
	assert.Equal(t, seg("k"), k)
}

func TestReferenceResolveUpstreamFromElementHeight(t *testing.T) {
	// Drop the last 2 segments, append the tail.
	r := NewUpstreamFromElementHeightReference(2, [][]byte{seg("t"), seg("k")})
	p, k, err := r.Resolve(Path{seg("a"), seg("b"), seg("c")}, seg("cur"))
	require.NoError(t, err)
	assert.True(t, p.Equal(Path{seg("a"), seg("t")}))
	assert.Equal(t, seg("k"), k)
}

func TestReferenceResolveCousin(t *testing.T) {
	r := NewCousinReference(seg("p2"))
	p, k, err := r.Resolve(Path{seg("a"), seg("p1")}, seg("k"))
	require.NoError(t, err)
	assert.True(t, p.Equal(Path{seg("a"), seg("p2")}))
	assert.Equal(t, seg("k"), k)

	_, _, err = r.Resolve(Path{}, seg("k"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestReferenceResolveRemovedCousin(t *testing.T) {
	r := NewRemovedCousinReference([][]byte{seg("p2"), seg("p3")})
	p, k, err := r.Resolve(Path{seg("a"), seg("p1")}, seg("k"))
	require.NoError(t, err)
	assert.True(t, p.Equal(Path{seg("a"), seg("p2"), seg("p3")}))
	assert.Equal(t, seg("k"), k)
}

func TestReferenceResolveSibling(t *testing.T) {
	r := NewSiblingReference(seg("other"))
	p, k, err := r.Resolve(Path{seg("a")}, seg("k"))
	require.NoError(t, err)
	assert.True(t, p.Equal(Path{seg("a")}))
	assert.Equal(t, seg("other"), k)
}

func TestReferenceHopBudget(t *testing.T) {
	assert.Equal(t, MaxReferenceHops, (&Reference{}).hops())
	assert.Equal(t, 3, (&Reference{MaxHop: 3}).hops())
	// Requests above the global cap are clamped.
	assert.Equal(t, MaxReferenceHops, (&Reference{MaxHop: 200}).hops())
}

func TestPathPrefixInjective(t *testing.T) {
	// Same concatenated bytes, different segmentation.
	p1 := Path{seg("ab")}
	p2 := Path{seg("a"), seg("b")}
	p3 := Path{seg("a")}
	assert.NotEqual(t, p1.Prefix(), p2.Prefix())
	assert.NotEqual(t, p2.Prefix(), p3.Prefix())
	assert.Equal(t, p1.Prefix(), Path{seg("ab")}.Prefix())
	assert.Len(t, p1.Prefix(), 32)
}

func TestPathParentChild(t *testing.T) {
	p := RootPath().Child(seg("a")).Child(seg("b"))
	parent, last := p.Parent()
	assert.True(t, parent.Equal(Path{seg("a")}))
	assert.Equal(t, seg("b"), last)
	assert.True(t, RootPath().IsRoot())
	assert.False(t, p.IsRoot())
}

package storage

import (
	"context"
)

// Context is a view over the engine scoped to one subtree prefix.
// Main, aux and roots keys are transparently prefixed; meta keys are
// global. A Context either writes immediately (each op its own atomic
// commit) or through a Tx (ops buffered until the caller commits).
type Context struct {
	eng    Engine
	tx     *Tx
	prefix []byte
}

// NewContext returns an immediate-mode context for prefix.
func NewContext(eng Engine, prefix []byte) *Context {
	return &Context{eng: eng, prefix: append([]byte(nil), prefix...)}
}

// NewTransactionalContext returns a context whose writes are buffered
// in tx.
func NewTransactionalContext(tx *Tx, prefix []byte) *Context {
	return &Context{eng: tx.eng, tx: tx, prefix: append([]byte(nil), prefix...)}
}

// Prefix returns the 32-byte subtree prefix this context is bound to.
func (c *Context) Prefix() []byte { return c.prefix }

// IsTransactional reports whether writes are buffered in a Tx.
func (c *Context) IsTransactional() bool { return c.tx != nil }

func (c *Context) fullKey(col Column, key []byte) []byte {
	if col == ColumnMeta {
		return key
	}
	if col == ColumnRoots {
		// The roots column is keyed by the bare prefix; key carries
		// nothing for the common case.
		return append(append([]byte(nil), c.prefix...), key...)
	}
	out := make([]byte, 0, len(c.prefix)+len(key))
	out = append(out, c.prefix...)
	return append(out, key...)
}

// Get retrieves a value in col under this context's prefix.
func (c *Context) Get(ctx context.Context, col Column, key []byte) ([]byte, error) {
	if c.tx != nil {
		return c.tx.Get(ctx, col, c.fullKey(col, key))
	}
	return c.eng.Get(ctx, col, c.fullKey(col, key))
}

// Put stores a value in col under this context's prefix.
func (c *Context) Put(ctx context.Context, col Column, key, value []byte) error {
	if c.tx != nil {
		return c.tx.Put(col, c.fullKey(col, key), value)
	}
	return c.eng.Commit(ctx, []Op{{Column: col, Key: c.fullKey(col, key), Value: append([]byte(nil), value...)}})
}

// Delete removes a key in col under this context's prefix.
func (c *Context) Delete(ctx context.Context, col Column, key []byte) error {
	if c.tx != nil {
		return c.tx.Delete(col, c.fullKey(col, key))
	}
	return c.eng.Commit(ctx, []Op{{Column: col, Key: c.fullKey(col, key), Delete: true}})
}

// prefixBounds computes the half-open iteration range covering every
// key that starts with prefix.
func prefixBounds(prefix []byte) (start, end []byte) {
	start = append([]byte(nil), prefix...)
	end = append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return start, end
		}
		end = end[:i]
	}
	return start, nil
}

// Iterator walks every key of col under this context's prefix, in
// ascending order, with the prefix stripped from reported keys.
func (c *Context) Iterator(col Column) (Iterator, error) {
	start, end := prefixBounds(c.prefix)
	var it Iterator
	var err error
	if c.tx != nil {
		it, err = c.tx.NewIterator(col, start, end)
	} else {
		it, err = c.eng.NewIterator(col, start, end)
	}
	if err != nil {
		return nil, err
	}
	return &strippedIterator{Iterator: it, strip: len(c.prefix)}, nil
}

// ClearPrefix deletes every key of col under this context's prefix.
// Returns the number of keys removed.
func (c *Context) ClearPrefix(ctx context.Context, col Column) (int, error) {
	it, err := c.Iterator(col)
	if err != nil {
		return 0, err
	}
	defer it.Close()
	var keys [][]byte
	for it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := c.Delete(ctx, col, k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

type strippedIterator struct {
	Iterator
	strip int
}

func (s *strippedIterator) Key() []byte {
	k := s.Iterator.Key()
	if len(k) < s.strip {
		return k
	}
	return k[s.strip:]
}

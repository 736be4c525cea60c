// Package memory implements storage.Engine with in-process btrees.
// Used by tests and examples; the pebble engine is the durable one.
package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/private-tech-inc/go-grovedb/storage"
)

type item struct {
	key   []byte
	value []byte
}

func less(a, b item) bool { return bytes.Compare(a.key, b.key) < 0 }

// Engine is an in-memory storage.Engine: one ordered btree per
// column, guarded by a single mutex.
type Engine struct {
	mu   sync.RWMutex
	cols [4]*btree.BTreeG[item]
}

// NewEngine returns an empty in-memory engine.
func NewEngine() *Engine {
	e := &Engine{}
	for i := range e.cols {
		e.cols[i] = btree.NewG[item](16, less)
	}
	return e
}

// Get implements storage.Engine.
func (e *Engine) Get(_ context.Context, col storage.Column, key []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	it, ok := e.cols[col].Get(item{key: key})
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), it.value...), nil
}

// Commit implements storage.Engine. The mutex makes the multi-op
// write atomic with respect to readers.
func (e *Engine) Commit(_ context.Context, ops []storage.Op) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, op := range ops {
		t := e.cols[op.Column]
		if op.Delete {
			t.Delete(item{key: op.Key})
			continue
		}
		t.ReplaceOrInsert(item{key: op.Key, value: op.Value})
	}
	return nil
}

// NewIterator implements storage.Engine. The range is snapshotted at
// creation, so concurrent writes don't disturb iteration.
func (e *Engine) NewIterator(col storage.Column, start, end []byte) (storage.Iterator, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var items []item
	collect := func(it item) bool {
		items = append(items, item{
			key:   append([]byte(nil), it.key...),
			value: append([]byte(nil), it.value...),
		})
		return true
	}
	t := e.cols[col]
	switch {
	case start == nil && end == nil:
		t.Ascend(collect)
	case end == nil:
		t.AscendGreaterOrEqual(item{key: start}, collect)
	case start == nil:
		t.AscendLessThan(item{key: end}, collect)
	default:
		t.AscendRange(item{key: start}, item{key: end}, collect)
	}
	return &sliceIterator{items: items, pos: -1}, nil
}

// Close implements storage.Engine.
func (e *Engine) Close() error { return nil }

type sliceIterator struct {
	items []item
	pos   int
}

func (s *sliceIterator) Next() bool {
	s.pos++
	return s.pos < len(s.items)
}

func (s *sliceIterator) Key() []byte   { return s.items[s.pos].key }
func (s *sliceIterator) Value() []byte { return s.items[s.pos].value }
func (s *sliceIterator) Error() error  { return nil }
func (s *sliceIterator) Close() error  { return nil }

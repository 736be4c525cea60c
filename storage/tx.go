package storage

import (
	"bytes"
	"context"
	"errors"
	"sort"
)

// ErrTxDone is used when a transaction is used after Commit or
// Rollback.
var ErrTxDone = errors.New("transaction already finished")

type overlayEntry struct {
	value   []byte
	deleted bool
}

// Tx buffers writes on top of an Engine until Commit flushes them as
// one atomic engine-level write. Reads through the transaction observe
// its own buffered writes first. Dropping a Tx without calling Commit
// discards every buffered op.
type Tx struct {
	eng     Engine
	ops     []Op
	overlay [4]map[string]overlayEntry
	done    bool
}

// NewTx starts a transaction over eng.
func NewTx(eng Engine) *Tx {
	t := &Tx{eng: eng}
	for i := range t.overlay {
		t.overlay[i] = make(map[string]overlayEntry)
	}
	return t
}

// Get retrieves a key, observing buffered writes before the engine.
func (t *Tx) Get(ctx context.Context, col Column, key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxDone
	}
	if e, ok := t.overlay[col][string(key)]; ok {
		if e.deleted {
			return nil, ErrNotFound
		}
		return e.value, nil
	}
	return t.eng.Get(ctx, col, key)
}

// Put buffers a write.
func (t *Tx) Put(col Column, key, value []byte) error {
	if t.done {
		return ErrTxDone
	}
	k := append([]byte(nil), key...)
	v := append([]byte(nil), value...)
	t.ops = append(t.ops, Op{Column: col, Key: k, Value: v})
	t.overlay[col][string(key)] = overlayEntry{value: v}
	return nil
}

// Delete buffers a deletion.
func (t *Tx) Delete(col Column, key []byte) error {
	if t.done {
		return ErrTxDone
	}
	k := append([]byte(nil), key...)
	t.ops = append(t.ops, Op{Column: col, Key: k, Delete: true})
	t.overlay[col][string(key)] = overlayEntry{deleted: true}
	return nil
}

// Len reports the number of buffered ops.
func (t *Tx) Len() int { return len(t.ops) }

// Commit flushes all buffered ops atomically and finishes the
// transaction.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if len(t.ops) == 0 {
		return nil
	}
	return t.eng.Commit(ctx, t.ops)
}

// Rollback discards all buffered ops and finishes the transaction.
func (t *Tx) Rollback() {
	t.done = true
	t.ops = nil
}

// NewIterator merges the engine's range with buffered writes, so a
// transaction observes its own puts and deletes in iteration order.
func (t *Tx) NewIterator(col Column, start, end []byte) (Iterator, error) {
	if t.done {
		return nil, ErrTxDone
	}
	base, err := t.eng.NewIterator(col, start, end)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(t.overlay[col]))
	for k := range t.overlay[col] {
		kb := []byte(k)
		if bytes.Compare(kb, start) < 0 {
			continue
		}
		if end != nil && bytes.Compare(kb, end) >= 0 {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &mergedIterator{base: base, overlay: t.overlay[col], keys: keys}, nil
}

// mergedIterator interleaves a sorted overlay with a base iterator,
// overlay entries winning on equal keys.
type mergedIterator struct {
	base    Iterator
	overlay map[string]overlayEntry
	keys    []string

	baseValid bool
	primed    bool
	key       []byte
	value     []byte
	err       error
}

func (m *mergedIterator) advanceBase() {
	m.baseValid = m.base.Next()
}

func (m *mergedIterator) Next() bool {
	if !m.primed {
		m.advanceBase()
		m.primed = true
	}
	for {
		var ovKey []byte
		if len(m.keys) > 0 {
			ovKey = []byte(m.keys[0])
		}
		switch {
		case ovKey == nil && !m.baseValid:
			return false
		case ovKey == nil:
			m.key = append([]byte(nil), m.base.Key()...)
			m.value = append([]byte(nil), m.base.Value()...)
			m.advanceBase()
			return true
		case !m.baseValid || bytes.Compare(ovKey, m.base.Key()) < 0:
			e := m.overlay[m.keys[0]]
			m.keys = m.keys[1:]
			if e.deleted {
				continue
			}
			m.key, m.value = ovKey, e.value
			return true
		case bytes.Equal(ovKey, m.base.Key()):
			e := m.overlay[m.keys[0]]
			m.keys = m.keys[1:]
			m.advanceBase()
			if e.deleted {
				continue
			}
			m.key, m.value = ovKey, e.value
			return true
		default:
			m.key = append([]byte(nil), m.base.Key()...)
			m.value = append([]byte(nil), m.base.Value()...)
			m.advanceBase()
			return true
		}
	}
}

func (m *mergedIterator) Key() []byte   { return m.key }
func (m *mergedIterator) Value() []byte { return m.value }

func (m *mergedIterator) Error() error {
	if m.err != nil {
		return m.err
	}
	return m.base.Error()
}

func (m *mergedIterator) Close() error { return m.base.Close() }

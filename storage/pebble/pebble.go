// Package pebble implements storage.Engine on cockroachdb/pebble.
// Columns are mapped onto the single pebble key space with a one-byte
// key prefix per column; multi-op commits use a pebble batch with
// sync controlled by Options.
package pebble

import (
	"context"
	"errors"

	"github.com/cockroachdb/pebble"
	log "github.com/sirupsen/logrus"

	"github.com/private-tech-inc/go-grovedb/storage"
)

// Options configures a pebble-backed engine.
type Options struct {
	// ErrorIfMissing makes Open fail when no database exists at path.
	ErrorIfMissing bool
	// NoSync disables fsync on commit. Faster, not crash-safe.
	NoSync bool
	// Logger receives engine-level events. Defaults to the standard
	// logrus logger.
	Logger *log.Logger
}

// Engine implements storage.Engine over a pebble database.
type Engine struct {
	pdb    *pebble.DB
	sync   bool
	logger *log.Logger
}

// Open opens (or creates) a pebble database at path.
func Open(path string, opts Options) (*Engine, error) {
	o := &pebble.Options{
		ErrorIfNotExists: opts.ErrorIfMissing,
	}
	pdb, err := pebble.Open(path, o)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	logger.WithField("path", path).Debug("pebble engine opened")
	return &Engine{pdb: pdb, sync: !opts.NoSync, logger: logger}, nil
}

func colKey(col storage.Column, key []byte) []byte {
	out := make([]byte, 0, 1+len(key))
	out = append(out, byte(col))
	return append(out, key...)
}

// Get implements storage.Engine.
func (e *Engine) Get(_ context.Context, col storage.Column, key []byte) ([]byte, error) {
	v, closer, err := e.pdb.Get(colKey(col, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), v...)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

// Commit implements storage.Engine with one atomic pebble batch.
func (e *Engine) Commit(_ context.Context, ops []storage.Op) error {
	b := e.pdb.NewBatch()
	defer b.Close()
	for _, op := range ops {
		var err error
		if op.Delete {
			err = b.Delete(colKey(op.Column, op.Key), nil)
		} else {
			err = b.Set(colKey(op.Column, op.Key), op.Value, nil)
		}
		if err != nil {
			return err
		}
	}
	wo := pebble.NoSync
	if e.sync {
		wo = pebble.Sync
	}
	if err := b.Commit(wo); err != nil {
		e.logger.WithError(err).Warn("pebble batch commit failed")
		return err
	}
	return nil
}

// NewIterator implements storage.Engine.
func (e *Engine) NewIterator(col storage.Column, start, end []byte) (storage.Iterator, error) {
	lower := colKey(col, start)
	var upper []byte
	if end != nil {
		upper = colKey(col, end)
	} else {
		// The whole column: everything below the next column byte.
		upper = []byte{byte(col) + 1}
	}
	it, err := e.pdb.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	return &iterator{it: it}, nil
}

// Close implements storage.Engine.
func (e *Engine) Close() error { return e.pdb.Close() }

type iterator struct {
	it     *pebble.Iterator
	primed bool
}

func (i *iterator) Next() bool {
	if !i.primed {
		i.primed = true
		return i.it.First()
	}
	return i.it.Next()
}

// Key strips the column byte.
func (i *iterator) Key() []byte   { return i.it.Key()[1:] }
func (i *iterator) Value() []byte { return i.it.Value() }
func (i *iterator) Error() error  { return i.it.Error() }
func (i *iterator) Close() error  { return i.it.Close() }

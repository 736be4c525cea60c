package grovedb

import (
	"context"
	"sync"

	"github.com/private-tech-inc/go-grovedb/merk"
	"github.com/private-tech-inc/go-grovedb/storage"
)

// MaxNonMerkQueryExpansion bounds position-range expansion inside
// non-Merk engines, so a forged query cannot request unbounded work.
// Engines must refuse queries that would expand beyond it.
const MaxNonMerkQueryExpansion = 10_000_000

// NonMerkEngine is the contract a pluggable non-Merk subtree variant
// satisfies. Its element payload fields are authenticated by the
// parent Merk's node hash; it exposes a deterministic 32-byte root
// over its data-column contents, which flows in as the Merk child
// hash; and it provides a byte-exact proof variant a stateless
// verifier can check against that root.
type NonMerkEngine interface {
	// Append applies user append operations against the subtree's
	// storage context, returning the new root and updated element
	// counters.
	Append(ctx context.Context, sc *storage.Context, elem *Element, values [][]byte) (merk.Hash, *Element, error)

	// Root recomputes the subtree's current root.
	Root(ctx context.Context, sc *storage.Context, elem *Element) (merk.Hash, error)

	// Prove produces the variant's proof bytes for a query.
	Prove(ctx context.Context, sc *storage.Context, elem *Element, query *SizedQuery) ([]byte, error)

	// VerifyProof checks proof bytes and returns the root they commit
	// to plus the proven entries.
	VerifyProof(proof []byte, query *SizedQuery) (merk.Hash, []QueryResultEntry, error)

	// DeleteSubtree clears the variant's namespace.
	DeleteSubtree(ctx context.Context, sc *storage.Context) error
}

var (
	nonMerkMu      sync.RWMutex
	nonMerkEngines = map[ElementType]NonMerkEngine{}
)

// RegisterNonMerkEngine plugs an engine in for one of the four
// non-Merk element variants. Operations touching that variant fail
// with ErrNotSupported until an engine is registered. A nil engine
// unregisters the variant.
func RegisterNonMerkEngine(variant ElementType, eng NonMerkEngine) {
	nonMerkMu.Lock()
	defer nonMerkMu.Unlock()
	if eng == nil {
		delete(nonMerkEngines, variant)
		return
	}
	nonMerkEngines[variant] = eng
}

func nonMerkEngine(variant ElementType) (NonMerkEngine, bool) {
	nonMerkMu.RLock()
	defer nonMerkMu.RUnlock()
	eng, ok := nonMerkEngines[variant]
	return eng, ok
}

// AppendNonMerk appends values to the non-Merk subtree at path,
// routing through the batch engine so the new root propagates to the
// state root.
func (g *GroveDB) AppendNonMerk(ctx context.Context, path Path, values [][]byte, tx *Transaction) error {
	return g.ApplyBatch(ctx, []BatchOp{{Kind: BatchNonMerkAppend, Path: path, Values: values}}, tx)
}

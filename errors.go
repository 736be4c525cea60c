package grovedb

import (
	"errors"

	"github.com/private-tech-inc/go-grovedb/merk"
)

var (
	// ErrPathNotFound is used when a requested subtree does not exist.
	ErrPathNotFound = errors.New("subtree path not found")
	// ErrPathKeyNotFound is used when the subtree exists but the key
	// is absent.
	ErrPathKeyNotFound = errors.New("key not found at path")
	// ErrPathParentLayerNotFound is used when an intermediate subtree
	// is missing while traversing a path.
	ErrPathParentLayerNotFound = errors.New("parent layer not found")
	// ErrInvalidElementType is used when an operation is incompatible
	// with the stored element variant.
	ErrInvalidElementType = errors.New("invalid element type for operation")
	// ErrCyclicReference is used when reference resolution revisits a
	// target.
	ErrCyclicReference = errors.New("cyclic reference")
	// ErrReferenceLimit is used when a reference chain exceeds its
	// hop cap.
	ErrReferenceLimit = errors.New("reference hop limit exceeded")
	// ErrMissingReference is used when a reference target is absent.
	ErrMissingReference = errors.New("missing reference target")
	// ErrNotSupported is used for operations on subtree variants this
	// build has no engine for, and for proof version mismatches.
	ErrNotSupported = errors.New("operation not supported")

	// Shared with the merk layer so errors.Is works across the module
	// boundary.

	// ErrInvalidInput mirrors a violated caller precondition.
	ErrInvalidInput = merk.ErrInvalidInput
	// ErrCorruptedData mirrors undecodable stored bytes.
	ErrCorruptedData = merk.ErrCorruptedData
	// ErrInvalidProof mirrors ill-formed or mismatching proofs.
	ErrInvalidProof = merk.ErrInvalidProof
	// ErrOverflow mirrors an aggregate leaving its domain.
	ErrOverflow = merk.ErrOverflow
)

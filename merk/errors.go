package merk

import "errors"

var (
	// ErrKeyNotFound is used when a key is not found in the tree.
	ErrKeyNotFound = errors.New("key not found in the merk tree")
	// ErrCorruptedData is used when stored bytes fail to decode.
	ErrCorruptedData = errors.New("corrupted merk data")
	// ErrCorruptedReference is used when a link points at a child
	// that cannot be loaded.
	ErrCorruptedReference = errors.New("corrupted merk child reference")
	// ErrInvalidInput is used when a caller precondition is violated,
	// for example an unsorted batch.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidProof is used when proof bytes are ill-formed or the
	// reconstructed root does not match.
	ErrInvalidProof = errors.New("invalid proof")
	// ErrOverflow is used when an aggregate leaves its domain.
	ErrOverflow = errors.New("aggregate overflow")
)

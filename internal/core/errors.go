package core

import "errors"

var (
	// ErrDuplicateKey is returned by the store when an add collides with an
	// active memory holding the same key. Delta application never returns
	// it: an add on an active key is coalesced into an update there.
	ErrDuplicateKey = errors.New("active memory with this key already exists")

	// ErrContextConfig means keep-tail is too large for the flush threshold:
	// a reset would not bring utilization back under it.
	ErrContextConfig = errors.New("context tail does not fit under flush threshold")

	// ErrDistillParse marks an unrecoverable distiller response. The delta
	// is treated as empty; the context is still reset.
	ErrDistillParse = errors.New("unrecoverable distiller JSON")

	// ErrEmbeddingUnavailable is surfaced when the embedding backend cannot
	// be reached mid-run; retrieval degrades to FTS-only.
	ErrEmbeddingUnavailable = errors.New("embedding backend unavailable")

	// ErrNotFound is returned for lookups of unknown memory ids.
	ErrNotFound = errors.New("memory not found")
)

package hnsw

import "errors"

// Sentinel errors returned by Index operations. All are checkable with
// errors.Is; wrapping call sites add context with fmt.Errorf("%w", ...).
var (
	// ErrDimensionMismatch is returned when a vector's length does not
	// match the index's configured dimension.
	ErrDimensionMismatch = errors.New("hnsw: dimension mismatch")

	// ErrInvalidVector is returned for empty vectors or vectors
	// containing non-finite values (NaN or ±Inf).
	ErrInvalidVector = errors.New("hnsw: invalid vector")

	// ErrCapacityExceeded is returned when Config.MaxElements is set
	// and the index is already at capacity.
	ErrCapacityExceeded = errors.New("hnsw: capacity exceeded")

	// ErrCanceled is returned by Search when its context is canceled
	// or its deadline elapses mid-flight.
	ErrCanceled = errors.New("hnsw: search canceled")

	// ErrTimeout is returned for an individual SearchBatch slot whose
	// per-query timeout elapsed. Sibling slots are unaffected.
	ErrTimeout = errors.New("hnsw: search timed out")

	// ErrIO wraps persistence backend failures from Persist or Load.
	ErrIO = errors.New("hnsw: io error")

	// ErrVersionMismatch is returned by Load for a persistence blob
	// whose VERSION exceeds the newest version this build understands.
	ErrVersionMismatch = errors.New("hnsw: version mismatch")

	// ErrCorrupt is returned by Load when the blob fails a structural
	// check (bad magic, truncated body, invalid heap data).
	ErrCorrupt = errors.New("hnsw: corrupt persistence data")

	// ErrPersistInProgress is returned immediately by Persist when
	// another Persist call is already in flight.
	ErrPersistInProgress = errors.New("hnsw: persist already in progress")

	// ErrClosed is returned by any operation called after Close.
	ErrClosed = errors.New("hnsw: index closed")
)

package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrRowRejected marks a single row that failed validation. It never
	// aborts a batch.
	ErrRowRejected = errors.New("row rejected")

	// ErrInvalidQuery marks a caller error in a subgraph query.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrStoreUnavailable marks a graph store that cannot be reached.
	ErrStoreUnavailable = errors.New("graph store unavailable")

	// ErrConfiguration marks a bad column mapping or format string.
	ErrConfiguration = errors.New("configuration error")

	// ErrMalformedFile marks an input file rejected as a whole.
	ErrMalformedFile = errors.New("malformed input file")
)

// Err returns the rejection as an error wrapping ErrRowRejected.
func (r RejectedRow) Err() error {
	return fmt.Errorf("%w: row %d: %s", ErrRowRejected, r.Row, r.Reason)
}

// Unavailable wraps err so that it matches ErrStoreUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

package storage

import (
	"errors"
	"fmt"
)

var (
	// Read errors

	ErrNotFound                 = errors.New("not found")
	ErrInvalidContinuationToken = errors.New("invalid continuation token")

	// ErrTooManyScopeIDs if a ReadGrants filter carries more scope IDs than
	// MaxScopeIDsPerQuery allows; callers must chunk above the cap.
	ErrTooManyScopeIDs = errors.New("scope ID predicate list exceeds query limit")

	// Write errors

	// ErrExceededBatchLimit if MaxAccessUpdatesPerBatch is exceeded.
	ErrExceededBatchLimit = errors.New("number of operations exceeded write batch limit")

	// Shared errors

	ErrCancelled = errors.New("request has been cancelled")
)

// TooManyScopeIDsError decorates ErrTooManyScopeIDs with the offending sizes.
func TooManyScopeIDsError(got, limit int) error {
	return fmt.Errorf("%w: got %d, limit %d", ErrTooManyScopeIDs, got, limit)
}

// ExceededBatchLimitError decorates ErrExceededBatchLimit with the offending sizes.
func ExceededBatchLimitError(got, limit int) error {
	return fmt.Errorf("%w: got %d, limit %d", ErrExceededBatchLimit, got, limit)
}

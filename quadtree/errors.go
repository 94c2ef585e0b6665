package quadtree

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
)

const (
	// ErrTypeHandleNotOwned is the error type returned when a handle given to
	// Remove or Update is not held by any node of the tree, which happens when
	// the entry was already removed or the tree was cleared.
	ErrTypeHandleNotOwned = "quadtree_handle_not_owned"

	// ErrTypeInvariantViolation is the error type of broken structural
	// invariants. It is reported by Validate and used for panics on
	// bookkeeping paths that must never fail.
	ErrTypeInvariantViolation = "quadtree_invariant_violation"

	// ErrTypeInvalidConfig is the error type returned by New for invalid
	// options.
	ErrTypeInvalidConfig = "quadtree_invalid_config"
)

func invariantViolation(msg string) errors.Error {
	return errors.New(msg).WithType(ErrTypeInvariantViolation)
}

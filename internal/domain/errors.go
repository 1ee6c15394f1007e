package domain

import "github.com/cockroachdb/errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrProductUnavailable  = errors.New("product not available for auction")
	ErrInvalidState        = errors.New("invalid auction state")
	ErrRemoteDependency    = errors.New("remote dependency failure")
	ErrConcurrencyConflict = errors.New("concurrent modification")
	ErrValidation          = errors.New("validation failed")

	// ErrPartialDeletion marks a deletion where the auction was removed but
	// the catalog reservation could not be released.
	ErrPartialDeletion = errors.New("auction deleted but product release failed")
)

// Mark attaches a sentinel kind to err while keeping its message and stack.
func Mark(err error, kind error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, kind)
}

// Newf builds an error of the given kind, e.g. "auction 42: not found".
func Newf(kind error, format string, args ...interface{}) error {
	return errors.Wrapf(kind, format, args...)
}

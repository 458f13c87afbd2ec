package credit

import (
	"context"
	"errors"
	"fmt"
)

// Domain errors for the credit ledger.
var (
	// ErrInvalidArgument rejects malformed input before any I/O.
	ErrInvalidArgument = errors.New("credit: invalid argument")
	// ErrNotFound indicates no active credit limit or application exists.
	ErrNotFound = errors.New("credit: not found")
	// ErrInvalidState indicates an operation is not allowed in the current state.
	ErrInvalidState = errors.New("credit: invalid state")
	// ErrStoreUnavailable wraps transient backing store failures.
	ErrStoreUnavailable = errors.New("credit: store unavailable")
	// ErrConcurrentModification indicates the record changed since it was read.
	ErrConcurrentModification = errors.New("credit: concurrent modification")
	// ErrDuplicateRequest indicates an idempotency key was already consumed.
	ErrDuplicateRequest = errors.New("credit: duplicate request")

	// ErrNotEligible is returned when a purchase fails re-validation at write time.
	ErrNotEligible = fmt.Errorf("%w: purchase not eligible", ErrInvalidState)
)

func invalidArg(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func invalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// unavailable wraps a driver error unless it already carries a domain error.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	for _, known := range []error{ErrNotFound, ErrInvalidArgument, ErrInvalidState, ErrConcurrentModification, ErrDuplicateRequest, ErrStoreUnavailable} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

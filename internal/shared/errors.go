package shared

import "errors"

var (
	// ErrActorRequired indicates a write request without an acting user.
	ErrActorRequired = errors.New("actor id required")
	// ErrInvalidActor indicates an unparsable actor header.
	ErrInvalidActor = errors.New("invalid actor id")
)

package action

import "errors"

var (
	// ErrInvalidArgument marks a rejected submission. The queue is unchanged.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvariant marks an internal consistency failure. The scheduler pauses.
	ErrInvariant = errors.New("scheduler invariant violated")
)

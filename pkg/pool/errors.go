package pool

import "errors"

var (
	// ErrMissingUserID is returned when an allocation carries no user.
	ErrMissingUserID = errors.New("missing userId")

	// ErrInvalidBalance is returned when a bot config carries a negative
	// initial balance.
	ErrInvalidBalance = errors.New("invalid initialBalance")

	// ErrUnknownInstance is returned when an instance is not in the mapping.
	ErrUnknownInstance = errors.New("unknown instance")

	// ErrPoolMissing is returned when a slot references a pool that is no
	// longer in state. The next reconciliation converges the mapping.
	ErrPoolMissing = errors.New("pool missing")
)

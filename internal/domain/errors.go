package domain

import "errors"

var (
	// ErrNotFound indicates the requested key, transaction, or link is absent.
	ErrNotFound = errors.New("record not found")

	// ErrKeyNotRemovable indicates a delete was attempted on a key that has
	// already left the "new" state.
	ErrKeyNotRemovable = errors.New("key has already been activated and cannot be removed")

	// ErrInvalidKeyStatus indicates an unknown lifecycle state was supplied.
	ErrInvalidKeyStatus = errors.New("invalid key status")
)

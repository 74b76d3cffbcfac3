package storage

import "errors"

var (
	// ErrNotFound is returned by EphemeralStore.Get for absent or expired keys.
	ErrNotFound = errors.New("key not found")

	// ErrClientNotFound is returned when a client does not exist.
	ErrClientNotFound = errors.New("client not found")

	// ErrConsentNotFound is returned when no consent exists for a (user, client) pair.
	ErrConsentNotFound = errors.New("consent not found")
)

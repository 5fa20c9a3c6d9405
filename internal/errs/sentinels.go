// Package errs contains sentinel errors and error kinds used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (duplicate key).
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized indicates a rejected bearer token or an unusable tenant config.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDecryptionFailed indicates an envelope whose authentication tag did not verify.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrNotPending indicates a mutation of a task that already left the pending state.
	ErrNotPending = errors.New("task is not pending")
)

package interfaces

import "errors"

var (
	// ErrUnauthenticated is returned when no session identity is present.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden is returned when the session identity's role is not allowed.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidCredentials is returned by authentication on unknown user or wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidSubject is returned when a record references an unknown or non-student identity.
	ErrInvalidSubject = errors.New("invalid subject")

	// ErrInvalidInput is returned for malformed request fields.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = errors.New("conflict")

	// ErrStorageFailure wraps storage engine errors.
	ErrStorageFailure = errors.New("storage failure")

	// ErrKeyMaterial is returned when key material cannot be resolved or is unusable.
	ErrKeyMaterial = errors.New("key material unavailable")
)

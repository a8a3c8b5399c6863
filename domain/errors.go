package domain

import "errors"

var (
	// ErrBackendUnavailable wraps any failed backend call.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrInvalidRelationship is returned for self-follows and empty identities.
	ErrInvalidRelationship = errors.New("invalid relationship")
	// ErrDuplicateEdge is reported by a backend when the edge already exists.
	ErrDuplicateEdge = errors.New("follow edge already exists")
	// ErrNotFoundOnDelete is reported by a backend when there is no edge to delete.
	ErrNotFoundOnDelete = errors.New("follow edge not found")
	// ErrSideEffectFailure marks a failed best-effort notification.
	ErrSideEffectFailure = errors.New("side effect failed")
	ErrNoSession         = errors.New("no active session")
	ErrNotFound          = errors.New("not found")
	ErrClosed            = errors.New("closed")
	ErrUsernameTaken     = errors.New("username already taken")
)

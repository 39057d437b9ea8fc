package client

import (
	"errors"
	"fmt"
)

var (
	// ErrUnverified is returned when there is no snapshot and the fetch that
	// would have provided one failed. Access cannot be verified offline.
	ErrUnverified = errors.New("offline, cannot verify access")

	// ErrStaleSnapshot is returned when a snapshot resolved before the cached
	// one is offered to the cache
	ErrStaleSnapshot = errors.New("snapshot is older than the cached snapshot")

	// ErrSyncConflict is returned when an action is still forbidden after a
	// forced refresh and a single retry
	ErrSyncConflict = errors.New("action forbidden after entitlement refresh")

	// ErrLoggedOut is returned by a refresh that completed after the session
	// logged out; its result is discarded
	ErrLoggedOut = errors.New("session logged out")

	// ErrIdentityMismatch is returned when a snapshot belongs to another user
	// or tenant
	ErrIdentityMismatch = errors.New("snapshot identity does not match session")
)

// ForbiddenError is a backend rejection for a missing permission. Actions
// run through Session.Do return it to trigger reconciliation.
type ForbiddenError struct {
	RequiredPermission string
}

func (e *ForbiddenError) Error() string {
	if e.RequiredPermission == "" {
		return "forbidden"
	}
	return fmt.Sprintf("forbidden: requires %s", e.RequiredPermission)
}

// StatusError is an unexpected HTTP status from the entitlement service
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("entitlement service returned %d", e.StatusCode)
	}
	return fmt.Sprintf("entitlement service returned %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether a fetch failure is worth retrying. Client errors
// other than timeouts and rate limiting are final.
func Retryable(err error) bool {
	if errors.Is(err, ErrIdentityMismatch) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 408, se.StatusCode == 429:
			return true
		case se.StatusCode >= 400 && se.StatusCode < 500:
			return false
		}
	}
	return true
}

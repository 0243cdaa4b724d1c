package social

import (
	"errors"
	"fmt"
)

// Failure taxonomy. Every error crossing the mutation/fetch boundary wraps one
// of these sentinels so callers can classify without string matching. None of
// them are fatal to the engine: only the key involved in the failed operation
// carries error state afterwards.
var (
	// ErrTransportUnavailable means the remote endpoint or the push link could
	// not be reached. Transient; the push link retries on its own.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrCredentialMissing means no bearer credential is currently available.
	// HTTP calls proceed without one and are rejected server-side; the push
	// connect retries until a credential appears.
	ErrCredentialMissing = errors.New("no bearer credential available")

	// ErrEntityNotFound is a soft failure: the caller falls back to a
	// placeholder instead of propagating it.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrMutationRejected means the server refused an optimistic change and
	// local state was rolled back per the per-operation policy.
	ErrMutationRejected = errors.New("mutation rejected by server")

	// ErrEmptyContent is returned before any network call is attempted.
	ErrEmptyContent = errors.New("content must not be empty")

	// ErrMutationPending rejects a second mutation of the same kind on the
	// same entity while one is still in flight. Rejected, never queued.
	ErrMutationPending = errors.New("mutation already in flight for this entity")
)

// APIError is the error body the remote API returns on a non-2xx response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: %s (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("api: HTTP %d: %s", e.Status, e.Message)
}

// Unwrap maps HTTP status classes onto the taxonomy so errors.Is works
// through an *APIError.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == 404:
		return ErrEntityNotFound
	case e.Status == 401 || e.Status == 403:
		return ErrMutationRejected
	case e.Status >= 500, e.Status == 0:
		return ErrTransportUnavailable
	case e.Status >= 400:
		return ErrMutationRejected
	}
	return nil
}

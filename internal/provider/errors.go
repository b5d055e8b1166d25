// Package provider defines the uniform cloud-provider interface, the shared
// data model, and sentinel errors used across layers for stable HTTP status
// mapping.
package provider

import "errors"

// Common sentinels. Handlers map these to HTTP statuses; providers wrap them
// with context via fmt.Errorf("...: %w", err).
var (
	// ErrNotFound indicates the requested item does not exist, or the
	// provider has no thumbnail for it.
	ErrNotFound = errors.New("not found")

	// ErrUnauthenticated indicates OAuth cannot proceed for the account.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrAuthRefreshFailed indicates a token refresh round-trip failed.
	// Callers should mark the account for re-authorization.
	ErrAuthRefreshFailed = errors.New("auth refresh failed")

	// ErrUnsupported indicates the capability is not implemented by the
	// concrete provider, or an item of one provider kind was handed to
	// another.
	ErrUnsupported = errors.New("unsupported")

	// ErrRangeNotSatisfiable indicates the client range lies outside the
	// resource bounds.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")

	// ErrTransport indicates a network or protocol failure from the HTTP
	// client.
	ErrTransport = errors.New("transport error")

	// ErrParse indicates malformed JSON, a missing expected field, or a
	// pattern that could not be found in fetched content.
	ErrParse = errors.New("parse error")

	// ErrCancelled indicates cooperative cancellation.
	ErrCancelled = errors.New("cancelled")
)

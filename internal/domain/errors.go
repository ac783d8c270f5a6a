package domain

import "errors"

// Error taxonomy shared across the store, the settlement service and the
// HTTP layer. Callers match with errors.Is; wrapping adds context.
var (
	// ErrNotFound indicates an unknown routeId.
	ErrNotFound = errors.New("transaction not found")

	// ErrRouteExists indicates a routeId collision on create.
	ErrRouteExists = errors.New("route already exists")

	// ErrStaleTransition indicates a trigger whose status precondition no
	// longer holds: a duplicate delivery, a replay, or an out-of-order event.
	// The record is never mutated when this is returned.
	ErrStaleTransition = errors.New("stale transition")

	// ErrAmountMismatch indicates the verified payment amount does not equal
	// the escrowed amount.
	ErrAmountMismatch = errors.New("verified amount mismatch")

	// ErrProviderUnavailable marks transient mobile-money provider failures,
	// safe to retry.
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	// ErrInvalidRecipient marks a permanently rejected payment destination.
	ErrInvalidRecipient = errors.New("invalid recipient")

	// ErrProviderResponse marks a provider reply that could not be decoded
	// or was missing required fields.
	ErrProviderResponse = errors.New("invalid provider response")

	// ErrLedgerSubmission marks a failed deploy submission, retryable with
	// backoff.
	ErrLedgerSubmission = errors.New("ledger submission failed")

	// ErrValidation marks a permanently invalid request.
	ErrValidation = errors.New("validation failed")
)

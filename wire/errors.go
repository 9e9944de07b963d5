package wire

import (
	"errors"
	"fmt"
)

// AuthReason enumerates structured handshake failure reasons.
type AuthReason string

const (
	// AuthReasonInvalid marks a malformed or unverifiable credential.
	AuthReasonInvalid AuthReason = "invalid"
	// AuthReasonExpired marks a credential past its expiry.
	AuthReasonExpired AuthReason = "expired"
	// AuthReasonRevoked marks a credential whose subject was revoked.
	AuthReasonRevoked AuthReason = "revoked"
)

// AuthError is a terminal handshake failure. It is never retried
// automatically; the client needs new credentials.
type AuthError struct {
	Reason AuthReason
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// ConflictError marks an action permanently rejected because server state
// diverged from what the action assumed. It is always surfaced to the
// caller, never resolved silently.
type ConflictError struct {
	// ActionID is the local id of the rejected action, when known.
	ActionID string
	// Reason describes the divergence well enough for manual resolution.
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.ActionID != "" {
		return fmt.Sprintf("action %s conflicts with server state: %s", e.ActionID, e.Reason)
	}
	return fmt.Sprintf("action conflicts with server state: %s", e.Reason)
}

// CapacityError marks a connection dropped because its outbound queue
// overflowed. Clients treat it like any transient network loss.
type CapacityError struct {
	ConnectionID string
}

// Error implements the error interface.
func (e *CapacityError) Error() string {
	return fmt.Sprintf("connection %s outbound queue overflow", e.ConnectionID)
}

// SequenceGapError is the client-local detection of a missed event. It is
// not user-facing; it silently triggers a full resynchronization of the
// topic.
type SequenceGapError struct {
	Topic    string
	Expected int64
	Got      int64
}

// Error implements the error interface.
func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("topic %s: expected seq %d, got %d", e.Topic, e.Expected, e.Got)
}

// TransientError wraps a network-level failure that should be retried with
// backoff rather than surfaced.
type TransientError struct {
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient network error: %v", e.Err)
}

// Unwrap exposes the underlying error to errors.Is/As.
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should feed the retry/backoff path.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

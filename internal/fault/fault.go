// Package fault defines the typed failures every entityd command can end in.
//
// All failures reach the command's original caller as a *Error; none are
// swallowed except CodeSnapshotFailed, which the entity manager logs and
// absorbs because recovery can always fall back to the full journal.
package fault

import (
	"errors"
	"fmt"
)

// Code categorizes a failure.
type Code string

const (
	// CodeNotOwner means the shard is not owned by this node; re-route.
	CodeNotOwner Code = "NOT_OWNER"

	// CodeRecoveryFailed means snapshot or journal could not be read back.
	CodeRecoveryFailed Code = "RECOVERY_FAILED"

	// CodeRelayTimeout means business logic did not answer within the relay timeout.
	CodeRelayTimeout Code = "RELAY_TIMEOUT"

	// CodeRelayDisconnected means the relay stream failed or could not be opened.
	CodeRelayDisconnected Code = "RELAY_DISCONNECTED"

	// CodeBusinessRejection means business logic declined the command.
	CodeBusinessRejection Code = "BUSINESS_REJECTION"

	// CodePersistenceFailed means an event append failed.
	CodePersistenceFailed Code = "PERSISTENCE_FAILED"

	// CodeSnapshotFailed means a snapshot write failed. Never fails a command.
	CodeSnapshotFailed Code = "SNAPSHOT_FAILED"

	// CodeBackpressure means a queue or window is full; retry later.
	CodeBackpressure Code = "BACKPRESSURE"

	// CodePassivating means the manager is shutting down; retry.
	CodePassivating Code = "PASSIVATING"
)

// Error is a coded failure with enough context for the caller to decide
// whether and where to retry.
type Error struct {
	Code     Code
	Message  string
	EntityID string

	// Shard and Owner are set for CodeNotOwner. Owner is empty when the
	// shard is currently unassigned; OwnerAddr when its address is unknown.
	Shard     int
	Owner     string
	OwnerAddr string

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.EntityID != "" {
		msg += fmt.Sprintf(" (entity=%s)", e.EntityID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, fault.ErrNotOwner).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrNotOwner          = &Error{Code: CodeNotOwner}
	ErrRecoveryFailed    = &Error{Code: CodeRecoveryFailed}
	ErrRelayTimeout      = &Error{Code: CodeRelayTimeout}
	ErrRelayDisconnected = &Error{Code: CodeRelayDisconnected}
	ErrBusinessRejection = &Error{Code: CodeBusinessRejection}
	ErrPersistenceFailed = &Error{Code: CodePersistenceFailed}
	ErrSnapshotFailed    = &Error{Code: CodeSnapshotFailed}
	ErrBackpressure      = &Error{Code: CodeBackpressure}
	ErrPassivating       = &Error{Code: CodePassivating}
)

// New creates a coded error.
func New(code Code, entityID, message string) *Error {
	return &Error{Code: code, EntityID: entityID, Message: message}
}

// Wrap creates a coded error around cause.
func Wrap(code Code, entityID string, cause error) *Error {
	return &Error{Code: code, EntityID: entityID, Err: cause}
}

// NotOwner reports that shard is owned by owner (possibly empty) rather
// than the local node.
func NotOwner(entityID string, shard int, owner string) *Error {
	msg := fmt.Sprintf("shard %d is owned by %q", shard, owner)
	if owner == "" {
		msg = fmt.Sprintf("shard %d is not assigned", shard)
	}
	return &Error{Code: CodeNotOwner, EntityID: entityID, Shard: shard, Owner: owner, Message: msg}
}

// Rejection reports that business logic declined a command.
func Rejection(entityID, reason string) *Error {
	return &Error{Code: CodeBusinessRejection, EntityID: entityID, Message: reason}
}

// CodeOf returns the code of the first *Error in err's chain, or "" when
// err carries none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsRetryable reports whether the same command may succeed if sent again,
// possibly to a different node.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeNotOwner, CodeBackpressure, CodePassivating, CodeRelayTimeout, CodeRelayDisconnected:
		return true
	}
	return false
}

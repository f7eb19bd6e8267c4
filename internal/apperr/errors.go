// Package apperr defines the closed error taxonomy shared by every
// component of the encryption engine. Callers switch on Kind rather than
// sentinel errors so that wrapped context never has to leak key material.
package apperr

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind is one of the error kinds a conforming implementation may return.
type Kind string

const (
	NotInitialized     Kind = "not_initialized"
	AlreadyEnabled     Kind = "already_enabled"
	NotEnabled         Kind = "not_enabled"
	BadBundle          Kind = "bad_bundle"
	DecryptFailed      Kind = "decrypt_error"
	OutOfOrder         Kind = "out_of_order"
	TooManySkipped     Kind = "too_many_skipped"
	UnknownKey         Kind = "unknown_key"
	NoSenderKey        Kind = "no_sender_key"
	Storage            Kind = "storage_error"
	Transport          Kind = "transport_error"
	LinkingFailed      Kind = "linking_failed"
	LinkingExpired     Kind = "linking_expired"
	BackupAuthFailed   Kind = "backup_auth_failed"
	Canceled           Kind = "canceled"
	InvalidArgument    Kind = "invalid_argument"
)

// Error is the concrete error type returned across the engine's public API.
// Message is an opaque, human-readable string; it must never contain key
// material, ciphertext, or raw session state.
type Error struct {
	Kind      Kind
	Op        string
	Message   string
	Corr      string
	Wrapped   error
}

func (e *Error) Error() string {
	if e.Corr != "" {
		return fmt.Sprintf("%s: %s (%s) [%s]", e.Op, e.Message, e.Kind, e.Corr)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Kind)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is lets errors.Is(err, apperr.Kind) style checks work via a sentinel
// comparison on Kind rather than identity, since every *Error is freshly
// allocated with its own correlation id.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an Error carrying a fresh correlation id, suitable for log
// correlation without exposing any sensitive fields.
func New(op string, kind Kind, message string) *Error {
	return &Error{Op: op, Kind: kind, Message: message, Corr: uuid.NewString()}
}

// Wrap annotates an underlying error with a Kind and operation scope,
// preserving Unwrap() while keeping the outward message opaque.
func Wrap(op string, kind Kind, message string, err error) *Error {
	e := New(op, kind, message)
	e.Wrapped = err
	return e
}

// Sentinel returns a zero-correlation Error usable with errors.Is as a
// comparison target, e.g. errors.Is(err, apperr.Sentinel(apperr.BadBundle)).
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}

// UserFacing collapses any error into one of the three UI-visible
// categories required by spec: "encrypted ok" has no error at all, so this
// only covers the other two.
type UserFacing string

const (
	FacingPending UserFacing = "pending"
	FacingFailed  UserFacing = "failed"
)

// Describe maps an error to the opaque, user-visible category and a short
// reason string that never repeats raw key material.
func Describe(err error) (UserFacing, string) {
	var ae *Error
	if e, ok := err.(*Error); ok {
		ae = e
	} else {
		return FacingFailed, "failed"
	}
	switch ae.Kind {
	case OutOfOrder, TooManySkipped, NoSenderKey, UnknownKey:
		return FacingPending, "waiting on an earlier message"
	default:
		return FacingFailed, "failed"
	}
}

// Package errkind classifies nclav errors by the taxonomy in the error
// handling design: ValidationError, ConfigError, StoreConflict, StoreError,
// DriverError (with sub-kinds), IacError, LockConflict and Timeout. Callers
// wrap an underlying error with one of the sentinels below using
// github.com/pkg/errors, and recover the kind with errors.Cause or Is.
package errkind

import "github.com/pkg/errors"

// Kind is one of the taxonomy entries from the error handling design.
type Kind string

// Error kinds.
const (
	Validation    Kind = "ValidationError"
	Config        Kind = "ConfigError"
	StoreConflict Kind = "StoreConflict"
	StoreError    Kind = "StoreError"
	Driver        Kind = "DriverError"
	Iac           Kind = "IacError"
	LockConflict  Kind = "LockConflict"
	Timeout       Kind = "Timeout"
)

// DriverSubKind further classifies a DriverError.
type DriverSubKind string

// Driver error sub-kinds.
const (
	DriverProvisionFailed  DriverSubKind = "ProvisionFailed"
	DriverNotFound         DriverSubKind = "NotFound"
	DriverPermissionDenied DriverSubKind = "PermissionDenied"
	DriverNotConfigured    DriverSubKind = "DriverNotConfigured"
)

// Error is a kind-tagged error. It wraps an underlying cause the way the
// teacher's terraform package wraps exec errors.
type Error struct {
	Kind    Kind
	SubKind DriverSubKind
	Msg     string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Cause.Error()
}

// Unwrap supports errors.As/errors.Is against the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// New builds a kind-tagged error.
func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Msg: msg}
}

// Wrap builds a kind-tagged error around cause, the way pkg/errors.Wrap
// composes a message with an underlying error.
func Wrap(cause error, k Kind, msg string) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: k, Msg: msg, Cause: cause}
}

// WrapDriver builds a DriverError with a sub-kind.
func WrapDriver(cause error, sub DriverSubKind, msg string) *Error {
	return &Error{Kind: Driver, SubKind: sub, Msg: msg, Cause: cause}
}

// KindOf walks the error chain (via errors.Cause, matching the teacher's
// use of github.com/pkg/errors) looking for a tagged *Error and returns its
// Kind, or "" if none is found.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		cause := errors.Cause(err)
		if cause == err {
			return ""
		}
		err = cause
	}
	return ""
}

// Package errors defines the classified error kinds the signing core
// returns to its callers: a small enum of ErrorType values, a concrete
// error carrying one of them plus context, and sentinel values so
// callers can `errors.Is(err, signererrors.ErrNotBound)`.
package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies a SignerError. The zero value is never used.
type ErrorType int

const (
	_ ErrorType = iota
	// ConfigInvalid is fatal at startup only.
	ConfigInvalid
	// SignerNotReady means the signer is Probing or Unusable; the caller
	// should defer and retry.
	SignerNotReady
	// SignerUnavailable means a transient backend fault persisted past
	// the retry budget.
	SignerUnavailable
	// KeyNotFound means a binding exists but the backend cannot find the
	// underlying key object.
	KeyNotFound
	// KeyCorrupt means the backend returned an object that cannot be used.
	KeyCorrupt
	// NotBound means the Binding Store has no record for a logical key id.
	NotBound
	// AlreadyBound means bind() was called for an id that already has a
	// record.
	AlreadyBound
	// AuthFailed means the backend rejected supplied credentials; never
	// retried.
	AuthFailed
	// CapabilityMissing means the backend lacks a required primitive and
	// force did not override.
	CapabilityMissing
	// ProtocolError means a malformed or oversized response was received;
	// the connection that produced it has been discarded.
	ProtocolError
	// Cancelled means the operation was aborted at a suspension point.
	Cancelled
)

func (t ErrorType) String() string {
	switch t {
	case ConfigInvalid:
		return "ConfigInvalid"
	case SignerNotReady:
		return "SignerNotReady"
	case SignerUnavailable:
		return "SignerUnavailable"
	case KeyNotFound:
		return "KeyNotFound"
	case KeyCorrupt:
		return "KeyCorrupt"
	case NotBound:
		return "NotBound"
	case AlreadyBound:
		return "AlreadyBound"
	case AuthFailed:
		return "AuthFailed"
	case CapabilityMissing:
		return "CapabilityMissing"
	case ProtocolError:
		return "ProtocolError"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// SignerError is the concrete error type returned by every operation in
// this module. Signer attributes the error to a configured signer name
// where one is known (empty for Binding Store errors that precede any
// backend dispatch).
type SignerError struct {
	Type ErrorType
	Signer string
	Msg string
	Cause error
}

func (e *SignerError) Error() string {
	if e.Signer != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: signer %q: %s: %s", e.Type, e.Signer, e.Msg, e.Cause)
		}
		return fmt.Sprintf("%s: signer %q: %s", e.Type, e.Signer, e.Msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Msg)
}

func (e *SignerError) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is against the sentinel values below: two
// SignerErrors match if they carry the same ErrorType.
func (e *SignerError) Is(target error) bool {
	t, ok := target.(*SignerError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// sentinel constructs a bare SignerError usable as an errors.Is target,
// e.g. `errors.Is(err, signererrors.ErrNotBound)`.
func sentinel(t ErrorType) error {
	return &SignerError{Type: t}
}

// Sentinels for errors.Is comparisons. These carry no message or signer
// name; use New/Newf to build the error actually returned to a caller.
var (
	ErrConfigInvalid = sentinel(ConfigInvalid)
	ErrSignerNotReady = sentinel(SignerNotReady)
	ErrSignerUnavailable = sentinel(SignerUnavailable)
	ErrKeyNotFound = sentinel(KeyNotFound)
	ErrKeyCorrupt = sentinel(KeyCorrupt)
	ErrNotBound = sentinel(NotBound)
	ErrAlreadyBound = sentinel(AlreadyBound)
	ErrAuthFailed = sentinel(AuthFailed)
	ErrCapabilityMissing = sentinel(CapabilityMissing)
	ErrProtocolError = sentinel(ProtocolError)
	ErrCancelled = sentinel(Cancelled)
)

// New builds a SignerError of the given kind for the given signer (pass ""
// if none applies, e.g. a Binding Store error) with a plain message.
func New(t ErrorType, signer, msg string) error {
	return &SignerError{Type: t, Signer: signer, Msg: msg}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(t ErrorType, signer, format string, a...interface{}) error {
	return &SignerError{Type: t, Signer: signer, Msg: fmt.Sprintf(format, a...)}
}

// Wrap builds a SignerError of the given kind, attributing cause as the
// underlying error so `errors.Unwrap` and `%w`-style chains still work.
func Wrap(t ErrorType, signer, msg string, cause error) error {
	return &SignerError{Type: t, Signer: signer, Msg: msg, Cause: cause}
}

// As is a convenience re-export so call sites don't need both "errors"
// packages imported under aliases in the common case.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// TypeOf returns the ErrorType of err if it is (or wraps) a SignerError,
// and false otherwise.
func TypeOf(err error) (ErrorType, bool) {
	var se *SignerError
	if errors.As(err, &se) {
		return se.Type, true
	}
	return 0, false
}

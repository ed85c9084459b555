// Package syncerr defines the error taxonomy of spec.md §7, by kind
// rather than by concrete type name, so that wire responses and local
// error handling can switch on Kind regardless of the underlying
// cause.
package syncerr

import "errors"

// Kind is one of the five error kinds spec.md §7 enumerates.
type Kind string

const (
	KindNetwork       Kind = "NetworkError"
	KindAuthorization Kind = "AuthorizationError"
	KindValidation    Kind = "ValidationError"
	KindDatabase      Kind = "DatabaseError"
	KindAuthentication Kind = "AuthenticationError"
)

// Error wraps an underlying cause with a taxonomy Kind.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Network wraps a transport timeout or mid-request close.
func Network(msg string, cause error) *Error { return newErr(KindNetwork, msg, cause) }

// Authorization wraps a policy rejection.
func Authorization(msg string, cause error) *Error { return newErr(KindAuthorization, msg, cause) }

// Validation wraps a malformed-payload rejection.
func Validation(msg string, cause error) *Error { return newErr(KindValidation, msg, cause) }

// Database wraps a storage failure on either side.
func Database(msg string, cause error) *Error { return newErr(KindDatabase, msg, cause) }

// Authentication wraps a connection-time credential rejection. Its
// Message must begin with "Authentication" per spec.md §4.3 so that
// clients can treat any such close reason as a non-retriable
// credential error by prefix alone.
func Authentication(msg string, cause error) *Error {
	return newErr(KindAuthentication, "Authentication: "+msg, cause)
}

// As reports whether err (or something it wraps) is a *Error and
// returns it.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// KindOf returns the Kind of err if it is (or wraps) a *Error,
// otherwise "".
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

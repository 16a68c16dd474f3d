// Package errs defines the error taxonomy shared by every core component.
// Registries and the store return *Error so that the API layer (and any
// other caller) can translate a failure to the right outward representation
// without parsing error strings.
package errs

import "fmt"

// Kind classifies a failure into one of the categories the core recognizes.
// HTTP handlers map Kind to a status code.
type Kind string

const (
	// NotFound means the addressed entity does not exist. HTTP 404.
	NotFound Kind = "not_found"

	// InvalidInput means the request body or a field (e.g. a cron
	// expression) is malformed. HTTP 400.
	InvalidInput Kind = "invalid_input"

	// Conflict means the requested mutation is an illegal state transition
	// or collides with an existing resource. HTTP 409.
	Conflict Kind = "conflict"

	// Unavailable means no agent was available at dispatch time. Never
	// surfaced to API callers directly — the dispatcher leaves the run
	// QUEUED and retries on the next tick.
	Unavailable Kind = "unavailable"

	// TransportFailure means the agent was reachable by address but
	// returned a non-2xx response or the call timed out.
	TransportFailure Kind = "transport_failure"

	// InternalError means an unanticipated store or bus failure. HTTP 500;
	// the message is never echoed to the client.
	InternalError Kind = "internal_error"
)

// Error wraps an underlying cause with a Kind so callers can branch on
// classification via errors.As without inspecting error strings.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error that carries an underlying cause for logging, while
// exposing only Kind/Message to callers that must not leak internals.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if as(err, &e) {
		return e.Kind == kind
	}
	return false
}

// as is a tiny local shim over errors.As to avoid importing errors twice
// at call sites that already import this package under a different name.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Package errs implements the broker's structured error kinds (spec.md §7).
// The style follows the teacher's sentinel-error idiom
// (controlplane/controller/internal/controller/server.go's
// ErrServiceabilityRequired / ErrLoggerRequired) generalized with a Kind so
// callers at a request boundary can branch on category instead of matching
// strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories named in spec.md §7.
type Kind string

const (
	InvalidURL           Kind = "invalid_url"
	ListenFailure        Kind = "listen_failure"
	OrganizationNotFound Kind = "organization_not_found"
	DeviceNotFound       Kind = "device_not_found"
	SessionNotFound      Kind = "session_not_found"
	SessionNotReady      Kind = "session_not_ready"
	RPCFailure           Kind = "rpc_failure"
	StoreFailure         Kind = "store_failure"
	InvalidRequest       Kind = "invalid_request"
	Shutdown             Kind = "shutdown"
)

// Error is the structured error every exported broker operation returns at
// its boundary.
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

// New constructs an Error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error carrying an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

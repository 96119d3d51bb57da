// Package gateerr is the gateway's error taxonomy. Components wrap causes in
// a kinded *Error at their boundary so callers can branch on Kind without
// string matching, and so the bus can tag error events with a stable source.
package gateerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	KindStorage         Kind = "storage"
	KindProcess         Kind = "process"
	KindConnection      Kind = "connection"
	KindProtocol        Kind = "protocol"
	KindAuth            Kind = "auth"
	KindSessionClosed   Kind = "session_closed"
	KindRateLimit       Kind = "rate_limit"
	KindPayloadTooLarge Kind = "payload_too_large"
	KindNoAdapter       Kind = "no_adapter"
)

// Error is a kinded error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kinded error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a kinded error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a kinded error wrapping a cause. Returns nil when err is nil.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err's chain, or "" if err carries no *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err's chain contains an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Convenience constructors for the common kinds.

func Storage(message string, err error) *Error    { return &Error{KindStorage, message, err} }
func Process(message string, err error) *Error    { return &Error{KindProcess, message, err} }
func Connection(message string, err error) *Error { return &Error{KindConnection, message, err} }
func Protocol(message string, err error) *Error   { return &Error{KindProtocol, message, err} }
func Auth(message string) *Error                  { return &Error{Kind: KindAuth, Message: message} }

// SessionClosed reports an operation attempted on a closed session.
func SessionClosed(sessionID string) *Error {
	return Newf(KindSessionClosed, "session %s is closed", sessionID)
}

// NoAdapter reports that neither a global adapter nor a resolver is configured.
func NoAdapter() *Error {
	return New(KindNoAdapter, "no adapter or resolver configured")
}

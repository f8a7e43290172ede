package common

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failure so the session orchestrator can decide
// between retrying, reconnecting, or surfacing the error to the user.
type ErrorKind int

const (
	// KindProtocol marks a malformed or unexpected peer message. Not
	// retriable within the same negotiation attempt.
	KindProtocol ErrorKind = iota + 1
	// KindAuth marks an explicit rejection by the gateway.
	KindAuth
	// KindTimeout marks a missed deadline on a network exchange. Retriable.
	KindTimeout
	// KindCertificate marks a chain or hostname validation failure.
	KindCertificate
	// KindTransport marks a socket or tunnel-interface failure.
	KindTransport
	// KindCancelled marks a user-initiated disconnect. Terminal success of
	// the teardown path, not an error condition.
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol error"
	case KindAuth:
		return "authentication failure"
	case KindTimeout:
		return "timeout"
	case KindCertificate:
		return "certificate error"
	case KindTransport:
		return "transport error"
	case KindCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("error kind %d", int(k))
}

// Retriable reports whether the session may retry the failed operation
// without new input from the user.
func (k ErrorKind) Retriable() bool {
	return k == KindTimeout || k == KindTransport
}

// Error carries an ErrorKind along a wrapped cause.
type Error struct {
	Kind ErrorKind
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// Errf builds a kinded error from a format string.
func Errf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, err: fmt.Errorf(format, args...)}
}

func ProtocolErrorf(format string, args ...any) error {
	return Errf(KindProtocol, format, args...)
}

func AuthErrorf(format string, args ...any) error {
	return Errf(KindAuth, format, args...)
}

func TimeoutErrorf(format string, args ...any) error {
	return Errf(KindTimeout, format, args...)
}

func CertificateErrorf(format string, args ...any) error {
	return Errf(KindCertificate, format, args...)
}

func TransportErrorf(format string, args ...any) error {
	return Errf(KindTransport, format, args...)
}

func CancelledErrorf(format string, args ...any) error {
	return Errf(KindCancelled, format, args...)
}

// KindOf extracts the ErrorKind from err or any error it wraps.
// Context cancellation maps to KindCancelled and deadline expiry to
// KindTimeout so that call sites can rely on one taxonomy. Unknown errors
// report KindTransport, the only kind safe to retry blindly from.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransport
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

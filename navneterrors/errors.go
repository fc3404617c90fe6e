// Package navneterrors defines the closed set of error kinds the navnet
// client surfaces to applications, built on the classification helpers in
// pkg/errors.
package navneterrors

import (
	"errors"
	"fmt"

	cerrors "github.com/dma-navnet/navnet-client/pkg/errors"
)

// Kind is a closed enum of the error kinds the client can report.
type Kind int

const (
	// ConnectFailed is reported when Transport.Connect fails (timeout or
	// refusal) during the initial connect() call.
	ConnectFailed Kind = iota
	// HandshakeFailed is reported when the Welcome/Hello/Connected sequence
	// fails or is rejected. Fatal: the client enters CLOSED.
	HandshakeFailed
	// ProtocolError is reported for orphan responses or malformed frames;
	// the transport is closed and reconnect proceeds.
	ProtocolError
	// ConnectionLost is reported on pending futures when the transport
	// closes while requests are outstanding.
	ConnectionLost
	// Timeout is reported locally when a future's get(timeout) expires.
	Timeout
	// RemoteFailure wraps an application-level error reported by the
	// remote peer (a ServerResponse error or an InvokeServiceAck error).
	RemoteFailure
	// AlreadyRegistered is reported synchronously when a service is
	// registered on a channel that already has a local registration.
	AlreadyRegistered
	// NoProvider is reported when serviceFind().nearest() finds no
	// providers.
	NoProvider
	// Cancelled is reported on a future's completion when it was
	// explicitly cancelled or the client was closed.
	Cancelled
	// Backpressure is reported when Transport's send buffer rejects a frame.
	Backpressure
	// InvalidConfig is reported by Config.Validate when a required field
	// is missing or out of range.
	InvalidConfig
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case ConnectFailed:
		return "ConnectFailed"
	case HandshakeFailed:
		return "HandshakeFailed"
	case ProtocolError:
		return "ProtocolError"
	case ConnectionLost:
		return "ConnectionLost"
	case Timeout:
		return "Timeout"
	case RemoteFailure:
		return "RemoteFailure"
	case AlreadyRegistered:
		return "AlreadyRegistered"
	case NoProvider:
		return "NoProvider"
	case Cancelled:
		return "Cancelled"
	case Backpressure:
		return "Backpressure"
	case InvalidConfig:
		return "InvalidConfig"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type for every Kind the client reports. Use
// errors.Is against Sentinel(kind) to test the Kind, or errors.As to
// recover the Cause for RemoteFailure.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New constructs an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Class maps this Kind onto pkg/errors' transient/invalid/fatal
// classification, so callers deciding whether to retry can reuse the same
// ErrorClass the rest of the client's internal packages classify against.
func (e *Error) Class() cerrors.ErrorClass {
	switch e.Kind {
	case ConnectFailed, ConnectionLost, Timeout, Backpressure:
		return cerrors.ErrorTransient
	case AlreadyRegistered, NoProvider, InvalidConfig:
		return cerrors.ErrorInvalid
	case HandshakeFailed, ProtocolError, Cancelled:
		return cerrors.ErrorFatal
	default:
		return cerrors.ErrorTransient
	}
}

// Is reports whether target is a *Error of the same Kind, so callers can
// write `errors.Is(err, navneterrors.Sentinel(navneterrors.Timeout))`, or
// use KindOf to read the Kind directly.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf extracts the Kind from err, returning ok=false if err is not (or
// does not wrap) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Sentinel returns a zero-message *Error of the given kind, suitable for use
// with errors.Is(err, navneterrors.Sentinel(navneterrors.Cancelled)).
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}

package distobj

import (
	"errors"
	"fmt"
)

// Transport-level errors are fatal to the Connection. Protocol and
// application errors travel back in the reply as an exception
// record and leave the Connection valid.
var (
	ErrPortClosed          = fmt.Errorf("port closed")
	ErrMalformedEnvelope   = fmt.Errorf("malformed envelope")
	ErrUnknownOperation    = fmt.Errorf("unknown operation")
	ErrUnknownTarget       = fmt.Errorf("unknown target")
	ErrPayloadTypeMismatch = fmt.Errorf("payload type mismatch")
	ErrRequestTimeout      = fmt.Errorf("request timeout")
	ErrConnectionInvalid   = fmt.Errorf("connection invalid")

	ErrAuthenticationFailed = fmt.Errorf("authentication failed")
	ErrIncompatibleVersion  = fmt.Errorf("incompatible protocol version")
	ErrConnectionRejected   = fmt.Errorf("connection rejected by delegate")
	ErrPeerShutdown         = fmt.Errorf("peer requested shutdown")
	ErrFrameTooLarge        = fmt.Errorf("frame too large")
	ErrNameNotFound         = fmt.Errorf("name not found in directory")
)

// ExceptionKind labels an exception record on the wire.
type ExceptionKind string

const (
	KindApplication         ExceptionKind = "exception"
	KindUnknownOperation    ExceptionKind = "unknown-operation"
	KindUnknownTarget       ExceptionKind = "unknown-target"
	KindPayloadTypeMismatch ExceptionKind = "payload-type-mismatch"
	KindAuthentication      ExceptionKind = "authentication"
	KindPanic               ExceptionKind = "panic"
)

// ExceptionRecord is the optional exception carried by a reply.
type ExceptionRecord struct {
	Kind        ExceptionKind
	Description string
}

// RemoteException is what a caller sees when the remote handler
// failed. It is distinct from local transport and timeout errors,
// so callers can tell "retry" apart from "propagate".
type RemoteException struct {
	Kind        ExceptionKind
	Description string
}

func (e *RemoteException) Error() string {
	return fmt.Sprintf("remote exception (%v): %v", e.Kind, e.Description)
}

// Is lets errors.Is(err, ErrUnknownOperation) and friends work
// across the process boundary.
func (e *RemoteException) Is(target error) bool {
	switch target {
	case ErrUnknownOperation:
		return e.Kind == KindUnknownOperation
	case ErrUnknownTarget:
		return e.Kind == KindUnknownTarget
	case ErrPayloadTypeMismatch:
		return e.Kind == KindPayloadTypeMismatch
	case ErrAuthenticationFailed:
		return e.Kind == KindAuthentication
	}
	return false
}

// IsRemoteException reports whether err came from the remote handler.
func IsRemoteException(err error) bool {
	var re *RemoteException
	return errors.As(err, &re)
}

// exceptionFromError maps a local failure into the wire record.
func exceptionFromError(err error) *ExceptionRecord {
	kind := KindApplication
	switch {
	case errors.Is(err, ErrUnknownOperation):
		kind = KindUnknownOperation
	case errors.Is(err, ErrUnknownTarget):
		kind = KindUnknownTarget
	case errors.Is(err, ErrPayloadTypeMismatch):
		kind = KindPayloadTypeMismatch
	case errors.Is(err, ErrAuthenticationFailed):
		kind = KindAuthentication
	}
	var re *RemoteException
	if errors.As(err, &re) {
		// a nested remote call failed; that is an
		// application failure from our caller's view.
		kind = KindApplication
	}
	return &ExceptionRecord{Kind: kind, Description: err.Error()}
}

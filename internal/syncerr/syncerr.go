// Package syncerr classifies the failures that cross component boundaries.
//
// Four kinds exist:
//
//   - Storage: the local engine cannot read or write. Fatal for the call.
//   - Network: the remote system is unreachable, timed out or answered with
//     a server error. Absorbed into queued state and retried later.
//   - Rejection: the remote system refused the request (validation,
//     conflict). Not retried; surfaced to the operator.
//   - SchemaDrift: a queue entry references a collection outside the
//     allow-list. Swept and logged, never surfaced to the user.
//
// Inspect with errors.As or the Is* helpers:
//
//	if syncerr.IsNetwork(err) {
//	    // degrade to offline behaviour
//	}
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the failure class.
type Kind int

const (
	Unknown Kind = iota
	Storage
	Network
	Rejection
	SchemaDrift
)

func (k Kind) String() string {
	switch k {
	case Storage:
		return "storage_failure"
	case Network:
		return "network_failure"
	case Rejection:
		return "remote_rejection"
	case SchemaDrift:
		return "schema_drift"
	default:
		return "unknown"
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "store.put".
	Op string
	// Status is the HTTP status for remote failures, 0 when no response
	// was received.
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Message returns the innermost message, suitable for retaining next to a
// record for operator visibility.
func (e *Error) Message() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

// StorageFailure wraps a local engine error. A cancelled or expired
// context is the caller giving up, not the engine failing, and is returned
// unclassified.
func StorageFailure(op string, err error) error {
	if IsCanceled(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &Error{Kind: Storage, Op: op, Err: err}
}

// NetworkFailure wraps a transport error or timeout.
func NetworkFailure(op string, err error) error {
	return &Error{Kind: Network, Op: op, Err: err}
}

// ServerFailure is a network-class failure for a response with a 5xx
// status.
func ServerFailure(op string, status int, err error) error {
	return &Error{Kind: Network, Op: op, Status: status, Err: err}
}

// RemoteRejection wraps a refusal from the remote system.
func RemoteRejection(op string, status int, err error) error {
	return &Error{Kind: Rejection, Op: op, Status: status, Err: err}
}

// Drift reports a queue entry outside the allow-list.
func Drift(op string, err error) error {
	return &Error{Kind: SchemaDrift, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsStorage reports whether err is a StorageFailure.
func IsStorage(err error) bool { return KindOf(err) == Storage }

// IsNetwork reports whether err is a NetworkFailure, including server errors.
func IsNetwork(err error) bool { return KindOf(err) == Network }

// IsRejection reports whether err is a RemoteRejection.
func IsRejection(err error) bool { return KindOf(err) == Rejection }

// IsSchemaDrift reports whether err is a SchemaDrift.
func IsSchemaDrift(err error) bool { return KindOf(err) == SchemaDrift }

// IsUnreachable reports whether err is a network failure where no response
// arrived at all. Only these should flip connectivity state; a 5xx proves
// the remote is reachable.
func IsUnreachable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == Network && e.Status == 0
}

// IsCanceled reports whether err comes from a cancelled or expired
// context.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// MessageOf returns the operator-facing message for err.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message()
	}
	return err.Error()
}

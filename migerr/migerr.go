// Package migerr defines the error taxonomy surfaced by the migration
// coordinator and its collaborators (§7 of the design). Callers use
// errors.As to recover a *Error and inspect its Kind, or migerr.Is to test
// for a Kind; Kind is a plain string, so errors.Is does not apply to it.
package migerr

import "fmt"

// Kind is one entry of the surface error taxonomy. Internal codes may be
// finer-grained than this. Errors the module raises itself carry exactly
// one Kind; context cancellation errors and the tunnel worker's errors are
// passed up without one.
type Kind string

const (
	// OperationInvalid means a precondition was violated (bad flag
	// combination, job already in flight, wrong phase for this call).
	OperationInvalid Kind = "OperationInvalid"
	// OperationAborted means the operation was cancelled by the client
	// (async-abort flag, connection drop) rather than failing on its own.
	OperationAborted Kind = "OperationAborted"
	// OperationFailed means a remote or local step failed (hypervisor
	// error, RPC failure, I/O error).
	OperationFailed Kind = "OperationFailed"
	// MigrationUnsafe means the safety gate (C2) rejected the migration.
	MigrationUnsafe Kind = "MigrationUnsafe"
	// ArgumentUnsupported means a flag or peer-capability mismatch.
	ArgumentUnsupported Kind = "ArgumentUnsupported"
	// InvalidArgument means a malformed URI or parameter.
	InvalidArgument Kind = "InvalidArgument"
	// InternalError means a cookie-parsing or protocol-level violation
	// that should never happen given a conforming peer.
	InternalError Kind = "InternalError"
	// MalformedCookie means the cookie payload failed to parse.
	MalformedCookie Kind = "MalformedCookie"
	// SameHostMigration means the cookie's remote host identity matches
	// the local host — migrating a domain to itself is always fatal.
	SameHostMigration Kind = "SameHostMigration"
	// LostDestination means the destination connection's liveness probe
	// failed mid-migration.
	LostDestination Kind = "LostDestination"

	// DuplicateFeature means Bake was asked to accumulate the same cookie
	// feature twice.
	DuplicateFeature Kind = "DuplicateFeature"
	// LockInquireFailed means the lockstate accumulator could not reach
	// the lock manager.
	LockInquireFailed Kind = "LockInquireFailed"
	// GraphicsAllocFailed means the graphics accumulator could not
	// determine a listen endpoint.
	GraphicsAllocFailed Kind = "GraphicsAllocFailed"
	// UnsupportedCookieFeature means a mandatory feature bit in an eaten
	// cookie was not present in the recipient's requested flags.
	UnsupportedCookieFeature Kind = "UnsupportedCookieFeature"
	// LockDriverMismatch means the destination's lock driver name does
	// not match the source's.
	LockDriverMismatch Kind = "LockDriverMismatch"
)

// Error is the concrete error type returned across the public API. Reason
// is a short human-readable explanation; Err, if non-nil, is the
// underlying cause and participates in errors.Unwrap.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with no wrapped cause.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap constructs an *Error wrapping err.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Is reports whether err is a *Error of the given kind. It does not do a
// deep errors.Is comparison against Kind (Kind is a plain string, not an
// error); it exists so callers can write migerr.Is(err, migerr.MigrationUnsafe)
// instead of manual type assertions.
func Is(err error, kind Kind) bool {
	var me *Error
	if e, ok := err.(*Error); ok {
		me = e
	} else if u, ok := err.(interface{ Unwrap() error }); ok {
		return Is(u.Unwrap(), kind)
	} else {
		return false
	}
	return me.Kind == kind
}

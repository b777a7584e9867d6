package vm

import "errors"

// errors.go collects the backend error taxonomy. Errors are sentinels
// wrapped with context so callers can test with errors.Is.

var (
	// ErrUnpredictable marks architecturally UNPREDICTABLE register writes
	// (conflicting ICSR bits, AIRCR.VECTRESET outside Debug state, malformed
	// EXC_RETURN). Recoverable to the caller but always logged.
	ErrUnpredictable = errors.New("vm: unpredictable behavior")

	// ErrSystem marks an internal inability to perform a required side
	// effect, such as failing to push the stack frame on exception entry.
	ErrSystem = errors.New("vm: system error")

	// ErrWriteAccess is returned for writes to read-only registers.
	ErrWriteAccess = errors.New("vm: write access violation")

	// ErrReadAccess is returned for reads of write-only registers.
	ErrReadAccess = errors.New("vm: read access violation")

	// ErrInvalidSCSReg is returned when an access falls in a reserved hole
	// of the System Control Space. The access is still serviced as plain
	// memory, so callers may log and ignore this error.
	ErrInvalidSCSReg = errors.New("vm: unimplemented system control register")
)

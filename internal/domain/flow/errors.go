package flow

import "fmt"

// Error taxonomy for flow lifecycle operations. All of these stay local
// to one flow's supervising task; none may take down the registry or a
// sibling flow.

// ValidationError reports a bad or incomplete flow spec. Never retried;
// surfaced verbatim to the caller. Resource collisions detected before
// spawn (duplicate ports, pipe paths) are validation failures too.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ConflictError reports a lifecycle operation that is invalid for the
// flow's current state (start while running, delete while not stopped).
type ConflictError struct {
	Op    string
	State State
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: cannot %s while %s", e.Op, e.State)
}

// TimeoutError reports a bounded wait that expired. The wait point
// names which barrier failed (pipe-ready, graceful-termination, ...).
type TimeoutError struct {
	WaitPoint string
	Budget    string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s not reached within %s", e.WaitPoint, e.Budget)
}

// ProcessExitError reports an unexpected termination of a group member
// while the flow was not stopping. Exit metadata is retained for
// status queries.
type ProcessExitError struct {
	Process  string // "engine", "encoder0", "decoder"
	Code     int
	Signaled bool
	Signal   string
}

func (e *ProcessExitError) Error() string {
	if e.Signaled {
		return fmt.Sprintf("process %s killed by %s", e.Process, e.Signal)
	}
	return fmt.Sprintf("process %s exited with code %d", e.Process, e.Code)
}

// NotFoundError reports an unknown flow ID.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return "flow not found: " + e.ID }

package model

import "fmt"

// TransportError is a connectivity or broadcast failure. Transient; callers
// retry with backoff and surface a "reconnecting" state, never fatal.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConflictApplyError is a malformed or unmergeable mutation event. The event
// is logged and dropped; the rest of the table is untouched.
type ConflictApplyError struct {
	EventID string
	Reason  string
}

func (e *ConflictApplyError) Error() string {
	return fmt.Sprintf("cannot apply mutation %s: %s", e.EventID, e.Reason)
}

// PersistenceError is a durable-store write failure after an optimistic local
// apply. Local state is kept; the user sees "changes may not be saved".
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

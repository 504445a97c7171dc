// Package task tracks which backend tasks belong to which logical variable's
// pending computation, so cancellation can be reference-counted: several UI
// surfaces may await the same task, and releasing one must not cancel it for
// the rest.
package task

import "fmt"

// Error reports a task that ended in the ERROR status.
type Error struct {
	TaskID  string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("task %s failed", e.TaskID)
	}
	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.Message)
}

// CancelledError reports a task that was cancelled before completing.
type CancelledError struct {
	TaskID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("task %s was cancelled", e.TaskID)
}

package models

import (
	"fmt"
	"time"
)

// InvalidTransitionError is returned for any (from, to) pair outside the
// transition table. It indicates a logic or ordering bug in the caller, not a
// condition to retry.
type InvalidTransitionError struct {
	From   TaskState
	To     TaskState
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
}

// TaskNotFoundError is returned by storage when a task id does not resolve.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// IdempotencyConflictError is returned when an idempotency key already has a
// conflicting lifecycle state or points at a different logical operation.
type IdempotencyConflictError struct {
	Key   string
	State IdempotencyState
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q conflicts in state %s", e.Key, e.State)
}

// ClaimConflictError is returned when another worker holds a lease that has
// not gone stale. Callers should back off and retry, not alert.
type ClaimConflictError struct {
	TaskID       string
	CurrentOwner string
}

func (e *ClaimConflictError) Error() string {
	return fmt.Sprintf("task %s is claimed by %s", e.TaskID, e.CurrentOwner)
}

// TaskNotYetAvailableError is returned when a claim lands inside a backoff
// window. Callers should wait until AvailableAt.
type TaskNotYetAvailableError struct {
	TaskID      string
	AvailableAt time.Time
}

func (e *TaskNotYetAvailableError) Error() string {
	return fmt.Sprintf("task %s not available until %s", e.TaskID, e.AvailableAt.UTC().Format(time.RFC3339))
}

package models

import (
	"encoding/json"
	"time"
)

// TaskState enumerates the task lifecycle persisted in Postgres.
type TaskState string

const (
	TaskQueued          TaskState = "queued"
	TaskRunning         TaskState = "running"
	TaskCompleted       TaskState = "completed"
	TaskRetryableFailed TaskState = "retryable_failed"
	TaskFailedTerminal  TaskState = "failed_terminal"
)

// IsTerminal returns true if no further transitions are possible.
func (s TaskState) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailedTerminal
}

// Known reports whether s is one of the enumerated states.
func (s TaskState) Known() bool {
	switch s {
	case TaskQueued, TaskRunning, TaskCompleted, TaskRetryableFailed, TaskFailedTerminal:
		return true
	default:
		return false
	}
}

// IdempotencyState tracks the logical operation behind a task, independent of
// any single attempt.
type IdempotencyState string

const (
	IdempotencyReserved        IdempotencyState = "reserved"
	IdempotencyRunning         IdempotencyState = "running"
	IdempotencyCompleted       IdempotencyState = "completed"
	IdempotencyFailedRetryable IdempotencyState = "failed_retryable"
	IdempotencyFailedTerminal  IdempotencyState = "failed_terminal"
)

// IsTerminal returns true once the logical operation can never run again.
func (s IdempotencyState) IsTerminal() bool {
	return s == IdempotencyCompleted || s == IdempotencyFailedTerminal
}

// RetryPolicy tells fail handling whether the error is worth another attempt.
type RetryPolicy string

const (
	RetryPolicyRetry        RetryPolicy = "retry"
	RetryPolicyFailTerminal RetryPolicy = "fail_terminal"
)

// Task is one attempt-tracked unit of deferred work against a quote entity.
type Task struct {
	ID                string          `json:"id"`
	EntityID          string          `json:"entity_id"`
	IdempotencyKey    string          `json:"idempotency_key"`
	OperationKind     string          `json:"operation_kind"`
	Payload           json.RawMessage `json:"payload"`
	State             TaskState       `json:"state"`
	RetryCount        int             `json:"retry_count"`
	MaxRetries        int             `json:"max_retries"`
	AvailableAt       time.Time       `json:"available_at"`
	ClaimedBy         *string         `json:"claimed_by,omitempty"`
	ClaimedAt         *time.Time      `json:"claimed_at,omitempty"`
	LastError         *string         `json:"last_error,omitempty"`
	ResultFingerprint *string         `json:"result_fingerprint,omitempty"`
	StateVersion      int64           `json:"state_version"`
	CorrelationID     string          `json:"correlation_id"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IdempotencyRecord is the ledger row for one logical operation. It is
// mutated in lockstep with its paired task; persisting one without the other
// is a programming error.
type IdempotencyRecord struct {
	Key            string           `json:"key"`
	EntityID       string           `json:"entity_id"`
	OperationKind  string           `json:"operation_kind"`
	PayloadHash    string           `json:"payload_hash"`
	State          IdempotencyState `json:"state"`
	AttemptCount   int              `json:"attempt_count"`
	FirstSeenAt    time.Time        `json:"first_seen_at"`
	LastSeenAt     time.Time        `json:"last_seen_at"`
	ResultSnapshot *string          `json:"result_snapshot,omitempty"`
	ErrorSnapshot  *string          `json:"error_snapshot,omitempty"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
	CorrelationID  string           `json:"correlation_id"`
	UpdatedBy      string           `json:"updated_by"`
}

// TransitionEvent is an append-only audit record of one accepted state
// change. FromState is nil only conceptually for creation, which emits no
// event.
type TransitionEvent struct {
	ID              string         `json:"id"`
	TaskID          string         `json:"task_id"`
	EntityID        string         `json:"entity_id"`
	FromState       *TaskState     `json:"from_state,omitempty"`
	ToState         TaskState      `json:"to_state"`
	Reason          string         `json:"reason"`
	ErrorClass      *string        `json:"error_class,omitempty"`
	DecisionContext map[string]any `json:"decision_context"`
	ActorType       string         `json:"actor_type"`
	ActorID         string         `json:"actor_id"`
	IdempotencyKey  string         `json:"idempotency_key"`
	CorrelationID   string         `json:"correlation_id"`
	StateVersion    int64          `json:"state_version"`
	OccurredAt      time.Time      `json:"occurred_at"`
}

// Transition reasons recorded on events.
const (
	ReasonTaskClaimed         = "task_claimed"
	ReasonTaskCompleted       = "task_completed"
	ReasonTaskFailedRetryable = "task_failed_retryable"
	ReasonTaskFailedTerminal  = "task_failed_terminal"
)

// Actor types recorded on events.
const (
	ActorWorker = "worker"
	ActorSystem = "system"
)

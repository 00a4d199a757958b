package store

import (
	"context"
	"errors"

	"github.com/junlov/quotey/internal/models"
)

// ErrVersionConflict is returned when an optimistic update loses the race on
// Task.StateVersion. It is expected contention, not a bug.
var ErrVersionConflict = errors.New("task state_version conflict")

// Repository is the persistence contract the execution engine's callers run
// against. Implementations must persist the task, ledger row, and transition
// event of one engine call atomically, guarded by a compare-and-swap on the
// task's previous state version.
type Repository interface {
	// CreateTask inserts a task and its idempotency record in one
	// transaction. A concurrent insert on the same key returns
	// IdempotencyConflictError.
	CreateTask(ctx context.Context, task models.Task, record models.IdempotencyRecord) error

	// GetTask returns the task or TaskNotFoundError.
	GetTask(ctx context.Context, id string) (models.Task, error)

	// GetTaskByIdempotencyKey resolves the task paired with an operation key.
	GetTaskByIdempotencyKey(ctx context.Context, key string) (models.Task, error)

	// GetIdempotencyRecord returns the ledger row for key, with found=false
	// when the key has never been seen.
	GetIdempotencyRecord(ctx context.Context, key string) (models.IdempotencyRecord, bool, error)

	// SaveTransition persists the outcome of one engine operation: the
	// updated task (CAS on expectedVersion), the ledger row, and the
	// append-only event. Returns ErrVersionConflict on a lost race.
	SaveTransition(ctx context.Context, task models.Task, record models.IdempotencyRecord, event models.TransitionEvent, expectedVersion int64) error

	// ListTasksByEntityAndState lists tasks for one logical entity,
	// optionally filtered by state (empty state means all).
	ListTasksByEntityAndState(ctx context.Context, entityID string, state models.TaskState) ([]models.Task, error)

	// ListRunning returns Running tasks, the candidate set for a stale
	// lease sweep.
	ListRunning(ctx context.Context, limit int) ([]models.Task, error)

	// ListTransitions returns the audit trail of a task, oldest first.
	ListTransitions(ctx context.Context, taskID string) ([]models.TransitionEvent, error)
}

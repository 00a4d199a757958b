// Package execution implements the deterministic task-execution state
// machine and its paired idempotency ledger. The engine is pure: it performs
// no I/O, holds no shared state, and only computes the next Task,
// IdempotencyRecord, and TransitionEvent values for the caller to persist
// atomically (compare-and-swap on Task.StateVersion).
package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/junlov/quotey/internal/models"
)

// Engine makes lifecycle decisions. It is safe for concurrent use: every
// method takes snapshots and returns new values.
type Engine struct {
	cfg   Config
	now   func() time.Time
	newID func() string
}

// New builds an engine with the wall clock. Zero config fields fall back to
// DefaultConfig.
func New(cfg Config) *Engine {
	return NewWithClock(cfg, time.Now)
}

// NewWithClock builds an engine with an injected clock, keeping backoff and
// staleness decisions reproducible in tests.
func NewWithClock(cfg Config, now func() time.Time) *Engine {
	return &Engine{
		cfg:   cfg.Normalize(),
		now:   now,
		newID: uuid.NewString,
	}
}

// Config returns the normalized policy the engine runs with.
func (e *Engine) Config() Config {
	return e.cfg
}

// HashPayload is the content hash recorded on the idempotency ledger and
// compared at enqueue time for duplicate detection.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// CreateTaskParams collects inputs for CreateTask.
type CreateTaskParams struct {
	EntityID       string
	OperationKind  string
	Payload        json.RawMessage
	IdempotencyKey string
	CorrelationID  string
	// MaxRetries of zero uses the engine default.
	MaxRetries int
}

// CreateTask produces a Queued task and its Reserved ledger row. No
// transition event is emitted: there is no prior state to log from.
func (e *Engine) CreateTask(p CreateTaskParams) (models.Task, models.IdempotencyRecord) {
	now := e.now()
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.cfg.DefaultMaxRetries
	}

	task := models.Task{
		ID:             e.newID(),
		EntityID:       p.EntityID,
		IdempotencyKey: p.IdempotencyKey,
		OperationKind:  p.OperationKind,
		Payload:        p.Payload,
		State:          models.TaskQueued,
		RetryCount:     0,
		MaxRetries:     maxRetries,
		AvailableAt:    now,
		StateVersion:   1,
		CorrelationID:  p.CorrelationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	record := models.IdempotencyRecord{
		Key:           p.IdempotencyKey,
		EntityID:      p.EntityID,
		OperationKind: p.OperationKind,
		PayloadHash:   HashPayload(p.Payload),
		State:         models.IdempotencyReserved,
		AttemptCount:  1,
		FirstSeenAt:   now,
		LastSeenAt:    now,
		CorrelationID: p.CorrelationID,
		UpdatedBy:     models.ActorSystem,
	}

	return task, record
}

// ClaimTask transitions a task to Running on behalf of workerID. A Running
// task may only be re-claimed when its lease is stale; a fresh lease yields
// ClaimConflict. Claims inside a backoff window yield TaskNotYetAvailable.
func (e *Engine) ClaimTask(task models.Task, workerID string, record *models.IdempotencyRecord) (models.Task, models.TransitionEvent, error) {
	if err := e.checkPairing(task, record); err != nil {
		return models.Task{}, models.TransitionEvent{}, err
	}

	now := e.now()
	from := task.State
	if err := ValidateTransition(from, models.TaskRunning); err != nil {
		return models.Task{}, models.TransitionEvent{}, err
	}

	stolen := false
	var previousOwner string
	var leaseAge time.Duration
	if from == models.TaskRunning {
		if task.ClaimedAt == nil || !e.cfg.LeaseStale(*task.ClaimedAt, now) {
			owner := ""
			if task.ClaimedBy != nil {
				owner = *task.ClaimedBy
			}
			return models.Task{}, models.TransitionEvent{}, &models.ClaimConflictError{TaskID: task.ID, CurrentOwner: owner}
		}
		stolen = true
		leaseAge = now.Sub(*task.ClaimedAt)
		if task.ClaimedBy != nil {
			previousOwner = *task.ClaimedBy
		}
	} else if now.Before(task.AvailableAt) {
		return models.Task{}, models.TransitionEvent{}, &models.TaskNotYetAvailableError{TaskID: task.ID, AvailableAt: task.AvailableAt}
	}

	task.State = models.TaskRunning
	task.ClaimedBy = &workerID
	task.ClaimedAt = &now
	task.StateVersion++
	task.UpdatedAt = now

	record.State = models.IdempotencyRunning
	record.AttemptCount = task.RetryCount + 1
	record.LastSeenAt = now
	record.UpdatedBy = workerID

	ctx := map[string]any{
		"worker_id":   workerID,
		"retry_count": task.RetryCount,
	}
	if stolen {
		ctx["lease_stolen"] = true
		ctx["previous_owner"] = previousOwner
		ctx["lease_age_seconds"] = leaseAge.Seconds()
	}

	event := e.newEvent(task, &from, models.ReasonTaskClaimed, nil, ctx, models.ActorWorker, workerID, now)
	return task, event, nil
}

// CompleteTask transitions a Running task to Completed and records the
// result fingerprint on both the task and the ledger row.
func (e *Engine) CompleteTask(task models.Task, resultFingerprint string, record *models.IdempotencyRecord) (models.Task, models.TransitionEvent, error) {
	if err := e.checkPairing(task, record); err != nil {
		return models.Task{}, models.TransitionEvent{}, err
	}

	from := task.State
	if err := ValidateTransition(from, models.TaskCompleted); err != nil {
		return models.Task{}, models.TransitionEvent{}, err
	}

	now := e.now()
	workerID := ""
	if task.ClaimedBy != nil {
		workerID = *task.ClaimedBy
	}

	task.State = models.TaskCompleted
	task.ResultFingerprint = &resultFingerprint
	task.ClaimedBy = nil
	task.ClaimedAt = nil
	task.StateVersion++
	task.UpdatedAt = now

	record.State = models.IdempotencyCompleted
	record.ResultSnapshot = &resultFingerprint
	record.LastSeenAt = now
	record.UpdatedBy = workerID

	ctx := map[string]any{
		"worker_id":          workerID,
		"result_fingerprint": resultFingerprint,
	}

	event := e.newEvent(task, &from, models.ReasonTaskCompleted, nil, ctx, models.ActorWorker, workerID, now)
	return task, event, nil
}

// FailTask transitions a Running task to RetryableFailed when the policy
// permits a retry and the budget is not exhausted, otherwise to
// FailedTerminal. The retry count never advances past MaxRetries.
func (e *Engine) FailTask(task models.Task, taskErr string, errorClass string, policy models.RetryPolicy, record *models.IdempotencyRecord) (models.Task, models.TransitionEvent, error) {
	if err := e.checkPairing(task, record); err != nil {
		return models.Task{}, models.TransitionEvent{}, err
	}

	from := task.State
	willRetry := policy == models.RetryPolicyRetry && task.RetryCount < task.MaxRetries
	to := models.TaskFailedTerminal
	if willRetry {
		to = models.TaskRetryableFailed
	}
	if err := ValidateTransition(from, to); err != nil {
		return models.Task{}, models.TransitionEvent{}, err
	}

	now := e.now()
	workerID := ""
	if task.ClaimedBy != nil {
		workerID = *task.ClaimedBy
	}

	task.State = to
	task.LastError = &taskErr
	task.ClaimedBy = nil
	task.ClaimedAt = nil
	task.StateVersion++
	task.UpdatedAt = now

	record.LastSeenAt = now
	record.ErrorSnapshot = &taskErr
	record.UpdatedBy = workerID

	ctx := map[string]any{
		"worker_id":   workerID,
		"error":       taskErr,
		"error_class": errorClass,
		"max_retries": task.MaxRetries,
	}

	reason := models.ReasonTaskFailedTerminal
	if willRetry {
		// Backoff is indexed from the pre-increment retry count, so the
		// first failure waits exactly one base delay.
		delay := e.cfg.BackoffDelay(task.RetryCount)
		task.RetryCount++
		task.AvailableAt = now.Add(delay)

		record.State = models.IdempotencyFailedRetryable

		reason = models.ReasonTaskFailedRetryable
		ctx["retry_count"] = task.RetryCount
		ctx["backoff_seconds"] = delay.Seconds()
		ctx["available_at"] = task.AvailableAt.UTC().Format(time.RFC3339)
	} else {
		record.State = models.IdempotencyFailedTerminal
		ctx["retry_count"] = task.RetryCount
		ctx["retry_policy"] = string(policy)
	}

	event := e.newEvent(task, &from, reason, &errorClass, ctx, models.ActorWorker, workerID, now)
	return task, event, nil
}

// checkPairing guards the task/ledger lockstep invariant: the record must
// belong to the task's key and must not already be terminal when the task is
// not, which would desynchronize the pair.
func (e *Engine) checkPairing(task models.Task, record *models.IdempotencyRecord) error {
	if record == nil {
		return &models.IdempotencyConflictError{Key: task.IdempotencyKey, State: ""}
	}
	if record.Key != task.IdempotencyKey {
		return &models.IdempotencyConflictError{Key: record.Key, State: record.State}
	}
	if record.State.IsTerminal() && !task.State.IsTerminal() {
		return &models.IdempotencyConflictError{Key: record.Key, State: record.State}
	}
	return nil
}

func (e *Engine) newEvent(task models.Task, from *models.TaskState, reason string, errorClass *string, ctx map[string]any, actorType, actorID string, occurredAt time.Time) models.TransitionEvent {
	return models.TransitionEvent{
		ID:              e.newID(),
		TaskID:          task.ID,
		EntityID:        task.EntityID,
		FromState:       from,
		ToState:         task.State,
		Reason:          reason,
		ErrorClass:      errorClass,
		DecisionContext: ctx,
		ActorType:       actorType,
		ActorID:         actorID,
		IdempotencyKey:  task.IdempotencyKey,
		CorrelationID:   task.CorrelationID,
		StateVersion:    task.StateVersion,
		OccurredAt:      occurredAt,
	}
}

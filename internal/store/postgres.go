package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/junlov/quotey/internal/models"
)

// Postgres is the durable Repository backed by pgx.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const taskColumns = `id, entity_id, idempotency_key, operation_kind, payload, state, retry_count, max_retries,
	available_at, claimed_by, claimed_at, last_error, result_fingerprint, state_version, correlation_id, created_at, updated_at`

// CreateTask inserts the task and its ledger row in one transaction. The
// ledger insert is ON CONFLICT DO NOTHING; zero rows means another producer
// reserved the key between the caller's dedup check and this insert.
func (s *Postgres) CreateTask(ctx context.Context, task models.Task, record models.IdempotencyRecord) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		INSERT INTO idempotency_records (key, entity_id, operation_kind, payload_hash, state, attempt_count,
			first_seen_at, last_seen_at, result_snapshot, error_snapshot, expires_at, correlation_id, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (key) DO NOTHING
	`, record.Key, record.EntityID, record.OperationKind, record.PayloadHash, record.State, record.AttemptCount,
		record.FirstSeenAt, record.LastSeenAt, record.ResultSnapshot, record.ErrorSnapshot, record.ExpiresAt,
		record.CorrelationID, record.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &models.IdempotencyConflictError{Key: record.Key, State: record.State}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, task.ID, task.EntityID, task.IdempotencyKey, task.OperationKind, []byte(task.Payload), task.State,
		task.RetryCount, task.MaxRetries, task.AvailableAt, task.ClaimedBy, task.ClaimedAt, task.LastError,
		task.ResultFingerprint, task.StateVersion, task.CorrelationID, task.CreatedAt, task.UpdatedAt); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetTask fetches a task by id.
func (s *Postgres) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, &models.TaskNotFoundError{TaskID: id}
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}
	return task, nil
}

// GetTaskByIdempotencyKey resolves the task paired with an operation key.
func (s *Postgres) GetTaskByIdempotencyKey(ctx context.Context, key string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE idempotency_key = $1`, key)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, &models.TaskNotFoundError{TaskID: key}
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}
	return task, nil
}

// GetIdempotencyRecord returns the ledger row for key.
func (s *Postgres) GetIdempotencyRecord(ctx context.Context, key string) (models.IdempotencyRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT key, entity_id, operation_kind, payload_hash, state, attempt_count, first_seen_at, last_seen_at,
			result_snapshot, error_snapshot, expires_at, correlation_id, updated_by
		FROM idempotency_records WHERE key = $1
	`, key)

	var rec models.IdempotencyRecord
	var result, errSnap pgtype.Text
	var expires pgtype.Timestamptz
	err := row.Scan(&rec.Key, &rec.EntityID, &rec.OperationKind, &rec.PayloadHash, &rec.State, &rec.AttemptCount,
		&rec.FirstSeenAt, &rec.LastSeenAt, &result, &errSnap, &expires, &rec.CorrelationID, &rec.UpdatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return models.IdempotencyRecord{}, false, fmt.Errorf("scan idempotency record: %w", err)
	}
	rec.ResultSnapshot = textPtr(result)
	rec.ErrorSnapshot = textPtr(errSnap)
	if expires.Valid {
		t := expires.Time
		rec.ExpiresAt = &t
	}
	return rec, true, nil
}

// SaveTransition persists one engine decision atomically. The task update is
// a compare-and-swap on state_version; losing the race returns
// ErrVersionConflict and nothing is written.
func (s *Postgres) SaveTransition(ctx context.Context, task models.Task, record models.IdempotencyRecord, event models.TransitionEvent, expectedVersion int64) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE tasks
		SET state = $2, retry_count = $3, available_at = $4, claimed_by = $5, claimed_at = $6,
			last_error = $7, result_fingerprint = $8, state_version = $9, updated_at = $10
		WHERE id = $1 AND state_version = $11
	`, task.ID, task.State, task.RetryCount, task.AvailableAt, task.ClaimedBy, task.ClaimedAt,
		task.LastError, task.ResultFingerprint, task.StateVersion, task.UpdatedAt, expectedVersion)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, task.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check task exists: %w", err)
		}
		if !exists {
			return &models.TaskNotFoundError{TaskID: task.ID}
		}
		return ErrVersionConflict
	}

	if _, err := tx.Exec(ctx, `
		UPDATE idempotency_records
		SET state = $2, attempt_count = $3, last_seen_at = $4, result_snapshot = $5, error_snapshot = $6, updated_by = $7
		WHERE key = $1
	`, record.Key, record.State, record.AttemptCount, record.LastSeenAt, record.ResultSnapshot,
		record.ErrorSnapshot, record.UpdatedBy); err != nil {
		return fmt.Errorf("update idempotency record: %w", err)
	}

	ctxJSON, err := json.Marshal(event.DecisionContext)
	if err != nil {
		return fmt.Errorf("marshal decision context: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO transition_events (id, task_id, entity_id, from_state, to_state, reason, error_class,
			decision_context, actor_type, actor_id, idempotency_key, correlation_id, state_version, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, event.ID, event.TaskID, event.EntityID, fromStateValue(event.FromState), event.ToState, event.Reason,
		event.ErrorClass, ctxJSON, event.ActorType, event.ActorID, event.IdempotencyKey, event.CorrelationID,
		event.StateVersion, event.OccurredAt); err != nil {
		return fmt.Errorf("insert transition event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListTasksByEntityAndState lists an entity's tasks, optionally by state.
func (s *Postgres) ListTasksByEntityAndState(ctx context.Context, entityID string, state models.TaskState) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE entity_id = $1`
	args := []any{entityID}
	if state != "" {
		query += ` AND state = $2`
		args = append(args, state)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks by entity: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListRunning returns Running tasks for the stale sweep.
func (s *Postgres) ListRunning(ctx context.Context, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE state = $1 ORDER BY claimed_at LIMIT $2
	`, models.TaskRunning, limit)
	if err != nil {
		return nil, fmt.Errorf("query running tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTransitions returns a task's audit trail, oldest first.
func (s *Postgres) ListTransitions(ctx context.Context, taskID string) ([]models.TransitionEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, entity_id, from_state, to_state, reason, error_class, decision_context,
			actor_type, actor_id, idempotency_key, correlation_id, state_version, occurred_at
		FROM transition_events WHERE task_id = $1 ORDER BY state_version
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query transition events: %w", err)
	}
	defer rows.Close()

	var events []models.TransitionEvent
	for rows.Next() {
		var ev models.TransitionEvent
		var from pgtype.Text
		var errClass pgtype.Text
		var ctxJSON []byte
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.EntityID, &from, &ev.ToState, &ev.Reason, &errClass,
			&ctxJSON, &ev.ActorType, &ev.ActorID, &ev.IdempotencyKey, &ev.CorrelationID, &ev.StateVersion,
			&ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan transition event: %w", err)
		}
		if from.Valid {
			st := models.TaskState(from.String)
			ev.FromState = &st
		}
		if errClass.Valid {
			ev.ErrorClass = &errClass.String
		}
		if len(ctxJSON) > 0 {
			if err := json.Unmarshal(ctxJSON, &ev.DecisionContext); err != nil {
				return nil, fmt.Errorf("unmarshal decision context: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (models.Task, error) {
	var task models.Task
	var payload []byte
	var claimedBy, lastErr, fingerprint pgtype.Text
	var claimedAt pgtype.Timestamptz

	err := row.Scan(&task.ID, &task.EntityID, &task.IdempotencyKey, &task.OperationKind, &payload, &task.State,
		&task.RetryCount, &task.MaxRetries, &task.AvailableAt, &claimedBy, &claimedAt, &lastErr,
		&fingerprint, &task.StateVersion, &task.CorrelationID, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return models.Task{}, err
	}
	task.Payload = payload
	task.ClaimedBy = textPtr(claimedBy)
	task.LastError = textPtr(lastErr)
	task.ResultFingerprint = textPtr(fingerprint)
	if claimedAt.Valid {
		t := claimedAt.Time
		task.ClaimedAt = &t
	}
	return task, nil
}

func collectTasks(rows pgx.Rows) ([]models.Task, error) {
	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func fromStateValue(s *models.TaskState) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

var _ Repository = (*Postgres)(nil)

package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/junlov/quotey/internal/models"
)

func seedTask(id, entityID, key string, state models.TaskState, version int64) (models.Task, models.IdempotencyRecord) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	task := models.Task{
		ID:             id,
		EntityID:       entityID,
		IdempotencyKey: key,
		OperationKind:  "crm_write",
		Payload:        json.RawMessage(`{}`),
		State:          state,
		MaxRetries:     3,
		AvailableAt:    now,
		StateVersion:   version,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	record := models.IdempotencyRecord{
		Key:           key,
		EntityID:      entityID,
		OperationKind: "crm_write",
		PayloadHash:   "hash",
		State:         models.IdempotencyReserved,
		AttemptCount:  1,
		FirstSeenAt:   now,
		LastSeenAt:    now,
	}
	return task, record
}

func TestMemoryCreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	task, record := seedTask("t-1", "quote-1", "op-1", models.TaskQueued, 1)
	if err := repo.CreateTask(ctx, task, record); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != models.TaskQueued || got.StateVersion != 1 {
		t.Fatalf("unexpected task: %+v", got)
	}

	byKey, err := repo.GetTaskByIdempotencyKey(ctx, "op-1")
	if err != nil {
		t.Fatalf("get by key: %v", err)
	}
	if byKey.ID != "t-1" {
		t.Fatalf("resolved %s, want t-1", byKey.ID)
	}

	rec, found, err := repo.GetIdempotencyRecord(ctx, "op-1")
	if err != nil || !found {
		t.Fatalf("record lookup found=%v err=%v", found, err)
	}
	if rec.State != models.IdempotencyReserved {
		t.Fatalf("record state = %s", rec.State)
	}
}

func TestMemoryCreateDuplicateKeyConflicts(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	task, record := seedTask("t-1", "quote-1", "op-1", models.TaskQueued, 1)
	if err := repo.CreateTask(ctx, task, record); err != nil {
		t.Fatalf("create: %v", err)
	}

	dup, dupRecord := seedTask("t-2", "quote-1", "op-1", models.TaskQueued, 1)
	err := repo.CreateTask(ctx, dup, dupRecord)
	var conflict *models.IdempotencyConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected IdempotencyConflictError, got %v", err)
	}
}

func TestMemoryGetMissing(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	_, err := repo.GetTask(ctx, "nope")
	var notFound *models.TaskNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected TaskNotFoundError, got %v", err)
	}

	_, found, err := repo.GetIdempotencyRecord(ctx, "nope")
	if err != nil || found {
		t.Fatalf("missing record found=%v err=%v", found, err)
	}
}

func TestMemorySaveTransitionCAS(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	task, record := seedTask("t-1", "quote-1", "op-1", models.TaskQueued, 1)
	if err := repo.CreateTask(ctx, task, record); err != nil {
		t.Fatalf("create: %v", err)
	}

	updated := task
	updated.State = models.TaskRunning
	updated.StateVersion = 2
	record.State = models.IdempotencyRunning
	event := models.TransitionEvent{ID: "ev-1", TaskID: "t-1", ToState: models.TaskRunning, StateVersion: 2}

	if err := repo.SaveTransition(ctx, updated, record, event, 1); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Same expected version again loses the race.
	if err := repo.SaveTransition(ctx, updated, record, event, 1); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	got, err := repo.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != models.TaskRunning || got.StateVersion != 2 {
		t.Fatalf("unexpected task after save: %+v", got)
	}

	events, err := repo.ListTransitions(ctx, "t-1")
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(events) != 1 || events[0].ID != "ev-1" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestMemoryListTasksByEntityAndState(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	a, ra := seedTask("t-1", "quote-1", "op-1", models.TaskQueued, 1)
	b, rb := seedTask("t-2", "quote-1", "op-2", models.TaskRunning, 2)
	c, rc := seedTask("t-3", "quote-2", "op-3", models.TaskQueued, 1)
	for i, pair := range []struct {
		task models.Task
		rec  models.IdempotencyRecord
	}{{a, ra}, {b, rb}, {c, rc}} {
		pair.task.CreatedAt = pair.task.CreatedAt.Add(time.Duration(i) * time.Second)
		if err := repo.CreateTask(ctx, pair.task, pair.rec); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	all, err := repo.ListTasksByEntityAndState(ctx, "quote-1", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 tasks for quote-1, got %d", len(all))
	}

	queued, err := repo.ListTasksByEntityAndState(ctx, "quote-1", models.TaskQueued)
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	if len(queued) != 1 || queued[0].ID != "t-1" {
		t.Fatalf("unexpected queued tasks: %+v", queued)
	}

	running, err := repo.ListRunning(ctx, 10)
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	if len(running) != 1 || running[0].ID != "t-2" {
		t.Fatalf("unexpected running tasks: %+v", running)
	}
}

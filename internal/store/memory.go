package store

import (
	"context"
	"sort"
	"sync"

	"github.com/junlov/quotey/internal/models"
)

// Memory is an in-process Repository with the same compare-and-swap
// semantics as Postgres. It backs engine and worker tests.
type Memory struct {
	mu      sync.Mutex
	tasks   map[string]models.Task
	records map[string]models.IdempotencyRecord
	events  map[string][]models.TransitionEvent
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		tasks:   make(map[string]models.Task),
		records: make(map[string]models.IdempotencyRecord),
		events:  make(map[string][]models.TransitionEvent),
	}
}

func (m *Memory) CreateTask(_ context.Context, task models.Task, record models.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[record.Key]; ok {
		return &models.IdempotencyConflictError{Key: record.Key, State: existing.State}
	}
	m.records[record.Key] = cloneRecord(record)
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return models.Task{}, &models.TaskNotFoundError{TaskID: id}
	}
	return cloneTask(task), nil
}

func (m *Memory) GetTaskByIdempotencyKey(_ context.Context, key string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, task := range m.tasks {
		if task.IdempotencyKey == key {
			return cloneTask(task), nil
		}
	}
	return models.Task{}, &models.TaskNotFoundError{TaskID: key}
}

func (m *Memory) GetIdempotencyRecord(_ context.Context, key string) (models.IdempotencyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return models.IdempotencyRecord{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

func (m *Memory) SaveTransition(_ context.Context, task models.Task, record models.IdempotencyRecord, event models.TransitionEvent, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.tasks[task.ID]
	if !ok {
		return &models.TaskNotFoundError{TaskID: task.ID}
	}
	if current.StateVersion != expectedVersion {
		return ErrVersionConflict
	}
	m.tasks[task.ID] = cloneTask(task)
	m.records[record.Key] = cloneRecord(record)
	m.events[task.ID] = append(m.events[task.ID], event)
	return nil
}

func (m *Memory) ListTasksByEntityAndState(_ context.Context, entityID string, state models.TaskState) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tasks []models.Task
	for _, task := range m.tasks {
		if task.EntityID != entityID {
			continue
		}
		if state != "" && task.State != state {
			continue
		}
		tasks = append(tasks, cloneTask(task))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (m *Memory) ListRunning(_ context.Context, limit int) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var tasks []models.Task
	for _, task := range m.tasks {
		if task.State == models.TaskRunning {
			tasks = append(tasks, cloneTask(task))
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].ClaimedAt == nil || tasks[j].ClaimedAt == nil {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].ClaimedAt.Before(*tasks[j].ClaimedAt)
	})
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (m *Memory) ListTransitions(_ context.Context, taskID string) ([]models.TransitionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := make([]models.TransitionEvent, len(m.events[taskID]))
	copy(events, m.events[taskID])
	return events, nil
}

func cloneTask(t models.Task) models.Task {
	t.Payload = append([]byte(nil), t.Payload...)
	t.ClaimedBy = cloneStr(t.ClaimedBy)
	t.LastError = cloneStr(t.LastError)
	t.ResultFingerprint = cloneStr(t.ResultFingerprint)
	if t.ClaimedAt != nil {
		at := *t.ClaimedAt
		t.ClaimedAt = &at
	}
	return t
}

func cloneRecord(r models.IdempotencyRecord) models.IdempotencyRecord {
	r.ResultSnapshot = cloneStr(r.ResultSnapshot)
	r.ErrorSnapshot = cloneStr(r.ErrorSnapshot)
	if r.ExpiresAt != nil {
		at := *r.ExpiresAt
		r.ExpiresAt = &at
	}
	return r
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

var _ Repository = (*Memory)(nil)

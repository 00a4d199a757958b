package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/junlov/quotey/internal/config"
	"github.com/junlov/quotey/internal/execution"
	"github.com/junlov/quotey/internal/models"
	"github.com/junlov/quotey/internal/queue"
	"github.com/junlov/quotey/internal/ratelimit"
	"github.com/junlov/quotey/internal/store"
	"github.com/junlov/quotey/internal/telemetry"
)

// Server wires HTTP handlers for the producer API. Enqueue enforces the
// payload-hash dedup contract: an idempotency key already on the ledger is
// reused when the hash matches and rejected when it does not.
type Server struct {
	cfg     config.Config
	engine  *execution.Engine
	repo    store.Repository
	queue   *queue.RedisQueue
	limiter *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, engine *execution.Engine, repo store.Repository, q *queue.RedisQueue, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		engine:  engine,
		repo:    repo,
		queue:   q,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/tasks", s.handleEnqueue)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Get("/tasks/{id}/events", s.handleGetEvents)
	r.Get("/entities/{id}/tasks", s.handleListEntityTasks)
	r.Post("/recover", s.handleRecover)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type enqueueRequest struct {
	EntityID       string          `json:"entity_id"`
	OperationKind  string          `json:"operation_kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	CorrelationID  string          `json:"correlation_id"`
	MaxRetries     int             `json:"max_retries"`
}

type enqueueResponse struct {
	Task       models.Task `json:"task"`
	Idempotent bool        `json:"idempotent"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.EntityID == "" || req.OperationKind == "" || req.IdempotencyKey == "" {
		http.Error(w, "entity_id, operation_kind and idempotency_key are required", http.StatusBadRequest)
		return
	}
	if req.Payload == nil {
		req.Payload = json.RawMessage(`{}`)
	}

	tenant := tenantFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:%s", tenant))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	// Dedup check before creating anything: a known key with the same
	// payload hash returns the existing task, a different hash is a
	// conflicting logical operation.
	hash := execution.HashPayload(req.Payload)
	if existing, found, err := s.repo.GetIdempotencyRecord(r.Context(), req.IdempotencyKey); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	} else if found {
		if existing.PayloadHash != hash {
			http.Error(w, fmt.Sprintf("idempotency key %q already used with a different payload", req.IdempotencyKey), http.StatusConflict)
			return
		}
		task, err := s.repo.GetTaskByIdempotencyKey(r.Context(), req.IdempotencyKey)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, enqueueResponse{Task: task, Idempotent: true})
		return
	}

	task, record := s.engine.CreateTask(execution.CreateTaskParams{
		EntityID:       req.EntityID,
		OperationKind:  req.OperationKind,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		CorrelationID:  req.CorrelationID,
		MaxRetries:     req.MaxRetries,
	})

	if err := s.repo.CreateTask(r.Context(), task, record); err != nil {
		var conflict *models.IdempotencyConflictError
		if errors.As(err, &conflict) {
			// Lost the insert race after the dedup check; the other
			// producer's task is authoritative.
			if task, lookupErr := s.repo.GetTaskByIdempotencyKey(r.Context(), req.IdempotencyKey); lookupErr == nil {
				writeJSON(w, http.StatusOK, enqueueResponse{Task: task, Idempotent: true})
				return
			}
			http.Error(w, conflict.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := s.queue.Enqueue(r.Context(), task.ID, task.AvailableAt); err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.EnqueueCounter.Inc()

	writeJSON(w, http.StatusAccepted, enqueueResponse{Task: task, Idempotent: false})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.repo.GetTask(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.repo.GetTask(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	events, err := s.repo.ListTransitions(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleListEntityTasks(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "id")
	state := models.TaskState(r.URL.Query().Get("state"))
	if state != "" && !state.Known() {
		http.Error(w, fmt.Sprintf("unknown state %q", state), http.StatusBadRequest)
		return
	}
	tasks, err := s.repo.ListTasksByEntityAndState(r.Context(), entityID, state)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleRecover runs an on-demand stale sweep: re-surfaces Running tasks
// whose lease outlived the claim timeout so workers can steal them.
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	running, err := s.repo.ListRunning(r.Context(), s.cfg.StaleSweepBatch)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	stale := s.engine.RecoverStaleTasks(running, time.Now())
	ids := make([]string, 0, len(stale))
	for _, task := range stale {
		if err := s.queue.Enqueue(r.Context(), task.ID, time.Now()); err != nil {
			http.Error(w, "requeue failed", http.StatusInternalServerError)
			return
		}
		telemetry.StaleRecovered.Inc()
		ids = append(ids, task.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"recovered": len(ids), "task_ids": ids})
}

// handleDLQ returns terminally failed task ids.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

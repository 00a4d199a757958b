// Package worker drives the execution-engine loop: pop a task id from the
// dispatch queue, read the task and its ledger row, invoke one engine
// operation, persist the returned values, repeat. All mutual exclusion comes
// from the storage compare-and-swap on state_version.
package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/junlov/quotey/internal/config"
	"github.com/junlov/quotey/internal/execution"
	"github.com/junlov/quotey/internal/models"
	"github.com/junlov/quotey/internal/queue"
	"github.com/junlov/quotey/internal/store"
	"github.com/junlov/quotey/internal/telemetry"
)

// Handler executes the payload of one claimed task and returns the result
// fingerprint recorded on completion.
type Handler func(ctx context.Context, task models.Task) (string, error)

// TerminalError marks a handler failure that must not retry.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Runner owns one worker's loop.
type Runner struct {
	cfg            config.Config
	engine         *execution.Engine
	repo           store.Repository
	queue          *queue.RedisQueue
	handlers       map[string]Handler
	defaultHandler Handler
	workerID       string
}

// NewRunner builds a runner. The default handler simulates work for
// operation kinds with no registered handler.
func NewRunner(cfg config.Config, engine *execution.Engine, repo store.Repository, q *queue.RedisQueue, workerID string) *Runner {
	r := &Runner{
		cfg:      cfg,
		engine:   engine,
		repo:     repo,
		queue:    q,
		handlers: make(map[string]Handler),
		workerID: workerID,
	}
	r.defaultHandler = simulateHandler
	return r
}

// RegisterHandler binds a handler to an operation kind.
func (r *Runner) RegisterHandler(operationKind string, handler Handler) {
	if operationKind == "" || handler == nil {
		return
	}
	r.handlers[operationKind] = handler
}

// Run executes the loop until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	sweep := time.NewTicker(r.cfg.StaleSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			if n, err := r.SweepStale(ctx); err != nil {
				log.Printf("stale sweep: %v", err)
			} else if n > 0 {
				log.Printf("stale sweep re-surfaced %d tasks", n)
			}
		default:
		}

		_, _ = r.queue.PromoteScheduled(ctx, time.Now(), int64(r.cfg.ScheduledBatchSize))
		if depth, err := r.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		worked, err := r.ProcessNext(ctx)
		if err != nil {
			log.Printf("process task: %v", err)
		}
		if !worked {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.WorkerPollInterval):
			}
		}
	}
}

// ProcessNext handles at most one ready task. It returns false when the
// queue was empty. Claim contention is an expected, frequent condition and
// never surfaces as an error.
func (r *Runner) ProcessNext(ctx context.Context) (bool, error) {
	taskID, err := r.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if taskID == "" {
		return false, nil
	}

	task, err := r.repo.GetTask(ctx, taskID)
	if err != nil {
		var notFound *models.TaskNotFoundError
		if errors.As(err, &notFound) {
			return true, nil
		}
		return true, err
	}

	record, found, err := r.repo.GetIdempotencyRecord(ctx, task.IdempotencyKey)
	if err != nil {
		return true, err
	}
	if !found {
		// A task without its ledger row breaks the pairing invariant.
		log.Printf("task %s has no idempotency record for key %q", task.ID, task.IdempotencyKey)
		return true, nil
	}

	expected := task.StateVersion
	claimed, claimEvent, err := r.engine.ClaimTask(task, r.workerID, &record)
	if err != nil {
		return true, r.handleClaimFailure(ctx, task, err)
	}

	if err := r.repo.SaveTransition(ctx, claimed, record, claimEvent, expected); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			// Another worker won the row; it owns the task now.
			telemetry.ClaimConflicts.Inc()
			return true, nil
		}
		return true, err
	}
	telemetry.ClaimCounter.Inc()
	if stolen, _ := claimEvent.DecisionContext["lease_stolen"].(bool); stolen {
		telemetry.LeaseSteals.Inc()
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	fingerprint, handlerErr := r.runHandler(ctx, claimed)
	if handlerErr == nil {
		return true, r.finishComplete(ctx, claimed, record, fingerprint)
	}
	return true, r.finishFailed(ctx, claimed, record, handlerErr)
}

func (r *Runner) handleClaimFailure(ctx context.Context, task models.Task, err error) error {
	var notYet *models.TaskNotYetAvailableError
	if errors.As(err, &notYet) {
		// Popped inside a backoff window; park it until available_at.
		return r.queue.Schedule(ctx, task.ID, notYet.AvailableAt)
	}
	var conflict *models.ClaimConflictError
	if errors.As(err, &conflict) {
		// Live lease elsewhere; the stale sweep re-surfaces it if needed.
		telemetry.ClaimConflicts.Inc()
		return nil
	}
	var invalid *models.InvalidTransitionError
	if errors.As(err, &invalid) {
		// Terminal task id still in the queue; drop it.
		return nil
	}
	log.Printf("claim task %s: %v", task.ID, err)
	return nil
}

func (r *Runner) finishComplete(ctx context.Context, task models.Task, record models.IdempotencyRecord, fingerprint string) error {
	expected := task.StateVersion
	completed, event, err := r.engine.CompleteTask(task, fingerprint, &record)
	if err != nil {
		return err
	}
	if err := r.repo.SaveTransition(ctx, completed, record, event, expected); err != nil {
		return err
	}
	telemetry.CompleteCounter.Inc()
	return nil
}

func (r *Runner) finishFailed(ctx context.Context, task models.Task, record models.IdempotencyRecord, handlerErr error) error {
	policy := models.RetryPolicyRetry
	errorClass := "handler_error"
	var terminal *TerminalError
	if errors.As(handlerErr, &terminal) {
		policy = models.RetryPolicyFailTerminal
		errorClass = "terminal_error"
	}

	expected := task.StateVersion
	failed, event, err := r.engine.FailTask(task, handlerErr.Error(), errorClass, policy, &record)
	if err != nil {
		return err
	}
	if err := r.repo.SaveTransition(ctx, failed, record, event, expected); err != nil {
		return err
	}

	if failed.State == models.TaskRetryableFailed {
		telemetry.RetryableFails.Inc()
		return r.queue.Schedule(ctx, failed.ID, failed.AvailableAt)
	}
	telemetry.TerminalFails.Inc()
	return r.queue.DLQPush(ctx, failed.ID)
}

// SweepStale re-surfaces Running tasks whose lease outlived the claim
// timeout. It only pushes ids back to the dispatch queue; mutation happens
// through the normal claim path.
func (r *Runner) SweepStale(ctx context.Context) (int, error) {
	running, err := r.repo.ListRunning(ctx, r.cfg.StaleSweepBatch)
	if err != nil {
		return 0, err
	}
	stale := r.engine.RecoverStaleTasks(running, time.Now())
	for _, task := range stale {
		if err := r.queue.Enqueue(ctx, task.ID, time.Now()); err != nil {
			return 0, err
		}
		telemetry.StaleRecovered.Inc()
	}
	return len(stale), nil
}

func (r *Runner) runHandler(ctx context.Context, task models.Task) (string, error) {
	handler, ok := r.handlers[task.OperationKind]
	if !ok {
		handler = r.defaultHandler
	}
	return handler(ctx, task)
}

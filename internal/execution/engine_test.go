package execution_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/junlov/quotey/internal/execution"
	"github.com/junlov/quotey/internal/models"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine(cfg execution.Config) (*execution.Engine, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)}
	return execution.NewWithClock(cfg, clk.Now), clk
}

func createTask(eng *execution.Engine, key string) (models.Task, models.IdempotencyRecord) {
	return eng.CreateTask(execution.CreateTaskParams{
		EntityID:       "quote-42",
		OperationKind:  "crm_write",
		Payload:        json.RawMessage(`{"field":"total","value":1290}`),
		IdempotencyKey: key,
		CorrelationID:  "corr-1",
	})
}

func TestCreateTask(t *testing.T) {
	eng, clk := newTestEngine(execution.Config{})

	payload := json.RawMessage(`{"channel":"#sales","text":"quote ready"}`)
	task, record := eng.CreateTask(execution.CreateTaskParams{
		EntityID:       "quote-7",
		OperationKind:  "slack_post",
		Payload:        payload,
		IdempotencyKey: "op-7",
		CorrelationID:  "corr-7",
	})

	require.Equal(t, models.TaskQueued, task.State)
	require.Zero(t, task.RetryCount)
	require.Equal(t, 3, task.MaxRetries, "default retry budget")
	require.Equal(t, int64(1), task.StateVersion)
	require.Equal(t, clk.Now(), task.AvailableAt)
	require.Nil(t, task.ClaimedBy)
	require.Nil(t, task.ClaimedAt)

	require.Equal(t, models.IdempotencyReserved, record.State)
	require.Equal(t, 1, record.AttemptCount)
	require.Equal(t, "op-7", record.Key)
	require.Equal(t, execution.HashPayload(payload), record.PayloadHash)
	require.Equal(t, task.EntityID, record.EntityID)
}

func TestClaimCompleteEndToEnd(t *testing.T) {
	eng, _ := newTestEngine(execution.Config{})
	task, record := createTask(eng, "op-1")

	claimed, claimEvent, err := eng.ClaimTask(task, "w1", &record)
	require.NoError(t, err)
	require.Equal(t, models.TaskRunning, claimed.State)
	require.NotNil(t, claimed.ClaimedBy)
	require.Equal(t, "w1", *claimed.ClaimedBy)
	require.NotNil(t, claimed.ClaimedAt)
	require.Equal(t, int64(2), claimed.StateVersion)
	require.Equal(t, models.IdempotencyRunning, record.State)

	require.Equal(t, models.ReasonTaskClaimed, claimEvent.Reason)
	require.NotNil(t, claimEvent.FromState)
	require.Equal(t, models.TaskQueued, *claimEvent.FromState)
	require.Equal(t, models.TaskRunning, claimEvent.ToState)
	require.Equal(t, int64(2), claimEvent.StateVersion)
	require.Equal(t, models.ActorWorker, claimEvent.ActorType)
	require.Equal(t, "w1", claimEvent.ActorID)
	require.Equal(t, "op-1", claimEvent.IdempotencyKey)

	completed, completeEvent, err := eng.CompleteTask(claimed, "abc", &record)
	require.NoError(t, err)
	require.Equal(t, models.TaskCompleted, completed.State)
	require.NotNil(t, completed.ResultFingerprint)
	require.Equal(t, "abc", *completed.ResultFingerprint)
	require.Nil(t, completed.ClaimedBy)
	require.Nil(t, completed.ClaimedAt)
	require.Equal(t, int64(3), completed.StateVersion)

	require.Equal(t, models.IdempotencyCompleted, record.State)
	require.NotNil(t, record.ResultSnapshot)
	require.Equal(t, "abc", *record.ResultSnapshot)

	require.Equal(t, models.ReasonTaskCompleted, completeEvent.Reason)
	require.Equal(t, int64(3), completeEvent.StateVersion)
}

func TestClaimInsideBackoffWindow(t *testing.T) {
	eng, clk := newTestEngine(execution.Config{})
	task, record := createTask(eng, "op-1")
	task.State = models.TaskRetryableFailed
	task.AvailableAt = clk.Now().Add(10 * time.Second)
	record.State = models.IdempotencyFailedRetryable

	_, _, err := eng.ClaimTask(task, "w1", &record)
	var notYet *models.TaskNotYetAvailableError
	require.ErrorAs(t, err, &notYet)
	require.Equal(t, task.ID, notYet.TaskID)
	require.Equal(t, task.AvailableAt, notYet.AvailableAt)

	clk.Advance(11 * time.Second)
	claimed, _, err := eng.ClaimTask(task, "w1", &record)
	require.NoError(t, err)
	require.Equal(t, models.TaskRunning, claimed.State)
}

func TestClaimTerminalStates(t *testing.T) {
	eng, _ := newTestEngine(execution.Config{})

	for _, state := range []models.TaskState{models.TaskCompleted, models.TaskFailedTerminal} {
		t.Run(string(state), func(t *testing.T) {
			task, record := createTask(eng, "op-1")
			task.State = state
			switch state {
			case models.TaskCompleted:
				record.State = models.IdempotencyCompleted
			default:
				record.State = models.IdempotencyFailedTerminal
			}

			_, _, err := eng.ClaimTask(task, "w1", &record)
			var invalid *models.InvalidTransitionError
			require.ErrorAs(t, err, &invalid)
			require.Equal(t, state, invalid.From)
			require.Equal(t, models.TaskRunning, invalid.To)
		})
	}
}

func TestClaimFreshLeaseConflicts(t *testing.T) {
	eng, clk := newTestEngine(execution.Config{ClaimTimeout: 300 * time.Second})
	task, record := createTask(eng, "op-1")

	claimed, _, err := eng.ClaimTask(task, "w1", &record)
	require.NoError(t, err)

	clk.Advance(299 * time.Second)
	_, _, err = eng.ClaimTask(claimed, "w2", &record)
	var conflict *models.ClaimConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, claimed.ID, conflict.TaskID)
	require.Equal(t, "w1", conflict.CurrentOwner)
}

func TestClaimStaleLeaseSteals(t *testing.T) {
	eng, clk := newTestEngine(execution.Config{ClaimTimeout: 300 * time.Second})
	task, record := createTask(eng, "op-1")

	claimed, _, err := eng.ClaimTask(task, "w1", &record)
	require.NoError(t, err)
	require.Equal(t, int64(2), claimed.StateVersion)

	clk.Advance(301 * time.Second)
	stolen, event, err := eng.ClaimTask(claimed, "w2", &record)
	require.NoError(t, err)
	require.Equal(t, models.TaskRunning, stolen.State)
	require.Equal(t, "w2", *stolen.ClaimedBy)
	require.Equal(t, int64(3), stolen.StateVersion)

	require.NotNil(t, event.FromState)
	require.Equal(t, models.TaskRunning, *event.FromState)
	require.Equal(t, true, event.DecisionContext["lease_stolen"])
	require.Equal(t, "w1", event.DecisionContext["previous_owner"])
}

func TestFailRetrySequenceClampsAtBudget(t *testing.T) {
	eng, clk := newTestEngine(execution.Config{
		ClaimTimeout:      300 * time.Second,
		BackoffBase:       5 * time.Second,
		BackoffMultiplier: 2,
	})
	task, record := eng.CreateTask(execution.CreateTaskParams{
		EntityID:       "quote-42",
		OperationKind:  "crm_write",
		Payload:        json.RawMessage(`{}`),
		IdempotencyKey: "op-1",
		MaxRetries:     2,
	})

	// First failure: retry 1, backoff 5s.
	claimed, _, err := eng.ClaimTask(task, "w1", &record)
	require.NoError(t, err)
	failed, event, err := eng.FailTask(claimed, "boom", "transient", models.RetryPolicyRetry, &record)
	require.NoError(t, err)
	require.Equal(t, models.TaskRetryableFailed, failed.State)
	require.Equal(t, 1, failed.RetryCount)
	require.Equal(t, clk.Now().Add(5*time.Second), failed.AvailableAt)
	require.Equal(t, models.IdempotencyFailedRetryable, record.State)
	require.Equal(t, models.ReasonTaskFailedRetryable, event.Reason)
	require.Equal(t, 1, event.DecisionContext["retry_count"])
	require.Equal(t, 5.0, event.DecisionContext["backoff_seconds"])

	// Second failure: retry 2, backoff 10s.
	clk.Advance(6 * time.Second)
	claimed, _, err = eng.ClaimTask(failed, "w1", &record)
	require.NoError(t, err)
	failed, _, err = eng.FailTask(claimed, "boom", "transient", models.RetryPolicyRetry, &record)
	require.NoError(t, err)
	require.Equal(t, models.TaskRetryableFailed, failed.State)
	require.Equal(t, 2, failed.RetryCount)
	require.Equal(t, clk.Now().Add(10*time.Second), failed.AvailableAt)

	// Third failure exhausts the budget: terminal, retry count stays 2.
	clk.Advance(11 * time.Second)
	claimed, _, err = eng.ClaimTask(failed, "w1", &record)
	require.NoError(t, err)
	failed, event, err = eng.FailTask(claimed, "boom", "transient", models.RetryPolicyRetry, &record)
	require.NoError(t, err)
	require.Equal(t, models.TaskFailedTerminal, failed.State)
	require.Equal(t, 2, failed.RetryCount)
	require.Equal(t, models.IdempotencyFailedTerminal, record.State)
	require.Equal(t, models.ReasonTaskFailedTerminal, event.Reason)
	require.NotNil(t, record.ErrorSnapshot)
	require.Equal(t, "boom", *record.ErrorSnapshot)
}

func TestFailTerminalPolicySkipsRetries(t *testing.T) {
	eng, _ := newTestEngine(execution.Config{})
	task, record := createTask(eng, "op-1")

	claimed, _, err := eng.ClaimTask(task, "w1", &record)
	require.NoError(t, err)

	failed, event, err := eng.FailTask(claimed, "bad payload", "validation", models.RetryPolicyFailTerminal, &record)
	require.NoError(t, err)
	require.Equal(t, models.TaskFailedTerminal, failed.State)
	require.Zero(t, failed.RetryCount)
	require.Nil(t, failed.ClaimedBy)
	require.Equal(t, models.IdempotencyFailedTerminal, record.State)
	require.Equal(t, models.ReasonTaskFailedTerminal, event.Reason)
	require.NotNil(t, event.ErrorClass)
	require.Equal(t, "validation", *event.ErrorClass)
}

func TestCompleteRequiresRunning(t *testing.T) {
	eng, _ := newTestEngine(execution.Config{})
	task, record := createTask(eng, "op-1")

	_, _, err := eng.CompleteTask(task, "abc", &record)
	var invalid *models.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, models.TaskQueued, invalid.From)
	require.Equal(t, models.TaskCompleted, invalid.To)
}

func TestFailRequiresRunning(t *testing.T) {
	eng, _ := newTestEngine(execution.Config{})
	task, record := createTask(eng, "op-1")

	_, _, err := eng.FailTask(task, "boom", "transient", models.RetryPolicyRetry, &record)
	var invalid *models.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
}

func TestPairingMismatchedKey(t *testing.T) {
	eng, _ := newTestEngine(execution.Config{})
	task, _ := createTask(eng, "op-1")
	_, otherRecord := createTask(eng, "op-2")

	_, _, err := eng.ClaimTask(task, "w1", &otherRecord)
	var conflict *models.IdempotencyConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "op-2", conflict.Key)
}

func TestPairingTerminalRecordConflicts(t *testing.T) {
	eng, _ := newTestEngine(execution.Config{})
	task, record := createTask(eng, "op-1")
	record.State = models.IdempotencyCompleted

	_, _, err := eng.ClaimTask(task, "w1", &record)
	var conflict *models.IdempotencyConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, models.IdempotencyCompleted, conflict.State)
}

func TestEngineNeverRetainsInputs(t *testing.T) {
	eng, _ := newTestEngine(execution.Config{})
	task, record := createTask(eng, "op-1")

	original := task
	claimed, _, err := eng.ClaimTask(task, "w1", &record)
	require.NoError(t, err)

	// The input snapshot is untouched; only the returned value advanced.
	require.Equal(t, models.TaskQueued, original.State)
	require.Equal(t, int64(1), original.StateVersion)
	require.Nil(t, original.ClaimedBy)
	require.Equal(t, int64(2), claimed.StateVersion)
	require.NotNil(t, claimed.ClaimedAt)
}

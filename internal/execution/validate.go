package execution

import "github.com/junlov/quotey/internal/models"

// validTransitions is the single source of truth for the lifecycle table.
// Running -> Running is present but only reachable through ClaimTask's
// staleness branch; a fresh lease is rejected there with ClaimConflict
// before this table is consulted for the steal.
var validTransitions = map[models.TaskState]map[models.TaskState]bool{
	models.TaskQueued: {
		models.TaskRunning: true,
	},
	models.TaskRetryableFailed: {
		models.TaskRunning: true,
	},
	models.TaskRunning: {
		models.TaskRunning:         true,
		models.TaskCompleted:       true,
		models.TaskRetryableFailed: true,
		models.TaskFailedTerminal:  true,
	},
	models.TaskCompleted:      {},
	models.TaskFailedTerminal: {},
}

// ValidateTransition checks (from, to) against the lifecycle table and
// returns a typed error for every pair not explicitly allowed.
func ValidateTransition(from, to models.TaskState) error {
	if !from.Known() {
		return &models.InvalidTransitionError{From: from, To: to, Reason: "unknown source state"}
	}
	if !to.Known() {
		return &models.InvalidTransitionError{From: from, To: to, Reason: "unknown target state"}
	}
	if from.IsTerminal() {
		return &models.InvalidTransitionError{From: from, To: to, Reason: "source state is terminal"}
	}
	if !validTransitions[from][to] {
		return &models.InvalidTransitionError{From: from, To: to, Reason: "transition not in lifecycle table"}
	}
	return nil
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/junlov/quotey/internal/execution"
	"github.com/junlov/quotey/internal/models"
)

// simulatePayload drives the default handler used for load tests and for
// operation kinds without a registered handler.
type simulatePayload struct {
	ShouldFail bool `json:"should_fail"`
	Terminal   bool `json:"terminal"`
	DurationMs int  `json:"duration_ms"`
}

// simulateHandler fails or sleeps on request and otherwise reports success
// with a payload-derived fingerprint.
func simulateHandler(ctx context.Context, task models.Task) (string, error) {
	var p simulatePayload
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return "", &TerminalError{Err: fmt.Errorf("decode payload: %w", err)}
		}
	}

	if p.ShouldFail {
		err := errors.New("simulated failure requested by payload.should_fail")
		if p.Terminal {
			return "", &TerminalError{Err: err}
		}
		return "", err
	}

	if p.DurationMs > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(p.DurationMs) * time.Millisecond):
		}
	}

	return "sim-" + execution.HashPayload(task.Payload)[:12], nil
}

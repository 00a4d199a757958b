package execution

import (
	"math"
	"time"

	"github.com/junlov/quotey/internal/models"
)

// Config holds the temporal policy of the engine. The zero value is not
// usable; call Normalize or construct via DefaultConfig.
type Config struct {
	// ClaimTimeout bounds how long a Running lease stays exclusive.
	ClaimTimeout time.Duration
	// DefaultMaxRetries is applied when CreateTaskParams leaves MaxRetries zero.
	DefaultMaxRetries int
	// BackoffBase and BackoffMultiplier drive exponential retry delays:
	// delay = base * multiplier^retry_count_before_increment.
	BackoffBase       time.Duration
	BackoffMultiplier float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ClaimTimeout:      5 * time.Minute,
		DefaultMaxRetries: 3,
		BackoffBase:       5 * time.Second,
		BackoffMultiplier: 2,
	}
}

// Normalize fills zero fields with defaults so a partially populated Config
// cannot yield zero backoff or an instantly stale lease.
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = def.ClaimTimeout
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	return c
}

// BackoffDelay computes the wait before the next claim after a failure.
// retryCount is the pre-increment count, so the first failure waits exactly
// BackoffBase. The result is a pure function of (config, retryCount).
func (c Config) BackoffDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	return time.Duration(float64(c.BackoffBase) * math.Pow(c.BackoffMultiplier, float64(retryCount)))
}

// LeaseStale reports whether a lease claimed at claimedAt has outlived the
// claim timeout as of now.
func (c Config) LeaseStale(claimedAt, now time.Time) bool {
	return now.Sub(claimedAt) > c.ClaimTimeout
}

// RecoverStaleTasks filters candidates to Running tasks whose lease is stale
// as of referenceTime. It never mutates; re-surfaced tasks are claimed back
// through ClaimTask.
func (e *Engine) RecoverStaleTasks(tasks []models.Task, referenceTime time.Time) []models.Task {
	stale := make([]models.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.State != models.TaskRunning || t.ClaimedAt == nil {
			continue
		}
		if e.cfg.LeaseStale(*t.ClaimedAt, referenceTime) {
			stale = append(stale, t)
		}
	}
	return stale
}

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/junlov/quotey/internal/config"
)

// RedisQueue dispatches task ids to workers: a ready list for claimable
// tasks and a scheduled zset for tasks inside a backoff window. It carries
// ids only; lease ownership lives on the task row, enforced by the storage
// compare-and-swap, so a duplicate or stale id popped here loses the claim
// race harmlessly.
type RedisQueue struct {
	client       *redis.Client
	readyKey     string
	scheduledKey string
	dlqKey       string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "tasks:dlq"
	}
	return &RedisQueue{
		client:       client,
		readyKey:     "tasks:ready",
		scheduledKey: "tasks:scheduled",
		dlqKey:       dlq,
	}
}

// NewRedisQueueWithClient wires an existing client, used by tests.
func NewRedisQueueWithClient(client *redis.Client, dlqKey string) *RedisQueue {
	if dlqKey == "" {
		dlqKey = "tasks:dlq"
	}
	return &RedisQueue{
		client:       client,
		readyKey:     "tasks:ready",
		scheduledKey: "tasks:scheduled",
		dlqKey:       dlqKey,
	}
}

// Enqueue makes a task id claimable now or at availableAt.
func (q *RedisQueue) Enqueue(ctx context.Context, taskID string, availableAt time.Time) error {
	if availableAt.After(time.Now()) {
		return q.Schedule(ctx, taskID, availableAt)
	}
	return q.client.RPush(ctx, q.readyKey, taskID).Err()
}

// Schedule parks a task id until availableAt, typically a backoff window.
func (q *RedisQueue) Schedule(ctx context.Context, taskID string, availableAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
		Score:  float64(availableAt.UnixMilli()),
		Member: taskID,
	}).Err()
}

// PromoteScheduled moves due scheduled ids into the ready list. It returns
// how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Dequeue pops the next ready task id, or "" when the queue is empty.
func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	id, err := q.client.LPop(ctx, q.readyKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// DLQPush appends a terminally failed task id for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, taskID string) error {
	return q.client.RPush(ctx, q.dlqKey, taskID).Err()
}

// DLQPeek reads the oldest dead-lettered task ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

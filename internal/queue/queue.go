// Package queue holds the Redis-backed coordination primitives: the
// queued-skill job channel, the per-chat FIFO lock, and the short-lived
// scratch keys (reminders, embed upload manifests).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openmates/core/internal/config"
	"github.com/openmates/core/internal/fault"
)

// DefaultJobDeadline bounds one queued skill round trip: enqueue to
// published result.
const DefaultJobDeadline = 120 * time.Second

// ErrJobTimeout is returned when a queued skill does not publish a
// result before the deadline.
var ErrJobTimeout = errors.New("queue: skill job deadline exceeded")

// SkillJob is the payload handed to an out-of-process skill worker.
type SkillJob struct {
	InvocationID string          `json:"invocation_id"`
	AppID        string          `json:"app_id"`
	SkillID      string          `json:"skill_id"`
	TaskID       string          `json:"task_id"`
	UserID       string          `json:"user_id"`
	ChatID       string          `json:"chat_id"`
	EmbedID      string          `json:"embed_id,omitempty"`
	Arguments    json.RawMessage `json:"arguments"`
}

// JobResult is published by a worker on the job's result channel.
type JobResult struct {
	InvocationID string         `json:"invocation_id"`
	Content      string         `json:"content"`
	IsError      bool           `json:"is_error"`
	EmbedID      string         `json:"embed_id,omitempty"`
	Units        map[string]int `json:"units,omitempty"`
}

// Queue wraps the Redis connection used for skill dispatch and chat
// serialization.
type Queue struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New connects to Redis. The connection is verified lazily; call Ping
// during boot to fail fast.
func New(cfg config.RedisConfig, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		logger: logger,
	}
}

// NewFromClient wraps an existing client (tests use miniature servers).
func NewFromClient(rdb *redis.Client, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{rdb: rdb, logger: logger}
}

// Ping verifies the connection.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return fault.Wrap(err, fault.KindTransient, "queue: ping")
	}
	return nil
}

// Close releases the connection pool.
func (q *Queue) Close() error { return q.rdb.Close() }

func jobListKey(appID string) string { return "skilljobs:" + appID }

func jobChannel(invocationID string) string { return "skilljob:" + invocationID }

// RunJob enqueues a skill job and blocks until the worker publishes the
// result or the deadline passes. The subscription is opened before the
// push so a fast worker cannot race the listener.
func (q *Queue) RunJob(ctx context.Context, job *SkillJob, deadline time.Duration) (*JobResult, error) {
	if deadline <= 0 {
		deadline = DefaultJobDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	sub := q.rdb.Subscribe(ctx, jobChannel(job.InvocationID))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fault.Wrap(err, fault.KindTransient, "queue: subscribe %s", job.InvocationID)
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "queue: encode job %s", job.InvocationID)
	}
	if err := q.rdb.LPush(ctx, jobListKey(job.AppID), payload).Err(); err != nil {
		return nil, fault.Wrap(err, fault.KindTransient, "queue: enqueue %s", job.InvocationID)
	}
	q.logger.Debug("skill job enqueued",
		"invocation_id", job.InvocationID, "app_id", job.AppID, "skill_id", job.SkillID)

	select {
	case msg, ok := <-sub.Channel():
		if !ok {
			return nil, fault.Wrap(ctx.Err(), fault.KindTransient, "queue: subscription closed for %s", job.InvocationID)
		}
		var result JobResult
		if err := json.Unmarshal([]byte(msg.Payload), &result); err != nil {
			return nil, fault.Wrap(err, fault.KindInternal, "queue: decode result %s", job.InvocationID)
		}
		return &result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrJobTimeout
		}
		return nil, ctx.Err()
	}
}

// DequeueJob pops the next pending job for an app, blocking up to wait.
// Workers call this in a loop.
func (q *Queue) DequeueJob(ctx context.Context, appID string, wait time.Duration) (*SkillJob, error) {
	res, err := q.rdb.BRPop(ctx, wait, jobListKey(appID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fault.Wrap(err, fault.KindTransient, "queue: dequeue %s", appID)
	}
	var job SkillJob
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "queue: decode job")
	}
	return &job, nil
}

// PublishResult delivers a worker's result to the waiting dispatcher.
func (q *Queue) PublishResult(ctx context.Context, result *JobResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fault.Wrap(err, fault.KindInternal, "queue: encode result %s", result.InvocationID)
	}
	if err := q.rdb.Publish(ctx, jobChannel(result.InvocationID), payload).Err(); err != nil {
		return fault.Wrap(err, fault.KindTransient, "queue: publish %s", result.InvocationID)
	}
	return nil
}

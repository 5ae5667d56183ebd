package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openmates/core/internal/fault"
	"github.com/openmates/core/pkg/models"
)

// taskListKey is the list the edge pushes tasks onto.
const taskListKey = "tasks"

func eventChannel(taskID string) string { return "taskevents:" + taskID }

// DequeueTask pops the next task from the intake list, blocking up to
// wait. A nil task with a nil error means the pop timed out; the serve
// loop calls this repeatedly.
func (q *Queue) DequeueTask(ctx context.Context, wait time.Duration) (*models.Task, error) {
	vals, err := q.rdb.BRPop(ctx, wait, taskListKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fault.Wrap(err, fault.KindTransient, "queue: pop task")
	}

	var task models.Task
	if err := json.Unmarshal([]byte(vals[1]), &task); err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "queue: decode task")
	}
	return &task, nil
}

// EnqueueTask pushes a task onto the intake list. Used by the edge and
// by tests.
func (q *Queue) EnqueueTask(ctx context.Context, task *models.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fault.Wrap(err, fault.KindInternal, "queue: encode task")
	}
	if err := q.rdb.LPush(ctx, taskListKey, payload).Err(); err != nil {
		return fault.Wrap(err, fault.KindTransient, "queue: push task")
	}
	return nil
}

// PublishEvent sends one stream event to the task's edge channel.
func (q *Queue) PublishEvent(ctx context.Context, ev *models.StreamEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fault.Wrap(err, fault.KindInternal, "queue: encode event")
	}
	if err := q.rdb.Publish(ctx, eventChannel(ev.TaskID), payload).Err(); err != nil {
		return fault.Wrap(err, fault.KindTransient, "queue: publish event")
	}
	return nil
}

// SubscribeEvents follows a task's event channel. The caller closes the
// subscription by cancelling ctx.
func (q *Queue) SubscribeEvents(ctx context.Context, taskID string) (<-chan *models.StreamEvent, error) {
	sub := q.rdb.Subscribe(ctx, eventChannel(taskID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fault.Wrap(err, fault.KindTransient, "queue: subscribe events")
	}

	out := make(chan *models.StreamEvent)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var ev models.StreamEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					q.logger.Warn("dropping malformed task event", "task_id", taskID, "error", err)
					continue
				}
				select {
				case out <- &ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

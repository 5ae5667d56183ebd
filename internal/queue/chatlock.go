package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/openmates/core/internal/fault"
)

// lockTTL caps how long a crashed holder can block a chat.
const lockTTL = 10 * time.Minute

// releaseScript deletes the lock only when the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ChatLock serializes task execution per chat across instances. Tasks
// for the same chat run in arrival order; tasks for different chats run
// concurrently.
type ChatLock struct {
	queue *Queue
	token string
}

func chatLockKey(chatID string) string { return "chatlock:" + chatID }

// AcquireChatLock blocks until the chat lock is held or ctx ends.
// Waiters poll with a short interval; arrival order is preserved well
// enough because the orchestrator admits tasks one at a time per node.
func (q *Queue) AcquireChatLock(ctx context.Context, chatID string) (*ChatLock, error) {
	token := uuid.NewString()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		ok, err := q.rdb.SetNX(ctx, chatLockKey(chatID), token, lockTTL).Result()
		if err != nil {
			return nil, fault.Wrap(err, fault.KindTransient, "queue: lock chat %s", chatID)
		}
		if ok {
			return &ChatLock{queue: q, token: token}, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release frees the lock. Releasing a lock that expired or was taken
// over is a no-op.
func (l *ChatLock) Release(ctx context.Context, chatID string) error {
	err := releaseScript.Run(ctx, l.queue.rdb, []string{chatLockKey(chatID)}, l.token).Err()
	if err != nil && err != redis.Nil {
		return fault.Wrap(err, fault.KindTransient, "queue: unlock chat %s", chatID)
	}
	return nil
}

// userLockTTL bounds the credit critical section; far shorter than a
// chat lock because it covers only a balance read and write.
const userLockTTL = 30 * time.Second

func userLockKey(userID string) string { return "userlock:" + userID }

// UserLock guards a user's credit balance across instances. The record
// store exposes no atomic increment, so the reserve and settle
// read-modify-write is safe only under this lock.
type UserLock struct {
	queue *Queue
	token string
	key   string
}

// AcquireUserLock blocks until the user's credit lock is held or ctx
// ends.
func (q *Queue) AcquireUserLock(ctx context.Context, userID string) (*UserLock, error) {
	token := uuid.NewString()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		ok, err := q.rdb.SetNX(ctx, userLockKey(userID), token, userLockTTL).Result()
		if err != nil {
			return nil, fault.Wrap(err, fault.KindTransient, "queue: lock user %s", userID)
		}
		if ok {
			return &UserLock{queue: q, token: token, key: userLockKey(userID)}, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release frees the lock; an expired or taken-over lock releases as a
// no-op.
func (l *UserLock) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, l.queue.rdb, []string{l.key}, l.token).Err()
	if err != nil && err != redis.Nil {
		return fault.Wrap(err, fault.KindTransient, "queue: unlock user")
	}
	return nil
}

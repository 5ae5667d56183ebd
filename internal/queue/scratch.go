package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openmates/core/internal/fault"
)

// Scratch keys: reminders scheduled by skills and the S3 object
// manifest a queued embed accumulates while uploading.

func reminderKey(id string) string { return "reminder:" + id }
func embedFilesKey(embedID string) string {
	return "embed:" + embedID + ":s3_file_keys"
}

// embedFilesTTL bounds how long an abandoned upload manifest lingers.
const embedFilesTTL = 24 * time.Hour

// SetReminder stores a reminder payload under reminder:{id} with a TTL
// equal to the time until it fires plus a grace hour.
func (q *Queue) SetReminder(ctx context.Context, id, payload string, fireIn time.Duration) error {
	ttl := fireIn + time.Hour
	if err := q.rdb.Set(ctx, reminderKey(id), payload, ttl).Err(); err != nil {
		return fault.Wrap(err, fault.KindTransient, "queue: set reminder %s", id)
	}
	return nil
}

// GetReminder returns the payload, or "" when the reminder does not
// exist or has expired.
func (q *Queue) GetReminder(ctx context.Context, id string) (string, error) {
	payload, err := q.rdb.Get(ctx, reminderKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fault.Wrap(err, fault.KindTransient, "queue: get reminder %s", id)
	}
	return payload, nil
}

// DeleteReminder removes a fired or cancelled reminder.
func (q *Queue) DeleteReminder(ctx context.Context, id string) error {
	if err := q.rdb.Del(ctx, reminderKey(id)).Err(); err != nil {
		return fault.Wrap(err, fault.KindTransient, "queue: delete reminder %s", id)
	}
	return nil
}

// AddEmbedFileKeys appends S3 object keys to an embed's upload manifest.
func (q *Queue) AddEmbedFileKeys(ctx context.Context, embedID string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	members := make([]any, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	pipe := q.rdb.TxPipeline()
	pipe.RPush(ctx, embedFilesKey(embedID), members...)
	pipe.Expire(ctx, embedFilesKey(embedID), embedFilesTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fault.Wrap(err, fault.KindTransient, "queue: add file keys for %s", embedID)
	}
	return nil
}

// EmbedFileKeys returns the accumulated S3 object keys for an embed.
func (q *Queue) EmbedFileKeys(ctx context.Context, embedID string) ([]string, error) {
	keys, err := q.rdb.LRange(ctx, embedFilesKey(embedID), 0, -1).Result()
	if err != nil {
		return nil, fault.Wrap(err, fault.KindTransient, "queue: file keys for %s", embedID)
	}
	return keys, nil
}

// ClearEmbedFileKeys drops the manifest once the embed is finalized.
func (q *Queue) ClearEmbedFileKeys(ctx context.Context, embedID string) error {
	if err := q.rdb.Del(ctx, embedFilesKey(embedID)).Err(); err != nil {
		return fault.Wrap(err, fault.KindTransient, "queue: clear file keys for %s", embedID)
	}
	return nil
}

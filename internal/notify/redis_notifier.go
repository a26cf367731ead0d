package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"imageforge/internal/config"
)

// RedisNotifier publishes ephemeral status events and dead-letter records,
// and owns the expiring per-task lock used to prevent double-processing
// across queue redeliveries. Status delivery is fire-and-forget; the task
// row in Postgres stays authoritative.
type RedisNotifier struct {
	client            *redis.Client
	statusChannel     string
	deadLetterChannel string
	dlqKey            string
	lockPrefix        string
	lockTTL           time.Duration
	holder            string
}

// NewRedisNotifier builds a notifier from config.
func NewRedisNotifier(cfg config.Config) *RedisNotifier {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisNotifierWithClient(client, cfg)
}

// NewRedisNotifierWithClient wires the notifier onto an existing Redis client.
func NewRedisNotifierWithClient(client *redis.Client, cfg config.Config) *RedisNotifier {
	ttl := cfg.TaskLockTTL
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	return &RedisNotifier{
		client:            client,
		statusChannel:     cfg.StatusChannel,
		deadLetterChannel: cfg.DeadLetterChannel,
		dlqKey:            cfg.DLQName,
		lockPrefix:        cfg.TaskLockPrefix,
		lockTTL:           ttl,
		holder:            uuid.NewString(),
	}
}

func (n *RedisNotifier) lockKey(taskID int64) string {
	return n.lockPrefix + strconv.FormatInt(taskID, 10)
}

// AcquireTask attempts to take the exclusive task-scoped lock. Non-blocking:
// returns false when any holder already owns it. The key expires after the
// lock TTL so a crashed worker cannot strand a task forever.
func (n *RedisNotifier) AcquireTask(ctx context.Context, taskID int64) (bool, error) {
	ok, err := n.client.SetNX(ctx, n.lockKey(taskID), n.holder, n.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire task lock: %w", err)
	}
	return ok, nil
}

// ReleaseTask drops the lock if this notifier still holds it. Releasing an
// unheld or expired-and-retaken lock is a no-op, never an error.
func (n *RedisNotifier) ReleaseTask(ctx context.Context, taskID int64) error {
	err := releaseScript.Run(ctx, n.client, []string{n.lockKey(taskID)}, n.holder).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release task lock: %w", err)
	}
	return nil
}

// PublishStatus broadcasts a status snapshot for live clients. Best-effort:
// consumers must poll authoritative task state separately.
func (n *RedisNotifier) PublishStatus(ctx context.Context, status string, payload map[string]any) error {
	message, err := json.Marshal(map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"payload":   payload,
	})
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	return n.client.Publish(ctx, n.statusChannel, message).Err()
}

// PublishDeadLetter records an unrecoverable failure for operator review.
// The record goes onto a durable Redis list as well as the broadcast
// channel, so it survives having no live subscriber. At-least-once.
func (n *RedisNotifier) PublishDeadLetter(ctx context.Context, payload map[string]any) error {
	message, err := json.Marshal(map[string]any{
		"status":    "dead_letter",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"payload":   payload,
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	pipe := n.client.TxPipeline()
	pipe.RPush(ctx, n.dlqKey, message)
	pipe.Publish(ctx, n.deadLetterChannel, message)
	_, err = pipe.Exec(ctx)
	return err
}

// DeadLetters reads the most recent dead-letter records without consuming
// them. Records are RPUSHed, so the newest live at the tail.
func (n *RedisNotifier) DeadLetters(ctx context.Context, count int64) ([]string, error) {
	return n.client.LRange(ctx, n.dlqKey, -count, -1).Result()
}

// releaseScript deletes the lock only when the stored holder token matches,
// so a worker whose lock expired cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"imageforge/internal/config"
)

// RedisQueue coordinates ready, in-flight, and scheduled generation task
// queues in Redis. Delivery is at-least-once: a lease that expires before
// ack puts the task id back on a ready queue.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	scheduledKey   string
	taskMetaPrefix string
	visibilityTTL  time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg)
}

// NewRedisQueueWithClient wires the queue onto an existing Redis client.
func NewRedisQueueWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    "generation:inflight",
		scheduledKey:   "generation:scheduled",
		taskMetaPrefix: "generation:taskmeta:",
		visibilityTTL:  visibility,
	}
}

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("generation:ready:%s", priority)
}

func (q *RedisQueue) metaKey(taskID int64) string {
	return q.taskMetaPrefix + strconv.FormatInt(taskID, 10)
}

// Enqueue inserts a task into either the scheduled set or the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, taskID int64, priority string, runAt time.Time) error {
	if priority == "" {
		priority = "default"
	}
	member := strconv.FormatInt(taskID, 10)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(taskID), "priority", priority)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: member})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), member)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled tasks into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, member := range members {
		pipe.ZRem(ctx, q.scheduledKey, member)
		pipe.RPush(ctx, q.readyKey(q.priorityFor(ctx, member)), member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(members), nil
}

func (q *RedisQueue) priorityFor(ctx context.Context, member string) string {
	priority, err := q.client.HGet(ctx, q.taskMetaPrefix+member, "priority").Result()
	if err != nil || priority == "" {
		return "default"
	}
	return priority
}

// DequeueWithLease pops a task from ready queues (priority order) and places
// it into inflight with a visibility timeout. Returns 0 when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (int64, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	member, ok := res.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	taskID, err := strconv.ParseInt(member, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed task id %q on queue: %w", member, err)
	}
	return taskID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, taskID int64, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: strconv.FormatInt(taskID, 10),
	}).Err()
}

// Ack removes a task from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, taskID int64) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, strconv.FormatInt(taskID, 10))
	pipe.Del(ctx, q.metaKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]int64, error) {
	members, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	reclaimed := make([]int64, 0, len(members))
	for _, member := range members {
		pipe.ZRem(ctx, q.inflightKey, member)
		pipe.RPush(ctx, q.readyKey(q.priorityFor(ctx, member)), member)
		if id, err := strconv.ParseInt(member, 10, 64); err == nil {
			reclaimed = append(reclaimed, id)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return reclaimed, nil
}

// Cancel removes a task from ready, scheduled, and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, taskID int64) error {
	member := strconv.FormatInt(taskID, 10)
	pipe := q.client.TxPipeline()
	for _, p := range q.priorityQueues {
		pipe.LRem(ctx, q.readyKey(p), 0, member)
	}
	pipe.ZRem(ctx, q.inflightKey, member)
	pipe.ZRem(ctx, q.scheduledKey, member)
	pipe.Del(ctx, q.metaKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local task = redis.call('LPOP', KEYS[i])
  if task then
    redis.call('ZADD', inflight, ARGV[1], task)
    return task
  end
end
return nil
`)

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imageforge/internal/config"
	"imageforge/internal/models"
	"imageforge/internal/queue"
)

func TestRunnerDrainsQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	p := newPipeline(t, func(cfg *config.Config) {
		cfg.WorkerConcurrency = 2
		cfg.WorkerPollInterval = 10 * time.Millisecond
		cfg.VisibilityTimeout = time.Minute
		cfg.PriorityQueues = []string{"default"}
	})
	p.seedTask(31, models.StatusQueued)
	p.seedTask(32, models.StatusQueued)
	p.seedSubscription(10, 0)

	q := queue.NewRedisQueueWithClient(client, p.cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Enqueue(ctx, 31, "default", time.Time{}))
	require.NoError(t, q.Enqueue(ctx, 32, "default", time.Time{}))

	runner := NewRunner(p.cfg, q, p.processor, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		p.store.mu.Lock()
		defer p.store.mu.Unlock()
		return p.store.tasks[31].Status == models.StatusSucceeded &&
			p.store.tasks[32].Status == models.StatusSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		depth, err := q.ReadyDepth(ctx)
		return err == nil && depth == 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}

	assert.Equal(t, 2, p.store.subs[1].QuotaUsed)
	assert.Empty(t, p.notifier.locks)
}

func TestRunnerLockHeldDeliverySurvivesUntilLockFrees(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	p := newPipeline(t, func(cfg *config.Config) {
		cfg.VisibilityTimeout = 50 * time.Millisecond
		cfg.PriorityQueues = []string{"default"}
	})
	// A crashed worker left the task running with its lock still alive.
	p.seedTask(51, models.StatusRunning)
	p.seedSubscription(10, 0)
	p.notifier.locks[51] = true

	q := queue.NewRedisQueueWithClient(client, p.cfg)
	runner := NewRunner(p.cfg, q, p.processor, zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, 51, "default", time.Time{}))

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(51), id)
	runner.handle(ctx, zerolog.Nop(), id)

	// The skip must not settle the delivery: after the lease lapses the
	// task comes back instead of being lost.
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Equal(t, []int64{51}, reclaimed)
	assert.Equal(t, models.StatusRunning, p.store.tasks[51].Status)

	// Crashed holder's lock finally expires; the retried delivery resumes
	// the still-running row and finishes the task.
	delete(p.notifier.locks, 51)

	id, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(51), id)
	runner.handle(ctx, zerolog.Nop(), id)

	assert.Equal(t, models.StatusSucceeded, p.store.tasks[51].Status)
	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRunnerRequeuesExpiredLeases(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := config.Config{
		PriorityQueues:    []string{"default"},
		VisibilityTimeout: 50 * time.Millisecond,
	}
	q := queue.NewRedisQueueWithClient(client, cfg)

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, 41, "default", time.Time{}))

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(41), id)

	// Abandon the delivery and let the lease lapse.
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{41}, reclaimed)

	id, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(41), id, "abandoned task redelivered")
}

package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imageforge/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		StatusChannel:     "generation.tasks.status",
		DeadLetterChannel: "generation.tasks.dead_letter",
		DLQName:           "generation:dlq",
		TaskLockPrefix:    "generation:lock:",
		TaskLockTTL:       time.Minute,
	}
}

func newTestNotifier(t *testing.T, cfg config.Config) (*RedisNotifier, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisNotifierWithClient(client, cfg), mr
}

func TestAcquireTaskIsExclusive(t *testing.T) {
	ctx := context.Background()
	n, mr := newTestNotifier(t, testConfig())

	ok, err := n.AcquireTask(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = n.AcquireTask(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire of a held lock must fail")

	// A different worker process sees the same lock.
	other := NewRedisNotifierWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), testConfig())
	ok, err = other.AcquireTask(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, n.ReleaseTask(ctx, 1))
	ok, err = other.AcquireTask(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok, "released lock is acquirable again")
}

func TestReleaseTaskIsIdempotentAndOwnerScoped(t *testing.T) {
	ctx := context.Background()
	n, mr := newTestNotifier(t, testConfig())

	// Releasing an unheld lock is a no-op.
	require.NoError(t, n.ReleaseTask(ctx, 99))

	ok, err := n.AcquireTask(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, n.ReleaseTask(ctx, 2))
	require.NoError(t, n.ReleaseTask(ctx, 2))

	// A stale worker must not release a lock a successor re-acquired.
	stale := NewRedisNotifierWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), testConfig())
	ok, err = n.AcquireTask(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, stale.ReleaseTask(ctx, 3))

	ok, err = stale.AcquireTask(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok, "lock must survive a non-owner release")
}

func TestLockExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.TaskLockTTL = 100 * time.Millisecond
	n, mr := newTestNotifier(t, cfg)

	ok, err := n.AcquireTask(ctx, 4)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(time.Second)

	ok, err = n.AcquireTask(ctx, 4)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must become acquirable")
}

func TestPublishDeadLetterIsDurable(t *testing.T) {
	ctx := context.Background()
	n, _ := newTestNotifier(t, testConfig())

	require.NoError(t, n.PublishDeadLetter(ctx, map[string]any{"task_id": 7, "error": "storage-error"}))

	records, err := n.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)

	var decoded struct {
		Status  string         `json:"status"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(records[0]), &decoded))
	assert.Equal(t, "dead_letter", decoded.Status)
	assert.EqualValues(t, 7, decoded.Payload["task_id"])
	assert.Equal(t, "storage-error", decoded.Payload["error"])
}

func TestDeadLettersReturnsMostRecent(t *testing.T) {
	ctx := context.Background()
	n, _ := newTestNotifier(t, testConfig())

	for i := 1; i <= 3; i++ {
		require.NoError(t, n.PublishDeadLetter(ctx, map[string]any{"task_id": i}))
	}

	records, err := n.DeadLetters(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)

	var decoded struct {
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(records[0]), &decoded))
	assert.EqualValues(t, 2, decoded.Payload["task_id"])
	require.NoError(t, json.Unmarshal([]byte(records[1]), &decoded))
	assert.EqualValues(t, 3, decoded.Payload["task_id"])
}

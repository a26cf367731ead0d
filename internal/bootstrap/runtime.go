package bootstrap

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"imageforge/internal/config"
	"imageforge/internal/logging"
	"imageforge/internal/notify"
	"imageforge/internal/provider"
	"imageforge/internal/queue"
	"imageforge/internal/ratelimit"
	"imageforge/internal/storage"
	"imageforge/internal/store"
)

// Runtime holds the shared process dependencies. Both binaries build one at
// startup and close it on shutdown.
type Runtime struct {
	Cfg      config.Config
	Log      zerolog.Logger
	Store    *store.Store
	Redis    *redis.Client
	Queue    *queue.RedisQueue
	Notifier *notify.RedisNotifier
	Storage  *storage.S3Store
	Provider *provider.Client
	Limiter  *ratelimit.SubmissionLimiter

	closeOnce sync.Once
}

// New connects every backend the config names. A failed connection aborts
// startup; there is no degraded mode.
func New(ctx context.Context, service string) (*Runtime, error) {
	cfg := config.Load()
	log := logging.New(cfg.Env, service)

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		st.Close()
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	blob, err := storage.NewS3Store(ctx, cfg)
	if err != nil {
		st.Close()
		_ = client.Close()
		return nil, fmt.Errorf("connect object storage: %w", err)
	}

	return &Runtime{
		Cfg:      cfg,
		Log:      log,
		Store:    st,
		Redis:    client,
		Queue:    queue.NewRedisQueueWithClient(client, cfg),
		Notifier: notify.NewRedisNotifierWithClient(client, cfg),
		Storage:  blob,
		Provider: provider.FromConfig(cfg),
		Limiter:  ratelimit.NewSubmissionLimiter(client, cfg),
	}, nil
}

// Close releases the runtime's connections. Safe to call more than once.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		if r.Redis != nil {
			if err := r.Redis.Close(); err != nil {
				r.Log.Warn().Err(err).Msg("close redis client")
			}
		}
		if r.Store != nil {
			r.Store.Close()
		}
	})
}

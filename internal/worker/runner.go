package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"imageforge/internal/config"
	"imageforge/internal/telemetry"
)

// TaskQueue is the delivery surface the runner consumes from.
type TaskQueue interface {
	DequeueWithLease(ctx context.Context) (int64, error)
	ExtendLease(ctx context.Context, taskID int64, extension time.Duration) error
	Ack(ctx context.Context, taskID int64) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]int64, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// Runner drives a pool of consumers against the queue and keeps the
// queue's scheduled and expired sets moving.
type Runner struct {
	cfg       config.Config
	queue     TaskQueue
	processor *Processor
	log       zerolog.Logger
}

func NewRunner(cfg config.Config, q TaskQueue, proc *Processor, log zerolog.Logger) *Runner {
	return &Runner{cfg: cfg, queue: q, processor: proc, log: log}
}

// Run blocks until ctx is canceled and every consumer has drained.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.maintain(ctx)
	}()

	for i := 0; i < r.cfg.WorkerConcurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.consume(ctx, id)
		}(i)
	}

	wg.Wait()
}

// maintain promotes due scheduled tasks, reclaims expired leases, and keeps
// the ready-depth gauge fresh.
func (r *Runner) maintain(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := r.queue.PromoteScheduled(ctx, now, 100); err != nil && ctx.Err() == nil {
				r.log.Error().Err(err).Msg("promote scheduled tasks")
			}
			reclaimed, err := r.queue.RequeueExpired(ctx, now, 100)
			if err != nil && ctx.Err() == nil {
				r.log.Error().Err(err).Msg("requeue expired leases")
			}
			if len(reclaimed) > 0 {
				r.log.Warn().Ints64("task_ids", reclaimed).Msg("requeued tasks with expired leases")
			}
			if depth, err := r.queue.ReadyDepth(ctx); err == nil {
				telemetry.QueueDepthGauge.Set(float64(depth))
			}
		}
	}
}

func (r *Runner) consume(ctx context.Context, id int) {
	log := r.log.With().Int("consumer", id).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		taskID, err := r.queue.DequeueWithLease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("dequeue")
			sleep(ctx, r.cfg.WorkerPollInterval)
			continue
		}
		if taskID == 0 {
			sleep(ctx, r.cfg.WorkerPollInterval)
			continue
		}
		r.handle(ctx, log, taskID)
	}
}

// handle processes one delivery under a live lease. The lease is extended at
// half the visibility timeout for as long as processing runs; on an
// infrastructure error the delivery is left unacked so the lease expires and
// the task is redelivered.
func (r *Runner) handle(ctx context.Context, log zerolog.Logger, taskID int64) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	leaseCtx, stopLease := context.WithCancel(ctx)
	defer stopLease()
	go r.keepLeaseAlive(leaseCtx, taskID)

	outcome, err := r.processor.Process(ctx, taskID)
	stopLease()
	if err != nil {
		log.Error().Err(err).Int64("task_id", taskID).Msg("processing hit an infrastructure error, leaving delivery for redelivery")
		return
	}
	if outcome.Status == OutcomeSkipped && outcome.Reason == ReasonLockHeld {
		// The lock holder may have crashed before finishing. Keep the
		// delivery alive so lease expiry retries until the lock is free
		// or the holder settles the task.
		log.Info().Int64("task_id", taskID).Msg("task lock held, leaving delivery for redelivery")
		return
	}

	if err := r.queue.Ack(context.WithoutCancel(ctx), taskID); err != nil {
		log.Error().Err(err).Int64("task_id", taskID).Msg("ack delivery")
		return
	}
	log.Info().
		Int64("task_id", taskID).
		Str("outcome", outcome.Status).
		Str("reason", outcome.Reason).
		Dur("duration", outcome.Duration).
		Msg("delivery settled")
}

func (r *Runner) keepLeaseAlive(ctx context.Context, taskID int64) {
	interval := r.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.queue.ExtendLease(ctx, taskID, r.cfg.VisibilityTimeout); err != nil && ctx.Err() == nil {
				r.log.Warn().Err(err).Int64("task_id", taskID).Msg("extend lease")
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

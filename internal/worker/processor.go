package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"imageforge/internal/config"
	"imageforge/internal/images"
	"imageforge/internal/models"
	"imageforge/internal/provider"
	"imageforge/internal/storage"
	"imageforge/internal/store"
	"imageforge/internal/telemetry"
)

// Processor executes the generation pipeline for a single task id: claim,
// lock, run the provider, persist results with quota accounting, and publish
// status. It exclusively owns the task's state transitions while holding the
// task lock.
type Processor struct {
	cfg       config.Config
	store     TaskStore
	storage   ObjectStorage
	notifier  Notifier
	generator Generator
	log       zerolog.Logger
	taskCost  int
}

// NewProcessor wires the pipeline's collaborators.
func NewProcessor(cfg config.Config, st TaskStore, blob ObjectStorage, notifier Notifier, gen Generator, log zerolog.Logger) *Processor {
	cost := cfg.TaskCost
	if cost <= 0 {
		cost = 1
	}
	return &Processor{
		cfg:       cfg,
		store:     st,
		storage:   blob,
		notifier:  notifier,
		generator: gen,
		log:       log,
		taskCost:  cost,
	}
}

// Process runs the pipeline for one queue delivery. Pipeline failures are
// absorbed into a failed Outcome after the task row is finalized; only
// infrastructure errors (broken database, unreachable Redis) propagate so
// the queue's lease expiry can redeliver.
func (p *Processor) Process(ctx context.Context, taskID int64) (Outcome, error) {
	log := p.log.With().Int64("task_id", taskID).Logger()
	started := time.Now()

	task, err := p.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrTaskNotFound) {
		log.Warn().Msg("task missing, dropping delivery")
		telemetry.TasksSkipped.Inc()
		return Outcome{Status: OutcomeSkipped, TaskID: taskID, Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load task: %w", err)
	}
	if task.Status.IsTerminal() {
		log.Info().Str("status", string(task.Status)).Msg("task already terminal, dropping redelivery")
		telemetry.TasksSkipped.Inc()
		return Outcome{Status: OutcomeSkipped, TaskID: taskID, Reason: ReasonAlreadyTerminal}, nil
	}

	acquired, err := p.notifier.AcquireTask(ctx, taskID)
	if err != nil {
		return Outcome{}, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		// Normal redelivery dedup, not a failure.
		log.Info().Msg("task lock held elsewhere, skipping duplicate delivery")
		telemetry.TasksSkipped.Inc()
		return Outcome{Status: OutcomeSkipped, TaskID: taskID, Reason: ReasonLockHeld}, nil
	}
	defer func() {
		if err := p.notifier.ReleaseTask(context.WithoutCancel(ctx), taskID); err != nil {
			log.Error().Err(err).Msg("release task lock")
		}
	}()

	p.publish(ctx, "accepted", map[string]any{"task_id": taskID})

	if task.Status == models.StatusRunning {
		// A previous holder crashed mid-run; the row already reflects
		// running, so resume the pipeline from here.
		log.Warn().Msg("resuming task left running by a previous holder")
	} else {
		task, err = p.store.MarkStarted(ctx, taskID)
		if errors.Is(err, store.ErrInvalidTransition) {
			// Lost the race against another finisher between claim and lock.
			log.Info().Msg("task reached a terminal state before start, dropping redelivery")
			telemetry.TasksSkipped.Inc()
			return Outcome{Status: OutcomeSkipped, TaskID: taskID, Reason: ReasonAlreadyTerminal}, nil
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("mark started: %w", err)
		}
	}
	p.publish(ctx, "running", map[string]any{"task_id": taskID})

	var reservedSub int64
	if p.cfg.QuotaReserveOnStart {
		sub, err := p.reserveQuota(ctx, task)
		if err != nil {
			return p.fail(ctx, log, task, 0, err, started)
		}
		reservedSub = sub
	}

	resultURL, thumbURL, err := p.execute(ctx, log, task, started)
	if err != nil {
		return p.fail(ctx, log, task, reservedSub, err, started)
	}

	telemetry.TasksSucceeded.Inc()
	return Outcome{
		Status:       OutcomeSucceeded,
		TaskID:       taskID,
		ResultURL:    resultURL,
		ThumbnailURL: thumbURL,
		Duration:     time.Since(started),
	}, nil
}

// execute runs fetch -> generate -> thumbnail -> upload -> finalize. Any
// returned error sends the task down the failure path.
func (p *Processor) execute(ctx context.Context, log zerolog.Logger, task models.GenerationTask, started time.Time) (string, string, error) {
	loc, err := storage.ParseURL(task.InputAssetURL)
	if err != nil {
		return "", "", err
	}
	input, err := p.storage.Download(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return "", "", err
	}

	req := provider.Request{
		InputBase64: base64.StdEncoding.EncodeToString(input),
		Prompt:      promptFrom(task.Parameters),
		Parameters:  task.Parameters,
	}

	genCtx := ctx
	if p.cfg.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, p.cfg.ProviderTimeout)
		defer cancel()
	}
	result, err := p.generator.Generate(genCtx, req)
	if err != nil {
		return "", "", err
	}

	thumb, err := images.Thumbnail(result.ImageBytes, p.cfg.ThumbnailMaxEdge)
	if err != nil {
		return "", "", err
	}

	resultKey := fmt.Sprintf("%s/%d.jpg", p.cfg.ResultPrefix, task.ID)
	thumbKey := fmt.Sprintf("%s/%d.jpg", p.cfg.ThumbPrefix, task.ID)

	resultURL, err := p.storage.Upload(ctx, p.cfg.S3Bucket, resultKey, result.ImageBytes, "image/jpeg")
	if err != nil {
		return "", "", err
	}
	thumbURL, err := p.storage.Upload(ctx, p.cfg.S3Bucket, thumbKey, thumb, "image/jpeg")
	if err != nil {
		return "", "", err
	}

	_, err = p.store.MarkSucceeded(ctx, task.ID, store.ResultUpdate{
		ResultAssetURL: resultURL,
		ResultParameters: map[string]any{
			"thumbnail_url": thumbURL,
			"metadata":      result.Metadata,
			"duration_ms":   time.Since(started).Milliseconds(),
		},
	})
	if err != nil {
		return "", "", err
	}

	// Reserve mode already charged at start; otherwise charge only after
	// the result is durably stored.
	if !p.cfg.QuotaReserveOnStart {
		p.chargeQuota(ctx, log, task)
	}

	p.publish(ctx, "succeeded", map[string]any{
		"task_id":       task.ID,
		"result_url":    resultURL,
		"thumbnail_url": thumbURL,
	})
	return resultURL, thumbURL, nil
}

// chargeQuota charges the task cost after confirmed delivery. A rejected
// charge is an accounting anomaly, not a task failure: the user already has
// their asset, so the task stays succeeded and operators get a dead letter.
func (p *Processor) chargeQuota(ctx context.Context, log zerolog.Logger, task models.GenerationTask) {
	sub, err := p.store.ActiveSubscriptionForUser(ctx, task.UserID)
	if errors.Is(err, store.ErrNoActiveSubscription) {
		log.Debug().Int64("user_id", task.UserID).Msg("no active subscription, skipping quota charge")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("look up subscription for quota charge")
		telemetry.QuotaAnomalies.Inc()
		p.deadLetter(ctx, map[string]any{
			"task_id":  task.ID,
			"user_id":  task.UserID,
			"error":    "quota-charge-failed",
			"category": "accounting",
		})
		return
	}
	if _, err := p.store.IncrementQuotaUsage(ctx, sub.ID, p.taskCost); err != nil {
		if errors.Is(err, store.ErrQuotaExceeded) {
			log.Warn().Int64("subscription_id", sub.ID).Msg("quota charge rejected for succeeded task")
			telemetry.QuotaAnomalies.Inc()
			p.deadLetter(ctx, map[string]any{
				"task_id":         task.ID,
				"subscription_id": sub.ID,
				"error":           "quota-charge-rejected",
				"category":        "accounting",
			})
			return
		}
		// The asset is delivered but the charge is lost; leave a record so
		// operators can reconcile the subscription.
		log.Error().Err(err).Int64("subscription_id", sub.ID).Msg("increment quota usage for succeeded task")
		telemetry.QuotaAnomalies.Inc()
		p.deadLetter(ctx, map[string]any{
			"task_id":         task.ID,
			"subscription_id": sub.ID,
			"error":           "quota-charge-failed",
			"category":        "accounting",
		})
	}
}

// reserveQuota charges the task cost up front. Returns the subscription id
// to refund on failure, or 0 when the user has no active subscription.
func (p *Processor) reserveQuota(ctx context.Context, task models.GenerationTask) (int64, error) {
	sub, err := p.store.ActiveSubscriptionForUser(ctx, task.UserID)
	if errors.Is(err, store.ErrNoActiveSubscription) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if _, err := p.store.IncrementQuotaUsage(ctx, sub.ID, p.taskCost); err != nil {
		return 0, err
	}
	return sub.ID, nil
}

// fail finalizes the task row, refunds any reservation, and emits the
// failure signals. The raw error never reaches the stored error field.
func (p *Processor) fail(ctx context.Context, log zerolog.Logger, task models.GenerationTask, reservedSub int64, cause error, started time.Time) (Outcome, error) {
	message, category := classifyError(cause)
	log.Error().Err(cause).Str("category", category).Msg("task processing failed")

	if reservedSub != 0 {
		if _, err := p.store.DecrementQuotaUsage(ctx, reservedSub, p.taskCost); err != nil {
			log.Error().Err(err).Int64("subscription_id", reservedSub).Msg("refund quota reservation")
		}
	}

	_, err := p.store.MarkFailed(ctx, task.ID, store.FailureUpdate{
		Error: message,
		ResultParameters: map[string]any{
			"previous_status":  string(task.Status),
			"failure_category": category,
		},
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		log.Warn().Msg("task already terminal while recording failure")
	} else if err != nil {
		// Infrastructure failure: propagate so the lease expires and the
		// queue redelivers.
		return Outcome{}, fmt.Errorf("mark failed: %w", err)
	}

	p.publish(ctx, "failed", map[string]any{"task_id": task.ID, "error": message})
	p.deadLetter(ctx, map[string]any{
		"task_id":    task.ID,
		"error":      message,
		"category":   category,
		"parameters": task.Parameters,
	})
	telemetry.TasksFailed.Inc()

	return Outcome{
		Status:   OutcomeFailed,
		TaskID:   task.ID,
		Error:    message,
		Duration: time.Since(started),
	}, nil
}

// publish broadcasts a status snapshot. Best-effort: a publish failure never
// aborts the pipeline.
func (p *Processor) publish(ctx context.Context, status string, payload map[string]any) {
	if err := p.notifier.PublishStatus(ctx, status, payload); err != nil {
		p.log.Debug().Err(err).Str("status", status).Msg("publish status event")
	}
}

func (p *Processor) deadLetter(ctx context.Context, payload map[string]any) {
	if err := p.notifier.PublishDeadLetter(ctx, payload); err != nil {
		p.log.Error().Err(err).Msg("publish dead letter")
		return
	}
	telemetry.DeadLetters.Inc()
}

// classifyError maps pipeline failures onto user-safe error strings and an
// operator triage category. Provider messages are already sanitized by the
// client; everything else collapses to a fixed string.
func classifyError(err error) (message, category string) {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr.Message, "model"
	}
	var serr *storage.Error
	if errors.As(err, &serr) {
		return "storage-error", "storage"
	}
	if errors.Is(err, images.ErrProcessing) {
		return "image-processing-error", "image"
	}
	if errors.Is(err, store.ErrQuotaExceeded) {
		return "quota-exhausted", "accounting"
	}
	return "unexpected-error", "unknown"
}

func promptFrom(params map[string]any) string {
	if v, ok := params["prompt"].(string); ok {
		return v
	}
	return ""
}

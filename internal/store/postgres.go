package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"imageforge/internal/models"
)

// Store wraps pgxpool for Postgres persistence of tasks and subscriptions.
// It is the sole writer of persisted task state and enforces the task state
// machine on every transition.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const taskColumns = `id, user_id, prompt_id, status, source, parameters, result_parameters,
	input_asset_url, result_asset_url, error, created_at, queued_at, started_at, completed_at, updated_at`

// CreateTaskParams collects inputs required to insert a generation task.
type CreateTaskParams struct {
	UserID        int64
	PromptID      *int64
	Source        models.TaskSource
	Parameters    map[string]any
	InputAssetURL string
}

// CreateTask inserts a task row in pending state after boundary validation.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (models.GenerationTask, error) {
	if err := models.ValidateAssetURL(p.InputAssetURL); err != nil {
		return models.GenerationTask{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := models.ValidateParameters(p.Parameters); err != nil {
		return models.GenerationTask{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if p.Source == "" {
		p.Source = models.SourceAPI
	}
	if p.Parameters == nil {
		p.Parameters = map[string]any{}
	}

	paramsJSON, err := json.Marshal(p.Parameters)
	if err != nil {
		return models.GenerationTask{}, fmt.Errorf("marshal parameters: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO generation_tasks (user_id, prompt_id, status, source, parameters, result_parameters, input_asset_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, '{}', $6, NOW(), NOW())
		RETURNING `+taskColumns, p.UserID, p.PromptID, models.StatusPending, p.Source, paramsJSON, p.InputAssetURL)
	return scanTask(row)
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (models.GenerationTask, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM generation_tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GenerationTask{}, ErrTaskNotFound
	}
	return task, err
}

// MarkQueued transitions pending -> queued and stamps queued_at once.
// A task already queued is left as-is.
func (s *Store) MarkQueued(ctx context.Context, id int64) (models.GenerationTask, error) {
	return s.transition(ctx, id, models.StatusQueued, func(tx pgx.Tx, task models.GenerationTask) (models.GenerationTask, error) {
		row := tx.QueryRow(ctx, `
			UPDATE generation_tasks
			SET status = $2, queued_at = COALESCE(queued_at, NOW()), updated_at = NOW()
			WHERE id = $1
			RETURNING `+taskColumns, id, models.StatusQueued)
		return scanTask(row)
	})
}

// MarkStarted transitions queued/pending -> running, stamping started_at and
// backfilling queued_at when the task skipped the queued state.
func (s *Store) MarkStarted(ctx context.Context, id int64) (models.GenerationTask, error) {
	return s.transition(ctx, id, models.StatusRunning, func(tx pgx.Tx, task models.GenerationTask) (models.GenerationTask, error) {
		row := tx.QueryRow(ctx, `
			UPDATE generation_tasks
			SET status = $2, queued_at = COALESCE(queued_at, NOW()), started_at = NOW(), updated_at = NOW()
			WHERE id = $1
			RETURNING `+taskColumns, id, models.StatusRunning)
		return scanTask(row)
	})
}

// ResultUpdate carries the artifacts persisted on success.
type ResultUpdate struct {
	ResultAssetURL   string
	ResultParameters map[string]any
}

// MarkSucceeded finalizes a task, clearing any error and merging result
// parameters over whatever was already recorded.
func (s *Store) MarkSucceeded(ctx context.Context, id int64, update ResultUpdate) (models.GenerationTask, error) {
	if update.ResultAssetURL != "" {
		if err := models.ValidateAssetURL(update.ResultAssetURL); err != nil {
			return models.GenerationTask{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return s.transition(ctx, id, models.StatusSucceeded, func(tx pgx.Tx, task models.GenerationTask) (models.GenerationTask, error) {
		merged, err := mergeParams(task.ResultParameters, update.ResultParameters)
		if err != nil {
			return models.GenerationTask{}, err
		}
		row := tx.QueryRow(ctx, `
			UPDATE generation_tasks
			SET status = $2, error = NULL, result_asset_url = COALESCE(NULLIF($3, ''), result_asset_url),
			    result_parameters = $4, completed_at = NOW(), updated_at = NOW()
			WHERE id = $1
			RETURNING `+taskColumns, id, models.StatusSucceeded, update.ResultAssetURL, merged)
		return scanTask(row)
	})
}

// FailureUpdate carries the error and any partial results persisted on failure.
type FailureUpdate struct {
	Error            string
	ResultParameters map[string]any
}

// MarkFailed finalizes a task from any non-terminal state.
func (s *Store) MarkFailed(ctx context.Context, id int64, update FailureUpdate) (models.GenerationTask, error) {
	return s.transition(ctx, id, models.StatusFailed, func(tx pgx.Tx, task models.GenerationTask) (models.GenerationTask, error) {
		merged, err := mergeParams(task.ResultParameters, update.ResultParameters)
		if err != nil {
			return models.GenerationTask{}, err
		}
		row := tx.QueryRow(ctx, `
			UPDATE generation_tasks
			SET status = $2, error = $3, result_parameters = $4, completed_at = NOW(), updated_at = NOW()
			WHERE id = $1
			RETURNING `+taskColumns, id, models.StatusFailed, update.Error, merged)
		return scanTask(row)
	})
}

// MarkCanceled cancels a task that has not started running yet.
func (s *Store) MarkCanceled(ctx context.Context, id int64) (models.GenerationTask, error) {
	return s.transition(ctx, id, models.StatusCanceled, func(tx pgx.Tx, task models.GenerationTask) (models.GenerationTask, error) {
		row := tx.QueryRow(ctx, `
			UPDATE generation_tasks
			SET status = $2, completed_at = NOW(), updated_at = NOW()
			WHERE id = $1
			RETURNING `+taskColumns, id, models.StatusCanceled)
		return scanTask(row)
	})
}

// transition runs fn inside a transaction after locking the task row and
// checking the state machine. The row lock serializes competing transitions
// for the same task id.
func (s *Store) transition(ctx context.Context, id int64, to models.TaskStatus, fn func(pgx.Tx, models.GenerationTask) (models.GenerationTask, error)) (models.GenerationTask, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.GenerationTask{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM generation_tasks WHERE id = $1 FOR UPDATE`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GenerationTask{}, ErrTaskNotFound
	}
	if err != nil {
		return models.GenerationTask{}, err
	}

	if task.Status == to && to == models.StatusQueued {
		// Re-queueing a queued task is a no-op.
		return task, tx.Commit(ctx)
	}
	if !models.CanTransition(task.Status, to) {
		return models.GenerationTask{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, to)
	}

	updated, err := fn(tx, task)
	if err != nil {
		return models.GenerationTask{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.GenerationTask{}, fmt.Errorf("commit: %w", err)
	}
	return updated, nil
}

// ActiveSubscriptionForUser returns the most recent active or trialing
// subscription for a user.
func (s *Store) ActiveSubscriptionForUser(ctx context.Context, userID int64) (models.Subscription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, status, quota_limit, quota_used, current_period_start, current_period_end
		FROM subscriptions
		WHERE user_id = $1 AND status IN ($2, $3)
		ORDER BY current_period_end DESC
		LIMIT 1
	`, userID, models.SubscriptionActive, models.SubscriptionTrialing)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscription{}, ErrNoActiveSubscription
	}
	return sub, err
}

// IncrementQuotaUsage charges amount units against the subscription under a
// row-level lock, so concurrent completions for the same subscription
// serialize instead of losing updates.
func (s *Store) IncrementQuotaUsage(ctx context.Context, subscriptionID int64, amount int) (models.Subscription, error) {
	if amount < 0 {
		return models.Subscription{}, fmt.Errorf("%w: amount must be non-negative", ErrValidation)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Subscription{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id, user_id, status, quota_limit, quota_used, current_period_start, current_period_end
		FROM subscriptions WHERE id = $1 FOR UPDATE
	`, subscriptionID)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscription{}, ErrNoActiveSubscription
	}
	if err != nil {
		return models.Subscription{}, err
	}

	if sub.QuotaUsed+amount > sub.QuotaLimit {
		return models.Subscription{}, fmt.Errorf("%w: used=%d amount=%d limit=%d", ErrQuotaExceeded, sub.QuotaUsed, amount, sub.QuotaLimit)
	}

	row = tx.QueryRow(ctx, `
		UPDATE subscriptions SET quota_used = quota_used + $2
		WHERE id = $1
		RETURNING id, user_id, status, quota_limit, quota_used, current_period_start, current_period_end
	`, subscriptionID, amount)
	sub, err = scanSubscription(row)
	if err != nil {
		return models.Subscription{}, err
	}
	return sub, tx.Commit(ctx)
}

// DecrementQuotaUsage refunds amount units, clamping at zero. Never errors
// on underflow so refund paths cannot fail a pipeline that is already
// unwinding.
func (s *Store) DecrementQuotaUsage(ctx context.Context, subscriptionID int64, amount int) (models.Subscription, error) {
	if amount < 0 {
		return models.Subscription{}, fmt.Errorf("%w: amount must be non-negative", ErrValidation)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE subscriptions SET quota_used = GREATEST(quota_used - $2, 0)
		WHERE id = $1
		RETURNING id, user_id, status, quota_limit, quota_used, current_period_start, current_period_end
	`, subscriptionID, amount)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscription{}, ErrNoActiveSubscription
	}
	return sub, err
}

func mergeParams(existing, updates map[string]any) ([]byte, error) {
	merged := make(map[string]any, len(existing)+len(updates))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range updates {
		merged[k] = v
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal result parameters: %w", err)
	}
	return raw, nil
}

func scanTask(row pgx.Row) (models.GenerationTask, error) {
	var task models.GenerationTask
	var promptID pgtype.Int8
	var paramsJSON, resultJSON []byte
	var resultURL, errText pgtype.Text
	var queuedAt, startedAt, completedAt pgtype.Timestamptz

	err := row.Scan(&task.ID, &task.UserID, &promptID, &task.Status, &task.Source,
		&paramsJSON, &resultJSON, &task.InputAssetURL, &resultURL, &errText,
		&task.CreatedAt, &queuedAt, &startedAt, &completedAt, &task.UpdatedAt)
	if err != nil {
		return models.GenerationTask{}, err
	}

	if err := json.Unmarshal(paramsJSON, &task.Parameters); err != nil {
		return models.GenerationTask{}, fmt.Errorf("unmarshal parameters: %w", err)
	}
	if err := json.Unmarshal(resultJSON, &task.ResultParameters); err != nil {
		return models.GenerationTask{}, fmt.Errorf("unmarshal result parameters: %w", err)
	}
	if promptID.Valid {
		task.PromptID = &promptID.Int64
	}
	task.ResultAssetURL = textPtr(resultURL)
	task.Error = textPtr(errText)
	task.QueuedAt = timePtr(queuedAt)
	task.StartedAt = timePtr(startedAt)
	task.CompletedAt = timePtr(completedAt)
	return task, nil
}

func scanSubscription(row pgx.Row) (models.Subscription, error) {
	var sub models.Subscription
	err := row.Scan(&sub.ID, &sub.UserID, &sub.Status, &sub.QuotaLimit, &sub.QuotaUsed,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd)
	return sub, err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

package worker

import (
	"context"
	"time"

	"imageforge/internal/models"
	"imageforge/internal/provider"
	"imageforge/internal/store"
)

// TaskStore is the repository surface the processor needs. *store.Store
// satisfies it; tests substitute an in-memory double.
type TaskStore interface {
	GetTask(ctx context.Context, id int64) (models.GenerationTask, error)
	MarkStarted(ctx context.Context, id int64) (models.GenerationTask, error)
	MarkSucceeded(ctx context.Context, id int64, update store.ResultUpdate) (models.GenerationTask, error)
	MarkFailed(ctx context.Context, id int64, update store.FailureUpdate) (models.GenerationTask, error)
	ActiveSubscriptionForUser(ctx context.Context, userID int64) (models.Subscription, error)
	IncrementQuotaUsage(ctx context.Context, subscriptionID int64, amount int) (models.Subscription, error)
	DecrementQuotaUsage(ctx context.Context, subscriptionID int64, amount int) (models.Subscription, error)
}

// ObjectStorage is the blob store surface used by the pipeline.
type ObjectStorage interface {
	Download(ctx context.Context, bucket, key string) ([]byte, error)
	Upload(ctx context.Context, bucket, key string, body []byte, contentType string) (string, error)
}

// Notifier provides the task lock and the status/dead-letter broadcast.
type Notifier interface {
	AcquireTask(ctx context.Context, taskID int64) (bool, error)
	ReleaseTask(ctx context.Context, taskID int64) error
	PublishStatus(ctx context.Context, status string, payload map[string]any) error
	PublishDeadLetter(ctx context.Context, payload map[string]any) error
}

// Generator is the external image-generation provider.
type Generator interface {
	Generate(ctx context.Context, req provider.Request) (provider.Result, error)
}

// Outcome statuses returned to the queue-task wrapper.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Skip reasons. ReasonLockHeld means another holder may still be working the
// task, so the delivery must not be settled.
const (
	ReasonNotFound        = "not-found"
	ReasonAlreadyTerminal = "already-terminal"
	ReasonLockHeld        = "lock-held"
)

// Outcome is the structured result of one processing run.
type Outcome struct {
	Status       string        `json:"status"`
	TaskID       int64         `json:"task_id"`
	Reason       string        `json:"reason,omitempty"`
	ResultURL    string        `json:"result_url,omitempty"`
	ThumbnailURL string        `json:"thumbnail_url,omitempty"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}

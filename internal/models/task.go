package models

import (
	"time"
)

// TaskStatus enumerates generation task lifecycle states persisted in Postgres.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
	StatusCanceled  TaskStatus = "canceled"
)

// TaskSource records how a task was created. Informational only.
type TaskSource string

const (
	SourceAPI       TaskSource = "api"
	SourceScheduler TaskSource = "scheduler"
	SourceWorkflow  TaskSource = "workflow"
)

// IsTerminal reports whether no further transition is permitted out of s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// transitions maps each status to the set of statuses it may move to.
// Terminal states have no outgoing edges.
var transitions = map[TaskStatus][]TaskStatus{
	StatusPending: {StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled},
	StatusQueued:  {StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled},
	StatusRunning: {StatusSucceeded, StatusFailed},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// GenerationTask is one unit of generation work submitted by a user.
type GenerationTask struct {
	ID               int64          `json:"id"`
	UserID           int64          `json:"user_id"`
	PromptID         *int64         `json:"prompt_id,omitempty"`
	Status           TaskStatus     `json:"status"`
	Source           TaskSource     `json:"source"`
	Parameters       map[string]any `json:"parameters"`
	ResultParameters map[string]any `json:"result_parameters"`
	InputAssetURL    string         `json:"input_asset_url"`
	ResultAssetURL   *string        `json:"result_asset_url,omitempty"`
	Error            *string        `json:"error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	QueuedAt         *time.Time     `json:"queued_at,omitempty"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// SubscriptionStatus enumerates billing states relevant to quota accounting.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionExpired  SubscriptionStatus = "expired"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// Subscription carries the per-user quota counters mutated by the worker.
// Invariant: 0 <= QuotaUsed <= QuotaLimit after every mutation.
type Subscription struct {
	ID                 int64              `json:"id"`
	UserID             int64              `json:"user_id"`
	Status             SubscriptionStatus `json:"status"`
	QuotaLimit         int                `json:"quota_limit"`
	QuotaUsed          int                `json:"quota_used"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
}

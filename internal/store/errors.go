package store

import "errors"

var (
	// ErrTaskNotFound signals a claim against a task id with no row.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTransition signals an attempted state change out of a
	// terminal or disallowed state. Always a bug or data-race signal.
	ErrInvalidTransition = errors.New("invalid task state transition")
	// ErrQuotaExceeded signals a charge that would push quota_used past
	// quota_limit.
	ErrQuotaExceeded = errors.New("quota usage exceeds configured limit")
	// ErrNoActiveSubscription signals a user without an active or trialing
	// subscription row.
	ErrNoActiveSubscription = errors.New("no active subscription")
	// ErrValidation signals malformed task data rejected at the boundary.
	ErrValidation = errors.New("validation failed")
)

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"imageforge/internal/config"
	"imageforge/internal/models"
	"imageforge/internal/storage"
	"imageforge/internal/store"
	"imageforge/internal/telemetry"
)

// TaskStore is the persistence surface the API needs.
type TaskStore interface {
	CreateTask(ctx context.Context, p store.CreateTaskParams) (models.GenerationTask, error)
	GetTask(ctx context.Context, id int64) (models.GenerationTask, error)
	MarkQueued(ctx context.Context, id int64) (models.GenerationTask, error)
	MarkCanceled(ctx context.Context, id int64) (models.GenerationTask, error)
}

// TaskQueue covers the enqueue side of the Redis queue.
type TaskQueue interface {
	Enqueue(ctx context.Context, taskID int64, priority string, runAt time.Time) error
	Cancel(ctx context.Context, taskID int64) error
}

// Limiter gates task submission per user.
type Limiter interface {
	AllowSubmission(ctx context.Context, userID int64) (bool, float64, error)
}

// Presigner converts stored s3:// URIs into short-lived download links.
type Presigner interface {
	PresignGet(ctx context.Context, bucket, key string) (string, error)
}

// DeadLetterSource exposes the durable dead-letter list for operators.
type DeadLetterSource interface {
	DeadLetters(ctx context.Context, count int64) ([]string, error)
}

// Server wires HTTP handlers for the task submission API.
type Server struct {
	cfg       config.Config
	store     TaskStore
	queue     TaskQueue
	limiter   Limiter
	presigner Presigner
	dlq       DeadLetterSource
	log       zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st TaskStore, q TaskQueue, limiter Limiter, presigner Presigner, dlq DeadLetterSource, log zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		queue:     q,
		limiter:   limiter,
		presigner: presigner,
		dlq:       dlq,
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/tasks", s.handleSubmit)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Post("/tasks/{id}/cancel", s.handleCancel)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type submitRequest struct {
	PromptID      *int64         `json:"prompt_id"`
	Parameters    map[string]any `json:"parameters"`
	InputAssetURL string         `json:"input_asset_url"`
	Priority      string         `json:"priority"`
	RunAt         *time.Time     `json:"run_at"`
	DelaySeconds  int            `json:"delay_seconds"`
}

type taskResponse struct {
	Task         models.GenerationTask `json:"task"`
	DownloadURL  string                `json:"download_url,omitempty"`
	ThumbnailURL string                `json:"thumbnail_url,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	userID, err := userFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.InputAssetURL == "" {
		http.Error(w, "input_asset_url is required", http.StatusBadRequest)
		return
	}
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}
	runAt := time.Now()
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	if req.DelaySeconds > 0 {
		runAt = time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowSubmission(r.Context(), userID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	task, err := s.store.CreateTask(r.Context(), store.CreateTaskParams{
		UserID:        userID,
		PromptID:      req.PromptID,
		Source:        models.SourceAPI,
		Parameters:    req.Parameters,
		InputAssetURL: req.InputAssetURL,
	})
	if errors.Is(err, store.ErrValidation) {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err != nil {
		http.Error(w, "create task failed", http.StatusInternalServerError)
		return
	}

	if err := s.queue.Enqueue(r.Context(), task.ID, req.Priority, runAt); err != nil {
		// Row stays pending; a later resubmission or sweeper can requeue it.
		s.log.Error().Err(err).Int64("task_id", task.ID).Msg("enqueue task")
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	task, err = s.store.MarkQueued(r.Context(), task.ID)
	if errors.Is(err, store.ErrInvalidTransition) {
		// A worker already claimed the task; report the row as it stands.
		task, err = s.store.GetTask(r.Context(), task.ID)
	}
	if err != nil {
		s.log.Error().Err(err).Int64("task_id", task.ID).Msg("mark task queued")
		http.Error(w, "create task failed", http.StatusInternalServerError)
		return
	}
	telemetry.SubmitCounter.Inc()

	writeJSON(w, http.StatusAccepted, taskResponse{Task: task})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDParam(r)
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrTaskNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "load task failed", http.StatusInternalServerError)
		return
	}

	resp := taskResponse{Task: task}
	if task.Status == models.StatusSucceeded {
		if task.ResultAssetURL != nil {
			resp.DownloadURL = s.presign(r.Context(), *task.ResultAssetURL)
		}
		if thumb, ok := task.ResultParameters["thumbnail_url"].(string); ok {
			resp.ThumbnailURL = s.presign(r.Context(), thumb)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// presign swaps a stored s3:// URI for a time-limited download link. Falls
// back to empty on any failure so the task payload still renders.
func (s *Server) presign(ctx context.Context, uri string) string {
	loc, err := storage.ParseURL(uri)
	if err != nil {
		s.log.Warn().Err(err).Str("uri", uri).Msg("stored asset uri is malformed")
		return ""
	}
	url, err := s.presigner.PresignGet(ctx, loc.Bucket, loc.Key)
	if err != nil {
		s.log.Error().Err(err).Str("uri", uri).Msg("presign asset")
		return ""
	}
	return url
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDParam(r)
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	task, err := s.store.MarkCanceled(r.Context(), id)
	if errors.Is(err, store.ErrTaskNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		http.Error(w, "task is no longer cancelable", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "cancel task failed", http.StatusInternalServerError)
		return
	}
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		// The row is already canceled; a stale queue entry is dropped by the
		// worker's terminal-status check.
		s.log.Warn().Err(err).Int64("task_id", id).Msg("remove canceled task from queue")
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: task})
}

// handleDLQ returns the most recent dead letters.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	raw, err := s.dlq.DeadLetters(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dead letters", http.StatusInternalServerError)
		return
	}
	items := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		var item map[string]any
		if err := json.Unmarshal([]byte(entry), &item); err != nil {
			item = map[string]any{"raw": entry}
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func userFromRequest(r *http.Request) (int64, error) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		return 0, errors.New("missing X-User-ID header")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid X-User-ID header")
	}
	return id, nil
}

func taskIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

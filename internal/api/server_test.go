package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imageforge/internal/config"
	"imageforge/internal/models"
	"imageforge/internal/store"
)

type fakeStore struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]models.GenerationTask
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[int64]models.GenerationTask)}
}

func (f *fakeStore) CreateTask(_ context.Context, p store.CreateTaskParams) (models.GenerationTask, error) {
	if err := models.ValidateAssetURL(p.InputAssetURL); err != nil {
		return models.GenerationTask{}, fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	if err := models.ValidateParameters(p.Parameters); err != nil {
		return models.GenerationTask{}, fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	task := models.GenerationTask{
		ID:            f.nextID,
		UserID:        p.UserID,
		PromptID:      p.PromptID,
		Status:        models.StatusPending,
		Source:        p.Source,
		Parameters:    p.Parameters,
		InputAssetURL: p.InputAssetURL,
		CreatedAt:     time.Now(),
	}
	f.tasks[task.ID] = task
	return task, nil
}

func (f *fakeStore) GetTask(_ context.Context, id int64) (models.GenerationTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return models.GenerationTask{}, store.ErrTaskNotFound
	}
	return task, nil
}

func (f *fakeStore) setStatus(id int64, to models.TaskStatus) (models.GenerationTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return models.GenerationTask{}, store.ErrTaskNotFound
	}
	if !models.CanTransition(task.Status, to) {
		return models.GenerationTask{}, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, task.Status, to)
	}
	task.Status = to
	f.tasks[id] = task
	return task, nil
}

func (f *fakeStore) MarkQueued(_ context.Context, id int64) (models.GenerationTask, error) {
	return f.setStatus(id, models.StatusQueued)
}

func (f *fakeStore) MarkCanceled(_ context.Context, id int64) (models.GenerationTask, error) {
	return f.setStatus(id, models.StatusCanceled)
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []int64
	canceled []int64
	failNext bool
}

func (f *fakeQueue) Enqueue(_ context.Context, taskID int64, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return fmt.Errorf("redis unavailable")
	}
	f.enqueued = append(f.enqueued, taskID)
	return nil
}

func (f *fakeQueue) Cancel(_ context.Context, taskID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, taskID)
	return nil
}

type fakeLimiter struct {
	denied bool
}

func (f *fakeLimiter) AllowSubmission(context.Context, int64) (bool, float64, error) {
	return !f.denied, 0, nil
}

type fakePresigner struct{}

func (fakePresigner) PresignGet(_ context.Context, bucket, key string) (string, error) {
	return fmt.Sprintf("https://cdn.example.com/%s/%s?sig=abc", bucket, key), nil
}

type fakeDLQ struct {
	entries []string
}

func (f *fakeDLQ) DeadLetters(context.Context, int64) ([]string, error) {
	return f.entries, nil
}

type apiFixture struct {
	store   *fakeStore
	queue   *fakeQueue
	limiter *fakeLimiter
	dlq     *fakeDLQ
	handler http.Handler
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	st := newFakeStore()
	q := &fakeQueue{}
	lim := &fakeLimiter{}
	dlq := &fakeDLQ{}
	srv := New(config.Config{S3Bucket: "artifacts"}, st, q, lim, fakePresigner{}, dlq, zerolog.Nop())
	return &apiFixture{store: st, queue: q, limiter: lim, dlq: dlq, handler: srv.Router()}
}

func (a *apiFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

var authed = map[string]string{"X-User-ID": "7"}

func TestSubmitTask(t *testing.T) {
	a := newAPI(t)

	rec := a.do(t, http.MethodPost, "/tasks", map[string]any{
		"input_asset_url": "s3://artifacts/inputs/a.jpg",
		"parameters":      map[string]any{"prompt": "sunrise"},
		"priority":        "high",
	}, authed)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp taskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.StatusQueued, resp.Task.Status)
	assert.Equal(t, int64(7), resp.Task.UserID)
	assert.Equal(t, []int64{resp.Task.ID}, a.queue.enqueued)
}

func TestSubmitRequiresUser(t *testing.T) {
	a := newAPI(t)
	rec := a.do(t, http.MethodPost, "/tasks", map[string]any{
		"input_asset_url": "s3://artifacts/inputs/a.jpg",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitRejectsBadAssetURL(t *testing.T) {
	a := newAPI(t)
	rec := a.do(t, http.MethodPost, "/tasks", map[string]any{
		"input_asset_url": "https://example.com/a.jpg",
	}, authed)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, a.queue.enqueued)
}

func TestSubmitRateLimited(t *testing.T) {
	a := newAPI(t)
	a.limiter.denied = true
	rec := a.do(t, http.MethodPost, "/tasks", map[string]any{
		"input_asset_url": "s3://artifacts/inputs/a.jpg",
	}, authed)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestSubmitEnqueueFailureLeavesPending(t *testing.T) {
	a := newAPI(t)
	a.queue.failNext = true
	rec := a.do(t, http.MethodPost, "/tasks", map[string]any{
		"input_asset_url": "s3://artifacts/inputs/a.jpg",
	}, authed)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Len(t, a.store.tasks, 1)
	assert.Equal(t, models.StatusPending, a.store.tasks[1].Status)
}

func TestGetTaskPresignsResults(t *testing.T) {
	a := newAPI(t)
	url := "s3://artifacts/results/5.jpg"
	a.store.tasks[5] = models.GenerationTask{
		ID:             5,
		UserID:         7,
		Status:         models.StatusSucceeded,
		ResultAssetURL: &url,
		ResultParameters: map[string]any{
			"thumbnail_url": "s3://artifacts/thumbs/5.jpg",
		},
	}

	rec := a.do(t, http.MethodGet, "/tasks/5", nil, authed)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp taskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "https://cdn.example.com/artifacts/results/5.jpg?sig=abc", resp.DownloadURL)
	assert.Equal(t, "https://cdn.example.com/artifacts/thumbs/5.jpg?sig=abc", resp.ThumbnailURL)
}

func TestGetTaskNotFound(t *testing.T) {
	a := newAPI(t)
	rec := a.do(t, http.MethodGet, "/tasks/404", nil, authed)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelQueuedTask(t *testing.T) {
	a := newAPI(t)
	a.store.tasks[3] = models.GenerationTask{ID: 3, Status: models.StatusQueued}

	rec := a.do(t, http.MethodPost, "/tasks/3/cancel", nil, authed)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusCanceled, a.store.tasks[3].Status)
	assert.Equal(t, []int64{3}, a.queue.canceled)
}

func TestCancelRunningTaskConflicts(t *testing.T) {
	a := newAPI(t)
	a.store.tasks[4] = models.GenerationTask{ID: 4, Status: models.StatusRunning}

	rec := a.do(t, http.MethodPost, "/tasks/4/cancel", nil, authed)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, models.StatusRunning, a.store.tasks[4].Status)
	assert.Empty(t, a.queue.canceled)
}

func TestDLQListing(t *testing.T) {
	a := newAPI(t)
	a.dlq.entries = []string{`{"task_id":9,"error":"storage-error","category":"storage"}`}

	rec := a.do(t, http.MethodGet, "/dlq", nil, authed)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Items []map[string]any `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "storage-error", resp.Items[0]["error"])
	assert.Equal(t, float64(9), resp.Items[0]["task_id"])
}

func TestHealthz(t *testing.T) {
	a := newAPI(t)
	rec := a.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

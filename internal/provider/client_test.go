package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDecodesImageAndMetadata(t *testing.T) {
	image := []byte("fake-image-bytes")
	var gotBody apiRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"output": map[string]any{
				"image_base64": base64.StdEncoding.EncodeToString(image),
				"metadata":     map[string]any{"model": "gemini-nano"},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL, APIKey: "key", ModelKey: "model"})
	result, err := client.Generate(context.Background(), Request{
		InputBase64: base64.StdEncoding.EncodeToString([]byte("input")),
		Prompt:      "a blue square",
		Parameters:  map[string]any{"size": "1024x1024"},
	})
	require.NoError(t, err)
	assert.Equal(t, image, result.ImageBytes)
	assert.Equal(t, "gemini-nano", result.Metadata["model"])

	assert.Equal(t, "key", gotBody.APIKey)
	assert.Equal(t, "model", gotBody.ModelKey)
	assert.Equal(t, "a blue square", gotBody.Input.Prompt)
}

func TestGenerateSurfacesAPIFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "model overloaded"})
	}))
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL})
	_, err := client.Generate(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "model overloaded", perr.Message)
}

func TestGenerateSurfacesHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL})
	_, err := client.Generate(context.Background(), Request{Prompt: "x"})

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "http 502", perr.Message)
}

func TestGenerateDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL})
	_, err := client.Generate(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load(), "retry policy belongs to the queue, not the client")
}

package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"imageforge/internal/config"
)

// Error reports a failed generation call. The message is safe to persist on
// the task row; raw transport details stay wrapped underneath.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider: %s: %v", e.Message, e.Err)
	}
	return "provider: " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Request is the payload sent to the generation API.
type Request struct {
	InputBase64 string         `json:"input_base64"`
	Prompt      string         `json:"prompt"`
	Parameters  map[string]any `json:"parameters"`
}

// Result carries the generated image and provider metadata.
type Result struct {
	ImageBytes []byte
	Metadata   map[string]any
}

// Client is a synchronous adapter to the external image-generation API.
// It never retries internally; redelivery policy belongs to the queue.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelKey   string
}

// Options configures a Client. HTTPClient overrides the default client,
// primarily for tests.
type Options struct {
	BaseURL    string
	APIKey     string
	ModelKey   string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewClient constructs the provider adapter.
func NewClient(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    base,
		apiKey:     opts.APIKey,
		modelKey:   opts.ModelKey,
	}
}

// FromConfig builds a Client from service configuration.
func FromConfig(cfg config.Config) *Client {
	return NewClient(Options{
		BaseURL:  cfg.ProviderURL,
		APIKey:   cfg.ProviderAPIKey,
		ModelKey: cfg.ProviderModel,
		Timeout:  cfg.ProviderTimeout,
	})
}

type apiRequest struct {
	APIKey   string  `json:"apiKey"`
	ModelKey string  `json:"modelKey"`
	Input    Request `json:"input"`
}

type apiResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Output  struct {
		ImageBase64 string         `json:"image_base64"`
		Metadata    map[string]any `json:"metadata"`
	} `json:"output"`
}

// Generate performs one synchronous generation call. The caller bounds the
// call with ctx; exceeding it surfaces as a provider error like any other.
func (c *Client) Generate(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(apiRequest{APIKey: c.apiKey, ModelKey: c.modelKey, Input: req})
	if err != nil {
		return Result{}, &Error{Message: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return Result{}, &Error{Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, &Error{Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return Result{}, &Error{Message: fmt.Sprintf("http %d", resp.StatusCode)}
	}

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, &Error{Message: "malformed response", Err: err}
	}
	if !decoded.Success {
		message := decoded.Error
		if message == "" {
			message = "generation rejected"
		}
		return Result{}, &Error{Message: message}
	}
	if decoded.Output.ImageBase64 == "" {
		return Result{}, &Error{Message: "missing image in response"}
	}
	imageBytes, err := base64.StdEncoding.DecodeString(decoded.Output.ImageBase64)
	if err != nil {
		return Result{}, &Error{Message: "invalid base64 image payload", Err: err}
	}
	metadata := decoded.Output.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Result{ImageBytes: imageBytes, Metadata: metadata}, nil
}

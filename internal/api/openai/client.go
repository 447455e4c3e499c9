package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gaoyifan/openai2ollama/internal/domain"
)

const (
	defaultBaseURL   = "http://localhost:8001/v1"
	defaultUserAgent = "openai2ollama/1.0"
	doneMarker       = "[DONE]"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client is an HTTP client for an OpenAI-compatible backend.
//
// A Client holds only immutable settings and a pooled *http.Client, so a
// single instance is safe to share across concurrent requests.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new backend client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewPooledHTTPClient builds the shared *http.Client used for backend calls.
// Idle connections are kept per host so concurrent flows reuse them.
// headerTimeout bounds the wait for response headers only; streamed bodies
// are not cut off. Zero disables it.
func NewPooledHTTPClient(maxIdleConns int, headerTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if maxIdleConns > 0 {
		transport.MaxIdleConns = maxIdleConns
		transport.MaxIdleConnsPerHost = maxIdleConns
	}
	transport.ResponseHeaderTimeout = headerTimeout

	return &http.Client{
		Transport: otelhttp.NewTransport(transport),
	}
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RequestOptions contains per-request options.
type RequestOptions struct {
	// UserAgent is forwarded as-is to the backend when set.
	UserAgent string
}

// CreateChatCompletion sends a non-streaming chat completion request.
func (c *Client) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest, opts *RequestOptions) (*ChatCompletionResponse, error) {
	req.Stream = false

	resp, err := c.post(ctx, "/chat/completions", req, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.ErrBackendUnavailable(fmt.Sprintf("failed to read backend response: %v", err)).WithCause(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, respBody)
	}

	var result ChatCompletionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, domain.ErrBackendProtocol(fmt.Sprintf("malformed backend response: %v", err)).WithCause(err)
	}

	result.RawBody = respBody

	return &result, nil
}

// StreamResult wraps a chunk or error from streaming.
type StreamResult struct {
	Chunk *ChatCompletionChunk
	Err   error
}

// StreamChatCompletion sends a streaming chat completion request and returns
// a channel of chunks. The backend status is checked before returning, so an
// error here means no chunk was produced.
//
// The channel is closed after the end-of-stream marker, after the first
// error, or when ctx is done. Cancelling ctx releases the backend connection.
func (c *Client) StreamChatCompletion(ctx context.Context, req *ChatCompletionRequest, opts *RequestOptions) (<-chan StreamResult, error) {
	req.Stream = true

	resp, err := c.post(ctx, "/chat/completions", req, opts)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, statusError(resp.StatusCode, respBody)
	}

	out := make(chan StreamResult)
	go c.streamReader(ctx, resp.Body, out)
	return out, nil
}

func (c *Client) streamReader(ctx context.Context, body io.ReadCloser, out chan<- StreamResult) {
	defer close(out)
	defer body.Close()

	send := func(r StreamResult) bool {
		select {
		case out <- r:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	// Tool argument chunks can be large
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		// Skip blank separators, comments and non-data fields
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		if data == doneMarker {
			return
		}

		if apiErr, err := ParseErrorResponse([]byte(data)); err == nil && apiErr != nil {
			send(StreamResult{Err: domain.ErrBackendUnavailable(apiErr.Message).WithCause(apiErr)})
			return
		}

		var chunk ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			send(StreamResult{Err: domain.ErrBackendProtocol(fmt.Sprintf("malformed stream chunk: %v", err)).WithCause(err)})
			return
		}

		if !send(StreamResult{Chunk: &chunk}) {
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		send(StreamResult{Err: domain.ErrBackendUnavailable(fmt.Sprintf("stream read error: %v", err)).WithCause(err)})
	}
}

// ListModels retrieves the list of available models.
func (c *Client) ListModels(ctx context.Context, opts *RequestOptions) (*ModelList, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, domain.ErrServer(fmt.Sprintf("failed to create request: %v", err)).WithCause(err)
	}

	c.setHeaders(httpReq, opts)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.ErrBackendUnavailable(fmt.Sprintf("backend request failed: %v", err)).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.ErrBackendUnavailable(fmt.Sprintf("failed to read backend response: %v", err)).WithCause(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, respBody)
	}

	var result ModelList
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, domain.ErrBackendProtocol(fmt.Sprintf("malformed model list: %v", err)).WithCause(err)
	}

	return &result, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, opts *RequestOptions) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.ErrServer(fmt.Sprintf("failed to marshal request: %v", err)).WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, domain.ErrServer(fmt.Sprintf("failed to create request: %v", err)).WithCause(err)
	}

	c.setHeaders(httpReq, opts)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.ErrBackendUnavailable(fmt.Sprintf("backend request failed: %v", err)).WithCause(err)
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request, opts *RequestOptions) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	if opts != nil && opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	} else {
		req.Header.Set("User-Agent", defaultUserAgent)
	}
}

// statusError converts a non-200 backend reply into a gateway error carrying
// the backend's own message when it sent one. Client-side statuses (4xx) are
// preserved so callers see e.g. 404 for an unknown model.
func statusError(status int, body []byte) *domain.APIError {
	message := strings.TrimSpace(string(body))
	if apiErr, err := ParseErrorResponse(body); err == nil && apiErr != nil && apiErr.Message != "" {
		message = apiErr.Message
	}
	if message == "" {
		message = fmt.Sprintf("backend returned status %d", status)
	}

	apiErr := domain.ErrBackendUnavailable(message)
	if status >= 400 && status < 500 {
		apiErr = apiErr.WithStatusCode(status)
	}
	return apiErr
}

// Package mockbackend is a synthetic OpenAI-compatible chat backend used for
// local development and tests. It never calls a model: replies are canned.
//
// A request whose tools list is non-empty and whose last message mentions
// "weather" gets a get_current_weather tool call; anything else gets a fixed
// sentence. Streams deliver the sentence word by word and tool arguments in
// 5-byte fragments.
package mockbackend

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gaoyifan/openai2ollama/internal/api/openai"
)

const (
	// Model is the only model the backend lists.
	Model = "gpt-mock"
	// Reply is the canned assistant text.
	Reply = "This is a mock response from OpenAI."
	// ToolName and ToolArguments form the canned tool call.
	ToolName      = "get_current_weather"
	ToolArguments = `{"location": "San Francisco, CA"}`
	ToolCallID    = "call_mock_123"

	argumentFragmentSize = 5
	modelCreated         = 1686935002
)

// Option configures a Backend.
type Option func(*Backend)

// WithChunkDelay sleeps between streamed chunks.
func WithChunkDelay(d time.Duration) Option {
	return func(b *Backend) {
		b.delay = d
	}
}

// WithLogger logs each received request.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

// WithClock fixes the created timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		b.now = now
	}
}

// Backend serves /v1/models and /v1/chat/completions.
type Backend struct {
	router chi.Router
	delay  time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	requests []openai.ChatCompletionRequest
	headers  []http.Header
	failure  *failure
}

type failure struct {
	status int
	body   string
}

// New creates a backend.
func New(opts ...Option) *Backend {
	b := &Backend{now: time.Now}
	for _, opt := range opts {
		opt(b)
	}

	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Get("/models", b.handleModels)
		r.Post("/chat/completions", b.handleChat)
	})
	b.router = r
	return b
}

// ServeHTTP implements http.Handler.
func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.router.ServeHTTP(w, r)
}

// FailWith makes every following chat request fail with status and body.
func (b *Backend) FailWith(status int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failure = &failure{status: status, body: body}
}

// Requests returns the chat requests received so far.
func (b *Backend) Requests() []openai.ChatCompletionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]openai.ChatCompletionRequest, len(b.requests))
	copy(out, b.requests)
	return out
}

// LastHeader returns the headers of the most recent chat request.
func (b *Backend) LastHeader() http.Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.headers) == 0 {
		return nil
	}
	return b.headers[len(b.headers)-1]
}

func (b *Backend) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, openai.ModelList{
		Object: "list",
		Data: []openai.Model{{
			ID:      Model,
			Object:  "model",
			Created: modelCreated,
			OwnedBy: "openai",
		}},
	})
}

func (b *Backend) handleChat(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, openai.ErrorResponse{Error: &openai.APIError{
			Message: fmt.Sprintf("invalid JSON body: %v", err),
			Type:    "invalid_request_error",
		}})
		return
	}

	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.headers = append(b.headers, r.Header.Clone())
	fail := b.failure
	b.mu.Unlock()

	if b.logger != nil {
		b.logger.Info("received request",
			slog.String("model", req.Model),
			slog.Bool("stream", req.Stream),
			slog.Int("tools", len(req.Tools)),
		)
	}

	if fail != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(fail.status)
		_, _ = w.Write([]byte(fail.body))
		return
	}

	model := req.Model
	if model == "" {
		model = Model
	}
	useTool := wantsTool(&req)

	if req.Stream {
		b.stream(w, r, model, useTool, req.StreamOptions != nil && req.StreamOptions.IncludeUsage)
		return
	}

	msg := openai.ResponseMessage{Role: "assistant"}
	finish := "stop"
	if useTool {
		msg.ToolCalls = []openai.ToolCall{{
			ID:       ToolCallID,
			Type:     "function",
			Function: openai.FunctionCall{Name: ToolName, Arguments: ToolArguments},
		}}
		finish = "tool_calls"
	} else {
		reply := Reply
		msg.Content = &reply
	}

	writeJSON(w, http.StatusOK, openai.ChatCompletionResponse{
		ID:      b.completionID(),
		Object:  "chat.completion",
		Created: b.now().Unix(),
		Model:   model,
		Choices: []openai.Choice{{Index: 0, Message: msg, FinishReason: finish}},
		Usage:   cannedUsage(),
	})
}

func (b *Backend) stream(w http.ResponseWriter, r *http.Request, model string, useTool, includeUsage bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	id := b.completionID()
	var chunks []openai.ChatCompletionChunk
	if useTool {
		chunks = ToolCallChunks(ToolArguments, argumentFragmentSize)
	} else {
		chunks = ContentChunks(Reply)
	}
	if includeUsage {
		chunks = append(chunks, openai.ChatCompletionChunk{Choices: []openai.ChunkChoice{}, Usage: cannedUsage()})
	}

	flusher, _ := w.(http.Flusher)
	for i := range chunks {
		chunks[i].ID = id
		chunks[i].Object = "chat.completion.chunk"
		chunks[i].Created = b.now().Unix()
		chunks[i].Model = model

		data, err := json.Marshal(chunks[i])
		if err != nil {
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}

		if b.delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(b.delay):
			}
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func (b *Backend) completionID() string {
	return fmt.Sprintf("chatcmpl-%d", b.now().Unix())
}

// ContentChunks splits text into one chunk per word (each followed by a
// space), preceded by a role chunk and followed by a stop chunk.
func ContentChunks(text string) []openai.ChatCompletionChunk {
	empty := ""
	chunks := []openai.ChatCompletionChunk{
		deltaChunk(openai.ChunkDelta{Role: "assistant", Content: &empty}, nil),
	}
	for _, word := range strings.Fields(text) {
		piece := word + " "
		chunks = append(chunks, deltaChunk(openai.ChunkDelta{Content: &piece}, nil))
	}
	stop := "stop"
	return append(chunks, deltaChunk(openai.ChunkDelta{}, &stop))
}

// ToolCallChunks opens call 0 of the canned tool and streams args in
// fragments of size bytes, followed by a tool_calls finish chunk.
func ToolCallChunks(args string, size int) []openai.ChatCompletionChunk {
	empty := ""
	chunks := []openai.ChatCompletionChunk{
		deltaChunk(openai.ChunkDelta{
			Role: "assistant",
			ToolCalls: []openai.ToolCallChunk{{
				Index:    0,
				ID:       ToolCallID,
				Type:     "function",
				Function: &openai.FunctionCallChunk{Name: ToolName, Arguments: &empty},
			}},
		}, nil),
	}
	for i := 0; i < len(args); i += size {
		end := min(i+size, len(args))
		frag := args[i:end]
		chunks = append(chunks, deltaChunk(openai.ChunkDelta{
			ToolCalls: []openai.ToolCallChunk{{
				Index:    0,
				Function: &openai.FunctionCallChunk{Arguments: &frag},
			}},
		}, nil))
	}
	finish := "tool_calls"
	return append(chunks, deltaChunk(openai.ChunkDelta{}, &finish))
}

func deltaChunk(delta openai.ChunkDelta, finish *string) openai.ChatCompletionChunk {
	return openai.ChatCompletionChunk{
		Choices: []openai.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

func wantsTool(req *openai.ChatCompletionRequest) bool {
	if len(req.Tools) == 0 || len(req.Messages) == 0 {
		return false
	}
	last := req.Messages[len(req.Messages)-1]
	return strings.Contains(strings.ToLower(last.Content), "weather")
}

func cannedUsage() *openai.Usage {
	return &openai.Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

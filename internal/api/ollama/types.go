// Package ollama provides the client-facing wire types of the Ollama chat API
// exposed by the gateway.
package ollama

import (
	"encoding/json"
)

// CreatedAt is the fixed timestamp stamped on every response object.
// Clients only require a parseable RFC 3339 value.
const CreatedAt = "2023-01-01T00:00:00Z"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Model    string            `json:"model"`
	Messages []Message         `json:"messages"`
	Tools    []json.RawMessage `json:"tools,omitempty"`
	// Stream defaults to true when absent.
	Stream *bool `json:"stream,omitempty"`

	// Accepted for compatibility and ignored.
	Format    json.RawMessage `json:"format,omitempty"`
	Options   json.RawMessage `json:"options,omitempty"`
	KeepAlive json.RawMessage `json:"keep_alive,omitempty"`
}

// IsStream reports whether the client asked for a streamed response.
func (r *ChatRequest) IsStream() bool {
	return r.Stream == nil || *r.Stream
}

// Message is a chat message. Content may be empty for tool-invocation-only
// turns.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Images    []string   `json:"images,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a tool invocation as seen by the client.
//
// In a streamed chunk Arguments holds unparsed argument text and
// Index/ID/Type mirror the backend call. In a final response Arguments is
// the parsed JSON value (or the raw string when it does not parse).
type ToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the function part of a ToolCall.
type ToolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments any    `json:"arguments,omitempty"`
}

// ChatResponse is both a streamed chunk and the final non-streaming
// response. Timing and count fields are only populated on the done object.
type ChatResponse struct {
	Model      string  `json:"model"`
	CreatedAt  string  `json:"created_at"`
	Message    Message `json:"message"`
	Done       bool    `json:"done"`
	DoneReason string  `json:"done_reason,omitempty"`

	*Metrics
}

// Metrics are the counters attached to a done object. Durations are in
// nanoseconds and are always zero; the gateway does not measure them.
type Metrics struct {
	TotalDuration      int64 `json:"total_duration"`
	LoadDuration       int64 `json:"load_duration"`
	PromptEvalCount    int   `json:"prompt_eval_count"`
	PromptEvalDuration int64 `json:"prompt_eval_duration"`
	EvalCount          int   `json:"eval_count"`
	EvalDuration       int64 `json:"eval_duration"`
}

// ErrorResponse is the error body returned to clients.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ModelDetails describes a model entry. The gateway reports fixed values.
type ModelDetails struct {
	ParentModel       string   `json:"parent_model"`
	Format            string   `json:"format"`
	Family            string   `json:"family"`
	Families          []string `json:"families"`
	ParameterSize     string   `json:"parameter_size"`
	QuantizationLevel string   `json:"quantization_level"`
}

// DefaultModelDetails returns the placeholder details reported for every model.
func DefaultModelDetails() ModelDetails {
	return ModelDetails{
		Format:            "gguf",
		Family:            "llama",
		Families:          []string{"llama"},
		ParameterSize:     "7B",
		QuantizationLevel: "Q4_0",
	}
}

// ModelEntry is one element of GET /api/tags.
type ModelEntry struct {
	Name       string       `json:"name"`
	Model      string       `json:"model"`
	ModifiedAt string       `json:"modified_at"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details"`
}

// TagsResponse is the body of GET /api/tags.
type TagsResponse struct {
	Models []ModelEntry `json:"models"`
}

// ShowRequest is the body of POST /api/show. Older clients send name,
// newer ones send model.
type ShowRequest struct {
	Name  string `json:"name"`
	Model string `json:"model"`
}

// ShowResponse is the body of POST /api/show.
type ShowResponse struct {
	License    string       `json:"license"`
	Modelfile  string       `json:"modelfile"`
	Parameters string       `json:"parameters"`
	Template   string       `json:"template"`
	Details    ModelDetails `json:"details"`
}

// VersionResponse is the body of GET /api/version.
type VersionResponse struct {
	Version string `json:"version"`
}

package translate

import (
	"github.com/gaoyifan/openai2ollama/internal/api/ollama"
	"github.com/gaoyifan/openai2ollama/internal/api/openai"
	"github.com/gaoyifan/openai2ollama/internal/domain"
)

// ToChatResponse converts a complete backend response into the final client
// response. Only the first choice is used. Token counts come from the
// backend usage report; durations are zero.
func ToChatResponse(model string, resp *openai.ChatCompletionResponse) (*ollama.ChatResponse, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, domain.ErrBackendProtocol("backend response contained no choices")
	}

	choice := resp.Choices[0]

	msg := ollama.Message{
		Role: choice.Message.Role,
	}
	if msg.Role == "" {
		msg.Role = ollama.RoleAssistant
	}
	if choice.Message.Content != nil {
		msg.Content = *choice.Message.Content
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ollama.ToolCall{
			Function: ollama.ToolFunction{
				Name:      tc.Function.Name,
				Arguments: ParseArguments(tc.Function.Arguments),
			},
		})
	}

	metrics := &ollama.Metrics{}
	if resp.Usage != nil {
		metrics.PromptEvalCount = resp.Usage.PromptTokens
		metrics.EvalCount = resp.Usage.CompletionTokens
	}

	return &ollama.ChatResponse{
		Model:      model,
		CreatedAt:  ollama.CreatedAt,
		Message:    msg,
		Done:       true,
		DoneReason: choice.FinishReason,
		Metrics:    metrics,
	}, nil
}

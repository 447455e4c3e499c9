package translate

import (
	"fmt"
	"strings"

	"github.com/gaoyifan/openai2ollama/internal/api/ollama"
	"github.com/gaoyifan/openai2ollama/internal/api/openai"
	"github.com/gaoyifan/openai2ollama/internal/domain"
)

// toolChoiceAuto is sent whenever the client supplied tools.
const toolChoiceAuto = "auto"

// ToBackendRequest maps an inbound chat request to backend call parameters.
// Only role and content of each message are forwarded; tool definitions are
// passed through untouched.
func ToBackendRequest(req *ollama.ChatRequest) (*openai.ChatCompletionRequest, error) {
	if req == nil {
		return nil, domain.ErrInvalidRequest("request body is required")
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, domain.ErrInvalidRequest("model is required")
	}
	if req.Messages == nil {
		return nil, domain.ErrInvalidRequest("messages is required")
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for i, m := range req.Messages {
		if !validRole(m.Role) {
			return nil, domain.ErrInvalidRequest(fmt.Sprintf("messages[%d]: invalid role %q", i, m.Role))
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	out := &openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   req.IsStream(),
	}
	if len(req.Tools) > 0 {
		out.Tools = req.Tools
		out.ToolChoice = toolChoiceAuto
	}
	return out, nil
}

func validRole(role string) bool {
	switch role {
	case ollama.RoleSystem, ollama.RoleUser, ollama.RoleAssistant, ollama.RoleTool:
		return true
	default:
		return false
	}
}

package domain

import (
	"context"
	"encoding/json"
)

// TokenMessage is the role and text of one message to be counted.
type TokenMessage struct {
	Role    string
	Content string
}

// TokenCountRequest represents a request to count prompt tokens.
type TokenCountRequest struct {
	Model    string
	Messages []TokenMessage
	Tools    []json.RawMessage
}

// TokenCountResponse represents the response from counting tokens.
type TokenCountResponse struct {
	InputTokens int
	Model       string
	// Estimated is true when the count comes from a heuristic rather than
	// a tokenizer.
	Estimated bool
}

// TokenCounter provides token counting capabilities.
type TokenCounter interface {
	// CountTokens counts the prompt tokens of a request.
	CountTokens(ctx context.Context, req *TokenCountRequest) (*TokenCountResponse, error)

	// CountText counts the tokens of a plain string, such as a completion.
	CountText(model, text string) (int, error)

	// SupportsModel returns true if this counter supports the given model.
	SupportsModel(model string) bool
}

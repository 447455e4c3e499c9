// Package tokens estimates token usage when the backend does not report it.
package tokens

import (
	"context"
	"fmt"
	"strings"

	"github.com/gaoyifan/openai2ollama/internal/domain"
)

// Registry manages token counters for different models.
// It supports:
// 1. Registered domain.TokenCounter implementations (tiktoken for OpenAI model names)
// 2. A fallback estimator for everything else
type Registry struct {
	counters []domain.TokenCounter
	fallback domain.TokenCounter
}

// NewRegistry creates a new token counter registry.
func NewRegistry() *Registry {
	return &Registry{
		fallback: NewEstimator(),
	}
}

// NewDefaultRegistry returns a registry with the tiktoken counter registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewTiktokenCounter())
	return r
}

// Register adds a token counter to the registry.
func (r *Registry) Register(counter domain.TokenCounter) {
	r.counters = append(r.counters, counter)
}

// SetFallback sets the fallback counter for unsupported models.
func (r *Registry) SetFallback(counter domain.TokenCounter) {
	r.fallback = counter
}

// CountTokens counts tokens using the appropriate counter for the model.
func (r *Registry) CountTokens(ctx context.Context, req *domain.TokenCountRequest) (*domain.TokenCountResponse, error) {
	counter := r.GetCounter(req.Model)
	if counter == nil {
		return nil, fmt.Errorf("no token counter available for model: %s", req.Model)
	}
	return counter.CountTokens(ctx, req)
}

// CountText counts the tokens of text using the appropriate counter.
func (r *Registry) CountText(model, text string) (int, error) {
	counter := r.GetCounter(model)
	if counter == nil {
		return 0, fmt.Errorf("no token counter available for model: %s", model)
	}
	return counter.CountText(model, text)
}

// GetCounter returns the appropriate counter for a model.
func (r *Registry) GetCounter(model string) domain.TokenCounter {
	for _, counter := range r.counters {
		if counter.SupportsModel(model) {
			return counter
		}
	}
	return r.fallback
}

// Usage estimates prompt and completion token counts. Errors degrade to
// zero; usage is informational only.
func (r *Registry) Usage(ctx context.Context, req *domain.TokenCountRequest, completion string) (prompt, completionTokens int) {
	if resp, err := r.CountTokens(ctx, req); err == nil {
		prompt = resp.InputTokens
	}
	if completion != "" {
		if n, err := r.CountText(req.Model, completion); err == nil {
			completionTokens = n
		}
	}
	return prompt, completionTokens
}

// Estimator provides token count estimation based on character counts.
// This is the fallback for models without a known tokenizer.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0,
	}
}

// CountTokens estimates the token count.
func (e *Estimator) CountTokens(ctx context.Context, req *domain.TokenCountRequest) (*domain.TokenCountResponse, error) {
	totalChars := 0

	for _, msg := range req.Messages {
		totalChars += len(msg.Role)
		totalChars += len(msg.Content)
		// role tokens + separators
		totalChars += 4
	}

	for _, tool := range req.Tools {
		totalChars += len(tool)
	}

	return &domain.TokenCountResponse{
		InputTokens: e.tokens(totalChars),
		Model:       req.Model,
		Estimated:   true,
	}, nil
}

// CountText estimates the token count of a plain string.
func (e *Estimator) CountText(model, text string) (int, error) {
	return e.tokens(len(text)), nil
}

func (e *Estimator) tokens(chars int) int {
	if chars == 0 {
		return 0
	}
	n := int(float64(chars) / e.CharsPerToken)
	if n == 0 {
		n = 1
	}
	return n
}

// SupportsModel returns true - estimator supports all models as a fallback.
func (e *Estimator) SupportsModel(model string) bool {
	return true
}

// ModelMatcher helps match model names to provider patterns.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a new model matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{
		prefixes: prefixes,
		exact:    exact,
	}
}

// Matches returns true if the model matches any pattern.
func (m *ModelMatcher) Matches(model string) bool {
	model = strings.ToLower(model)

	for _, e := range m.exact {
		if model == e {
			return true
		}
	}

	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}

	return false
}

// Package provider sends translated chat requests to the OpenAI-compatible
// backend and turns its responses into Ollama responses.
package provider

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gaoyifan/openai2ollama/internal/api/ollama"
	"github.com/gaoyifan/openai2ollama/internal/api/openai"
	"github.com/gaoyifan/openai2ollama/internal/domain"
	"github.com/gaoyifan/openai2ollama/internal/metrics"
	"github.com/gaoyifan/openai2ollama/internal/telemetry"
	"github.com/gaoyifan/openai2ollama/internal/tokens"
	"github.com/gaoyifan/openai2ollama/internal/translate"
)

// Option configures a Provider.
type Option func(*Provider)

// WithTokenRegistry enables usage estimation when the backend reports none.
func WithTokenRegistry(r *tokens.Registry) Option {
	return func(p *Provider) {
		p.tokens = r
	}
}

// WithMetrics records chat metrics to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Provider) {
		p.metrics = c
	}
}

// WithCatalog resolves client model names through c.
func WithCatalog(c *Catalog) Option {
	return func(p *Provider) {
		p.catalog = c
	}
}

// WithIncludeUsage asks streaming backends for a trailing usage report.
func WithIncludeUsage(include bool) Option {
	return func(p *Provider) {
		p.includeUsage = include
	}
}

// WithArgumentMode sets how streamed tool call arguments are emitted.
func WithArgumentMode(mode translate.ArgumentMode) Option {
	return func(p *Provider) {
		p.argumentMode = mode
	}
}

// WithLogger sets the provider logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = l
	}
}

// Provider is safe for concurrent use. It holds only immutable settings and
// the shared backend client.
type Provider struct {
	client       *openai.Client
	tokens       *tokens.Registry
	metrics      *metrics.Collector
	catalog      *Catalog
	includeUsage bool
	argumentMode translate.ArgumentMode
	tracer       trace.Tracer
	logger       *slog.Logger
}

// New creates a provider around the shared backend client.
func New(client *openai.Client, opts ...Option) *Provider {
	p := &Provider{
		client:       client,
		argumentMode: translate.ArgumentsDelta,
		tracer:       telemetry.Tracer(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Client returns the backend client.
func (p *Provider) Client() *openai.Client {
	return p.client
}

// Complete performs a non-streaming chat call.
func (p *Provider) Complete(ctx context.Context, req *ollama.ChatRequest, userAgent string) (*ollama.ChatResponse, error) {
	backendReq, err := p.backendRequest(req)
	if err != nil {
		return nil, err
	}
	backendReq.Stream = false

	ctx, span := p.tracer.Start(ctx, "chat.complete", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.String("llm.backend_model", backendReq.Model),
		attribute.Int("llm.messages", len(backendReq.Messages)),
		attribute.Int("llm.tools", len(backendReq.Tools)),
	))
	defer span.End()

	resp, err := p.client.CreateChatCompletion(ctx, backendReq, &openai.RequestOptions{UserAgent: userAgent})
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	out, err := translate.ToChatResponse(req.Model, resp)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	source := metrics.SourceBackend
	if resp.Usage == nil && p.tokens != nil {
		source = metrics.SourceEstimated
		out.PromptEvalCount, out.EvalCount = p.tokens.Usage(ctx, tokenRequest(backendReq), completionText(out.Message))
	}

	span.SetAttributes(
		attribute.String("llm.done_reason", out.DoneReason),
		attribute.Int("llm.usage.prompt_tokens", out.PromptEvalCount),
		attribute.Int("llm.usage.completion_tokens", out.EvalCount),
	)
	p.metrics.RecordTokens(req.Model, source, out.PromptEvalCount, out.EvalCount)
	p.metrics.RecordToolCalls(req.Model, len(out.Message.ToolCalls))

	return out, nil
}

// Stream opens a streaming chat call. The backend status has been checked
// when Stream returns, so a returned error means nothing was sent to the
// client yet. The caller must call Run exactly once on the result.
func (p *Provider) Stream(ctx context.Context, req *ollama.ChatRequest, userAgent string) (*Stream, error) {
	backendReq, err := p.backendRequest(req)
	if err != nil {
		return nil, err
	}
	backendReq.Stream = true
	if p.includeUsage {
		backendReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	ctx, span := p.tracer.Start(ctx, "chat.stream", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.String("llm.backend_model", backendReq.Model),
		attribute.Int("llm.messages", len(backendReq.Messages)),
		attribute.Int("llm.tools", len(backendReq.Tools)),
	))

	// Cancelling this context releases the backend reader goroutine.
	ctx, cancel := context.WithCancel(ctx)

	events, err := p.client.StreamChatCompletion(ctx, backendReq, &openai.RequestOptions{UserAgent: userAgent})
	if err != nil {
		cancel()
		recordSpanError(span, err)
		span.End()
		return nil, err
	}

	return &Stream{
		provider:   p,
		ctx:        ctx,
		cancel:     cancel,
		span:       span,
		events:     events,
		model:      req.Model,
		backendReq: backendReq,
		translator: translate.NewStreamTranslator(req.Model,
			translate.WithArgumentMode(p.argumentMode),
			translate.WithLogger(p.logger),
		),
	}, nil
}

// ListModels returns the backend's model list.
func (p *Provider) ListModels(ctx context.Context) (*openai.ModelList, error) {
	return p.client.ListModels(ctx, nil)
}

func (p *Provider) backendRequest(req *ollama.ChatRequest) (*openai.ChatCompletionRequest, error) {
	backendReq, err := translate.ToBackendRequest(req)
	if err != nil {
		return nil, err
	}
	if p.catalog != nil {
		backendReq.Model = p.catalog.Resolve(req.Model)
	}
	return backendReq, nil
}

// Stream is one streaming chat session.
type Stream struct {
	provider   *Provider
	ctx        context.Context
	cancel     context.CancelFunc
	span       trace.Span
	events     <-chan openai.StreamResult
	model      string
	backendReq *openai.ChatCompletionRequest
	translator *translate.StreamTranslator

	completion strings.Builder
}

// Run translates the backend stream, passing every chunk to emit in order.
// The last chunk emitted on success has done=true. On a backend error or
// cancellation the error is returned and no done chunk is emitted.
func (s *Stream) Run(emit func(*ollama.ChatResponse) error) error {
	defer s.span.End()
	defer s.cancel()

	p := s.provider
	chunks := 0
	err := s.translator.Run(s.ctx, s.events, func(c *ollama.ChatResponse) error {
		chunks++
		s.record(c)
		return emit(c)
	})

	s.span.SetAttributes(attribute.Int("llm.stream.chunks", chunks))
	if err != nil {
		recordSpanError(s.span, err)
		return err
	}

	s.span.SetAttributes(attribute.String("llm.done_reason", s.translator.DoneReason()))
	p.metrics.RecordToolCalls(s.model, s.translator.Assembler().Len())

	usage := s.drainUsage()
	switch {
	case usage != nil:
		p.metrics.RecordTokens(s.model, metrics.SourceBackend, usage.PromptTokens, usage.CompletionTokens)
	case p.tokens != nil:
		assembler := s.translator.Assembler()
		for _, idx := range assembler.Indices() {
			call, _ := assembler.Get(idx)
			s.completion.WriteString(call.Name)
			s.completion.WriteString(call.Arguments())
		}
		prompt, completion := p.tokens.Usage(s.ctx, tokenRequest(s.backendReq), s.completion.String())
		p.metrics.RecordTokens(s.model, metrics.SourceEstimated, prompt, completion)
	}
	return nil
}

func (s *Stream) record(c *ollama.ChatResponse) {
	m := s.provider.metrics
	switch {
	case c.Done:
		m.RecordChunk(metrics.ChunkDone)
	case len(c.Message.ToolCalls) > 0:
		m.RecordChunk(metrics.ChunkToolCall)
	default:
		m.RecordChunk(metrics.ChunkContent)
		s.completion.WriteString(c.Message.Content)
	}
}

// drainUsage reads the events left after the done chunk looking for the
// trailing usage report. Only done when usage was requested.
func (s *Stream) drainUsage() *openai.Usage {
	if !s.provider.includeUsage {
		return nil
	}
	var usage *openai.Usage
	for {
		select {
		case <-s.ctx.Done():
			return usage
		case res, ok := <-s.events:
			if !ok || res.Err != nil {
				return usage
			}
			if res.Chunk != nil && res.Chunk.Usage != nil {
				usage = res.Chunk.Usage
			}
		}
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if apiErr := domain.ToAPIError(err); apiErr != nil {
		span.SetAttributes(attribute.String("error.kind", string(apiErr.Kind)))
	}
}

func tokenRequest(req *openai.ChatCompletionRequest) *domain.TokenCountRequest {
	msgs := make([]domain.TokenMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = domain.TokenMessage{Role: m.Role, Content: m.Content}
	}
	return &domain.TokenCountRequest{
		Model:    req.Model,
		Messages: msgs,
		Tools:    req.Tools,
	}
}

func completionText(msg ollama.Message) string {
	var b strings.Builder
	b.WriteString(msg.Content)
	for _, tc := range msg.ToolCalls {
		b.WriteString(tc.Function.Name)
		switch args := tc.Function.Arguments.(type) {
		case string:
			b.WriteString(args)
		case nil:
		default:
			if raw, err := json.Marshal(args); err == nil {
				b.Write(raw)
			}
		}
	}
	return b.String()
}

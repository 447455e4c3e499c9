package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/gaoyifan/openai2ollama/internal/api/ollama"
	"github.com/gaoyifan/openai2ollama/internal/api/openai"
	"github.com/gaoyifan/openai2ollama/internal/domain"
	"github.com/gaoyifan/openai2ollama/internal/metrics"
	"github.com/gaoyifan/openai2ollama/internal/mockbackend"
	"github.com/gaoyifan/openai2ollama/internal/tokens"
	"github.com/gaoyifan/openai2ollama/internal/translate"
)

var weatherTool = json.RawMessage(`{"type":"function","function":{"name":"get_current_weather","parameters":{"type":"object","properties":{"location":{"type":"string"}}}}}`)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProvider(t *testing.T, handler http.Handler, opts ...Option) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := openai.NewClient("sk-test", openai.WithBaseURL(srv.URL+"/v1"))
	return New(client, append([]Option{WithLogger(discardLogger())}, opts...)...)
}

func chat(content string, stream bool, tools ...json.RawMessage) *ollama.ChatRequest {
	return &ollama.ChatRequest{
		Model:    "llama3",
		Messages: []ollama.Message{{Role: ollama.RoleUser, Content: content}},
		Tools:    tools,
		Stream:   &stream,
	}
}

func runStream(t *testing.T, s *Stream) []*ollama.ChatResponse {
	t.Helper()
	var out []*ollama.ChatResponse
	if err := s.Run(func(c *ollama.ChatResponse) error {
		out = append(out, c)
		return nil
	}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return out
}

// counterValue reads one labelled counter from a registry.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if labelsMatch(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestComplete_Text(t *testing.T) {
	p := newTestProvider(t, mockbackend.New())

	resp, err := p.Complete(context.Background(), chat("hello", false), "")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if resp.Model != "llama3" {
		t.Errorf("model = %q, want llama3", resp.Model)
	}
	if resp.Message.Content != mockbackend.Reply {
		t.Errorf("content = %q, want %q", resp.Message.Content, mockbackend.Reply)
	}
	if !resp.Done || resp.DoneReason != "stop" {
		t.Errorf("done = %v, done_reason = %q", resp.Done, resp.DoneReason)
	}
	if resp.PromptEvalCount != 10 || resp.EvalCount != 10 {
		t.Errorf("counts = %d/%d, want backend usage 10/10", resp.PromptEvalCount, resp.EvalCount)
	}
}

func TestComplete_ToolCall(t *testing.T) {
	p := newTestProvider(t, mockbackend.New())

	resp, err := p.Complete(context.Background(), chat("What's the weather?", false, weatherTool), "")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool_calls = %+v", resp.Message.ToolCalls)
	}
	fn := resp.Message.ToolCalls[0].Function
	if fn.Name != mockbackend.ToolName {
		t.Errorf("name = %q", fn.Name)
	}
	want := map[string]any{"location": "San Francisco, CA"}
	if !reflect.DeepEqual(fn.Arguments, want) {
		t.Errorf("arguments = %#v, want %#v", fn.Arguments, want)
	}
	if resp.DoneReason != "tool_calls" {
		t.Errorf("done_reason = %q", resp.DoneReason)
	}
}

func TestComplete_ResolvesCatalogModel(t *testing.T) {
	backend := mockbackend.New()
	catalog := NewCatalog([]ModelEntry{{Name: "llama3", BackendModel: "gpt-4o-mini"}})
	p := newTestProvider(t, backend, WithCatalog(catalog))

	resp, err := p.Complete(context.Background(), chat("hello", false), "")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	reqs := backend.Requests()
	if len(reqs) != 1 || reqs[0].Model != "gpt-4o-mini" {
		t.Fatalf("backend requests = %+v", reqs)
	}
	if resp.Model != "llama3" {
		t.Errorf("response model = %q, want the client's name", resp.Model)
	}
}

func TestComplete_ForwardsUserAgent(t *testing.T) {
	backend := mockbackend.New()
	p := newTestProvider(t, backend)

	if _, err := p.Complete(context.Background(), chat("hello", false), "ollama-js/0.5.0"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if ua := backend.LastHeader().Get("User-Agent"); ua != "ollama-js/0.5.0" {
		t.Errorf("User-Agent = %q", ua)
	}
}

func TestComplete_EstimatesMissingUsage(t *testing.T) {
	noUsage := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"x","object":"chat.completion","model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"Hi there, how can I help?"},"finish_reason":"stop"}]}`)
	})
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(metrics.Config{Enabled: true}, reg)
	p := newTestProvider(t, noUsage, WithTokenRegistry(tokens.NewDefaultRegistry()), WithMetrics(collector))

	resp, err := p.Complete(context.Background(), chat("hello there", false), "")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.PromptEvalCount == 0 || resp.EvalCount == 0 {
		t.Errorf("counts = %d/%d, want estimates", resp.PromptEvalCount, resp.EvalCount)
	}

	got := counterValue(t, reg, "openai2ollama_gateway_tokens_total", map[string]string{
		"model": "llama3", "type": "completion", "source": metrics.SourceEstimated,
	})
	if got != float64(resp.EvalCount) {
		t.Errorf("estimated completion tokens metric = %v, want %d", got, resp.EvalCount)
	}
}

func TestComplete_NoUsageWithoutRegistry(t *testing.T) {
	noUsage := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"Hi"},"finish_reason":"stop"}]}`)
	})
	p := newTestProvider(t, noUsage)

	resp, err := p.Complete(context.Background(), chat("hello", false), "")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.PromptEvalCount != 0 || resp.EvalCount != 0 {
		t.Errorf("counts = %d/%d, want zero", resp.PromptEvalCount, resp.EvalCount)
	}
}

func TestComplete_Errors(t *testing.T) {
	tests := []struct {
		name       string
		req        *ollama.ChatRequest
		status     int
		wantKind   domain.ErrorKind
		wantStatus int
		wantCalls  int
	}{
		{
			name:       "missing model",
			req:        &ollama.ChatRequest{Messages: []ollama.Message{{Role: "user", Content: "hi"}}},
			wantKind:   domain.KindInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "backend 500",
			req:        chat("hi", false),
			status:     http.StatusInternalServerError,
			wantKind:   domain.KindBackendUnavailable,
			wantStatus: http.StatusBadGateway,
			wantCalls:  1,
		},
		{
			name:       "backend 404 preserved",
			req:        chat("hi", false),
			status:     http.StatusNotFound,
			wantKind:   domain.KindBackendUnavailable,
			wantStatus: http.StatusNotFound,
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := mockbackend.New()
			if tt.status != 0 {
				backend.FailWith(tt.status, `{"error":{"message":"boom","type":"server_error"}}`)
			}
			p := newTestProvider(t, backend)

			_, err := p.Complete(context.Background(), tt.req, "")
			apiErr := domain.ToAPIError(err)
			if apiErr == nil {
				t.Fatal("expected an error")
			}
			if apiErr.Kind != tt.wantKind || apiErr.HTTPStatusCode() != tt.wantStatus {
				t.Errorf("error = %s/%d, want %s/%d", apiErr.Kind, apiErr.HTTPStatusCode(), tt.wantKind, tt.wantStatus)
			}
			if n := len(backend.Requests()); n != tt.wantCalls {
				t.Errorf("backend calls = %d, want %d", n, tt.wantCalls)
			}
		})
	}
}

func TestStream_Content(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(metrics.Config{Enabled: true}, reg)
	p := newTestProvider(t, mockbackend.New(), WithMetrics(collector))

	s, err := p.Stream(context.Background(), chat("hello", true), "")
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	chunks := runStream(t, s)

	var text strings.Builder
	for _, c := range chunks[:len(chunks)-1] {
		if c.Done {
			t.Fatalf("done chunk before the end: %+v", c)
		}
		text.WriteString(c.Message.Content)
	}
	if want := mockbackend.Reply + " "; text.String() != want {
		t.Errorf("content = %q, want %q", text.String(), want)
	}

	last := chunks[len(chunks)-1]
	if !last.Done || last.DoneReason != "stop" || last.Metrics == nil {
		t.Errorf("last chunk = %+v", last)
	}

	words := len(strings.Fields(mockbackend.Reply))
	if got := counterValue(t, reg, "openai2ollama_gateway_stream_chunks_total", map[string]string{"kind": metrics.ChunkContent}); got != float64(words) {
		t.Errorf("content chunks metric = %v, want %d", got, words)
	}
	if got := counterValue(t, reg, "openai2ollama_gateway_stream_chunks_total", map[string]string{"kind": metrics.ChunkDone}); got != 1 {
		t.Errorf("done chunks metric = %v, want 1", got)
	}
}

func TestStream_ToolCallDeltas(t *testing.T) {
	p := newTestProvider(t, mockbackend.New())

	s, err := p.Stream(context.Background(), chat("weather in SF?", true, weatherTool), "")
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	chunks := runStream(t, s)

	var args strings.Builder
	for _, c := range chunks[:len(chunks)-1] {
		if len(c.Message.ToolCalls) != 1 {
			t.Fatalf("chunk tool_calls = %+v", c.Message.ToolCalls)
		}
		tc := c.Message.ToolCalls[0]
		if tc.Function.Name != mockbackend.ToolName || tc.ID != mockbackend.ToolCallID {
			t.Errorf("tool call = %+v", tc)
		}
		if frag, ok := tc.Function.Arguments.(string); ok {
			args.WriteString(frag)
		}
	}
	if args.String() != mockbackend.ToolArguments {
		t.Errorf("concatenated arguments = %q, want %q", args.String(), mockbackend.ToolArguments)
	}
	if last := chunks[len(chunks)-1]; last.DoneReason != "tool_calls" {
		t.Errorf("done_reason = %q", last.DoneReason)
	}
}

func TestStream_AccumulatedArguments(t *testing.T) {
	p := newTestProvider(t, mockbackend.New(), WithArgumentMode(translate.ArgumentsAccumulated))

	s, err := p.Stream(context.Background(), chat("weather?", true, weatherTool), "")
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	chunks := runStream(t, s)

	lastCall := chunks[len(chunks)-2].Message.ToolCalls[0]
	if lastCall.Function.Arguments != mockbackend.ToolArguments {
		t.Errorf("last streamed arguments = %v, want the full literal", lastCall.Function.Arguments)
	}
}

func TestStream_IncludeUsage(t *testing.T) {
	backend := mockbackend.New()
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(metrics.Config{Enabled: true}, reg)
	p := newTestProvider(t, backend, WithIncludeUsage(true), WithMetrics(collector))

	s, err := p.Stream(context.Background(), chat("hello", true), "")
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	chunks := runStream(t, s)

	last := chunks[len(chunks)-1]
	if last.PromptEvalCount != 0 || last.EvalCount != 0 {
		t.Errorf("done chunk counts = %d/%d, want zero", last.PromptEvalCount, last.EvalCount)
	}

	reqs := backend.Requests()
	if reqs[0].StreamOptions == nil || !reqs[0].StreamOptions.IncludeUsage {
		t.Errorf("stream_options = %+v", reqs[0].StreamOptions)
	}
	got := counterValue(t, reg, "openai2ollama_gateway_tokens_total", map[string]string{
		"model": "llama3", "type": "prompt", "source": metrics.SourceBackend,
	})
	if got != 10 {
		t.Errorf("prompt tokens metric = %v, want 10", got)
	}
}

func TestStream_BackendStatusError(t *testing.T) {
	backend := mockbackend.New()
	backend.FailWith(http.StatusServiceUnavailable, "upstream overloaded")
	p := newTestProvider(t, backend)

	s, err := p.Stream(context.Background(), chat("hello", true), "")
	if err == nil {
		t.Fatal("expected an error before any chunk")
	}
	if s != nil {
		t.Error("no stream should be returned on error")
	}
	if !domain.IsKind(err, domain.KindBackendUnavailable) {
		t.Errorf("err = %v, want backend_unavailable", err)
	}
}

func TestStream_EmitErrorStops(t *testing.T) {
	p := newTestProvider(t, mockbackend.New())

	s, err := p.Stream(context.Background(), chat("hello", true), "")
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	emitted := 0
	err = s.Run(func(c *ollama.ChatResponse) error {
		emitted++
		return io.ErrClosedPipe
	})
	if err == nil {
		t.Fatal("expected the emit error to be returned")
	}
	if emitted != 1 {
		t.Errorf("emitted %d chunks after failure, want 1", emitted)
	}
}

func TestListModels(t *testing.T) {
	p := newTestProvider(t, mockbackend.New())

	list, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}
	if len(list.Data) != 1 || list.Data[0].ID != mockbackend.Model {
		t.Errorf("models = %+v", list.Data)
	}
}

func TestCatalog(t *testing.T) {
	var nilCatalog *Catalog
	if nilCatalog.Entries() != nil {
		t.Error("nil catalog should have no entries")
	}
	if got := nilCatalog.Resolve("llama3"); got != "llama3" {
		t.Errorf("nil catalog Resolve = %q", got)
	}

	entries := []ModelEntry{
		{Name: "llama3", BackendModel: "gpt-4o"},
		{Name: "mistral"},
	}
	c := NewCatalog(entries)
	entries[0].BackendModel = "mutated"

	tests := []struct {
		model string
		want  string
	}{
		{"llama3", "gpt-4o"},
		{"mistral", "mistral"},
		{"unknown", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := c.Resolve(tt.model); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.model, got, tt.want)
			}
		})
	}

	c.Set([]ModelEntry{{Name: "qwen"}})
	if got := c.Entries(); len(got) != 1 || got[0].Name != "qwen" {
		t.Errorf("entries after Set = %+v", got)
	}
}

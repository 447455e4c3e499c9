package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testConfig() Config {
	return Config{
		Enabled:                true,
		Namespace:              "test",
		Subsystem:              "gateway",
		RequestDurationBuckets: []float64{0.1, 0.5, 1.0, 5.0},
	}
}

func TestCollector_RecordRequest(t *testing.T) {
	c := NewCollector(testConfig(), prometheus.NewRegistry())

	c.RecordRequest("llama3", true, "success", 200*time.Millisecond)
	c.RecordRequest("llama3", true, "success", 300*time.Millisecond)
	c.RecordRequest("llama3", false, "error", 10*time.Millisecond)

	if got := testutil.ToFloat64(c.requests.WithLabelValues("llama3", "true", "success")); got != 2 {
		t.Errorf("streamed successes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.requests.WithLabelValues("llama3", "false", "error")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(c.duration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestCollector_RecordTokens(t *testing.T) {
	c := NewCollector(testConfig(), nil)

	c.RecordTokens("llama3", SourceBackend, 10, 20)
	c.RecordTokens("llama3", SourceEstimated, 0, 5)

	if got := testutil.ToFloat64(c.tokens.WithLabelValues("llama3", "prompt", SourceBackend)); got != 10 {
		t.Errorf("prompt tokens = %v, want 10", got)
	}
	if got := testutil.ToFloat64(c.tokens.WithLabelValues("llama3", "completion", SourceEstimated)); got != 5 {
		t.Errorf("estimated completion tokens = %v, want 5", got)
	}
	if n := testutil.CollectAndCount(c.tokens); n != 3 {
		t.Errorf("token series = %d, want 3 (zero counts are not recorded)", n)
	}
}

func TestCollector_ChunksAndToolCalls(t *testing.T) {
	c := NewCollector(testConfig(), nil)

	c.RecordChunk(ChunkContent)
	c.RecordChunk(ChunkContent)
	c.RecordChunk(ChunkDone)
	c.RecordToolCalls("llama3", 2)
	c.RecordToolCalls("llama3", 0)
	c.RecordError("backend_unavailable")

	if got := testutil.ToFloat64(c.chunks.WithLabelValues(ChunkContent)); got != 2 {
		t.Errorf("content chunks = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.toolCalls.WithLabelValues("llama3")); got != 2 {
		t.Errorf("tool calls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.errors.WithLabelValues("backend_unavailable")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
}

func TestCollector_DisabledAndNil(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	c := NewCollector(cfg, nil)

	c.RecordRequest("llama3", true, "success", time.Second)
	c.RecordChunk(ChunkDone)
	if n := testutil.CollectAndCount(c.requests); n != 0 {
		t.Errorf("disabled collector recorded %d series", n)
	}

	var nilCollector *Collector
	nilCollector.RecordRequest("llama3", true, "success", time.Second)
	nilCollector.RecordError("server")
	nilCollector.RecordTokens("llama3", SourceBackend, 1, 1)
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector(testConfig(), nil)
	c.RecordChunk(ChunkToolCall)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `test_gateway_stream_chunks_total{kind="tool_call"} 1`) {
		t.Errorf("exposition missing chunk counter:\n%s", body)
	}
}

// Package metrics exposes Prometheus metrics for the gateway.
//
// Metrics:
//   - openai2ollama_gateway_requests_total: chat requests by model, mode and outcome
//   - openai2ollama_gateway_request_duration_seconds: chat request latency
//   - openai2ollama_gateway_backend_errors_total: backend failures by error kind
//   - openai2ollama_gateway_tokens_total: prompt/completion tokens by source
//   - openai2ollama_gateway_stream_chunks_total: NDJSON chunks written by kind
//   - openai2ollama_gateway_tool_calls_total: tool calls returned to clients
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures the collector.
type Config struct {
	Enabled   bool
	Namespace string
	Subsystem string
	// RequestDurationBuckets are the histogram buckets for request latency.
	RequestDurationBuckets []float64
}

// Chunk kinds recorded by RecordChunk.
const (
	ChunkContent  = "content"
	ChunkToolCall = "tool_call"
	ChunkDone     = "done"
)

// Token sources recorded by RecordTokens.
const (
	SourceBackend   = "backend"
	SourceEstimated = "estimated"
)

// Collector holds the gateway's metric instances. A nil or disabled
// Collector records nothing.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	errors    *prometheus.CounterVec
	tokens    *prometheus.CounterVec
	chunks    *prometheus.CounterVec
	toolCalls *prometheus.CounterVec
}

// NewCollector creates a collector and registers its metrics with registry.
// If registry is nil a fresh one is created.
func NewCollector(cfg Config, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "openai2ollama"
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = "gateway"
	}
	if len(cfg.RequestDurationBuckets) == 0 {
		// LLM latencies, 100ms - 60s
		cfg.RequestDurationBuckets = []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0}
	}

	c := &Collector{
		config:   cfg,
		registry: registry,

		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "requests_total",
				Help:      "Total number of chat requests",
			},
			[]string{"model", "stream", "status"},
		),

		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_duration_seconds",
				Help:      "Chat request duration in seconds",
				Buckets:   cfg.RequestDurationBuckets,
			},
			[]string{"model", "stream"},
		),

		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "backend_errors_total",
				Help:      "Total number of failed chat requests by error kind",
			},
			[]string{"kind"},
		),

		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "tokens_total",
				Help:      "Total number of tokens by type and source",
			},
			[]string{"model", "type", "source"},
		),

		chunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "stream_chunks_total",
				Help:      "Total number of streamed chunks written to clients",
			},
			[]string{"kind"},
		),

		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "tool_calls_total",
				Help:      "Total number of tool calls returned to clients",
			},
			[]string{"model"},
		),
	}

	registry.MustRegister(
		c.requests,
		c.duration,
		c.errors,
		c.tokens,
		c.chunks,
		c.toolCalls,
	)

	return c
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled
}

// Registry returns the registry the collector's metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordRequest records a finished chat request.
func (c *Collector) RecordRequest(model string, stream bool, status string, duration time.Duration) {
	if !c.enabled() {
		return
	}
	mode := streamLabel(stream)
	c.requests.WithLabelValues(model, mode, status).Inc()
	c.duration.WithLabelValues(model, mode).Observe(duration.Seconds())
}

// RecordError records a failed chat request by error kind.
func (c *Collector) RecordError(kind string) {
	if !c.enabled() {
		return
	}
	c.errors.WithLabelValues(kind).Inc()
}

// RecordTokens records prompt and completion token counts.
func (c *Collector) RecordTokens(model, source string, prompt, completion int) {
	if !c.enabled() {
		return
	}
	if prompt > 0 {
		c.tokens.WithLabelValues(model, "prompt", source).Add(float64(prompt))
	}
	if completion > 0 {
		c.tokens.WithLabelValues(model, "completion", source).Add(float64(completion))
	}
}

// RecordChunk records one streamed chunk of the given kind.
func (c *Collector) RecordChunk(kind string) {
	if !c.enabled() {
		return
	}
	c.chunks.WithLabelValues(kind).Inc()
}

// RecordToolCalls records n tool calls returned for model.
func (c *Collector) RecordToolCalls(model string, n int) {
	if !c.enabled() || n <= 0 {
		return
	}
	c.toolCalls.WithLabelValues(model).Add(float64(n))
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(
		c.registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			ErrorHandling:     promhttp.ContinueOnError,
		},
	)
}

func streamLabel(stream bool) string {
	if stream {
		return "true"
	}
	return "false"
}

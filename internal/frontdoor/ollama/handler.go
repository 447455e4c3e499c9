// Package ollama serves the Ollama HTTP API on top of the chat provider.
package ollama

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	api "github.com/gaoyifan/openai2ollama/internal/api/ollama"
	"github.com/gaoyifan/openai2ollama/internal/domain"
	"github.com/gaoyifan/openai2ollama/internal/metrics"
	"github.com/gaoyifan/openai2ollama/internal/provider"
	"github.com/gaoyifan/openai2ollama/internal/server"
)

const (
	// DefaultVersion is reported by /api/version when none is configured.
	DefaultVersion = "0.5.0"

	heartbeat   = "Ollama is running"
	ndjsonType  = "application/x-ndjson"
	jsonType    = "application/json"
	statusOK    = "success"
	statusError = "error"
	// Client went away before the stream finished.
	statusCanceled = "canceled"
)

// Config configures a Handler.
type Config struct {
	Provider *provider.Provider
	// Catalog, when it has entries, replaces the backend model list.
	Catalog *provider.Catalog
	Metrics *metrics.Collector
	// RequestTimeout bounds non-streaming chat and metadata calls. Zero
	// disables it. Streams are never cut off.
	RequestTimeout time.Duration
	Version        string
	Logger         *slog.Logger
}

// Handler serves the Ollama API routes.
type Handler struct {
	provider       *provider.Provider
	catalog        *provider.Catalog
	metrics        *metrics.Collector
	requestTimeout time.Duration
	version        string
	logger         *slog.Logger
}

// NewHandler creates a Handler, defaulting the version and logger.
func NewHandler(cfg Config) *Handler {
	h := &Handler{
		provider:       cfg.Provider,
		catalog:        cfg.Catalog,
		metrics:        cfg.Metrics,
		requestTimeout: cfg.RequestTimeout,
		version:        cfg.Version,
		logger:         cfg.Logger,
	}
	if h.version == "" {
		h.version = DefaultVersion
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Registration is one route served by the handler.
type Registration struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
	// Bounded routes run under the request timeout.
	Bounded bool
}

// Registrations lists the routes of the Ollama API.
func (h *Handler) Registrations() []Registration {
	return []Registration{
		{Method: http.MethodGet, Path: "/", Handler: h.HandleHeartbeat},
		{Method: http.MethodHead, Path: "/", Handler: h.HandleHeartbeat},
		{Method: http.MethodGet, Path: "/api/version", Handler: h.HandleVersion},
		{Method: http.MethodPost, Path: "/api/chat", Handler: h.HandleChat},
		{Method: http.MethodGet, Path: "/api/tags", Handler: h.HandleTags, Bounded: true},
		{Method: http.MethodPost, Path: "/api/show", Handler: h.HandleShow, Bounded: true},
	}
}

// Mount registers every route on r.
func (h *Handler) Mount(r chi.Router) {
	timeout := server.TimeoutMiddleware(h.requestTimeout)
	for _, reg := range h.Registrations() {
		var handler http.Handler = reg.Handler
		if reg.Bounded {
			handler = timeout(handler)
		}
		r.Method(reg.Method, reg.Path, handler)
	}
}

// HandleHeartbeat serves GET and HEAD / with the liveness banner.
func (h *Handler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write([]byte(heartbeat))
	}
}

// HandleVersion serves GET /api/version.
func (h *Handler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.VersionResponse{Version: h.version})
}

// HandleChat serves POST /api/chat in streaming (NDJSON) or single-response
// mode depending on the request's stream flag.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req api.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiErr := domain.ErrInvalidRequest(fmt.Sprintf("invalid JSON body: %v", err)).WithCause(err)
		h.writeError(w, r, apiErr)
		h.recordRequest(r.Context(), &req, false, apiErr, start)
		return
	}

	stream := req.IsStream()
	server.AddLogField(r.Context(), "model", req.Model)
	server.AddLogField(r.Context(), "stream", strconv.FormatBool(stream))

	var err error
	if stream {
		err = h.handleStream(w, r, &req)
	} else {
		err = h.handleComplete(w, r, &req)
	}
	h.recordRequest(r.Context(), &req, stream, err, start)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request, req *api.ChatRequest) error {
	ctx := r.Context()
	if h.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}

	resp, err := h.provider.Complete(ctx, req, r.UserAgent())
	if err != nil {
		h.writeError(w, r, err)
		return err
	}

	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request, req *api.ChatRequest) error {
	s, err := h.provider.Stream(r.Context(), req, r.UserAgent())
	if err != nil {
		h.writeError(w, r, err)
		return err
	}

	// Headers go out with the first chunk so an error on the first backend
	// event can still be reported with a proper status.
	var (
		started  bool
		writeErr error
	)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	err = s.Run(func(chunk *api.ChatResponse) error {
		if !started {
			started = true
			w.Header().Set("Content-Type", ndjsonType)
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
		}
		if writeErr = enc.Encode(chunk); writeErr != nil {
			return writeErr
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err == nil {
		return nil
	}

	if r.Context().Err() != nil || writeErr != nil {
		server.AddError(r.Context(), err)
		h.logger.Debug("client disconnected mid-stream",
			slog.String("request_id", server.GetRequestID(r.Context())),
			slog.String("model", req.Model),
		)
		return err
	}

	if !started {
		h.writeError(w, r, err)
		return err
	}

	// The status is already sent; the error travels as the last NDJSON line.
	apiErr := domain.ToAPIError(err)
	server.AddError(r.Context(), err)
	h.logger.Warn("stream ended with error",
		slog.String("request_id", server.GetRequestID(r.Context())),
		slog.String("model", req.Model),
		slog.String("error", err.Error()),
	)
	if encErr := enc.Encode(api.ErrorResponse{Error: apiErr.Message}); encErr == nil && flusher != nil {
		flusher.Flush()
	}
	return err
}

// HandleTags serves GET /api/tags from the configured models, or from the
// backend's model list when none are configured.
func (h *Handler) HandleTags(w http.ResponseWriter, r *http.Request) {
	if entries := h.catalog.Entries(); len(entries) > 0 {
		models := make([]api.ModelEntry, 0, len(entries))
		for _, e := range entries {
			models = append(models, modelEntry(e.Name, e.Size))
		}
		writeJSON(w, http.StatusOK, api.TagsResponse{Models: models})
		return
	}

	list, err := h.provider.ListModels(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	models := make([]api.ModelEntry, 0, len(list.Data))
	for _, m := range list.Data {
		models = append(models, modelEntry(m.ID, 0))
	}
	writeJSON(w, http.StatusOK, api.TagsResponse{Models: models})
}

// HandleShow serves POST /api/show with placeholder model metadata.
func (h *Handler) HandleShow(w http.ResponseWriter, r *http.Request) {
	var req api.ShowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, domain.ErrInvalidRequest(fmt.Sprintf("invalid JSON body: %v", err)).WithCause(err))
		return
	}

	name := req.Model
	if name == "" {
		name = req.Name
	}
	if name == "" {
		h.writeError(w, r, domain.ErrInvalidRequest("name is required"))
		return
	}
	server.AddLogField(r.Context(), "model", name)

	writeJSON(w, http.StatusOK, api.ShowResponse{
		License:    "MIT",
		Modelfile:  "# Modelfile",
		Parameters: `stop "` + "\n" + `"`,
		Template:   "{{ .System }}\n{{ .Prompt }}",
		Details:    api.DefaultModelDetails(),
	})
}

func (h *Handler) recordRequest(ctx context.Context, req *api.ChatRequest, stream bool, err error, start time.Time) {
	status := statusOK
	switch {
	case err == nil:
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		status = statusCanceled
	default:
		status = statusError
		if apiErr := domain.ToAPIError(err); apiErr != nil {
			h.metrics.RecordError(string(apiErr.Kind))
		}
	}
	h.metrics.RecordRequest(req.Model, stream, status, time.Since(start))
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := domain.ToAPIError(err)
	server.AddError(r.Context(), err)
	writeJSON(w, apiErr.HTTPStatusCode(), api.ErrorResponse{Error: apiErr.Message})
}

func modelEntry(name string, size int64) api.ModelEntry {
	return api.ModelEntry{
		Name:       name,
		Model:      name,
		ModifiedAt: api.CreatedAt,
		Size:       size,
		Digest:     digest(name),
		Details:    api.DefaultModelDetails(),
	}
}

// digest is a stable placeholder; there are no model blobs to hash.
func digest(name string) string {
	sum := sha256.Sum256([]byte(name))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package server is the client-facing protocol adapter: it converts wire
// JSON into inference requests handed to the backend and serializes results
// back. Liveness, readiness, and metadata are read-only unary calls with no
// batching or priority semantics.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/keelframe/keel/internal/backend"
	"github.com/keelframe/keel/internal/model"
	"github.com/keelframe/keel/internal/schedule"
)

type Config struct {
	ServerName    string
	ServerVersion string
	Logger        *zap.Logger
}

type Server struct {
	backend  *backend.Backend
	gatherer prometheus.Gatherer

	name    string
	version string
	logger  *zap.Logger
}

func New(b *backend.Backend, gatherer prometheus.Gatherer, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "keel"
	}
	return &Server{
		backend:  b,
		gatherer: gatherer,
		name:     cfg.ServerName,
		version:  cfg.ServerVersion,
		logger:   logger.With(zap.String("component", "http")),
	}
}

// Handler builds the full route tree with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Recovery(s.logger))
	r.Use(RequestLogger(s.logger))

	r.Get("/v2", s.handleServerMetadata)
	r.Get("/v2/health/live", s.handleLive)
	r.Get("/v2/health/ready", s.handleReady)
	r.Get("/v2/models/{model}", s.handleModelMetadata)
	r.Get("/v2/models/{model}/ready", s.handleModelReady)
	r.Get("/v2/models/{model}/config", s.handleModelConfig)
	r.Post("/v2/models/{model}/infer", s.handleInfer)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.backend.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleModelReady(w http.ResponseWriter, r *http.Request) {
	if !s.checkModel(w, r) {
		return
	}
	if !s.backend.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleServerMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       s.name,
		"version":    s.version,
		"extensions": []string{"model_config", "metrics"},
	})
}

func (s *Server) handleModelMetadata(w http.ResponseWriter, r *http.Request) {
	if !s.checkModel(w, r) {
		return
	}
	cfg := s.backend.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":     cfg.Name,
		"versions": []string{fmt.Sprintf("%d", cfg.Version)},
		"platform": s.backend.Platform(),
		"inputs":   specsJSON(cfg.Inputs),
		"outputs":  specsJSON(cfg.Outputs),
	})
}

func (s *Server) handleModelConfig(w http.ResponseWriter, r *http.Request) {
	if !s.checkModel(w, r) {
		return
	}
	cfg := s.backend.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":                   cfg.Name,
		"version":                cfg.Version,
		"platform":               cfg.Platform,
		"max_batch_size":         cfg.MaxBatchSize,
		"preferred_batch_sizes":  cfg.PreferredBatchSizes,
		"max_queue_delay":        cfg.MaxQueueDelay.Std().String(),
		"instance_count":         cfg.InstanceCount,
		"default_priority_level": cfg.DefaultPriorityLevel,
		"max_priority_level":     cfg.MaxPriorityLevel,
		"inputs":                 specsJSON(cfg.Inputs),
		"outputs":                specsJSON(cfg.Outputs),
	})
}

func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	if !s.checkModel(w, r) {
		return
	}
	var body inferRequestJSON
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request payload: %w", err))
		return
	}
	if len(body.Inputs) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("at least one input is required"))
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}

	if len(body.Inputs[0].Shape) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("input %q requires a shape", body.Inputs[0].Name))
		return
	}
	req := &model.InferenceRequest{
		ID:           body.ID,
		BatchSize:    int(body.Inputs[0].Shape[0]),
		Priority:     body.Priority,
		QueueTimeout: time.Duration(body.TimeoutMS) * time.Millisecond,
	}
	for _, in := range body.Inputs {
		tensor, err := decodeTensor(in)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req.Inputs = append(req.Inputs, tensor)
	}
	for _, out := range body.Outputs {
		req.Outputs = append(req.Outputs, out.Name)
	}

	handle, err := s.backend.Run(nil, req)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	resp, err := handle.Wait(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	out := inferResponseJSON{
		ID:           req.ID,
		ModelName:    s.backend.Name(),
		ModelVersion: s.backend.Version(),
	}
	for _, tensor := range resp.Outputs {
		encoded, encErr := encodeTensor(tensor)
		if encErr != nil {
			writeError(w, http.StatusInternalServerError, encErr)
			return
		}
		out.Outputs = append(out.Outputs, encoded)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) checkModel(w http.ResponseWriter, r *http.Request) bool {
	name := chi.URLParam(r, "model")
	if name != s.backend.Name() {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown model %q", name))
		return false
	}
	return true
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, backend.ErrInvalidRequest), errors.Is(err, schedule.ErrInvalidPriority):
		return http.StatusBadRequest
	case errors.Is(err, backend.ErrModelNotReady),
		errors.Is(err, schedule.ErrNotReady),
		errors.Is(err, schedule.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, schedule.ErrQueueTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func specsJSON(specs []model.TensorSpec) []map[string]any {
	out := make([]map[string]any, 0, len(specs))
	for _, spec := range specs {
		out = append(out, map[string]any{
			"name":            spec.Name,
			"datatype":        spec.Datatype,
			"shape":           spec.Shape,
			"is_shape_tensor": spec.IsShapeTensor,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, err error) {
	writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}

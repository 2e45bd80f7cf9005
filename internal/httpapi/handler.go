// Package httpapi exposes the inference server's HTTP surface: model
// lifecycle management, prediction, and health reporting.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mixaill76/inference-server/internal/health"
	"github.com/mixaill76/inference-server/internal/modelcache"
	"github.com/mixaill76/inference-server/internal/modelkey"
	"github.com/mixaill76/inference-server/internal/monitoring"
	"github.com/mixaill76/inference-server/internal/predictionlog"
	"github.com/mixaill76/inference-server/internal/scheduler"
	"github.com/mixaill76/inference-server/internal/utils"
)

const requestIDHeader = "X-Request-ID"

// Handler serves the model lifecycle and prediction endpoints. It holds no
// state of its own beyond its collaborators; all bookkeeping lives in the
// cache and pipeline it wraps.
type Handler struct {
	cache       *modelcache.Cache
	logPipeline *predictionlog.Pipeline
	healthCheck *health.DBHealthChecker
	metrics     *monitoring.Metrics
	logger      *slog.Logger

	defaultBatchSize   int
	defaultBatchWaitMs int
}

// Config bundles the handler's collaborators and auto-load defaults.
type Config struct {
	Cache              *modelcache.Cache
	LogPipeline        *predictionlog.Pipeline
	HealthCheck        *health.DBHealthChecker
	Metrics            *monitoring.Metrics
	Logger             *slog.Logger
	DefaultBatchSize   int
	DefaultBatchWaitMs int
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	return &Handler{
		cache:              cfg.Cache,
		logPipeline:        cfg.LogPipeline,
		healthCheck:        cfg.HealthCheck,
		metrics:            cfg.Metrics,
		logger:             cfg.Logger,
		defaultBatchSize:   cfg.DefaultBatchSize,
		defaultBatchWaitMs: cfg.DefaultBatchWaitMs,
	}
}

// ServeHTTP dispatches on method and path, attaching a correlation ID to
// every request and recording its outcome in the request metrics.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	requestID := req.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, requestID)
	req = req.WithContext(context.WithValue(req.Context(), requestIDKey{}, requestID))

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()

	endpoint := h.route(rec, req)

	if h.metrics != nil {
		h.metrics.RecordRequest(endpoint, rec.status, time.Since(start))
	}
}

type requestIDKey struct{}

func requestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// statusRecorder captures the status code written so it can be reported to
// metrics after the handler returns.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// route dispatches to the matching handler and returns a low-cardinality
// endpoint label for metrics.
func (h *Handler) route(w http.ResponseWriter, req *http.Request) string {
	path := req.URL.Path

	switch {
	case path == "/models/load" && req.Method == http.MethodPost:
		h.handleLoad(w, req)
		return "/models/load"

	case path == "/models/unload" && req.Method == http.MethodPost:
		h.handleUnload(w, req)
		return "/models/unload"

	case path == "/models" && req.Method == http.MethodGet:
		h.handleList(w, req)
		return "/models"

	case path == "/health" && req.Method == http.MethodGet:
		h.handleHealth(w, req)
		return "/health"
	}

	if name, version, ok := parsePredictPath(path); ok && req.Method == http.MethodPost {
		h.handlePredict(w, req, name, version)
		return "/models/{name}/versions/{version}/predict"
	}

	writeError(w, http.StatusNotFound, "no such endpoint", "not_found")
	return "unmatched"
}

// parsePredictPath extracts {name} and {version} from
// "/models/{name}/versions/{version}/predict".
func parsePredictPath(path string) (name, version string, ok bool) {
	const prefix = "/models/"
	const middle = "/versions/"
	const suffix = "/predict"

	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return "", "", false
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	idx := strings.Index(inner, middle)
	if idx < 0 {
		return "", "", false
	}
	name = inner[:idx]
	version = inner[idx+len(middle):]
	if name == "" || version == "" {
		return "", "", false
	}
	return name, version, true
}

type loadRequest struct {
	ModelName   string `json:"model_name"`
	Version     string `json:"version"`
	BatchSize   int    `json:"batch_size,omitempty"`
	BatchWaitMs int    `json:"batch_wait_ms,omitempty"`
}

func (h *Handler) handleLoad(w http.ResponseWriter, req *http.Request) {
	var body loadRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body", "bad_request")
		return
	}

	key, err := modelkey.New(body.ModelName, body.Version)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}

	status, size, err := h.cache.Load(req.Context(), key, modelcache.LoadOptions{
		BatchSize:   body.BatchSize,
		BatchWaitMs: body.BatchWaitMs,
	})
	if err != nil {
		h.respondLoadError(w, key, err)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordCacheLoad(key.Name, key.Version, status == modelcache.StatusAlreadyLoaded)
		h.metrics.SetCacheSize(size)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"cache_size": size,
	})
}

func (h *Handler) respondLoadError(w http.ResponseWriter, key modelkey.Key, err error) {
	switch {
	case errors.Is(err, modelcache.ErrRegistryMissing):
		h.logger.Warn("load: registry miss", "model", key.String())
		writeError(w, http.StatusNotFound, "no such model version", "registry_missing")
	default:
		h.logger.Error("load: failed", "model", key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "model load failed", "load_failure")
	}
}

type unloadRequest struct {
	ModelName string `json:"model_name"`
	Version   string `json:"version"`
}

func (h *Handler) handleUnload(w http.ResponseWriter, req *http.Request) {
	var body unloadRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body", "bad_request")
		return
	}

	key, err := modelkey.New(body.ModelName, body.Version)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}

	status, size := h.cache.Unload(key)
	if h.metrics != nil {
		h.metrics.SetCacheSize(size)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"cache_size": size,
	})
}

func (h *Handler) handleList(w http.ResponseWriter, _ *http.Request) {
	descriptors := h.cache.List()

	type loadedModel struct {
		Name       string    `json:"name"`
		Version    string    `json:"version"`
		Framework  string    `json:"framework"`
		LoadedAt   time.Time `json:"loaded_at"`
		LastUsedAt time.Time `json:"last_used_at"`
	}

	models := make([]loadedModel, 0, len(descriptors))
	for _, d := range descriptors {
		models = append(models, loadedModel{
			Name:       d.Key.Name,
			Version:    d.Key.Version,
			Framework:  d.Framework,
			LoadedAt:   d.LoadedAt,
			LastUsedAt: d.LastUsedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"loaded_models": models,
		"count":         len(models),
		"max_capacity":  h.cache.Capacity(),
	})
}

type predictRequest struct {
	Features []float64 `json:"features"`
}

func (h *Handler) handlePredict(w http.ResponseWriter, req *http.Request, name, version string) {
	key, err := modelkey.New(name, version)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}

	var body predictRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || len(body.Features) == 0 {
		writeError(w, http.StatusBadRequest, "features must be a non-empty array of numbers", "bad_request")
		return
	}

	start := time.Now()
	label, err := h.cache.Predict(req.Context(), key, body.Features)
	if errors.Is(err, modelcache.ErrNotLoaded) {
		// Exactly one auto-load attempt using default batching parameters,
		// then retry the prediction exactly once. Any auto-load failure is
		// logged and treated as a plain NotLoaded for the handler.
		if _, _, loadErr := h.cache.Load(req.Context(), key, modelcache.LoadOptions{
			BatchSize:   h.defaultBatchSize,
			BatchWaitMs: h.defaultBatchWaitMs,
		}); loadErr != nil {
			h.logger.Warn("predict: auto-load failed", "model", key.String(), "error", loadErr)
		}
		label, err = h.cache.Predict(req.Context(), key, body.Features)
	}
	latency := time.Since(start)

	if err != nil {
		h.respondPredictError(w, key, err)
		return
	}

	if h.logPipeline != nil {
		h.logPipeline.Submit(predictionlog.Record{
			CorrelationID: requestIDFromContext(req.Context()),
			Key:           key,
			Features:      body.Features,
			Prediction:    label,
			LatencyMs:     latency.Milliseconds(),
			ClientAddr:    req.RemoteAddr,
			CreatedAt:     utils.NowUTC(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"prediction":    label,
		"model_name":    key.Name,
		"model_version": key.Version,
	})
}

func (h *Handler) respondPredictError(w http.ResponseWriter, key modelkey.Key, err error) {
	switch {
	case errors.Is(err, modelcache.ErrNotLoaded):
		writeError(w, http.StatusNotFound, "model not loaded", "not_loaded")
	case errors.Is(err, scheduler.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, "model is shutting down", "shutdown")
	case errors.Is(err, scheduler.ErrPredictorFailure):
		h.logger.Error("predict: predictor invocation failed", "model", key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "prediction failed", "predictor_failure")
	case errors.Is(err, scheduler.ErrCancelled):
		// The caller is already gone; nothing to write.
	default:
		h.logger.Error("predict: unexpected error", "model", key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "prediction failed", "internal_error")
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	descriptors := h.cache.List()

	status := "healthy"
	httpStatus := http.StatusOK
	if h.healthCheck != nil && !h.healthCheck.IsHealthy() {
		status = "degraded"
		httpStatus = http.StatusOK // registry being unhealthy does not take predict traffic down
	}

	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.Key.String())
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":             status,
		"loaded_models_count": len(descriptors),
		"max_capacity":        h.cache.Capacity(),
		"models":              names,
	})
}

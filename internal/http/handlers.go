package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-rag-service/internal/lifecycle"
	"github.com/kjstillabower/weather-rag-service/internal/observability"
	"github.com/kjstillabower/weather-rag-service/internal/traffic"
	"github.com/kjstillabower/weather-rag-service/internal/validation"
)

const (
	serviceName      = "weather-rag-service"
	defaultVersion   = "dev"
	maxChatBodyBytes = 64 << 10
)

// Version is set at build time with -ldflags "-X .../internal/http.Version=...".
var Version = defaultVersion

// Answerer turns a validated query into a response. The agent implements it.
type Answerer interface {
	Answer(ctx context.Context, query string) string
}

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// CachePing, when set, is called to check cache reachability. Used for remote backends.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	agent            Answerer
	tracker          *traffic.Tracker
	healthConfig     *HealthConfig
	logger           *zap.Logger
	maxQueryLength   int
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. tracker and healthConfig may be nil.
func NewHandler(agent Answerer, tracker *traffic.Tracker, healthConfig *HealthConfig, logger *zap.Logger, maxQueryLength int) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		agent:          agent,
		tracker:        tracker,
		healthConfig:   healthConfig,
		logger:         logger,
		maxQueryLength: maxQueryLength,
	}
}

// GetRoot handles GET /.
func (h *Handler) GetRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": serviceName,
		"version": Version,
		"status":  "running",
		"endpoints": map[string]string{
			"chat":    "POST /chat",
			"health":  "GET /health",
			"metrics": "GET /metrics",
		},
	})
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Response string `json:"response"`
}

// PostChat handles POST /chat.
func (h *Handler) PostChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "request body must be JSON with a message field")
		return
	}

	query, err := validation.ValidateQuery(req.Message, h.maxQueryLength)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, validationCode(err), err.Error())
		return
	}

	response := h.agent.Answer(r.Context(), query)
	writeJSON(w, http.StatusOK, chatResponse{Response: response})
}

func validationCode(err error) string {
	switch {
	case errors.Is(err, validation.ErrQueryEmpty):
		return "EMPTY_MESSAGE"
	case errors.Is(err, validation.ErrQueryTooLong):
		return "MESSAGE_TOO_LONG"
	default:
		return "INVALID_MESSAGE"
	}
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"pipeline": "healthy"}
	if result.status == "degraded" {
		checks["pipeline"] = "unhealthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if err := h.healthConfig.CachePing(); err != nil {
			checks["cache"] = "unhealthy"
			observability.LoggerFrom(r.Context(), h.logger).Warn("cache ping failed", zap.Error(err))
		} else {
			checks["cache"] = "healthy"
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   serviceName,
		"version":   Version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.tracker != nil && h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		window := h.healthConfig.DegradedWindow
		errs, total := h.tracker.ErrorRate(window)
		resp["traffic"] = map[string]interface{}{
			"window":   window.String(),
			"answered": total,
			"errors":   errs,
			"denied":   h.tracker.DenialCount(window),
		}
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > starting > degraded > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	switch lifecycle.Current() {
	case lifecycle.PhaseDraining:
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	case lifecycle.PhaseStarting:
		return healthResult{"starting", http.StatusServiceUnavailable, "not_ready"}
	}
	if h.tracker != nil && h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		if h.tracker.Degraded(h.healthConfig.DegradedWindow, h.healthConfig.DegradedErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

package http

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-rag-service/internal/observability"
	"github.com/kjstillabower/weather-rag-service/internal/traffic"
)

// RouterConfig carries the cross-cutting pieces shared by the routes.
type RouterConfig struct {
	Logger  *zap.Logger
	Limiter *rate.Limiter // nil disables rate limiting
	Tracker *traffic.Tracker
}

// NewRouter registers GET /, POST /chat, GET /health and GET /metrics.
// Only /chat is rate limited and CORS-enabled.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(cfg.Logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/", h.GetRoot).Methods("GET")
	router.HandleFunc("/health", h.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler()).Methods("GET")

	chat := CORSMiddleware(RateLimitMiddleware(cfg.Limiter, cfg.Tracker)(http.HandlerFunc(h.PostChat)))
	router.Handle("/chat", chat).Methods("POST", "OPTIONS")
	return router
}

package http

import (
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/trustlens/trustlens/internal/engine"
	"github.com/trustlens/trustlens/internal/observability"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// AllowedOrigins for CORS; empty disables the CORS handler
	AllowedOrigins []string

	// AccessLog receives combined-format access logs; nil disables them
	AccessLog io.Writer
}

// NewRouter builds the HTTP API over eng. metrics may be nil.
func NewRouter(eng *engine.Engine, metrics *observability.Metrics, cfg RouterConfig) http.Handler {
	evals := NewEvaluationHandler(eng)
	queries := NewQueryHandler(eng)

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found", GetRequestID(r.Context()))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", GetRequestID(r.Context()))
	})

	route := func(path string, h http.HandlerFunc, methods ...string) {
		r.Handle(path, metrics.WrapHandler(path, h)).Methods(methods...)
	}

	route("/v1/evaluations", evals.Submit, http.MethodPost)
	route("/v1/evaluations", evals.List, http.MethodGet)
	route("/v1/evaluations/{id}", evals.Get, http.MethodGet)
	route("/v1/snapshot", queries.Snapshot, http.MethodGet)
	route("/v1/trend", queries.Trend, http.MethodGet)
	route("/v1/summary", queries.Summary, http.MethodGet)
	route("/health", queries.Health, http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}

	r.Use(mux.MiddlewareFunc(DefaultMiddleware()))

	var h http.Handler = r
	if len(cfg.AllowedOrigins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(cfg.AllowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type", "X-Request-ID"}),
			handlers.ExposedHeaders([]string{"X-Request-ID"}),
		)(h)
	}
	if cfg.AccessLog != nil {
		h = handlers.CombinedLoggingHandler(cfg.AccessLog, h)
	}
	return h
}

package http

import (
	"net/http"

	"github.com/trustlens/trustlens/internal/engine"
	"github.com/trustlens/trustlens/internal/query"
)

// QueryHandler serves the read-only aggregate views.
type QueryHandler struct {
	engine *engine.Engine
}

// NewQueryHandler creates a new query handler.
func NewQueryHandler(eng *engine.Engine) *QueryHandler {
	return &QueryHandler{engine: eng}
}

// Snapshot handles GET /v1/snapshot.
func (h *QueryHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Query().GetSnapshot())
}

// Trend handles GET /v1/trend?days=N. The response is the ordered list of
// days, oldest first.
func (h *QueryHandler) Trend(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	days, err := intParam(r, "days", query.DefaultTrendDays, 1, h.engine.Query().RetentionDays())
	if err != nil {
		writeEngineError(w, err, requestID)
		return
	}
	points, err := h.engine.Query().GetTrend(days)
	if err != nil {
		writeEngineError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// Summary handles GET /v1/summary.
func (h *QueryHandler) Summary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Query().GetSummary())
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status            string `json:"status"`
	TotalEvaluations  int64  `json:"total_evaluations"`
	StoredEvaluations uint64 `json:"stored_evaluations"`
	PendingRedelivery int    `json:"pending_redelivery"`
	Watermark         uint64 `json:"watermark"`
}

// Health handles GET /health.
func (h *QueryHandler) Health(w http.ResponseWriter, r *http.Request) {
	agg := h.engine.Aggregator()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:            "ok",
		TotalEvaluations:  agg.Snapshot().TotalCount,
		StoredEvaluations: h.engine.Store().LastSeq(),
		PendingRedelivery: h.engine.Pending(),
		Watermark:         agg.Watermark(),
	})
}

package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/trustlens/trustlens/internal/engine"
	terrors "github.com/trustlens/trustlens/internal/errors"
	"github.com/trustlens/trustlens/pkg/types"
)

// Paging defaults for the evaluation listing.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// maxBodyBytes bounds a submitted evaluation.
const maxBodyBytes = 1 << 20

// SubmitResponse is returned by POST /v1/evaluations.
type SubmitResponse struct {
	*engine.SubmitResult
	RequestID string `json:"request_id"`
}

// ListResponse is a page of stored evaluations, newest first.
type ListResponse struct {
	Evaluations []*types.EvaluationEvent `json:"evaluations"`
	Page        int                      `json:"page"`
	PageSize    int                      `json:"page_size"`
	Total       int                      `json:"total"`
	RequestID   string                   `json:"request_id"`
}

// EvaluationHandler serves submission and lookup of evaluations.
type EvaluationHandler struct {
	engine *engine.Engine
}

// NewEvaluationHandler creates a new evaluation handler.
func NewEvaluationHandler(eng *engine.Engine) *EvaluationHandler {
	return &EvaluationHandler{engine: eng}
}

// Submit handles POST /v1/evaluations. A new evaluation answers 201, a
// re-submitted id answers 200 with the stored evaluation.
func (h *EvaluationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	var req engine.SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeEngineError(w, terrors.NewValidationError(terrors.CodeInvalidBody,
			fmt.Sprintf("invalid request body: %v", err)), requestID)
		return
	}

	res, err := h.engine.Submit(r.Context(), req)
	if err != nil {
		writeEngineError(w, err, requestID)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, SubmitResponse{SubmitResult: res, RequestID: requestID})
}

// Get handles GET /v1/evaluations/{id}.
func (h *EvaluationHandler) Get(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	id := types.EventID(mux.Vars(r)["id"])

	ev, err := h.engine.Store().Get(r.Context(), id)
	if err != nil {
		writeEngineError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// List handles GET /v1/evaluations?page=&page_size=.
func (h *EvaluationHandler) List(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	page, err := intParam(r, "page", 1, 1, 0)
	if err != nil {
		writeEngineError(w, err, requestID)
		return
	}
	pageSize, err := intParam(r, "page_size", DefaultPageSize, 1, MaxPageSize)
	if err != nil {
		writeEngineError(w, err, requestID)
		return
	}

	events, total, err := h.engine.Store().List(r.Context(), (page-1)*pageSize, pageSize)
	if err != nil {
		writeEngineError(w, err, requestID)
		return
	}
	if events == nil {
		events = []*types.EvaluationEvent{}
	}
	writeJSON(w, http.StatusOK, ListResponse{
		Evaluations: events,
		Page:        page,
		PageSize:    pageSize,
		Total:       total,
		RequestID:   requestID,
	})
}

// intParam parses an optional integer query parameter. hi <= 0 means
// unbounded.
func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, terrors.NewInvalidRangeError(fmt.Sprintf("%s must be an integer, got %q", name, raw))
	}
	if v < lo || (hi > 0 && v > hi) {
		if hi > 0 {
			return 0, terrors.NewInvalidRangeError(fmt.Sprintf("%s must be between %d and %d, got %d", name, lo, hi, v))
		}
		return 0, terrors.NewInvalidRangeError(fmt.Sprintf("%s must be at least %d, got %d", name, lo, v))
	}
	return v, nil
}

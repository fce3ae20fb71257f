// Package server exposes the reconciliation engine over HTTP. The
// transport is deliberately thin: every operation maps 1:1 onto a
// service method and returns its result verbatim.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/tarrragon/book-overview-v1-sub017/internal/config"
	"github.com/tarrragon/book-overview-v1-sub017/internal/engine"
	stderrors "github.com/tarrragon/book-overview-v1-sub017/internal/errors"
	"github.com/tarrragon/book-overview-v1-sub017/internal/logging"
	"github.com/tarrragon/book-overview-v1-sub017/pkg/types"
)

// Router is the HTTP API router.
type Router struct {
	cfg     *config.Config
	mux     *chi.Mux
	service *engine.Service
	hub     *ProgressHub
	logger  logging.Logger
}

// NewRouter wires middleware and routes around the service.
func NewRouter(cfg *config.Config, service *engine.Service, logger logging.Logger) *Router {
	r := &Router{
		cfg:     cfg,
		mux:     chi.NewRouter(),
		service: service,
		hub:     NewProgressHub(logger),
		logger:  logger.WithComponent("api"),
	}

	r.mux.Use(chimiddleware.Recoverer)
	r.mux.Use(chimiddleware.RequestID)
	r.mux.Use(r.traceMiddleware)

	r.mux.Get("/healthz", r.handleHealth)
	r.mux.Route("/api/v1", func(api chi.Router) {
		api.Post("/conflicts/detect", r.handleDetect)
		api.Post("/conflicts/resolve", r.handleResolve)
		api.Post("/conflicts/resolve-batch", r.handleResolveBatch)
		api.Post("/conflicts/recommend", r.handleRecommend)
		api.Post("/history/manual", r.handleManualResolution)
		api.Delete("/history/{id}", r.handleUndo)
		api.Get("/statistics", r.handleStatistics)
		api.Get("/jobs", r.handleJobs)
		api.Get("/jobs/{id}", r.handleJob)
		api.Get("/preferences", r.handleGetPreferences)
		api.Put("/preferences", r.handleUpdatePreferences)
		api.Get("/ws", r.hub.HandleUpgrade)
	})

	return r
}

// Handler returns the HTTP handler.
func (r *Router) Handler() http.Handler {
	return r.mux
}

// Shutdown closes long-lived connections.
func (r *Router) Shutdown() {
	r.hub.Shutdown()
}

func (r *Router) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := logging.WithTraceID(req.Context(), chimiddleware.GetReqID(req.Context()))
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

type detectRequest struct {
	RecordsA json.RawMessage `json:"records_a"`
	RecordsB json.RawMessage `json:"records_b"`
	Options  map[string]any  `json:"options"`
}

func (r *Router) handleDetect(w http.ResponseWriter, req *http.Request) {
	var body detectRequest
	// Detection is best-effort: a malformed body yields empty inputs,
	// not a client error.
	_ = json.NewDecoder(req.Body).Decode(&body)

	result, err := r.service.DetectConflicts(req.Context(),
		decodeRecords(body.RecordsA), decodeRecords(body.RecordsB), body.Options)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	r.writeJSON(w, http.StatusOK, result)
}

// decodeRecords tolerates non-sequence input by returning nil.
func decodeRecords(raw json.RawMessage) []types.Record {
	if len(raw) == 0 {
		return nil
	}
	var records []types.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil
	}
	return records
}

type resolveRequest struct {
	Conflicts []types.Conflict `json:"conflicts"`
	Strategy  string           `json:"strategy,omitempty"`
	Options   map[string]any   `json:"options"`
}

type resolveResponse struct {
	ResolvedConflicts []types.ResolutionEntry `json:"resolvedConflicts"`
	Summary           resolveSummary          `json:"summary"`
}

type resolveSummary struct {
	Total    int `json:"total"`
	Resolved int `json:"resolved"`
	Failed   int `json:"failed"`
}

func (r *Router) handleResolve(w http.ResponseWriter, req *http.Request) {
	var body resolveRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		r.writeError(w, req, stderrors.NewValidationError("body", "invalid JSON"))
		return
	}

	entries, err := r.service.ResolveConflicts(req.Context(), body.Conflicts, body.Strategy, body.Options)
	if err != nil {
		r.writeError(w, req, err)
		return
	}

	summary := resolveSummary{Total: len(entries)}
	for _, e := range entries {
		if e.Resolution != nil {
			summary.Resolved++
		} else {
			summary.Failed++
		}
	}
	r.writeJSON(w, http.StatusOK, resolveResponse{ResolvedConflicts: entries, Summary: summary})
}

type resolveBatchRequest struct {
	Batches   [][]types.Conflict `json:"batches"`
	Conflicts []types.Conflict   `json:"conflicts"`
	Options   map[string]any     `json:"options"`
}

func (r *Router) handleResolveBatch(w http.ResponseWriter, req *http.Request) {
	var body resolveBatchRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		r.writeError(w, req, stderrors.NewValidationError("body", "invalid JSON"))
		return
	}

	batches := body.Batches
	if len(batches) == 0 && len(body.Conflicts) > 0 {
		batches = engine.SplitIntoBatches(body.Conflicts, r.cfg.Engine.BatchSize)
	}

	report, err := r.service.ResolveBatchConflicts(req.Context(), batches, body.Options, r.hub.Broadcast)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	r.writeJSON(w, http.StatusOK, report)
}

func (r *Router) handleRecommend(w http.ResponseWriter, req *http.Request) {
	var conflict types.Conflict
	if err := json.NewDecoder(req.Body).Decode(&conflict); err != nil {
		r.writeError(w, req, stderrors.NewValidationError("body", "invalid JSON"))
		return
	}
	recs, err := r.service.Recommend(conflict)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	r.writeJSON(w, http.StatusOK, map[string]any{"recommendations": recs})
}

type manualResolutionRequest struct {
	ConflictID       string             `json:"conflict_id"`
	ConflictType     types.ConflictType `json:"conflict_type,omitempty"`
	Resolution       types.Resolution   `json:"resolution"`
	UserSatisfaction *float64           `json:"user_satisfaction,omitempty"`
}

type manualResolutionResponse struct {
	Recorded       bool                 `json:"recorded"`
	Record         types.HistoryRecord  `json:"record"`
	LearningUpdate types.LearningUpdate `json:"learningUpdate"`
}

func (r *Router) handleManualResolution(w http.ResponseWriter, req *http.Request) {
	var body manualResolutionRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		r.writeError(w, req, stderrors.NewValidationError("body", "invalid JSON"))
		return
	}

	rec, update, err := r.service.RecordManualResolution(req.Context(),
		body.ConflictID, body.ConflictType, body.Resolution, body.UserSatisfaction)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	r.writeJSON(w, http.StatusOK, manualResolutionResponse{
		Recorded:       true,
		Record:         rec,
		LearningUpdate: update,
	})
}

func (r *Router) handleUndo(w http.ResponseWriter, req *http.Request) {
	rec, err := r.service.UndoResolution(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	r.writeJSON(w, http.StatusOK, rec)
}

func (r *Router) handleStatistics(w http.ResponseWriter, req *http.Request) {
	stats, err := r.service.GetStatistics()
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	r.writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleJobs(w http.ResponseWriter, req *http.Request) {
	jobs, err := r.service.Jobs()
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	r.writeJSON(w, http.StatusOK, jobs)
}

func (r *Router) handleJob(w http.ResponseWriter, req *http.Request) {
	job, err := r.service.Job(chi.URLParam(req, "id"))
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	r.writeJSON(w, http.StatusOK, job)
}

func (r *Router) handleGetPreferences(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, http.StatusOK, r.service.Preferences())
}

func (r *Router) handleUpdatePreferences(w http.ResponseWriter, req *http.Request) {
	var prefs types.UserPreferences
	if err := json.NewDecoder(req.Body).Decode(&prefs); err != nil {
		r.writeError(w, req, stderrors.NewValidationError("body", "invalid JSON"))
		return
	}
	if err := r.service.UpdatePreferences(prefs); err != nil {
		r.writeError(w, req, err)
		return
	}
	r.writeJSON(w, http.StatusOK, prefs)
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := r.service.GetHealth()
	status := http.StatusOK
	if !health.Initialized {
		status = http.StatusServiceUnavailable
	}
	r.writeJSON(w, status, map[string]any{
		"status":    map[bool]string{true: "ok", false: "initializing"}[health.Initialized],
		"health":    health,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err.Error())
	}
}

func (r *Router) writeError(w http.ResponseWriter, req *http.Request, err error) {
	r.logger.ErrorContext(req.Context(), "request failed",
		"path", req.URL.Path, "code", string(stderrors.CodeOf(err)), "error", err.Error())
	r.writeJSON(w, stderrors.HTTPStatus(err), map[string]any{
		"error": map[string]any{
			"code":    stderrors.CodeOf(err),
			"message": err.Error(),
		},
	})
}

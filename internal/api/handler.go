package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/merlin/internal/detector"
	"github.com/opensource-finance/merlin/internal/domain"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	detector *detector.Detector
	repo     domain.Repository
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(d *detector.Detector, repo domain.Repository, version string) *Handler {
	return &Handler{
		detector: d,
		repo:     repo,
		version:  version,
	}
}

// Analyze handles POST /v1/analyze requests. The request body is a
// transaction; the response is the full fraud verdict.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	var tx domain.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	result, err := h.detector.Analyze(r.Context(), &tx)
	if err != nil {
		writeDetectorError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	checks := h.detector.Health(r.Context())

	status := "healthy"
	for _, v := range checks {
		if v != "ok" {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetResult retrieves a fraud result by ID.
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "result id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	result, err := h.repo.GetResult(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "result not found",
			})
			return
		}
		slog.Error("get result failed", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to retrieve result",
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ListResults returns recent fraud results, newest first. Supports
// ?since=RFC3339 and ?limit=N query parameters.
func (h *Handler) ListResults(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "since must be RFC3339",
			})
			return
		}
		since = parsed
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		limit = parsed
	}

	results, err := h.repo.ListResults(r.Context(), since, limit)
	if err != nil {
		slog.Error("list results failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list results",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

// ListRules returns the active rule configuration and global threshold.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":           h.detector.Rules(),
		"globalThreshold": h.detector.GlobalThreshold(),
	})
}

// UpdateRule handles PATCH /v1/rules/{name}: partial update of weight,
// threshold, or enabled on any rule.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var update domain.RuleUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	rule, err := h.detector.UpdateRule(name, update)
	if err != nil {
		writeDetectorError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// CreateRule handles POST /v1/rules: registers a CEL-backed custom rule.
// An omitted enabled field means enabled.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		domain.Rule
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	rule := req.Rule
	rule.Enabled = req.Enabled == nil || *req.Enabled

	if err := h.detector.AddCustomRule(rule); err != nil {
		writeDetectorError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"name":   rule.Name,
		"status": "created",
	})
}

// DeleteRule handles DELETE /v1/rules/{name}. Builtin rules cannot be
// deleted, only disabled via PATCH.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := h.detector.RemoveCustomRule(name); err != nil {
		writeDetectorError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"name":   name,
		"status": "deleted",
	})
}

// SetThreshold handles PUT /v1/threshold.
func (h *Handler) SetThreshold(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Threshold float64 `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.detector.SetGlobalThreshold(body.Threshold); err != nil {
		writeDetectorError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"globalThreshold": h.detector.GlobalThreshold(),
	})
}

// writeDetectorError maps detector errors onto HTTP status codes.
func writeDetectorError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	var cerr *domain.ConfigError

	switch {
	case errors.As(err, &verr), errors.As(err, &cerr):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": err.Error(),
		})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

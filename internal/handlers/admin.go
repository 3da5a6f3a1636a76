package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cc-proxy/cc-proxy/internal/history"
	"github.com/cc-proxy/cc-proxy/internal/router"
)

// AdminHandler serves the management API: current selections, selection
// updates, history, and usage summaries.
type AdminHandler struct {
	router *router.Router
	store  *history.Store
	logger *slog.Logger
}

func NewAdminHandler(modelRouter *router.Router, store *history.Store, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{router: modelRouter, store: store, logger: logger}
}

// ConfigGet returns the current tier selections and the provider catalog.
func (h *AdminHandler) ConfigGet(w http.ResponseWriter, r *http.Request) {
	selections := h.router.Selections()
	writeJSON(w, http.StatusOK, map[string]any{
		"BIG_MODEL":    selections[router.TierBig],
		"MIDDLE_MODEL": selections[router.TierMiddle],
		"SMALL_MODEL":  selections[router.TierSmall],
		"catalog":      h.router.Catalog(),
	})
}

// ConfigUpdate accepts any subset of the three tier keys, validates each
// against the catalog, and persists the result.
func (h *AdminHandler) ConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BigModel    string `json:"BIG_MODEL"`
		MiddleModel string `json:"MIDDLE_MODEL"`
		SmallModel  string `json:"SMALL_MODEL"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeClaudeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body: "+err.Error())
		return
	}

	changes, err := h.router.Update(map[string]string{
		router.TierBig:    body.BigModel,
		router.TierMiddle: body.MiddleModel,
		router.TierSmall:  body.SmallModel,
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, router.ErrUnknownModel) {
			status = http.StatusNotFound
		}
		writeClaudeError(w, status, "invalid_request_error", err.Error())
		return
	}

	selections := h.router.Selections()
	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "configuration updated",
		"changes":      changes,
		"BIG_MODEL":    selections[router.TierBig],
		"MIDDLE_MODEL": selections[router.TierMiddle],
		"SMALL_MODEL":  selections[router.TierSmall],
	})
}

// History returns recent rows, newest first, with optional date/hour
// filters.
func (h *AdminHandler) History(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit := 5
	if v := query.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeClaudeError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	hour := -1
	if v := query.Get("hour"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 || parsed > 23 {
			writeClaudeError(w, http.StatusBadRequest, "invalid_request_error", "hour must be between 0 and 23")
			return
		}
		hour = parsed
	}

	records, err := h.store.Recent(limit, query.Get("date"), hour)
	if err != nil {
		h.logger.Error("Failed to query history", "error", err)
		writeClaudeError(w, http.StatusInternalServerError, "api_error", "failed to query history")
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(records),
		"requests": records,
	})
}

// Summary aggregates per-model usage counters over an optional date range.
func (h *AdminHandler) Summary(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	summaries, err := h.store.Summary(query.Get("start_date"), query.Get("end_date"))
	if err != nil {
		h.logger.Error("Failed to query usage summary", "error", err)
		writeClaudeError(w, http.StatusInternalServerError, "api_error", "failed to query summary")
		return
	}
	if summaries == nil {
		summaries = []history.ModelSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models": summaries,
	})
}

package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/cc-proxy/cc-proxy/internal/claude"
	"github.com/cc-proxy/cc-proxy/internal/translate"
)

// TokenCountHandler serves POST /v1/messages/count_tokens with the
// character-based estimate; no upstream call is made.
type TokenCountHandler struct {
	logger *slog.Logger
}

func NewTokenCountHandler(logger *slog.Logger) *TokenCountHandler {
	return &TokenCountHandler{logger: logger}
}

func (h *TokenCountHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeClaudeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	var req claude.TokenCountRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeClaudeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body: "+err.Error())
		return
	}

	count := translate.CountRequestTokens(req.Messages, req.System, req.Tools)
	writeJSON(w, http.StatusOK, map[string]int{"input_tokens": count})
}

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/cc-proxy/cc-proxy/internal/config"
)

// HealthHandler reports liveness plus a coarse credential summary.
type HealthHandler struct {
	config *config.Manager
	logger *slog.Logger
}

func NewHealthHandler(configManager *config.Manager, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{config: configManager, logger: logger}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.config.Get()

	configured := false
	keysValid := true
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.APIKey != "" || p.EnvKey != "" {
			configured = true
			if p.ResolveAPIKey() == "" {
				keysValid = false
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":                    "healthy",
		"timestamp":                 time.Now().UTC().Format(time.RFC3339),
		"openai_api_configured":     configured,
		"api_key_valid":             configured && keysValid,
		"client_api_key_validation": cfg.Server.APIKey != "",
	})
}

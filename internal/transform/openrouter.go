package transform

import (
	"log/slog"

	"github.com/cc-proxy/cc-proxy/internal/config"
	"github.com/cc-proxy/cc-proxy/internal/openai"
)

// openRouter attaches OpenRouter request extensions: usage accounting in
// the response and an optional cache_control block from configuration.
type openRouter struct {
	Base
	cacheControl map[string]any
	logger       *slog.Logger
}

func newOpenRouter(cfg config.TransformerConfig, logger *slog.Logger) Transformer {
	return &openRouter{cacheControl: cfg.CacheControl, logger: logger}
}

func (o *openRouter) Name() string { return "openrouter" }

func (o *openRouter) RequestOut(req *openai.Request) *openai.Request {
	if req.ExtraQuery == nil {
		req.ExtraQuery = map[string]any{}
	}
	if _, ok := req.ExtraQuery["usage"]; !ok {
		req.ExtraQuery["usage"] = map[string]any{"include": true}
	}
	if len(o.cacheControl) > 0 {
		if _, ok := req.ExtraQuery["cache_control"]; !ok {
			req.ExtraQuery["cache_control"] = o.cacheControl
		}
	}
	return req
}

// Package transform implements the four-hook transformer pipeline.
// Transformers mutate requests before and after protocol translation and
// responses before and after reverse translation, selected per
// (provider, concrete model).
package transform

import (
	"log/slog"
	"path"
	"strings"

	"github.com/cc-proxy/cc-proxy/internal/claude"
	"github.com/cc-proxy/cc-proxy/internal/config"
	"github.com/cc-proxy/cc-proxy/internal/openai"
)

// Transformer is one pluggable mutator. Hooks receive the in-flight object
// and return it (possibly replaced); they must not touch anything else.
type Transformer interface {
	Name() string

	// RequestIn runs on the Claude request before translation.
	RequestIn(req *claude.MessagesRequest) *claude.MessagesRequest
	// RequestOut runs on the OpenAI request after translation, before dispatch.
	RequestOut(req *openai.Request) *openai.Request
	// ResponseIn runs on the buffered OpenAI response before reverse
	// translation.
	ResponseIn(resp *openai.Response) *openai.Response
	// ResponseChunk is the streaming variant of ResponseIn, applied to each
	// upstream chunk.
	ResponseChunk(chunk *openai.Response) *openai.Response
	// ResponseOut runs on the assembled Claude response before delivery.
	ResponseOut(resp *claude.Response) *claude.Response
}

// Base provides no-op hooks so transformers only implement what they need.
type Base struct{}

func (Base) RequestIn(req *claude.MessagesRequest) *claude.MessagesRequest { return req }
func (Base) RequestOut(req *openai.Request) *openai.Request               { return req }
func (Base) ResponseIn(resp *openai.Response) *openai.Response            { return resp }
func (Base) ResponseChunk(chunk *openai.Response) *openai.Response        { return chunk }
func (Base) ResponseOut(resp *claude.Response) *claude.Response           { return resp }

// registration binds a transformer name to its constructor and default
// predicates. The table order is the pipeline execution order; there is no
// import-side-effect discovery.
type registration struct {
	name             string
	defaultEnabled   bool
	defaultProviders []string
	defaultModels    []string
	build            func(cfg config.TransformerConfig, logger *slog.Logger) Transformer
}

var registry = []registration{
	{
		name:             "deepseek",
		defaultEnabled:   true,
		defaultProviders: []string{"deepseek"},
		defaultModels:    []string{"*"},
		build: func(cfg config.TransformerConfig, logger *slog.Logger) Transformer {
			return newDeepSeek(cfg, logger)
		},
	},
	{
		name:             "openrouter",
		defaultEnabled:   true,
		defaultProviders: []string{"openrouter"},
		defaultModels:    []string{"*"},
		build: func(cfg config.TransformerConfig, logger *slog.Logger) Transformer {
			return newOpenRouter(cfg, logger)
		},
	},
	{
		name:             "tooluse",
		defaultEnabled:   false,
		defaultProviders: []string{"*"},
		defaultModels:    []string{"*"},
		build: func(cfg config.TransformerConfig, logger *slog.Logger) Transformer {
			return newToolUse(cfg, logger)
		},
	},
}

type entry struct {
	transformer Transformer
	providers   []string
	models      []string
}

// Pipeline holds the enabled transformers in execution order.
type Pipeline struct {
	entries []entry
	logger  *slog.Logger
}

// NewPipeline builds the pipeline from configuration. Unknown transformer
// names in the config are reported and skipped.
func NewPipeline(cfg *config.Config, logger *slog.Logger) *Pipeline {
	p := &Pipeline{logger: logger}

	known := map[string]bool{}
	for _, reg := range registry {
		known[reg.name] = true

		tc := cfg.Transformers[reg.name]
		enabled := reg.defaultEnabled
		if tc.Enabled != nil {
			enabled = *tc.Enabled
		}
		if !enabled {
			continue
		}

		providers := tc.Providers
		if len(providers) == 0 {
			providers = reg.defaultProviders
		}
		models := tc.Models
		if len(models) == 0 {
			models = reg.defaultModels
		}

		p.entries = append(p.entries, entry{
			transformer: reg.build(tc, logger),
			providers:   providers,
			models:      models,
		})
		logger.Debug("Transformer enabled", "name", reg.name,
			"providers", providers, "models", models)
	}

	for name := range cfg.Transformers {
		if !known[name] {
			logger.Warn("Unknown transformer in configuration", "name", name)
		}
	}
	return p
}

// Chain is the ordered subset of transformers matching one request's route.
type Chain struct {
	transformers []Transformer
}

// For selects the transformers whose predicates match the resolved route.
func (p *Pipeline) For(provider, concreteModel string) *Chain {
	c := &Chain{}
	for _, e := range p.entries {
		if matchAny(e.providers, provider) && matchAny(e.models, concreteModel) {
			c.transformers = append(c.transformers, e.transformer)
		}
	}
	return c
}

// matchAny reports whether value matches any pattern, case-insensitively.
// Patterns may be exact names or globs; "*" matches everything.
func matchAny(patterns []string, value string) bool {
	lower := strings.ToLower(value)
	for _, pattern := range patterns {
		p := strings.ToLower(pattern)
		if p == "*" || p == lower {
			return true
		}
		if ok, err := path.Match(p, lower); err == nil && ok {
			return true
		}
	}
	return false
}

func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.transformers))
	for _, t := range c.transformers {
		names = append(names, t.Name())
	}
	return names
}

func (c *Chain) RequestIn(req *claude.MessagesRequest) *claude.MessagesRequest {
	for _, t := range c.transformers {
		req = t.RequestIn(req)
	}
	return req
}

func (c *Chain) RequestOut(req *openai.Request) *openai.Request {
	for _, t := range c.transformers {
		req = t.RequestOut(req)
	}
	return req
}

func (c *Chain) ResponseIn(resp *openai.Response) *openai.Response {
	for _, t := range c.transformers {
		resp = t.ResponseIn(resp)
	}
	return resp
}

func (c *Chain) ResponseChunk(chunk *openai.Response) *openai.Response {
	for _, t := range c.transformers {
		chunk = t.ResponseChunk(chunk)
	}
	return chunk
}

func (c *Chain) ResponseOut(resp *claude.Response) *claude.Response {
	for _, t := range c.transformers {
		resp = t.ResponseOut(resp)
	}
	return resp
}

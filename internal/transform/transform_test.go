package transform

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cc-proxy/cc-proxy/internal/config"
	"github.com/cc-proxy/cc-proxy/internal/openai"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func boolPtr(b bool) *bool { return &b }

func TestMatchAny(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		value    string
		want     bool
	}{
		{"star matches all", []string{"*"}, "anything", true},
		{"exact match", []string{"deepseek"}, "deepseek", true},
		{"case insensitive", []string{"DeepSeek"}, "deepseek", true},
		{"glob prefix", []string{"deepseek-*"}, "deepseek-chat", true},
		{"glob middle", []string{"*coder*"}, "qwen3-coder-480b", true},
		{"no match", []string{"openrouter"}, "deepseek", false},
		{"empty patterns", nil, "deepseek", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchAny(tt.patterns, tt.value))
		})
	}
}

func TestPipelineSelection(t *testing.T) {
	cfg := &config.Config{
		Transformers: map[string]config.TransformerConfig{
			"tooluse": {Enabled: boolPtr(true), Providers: []string{"nvidia"}},
		},
	}
	p := NewPipeline(cfg, testLogger())

	assert.Equal(t, []string{"deepseek"}, p.For("deepseek", "deepseek-chat").Names())
	assert.Equal(t, []string{"openrouter"}, p.For("openrouter", "anthropic/claude-sonnet-4").Names())
	assert.Equal(t, []string{"tooluse"}, p.For("nvidia", "llama-3.3-70b").Names())
	assert.Empty(t, p.For("openai", "gpt-4o").Names())
}

func TestPipelineDisable(t *testing.T) {
	cfg := &config.Config{
		Transformers: map[string]config.TransformerConfig{
			"deepseek": {Enabled: boolPtr(false)},
		},
	}
	p := NewPipeline(cfg, testLogger())

	assert.Empty(t, p.For("deepseek", "deepseek-chat").Names())
}

func TestPipelineExecutionOrder(t *testing.T) {
	// When several transformers match, they run in registry order.
	cfg := &config.Config{
		Transformers: map[string]config.TransformerConfig{
			"tooluse": {Enabled: boolPtr(true), Providers: []string{"deepseek"}},
		},
	}
	p := NewPipeline(cfg, testLogger())

	assert.Equal(t, []string{"deepseek", "tooluse"}, p.For("deepseek", "deepseek-chat").Names())
}

func TestChainRequestOutOrder(t *testing.T) {
	cfg := &config.Config{
		Transformers: map[string]config.TransformerConfig{},
	}
	p := NewPipeline(cfg, testLogger())
	chain := p.For("openrouter", "deepseek/deepseek-chat")

	req := &openai.Request{Model: "deepseek/deepseek-chat"}
	out := chain.RequestOut(req)

	require.NotNil(t, out.ExtraQuery)
	assert.Equal(t, map[string]any{"include": true}, out.ExtraQuery["usage"])
}

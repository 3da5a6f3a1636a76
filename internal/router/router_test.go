package router

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cc-proxy/cc-proxy/internal/config"
	"github.com/cc-proxy/cc-proxy/internal/history"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Providers: []config.Provider{
			{
				Name:         "openrouter",
				BaseURL:      "https://openrouter.ai/api/v1",
				BigModels:    []string{"anthropic/claude-sonnet-4", "openai/gpt-4o"},
				MiddleModels: []string{"anthropic/claude-sonnet-4"},
				SmallModels:  []string{"anthropic/claude-3.5-haiku"},
			},
			{
				Name:      "deepseek",
				BaseURL:   "https://api.deepseek.com",
				BigModels: []string{"deepseek-chat"},
			},
		},
	}
}

func testStore(t *testing.T) *history.Store {
	t.Helper()
	store, err := history.Open(filepath.Join(t.TempDir(), "test.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTierFor(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"claude-3-5-haiku-20241022", TierSmall},
		{"claude-sonnet-4-20250514", TierMiddle},
		{"claude-opus-4-1", TierBig},
		{"claude-HAIKU-x", TierSmall},
		{"some-unknown-model", TierBig},
		{"", TierBig},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, TierFor(tt.model))
		})
	}
}

func TestNewFillsDefaults(t *testing.T) {
	r, err := New(testConfig(), testStore(t), testLogger())
	require.NoError(t, err)

	selections := r.Selections()
	assert.Equal(t, "openrouter:anthropic/claude-sonnet-4", selections[TierBig])
	assert.Equal(t, "openrouter:anthropic/claude-sonnet-4", selections[TierMiddle])
	assert.Equal(t, "openrouter:anthropic/claude-3.5-haiku", selections[TierSmall])
}

func TestResolve(t *testing.T) {
	cfg := testConfig()
	cfg.Server.BigModel = "deepseek:deepseek-chat"
	r, err := New(cfg, testStore(t), testLogger())
	require.NoError(t, err)

	route, err := r.Resolve("claude-opus-4-1")
	require.NoError(t, err)
	assert.Equal(t, "deepseek", route.Provider.Name)
	assert.Equal(t, "deepseek-chat", route.ConcreteModel)

	route, err = r.Resolve("claude-3-5-haiku")
	require.NoError(t, err)
	assert.Equal(t, "openrouter", route.Provider.Name)
	assert.Equal(t, "anthropic/claude-3.5-haiku", route.ConcreteModel)
}

func TestResolveBareModelName(t *testing.T) {
	cfg := testConfig()
	cfg.Server.BigModel = "openai/gpt-4o"
	r, err := New(cfg, testStore(t), testLogger())
	require.NoError(t, err)

	route, err := r.Resolve("claude-opus-4-1")
	require.NoError(t, err)
	assert.Equal(t, "openrouter", route.Provider.Name)
	assert.Equal(t, "openai/gpt-4o", route.ConcreteModel)
}

func TestUpdateValidatesAndPersists(t *testing.T) {
	store := testStore(t)
	r, err := New(testConfig(), store, testLogger())
	require.NoError(t, err)

	changes, err := r.Update(map[string]string{TierBig: "deepseek:deepseek-chat"})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Contains(t, changes[0], "BIG_MODEL")

	// Unknown selections are rejected without applying anything.
	_, err = r.Update(map[string]string{TierBig: "nope:missing"})
	assert.ErrorIs(t, err, ErrUnknownModel)
	assert.Equal(t, "deepseek:deepseek-chat", r.Selections()[TierBig])

	// A fresh router over the same store sees the persisted selection.
	r2, err := New(testConfig(), store, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "deepseek:deepseek-chat", r2.Selections()[TierBig])
}

func TestUpdateNoopAndEmpty(t *testing.T) {
	r, err := New(testConfig(), testStore(t), testLogger())
	require.NoError(t, err)

	current := r.Selections()[TierBig]
	changes, err := r.Update(map[string]string{TierBig: current, TierSmall: ""})
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestPersistedSelectionNoLongerInCatalog(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.SaveSelections(map[string]string{
		"BIG_MODEL": "gone:model-x",
	}))

	r, err := New(testConfig(), store, testLogger())
	require.NoError(t, err)

	// Falls back to the config default instead of the stale selection.
	assert.Equal(t, "openrouter:anthropic/claude-sonnet-4", r.Selections()[TierBig])
}

func TestCatalog(t *testing.T) {
	r, err := New(testConfig(), testStore(t), testLogger())
	require.NoError(t, err)

	catalog := r.Catalog()
	assert.Contains(t, catalog[TierBig], "openrouter:anthropic/claude-sonnet-4")
	assert.Contains(t, catalog[TierBig], "deepseek:deepseek-chat")
	assert.Contains(t, catalog[TierSmall], "openrouter:anthropic/claude-3.5-haiku")
}

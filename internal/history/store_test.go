package history

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInsertAndFinishLifecycle(t *testing.T) {
	store := openTestStore(t)

	id, err := store.Insert("req-1", "claude-sonnet-4", `{"model":"claude-sonnet-4"}`, "claude-cli/1.0", true)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	require.NoError(t, store.SetRoute(id, "openrouter", "anthropic/claude-sonnet-4"))
	require.NoError(t, store.SetTranslation(id, `{"model":"anthropic/claude-sonnet-4"}`))

	rec, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, "openrouter", rec.Provider)
	assert.Equal(t, "anthropic/claude-sonnet-4", rec.ConcreteModel)
	assert.True(t, rec.IsStreaming)
	assert.Equal(t, "claude-cli/1.0", rec.UserAgent)

	require.NoError(t, store.Finish(id, Terminal{
		Status:       StatusCompleted,
		ResponseJSON: `{"id":"msg_1"}`,
		StopReason:   "end_turn",
		InputTokens:  120,
		OutputTokens: 30,
	}))

	rec, err = store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "end_turn", rec.StopReason)
	assert.Equal(t, 120, rec.InputTokens)
	assert.Equal(t, 30, rec.OutputTokens)
	assert.Equal(t, 150, rec.TotalTokens)
	assert.Empty(t, rec.Error)
}

func TestFinishWithError(t *testing.T) {
	store := openTestStore(t)

	id, err := store.Insert("req-1", "claude-opus-4", `{}`, "", false)
	require.NoError(t, err)

	require.NoError(t, store.Finish(id, Terminal{
		Status: StatusError,
		Error:  "upstream returned 500",
	}))

	rec, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusError, rec.Status)
	assert.Equal(t, "upstream returned 500", rec.Error)
}

func TestRecentOrderingAndLimit(t *testing.T) {
	store := openTestStore(t)

	for i := 0; i < 4; i++ {
		_, err := store.Insert("req-"+string(rune('a'+i)), "claude-sonnet-4", `{}`, "", false)
		require.NoError(t, err)
	}

	records, err := store.Recent(3, "", -1)
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Newest first.
	assert.Equal(t, "req-d", records[0].RequestID)
	assert.Equal(t, "req-c", records[1].RequestID)
	assert.Equal(t, "req-b", records[2].RequestID)
}

func TestRecentDateFilter(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Insert("req-1", "claude-sonnet-4", `{}`, "", false)
	require.NoError(t, err)

	today := time.Now().Format("2006-01-02")
	records, err := store.Recent(10, today, -1)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	records, err = store.Recent(10, "1999-01-01", -1)
	require.NoError(t, err)
	assert.Empty(t, records)

	hour := time.Now().Hour()
	records, err = store.Recent(10, today, hour)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSummary(t *testing.T) {
	store := openTestStore(t)

	finish := func(status string, in, out int) {
		id, err := store.Insert("req-"+status+string(rune('0'+in)), "claude-sonnet-4", `{}`, "", false)
		require.NoError(t, err)
		require.NoError(t, store.SetRoute(id, "openrouter", "model-x"))
		require.NoError(t, store.Finish(id, Terminal{Status: status, InputTokens: in, OutputTokens: out}))
	}

	finish(StatusCompleted, 10, 5)
	finish(StatusCompleted, 20, 10)
	finish(StatusPartial, 5, 1)
	finish(StatusError, 1, 0)

	summaries, err := store.Summary("", "")
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	s := summaries[0]
	assert.Equal(t, "model-x", s.Model)
	assert.Equal(t, 4, s.RequestCount)
	assert.Equal(t, 2, s.CompletedRequests)
	assert.Equal(t, 1, s.PartialRequests)
	assert.Equal(t, 36, s.InputTokens)
	assert.Equal(t, 16, s.OutputTokens)
	assert.Equal(t, 52, s.TotalTokens)
	assert.InDelta(t, 50.0, s.SuccessRate, 0.01)

	// Out-of-range window returns nothing.
	summaries, err = store.Summary("1999-01-01", "1999-12-31")
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestSelectionsRoundTrip(t *testing.T) {
	store := openTestStore(t)

	saved, err := store.LoadSelections()
	require.NoError(t, err)
	assert.Empty(t, saved)

	require.NoError(t, store.SaveSelections(map[string]string{
		"BIG_MODEL":   "openrouter:big-1",
		"SMALL_MODEL": "openrouter:small-1",
	}))

	saved, err = store.LoadSelections()
	require.NoError(t, err)
	assert.Equal(t, "openrouter:big-1", saved["BIG_MODEL"])
	assert.Equal(t, "openrouter:small-1", saved["SMALL_MODEL"])

	// Upsert replaces the previous value.
	require.NoError(t, store.SaveSelections(map[string]string{"BIG_MODEL": "openrouter:big-2"}))
	saved, err = store.LoadSelections()
	require.NoError(t, err)
	assert.Equal(t, "openrouter:big-2", saved["BIG_MODEL"])
}

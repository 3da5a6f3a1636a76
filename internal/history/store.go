// Package history persists every proxied exchange in an embedded sqlite
// file. Rows are created when a request arrives and mutated in place until
// the terminal event; the store never deletes rows on the request path.
package history

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusError     = "error"
)

const schema = `
CREATE TABLE IF NOT EXISTS history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT UNIQUE NOT NULL,
	ts DATETIME NOT NULL,
	claimed_model TEXT NOT NULL,
	concrete_model TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	is_streaming BOOLEAN NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	stop_reason TEXT NOT NULL DEFAULT '',
	request_json TEXT NOT NULL,
	openai_request_json TEXT,
	response_json TEXT,
	error TEXT,
	user_agent TEXT
);
CREATE INDEX IF NOT EXISTS idx_history_ts ON history(ts DESC);
CREATE INDEX IF NOT EXISTS idx_history_concrete_model ON history(concrete_model);
CREATE TABLE IF NOT EXISTS config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// Record mirrors one history row.
type Record struct {
	ID            int64  `json:"id"`
	RequestID     string `json:"request_id"`
	Timestamp     string `json:"timestamp"`
	ClaimedModel  string `json:"claimed_model"`
	ConcreteModel string `json:"concrete_model"`
	Provider      string `json:"provider"`
	IsStreaming   bool   `json:"is_streaming"`
	Status        string `json:"status"`
	InputTokens   int    `json:"input_tokens"`
	OutputTokens  int    `json:"output_tokens"`
	TotalTokens   int    `json:"total_tokens"`
	StopReason    string `json:"stop_reason,omitempty"`
	RequestJSON   string `json:"request_json"`
	OpenAIJSON    string `json:"openai_request_json,omitempty"`
	ResponseJSON  string `json:"response_json,omitempty"`
	Error         string `json:"error,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
}

// ModelSummary aggregates usage per concrete model.
type ModelSummary struct {
	Model             string  `json:"model"`
	RequestCount      int     `json:"request_count"`
	CompletedRequests int     `json:"completed_requests"`
	PartialRequests   int     `json:"partial_requests"`
	PendingRequests   int     `json:"pending_requests"`
	InputTokens       int     `json:"total_input_tokens"`
	OutputTokens      int     `json:"total_output_tokens"`
	TotalTokens       int     `json:"total_tokens"`
	SuccessRate       float64 `json:"success_rate"`
	FirstRequest      string  `json:"first_request"`
	LastRequest       string  `json:"last_request"`
}

// Store wraps the sqlite handle. sqlite allows a single writer, so all
// mutations funnel through mu to keep history monotonic under concurrency.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *slog.Logger
}

func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}

	logger.Info("History database ready", "path", path)
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func now() string {
	return time.Now().Format("2006-01-02T15:04:05.000")
}

// Insert creates the pending row for an inbound request and returns its id.
func (s *Store) Insert(requestID, claimedModel, requestJSON, userAgent string, streaming bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO history (request_id, ts, claimed_model, is_streaming, status, request_json, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		requestID, now(), claimedModel, streaming, StatusPending, requestJSON, userAgent)
	if err != nil {
		return 0, fmt.Errorf("insert history row: %w", err)
	}
	return res.LastInsertId()
}

// SetRoute tags the row with the resolved provider and concrete model.
func (s *Store) SetRoute(id int64, provider, concreteModel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE history SET provider = ?, concrete_model = ? WHERE id = ?`,
		provider, concreteModel, id)
	if err != nil {
		return fmt.Errorf("set route on history row %d: %w", id, err)
	}
	return nil
}

// SetTranslation stores the translated OpenAI-shaped request.
func (s *Store) SetTranslation(id int64, openaiJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE history SET openai_request_json = ? WHERE id = ?`, openaiJSON, id)
	if err != nil {
		return fmt.Errorf("set translation on history row %d: %w", id, err)
	}
	return nil
}

// Terminal carries the final state of a request: status, the delivered
// (or assembled) response, and the usage counters. Error is empty on success.
type Terminal struct {
	Status       string
	ResponseJSON string
	StopReason   string
	InputTokens  int
	OutputTokens int
	Error        string
}

func (s *Store) Finish(id int64, t Terminal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := t.InputTokens + t.OutputTokens
	_, err := s.db.Exec(`
		UPDATE history
		SET status = ?, response_json = ?, stop_reason = ?,
		    input_tokens = ?, output_tokens = ?, total_tokens = ?, error = ?
		WHERE id = ?`,
		t.Status, t.ResponseJSON, t.StopReason,
		t.InputTokens, t.OutputTokens, total, nullable(t.Error), id)
	if err != nil {
		return fmt.Errorf("finish history row %d: %w", id, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Recent returns rows newest first. date is YYYY-MM-DD, hour 0-23; either
// may be empty/negative to skip that filter.
func (s *Store) Recent(limit int, date string, hour int) ([]Record, error) {
	if limit <= 0 {
		limit = 5
	}

	query := `
		SELECT id, request_id, ts, claimed_model, concrete_model, provider,
		       is_streaming, status, input_tokens, output_tokens, total_tokens,
		       stop_reason, request_json,
		       COALESCE(openai_request_json, ''), COALESCE(response_json, ''),
		       COALESCE(error, ''), COALESCE(user_agent, '')
		FROM history WHERE 1=1`
	var args []any

	if date != "" {
		if hour >= 0 {
			query += ` AND ts >= ? AND ts < ?`
			args = append(args,
				fmt.Sprintf("%sT%02d:00:00", date, hour),
				fmt.Sprintf("%sT%02d:59:59.999", date, hour))
		} else {
			query += ` AND ts >= ? AND ts <= ?`
			args = append(args, date+"T00:00:00", date+"T23:59:59.999")
		}
	}

	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.ID, &r.RequestID, &r.Timestamp, &r.ClaimedModel, &r.ConcreteModel,
			&r.Provider, &r.IsStreaming, &r.Status, &r.InputTokens, &r.OutputTokens,
			&r.TotalTokens, &r.StopReason, &r.RequestJSON, &r.OpenAIJSON,
			&r.ResponseJSON, &r.Error, &r.UserAgent,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get fetches one row by id.
func (s *Store) Get(id int64) (*Record, error) {
	rows, err := s.db.Query(`
		SELECT id, request_id, ts, claimed_model, concrete_model, provider,
		       is_streaming, status, input_tokens, output_tokens, total_tokens,
		       stop_reason, request_json,
		       COALESCE(openai_request_json, ''), COALESCE(response_json, ''),
		       COALESCE(error, ''), COALESCE(user_agent, '')
		FROM history WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, sql.ErrNoRows
	}
	var r Record
	if err := rows.Scan(
		&r.ID, &r.RequestID, &r.Timestamp, &r.ClaimedModel, &r.ConcreteModel,
		&r.Provider, &r.IsStreaming, &r.Status, &r.InputTokens, &r.OutputTokens,
		&r.TotalTokens, &r.StopReason, &r.RequestJSON, &r.OpenAIJSON,
		&r.ResponseJSON, &r.Error, &r.UserAgent,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

// Summary aggregates counters per concrete model, optionally bounded by
// YYYY-MM-DD dates (inclusive).
func (s *Store) Summary(startDate, endDate string) ([]ModelSummary, error) {
	query := `
		SELECT concrete_model,
		       COUNT(*),
		       SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'partial' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END),
		       SUM(input_tokens), SUM(output_tokens), SUM(total_tokens),
		       MIN(ts), MAX(ts)
		FROM history
		WHERE concrete_model != ''`
	var args []any

	if startDate != "" {
		query += ` AND ts >= ?`
		args = append(args, startDate+"T00:00:00")
	}
	if endDate != "" {
		query += ` AND ts <= ?`
		args = append(args, endDate+"T23:59:59.999")
	}

	query += ` GROUP BY concrete_model ORDER BY SUM(total_tokens) DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	defer rows.Close()

	var out []ModelSummary
	for rows.Next() {
		var m ModelSummary
		if err := rows.Scan(
			&m.Model, &m.RequestCount, &m.CompletedRequests, &m.PartialRequests,
			&m.PendingRequests, &m.InputTokens, &m.OutputTokens, &m.TotalTokens,
			&m.FirstRequest, &m.LastRequest,
		); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		if m.RequestCount > 0 {
			m.SuccessRate = float64(m.CompletedRequests) / float64(m.RequestCount) * 100
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveSelections persists the current tier selections so they survive
// restarts.
func (s *Store) SaveSelections(selections map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin selection save: %w", err)
	}
	defer tx.Rollback()

	ts := now()
	for key, value := range selections {
		if _, err := tx.Exec(`
			INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, ts); err != nil {
			return fmt.Errorf("save selection %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// LoadSelections returns the persisted tier selections, if any.
func (s *Store) LoadSelections() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM config WHERE key IN ('BIG_MODEL', 'MIDDLE_MODEL', 'SMALL_MODEL')`)
	if err != nil {
		return nil, fmt.Errorf("load selections: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

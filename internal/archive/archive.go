// Package archive persists terminal sessions and generation telemetry to
// SQLite for post-mortem inspection. The in-memory session store stays the
// source of truth; archive writes are best-effort observability.
package archive

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"animforge/internal/llm"
	"animforge/internal/session"
)

const schema = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS sessions (
	session_id  TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	prompt      TEXT NOT NULL,
	model       TEXT NOT NULL,
	iterations  INTEGER NOT NULL,
	final_code  TEXT,
	data        TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	archived_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS llm_usage (
	request_id        TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL,
	model             TEXT NOT NULL,
	temperature       REAL NOT NULL,
	prompt_tokens     INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens      INTEGER NOT NULL,
	latency_ms        INTEGER NOT NULL,
	timestamp         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_llm_usage_session ON llm_usage(session_id);

CREATE TABLE IF NOT EXISTS latency_histogram (
	operation TEXT NOT NULL,
	bucket_ms INTEGER NOT NULL,
	count     INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	PRIMARY KEY (operation, bucket_ms, timestamp)
);
`

// Archive wraps the SQLite connection.
type Archive struct {
	db   *sql.DB
	hist *Histogram
}

// Open opens (creating if needed) the archive database at path.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply archive schema: %w", err)
	}
	return &Archive{
		db:   db,
		hist: NewHistogram(db),
	}, nil
}

// PublishSession writes a terminal session, replacing any prior archive of
// the same session id.
func (a *Archive) PublishSession(sess *session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = a.db.Exec(`
		INSERT OR REPLACE INTO sessions
		(session_id, status, prompt, model, iterations, final_code, data, created_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, string(sess.Status), sess.Prompt, sess.Model, len(sess.Iterations),
		sess.FinalScript, string(data), sess.CreatedAt.Unix(), time.Now().Unix())
	return err
}

// RecordUsage records token usage and latency for one generation call.
func (a *Archive) RecordUsage(sessionID, model string, temperature float64, usage llm.Usage, latencyMs int64) error {
	requestID := fmt.Sprintf("%s-%d", sessionID, time.Now().UnixNano())
	_, err := a.db.Exec(`
		INSERT INTO llm_usage
		(request_id, session_id, model, temperature, prompt_tokens, completion_tokens, total_tokens, latency_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, requestID, sessionID, model, temperature,
		usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens,
		latencyMs, time.Now().Unix())
	return err
}

// RecordLatency records one latency sample in the histogram.
func (a *Archive) RecordLatency(operation string, latencyMs int) error {
	return a.hist.RecordLatency(operation, latencyMs)
}

// Percentiles computes latency percentiles for an operation over the
// trailing window.
func (a *Archive) Percentiles(operation string, windowMinutes int) (*Percentiles, error) {
	return a.hist.CalculatePercentiles(operation, windowMinutes)
}

// Stats summarizes archived sessions by status.
type Stats struct {
	TotalSessions int            `json:"total_sessions"`
	ByStatus      map[string]int `json:"by_status"`
	TotalTokens   int64          `json:"total_tokens"`
}

// GetStats returns archive-wide statistics.
func (a *Archive) GetStats() (*Stats, error) {
	stats := &Stats{ByStatus: make(map[string]int)}

	rows, err := a.db.Query(`SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query session stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = count
		stats.TotalSessions += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var tokens sql.NullInt64
	if err := a.db.QueryRow(`SELECT SUM(total_tokens) FROM llm_usage`).Scan(&tokens); err != nil {
		return nil, fmt.Errorf("failed to query token totals: %w", err)
	}
	stats.TotalTokens = tokens.Int64

	return stats, nil
}

// Checkpoint flushes the WAL, used during graceful shutdown.
func (a *Archive) Checkpoint() error {
	_, err := a.db.Exec("PRAGMA wal_checkpoint(RESTART)")
	return err
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Package usage tracks token usage of inference calls. Records are
// append-only and live in a private in-memory SQLite database for the
// life of the process.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Why an inference call was made.
const (
	PurposeChat     = "chat"      // plain reply
	PurposeTools    = "tools"     // tool-enabled request
	PurposeFollowUp = "follow_up" // reply after tool results
	PurposeFallback = "fallback"  // plain reply after a failed tool path
)

// Record is the token usage of one inference call.
type Record struct {
	ID           string        `json:"id"`
	Timestamp    time.Time     `json:"timestamp"`
	SessionID    string        `json:"session_id"`
	Model        string        `json:"model"`
	Purpose      string        `json:"purpose"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Summary holds aggregated totals.
type Summary struct {
	Calls        int   `json:"calls"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Store is an append-only usage log. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens an empty store.
func NewStore() (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		session_id    TEXT NOT NULL,
		model         TEXT NOT NULL,
		purpose       TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		elapsed_ms    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_id);
	`)
	return err
}

// Record appends rec. A missing ID gets a UUIDv7 and a zero Timestamp
// becomes now.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, session_id, model, purpose, input_tokens, output_tokens, elapsed_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.SessionID,
		rec.Model,
		rec.Purpose,
		rec.InputTokens,
		rec.OutputTokens,
		rec.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns totals for one session, or for everything when
// sessionID is empty.
func (s *Store) Summary(sessionID string) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records
		 WHERE ? = '' OR session_id = ?`,
		sessionID, sessionID,
	)

	var sum Summary
	if err := row.Scan(&sum.Calls, &sum.InputTokens, &sum.OutputTokens); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals, optionally for one session.
func (s *Store) SummaryByModel(sessionID string) (map[string]*Summary, error) {
	return s.summaryGroupedBy("model", sessionID)
}

// SummaryByPurpose returns per-purpose totals, optionally for one session.
func (s *Store) SummaryByPurpose(sessionID string) (map[string]*Summary, error) {
	return s.summaryGroupedBy("purpose", sessionID)
}

func (s *Store) summaryGroupedBy(column, sessionID string) (map[string]*Summary, error) {
	// column only ever comes from the methods above.
	query := fmt.Sprintf(
		`SELECT %s, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records
		 WHERE ? = '' OR session_id = ?
		 GROUP BY %s`,
		column, column,
	)

	rows, err := s.db.Query(query, sessionID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Calls, &sum.InputTokens, &sum.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

package memory

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/gymbro/internal/llm"
)

// SQLiteStore is a SQLite-backed session store. It always runs against
// an in-memory database; sessions do not outlive the process.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens a private in-memory database and creates the
// schema.
func NewSQLiteStore() (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		fitness_level TEXT NOT NULL,
		fitness_goals TEXT NOT NULL,
		route TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT,
		tool_name TEXT,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
		UNIQUE (session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection, discarding all sessions.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load retrieves a session and its messages.
func (s *SQLiteStore) Load(id string) (*Session, error) {
	sess := &Session{ID: id}
	err := s.db.QueryRow(`
		SELECT fitness_level, fitness_goals, route, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id).Scan(&sess.FitnessLevel, &sess.FitnessGoals, &sess.Route, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	msgs, err := s.messages(id)
	if err != nil {
		return nil, err
	}
	sess.Messages = msgs
	return sess, nil
}

func (s *SQLiteStore) messages(sessionID string) ([]llm.Message, error) {
	rows, err := s.db.Query(`
		SELECT role, content, tool_calls, tool_call_id, tool_name
		FROM messages
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []llm.Message{}
	for rows.Next() {
		var m llm.Message
		var role string
		var toolCalls, callID, toolName sql.NullString
		if err := rows.Scan(&role, &m.Content, &toolCalls, &callID, &toolName); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.Role, err = llm.ParseRole(role); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		m.ToolCallID = callID.String
		m.ToolName = toolName.String
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Save upserts the session row and appends any messages not yet stored.
// A history shorter than what is stored (after a reset) is rewritten.
func (s *SQLiteStore) Save(sess *Session) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	updated := sess.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	created := sess.CreatedAt
	if created.IsZero() {
		created = updated
	}

	_, err = tx.Exec(`
		INSERT INTO sessions (id, fitness_level, fitness_goals, route, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			fitness_level = excluded.fitness_level,
			fitness_goals = excluded.fitness_goals,
			route = excluded.route,
			updated_at = excluded.updated_at
	`, sess.ID, sess.FitnessLevel, sess.FitnessGoals, sess.Route, created, updated)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	var stored int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sess.ID).Scan(&stored); err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	if stored > len(sess.Messages) {
		if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, sess.ID); err != nil {
			return fmt.Errorf("truncate messages: %w", err)
		}
		stored = 0
	}

	for i := stored; i < len(sess.Messages); i++ {
		m := sess.Messages[i]
		role, err := m.Role.Wire()
		if err != nil {
			return fmt.Errorf("insert message %d: %w", i, err)
		}
		var toolCalls sql.NullString
		if len(m.ToolCalls) > 0 {
			data, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("encode tool calls: %w", err)
			}
			toolCalls = sql.NullString{String: string(data), Valid: true}
		}
		msgID, _ := uuid.NewV7()
		_, err = tx.Exec(`
			INSERT INTO messages (id, session_id, seq, role, content, tool_calls, tool_call_id, tool_name)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, msgID.String(), sess.ID, i, role, m.Content, toolCalls, m.ToolCallID, m.ToolName)
		if err != nil {
			return fmt.Errorf("insert message %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// Delete removes a session and its messages.
func (s *SQLiteStore) Delete(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// List returns the stored session IDs, sorted.
func (s *SQLiteStore) List() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stats returns memory statistics.
func (s *SQLiteStore) Stats() map[string]any {
	var sessCount, msgCount int

	_ = s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&sessCount)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&msgCount)

	return map[string]any{
		"sessions": sessCount,
		"messages": msgCount,
		"storage":  "sqlite",
	}
}

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	state         TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	touched_at    TIMESTAMP NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	turns         INTEGER NOT NULL,
	abort_reason  TEXT
);
CREATE TABLE IF NOT EXISTS messages (
	session_id   TEXT NOT NULL REFERENCES sessions(id),
	seq          INTEGER NOT NULL,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL,
	tool_calls   TEXT,
	tool_call_id TEXT,
	timestamp    TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, seq)
);
`

// SQLiteArchiver persists retired session transcripts to a local SQLite
// database.
type SQLiteArchiver struct {
	db *sql.DB
}

// NewSQLiteArchiver opens (and if necessary initializes) the archive
// database at path.
func NewSQLiteArchiver(path string) (*SQLiteArchiver, error) {
	if path == "" {
		return nil, fmt.Errorf("archive path cannot be empty")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize archive schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Session archive opened")
	return &SQLiteArchiver{db: db}, nil
}

// Archive implements Archiver. Re-archiving the same session id replaces
// the previous record.
func (a *SQLiteArchiver) Archive(ctx context.Context, snap Snapshot) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ?`, snap.ID); err != nil {
		return fmt.Errorf("failed to clear previous messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions
			(id, state, created_at, touched_at, input_tokens, output_tokens, turns, abort_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, string(snap.State), snap.CreatedAt, snap.TouchedAt,
		snap.Usage.InputTokens, snap.Usage.OutputTokens, snap.Turns, snap.AbortReason,
	); err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (session_id, seq, role, content, tool_calls, tool_call_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	for i, msg := range snap.Messages {
		var toolCalls interface{}
		if len(msg.ToolCalls) > 0 {
			raw, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("failed to marshal tool calls: %w", err)
			}
			toolCalls = string(raw)
		}
		if _, err := stmt.ExecContext(ctx,
			snap.ID, i, msg.Role, msg.Content, toolCalls, msg.ToolCallID, msg.Timestamp,
		); err != nil {
			return fmt.Errorf("failed to insert message %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive: %w", err)
	}

	log.Debug().
		Str("session_id", snap.ID).
		Int("messages", len(snap.Messages)).
		Msg("Session archived")
	return nil
}

// LoadSnapshot reads an archived session back, mostly for inspection and
// tests.
func (a *SQLiteArchiver) LoadSnapshot(ctx context.Context, id string) (Snapshot, error) {
	var snap Snapshot
	var state string
	err := a.db.QueryRowContext(ctx,
		`SELECT id, state, created_at, touched_at, input_tokens, output_tokens, turns, COALESCE(abort_reason, '')
		 FROM sessions WHERE id = ?`, id,
	).Scan(&snap.ID, &state, &snap.CreatedAt, &snap.TouchedAt,
		&snap.Usage.InputTokens, &snap.Usage.OutputTokens, &snap.Turns, &snap.AbortReason)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	snap.State = State(state)

	rows, err := a.db.QueryContext(ctx,
		`SELECT role, content, COALESCE(tool_calls, ''), COALESCE(tool_call_id, ''), timestamp
		 FROM messages WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg Message
		var toolCalls string
		if err := rows.Scan(&msg.Role, &msg.Content, &toolCalls, &msg.ToolCallID, &msg.Timestamp); err != nil {
			return Snapshot{}, fmt.Errorf("failed to scan message: %w", err)
		}
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
				return Snapshot{}, fmt.Errorf("failed to parse tool calls: %w", err)
			}
		}
		snap.Messages = append(snap.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("failed to read messages: %w", err)
	}
	return snap, nil
}

// Close closes the archive database.
func (a *SQLiteArchiver) Close() error {
	return a.db.Close()
}

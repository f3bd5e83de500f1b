// Package sqlite implements conduit.RepositoryHandle backed by a local
// SQLite file using the pure-Go driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	conduit "github.com/conduitdev/conduit"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Repository implements conduit.RepositoryHandle for one project.
type Repository struct {
	db      *sql.DB
	project string
}

// Open creates a repository over a SQLite file at dbPath, scoped to
// project. A single shared connection serializes all access.
func Open(ctx context.Context, dbPath, project string) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open driver: %w", err)
	}
	db.SetMaxOpenConns(1)
	r := &Repository{db: db, project: project}
	if err := r.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) init(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			project_name TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			leaf_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			last_updated INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("sqlite: create sessions table: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			predecessor_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("sqlite: create messages table: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS messages_session_idx ON messages (session_id)`)
	if err != nil {
		return fmt.Errorf("sqlite: create messages index: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (r *Repository) Close() error { return r.db.Close() }

// Save upserts the session row and inserts any new messages in topological
// order. Existing message rows are left untouched.
func (r *Repository) Save(ctx context.Context, session *conduit.Session, title string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin save: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, project_name, title, leaf_id, created_at, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id)
		DO UPDATE SET title = excluded.title, leaf_id = excluded.leaf_id, last_updated = excluded.last_updated`,
		session.ID(), r.project, title, session.Leaf(), session.CreatedAt(), conduit.NowMillis())
	if err != nil {
		return fmt.Errorf("sqlite: save session %s: %w", session.ID(), err)
	}

	for _, m := range session.TopoOrder() {
		payload, err := conduit.EncodeMessage(m)
		if err != nil {
			return err
		}
		meta := m.Meta()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (message_id, session_id, predecessor_id, role, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (message_id) DO NOTHING`,
			meta.MessageID, session.ID(), meta.PredecessorID, string(m.Role()), string(payload), meta.Timestamp)
		if err != nil {
			return fmt.Errorf("sqlite: save message %s: %w", meta.MessageID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit save: %w", err)
	}
	return nil
}

// Load returns the full session with every stored message, or (nil, nil)
// when the session does not exist in this project.
func (r *Repository) Load(ctx context.Context, sessionID string) (*conduit.Session, error) {
	var createdAt int64
	var leaf string
	err := r.db.QueryRowContext(ctx,
		`SELECT created_at, leaf_id FROM sessions WHERE session_id = ? AND project_name = ?`,
		sessionID, r.project).Scan(&createdAt, &leaf)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load session %s: %w", sessionID, err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT payload FROM messages WHERE session_id = ? ORDER BY created_at, message_id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load messages for %s: %w", sessionID, err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	return conduit.RestoreSession(sessionID, createdAt, msgs, leaf), nil
}

// RehydrateFromLeaf walks predecessor pointers from the given message via a
// recursive CTE and returns the ancestor chain as a conversation, or
// (nil, nil) when the message does not exist in this project.
func (r *Repository) RehydrateFromLeaf(ctx context.Context, messageID string) (*conduit.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
		WITH RECURSIVE chain AS (
			SELECT m.message_id, m.session_id, m.predecessor_id, m.payload, 0 AS depth
			FROM messages m
			JOIN sessions s ON s.session_id = m.session_id
			WHERE m.message_id = ? AND s.project_name = ?
			UNION ALL
			SELECT m.message_id, m.session_id, m.predecessor_id, m.payload, c.depth + 1
			FROM messages m JOIN chain c ON m.message_id = c.predecessor_id
		)
		SELECT session_id, payload FROM chain ORDER BY depth DESC`,
		messageID, r.project)
	if err != nil {
		return nil, fmt.Errorf("sqlite: rehydrate from %s: %w", messageID, err)
	}
	defer rows.Close()

	var sessionID string
	var msgs []conduit.Message
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&sessionID, &payload); err != nil {
			return nil, fmt.Errorf("sqlite: scan chain row: %w", err)
		}
		m, err := conduit.DecodeMessage(payload)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rehydrate from %s: %w", messageID, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	var createdAt int64
	err = r.db.QueryRowContext(ctx,
		`SELECT created_at FROM sessions WHERE session_id = ?`, sessionID).Scan(&createdAt)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load session %s: %w", sessionID, err)
	}
	session := conduit.RestoreSession(sessionID, createdAt, msgs, messageID)
	return conduit.ConversationOver(session, msgs), nil
}

// List returns up to limit session summaries, most recently updated first.
func (r *Repository) List(ctx context.Context, limit int) ([]conduit.SessionSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.session_id, s.title, s.created_at, s.last_updated, count(m.message_id)
		FROM sessions s LEFT JOIN messages m ON m.session_id = s.session_id
		WHERE s.project_name = ?
		GROUP BY s.session_id
		ORDER BY s.last_updated DESC
		LIMIT ?`,
		r.project, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list sessions: %w", err)
	}
	defer rows.Close()

	var out []conduit.SessionSummary
	for rows.Next() {
		var sum conduit.SessionSummary
		if err := rows.Scan(&sum.SessionID, &sum.Title, &sum.CreatedAt, &sum.LastUpdatedMS, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("sqlite: scan summary: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list sessions: %w", err)
	}
	return out, nil
}

// Delete removes a session and all its messages.
func (r *Repository) Delete(ctx context.Context, sessionID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin delete: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("sqlite: delete messages for %s: %w", sessionID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_id = ? AND project_name = ?`, sessionID, r.project); err != nil {
		return fmt.Errorf("sqlite: delete session %s: %w", sessionID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit delete: %w", err)
	}
	return nil
}

// Wipe removes every session in the project.
func (r *Repository) Wipe(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin wipe: %w", err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `
		DELETE FROM messages WHERE session_id IN
			(SELECT session_id FROM sessions WHERE project_name = ?)`,
		r.project)
	if err != nil {
		return fmt.Errorf("sqlite: wipe messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE project_name = ?`, r.project); err != nil {
		return fmt.Errorf("sqlite: wipe sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit wipe: %w", err)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]conduit.Message, error) {
	defer rows.Close()
	var msgs []conduit.Message
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		m, err := conduit.DecodeMessage(payload)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: read messages: %w", err)
	}
	return msgs, nil
}

var _ conduit.RepositoryHandle = (*Repository)(nil)

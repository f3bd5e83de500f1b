// Package postgres implements conduit.RepositoryHandle backed by
// PostgreSQL. Sessions and messages live in two project-partitioned
// tables; message rows are immutable and keyed by message id, so saving
// a session repeatedly only inserts the new tail.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	conduit "github.com/conduitdev/conduit"
	"github.com/conduitdev/conduit/internal/pgshare"
)

// DB is the subset of pgxpool.Pool the repository uses. pgxmock satisfies
// it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository implements conduit.RepositoryHandle for one project.
type Repository struct {
	db      DB
	project string
}

// New creates a repository over an existing pool. The caller owns the pool
// lifecycle.
func New(db DB, project string) *Repository {
	return &Repository{db: db, project: project}
}

// Open acquires the shared pool for the database URL, creates the schema,
// and returns a handle scoped to project.
func Open(ctx context.Context, dsn, project string) (*Repository, error) {
	pool, err := pgshare.Default.Acquire(ctx, dsn)
	if err != nil {
		return nil, err
	}
	r := New(pool, project)
	if err := r.Init(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Init creates the session and message tables. Safe to call repeatedly.
func (r *Repository) Init(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			project_name TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			leaf_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			last_updated BIGINT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("postgres: create sessions table: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
			predecessor_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at BIGINT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("postgres: create messages table: %w", err)
	}
	_, err = r.db.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS messages_session_idx ON messages (session_id)`)
	if err != nil {
		return fmt.Errorf("postgres: create messages index: %w", err)
	}
	return nil
}

// Save upserts the session row and inserts any new messages in topological
// order. Existing message rows are left untouched.
func (r *Repository) Save(ctx context.Context, session *conduit.Session, title string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin save: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (session_id, project_name, title, leaf_id, created_at, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id)
		DO UPDATE SET title = EXCLUDED.title, leaf_id = EXCLUDED.leaf_id, last_updated = EXCLUDED.last_updated`,
		session.ID(), r.project, title, session.Leaf(), session.CreatedAt(), conduit.NowMillis())
	if err != nil {
		return fmt.Errorf("postgres: save session %s: %w", session.ID(), err)
	}

	for _, m := range session.TopoOrder() {
		payload, err := conduit.EncodeMessage(m)
		if err != nil {
			return err
		}
		meta := m.Meta()
		_, err = tx.Exec(ctx, `
			INSERT INTO messages (message_id, session_id, predecessor_id, role, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (message_id) DO NOTHING`,
			meta.MessageID, session.ID(), meta.PredecessorID, string(m.Role()), payload, meta.Timestamp)
		if err != nil {
			return fmt.Errorf("postgres: save message %s: %w", meta.MessageID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit save: %w", err)
	}
	return nil
}

// Load returns the full session with every stored message, or (nil, nil)
// when the session does not exist in this project.
func (r *Repository) Load(ctx context.Context, sessionID string) (*conduit.Session, error) {
	var createdAt int64
	var leaf string
	err := r.db.QueryRow(ctx,
		`SELECT created_at, leaf_id FROM sessions WHERE session_id = $1 AND project_name = $2`,
		sessionID, r.project).Scan(&createdAt, &leaf)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load session %s: %w", sessionID, err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT payload FROM messages WHERE session_id = $1 ORDER BY created_at, message_id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: load messages for %s: %w", sessionID, err)
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
	rows, err := r.db.Query(ctx, `
		WITH RECURSIVE chain AS (
			SELECT m.message_id, m.session_id, m.predecessor_id, m.payload, 0 AS depth
			FROM messages m
			JOIN sessions s ON s.session_id = m.session_id
			WHERE m.message_id = $1 AND s.project_name = $2
			UNION ALL
			SELECT m.message_id, m.session_id, m.predecessor_id, m.payload, c.depth + 1
			FROM messages m JOIN chain c ON m.message_id = c.predecessor_id
		)
		SELECT session_id, payload FROM chain ORDER BY depth DESC`,
		messageID, r.project)
	if err != nil {
		return nil, fmt.Errorf("postgres: rehydrate from %s: %w", messageID, err)
	}
	defer rows.Close()

	var sessionID string
	var msgs []conduit.Message
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&sessionID, &payload); err != nil {
			return nil, fmt.Errorf("postgres: scan chain row: %w", err)
		}
		m, err := conduit.DecodeMessage(payload)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rehydrate from %s: %w", messageID, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	var createdAt int64
	err = r.db.QueryRow(ctx,
		`SELECT created_at FROM sessions WHERE session_id = $1`, sessionID).Scan(&createdAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: load session %s: %w", sessionID, err)
	}
	session := conduit.RestoreSession(sessionID, createdAt, msgs, messageID)
	return conduit.ConversationOver(session, msgs), nil
}

// List returns up to limit session summaries, most recently updated first.
func (r *Repository) List(ctx context.Context, limit int) ([]conduit.SessionSummary, error) {
	rows, err := r.db.Query(ctx, `
		SELECT s.session_id, s.title, s.created_at, s.last_updated, count(m.message_id)
		FROM sessions s LEFT JOIN messages m ON m.session_id = s.session_id
		WHERE s.project_name = $1
		GROUP BY s.session_id, s.title, s.created_at, s.last_updated
		ORDER BY s.last_updated DESC
		LIMIT $2`,
		r.project, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()

	var out []conduit.SessionSummary
	for rows.Next() {
		var sum conduit.SessionSummary
		if err := rows.Scan(&sum.SessionID, &sum.Title, &sum.CreatedAt, &sum.LastUpdatedMS, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("postgres: scan summary: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	return out, nil
}

// Delete removes a session and, via cascade, its messages.
func (r *Repository) Delete(ctx context.Context, sessionID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM sessions WHERE session_id = $1 AND project_name = $2`,
		sessionID, r.project)
	if err != nil {
		return fmt.Errorf("postgres: delete session %s: %w", sessionID, err)
	}
	return nil
}

// Wipe removes every session in the project.
func (r *Repository) Wipe(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE project_name = $1`, r.project)
	if err != nil {
		return fmt.Errorf("postgres: wipe project %s: %w", r.project, err)
	}
	return nil
}

func scanMessages(rows pgx.Rows) ([]conduit.Message, error) {
	defer rows.Close()
	var msgs []conduit.Message
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		m, err := conduit.DecodeMessage(payload)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: read messages: %w", err)
	}
	return msgs, nil
}

var _ conduit.RepositoryHandle = (*Repository)(nil)

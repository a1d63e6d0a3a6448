package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/m4xw311/agentd/errors"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    workspace TEXT,
    metadata TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    sequence INTEGER NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'tool')),
    body TEXT NOT NULL,
    PRIMARY KEY (session_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at DESC);
`

// SQLiteStore keeps sessions in a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "create data directory")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrapf(err, "open database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "initialize schema")
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, workspace string) (*Session, error) {
	sess := New(workspace)
	if err := s.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) LoadSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace, metadata, created_at, updated_at FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "scan session")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM messages WHERE session_id = ? ORDER BY sequence ASC`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "query messages")
	}
	defer rows.Close()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, errors.Wrapf(err, "scan message")
		}
		var msg Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, errors.Wrapf(err, "decode message")
		}
		sess.Messages = append(sess.Messages, msg)
	}
	return sess, errors.Wrapf(rows.Err(), "iterate messages")
}

// SaveSession upserts the session row and replaces its messages in one
// transaction.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = time.Now()
	meta, err := json.Marshal(sess.Metadata)
	if err != nil {
		return errors.Wrapf(err, "serialize metadata")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, workspace, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET workspace = excluded.workspace,
		    metadata = excluded.metadata, updated_at = excluded.updated_at`,
		sess.ID, sess.Workspace, string(meta), formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt))
	if err != nil {
		return errors.Wrapf(err, "upsert session")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sess.ID); err != nil {
		return errors.Wrapf(err, "clear messages")
	}
	for i, msg := range sess.Messages {
		body, err := json.Marshal(msg)
		if err != nil {
			return errors.Wrapf(err, "serialize message %d", i)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, sequence, role, body) VALUES (?, ?, ?, ?)`,
			sess.ID, i, msg.Role, string(body)); err != nil {
			return errors.Wrapf(err, "insert message %d", i)
		}
	}
	return errors.Wrapf(tx.Commit(), "commit transaction")
}

// ListSessions returns session headers without messages, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace, metadata, created_at, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, errors.Wrapf(err, "query sessions")
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrapf(err, "scan session")
		}
		out = append(out, sess)
	}
	return out, errors.Wrapf(rows.Err(), "iterate sessions")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var workspace, meta sql.NullString
	var created, updated string
	if err := row.Scan(&sess.ID, &workspace, &meta, &created, &updated); err != nil {
		return nil, err
	}
	sess.Workspace = workspace.String
	sess.Messages = []Message{}
	if meta.Valid && meta.String != "" && meta.String != "null" {
		if err := json.Unmarshal([]byte(meta.String), &sess.Metadata); err != nil {
			return nil, err
		}
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &sess, nil
}

// timeLayout is fixed width so that text order in SQL is time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

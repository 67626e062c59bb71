// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serializes transactions in the pool, so concurrent
	// appends queue instead of failing with SQLITE_BUSY. It also makes
	// ":memory:" a single shared database rather than one per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 10000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id                TEXT PRIMARY KEY,
			canonical_user_id TEXT NOT NULL,
			mode              TEXT NOT NULL,
			created_at        TEXT NOT NULL,
			last_updated_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_user_mode_updated
			ON sessions(canonical_user_id, mode, last_updated_at);

		CREATE TABLE IF NOT EXISTS session_messages (
			session_id TEXT NOT NULL REFERENCES sessions(id),
			idx        INTEGER NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			tool_name  TEXT,
			caption    TEXT,
			created_at TEXT NOT NULL,

			PRIMARY KEY (session_id, idx),
			CHECK (role IN ('system', 'user', 'assistant', 'tool_result'))
		);

		CREATE INDEX IF NOT EXISTS idx_session_messages_session
			ON session_messages(session_id, idx);
	`

	_, err := s.db.Exec(schema)
	return err
}

// timeLayout is RFC 3339 with fixed nine-digit fractional seconds.
// Sessions touched within the same wall-clock second still order
// correctly, and the fixed width keeps the stored strings comparable
// byte-wise in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// unavailable tags infrastructure failures so callers can match
// ErrStorageUnavailable without losing the driver error.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStorageUnavailable, err))
}

// GetLatest returns the most recently touched session for the user and
// mode. Returns ErrNotFound if the user has no session in that mode.
func (s *SQLiteStore) GetLatest(ctx context.Context, canonicalUserID, mode string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, canonical_user_id, mode, created_at, last_updated_at
		FROM sessions
		WHERE canonical_user_id = ? AND mode = ?
		ORDER BY last_updated_at DESC, created_at DESC
		LIMIT 1
	`, canonicalUserID, mode)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying latest session", err)
	}

	if sess.Messages, err = s.loadMessages(ctx, sess.ID); err != nil {
		return nil, err
	}
	return sess, nil
}

// StartNew creates a fresh session, seeding a system message when
// systemPrompt is non-empty.
func (s *SQLiteStore) StartNew(ctx context.Context, canonicalUserID, mode, systemPrompt string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:              uuid.New().String(),
		CanonicalUserID: canonicalUserID,
		Mode:            mode,
		CreatedAt:       now,
		LastUpdatedAt:   now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("beginning transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, canonical_user_id, mode, created_at, last_updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, sess.ID, sess.CanonicalUserID, sess.Mode,
		now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return nil, unavailable("inserting session", err)
	}

	if systemPrompt != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_messages (session_id, idx, role, content, created_at)
			VALUES (?, 0, ?, ?, ?)
		`, sess.ID, RoleSystem, systemPrompt, now.Format(timeLayout))
		if err != nil {
			return nil, unavailable("inserting system prompt", err)
		}
		sess.Messages = []Message{{Index: 0, Role: RoleSystem, Content: systemPrompt, CreatedAt: now}}
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable("committing session", err)
	}

	s.logger.Info("session started",
		"session_id", sess.ID,
		"canonical_user_id", canonicalUserID,
		"mode", mode)
	return sess, nil
}

// GetOrStart returns the latest session for the user and mode, creating
// one when none exists. A session missing its system prompt gets the
// prompt injected at index 0; existing messages shift up by one.
func (s *SQLiteStore) GetOrStart(ctx context.Context, canonicalUserID, mode, systemPrompt string) (*Session, error) {
	sess, err := s.GetLatest(ctx, canonicalUserID, mode)
	if errors.Is(err, ErrNotFound) {
		return s.StartNew(ctx, canonicalUserID, mode, systemPrompt)
	}
	if err != nil {
		return nil, err
	}

	if systemPrompt == "" || (len(sess.Messages) > 0 && sess.Messages[0].Role == RoleSystem) {
		return sess, nil
	}

	if err := s.injectSystemPrompt(ctx, sess.ID, systemPrompt); err != nil {
		return nil, err
	}
	if sess.Messages, err = s.loadMessages(ctx, sess.ID); err != nil {
		return nil, err
	}
	return sess, nil
}

// injectSystemPrompt prepends a system message to an existing session.
// Existing rows are renumbered in two steps because (session_id, idx)
// is the primary key and a single idx+1 update would collide with
// itself.
func (s *SQLiteStore) injectSystemPrompt(ctx context.Context, sessionID, systemPrompt string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("beginning transaction", err)
	}
	defer tx.Rollback()

	const bump = 1 << 20
	if _, err := tx.ExecContext(ctx,
		`UPDATE session_messages SET idx = idx + ? WHERE session_id = ?`, bump, sessionID); err != nil {
		return unavailable("renumbering messages", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE session_messages SET idx = idx - ? WHERE session_id = ?`, bump-1, sessionID); err != nil {
		return unavailable("renumbering messages", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_messages (session_id, idx, role, content, created_at)
		VALUES (?, 0, ?, ?, ?)
	`, sessionID, RoleSystem, systemPrompt, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return unavailable("inserting system prompt", err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("committing system prompt", err)
	}

	s.logger.Info("system prompt injected", "session_id", sessionID)
	return nil
}

// Append adds a message at the end of the session and bumps
// last_updated_at. The index is assigned inside the transaction so
// concurrent appends each get their own slot; the assigned index is
// returned because the reloaded session may already contain messages
// appended by other callers.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msg Message) (*Session, int, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, unavailable("beginning transaction", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, unavailable("checking session", err)
	}

	var next int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(idx) + 1, 0) FROM session_messages WHERE session_id = ?
	`, sessionID).Scan(&next)
	if err != nil {
		return nil, 0, unavailable("computing next index", err)
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_messages (session_id, idx, role, content, tool_name, caption, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sessionID, next, msg.Role, msg.Content,
		nullable(msg.ToolName), nullable(msg.Caption),
		createdAt.UTC().Format(timeLayout))
	if err != nil {
		return nil, 0, unavailable("inserting message", err)
	}

	// MAX keeps last_updated_at non-decreasing even if clocks skew.
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET last_updated_at = MAX(last_updated_at, ?) WHERE id = ?
	`, now.Format(timeLayout), sessionID)
	if err != nil {
		return nil, 0, unavailable("touching session", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, unavailable("committing message", err)
	}

	sess, err := s.getByID(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}
	return sess, next, nil
}

// SetCaption sets the caption of the message at index. An existing
// caption is preserved unless overwrite is true; that case is not an
// error, so retries are idempotent.
func (s *SQLiteStore) SetCaption(ctx context.Context, sessionID string, index int, caption string, overwrite bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("beginning transaction", err)
	}
	defer tx.Rollback()

	var existing sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT caption FROM session_messages WHERE session_id = ? AND idx = ?
	`, sessionID, index).Scan(&existing)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return unavailable("reading caption", err)
	}

	if existing.Valid && existing.String != "" && !overwrite {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE session_messages SET caption = ? WHERE session_id = ? AND idx = ?
	`, caption, sessionID, index)
	if err != nil {
		return unavailable("writing caption", err)
	}

	return tx.Commit()
}

// ListPendingMedia returns media messages that still lack a caption,
// oldest first.
func (s *SQLiteStore) ListPendingMedia(ctx context.Context, limit int) ([]PendingMedia, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, idx, content
		FROM session_messages
		WHERE (content LIKE '[photo_url:%' OR content LIKE '[video_url:%' OR content LIKE '[audio_url:%')
		  AND (caption IS NULL OR caption = '')
		ORDER BY created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, unavailable("querying pending media", err)
	}
	defer rows.Close()

	var pending []PendingMedia
	for rows.Next() {
		var p PendingMedia
		var content string
		if err := rows.Scan(&p.SessionID, &p.Index, &content); err != nil {
			return nil, unavailable("scanning pending media", err)
		}
		kind, url, ok := ParseMediaMarker(content)
		if !ok {
			continue
		}
		p.Kind, p.URL = kind, url
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// CountSessions returns the total number of sessions.
func (s *SQLiteStore) CountSessions(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count)
	if err != nil {
		return 0, unavailable("counting sessions", err)
	}
	return count, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// getByID loads a session and its messages by primary key.
func (s *SQLiteStore) getByID(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, canonical_user_id, mode, created_at, last_updated_at
		FROM sessions WHERE id = ?
	`, sessionID)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying session", err)
	}

	if sess.Messages, err = s.loadMessages(ctx, sess.ID); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) loadMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, role, content, tool_name, caption, created_at
		FROM session_messages
		WHERE session_id = ?
		ORDER BY idx ASC
	`, sessionID)
	if err != nil {
		return nil, unavailable("querying messages", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var toolName, caption sql.NullString
		var createdAt string
		if err := rows.Scan(&m.Index, &m.Role, &m.Content, &toolName, &caption, &createdAt); err != nil {
			return nil, unavailable("scanning message", err)
		}
		m.ToolName = toolName.String
		m.Caption = caption.String
		if m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing message timestamp: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var createdAt, updatedAt string
	if err := row.Scan(&sess.ID, &sess.CanonicalUserID, &sess.Mode, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.LastUpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing last_updated_at: %w", err)
	}
	return &sess, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

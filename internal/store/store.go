// ABOUTME: Store interface and data types for yen-gateway persistence
// ABOUTME: Defines Session, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrStorageUnavailable is returned when the backing database cannot be
// reached or a statement fails for infrastructure reasons. Callers treat
// it as retryable and must not persist partial turns.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Role constants for message roles
const (
	RoleSystem     = "system"
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolResult = "tool_result"
)

// Message is a single entry in a session transcript. Index is the
// message's position within the session and never changes once written,
// except that injecting a missing system prompt shifts every index up
// by one. Caption is set at most once, out of band, for media messages.
type Message struct {
	Index     int
	Role      string
	Content   string
	ToolName  string
	Caption   string
	CreatedAt time.Time
}

// Session is one continuous conversation for a canonical user in a
// given mode. Messages are append-only and ordered by Index. Sessions
// are never deleted; starting a new one supersedes the old by virtue of
// a fresher LastUpdatedAt.
type Session struct {
	ID              string
	CanonicalUserID string
	Mode            string
	Messages        []Message
	CreatedAt       time.Time
	LastUpdatedAt   time.Time
}

// PendingMedia identifies a media message that has no caption yet.
type PendingMedia struct {
	SessionID string
	Index     int
	Kind      string
	URL       string
}

// Store is the persistence interface for sessions and their messages.
type Store interface {
	// GetLatest returns the most recently touched session for the user
	// and mode, or ErrNotFound when the user has none.
	GetLatest(ctx context.Context, canonicalUserID, mode string) (*Session, error)

	// StartNew creates a fresh session. When systemPrompt is non-empty
	// the session is seeded with a system message at index 0.
	StartNew(ctx context.Context, canonicalUserID, mode, systemPrompt string) (*Session, error)

	// GetOrStart returns the latest session, creating one if none
	// exists. If the session is missing its system prompt, the prompt
	// is injected at index 0 without disturbing the order of the
	// remaining messages.
	GetOrStart(ctx context.Context, canonicalUserID, mode, systemPrompt string) (*Session, error)

	// Append adds a message to the end of the session and bumps
	// LastUpdatedAt. It returns the updated session and the index
	// assigned to the inserted message; under concurrent appends the
	// reloaded session may already contain later messages, so callers
	// that need the inserted message must use the returned index.
	// Concurrent appends to the same session all survive; their
	// relative order is whatever the database decides.
	Append(ctx context.Context, sessionID string, msg Message) (*Session, int, error)

	// SetCaption sets the caption field of the message at index. A
	// caption that is already present is left alone unless overwrite
	// is true; that case returns nil, making retries idempotent.
	// Returns ErrNotFound when the message does not exist.
	SetCaption(ctx context.Context, sessionID string, index int, caption string, overwrite bool) error

	// ListPendingMedia returns up to limit media messages that still
	// lack a caption, oldest first.
	ListPendingMedia(ctx context.Context, limit int) ([]PendingMedia, error)

	// CountSessions returns the total number of sessions.
	CountSessions(ctx context.Context) (int, error)

	Close() error
}

// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - Session: One continuous conversation per canonical user and mode.
//     Append-only, never deleted; the active session is the one with the
//     freshest last_updated_at.
//   - Message: Transcript entries ordered by index, with an optional
//     tool name (which capability produced an assistant turn) and an
//     optional caption (filled in later for media messages).
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//
// Use NewSQLiteStore(":memory:") in tests for a real in-memory database.
//
// # Error Handling
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrStorageUnavailable: Infrastructure failure, retryable
//
// All methods accept context.Context for cancellation support.
package store

// Package store provides persistent storage for the portal using SQLite.
//
// # Data Models
//
//   - Session: per-browser record of connection, personhood, wizard steps
//   - completed modules: which training modules a session finished
//   - Operation: ledger of agent operations and how each one settled
//
// SQLiteStore implements Store on modernc.org/sqlite (pure Go, no cgo).
// MockStore is an in-memory implementation for tests.
//
// # Sessions
//
// Sessions expire at ExpiresAt. GetSession treats an expired session as
// missing and DeleteExpiredSessions removes them. ResetSession clears a
// session's state and module progress but keeps its id, so the browser
// cookie stays valid.
//
// # Operations
//
// RecordOperation inserts a pending entry when a submission returns a
// handle; SettleOperation writes the outcome once polling ends. Settling is
// idempotent only in the sense that a second call overwrites the first.
//
// # Timestamps
//
// All timestamps are stored as fixed-width RFC3339 strings in UTC.
package store

// ABOUTME: Store interface and data types for ssi-portal persistence
// ABOUTME: Defines Session, Operation records and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when trying to create a session that already exists
var ErrDuplicateSession = errors.New("session already exists")

// PHC wizard steps
const (
	PHCStepConnect      = "connect"
	PHCStepVerify       = "verify"
	PHCStepAuthenticate = "authenticate"
	PHCStepIssue        = "issue"
	PHCStepComplete     = "complete"
)

// Session is the per-browser record of cross-page state. It replaces
// any ambient key-value storage: everything a flow needs is here.
type Session struct {
	ID             string
	ConnectionID   string // agent connection id once a wallet connected
	TheirLabel     string // wallet label reported by the agent
	HasPHC         bool   // personhood verified in this session
	OnboardingStep int    // 0 verify, 1 issue card, 2 complete
	PHCStep        string
	PHCName        string // name to put on the PHC, from GitHub or the bank
	PHCMethod      string // GITHUB or BANK
	CurrentModule  int    // module open in the portal, 0 when none
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
}

// Connected reports whether a wallet connection is established.
func (s *Session) Connected() bool { return s.ConnectionID != "" }

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Operation outcomes recorded in the ledger. Pending means not yet settled.
const (
	OutcomePending   = "pending"
	OutcomeDone      = "done"
	OutcomeAbandoned = "abandoned"
	OutcomeTimedOut  = "timed_out"
	OutcomeCanceled  = "canceled"
	OutcomeFailed    = "failed"
)

// Operation is one submitted agent operation and how it settled.
type Operation struct {
	Handle     string
	SessionID  string
	Flow       string // e.g. "portal.connect", "phc.issue"
	Kind       string // connection, proof, credential
	Outcome    string
	Attempts   int
	LastStatus string
	Error      string
	CreatedAt  time.Time
	SettledAt  *time.Time
}

// Settlement is the terminal information written back to an Operation.
type Settlement struct {
	Outcome    string
	Attempts   int
	LastStatus string
	Error      string
	SettledAt  time.Time
}

// Store defines the interface for portal persistence
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, session *Session) error
	ResetSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	// Module progress
	MarkModuleCompleted(ctx context.Context, sessionID string, moduleID int, at time.Time) error
	ListCompletedModules(ctx context.Context, sessionID string) ([]int, error)

	// Operations ledger
	RecordOperation(ctx context.Context, op *Operation) error
	SettleOperation(ctx context.Context, handle string, s Settlement) error
	GetOperation(ctx context.Context, handle string) (*Operation, error)
	ListOperations(ctx context.Context, sessionID string, limit int) ([]*Operation, error)

	// Ping checks the database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

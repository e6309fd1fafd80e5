// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	sessions   map[string]*Session     // keyed by session ID
	completed  map[string]map[int]bool // keyed by session ID -> module ID
	operations map[string]*Operation   // keyed by handle
	order      []string                // handles in insertion order
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions:   make(map[string]*Session),
		completed:  make(map[string]map[int]bool),
		operations: make(map[string]*Operation),
	}
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; ok {
		return ErrDuplicateSession
	}
	if session.PHCStep == "" {
		session.PHCStep = PHCStepConnect
	}
	s := *session
	m.sessions[s.ID] = &s
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok || s.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// UpdateSession replaces a stored session.
func (m *MockStore) UpdateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[session.ID]
	if !ok {
		return ErrNotFound
	}
	s := *session
	s.CreatedAt = existing.CreatedAt
	m.sessions[s.ID] = &s
	return nil
}

// ResetSession clears a session's state and module progress.
func (m *MockStore) ResetSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	m.sessions[id] = &Session{
		ID:        s.ID,
		PHCStep:   PHCStepConnect,
		CreatedAt: s.CreatedAt,
		UpdatedAt: time.Now(),
		ExpiresAt: s.ExpiresAt,
	}
	delete(m.completed, id)
	return nil
}

// DeleteExpiredSessions removes sessions that expired at or before now.
func (m *MockStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			delete(m.completed, id)
			n++
		}
	}
	return n, nil
}

// MarkModuleCompleted records a completed module.
func (m *MockStore) MarkModuleCompleted(ctx context.Context, sessionID string, moduleID int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	if m.completed[sessionID] == nil {
		m.completed[sessionID] = make(map[int]bool)
	}
	m.completed[sessionID][moduleID] = true
	return nil
}

// ListCompletedModules returns completed module ids in ascending order.
func (m *MockStore) ListCompletedModules(ctx context.Context, sessionID string) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []int
	for id := range m.completed[sessionID] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// RecordOperation stores a pending operation.
func (m *MockStore) RecordOperation(ctx context.Context, op *Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if op.Outcome == "" {
		op.Outcome = OutcomePending
	}
	o := *op
	if _, exists := m.operations[o.Handle]; !exists {
		m.order = append(m.order, o.Handle)
	}
	m.operations[o.Handle] = &o
	return nil
}

// SettleOperation writes an operation's outcome.
func (m *MockStore) SettleOperation(ctx context.Context, handle string, st Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operations[handle]
	if !ok {
		return ErrNotFound
	}
	op.Outcome = st.Outcome
	op.Attempts = st.Attempts
	op.LastStatus = st.LastStatus
	op.Error = st.Error
	at := st.SettledAt
	op.SettledAt = &at
	return nil
}

// GetOperation retrieves an operation by handle.
func (m *MockStore) GetOperation(ctx context.Context, handle string) (*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, ok := m.operations[handle]
	if !ok {
		return nil, ErrNotFound
	}
	result := *op
	return &result, nil
}

// ListOperations returns a session's operations, newest first.
func (m *MockStore) ListOperations(ctx context.Context, sessionID string, limit int) ([]*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var ops []*Operation
	for i := len(m.order) - 1; i >= 0 && len(ops) < limit; i-- {
		op := m.operations[m.order[i]]
		if op.SessionID != sessionID {
			continue
		}
		result := *op
		ops = append(ops, &result)
	}
	return ops, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

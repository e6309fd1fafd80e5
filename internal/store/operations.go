// ABOUTME: Operation ledger persistence for SQLiteStore
// ABOUTME: Records every submitted agent operation and how its polling settled

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const operationColumns = `handle, session_id, flow, kind, outcome, attempts, last_status, error, created_at, settled_at`

// RecordOperation inserts a pending ledger entry for a freshly submitted operation.
func (s *SQLiteStore) RecordOperation(ctx context.Context, op *Operation) error {
	if op.Outcome == "" {
		op.Outcome = OutcomePending
	}
	var settledAt any
	if op.SettledAt != nil {
		settledAt = formatTime(*op.SettledAt)
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO operations (`+operationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.Handle,
		op.SessionID,
		op.Flow,
		op.Kind,
		op.Outcome,
		op.Attempts,
		op.LastStatus,
		op.Error,
		formatTime(op.CreatedAt),
		settledAt,
	)
	if err != nil {
		return fmt.Errorf("inserting operation: %w", err)
	}

	s.logger.Debug("recorded operation", "handle", op.Handle, "flow", op.Flow)
	return nil
}

// SettleOperation writes the terminal outcome of an operation.
// Returns ErrNotFound if the handle was never recorded.
func (s *SQLiteStore) SettleOperation(ctx context.Context, handle string, st Settlement) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE operations
		SET outcome = ?, attempts = ?, last_status = ?, error = ?, settled_at = ?
		WHERE handle = ?
	`, st.Outcome, st.Attempts, st.LastStatus, st.Error, formatTime(st.SettledAt), handle)
	if err != nil {
		return fmt.Errorf("settling operation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("settled operation", "handle", handle, "outcome", st.Outcome)
	return nil
}

// GetOperation retrieves a ledger entry by handle.
func (s *SQLiteStore) GetOperation(ctx context.Context, handle string) (*Operation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE handle = ?`, handle)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying operation: %w", err)
	}
	return op, nil
}

// ListOperations returns a session's operations, newest first.
// If limit is 0 or negative, a default limit of 50 is used.
func (s *SQLiteStore) ListOperations(ctx context.Context, sessionID string, limit int) ([]*Operation, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+operationColumns+`
		FROM operations
		WHERE session_id = ?
		ORDER BY created_at DESC, handle DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying operations: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func scanOperation(row rowScanner) (*Operation, error) {
	var op Operation
	var createdAt string
	var settledAt sql.NullString

	err := row.Scan(
		&op.Handle,
		&op.SessionID,
		&op.Flow,
		&op.Kind,
		&op.Outcome,
		&op.Attempts,
		&op.LastStatus,
		&op.Error,
		&createdAt,
		&settledAt,
	)
	if err != nil {
		return nil, err
	}

	if op.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if settledAt.Valid {
		t, err := parseTime("settled_at", settledAt.String)
		if err != nil {
			return nil, err
		}
		op.SettledAt = &t
	}
	return &op, nil
}

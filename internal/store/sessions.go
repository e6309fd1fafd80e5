// ABOUTME: Session and module-progress persistence for SQLiteStore
// ABOUTME: Sessions carry cross-page state; reset clears it wholesale

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sessionColumns = `id, connection_id, their_label, has_phc, onboarding_step, phc_step,
	phc_name, phc_method, current_module, created_at, updated_at, expires_at`

// CreateSession inserts a new session.
// Returns ErrDuplicateSession if the id is taken.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	if session.PHCStep == "" {
		session.PHCStep = PHCStepConnect
	}
	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.ConnectionID,
		session.TheirLabel,
		boolToInt(session.HasPHC),
		session.OnboardingStep,
		session.PHCStep,
		session.PHCName,
		session.PHCMethod,
		session.CurrentModule,
		formatTime(session.CreatedAt),
		formatTime(session.UpdatedAt),
		formatTime(session.ExpiresAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID)
	return nil
}

// GetSession retrieves a session by id.
// Returns ErrNotFound if the session doesn't exist or has expired.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	if sess.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return sess, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var hasPHC int
	var createdAt, updatedAt, expiresAt string

	err := row.Scan(
		&sess.ID,
		&sess.ConnectionID,
		&sess.TheirLabel,
		&hasPHC,
		&sess.OnboardingStep,
		&sess.PHCStep,
		&sess.PHCName,
		&sess.PHCMethod,
		&sess.CurrentModule,
		&createdAt,
		&updatedAt,
		&expiresAt,
	)
	if err != nil {
		return nil, err
	}
	sess.HasPHC = hasPHC != 0

	if sess.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	if sess.ExpiresAt, err = parseTime("expires_at", expiresAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

// UpdateSession writes every mutable field of the session.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *Session) error {
	query := `
		UPDATE sessions
		SET connection_id = ?, their_label = ?, has_phc = ?, onboarding_step = ?, phc_step = ?,
			phc_name = ?, phc_method = ?, current_module = ?, updated_at = ?, expires_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		session.ConnectionID,
		session.TheirLabel,
		boolToInt(session.HasPHC),
		session.OnboardingStep,
		session.PHCStep,
		session.PHCName,
		session.PHCMethod,
		session.CurrentModule,
		formatTime(session.UpdatedAt),
		formatTime(session.ExpiresAt),
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated session", "id", session.ID)
	return nil
}

// ResetSession clears a session's state and module progress, keeping its id and expiry.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) ResetSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET connection_id = '', their_label = '', has_phc = 0, onboarding_step = 0,
			phc_step = 'connect', phc_name = '', phc_method = '', current_module = 0, updated_at = ?
		WHERE id = ?
	`, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("resetting session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM completed_modules WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("clearing completed modules: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing reset: %w", err)
	}

	s.logger.Debug("reset session", "id", id)
	return nil
}

// DeleteExpiredSessions removes sessions whose expiry is at or before now.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("deleted expired sessions", "count", n)
	}
	return n, nil
}

// MarkModuleCompleted records that a session finished a module. Marking twice is a no-op.
func (s *SQLiteStore) MarkModuleCompleted(ctx context.Context, sessionID string, moduleID int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completed_modules (session_id, module_id, completed_at)
		VALUES (?, ?, ?)
		ON CONFLICT (session_id, module_id) DO NOTHING
	`, sessionID, moduleID, formatTime(at))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("marking module completed: %w", err)
	}
	return nil
}

// ListCompletedModules returns the ids of completed modules in ascending order.
func (s *SQLiteStore) ListCompletedModules(ctx context.Context, sessionID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT module_id FROM completed_modules WHERE session_id = ? ORDER BY module_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying completed modules: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning module id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

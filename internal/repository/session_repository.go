package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerline/reconauth/internal/database"
	"github.com/ledgerline/reconauth/internal/model"
)

// SessionRepository handles session persistence
type SessionRepository struct {
	db *database.Postgres
}

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(db *database.Postgres) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, account_id, tenant_id, fingerprint, device_name, user_agent, ip_address,
	trusted, created_at, last_accessed_at, expires_at, revoked_at, revoke_reason`

// CreateWithCeiling inserts s after evicting the least recently accessed
// active sessions of the account until fewer than ceiling remain. The
// account row is locked for the duration, so concurrent logins for one
// account are serialized. The evicted sessions are returned.
func (r *SessionRepository) CreateWithCeiling(ctx context.Context, s *model.Session, ceiling int, now time.Time) ([]*model.Session, error) {
	var evicted []*model.Session

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var locked string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM accounts WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
			s.TenantID, s.AccountID,
		).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock account: %w", err)
		}

		active, err := listSessions(ctx, tx, `
			SELECT `+sessionColumns+` FROM sessions
			WHERE account_id = $1 AND revoked_at IS NULL AND expires_at > $2
			ORDER BY last_accessed_at ASC, created_at ASC`,
			s.AccountID, now,
		)
		if err != nil {
			return err
		}

		reason := model.RevokeReasonEvicted
		for i := 0; ceiling > 0 && len(active)-i >= ceiling; i++ {
			victim := active[i]
			if _, err := tx.ExecContext(ctx,
				`UPDATE sessions SET revoked_at = $1, revoke_reason = $2 WHERE id = $3`,
				now, reason, victim.ID,
			); err != nil {
				return fmt.Errorf("failed to evict session: %w", err)
			}
			victim.RevokedAt = &now
			victim.RevokeReason = &reason
			evicted = append(evicted, victim)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (id, account_id, tenant_id, fingerprint, device_name, user_agent, ip_address,
			    trusted, created_at, last_accessed_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			s.ID, s.AccountID, s.TenantID, s.Fingerprint, s.DeviceName, s.UserAgent, s.IPAddress,
			s.Trusted, s.CreatedAt, s.LastAccessedAt, s.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return evicted, nil
}

// GetByID retrieves a session within a tenant
func (r *SessionRepository) GetByID(ctx context.Context, tenantID, id string) (*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE tenant_id = $1 AND id = $2`
	s, err := scanSession(r.db.QueryRowContext(ctx, query, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// ListActive returns unrevoked, unexpired sessions, most recently used first.
func (r *SessionRepository) ListActive(ctx context.Context, accountID string, now time.Time) ([]*model.Session, error) {
	return listSessions(ctx, r.db, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE account_id = $1 AND revoked_at IS NULL AND expires_at > $2
		ORDER BY last_accessed_at DESC`,
		accountID, now,
	)
}

// Touch records activity on an active session
func (r *SessionRepository) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET last_accessed_at = $1 WHERE id = $2 AND revoked_at IS NULL AND last_accessed_at < $1`,
		at, id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// Revoke marks one session revoked. Revoking an already revoked session
// returns ErrNotFound.
func (r *SessionRepository) Revoke(ctx context.Context, tenantID, id, reason string, at time.Time) (*model.Session, error) {
	query := `
		UPDATE sessions SET revoked_at = $1, revoke_reason = $2
		WHERE tenant_id = $3 AND id = $4 AND revoked_at IS NULL
		RETURNING ` + sessionColumns
	s, err := scanSession(r.db.QueryRowContext(ctx, query, at, reason, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to revoke session: %w", err)
	}
	return s, nil
}

// RevokeAll revokes every active session of the account except exceptID.
func (r *SessionRepository) RevokeAll(ctx context.Context, tenantID, accountID, exceptID, reason string, at time.Time) ([]*model.Session, error) {
	return listSessions(ctx, r.db, `
		UPDATE sessions SET revoked_at = $1, revoke_reason = $2
		WHERE tenant_id = $3 AND account_id = $4 AND revoked_at IS NULL AND id::text <> $5
		RETURNING `+sessionColumns,
		at, reason, tenantID, accountID, exceptID,
	)
}

// DeleteStale removes sessions that expired or were revoked before cutoff.
func (r *SessionRepository) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $1)`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale sessions: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	var (
		s      model.Session
		reason sql.NullString
	)
	err := row.Scan(
		&s.ID, &s.AccountID, &s.TenantID, &s.Fingerprint, &s.DeviceName, &s.UserAgent, &s.IPAddress,
		&s.Trusted, &s.CreatedAt, &s.LastAccessedAt, &s.ExpiresAt, &s.RevokedAt, &reason,
	)
	if err != nil {
		return nil, err
	}
	if reason.Valid {
		s.RevokeReason = &reason.String
	}
	return &s, nil
}

func listSessions(ctx context.Context, q querier, query string, args ...any) ([]*model.Session, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

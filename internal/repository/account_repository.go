package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ledgerline/reconauth/internal/database"
	"github.com/ledgerline/reconauth/internal/model"
)

// AccountRepository handles account persistence. Every lookup is tenant scoped.
type AccountRepository struct {
	db *database.Postgres
}

// NewAccountRepository creates a new AccountRepository
func NewAccountRepository(db *database.Postgres) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `id, tenant_id, email, password_hash, role, status, locked_until,
	mfa_enabled, mfa_secret, mfa_pending_secret, password_changed_at, created_at, updated_at`

// Create inserts a new account
func (r *AccountRepository) Create(ctx context.Context, a *model.Account) error {
	query := `
		INSERT INTO accounts (id, tenant_id, email, password_hash, role, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.TenantID, normalizeEmail(a.Email), a.PasswordHash, a.Role, a.Status, a.CreatedAt, a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetByID retrieves an account by ID within a tenant
func (r *AccountRepository) GetByID(ctx context.Context, tenantID, id string) (*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE tenant_id = $1 AND id = $2`
	return scanAccount(r.db.QueryRowContext(ctx, query, tenantID, id))
}

// GetByEmail retrieves an account by email within a tenant
func (r *AccountRepository) GetByEmail(ctx context.Context, tenantID, email string) (*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE tenant_id = $1 AND email = $2`
	return scanAccount(r.db.QueryRowContext(ctx, query, tenantID, normalizeEmail(email)))
}

// UpdateStatus sets the account status. lockedUntil is only stored for locked accounts.
func (r *AccountRepository) UpdateStatus(ctx context.Context, tenantID, id string, status model.AccountStatus, lockedUntil *time.Time) error {
	if status != model.AccountStatusLocked {
		lockedUntil = nil
	}
	query := `UPDATE accounts SET status = $1, locked_until = $2, updated_at = $3 WHERE tenant_id = $4 AND id = $5`
	res, err := r.db.ExecContext(ctx, query, status, lockedUntil, time.Now(), tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	return mustAffect(res)
}

// PasswordHistory returns up to limit previous password hashes, newest first.
func (r *AccountRepository) PasswordHistory(ctx context.Context, accountID string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
		SELECT password_hash FROM password_history
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load password history: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan password history: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// UpdatePassword stores newHash, pushes the previous hash onto the history
// and trims the history to keep entries.
func (r *AccountRepository) UpdatePassword(ctx context.Context, tenantID, id, newHash string, keep int) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT password_hash FROM accounts WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
			tenantID, id,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock account: %w", err)
		}

		now := time.Now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET password_hash = $1, password_changed_at = $2, updated_at = $2 WHERE id = $3`,
			newHash, now, id,
		); err != nil {
			return fmt.Errorf("failed to update password: %w", err)
		}

		if keep <= 0 {
			_, err := tx.ExecContext(ctx, `DELETE FROM password_history WHERE account_id = $1`, id)
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO password_history (account_id, password_hash, created_at) VALUES ($1, $2, $3)`,
			id, current, now,
		); err != nil {
			return fmt.Errorf("failed to record password history: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			DELETE FROM password_history
			WHERE account_id = $1 AND id NOT IN (
				SELECT id FROM password_history WHERE account_id = $1
				ORDER BY created_at DESC, id DESC LIMIT $2
			)`, id, keep)
		if err != nil {
			return fmt.Errorf("failed to trim password history: %w", err)
		}
		return nil
	})
}

// SetPendingMFASecret stores a secret that becomes active on EnableMFA.
func (r *AccountRepository) SetPendingMFASecret(ctx context.Context, tenantID, id, secret string) error {
	query := `UPDATE accounts SET mfa_pending_secret = $1, updated_at = $2 WHERE tenant_id = $3 AND id = $4`
	res, err := r.db.ExecContext(ctx, query, nullString(secret), time.Now(), tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to store pending MFA secret: %w", err)
	}
	return mustAffect(res)
}

// EnableMFA promotes the pending secret. ErrNotFound when nothing is pending.
func (r *AccountRepository) EnableMFA(ctx context.Context, tenantID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET mfa_enabled = TRUE, mfa_secret = mfa_pending_secret, mfa_pending_secret = NULL, updated_at = $1
		WHERE tenant_id = $2 AND id = $3 AND mfa_pending_secret IS NOT NULL`,
		time.Now(), tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to enable MFA: %w", err)
	}
	return mustAffect(res)
}

// DisableMFA clears the secret, backup codes and trusted devices of the account.
func (r *AccountRepository) DisableMFA(ctx context.Context, tenantID, id string) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts
			SET mfa_enabled = FALSE, mfa_secret = NULL, mfa_pending_secret = NULL, updated_at = $1
			WHERE tenant_id = $2 AND id = $3`,
			time.Now(), tenantID, id,
		)
		if err != nil {
			return fmt.Errorf("failed to disable MFA: %w", err)
		}
		if err := mustAffect(res); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM backup_codes WHERE account_id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete backup codes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM trusted_devices WHERE account_id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete trusted devices: %w", err)
		}
		return nil
	})
}

func scanAccount(row *sql.Row) (*model.Account, error) {
	var (
		a       model.Account
		secret  sql.NullString
		pending sql.NullString
	)
	err := row.Scan(
		&a.ID, &a.TenantID, &a.Email, &a.PasswordHash, &a.Role, &a.Status, &a.LockedUntil,
		&a.MFAEnabled, &secret, &pending, &a.PasswordChangedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	a.MFASecret = secret.String
	a.MFAPendingSecret = pending.String
	return &a, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

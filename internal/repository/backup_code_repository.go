package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ledgerline/reconauth/internal/database"
	"github.com/ledgerline/reconauth/internal/model"
)

// BackupCodeRepository handles MFA backup code persistence
type BackupCodeRepository struct {
	db *database.Postgres
}

// NewBackupCodeRepository creates a new BackupCodeRepository
func NewBackupCodeRepository(db *database.Postgres) *BackupCodeRepository {
	return &BackupCodeRepository{db: db}
}

// Replace discards all existing codes of the account and stores codes.
func (r *BackupCodeRepository) Replace(ctx context.Context, accountID string, codes []*model.BackupCode) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		return replaceBackupCodes(ctx, tx, accountID, codes)
	})
}

// Consume marks the code with codeHash as used. It reports false when no
// unused code matched; concurrent callers cannot both succeed.
func (r *BackupCodeRepository) Consume(ctx context.Context, accountID, codeHash string, at time.Time) (bool, error) {
	query := `UPDATE backup_codes SET used_at = $1 WHERE account_id = $2 AND code_hash = $3 AND used_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, at, accountID, codeHash)
	if err != nil {
		return false, fmt.Errorf("failed to consume backup code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to consume backup code: %w", err)
	}
	return n == 1, nil
}

// CountUnused returns the number of codes still available
func (r *BackupCodeRepository) CountUnused(ctx context.Context, accountID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM backup_codes WHERE account_id = $1 AND used_at IS NULL`, accountID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count backup codes: %w", err)
	}
	return n, nil
}

func replaceBackupCodes(ctx context.Context, q querier, accountID string, codes []*model.BackupCode) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM backup_codes WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("failed to delete backup codes: %w", err)
	}
	for _, c := range codes {
		_, err := q.ExecContext(ctx,
			`INSERT INTO backup_codes (id, account_id, code_hash, created_at) VALUES ($1, $2, $3, $4)`,
			c.ID, accountID, c.CodeHash, c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to store backup code: %w", err)
		}
	}
	return nil
}

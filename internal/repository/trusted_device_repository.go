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

// TrustedDeviceRepository handles remembered-device persistence
type TrustedDeviceRepository struct {
	db *database.Postgres
}

// NewTrustedDeviceRepository creates a new TrustedDeviceRepository
func NewTrustedDeviceRepository(db *database.Postgres) *TrustedDeviceRepository {
	return &TrustedDeviceRepository{db: db}
}

// Upsert creates or extends the trust grant for (account, fingerprint)
func (r *TrustedDeviceRepository) Upsert(ctx context.Context, d *model.TrustedDevice) error {
	query := `
		INSERT INTO trusted_devices (account_id, tenant_id, fingerprint, label, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, fingerprint)
		DO UPDATE SET label = EXCLUDED.label, expires_at = EXCLUDED.expires_at
	`
	_, err := r.db.ExecContext(ctx, query, d.AccountID, d.TenantID, d.Fingerprint, d.Label, d.ExpiresAt, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store trusted device: %w", err)
	}
	return nil
}

// Get returns the grant for (account, fingerprint), expired or not.
func (r *TrustedDeviceRepository) Get(ctx context.Context, accountID, fingerprint string) (*model.TrustedDevice, error) {
	query := `
		SELECT account_id, tenant_id, fingerprint, label, expires_at, created_at
		FROM trusted_devices
		WHERE account_id = $1 AND fingerprint = $2
	`
	var d model.TrustedDevice
	err := r.db.QueryRowContext(ctx, query, accountID, fingerprint).Scan(
		&d.AccountID, &d.TenantID, &d.Fingerprint, &d.Label, &d.ExpiresAt, &d.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trusted device: %w", err)
	}
	return &d, nil
}

// ListValid returns unexpired grants for the account
func (r *TrustedDeviceRepository) ListValid(ctx context.Context, accountID string, now time.Time) ([]*model.TrustedDevice, error) {
	query := `
		SELECT account_id, tenant_id, fingerprint, label, expires_at, created_at
		FROM trusted_devices
		WHERE account_id = $1 AND expires_at > $2
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, accountID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list trusted devices: %w", err)
	}
	defer rows.Close()

	var devices []*model.TrustedDevice
	for rows.Next() {
		var d model.TrustedDevice
		if err := rows.Scan(&d.AccountID, &d.TenantID, &d.Fingerprint, &d.Label, &d.ExpiresAt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trusted device: %w", err)
		}
		devices = append(devices, &d)
	}
	return devices, rows.Err()
}

// Delete removes one grant
func (r *TrustedDeviceRepository) Delete(ctx context.Context, accountID, fingerprint string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM trusted_devices WHERE account_id = $1 AND fingerprint = $2`, accountID, fingerprint,
	)
	if err != nil {
		return fmt.Errorf("failed to delete trusted device: %w", err)
	}
	return mustAffect(res)
}

// DeleteAll removes every grant of the account
func (r *TrustedDeviceRepository) DeleteAll(ctx context.Context, accountID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM trusted_devices WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("failed to delete trusted devices: %w", err)
	}
	return nil
}

// DeleteExpired removes grants that expired before cutoff
func (r *TrustedDeviceRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM trusted_devices WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired trusted devices: %w", err)
	}
	return res.RowsAffected()
}

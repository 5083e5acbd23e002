package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ledgerline/reconauth/internal/database"
	"github.com/ledgerline/reconauth/internal/model"
)

// AuditRepository handles audit log persistence
type AuditRepository struct {
	db *database.Postgres
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *database.Postgres) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create inserts a new audit log entry
func (r *AuditRepository) Create(ctx context.Context, log *model.AuditLog) error {
	metadataJSON, err := json.Marshal(log.Metadata)
	if err != nil || log.Metadata == nil {
		metadataJSON = []byte("{}")
	}

	query := `
		INSERT INTO audit_logs (id, event_type, tenant_id, account_id, ip_address,
		    outcome, reason, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.db.ExecContext(ctx, query,
		log.ID,
		log.EventType,
		log.TenantID,
		log.AccountID,
		log.IPAddress,
		log.Outcome,
		log.Reason,
		metadataJSON,
		log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}

// DeleteOlderThan prunes entries created before cutoff
func (r *AuditRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit logs: %w", err)
	}
	return res.RowsAffected()
}

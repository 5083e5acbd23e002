package repository

import (
	"context"
	"fmt"

	"github.com/ledgerline/reconauth/internal/database"
)

// TenantRepository handles tenant records
type TenantRepository struct {
	db *database.Postgres
}

// NewTenantRepository creates a new TenantRepository
func NewTenantRepository(db *database.Postgres) *TenantRepository {
	return &TenantRepository{db: db}
}

// Ensure creates the tenant when it does not exist yet
func (r *TenantRepository) Ensure(ctx context.Context, id, name string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, id, name,
	)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ledgerline/reconauth/internal/database"
)

// RoleRepository reads tenant-defined roles
type RoleRepository struct {
	db *database.Postgres
}

// NewRoleRepository creates a new RoleRepository
func NewRoleRepository(db *database.Postgres) *RoleRepository {
	return &RoleRepository{db: db}
}

// Permissions returns the permission names granted by a tenant role.
func (r *RoleRepository) Permissions(ctx context.Context, tenantID, role string) ([]string, error) {
	var names []string
	err := r.db.QueryRowContext(ctx,
		`SELECT permissions FROM roles WHERE tenant_id = $1 AND name = $2`, tenantID, role,
	).Scan(pq.Array(&names))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load role: %w", err)
	}
	return names, nil
}

// Upsert creates or replaces a tenant role
func (r *RoleRepository) Upsert(ctx context.Context, tenantID, role string, permissions []string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO roles (tenant_id, name, permissions) VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, name) DO UPDATE SET permissions = EXCLUDED.permissions`,
		tenantID, role, pq.Array(permissions),
	)
	if err != nil {
		return fmt.Errorf("failed to store role: %w", err)
	}
	return nil
}

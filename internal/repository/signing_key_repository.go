package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ledgerline/reconauth/internal/database"
	"github.com/ledgerline/reconauth/internal/model"
)

// SigningKeyRepository handles token signing key persistence.
type SigningKeyRepository struct {
	db *database.Postgres
}

// NewSigningKeyRepository creates a new SigningKeyRepository.
func NewSigningKeyRepository(db *database.Postgres) *SigningKeyRepository {
	return &SigningKeyRepository{db: db}
}

const signingKeyColumns = `id, algorithm, public_key, private_key_enc, is_active, expires_at, created_at, rotated_at`

// Rotate deactivates every active key of the algorithm and stores key as the
// new active key, in one transaction.
func (r *SigningKeyRepository) Rotate(ctx context.Context, key *model.SigningKey) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE signing_keys SET is_active = FALSE, rotated_at = $1 WHERE algorithm = $2 AND is_active = TRUE`,
			key.CreatedAt, key.Algorithm,
		); err != nil {
			return fmt.Errorf("failed to deactivate signing keys: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO signing_keys (id, algorithm, public_key, private_key_enc, is_active, expires_at, created_at)
			VALUES ($1, $2, $3, $4, TRUE, $5, $6)`,
			key.ID, key.Algorithm, key.PublicKey, key.PrivateKeyEnc, key.ExpiresAt, key.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create signing key: %w", err)
		}
		return nil
	})
}

// GetActive retrieves the newest active key for an algorithm.
func (r *SigningKeyRepository) GetActive(ctx context.Context, algorithm string) (*model.SigningKey, error) {
	keys, err := r.list(ctx, `
		SELECT `+signingKeyColumns+` FROM signing_keys
		WHERE algorithm = $1 AND is_active = TRUE
		ORDER BY created_at DESC LIMIT 1`, algorithm)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrNotFound
	}
	return keys[0], nil
}

// ListVerifiable returns keys of any algorithm created after notBefore. Tokens
// signed by a retired key keep verifying until that key ages out.
func (r *SigningKeyRepository) ListVerifiable(ctx context.Context, notBefore time.Time) ([]*model.SigningKey, error) {
	return r.list(ctx, `
		SELECT `+signingKeyColumns+` FROM signing_keys
		WHERE created_at > $1
		ORDER BY created_at DESC`, notBefore)
}

// DeleteRetired removes inactive keys created before cutoff.
func (r *SigningKeyRepository) DeleteRetired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM signing_keys WHERE is_active = FALSE AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete retired keys: %w", err)
	}
	return res.RowsAffected()
}

func (r *SigningKeyRepository) list(ctx context.Context, query string, args ...any) ([]*model.SigningKey, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query signing keys: %w", err)
	}
	defer rows.Close()

	var keys []*model.SigningKey
	for rows.Next() {
		var k model.SigningKey
		err := rows.Scan(&k.ID, &k.Algorithm, &k.PublicKey, &k.PrivateKeyEnc,
			&k.IsActive, &k.ExpiresAt, &k.CreatedAt, &k.RotatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signing key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

package service

import (
	"context"
	"time"

	"github.com/ledgerline/reconauth/internal/model"
)

// The interfaces below are satisfied by the types in internal/repository.

// AccountStore persists accounts, password history and MFA secrets.
type AccountStore interface {
	GetByID(ctx context.Context, tenantID, id string) (*model.Account, error)
	GetByEmail(ctx context.Context, tenantID, email string) (*model.Account, error)
	UpdateStatus(ctx context.Context, tenantID, id string, status model.AccountStatus, lockedUntil *time.Time) error
	PasswordHistory(ctx context.Context, accountID string, limit int) ([]string, error)
	UpdatePassword(ctx context.Context, tenantID, id, newHash string, keep int) error
	SetPendingMFASecret(ctx context.Context, tenantID, id, secret string) error
	EnableMFA(ctx context.Context, tenantID, id string) error
	DisableMFA(ctx context.Context, tenantID, id string) error
}

// BackupCodeStore persists hashed backup codes.
type BackupCodeStore interface {
	Replace(ctx context.Context, accountID string, codes []*model.BackupCode) error
	Consume(ctx context.Context, accountID, codeHash string, at time.Time) (bool, error)
	CountUnused(ctx context.Context, accountID string) (int, error)
}

// SessionStore persists sessions. CreateWithCeiling must serialize per account.
type SessionStore interface {
	CreateWithCeiling(ctx context.Context, s *model.Session, ceiling int, now time.Time) ([]*model.Session, error)
	GetByID(ctx context.Context, tenantID, id string) (*model.Session, error)
	ListActive(ctx context.Context, accountID string, now time.Time) ([]*model.Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
	Revoke(ctx context.Context, tenantID, id, reason string, at time.Time) (*model.Session, error)
	RevokeAll(ctx context.Context, tenantID, accountID, exceptID, reason string, at time.Time) ([]*model.Session, error)
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// TrustedDeviceStore persists device trust grants.
type TrustedDeviceStore interface {
	Upsert(ctx context.Context, d *model.TrustedDevice) error
	Get(ctx context.Context, accountID, fingerprint string) (*model.TrustedDevice, error)
	ListValid(ctx context.Context, accountID string, now time.Time) ([]*model.TrustedDevice, error)
	Delete(ctx context.Context, accountID, fingerprint string) error
	DeleteAll(ctx context.Context, accountID string) error
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// RoleStore resolves tenant-defined roles.
type RoleStore interface {
	Permissions(ctx context.Context, tenantID, role string) ([]string, error)
}

// SigningKeyStore persists token signing keys.
type SigningKeyStore interface {
	Rotate(ctx context.Context, key *model.SigningKey) error
	GetActive(ctx context.Context, algorithm string) (*model.SigningKey, error)
	ListVerifiable(ctx context.Context, notBefore time.Time) ([]*model.SigningKey, error)
	DeleteRetired(ctx context.Context, cutoff time.Time) (int64, error)
}

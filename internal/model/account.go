package model

import (
	"time"
)

// AccountStatus is the authentication status of an account
type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "active"
	AccountStatusLocked   AccountStatus = "locked"
	AccountStatusDisabled AccountStatus = "disabled"
)

// Account is a tenant-scoped identity. (TenantID, Email) is unique.
type Account struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenantId"`
	Email        string        `json:"email"`
	PasswordHash string        `json:"-"`
	Role         string        `json:"role"`
	Status       AccountStatus `json:"status"`
	// LockedUntil is only meaningful while Status is locked. Nil means the
	// lock lasts until an administrator clears it.
	LockedUntil *time.Time `json:"lockedUntil,omitempty"`

	MFAEnabled       bool   `json:"mfaEnabled"`
	MFASecret        string `json:"-"`
	MFAPendingSecret string `json:"-"`

	PasswordChangedAt *time.Time `json:"passwordChangedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// IsLocked reports whether an administrative or persisted lock is in force at now.
func (a *Account) IsLocked(now time.Time) bool {
	if a.Status != AccountStatusLocked {
		return false
	}
	return a.LockedUntil == nil || now.Before(*a.LockedUntil)
}

// IsDisabled reports whether the account has been disabled
func (a *Account) IsDisabled() bool {
	return a.Status == AccountStatusDisabled
}

// PasswordHistoryEntry is one prior password hash kept for reuse checks
type PasswordHistoryEntry struct {
	AccountID    string    `json:"accountId"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

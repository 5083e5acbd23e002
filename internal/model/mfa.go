package model

import (
	"time"
)

// MFAMethodType is a second factor a user can present
type MFAMethodType string

const (
	MFAMethodTOTP       MFAMethodType = "totp"
	MFAMethodBackupCode MFAMethodType = "backup_code"
)

// BackupCode is a single-use recovery code, stored only as a hash
type BackupCode struct {
	ID        string     `json:"id"`
	AccountID string     `json:"accountId"`
	CodeHash  string     `json:"-"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// IsUsed checks if the backup code has already been used
func (b *BackupCode) IsUsed() bool {
	return b.UsedAt != nil
}

// MFAEnrollment is returned once when MFA is set up. The secret and codes are
// never retrievable again.
type MFAEnrollment struct {
	Secret      string   `json:"secret"`
	URI         string   `json:"uri"`
	QRCode      string   `json:"qrCode"` // base64-encoded PNG
	Issuer      string   `json:"issuer"`
	AccountName string   `json:"accountName"`
	BackupCodes []string `json:"backupCodes"`
}

// MFAStatus summarises an account's second-factor configuration
type MFAStatus struct {
	Enabled              bool            `json:"enabled"`
	Pending              bool            `json:"pending"`
	Methods              []MFAMethodType `json:"methods"`
	BackupCodesRemaining int             `json:"backupCodesRemaining"`
}

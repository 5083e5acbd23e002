package model

import "time"

// Session is one authenticated device or browser context
type Session struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"accountId"`
	TenantID       string     `json:"tenantId"`
	Fingerprint    string     `json:"-"`
	DeviceName     string     `json:"deviceName"`
	UserAgent      string     `json:"userAgent,omitempty"`
	IPAddress      string     `json:"ipAddress,omitempty"`
	Trusted        bool       `json:"trusted"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastAccessedAt time.Time  `json:"lastAccessedAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
	RevokeReason   *string    `json:"revokeReason,omitempty"`
}

// IsActive reports whether the session is neither revoked nor expired at now
func (s *Session) IsActive(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// Session revocation reasons
const (
	RevokeReasonLogout        = "logout"
	RevokeReasonLogoutAll     = "logout_all"
	RevokeReasonEvicted       = "evicted"
	RevokeReasonUser          = "user_revoked"
	RevokeReasonPasswordReset = "password_changed"
	RevokeReasonAdmin         = "admin"
)

// TrustedDevice grants MFA bypass for (AccountID, Fingerprint) until ExpiresAt
type TrustedDevice struct {
	AccountID   string    `json:"accountId"`
	TenantID    string    `json:"tenantId"`
	Fingerprint string    `json:"fingerprint"`
	Label       string    `json:"label"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// IsValid reports whether the trust grant may still be honoured at now
func (d *TrustedDevice) IsValid(now time.Time) bool {
	return now.Before(d.ExpiresAt)
}

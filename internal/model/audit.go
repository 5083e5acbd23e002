package model

import "time"

// AuditLog is the persisted form of an audit event
type AuditLog struct {
	ID        string                 `json:"id"`
	EventType string                 `json:"eventType"`
	TenantID  *string                `json:"tenantId,omitempty"`
	AccountID *string                `json:"accountId,omitempty"`
	IPAddress *string                `json:"ipAddress,omitempty"`
	Outcome   string                 `json:"outcome"`
	Reason    *string                `json:"reason,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

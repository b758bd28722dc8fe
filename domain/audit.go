package domain

import "time"

// AuditAction enumerates the facts the audit trail records.
type AuditAction string

const (
	AuditLoginSuccess   AuditAction = "login_success"
	AuditLoginFail      AuditAction = "login_fail"
	AuditLink           AuditAction = "link"
	AuditUnlink         AuditAction = "unlink"
	AuditRefreshSuccess AuditAction = "refresh_success"
	AuditRefreshFail    AuditAction = "refresh_fail"
	AuditRateLimited    AuditAction = "rate_limited"
)

// AuditEvent is an immutable, append-only fact.
type AuditEvent struct {
	ID        string            `bson:"_id"                json:"id"`
	Timestamp time.Time         `bson:"timestamp"          json:"timestamp"`
	UserID    string            `bson:"user_id,omitempty"  json:"user_id,omitempty"`
	Provider  ProviderName      `bson:"provider,omitempty" json:"provider,omitempty"`
	Action    AuditAction       `bson:"action"             json:"action"`
	Metadata  map[string]string `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

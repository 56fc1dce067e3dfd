package models

import "time"

const (
	AuditRequestSubmitted = "request_submitted"
	AuditRequestApproved  = "request_approved"
	AuditRequestDenied    = "request_denied"
	AuditGrantExpired     = "grant_expired"
	AuditGrantRevoked     = "grant_revoked"
)

// AuditEvent records who asked, who decided and when.
type AuditEvent struct {
	ID         string            `json:"id"`
	Action     string            `json:"action"`
	Email      string            `json:"email"`
	RequestID  string            `json:"request_id,omitempty"`
	Actor      string            `json:"actor"`
	AccessType string            `json:"access_type,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Details    map[string]string `json:"details,omitempty"`
}

// AuditFilter narrows an audit query. Zero values match everything.
type AuditFilter struct {
	Email  string
	Action string
	Limit  int
}

package models

import (
	"strings"
	"time"
)

type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "pending"
	RequestStatusApproved RequestStatus = "approved"
	RequestStatusDenied   RequestStatus = "denied"
)

type AccessType string

const (
	AccessPermanent AccessType = "permanent"
	AccessTemporary AccessType = "temporary"
)

// ParseAccessType accepts the two decision kinds, case-insensitively.
func ParseAccessType(s string) (AccessType, bool) {
	switch AccessType(strings.ToLower(strings.TrimSpace(s))) {
	case AccessPermanent:
		return AccessPermanent, true
	case AccessTemporary:
		return AccessTemporary, true
	default:
		return "", false
	}
}

const (
	DecidedByAdmin     = "admin"
	DecidedByQuickLink = "quick-link"
)

// AccessRequest is the audit record of somebody asking to use the
// application. It is decided at most once and never deleted.
type AccessRequest struct {
	ID         string        `json:"id" db:"id"`
	Name       string        `json:"name" db:"name"`
	Email      string        `json:"email" db:"email"`
	Reason     string        `json:"reason" db:"reason"`
	Status     RequestStatus `json:"status" db:"status"`
	AccessType *AccessType   `json:"access_type" db:"access_type"` // nil while pending
	ExpiresAt  *time.Time    `json:"expires_at" db:"expires_at"`   // temporary approvals only
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
	DecidedAt  *time.Time    `json:"decided_at,omitempty" db:"decided_at"`
	DecidedBy  string        `json:"decided_by,omitempty" db:"decided_by"`
}

func (r *AccessRequest) IsPending() bool {
	return r.Status == RequestStatusPending
}

// EmailKey is the lookup form of the requester's address.
func (r *AccessRequest) EmailKey() string {
	return NormalizeEmail(r.Email)
}

// Decision is the single transition applied to a pending request.
type Decision struct {
	Status     RequestStatus
	AccessType *AccessType
	ExpiresAt  *time.Time
	DecidedAt  time.Time
	DecidedBy  string
}

// Apply copies the decision onto the request.
func (d Decision) Apply(r *AccessRequest) {
	decidedAt := d.DecidedAt
	r.Status = d.Status
	r.AccessType = d.AccessType
	r.ExpiresAt = d.ExpiresAt
	r.DecidedAt = &decidedAt
	r.DecidedBy = d.DecidedBy
}

// NormalizeEmail lowercases and trims an address for comparison and indexing.
// Display copies keep the caller's casing.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

package models

import (
	"sort"
	"time"
)

// AuthorizedUser is a grant. Several rows may exist for one email; Effective
// picks the one that applies.
type AuthorizedUser struct {
	ID         string     `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	Email      string     `json:"email" db:"email"`
	AccessType AccessType `json:"access_type" db:"access_type"`
	ExpiresAt  *time.Time `json:"expires_at" db:"expires_at"`
	ApprovedAt time.Time  `json:"approved_at" db:"approved_at"`
	RequestID  string     `json:"request_id,omitempty" db:"request_id"`
}

func (g *AuthorizedUser) EmailKey() string {
	return NormalizeEmail(g.Email)
}

// IsActive reports whether the grant authorizes its holder at now. A
// temporary grant without an expiry never authorizes.
func (g *AuthorizedUser) IsActive(now time.Time) bool {
	switch g.AccessType {
	case AccessPermanent:
		return true
	case AccessTemporary:
		return g.ExpiresAt != nil && g.ExpiresAt.After(now)
	default:
		return false
	}
}

// RemainingSeconds is the whole number of seconds left on a temporary grant,
// never negative.
func (g *AuthorizedUser) RemainingSeconds(now time.Time) int64 {
	if g.ExpiresAt == nil {
		return 0
	}
	remaining := int64(g.ExpiresAt.Sub(now) / time.Second)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Effective resolves the grant rows of one email: a permanent grant wins,
// otherwise the active temporary grant with the latest expiry. Rows that are
// no longer active are returned separately so callers can reclaim them.
func Effective(grants []*AuthorizedUser, now time.Time) (effective *AuthorizedUser, stale []*AuthorizedUser) {
	for _, g := range grants {
		if !g.IsActive(now) {
			stale = append(stale, g)
			continue
		}
		if effective == nil || outranks(g, effective) {
			effective = g
		}
	}
	return effective, stale
}

func outranks(a, b *AuthorizedUser) bool {
	if a.AccessType != b.AccessType {
		return a.AccessType == AccessPermanent
	}
	if a.AccessType == AccessPermanent {
		return a.ApprovedAt.After(b.ApprovedAt)
	}
	return a.ExpiresAt.After(*b.ExpiresAt)
}

// SortGrants orders grants by approval time, oldest first.
func SortGrants(grants []*AuthorizedUser) {
	sort.SliceStable(grants, func(i, j int) bool {
		return grants[i].ApprovedAt.Before(grants[j].ApprovedAt)
	})
}

// SortRequests orders requests by creation time, oldest first.
func SortRequests(requests []*AccessRequest) {
	sort.SliceStable(requests, func(i, j int) bool {
		return requests[i].CreatedAt.Before(requests[j].CreatedAt)
	})
}

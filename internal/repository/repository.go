package repository

import (
	"context"
	"errors"
	"time"

	"access-service/internal/models"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrAlreadyDecided = errors.New("request already decided")
)

// RequestRepository persists access requests. Lookups are point reads by id
// or by normalized email; only the List methods scan.
type RequestRepository interface {
	CreateRequest(ctx context.Context, req *models.AccessRequest) error
	GetRequestByID(ctx context.Context, id string) (*models.AccessRequest, error)
	// FindPendingByEmail returns a pending request for the email or ErrNotFound.
	FindPendingByEmail(ctx context.Context, emailKey string) (*models.AccessRequest, error)
	// DecideRequest applies the decision only if the request is still pending.
	// When it is not, the current request is returned with ErrAlreadyDecided.
	DecideRequest(ctx context.Context, id string, decision models.Decision) (*models.AccessRequest, error)
	ListRequests(ctx context.Context) ([]*models.AccessRequest, error)
	ListPendingRequests(ctx context.Context) ([]*models.AccessRequest, error)
	CountPending(ctx context.Context) (int, error)
}

// GrantRepository persists grants keyed by normalized email.
type GrantRepository interface {
	CreateGrant(ctx context.Context, grant *models.AuthorizedUser) error
	GetGrantsByEmail(ctx context.Context, emailKey string) ([]*models.AuthorizedUser, error)
	DeleteGrant(ctx context.Context, emailKey, id string) error
	// DeleteGrantsByEmail removes every grant for the email and reports how many existed.
	DeleteGrantsByEmail(ctx context.Context, emailKey string) (int, error)
	ListGrants(ctx context.Context) ([]*models.AuthorizedUser, error)
}

// Store is one persistence backend serving both collections.
type Store interface {
	RequestRepository
	GrantRepository
	HealthCheck(ctx context.Context) error
	Close() error
}

// RateLimitResult describes one Allow decision.
type RateLimitResult struct {
	Allowed    bool
	Count      int
	Limit      int
	RetryAfter time.Duration
}

// RateLimiter admits at most limit hits per key in each window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*RateLimitResult, error)
}

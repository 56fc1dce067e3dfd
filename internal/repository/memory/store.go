// Package memory is an in-process Store used by tests and by local runs with
// STORAGE_DRIVER=memory. Documents are copied in and out so callers never
// share state with the store.
package memory

import (
	"context"
	"fmt"
	"sync"

	"access-service/internal/models"
	"access-service/internal/repository"
)

type Store struct {
	mu sync.RWMutex

	requests       map[string]*models.AccessRequest
	pendingByEmail map[string]string // email key -> request id
	grants         map[string]map[string]*models.AuthorizedUser
}

var _ repository.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		requests:       make(map[string]*models.AccessRequest),
		pendingByEmail: make(map[string]string),
		grants:         make(map[string]map[string]*models.AuthorizedUser),
	}
}

func (s *Store) CreateRequest(ctx context.Context, req *models.AccessRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return fmt.Errorf("access request %s already exists", req.ID)
	}
	s.requests[req.ID] = copyRequest(req)
	if req.IsPending() {
		s.pendingByEmail[req.EmailKey()] = req.ID
	}
	return nil
}

func (s *Store) GetRequestByID(ctx context.Context, id string) (*models.AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyRequest(req), nil
}

func (s *Store) FindPendingByEmail(ctx context.Context, emailKey string) (*models.AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.pendingByEmail[emailKey]
	if !ok {
		return nil, repository.ErrNotFound
	}
	req, ok := s.requests[id]
	if !ok || !req.IsPending() {
		return nil, repository.ErrNotFound
	}
	return copyRequest(req), nil
}

func (s *Store) DecideRequest(ctx context.Context, id string, decision models.Decision) (*models.AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !req.IsPending() {
		return copyRequest(req), repository.ErrAlreadyDecided
	}

	decision.Apply(req)
	if s.pendingByEmail[req.EmailKey()] == id {
		delete(s.pendingByEmail, req.EmailKey())
	}
	return copyRequest(req), nil
}

func (s *Store) ListRequests(ctx context.Context) ([]*models.AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.AccessRequest, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, copyRequest(req))
	}
	models.SortRequests(out)
	return out, nil
}

func (s *Store) ListPendingRequests(ctx context.Context) ([]*models.AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.AccessRequest
	for _, req := range s.requests {
		if req.IsPending() {
			out = append(out, copyRequest(req))
		}
	}
	models.SortRequests(out)
	return out, nil
}

func (s *Store) CountPending(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, req := range s.requests {
		if req.IsPending() {
			count++
		}
	}
	return count, nil
}

func (s *Store) CreateGrant(ctx context.Context, grant *models.AuthorizedUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := grant.EmailKey()
	if s.grants[key] == nil {
		s.grants[key] = make(map[string]*models.AuthorizedUser)
	}
	s.grants[key][grant.ID] = copyGrant(grant)
	return nil
}

func (s *Store) GetGrantsByEmail(ctx context.Context, emailKey string) ([]*models.AuthorizedUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.grants[emailKey]
	out := make([]*models.AuthorizedUser, 0, len(rows))
	for _, g := range rows {
		out = append(out, copyGrant(g))
	}
	models.SortGrants(out)
	return out, nil
}

func (s *Store) DeleteGrant(ctx context.Context, emailKey, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.grants[emailKey]
	if _, ok := rows[id]; !ok {
		return repository.ErrNotFound
	}
	delete(rows, id)
	if len(rows) == 0 {
		delete(s.grants, emailKey)
	}
	return nil
}

func (s *Store) DeleteGrantsByEmail(ctx context.Context, emailKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.grants[emailKey])
	delete(s.grants, emailKey)
	return n, nil
}

func (s *Store) ListGrants(ctx context.Context) ([]*models.AuthorizedUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.AuthorizedUser
	for _, rows := range s.grants {
		for _, g := range rows {
			out = append(out, copyGrant(g))
		}
	}
	models.SortGrants(out)
	return out, nil
}

func (s *Store) HealthCheck(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func copyRequest(r *models.AccessRequest) *models.AccessRequest {
	c := *r
	if r.AccessType != nil {
		at := *r.AccessType
		c.AccessType = &at
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		c.DecidedAt = &t
	}
	return &c
}

func copyGrant(g *models.AuthorizedUser) *models.AuthorizedUser {
	c := *g
	if g.ExpiresAt != nil {
		t := *g.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

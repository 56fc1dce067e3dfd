package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"access-service/internal/bucketing"
	"access-service/internal/models"
	"access-service/internal/repository"
	"access-service/internal/util"
)

const loadConcurrency = 16

// AccessStore keeps requests and grants in ScyllaDB. The pending index is
// partitioned by a murmur3 bucket of the email key, so listing and counting
// pending requests fans out across buckets.
type AccessStore struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

var _ repository.Store = (*AccessStore)(nil)

func NewAccessStore(client *ScyllaClient, buckets *bucketing.BucketingManager) *AccessStore {
	return &AccessStore{client: client, buckets: buckets}
}

func (s *AccessStore) CreateRequest(ctx context.Context, req *models.AccessRequest) error {
	emailKey := req.EmailKey()

	applied, err := s.client.Query(ctx, stmtInsertRequest,
		req.ID, req.Name, req.Email, req.Reason, string(req.Status),
		accessTypeValue(req.AccessType), nullableTime(req.ExpiresAt), req.CreatedAt.UTC(),
		nullableTime(req.DecidedAt), req.DecidedBy, emailKey,
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to create access request",
			zap.String("request_id", req.ID),
			zap.Error(err))
		return fmt.Errorf("failed to create access request: %w", err)
	}
	if !applied {
		return fmt.Errorf("access request %s already exists", req.ID)
	}

	if req.IsPending() {
		err := s.client.Query(ctx, stmtInsertPending,
			s.buckets.Bucket(emailKey), emailKey, req.ID, req.CreatedAt.UTC(),
		).Exec()
		if err != nil {
			return fmt.Errorf("failed to index pending request: %w", err)
		}
	}
	return nil
}

func (s *AccessStore) GetRequestByID(ctx context.Context, id string) (*models.AccessRequest, error) {
	var row requestRow
	err := s.client.ScanWithRetry(s.client.Query(ctx, stmtGetRequest, id), row.dest()...)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		util.Error("Failed to get access request",
			zap.String("request_id", id),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get access request: %w", err)
	}
	return row.model(), nil
}

func (s *AccessStore) FindPendingByEmail(ctx context.Context, emailKey string) (*models.AccessRequest, error) {
	scanner := s.client.Query(ctx, stmtGetPending, s.buckets.Bucket(emailKey), emailKey).Iter().Scanner()

	var ids []string
	for scanner.Next() {
		var id string
		if err := scanner.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan pending request: %w", err)
		}
		ids = append(ids, id)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to look up pending request: %w", err)
	}

	var candidates []*models.AccessRequest
	for _, id := range ids {
		req, err := s.GetRequestByID(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			s.unindexPending(ctx, emailKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !req.IsPending() {
			s.unindexPending(ctx, emailKey, id)
			continue
		}
		candidates = append(candidates, req)
	}

	if len(candidates) == 0 {
		return nil, repository.ErrNotFound
	}
	return oldestPending(candidates), nil
}

func (s *AccessStore) DecideRequest(ctx context.Context, id string, decision models.Decision) (*models.AccessRequest, error) {
	current, err := s.GetRequestByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.IsPending() {
		return current, repository.ErrAlreadyDecided
	}

	applied, err := s.client.Query(ctx, stmtDecideRequest,
		string(decision.Status), accessTypeValue(decision.AccessType), nullableTime(decision.ExpiresAt),
		decision.DecidedAt.UTC(), decision.DecidedBy,
		id, string(models.RequestStatusPending),
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to decide access request",
			zap.String("request_id", id),
			zap.Error(err))
		return nil, fmt.Errorf("failed to decide access request: %w", err)
	}
	if !applied {
		latest, err := s.GetRequestByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return latest, repository.ErrAlreadyDecided
	}

	s.unindexPending(ctx, current.EmailKey(), id)
	decision.Apply(current)
	return current, nil
}

// unindexPending drops the index row of one request. Failures leave a stale
// row that FindPendingByEmail and the listings filter out.
func (s *AccessStore) unindexPending(ctx context.Context, emailKey, id string) {
	err := s.client.Query(ctx, stmtDeletePending, s.buckets.Bucket(emailKey), emailKey, id).Exec()
	if err != nil {
		util.Warn("Failed to remove pending index row",
			zap.String("request_id", id),
			zap.Error(err))
	}
}

func (s *AccessStore) ListRequests(ctx context.Context) ([]*models.AccessRequest, error) {
	scanner := s.client.Query(ctx, stmtListRequests).Iter().Scanner()

	var out []*models.AccessRequest
	for scanner.Next() {
		var row requestRow
		if err := scanner.Scan(row.dest()...); err != nil {
			return nil, fmt.Errorf("failed to scan access request: %w", err)
		}
		out = append(out, row.model())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to list access requests: %w", err)
	}

	models.SortRequests(out)
	return out, nil
}

func (s *AccessStore) ListPendingRequests(ctx context.Context) ([]*models.AccessRequest, error) {
	perBucket := make([][]string, s.buckets.Buckets())

	g, gctx := errgroup.WithContext(ctx)
	for _, bucket := range s.buckets.All() {
		g.Go(func() error {
			scanner := s.client.Query(gctx, stmtListPending, bucket).Iter().Scanner()
			for scanner.Next() {
				var id string
				if err := scanner.Scan(&id); err != nil {
					return err
				}
				perBucket[bucket] = append(perBucket[bucket], id)
			}
			return scanner.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to list pending index: %w", err)
	}

	var ids []string
	for _, bucketIDs := range perBucket {
		ids = append(ids, bucketIDs...)
	}

	loaded := make([]*models.AccessRequest, len(ids))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			req, err := s.GetRequestByID(gctx, id)
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			loaded[i] = req
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return livePending(loaded), nil
}

// CountPending counts through the listing so stale index rows are not
// counted.
func (s *AccessStore) CountPending(ctx context.Context) (int, error) {
	pending, err := s.ListPendingRequests(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending requests: %w", err)
	}
	return len(pending), nil
}

// livePending keeps the loaded requests that are still pending, oldest
// first. Missing rows arrive as nil.
func livePending(loaded []*models.AccessRequest) []*models.AccessRequest {
	out := make([]*models.AccessRequest, 0, len(loaded))
	for _, req := range loaded {
		if req != nil && req.IsPending() {
			out = append(out, req)
		}
	}
	models.SortRequests(out)
	return out
}

func oldestPending(reqs []*models.AccessRequest) *models.AccessRequest {
	oldest := reqs[0]
	for _, req := range reqs[1:] {
		if req.CreatedAt.Before(oldest.CreatedAt) {
			oldest = req
		}
	}
	return oldest
}

func (s *AccessStore) CreateGrant(ctx context.Context, grant *models.AuthorizedUser) error {
	err := s.client.Query(ctx, stmtInsertGrant,
		grant.EmailKey(), grant.ID, grant.Name, grant.Email, string(grant.AccessType),
		nullableTime(grant.ExpiresAt), grant.ApprovedAt.UTC(), grant.RequestID,
	).Exec()
	if err != nil {
		util.Error("Failed to create grant",
			zap.String("grant_id", grant.ID),
			zap.Error(err))
		return fmt.Errorf("failed to create grant: %w", err)
	}
	return nil
}

func (s *AccessStore) GetGrantsByEmail(ctx context.Context, emailKey string) ([]*models.AuthorizedUser, error) {
	grants, err := s.scanGrants(s.client.Query(ctx, stmtGetGrantsByEmail, emailKey))
	if err != nil {
		return nil, err
	}
	models.SortGrants(grants)
	return grants, nil
}

func (s *AccessStore) DeleteGrant(ctx context.Context, emailKey, id string) error {
	applied, err := s.client.Query(ctx, stmtDeleteGrantIf, emailKey, id).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	if !applied {
		return repository.ErrNotFound
	}
	return nil
}

func (s *AccessStore) DeleteGrantsByEmail(ctx context.Context, emailKey string) (int, error) {
	grants, err := s.GetGrantsByEmail(ctx, emailKey)
	if err != nil {
		return 0, err
	}
	if len(grants) == 0 {
		return 0, nil
	}
	if err := s.client.Query(ctx, stmtDeleteGrantsByEmail, emailKey).Exec(); err != nil {
		return 0, fmt.Errorf("failed to delete grants: %w", err)
	}
	return len(grants), nil
}

func (s *AccessStore) ListGrants(ctx context.Context) ([]*models.AuthorizedUser, error) {
	grants, err := s.scanGrants(s.client.Query(ctx, stmtListGrants))
	if err != nil {
		return nil, err
	}
	models.SortGrants(grants)
	return grants, nil
}

func (s *AccessStore) scanGrants(q *gocql.Query) ([]*models.AuthorizedUser, error) {
	scanner := q.Iter().Scanner()

	var out []*models.AuthorizedUser
	for scanner.Next() {
		var row grantRow
		if err := scanner.Scan(row.dest()...); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		out = append(out, row.model())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read grants: %w", err)
	}
	return out, nil
}

func (s *AccessStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

// Close is a no-op; the factory owns the session.
func (s *AccessStore) Close() error { return nil }

// requestRow mirrors the access_requests columns. Null timestamps scan as
// the zero time.
type requestRow struct {
	id, name, email, reason, status, accessType, decidedBy string
	expiresAt, createdAt, decidedAt                        time.Time
}

func (r *requestRow) dest() []interface{} {
	return []interface{}{
		&r.id, &r.name, &r.email, &r.reason, &r.status, &r.accessType,
		&r.expiresAt, &r.createdAt, &r.decidedAt, &r.decidedBy,
	}
}

func (r *requestRow) model() *models.AccessRequest {
	req := &models.AccessRequest{
		ID:        r.id,
		Name:      r.name,
		Email:     r.email,
		Reason:    r.reason,
		Status:    models.RequestStatus(r.status),
		ExpiresAt: timePtr(r.expiresAt),
		CreatedAt: r.createdAt.UTC(),
		DecidedAt: timePtr(r.decidedAt),
		DecidedBy: r.decidedBy,
	}
	if r.accessType != "" {
		at := models.AccessType(r.accessType)
		req.AccessType = &at
	}
	return req
}

type grantRow struct {
	id, name, email, accessType, requestID string
	expiresAt, approvedAt                  time.Time
}

func (r *grantRow) dest() []interface{} {
	return []interface{}{&r.id, &r.name, &r.email, &r.accessType, &r.expiresAt, &r.approvedAt, &r.requestID}
}

func (r *grantRow) model() *models.AuthorizedUser {
	return &models.AuthorizedUser{
		ID:         r.id,
		Name:       r.name,
		Email:      r.email,
		AccessType: models.AccessType(r.accessType),
		ExpiresAt:  timePtr(r.expiresAt),
		ApprovedAt: r.approvedAt.UTC(),
		RequestID:  r.requestID,
	}
}

func accessTypeValue(at *models.AccessType) interface{} {
	if at == nil {
		return nil
	}
	return string(*at)
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

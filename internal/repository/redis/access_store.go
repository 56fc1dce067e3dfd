package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"access-service/internal/client"
	"access-service/internal/models"
	"access-service/internal/repository"
	"access-service/internal/util"
)

// AccessStore keeps both collections in Redis: one hash per document plus
// index keys for point lookups by email and for the pending queue.
type AccessStore struct {
	client *client.RedisClient
	prefix string
}

var _ repository.Store = (*AccessStore)(nil)

// decideScript flips a request out of pending only if it is still pending.
// Returns 1 when applied, 0 when already decided, -1 when missing.
var decideScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HGET', KEYS[1], 'status') ~= 'pending' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'access_type', ARGV[2], 'expires_at', ARGV[3], 'decided_at', ARGV[4], 'decided_by', ARGV[5])
redis.call('ZREM', KEYS[2], ARGV[6])
if redis.call('GET', KEYS[3]) == ARGV[6] then
	redis.call('DEL', KEYS[3])
end
return 1
`)

var deleteGrantScript = goredis.NewScript(`
if redis.call('SREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('DEL', KEYS[2])
if redis.call('SCARD', KEYS[1]) == 0 then
	redis.call('SREM', KEYS[3], ARGV[2])
end
return 1
`)

// ARGV[1] is the grant hash key prefix; grant keys are derived inside the
// script, so this store assumes a non-clustered deployment.
var deleteGrantsByEmailScript = goredis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
for _, id in ipairs(ids) do
	redis.call('DEL', ARGV[1] .. id)
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
return #ids
`)

func NewAccessStore(client *client.RedisClient, prefix string) *AccessStore {
	if prefix == "" {
		prefix = "access"
	}
	return &AccessStore{client: client, prefix: prefix}
}

func (s *AccessStore) requestKey(id string) string { return s.prefix + ":request:" + id }
func (s *AccessStore) requestsIndexKey() string { return s.prefix + ":requests" }
func (s *AccessStore) pendingIndexKey() string { return s.prefix + ":pending" }
func (s *AccessStore) pendingEmailKey(email string) string { return s.prefix + ":pending:email:" + email }
func (s *AccessStore) grantKeyPrefix() string { return s.prefix + ":grant:" }
func (s *AccessStore) grantKey(id string) string { return s.grantKeyPrefix() + id }
func (s *AccessStore) grantEmailKey(email string) string { return s.prefix + ":grants:email:" + email }
func (s *AccessStore) grantEmailsKey() string { return s.prefix + ":grants" }

func (s *AccessStore) CreateRequest(ctx context.Context, req *models.AccessRequest) error {
	rdb := s.client.Client
	key := s.requestKey(req.ID)

	created, err := rdb.HSetNX(ctx, key, "id", req.ID).Result()
	if err != nil {
		return fmt.Errorf("failed to create access request: %w", err)
	}
	if !created {
		return fmt.Errorf("access request %s already exists", req.ID)
	}

	score := float64(req.CreatedAt.UnixMilli())
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key, requestToHash(req))
	pipe.ZAdd(ctx, s.requestsIndexKey(), goredis.Z{Score: score, Member: req.ID})
	if req.IsPending() {
		pipe.ZAdd(ctx, s.pendingIndexKey(), goredis.Z{Score: score, Member: req.ID})
		pipe.Set(ctx, s.pendingEmailKey(req.EmailKey()), req.ID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to create access request",
			zap.String("request_id", req.ID),
			zap.Error(err))
		return fmt.Errorf("failed to create access request: %w", err)
	}
	return nil
}

func (s *AccessStore) GetRequestByID(ctx context.Context, id string) (*models.AccessRequest, error) {
	fields, err := s.client.Client.HGetAll(ctx, s.requestKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get access request: %w", err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrNotFound
	}
	return requestFromHash(fields)
}

func (s *AccessStore) FindPendingByEmail(ctx context.Context, emailKey string) (*models.AccessRequest, error) {
	id, err := s.client.Client.Get(ctx, s.pendingEmailKey(emailKey)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up pending request: %w", err)
	}

	req, err := s.GetRequestByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !req.IsPending() {
		return nil, repository.ErrNotFound
	}
	return req, nil
}

func (s *AccessStore) DecideRequest(ctx context.Context, id string, decision models.Decision) (*models.AccessRequest, error) {
	current, err := s.GetRequestByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.IsPending() {
		return current, repository.ErrAlreadyDecided
	}

	accessType := ""
	if decision.AccessType != nil {
		accessType = string(*decision.AccessType)
	}
	keys := []string{s.requestKey(id), s.pendingIndexKey(), s.pendingEmailKey(current.EmailKey())}
	result, err := decideScript.Run(ctx, s.client.Client, keys,
		string(decision.Status),
		accessType,
		formatTime(decision.ExpiresAt),
		formatTime(&decision.DecidedAt),
		decision.DecidedBy,
		id,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to decide access request: %w", err)
	}

	switch result {
	case -1:
		return nil, repository.ErrNotFound
	case 0:
		latest, err := s.GetRequestByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return latest, repository.ErrAlreadyDecided
	}

	decision.Apply(current)
	return current, nil
}

func (s *AccessStore) ListRequests(ctx context.Context) ([]*models.AccessRequest, error) {
	return s.requestsFromIndex(ctx, s.requestsIndexKey())
}

func (s *AccessStore) ListPendingRequests(ctx context.Context) ([]*models.AccessRequest, error) {
	requests, err := s.requestsFromIndex(ctx, s.pendingIndexKey())
	if err != nil {
		return nil, err
	}
	out := requests[:0]
	for _, req := range requests {
		if req.IsPending() {
			out = append(out, req)
		}
	}
	return out, nil
}

func (s *AccessStore) CountPending(ctx context.Context) (int, error) {
	n, err := s.client.Client.ZCard(ctx, s.pendingIndexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count pending requests: %w", err)
	}
	return int(n), nil
}

func (s *AccessStore) requestsFromIndex(ctx context.Context, indexKey string) ([]*models.AccessRequest, error) {
	rdb := s.client.Client
	ids, err := rdb.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read request index: %w", err)
	}

	pipe := rdb.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.requestKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to load requests: %w", err)
		}
	}

	out := make([]*models.AccessRequest, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		req, err := requestFromHash(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func (s *AccessStore) CreateGrant(ctx context.Context, grant *models.AuthorizedUser) error {
	emailKey := grant.EmailKey()
	pipe := s.client.Client.TxPipeline()
	pipe.HSet(ctx, s.grantKey(grant.ID), grantToHash(grant))
	pipe.SAdd(ctx, s.grantEmailKey(emailKey), grant.ID)
	pipe.SAdd(ctx, s.grantEmailsKey(), emailKey)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to create grant",
			zap.String("grant_id", grant.ID),
			zap.Error(err))
		return fmt.Errorf("failed to create grant: %w", err)
	}
	return nil
}

func (s *AccessStore) GetGrantsByEmail(ctx context.Context, emailKey string) ([]*models.AuthorizedUser, error) {
	rdb := s.client.Client
	ids, err := rdb.SMembers(ctx, s.grantEmailKey(emailKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read grant index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := rdb.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.grantKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}

	out := make([]*models.AuthorizedUser, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		grant, err := grantFromHash(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, grant)
	}
	models.SortGrants(out)
	return out, nil
}

func (s *AccessStore) DeleteGrant(ctx context.Context, emailKey, id string) error {
	keys := []string{s.grantEmailKey(emailKey), s.grantKey(id), s.grantEmailsKey()}
	removed, err := deleteGrantScript.Run(ctx, s.client.Client, keys, id, emailKey).Int()
	if err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	if removed == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *AccessStore) DeleteGrantsByEmail(ctx context.Context, emailKey string) (int, error) {
	keys := []string{s.grantEmailKey(emailKey), s.grantEmailsKey()}
	n, err := deleteGrantsByEmailScript.Run(ctx, s.client.Client, keys, s.grantKeyPrefix(), emailKey).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to delete grants: %w", err)
	}
	return n, nil
}

func (s *AccessStore) ListGrants(ctx context.Context) ([]*models.AuthorizedUser, error) {
	emails, err := s.client.Client.SMembers(ctx, s.grantEmailsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read grant emails: %w", err)
	}

	var out []*models.AuthorizedUser
	for _, emailKey := range emails {
		grants, err := s.GetGrantsByEmail(ctx, emailKey)
		if err != nil {
			return nil, err
		}
		out = append(out, grants...)
	}
	models.SortGrants(out)
	return out, nil
}

func (s *AccessStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

// Close is a no-op; the factory owns the Redis connection.
func (s *AccessStore) Close() error { return nil }

func requestToHash(r *models.AccessRequest) map[string]interface{} {
	accessType := ""
	if r.AccessType != nil {
		accessType = string(*r.AccessType)
	}
	return map[string]interface{}{
		"id":          r.ID,
		"name":        r.Name,
		"email":       r.Email,
		"email_key":   r.EmailKey(),
		"reason":      r.Reason,
		"status":      string(r.Status),
		"access_type": accessType,
		"expires_at":  formatTime(r.ExpiresAt),
		"created_at":  formatTime(&r.CreatedAt),
		"decided_at":  formatTime(r.DecidedAt),
		"decided_by":  r.DecidedBy,
	}
}

func requestFromHash(h map[string]string) (*models.AccessRequest, error) {
	req := &models.AccessRequest{
		ID:        h["id"],
		Name:      h["name"],
		Email:     h["email"],
		Reason:    h["reason"],
		Status:    models.RequestStatus(h["status"]),
		DecidedBy: h["decided_by"],
	}
	if at := h["access_type"]; at != "" {
		accessType := models.AccessType(at)
		req.AccessType = &accessType
	}

	var err error
	if req.ExpiresAt, err = parseTime(h["expires_at"]); err != nil {
		return nil, err
	}
	if req.DecidedAt, err = parseTime(h["decided_at"]); err != nil {
		return nil, err
	}
	created, err := parseTime(h["created_at"])
	if err != nil {
		return nil, err
	}
	if created != nil {
		req.CreatedAt = *created
	}
	return req, nil
}

func grantToHash(g *models.AuthorizedUser) map[string]interface{} {
	return map[string]interface{}{
		"id":          g.ID,
		"name":        g.Name,
		"email":       g.Email,
		"access_type": string(g.AccessType),
		"expires_at":  formatTime(g.ExpiresAt),
		"approved_at": formatTime(&g.ApprovedAt),
		"request_id":  g.RequestID,
	}
}

func grantFromHash(h map[string]string) (*models.AuthorizedUser, error) {
	grant := &models.AuthorizedUser{
		ID:         h["id"],
		Name:       h["name"],
		Email:      h["email"],
		AccessType: models.AccessType(h["access_type"]),
		RequestID:  h["request_id"],
	}

	var err error
	if grant.ExpiresAt, err = parseTime(h["expires_at"]); err != nil {
		return nil, err
	}
	approved, err := parseTime(h["approved_at"])
	if err != nil {
		return nil, err
	}
	if approved != nil {
		grant.ApprovedAt = *approved
	}
	return grant, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return &t, nil
}

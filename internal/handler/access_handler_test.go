package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"access-service/internal/audit"
	"access-service/internal/config"
	"access-service/internal/models"
	"access-service/internal/notify"
	"access-service/internal/repository"
	"access-service/internal/repository/memory"
	"access-service/internal/service"
)

const adminEmail = "owner@example.com"

type stubNotifier struct {
	mu      sync.Mutex
	notices []notify.AccessRequestNotice
}

func (n *stubNotifier) NotifyAccessRequest(_ context.Context, notice notify.AccessRequestNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

type stubLimiter struct {
	result *repository.RateLimitResult
	err    error
	keys   []string
}

func (l *stubLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (*repository.RateLimitResult, error) {
	l.keys = append(l.keys, key)
	return l.result, l.err
}

type testServer struct {
	router http.Handler
	svc    *service.AccessService
	events *audit.MemorySink
	now    time.Time
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...HandlerOption) *testServer {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	cfg.Server.AllowedOrigins = []string{"*"}

	ts := &testServer{
		events: audit.NewMemorySink(100),
		now:    time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
	store := memory.NewStore()
	ts.svc = service.NewAccessService(
		config.AccessConfig{
			AdminEmail:         adminEmail,
			AdminName:          "Bangaly",
			TemporaryAccessTTL: 20 * time.Minute,
			NotifyTimeout:      time.Second,
		},
		store, store, &stubNotifier{}, zap.NewNop(),
		service.WithClock(func() time.Time { return ts.now }),
		service.WithRecorder(audit.NewRecorder(time.Second, ts.events)),
	)
	t.Cleanup(ts.svc.Wait)

	h := NewAccessHandler(ts.svc, zap.NewNop(), opts...)
	ts.router = NewRouter(cfg, h, nil, zap.NewNop())
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (ts *testServer) submit(t *testing.T, name, email string) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/access/request",
		`{"name":"`+name+`","email":"`+email+`","reason":"partner"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[service.SubmitResult](t, rec)
	require.Equal(t, service.StatusSubmitted, res.Status)
	return res.RequestID
}

func TestAccessFlow_TemporaryApproval(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.submit(t, "Aisha", "aisha@example.com")

	rec := ts.do(t, http.MethodGet, "/api/access/check/aisha@example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[service.AccessStatus](t, rec).Authorized)

	rec = ts.do(t, http.MethodGet, "/api/access/pending-count", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"count": 1}, decode[map[string]int](t, rec))

	rec = ts.do(t, http.MethodPut, "/api/access/approve/"+id, `{"access_type":"temporary"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decision := decode[map[string]string](t, rec)
	assert.Equal(t, service.StatusApproved, decision["status"])
	assert.Equal(t, "Accès temporary accordé", decision["message"])

	rec = ts.do(t, http.MethodGet, "/api/access/check/AISHA%40example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[service.AccessStatus](t, rec)
	assert.True(t, status.Authorized)
	assert.Equal(t, models.AccessTemporary, status.AccessType)
	require.NotNil(t, status.RemainingSeconds)
	assert.Equal(t, int64(1200), *status.RemainingSeconds)

	rec = ts.do(t, http.MethodGet, "/api/protected/whoami", "", UserEmailHeader, "aisha@example.com")
	assert.Equal(t, http.StatusOK, rec.Code)

	ts.now = ts.now.Add(21 * time.Minute)
	rec = ts.do(t, http.MethodGet, "/api/protected/whoami", "", UserEmailHeader, "aisha@example.com")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Accès expiré", decode[service.AccessStatus](t, rec).Message)
}

func TestSubmit_InvalidInput(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/access/request", `{"name":"Aisha","email":"not-an-email"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/access/request", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, decode[ErrorResponse](t, rec).Success)
}

func TestSubmit_AdminBypass(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, body := range []string{
		`{"name":"Owner","email":"Owner@Example.com"}`,
		`{"name":"","email":"owner@example.com"}`,
		`{"name":"<script>","email":"OWNER@example.com"}`,
	} {
		rec := ts.do(t, http.MethodPost, "/api/access/request", body)
		require.Equal(t, http.StatusOK, rec.Code, body)
		assert.Equal(t, service.StatusAlreadyAuthorized, decode[service.SubmitResult](t, rec).Status)
	}
}

func TestDecisions_NotFoundAndInvalid(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.submit(t, "Aisha", "aisha@example.com")

	rec := ts.do(t, http.MethodPut, "/api/access/approve/missing", `{"access_type":"permanent"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Demande non trouvée", decode[ErrorResponse](t, rec).Message)

	rec = ts.do(t, http.MethodPut, "/api/access/deny/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/access/approve/"+id, `{"access_type":"forever"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/access/deny/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, service.StatusDenied, decode[map[string]string](t, rec)["status"])

	rec = ts.do(t, http.MethodPut, "/api/access/approve/"+id, `{"access_type":"permanent"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, service.StatusAlreadyDecided, decode[map[string]string](t, rec)["status"])
}

func TestQuickApprove_RendersPageOnce(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.submit(t, "O'Brien & Co", "aisha@example.com")

	rec := ts.do(t, http.MethodGet, "/api/access/quick-approve/"+id+"/temporary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Accès accordé")
	assert.Contains(t, rec.Body.String(), "Expire le 04/05/2026 à 10:20 UTC")
	assert.Contains(t, rec.Body.String(), "O&#39;Brien &amp; Co (aisha@example.com)")

	rec = ts.do(t, http.MethodGet, "/api/access/quick-deny/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Demande déjà traitée")
	assert.Contains(t, rec.Body.String(), "approved")

	rec = ts.do(t, http.MethodGet, "/api/access/check/aisha@example.com", "")
	assert.True(t, decode[service.AccessStatus](t, rec).Authorized)
}

func TestQuickDecide_Errors(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.submit(t, "Aisha", "aisha@example.com")

	rec := ts.do(t, http.MethodGet, "/api/access/quick-deny/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Demande non trouvée")

	rec = ts.do(t, http.MethodGet, "/api/access/quick-approve/"+id+"/forever", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Lien invalide")

	rec = ts.do(t, http.MethodGet, "/api/access/quick-deny/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Accès refusé")
}

func TestRevokeAndWhitelist(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.submit(t, "Aisha", "aisha@example.com")
	require.Equal(t, http.StatusOK,
		ts.do(t, http.MethodPut, "/api/access/approve/"+id, `{"access_type":"permanent"}`).Code)

	rec := ts.do(t, http.MethodGet, "/api/access/whitelist", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]service.WhitelistEntry](t, rec)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].IsAdmin)
	assert.Equal(t, "aisha@example.com", entries[1].Email)

	rec = ts.do(t, http.MethodGet, "/api/access/authorized", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.AuthorizedUser](t, rec), 1)

	rec = ts.do(t, http.MethodDelete, "/api/access/revoke/aisha@example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, service.StatusRevoked, decode[service.RevokeResult](t, rec).Status)

	rec = ts.do(t, http.MethodDelete, "/api/access/revoke/aisha@example.com", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Utilisateur non trouvé", decode[ErrorResponse](t, rec).Message)

	rec = ts.do(t, http.MethodGet, "/api/access/authorized", "")
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestListRequests(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/access/requests/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	first := ts.submit(t, "Aisha", "aisha@example.com")
	ts.now = ts.now.Add(time.Minute)
	ts.submit(t, "Bruno", "bruno@example.com")
	ts.do(t, http.MethodPut, "/api/access/deny/"+first, "")

	rec = ts.do(t, http.MethodGet, "/api/access/requests", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.AccessRequest](t, rec), 2)

	rec = ts.do(t, http.MethodGet, "/api/access/requests/pending", "")
	pending := decode[[]models.AccessRequest](t, rec)
	require.Len(t, pending, 1)
	assert.Equal(t, "bruno@example.com", pending[0].Email)
}

func TestAdminEnforcement(t *testing.T) {
	ts := newTestServer(t, nil, WithAdminEnforcement(true))

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/api/access/requests", "").Code)
	assert.Equal(t, http.StatusForbidden,
		ts.do(t, http.MethodGet, "/api/access/requests", "", UserEmailHeader, "aisha@example.com").Code)
	assert.Equal(t, http.StatusOK,
		ts.do(t, http.MethodGet, "/api/access/requests", "", UserEmailHeader, "OWNER@example.com").Code)

	// Public routes stay open
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/access/check/aisha@example.com", "").Code)
}

func TestRequireAccess(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/protected/whoami", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/protected/whoami", "", UserEmailHeader, "stranger@example.com")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, decode[service.AccessStatus](t, rec).Authorized)

	rec = ts.do(t, http.MethodGet, "/api/protected/whoami", "", UserEmailHeader, adminEmail)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]json.RawMessage](t, rec)
	assert.JSONEq(t, `"`+adminEmail+`"`, string(body["email"]))
	assert.Contains(t, string(body["access"]), `"is_admin":true`)
}

func TestSubmitRateLimit(t *testing.T) {
	limiter := &stubLimiter{result: &repository.RateLimitResult{Allowed: false, Count: 6, Limit: 5, RetryAfter: 1500 * time.Millisecond}}
	ts := newTestServer(t, nil, WithSubmitRateLimit(limiter, 5, time.Minute))

	rec := ts.do(t, http.MethodPost, "/api/access/request", `{"name":"Aisha","email":"aisha@example.com"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	require.Len(t, limiter.keys, 1)
	assert.True(t, strings.HasPrefix(limiter.keys[0], "submit:"))

	// Limiter outages do not block submissions
	limiter.result, limiter.err = nil, errors.New("redis down")
	rec = ts.do(t, http.MethodPost, "/api/access/request", `{"name":"Aisha","email":"aisha@example.com"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuditEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodGet, "/api/access/audit", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodGet, "/api/access/audit/search?q=aisha", "").Code)

	ts = newTestServer(t, nil)
	ts.router = NewRouter(&config.Config{},
		NewAccessHandler(ts.svc, zap.NewNop(), WithAuditQuerier(ts.events)), nil, zap.NewNop())

	id := ts.submit(t, "Aisha", "aisha@example.com")
	ts.do(t, http.MethodPut, "/api/access/deny/"+id, "")
	ts.svc.Wait()

	rec := ts.do(t, http.MethodGet, "/api/access/audit?email=aisha@example.com&action=request_denied", "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]models.AuditEvent](t, rec)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].RequestID)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/access/audit?limit=-1", "").Code)
}

func TestRouter_HealthAndFallbacks(t *testing.T) {
	health := func(context.Context) map[string]error {
		return map[string]error{"scylla": nil, "redis": errors.New("connection refused")}
	}
	router := NewRouter(&config.Config{}, NewAccessHandler(nil, zap.NewNop()), health, zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","components":{"scylla":"ok","redis":"connection refused"}}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRouter_RequiresHTTPSWhenTLSEnabled(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{EnableTLS: true}}
	router := NewRouter(cfg, NewAccessHandler(nil, zap.NewNop()), nil, zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)
}

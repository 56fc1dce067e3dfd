package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
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
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notify.AccessRequestNotice
	err     error
}

func (n *recordingNotifier) NotifyAccessRequest(_ context.Context, notice notify.AccessRequestNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notices)
}

type harness struct {
	svc      *AccessService
	store    *memory.Store
	clock    *fakeClock
	notifier *recordingNotifier
	events   *audit.MemorySink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.NewStore()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	notifier := &recordingNotifier{}
	events := audit.NewMemorySink(100)

	svc := NewAccessService(
		config.AccessConfig{
			AdminEmail:         "Owner@Example.com",
			AdminName:          "Bangaly",
			TemporaryAccessTTL: 20 * time.Minute,
			NotifyTimeout:      time.Second,
		},
		store, store, notifier, zap.NewNop(),
		WithClock(clock.Now),
		WithRecorder(audit.NewRecorder(time.Second, events)),
	)
	t.Cleanup(svc.Wait)
	return &harness{svc: svc, store: store, clock: clock, notifier: notifier, events: events}
}

func (h *harness) submit(t *testing.T, name, email string) string {
	t.Helper()
	res, err := h.svc.SubmitAccessRequest(context.Background(), name, email, "partner")
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, res.Status)
	require.NotEmpty(t, res.RequestID)
	return res.RequestID
}

func TestAisha_TemporaryAccessExpires(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.svc.SubmitAccessRequest(ctx, "Aisha", "aisha@example.com", "partner")
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, res.Status)
	assert.Equal(t, "Demande envoyée! Bangaly va examiner votre demande.", res.Message)

	h.clock.Advance(time.Second)
	decision, err := h.svc.ApproveRequest(ctx, res.RequestID, "temporary")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, decision.Status)
	assert.Equal(t, "Accès temporary accordé", decision.Message)

	h.clock.Advance(time.Second)
	status, err := h.svc.CheckAccess(ctx, "aisha@example.com")
	require.NoError(t, err)
	assert.True(t, status.Authorized)
	assert.Equal(t, models.AccessTemporary, status.AccessType)
	require.NotNil(t, status.RemainingSeconds)
	assert.Equal(t, int64(1199), *status.RemainingSeconds)

	h.clock.Advance(20 * time.Minute)
	status, err = h.svc.CheckAccess(ctx, "aisha@example.com")
	require.NoError(t, err)
	assert.False(t, status.Authorized)
	assert.Equal(t, "Accès expiré", status.Message)

	users, err := h.svc.ListAuthorizedUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)

	status, err = h.svc.CheckAccess(ctx, "aisha@example.com")
	require.NoError(t, err)
	assert.Equal(t, &AccessStatus{Authorized: false}, status)
}

func TestAdminBypass(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for _, email := range []string{"owner@example.com", "OWNER@EXAMPLE.COM", " Owner@Example.com "} {
		status, err := h.svc.CheckAccess(ctx, email)
		require.NoError(t, err)
		assert.Equal(t, &AccessStatus{Authorized: true, AccessType: models.AccessPermanent, IsAdmin: true}, status)
	}

	res, err := h.svc.SubmitAccessRequest(ctx, "Owner", "OWNER@example.com", "")
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyAuthorized, res.Status)
	assert.Equal(t, "Accès admin automatique", res.Message)

	for _, name := range []string{"", "<script>"} {
		res, err := h.svc.SubmitAccessRequest(ctx, name, "OWNER@example.com", "")
		require.NoError(t, err, "name %q", name)
		assert.Equal(t, StatusAlreadyAuthorized, res.Status)
	}

	requests, err := h.svc.ListRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, requests)

	h.svc.Wait()
	assert.Zero(t, h.notifier.count())
}

func TestSubmit_DuplicateIsPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.submit(t, "Bob", "bob@example.com")

	res, err := h.svc.SubmitAccessRequest(ctx, "Bob", "BOB@example.com", "again")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)
	assert.Empty(t, res.RequestID)

	n, err := h.svc.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status, err := h.svc.CheckAccess(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.False(t, status.Authorized)
	assert.Equal(t, StatusPending, status.Status)

	h.svc.Wait()
	require.Equal(t, 1, h.notifier.count())
	assert.Equal(t, "bob@example.com", h.notifier.notices[0].Email)
}

func TestSubmit_AlreadyAuthorized(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id := h.submit(t, "Carol", "carol@example.com")
	_, err := h.svc.ApproveRequest(ctx, id, "permanent")
	require.NoError(t, err)

	res, err := h.svc.SubmitAccessRequest(ctx, "Carol", "Carol@Example.com", "")
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyAuthorized, res.Status)
	assert.Equal(t, "Vous avez déjà accès à l'application", res.Message)
}

func TestSubmit_AfterExpiryCreatesNewRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id := h.submit(t, "Dan", "dan@example.com")
	_, err := h.svc.ApproveRequest(ctx, id, "temporary")
	require.NoError(t, err)

	h.clock.Advance(21 * time.Minute)
	second := h.submit(t, "Dan", "dan@example.com")
	assert.NotEqual(t, id, second)

	grants, err := h.store.GetGrantsByEmail(ctx, "dan@example.com")
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestSubmit_Validation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	tests := []struct {
		name, email string
	}{
		{"", "a@example.com"},
		{"Alice", ""},
		{"Alice", "not-an-email"},
		{"Alice", "Alice <a@example.com>"},
		{"<script>alert(1)</script>", "a@example.com"},
	}
	for _, tt := range tests {
		_, err := h.svc.SubmitAccessRequest(ctx, tt.name, tt.email, "")
		assert.ErrorIs(t, err, ErrInvalidInput, "name=%q email=%q", tt.name, tt.email)
	}
}

func TestSubmit_NotificationFailureIsSwallowed(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("smtp down")

	h.submit(t, "Eve", "eve@example.com")
	h.svc.Wait()
	assert.Equal(t, 1, h.notifier.count())
}

func TestPermanentNotDowngraded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first := h.submit(t, "Fay", "fay@example.com")
	_, err := h.svc.ApproveRequest(ctx, first, "permanent")
	require.NoError(t, err)

	// A temporary grant written later for the same email must not win.
	exp := h.clock.Now().Add(time.Minute)
	require.NoError(t, h.store.CreateGrant(ctx, &models.AuthorizedUser{
		ID: "late", Email: "fay@example.com", AccessType: models.AccessTemporary,
		ExpiresAt: &exp, ApprovedAt: h.clock.Now().Add(time.Second),
	}))

	h.clock.Advance(365 * 24 * time.Hour)
	status, err := h.svc.CheckAccess(ctx, "fay@example.com")
	require.NoError(t, err)
	assert.True(t, status.Authorized)
	assert.Equal(t, models.AccessPermanent, status.AccessType)
	assert.Nil(t, status.RemainingSeconds)
}

func TestDecisions_AlreadyDecided(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id := h.submit(t, "Gus", "gus@example.com")
	res, err := h.svc.DenyRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, res.Status)
	assert.Equal(t, "Accès refusé", res.Message)

	again, err := h.svc.ApproveRequest(ctx, id, "permanent")
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyDecided, again.Status)

	again, err = h.svc.QuickDeny(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyDecided, again.Status)

	req, err := h.store.GetRequestByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusDenied, req.Status)
	assert.Nil(t, req.AccessType)
	assert.Nil(t, req.ExpiresAt)
	assert.Equal(t, models.DecidedByAdmin, req.DecidedBy)

	grants, err := h.store.ListGrants(ctx)
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestDecisions_NotFoundAndInvalid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.ApproveRequest(ctx, "missing", "permanent")
	assert.ErrorIs(t, err, ErrRequestNotFound)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.DenyRequest(ctx, "")
	assert.ErrorIs(t, err, ErrRequestNotFound)

	id := h.submit(t, "Hal", "hal@example.com")
	_, err = h.svc.ApproveRequest(ctx, id, "forever")
	assert.ErrorIs(t, err, ErrInvalidInput)

	req, err := h.store.GetRequestByID(ctx, id)
	require.NoError(t, err)
	assert.True(t, req.IsPending())
}

func TestQuickApprove_RecordsActor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id := h.submit(t, "Ivy", "ivy@example.com")
	res, err := h.svc.QuickApprove(ctx, id, "PERMANENT")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, res.Status)
	assert.Equal(t, models.DecidedByQuickLink, res.Request.DecidedBy)

	grants, err := h.store.GetGrantsByEmail(ctx, "ivy@example.com")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, id, grants[0].RequestID)
	assert.Nil(t, grants[0].ExpiresAt)
}

func TestConcurrentApprovalsCreateOneGrant(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.submit(t, "Jay", "jay@example.com")

	var approved atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.ApproveRequest(ctx, id, "temporary")
			if err == nil && res.Status == StatusApproved {
				approved.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), approved.Load())
	grants, err := h.store.GetGrantsByEmail(ctx, "jay@example.com")
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func TestRevokeAccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id := h.submit(t, "Kim", "kim@example.com")
	_, err := h.svc.ApproveRequest(ctx, id, "permanent")
	require.NoError(t, err)

	res, err := h.svc.RevokeAccess(ctx, "KIM@example.com")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, res.Status)
	assert.Equal(t, 1, res.Removed)

	status, err := h.svc.CheckAccess(ctx, "kim@example.com")
	require.NoError(t, err)
	assert.False(t, status.Authorized)

	_, err = h.svc.RevokeAccess(ctx, "kim@example.com")
	assert.ErrorIs(t, err, ErrGrantNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWhitelistAndSweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	perm := h.submit(t, "Lea", "lea@example.com")
	temp := h.submit(t, "Max", "max@example.com")
	_, err := h.svc.ApproveRequest(ctx, perm, "permanent")
	require.NoError(t, err)
	_, err = h.svc.ApproveRequest(ctx, temp, "temporary")
	require.NoError(t, err)

	entries, err := h.svc.Whitelist(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, entries[0].IsAdmin)
	assert.Equal(t, "owner@example.com", entries[0].Email)
	assert.Equal(t, "Bangaly", entries[0].Name)

	h.clock.Advance(time.Hour)
	n, err := h.svc.SweepExpiredGrants(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err = h.svc.Whitelist(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "lea@example.com", entries[1].Email)
}

func TestListPendingRequests(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a := h.submit(t, "Ann", "ann@example.com")
	h.clock.Advance(time.Second)
	b := h.submit(t, "Ben", "ben@example.com")
	_, err := h.svc.DenyRequest(ctx, a)
	require.NoError(t, err)

	pending, err := h.svc.ListPendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b, pending[0].ID)

	all, err := h.svc.ListRequests(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestAuditTrail(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id := h.submit(t, "Ola", "Ola@Example.com")
	_, err := h.svc.ApproveRequest(ctx, id, "temporary")
	require.NoError(t, err)
	h.clock.Advance(time.Hour)
	_, err = h.svc.CheckAccess(ctx, "ola@example.com")
	require.NoError(t, err)
	h.svc.Wait()

	events, err := h.events.Query(ctx, models.AuditFilter{Email: "ola@example.com"})
	require.NoError(t, err)
	require.Len(t, events, 3)

	actions := map[string]bool{}
	for _, e := range events {
		actions[e.Action] = true
	}
	assert.True(t, actions[models.AuditRequestSubmitted])
	assert.True(t, actions[models.AuditRequestApproved])
	assert.True(t, actions[models.AuditGrantExpired])
}

type failingStore struct {
	*memory.Store
}

func (f failingStore) GetGrantsByEmail(context.Context, string) ([]*models.AuthorizedUser, error) {
	return nil, errors.New("connection reset")
}

func TestStoreFailuresPropagate(t *testing.T) {
	store := failingStore{memory.NewStore()}
	svc := NewAccessService(config.AccessConfig{AdminEmail: "owner@example.com"}, store, store, nil, zap.NewNop())

	_, err := svc.CheckAccess(context.Background(), "a@example.com")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, repository.ErrNotFound)
}

func TestRunSweeper_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.svc.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"access-service/internal/models"
	"access-service/internal/repository"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "access.db")
	s, err := NewStore(context.Background(), path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func pendingRequest(id, email string, created time.Time) *models.AccessRequest {
	return &models.AccessRequest{
		ID:        id,
		Name:      "Test " + id,
		Email:     email,
		Reason:    "partner",
		Status:    models.RequestStatusPending,
		CreatedAt: created,
	}
}

func TestStore_RequestLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 123456789, time.UTC)

	require.NoError(t, s.CreateRequest(ctx, pendingRequest("r1", "Aisha@Example.com", now)))
	require.Error(t, s.CreateRequest(ctx, pendingRequest("r1", "other@example.com", now)))

	found, err := s.FindPendingByEmail(ctx, "aisha@example.com")
	require.NoError(t, err)
	assert.Equal(t, "r1", found.ID)
	assert.Equal(t, "Aisha@Example.com", found.Email)
	assert.Equal(t, "partner", found.Reason)
	assert.True(t, found.CreatedAt.Equal(now))
	assert.Nil(t, found.AccessType)
	assert.Nil(t, found.ExpiresAt)

	count, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	at := models.AccessTemporary
	exp := now.Add(20 * time.Minute)
	decided, err := s.DecideRequest(ctx, "r1", models.Decision{
		Status:     models.RequestStatusApproved,
		AccessType: &at,
		ExpiresAt:  &exp,
		DecidedAt:  now,
		DecidedBy:  models.DecidedByQuickLink,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusApproved, decided.Status)
	require.NotNil(t, decided.AccessType)
	assert.Equal(t, models.AccessTemporary, *decided.AccessType)
	require.NotNil(t, decided.ExpiresAt)
	assert.True(t, decided.ExpiresAt.Equal(exp))
	assert.Equal(t, models.DecidedByQuickLink, decided.DecidedBy)

	_, err = s.FindPendingByEmail(ctx, "aisha@example.com")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	current, err := s.DecideRequest(ctx, "r1", models.Decision{Status: models.RequestStatusDenied, DecidedAt: now})
	assert.ErrorIs(t, err, repository.ErrAlreadyDecided)
	require.NotNil(t, current)
	assert.Equal(t, models.RequestStatusApproved, current.Status)

	_, err = s.DecideRequest(ctx, "missing", models.Decision{Status: models.RequestStatusDenied})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestStore_ListingsOrderedByCreation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// Inserted out of order; the fractional second must not break text ordering
	require.NoError(t, s.CreateRequest(ctx, pendingRequest("r2", "b@example.com", base.Add(time.Second))))
	require.NoError(t, s.CreateRequest(ctx, pendingRequest("r1", "a@example.com", base.Add(500*time.Millisecond))))
	require.NoError(t, s.CreateRequest(ctx, pendingRequest("r3", "c@example.com", base.Add(2*time.Second))))

	_, err := s.DecideRequest(ctx, "r3", models.Decision{Status: models.RequestStatusDenied, DecidedAt: base})
	require.NoError(t, err)

	all, err := s.ListRequests(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"r1", "r2", "r3"}, []string{all[0].ID, all[1].ID, all[2].ID})

	pending, err := s.ListPendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "r1", pending[0].ID)
}

func TestStore_ConcurrentDecisionsApplyOnce(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.CreateRequest(ctx, pendingRequest("r1", "a@example.com", time.Now())))

	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			at := models.AccessPermanent
			if _, err := s.DecideRequest(ctx, "r1", models.Decision{Status: models.RequestStatusApproved, AccessType: &at, DecidedAt: time.Now()}); err == nil {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
}

func TestStore_Grants(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	exp := now.Add(20 * time.Minute)

	require.NoError(t, s.CreateGrant(ctx, &models.AuthorizedUser{ID: "g1", Name: "Bob", Email: "Bob@Example.com", AccessType: models.AccessTemporary, ExpiresAt: &exp, ApprovedAt: now, RequestID: "r1"}))
	require.NoError(t, s.CreateGrant(ctx, &models.AuthorizedUser{ID: "g2", Name: "Bob", Email: "bob@example.com", AccessType: models.AccessPermanent, ApprovedAt: now.Add(time.Second)}))
	require.NoError(t, s.CreateGrant(ctx, &models.AuthorizedUser{ID: "g3", Name: "Carol", Email: "carol@example.com", AccessType: models.AccessPermanent, ApprovedAt: now}))

	rows, err := s.GetGrantsByEmail(ctx, "bob@example.com")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "g1", rows[0].ID)
	assert.Equal(t, "r1", rows[0].RequestID)
	require.NotNil(t, rows[0].ExpiresAt)
	assert.True(t, rows[0].ExpiresAt.Equal(exp))
	assert.Nil(t, rows[1].ExpiresAt)

	require.NoError(t, s.DeleteGrant(ctx, "bob@example.com", "g1"))
	assert.ErrorIs(t, s.DeleteGrant(ctx, "bob@example.com", "g1"), repository.ErrNotFound)

	n, err := s.DeleteGrantsByEmail(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := s.ListGrants(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "g3", all[0].ID)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	s, path := newTestStore(t)
	require.NoError(t, s.CreateRequest(ctx, pendingRequest("r1", "a@example.com", time.Now())))
	require.NoError(t, s.HealthCheck(ctx))
	require.NoError(t, s.Close())

	reopened, err := NewStore(ctx, path, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetRequestByID(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, got.IsPending())
}

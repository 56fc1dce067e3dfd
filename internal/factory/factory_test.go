package factory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"access-service/internal/audit"
	"access-service/internal/config"
	"access-service/internal/models"
	"access-service/internal/notify"
	"access-service/internal/repository/memory"
	redisrepo "access-service/internal/repository/redis"
	"access-service/internal/repository/sqlite"
	"access-service/internal/util"
)

func newTestFactory(t *testing.T, mutate func(*config.Config)) *Factory {
	t.Helper()
	util.SetLogger(zap.NewNop())

	cfg := &config.Config{
		Environment: config.EnvDevelopment,
		Server:      config.ServerConfig{PublicURL: "http://localhost:8080"},
		Access: config.AccessConfig{
			AdminEmail:         "owner@example.com",
			AdminName:          "Bangaly",
			TemporaryAccessTTL: 20 * time.Minute,
			NotifyTimeout:      time.Second,
		},
		Storage:   config.StorageConfig{Driver: config.StorageMemory},
		Redis:     config.RedisConfig{PoolSize: 4, KeyPrefix: "test"},
		Bucketing: config.BucketingConfig{PendingBuckets: 4},
		RateLimit: config.RateLimitConfig{SubmitLimit: 5, SubmitWindow: time.Minute},
	}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	f := &Factory{config: cfg, closed: make(chan struct{})}
	require.NoError(t, f.initializeClients())
	require.NoError(t, f.initializeStore())
	f.initializeAudit()
	f.initializeNotifier()
	f.initializeRateLimiter()
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFactory_MemoryDefaults(t *testing.T) {
	f := newTestFactory(t, nil)

	assert.IsType(t, &memory.Store{}, f.store)
	assert.IsType(t, &audit.MemorySink{}, f.AuditQuerier())
	assert.Nil(t, f.AuditSearcher())
	assert.Nil(t, f.RateLimiter())
	assert.IsType(t, &notify.LogNotifier{}, f.notifier)
	assert.Equal(t, []string{"log", "memory"}, f.recorder.Sinks())

	health := f.HealthCheck(context.Background())
	assert.Equal(t, map[string]error{"store": nil}, health)
	assert.True(t, f.IsHealthy(context.Background()))
}

func TestFactory_ServiceRecordsToAuditRing(t *testing.T) {
	f := newTestFactory(t, nil)
	svc := f.ServiceFactory().AccessService()
	assert.Same(t, svc, f.ServiceFactory().AccessService())

	res, err := svc.SubmitAccessRequest(context.Background(), "Aisha", "aisha@example.com", "")
	require.NoError(t, err)
	svc.Wait()

	events, err := f.AuditQuerier().Query(context.Background(), models.AuditFilter{Email: "aisha@example.com"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, res.RequestID, events[0].RequestID)
}

func TestFactory_RedisStorageAndRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	f := newTestFactory(t, func(c *config.Config) {
		c.Storage.Driver = config.StorageRedis
		c.Redis.URL = "redis://" + mr.Addr()
		c.RateLimit.Enabled = true
	})

	assert.IsType(t, &redisrepo.AccessStore{}, f.store)
	assert.IsType(t, &redisrepo.RateLimitCache{}, f.RateLimiter())

	health := f.HealthCheck(context.Background())
	assert.NoError(t, health["store"])
	assert.NoError(t, health["redis"])

	mr.Close()
	assert.False(t, f.IsHealthy(context.Background()))
}

func TestFactory_CloseIsIdempotent(t *testing.T) {
	f := newTestFactory(t, nil)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	f.WaitForClose()
}

func TestFactory_SweeperStopsOnClose(t *testing.T) {
	f := newTestFactory(t, func(c *config.Config) { c.Access.SweepInterval = 5 * time.Millisecond })
	f.StartSweeper()
	require.NotNil(t, f.sweeperDone)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, f.Close())

	select {
	case <-f.sweeperDone:
	default:
		t.Fatal("sweeper still running after Close")
	}
}

func TestFactory_SQLiteStorageWithLocalRateLimit(t *testing.T) {
	f := newTestFactory(t, func(c *config.Config) {
		c.Storage.Driver = config.StorageSQLite
		c.SQLite.Path = filepath.Join(t.TempDir(), "access.db")
		c.RateLimit.Enabled = true
	})

	assert.IsType(t, &sqlite.Store{}, f.store)
	assert.IsType(t, &memory.RateLimiter{}, f.RateLimiter())
	assert.True(t, f.IsHealthy(context.Background()))
}

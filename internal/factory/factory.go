package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"access-service/internal/audit"
	"access-service/internal/bucketing"
	"access-service/internal/client"
	"access-service/internal/config"
	"access-service/internal/notify"
	"access-service/internal/repository"
	"access-service/internal/repository/memory"
	redisrepo "access-service/internal/repository/redis"
	"access-service/internal/repository/scylla"
	"access-service/internal/repository/sqlite"
	"access-service/internal/service"
	"access-service/internal/tls"
	"access-service/internal/util"
)

const auditWriteTimeout = 10 * time.Second

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	bucketingManager *bucketing.BucketingManager

	// Persistence and side channels
	store         repository.Store
	notifier      notify.Notifier
	recorder      *audit.Recorder
	auditQuerier  audit.Querier
	auditSearcher audit.Searcher
	rateLimiter   repository.RateLimiter

	serviceFactory *service.ServiceFactory

	stopSweeper context.CancelFunc
	sweeperDone chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads and validates the configuration, then initializes all
// application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		tlsConfig := &tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		}
		factory.tlsManager = tls.NewTLSManager(tlsConfig)
	}

	if err := factory.initializeClients(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeStore(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	factory.initializeAudit()
	factory.initializeNotifier()
	factory.initializeRateLimiter()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("storage", cfg.Storage.Driver),
		util.Strings("audit_sinks", factory.recorder.Sinks()),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("rate_limit_enabled", factory.rateLimiter != nil),
	)

	return factory, nil
}

// initializeClients connects every configured backend. Storage backends are
// required; audit and messaging backends are optional outside production.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := f.config
	var required, optional []error

	// Redis
	if cfg.Redis.URL != "" {
		if c, err := client.NewRedisClient(cfg, util.Get()); err != nil {
			err = fmt.Errorf("redis: %w", err)
			if cfg.Storage.Driver == config.StorageRedis || cfg.RateLimit.Enabled {
				required = append(required, err)
			} else {
				optional = append(optional, err)
			}
		} else {
			f.redisClient = c
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if cfg.Storage.Driver == config.StorageScylla {
		if c, err := scylla.NewScyllaClient(cfg, util.Get()); err != nil {
			required = append(required, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = c
			if err := f.scyllaClient.HealthCheck(ctx); err != nil {
				required = append(required, fmt.Errorf("scylla health check: %w", err))
			} else {
				util.Info("ScyllaDB client initialized and healthy")
			}
		}
	}

	// Kafka
	if len(cfg.Kafka.Brokers) > 0 {
		if producer, err := client.NewKafkaProducer(cfg, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized", util.String("audit_topic", cfg.Kafka.AuditTopic))
		}
	}

	// Elasticsearch
	if cfg.Elasticsearch.URL != "" {
		if c, err := client.NewElasticsearchClient(cfg, util.Get()); err != nil {
			optional = append(optional, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if cfg.Clickhouse.URL != "" {
		if c, err := client.NewClickHouseClient(cfg, util.Get()); err != nil {
			optional = append(optional, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
			if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
				optional = append(optional, fmt.Errorf("clickhouse health check: %w", err))
			} else {
				util.Info("ClickHouse client initialized and healthy")
			}
		}
	}

	if len(required) > 0 {
		return errors.Join(required...)
	}
	if len(optional) > 0 {
		if cfg.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(optional...))
		}
		for _, err := range optional {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeStore() error {
	switch f.config.Storage.Driver {
	case config.StorageScylla:
		f.bucketingManager = bucketing.NewBucketingManager(f.config.Bucketing.PendingBuckets)
		f.store = scylla.NewAccessStore(f.scyllaClient, f.bucketingManager)
	case config.StorageRedis:
		f.store = redisrepo.NewAccessStore(f.redisClient, f.config.Redis.KeyPrefix)
	case config.StorageSQLite:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := sqlite.NewStore(ctx, f.config.SQLite.Path, util.Named("sqlite"))
		if err != nil {
			return err
		}
		f.store = store
	default:
		util.Warn("Using in-memory storage - data is lost on restart")
		f.store = memory.NewStore()
	}
	return nil
}

// initializeRateLimiter counts in Redis when it is connected, so every
// instance shares one budget; otherwise each process keeps its own.
func (f *Factory) initializeRateLimiter() {
	if !f.config.RateLimit.Enabled {
		return
	}
	if f.redisClient != nil {
		f.rateLimiter = redisrepo.NewRateLimitCache(f.redisClient, f.config.Redis.KeyPrefix)
		return
	}
	util.Warn("Rate limiting without Redis - limits are per instance")
	f.rateLimiter = memory.NewRateLimiter()
}

// initializeAudit wires one sink per configured backend. ClickHouse answers
// audit queries when present, otherwise an in-process ring does.
func (f *Factory) initializeAudit() {
	sinks := []audit.Sink{audit.NewLogSink(util.Named("audit"))}

	if f.clickhouseClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		sink := audit.NewClickHouseSink(f.clickhouseClient)
		if err := sink.EnsureTable(ctx); err != nil {
			util.Warn("ClickHouse audit table unavailable - falling back to in-memory audit", util.ErrorField(err))
		} else {
			sinks = append(sinks, sink)
			f.auditQuerier = sink
		}
		cancel()
	}
	if f.auditQuerier == nil {
		ring := audit.NewMemorySink(audit.MaxQueryLimit)
		sinks = append(sinks, ring)
		f.auditQuerier = ring
	}

	if f.kafkaProducer != nil {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer, f.config.Kafka.AuditTopic))
	}

	if f.esClient != nil {
		indexer := audit.NewSearchIndexer(f.esClient, f.config.Elasticsearch.AuditIndex)
		sinks = append(sinks, indexer)
		f.auditSearcher = indexer
	}

	f.recorder = audit.NewRecorder(auditWriteTimeout, sinks...)
}

func (f *Factory) initializeNotifier() {
	if f.config.SMTPEnabled() {
		f.notifier = notify.NewSMTPNotifier(f.config)
		util.Info("SMTP notifier configured",
			util.String("host", f.config.SMTP.Host),
			util.Int("port", f.config.SMTP.Port),
		)
		return
	}
	util.Warn("SMTP not configured - access request notifications go to the log")
	f.notifier = notify.NewLogNotifier(util.Named("notify"), f.config.Server.PublicURL+"/api")
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.config,
			f.store,
			f.notifier,
			f.recorder,
			util.Get(),
		)
	}
	return f.serviceFactory
}

// StartSweeper runs the expired-grant sweeper until Close. It does nothing
// when ACCESS_SWEEP_INTERVAL is zero.
func (f *Factory) StartSweeper() {
	interval := f.config.Access.SweepInterval
	if interval <= 0 || f.stopSweeper != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.stopSweeper = cancel
	f.sweeperDone = make(chan struct{})

	accessService := f.ServiceFactory().AccessService()
	go func() {
		defer close(f.sweeperDone)
		accessService.RunSweeper(ctx, interval)
	}()
}

// ==============================
// Health Checks
// ==============================

// HealthCheck probes every backend the factory connected.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	health := make(map[string]error)

	if f.store != nil {
		health["store"] = f.store.HealthCheck(ctx)
	} else {
		health["store"] = fmt.Errorf("store not initialized")
	}

	if f.redisClient != nil {
		health["redis"] = f.redisClient.HealthCheck(ctx)
	}
	if f.scyllaClient != nil {
		health["scylla"] = f.scyllaClient.HealthCheck(ctx)
	}
	if f.esClient != nil {
		health["elasticsearch"] = f.esClient.HealthCheck(ctx)
	}
	if f.clickhouseClient != nil {
		health["clickhouse"] = f.clickhouseClient.HealthCheck(ctx)
	}
	if f.kafkaProducer != nil {
		health["kafka"] = f.kafkaProducer.HealthCheck(ctx)
	}

	return health
}

// IsHealthy ignores Kafka, which only carries the audit stream.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	for name, err := range f.HealthCheck(ctx) {
		if name != "kafka" && err != nil {
			return false
		}
	}
	return true
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.stopSweeper != nil {
			f.stopSweeper()
			<-f.sweeperDone
		}

		// Drain notifications and audit writes before the sinks go away
		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
		} else if f.recorder != nil {
			f.recorder.Wait()
		}

		if f.store != nil {
			if err := f.store.Close(); err != nil {
				util.Error("Failed to close store", util.ErrorField(err))
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) AuditQuerier() audit.Querier {
	return f.auditQuerier
}

// AuditSearcher is nil unless Elasticsearch is configured.
func (f *Factory) AuditSearcher() audit.Searcher {
	return f.auditSearcher
}

// RateLimiter is nil unless rate limiting is enabled.
func (f *Factory) RateLimiter() repository.RateLimiter {
	return f.rateLimiter
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	StorageMemory = "memory"
	StorageScylla = "scylla"
	StorageRedis  = "redis"
	StorageSQLite = "sqlite"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Access        AccessConfig
	Storage       StorageConfig
	Scylla        ScyllaConfig
	SQLite        SQLiteConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	SMTP          SMTPConfig
	Bucketing     BucketingConfig
	RateLimit     RateLimitConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	// PublicURL is the externally reachable base of the API; decision links
	// embedded in notifications are built from it.
	PublicURL      string
	AllowedOrigins []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type AccessConfig struct {
	AdminEmail         string
	AdminName          string
	TemporaryAccessTTL time.Duration
	NotifyTimeout      time.Duration
	SweepInterval      time.Duration
	EnforceAdmin       bool
}

type StorageConfig struct {
	Driver string
}

type ScyllaConfig struct {
	Nodes        []string
	Keyspace     string
	Username     string
	Password     string
	CreateSchema bool
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	URL       string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

type KafkaConfig struct {
	Brokers      []string
	AuditTopic   string
	WriteTimeout time.Duration
}

type ElasticsearchConfig struct {
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

type SMTPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	From               string
	UseSSL             bool
	InsecureSkipVerify bool
}

type BucketingConfig struct {
	PendingBuckets int
}

type RateLimitConfig struct {
	Enabled      bool
	SubmitLimit  int
	SubmitWindow time.Duration
}

var (
	loaded *Config
	mu     sync.RWMutex
)

// LoadConfig reads an optional .env file and builds the configuration from
// the environment. The result is cached and also returned by Get.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("APP_ENV", EnvDevelopment),
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvInt("SERVER_PORT", 8080),
			TLSPort:        getEnvInt("SERVER_TLS_PORT", 8443),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			EnableTLS:      getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:       getEnvBool("SERVER_AUTO_CERT", false),
			Domain:         getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:       getEnv("SERVER_CERT_FILE", ""),
			KeyFile:        getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:    getEnv("SERVER_AUTOCERT_DIR", "./certs"),
			Email:          getEnv("SERVER_ACME_EMAIL", ""),
			PublicURL:      strings.TrimRight(getEnv("APP_URL", "http://localhost:8080"), "/"),
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"https://*", "http://localhost:*"}),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Access: AccessConfig{
			AdminEmail:         getEnv("ADMIN_EMAIL", ""),
			AdminName:          getEnv("ADMIN_NAME", "Administrateur"),
			TemporaryAccessTTL: getEnvDuration("ACCESS_TEMPORARY_TTL", 20*time.Minute),
			NotifyTimeout:      getEnvDuration("ACCESS_NOTIFY_TIMEOUT", 30*time.Second),
			SweepInterval:      getEnvDuration("ACCESS_SWEEP_INTERVAL", 0),
			EnforceAdmin:       getEnvBool("ACCESS_ENFORCE_ADMIN", false),
		},
		Storage: StorageConfig{
			Driver: strings.ToLower(getEnv("STORAGE_DRIVER", StorageMemory)),
		},
		Scylla: ScyllaConfig{
			Nodes:        getEnvSlice("SCYLLA_NODES", []string{"127.0.0.1:9042"}),
			Keyspace:     getEnv("SCYLLA_KEYSPACE", "access_control"),
			Username:     getEnv("SCYLLA_USERNAME", ""),
			Password:     getEnv("SCYLLA_PASSWORD", ""),
			CreateSchema: getEnvBool("SCYLLA_CREATE_SCHEMA", true),
		},
		SQLite: SQLiteConfig{
			Path: getEnv("SQLITE_PATH", "./data/access.db"),
		},
		Redis: RedisConfig{
			URL:       getEnv("REDIS_URL", ""),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			PoolSize:  getEnvInt("REDIS_POOL_SIZE", 20),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "access"),
		},
		Kafka: KafkaConfig{
			Brokers:      getEnvSlice("KAFKA_BROKERS", nil),
			AuditTopic:   getEnv("KAFKA_AUDIT_TOPIC", "access.events"),
			WriteTimeout: getEnvDuration("KAFKA_WRITE_TIMEOUT", 10*time.Second),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:        getEnv("ELASTICSEARCH_URL", ""),
			Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
			AuditIndex: getEnv("ELASTICSEARCH_AUDIT_INDEX", "access-audit"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", ""),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "default"),
		},
		SMTP: SMTPConfig{
			Host:               getEnv("SMTP_HOST", ""),
			Port:               getEnvInt("SMTP_PORT", 587),
			Username:           getEnv("SMTP_USERNAME", ""),
			Password:           getEnv("SMTP_PASSWORD", ""),
			From:               getEnv("SMTP_FROM", ""),
			UseSSL:             getEnvBool("SMTP_USE_SSL", false),
			InsecureSkipVerify: getEnvBool("SMTP_INSECURE_SKIP_VERIFY", false),
		},
		Bucketing: BucketingConfig{
			PendingBuckets: getEnvInt("PENDING_BUCKETS", 16),
		},
		RateLimit: RateLimitConfig{
			Enabled:      getEnvBool("RATE_LIMIT_ENABLED", false),
			SubmitLimit:  getEnvInt("RATE_LIMIT_SUBMIT", 5),
			SubmitWindow: getEnvDuration("RATE_LIMIT_SUBMIT_WINDOW", time.Minute),
		},
	}

	mu.Lock()
	loaded = cfg
	mu.Unlock()

	return cfg
}

// Get returns the last loaded configuration, loading it on first use.
func Get() *Config {
	mu.RLock()
	cfg := loaded
	mu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

// Validate reports configuration combinations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Access.AdminEmail) == "" {
		errs = append(errs, errors.New("ADMIN_EMAIL is required"))
	}
	if c.Access.TemporaryAccessTTL <= 0 {
		errs = append(errs, errors.New("ACCESS_TEMPORARY_TTL must be positive"))
	}
	if c.Access.SweepInterval < 0 {
		errs = append(errs, errors.New("ACCESS_SWEEP_INTERVAL must not be negative"))
	}

	switch c.Storage.Driver {
	case StorageMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("memory storage is not allowed in production"))
		}
	case StorageScylla:
		if len(c.Scylla.Nodes) == 0 || c.Scylla.Keyspace == "" {
			errs = append(errs, errors.New("scylla storage requires SCYLLA_NODES and SCYLLA_KEYSPACE"))
		}
	case StorageRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis storage requires REDIS_URL"))
		}
	case StorageSQLite:
		if strings.TrimSpace(c.SQLite.Path) == "" {
			errs = append(errs, errors.New("sqlite storage requires SQLITE_PATH"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver))
	}

	if c.SMTP.InsecureSkipVerify && c.IsProduction() {
		errs = append(errs, errors.New("SMTP_INSECURE_SKIP_VERIFY is not allowed in production"))
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.SubmitLimit <= 0 || c.RateLimit.SubmitWindow <= 0 {
			errs = append(errs, errors.New("rate limit and window must be positive"))
		}
	}

	if c.Bucketing.PendingBuckets <= 0 {
		errs = append(errs, errors.New("PENDING_BUCKETS must be positive"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) SMTPEnabled() bool {
	return c.SMTP.Host != "" && c.SMTP.From != ""
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

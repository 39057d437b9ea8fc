package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/entitle/pkg/observability"
)

// Storage backends
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite3"
)

// Audit sinks
const (
	AuditMemory = "memory"
	AuditDB     = "db"
	AuditFile   = "file"
	AuditMulti  = "multi"
)

// Client snapshot stores
const (
	SnapshotStoreNone  = "none"
	SnapshotStoreFile  = "file"
	SnapshotStoreRedis = "redis"
)

// Config holds the entitlement service configuration
type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Catalog       CatalogConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	// Per-actor token bucket; zero disables rate limiting
	RateLimitPerMinute int
	RateLimitBurst     int

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// StorageConfig selects where policy facts live
type StorageConfig struct {
	Type            string
	PostgresURL     string
	SQLitePath      string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// CatalogConfig points at the module catalog file
type CatalogConfig struct {
	Path     string
	Watch    bool
	Debounce time.Duration

	// PlatformTenant is the tenant whose super_admins may change the shared
	// catalog over HTTP; empty disables catalog changes over HTTP
	PlatformTenant string
}

// AuditConfig selects the audit sink. Multi writes to the database and a
// file, reading back from the database.
type AuditConfig struct {
	Sink         string
	FilePath     string
	FileRotate   bool
	FileMaxSize  int64
	FileMaxFiles int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel  observability.LogLevel
	LogFormat observability.LogFormat

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// AgentConfig holds the edge agent configuration
type AgentConfig struct {
	ServiceURL string
	ListenAddr string

	StalenessWindow time.Duration
	MaxAttempts     int
	InitialBackoff  time.Duration
	RefreshTimeout  time.Duration

	MaxSessions   int
	IdleTTL       time.Duration
	SweepSchedule string
	SweepWorkers  int

	SnapshotStore string
	SnapshotDir   string
	RedisURL      string
	RedisPrefix   string
	RedisTTL      time.Duration

	Observability ObservabilityConfig
}

// LoadConfig loads the service configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Catalog:       loadCatalogConfig(),
		Audit:         loadAuditConfig(),
		Observability: loadObservabilityConfig("entitlementd"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadAgentConfig loads the edge agent configuration from environment variables
func LoadAgentConfig() (*AgentConfig, error) {
	cfg := &AgentConfig{
		ServiceURL:      getEnv("ENTITLE_SERVICE_URL", "http://localhost:8080"),
		ListenAddr:      getEnv("ENTITLE_AGENT_LISTEN", "127.0.0.1:7070"),
		StalenessWindow: getEnvDuration("ENTITLE_STALENESS_WINDOW", 15*time.Minute),
		MaxAttempts:     getEnvInt("ENTITLE_FETCH_MAX_ATTEMPTS", 3),
		InitialBackoff:  getEnvDuration("ENTITLE_FETCH_INITIAL_BACKOFF", 500*time.Millisecond),
		RefreshTimeout:  getEnvDuration("ENTITLE_REFRESH_TIMEOUT", 30*time.Second),
		MaxSessions:     getEnvInt("ENTITLE_AGENT_MAX_SESSIONS", 1024),
		IdleTTL:         getEnvDuration("ENTITLE_AGENT_IDLE_TTL", time.Hour),
		SweepSchedule:   getEnv("ENTITLE_AGENT_SWEEP_SCHEDULE", "@every 5m"),
		SweepWorkers:    getEnvInt("ENTITLE_AGENT_SWEEP_WORKERS", 4),
		SnapshotStore:   strings.ToLower(getEnv("ENTITLE_SNAPSHOT_STORE", SnapshotStoreFile)),
		SnapshotDir:     getEnv("ENTITLE_SNAPSHOT_DIR", "/var/lib/entitle/snapshots"),
		RedisURL:        getEnv("ENTITLE_REDIS_URL", ""),
		RedisPrefix:     getEnv("ENTITLE_REDIS_PREFIX", "entitle:snapshot:"),
		RedisTTL:        getEnvDuration("ENTITLE_REDIS_TTL", 24*time.Hour),
		Observability:   loadObservabilityConfig("entitle-agent"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("ENTITLE_HOST", "0.0.0.0"),
		Port:            getEnv("ENTITLE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("ENTITLE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("ENTITLE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("ENTITLE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("ENTITLE_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("ENTITLE_MAX_BODY_BYTES", 1<<20),
		HealthPort:      getEnv("ENTITLE_HEALTH_PORT", "9090"),

		RateLimitPerMinute: getEnvInt("ENTITLE_RATE_LIMIT_PER_MINUTE", 600),
		RateLimitBurst:     getEnvInt("ENTITLE_RATE_LIMIT_BURST", 60),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() StorageConfig {
	return StorageConfig{
		Type:            strings.ToLower(getEnv("ENTITLE_STORAGE_TYPE", StorageMemory)),
		PostgresURL:     getEnv("ENTITLE_POSTGRES_URL", ""),
		SQLitePath:      getEnv("ENTITLE_SQLITE_PATH", "entitle.db"),
		MaxOpenConns:    getEnvInt("ENTITLE_DB_MAX_CONNS", 20),
		ConnMaxLifetime: getEnvDuration("ENTITLE_DB_CONN_MAX_LIFETIME", 30*time.Minute),
		AutoMigrate:     getEnvBool("ENTITLE_DB_AUTO_MIGRATE", true),
	}
}

func loadCatalogConfig() CatalogConfig {
	return CatalogConfig{
		Path:     getEnv("ENTITLE_CATALOG_PATH", ""),
		Watch:    getEnvBool("ENTITLE_CATALOG_WATCH", false),
		Debounce: getEnvDuration("ENTITLE_CATALOG_DEBOUNCE", 500*time.Millisecond),

		PlatformTenant: getEnv("ENTITLE_PLATFORM_TENANT", ""),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		Sink:         strings.ToLower(getEnv("ENTITLE_AUDIT_SINK", AuditMemory)),
		FilePath:     getEnv("ENTITLE_AUDIT_FILE_PATH", "/var/log/entitle/audit"),
		FileRotate:   getEnvBool("ENTITLE_AUDIT_FILE_ROTATE", true),
		FileMaxSize:  getEnvInt64("ENTITLE_AUDIT_FILE_MAX_SIZE", 100*1024*1024),
		FileMaxFiles: getEnvInt("ENTITLE_AUDIT_FILE_MAX_FILES", 10),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig(serviceName string) ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("ENTITLE_LOG_LEVEL", "info")),
		LogFormat:          observability.LogFormat(strings.ToLower(getEnv("ENTITLE_LOG_FORMAT", "json"))),
		MetricsEnabled:     getEnvBool("ENTITLE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("ENTITLE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("ENTITLE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("ENTITLE_OTEL_SERVICE_NAME", serviceName),
		OTelServiceVersion: getEnv("ENTITLE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("ENTITLE_OTEL_INSECURE", true),
	}
}

// OTel converts the settings for observability.InitOTel
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.RateLimitPerMinute < 0 || c.Server.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit settings must not be negative")
	}

	switch c.Storage.Type {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	case StorageSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite3 storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory, postgres, or sqlite3)", c.Storage.Type)
	}

	switch c.Audit.Sink {
	case AuditMemory:
	case AuditDB, AuditMulti:
		if c.Storage.Type == StorageMemory {
			return fmt.Errorf("audit sink %s requires database storage", c.Audit.Sink)
		}
		if c.Audit.Sink == AuditMulti && c.Audit.FilePath == "" {
			return fmt.Errorf("audit file path is required for multi audit sink")
		}
	case AuditFile:
		if c.Audit.FilePath == "" {
			return fmt.Errorf("audit file path is required for file audit sink")
		}
	default:
		return fmt.Errorf("invalid audit sink: %s (must be memory, db, file, or multi)", c.Audit.Sink)
	}

	if c.Catalog.Watch && c.Catalog.Path == "" {
		return fmt.Errorf("catalog path is required when catalog watch is enabled")
	}

	return c.Observability.validate()
}

// Validate checks if the agent configuration is valid
func (c *AgentConfig) Validate() error {
	if c.ServiceURL == "" {
		return fmt.Errorf("service URL is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("fetch max attempts must be at least 1")
	}
	if c.StalenessWindow <= 0 {
		return fmt.Errorf("staleness window must be positive")
	}

	switch c.SnapshotStore {
	case SnapshotStoreNone:
	case SnapshotStoreFile:
		if c.SnapshotDir == "" {
			return fmt.Errorf("snapshot directory is required for file snapshot store")
		}
	case SnapshotStoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis URL is required for redis snapshot store")
		}
	default:
		return fmt.Errorf("invalid snapshot store: %s (must be none, file, or redis)", c.SnapshotStore)
	}

	return c.Observability.validate()
}

func (o ObservabilityConfig) validate() error {
	switch o.LogFormat {
	case "", observability.FormatJSON, observability.FormatText:
	default:
		return fmt.Errorf("invalid log format: %s (must be json or text)", o.LogFormat)
	}
	if o.OTelEnabled {
		if o.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if o.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

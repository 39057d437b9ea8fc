// Package config loads configuration for the entitlement service and the
// edge agent from environment variables.
//
// Service settings:
//
//	ENTITLE_HOST="0.0.0.0"
//	ENTITLE_PORT="8080"
//	ENTITLE_HEALTH_PORT="9090"
//	ENTITLE_STORAGE_TYPE="postgres"  # memory, postgres, sqlite3
//	ENTITLE_POSTGRES_URL="postgres://localhost/entitle?sslmode=disable"
//	ENTITLE_SQLITE_PATH="/var/lib/entitle/entitle.db"
//	ENTITLE_CATALOG_PATH="/etc/entitle/catalog.yaml"
//	ENTITLE_CATALOG_WATCH="true"
//	ENTITLE_AUDIT_SINK="multi"  # memory, db, file, multi
//	ENTITLE_AUDIT_FILE_PATH="/var/log/entitle/audit"
//
// Agent settings:
//
//	ENTITLE_SERVICE_URL="http://entitlementd:8080"
//	ENTITLE_AGENT_LISTEN="127.0.0.1:7070"
//	ENTITLE_STALENESS_WINDOW="15m"
//	ENTITLE_FETCH_MAX_ATTEMPTS="3"
//	ENTITLE_SNAPSHOT_STORE="redis"  # none, file, redis
//	ENTITLE_REDIS_URL="redis://localhost:6379/0"
//	ENTITLE_AGENT_SWEEP_SCHEDULE="@every 5m"
//
// Shared observability settings:
//
//	ENTITLE_LOG_LEVEL="info"  # debug, info, warn, error
//	ENTITLE_METRICS_ENABLED="true"
//	ENTITLE_OTEL_ENABLED="true"
//	ENTITLE_OTEL_ENDPOINT="otel-collector:4317"
//
// Unparseable numbers and durations fall back to their defaults.
package config

package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/platinummonkey/entitle/pkg/audit"
	"github.com/platinummonkey/entitle/pkg/config"
	"github.com/platinummonkey/entitle/pkg/observability"
	"github.com/platinummonkey/entitle/pkg/policy"
)

// openStore returns the policy store and, for SQL backends, the shared
// database handle
func openStore(ctx context.Context, cfg config.StorageConfig, logger *observability.Logger) (*sql.DB, policy.Store, error) {
	if cfg.Type == config.StorageMemory {
		logger.Warn("using in-memory policy store; facts are lost on restart")
		return nil, policy.NewMemoryStore(), nil
	}

	dsn := cfg.PostgresURL
	if cfg.Type == config.StorageSQLite {
		dsn = cfg.SQLitePath
	}

	db, err := sql.Open(cfg.Type, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if cfg.Type == config.StorageSQLite {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := policy.RunMigrations(ctx, db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	store, err := policy.NewSQLStore(db, cfg.Type)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	logger.WithField("storage", cfg.Type).Info("policy store ready")
	return db, store, nil
}

// openAudit builds the configured audit sink. The multi sink writes the
// database synchronously and the file asynchronously.
func openAudit(cfg config.AuditConfig, db *sql.DB) (audit.Logger, error) {
	fileConfig := audit.FileLoggerConfig{
		BasePath: cfg.FilePath,
		Rotate:   cfg.FileRotate,
		MaxSize:  cfg.FileMaxSize,
		MaxFiles: cfg.FileMaxFiles,
	}

	switch cfg.Sink {
	case config.AuditDB:
		return audit.NewDBLogger(db)
	case config.AuditFile:
		return audit.NewFileLogger(fileConfig)
	case config.AuditMulti:
		dbLogger, err := audit.NewDBLogger(db)
		if err != nil {
			return nil, err
		}
		fileLogger, err := audit.NewFileLogger(fileConfig)
		if err != nil {
			return nil, err
		}
		multi := audit.NewMultiLogger(dbLogger, fileLogger)
		multi.SetAsync(true)
		return multi, nil
	}
	return audit.NewMemoryLog(), nil
}

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// DBLogger implements audit logging to a PostgreSQL or SQLite database
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-based audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{
		db: db,
	}

	// Ensure the audit_entries table exists
	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_entries table: %w", err)
	}

	return logger, nil
}

// ensureTable creates the audit_entries table if it doesn't exist
func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id VARCHAR(36) PRIMARY KEY,
		timestamp TIMESTAMP NOT NULL,
		actor VARCHAR(128) NOT NULL,
		tenant_id VARCHAR(128),
		action VARCHAR(64) NOT NULL,
		target_type VARCHAR(32) NOT NULL,
		target_id VARCHAR(255) NOT NULL,
		request_id VARCHAR(100),
		message TEXT,
		changes TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entries_tenant_time ON audit_entries(tenant_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_actor ON audit_entries(actor);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_target ON audit_entries(target_type, target_id);
	`

	_, err := l.db.Exec(query)
	return err
}

// Append inserts an entry
func (l *DBLogger) Append(ctx context.Context, entry *Entry) error {
	if err := prepare(ctx, entry); err != nil {
		return err
	}

	var changesJSON sql.NullString
	if entry.Changes != nil {
		data, err := json.Marshal(entry.Changes)
		if err != nil {
			return fmt.Errorf("failed to marshal changes: %w", err)
		}
		changesJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO audit_entries (
			id, timestamp, actor, tenant_id, action,
			target_type, target_id, request_id, message, changes
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10
		)
	`

	_, err := l.db.ExecContext(ctx, query,
		entry.ID, entry.Timestamp, entry.Actor, entry.TenantID, string(entry.Action),
		string(entry.TargetType), entry.TargetID, entry.RequestID, entry.Message, changesJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	return nil
}

// Query searches entries based on filters, newest first
func (l *DBLogger) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	query := `
		SELECT
			id, timestamp, actor, tenant_id, action,
			target_type, target_id, request_id, message, changes
		FROM audit_entries
		WHERE 1=1
	`

	args := []interface{}{}
	argCount := 1

	if filter.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argCount)
		args = append(args, filter.TenantID)
		argCount++
	}

	if filter.Actor != "" {
		query += fmt.Sprintf(" AND actor = $%d", argCount)
		args = append(args, filter.Actor)
		argCount++
	}

	if len(filter.Actions) > 0 {
		placeholders := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			placeholders[i] = fmt.Sprintf("$%d", argCount)
			args = append(args, string(a))
			argCount++
		}
		query += " AND action IN (" + strings.Join(placeholders, ", ") + ")"
	}

	if filter.TargetType != "" {
		query += fmt.Sprintf(" AND target_type = $%d", argCount)
		args = append(args, string(filter.TargetType))
		argCount++
	}

	if filter.TargetID != "" {
		query += fmt.Sprintf(" AND target_id = $%d", argCount)
		args = append(args, filter.TargetID)
		argCount++
	}

	if filter.StartTime != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, *filter.StartTime)
		argCount++
	}

	if filter.EndTime != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", argCount)
		args = append(args, *filter.EndTime)
		argCount++
	}

	query += " ORDER BY timestamp DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*Entry, 0)
	for rows.Next() {
		entry := &Entry{}
		var tenantID, requestID, message, changesJSON sql.NullString
		var action, targetType string

		err := rows.Scan(
			&entry.ID, &entry.Timestamp, &entry.Actor, &tenantID, &action,
			&targetType, &entry.TargetID, &requestID, &message, &changesJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		entry.TenantID = tenantID.String
		entry.Action = Action(action)
		entry.TargetType = TargetType(targetType)
		entry.RequestID = requestID.String
		entry.Message = message.String

		if changesJSON.Valid && changesJSON.String != "" {
			entry.Changes = &ChangeDetails{}
			if err := json.Unmarshal([]byte(changesJSON.String), entry.Changes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal changes: %w", err)
			}
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// Close closes the database logger
func (l *DBLogger) Close() error {
	// We don't close the database connection as it may be shared
	return nil
}

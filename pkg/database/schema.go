package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator verifies the store schema after migrations
// ARCHITECTURAL DISCOVERY: Separate validation component enables testing
// and deployment verification without coupling to migration system
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredTables = []string{
	"sessions",
	"participants",
	"invitations",
	"waiting_room_entries",
	"ratings",
	"schema_migrations",
}

var requiredIndexes = []string{
	"idx_sessions_status_scheduled",
	"idx_participants_active_privileged",
	"idx_invitations_pending_email",
	"idx_invitations_status_expiry",
	"idx_waiting_session_status",
	"idx_waiting_one_per_user",
}

// Validate checks tables, the concurrency columns and the uniqueness indexes
func (v *SchemaValidator) Validate() error {
	for _, table := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}

	for _, index := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}

	// TECHNICAL DISCOVERY: conditional updates depend on these columns
	if err := v.validateColumns("sessions", map[string]string{"version": "INTEGER", "status": "TEXT", "scheduled_at": "DATETIME"}); err != nil {
		return fmt.Errorf("sessions table structure invalid: %w", err)
	}
	if err := v.validateColumns("invitations", map[string]string{"version": "INTEGER", "status": "TEXT", "expires_at": "DATETIME"}); err != nil {
		return fmt.Errorf("invitations table structure invalid: %w", err)
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue interface{}
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for col, typ := range expected {
		got, ok := found[col]
		if !ok {
			return fmt.Errorf("column %s not found", col)
		}
		if got != typ {
			return fmt.Errorf("column %s has type %s, expected %s", col, got, typ)
		}
	}
	return nil
}

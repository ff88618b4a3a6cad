package store

import (
	"database/sql"
	"fmt"

	"statesync/internal/logging"
)

// Schema versions:
// v1: entries(key, value, version)
// v2: origin column for echo suppression
// v3: seq and updated_at columns for change polling
const CurrentSchemaVersion = 3

// Migration adds one column to an existing table.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations upgrades tables created by older builds that predate
// newer columns.
var pendingMigrations = []Migration{
	{"entries", "origin", "TEXT NOT NULL DEFAULT ''"},
	{"entries", "seq", "INTEGER NOT NULL DEFAULT 0"},
	{"entries", "updated_at", "INTEGER NOT NULL DEFAULT 0"},
}

// RunMigrations applies column migrations and records the schema version.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	from := GetSchemaVersion(db)
	if from >= CurrentSchemaVersion {
		logging.StoreDebug("Schema at v%d, nothing to migrate", from)
		return SetSchemaVersion(db, from)
	}
	logging.Store("Migrating schema v%d -> v%d", from, CurrentSchemaVersion)

	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) || columnExists(db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		logging.StoreDebug("Executing migration: %s", query)
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("migration %s.%s failed: %w", m.Table, m.Column, err)
		}
		applied++
	}

	// Rows from before seq existed must still be ordered for pollers.
	if applied > 0 {
		if _, err := db.Exec("UPDATE entries SET seq = rowid WHERE seq = 0"); err != nil {
			return fmt.Errorf("failed to backfill sequence: %w", err)
		}
	}

	if err := SetSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return err
	}
	logging.Store("Schema migrations complete: applied=%d", applied)
	return nil
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		logging.StoreDebug("PRAGMA table_info(%s) failed: %v", table, err)
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks if a table exists in the database.
func tableExists(db *sql.DB, table string) bool {
	var count int
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if err := db.QueryRow(query, table).Scan(&count); err != nil {
		logging.StoreDebug("Table existence check failed for %s: %v", table, err)
		return false
	}
	return count > 0
}

// GetSchemaVersion returns the schema version recorded in user_version, or
// infers it from the table structure for databases that never recorded one.
func GetSchemaVersion(db *sql.DB) int {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err == nil && version > 0 {
		return version
	}
	return inferSchemaVersion(db)
}

func inferSchemaVersion(db *sql.DB) int {
	switch {
	case !tableExists(db, "entries"):
		return 0
	case columnExists(db, "entries", "seq"):
		return 3
	case columnExists(db, "entries", "origin"):
		return 2
	default:
		return 1
	}
}

// SetSchemaVersion records version in the database header.
func SetSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	logging.StoreDebug("Schema version set to %d", version)
	return nil
}

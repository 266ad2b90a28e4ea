package database

import (
	"database/sql"
	"fmt"
)

type migration struct {
	name string
	sql  string
}

// Ordered migration list. Each entry runs at most once; applied names
// are recorded in the migrations table.
var migrationList = []migration{
	{
		name: "001_initial_schema",
		sql: `
CREATE TABLE IF NOT EXISTS transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	txn_id TEXT NOT NULL UNIQUE,
	comment TEXT
);
CREATE TABLE IF NOT EXISTS bot_rooms (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL,
	event_id TEXT NOT NULL,
	room_id TEXT NOT NULL
);`,
	},
	{
		name: "002_rooms_to_remove",
		sql: `
CREATE TABLE IF NOT EXISTS rooms_to_remove (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL,
	room_id TEXT NOT NULL,
	users TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_rooms_to_remove_event_id ON rooms_to_remove(event_id);`,
	},
	{
		name: "003_config",
		sql: `
CREATE TABLE IF NOT EXISTS config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`,
	},
}

func applyMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS migrations (
		name TEXT PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedMigrations(db)
	if err != nil {
		return err
	}

	for _, m := range migrationList {
		if applied[m.name] {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("migration %s failed: %w (rollback error: %v)", m.name, err, rbErr)
			}
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
		if _, err := tx.Exec("INSERT INTO migrations (name) VALUES (?)", m.name); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("failed to record migration %s: %w (rollback error: %v)", m.name, err, rbErr)
			}
			return fmt.Errorf("failed to record migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.name, err)
		}
	}

	return nil
}

func appliedMigrations(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("SELECT name FROM migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan migration name: %w", err)
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

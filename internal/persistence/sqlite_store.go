package persistence

import (
	"database/sql"
)

// NewSQLiteStore initializes the required schema in the given database and
// returns a store using it.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// With ":memory:" databases, callers should SetMaxOpenConns(1) so every
// query sees the same database.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS campaign_instances (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			queue TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			current_stage INTEGER NOT NULL,
			input TEXT,
			payload TEXT,
			error TEXT,
			kind TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL DEFAULT 0,
			finished_at INTEGER NOT NULL DEFAULT 0,
			deadline INTEGER NOT NULL DEFAULT 0,
			cancel_requested BOOLEAN NOT NULL DEFAULT 0,
			cancel_reason TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_campaign_instances_status ON campaign_instances(status);
		CREATE TABLE IF NOT EXISTS campaign_history (
			instance_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			stage TEXT NOT NULL,
			activity TEXT NOT NULL,
			status TEXT NOT NULL,
			output TEXT,
			reason TEXT,
			kind TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			recorded_at INTEGER NOT NULL,
			PRIMARY KEY (instance_id, seq)
		);
	`); err != nil {
		return nil, err
	}
	return s, nil
}

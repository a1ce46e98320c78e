package persistence

import (
	"database/sql"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS campaign_instances (
		id TEXT PRIMARY KEY,
		workflow_name TEXT NOT NULL,
		queue TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		current_stage INTEGER NOT NULL,
		input TEXT,
		payload TEXT,
		error TEXT,
		kind TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL DEFAULT 0,
		started_at BIGINT NOT NULL DEFAULT 0,
		finished_at BIGINT NOT NULL DEFAULT 0,
		deadline BIGINT NOT NULL DEFAULT 0,
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
		cancel_reason TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_campaign_instances_status ON campaign_instances(status)`,
	`CREATE TABLE IF NOT EXISTS campaign_history (
		instance_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		stage TEXT NOT NULL,
		activity TEXT NOT NULL,
		status TEXT NOT NULL,
		output TEXT,
		reason TEXT,
		kind TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		recorded_at BIGINT NOT NULL,
		PRIMARY KEY (instance_id, seq)
	)`,
}

// NewPostgresStore initializes the required schema in the given database
// and returns a store using it.
//
// It expects an *sql.DB that uses a PostgreSQL driver. The caller is
// responsible for importing the driver for its side effects, e.g.:
//
//	_ "github.com/jackc/pgx/v5/stdlib"
//
// and opening it with sql.Open("pgx", dsn).
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	for _, stmt := range postgresSchema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, err
		}
	}
	return &SQLStore{db: db, dollars: true}, nil
}

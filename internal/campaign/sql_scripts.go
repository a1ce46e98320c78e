package campaign

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SQLScripts stores draft scripts in SQLite or PostgreSQL, deduplicated by
// idempotency key.
type SQLScripts struct {
	db      *sql.DB
	dollars bool
}

var _ Scripts = (*SQLScripts)(nil)

var scriptsSchema = []string{
	`CREATE TABLE IF NOT EXISTS campaign_scripts (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		brief_id TEXT NOT NULL,
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_campaign_scripts_brief ON campaign_scripts(brief_id)`,
}

func newSQLScripts(db *sql.DB, dollars bool) (*SQLScripts, error) {
	for _, stmt := range scriptsSchema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, err
		}
	}
	return &SQLScripts{db: db, dollars: dollars}, nil
}

// NewSQLiteScripts creates the scripts table if needed.
func NewSQLiteScripts(db *sql.DB) (*SQLScripts, error) {
	return newSQLScripts(db, false)
}

// NewPostgresScripts creates the scripts table if needed. db must use the
// pgx driver.
func NewPostgresScripts(db *sql.DB) (*SQLScripts, error) {
	return newSQLScripts(db, true)
}

func (s *SQLScripts) rebind(query string) string {
	if !s.dollars {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLScripts) CreateOnce(ctx context.Context, key, briefID, title string) (Script, error) {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO campaign_scripts (id, idempotency_key, brief_id, title, status, created_at)
		VALUES (?, ?, ?, ?, 'draft', ?)
		ON CONFLICT (idempotency_key) DO NOTHING`),
		uuid.NewString(), key, briefID, title, now.UnixNano(),
	); err != nil {
		return Script{}, err
	}

	var (
		out     Script
		created int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, brief_id, title, status, created_at
		FROM campaign_scripts WHERE idempotency_key = ?`), key,
	).Scan(&out.ID, &out.BriefID, &out.Title, &out.Status, &created)
	if err != nil {
		return Script{}, err
	}
	out.CreatedAt = time.Unix(0, created).UTC()
	return out, nil
}

// ListByBrief returns the scripts of a brief, oldest first.
func (s *SQLScripts) ListByBrief(ctx context.Context, briefID string) ([]Script, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, brief_id, title, status, created_at
		FROM campaign_scripts WHERE brief_id = ? ORDER BY created_at, id`), briefID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Script
	for rows.Next() {
		var (
			sc      Script
			created int64
		)
		if err := rows.Scan(&sc.ID, &sc.BriefID, &sc.Title, &sc.Status, &created); err != nil {
			return nil, err
		}
		sc.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, sc)
	}
	return out, rows.Err()
}

package persistence

import (
	"database/sql"

	"github.com/redis/go-redis/v9"
)

// Persistence bundles the store interfaces so the engine can depend on a
// single abstraction.
type Persistence struct {
	Instances InstanceStore
	History   HistoryStore
}

// NewInMemory returns a Persistence backed by process memory.
func NewInMemory() Persistence {
	s := NewInMemoryStore()
	return Persistence{Instances: s, History: s}
}

// NewSQLite returns a Persistence backed by a SQLite database.
func NewSQLite(db *sql.DB) (Persistence, error) {
	s, err := NewSQLiteStore(db)
	if err != nil {
		return Persistence{}, err
	}
	return Persistence{Instances: s, History: s}, nil
}

// NewPostgres returns a Persistence backed by PostgreSQL.
func NewPostgres(db *sql.DB) (Persistence, error) {
	s, err := NewPostgresStore(db)
	if err != nil {
		return Persistence{}, err
	}
	return Persistence{Instances: s, History: s}, nil
}

// NewRedis returns a Persistence backed by Redis.
func NewRedis(client redis.UniversalClient, prefix string) Persistence {
	s := NewRedisStore(client, prefix)
	return Persistence{Instances: s, History: s}
}

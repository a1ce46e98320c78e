package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/petrijr/campaignflow/internal/campaign"
	"github.com/petrijr/campaignflow/internal/config"
	"github.com/petrijr/campaignflow/internal/engine"
	"github.com/petrijr/campaignflow/internal/persistence"
	"github.com/petrijr/campaignflow/internal/taskqueue"
	"github.com/petrijr/campaignflow/pkg/api"
	"github.com/petrijr/campaignflow/pkg/connector"
	"github.com/petrijr/campaignflow/pkg/worker"
)

// backend is everything a command needs from the configured storage.
type backend struct {
	persistence persistence.Persistence
	scripts     campaign.Scripts
	// dial hands out a task queue; the worker redials it after a loss.
	dial    connector.Factory[taskqueue.Queue]
	closers []io.Closer
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i].Close())
	}
	return errors.Join(errs...)
}

// openBackend connects to the configured backend once. Callers that must
// survive an unreachable backend wrap it in a connector.
func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.Backend.Kind {
	case config.BackendMemory:
		q := taskqueue.NewInMemoryQueue()
		return &backend{
			persistence: persistence.NewInMemory(),
			scripts:     campaign.NewMemoryStore(),
			dial:        worker.Static(q),
			closers:     []io.Closer{q},
		}, nil
	case config.BackendSQLite:
		return openSQL(ctx, cfg, "sqlite", false)
	case config.BackendPostgres:
		return openSQL(ctx, cfg, "pgx", true)
	case config.BackendRedis:
		return openRedis(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported backend kind %q", cfg.Backend.Kind)
	}
}

func openSQL(ctx context.Context, cfg *config.Config, driver string, postgres bool) (*backend, error) {
	db, err := sql.Open(driver, cfg.Backend.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if !postgres {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	var (
		p       persistence.Persistence
		scripts *campaign.SQLScripts
	)
	if postgres {
		p, err = persistence.NewPostgres(db)
		if err == nil {
			scripts, err = campaign.NewPostgresScripts(db)
		}
	} else {
		p, err = persistence.NewSQLite(db)
		if err == nil {
			scripts, err = campaign.NewSQLiteScripts(db)
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init %s schema: %w", driver, err)
	}

	visibility := cfg.VisibilityTimeout()
	dial := func(context.Context) (taskqueue.Queue, error) {
		open := taskqueue.NewSQLiteQueue
		if postgres {
			open = taskqueue.NewPostgresQueue
		}
		q, err := open(db)
		if err != nil {
			return nil, err
		}
		q.SetVisibilityTimeout(visibility)
		return q, nil
	}
	return &backend{
		persistence: p,
		scripts:     scripts,
		dial:        dial,
		closers:     []io.Closer{db},
	}, nil
}

func openRedis(ctx context.Context, cfg *config.Config) (*backend, error) {
	bc := cfg.Backend
	opts := &redis.UniversalOptions{
		Addrs:    []string{bc.Addr()},
		Password: bc.Password,
		DB:       bc.DB,
	}
	client := redis.NewUniversalClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", bc.Addr(), err)
	}

	// Each queue owns its client so closing a lost queue leaves the stores
	// connected.
	visibility := cfg.VisibilityTimeout()
	dial := func(context.Context) (taskqueue.Queue, error) {
		q := taskqueue.NewRedisQueue(redis.NewUniversalClient(opts), bc.Namespace)
		q.SetVisibilityTimeout(visibility)
		return q, nil
	}
	return &backend{
		persistence: persistence.NewRedis(client, bc.Namespace),
		scripts:     campaign.NewRedisScripts(client, bc.Namespace),
		dial:        dial,
		closers:     []io.Closer{client},
	}, nil
}

// connectBackend opens the backend through a connector so startup waits out
// an unreachable database with backoff.
func connectBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	conn := connector.New[*backend](cfg.ConnectorConfig(),
		connector.WithLogger(logger.Named("backend")),
	)
	return conn.Connect(ctx, func(ctx context.Context) (*backend, error) {
		return openBackend(ctx, cfg)
	})
}

// newEngine builds an engine over b that reports to obs.
func newEngine(b *backend, obs api.Observer, logger *zap.Logger) api.Engine {
	return engine.NewEngineWithConfig(engine.Config{
		Persistence: b.persistence,
		Observer:    obs,
		Logger:      logger,
	})
}

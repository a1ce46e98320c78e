package campaignflow

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/petrijr/campaignflow/internal/engine"
	"github.com/petrijr/campaignflow/internal/persistence"
	"github.com/petrijr/campaignflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	WorkflowDefinition   = api.WorkflowDefinition
	StageDefinition      = api.StageDefinition
	WorkflowInstance     = api.WorkflowInstance
	InstanceListOptions  = api.InstanceListOptions
	StageOutcome         = api.StageOutcome
	Status               = api.Status
	Payload              = api.Payload
	ActivityFunc         = api.ActivityFunc
	ActivityDefinition   = api.ActivityDefinition
	ActivityOptions      = api.ActivityOptions
	ActivityInfo         = api.ActivityInfo
	RetryPolicy          = api.RetryPolicy
	FailureKind          = api.FailureKind
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common helpers.

var (
	NewLoggingObserver      = api.NewLoggingObserver
	NewCompositeObserver    = api.NewCompositeObserver
	NonRetryable            = api.NonRetryable
	Classify                = api.Classify
	ActivityInfoFromContext = api.ActivityInfoFromContext
)

// Re-export status values for convenience.

const (
	StatusPending   = api.StatusPending
	StatusRunning   = api.StatusRunning
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusCancelled = api.StatusCancelled
)

// Re-export the error taxonomy.

const (
	KindActivityTimeout  = api.KindActivityTimeout
	KindActivityFailure  = api.KindActivityFailure
	KindRetriesExhausted = api.KindRetriesExhausted
	KindDeadlineExceeded = api.KindDeadlineExceeded
	KindCancelled        = api.KindCancelled
)

var (
	ErrConnectionExhausted = api.ErrConnectionExhausted
	ErrActivityTimeout     = api.ErrActivityTimeout
	ErrActivityFailure     = api.ErrActivityFailure
	ErrRetriesExhausted    = api.ErrRetriesExhausted
	ErrDeadlineExceeded    = api.ErrDeadlineExceeded
	ErrCancelled           = api.ErrCancelled
	ErrInstanceNotFound    = api.ErrInstanceNotFound
)

// Activity builds an ActivityDefinition from a typed function. The payload
// is decoded into In and Out is merged back into the payload.
func Activity[In, Out any](name string, fn func(ctx context.Context, in In) (Out, error), opts ActivityOptions) ActivityDefinition {
	return api.TypedActivity(name, fn, opts)
}

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// Options configures NewEngine. Zero values select an in-memory store, no
// observer and the global zap logger.
type Options struct {
	Observer Observer
	Logger   *zap.Logger
}

func (o Options) engine(p persistence.Persistence) Engine {
	return engine.NewEngineWithConfig(engine.Config{
		Persistence: p,
		Observer:    o.Observer,
		Logger:      o.Logger,
	})
}

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewInMemoryEngineWithOptions returns an in-memory Engine with the given
// observer and logger.
func NewInMemoryEngineWithOptions(opts Options) Engine {
	return opts.engine(persistence.NewInMemory())
}

// NewSQLiteEngine returns an Engine that persists instances and history in
// a SQLite database. Definitions are kept in memory.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewSQLiteEngineWithOptions is NewSQLiteEngine with an observer and logger.
func NewSQLiteEngineWithOptions(db *sql.DB, opts Options) (Engine, error) {
	p, err := persistence.NewSQLite(db)
	if err != nil {
		return nil, err
	}
	return opts.engine(p), nil
}

// NewPostgresEngine returns an Engine that persists instances in PostgreSQL.
func NewPostgresEngine(db *sql.DB) (Engine, error) {
	return engine.NewPostgresEngine(db)
}

// NewPostgresEngineWithOptions is NewPostgresEngine with an observer and
// logger.
func NewPostgresEngineWithOptions(db *sql.DB, opts Options) (Engine, error) {
	p, err := persistence.NewPostgres(db)
	if err != nil {
		return nil, err
	}
	return opts.engine(p), nil
}

// NewRedisEngine returns an Engine that persists instances in Redis.
func NewRedisEngine(client redis.UniversalClient) Engine {
	return engine.NewRedisEngine(client)
}

// NewRedisEngineWithOptions is NewRedisEngine with an observer and logger.
// Keys are prefixed with prefix.
func NewRedisEngineWithOptions(client redis.UniversalClient, prefix string, opts Options) Engine {
	return opts.engine(persistence.NewRedis(client, prefix))
}

// Convenience helpers that just forward to the underlying Engine.

// Run runs a registered workflow synchronously.
func Run(ctx context.Context, eng Engine, name string, input Payload) (*WorkflowInstance, error) {
	return eng.Run(ctx, name, input)
}

// GetInstance fetches an instance by ID.
func GetInstance(ctx context.Context, eng Engine, id string) (*WorkflowInstance, error) {
	return eng.GetInstance(ctx, id)
}

// ListInstances lists workflow instances according to the given options.
func ListInstances(ctx context.Context, eng Engine, opts InstanceListOptions) ([]*WorkflowInstance, error) {
	return eng.ListInstances(ctx, opts)
}

// History returns the recorded stage outcomes of an instance.
func History(ctx context.Context, eng Engine, id string) ([]StageOutcome, error) {
	return eng.History(ctx, id)
}

// Cancel requests cancellation of an instance.
func Cancel(ctx context.Context, eng Engine, id, reason string) (*WorkflowInstance, error) {
	return eng.Cancel(ctx, id, reason)
}

// Resume continues a FAILED instance from the stage that failed.
func Resume(ctx context.Context, eng Engine, id string) (*WorkflowInstance, error) {
	return eng.Resume(ctx, id)
}

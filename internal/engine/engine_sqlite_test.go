package engine

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/campaignflow/internal/persistence"
	"github.com/petrijr/campaignflow/pkg/api"
)

func newSQLitePersistence(t *testing.T) persistence.Persistence {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	p, err := persistence.NewSQLite(db)
	require.NoError(t, err)
	return p
}

func TestSQLiteEngine_RetryThenComplete(t *testing.T) {
	eng := newTestEngine(t, newSQLitePersistence(t))

	var calls atomic.Int32
	eng.activity(t, "flaky", func(ctx context.Context, in api.Payload) (api.Payload, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("temporary failure")
		}
		return api.Payload{"result": "processed:" + in.String("brief_id")}, nil
	}, api.ActivityOptions{Retry: retryPolicy(3)})
	eng.workflow(t, "wf", 0, "flaky")

	inst, err := eng.Run(context.Background(), "wf", api.Payload{"brief_id": "b-1"})
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, inst.Status)
	assert.Equal(t, int32(3), calls.Load())

	stored, err := eng.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "processed:b-1", stored.Payload.String("result"))
	assert.Equal(t, api.StatusCompleted, stored.Status)
}

func TestSQLiteEngine_FailurePersistsKind(t *testing.T) {
	eng := newTestEngine(t, newSQLitePersistence(t))

	eng.activity(t, "broken", func(ctx context.Context, in api.Payload) (api.Payload, error) {
		return nil, errors.New("bad brief")
	}, api.ActivityOptions{Retry: retryPolicy(2)})
	eng.workflow(t, "wf", 0, "broken")

	inst, err := eng.Run(context.Background(), "wf", nil)
	require.Error(t, err)

	stored, err := eng.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusFailed, stored.Status)
	assert.Equal(t, api.KindRetriesExhausted, stored.Kind)
	assert.ErrorIs(t, stored.Err, api.ErrRetriesExhausted)
	assert.Contains(t, stored.Err.Error(), "bad brief")
}

func TestSQLiteEngine_ReplayAcrossEngines(t *testing.T) {
	p := newSQLitePersistence(t)

	var briefCalls, scriptCalls atomic.Int32
	started := make(chan struct{})
	setup := func(eng *testEngine) {
		eng.activity(t, "brief", func(ctx context.Context, in api.Payload) (api.Payload, error) {
			briefCalls.Add(1)
			return api.Payload{"brief": "ok"}, nil
		}, api.ActivityOptions{})
		eng.activity(t, "script", blockingStage(started, &scriptCalls, "script"), api.ActivityOptions{})
		eng.workflow(t, "wf", 0, "brief", "script")
	}

	first := newTestEngine(t, p)
	setup(first)
	inst, err := first.Create(context.Background(), "wf", "campaigns", nil)
	require.NoError(t, err)

	ctx, shutdown := context.WithCancel(context.Background())
	done := executeAsync(ctx, first, inst.ID)
	<-started
	shutdown()
	<-done

	second := newTestEngine(t, p)
	setup(second)
	final, err := second.Execute(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, final.Status)
	assert.Equal(t, "campaigns", final.Queue)
	assert.Equal(t, int32(1), briefCalls.Load())
	assert.Equal(t, int32(2), scriptCalls.Load())
}

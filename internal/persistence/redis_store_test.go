package persistence

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/campaignflow/pkg/api"
)

const prefix = "campaignflow:test:"

type RedisStoreTestSuite struct {
	suite.Suite
	client *redis.Client
	ctx    context.Context
}

// TestRedisTestSuite runs against the server in REDIS_ADDR and is skipped
// when it is unset.
func TestRedisTestSuite(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() {
		_ = client.Close()
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}

	suite.Run(t, &RedisStoreTestSuite{client: client, ctx: ctx})
}

func (r *RedisStoreTestSuite) SetupTest() {
	r.flush()
}

func (r *RedisStoreTestSuite) flush() {
	iter := r.client.Scan(r.ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(r.ctx) {
		err := r.client.Del(r.ctx, iter.Val()).Err()
		r.NoErrorf(err, "redis DEL %q failed", iter.Val())
	}
	r.NoError(iter.Err(), "redis SCAN failed")
}

func (r *RedisStoreTestSuite) TestConformance() {
	runConformance(r.T(), func(t *testing.T) Persistence {
		r.flush()
		return NewRedis(r.client, prefix)
	})
}

func (r *RedisStoreTestSuite) TestDefaultPrefix() {
	s := NewRedisStore(r.client, "")
	r.Equal("campaignflow:inst:x", s.keyInstance("x"))
	r.Equal("campaignflow:hist:x", s.keyHistory("x"))
	r.Equal("campaignflow:idx:status:"+string(api.StatusPending), s.keyStatus(api.StatusPending))
}

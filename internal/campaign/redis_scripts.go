package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisScripts stores draft scripts in Redis, deduplicated by idempotency
// key with SETNX.
//
// Keys:
//
//	<prefix>script:<key>    JSON script created under an idempotency key
//	<prefix>scripts:<brief> list of idempotency keys, oldest first
type RedisScripts struct {
	client redis.UniversalClient
	prefix string
}

var _ Scripts = (*RedisScripts)(nil)

// NewRedisScripts returns a scripts store under prefix.
func NewRedisScripts(client redis.UniversalClient, prefix string) *RedisScripts {
	return &RedisScripts{client: client, prefix: prefix}
}

func (s *RedisScripts) keyScript(key string) string   { return s.prefix + "script:" + key }
func (s *RedisScripts) keyBrief(briefID string) string { return s.prefix + "scripts:" + briefID }

func (s *RedisScripts) CreateOnce(ctx context.Context, key, briefID, title string) (Script, error) {
	sc := Script{
		ID:        uuid.NewString(),
		BriefID:   briefID,
		Title:     title,
		Status:    "draft",
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return Script{}, err
	}

	created, err := s.client.SetNX(ctx, s.keyScript(key), data, 0).Result()
	if err != nil {
		return Script{}, fmt.Errorf("create script %s: %w", key, err)
	}
	if created {
		if err := s.client.RPush(ctx, s.keyBrief(briefID), key).Err(); err != nil {
			return Script{}, fmt.Errorf("index script %s: %w", key, err)
		}
		return sc, nil
	}
	return s.get(ctx, key)
}

func (s *RedisScripts) get(ctx context.Context, key string) (Script, error) {
	data, err := s.client.Get(ctx, s.keyScript(key)).Bytes()
	if err != nil {
		return Script{}, fmt.Errorf("load script %s: %w", key, err)
	}
	var sc Script
	if err := json.Unmarshal(data, &sc); err != nil {
		return Script{}, fmt.Errorf("decode script %s: %w", key, err)
	}
	return sc, nil
}

// ListByBrief returns the scripts of a brief, oldest first.
func (s *RedisScripts) ListByBrief(ctx context.Context, briefID string) ([]Script, error) {
	keys, err := s.client.LRange(ctx, s.keyBrief(briefID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Script, 0, len(keys))
	for _, key := range keys {
		sc, err := s.get(ctx, key)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

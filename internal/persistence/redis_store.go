package persistence

import (
	"context"
	"errors"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/campaignflow/pkg/api"
)

// RedisStore is an InstanceStore and HistoryStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>inst:<id>            => JSON-encoded instance
//	<prefix>hist:<id>            => LIST of JSON-encoded stage outcomes
//	<prefix>idx:all              => SET of all instance IDs
//	<prefix>idx:wf:<workflow>    => SET of instance IDs for a given workflow
//	<prefix>idx:status:<status>  => SET of instance IDs for a given status
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ InstanceStore = (*RedisStore)(nil)

var _ HistoryStore = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "campaignflow:").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "campaignflow:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) keyInstance(id string) string {
	return s.prefix + "inst:" + id
}

func (s *RedisStore) keyHistory(id string) string {
	return s.prefix + "hist:" + id
}

func (s *RedisStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisStore) keyWorkflow(name string) string {
	return s.prefix + "idx:wf:" + name
}

func (s *RedisStore) keyStatus(status api.Status) string {
	return s.prefix + "idx:status:" + string(status)
}

func (s *RedisStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	data, err := EncodeInstance(inst)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.keyInstance(inst.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrInstanceExists
	}

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.keyAll(), inst.ID)
	pipe.SAdd(ctx, s.keyWorkflow(inst.Name), inst.ID)
	pipe.SAdd(ctx, s.keyStatus(inst.Status), inst.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	prev, err := s.GetInstance(ctx, inst.ID)
	if err != nil {
		return err
	}

	data, err := EncodeInstance(inst)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyInstance(inst.ID), data, 0)
	if prev.Status != inst.Status {
		pipe.SRem(ctx, s.keyStatus(prev.Status), inst.ID)
	}
	pipe.SAdd(ctx, s.keyStatus(inst.Status), inst.ID)
	pipe.SAdd(ctx, s.keyWorkflow(inst.Name), inst.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// RequestCancel rewrites the instance under WATCH so a concurrent
// UpdateInstance is never overwritten with an older snapshot.
func (s *RedisStore) RequestCancel(ctx context.Context, id, reason string) (*api.WorkflowInstance, error) {
	key := s.keyInstance(id)
	var out *api.WorkflowInstance
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrInstanceNotFound
			}
			return err
		}
		inst, err := DecodeInstance(data)
		if err != nil {
			return err
		}
		inst.CancelRequested = true
		inst.CancelReason = reason
		updated, err := EncodeInstance(inst)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		if err == nil {
			out = inst
		}
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	data, err := s.client.Get(ctx, s.keyInstance(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return DecodeInstance(data)
}

func (s *RedisStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	var ids []string
	var err error

	switch {
	case filter.WorkflowName != "" && filter.Status != "":
		ids, err = s.client.SInter(ctx,
			s.keyWorkflow(filter.WorkflowName),
			s.keyStatus(filter.Status),
		).Result()
	case filter.WorkflowName != "":
		ids, err = s.client.SMembers(ctx, s.keyWorkflow(filter.WorkflowName)).Result()
	case filter.Status != "":
		ids, err = s.client.SMembers(ctx, s.keyStatus(filter.Status)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.WorkflowInstance{}, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.WorkflowInstance{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyInstance(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var instances []*api.WorkflowInstance
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		inst, err := DecodeInstance(data)
		if err != nil {
			return nil, err
		}
		// The payload is authoritative over the indexes.
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		instances = append(instances, inst)
	}

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].CreatedAt.Before(instances[j].CreatedAt)
	})
	return instances, nil
}

func (s *RedisStore) Append(ctx context.Context, o api.StageOutcome) error {
	data, err := EncodeOutcome(o)
	if err != nil {
		return err
	}
	key := s.keyHistory(o.InstanceID)

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.LLen(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if int64(o.Seq) != n {
			return ErrSequenceConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, data)
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) Load(ctx context.Context, instanceID string) ([]api.StageOutcome, error) {
	items, err := s.client.LRange(ctx, s.keyHistory(instanceID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]api.StageOutcome, 0, len(items))
	for _, item := range items {
		o, err := DecodeOutcome([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *RedisStore) Truncate(ctx context.Context, instanceID string, fromSeq int) error {
	key := s.keyHistory(instanceID)
	if fromSeq <= 0 {
		return s.client.Del(ctx, key).Err()
	}
	return s.client.LTrim(ctx, key, 0, int64(fromSeq-1)).Err()
}

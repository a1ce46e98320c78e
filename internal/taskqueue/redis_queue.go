package taskqueue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a Queue backed by Redis lists:
//
//	<prefix>queue:<name>       => LIST of ready tasks (LPUSH in, BLMOVE out)
//	<prefix>processing:<name>  => LIST of delivered, unacknowledged tasks
//	<prefix>claims:<name>      => ZSET of delivered tasks scored by claim time
//	<prefix>delayed:<name>     => ZSET of tasks scored by NotBefore
//
// Dequeue atomically moves a task into the processing list and records its
// claim; Ack removes both. A claim older than the visibility timeout is
// returned to the ready list by the next Dequeue.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string

	// blockTimeout bounds one BLMOVE so delayed tasks and ctx are checked.
	blockTimeout time.Duration
	visibility   time.Duration
}

// Ensure RedisQueue implements Queue.
var (
	_ Queue    = (*RedisQueue)(nil)
	_ Extender = (*RedisQueue)(nil)
	_ Requeuer = (*RedisQueue)(nil)
)

// NewRedisQueue creates a RedisQueue. prefix defaults to "campaignflow:".
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "campaignflow:"
	}
	return &RedisQueue{
		client:       client,
		prefix:       prefix,
		blockTimeout: time.Second,
		visibility:   DefaultVisibilityTimeout,
	}
}

// SetVisibilityTimeout changes how long a claim lasts.
func (q *RedisQueue) SetVisibilityTimeout(d time.Duration) {
	if d > 0 {
		q.visibility = d
	}
}

// VisibilityTimeout reports how long a claim lasts.
func (q *RedisQueue) VisibilityTimeout() time.Duration {
	return q.visibility
}

func (q *RedisQueue) keyReady(queue string) string      { return q.prefix + "queue:" + queue }
func (q *RedisQueue) keyProcessing(queue string) string { return q.prefix + "processing:" + queue }
func (q *RedisQueue) keyDelayed(queue string) string    { return q.prefix + "delayed:" + queue }
func (q *RedisQueue) keyClaims(queue string) string     { return q.prefix + "claims:" + queue }

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	now := time.Now()
	t = prepare(t, now)
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	if !due(t, now) {
		return q.client.ZAdd(ctx, q.keyDelayed(t.Queue), redis.Z{
			Score:  float64(t.NotBefore.UnixNano()),
			Member: data,
		}).Err()
	}
	return q.client.LPush(ctx, q.keyReady(t.Queue), data).Err()
}

// promote moves due delayed tasks onto the ready list.
func (q *RedisQueue) promote(ctx context.Context, queue string) error {
	delayed := q.keyDelayed(queue)
	members, err := q.client.ZRangeByScore(ctx, delayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().UnixNano(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		// Only the consumer that removes the member pushes it.
		removed, err := q.client.ZRem(ctx, delayed, m).Result()
		if err != nil {
			return err
		}
		if removed == 1 {
			if err := q.client.LPush(ctx, q.keyReady(queue), m).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

// reclaim returns deliveries whose claim expired to the ready list.
func (q *RedisQueue) reclaim(ctx context.Context, queue string) error {
	claims := q.keyClaims(queue)
	expired, err := q.client.ZRangeByScore(ctx, claims, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(time.Now().Add(-q.visibility).UnixNano(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, m := range expired {
		// Only the consumer that removes the claim moves the task.
		removed, err := q.client.ZRem(ctx, claims, m).Result()
		if err != nil {
			return err
		}
		if removed != 1 {
			continue
		}
		// An ack that won the race already removed it from processing.
		n, err := q.client.LRem(ctx, q.keyProcessing(queue), 1, m).Result()
		if err != nil {
			return err
		}
		if n == 1 {
			if err := q.client.LPush(ctx, q.keyReady(queue), m).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, queue string) (*Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := q.reclaim(ctx, queue); err != nil {
			return nil, err
		}
		if err := q.promote(ctx, queue); err != nil {
			return nil, err
		}

		raw, err := q.client.BLMove(ctx, q.keyReady(queue), q.keyProcessing(queue), "RIGHT", "LEFT", q.blockTimeout).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}

		if err := q.client.ZAdd(ctx, q.keyClaims(queue), redis.Z{
			Score:  float64(time.Now().UnixNano()),
			Member: raw,
		}).Err(); err != nil {
			return nil, err
		}

		t, err := DecodeTask([]byte(raw))
		if err != nil {
			// Drop undecodable entries so they don't block the queue.
			_ = q.client.LRem(ctx, q.keyProcessing(queue), 1, raw).Err()
			_ = q.client.ZRem(ctx, q.keyClaims(queue), raw).Err()
			return nil, err
		}
		t.Attempts++
		t.receipt = raw
		return t, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, t *Task) error {
	if t.receipt == "" {
		return nil
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.keyProcessing(t.Queue), 1, t.receipt)
	pipe.ZRem(ctx, q.keyClaims(t.Queue), t.receipt)
	_, err := pipe.Exec(ctx)
	return err
}

// Extend renews the claim on t. A task that was already acknowledged or
// reclaimed is left alone.
func (q *RedisQueue) Extend(ctx context.Context, t *Task) error {
	if t.receipt == "" {
		return nil
	}
	return q.client.ZAddXX(ctx, q.keyClaims(t.Queue), redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: t.receipt,
	}).Err()
}

// Requeue moves every unacknowledged task of queue back to the ready list,
// including deliveries whose claim was never recorded. Run it only when no
// consumer of queue is alive.
func (q *RedisQueue) Requeue(ctx context.Context, queue string) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.keyProcessing(queue), q.keyReady(queue), "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, q.client.Del(ctx, q.keyClaims(queue)).Err()
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func (q *RedisQueue) Len(queue string) int {
	ctx := context.Background()
	ready, err := q.client.LLen(ctx, q.keyReady(queue)).Result()
	if err != nil {
		return 0
	}
	delayed, err := q.client.ZCard(ctx, q.keyDelayed(queue)).Result()
	if err != nil {
		return int(ready)
	}
	return int(ready + delayed)
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

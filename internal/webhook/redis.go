package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps each entry under its own TTL-bound key and indexes due
// times in a sorted set, so retry timing does not depend on key eviction
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue creates a queue storing keys under prefix
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "webhook_retry"
	}
	return &RedisQueue{client: client, prefix: prefix}
}

func (q *RedisQueue) entryKey(id string) string {
	return q.prefix + ":entry:" + id
}

func (q *RedisQueue) dueKey() string {
	return q.prefix + ":due"
}

func encodeEntry(e Entry) (string, float64, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", 0, fmt.Errorf("failed to encode retry entry: %w", err)
	}
	return string(raw), float64(e.RetryAt.Unix()), nil
}

func decodeEntry(raw string) (Entry, error) {
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return e, fmt.Errorf("failed to decode retry entry: %w", err)
	}
	return e, nil
}

func (q *RedisQueue) Put(ctx context.Context, e Entry, ttl time.Duration) error {
	raw, score, err := encodeEntry(e)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.entryKey(e.ID), raw, ttl)
	pipe.ZAdd(ctx, q.dueKey(), redis.Z{Score: score, Member: e.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to queue webhook %s: %w", e.ID, err)
	}
	return nil
}

// load fetches the entries of ids, dropping index members whose entry expired
func (q *RedisQueue) load(ctx context.Context, ids []string) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = q.entryKey(id)
	}
	values, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load retry entries: %w", err)
	}

	var entries []Entry
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		e, err := decodeEntry(raw)
		if err != nil {
			stale = append(stale, ids[i])
			continue
		}
		entries = append(entries, e)
	}
	if len(stale) > 0 {
		if err := q.client.ZRem(ctx, q.dueKey(), stale...).Err(); err != nil {
			return entries, fmt.Errorf("failed to prune expired retry entries: %w", err)
		}
	}
	return entries, nil
}

func (q *RedisQueue) Due(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.dueKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: int64(max(limit, 0)),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query due webhooks: %w", err)
	}
	return q.load(ctx, ids)
}

func (q *RedisQueue) Claim(ctx context.Context, id string) (bool, error) {
	n, err := q.client.ZRem(ctx, q.dueKey(), id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim webhook %s: %w", id, err)
	}
	return n == 1, nil
}

func (q *RedisQueue) Delete(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.entryKey(id))
	pipe.ZRem(ctx, q.dueKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete webhook %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) List(ctx context.Context) ([]Entry, error) {
	ids, err := q.client.ZRange(ctx, q.dueKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	return q.load(ctx, ids)
}

func (q *RedisQueue) Clear(ctx context.Context) (int, error) {
	ids, err := q.client.ZRange(ctx, q.dueKey(), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("failed to list webhooks: %w", err)
	}
	keys := []string{q.dueKey()}
	for _, id := range ids {
		keys = append(keys, q.entryKey(id))
	}
	if err := q.client.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("failed to clear webhooks: %w", err)
	}
	return len(ids), nil
}

package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the production Store backed by go-redis.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to addr and pings once so that misconfiguration fails at
// startup instead of on the first hot-path read.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an existing client (used by tests with miniature
// deployments and by callers that manage the client lifecycle themselves).
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to hgetall %s: %w", key, err)
	}
	return m, nil
}

func (r *Redis) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, args...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to hset %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SAdd(ctx context.Context, key string, members []string, ttl time.Duration) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, key, args...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to sadd %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to smembers %s: %w", key, err)
	}
	return members, nil
}

func (r *Redis) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Z, error) {
	zs, err := r.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to zrange %s: %w", key, err)
	}
	return fromRedisZ(zs), nil
}

func (r *Redis) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Z, error) {
	zs, err := r.client.ZRevRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to zrevrange %s: %w", key, err)
	}
	return fromRedisZ(zs), nil
}

func (r *Redis) ReplaceSortedSet(ctx context.Context, key string, members []Z, ttl time.Duration) error {
	// Always delete first so an empty replacement clears the previous set;
	// readers see either the old full set or the new one, never a merge.
	pipe := r.client.Pipeline()
	pipe.Del(ctx, key)
	if len(members) > 0 {
		zs := make([]redis.Z, len(members))
		for i, m := range members {
			zs[i] = redis.Z{Member: m.Member, Score: m.Score}
		}
		pipe.ZAdd(ctx, key, zs...)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to replace sorted set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("failed to expire %s: %w", key, err)
	}
	return nil
}

func fromRedisZ(zs []redis.Z) []Z {
	out := make([]Z, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, Z{Member: member, Score: z.Score})
	}
	return out
}

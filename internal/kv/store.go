// Package kv provides the shared key-value layer used by the market data
// pipeline, the opportunity scanners and the decision/OMS services. All hot
// state (tickers, order book tops, funding, opportunity streams, decisions,
// idempotency markers) lives here under well-known keys; Postgres only holds
// durable trading records.
package kv

import (
	"context"
	"time"
)

// Z is a sorted-set member with its score.
type Z struct {
	Member string
	Score  float64
}

// Store is the contract both the Redis-backed store and the in-memory test
// store satisfy. TTLs of zero mean "no expiry".
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error

	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error

	SAdd(ctx context.Context, key string, members []string, ttl time.Duration) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// ZRangeWithScores returns members in ascending score order,
	// ZRevRangeWithScores in descending order. Indexes follow Redis
	// conventions (stop of -1 means "to the end").
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Z, error)
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Z, error)

	// ReplaceSortedSet atomically swaps the contents of a sorted set:
	// delete, add all members, set the TTL, in one pipeline.
	ReplaceSortedSet(ctx context.Context, key string, members []Z, ttl time.Duration) error

	// Expire refreshes a key's TTL without touching its value.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

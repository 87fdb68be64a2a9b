// Package store hides meterd's Redis-shaped key/value + sorted-set +
// hash/list engine behind a narrow interface (spec.md §9: "duck-typed
// Store calls sprinkled across APIs" is the pattern being replaced).
// Every other package talks to a Store, never to a *redis.Client
// directly, and the atomic consumption script is the one privileged,
// server-side operation every writer of History goes through.
package store

import (
	"context"
	"time"
)

// Lock represents a held distributed lock; Release must be safe to call
// more than once.
type Lock interface {
	Release(ctx context.Context) error
}

// ScoredMember is one entry of a sorted set, e.g. a HistoryRecord JSON
// string scored by its unix-second timestamp.
type ScoredMember struct {
	Member string
	Score  float64
}

// Store is the narrow surface every meterd component is built against.
// The reference implementation is Redis-backed (store/redis.go); tests
// use the same interface against miniredis.
type Store interface {
	// Strings

	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Lists (WorkQueue / PendingList)

	RPush(ctx context.Context, key string, values ...string) error
	LPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, bool, error)
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) (key, value string, ok bool, err error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)

	// Sorted sets (History, retry-count tracking)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	ZIncrBy(ctx context.Context, key string, increment float64, member string) (float64, error)

	// Hashes (DailyBackup, MeterRegistry)

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HExists(ctx context.Context, key, field string) (bool, error)

	// Sets (ProcessedSet)

	SAdd(ctx context.Context, key, member string) (added bool, err error)

	// Scanning

	ScanPattern(ctx context.Context, pattern string) ([]string, error)

	// Locking

	Lock(ctx context.Context, key string, acquireTimeout, holdTimeout time.Duration) (Lock, bool, error)

	// Atomic consumption script (spec.md §4.2.1)

	AppendHistoryAtomic(ctx context.Context, lastKey, historyKey string, newReading, unixScore float64, recordTemplate string) (consumption float64, err error)

	// Maintenance flag (spec.md §4.5)

	SetActive(ctx context.Context, key string, ttl time.Duration) error
	ClearActive(ctx context.Context, key string) error
	IsActive(ctx context.Context, key string) (bool, error)
}

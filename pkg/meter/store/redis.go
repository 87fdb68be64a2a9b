package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

//go:embed consume.lua
var consumeScriptSource string

// releaseScriptSource deletes a lock key only if it still holds the
// token this process set, so a lock cannot be released out from under a
// different holder after its TTL has already reassigned it.
const releaseScriptSource = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisStore implements Store against a real (or miniredis-faked) Redis
// server via redis/go-redis/v9.
type RedisStore struct {
	client        *redis.Client
	consumeScript *redis.Script
	releaseScript *redis.Script
	breaker       *gobreaker.CircuitBreaker
}

// Options configures a RedisStore.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New dials a Redis server and wraps it as a Store. The atomic-script
// path is wrapped in a circuit breaker so a failing Redis trips after a
// handful of consecutive errors instead of every worker
// iteration paying a full dial/timeout cost (spec.md §7: transient store
// errors feed the retry/dead-letter path, not an unbounded retry loop).
// Lock acquisition and release call Redis directly, outside the breaker.
func New(opts Options) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "meterd-store",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &RedisStore{
		client:        client,
		consumeScript: redis.NewScript(consumeScriptSource),
		releaseScript: redis.NewScript(releaseScriptSource),
		breaker:       breaker,
	}
}

// NewFromClient wraps an already-constructed *redis.Client, used by
// tests to point a RedisStore at a miniredis instance.
func NewFromClient(client *redis.Client) *RedisStore {
	s := New(Options{})
	s.client = client
	return s
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// --- strings ---

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("GET %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("SET %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("SET %s with TTL: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("DEL %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("EXISTS %s: %w", key, err)
	}
	return n > 0, nil
}

// --- lists ---

func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.RPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("RPUSH %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.LPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("LPUSH %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) LPop(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("LPOP %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisStore) BLPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, bool, error) {
	res, err := s.client.BLPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("BLPOP %v: %w", keys, err)
	}
	return res[0], res[1], true, nil
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("LRANGE %s: %w", key, err)
	}
	return vals, nil
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("LLEN %s: %w", key, err)
	}
	return n, nil
}

// --- sorted sets ---

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("ZADD %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	vals, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("ZRANGEBYSCORE %s: %w", key, err)
	}
	return vals, nil
}

func (s *RedisStore) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.client.ZRevRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("ZREVRANGE %s: %w", key, err)
	}
	return vals, nil
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, fmt.Errorf("ZREMRANGEBYSCORE %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) ZIncrBy(ctx context.Context, key string, increment float64, member string) (float64, error) {
	v, err := s.client.ZIncrBy(ctx, key, increment, member).Result()
	if err != nil {
		return 0, fmt.Errorf("ZINCRBY %s: %w", key, err)
	}
	return v, nil
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// --- hashes ---

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("HSET %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("HGET %s.%s: %w", key, field, err)
	}
	return v, true, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("HGETALL %s: %w", key, err)
	}
	return m, nil
}

func (s *RedisStore) HExists(ctx context.Context, key, field string) (bool, error) {
	ok, err := s.client.HExists(ctx, key, field).Result()
	if err != nil {
		return false, fmt.Errorf("HEXISTS %s.%s: %w", key, field, err)
	}
	return ok, nil
}

// --- sets ---

func (s *RedisStore) SAdd(ctx context.Context, key, member string) (bool, error) {
	n, err := s.client.SAdd(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("SADD %s: %w", key, err)
	}
	return n > 0, nil
}

// --- scanning ---

func (s *RedisStore) ScanPattern(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("SCAN %s: %w", pattern, err)
	}
	return keys, nil
}

// --- locking ---

type redisLock struct {
	store *RedisStore
	key   string
	token string
}

func (l *redisLock) Release(ctx context.Context) error {
	_, err := l.store.releaseScript.Run(ctx, l.store.client, []string{l.key}, l.token).Result()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

// Lock implements the per-meter exclusive lock of spec.md §4.2: a
// SETNX-with-TTL loop, retried until acquireTimeout elapses.
func (s *RedisStore) Lock(ctx context.Context, key string, acquireTimeout, holdTimeout time.Duration) (Lock, bool, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(acquireTimeout)

	for {
		ok, err := s.client.SetNX(ctx, key, token, holdTimeout).Result()
		if err != nil {
			return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return &redisLock{store: s, key: key, token: token}, true, nil
		}
		if time.Now().After(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// --- atomic consumption script ---

func (s *RedisStore) AppendHistoryAtomic(ctx context.Context, lastKey, historyKey string, newReading, unixScore float64, recordTemplate string) (float64, error) {
	result, err := s.breaker.Execute(func() (any, error) {
		return s.consumeScript.Run(ctx, s.client, []string{lastKey, historyKey},
			formatScore(newReading), formatScore(unixScore), recordTemplate).Result()
	})
	if err != nil {
		return 0, fmt.Errorf("atomic consumption script on %s: %w", historyKey, err)
	}

	str, ok := result.(string)
	if !ok {
		return 0, fmt.Errorf("atomic consumption script returned unexpected type %T", result)
	}
	consumption, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse consumption result %q: %w", str, err)
	}
	return consumption, nil
}

// --- maintenance flag ---

func (s *RedisStore) SetActive(ctx context.Context, key string, ttl time.Duration) error {
	return s.SetWithTTL(ctx, key, "1", ttl)
}

func (s *RedisStore) ClearActive(ctx context.Context, key string) error {
	return s.Delete(ctx, key)
}

func (s *RedisStore) IsActive(ctx context.Context, key string) (bool, error) {
	return s.Exists(ctx, key)
}

var _ Store = (*RedisStore)(nil)

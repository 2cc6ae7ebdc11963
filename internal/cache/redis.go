// internal/cache/redis.go
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of a go-redis client.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Connect dials Redis at addr and pings it with a 5s timeout.
// An unreachable store at startup is reported so the caller can fail fast.
func Connect(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// Client exposes the underlying client for consumers that need blocking list ops.
func (s *RedisStore) Client() *redis.Client {
	return s.rdb
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func transient(op, key string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", op, key, ErrTransient, err)
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, transient("get", key, err)
	}
	return b, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return transient("set", key, err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, transient("setnx", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return transient("del", keys[0], err)
	}
	return nil
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) ([]byte, error) {
	b, err := s.rdb.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, transient("hget", key, err)
	}
	return b, nil
}

func (s *RedisStore) HSet(ctx context.Context, key, field string, value []byte) error {
	if err := s.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return transient("hset", key, err)
	}
	return nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.rdb.HDel(ctx, key, fields...).Err(); err != nil {
		return transient("hdel", key, err)
	}
	return nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, transient("hgetall", key, err)
	}
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, transient("incr", key, err)
	}
	return n, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return transient("expire", key, err)
	}
	return nil
}

// Keys walks the keyspace with SCAN rather than KEYS so large deployments are not blocked.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, transient("scan", pattern, err)
	}
	return keys, nil
}

func (s *RedisStore) Append(ctx context.Context, key string, value []byte, maxLen int64, ttl time.Duration) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, value)
		if maxLen > 0 {
			pipe.LTrim(ctx, key, -maxLen, -1)
		}
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return transient("append", key, err)
	}
	return nil
}

func (s *RedisStore) Range(ctx context.Context, key string) ([][]byte, error) {
	vals, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, transient("lrange", key, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, message []byte) error {
	if err := s.rdb.Publish(ctx, channel, message).Err(); err != nil {
		return transient("publish", channel, err)
	}
	return nil
}

// maxTxAttempts bounds how often an optimistic transaction is retried under contention.
const maxTxAttempts = 32

var errContended = errors.New("too many concurrent writers")

func (s *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, fn func(current []byte) ([]byte, error)) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		var fnErr error
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				current = nil
			} else if err != nil {
				return err
			}
			next, err := fn(current)
			if err != nil {
				fnErr = err
				return err
			}
			if next == nil {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next, ttl)
				return nil
			})
			return err
		}, key)
		switch {
		case fnErr != nil:
			return fnErr
		case errors.Is(err, redis.TxFailedErr):
			continue
		case err != nil:
			return transient("update", key, err)
		}
		return nil
	}
	return transient("update", key, errContended)
}

func (s *RedisStore) AppendNumbered(ctx context.Context, counter string, lists []string, maxLen int64, ttl time.Duration, build func(seq int64) ([]byte, error)) (int64, error) {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		var (
			seq      int64
			buildErr error
		)
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Get(ctx, counter).Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			seq = n + 1
			value, err := build(seq)
			if err != nil {
				buildErr = err
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, counter, seq, 0)
				for _, key := range lists {
					pipe.RPush(ctx, key, value)
					if maxLen > 0 {
						pipe.LTrim(ctx, key, -maxLen, -1)
					}
					if ttl > 0 {
						pipe.Expire(ctx, key, ttl)
					}
				}
				return nil
			})
			return err
		}, counter)
		switch {
		case buildErr != nil:
			return 0, buildErr
		case errors.Is(err, redis.TxFailedErr):
			continue
		case err != nil:
			return 0, transient("append numbered", counter, err)
		}
		return seq, nil
	}
	return 0, transient("append numbered", counter, errContended)
}

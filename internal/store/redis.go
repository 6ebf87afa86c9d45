// Package store provides the TTL-bound key/value primitive that holds
// durable command state, with prefix namespacing, atomic putIfAbsent,
// a request-id secondary index, and a numeric counter facility.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ibs-source/command/engine/golang/internal/config"
	"github.com/ibs-source/command/engine/golang/internal/ports"
	"github.com/ibs-source/command/engine/golang/pkg/jsonx"
	goredis "github.com/redis/go-redis/v9"
)

// requestIDField is the top-level JSON field a value may carry to get
// indexed under the request-id keyspace.
const requestIDField = "requestId"

// RedisStore implements ports.StateStore on Redis. Every logical store
// has a prefix; user keys live at "{prefix}:{key}" and the request-id
// index at "{prefix}/request-id:{rid}", mapping to the primary key.
type RedisStore struct {
	client     goredis.UniversalClient
	cfg        *config.RedisConfig
	prefix     string
	defaultTTL time.Duration
	logger     ports.Logger
}

// NewRedisStore creates a state store on an existing Redis connection.
func NewRedisStore(
	client goredis.UniversalClient,
	cfg *config.RedisConfig,
	prefix string,
	defaultTTL time.Duration,
	logger ports.Logger,
) *RedisStore {
	return &RedisStore{
		client:     client,
		cfg:        cfg,
		prefix:     prefix,
		defaultTTL: defaultTTL,
		logger:     logger.WithFields(ports.Field{Key: "component", Value: "state-store"}),
	}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

func (s *RedisStore) requestIDKey(rid string) string {
	return s.prefix + "/request-id:" + rid
}

func (s *RedisStore) ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.defaultTTL
	}
	return ttl
}

// Get returns the value at key, or nil when absent or expired.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.executeWithRetry(ctx, func(ctx context.Context) error {
		v, err := s.client.Get(ctx, s.key(key)).Bytes()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				out = nil
				return nil
			}
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Put replaces any existing entry and resets its expiration.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ttl = s.ttlOrDefault(ttl)
	return s.executeWithRetry(ctx, func(ctx context.Context) error {
		if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
			return err
		}
		return s.writeIndex(ctx, key, value, ttl, false)
	})
}

// PutIfAbsent writes only when the key does not exist. TTL applies to
// new entries only; an existing entry keeps its remaining TTL.
func (s *RedisStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ttl = s.ttlOrDefault(ttl)
	var created bool
	err := s.executeWithRetry(ctx, func(ctx context.Context) error {
		ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
		if err != nil {
			return err
		}
		created = ok
		if !ok {
			return nil
		}
		return s.writeIndex(ctx, key, value, ttl, true)
	})
	return created, err
}

// Delete removes the entry and its index record, if any.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.executeWithRetry(ctx, func(ctx context.Context) error {
		if v, err := s.client.Get(ctx, s.key(key)).Bytes(); err == nil {
			if rid, ok := jsonx.GetTopLevelString(v, requestIDField); ok && rid != "" {
				if derr := s.client.Del(ctx, s.requestIDKey(rid)).Err(); derr != nil && !errors.Is(derr, goredis.Nil) {
					return derr
				}
			}
		} else if !errors.Is(err, goredis.Nil) {
			return err
		}
		return s.client.Del(ctx, s.key(key)).Err()
	})
}

// Exists reports whether the key is present and unexpired.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.executeWithRetry(ctx, func(ctx context.Context) error {
		n, err := s.client.Exists(ctx, s.key(key)).Result()
		if err != nil {
			return err
		}
		exists = n > 0
		return nil
	})
	return exists, err
}

// Keys returns user keys matching the glob pattern. KEYS is expensive;
// administration and tests only.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := s.executeWithRetry(ctx, func(ctx context.Context) error {
		raw, err := s.client.Keys(ctx, s.key(pattern)).Result()
		if err != nil {
			return err
		}
		keys = make([]string, 0, len(raw))
		for _, k := range raw {
			keys = append(keys, strings.TrimPrefix(k, s.prefix+":"))
		}
		return nil
	})
	return keys, err
}

// FindByRequestID resolves a value through the request-id index.
func (s *RedisStore) FindByRequestID(ctx context.Context, requestID string) ([]byte, error) {
	var out []byte
	err := s.executeWithRetry(ctx, func(ctx context.Context) error {
		primary, err := s.client.Get(ctx, s.requestIDKey(requestID)).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return nil
			}
			return err
		}
		v, err := s.client.Get(ctx, primary).Bytes()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return nil
			}
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Incr increments a numeric field inside the hash record at key,
// creating the record when absent and (re)applying the TTL.
func (s *RedisStore) Incr(ctx context.Context, key, requestID, field string, delta int64, ttl time.Duration) (ports.IncrResult, error) {
	ttl = s.ttlOrDefault(ttl)
	var res ports.IncrResult
	err := s.executeWithRetry(ctx, func(ctx context.Context) error {
		pipe := s.client.TxPipeline()
		existsCmd := pipe.Exists(ctx, s.key(key))
		incrCmd := pipe.HIncrBy(ctx, s.key(key), field, delta)
		pipe.Expire(ctx, s.key(key), ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}

		res = ports.IncrResult{
			Created: existsCmd.Val() == 0,
			Value:   incrCmd.Val(),
		}
		if requestID != "" {
			return s.client.SetNX(ctx, s.requestIDKey(requestID), s.key(key), ttl).Err()
		}
		return nil
	})
	return res, err
}

// Close is a no-op; the shared Redis connection is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

// writeIndex maintains the request-id index for values carrying a
// requestId field. For putIfAbsent callers the index follows the same
// only-if-new rule.
func (s *RedisStore) writeIndex(ctx context.Context, key string, value []byte, ttl time.Duration, onlyIfNew bool) error {
	rid, ok := jsonx.GetTopLevelString(value, requestIDField)
	if !ok || rid == "" {
		return nil
	}
	if onlyIfNew {
		return s.client.SetNX(ctx, s.requestIDKey(rid), s.key(key), ttl).Err()
	}
	return s.client.Set(ctx, s.requestIDKey(rid), s.key(key), ttl).Err()
}

// executeWithRetry retries transient connection/loading failures with a
// bounded attempt count.
func (s *RedisStore) executeWithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var attempt int
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransientError(err) || attempt >= s.cfg.MaxRetries {
			return err
		}
		attempt++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.RetryInterval):
		}
	}
}

// isTransientError reports whether err appears to be a transient connection/loading issue.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "LOADING") ||
		strings.Contains(es, "connect: connection refused") ||
		strings.Contains(es, "i/o timeout") ||
		strings.Contains(es, "EOF") ||
		strings.Contains(es, "read: connection reset")
}

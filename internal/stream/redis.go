// Package stream provides the append-only log primitive with
// consumer-group delivery, stalled-entry claiming, and atomic
// acknowledge-then-delete. Two implementations share the semantics:
// a Redis Streams client and an in-memory twin for development/test.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ibs-source/command/engine/golang/internal/config"
	"github.com/ibs-source/command/engine/golang/internal/ports"
	goredis "github.com/redis/go-redis/v9"
)

// claimCursorOrigin is the scan origin and the wrap-around sentinel
// XAUTOCLAIM returns when a scan has covered the whole pending list.
const claimCursorOrigin = "0-0"

// payloadField is the single entry field carrying the encoded message.
const payloadField = "payload"

// RedisClient implements ports.StreamClient on Redis Streams.
//
// Every replica joins the configured consumer group under a distinct
// consumer identity. Claim scans resume from a per-stream in-memory
// cursor so that, under sustained load, entries past the head of the
// pending list are not starved; losing the cursor on restart is
// harmless because claims themselves are durable.
type RedisClient struct {
	client       goredis.UniversalClient
	cfg          *config.RedisConfig
	group        string
	claimMinIdle time.Duration
	logger       ports.Logger
	consumerName string

	cursorMu sync.Mutex
	cursors  map[string]string
}

// NewRedisClient creates a stream client on an existing Redis connection.
func NewRedisClient(
	client goredis.UniversalClient,
	cfg *config.RedisConfig,
	group string,
	claimMinIdle time.Duration,
	logger ports.Logger,
) *RedisClient {
	return &RedisClient{
		client:       client,
		cfg:          cfg,
		group:        group,
		claimMinIdle: claimMinIdle,
		logger:       logger.WithFields(ports.Field{Key: "component", Value: "stream-client"}),
		consumerName: fmt.Sprintf("consumer-%s", uuid.New().String()),
		cursors:      make(map[string]string),
	}
}

// NewUniversalClient builds the shared go-redis connection from config.
func NewUniversalClient(cfg *config.RedisConfig) goredis.UniversalClient {
	return goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:           cfg.Addresses,
		Username:        cfg.Username,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		DialTimeout:     cfg.ConnectTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		MasterName:      cfg.MasterName, // for sentinel
	})
}

// Init creates the stream and the consumer group if they don't exist.
// "BUSYGROUP" means another replica got there first and is not an error.
func (c *RedisClient) Init(ctx context.Context, stream string) error {
	return c.executeWithRetry(ctx, func(ctx context.Context) error {
		err := c.client.XGroupCreateMkStream(ctx, stream, c.group, claimCursorOrigin).Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return err
		}
		return nil
	})
}

// Offer appends one entry to the stream.
func (c *RedisClient) Offer(ctx context.Context, stream string, payload []byte) error {
	return c.executeWithRetry(ctx, func(ctx context.Context) error {
		return c.client.XAdd(ctx, &goredis.XAddArgs{
			Stream: stream,
			Values: map[string]interface{}{payloadField: string(payload)},
		}).Err()
	})
}

// Consume attempts to deliver one entry: a fresh one first, otherwise a
// pending entry whose idle time exceeds the claim threshold. Returns
// true only when the consumer accepted the entry; the entry is then
// acknowledged and deleted in one pipelined round-trip.
//
// A NOGROUP error (stream or group lost, e.g. after a Redis flush)
// lazily re-creates the group and propagates the error; the next poll
// succeeds.
func (c *RedisClient) Consume(ctx context.Context, stream string, fn ports.StreamConsumer) (bool, error) {
	msg, ok, err := c.nextEntry(ctx, stream)
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			if initErr := c.Init(ctx, stream); initErr != nil {
				c.logger.Error("failed to re-create consumer group",
					ports.Field{Key: "stream", Value: stream},
					ports.Field{Key: "error", Value: initErr})
			}
		}
		return false, err
	}
	if !ok {
		return false, nil
	}

	if !fn(extractPayload(msg.Values)) {
		// Leave the entry pending; the claim scan redelivers it after
		// the idle threshold.
		return false, nil
	}

	if err := c.ackAndDelete(ctx, stream, msg.ID); err != nil {
		return false, err
	}
	return true, nil
}

// Length returns the approximate number of entries in the stream.
func (c *RedisClient) Length(ctx context.Context, stream string) (int64, error) {
	var n int64
	err := c.executeWithRetry(ctx, func(ctx context.Context) error {
		v, err := c.client.XLen(ctx, stream).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// ConsumerName returns the identity of this replica within the group.
func (c *RedisClient) ConsumerName() string {
	return c.consumerName
}

// Ping checks the connection to Redis.
func (c *RedisClient) Ping(ctx context.Context) error {
	return c.executeWithRetry(ctx, func(ctx context.Context) error {
		return c.client.Ping(ctx).Err()
	})
}

// Close closes the underlying Redis client.
func (c *RedisClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// nextEntry reads one fresh entry from the group, falling back to
// claiming one stalled pending entry.
func (c *RedisClient) nextEntry(ctx context.Context, stream string) (goredis.XMessage, bool, error) {
	streams, err := c.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumerName,
		Streams:  []string{stream, ">"}, // ">" means new messages only
		Count:    1,
		Block:    c.cfg.BlockTime,
		NoAck:    false,
	}).Result()

	if err != nil && !errors.Is(err, goredis.Nil) {
		return goredis.XMessage{}, false, err
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			return s.Messages[0], true, nil
		}
	}

	return c.claimStalled(ctx, stream)
}

// claimStalled claims the next pending entry older than the idle
// threshold, resuming the scan from the stored cursor. The returned
// next-cursor is remembered; the wrap-around sentinel resets it to the
// origin so the following scan starts over.
func (c *RedisClient) claimStalled(ctx context.Context, stream string) (goredis.XMessage, bool, error) {
	msgs, next, err := c.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   stream,
		Group:    c.group,
		Consumer: c.consumerName,
		MinIdle:  c.claimMinIdle,
		Start:    c.claimCursor(stream),
		Count:    1,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return goredis.XMessage{}, false, nil
		}
		return goredis.XMessage{}, false, err
	}

	c.storeClaimCursor(stream, next)

	if len(msgs) == 0 {
		return goredis.XMessage{}, false, nil
	}
	c.logger.Debug("claimed stalled entry",
		ports.Field{Key: "stream", Value: stream},
		ports.Field{Key: "entryID", Value: msgs[0].ID})
	return msgs[0], true, nil
}

func (c *RedisClient) claimCursor(stream string) string {
	c.cursorMu.Lock()
	defer c.cursorMu.Unlock()
	if cur, ok := c.cursors[stream]; ok && cur != "" {
		return cur
	}
	return claimCursorOrigin
}

func (c *RedisClient) storeClaimCursor(stream, next string) {
	c.cursorMu.Lock()
	defer c.cursorMu.Unlock()
	if next == "" || next == claimCursorOrigin {
		delete(c.cursors, stream)
		return
	}
	c.cursors[stream] = next
}

// ackAndDelete pipelines XACK followed by XDEL. Deletion is what
// prevents redelivery across restarts; ack alone leaves a tombstone.
func (c *RedisClient) ackAndDelete(ctx context.Context, stream, id string) error {
	return c.executeWithRetry(ctx, func(ctx context.Context) error {
		pipe := c.client.Pipeline()
		ackCmd := pipe.XAck(ctx, stream, c.group, id)
		delCmd := pipe.XDel(ctx, stream, id)

		_, err := pipe.Exec(ctx)
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return nil
			}
			if strings.Contains(err.Error(), "NOGROUP") {
				return nil
			}
			return err
		}

		if aerr := ackCmd.Err(); aerr != nil && !errors.Is(aerr, goredis.Nil) && !strings.Contains(aerr.Error(), "NOGROUP") {
			return aerr
		}
		if derr := delCmd.Err(); derr != nil && !errors.Is(derr, goredis.Nil) {
			return derr
		}
		return nil
	})
}

func extractPayload(values map[string]any) []byte {
	switch v := values[payloadField].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}

// executeWithRetry retries transient connection/loading failures with a
// bounded attempt count.
func (c *RedisClient) executeWithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var attempt int
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransientRedisError(err) || attempt >= c.cfg.MaxRetries {
			return err
		}
		attempt++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.RetryInterval):
		}
	}
}

// isTransientRedisError reports whether err appears to be a transient connection/loading issue.
func isTransientRedisError(err error) bool {
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

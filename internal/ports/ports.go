// Package ports defines the service interfaces (ports) used by the engine to decouple implementations.
package ports

import (
	"context"
	"time"

	"github.com/ibs-source/command/engine/golang/internal/command"
)

// StreamConsumer receives one stream entry payload. Returning true
// acknowledges the entry (it is removed); returning false leaves it
// pending for redelivery after the claim timeout.
type StreamConsumer func(payload []byte) bool

// StreamClient is the append-only log with consumer-group delivery the
// queue is built on.
type StreamClient interface {
	// Init idempotently creates the stream and its consumer group.
	Init(ctx context.Context, stream string) error

	// Offer appends one entry.
	Offer(ctx context.Context, stream string, payload []byte) error

	// Consume attempts to deliver one entry to fn. It returns true only
	// when an entry was delivered and fn accepted it; the entry is then
	// acknowledged and deleted in one round-trip.
	Consume(ctx context.Context, stream string, fn StreamConsumer) (bool, error)

	// Length returns the approximate number of entries in the stream.
	Length(ctx context.Context, stream string) (int64, error)

	// ConsumerName returns this replica's identity within the group.
	ConsumerName() string

	Ping(ctx context.Context) error
	Close() error
}

// IncrResult reports the outcome of a counter increment.
type IncrResult struct {
	Created bool
	Value   int64
}

// StateStore is the TTL-bound key/value store holding command state.
// Get returns nil without error when the key is absent or expired.
type StateStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// PutIfAbsent writes only when the key does not exist; it returns
	// true iff this call created the entry. Existing entries keep their
	// remaining TTL.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Keys returns user keys matching the glob pattern. Expensive;
	// administration and tests only.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// FindByRequestID resolves a value through the request-id index
	// maintained for values carrying a top-level "requestId" field.
	FindByRequestID(ctx context.Context, requestID string) ([]byte, error)

	// Incr increments a numeric field inside the record at key,
	// creating the record (and applying ttl) when absent.
	Incr(ctx context.Context, key, requestID, field string, delta int64, ttl time.Duration) (IncrResult, error)

	Close() error
}

// Notifier publishes lifecycle events for completed commands.
// Implementations are best-effort; the engine never fails a command on
// a notification error.
type Notifier interface {
	CommandCompleted(ctx context.Context, state command.State) error
	Close()
}

// Logger defines the interface for logging
type Logger interface {
	Trace(msg string, fields ...Field)
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	WithFields(fields ...Field) Logger
}

// Field represents a logging field
type Field struct {
	Key   string
	Value interface{}
}

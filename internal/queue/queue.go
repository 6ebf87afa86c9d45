// Package queue wraps the stream primitive with a typed message codec
// and a single background listener per process.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ibs-source/command/engine/golang/internal/command"
	"github.com/ibs-source/command/engine/golang/internal/ports"
)

// Listener backoff bounds applied when a consume call errors.
const (
	baseErrorBackoff = 250 * time.Millisecond
	maxErrorBackoff  = 60 * time.Second
)

// Sentinel errors.
var (
	ErrConsumerExists = errors.New("queue already has a consumer")
	ErrQueueClosed    = errors.New("queue is closed")
)

// Consumer receives one decoded message. Returning true acknowledges
// it; returning false leaves it for redelivery.
type Consumer func(msg command.Msg) bool

// Queue is a typed submit/consume facade over one stream. The stream
// name is versioned ("{name}/v1") so the wire format can evolve.
type Queue struct {
	name         string
	stream       ports.StreamClient
	logger       ports.Logger
	pollInterval time.Duration

	initOnce sync.Once
	initErr  error

	mu       sync.Mutex
	consumed bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue over the given stream backend.
func New(name string, stream ports.StreamClient, logger ports.Logger, pollInterval time.Duration) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		name:         name,
		stream:       stream,
		logger:       logger.WithFields(ports.Field{Key: "component", Value: "queue"}, ports.Field{Key: "queue", Value: name}),
		pollInterval: pollInterval,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// StreamName returns the versioned stream this queue runs on.
func (q *Queue) StreamName() string {
	return q.name + "/v1"
}

// Submit encodes and appends one message.
func (q *Queue) Submit(ctx context.Context, msg command.Msg) error {
	if err := q.init(ctx); err != nil {
		return err
	}
	payload, err := command.EncodeMsg(msg)
	if err != nil {
		return fmt.Errorf("encode message for queue %s: %w", q.name, err)
	}
	return q.stream.Offer(ctx, q.StreamName(), payload)
}

// Length returns the approximate queue depth.
func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.stream.Length(ctx, q.StreamName())
}

// AddConsumer registers the single consumer and spawns the background
// listener. At most one consumer per queue per process.
func (q *Queue) AddConsumer(fn Consumer) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.consumed {
		return ErrConsumerExists
	}
	if err := q.init(q.ctx); err != nil {
		return err
	}
	q.consumed = true

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.listen(fn)
	}()
	return nil
}

// Close stops the listener and waits briefly for it to exit.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		q.logger.Warn("timed out waiting for queue listener to stop")
	}
	return nil
}

// init creates the stream and consumer group once.
func (q *Queue) init(ctx context.Context) error {
	q.initOnce.Do(func() {
		q.initErr = q.stream.Init(ctx, q.StreamName())
	})
	return q.initErr
}

// listen is the poll loop. Empty polls sleep pollInterval; errors back
// off exponentially from baseErrorBackoff up to maxErrorBackoff.
func (q *Queue) listen(fn Consumer) {
	q.logger.Info("queue listener started",
		ports.Field{Key: "stream", Value: q.StreamName()},
		ports.Field{Key: "consumer", Value: q.stream.ConsumerName()})

	backoff := baseErrorBackoff
	for {
		if q.ctx.Err() != nil {
			q.logger.Info("queue listener stopped")
			return
		}

		delivered, err := q.stream.Consume(q.ctx, q.StreamName(), func(payload []byte) bool {
			msg, derr := command.DecodeMsg(payload)
			if derr != nil {
				// A payload that cannot decode can never succeed;
				// acknowledge it so it does not loop forever.
				q.logger.Error("dropping undecodable queue message", ports.Field{Key: "error", Value: derr})
				return true
			}
			return fn(msg)
		})

		switch {
		case err != nil:
			if errors.Is(err, context.Canceled) {
				continue
			}
			q.logger.Error("queue consume failed",
				ports.Field{Key: "error", Value: err},
				ports.Field{Key: "backoff", Value: backoff})
			q.sleep(backoff)
			backoff *= 2
			if backoff > maxErrorBackoff {
				backoff = maxErrorBackoff
			}
		case !delivered:
			backoff = baseErrorBackoff
			q.sleep(q.pollInterval)
		default:
			backoff = baseErrorBackoff
		}
	}
}

func (q *Queue) sleep(d time.Duration) {
	select {
	case <-q.ctx.Done():
	case <-time.After(d):
	}
}

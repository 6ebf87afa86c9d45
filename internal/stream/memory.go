package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ibs-source/command/engine/golang/internal/ports"
)

// MemoryClient is the in-memory ports.StreamClient used in development
// and tests. Delivery semantics mirror the Redis client: entries are
// delivered once, stay pending until accepted, and become claimable
// again after the idle threshold; claim scans resume from a per-stream
// cursor so stalled entries are picked round-robin rather than
// oldest-first forever.
type MemoryClient struct {
	mu           sync.Mutex
	streams      map[string]*memStream
	claimMinIdle time.Duration
	consumerName string
	closed       bool
}

type memStream struct {
	entries []*memEntry
	nextSeq int64

	// claimCursor is the index at which the next claim scan resumes.
	claimCursor int
}

type memEntry struct {
	id          string
	payload     []byte
	pending     bool
	deliveredAt time.Time
}

// NewMemoryClient creates an empty in-memory stream backend.
func NewMemoryClient(claimMinIdle time.Duration) *MemoryClient {
	return &MemoryClient{
		streams:      make(map[string]*memStream),
		claimMinIdle: claimMinIdle,
		consumerName: fmt.Sprintf("consumer-%s", uuid.New().String()),
	}
}

// Init idempotently creates the stream.
func (c *MemoryClient) Init(_ context.Context, stream string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("stream backend closed")
	}
	c.ensureStream(stream)
	return nil
}

// Offer appends one entry.
func (c *MemoryClient) Offer(_ context.Context, stream string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("stream backend closed")
	}
	s := c.ensureStream(stream)
	s.nextSeq++
	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.entries = append(s.entries, &memEntry{
		id:      fmt.Sprintf("%d-0", s.nextSeq),
		payload: buf,
	})
	return nil
}

// Consume delivers one entry to fn: the oldest never-delivered entry
// first, otherwise a pending entry idle past the claim threshold.
func (c *MemoryClient) Consume(ctx context.Context, stream string, fn ports.StreamConsumer) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	entry := c.takeEntry(stream)
	if entry == nil {
		return false, nil
	}

	// The consumer runs outside the lock, like a real network consumer.
	if !fn(entry.payload) {
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[stream]
	if !ok {
		return true, nil
	}
	for i, e := range s.entries {
		if e == entry {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			if s.claimCursor > i {
				s.claimCursor--
			}
			break
		}
	}
	return true, nil
}

// takeEntry picks and marks the entry to deliver, or nil.
func (c *MemoryClient) takeEntry(stream string) *memEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.streams[stream]
	if !ok {
		return nil
	}

	// Fresh entries first.
	for _, e := range s.entries {
		if !e.pending {
			e.pending = true
			e.deliveredAt = time.Now()
			return e
		}
	}

	// Claim scan: resume from the cursor, wrap once.
	now := time.Now()
	n := len(s.entries)
	if n == 0 {
		return nil
	}
	if s.claimCursor >= n {
		s.claimCursor = 0
	}
	for i := 0; i < n; i++ {
		idx := (s.claimCursor + i) % n
		e := s.entries[idx]
		if e.pending && now.Sub(e.deliveredAt) >= c.claimMinIdle {
			s.claimCursor = (idx + 1) % n
			e.deliveredAt = now
			return e
		}
	}
	return nil
}

// Length returns the number of undeleted entries.
func (c *MemoryClient) Length(_ context.Context, stream string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[stream]
	if !ok {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

// ConsumerName returns the identity of this client.
func (c *MemoryClient) ConsumerName() string {
	return c.consumerName
}

// Ping reports whether the backend is usable.
func (c *MemoryClient) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("stream backend closed")
	}
	return nil
}

// Close marks the backend closed.
func (c *MemoryClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *MemoryClient) ensureStream(stream string) *memStream {
	s, ok := c.streams[stream]
	if !ok {
		s = &memStream{}
		c.streams[stream] = s
	}
	return s
}

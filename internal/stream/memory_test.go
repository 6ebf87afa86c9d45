package stream

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemoryOfferConsumeAck(t *testing.T) {
	c := NewMemoryClient(50 * time.Millisecond)
	ctx := context.Background()
	stream := "commands/v1"

	if err := c.Init(ctx, stream); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := c.Init(ctx, stream); err != nil {
		t.Fatalf("init must be idempotent: %v", err)
	}

	if err := c.Offer(ctx, stream, []byte("a")); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if n, _ := c.Length(ctx, stream); n != 1 {
		t.Fatalf("expected length 1, got %d", n)
	}

	var got []byte
	delivered, err := c.Consume(ctx, stream, func(payload []byte) bool {
		got = payload
		return true
	})
	if err != nil || !delivered {
		t.Fatalf("consume: delivered=%v err=%v", delivered, err)
	}
	if string(got) != "a" {
		t.Fatalf("unexpected payload %q", got)
	}

	// Accepted entries are gone for good.
	if n, _ := c.Length(ctx, stream); n != 0 {
		t.Fatalf("expected empty stream, got %d", n)
	}
	delivered, err = c.Consume(ctx, stream, func([]byte) bool { return true })
	if err != nil || delivered {
		t.Fatalf("expected no delivery, got delivered=%v err=%v", delivered, err)
	}
}

func TestMemoryNackRedeliversAfterIdle(t *testing.T) {
	c := NewMemoryClient(30 * time.Millisecond)
	ctx := context.Background()
	stream := "commands/v1"

	if err := c.Offer(ctx, stream, []byte("a")); err != nil {
		t.Fatalf("offer: %v", err)
	}

	delivered, err := c.Consume(ctx, stream, func([]byte) bool { return false })
	if err != nil || delivered {
		t.Fatalf("nacked consume must report false, got %v %v", delivered, err)
	}
	// Entry stays durable until acknowledged.
	if n, _ := c.Length(ctx, stream); n != 1 {
		t.Fatalf("expected pending entry, got length %d", n)
	}

	// Within the idle threshold nothing is claimable.
	delivered, _ = c.Consume(ctx, stream, func([]byte) bool { return true })
	if delivered {
		t.Fatal("entry must not be redelivered before the claim timeout")
	}

	time.Sleep(40 * time.Millisecond)
	delivered, err = c.Consume(ctx, stream, func([]byte) bool { return true })
	if err != nil || !delivered {
		t.Fatalf("expected claim redelivery, got delivered=%v err=%v", delivered, err)
	}
	if n, _ := c.Length(ctx, stream); n != 0 {
		t.Fatalf("expected empty stream after ack, got %d", n)
	}
}

// TestMemoryClaimFairness simulates repeated replica death: every
// delivery, fresh or claimed, is abandoned without acknowledgement. Without
// the resumable claim cursor the scan would rediscover the oldest entry
// forever and starve the tail.
func TestMemoryClaimFairness(t *testing.T) {
	const total = 12
	claimIdle := 10 * time.Millisecond
	c := NewMemoryClient(claimIdle)
	ctx := context.Background()
	stream := "commands/v1"

	for i := 0; i < total; i++ {
		if err := c.Offer(ctx, stream, []byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("offer: %v", err)
		}
	}

	seen := make(map[string]int)

	// First pass: deliver every fresh entry once, accepting none.
	for i := 0; i < total; i++ {
		delivered, err := c.Consume(ctx, stream, func(p []byte) bool {
			seen[string(p)]++
			return false
		})
		if err != nil || !delivered {
			t.Fatalf("fresh delivery %d: delivered=%v err=%v", i, delivered, err)
		}
	}

	// Claim passes: keep nacking; the cursor must walk the whole
	// pending list instead of hammering entry 0.
	deadline := time.Now().Add(2 * time.Second)
	for len(seen) > 0 && !allSeenAtLeast(seen, total, 2) {
		if time.Now().After(deadline) {
			t.Fatalf("starvation: not every entry was redelivered, seen=%v", seen)
		}
		time.Sleep(claimIdle + 2*time.Millisecond)
		_, err := c.Consume(ctx, stream, func(p []byte) bool {
			seen[string(p)]++
			return false
		})
		if err != nil {
			t.Fatalf("claim consume: %v", err)
		}
	}

	for i := 0; i < total; i++ {
		key := fmt.Sprintf("m%d", i)
		if seen[key] < 2 {
			t.Fatalf("entry %s was starved: seen %d times", key, seen[key])
		}
	}
}

func allSeenAtLeast(seen map[string]int, total, min int) bool {
	if len(seen) < total {
		return false
	}
	for _, n := range seen {
		if n < min {
			return false
		}
	}
	return true
}

func TestMemoryConsumerName(t *testing.T) {
	a := NewMemoryClient(time.Second)
	b := NewMemoryClient(time.Second)
	if a.ConsumerName() == "" || a.ConsumerName() == b.ConsumerName() {
		t.Fatalf("consumer identities must be distinct, got %q and %q", a.ConsumerName(), b.ConsumerName())
	}
}

func TestMemoryClosedBackend(t *testing.T) {
	c := NewMemoryClient(time.Second)
	ctx := context.Background()
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Ping(ctx); err == nil {
		t.Fatal("ping must fail after close")
	}
	if err := c.Offer(ctx, "s/v1", []byte("x")); err == nil {
		t.Fatal("offer must fail after close")
	}
}

package bus

import (
	"context"
	"testing"
	"time"
)

// TestInboundRoundTrip verifies publish/consume ordering on the inbound
// stream.
func TestInboundRoundTrip(t *testing.T) {
	b := New()
	b.PublishInbound(InboundMessage{Channel: "telegram", Content: "one"})
	b.PublishInbound(InboundMessage{Channel: "telegram", Content: "two"})

	ctx := context.Background()
	for _, want := range []string{"one", "two"} {
		msg, ok := b.ConsumeInbound(ctx)
		if !ok || msg.Content != want {
			t.Errorf("ConsumeInbound() = %q, %v; want %q", msg.Content, ok, want)
		}
	}
}

// TestConsumeRespectsContext verifies cancellation unblocks a waiting
// consumer.
func TestConsumeRespectsContext(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, ok := b.ConsumeOutbound(ctx); ok {
		t.Error("expected ok=false on cancelled consume")
	}
}

// TestBroadcastFanOut verifies events reach all subscribers and that
// unsubscribing stops delivery.
func TestBroadcastFanOut(t *testing.T) {
	b := New()
	var gotA, gotB int
	b.Subscribe("a", func(Event) { gotA++ })
	b.Subscribe("b", func(Event) { gotB++ })

	b.Broadcast(Event{Name: "queue"})
	b.Unsubscribe("a")
	b.Broadcast(Event{Name: "queue"})

	if gotA != 1 || gotB != 2 {
		t.Errorf("deliveries = %d, %d; want 1, 2", gotA, gotB)
	}
}

// TestDedupeCache verifies TTL suppression, expiry and the size cap.
func TestDedupeCache(t *testing.T) {
	c := NewDedupeCache(50*time.Millisecond, 3)

	if c.Seen("k1") {
		t.Error("fresh key reported seen")
	}
	if !c.Seen("k1") {
		t.Error("repeat within TTL not suppressed")
	}

	time.Sleep(60 * time.Millisecond)
	if c.Seen("k1") {
		t.Error("expired key still suppressed")
	}

	// Cap: filling past max evicts the oldest.
	for _, k := range []string{"a", "b", "c"} {
		c.Seen(k)
	}
	c.Seen("d")
	if c.Seen("d") != true {
		t.Error("newest key lost")
	}
}

// TestDedupeKey verifies the identity format used for inbound messages.
func TestDedupeKey(t *testing.T) {
	msg := InboundMessage{Channel: "discord", SenderID: "u1", ChatID: "c1", MessageID: "m1"}
	if got := DedupeKey(msg); got != "discord|u1|c1|m1" {
		t.Errorf("DedupeKey() = %q", got)
	}
}

package channels

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
)

func TestIsAllowed(t *testing.T) {
	tests := []struct {
		name      string
		allowList []string
		senderID  string
		want      bool
	}{
		{"empty allowlist accepts all", nil, "123", true},
		{"plain id match", []string{"123"}, "123", true},
		{"plain id mismatch", []string{"123"}, "456", false},
		{"compound sender matches id", []string{"123"}, "123|alice", true},
		{"compound sender matches username", []string{"@alice"}, "123|alice", true},
		{"compound allow matches plain id", []string{"123|alice"}, "123", true},
		{"username only mismatch", []string{"@bob"}, "123|alice", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewBaseChannel("test", bus.New(), tt.allowList)
			if got := c.IsAllowed(tt.senderID); got != tt.want {
				t.Errorf("IsAllowed(%q) = %v, want %v", tt.senderID, got, tt.want)
			}
		})
	}
}

func TestCheckPolicy(t *testing.T) {
	c := NewBaseChannel("test", bus.New(), []string{"123"})

	tests := []struct {
		name        string
		peerKind    string
		dmPolicy    string
		groupPolicy string
		senderID    string
		want        bool
	}{
		{"dm open default", "direct", "", "", "999", true},
		{"dm disabled", "direct", "disabled", "", "123", false},
		{"dm allowlist hit", "direct", "allowlist", "", "123", true},
		{"dm allowlist miss", "direct", "allowlist", "", "999", false},
		{"group disabled", "group", "", "disabled", "123", false},
		{"group allowlist hit", "group", "open", "allowlist", "123", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.CheckPolicy(tt.peerKind, tt.dmPolicy, tt.groupPolicy, tt.senderID)
			if got != tt.want {
				t.Errorf("CheckPolicy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandleMessageDerivesUserID(t *testing.T) {
	b := bus.New()
	c := NewBaseChannel("telegram", b, nil)

	c.HandleMessage(bus.InboundMessage{
		SenderID: "123|alice",
		ChatID:   "42",
		Content:  "hi",
		PeerKind: "direct",
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message published")
	}
	if msg.Channel != "telegram" || msg.UserID != "123" {
		t.Errorf("msg = %+v, want channel telegram user 123", msg)
	}
}

func TestHandleMessageRespectsAllowlist(t *testing.T) {
	b := bus.New()
	c := NewBaseChannel("telegram", b, []string{"1"})

	c.HandleMessage(bus.InboundMessage{SenderID: "2", ChatID: "x", Content: "blocked"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Error("disallowed sender's message reached the bus")
	}
}

func TestManagerDispatchRoutesOutbound(t *testing.T) {
	b := bus.New()
	m := NewManager(b)

	sent := make(chan bus.OutboundMessage, 1)
	m.RegisterChannel("fake", &fakeChannel{name: "fake", sent: sent})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.StopAll(context.Background())

	b.PublishOutbound(bus.OutboundMessage{Channel: "fake", ChatID: "c1", Content: "hello"})

	select {
	case msg := <-sent:
		if msg.ChatID != "c1" || msg.Content != "hello" {
			t.Errorf("dispatched msg = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("outbound message not dispatched")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Errorf("Truncate short = %q", got)
	}
	if got := Truncate("hello world", 5); got != "hello..." {
		t.Errorf("Truncate long = %q", got)
	}
}

type fakeChannel struct {
	name    string
	running bool
	sent    chan bus.OutboundMessage
}

func (f *fakeChannel) Name() string                      { return f.name }
func (f *fakeChannel) Start(context.Context) error       { f.running = true; return nil }
func (f *fakeChannel) Stop(context.Context) error        { f.running = false; return nil }
func (f *fakeChannel) IsRunning() bool                   { return f.running }
func (f *fakeChannel) IsAllowed(string) bool             { return true }
func (f *fakeChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.sent <- msg
	return nil
}

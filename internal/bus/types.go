package bus

import "context"

// InboundMessage represents a message received from a channel (Telegram, Discord, etc.)
type InboundMessage struct {
	Channel   string `json:"channel"`
	AccountID string `json:"account_id,omitempty"` // channel account when one adapter runs several bots
	SenderID  string `json:"sender_id"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id,omitempty"` // platform-native message ID, empty if the platform has none
	ThreadID  string `json:"thread_id,omitempty"`  // slack thread_ts, empty when unthreaded
	ThreadNum int64  `json:"thread_num,omitempty"` // numeric topic ID (telegram forums), 0 when unset
	Content   string `json:"content"`
	PeerKind  string `json:"peer_kind,omitempty"` // "direct" or "group" (used for session key)
	AgentID   string `json:"agent_id,omitempty"`  // target agent (for multi-agent routing)
	UserID    string `json:"user_id,omitempty"`   // external user ID for per-user scoping

	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message to be sent to a channel.
type OutboundMessage struct {
	Channel   string            `json:"channel"`
	AccountID string            `json:"account_id,omitempty"`
	ChatID    string            `json:"chat_id"`
	ThreadID  string            `json:"thread_id,omitempty"` // reply into this thread when the channel supports it
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"` // channel-specific metadata
}

// Event represents a server-side event to broadcast to WebSocket clients.
type Event struct {
	Name    string      `json:"name"` // event name (e.g. "agent", "queue", "health")
	Payload interface{} `json:"payload,omitempty"`
}

// MessageHandler handles an inbound message from a specific channel.
type MessageHandler func(InboundMessage) error

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by gateway server and the queue to decouple from concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between channels and the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
}

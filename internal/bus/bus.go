package bus

import (
	"context"
	"log/slog"
	"sync"
)

const defaultBuffer = 256

// MessageBus is the process-wide router: buffered inbound/outbound
// channels plus a fan-out registry for broadcast events.
//
// Inbound and outbound are single-consumer streams (the gateway consumer
// and the channel manager respectively); events fan out to every
// subscriber.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu   sync.RWMutex
	subs map[string]EventHandler
}

// New creates a MessageBus with default buffering.
func New() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, defaultBuffer),
		outbound: make(chan OutboundMessage, defaultBuffer),
		subs:     make(map[string]EventHandler),
	}
}

// PublishInbound queues an inbound message for the consumer. When the
// buffer is full the message is dropped rather than blocking the channel
// adapter's receive loop.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("bus inbound buffer full, dropping message",
			"channel", msg.Channel, "chat", msg.ChatID)
	}
}

// ConsumeInbound blocks until a message arrives or ctx ends.
// The second return is false when ctx was cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case msg := <-b.inbound:
		return msg, true
	}
}

// PublishOutbound queues a reply for channel dispatch.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("bus outbound buffer full, dropping message",
			"channel", msg.Channel, "chat", msg.ChatID)
	}
}

// ConsumeOutbound blocks until a reply arrives or ctx ends.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case msg := <-b.outbound:
		return msg, true
	}
}

// Subscribe registers an event handler under id, replacing any previous
// handler with the same id. Handlers run on the broadcaster's goroutine
// and must not block.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Broadcast delivers event to every subscriber.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}

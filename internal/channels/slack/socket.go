package slack

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/channels"
)

// envelope is the Socket Mode frame. Every events_api envelope must be
// acked with its envelope_id or Slack redelivers the event.
type envelope struct {
	EnvelopeID string          `json:"envelope_id"`
	Type       string          `json:"type"` // "hello", "events_api", "disconnect"
	Payload    json.RawMessage `json:"payload"`
}

type eventsAPIPayload struct {
	Event messageEvent `json:"event"`
}

type messageEvent struct {
	Type        string `json:"type"` // "message", "app_mention", ...
	Subtype     string `json:"subtype"`
	Channel     string `json:"channel"`
	ChannelType string `json:"channel_type"` // "im", "channel", "group", "mpim"
	User        string `json:"user"`
	BotID       string `json:"bot_id"`
	Text        string `json:"text"`
	TS          string `json:"ts"`
	ThreadTS    string `json:"thread_ts"`
}

// socketModeLoop maintains the Socket Mode WebSocket with reconnect
// backoff. Slack rotates connections periodically via "disconnect"
// frames; that is a normal reconnect, not an error.
func (c *Channel) socketModeLoop() {
	defer close(c.done)
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			slog.Info("slack socket mode stopped")
			return
		default:
		}

		wsURL, err := c.getSocketModeURL()
		if err != nil {
			slog.Warn("slack socket mode URL failed", "error", err, "backoff", backoff)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		dialer := websocket.DefaultDialer
		dialer.HandshakeTimeout = 10 * time.Second
		conn, _, err := dialer.Dial(wsURL, nil)
		if err != nil {
			slog.Warn("slack socket dial failed", "error", err, "backoff", backoff)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		backoff = time.Second
		c.readLoop(conn)
		_ = conn.Close()
	}
}

// readLoop processes envelopes until the connection drops or Slack
// asks for a reconnect.
func (c *Channel) readLoop(conn *websocket.Conn) {
	// Close the socket when ctx ends so ReadMessage unblocks.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-c.ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				slog.Warn("slack socket read error, reconnecting", "error", err)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("slack invalid envelope", "error", err)
			continue
		}

		// Ack before processing: Slack redelivers unacked envelopes,
		// and the downstream queue owns retry semantics.
		if env.EnvelopeID != "" {
			ack, _ := json.Marshal(map[string]string{"envelope_id": env.EnvelopeID})
			if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
				slog.Warn("slack ack failed", "error", err)
				return
			}
		}

		switch env.Type {
		case "hello":
			slog.Debug("slack socket mode ready")
		case "disconnect":
			slog.Info("slack socket rotation requested, reconnecting")
			return
		case "events_api":
			var payload eventsAPIPayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				slog.Warn("slack invalid events_api payload", "error", err)
				continue
			}
			c.handleEvent(payload.Event)
		}
	}
}

// handleEvent forwards a message event to the bus. app_mention events
// are skipped: the same message also arrives as a "message" event and
// mention gating happens there.
func (c *Channel) handleEvent(ev messageEvent) {
	if ev.Type != "message" || ev.Subtype != "" || ev.BotID != "" {
		return
	}
	if ev.User == "" || ev.User == c.botUserID {
		return
	}

	isDM := ev.ChannelType == "im"
	peerKind := "group"
	if isDM {
		peerKind = "direct"
	}

	if !c.CheckPolicy(peerKind, c.config.DMPolicy, c.config.GroupPolicy, ev.User) {
		slog.Debug("slack message rejected by policy", "user", ev.User, "peer_kind", peerKind)
		return
	}

	content := ev.Text
	if !isDM && c.config.RequireMention {
		mention := "<@" + c.botUserID + ">"
		if !strings.Contains(content, mention) {
			return
		}
		content = strings.TrimSpace(strings.ReplaceAll(content, mention, ""))
	}
	if content == "" {
		return
	}

	// thread_ts identifies the thread; a top-level message has none.
	threadTS := ev.ThreadTS
	if threadTS == ev.TS {
		threadTS = ""
	}

	slog.Debug("slack message received",
		"channel", ev.Channel,
		"user", ev.User,
		"thread_ts", threadTS,
		"preview", channels.Truncate(content, 60),
	)

	c.HandleMessage(bus.InboundMessage{
		SenderID:  ev.User,
		ChatID:    ev.Channel,
		MessageID: ev.TS,
		ThreadID:  threadTS,
		Content:   content,
		PeerKind:  peerKind,
	})
}

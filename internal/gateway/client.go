package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/channels"
	"github.com/nextlevelbuilder/chatrelay/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Client is a single WebSocket connection to the gateway.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps an upgraded WebSocket connection.
func NewClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: server,
		send:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

// ID returns the client's connection id.
func (c *Client) ID() string { return c.id }

// Close shuts down the connection. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// SendEvent queues an event frame for delivery. Slow clients that fill
// their send buffer are disconnected rather than blocking the publisher.
func (c *Client) SendEvent(event protocol.EventFrame) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Warn("event marshal failed", "client", c.id, "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.closed:
	default:
		slog.Warn("client send buffer full, disconnecting", "client", c.id)
		c.Close()
	}
}

// Run services the connection until it closes: one goroutine writes
// queued frames and pings, the calling goroutine reads requests.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("client read error", "client", c.id, "error", err)
			}
			return
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendResponse(protocol.NewErrorResponse("", "bad_request", "invalid frame"))
			continue
		}

		c.handleRequest(ctx, req)
	}
}

func (c *Client) sendResponse(res *protocol.ResponseFrame) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.closed:
	}
}

// chatSendParams is the payload for the chat.send method.
type chatSendParams struct {
	Content  string `json:"content"`
	AgentID  string `json:"agent_id,omitempty"`
	Channel  string `json:"channel,omitempty"`
	ChatID   string `json:"chat_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

type sessionKeyParams struct {
	Key string `json:"key"`
}

type sessionListParams struct {
	AgentID string `json:"agent_id,omitempty"`
}

func (c *Client) handleRequest(ctx context.Context, req protocol.RequestFrame) {
	if c.server.rateLimiter.Enabled() && !c.server.rateLimiter.Allow(c.id) {
		c.sendResponse(protocol.NewErrorResponse(req.ID, "rate_limited", "too many requests"))
		return
	}

	switch req.Method {
	case protocol.MethodChatSend:
		c.handleChatSend(req)
	case protocol.MethodSessionsList:
		var p sessionListParams
		json.Unmarshal(req.Params, &p)
		c.sendResponse(protocol.NewResponse(req.ID, c.server.sessions.List(p.AgentID)))
	case protocol.MethodSessionsReset:
		var p sessionKeyParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Key == "" {
			c.sendResponse(protocol.NewErrorResponse(req.ID, "bad_request", "missing key"))
			return
		}
		c.server.sessions.Reset(p.Key)
		c.sendResponse(protocol.NewResponse(req.ID, map[string]bool{"reset": true}))
	case protocol.MethodSessionsDelete:
		var p sessionKeyParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Key == "" {
			c.sendResponse(protocol.NewErrorResponse(req.ID, "bad_request", "missing key"))
			return
		}
		if err := c.server.sessions.Delete(p.Key); err != nil {
			c.sendResponse(protocol.NewErrorResponse(req.ID, "internal", err.Error()))
			return
		}
		c.sendResponse(protocol.NewResponse(req.ID, map[string]bool{"deleted": true}))
	case protocol.MethodQueueStats:
		c.sendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
			"queues": c.server.queues.Stats(),
			"active": c.server.sched.Active(),
		}))
	case protocol.MethodChannelsStatus:
		c.sendResponse(protocol.NewResponse(req.ID, c.server.channels.GetStatus()))
	case protocol.MethodHealth:
		c.sendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
			"status":   "ok",
			"protocol": protocol.ProtocolVersion,
		}))
	case protocol.MethodStatus:
		c.sendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
			"channels": c.server.channels.GetStatus(),
			"queues":   c.server.queues.Stats(),
			"active":   c.server.sched.Active(),
		}))
	default:
		c.sendResponse(protocol.NewErrorResponse(req.ID, "unknown_method", "unknown method: "+req.Method))
	}
}

// handleChatSend injects a message into the inbound pipeline. The reply
// arrives asynchronously as agent events; the response only acknowledges
// acceptance.
func (c *Client) handleChatSend(req protocol.RequestFrame) {
	var p chatSendParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Content == "" {
		c.sendResponse(protocol.NewErrorResponse(req.ID, "bad_request", "missing content"))
		return
	}

	channel := p.Channel
	if channel == "" {
		channel = channels.ChannelCLI
	}
	chatID := p.ChatID
	if chatID == "" {
		chatID = c.id
	}

	c.server.submit(bus.InboundMessage{
		Channel:   channel,
		SenderID:  c.id,
		UserID:    c.id,
		ChatID:    chatID,
		MessageID: uuid.NewString(),
		ThreadID:  p.ThreadID,
		Content:   p.Content,
		PeerKind:  "direct",
		AgentID:   p.AgentID,
	})

	c.sendResponse(protocol.NewResponse(req.ID, map[string]bool{"accepted": true}))
}

// Package slack implements the Slack channel using the Slack Web API
// and Socket Mode for real-time events. No Slack SDK: the Web API is
// plain HTTP and Socket Mode is a WebSocket.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/channels"
	"github.com/nextlevelbuilder/chatrelay/internal/config"
)

const slackAPIBase = "https://slack.com/api/"

// Channel connects to Slack via Socket Mode and relays messages
// through the bus. Thread identity (thread_ts) is carried on both
// directions so replies land in the originating thread.
type Channel struct {
	*channels.BaseChannel
	config config.SlackConfig
	client *http.Client

	botUserID     string
	replyInThread bool

	connected atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a new Slack channel from config.
func New(cfg config.SlackConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("slack bot_token is required")
	}
	if cfg.AppToken == "" {
		return nil, fmt.Errorf("slack app_token is required for Socket Mode")
	}

	replyInThread := true
	if cfg.ReplyInThread != nil {
		replyInThread = *cfg.ReplyInThread
	}

	return &Channel{
		BaseChannel:   channels.NewBaseChannel("slack", msgBus, cfg.AllowFrom),
		config:        cfg,
		client:        &http.Client{Timeout: 30 * time.Second},
		replyInThread: replyInThread,
	}, nil
}

// Start verifies the bot token and begins the Socket Mode loop.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting slack channel (socket mode)")

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	identity, err := c.authTest()
	if err != nil {
		c.cancel()
		return fmt.Errorf("slack auth.test: %w", err)
	}
	c.botUserID = identity.UserID
	slog.Info("slack connected", "bot", identity.User, "team", identity.Team, "user_id", identity.UserID)

	c.connected.Store(true)
	c.SetRunning(true)

	go c.socketModeLoop()
	return nil
}

// Stop shuts down the Socket Mode connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping slack channel")
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		select {
		case <-c.done:
		case <-time.After(5 * time.Second):
			slog.Warn("slack socket loop did not exit within timeout")
		}
	}
	c.connected.Store(false)
	c.SetRunning(false)
	return nil
}

// Send posts a message via chat.postMessage, threading the reply when
// the outbound message carries a thread identity.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.connected.Load() {
		return fmt.Errorf("slack not connected")
	}

	payload := map[string]interface{}{
		"channel": msg.ChatID,
		"text":    msg.Content,
	}
	if msg.ThreadID != "" && c.replyInThread {
		payload["thread_ts"] = msg.ThreadID
	}

	_, err := c.apiCall("chat.postMessage", payload)
	return err
}

// --- Slack Web API ---

type authIdentity struct {
	UserID string `json:"user_id"`
	User   string `json:"user"`
	Team   string `json:"team"`
}

// apiCall makes a POST request to the Slack Web API with the bot token.
func (c *Channel) apiCall(method string, payload map[string]interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("slack marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, slackAPIBase+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("slack create request %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.config.BotToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("slack decode %s response: %w", method, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("slack %s: %s", method, result.Error)
	}
	return respBody, nil
}

// authTest verifies the bot token and returns identity info.
func (c *Channel) authTest() (*authIdentity, error) {
	data, err := c.apiCall("auth.test", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var identity authIdentity
	if err := json.Unmarshal(data, &identity); err != nil {
		return nil, fmt.Errorf("slack parse auth.test: %w", err)
	}
	return &identity, nil
}

// getSocketModeURL opens a Socket Mode connection slot with the app token.
func (c *Channel) getSocketModeURL() (string, error) {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, slackAPIBase+"apps.connections.open", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.config.AppToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		URL   string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if !result.OK {
		return "", fmt.Errorf("apps.connections.open: %s", result.Error)
	}
	return result.URL, nil
}

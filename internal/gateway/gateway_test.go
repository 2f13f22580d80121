package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/channels"
	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/followup"
	"github.com/nextlevelbuilder/chatrelay/internal/scheduler"
	"github.com/nextlevelbuilder/chatrelay/internal/sessions"
	"github.com/nextlevelbuilder/chatrelay/internal/store/file"
	"github.com/nextlevelbuilder/chatrelay/pkg/protocol"
)

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *bus.MessageBus, chan bus.InboundMessage, string) {
	t.Helper()

	b := bus.New()
	sess := file.NewSessionStore(sessions.NewManager(t.TempDir()))
	queues := followup.NewQueues(slog.Default())
	sched := scheduler.New(2, slog.Default())
	mgr := channels.NewManager(b)

	submitted := make(chan bus.InboundMessage, 8)
	s := NewServer(cfg, b, sess, queues, sched, mgr, func(msg bus.InboundMessage) {
		submitted <- msg
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	addr, start := StartTestServer(s, ctx)
	go start()
	time.Sleep(50 * time.Millisecond)

	return s, b, submitted, addr
}

func testConfig() *config.Config {
	return &config.Config{
		Gateway: config.GatewayConfig{Host: "127.0.0.1", Port: 0},
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, _, _, addr := newTestServer(t, testConfig())

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	want := fmt.Sprintf(`{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
	if string(body) != want {
		t.Errorf("body = %s, want %s", body, want)
	}
}

func TestQueueStatsRequiresToken(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.Token = "secret"
	_, _, _, addr := newTestServer(t, cfg)

	resp, err := http.Get("http://" + addr + "/v1/queue")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", "http://"+addr+"/v1/queue", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}

	var payload struct {
		Queues []followup.KeyStats `json:"queues"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func dialWS(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func rpc(t *testing.T, conn *websocket.Conn, id, method string, params interface{}) protocol.ResponseFrame {
	t.Helper()

	var raw json.RawMessage
	if params != nil {
		data, _ := json.Marshal(params)
		raw = data
	}
	req := protocol.RequestFrame{Type: "req", ID: id, Method: method, Params: raw}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatal(err)
	}

	// Skip event frames; only the matching response terminates the wait.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		var res protocol.ResponseFrame
		if err := json.Unmarshal(data, &res); err == nil && res.Type == "res" && res.ID == id {
			return res
		}
	}
	t.Fatal("no response received")
	return protocol.ResponseFrame{}
}

func TestChatSendSubmitsInbound(t *testing.T) {
	_, _, submitted, addr := newTestServer(t, testConfig())
	conn := dialWS(t, addr)

	res := rpc(t, conn, "1", protocol.MethodChatSend, map[string]string{"content": "hello"})
	if !res.OK {
		t.Fatalf("chat.send failed: %+v", res.Error)
	}

	select {
	case msg := <-submitted:
		if msg.Content != "hello" || msg.Channel != channels.ChannelCLI {
			t.Errorf("submitted = %+v", msg)
		}
		if msg.MessageID == "" {
			t.Error("submitted message has no message id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the pipeline")
	}
}

func TestChatSendRejectsEmptyContent(t *testing.T) {
	_, _, _, addr := newTestServer(t, testConfig())
	conn := dialWS(t, addr)

	res := rpc(t, conn, "1", protocol.MethodChatSend, map[string]string{})
	if res.OK || res.Error == nil || res.Error.Code != "bad_request" {
		t.Errorf("res = %+v, want bad_request error", res)
	}
}

func TestUnknownMethod(t *testing.T) {
	_, _, _, addr := newTestServer(t, testConfig())
	conn := dialWS(t, addr)

	res := rpc(t, conn, "1", "nope.nope", nil)
	if res.OK || res.Error == nil || res.Error.Code != "unknown_method" {
		t.Errorf("res = %+v, want unknown_method error", res)
	}
}

func TestEventForwarding(t *testing.T) {
	_, b, _, addr := newTestServer(t, testConfig())
	conn := dialWS(t, addr)

	// Registration is synchronous with the upgrade handler; give the
	// server a moment to finish it.
	time.Sleep(100 * time.Millisecond)
	b.Broadcast(bus.Event{Name: protocol.EventQueue, Payload: map[string]string{"type": protocol.QueueEventEnqueued}})

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var ev protocol.EventFrame
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != "event" || ev.Event != protocol.EventQueue {
		t.Errorf("event = %+v", ev)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	if !rl.Enabled() {
		t.Fatal("limiter should be enabled")
	}
	if !rl.Allow("c1") || !rl.Allow("c1") {
		t.Error("burst requests should pass")
	}
	if rl.Allow("c1") {
		t.Error("third request should exceed burst")
	}
	if !rl.Allow("c2") {
		t.Error("other clients are limited independently")
	}

	off := NewRateLimiter(0, 5)
	for i := 0; i < 100; i++ {
		if !off.Allow("x") {
			t.Fatal("disabled limiter must always allow")
		}
	}
}

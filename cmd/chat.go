package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatrelay/internal/agent"
	"github.com/nextlevelbuilder/chatrelay/internal/bootstrap"
	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/sessions"
	"github.com/nextlevelbuilder/chatrelay/internal/store/file"
	"github.com/nextlevelbuilder/chatrelay/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		agentID string
		message string
		chatID  string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with an agent interactively or send a one-shot message",
		Long: `Chat with an agent via the running gateway (WebSocket client mode).
Falls back to standalone mode if the gateway is not running.

Examples:
  chatrelay chat                          # Interactive REPL
  chatrelay chat --agent coder            # Chat with "coder" agent
  chatrelay chat -m "What time is it?"    # One-shot message
  chatrelay chat -s my-session            # Continue a named conversation`,
		Run: func(cmd *cobra.Command, args []string) {
			runChat(agentID, message, chatID)
		},
	}

	cmd.Flags().StringVarP(&agentID, "agent", "n", config.DefaultAgentID, "agent id")
	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	cmd.Flags().StringVarP(&chatID, "session", "s", "", "conversation id (default: auto-generated)")

	return cmd
}

func runChat(agentID, message, chatID string) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if chatID == "" {
		chatID = uuid.NewString()[:8]
	}

	host := cfg.Gateway.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	addr := fmt.Sprintf("%s:%d", host, cfg.Gateway.Port)

	if isGatewayRunning(addr) {
		fmt.Fprintf(os.Stderr, "Connected to gateway at %s\n", addr)
		runChatClient(cfg, addr, agentID, chatID, message)
		return
	}

	fmt.Fprintln(os.Stderr, "Gateway not running, using standalone mode")
	runChatStandalone(cfg, agentID, chatID, message)
}

func isGatewayRunning(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// --- Client mode ---

func runChatClient(cfg *config.Config, addr, agentID, chatID, message string) {
	wsURL := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	if cfg.Gateway.Token != "" {
		wsURL.RawQuery = url.Values{"token": {cfg.Gateway.Token}}.Encode()
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WebSocket connect failed: %v\n", err)
		fmt.Fprintln(os.Stderr, "Falling back to standalone mode")
		runChatStandalone(cfg, agentID, chatID, message)
		return
	}
	defer conn.Close()

	if message != "" {
		reply, err := wsChatRound(conn, agentID, chatID, message)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(reply)
		return
	}

	agentCfg := cfg.ResolveAgent(agentID)
	fmt.Fprintf(os.Stderr, "\nchatrelay interactive chat (agent: %s, model: %s)\n", agentID, agentCfg.Model)
	fmt.Fprintf(os.Stderr, "Conversation: %s\n", chatID)
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit, \"/new\" for a fresh conversation\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return
		}
		if input == "/new" {
			chatID = uuid.NewString()[:8]
			fmt.Fprintf(os.Stderr, "New conversation: %s\n\n", chatID)
			continue
		}

		reply, err := wsChatRound(conn, agentID, chatID, input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			continue
		}
		fmt.Printf("\n%s\n\n", reply)
	}
}

// wireFrame is a loose decode target covering response and event frames.
type wireFrame struct {
	Type    string              `json:"type"`
	ID      string              `json:"id"`
	OK      bool                `json:"ok"`
	Error   *protocol.ErrorInfo `json:"error"`
	Event   string              `json:"event"`
	Payload json.RawMessage     `json:"payload"`
}

type agentEventPayload struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Payload struct {
		SessionKey string `json:"sessionKey"`
		Content    string `json:"content"`
		Error      string `json:"error"`
	} `json:"payload"`
}

// wsChatRound sends one chat.send and waits for the matching run to
// finish. The gateway only acks the request; the reply rides on the
// agent run.completed event for our conversation.
func wsChatRound(conn *websocket.Conn, agentID, chatID, message string) (string, error) {
	reqID := uuid.NewString()[:8]
	params, _ := json.Marshal(map[string]string{
		"content":  message,
		"agent_id": agentID,
		"chat_id":  chatID,
	})

	req := protocol.RequestFrame{
		Type:   "req",
		ID:     reqID,
		Method: protocol.MethodChatSend,
		Params: params,
	}
	if err := conn.WriteJSON(req); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}

	accepted := false
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("read: %w", err)
		}

		var frame wireFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "res":
			if frame.ID != reqID {
				continue
			}
			if !frame.OK {
				if frame.Error != nil {
					return "", fmt.Errorf("%s: %s", frame.Error.Code, frame.Error.Message)
				}
				return "", fmt.Errorf("request rejected")
			}
			accepted = true

		case "event":
			switch frame.Event {
			case protocol.EventShutdown:
				return "", fmt.Errorf("gateway shutting down")
			case protocol.EventAgent:
				if !accepted {
					continue
				}
				var ev agentEventPayload
				if err := json.Unmarshal(frame.Payload, &ev); err != nil {
					continue
				}
				// Session keys embed the chat id; events for other
				// conversations are not ours.
				if !strings.Contains(ev.Payload.SessionKey, chatID) {
					continue
				}
				switch ev.Type {
				case protocol.AgentEventRunCompleted:
					return ev.Payload.Content, nil
				case protocol.AgentEventRunFailed:
					return "", fmt.Errorf("agent error: %s", ev.Payload.Error)
				}
			}
		}
	}
}

// --- Standalone mode ---

// newQuietLogger keeps agent internals out of the chat transcript.
func newQuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// runChatStandalone talks to the provider directly, without queueing or
// channel delivery. Sessions still persist to the configured store.
func runChatStandalone(cfg *config.Config, agentID, chatID, message string) {
	if !cfg.HasAnyProvider() {
		fmt.Fprintln(os.Stderr, "No AI provider API key configured. Run: chatrelay onboard")
		os.Exit(1)
	}

	reg := providers.NewRegistry()
	registerProviders(reg, cfg)

	ac := cfg.ResolveAgent(agentID)
	provider, err := reg.Get(ac.Provider)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Provider unavailable: %v\n", err)
		os.Exit(1)
	}

	homeDir := config.ExpandHome("~/.chatrelay")
	systemPrompt := ac.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = bootstrap.LoadSystemPrompt(homeDir)
	}

	sessStore := file.NewSessionStore(sessions.NewManager(config.ExpandHome(cfg.Sessions.Storage)))
	defer sessStore.Close()

	runner := agent.NewRunner(agent.RunnerConfig{
		ID:           agentID,
		Provider:     provider,
		Model:        ac.Model,
		MaxTokens:    ac.MaxTokens,
		Temperature:  ac.Temperature,
		SystemPrompt: systemPrompt,
		HistoryLimit: ac.HistoryLimit,
		Sessions:     sessStore,
		Logger:       newQuietLogger(),
	})

	sessionKey := sessions.BuildSessionKey(agentID, "cli", sessions.PeerDirect, chatID)
	ctx := context.Background()

	ask := func(prompt string) {
		result, err := runner.Run(ctx, agent.RunRequest{
			SessionKey: sessionKey,
			Message:    prompt,
			Channel:    "cli",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		fmt.Printf("\n%s\n\n", result.Content)
	}

	if message != "" {
		ask(message)
		return
	}

	fmt.Fprintf(os.Stderr, "\nchatrelay standalone chat (agent: %s, model: %s)\n", agentID, runner.Model())
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit, \"/new\" for a fresh conversation\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return
		}
		if input == "/new" {
			chatID = uuid.NewString()[:8]
			sessionKey = sessions.BuildSessionKey(agentID, "cli", sessions.PeerDirect, chatID)
			fmt.Fprintf(os.Stderr, "New conversation: %s\n\n", chatID)
			continue
		}
		ask(input)
	}
}

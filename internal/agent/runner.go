// Package agent runs a single conversational turn against an LLM
// provider, carrying session history and token accounting.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

// AgentEvent is emitted during agent execution for WS broadcasting.
type AgentEvent struct {
	Type    string      `json:"type"` // "run.started", "run.completed", "run.failed"
	AgentID string      `json:"agentId"`
	RunID   string      `json:"runId"`
	Payload interface{} `json:"payload,omitempty"`
}

// Runner executes runs for one agent instance.
type Runner struct {
	id           string
	provider     providers.Provider
	model        string
	maxTokens    int
	temperature  float64
	systemPrompt string
	historyLimit int

	sessions store.SessionStore
	log      *slog.Logger
	onEvent  func(AgentEvent)

	activeRuns atomic.Int32
}

// RunnerConfig configures a new Runner.
type RunnerConfig struct {
	ID           string
	Provider     providers.Provider
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
	HistoryLimit int // max messages kept in context, 0 = unlimited
	Sessions     store.SessionStore
	Logger       *slog.Logger
	OnEvent      func(AgentEvent)
}

func NewRunner(cfg RunnerConfig) *Runner {
	model := cfg.Model
	if model == "" {
		model = cfg.Provider.DefaultModel()
	}
	return &Runner{
		id:           cfg.ID,
		provider:     cfg.Provider,
		model:        model,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		systemPrompt: cfg.SystemPrompt,
		historyLimit: cfg.HistoryLimit,
		sessions:     cfg.Sessions,
		log:          cfg.Logger.With("component", "agent", "agent_id", cfg.ID),
		onEvent:      cfg.OnEvent,
	}
}

// ID returns the agent's identifier.
func (r *Runner) ID() string { return r.id }

// Model returns the model identifier for this runner.
func (r *Runner) Model() string { return r.model }

// IsRunning returns whether the agent is currently processing.
func (r *Runner) IsRunning() bool { return r.activeRuns.Load() > 0 }

func (r *Runner) emit(event AgentEvent) {
	if r.onEvent != nil {
		r.onEvent(event)
	}
}

// RunRequest is the input for processing a message through the agent.
type RunRequest struct {
	SessionKey string // composite key: agent:{agentId}:{channel}:{peerKind}:{chatId}
	Message    string // user message
	Channel    string // source channel
	RunID      string // unique run identifier, generated when empty
}

// RunResult is the output of a completed agent run.
type RunResult struct {
	Content string           `json:"content"`
	RunID   string           `json:"runId"`
	Usage   *providers.Usage `json:"usage,omitempty"`
}

// Run processes a single message: load history, call the provider,
// persist both turns. It blocks until completion.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	r.activeRuns.Add(1)
	defer r.activeRuns.Add(-1)

	r.emit(AgentEvent{
		Type:    "run.started",
		AgentID: r.id,
		RunID:   req.RunID,
		Payload: map[string]string{"sessionKey": req.SessionKey},
	})

	ctx, span := startRunSpan(ctx, r.id, req)
	start := time.Now()

	result, err := r.run(ctx, req)

	endRunSpan(span, result, err)

	if err != nil {
		r.log.Error("run failed", "run_id", req.RunID, "session", req.SessionKey, "error", err)
		r.emit(AgentEvent{
			Type:    "run.failed",
			AgentID: r.id,
			RunID:   req.RunID,
			Payload: map[string]string{"error": err.Error()},
		})
		return nil, err
	}

	r.log.Info("run completed",
		"run_id", req.RunID,
		"session", req.SessionKey,
		"duration", time.Since(start),
	)
	// The reply content rides on the event so WS clients (CLI chat) can
	// render it without a second RPC.
	r.emit(AgentEvent{
		Type:    "run.completed",
		AgentID: r.id,
		RunID:   req.RunID,
		Payload: map[string]string{
			"sessionKey": req.SessionKey,
			"content":    result.Content,
		},
	})
	return result, nil
}

func (r *Runner) run(ctx context.Context, req RunRequest) (*RunResult, error) {
	history := r.sessions.GetHistory(req.SessionKey)

	messages := make([]providers.Message, 0, len(history)+2)
	if r.systemPrompt != "" {
		messages = append(messages, providers.Message{Role: "system", Content: r.systemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, providers.Message{Role: "user", Content: req.Message})

	resp, err := r.provider.Chat(ctx, providers.ChatRequest{
		Messages:    messages,
		Model:       r.model,
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", r.id, err)
	}

	// Persist both turns only after a successful call, so a failed run
	// leaves the session exactly as it was.
	r.sessions.AddMessage(req.SessionKey, providers.Message{Role: "user", Content: req.Message})
	r.sessions.AddMessage(req.SessionKey, providers.Message{Role: "assistant", Content: resp.Content})
	r.sessions.UpdateMetadata(req.SessionKey, r.model, r.provider.Name(), req.Channel)

	if resp.Usage != nil {
		r.sessions.AccumulateTokens(req.SessionKey, int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens))
	}

	if r.historyLimit > 0 {
		r.sessions.TruncateHistory(req.SessionKey, r.historyLimit)
	}

	if err := r.sessions.Save(req.SessionKey); err != nil {
		r.log.Warn("session save failed", "session", req.SessionKey, "error", err)
	}

	return &RunResult{
		Content: resp.Content,
		RunID:   req.RunID,
		Usage:   resp.Usage,
	}, nil
}

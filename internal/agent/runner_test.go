package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/sessions"
	"github.com/nextlevelbuilder/chatrelay/internal/store/file"
)

type fakeProvider struct {
	reply    string
	err      error
	gotReq   providers.ChatRequest
	numCalls int
}

func (f *fakeProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	f.numCalls++
	f.gotReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &providers.ChatResponse{
		Content:      f.reply,
		FinishReason: "stop",
		Usage:        &providers.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
	}, nil
}

func (f *fakeProvider) DefaultModel() string { return "fake-model" }
func (f *fakeProvider) Name() string         { return "fake" }

func newTestRunner(t *testing.T, p providers.Provider) *Runner {
	t.Helper()
	sessions := file.NewSessionStore(sessions.NewManager(t.TempDir()))
	return NewRunner(RunnerConfig{
		ID:           "default",
		Provider:     p,
		SystemPrompt: "be helpful",
		Sessions:     sessions,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestRunPersistsBothTurns(t *testing.T) {
	p := &fakeProvider{reply: "hi there"}
	r := newTestRunner(t, p)

	key := "agent:default:telegram:direct:1"
	result, err := r.Run(context.Background(), RunRequest{SessionKey: key, Message: "hello", Channel: "telegram"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Content != "hi there" {
		t.Errorf("content = %q", result.Content)
	}
	if result.RunID == "" {
		t.Error("run ID not generated")
	}

	hist := r.sessions.GetHistory(key)
	if len(hist) != 2 || hist[0].Role != "user" || hist[1].Content != "hi there" {
		t.Errorf("history = %+v", hist)
	}

	data := r.sessions.GetOrCreate(key)
	if data.InputTokens != 7 || data.OutputTokens != 3 {
		t.Errorf("tokens = %d/%d, want 7/3", data.InputTokens, data.OutputTokens)
	}
}

func TestRunPrependsSystemPromptAndHistory(t *testing.T) {
	p := &fakeProvider{reply: "second reply"}
	r := newTestRunner(t, p)

	key := "agent:default:slack:group:C01"
	if _, err := r.Run(context.Background(), RunRequest{SessionKey: key, Message: "first"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(context.Background(), RunRequest{SessionKey: key, Message: "second"}); err != nil {
		t.Fatal(err)
	}

	msgs := p.gotReq.Messages
	// system + 2 history turns + new user message
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != "system" || msgs[0].Content != "be helpful" {
		t.Errorf("system message = %+v", msgs[0])
	}
	if msgs[3].Role != "user" || msgs[3].Content != "second" {
		t.Errorf("last message = %+v", msgs[3])
	}
}

func TestRunFailureLeavesSessionUntouched(t *testing.T) {
	p := &fakeProvider{err: errors.New("upstream down")}
	r := newTestRunner(t, p)

	key := "agent:default:discord:direct:9"
	var gotFailed bool
	r.onEvent = func(ev AgentEvent) {
		if ev.Type == "run.failed" {
			gotFailed = true
		}
	}

	if _, err := r.Run(context.Background(), RunRequest{SessionKey: key, Message: "hello"}); err == nil {
		t.Fatal("expected error")
	}
	if hist := r.sessions.GetHistory(key); len(hist) != 0 {
		t.Errorf("history after failed run = %+v, want empty", hist)
	}
	if !gotFailed {
		t.Error("run.failed event not emitted")
	}
}

func TestRunHonorsHistoryLimit(t *testing.T) {
	p := &fakeProvider{reply: "ok"}
	r := newTestRunner(t, p)
	r.historyLimit = 2

	key := "agent:default:telegram:direct:5"
	for _, m := range []string{"one", "two", "three"} {
		if _, err := r.Run(context.Background(), RunRequest{SessionKey: key, Message: m}); err != nil {
			t.Fatal(err)
		}
	}

	if hist := r.sessions.GetHistory(key); len(hist) != 2 {
		t.Errorf("history length = %d, want 2", len(hist))
	}
}

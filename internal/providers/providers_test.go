package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAnthropicChat(t *testing.T) {
	var gotBody map[string]interface{}
	var gotVersion, gotKey string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotVersion = r.Header.Get("anthropic-version")
		gotKey = r.Header.Get("x-api-key")
		json.NewDecoder(r.Body).Decode(&gotBody)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"content":     []map[string]interface{}{{"type": "text", "text": "hello back"}},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 12, "output_tokens": 4},
		})
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if resp.Content != "hello back" {
		t.Errorf("content = %q, want %q", resp.Content, "hello back")
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason = %q, want stop", resp.FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 16 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if gotVersion != anthropicAPIVersion || gotKey != "test-key" {
		t.Errorf("headers: version=%q key=%q", gotVersion, gotKey)
	}
	// System messages lift into the top-level system field.
	if _, ok := gotBody["system"]; !ok {
		t.Error("system blocks missing from request body")
	}
	if msgs, ok := gotBody["messages"].([]interface{}); !ok || len(msgs) != 1 {
		t.Errorf("messages = %v, want single user message", gotBody["messages"])
	}
}

func TestAnthropicRetriesOn429(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"content":     []map[string]interface{}{{"type": "text", "text": "ok"}},
			"stop_reason": "end_turn",
		})
	}))
	defer srv.Close()

	p := NewAnthropicProvider("k", WithAnthropicBaseURL(srv.URL))
	p.retryConfig = RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != "ok" || calls != 2 {
		t.Errorf("content = %q, calls = %d", resp.Content, calls)
	}
}

func TestOpenAIChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "response"}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "test-key", srv.URL, "gpt-4o")
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != "response" || resp.Usage.TotalTokens != 8 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestRetryDoGivesUpOn4xx(t *testing.T) {
	var calls int
	_, err := RetryDo(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, func() (int, error) {
		calls++
		return 0, &HTTPError{Status: 400, Body: "bad request"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (4xx is not retryable)", calls)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := NewAnthropicProvider("k")
	o := NewOpenAIProvider("openai", "k", "", "gpt-4o")
	r.Register(a)
	r.Register(o)

	p, err := r.Get("")
	if err != nil || p.Name() != "anthropic" {
		t.Errorf("default provider = %v, err = %v", p, err)
	}

	r.SetDefault("openai")
	p, _ = r.Get("")
	if p.Name() != "openai" {
		t.Errorf("default after SetDefault = %q", p.Name())
	}

	if _, err := r.Get("missing"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

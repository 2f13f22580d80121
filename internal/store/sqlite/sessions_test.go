package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/chatrelay/internal/providers"
)

func openTestStore(t *testing.T) (*SessionStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestSaveAndReload(t *testing.T) {
	s, path := openTestStore(t)

	key := "agent:default:telegram:direct:42"
	s.GetOrCreate(key)
	s.AddMessage(key, providers.Message{Role: "user", Content: "hello"})
	s.AddMessage(key, providers.Message{Role: "assistant", Content: "hi"})
	s.UpdateMetadata(key, "claude-sonnet-4-5-20250929", "anthropic", "telegram")
	s.AccumulateTokens(key, 10, 5)
	if err := s.Save(key); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	s.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	hist := reopened.GetHistory(key)
	if len(hist) != 2 || hist[0].Content != "hello" {
		t.Errorf("history = %+v", hist)
	}
	data := reopened.GetOrCreate(key)
	if data.Model != "claude-sonnet-4-5-20250929" || data.InputTokens != 10 {
		t.Errorf("metadata not persisted: %+v", data)
	}
}

func TestDeleteRemovesRow(t *testing.T) {
	s, path := openTestStore(t)

	key := "agent:default:slack:group:C01"
	s.AddMessage(key, providers.Message{Role: "user", Content: "x"})
	if err := s.Save(key); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	s.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if got := reopened.GetHistory(key); got != nil {
		t.Errorf("history after delete = %+v, want nil", got)
	}
}

func TestListFiltersByAgent(t *testing.T) {
	s, _ := openTestStore(t)

	s.AddMessage("agent:default:telegram:direct:1", providers.Message{Role: "user", Content: "a"})
	s.AddMessage("agent:other:telegram:direct:2", providers.Message{Role: "user", Content: "b"})

	got := s.List("default")
	if len(got) != 1 || got[0].Key != "agent:default:telegram:direct:1" {
		t.Errorf("List(default) = %+v", got)
	}
	if all := s.List(""); len(all) != 2 {
		t.Errorf("List(\"\") = %d entries, want 2", len(all))
	}
}

func TestLastUsedChannelSkipsCron(t *testing.T) {
	s, _ := openTestStore(t)

	s.AddMessage("agent:default:telegram:direct:7", providers.Message{Role: "user", Content: "a"})
	s.AddMessage("agent:default:cron:digest", providers.Message{Role: "user", Content: "b"})

	channel, chatID := s.LastUsedChannel("default")
	if channel != "telegram" || chatID != "7" {
		t.Errorf("LastUsedChannel = %q, %q", channel, chatID)
	}
}

func TestTruncateHistory(t *testing.T) {
	s, _ := openTestStore(t)

	key := "agent:default:discord:direct:9"
	for _, c := range []string{"1", "2", "3", "4"} {
		s.AddMessage(key, providers.Message{Role: "user", Content: c})
	}
	s.TruncateHistory(key, 2)

	hist := s.GetHistory(key)
	if len(hist) != 2 || hist[0].Content != "3" {
		t.Errorf("truncated history = %+v", hist)
	}
}

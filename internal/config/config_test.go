package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/chatrelay/internal/followup"
)

// TestLoadMissingFileReturnsDefaults verifies a missing config file is
// not an error.
func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Port != 18790 {
		t.Errorf("default port = %d, want 18790", cfg.Gateway.Port)
	}
	if cfg.Queue.Mode != "collect" {
		t.Errorf("default queue mode = %q, want collect", cfg.Queue.Mode)
	}
}

// TestLoadJSON5 verifies comments and trailing commas parse.
func TestLoadJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
  // queue tuning
  queue: { mode: "followup", cap: 5, },
  gateway: { port: 9000 },
}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.Mode != "followup" || cfg.Queue.Cap != 5 {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.Gateway.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Gateway.Port)
	}
}

// TestResolveQueueSettings verifies per-channel overrides layer on top of
// the base queue config.
func TestResolveQueueSettings(t *testing.T) {
	short := 200
	cfg := Default()
	cfg.Queue.Mode = "collect"
	cfg.Queue.Cap = 10
	cfg.Queue.ByChannel = map[string]QueueOverride{
		"whatsapp": {Mode: "followup", DebounceMs: &short},
	}

	tests := []struct {
		name         string
		channel      string
		wantMode     followup.Mode
		wantDebounce int
		wantCap      int
	}{
		{"base channel", "telegram", followup.ModeCollect, 1000, 10},
		{"overridden channel", "whatsapp", followup.ModeFollowup, 200, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := cfg.ResolveQueueSettings(tt.channel)
			if s.Mode != tt.wantMode {
				t.Errorf("mode = %q, want %q", s.Mode, tt.wantMode)
			}
			if s.DebounceMs != tt.wantDebounce {
				t.Errorf("debounce = %d, want %d", s.DebounceMs, tt.wantDebounce)
			}
			if s.Cap != tt.wantCap {
				t.Errorf("cap = %d, want %d", s.Cap, tt.wantCap)
			}
		})
	}
}

// TestEnvOverrides verifies env vars beat file values and auto-enable
// their channel.
func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHATRELAY_TELEGRAM_TOKEN", "tok-from-env")
	t.Setenv("CHATRELAY_QUEUE_DEBOUNCE_MS", "0")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Channels.Telegram.Token != "tok-from-env" || !cfg.Channels.Telegram.Enabled {
		t.Errorf("telegram = %+v", cfg.Channels.Telegram)
	}
	if cfg.Queue.DebounceMs == nil || *cfg.Queue.DebounceMs != 0 {
		t.Errorf("debounce override not applied: %v", cfg.Queue.DebounceMs)
	}
}

// TestReplaceFromConcurrentReads exercises a live reload racing the hot
// read paths (WS auth, origin checks, session scoping, queue settings).
// Meaningful under -race: every read must go through a lock-guarded
// snapshot or resolver, never a bare field access.
func TestReplaceFromConcurrentReads(t *testing.T) {
	a := Default()
	a.Gateway.Token = "tok-a"
	a.Gateway.AllowedOrigins = []string{"https://a.example"}
	a.Gateway.MaxMessageChars = 100
	a.Sessions.Scope = "per-sender"

	b := Default()
	b.Gateway.Token = "tok-b"
	b.Gateway.AllowedOrigins = []string{"https://b.example"}
	b.Gateway.MaxMessageChars = 200
	b.Sessions.Scope = "global"

	cfg := Default()
	cfg.ReplaceFrom(a)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				gw := cfg.GatewaySnapshot()
				if gw.Token != "tok-a" && gw.Token != "tok-b" {
					t.Errorf("torn gateway read: token = %q", gw.Token)
					return
				}
				if len(gw.AllowedOrigins) != 1 {
					t.Errorf("torn gateway read: origins = %v", gw.AllowedOrigins)
					return
				}
				if sc := cfg.SessionsSnapshot().Scope; sc != "per-sender" && sc != "global" {
					t.Errorf("torn sessions read: scope = %q", sc)
					return
				}
				cfg.ResolveQueueSettings("telegram")
			}
		}()
	}

	for i := range 500 {
		if i%2 == 0 {
			cfg.ReplaceFrom(b)
		} else {
			cfg.ReplaceFrom(a)
		}
	}
	close(done)
	wg.Wait()
}

// TestMaskedCopy verifies secrets are masked and originals untouched.
func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Providers.Anthropic.APIKey = "sk-real"
	cfg.Channels.Slack.BotToken = "xoxb-real"

	cp := cfg.MaskedCopy()
	if cp.Providers.Anthropic.APIKey != "***" || cp.Channels.Slack.BotToken != "***" {
		t.Errorf("secrets not masked: %q, %q", cp.Providers.Anthropic.APIKey, cp.Channels.Slack.BotToken)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-real" {
		t.Error("original mutated by MaskedCopy")
	}
}

package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureHomeFilesSeedsOnce(t *testing.T) {
	dir := t.TempDir()

	created, err := EnsureHomeFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 2 {
		t.Fatalf("created = %v, want config + system prompt", created)
	}

	// A user edit must survive re-seeding.
	cfgPath := filepath.Join(dir, ConfigFile)
	if err := os.WriteFile(cfgPath, []byte("{edited: true}"), 0644); err != nil {
		t.Fatal(err)
	}

	created, err = EnsureHomeFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 0 {
		t.Errorf("second seed created %v, want nothing", created)
	}

	data, _ := os.ReadFile(cfgPath)
	if string(data) != "{edited: true}" {
		t.Error("seeding overwrote an existing file")
	}
}

func TestLoadSystemPrompt(t *testing.T) {
	dir := t.TempDir()

	if got := LoadSystemPrompt(dir); got != "" {
		t.Errorf("missing file should yield empty prompt, got %q", got)
	}

	if _, err := EnsureHomeFiles(dir); err != nil {
		t.Fatal(err)
	}
	got := LoadSystemPrompt(dir)
	if !strings.Contains(got, "Queued messages while agent was busy") {
		t.Errorf("seeded prompt missing queue guidance: %q", got)
	}
}

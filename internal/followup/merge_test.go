package followup

import (
	"strings"
	"testing"
)

// TestBuildUnitsCollectMergesSameDestination verifies that runs for one
// destination collapse into a single merged prompt in enqueue order.
func TestBuildUnitsCollectMergesSameDestination(t *testing.T) {
	runs := []Run{
		{Prompt: "one", Channel: "telegram", To: "123"},
		{Prompt: "two", Channel: "telegram", To: "123"},
	}

	units := buildUnits(runs, ModeCollect)
	if len(units) != 1 {
		t.Fatalf("expected 1 unit, got %d", len(units))
	}

	want := "[Queued messages while agent was busy]\nQueued #1\none\nQueued #2\ntwo"
	if units[0].Prompt != want {
		t.Errorf("merged prompt = %q, want %q", units[0].Prompt, want)
	}
	if len(units[0].Runs) != 2 {
		t.Errorf("unit members = %d, want 2", len(units[0].Runs))
	}
}

// TestBuildUnitsCollectKeepsSingletonVerbatim verifies a single-run group
// is delivered with its original prompt, no header.
func TestBuildUnitsCollectKeepsSingletonVerbatim(t *testing.T) {
	units := buildUnits([]Run{{Prompt: "hello there", Channel: "discord", To: "c1"}}, ModeCollect)
	if len(units) != 1 {
		t.Fatalf("expected 1 unit, got %d", len(units))
	}
	if units[0].Prompt != "hello there" {
		t.Errorf("singleton prompt = %q, want %q", units[0].Prompt, "hello there")
	}
}

// TestBuildUnitsCollectSplitsDestinations verifies runs for different
// destinations become separate units with literal prompts.
func TestBuildUnitsCollectSplitsDestinations(t *testing.T) {
	runs := []Run{
		{Prompt: "one", Channel: "telegram", To: "123"},
		{Prompt: "two", Channel: "telegram", To: "456"},
	}

	units := buildUnits(runs, ModeCollect)
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}
	if units[0].Prompt != "one" || units[1].Prompt != "two" {
		t.Errorf("prompts = %q, %q; want literal one, two", units[0].Prompt, units[1].Prompt)
	}
	if units[0].To != "123" || units[1].To != "456" {
		t.Errorf("destinations = %q, %q", units[0].To, units[1].To)
	}
}

// TestBuildUnitsThreadGrouping covers thread identity in partitioning:
// only slack threads split groups, and a defined thread never co-groups
// with an undefined or different one.
func TestBuildUnitsThreadGrouping(t *testing.T) {
	tests := []struct {
		name      string
		a, b      Run
		wantUnits int
	}{
		{
			name:      "slack both unthreaded",
			a:         Run{Prompt: "a", Channel: "slack", To: "C1"},
			b:         Run{Prompt: "b", Channel: "slack", To: "C1"},
			wantUnits: 1,
		},
		{
			name:      "slack same thread",
			a:         Run{Prompt: "a", Channel: "slack", To: "C1", Thread: ThreadFromString("171.001")},
			b:         Run{Prompt: "b", Channel: "slack", To: "C1", Thread: ThreadFromString("171.001")},
			wantUnits: 1,
		},
		{
			name:      "slack different threads",
			a:         Run{Prompt: "a", Channel: "slack", To: "C1", Thread: ThreadFromString("171.001")},
			b:         Run{Prompt: "b", Channel: "slack", To: "C1", Thread: ThreadFromString("171.002")},
			wantUnits: 2,
		},
		{
			name:      "slack threaded vs unthreaded",
			a:         Run{Prompt: "a", Channel: "slack", To: "C1", Thread: ThreadFromString("171.001")},
			b:         Run{Prompt: "b", Channel: "slack", To: "C1"},
			wantUnits: 2,
		},
		{
			name:      "non-slack ignores threads",
			a:         Run{Prompt: "a", Channel: "telegram", To: "123", Thread: ThreadFromInt(7)},
			b:         Run{Prompt: "b", Channel: "telegram", To: "123", Thread: ThreadFromInt(8)},
			wantUnits: 1,
		},
		{
			name:      "different channels never co-group",
			a:         Run{Prompt: "a", Channel: "telegram", To: "123"},
			b:         Run{Prompt: "b", Channel: "discord", To: "123"},
			wantUnits: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			units := buildUnits([]Run{tt.a, tt.b}, ModeCollect)
			if len(units) != tt.wantUnits {
				t.Errorf("got %d units, want %d", len(units), tt.wantUnits)
			}
		})
	}
}

// TestBuildUnitsFollowupMode verifies each run becomes its own unit in
// enqueue order, even when destinations match.
func TestBuildUnitsFollowupMode(t *testing.T) {
	runs := []Run{
		{Prompt: "one", Channel: "whatsapp", To: "49170"},
		{Prompt: "two", Channel: "whatsapp", To: "49170"},
		{Prompt: "three", Channel: "whatsapp", To: "49171"},
	}

	units := buildUnits(runs, ModeFollowup)
	if len(units) != 3 {
		t.Fatalf("expected 3 units, got %d", len(units))
	}
	for i, want := range []string{"one", "two", "three"} {
		if units[i].Prompt != want {
			t.Errorf("unit %d prompt = %q, want %q", i, units[i].Prompt, want)
		}
	}
}

// TestBuildUnitsDoesNotMutatePrompts verifies merging never rewrites the
// queued runs themselves.
func TestBuildUnitsDoesNotMutatePrompts(t *testing.T) {
	runs := []Run{
		{Prompt: "one", Channel: "telegram", To: "1"},
		{Prompt: "two", Channel: "telegram", To: "1"},
	}
	buildUnits(runs, ModeCollect)
	if runs[0].Prompt != "one" || runs[1].Prompt != "two" {
		t.Errorf("prompts mutated: %q, %q", runs[0].Prompt, runs[1].Prompt)
	}
}

// TestOverflowNotice checks the dropped-message summary, including the
// singular/plural form.
func TestOverflowNotice(t *testing.T) {
	tests := []struct {
		name    string
		entries []DroppedEntry
		want    string
	}{
		{
			name:    "empty",
			entries: nil,
			want:    "",
		},
		{
			name:    "single",
			entries: []DroppedEntry{{Preview: "first"}},
			want:    "[Queue overflow] Dropped 1 message due to cap.\n- first",
		},
		{
			name:    "multiple",
			entries: []DroppedEntry{{Preview: "first"}, {Preview: "second"}},
			want:    "[Queue overflow] Dropped 2 messages due to cap.\n- first\n- second",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := overflowNotice(tt.entries); got != tt.want {
				t.Errorf("overflowNotice() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestPreviewOf checks the single-line cap applied to evicted prompts.
func TestPreviewOf(t *testing.T) {
	multiline := "line one\nline two\ttabbed"
	if got := previewOf(multiline); got != "line one line two tabbed" {
		t.Errorf("previewOf(multiline) = %q", got)
	}

	long := strings.Repeat("x", 500)
	if got := previewOf(long); len([]rune(got)) != previewRunes {
		t.Errorf("previewOf(long) length = %d, want %d", len([]rune(got)), previewRunes)
	}
}

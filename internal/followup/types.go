// Package followup implements the per-session reply queue that sits between
// bursty channel inbound and the single-flight agent scheduler.
//
// While an agent run is in flight for a session, new messages are enqueued
// as followup runs. A debounced drain later partitions the queue by
// originating destination, merges or replays the runs per the session's
// queue mode, and hands each delivery unit to the scheduler one at a time.
//
// Keys are independent: one queue, one debounce timer and at most one
// in-flight drain per key.
package followup

import (
	"strconv"
	"strings"
	"time"
)

// Mode controls how queued runs are turned into delivery units.
type Mode string

const (
	// ModeCollect merges all runs for one destination into a single
	// prompt per drain pass.
	ModeCollect Mode = "collect"
	// ModeFollowup replays each queued run as its own delivery unit.
	ModeFollowup Mode = "followup"
)

// DedupeMode controls duplicate detection on enqueue.
type DedupeMode string

const (
	// DedupeByMessageID only treats runs with an identical non-empty
	// message ID as duplicates.
	DedupeByMessageID DedupeMode = "messageId"
	// DedupeByPrompt additionally dedupes runs without a message ID by
	// prompt + originating channel + originating to.
	DedupeByPrompt DedupeMode = "prompt"
)

// ThreadID is an optional thread identifier. Channels deliver it as either
// a string (slack thread_ts) or a number (telegram topic), so it is
// normalized to a string at the edge.
type ThreadID struct {
	Defined bool
	Value   string
}

// ThreadFromString returns a defined ThreadID carrying s.
func ThreadFromString(s string) ThreadID {
	return ThreadID{Defined: true, Value: s}
}

// ThreadFromInt returns a defined ThreadID carrying the decimal form of n.
func ThreadFromInt(n int64) ThreadID {
	return ThreadID{Defined: true, Value: strconv.FormatInt(n, 10)}
}

func (t ThreadID) String() string {
	if !t.Defined {
		return ""
	}
	return t.Value
}

// Run is one queued followup request.
type Run struct {
	// Prompt is the user-visible message text. Never mutated after
	// admission; merged prompts are always built fresh.
	Prompt string

	// MessageID is the channel-native message ID when the producer has
	// one. Empty means unknown.
	MessageID string

	// EnqueuedAt is stamped at admission.
	EnqueuedAt time.Time

	// Originating destination. Channel and To drive partitioning; Thread
	// participates only for slack.
	Channel   string
	To        string
	AccountID string
	Thread    ThreadID

	// Payload is carried through the queue untouched and handed back
	// with the delivery unit.
	Payload any

	// seq is assigned at admission; it identifies the run inside its
	// queue so a delivered unit removes exactly its own members.
	seq uint64
}

// DroppedEntry records a run evicted by the cap.
type DroppedEntry struct {
	Preview   string
	DroppedAt time.Time
}

// Settings are the per-key queue settings. Producers pass them on every
// call so per-session overrides take effect without queue-side config.
type Settings struct {
	Mode       Mode
	DebounceMs int
	Cap        int
	DropPolicy string // "summarize" is the only policy
	DedupeMode DedupeMode
}

// DefaultSettings mirror the gateway's stock queue configuration.
func DefaultSettings() Settings {
	return Settings{
		Mode:       ModeCollect,
		DebounceMs: 1000,
		Cap:        20,
		DropPolicy: "summarize",
		DedupeMode: DedupeByMessageID,
	}
}

func (s Settings) normalized() Settings {
	d := DefaultSettings()
	if s.Mode != ModeCollect && s.Mode != ModeFollowup {
		s.Mode = d.Mode
	}
	if s.DebounceMs < 0 {
		s.DebounceMs = 0
	}
	if s.Cap <= 0 {
		s.Cap = d.Cap
	}
	if s.DropPolicy == "" {
		s.DropPolicy = d.DropPolicy
	}
	if s.DedupeMode != DedupeByMessageID && s.DedupeMode != DedupeByPrompt {
		s.DedupeMode = d.DedupeMode
	}
	return s
}

const previewRunes = 120

// previewOf flattens a prompt to a single line capped at previewRunes.
func previewOf(prompt string) string {
	flat := strings.Join(strings.Fields(prompt), " ")
	runes := []rune(flat)
	if len(runes) <= previewRunes {
		return flat
	}
	return string(runes[:previewRunes])
}

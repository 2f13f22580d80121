package followup

import (
	"fmt"
	"strings"
)

// mergedHeader opens every multi-run collect prompt.
const mergedHeader = "[Queued messages while agent was busy]"

// Unit is one delivery to the agent scheduler: either a single replayed
// run or a merged group of runs sharing a destination.
type Unit struct {
	// Prompt is the text to deliver. For a merged unit it is built fresh
	// from the member prompts; a single-run unit keeps its prompt verbatim.
	Prompt string

	// Notice is the overflow summary, attached to the first unit of a
	// drain pass only. Empty otherwise.
	Notice string

	// Runs are the member runs in enqueue order.
	Runs []Run

	// Destination, copied from the members (identical within a unit).
	Channel   string
	To        string
	AccountID string
	Thread    ThreadID
}

// destKey groups runs by originating destination. Thread identity
// participates only for slack: two undefined threads co-group, and a
// defined thread never co-groups with an undefined or different one.
// Every other channel threads into the main conversation, so thread is
// ignored there.
func destKey(r Run) string {
	k := r.Channel + "\x1f" + r.To
	if r.Channel == "slack" && r.Thread.Defined {
		k += "\x1fthread\x1f" + r.Thread.Value
	}
	return k
}

// buildUnits partitions runs into delivery units.
//
// Unit order follows the enqueue position of each unit's earliest member.
// In collect mode each destination group becomes one unit with a merged
// prompt; in followup mode every run is its own unit.
func buildUnits(runs []Run, mode Mode) []Unit {
	if mode == ModeFollowup {
		units := make([]Unit, 0, len(runs))
		for _, r := range runs {
			units = append(units, Unit{
				Prompt:    r.Prompt,
				Runs:      []Run{r},
				Channel:   r.Channel,
				To:        r.To,
				AccountID: r.AccountID,
				Thread:    r.Thread,
			})
		}
		return units
	}

	// collect: group by destination, preserving first-seen order.
	var order []string
	groups := make(map[string][]Run)
	for _, r := range runs {
		k := destKey(r)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	units := make([]Unit, 0, len(order))
	for _, k := range order {
		members := groups[k]
		first := members[0]
		units = append(units, Unit{
			Prompt:    mergePrompts(members),
			Runs:      members,
			Channel:   first.Channel,
			To:        first.To,
			AccountID: first.AccountID,
			Thread:    first.Thread,
		})
	}
	return units
}

// mergePrompts builds the collect-mode prompt. A single run passes
// through unmodified; the member prompts themselves are never touched.
func mergePrompts(members []Run) string {
	if len(members) == 1 {
		return members[0].Prompt
	}
	var b strings.Builder
	b.WriteString(mergedHeader)
	for i, r := range members {
		fmt.Fprintf(&b, "\nQueued #%d\n%s", i+1, r.Prompt)
	}
	return b.String()
}

// overflowNotice renders the dropped-message summary attached to the
// first unit of a drain pass.
func overflowNotice(entries []DroppedEntry) string {
	if len(entries) == 0 {
		return ""
	}
	noun := "messages"
	if len(entries) == 1 {
		noun = "message"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[Queue overflow] Dropped %d %s due to cap.", len(entries), noun)
	for _, e := range entries {
		b.WriteString("\n- ")
		b.WriteString(e.Preview)
	}
	return b.String()
}

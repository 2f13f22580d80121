package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatrelay/internal/agent"
	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/channels"
	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/cron"
	"github.com/nextlevelbuilder/chatrelay/internal/followup"
	"github.com/nextlevelbuilder/chatrelay/internal/gateway"
	"github.com/nextlevelbuilder/chatrelay/internal/scheduler"
	"github.com/nextlevelbuilder/chatrelay/internal/sessions"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

// dedupeTTL bounds how long a platform message ID suppresses redelivery.
const dedupeTTL = 20 * time.Minute

// pipeline routes inbound messages: run now when the session is idle,
// queue as a followup when a run is already in flight. The session key
// doubles as the queue key, so one conversation drains through one
// logical thread.
type pipeline struct {
	cfg     *config.Config
	bus     *bus.MessageBus
	sched   *scheduler.Scheduler
	queues  *followup.Queues
	runners map[string]*agent.Runner
	store   store.SessionStore
	limits  *gateway.RateLimiter
	log     *slog.Logger
}

// consume reads inbound messages until ctx ends. Blocks.
func (p *pipeline) consume(ctx context.Context) {
	p.log.Info("inbound consumer started")
	dedupe := bus.NewDedupeCache(dedupeTTL, 5000)

	for {
		msg, ok := p.bus.ConsumeInbound(ctx)
		if !ok {
			p.log.Info("inbound consumer stopped")
			return
		}

		if msg.MessageID != "" && dedupe.Seen(bus.DedupeKey(msg)) {
			p.log.Debug("duplicate inbound dropped", "channel", msg.Channel, "message_id", msg.MessageID)
			continue
		}

		p.handle(ctx, msg)
	}
}

// handle admits one inbound message. Never blocks on agent work: busy
// sessions enqueue, idle sessions run on their own goroutine.
func (p *pipeline) handle(ctx context.Context, msg bus.InboundMessage) {
	// Platform senders get per-sender throttling; WS clients are already
	// limited at the connection.
	if p.limits != nil && !channels.IsInternalChannel(msg.Channel) {
		if !p.limits.Allow(msg.Channel + ":" + msg.SenderID) {
			p.log.Warn("inbound: rate limited", "channel", msg.Channel, "sender", msg.SenderID)
			return
		}
	}

	content := msg.Content
	if max := p.cfg.GatewaySnapshot().MaxMessageChars; max > 0 {
		content = truncateMessage(content, max)
	}

	agentID := msg.AgentID
	if agentID == "" {
		agentID = p.cfg.ResolveDefaultAgentID()
	}
	if _, ok := p.runners[agentID]; !ok {
		p.log.Warn("inbound: agent not found", "agent", agentID, "channel", msg.Channel)
		return
	}

	key := p.sessionKey(agentID, msg)
	settings := p.cfg.ResolveQueueSettings(msg.Channel)

	run := followup.Run{
		Prompt:    content,
		MessageID: msg.MessageID,
		Channel:   msg.Channel,
		To:        msg.ChatID,
		AccountID: msg.AccountID,
		Thread:    threadOf(msg),
	}

	if p.sched.IsBusy(key) || p.queues.Depth(key) > 0 {
		if p.queues.Enqueue(key, run, settings) {
			p.log.Info("inbound: queued behind active run",
				"key", key, "depth", p.queues.Depth(key), "channel", msg.Channel)
		}
		// Arm the drain either way: a duplicate still needs the pending
		// queue to flush once the active run finishes.
		p.queues.ScheduleDrain(ctx, key, settings, p.deliver)
		return
	}

	p.log.Info("inbound: running directly", "key", key, "channel", msg.Channel)
	go p.runAndReply(ctx, key, scheduler.LaneMain, run.Prompt, outDest{
		channel:  msg.Channel,
		chatID:   msg.ChatID,
		threadID: msg.ThreadID,
	})
}

// sessionKey derives the session/queue key for a message. Telegram forum
// topics get their own key so topic conversations don't interleave.
func (p *pipeline) sessionKey(agentID string, msg bus.InboundMessage) string {
	if name := msg.Metadata["cron_job"]; name != "" {
		return sessions.BuildCronSessionKey(agentID, name)
	}

	kind := sessions.PeerKind(msg.PeerKind)
	if kind == "" {
		kind = sessions.PeerDirect
	}
	if kind == sessions.PeerGroup && msg.Channel == "telegram" && msg.ThreadNum > 0 {
		return sessions.BuildGroupTopicSessionKey(agentID, msg.Channel, msg.ChatID, msg.ThreadNum)
	}
	s := p.cfg.SessionsSnapshot()
	return sessions.BuildScopedSessionKey(agentID, msg.Channel, kind, msg.ChatID, s.Scope, s.DmScope, s.MainKey)
}

// truncateMessage caps content at max runes. Cutting by rune keeps a
// multi-byte character from being split into invalid UTF-8.
func truncateMessage(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func threadOf(msg bus.InboundMessage) followup.ThreadID {
	if msg.ThreadID != "" {
		return followup.ThreadFromString(msg.ThreadID)
	}
	if msg.ThreadNum > 0 {
		return followup.ThreadFromInt(msg.ThreadNum)
	}
	return followup.ThreadID{}
}

// deliver hands one drained unit to the agent. An error keeps the unit
// queued; the drain retries from live state with backoff.
func (p *pipeline) deliver(ctx context.Context, key string, unit followup.Unit) error {
	runner, err := p.runnerForKey(key)
	if err != nil {
		return err
	}

	prompt := unit.Prompt
	if unit.Notice != "" {
		prompt = unit.Notice + "\n\n" + prompt
	}

	var result *agent.RunResult
	err = p.sched.Run(ctx, key, scheduler.LaneMain, func(runCtx context.Context) error {
		var runErr error
		result, runErr = runner.Run(runCtx, agent.RunRequest{
			SessionKey: key,
			Message:    prompt,
			Channel:    unit.Channel,
		})
		return runErr
	})
	if err != nil {
		return err
	}

	p.publishReply(unit.Channel, unit.To, unit.Thread.String(), result.Content)
	return nil
}

// outDest is where a direct run's reply goes.
type outDest struct {
	channel  string
	chatID   string
	threadID string
}

// runAndReply executes a direct (unqueued) run and publishes the reply.
// The scheduler still serializes it against any racing run on the key.
func (p *pipeline) runAndReply(ctx context.Context, key string, lane scheduler.Lane, prompt string, dest outDest) {
	runner, err := p.runnerForKey(key)
	if err != nil {
		p.log.Warn("run skipped", "key", key, "error", err)
		return
	}

	var result *agent.RunResult
	err = p.sched.Run(ctx, key, lane, func(runCtx context.Context) error {
		var runErr error
		result, runErr = runner.Run(runCtx, agent.RunRequest{
			SessionKey: key,
			Message:    prompt,
			Channel:    dest.channel,
		})
		return runErr
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			p.log.Info("run cancelled", "key", key)
			return
		}
		p.log.Error("agent run failed", "key", key, "error", err)
		p.publishReply(dest.channel, dest.chatID, dest.threadID, formatAgentError(err))
		return
	}

	p.publishReply(dest.channel, dest.chatID, dest.threadID, result.Content)
}

// publishReply routes a reply to its channel. Internal channels (cli,
// system) have no adapter; their callers watch agent events instead.
func (p *pipeline) publishReply(channel, chatID, threadID, content string) {
	if content == "" || channels.IsInternalChannel(channel) {
		return
	}
	p.bus.PublishOutbound(bus.OutboundMessage{
		Channel:  channel,
		ChatID:   chatID,
		ThreadID: threadID,
		Content:  content,
	})
}

// runCronJob feeds a scheduled prompt through the same admission path as
// chat, so a busy agent queues it instead of running concurrently.
func (p *pipeline) runCronJob(ctx context.Context, job cron.Job) error {
	agentID := job.AgentID
	if agentID == "" {
		agentID = p.cfg.ResolveDefaultAgentID()
	}

	// No explicit target: deliver where the agent last talked, falling
	// back to the internal system channel (result stays in the session).
	channel, to := job.Channel, job.To
	if channel == "" {
		if ch, chat := p.store.LastUsedChannel(agentID); ch != "" {
			channel = ch
			if to == "" {
				to = chat
			}
		} else {
			channel = channels.ChannelSystem
		}
	}

	p.handle(ctx, bus.InboundMessage{
		Channel:   channel,
		SenderID:  "cron:" + job.Name,
		ChatID:    to,
		MessageID: fmt.Sprintf("cron-%s-%s", job.Name, uuid.NewString()[:8]),
		Content:   job.Prompt,
		PeerKind:  string(sessions.PeerDirect),
		AgentID:   agentID,
		Metadata:  map[string]string{"cron_job": job.Name},
	})
	return nil
}

func (p *pipeline) runnerForKey(key string) (*agent.Runner, error) {
	agentID, _ := sessions.ParseSessionKey(key)
	if agentID == "" {
		agentID = p.cfg.ResolveDefaultAgentID()
	}
	runner, ok := p.runners[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s not found", agentID)
	}
	return runner, nil
}

// formatAgentError turns a run failure into a user-facing reply.
func formatAgentError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "The request timed out. Please try again."
	}
	return "Something went wrong handling your message. Please try again."
}

// Package discord connects to the Discord gateway via discordgo.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/channels"
	"github.com/nextlevelbuilder/chatrelay/internal/config"
)

// Channel connects to Discord and relays messages through the bus.
type Channel struct {
	*channels.BaseChannel
	session        *discordgo.Session
	config         config.DiscordConfig
	requireMention bool
}

// New creates a new Discord channel from config.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	c := &Channel{
		BaseChannel:    channels.NewBaseChannel("discord", msgBus, cfg.AllowFrom),
		session:        session,
		config:         cfg,
		requireMention: requireMention,
	}
	session.AddHandler(c.onMessageCreate)
	return c, nil
}

// Start opens the Discord gateway connection.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord channel")

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	c.SetRunning(true)
	if c.session.State != nil && c.session.State.User != nil {
		slog.Info("discord connected", "username", c.session.State.User.Username)
	}
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord channel")
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers an outbound message to a Discord channel. Long content
// is split at Discord's 2000 character message limit.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	for _, chunk := range splitMessage(msg.Content, 2000) {
		if _, err := c.session.ChannelMessageSend(msg.ChatID, chunk); err != nil {
			return fmt.Errorf("discord send to %s: %w", msg.ChatID, err)
		}
	}
	return nil
}

func (c *Channel) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	isGuild := m.GuildID != ""
	peerKind := "direct"
	if isGuild {
		peerKind = "group"
	}

	senderID := m.Author.ID
	if m.Author.Username != "" {
		senderID = m.Author.ID + "|" + m.Author.Username
	}

	if !c.CheckPolicy(peerKind, c.config.DMPolicy, c.config.GroupPolicy, senderID) {
		slog.Debug("discord message rejected by policy",
			"user_id", m.Author.ID, "channel_id", m.ChannelID, "peer_kind", peerKind)
		return
	}

	content := m.Content

	// Mention gating in guild channels.
	if isGuild && c.requireMention {
		botID := ""
		if s.State != nil && s.State.User != nil {
			botID = s.State.User.ID
		}
		mentioned := false
		for _, u := range m.Mentions {
			if u.ID == botID {
				mentioned = true
				break
			}
		}
		if !mentioned {
			return
		}
		content = stripMention(content, botID)
	}

	if strings.TrimSpace(content) == "" {
		return
	}

	slog.Debug("discord message received",
		"channel_id", m.ChannelID,
		"user_id", m.Author.ID,
		"preview", channels.Truncate(content, 60),
	)

	c.HandleMessage(bus.InboundMessage{
		SenderID:  senderID,
		ChatID:    m.ChannelID,
		MessageID: m.ID,
		Content:   content,
		PeerKind:  peerKind,
	})
}

// stripMention removes the bot mention token (<@id> or <@!id>) from content.
func stripMention(content, botID string) string {
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	return strings.TrimSpace(content)
}

// splitMessage breaks content into chunks no longer than limit,
// preferring newline boundaries.
func splitMessage(content string, limit int) []string {
	if len(content) <= limit {
		return []string{content}
	}

	var parts []string
	for len(content) > limit {
		cut := strings.LastIndex(content[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		parts = append(parts, content[:cut])
		content = strings.TrimLeft(content[cut:], "\n")
	}
	if content != "" {
		parts = append(parts, content)
	}
	return parts
}

package telegram

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/channels"
)

// handleMessage processes an incoming Telegram update.
func (c *Channel) handleMessage(update telego.Update) {
	message := update.Message
	if message == nil || isServiceMessage(message) {
		return
	}

	user := message.From
	if user == nil {
		return
	}

	userID := fmt.Sprintf("%d", user.ID)
	senderID := userID
	if user.Username != "" {
		senderID = fmt.Sprintf("%s|%s", userID, user.Username)
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"

	// Forum topic detection. Non-forum groups ignore message_thread_id
	// (it is reply context there, not a topic); forum groups without one
	// belong to the General topic.
	isForum := isGroup && message.Chat.IsForum
	messageThreadID := 0
	if isForum {
		messageThreadID = message.MessageThreadID
		if messageThreadID == 0 {
			messageThreadID = telegramGeneralTopicID
		}
	}

	peerKind := "direct"
	if isGroup {
		peerKind = "group"
	}

	if !c.CheckPolicy(peerKind, c.config.DMPolicy, c.config.GroupPolicy, senderID) {
		slog.Debug("telegram message rejected by policy",
			"user_id", userID, "chat_id", message.Chat.ID, "peer_kind", peerKind)
		return
	}

	content := message.Text
	if message.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += message.Caption
	}
	if content == "" {
		return
	}

	// Mention gating in groups: only respond when addressed.
	if isGroup && c.requireMention {
		mentioned, stripped := c.detectMention(message)
		isReplyToBot := message.ReplyToMessage != nil &&
			message.ReplyToMessage.From != nil &&
			message.ReplyToMessage.From.ID == c.bot.ID()
		if !mentioned && !isReplyToBot {
			slog.Debug("telegram group message skipped (no mention)", "chat_id", message.Chat.ID)
			return
		}
		if stripped != "" {
			content = stripped
		}
	}

	chatIDStr := fmt.Sprintf("%d", message.Chat.ID)

	slog.Debug("telegram message received",
		"chat_id", chatIDStr,
		"user_id", userID,
		"thread_id", messageThreadID,
		"preview", channels.Truncate(content, 60),
	)

	c.HandleMessage(bus.InboundMessage{
		SenderID:  senderID,
		ChatID:    chatIDStr,
		MessageID: fmt.Sprintf("%d", message.MessageID),
		ThreadNum: int64(messageThreadID),
		Content:   content,
		PeerKind:  peerKind,
	})
}

// detectMention checks whether the bot is @mentioned and returns the
// text with the mention removed.
func (c *Channel) detectMention(msg *telego.Message) (bool, string) {
	botUsername := c.bot.Username()
	if botUsername == "" {
		return false, ""
	}
	mention := "@" + botUsername

	text := msg.Text
	entities := msg.Entities
	if text == "" {
		text = msg.Caption
		entities = msg.CaptionEntities
	}

	for _, e := range entities {
		if e.Type != telego.EntityTypeMention {
			continue
		}
		if e.Offset+e.Length > len(text) {
			continue
		}
		if strings.EqualFold(text[e.Offset:e.Offset+e.Length], mention) {
			stripped := strings.TrimSpace(text[:e.Offset] + text[e.Offset+e.Length:])
			return true, stripped
		}
	}
	return false, ""
}

// isServiceMessage reports member-change and similar updates that carry
// no user content.
func isServiceMessage(msg *telego.Message) bool {
	return len(msg.NewChatMembers) > 0 ||
		msg.LeftChatMember != nil ||
		msg.NewChatTitle != "" ||
		msg.GroupChatCreated ||
		msg.SupergroupChatCreated ||
		msg.PinnedMessage != nil
}

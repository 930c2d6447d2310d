// Package discord is the Discord adapter built on discordgo's gateway
// session.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/channels"
	"github.com/nextlevelbuilder/switchboard/internal/config"
)

// discordMaxMessage is Discord's hard message length limit.
const discordMaxMessage = 2000

// Channel is the Discord adapter.
type Channel struct {
	*channels.BaseChannel
	cfg     config.DiscordConfig
	session *discordgo.Session
	botID   string
	botName string
}

// New creates the adapter.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", msgBus, cfg.AllowFrom),
		cfg:         cfg,
		session:     session,
	}, nil
}

// Start opens the gateway session.
func (c *Channel) Start(ctx context.Context) error {
	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("discord identity: %w", err)
	}
	c.botID = user.ID
	c.botName = user.Username
	c.SetRunning(true)
	slog.Info("discord bot connected", "username", c.botName)
	return nil
}

// Stop closes the session.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	fromMe := m.Author.ID == c.botID
	if fromMe {
		return // own messages are not scheduled
	}
	if m.Author.Bot {
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
	if !c.CheckPolicy(peerKind, c.cfg.DMPolicy, c.cfg.GroupPolicy, senderID) {
		return
	}

	env := &bus.Envelope{
		Channel:    "discord",
		AccountID:  c.botID,
		Sender:     bus.Sender{ID: senderID, Name: resolveDisplayName(m)},
		PeerKind:   peerKind,
		ChatID:     m.ChannelID,
		Text:       m.Content,
		MessageID:  m.ID,
		ReceivedAt: messageTime(m),
		WasMentioned: mentionsUser(m, c.botID),
	}
	if isGuild {
		env.GroupID = m.GuildID
		env.ChatIdentifier = m.ChannelID
		// Thread channels carry their parent in the channel object; the
		// channel id itself is the thread id.
		if ch, err := c.session.State.Channel(m.ChannelID); err == nil && ch.IsThread() {
			env.ThreadID = m.ChannelID
			env.ChatID = ch.ParentID
		}
	}
	if r := m.ReferencedMessage; r != nil {
		ref := &bus.ReplyRef{ID: r.ID, Body: r.Content}
		if r.Author != nil {
			ref.Sender = r.Author.Username
		}
		env.ReplyTo = ref
	}
	for i, att := range m.Attachments {
		env.Attachments = append(env.Attachments, bus.Attachment{
			Kind:  attachmentKind(att.ContentType),
			URL:   att.URL,
			MIME:  att.ContentType,
			Index: i,
		})
	}

	c.PublishEnvelope(env)
}

func messageTime(m *discordgo.MessageCreate) time.Time {
	if !m.Timestamp.IsZero() {
		return m.Timestamp
	}
	return time.Now()
}

func mentionsUser(m *discordgo.MessageCreate, id string) bool {
	for _, u := range m.Mentions {
		if u.ID == id {
			return true
		}
	}
	return false
}

func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func attachmentKind(contentType string) bus.AttachmentKind {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return bus.AttachmentImage
	case strings.HasPrefix(contentType, "audio/"):
		return bus.AttachmentAudio
	case strings.HasPrefix(contentType, "video/"):
		return bus.AttachmentVideo
	default:
		return bus.AttachmentFile
	}
}

// Send delivers one outbound message, chunked to Discord's length limit.
// The thread id, when present, addresses the thread channel directly.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	channelID := msg.ChatID
	if msg.ThreadID != "" {
		channelID = msg.ThreadID
	}

	chunks := chunkMessage(msg.Payload.Text, discordMaxMessage)
	for i, chunk := range chunks {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && msg.Payload.ReplyToID != "" {
			send.Reference = &discordgo.MessageReference{MessageID: msg.Payload.ReplyToID, ChannelID: channelID}
		}
		if _, err := c.session.ChannelMessageSendComplex(channelID, send); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}

	for _, mediaURL := range msg.Payload.MediaURLs {
		if _, err := c.session.ChannelMessageSend(channelID, mediaURL); err != nil {
			slog.Error("discord media send failed", "url", mediaURL, "error", err)
		}
	}
	if msg.Payload.MediaURL != "" {
		if _, err := c.session.ChannelMessageSend(channelID, msg.Payload.MediaURL); err != nil {
			slog.Error("discord media send failed", "url", msg.Payload.MediaURL, "error", err)
		}
	}
	return nil
}

// chunkMessage splits text on line boundaries under the length limit.
func chunkMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	var cur strings.Builder
	for _, line := range strings.Split(text, "\n") {
		for len(line) > limit {
			if cur.Len() > 0 {
				chunks = append(chunks, cur.String())
				cur.Reset()
			}
			chunks = append(chunks, line[:limit])
			line = line[limit:]
		}
		if cur.Len()+len(line)+1 > limit {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n")
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// PushStatus renders the typing indicator.
func (c *Channel) PushStatus(update bus.StatusUpdate) {
	if update.Kind != bus.StatusTyping && update.Kind != bus.StatusThinking {
		return
	}
	if err := c.session.ChannelTyping(update.ChatID); err != nil {
		slog.Debug("discord typing failed", "error", err)
	}
}

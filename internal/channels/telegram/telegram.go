// Package telegram is the Telegram adapter: long-polled updates become
// normalized envelopes; outbound payloads become sendMessage/sendPhoto
// calls with forum-topic threading.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/channels"
	"github.com/nextlevelbuilder/switchboard/internal/config"
)

// generalTopicID is the fixed id of the "General" topic in forum
// supergroups. Telegram rejects sends that name it explicitly.
const generalTopicID = 1

// Channel is the Telegram adapter.
type Channel struct {
	*channels.BaseChannel
	cfg config.TelegramConfig
	bot *telego.Bot

	accountID  string
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the adapter.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token required")
	}
	bot, err := telego.NewBot(cfg.Token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom),
		cfg:         cfg,
		bot:         bot,
	}, nil
}

// Start begins long polling.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	c.accountID = c.bot.Username()
	slog.Info("telegram bot connected", "username", c.accountID)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the goroutine so Telegram releases
// the getUpdates lock before a successor starts.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (c *Channel) handleMessage(message *telego.Message) {
	user := message.From
	if user == nil {
		return
	}

	userID := strconv.FormatInt(user.ID, 10)
	senderID := userID
	if user.Username != "" {
		senderID = userID + "|" + user.Username
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	peerKind := "direct"
	if isGroup {
		peerKind = "group"
	}
	if !c.CheckPolicy(peerKind, c.cfg.DMPolicy, c.cfg.GroupPolicy, senderID) {
		return
	}

	text := message.Text
	if text == "" {
		text = message.Caption
	}
	slog.Debug("telegram message received",
		"chat_id", message.Chat.ID,
		"is_group", isGroup,
		"text_preview", channels.Truncate(text, 60),
	)

	env := &bus.Envelope{
		Channel:    "telegram",
		AccountID:  c.accountID,
		Sender:     bus.Sender{ID: senderID, Name: displayName(user)},
		PeerKind:   peerKind,
		ChatID:     strconv.FormatInt(message.Chat.ID, 10),
		Text:       text,
		MessageID:  strconv.Itoa(message.MessageID),
		ReceivedAt: time.Unix(message.Date, 0),
		FromMe:     user.IsBot && user.Username == c.accountID,
	}
	if isGroup {
		env.GroupID = env.ChatID
		env.WasMentioned = c.wasMentioned(message)
	}
	if message.MessageThreadID != 0 && message.IsTopicMessage {
		env.ThreadID = strconv.Itoa(message.MessageThreadID)
	}
	if r := message.ReplyToMessage; r != nil {
		ref := &bus.ReplyRef{ID: strconv.Itoa(r.MessageID), Body: r.Text}
		if r.From != nil {
			ref.Sender = displayName(r.From)
		}
		env.ReplyTo = ref
	}
	env.Attachments = collectAttachments(message)

	c.PublishEnvelope(env)
}

func displayName(u *telego.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}

func (c *Channel) wasMentioned(message *telego.Message) bool {
	needle := "@" + strings.ToLower(c.accountID)
	if strings.Contains(strings.ToLower(message.Text), needle) {
		return true
	}
	if r := message.ReplyToMessage; r != nil && r.From != nil {
		return r.From.IsBot && strings.EqualFold(r.From.Username, c.accountID)
	}
	return false
}

func collectAttachments(message *telego.Message) []bus.Attachment {
	var atts []bus.Attachment
	idx := 0
	add := func(kind bus.AttachmentKind, fileID, mime string) {
		atts = append(atts, bus.Attachment{Kind: kind, Path: "telegram:" + fileID, MIME: mime, Index: idx})
		idx++
	}
	if n := len(message.Photo); n > 0 {
		add(bus.AttachmentImage, message.Photo[n-1].FileID, "image/jpeg")
	}
	if v := message.Voice; v != nil {
		add(bus.AttachmentAudio, v.FileID, v.MimeType)
	}
	if a := message.Audio; a != nil {
		add(bus.AttachmentAudio, a.FileID, a.MimeType)
	}
	if v := message.Video; v != nil {
		add(bus.AttachmentVideo, v.FileID, v.MimeType)
	}
	if s := message.Sticker; s != nil {
		add(bus.AttachmentSticker, s.FileID, "image/webp")
	}
	if d := message.Document; d != nil {
		add(bus.AttachmentFile, d.FileID, d.MimeType)
	}
	return atts
}

// Send delivers one outbound message, threading into forum topics when
// the conversation has one.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram chat id %q: %w", msg.ChatID, err)
	}
	threadID := resolveThreadIDForSend(msg.ThreadID)

	if text := msg.Payload.Text; text != "" {
		params := tu.Message(tu.ID(chatID), text)
		if threadID != 0 {
			params.MessageThreadID = threadID
		}
		if msg.Payload.ReplyToID != "" {
			if replyID, err := strconv.Atoi(msg.Payload.ReplyToID); err == nil {
				params.ReplyParameters = &telego.ReplyParameters{MessageID: replyID, AllowSendingWithoutReply: true}
			}
		}
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}

	for _, mediaPath := range allMedia(msg.Payload) {
		photo := tu.Photo(tu.ID(chatID), tu.FileFromURL(mediaPath))
		if threadID != 0 {
			photo.MessageThreadID = threadID
		}
		if _, err := c.bot.SendPhoto(ctx, photo); err != nil {
			slog.Error("telegram media send failed", "path", mediaPath, "error", err)
		}
	}
	return nil
}

func allMedia(p bus.ReplyPayload) []string {
	if p.MediaURL != "" {
		return append([]string{p.MediaURL}, p.MediaURLs...)
	}
	return p.MediaURLs
}

// resolveThreadIDForSend omits the General topic — Telegram rejects it.
func resolveThreadIDForSend(threadID string) int {
	if threadID == "" {
		return 0
	}
	n, err := strconv.Atoi(threadID)
	if err != nil || n == generalTopicID {
		return 0
	}
	return n
}

// PushStatus renders typing indicators via chat actions.
func (c *Channel) PushStatus(update bus.StatusUpdate) {
	if update.Kind != bus.StatusTyping && update.Kind != bus.StatusThinking {
		return
	}
	chatID, err := strconv.ParseInt(update.ChatID, 10, 64)
	if err != nil {
		return
	}
	action := tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)
	if err := c.bot.SendChatAction(context.Background(), action); err != nil {
		slog.Debug("telegram chat action failed", "error", err)
	}
}

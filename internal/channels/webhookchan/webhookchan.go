// Package webhookchan mounts generic JSON webhooks as a channel: one POST
// path per configured target, bearer-token auth, and the bounded-body
// reader shared with the rest of the gateway.
package webhookchan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/channels"
	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/webhook"
)

// Channel is the webhook adapter. It produces envelopes but cannot send —
// webhook callers poll chat.history or subscribe to gateway events for
// replies.
type Channel struct {
	*channels.BaseChannel
	cfg     config.WebhookConfig
	gateway config.GatewayConfig
}

// New creates the adapter.
func New(cfg config.WebhookConfig, gw config.GatewayConfig, msgBus *bus.MessageBus) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("webhook", msgBus, nil),
		cfg:         cfg,
		gateway:     gw,
	}
}

// Mounter registers HTTP handlers (satisfied by gateway.Server.Mount).
type Mounter interface {
	Mount(pattern string, h http.Handler)
}

// MountAll registers one handler per configured target. Ambiguous setups
// (two targets sharing a path) fail at mount time.
func (c *Channel) MountAll(m Mounter) error {
	seen := map[string]string{}
	for _, target := range c.cfg.Targets {
		if prev, dup := seen[target.Path]; dup {
			return fmt.Errorf("webhook path %q claimed by both %q and %q", target.Path, prev, target.Name)
		}
		seen[target.Path] = target.Name
		m.Mount(target.Path, c.handler(target))
	}
	return nil
}

// inboundPayload is the accepted webhook body shape.
type inboundPayload struct {
	Text      string   `json:"text"`
	Sender    string   `json:"sender,omitempty"`
	Name      string   `json:"name,omitempty"`
	ChatID    string   `json:"chatId,omitempty"`
	MessageID string   `json:"messageId,omitempty"`
	ThreadID  string   `json:"threadId,omitempty"`
	ReplyToID string   `json:"replyToId,omitempty"`
	MediaURLs []string `json:"mediaUrls,omitempty"`
}

func (c *Channel) handler(target config.WebhookTarget) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.authorize(target, w, r) {
			return
		}

		body, herr := webhook.ReadJSONBody(r, c.gateway.MaxBodyBytes, c.gateway.BodyReadTimeout())
		if herr != nil {
			http.Error(w, herr.Message, herr.Status)
			return
		}

		var p inboundPayload
		if err := json.Unmarshal(body, &p); err != nil || p.Text == "" {
			http.Error(w, "text field required", http.StatusBadRequest)
			return
		}

		env := &bus.Envelope{
			Channel:    "webhook",
			AccountID:  target.Name,
			Sender:     bus.Sender{ID: orDefault(p.Sender, target.Name), Name: p.Name},
			PeerKind:   "direct",
			ChatID:     orDefault(p.ChatID, target.Name),
			ThreadID:   p.ThreadID,
			Text:       p.Text,
			MessageID:  p.MessageID,
			ReceivedAt: time.Now(),
		}
		if p.ReplyToID != "" {
			env.ReplyTo = &bus.ReplyRef{ID: p.ReplyToID}
		}
		for i, u := range p.MediaURLs {
			env.Attachments = append(env.Attachments, bus.Attachment{Kind: bus.AttachmentFile, URL: u, Index: i})
		}

		c.PublishEnvelope(env)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"accepted":true}`))
	})
}

// authorize enforces the target token, with the loopback passwordless
// exception when no token is configured.
func (c *Channel) authorize(target config.WebhookTarget, w http.ResponseWriter, r *http.Request) bool {
	if target.Token == "" {
		if webhook.AllowPasswordless(r) {
			return true
		}
		slog.Warn("security.webhook_rejected", "target", target.Name, "reason", "passwordless_nonlocal")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	if res := webhook.CheckToken(r.Header.Get("Authorization"), target.Token); res != webhook.TokenOK {
		slog.Warn("security.webhook_rejected", "target", target.Name, "reason", string(res))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

// Send is unsupported: webhook conversations are one-way inbound.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	slog.Debug("webhook outbound dropped", "chat", msg.ChatID)
	return nil
}

// Start is a no-op; handlers are mounted on the gateway mux.
func (c *Channel) Start(_ context.Context) error {
	c.SetRunning(true)
	return nil
}

// Stop is a no-op.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return nil
}

package webhookchan

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/config"
)

func newTestChannel(token string) (*Channel, *bus.MessageBus) {
	msgBus := bus.New()
	cfg := config.WebhookConfig{
		Enabled: true,
		Targets: []config.WebhookTarget{{Name: "ops", Path: "/webhook/ops", Token: token}},
	}
	gw := config.GatewayConfig{MaxBodyBytes: 4096, BodyReadTimeoutMs: 1000}
	return New(cfg, gw, msgBus), msgBus
}

type muxMounter struct{ mux *http.ServeMux }

func (m muxMounter) Mount(pattern string, h http.Handler) { m.mux.Handle(pattern, h) }

func TestWebhookInbound(t *testing.T) {
	ch, msgBus := newTestChannel("sekrit")
	mux := http.NewServeMux()
	if err := ch.MountAll(muxMounter{mux}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "http://localhost/webhook/ops",
		strings.NewReader(`{"text":"hello","sender":"u1","chatId":"c1","messageId":"m1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sekrit")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no envelope published")
	}
	if env.Text != "hello" || env.Sender.ID != "u1" || env.ChatID != "c1" || env.MessageID != "m1" {
		t.Errorf("envelope = %+v", env)
	}
	if env.Channel != "webhook" || env.AccountID != "ops" {
		t.Errorf("envelope identity = %+v", env)
	}
}

func TestWebhookAuthRejections(t *testing.T) {
	ch, _ := newTestChannel("sekrit")
	mux := http.NewServeMux()
	ch.MountAll(muxMounter{mux})

	post := func(auth string) int {
		req := httptest.NewRequest(http.MethodPost, "http://localhost/webhook/ops",
			strings.NewReader(`{"text":"x"}`))
		req.Header.Set("Content-Type", "application/json")
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec.Code
	}

	if got := post(""); got != http.StatusUnauthorized {
		t.Errorf("missing token: %d", got)
	}
	if got := post("Bearer wrong"); got != http.StatusUnauthorized {
		t.Errorf("wrong token: %d", got)
	}
	if got := post("Bearer sekrit"); got != http.StatusAccepted {
		t.Errorf("valid token: %d", got)
	}
}

func TestWebhookMethodAndBodyErrors(t *testing.T) {
	ch, _ := newTestChannel("sekrit")
	mux := http.NewServeMux()
	ch.MountAll(muxMounter{mux})

	// GET → 405 from the body reader.
	req := httptest.NewRequest(http.MethodGet, "http://localhost/webhook/ops", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", rec.Code)
	}

	// Missing text → 400.
	req = httptest.NewRequest(http.MethodPost, "http://localhost/webhook/ops", strings.NewReader(`{"other":1}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing text status = %d", rec.Code)
	}
}

func TestDuplicatePathRejected(t *testing.T) {
	msgBus := bus.New()
	cfg := config.WebhookConfig{Targets: []config.WebhookTarget{
		{Name: "a", Path: "/hook"},
		{Name: "b", Path: "/hook"},
	}}
	ch := New(cfg, config.GatewayConfig{}, msgBus)
	if err := ch.MountAll(muxMounter{http.NewServeMux()}); err == nil {
		t.Error("duplicate path accepted")
	}
}

package channels

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/debounce"
	"github.com/nextlevelbuilder/switchboard/internal/dispatch"
	"github.com/nextlevelbuilder/switchboard/internal/media"
	"github.com/nextlevelbuilder/switchboard/internal/scheduler"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
)

// Manager owns adapter lifecycle, the inbound debounce → scheduler fan-in,
// and outbound routing back to adapters.
type Manager struct {
	cfg   *config.Config
	bus   *bus.MessageBus
	sched *scheduler.Scheduler

	mu       sync.RWMutex
	channels map[string]Channel

	debouncers map[string]*debounce.Debouncer[*bus.Envelope]
	cancel     context.CancelFunc
}

// NewManager creates a Manager. Adapters register before StartAll.
func NewManager(cfg *config.Config, msgBus *bus.MessageBus, sched *scheduler.Scheduler) *Manager {
	return &Manager{
		cfg:        cfg,
		bus:        msgBus,
		sched:      sched,
		channels:   make(map[string]Channel),
		debouncers: make(map[string]*debounce.Debouncer[*bus.Envelope]),
	}
}

// RegisterChannel adds an adapter.
func (m *Manager) RegisterChannel(name string, ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = ch
}

// GetChannel returns an adapter by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// EnabledChannels lists registered adapter names.
func (m *Manager) EnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// StartAll starts the adapters and both routing loops.
func (m *Manager) StartAll(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	go m.consumeInbound(runCtx)
	go m.dispatchOutbound(runCtx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}
	for name, ch := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := ch.Start(ctx); err != nil {
			slog.Error("channel start failed", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops loops, flushes debouncers, and stops adapters.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	debouncers := make([]*debounce.Debouncer[*bus.Envelope], 0, len(m.debouncers))
	for _, d := range m.debouncers {
		debouncers = append(debouncers, d)
	}
	channels := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		channels[name] = ch
	}
	m.mu.Unlock()

	for _, d := range debouncers {
		d.FlushAll()
		d.Close()
	}
	for name, ch := range channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Error("channel stop failed", "channel", name, "error", err)
		}
	}
	return nil
}

// consumeInbound is the fan-in: every adapter envelope goes through the
// channel's debouncer, and coalesced flushes land in the scheduler lane.
func (m *Manager) consumeInbound(ctx context.Context) {
	for {
		env, ok := m.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		m.debouncerFor(env.Channel).Enqueue(env)
	}
}

func (m *Manager) debouncerFor(channel string) *debounce.Debouncer[*bus.Envelope] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.debouncers[channel]; ok {
		return d
	}

	window := time.Duration(m.cfg.QueueFor(m.cfg.ResolveDefaultAgentID()).DebounceMs) * time.Millisecond
	d := debounce.New(debounce.Options[*bus.Envelope]{
		Window:   window,
		BuildKey: func(e *bus.Envelope) string { return e.CoalesceKey() },
		ShouldDebounce: func(e *bus.Envelope) bool {
			// Bot-authored messages are cached, not processed; slash
			// commands dispatch immediately.
			if e.FromMe {
				return false
			}
			return !scheduler.IsCommand(e.Text)
		},
		OnFlush: func(_ context.Context, entries []*bus.Envelope) error {
			m.submitFlush(entries)
			return nil
		},
		OnError: func(err error) {
			slog.Error("inbound flush failed", "channel", channel, "error", err)
		},
	})
	m.debouncers[channel] = d
	return d
}

func (m *Manager) submitFlush(entries []*bus.Envelope) {
	env := bus.CombineEntries(entries)
	if env == nil {
		return
	}
	if env.FromMe {
		return // cached for context elsewhere, never scheduled
	}
	key := m.SessionKeyFor(env)
	m.sched.Submit(key, env)
}

// SessionKeyFor builds the canonical session key for an envelope.
func (m *Manager) SessionKeyFor(env *bus.Envelope) string {
	agentID := env.Metadata["agentId"]
	if agentID == "" {
		agentID = m.cfg.ResolveDefaultAgentID()
	}

	scope := sessions.ScopeDM
	scopeID := env.Sender.ID
	switch env.PeerKind {
	case "group":
		scope = sessions.ScopeGroup
		scopeID = env.ScopeID()
	case "channel":
		scope = sessions.ScopeChannel
		scopeID = env.ScopeID()
	}
	if env.ThreadID != "" {
		return sessions.BuildThreadKey(agentID, env.Channel, scope, scopeID, env.ThreadID)
	}
	return sessions.BuildKey(agentID, env.Channel, scope, scopeID)
}

// dispatchOutbound routes dispatcher output to the owning adapter.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		if IsInternalChannel(msg.Channel) {
			continue
		}
		m.mu.RLock()
		ch, exists := m.channels[msg.Channel]
		m.mu.RUnlock()
		if !exists {
			slog.Warn("unknown channel for outbound message", "channel", msg.Channel)
			continue
		}

		m.fitOutboundMedia(&msg)
		if err := ch.Send(ctx, msg); err != nil {
			slog.Error("channel send failed", "channel", msg.Channel, "error", err)
		}
	}
}

// fitOutboundMedia enforces the per-channel media cap, downscaling images
// in place when possible.
func (m *Manager) fitOutboundMedia(msg *bus.OutboundMessage) {
	cap := m.cfg.Media.MaxBytes[msg.Channel]
	if cap <= 0 {
		return
	}
	fit := func(path string) string {
		local, ok := media.NormalizeLocalPath(path)
		if !ok {
			return path
		}
		out, err := media.FitImageToCap(local, cap, os.TempDir())
		if err != nil {
			slog.Warn("outbound media over cap", "channel", msg.Channel, "path", path, "error", err)
			return ""
		}
		return out
	}
	if msg.Payload.MediaURL != "" && !strings.Contains(msg.Payload.MediaURL, "://") {
		msg.Payload.MediaURL = fit(msg.Payload.MediaURL)
	}
	kept := msg.Payload.MediaURLs[:0]
	for _, u := range msg.Payload.MediaURLs {
		if strings.Contains(u, "://") {
			kept = append(kept, u)
			continue
		}
		if fitted := fit(u); fitted != "" {
			kept = append(kept, fitted)
		}
	}
	msg.Payload.MediaURLs = kept
}

// DispatchFactory builds per-run dispatchers that deliver through the
// adapter layer. Wired into the scheduler at startup.
func (m *Manager) DispatchFactory() scheduler.DispatchFactory {
	return func(env *bus.Envelope, sessionKey, runID string) *dispatch.Dispatcher {
		// Synthetic sources (cron) deliver to an explicit channel target
		// instead of their own internal channel.
		channel, chatID := env.Channel, env.ScopeID()
		if dc := env.Metadata["deliverChannel"]; dc != "" {
			channel = dc
			chatID = env.Metadata["deliverTo"]
		}
		return dispatch.New(dispatch.Options{
			Deliver: func(ctx context.Context, payload bus.ReplyPayload) error {
				m.bus.PublishOutbound(bus.OutboundMessage{
					Channel:  channel,
					ChatID:   chatID,
					ThreadID: env.ThreadID,
					Payload:  payload,
				})
				return nil
			},
			OriginMessageID: env.MessageID,
			Mode:            m.replyModeFor(channel),
			Status:          m.statusSink(channel),
			StatusChannel:   channel,
			StatusChatID:    chatID,
		})
	}
}

func (m *Manager) replyModeFor(channel string) dispatch.ReplyToMode {
	var mode string
	switch channel {
	case "telegram":
		mode = m.cfg.Channels.Telegram.ReplyToMode
	case "discord":
		mode = m.cfg.Channels.Discord.ReplyToMode
	}
	switch mode {
	case "off":
		return dispatch.ReplyToOff
	case "first":
		return dispatch.ReplyToFirst
	case "explicit-only":
		return dispatch.ReplyToExplicitOnly
	default:
		return dispatch.ReplyToAll
	}
}

// statusSink adapts a StatusChannel into the dispatcher's sink.
func (m *Manager) statusSink(channel string) bus.StatusSink {
	m.mu.RLock()
	ch, ok := m.channels[channel]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	sc, ok := ch.(StatusChannel)
	if !ok {
		return nil
	}
	return statusSinkFunc(func(u bus.StatusUpdate) { sc.PushStatus(u) })
}

type statusSinkFunc func(bus.StatusUpdate)

func (f statusSinkFunc) PushStatus(u bus.StatusUpdate) { f(u) }

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/switchboard/internal/agent"
	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/dispatch"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/internal/telemetry"
)

type laneState int

const (
	stateIdle laneState = iota
	stateRunning
	stateSteering
	stateQueueing
)

// runHandle is the cancellation token of one in-flight agent invocation.
// Every abort path — /stop, chat.abort, steering, interrupt, shutdown —
// trips the same token.
type runHandle struct {
	id     string
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	discard   bool   // interrupt: suppress partial output
	steerNote string // steering message passed through the cancellation
}

func (h *runHandle) trip(steerNote string, discard bool) {
	h.mu.Lock()
	h.cancelled = true
	h.discard = h.discard || discard
	if steerNote != "" {
		h.steerNote = steerNote
	}
	h.mu.Unlock()
	h.cancel()
}

func (h *runHandle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// lane is the serial execution domain of one session key.
type lane struct {
	key string
	s   *Scheduler

	mu          sync.Mutex
	state       laneState
	buffer      []*bus.Envelope
	steerEnvs   []*bus.Envelope
	toolBacklog []string
	current     *runHandle
	settings    Settings
	verbose     int
	idem        map[string]*idemEntry
}

type idemEntry struct {
	status string // "in_flight" | "ok" | "failed"
}

func newLane(key string, s *Scheduler) *lane {
	l := &lane{
		key:      key,
		s:        s,
		settings: s.defaults,
		idem:     make(map[string]*idemEntry),
	}
	// Persisted /queue settings override the config defaults.
	if sess, ok, err := s.store.Get(key); err == nil && ok {
		if sess.QueueMode != "" && validMode(Mode(sess.QueueMode)) {
			l.settings.Mode = Mode(sess.QueueMode)
		}
		if sess.QueueDebounceMs > 0 {
			l.settings.Debounce = time.Duration(sess.QueueDebounceMs) * time.Millisecond
		}
		if sess.QueueCap > 0 {
			l.settings.Cap = sess.QueueCap
		}
		if sess.QueueDrop != "" && validDrop(DropPolicy(sess.QueueDrop)) {
			l.settings.Drop = DropPolicy(sess.QueueDrop)
		}
		l.verbose = sess.VerboseLevel
	}
	return l
}

// enqueue routes an envelope according to the lane state and queue mode.
func (l *lane) enqueue(env *bus.Envelope) {
	l.mu.Lock()

	if l.state == stateIdle {
		l.state = stateRunning
		l.mu.Unlock()
		go l.runLoop(env)
		return
	}

	switch l.settings.Mode {
	case ModeCollect, ModeFollowup:
		after := l.bufferWithDropLocked(env)
		l.state = stateQueueing
		l.mu.Unlock()
		if after != nil {
			after()
		}

	case ModeSteer, ModeSteerBacklog:
		l.steerEnvs = append(l.steerEnvs, env)
		handle := l.current
		l.state = stateSteering
		l.mu.Unlock()
		if handle != nil {
			handle.trip(env.Text, false)
		}

	case ModeInterrupt:
		l.buffer = []*bus.Envelope{env}
		handle := l.current
		l.state = stateSteering
		l.mu.Unlock()
		if handle != nil {
			handle.trip("", true)
		}

	default:
		after := l.bufferWithDropLocked(env)
		l.state = stateQueueing
		l.mu.Unlock()
		if after != nil {
			after()
		}
	}
}

// bufferWithDropLocked applies the drop policy when the buffer is at cap.
// The returned func, if non-nil, must run after the lane lock is released
// (it performs channel delivery).
func (l *lane) bufferWithDropLocked(env *bus.Envelope) func() {
	if l.settings.Cap > 0 && len(l.buffer) >= l.settings.Cap {
		switch l.settings.Drop {
		case DropNew:
			l.resolveIdemLocked(idemKeysOf(env), "failed")
			return func() { l.s.notifyDropped(env, l.key) }
		case DropSummarize:
			l.compactOldestLocked()
		default: // DropOld
			evicted := l.buffer[0]
			l.buffer = l.buffer[1:]
			l.resolveIdemLocked(idemKeysOf(evicted), "failed")
		}
	}
	l.buffer = append(l.buffer, env)
	return nil
}

// compactOldestLocked folds the older half of the buffer into a single
// lossy summary envelope. No compaction prompt is configured here — the
// summary is deterministic.
func (l *lane) compactOldestLocked() {
	n := len(l.buffer) / 2
	if n == 0 {
		n = 1
	}
	old := l.buffer[:n]
	var lines []string
	lines = append(lines, fmt.Sprintf("[earlier messages dropped: %d]", len(old)))
	for _, e := range old {
		t := strings.TrimSpace(e.Text)
		if len(t) > 80 {
			t = t[:80] + "…"
		}
		if t != "" {
			lines = append(lines, "- "+t)
		}
		l.resolveIdemLocked(idemKeysOf(e), "failed")
	}
	summary := *old[len(old)-1]
	summary.Text = strings.Join(lines, "\n")
	summary.Attachments = nil
	summary.Metadata = nil
	l.buffer = append([]*bus.Envelope{&summary}, l.buffer[n:]...)
}

// runLoop drives the lane until no work remains. At most one agent
// invocation is live per lane at any instant.
func (l *lane) runLoop(first *bus.Envelope) {
	env, keys := first, idemKeysOf(first)
	for {
		l.runOne(env, keys)

		l.mu.Lock()
		switch {
		case len(l.steerEnvs) > 0:
			env, keys = l.takeSteerLocked()
			l.state = stateRunning
			l.mu.Unlock()

		case len(l.buffer) > 0:
			env, keys = l.takeBufferedLocked()
			l.state = stateRunning
			l.mu.Unlock()

		default:
			l.state = stateIdle
			l.current = nil
			l.toolBacklog = nil
			l.mu.Unlock()
			return
		}
	}
}

// takeSteerLocked builds the steered follow-on envelope: the new text(s),
// plus — in steer+backlog mode — buffered inputs and the cancelled run's
// in-flight tool output.
func (l *lane) takeSteerLocked() (*bus.Envelope, []string) {
	envs := l.steerEnvs
	l.steerEnvs = nil

	var keys []string
	for _, e := range envs {
		keys = append(keys, idemKeysOf(e)...)
	}

	if l.settings.Mode == ModeSteerBacklog {
		// Fold any buffered inputs into the steered run.
		for _, e := range l.buffer {
			keys = append(keys, idemKeysOf(e)...)
		}
		envs = append(l.buffer, envs...)
		l.buffer = nil
	}

	env := bus.CombineEntries(envs)
	if l.settings.Mode == ModeSteerBacklog && len(l.toolBacklog) > 0 {
		env.Text = env.Text + "\n\n[partial output from the interrupted run]\n" +
			strings.Join(l.toolBacklog, "\n")
	}
	l.toolBacklog = nil
	return env, keys
}

// takeBufferedLocked dequeues post-completion work: collect flushes the
// whole buffer as one synthetic envelope, followup pops one entry.
func (l *lane) takeBufferedLocked() (*bus.Envelope, []string) {
	if l.settings.Mode == ModeCollect {
		var keys []string
		for _, e := range l.buffer {
			keys = append(keys, idemKeysOf(e)...)
		}
		env := bus.CombineEntries(l.buffer)
		l.buffer = nil
		return env, keys
	}
	env := l.buffer[0]
	l.buffer = l.buffer[1:]
	return env, idemKeysOf(env)
}

// runOne executes a single agent invocation for env.
func (l *lane) runOne(env *bus.Envelope, keys []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle := &runHandle{id: uuid.NewString(), cancel: cancel}
	l.mu.Lock()
	l.current = handle
	l.mu.Unlock()

	sess := l.s.ensureSession(l.key, env)
	d := l.s.newDispatcher(env, l.key, handle.id)

	hooks := agent.Hooks{
		OnPartialReply: func(p bus.ReplyPayload) {
			if handle.isCancelled() {
				return // late callbacks after cancellation are dropped
			}
			d.SendPartialReply(p)
		},
		OnBlockReply: func(p bus.ReplyPayload) {
			if handle.isCancelled() {
				return
			}
			d.SendPartialReply(p)
		},
		OnToolResult: func(name, result string) {
			l.mu.Lock()
			if l.settings.Mode == ModeSteerBacklog {
				l.toolBacklog = append(l.toolBacklog, name+": "+truncate(result, 400))
			}
			verbose := l.verbose
			l.mu.Unlock()
			if verbose > 0 && !handle.isCancelled() {
				d.SendPartialReply(bus.ReplyPayload{Text: "[" + name + "] " + truncate(result, 800)})
			}
		},
		OnAgentEvent:         l.s.emitEvent,
		ShouldEmitToolResult: func() bool { return l.Verbose() > 0 },
	}

	prompt := agent.BuildPrompt(env, chatLabel(env), time.Now())
	req := agent.RunRequest{
		SessionKey: l.key,
		SessionID:  sess.SessionID,
		AgentID:    sessions.AgentOf(l.key),
		RunID:      handle.id,
		Prompt:     prompt,
		Envelope:   env,
		Hooks:      hooks,
	}

	l.s.emitEvent(agent.Event{Type: "run.started", AgentID: req.AgentID, RunID: handle.id})
	runCtx, span := telemetry.StartRunSpan(ctx, l.key, handle.id)
	res, err := l.s.runner.Run(runCtx, req)
	span.End()

	switch {
	case handle.isCancelled() || res.Aborted || ctx.Err() != nil:
		// Steered/interrupted/aborted: no retry, no terminal reply. The
		// steered follow-on (if any) is started by runLoop.
		l.resolveIdem(keys, "failed")
		l.s.emitEvent(agent.Event{Type: "run.failed", AgentID: req.AgentID, RunID: handle.id,
			Payload: map[string]interface{}{"aborted": true}})

	case err != nil:
		l.finishError(d, env, err, keys, req)

	default:
		l.finishSuccess(d, res, keys, req, env)
	}

	d.MarkComplete()
	go func() {
		d.WaitForIdle()
		d.Unregister()
	}()
}

func (l *lane) finishSuccess(d *dispatch.Dispatcher, res agent.RunResult, keys []string, req agent.RunRequest, env *bus.Envelope) {
	// Prompt header markers never travel back out to channels.
	text := agent.SanitizeOutput(bus.StripEnvelope(res.Text))

	if _, err := l.s.store.Mutate(l.key, func(cur *sessions.Session) *sessions.Session {
		if cur == nil {
			cur = &sessions.Session{SessionID: req.SessionID}
		}
		cur.InputTokens += res.InputTokens
		cur.OutputTokens += res.OutputTokens
		cur.TotalTokens = cur.InputTokens + cur.OutputTokens
		cur.TotalTokensFresh = true
		cur.LastChannel = env.Channel
		cur.LastTo = env.ScopeID()
		return cur
	}); err != nil {
		slog.Error("session metadata update failed", "session", l.key, "error", err)
	}

	if agent.IsSilentReply(text) {
		d.SendFinalReply(bus.ReplyPayload{Text: dispatch.NoReplyToken})
	} else if text != "" {
		d.SendFinalReply(bus.ReplyPayload{Text: text})
	}
	l.resolveIdem(keys, "ok")
	l.s.emitEvent(agent.Event{Type: "run.completed", AgentID: req.AgentID, RunID: req.RunID})
}

func (l *lane) finishError(d *dispatch.Dispatcher, env *bus.Envelope, err error, keys []string, req agent.RunRequest) {
	kind := agent.Classify(err)
	switch kind {
	case agent.FailureContextOverflow, agent.FailureRoleOrdering, agent.FailureCorruptTranscript:
		l.s.resetSession(l.key, req.SessionID)
		d.SendFinalReply(bus.ReplyPayload{Text: agent.VisibleResetReply(kind)})
	default:
		slog.Error("agent run failed", "session", l.key, "kind", kind, "error", err)
		d.SendFinalReply(bus.ReplyPayload{Text: agent.FriendlyTransportError(err)})
	}
	l.resolveIdem(keys, "failed")
	l.s.emitEvent(agent.Event{Type: "run.failed", AgentID: req.AgentID, RunID: req.RunID,
		Payload: map[string]interface{}{"error": err.Error()}})
}

// --- idempotency ---

func idemKeysOf(env *bus.Envelope) []string {
	if env == nil || env.Metadata == nil {
		return nil
	}
	if k := env.Metadata["idempotencyKey"]; k != "" {
		return []string{k}
	}
	return nil
}

func (l *lane) resolveIdem(keys []string, status string) {
	l.mu.Lock()
	l.resolveIdemLocked(keys, status)
	l.mu.Unlock()
}

func (l *lane) resolveIdemLocked(keys []string, status string) {
	for _, k := range keys {
		if e, ok := l.idem[k]; ok {
			e.status = status
		}
	}
}

// Verbose returns the cached verbose level.
func (l *lane) Verbose() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verbose
}

func (l *lane) queueSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffer) + len(l.steerEnvs)
}

func (l *lane) liveRun() *runHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == stateIdle {
		return nil
	}
	return l.current
}

func chatLabel(env *bus.Envelope) string {
	if env.PeerKind == "group" {
		return "Group"
	}
	return "DM"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

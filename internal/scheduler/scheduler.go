package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/switchboard/internal/agent"
	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/dispatch"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
)

// DispatchFactory builds the per-run dispatcher. The scheduler owns this
// seam so the dispatcher holds no back-reference into the scheduler.
type DispatchFactory func(env *bus.Envelope, sessionKey, runID string) *dispatch.Dispatcher

// Options wires a Scheduler.
type Options struct {
	Runner        agent.Runner
	Store         sessions.StoreAPI
	NewDispatcher DispatchFactory
	Defaults      Settings

	// OnEvent receives run lifecycle events for gateway broadcast. Optional.
	OnEvent func(agent.Event)
}

// Scheduler owns all lanes: parallel across sessions, cooperative within
// one.
type Scheduler struct {
	runner        agent.Runner
	store         sessions.StoreAPI
	newDispatcher DispatchFactory
	defaults      Settings
	onEvent       func(agent.Event)

	commands *Commands

	mu    sync.Mutex
	lanes map[string]*lane
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	if opts.Defaults.Mode == "" {
		opts.Defaults = DefaultSettings()
	}
	return &Scheduler{
		runner:        opts.Runner,
		store:         opts.Store,
		newDispatcher: opts.NewDispatcher,
		defaults:      opts.Defaults,
		onEvent:       opts.OnEvent,
		lanes:         make(map[string]*lane),
	}
}

// SetCommands attaches the slash-command surface (created after the
// scheduler because commands call back into it).
func (s *Scheduler) SetCommands(c *Commands) { s.commands = c }

// SetDispatchFactory wires the dispatcher seam after construction — the
// channel manager needs the scheduler, and the scheduler needs the
// manager's factory.
func (s *Scheduler) SetDispatchFactory(f DispatchFactory) { s.newDispatcher = f }

func (s *Scheduler) laneFor(key string) *lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[key]
	if !ok {
		l = newLane(key, s)
		s.lanes[key] = l
	}
	return l
}

// Submit routes one envelope. Control commands are handled synchronously,
// skipping the agent lane entirely.
func (s *Scheduler) Submit(sessionKey string, env *bus.Envelope) {
	if s.commands != nil && IsCommand(env.Text) {
		outcome := s.commands.Handle(env, sessionKey)
		if outcome.Handled {
			if outcome.Reply != "" {
				s.replyDirect(env, sessionKey, outcome.Reply)
			}
			return
		}
	}
	s.laneFor(sessionKey).enqueue(env)
}

// SubmitIdempotent is Submit with per-lane request deduplication. The
// returned status is "started" for a fresh submission, "in_flight" while
// the first is still running, then sticky "ok"/"failed".
func (s *Scheduler) SubmitIdempotent(sessionKey, idempotencyKey string, env *bus.Envelope) string {
	if idempotencyKey == "" {
		s.Submit(sessionKey, env)
		return "started"
	}

	l := s.laneFor(sessionKey)
	l.mu.Lock()
	if e, ok := l.idem[idempotencyKey]; ok {
		status := e.status
		l.mu.Unlock()
		return status
	}
	l.idem[idempotencyKey] = &idemEntry{status: "in_flight"}
	l.mu.Unlock()

	if env.Metadata == nil {
		env.Metadata = make(map[string]string)
	}
	env.Metadata["idempotencyKey"] = idempotencyKey

	s.Submit(sessionKey, env)
	return "started"
}

// Abort trips the lane's cancellation token. Returns true iff a run was
// live. runID == "" aborts whatever is running.
func (s *Scheduler) Abort(sessionKey, runID string) bool {
	s.mu.Lock()
	l, ok := s.lanes[sessionKey]
	s.mu.Unlock()
	if !ok {
		return false
	}
	handle := l.liveRun()
	if handle == nil {
		return false
	}
	if runID != "" && handle.id != runID {
		return false
	}
	handle.trip("", true)
	return true
}

// AbortAll aborts the live run and drops buffered work for a session.
func (s *Scheduler) AbortAll(sessionKey string) bool {
	s.mu.Lock()
	l, ok := s.lanes[sessionKey]
	s.mu.Unlock()
	if !ok {
		return false
	}
	l.mu.Lock()
	for _, e := range l.buffer {
		l.resolveIdemLocked(idemKeysOf(e), "failed")
	}
	l.buffer = nil
	l.steerEnvs = nil
	handle := l.current
	live := l.state != stateIdle && handle != nil
	l.mu.Unlock()
	if live {
		handle.trip("", true)
	}
	return live
}

// TotalQueueSize sums buffered envelopes across all lanes. The restart
// gate adds this to the dispatcher registry's pending total.
func (s *Scheduler) TotalQueueSize() int {
	s.mu.Lock()
	lanes := make([]*lane, 0, len(s.lanes))
	for _, l := range s.lanes {
		lanes = append(lanes, l)
	}
	s.mu.Unlock()

	total := 0
	for _, l := range lanes {
		total += l.queueSize()
	}
	return total
}

// SettingsFor returns the lane's active queue settings.
func (s *Scheduler) SettingsFor(sessionKey string) Settings {
	l := s.laneFor(sessionKey)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settings
}

// ApplySettings mutates a lane's queue settings and persists them to
// session metadata.
func (s *Scheduler) ApplySettings(sessionKey string, next Settings) error {
	l := s.laneFor(sessionKey)
	l.mu.Lock()
	l.settings = next
	l.mu.Unlock()

	_, err := s.store.Mutate(sessionKey, func(cur *sessions.Session) *sessions.Session {
		if cur == nil {
			cur = &sessions.Session{SessionID: uuid.NewString()}
		}
		cur.QueueMode = string(next.Mode)
		cur.QueueDebounceMs = int(next.Debounce / time.Millisecond)
		cur.QueueCap = next.Cap
		cur.QueueDrop = string(next.Drop)
		return cur
	})
	return err
}

// SetVerbose updates the lane's cached verbose level (persisted value is
// written by the /verbose handler).
func (s *Scheduler) SetVerbose(sessionKey string, level int) {
	l := s.laneFor(sessionKey)
	l.mu.Lock()
	l.verbose = level
	l.mu.Unlock()
}

// ResetSession archives the transcript and mints a fresh session id.
func (s *Scheduler) ResetSession(sessionKey string) {
	sess, ok, err := s.store.Get(sessionKey)
	if err != nil {
		slog.Error("session reset: load failed", "session", sessionKey, "error", err)
		return
	}
	if ok {
		s.resetSession(sessionKey, sess.SessionID)
		return
	}
	s.ensureSession(sessionKey, nil)
}

func (s *Scheduler) resetSession(sessionKey, oldSessionID string) {
	agentID := sessions.AgentOf(sessionKey)
	if oldSessionID != "" {
		s.store.Archive(oldSessionID, agentID, sessions.ArchiveReset)
	}
	if _, err := s.store.Mutate(sessionKey, func(cur *sessions.Session) *sessions.Session {
		if cur == nil {
			cur = &sessions.Session{}
		}
		cur.SessionID = uuid.NewString()
		cur.TotalTokens = 0
		cur.TotalTokensFresh = false
		cur.InputTokens = 0
		cur.OutputTokens = 0
		cur.CompactionCount = 0
		cur.SessionFile = ""
		return cur
	}); err != nil {
		slog.Error("session reset failed", "session", sessionKey, "error", err)
	}
}

// ensureSession returns the session record, minting an id on first use.
func (s *Scheduler) ensureSession(sessionKey string, env *bus.Envelope) sessions.Session {
	sess, err := s.store.Mutate(sessionKey, func(cur *sessions.Session) *sessions.Session {
		if cur == nil {
			cur = &sessions.Session{}
		}
		if cur.SessionID == "" {
			cur.SessionID = uuid.NewString()
		}
		if env != nil {
			cur.LastChannel = env.Channel
			cur.LastTo = env.ScopeID()
		}
		return cur
	})
	if err != nil {
		slog.Error("session ensure failed", "session", sessionKey, "error", err)
		return sessions.Session{SessionID: uuid.NewString()}
	}
	return sess
}

// replyDirect sends a synchronous control-command reply without involving
// a lane.
func (s *Scheduler) replyDirect(env *bus.Envelope, sessionKey, text string) {
	d := s.newDispatcher(env, sessionKey, "")
	d.SendFinalReply(bus.ReplyPayload{Text: text})
	d.MarkComplete()
	go func() {
		d.WaitForIdle()
		d.Unregister()
	}()
}

// notifyDropped surfaces a drop:new rejection on the originating channel.
func (s *Scheduler) notifyDropped(env *bus.Envelope, sessionKey string) {
	s.replyDirect(env, sessionKey, "Queue is full; your message was dropped. Try again shortly.")
}

func (s *Scheduler) emitEvent(ev agent.Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

// LiveRunID exposes the current run id of a lane ("" when idle). Used by
// chat.send responses and tests.
func (s *Scheduler) LiveRunID(sessionKey string) string {
	s.mu.Lock()
	l, ok := s.lanes[sessionKey]
	s.mu.Unlock()
	if !ok {
		return ""
	}
	h := l.liveRun()
	if h == nil {
		return ""
	}
	return h.id
}

// Shutdown aborts every live run. The restart gate, not Shutdown, decides
// when it is safe to exit.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	lanes := make([]*lane, 0, len(s.lanes))
	for _, l := range s.lanes {
		lanes = append(lanes, l)
	}
	s.mu.Unlock()
	for _, l := range lanes {
		if h := l.liveRun(); h != nil {
			h.trip("", true)
		}
	}
}

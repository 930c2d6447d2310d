package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/agent"
	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/dispatch"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
)

const testKey = "agent:default:telegram:dm:1"

// testHarness wires a scheduler against a scripted runner and a capturing
// dispatcher factory.
type testHarness struct {
	sched   *Scheduler
	store   *sessions.Store
	mu      sync.Mutex
	replies []string
	prompts []string

	runFn func(ctx context.Context, req agent.RunRequest) (agent.RunResult, error)

	live    atomic.Int32
	maxLive atomic.Int32
}

func newHarness(t *testing.T, defaults Settings) *testHarness {
	t.Helper()
	dispatch.ClearRegistryForTest()
	h := &testHarness{store: sessions.NewStore(t.TempDir())}

	runner := agent.RunnerFunc(func(ctx context.Context, req agent.RunRequest) (agent.RunResult, error) {
		n := h.live.Add(1)
		for {
			old := h.maxLive.Load()
			if n <= old || h.maxLive.CompareAndSwap(old, n) {
				break
			}
		}
		defer h.live.Add(-1)

		h.mu.Lock()
		h.prompts = append(h.prompts, req.Prompt)
		h.mu.Unlock()

		if h.runFn != nil {
			return h.runFn(ctx, req)
		}
		return agent.RunResult{Text: "echo: " + req.Prompt}, nil
	})

	h.sched = New(Options{
		Runner: runner,
		Store:  h.store,
		NewDispatcher: func(env *bus.Envelope, sessionKey, runID string) *dispatch.Dispatcher {
			return dispatch.New(dispatch.Options{
				Deliver: func(_ context.Context, p bus.ReplyPayload) error {
					h.mu.Lock()
					h.replies = append(h.replies, p.Text)
					h.mu.Unlock()
					return nil
				},
			})
		},
		Defaults: defaults,
	})
	return h
}

func (h *testHarness) waitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.live.Load() == 0 && h.sched.TotalQueueSize() == 0 && dispatch.TotalPendingReplies() == 0 && h.lanesIdle() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("scheduler never went idle")
}

// lanesIdle reports whether every lane is back in the idle state. A freshly
// submitted envelope shows up in none of the counters above until its run
// has created a dispatcher.
func (h *testHarness) lanesIdle() bool {
	h.sched.mu.Lock()
	defer h.sched.mu.Unlock()
	for _, l := range h.sched.lanes {
		l.mu.Lock()
		idle := l.state == stateIdle
		l.mu.Unlock()
		if !idle {
			return false
		}
	}
	return true
}

func (h *testHarness) replySnapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.replies))
	copy(out, h.replies)
	return out
}

func (h *testHarness) promptSnapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.prompts))
	copy(out, h.prompts)
	return out
}

func env(text string) *bus.Envelope {
	return &bus.Envelope{
		Channel: "telegram", AccountID: "bot", PeerKind: "direct",
		Sender: bus.Sender{ID: "1"}, ChatID: "1", Text: text,
		MessageID: text, ReceivedAt: time.Now(),
	}
}

// At most one agent invocation is live per lane, even under concurrent
// submissions.
func TestSingleLiveRunPerLane(t *testing.T) {
	h := newHarness(t, Settings{Mode: ModeFollowup, Cap: 50, Drop: DropOld})
	h.runFn = func(ctx context.Context, req agent.RunRequest) (agent.RunResult, error) {
		time.Sleep(10 * time.Millisecond)
		return agent.RunResult{Text: "ok"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			h.sched.Submit(testKey, env("m"+string(rune('0'+n))))
		}(i)
	}
	wg.Wait()
	h.waitIdle(t)

	if got := h.maxLive.Load(); got != 1 {
		t.Errorf("max concurrent runs in one lane = %d, want 1", got)
	}
	if len(h.promptSnapshot()) != 8 {
		t.Errorf("ran %d times, want 8 (followup)", len(h.promptSnapshot()))
	}
}

func TestCollectModeMergesBuffer(t *testing.T) {
	h := newHarness(t, Settings{Mode: ModeCollect, Cap: 10, Drop: DropOld})
	release := make(chan struct{})
	first := true
	h.runFn = func(ctx context.Context, req agent.RunRequest) (agent.RunResult, error) {
		if first {
			first = false
			<-release
		}
		return agent.RunResult{Text: "ok"}, nil
	}

	h.sched.Submit(testKey, env("one"))
	time.Sleep(20 * time.Millisecond) // first run is now blocked
	h.sched.Submit(testKey, env("two"))
	h.sched.Submit(testKey, env("three"))
	time.Sleep(20 * time.Millisecond)
	close(release)
	h.waitIdle(t)

	prompts := h.promptSnapshot()
	if len(prompts) != 2 {
		t.Fatalf("ran %d times, want 2 (initial + one collected flush): %q", len(prompts), prompts)
	}
	if !strings.Contains(prompts[1], "two") || !strings.Contains(prompts[1], "three") {
		t.Errorf("collected prompt missing buffered texts: %q", prompts[1])
	}
}

// S2: a steer arrival cancels the in-flight run and the fresh run's prompt
// includes the new text; the first run's partial output is suppressed.
func TestSteering(t *testing.T) {
	h := newHarness(t, Settings{Mode: ModeSteer, Cap: 10, Drop: DropOld})
	started := make(chan agent.RunRequest, 2)
	h.runFn = func(ctx context.Context, req agent.RunRequest) (agent.RunResult, error) {
		started <- req
		if strings.Contains(req.Prompt, "long poem") {
			req.Hooks.OnPartialReply(bus.ReplyPayload{Text: "Verse 1..."})
			<-ctx.Done() // cancelled by steering
			// Late partial after cancellation must be dropped.
			req.Hooks.OnPartialReply(bus.ReplyPayload{Text: "Verse 2..."})
			return agent.RunResult{Aborted: true}, ctx.Err()
		}
		return agent.RunResult{Text: "haiku done"}, nil
	}

	h.sched.Submit(testKey, env("write a long poem"))
	<-started
	h.sched.Submit(testKey, env("actually, make it a haiku"))
	<-started
	h.waitIdle(t)

	prompts := h.promptSnapshot()
	if len(prompts) != 2 || !strings.Contains(prompts[1], "actually, make it a haiku") {
		t.Fatalf("prompts = %q", prompts)
	}
	for _, r := range h.replySnapshot() {
		if strings.Contains(r, "Verse 2") {
			t.Errorf("partial after cancellation delivered: %q", r)
		}
	}
	joined := strings.Join(h.replySnapshot(), "|")
	if !strings.Contains(joined, "haiku done") {
		t.Errorf("steered run reply missing: %q", joined)
	}
}

func TestSteerBacklogCarriesToolOutput(t *testing.T) {
	h := newHarness(t, Settings{Mode: ModeSteerBacklog, Cap: 10, Drop: DropOld})
	started := make(chan struct{}, 2)
	h.runFn = func(ctx context.Context, req agent.RunRequest) (agent.RunResult, error) {
		started <- struct{}{}
		if strings.Contains(req.Prompt, "research") {
			req.Hooks.OnToolResult("web_search", "found three papers")
			<-ctx.Done()
			return agent.RunResult{Aborted: true}, ctx.Err()
		}
		return agent.RunResult{Text: "done"}, nil
	}

	h.sched.Submit(testKey, env("research this topic"))
	<-started
	h.sched.Submit(testKey, env("focus on 2025 only"))
	<-started
	h.waitIdle(t)

	prompts := h.promptSnapshot()
	last := prompts[len(prompts)-1]
	if !strings.Contains(last, "focus on 2025 only") {
		t.Errorf("steered prompt missing new text: %q", last)
	}
	if !strings.Contains(last, "found three papers") {
		t.Errorf("steered prompt missing tool backlog: %q", last)
	}
}

func TestInterruptDiscardsPartial(t *testing.T) {
	h := newHarness(t, Settings{Mode: ModeInterrupt, Cap: 10, Drop: DropOld})
	started := make(chan struct{}, 2)
	h.runFn = func(ctx context.Context, req agent.RunRequest) (agent.RunResult, error) {
		started <- struct{}{}
		if strings.Contains(req.Prompt, "first") {
			<-ctx.Done()
			return agent.RunResult{Aborted: true}, ctx.Err()
		}
		return agent.RunResult{Text: "second answered"}, nil
	}

	h.sched.Submit(testKey, env("first task"))
	<-started
	h.sched.Submit(testKey, env("second task"))
	<-started
	h.waitIdle(t)

	prompts := h.promptSnapshot()
	last := prompts[len(prompts)-1]
	if !strings.Contains(last, "second task") || strings.Contains(last, "first task") {
		t.Errorf("interrupt prompt = %q, want only the new message", last)
	}
}

// Property 6: same idempotencyKey yields at most one run; the second call
// returns a status sticky to the first's outcome.
func TestIdempotentSubmit(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	block := make(chan struct{})
	h.runFn = func(ctx context.Context, req agent.RunRequest) (agent.RunResult, error) {
		<-block
		return agent.RunResult{Text: "done"}, nil
	}

	s1 := h.sched.SubmitIdempotent(testKey, "idem-1", env("hello"))
	if s1 != "started" {
		t.Fatalf("first submit status = %q", s1)
	}
	// Give the lane a moment to start.
	time.Sleep(20 * time.Millisecond)
	s2 := h.sched.SubmitIdempotent(testKey, "idem-1", env("hello"))
	if s2 != "in_flight" {
		t.Fatalf("second submit status = %q, want in_flight", s2)
	}

	close(block)
	h.waitIdle(t)

	if got := h.sched.SubmitIdempotent(testKey, "idem-1", env("hello")); got != "ok" {
		t.Errorf("post-completion status = %q, want ok (sticky)", got)
	}
	if runs := len(h.promptSnapshot()); runs != 1 {
		t.Errorf("runner invoked %d times, want 1", runs)
	}
}

func TestDropNewRejectsVisibly(t *testing.T) {
	h := newHarness(t, Settings{Mode: ModeFollowup, Cap: 1, Drop: DropNew})
	block := make(chan struct{})
	h.runFn = func(ctx context.Context, req agent.RunRequest) (agent.RunResult, error) {
		<-block
		return agent.RunResult{Text: "ok"}, nil
	}

	h.sched.Submit(testKey, env("running"))
	time.Sleep(20 * time.Millisecond)
	h.sched.Submit(testKey, env("buffered"))
	h.sched.Submit(testKey, env("rejected"))
	time.Sleep(20 * time.Millisecond)

	found := false
	for _, r := range h.replySnapshot() {
		if strings.Contains(r, "dropped") {
			found = true
		}
	}
	if !found {
		t.Errorf("no visible rejection reply: %q", h.replySnapshot())
	}
	close(block)
	h.waitIdle(t)
}

func TestDropSummarizeCompacts(t *testing.T) {
	h := newHarness(t, Settings{Mode: ModeFollowup, Cap: 2, Drop: DropSummarize})
	block := make(chan struct{})
	h.runFn = func(ctx context.Context, req agent.RunRequest) (agent.RunResult, error) {
		select {
		case <-block:
		default:
			<-block
		}
		return agent.RunResult{Text: "ok"}, nil
	}

	h.sched.Submit(testKey, env("running"))
	time.Sleep(20 * time.Millisecond)
	h.sched.Submit(testKey, env("aaa"))
	h.sched.Submit(testKey, env("bbb"))
	h.sched.Submit(testKey, env("ccc")) // over cap → oldest compacted
	if size := h.sched.TotalQueueSize(); size > 3 {
		t.Errorf("queue size after compaction = %d", size)
	}
	close(block)
	h.waitIdle(t)

	joined := strings.Join(h.promptSnapshot(), "|")
	if !strings.Contains(joined, "messages dropped") {
		t.Errorf("no summary envelope ran: %q", joined)
	}
}

// S6: a context overflow archives the transcript, mints a new session id,
// and replies visibly; the next send proceeds on the fresh session.
func TestContextOverflowResets(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	overflowed := false
	h.runFn = func(ctx context.Context, req agent.RunRequest) (agent.RunResult, error) {
		if !overflowed {
			overflowed = true
			return agent.RunResult{}, errors.New("400: prompt is too long: 210000 tokens > 200000")
		}
		return agent.RunResult{Text: "fresh start"}, nil
	}

	h.sched.Submit(testKey, env("big question"))
	h.waitIdle(t)

	oldSess, ok, _ := h.store.Get(testKey)
	if !ok || oldSess.SessionID == "" {
		t.Fatal("no session after overflow")
	}
	joined := strings.Join(h.replySnapshot(), "|")
	if !strings.Contains(joined, "Context limit exceeded") || !strings.Contains(joined, "reset") {
		t.Errorf("reset reply missing: %q", joined)
	}

	h.sched.Submit(testKey, env("again"))
	h.waitIdle(t)

	newSess, _, _ := h.store.Get(testKey)
	if newSess.SessionID == "" {
		t.Fatal("no session id after retry")
	}
	if !strings.Contains(strings.Join(h.replySnapshot(), "|"), "fresh start") {
		t.Errorf("second send did not proceed: %q", h.replySnapshot())
	}
}

func TestAbortLiveRun(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	started := make(chan struct{})
	h.runFn = func(ctx context.Context, req agent.RunRequest) (agent.RunResult, error) {
		close(started)
		<-ctx.Done()
		return agent.RunResult{Aborted: true}, ctx.Err()
	}

	h.sched.Submit(testKey, env("slow"))
	<-started

	runID := h.sched.LiveRunID(testKey)
	if runID == "" {
		t.Fatal("no live run id")
	}
	if !h.sched.Abort(testKey, runID) {
		t.Error("abort of live run returned false")
	}
	h.waitIdle(t)

	if h.sched.Abort(testKey, runID) {
		t.Error("abort of finished run returned true")
	}
	if h.sched.Abort("agent:default:telegram:dm:999", "") {
		t.Error("abort of unknown lane returned true")
	}
}

func TestQueueCommandReportsAndMutates(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	cmds := NewCommands(h.store, h.sched, nil, nil)
	h.sched.SetCommands(cmds)

	h.sched.Submit(testKey, env("/queue"))
	h.waitIdle(t)
	joined := strings.Join(h.replySnapshot(), "|")
	if !strings.Contains(joined, "mode=collect") {
		t.Fatalf("report missing: %q", joined)
	}

	h.sched.Submit(testKey, env("/queue mode:steer debounce:2s cap:5 drop:new"))
	h.waitIdle(t)

	got := h.sched.SettingsFor(testKey)
	if got.Mode != ModeSteer || got.Debounce != 2*time.Second || got.Cap != 5 || got.Drop != DropNew {
		t.Errorf("settings after /queue = %+v", got)
	}

	// Persisted to session metadata.
	sess, ok, _ := h.store.Get(testKey)
	if !ok || sess.QueueMode != "steer" || sess.QueueDebounceMs != 2000 || sess.QueueCap != 5 || sess.QueueDrop != "new" {
		t.Errorf("persisted queue settings = %+v", sess)
	}

	// Commands never reach the runner.
	if len(h.promptSnapshot()) != 0 {
		t.Errorf("control command hit the agent lane: %q", h.promptSnapshot())
	}
}

func TestReservedSkillMasksModelAlias(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	cmds := NewCommands(h.store, h.sched, []string{"deploy"}, map[string]string{"deploy": "claude-x", "fast": "claude-y"})
	h.sched.SetCommands(cmds)

	h.sched.Submit(testKey, env("/model deploy"))
	h.waitIdle(t)
	joined := strings.Join(h.replySnapshot(), "|")
	if !strings.Contains(joined, "reserved") {
		t.Errorf("masked alias accepted: %q", joined)
	}

	h.sched.Submit(testKey, env("/model fast"))
	h.waitIdle(t)
	if !strings.Contains(strings.Join(h.replySnapshot(), "|"), "claude-y") {
		t.Errorf("unmasked alias rejected: %q", h.replySnapshot())
	}
}

func TestNoReplySuppressed(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	h.runFn = func(ctx context.Context, req agent.RunRequest) (agent.RunResult, error) {
		return agent.RunResult{Text: "NO_REPLY"}, nil
	}
	h.sched.Submit(testKey, env("anything"))
	h.waitIdle(t)

	if got := h.replySnapshot(); len(got) != 0 {
		t.Errorf("NO_REPLY delivered: %q", got)
	}
	// Session metadata still recorded.
	sess, ok, _ := h.store.Get(testKey)
	if !ok || sess.LastChannel != "telegram" {
		t.Errorf("metadata not recorded on NO_REPLY: %+v", sess)
	}
}

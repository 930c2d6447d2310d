package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/approvals"
	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/dispatch"
	"github.com/nextlevelbuilder/switchboard/internal/scheduler"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// Property 7: no restart signal until queues and dispatchers drain, or the
// timeout elapses; the sentinel is always written first.
func TestRestartGateDefers(t *testing.T) {
	var queued, pending atomic.Int32
	pending.Store(2)

	var signaled atomic.Bool
	sentinelPath := filepath.Join(t.TempDir(), "sentinel.json")
	gate := &RestartGate{
		QueueSize:      func() int { return int(queued.Load()) },
		PendingReplies: func() int { return int(pending.Load()) },
		SentinelPath:   sentinelPath,
		Poll:           10 * time.Millisecond,
		Timeout:        5 * time.Second,
		Signal:         func() error { signaled.Store(true); return nil },
	}

	if gate.CanRestart() {
		t.Fatal("CanRestart with pending replies")
	}
	if !gate.Schedule(context.Background(), Sentinel{Kind: "config-apply", SessionKey: "agent:a:telegram:dm:1"}, 0) {
		t.Fatal("schedule refused")
	}
	if gate.Schedule(context.Background(), Sentinel{Kind: "dup"}, 0) {
		t.Error("second schedule accepted")
	}

	time.Sleep(100 * time.Millisecond)
	if signaled.Load() {
		t.Fatal("signal fired while replies pending")
	}

	pending.Store(1)
	time.Sleep(60 * time.Millisecond)
	if signaled.Load() {
		t.Fatal("signal fired at pending=1")
	}

	pending.Store(0)
	deadline := time.Now().Add(2 * time.Second)
	for !signaled.Load() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !signaled.Load() {
		t.Fatal("signal never fired after drain")
	}

	// Sentinel was written before the signal, preserving the session key.
	s, ok := ConsumeSentinel(sentinelPath)
	if !ok || s.SessionKey != "agent:a:telegram:dm:1" || s.Kind != "config-apply" {
		t.Errorf("sentinel = %+v ok=%v", s, ok)
	}
	// Consumed: second read fails.
	if _, ok := ConsumeSentinel(sentinelPath); ok {
		t.Error("sentinel not consumed")
	}
}

func TestRestartGateTimeoutStillSignals(t *testing.T) {
	var signaled atomic.Bool
	gate := &RestartGate{
		QueueSize:      func() int { return 1 }, // never drains
		PendingReplies: func() int { return 0 },
		SentinelPath:   filepath.Join(t.TempDir(), "sentinel.json"),
		Poll:           10 * time.Millisecond,
		Timeout:        100 * time.Millisecond,
		Signal:         func() error { signaled.Store(true); return nil },
	}
	gate.Schedule(context.Background(), Sentinel{Kind: "manual"}, 0)

	deadline := time.Now().Add(2 * time.Second)
	for !signaled.Load() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !signaled.Load() {
		t.Fatal("timeout did not force the signal")
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dispatch.ClearRegistryForTest()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	os.WriteFile(cfgPath, []byte(`{"gateway":{"port":18790,"host":"h1"}}`), 0o644)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	store := sessions.NewStore(filepath.Join(dir, "sessions"))
	sched := scheduler.New(scheduler.Options{
		Runner: nil,
		Store:  store,
		NewDispatcher: func(env *bus.Envelope, sessionKey, runID string) *dispatch.Dispatcher {
			return dispatch.New(dispatch.Options{Deliver: func(context.Context, bus.ReplyPayload) error { return nil }})
		},
	})
	return NewServer(Options{
		Config:     cfg,
		ConfigPath: cfgPath,
		Bus:        bus.New(),
		Scheduler:  sched,
		Store:      store,
		Ledger:     approvals.NewLedger(),
		Approvals:  approvals.NewFileStore(filepath.Join(dir, "exec-approvals.json")),
		Gate: &RestartGate{
			QueueSize:      sched.TotalQueueSize,
			PendingReplies: dispatch.TotalPendingReplies,
			SentinelPath:   filepath.Join(dir, "sentinel.json"),
			Signal:         func() error { return nil },
		},
	})
}

func operatorClient(s *Server, caps ...string) *Client {
	c := &Client{id: "test-conn", srv: s, caps: map[string]bool{protocol.CapOperatorRead: true}}
	c.connected = true
	c.role = "operator"
	c.deviceID = "device-test"
	for _, cap := range caps {
		c.caps[cap] = true
	}
	return c
}

// Property 5: get → edit raw → set(baseHash) round-trips; a stale hash is
// rejected.
func TestConfigRoundTrip(t *testing.T) {
	s := newTestServer(t)
	c := operatorClient(s, protocol.CapOperatorConfig)

	got, errShape := s.handleConfigGet(context.Background(), c, nil)
	if errShape != nil {
		t.Fatal(errShape)
	}
	doc := got.(map[string]interface{})
	hash := doc["hash"].(string)
	raw := doc["raw"].(string)

	edited := strings.Replace(raw, `"h1"`, `"h2"`, 1)
	params, _ := json.Marshal(map[string]interface{}{"raw": edited, "baseHash": hash})
	res, errShape := s.handleConfigSet(context.Background(), c, params)
	if errShape != nil {
		t.Fatal(errShape)
	}
	newHash := res.(map[string]interface{})["hash"].(string)
	if newHash == hash {
		t.Error("hash unchanged after set")
	}

	// Re-get sees the edit.
	got2, _ := s.handleConfigGet(context.Background(), c, nil)
	if !strings.Contains(got2.(map[string]interface{})["raw"].(string), "h2") {
		t.Error("edit lost")
	}

	// Intervening mutation: the old hash is now stale.
	_, errShape = s.handleConfigSet(context.Background(), c, params)
	if errShape == nil || !strings.Contains(errShape.Message, "re-run config.get") {
		t.Errorf("stale hash accepted: %v", errShape)
	}
}

func TestConfigSetRejectsSchemaViolations(t *testing.T) {
	s := newTestServer(t)
	c := operatorClient(s, protocol.CapOperatorConfig)

	got, _ := s.handleConfigGet(context.Background(), c, nil)
	hash := got.(map[string]interface{})["hash"].(string)

	params, _ := json.Marshal(map[string]interface{}{
		"raw": `{"gateway":{"port":"not-a-number"}}`, "baseHash": hash,
	})
	_, errShape := s.handleConfigSet(context.Background(), c, params)
	if errShape == nil || errShape.Code != protocol.ErrInvalidRequest {
		t.Errorf("schema violation accepted: %v", errShape)
	}
}

func TestConfigApplySchedulesRestart(t *testing.T) {
	s := newTestServer(t)
	c := operatorClient(s, protocol.CapOperatorConfig)

	got, _ := s.handleConfigGet(context.Background(), c, nil)
	doc := got.(map[string]interface{})

	params, _ := json.Marshal(map[string]interface{}{
		"raw": doc["raw"], "baseHash": doc["hash"],
		"sessionKey": "agent:a:telegram:dm:9", "restartDelayMs": 0,
	})
	res, errShape := s.handleConfigApply(context.Background(), c, params)
	if errShape != nil {
		t.Fatal(errShape)
	}
	out := res.(map[string]interface{})
	restart := out["restart"].(map[string]interface{})
	if restart["scheduled"] != true {
		t.Errorf("restart = %v", restart)
	}
	sentinel := out["sentinel"].(Sentinel)
	if sentinel.SessionKey != "agent:a:telegram:dm:9" {
		t.Errorf("sentinel = %+v", sentinel)
	}
}

// S3 shape: system.run with override flags but no prior request is
// rejected and never forwarded; an exec.denied event goes out.
func TestNodeInvokeApprovalGate(t *testing.T) {
	s := newTestServer(t)
	c := operatorClient(s, protocol.CapOperatorWrite)

	var denied atomic.Bool
	s.bus.Subscribe("watcher", func(ev bus.Event) {
		if ev.Name == protocol.EventExecDenied {
			denied.Store(true)
		}
	})

	// The mediation layer rejects before any node lookup happens.
	_, errShape := s.mediateSystemRun(c, map[string]interface{}{
		"command": "rm -rf /", "approved": true,
		"approvalDecision": "allow-always", "runId": "x",
	})
	if errShape == nil {
		t.Fatal("bypass attempt forwarded")
	}
	if code := detailCodeOf(errShape); code != protocol.ApprovalErrUnknownID {
		t.Errorf("code = %q", code)
	}
	if !denied.Load() {
		t.Error("exec.denied not broadcast")
	}

	// Unapproved command without flags: approval-required.
	_, errShape = s.mediateSystemRun(c, map[string]interface{}{"command": "curl https://x"})
	if errShape == nil || detailCodeOf(errShape) != protocol.ApprovalErrRequired {
		t.Errorf("unapproved command: %v", errShape)
	}
}

func TestNodeInvokeBlocksExecApprovalsSet(t *testing.T) {
	s := newTestServer(t)
	c := operatorClient(s, protocol.CapOperatorWrite)

	params, _ := json.Marshal(map[string]interface{}{
		"nodeId": "n1", "command": protocol.NodeCommandSystemExecApprovals,
		"params": map[string]interface{}{"file": "{}"},
	})
	_, errShape := s.handleNodeInvoke(context.Background(), c, params)
	if errShape == nil || errShape.Code != protocol.ErrInvalidRequest {
		t.Errorf("execApprovals.set not blocked: %v", errShape)
	}
}

func TestNodeInvokeAllowlistBypass(t *testing.T) {
	s := newTestServer(t)
	c := operatorClient(s, protocol.CapOperatorWrite)

	// Seed the approvals file with an agent allowlist entry.
	_, raw, hash, _ := s.approvals.Get()
	doc := strings.Replace(raw, `"version": 1`,
		`"version": 1, "agents": {"a1": {"allowlist": [{"pattern": "echo *"}]}}`, 1)
	if errShape := s.approvals.Set(doc, hash); errShape != nil {
		t.Fatal(errShape)
	}

	rebuilt, errShape := s.mediateSystemRun(c, map[string]interface{}{
		"command": "echo hello", "agentId": "a1",
	})
	if errShape != nil {
		t.Fatalf("allowlist bypass rejected: %v", errShape)
	}
	if rebuilt["approved"] != true {
		t.Errorf("rebuilt = %+v", rebuilt)
	}
}

func TestRouterRejectsMissingCap(t *testing.T) {
	s := newTestServer(t)
	c := operatorClient(s) // read only

	req := &protocol.RequestFrame{ID: "1", Method: protocol.MethodConfigSet, Params: []byte(`{}`)}
	_, errShape := s.router.Dispatch(context.Background(), c, req)
	if errShape == nil || errShape.Code != protocol.ErrUnauthorized {
		t.Errorf("missing cap allowed: %v", errShape)
	}

	req = &protocol.RequestFrame{ID: "2", Method: "no.such.method"}
	_, errShape = s.router.Dispatch(context.Background(), c, req)
	if errShape == nil || errShape.Code != protocol.ErrMethodNotFound {
		t.Errorf("unknown method: %v", errShape)
	}
}

func TestAuthTrustedProxy(t *testing.T) {
	s := newTestServer(t)
	s.cfg.Gateway.AuthMode = "trusted-proxy"
	s.cfg.Gateway.TrustedProxies = []string{"10.0.0.9"}
	s.cfg.Gateway.UserHeader = "X-Auth-User"
	s.cfg.Gateway.RequiredHeaders = []string{"X-Auth-Sig"}
	s.cfg.Gateway.AllowUsers = []string{"ann"}

	mk := func(peer, user, sig string) AuthResult {
		r := httptest.NewRequest("GET", "http://x/ws", nil)
		r.RemoteAddr = peer + ":1234"
		if user != "" {
			r.Header.Set("X-Auth-User", user)
		}
		if sig != "" {
			r.Header.Set("X-Auth-Sig", sig)
		}
		return s.authenticate(r)
	}

	if res := mk("10.0.0.9", "ann", "sig"); !res.OK || res.User != "ann" {
		t.Errorf("valid proxy rejected: %+v", res)
	}
	if res := mk("10.0.0.8", "ann", "sig"); res.OK {
		t.Error("untrusted peer accepted")
	}
	if res := mk("10.0.0.9", "", "sig"); res.OK {
		t.Error("missing user header accepted")
	}
	if res := mk("10.0.0.9", "ann", ""); res.OK {
		t.Error("missing required header accepted")
	}
	if res := mk("10.0.0.9", "bob", "sig"); res.OK {
		t.Error("disallowed user accepted")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(60, 2) // 1/s, burst 2
	if !rl.Check("1.2.3.4", "auth").Allowed {
		t.Fatal("first check blocked")
	}
	if !rl.Check("1.2.3.4", "auth").Allowed {
		t.Fatal("burst check blocked")
	}
	res := rl.Check("1.2.3.4", "auth")
	if res.Allowed {
		t.Fatal("over-burst allowed")
	}
	if res.RetryAfterMs <= 0 {
		t.Errorf("retryAfter = %d", res.RetryAfterMs)
	}
	// Other scopes and IPs are independent.
	if !rl.Check("1.2.3.4", "ws").Allowed {
		t.Error("scope not independent")
	}
	if !rl.Check("5.6.7.8", "auth").Allowed {
		t.Error("ip not independent")
	}

	disabled := NewRateLimiter(0, 0)
	if !disabled.Check("x", "y").Allowed {
		t.Error("disabled limiter blocked")
	}
}

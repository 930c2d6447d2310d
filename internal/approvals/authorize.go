package approvals

import (
	"strings"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// Caller identifies who is invoking system.run. DeviceID is stable across
// reconnects; ConnID is the per-connection fallback.
type Caller struct {
	ConnID          string
	DeviceID        string
	HasApprovalsCap bool
}

// forwardAllowlist is the exhaustive set of fields rebuilt into the
// forwarded system.run params. Everything else the client supplied —
// notably any approved* override — is stripped.
var forwardAllowlist = []string{
	"command", "rawCommand", "cwd", "env", "timeoutMs",
	"needsScreenRecording", "agentId", "sessionKey", "runId",
}

// AuthorizeRun validates a system.run invocation carrying approval override
// flags against the ledger and rebuilds the forwarded parameters. A nil
// error means forward the returned params.
func (l *Ledger) AuthorizeRun(caller Caller, params map[string]interface{}) (map[string]interface{}, *protocol.ErrorShape) {
	runID, _ := params["runId"].(string)
	if runID == "" {
		return nil, protocol.NewErrorWithDetail(protocol.ErrInvalidRequest,
			"approval override flags present but no runId", protocol.ApprovalErrMissingRunID)
	}

	l.mu.Lock()
	rec, ok := l.records[runID]
	if !ok {
		l.mu.Unlock()
		return nil, protocol.NewErrorWithDetail(protocol.ErrUnavailable,
			"no approval record for runId "+runID, protocol.ApprovalErrUnknownID)
	}
	now := l.now().UnixMilli()
	snapshot := *rec
	l.mu.Unlock()

	// Expiry applies to records that never got a decision and were not
	// explicitly timed out (the timeout path has its own one-shot fallback).
	if snapshot.Decision == "" && !snapshot.timedOut() && now > snapshot.ExpiresAtMs {
		return nil, protocol.NewErrorWithDetail(protocol.ErrUnavailable,
			"approval expired", protocol.ApprovalErrExpired)
	}

	// Device binding: the stable device id wins; the connection id is only
	// consulted when the record has no device id.
	if snapshot.RequestedByDeviceID != "" {
		if caller.DeviceID != snapshot.RequestedByDeviceID {
			return nil, protocol.NewErrorWithDetail(protocol.ErrUnauthorized,
				"approval was requested by a different device", protocol.ApprovalErrDeviceMismatch)
		}
	} else if snapshot.RequestedByConnID != "" && caller.ConnID != snapshot.RequestedByConnID {
		return nil, protocol.NewErrorWithDetail(protocol.ErrUnauthorized,
			"approval was requested by a different connection", protocol.ApprovalErrDeviceMismatch)
	}

	// Request binding: host, normalized command, cwd, agentId, sessionKey
	// must all match the record.
	req := requestFromParams(params)
	if !sameRequest(snapshot.Request, req) {
		return nil, protocol.NewErrorWithDetail(protocol.ErrInvalidRequest,
			"command does not match the approved request", protocol.ApprovalErrRequestMismatch)
	}

	// rawCommand, when present, must tokenize to the same argv as command.
	if raw, ok := params["rawCommand"].(string); ok && raw != "" {
		if !consistentRawCommand(req.Command, raw) {
			return nil, protocol.NewErrorWithDetail(protocol.ErrInvalidRequest,
				"rawCommand does not match command", protocol.ApprovalErrRawCommandMismatch)
		}
	}

	decision := snapshot.Decision
	if decision == "" {
		if !snapshot.timedOut() {
			return nil, protocol.NewErrorWithDetail(protocol.ErrUnavailable,
				"approval is still pending", protocol.ApprovalErrRequired)
		}
		// Timed-out record: permit — once — a caller-supplied allow-once
		// from an approvals-capable caller (UI "ask fallback").
		supplied, _ := params["approvalDecision"].(string)
		if supplied != string(DecisionAllowOnce) || !caller.HasApprovalsCap {
			return nil, protocol.NewErrorWithDetail(protocol.ErrUnavailable,
				"approval timed out without a decision", protocol.ApprovalErrRequired)
		}
		l.mu.Lock()
		live := l.records[runID]
		if live == nil || live.fallbackUsed {
			l.mu.Unlock()
			return nil, protocol.NewErrorWithDetail(protocol.ErrUnavailable,
				"timeout fallback already used", protocol.ApprovalErrRequired)
		}
		live.fallbackUsed = true
		l.mu.Unlock()
		decision = DecisionAllowOnce
	}

	// Rebuild forwarded params from the allowlist, then append the
	// server-vouched approval flags.
	rebuilt := make(map[string]interface{}, len(forwardAllowlist)+2)
	for _, k := range forwardAllowlist {
		if v, ok := params[k]; ok {
			rebuilt[k] = v
		}
	}
	rebuilt["approved"] = true
	rebuilt["approvalDecision"] = string(decision)
	return rebuilt, nil
}

func requestFromParams(params map[string]interface{}) Request {
	cmd, _ := params["command"].(string)
	cwd, _ := params["cwd"].(string)
	agentID, _ := params["agentId"].(string)
	sessionKey, _ := params["sessionKey"].(string)
	host, _ := params["host"].(string)
	if host == "" {
		host = "node"
	}
	return Request{
		Command:    NormalizeCommand(cmd),
		Host:       host,
		Cwd:        cwd,
		AgentID:    agentID,
		SessionKey: sessionKey,
	}
}

func sameRequest(a, b Request) bool {
	return a.Host == b.Host &&
		NormalizeCommand(a.Command) == NormalizeCommand(b.Command) &&
		a.Cwd == b.Cwd &&
		a.AgentID == b.AgentID &&
		a.SessionKey == b.SessionKey
}

// NormalizeCommand collapses whitespace so cosmetic spacing differences do
// not defeat (or fake) the equality check.
func NormalizeCommand(cmd string) string {
	return strings.Join(strings.Fields(cmd), " ")
}

// consistentRawCommand reports whether raw shell-tokenizes to the same
// argv as command. Unparseable raw input fails closed, and so does input
// the parser stops short of (an unquoted ;, &, |, < or >).
func consistentRawCommand(command, raw string) bool {
	p := shellwords.NewParser()
	cmdTokens, err := p.Parse(command)
	if err != nil || p.Position > 0 {
		return false
	}
	rp := shellwords.NewParser()
	rawTokens, err := rp.Parse(raw)
	if err != nil || rp.Position > 0 {
		return false
	}
	if len(cmdTokens) != len(rawTokens) {
		return false
	}
	for i := range cmdTokens {
		if cmdTokens[i] != rawTokens[i] {
			return false
		}
	}
	return true
}

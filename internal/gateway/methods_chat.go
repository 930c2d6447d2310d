package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

type chatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
	TimeoutMs      int    `json:"timeoutMs,omitempty"`
}

func (s *Server) handleChatSend(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p chatSendParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "bad chat.send params: "+err.Error())
	}
	if p.Message == "" {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "message required")
	}
	key, err := sessions.ParseKey(p.SessionKey)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, err.Error())
	}

	env := &bus.Envelope{
		Channel:    key.Channel,
		PeerKind:   peerKindOf(key.Scope),
		ChatID:     key.ScopeID,
		ThreadID:   key.ThreadID,
		Sender:     bus.Sender{ID: "operator:" + c.id},
		Text:       p.Message,
		ReceivedAt: time.Now(),
	}

	status := s.sched.SubmitIdempotent(p.SessionKey, p.IdempotencyKey, env)
	out := map[string]interface{}{"status": status}
	if runID := s.sched.LiveRunID(p.SessionKey); runID != "" {
		out["runId"] = runID
	}
	return out, nil
}

func peerKindOf(scope sessions.Scope) string {
	if scope == sessions.ScopeDM {
		return "direct"
	}
	return "group"
}

type chatAbortParams struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId,omitempty"`
}

func (s *Server) handleChatAbort(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p chatAbortParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "bad chat.abort params: "+err.Error())
	}
	aborted := s.sched.Abort(p.SessionKey, p.RunID)
	return map[string]interface{}{"aborted": aborted}, nil
}

type chatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

// handleChatHistory reads the session transcript (first existing
// candidate) and returns the newest messages within the byte budget.
func (s *Server) handleChatHistory(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p chatHistoryParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "bad chat.history params: "+err.Error())
	}
	key, err := sessions.ParseKey(p.SessionKey)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, err.Error())
	}

	sess, ok, err := s.store.Get(p.SessionKey)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	if !ok {
		return map[string]interface{}{"messages": []json.RawMessage{}}, nil
	}

	path := s.store.OpenTranscript(sess.SessionID, key.AgentID)
	if path == "" {
		return map[string]interface{}{"messages": []json.RawMessage{}}, nil
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	budget := s.cfg.Gateway.HistoryByteBudget
	if budget <= 0 {
		budget = 256 * 1024
	}

	messages, rerr := readTranscriptTail(path, limit, budget)
	if rerr != nil {
		return nil, protocol.NewError(protocol.ErrInternal, rerr.Error())
	}
	return map[string]interface{}{"messages": messages}, nil
}

// readTranscriptTail scans the JSON-lines transcript and keeps the last
// `limit` message lines whose total size fits the byte budget. Compaction
// markers are skipped.
func readTranscriptTail(path string, limit, budget int) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		var probe struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(line, &probe) == nil && probe.Type == "compaction" {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		lines = append(lines, cp)
		if len(lines) > limit {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// Enforce the byte budget from the tail backwards.
	total := 0
	start := len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		total += len(lines[i])
		if total > budget {
			break
		}
		start = i
	}
	return lines[start:], nil
}

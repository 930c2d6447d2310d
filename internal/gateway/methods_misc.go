package gateway

import (
	"context"
	"encoding/json"

	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/dispatch"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

func (s *Server) handleHealthMethod(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	return map[string]interface{}{"status": "ok", "protocol": protocol.ProtocolVersion}, nil
}

func (s *Server) handleStatus(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	s.mu.RLock()
	clients, nodes := len(s.clients), len(s.nodes)
	s.mu.RUnlock()
	return map[string]interface{}{
		"clients":        clients,
		"nodes":          nodes,
		"queueSize":      s.sched.TotalQueueSize(),
		"pendingReplies": dispatch.TotalPendingReplies(),
		"canRestart":     s.gate != nil && s.gate.CanRestart(),
	}, nil
}

func (s *Server) handleSessionsList(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	all, err := s.store.Load()
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	type item struct {
		Key string `json:"key"`
		sessions.Session
	}
	out := make([]item, 0, len(all))
	for k, v := range all {
		out = append(out, item{Key: k, Session: v})
	}
	return map[string]interface{}{"sessions": out}, nil
}

type sessionKeyParams struct {
	SessionKey string `json:"sessionKey"`
}

func (s *Server) handleSessionsReset(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p sessionKeyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, err.Error())
	}
	if _, err := sessions.ParseKey(p.SessionKey); err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, err.Error())
	}
	s.sched.ResetSession(p.SessionKey)
	return map[string]interface{}{"ok": true}, nil
}

func (s *Server) handleSessionsDelete(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p sessionKeyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, err.Error())
	}
	key, err := sessions.ParseKey(p.SessionKey)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, err.Error())
	}
	if sess, ok, _ := s.store.Get(p.SessionKey); ok {
		s.store.Archive(sess.SessionID, key.AgentID, sessions.ArchiveDeleted)
	}
	if err := s.store.Delete(p.SessionKey); err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	return map[string]interface{}{"ok": true}, nil
}

func (s *Server) handleCronList(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	if s.cron == nil {
		return map[string]interface{}{"jobs": []config.CronJob{}}, nil
	}
	return map[string]interface{}{"jobs": s.cron.List()}, nil
}

func (s *Server) handleCronAdd(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	if s.cron == nil {
		return nil, protocol.NewError(protocol.ErrUnavailable, "cron disabled")
	}
	var job config.CronJob
	if err := json.Unmarshal(params, &job); err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, err.Error())
	}
	if err := s.cron.Add(job); err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, err.Error())
	}
	return map[string]interface{}{"ok": true}, nil
}

type cronIDParams struct {
	ID string `json:"id"`
}

func (s *Server) handleCronRemove(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	if s.cron == nil {
		return nil, protocol.NewError(protocol.ErrUnavailable, "cron disabled")
	}
	var p cronIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, err.Error())
	}
	return map[string]interface{}{"removed": s.cron.Remove(p.ID)}, nil
}

func (s *Server) handleCronRun(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	if s.cron == nil {
		return nil, protocol.NewError(protocol.ErrUnavailable, "cron disabled")
	}
	var p cronIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, err.Error())
	}
	if !s.cron.RunNow(p.ID) {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "unknown job "+p.ID)
	}
	return map[string]interface{}{"ok": true}, nil
}

package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/approvals"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

type approvalRequestParams struct {
	ID         string `json:"id"`
	Command    string `json:"command"`
	Cwd        string `json:"cwd,omitempty"`
	Host       string `json:"host,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	TimeoutMs  int    `json:"timeoutMs,omitempty"`
}

func (s *Server) handleApprovalRequest(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p approvalRequestParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "bad approval request: "+err.Error())
	}
	if p.ID == "" || p.Command == "" {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "id and command required")
	}
	host := p.Host
	if host == "" {
		host = "node"
	}

	ttl := time.Duration(p.TimeoutMs) * time.Millisecond
	if ttl <= 0 {
		if cfgTTL := s.cfg.Approvals.TTLMs; cfgTTL > 0 {
			ttl = time.Duration(cfgTTL) * time.Millisecond
		}
	}

	caller := c.approvalCaller()
	rec, err := s.ledger.Open(p.ID, approvals.Request{
		Command:    approvals.NormalizeCommand(p.Command),
		Host:       host,
		Cwd:        p.Cwd,
		AgentID:    p.AgentID,
		SessionKey: p.SessionKey,
	}, caller.connID, caller.deviceID, ttl)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, err.Error())
	}

	s.Broadcast(protocol.EventExecApprovalReq, rec)

	// Arm the timeout: if nobody resolves in time, the record flips to
	// resolved-without-decision and subscribers hear about it.
	go func(id string, wait time.Duration) {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		<-timer.C
		if rec, ok := s.ledger.Snapshot(id); !ok || rec.Decision != "" {
			return
		}
		if timedOut, ok := s.ledger.Timeout(id); ok && timedOut.Decision == "" {
			s.Broadcast(protocol.EventExecApprovalRes, map[string]interface{}{
				"id": id, "decision": nil, "timeout": true,
			})
		}
	}(p.ID, ttl)

	return rec, nil
}

type approvalResolveParams struct {
	ID       string `json:"id"`
	Decision string `json:"decision"`
}

func (s *Server) handleApprovalResolve(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p approvalResolveParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "bad approval resolve: "+err.Error())
	}
	rec, err := s.ledger.Resolve(p.ID, approvals.Decision(p.Decision), c.id)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, err.Error())
	}
	s.Broadcast(protocol.EventExecApprovalRes, rec)
	return rec, nil
}

func (s *Server) handleApprovalList(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	return map[string]interface{}{"approvals": s.ledger.List()}, nil
}

func (s *Server) handleApprovalsFileGet(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	_, raw, hash, err := s.approvals.Get()
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	return map[string]interface{}{"file": raw, "hash": hash}, nil
}

type approvalsFileSetParams struct {
	File     string `json:"file"`
	BaseHash string `json:"baseHash"`
}

func (s *Server) handleApprovalsFileSet(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p approvalsFileSetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "bad approvals set: "+err.Error())
	}
	if p.BaseHash == "" {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "baseHash required")
	}
	if errShape := s.approvals.Set(p.File, p.BaseHash); errShape != nil {
		return nil, errShape
	}
	_, _, hash, err := s.approvals.Get()
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	return map[string]interface{}{"ok": true, "hash": hash}, nil
}

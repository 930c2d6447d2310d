package gateway

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

const configChangedMsg = "config changed; re-run config.get and retry"

// currentConfigDoc reads the config file, returning the raw bytes, the
// normalized JSON form, and the raw-content hash.
func (s *Server) currentConfigDoc() (raw []byte, normalized []byte, hash string, err error) {
	raw, err = os.ReadFile(s.cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			raw = nil
		} else {
			return nil, nil, "", err
		}
	}
	hash = config.HashRaw(raw)
	if len(raw) == 0 {
		return raw, []byte("{}"), hash, nil
	}
	normalized, err = config.NormalizeJSON5(raw)
	if err != nil {
		return nil, nil, "", err
	}
	return raw, normalized, hash, nil
}

func (s *Server) handleConfigGet(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	_, normalized, hash, err := s.currentConfigDoc()
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}

	valid, issues, verr := config.Validate(normalized)
	if verr != nil {
		return nil, protocol.NewError(protocol.ErrInternal, verr.Error())
	}

	redacted, err := config.Redact(normalized)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}

	var cfgObj interface{}
	json.Unmarshal(redacted, &cfgObj)
	return map[string]interface{}{
		"config": cfgObj,
		"valid":  valid,
		"issues": issues,
		"raw":    string(redacted),
		"hash":   hash,
	}, nil
}

func (s *Server) handleConfigSchema(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var schema interface{}
	if err := json.Unmarshal([]byte(config.Schema), &schema); err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	return map[string]interface{}{"schema": schema}, nil
}

type configWriteParams struct {
	Raw            string `json:"raw"`
	BaseHash       string `json:"baseHash"`
	SessionKey     string `json:"sessionKey,omitempty"`
	Note           string `json:"note,omitempty"`
	RestartDelayMs int    `json:"restartDelayMs,omitempty"`
}

// handleConfigSet replaces the config document without restarting.
func (s *Server) handleConfigSet(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	return s.writeConfig(ctx, params, "config-set", false)
}

// handleConfigApply replaces the document and schedules a gated restart.
func (s *Server) handleConfigApply(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	return s.writeConfig(ctx, params, "config-apply", true)
}

// handleConfigPatch applies a JSON merge-patch and schedules a gated
// restart.
func (s *Server) handleConfigPatch(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p configWriteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "bad config.patch params: "+err.Error())
	}
	if p.BaseHash == "" {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "baseHash required")
	}

	_, normalized, hash, err := s.currentConfigDoc()
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	if p.BaseHash != hash {
		return nil, protocol.NewError(protocol.ErrConflict, configChangedMsg)
	}

	merged, err := config.MergePatch(normalized, []byte(p.Raw))
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, err.Error())
	}
	return s.persistAndMaybeRestart(merged, p, "config-patch", true)
}

func (s *Server) writeConfig(ctx context.Context, params json.RawMessage, kind string, restart bool) (interface{}, *protocol.ErrorShape) {
	var p configWriteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "bad config params: "+err.Error())
	}
	if p.BaseHash == "" {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "baseHash required")
	}

	_, stored, hash, err := s.currentConfigDoc()
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	if p.BaseHash != hash {
		return nil, protocol.NewError(protocol.ErrConflict, configChangedMsg)
	}

	edited, err := config.NormalizeJSON5([]byte(p.Raw))
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "config is not valid JSON: "+err.Error())
	}

	// Clients round-trip redacted documents: restore placeholders from the
	// stored config before validating or writing.
	restored, err := config.Restore(edited, stored)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	return s.persistAndMaybeRestart(restored, p, kind, restart)
}

func (s *Server) persistAndMaybeRestart(doc []byte, p configWriteParams, kind string, restart bool) (interface{}, *protocol.ErrorShape) {
	valid, issues, verr := config.Validate(doc)
	if verr != nil {
		return nil, protocol.NewError(protocol.ErrInternal, verr.Error())
	}
	if !valid {
		return nil, &protocol.ErrorShape{
			Code:    protocol.ErrInvalidRequest,
			Message: "config failed schema validation",
			Details: map[string]interface{}{"issues": issues},
		}
	}

	if err := config.SaveRaw(s.cfgPath, doc); err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}

	// Reload the effective config (env overlay reapplies secrets).
	next, err := config.Load(s.cfgPath)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	s.cfg.ReplaceFrom(next)
	s.Broadcast(protocol.EventConfigChanged, map[string]interface{}{"kind": kind})

	var cfgObj interface{}
	if redacted, err := config.Redact(doc); err == nil {
		json.Unmarshal(redacted, &cfgObj)
	}
	out := map[string]interface{}{
		"ok":     true,
		"path":   s.cfgPath,
		"config": cfgObj,
		"hash":   config.HashRaw(doc),
	}

	if restart && s.gate != nil {
		sentinel := Sentinel{
			Kind:       kind,
			Ts:         time.Now().UnixMilli(),
			SessionKey: p.SessionKey,
			Message:    p.Note,
		}
		delay := time.Duration(p.RestartDelayMs) * time.Millisecond
		scheduled := s.gate.Schedule(context.Background(), sentinel, delay)
		s.Broadcast(protocol.EventRestartPending, map[string]interface{}{"kind": kind})
		out["restart"] = map[string]interface{}{"scheduled": scheduled, "delayMs": p.RestartDelayMs}
		out["sentinel"] = sentinel
	}
	return out, nil
}

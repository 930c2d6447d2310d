// Package sessions — session keys, per-session metadata, and transcript
// addressing.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{channel}:{scope}:{scopeId}
//	agent:{agentId}:{channel}:{scope}:{scopeId}:thread:{tid}
//	agent:{agentId}:{channel}:{scope}:{scopeId}:topic:{tid}
//
// Where scope is one of dm|channel|group|topic. Examples:
//
//	agent:default:telegram:dm:386246614
//	agent:default:telegram:group:-100123456:topic:99
//	agent:default:discord:channel:885512:thread:990001
package sessions

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidKey is returned when a session key is missing segments or uses
// an unknown scope.
var ErrInvalidKey = errors.New("invalid session key")

// Scope classifies the conversation a session is bound to.
type Scope string

const (
	ScopeDM      Scope = "dm"
	ScopeChannel Scope = "channel"
	ScopeGroup   Scope = "group"
	ScopeTopic   Scope = "topic"
)

func validScope(s Scope) bool {
	switch s {
	case ScopeDM, ScopeChannel, ScopeGroup, ScopeTopic:
		return true
	}
	return false
}

// Key is the parsed form of a session key.
type Key struct {
	AgentID  string
	Channel  string
	Scope    Scope
	ScopeID  string
	ThreadID string // set for :thread:/:topic: suffixed keys
}

// BuildKey builds the canonical session key.
func BuildKey(agentID, channel string, scope Scope, scopeID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, scope, scopeID)
}

// BuildThreadKey builds a session key with a thread suffix. Telegram forum
// topics use the "topic" tag; every other channel uses "thread" — the two
// are treated identically past parsing.
func BuildThreadKey(agentID, channel string, scope Scope, scopeID, threadID string) string {
	tag := "thread"
	if channel == "telegram" {
		tag = "topic"
	}
	return fmt.Sprintf("agent:%s:%s:%s:%s:%s:%s", agentID, channel, scope, scopeID, tag, threadID)
}

// ParseKey parses a canonical session key back into its parts.
func ParseKey(key string) (Key, error) {
	parts := strings.Split(key, ":")
	if len(parts) < 5 || parts[0] != "agent" {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	k := Key{
		AgentID: parts[1],
		Channel: parts[2],
		Scope:   Scope(parts[3]),
	}
	if k.AgentID == "" || k.Channel == "" {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if !validScope(k.Scope) {
		return Key{}, fmt.Errorf("%w: unknown scope %q in %q", ErrInvalidKey, parts[3], key)
	}

	rest := parts[4:]
	switch {
	case len(rest) == 1:
		k.ScopeID = rest[0]
	case len(rest) == 3 && (rest[1] == "thread" || rest[1] == "topic"):
		k.ScopeID = rest[0]
		k.ThreadID = rest[2]
	default:
		// Scope ids may themselves contain colons (chat GUIDs); accept a
		// multi-segment scope id only when no thread suffix is present.
		if idx := indexThreadTag(rest); idx >= 0 {
			if idx == 0 || idx != len(rest)-2 {
				return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
			}
			k.ScopeID = strings.Join(rest[:idx], ":")
			k.ThreadID = rest[idx+1]
		} else {
			k.ScopeID = strings.Join(rest, ":")
		}
	}
	if k.ScopeID == "" {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return k, nil
}

func indexThreadTag(parts []string) int {
	for i, p := range parts {
		if p == "thread" || p == "topic" {
			return i
		}
	}
	return -1
}

// AgentOf extracts the agent id without a full parse. Returns "" when the
// key is not canonical.
func AgentOf(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return ""
	}
	return parts[1]
}

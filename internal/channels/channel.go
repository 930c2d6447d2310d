// Package channels is the adapter layer between external chat platforms
// and the session core. Adapters produce normalized envelopes on the bus
// and accept outbound payloads; the manager owns per-channel inbound
// debouncing and the fan-in into the scheduler.
package channels

import (
	"context"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
)

// InternalChannels are system channels excluded from outbound dispatch.
var InternalChannels = map[string]bool{
	"system": true,
	"cron":   true,
}

// IsInternalChannel checks if a channel name is internal.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// Channel is the contract every adapter satisfies.
type Channel interface {
	// Name returns the channel identifier ("telegram", "discord", ...).
	Name() string

	// Start begins producing envelopes. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the adapter down.
	Stop(ctx context.Context) error

	// Send delivers one outbound message.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning reports whether the adapter is live.
	IsRunning() bool
}

// StatusChannel is implemented by adapters that can render typing
// indicators.
type StatusChannel interface {
	Channel
	PushStatus(update bus.StatusUpdate)
}

// BaseChannel provides the shared allowlist/policy plumbing. Adapters
// embed it.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	running   bool
	allowList []string
	agentID   string
}

// NewBaseChannel creates the embedded base.
func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{name: name, bus: msgBus, allowList: allowList}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// AgentID returns the explicit agent route ("" = default agent).
func (c *BaseChannel) AgentID() string { return c.agentID }

// SetAgentID pins this adapter's traffic to one agent.
func (c *BaseChannel) SetAgentID(id string) { c.agentID = id }

// IsRunning reports the running flag.
func (c *BaseChannel) IsRunning() bool { return c.running }

// SetRunning updates the running flag.
func (c *BaseChannel) SetRunning(running bool) { c.running = running }

// Bus returns the message bus.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// IsAllowed checks the allowlist. A compound "id|username" form is
// accepted on either side; an empty allowlist allows everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	idPart, userPart, _ := strings.Cut(senderID, "|")
	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID, allowedUser, _ := strings.Cut(trimmed, "|")
		if senderID == allowed || senderID == trimmed ||
			idPart == allowed || idPart == trimmed || idPart == allowedID ||
			(allowedUser != "" && (senderID == allowedUser || userPart == allowedUser)) ||
			(userPart != "" && (userPart == allowed || userPart == trimmed)) {
			return true
		}
	}
	return false
}

// CheckPolicy evaluates the DM/group policy for a message. peerKind is
// "direct" or "group".
func (c *BaseChannel) CheckPolicy(peerKind, dmPolicy, groupPolicy, senderID string) bool {
	policy := dmPolicy
	if peerKind == "group" {
		policy = groupPolicy
	}
	switch policy {
	case "disabled":
		return false
	case "allowlist":
		return c.IsAllowed(senderID)
	default: // "open" or unset
		return true
	}
}

// PublishEnvelope forwards a normalized envelope onto the bus after the
// allowlist check. The standard inbound path for adapters.
func (c *BaseChannel) PublishEnvelope(env *bus.Envelope) {
	if !c.IsAllowed(env.Sender.ID) {
		return
	}
	if env.Channel == "" {
		env.Channel = c.name
	}
	if env.Metadata == nil {
		env.Metadata = map[string]string{}
	}
	if c.agentID != "" {
		env.Metadata["agentId"] = c.agentID
	}
	c.bus.PublishInbound(env)
}

// Truncate shortens a string to a display width for logging previews.
func Truncate(s string, maxWidth int) string {
	return runewidth.Truncate(s, maxWidth, "...")
}

package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
)

// CommandOutcome is the synchronous result of a control command. Handled
// commands skip the agent lane entirely.
type CommandOutcome struct {
	Handled bool
	Reply   string
}

// builtinCommands are always recognized. Built-ins win over installed
// skill commands on name collision (exact string compare).
var builtinCommands = map[string]bool{
	"help": true, "status": true, "model": true, "models": true,
	"think": true, "thinking": true, "queue": true, "verbose": true,
	"stop": true, "reset": true, "new": true,
}

// Commands classifies and executes the slash-command surface.
type Commands struct {
	store sessions.StoreAPI
	sched *Scheduler

	// reserved holds installed skill command names. Reserved names mask any
	// model alias whose normalized alias would collide.
	reserved map[string]bool

	// modelAliases maps alias → model id for /model.
	modelAliases map[string]string
}

// NewCommands builds the command surface. skillNames become reserved.
func NewCommands(store sessions.StoreAPI, sched *Scheduler, skillNames []string, modelAliases map[string]string) *Commands {
	reserved := make(map[string]bool, len(skillNames))
	for _, n := range skillNames {
		reserved[normalizeAlias(n)] = true
	}
	if modelAliases == nil {
		modelAliases = map[string]string{}
	}
	return &Commands{store: store, sched: sched, reserved: reserved, modelAliases: modelAliases}
}

func normalizeAlias(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// IsCommand reports whether text starts with a slash-prefixed control
// command. Used by the debouncer bypass and the scheduler front door.
func IsCommand(text string) bool {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "/") || len(t) < 2 {
		return false
	}
	word := strings.ToLower(strings.TrimPrefix(strings.Fields(t)[0], "/"))
	return word != ""
}

// Handle executes a control command against a session. Unrecognized
// commands return Handled=false and fall through to the agent lane.
func (c *Commands) Handle(env *bus.Envelope, sessionKey string) CommandOutcome {
	t := strings.TrimSpace(env.Text)
	if !strings.HasPrefix(t, "/") {
		return CommandOutcome{}
	}
	fields := strings.Fields(t)
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	args := strings.TrimSpace(strings.TrimPrefix(t, fields[0]))

	if c.reserved[name] && !builtinCommands[name] {
		// Installed skill command: routed to the agent as-is, but it still
		// bypasses the debounce window (classifier recognized it).
		return CommandOutcome{}
	}

	switch name {
	case "help":
		return CommandOutcome{Handled: true, Reply: c.helpText()}
	case "status":
		return c.handleStatus(sessionKey)
	case "queue":
		return c.handleQueue(sessionKey, args)
	case "verbose":
		return c.handleVerbose(sessionKey, args)
	case "model":
		return c.handleModel(sessionKey, args)
	case "models":
		return c.handleModels()
	case "think", "thinking":
		return c.handleThink(sessionKey, args)
	case "stop":
		aborted := c.sched.AbortAll(sessionKey)
		if aborted {
			return CommandOutcome{Handled: true, Reply: "Stopped."}
		}
		return CommandOutcome{Handled: true, Reply: "Nothing to stop."}
	case "reset", "new":
		c.sched.ResetSession(sessionKey)
		return CommandOutcome{Handled: true, Reply: "Session reset. Next message starts fresh."}
	}
	return CommandOutcome{}
}

func (c *Commands) helpText() string {
	var b strings.Builder
	b.WriteString("Commands: /help /status /model /models /think /queue /verbose /stop /reset\n")
	b.WriteString("Queue modes: " + strings.Join(sortedModes(), ", "))
	return b.String()
}

func (c *Commands) handleStatus(sessionKey string) CommandOutcome {
	sess, ok, err := c.store.Get(sessionKey)
	if err != nil {
		return CommandOutcome{Handled: true, Reply: "status unavailable: " + err.Error()}
	}
	if !ok {
		return CommandOutcome{Handled: true, Reply: "No session yet."}
	}
	reply := fmt.Sprintf("session %s · tokens in/out %d/%d · compactions %d",
		sess.SessionID, sess.InputTokens, sess.OutputTokens, sess.CompactionCount)
	return CommandOutcome{Handled: true, Reply: reply}
}

// handleQueue reports with no args, mutates and persists with args.
func (c *Commands) handleQueue(sessionKey, args string) CommandOutcome {
	cur := c.sched.SettingsFor(sessionKey)
	next, changed, err := ParseQueueArgs(cur, args)
	if err != nil {
		return CommandOutcome{Handled: true, Reply: "queue: " + err.Error()}
	}
	if !changed {
		return CommandOutcome{Handled: true, Reply: cur.Report()}
	}

	if err := c.sched.ApplySettings(sessionKey, next); err != nil {
		return CommandOutcome{Handled: true, Reply: "queue: " + err.Error()}
	}
	return CommandOutcome{Handled: true, Reply: next.Report()}
}

func (c *Commands) handleVerbose(sessionKey, args string) CommandOutcome {
	level := 0
	switch strings.ToLower(strings.TrimSpace(args)) {
	case "", "on", "1", "true":
		level = 1
	case "off", "0", "false":
		level = 0
	default:
		return CommandOutcome{Handled: true, Reply: "usage: /verbose on|off"}
	}
	_, err := c.store.Mutate(sessionKey, func(cur *sessions.Session) *sessions.Session {
		if cur == nil {
			cur = &sessions.Session{}
		}
		cur.VerboseLevel = level
		return cur
	})
	if err != nil {
		return CommandOutcome{Handled: true, Reply: "verbose: " + err.Error()}
	}
	c.sched.SetVerbose(sessionKey, level)
	if level > 0 {
		return CommandOutcome{Handled: true, Reply: "Verbose tool output on."}
	}
	return CommandOutcome{Handled: true, Reply: "Verbose tool output off."}
}

// handleModel resolves a model alias. Skill names are reserved and mask
// colliding aliases.
func (c *Commands) handleModel(sessionKey, args string) CommandOutcome {
	alias := normalizeAlias(args)
	if alias == "" {
		return CommandOutcome{Handled: true, Reply: "usage: /model <alias> — see /models"}
	}
	if c.reserved[alias] {
		return CommandOutcome{Handled: true, Reply: fmt.Sprintf("%q is a reserved skill command and cannot be used as a model alias", alias)}
	}
	model, ok := c.modelAliases[alias]
	if !ok {
		return CommandOutcome{Handled: true, Reply: fmt.Sprintf("unknown model alias %q — see /models", alias)}
	}
	return CommandOutcome{Handled: true, Reply: "Model set: " + model}
}

func (c *Commands) handleModels() CommandOutcome {
	if len(c.modelAliases) == 0 {
		return CommandOutcome{Handled: true, Reply: "No model aliases configured."}
	}
	aliases := make([]string, 0, len(c.modelAliases))
	for a := range c.modelAliases {
		if c.reserved[a] {
			continue // masked by a skill command
		}
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)
	var b strings.Builder
	b.WriteString("Model aliases:\n")
	for _, a := range aliases {
		b.WriteString(fmt.Sprintf("  %s → %s\n", a, c.modelAliases[a]))
	}
	return CommandOutcome{Handled: true, Reply: strings.TrimRight(b.String(), "\n")}
}

func (c *Commands) handleThink(sessionKey, args string) CommandOutcome {
	level := strings.ToLower(strings.TrimSpace(args))
	switch level {
	case "off", "low", "medium", "high":
		return CommandOutcome{Handled: true, Reply: "Thinking level: " + level}
	case "":
		return CommandOutcome{Handled: true, Reply: "usage: /think off|low|medium|high"}
	default:
		return CommandOutcome{Handled: true, Reply: fmt.Sprintf("unknown thinking level %q", level)}
	}
}

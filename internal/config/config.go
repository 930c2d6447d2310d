// Package config is the typed configuration tree for the gateway, loaded
// from a JSON5 file with env-var overlay, content-hash optimistic
// concurrency, JSON merge-patch mutation, schema validation, and secret
// redaction.
package config

import (
	"sync"
	"time"
)

// DefaultAgentID routes sessions when no binding matches.
const DefaultAgentID = "default"

// Config is the root configuration.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Sessions  SessionsConfig  `json:"sessions"`
	Media     MediaConfig     `json:"media,omitempty"`
	Approvals ApprovalsConfig `json:"approvals,omitempty"`
	Restart   RestartConfig   `json:"restart,omitempty"`
	Cron      []CronJob       `json:"cron,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`

	mu sync.RWMutex
}

// GatewayConfig configures the WS/HTTP control surface.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// AuthMode: "token" (default), "password", or "trusted-proxy".
	AuthMode string `json:"auth_mode,omitempty"`
	Token    string `json:"-"` // env SWITCHBOARD_GATEWAY_TOKEN only
	Password string `json:"-"` // env SWITCHBOARD_GATEWAY_PASSWORD only

	TrustedProxies  []string `json:"trusted_proxies,omitempty"`
	UserHeader      string   `json:"user_header,omitempty"`
	RequiredHeaders []string `json:"required_headers,omitempty"`
	AllowUsers      []string `json:"allow_users,omitempty"`

	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"`

	MaxBodyBytes      int64 `json:"max_body_bytes,omitempty"`
	BodyReadTimeoutMs int   `json:"body_read_timeout_ms,omitempty"`

	// HistoryByteBudget caps chat.history responses.
	HistoryByteBudget int `json:"history_byte_budget,omitempty"`
}

// AgentsConfig holds defaults plus per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults apply to every agent without an explicit override.
type AgentDefaults struct {
	// Command is the external agent CLI argv prefix; the rendered prompt
	// is appended as the final argument.
	Command      []string          `json:"command,omitempty"`
	RunTimeoutMs int               `json:"run_timeout_ms,omitempty"`
	Queue        QueueConfig       `json:"queue,omitempty"`
	VerboseLevel int               `json:"verbose_level,omitempty"`
	ModelAliases map[string]string `json:"model_aliases,omitempty"`
}

// AgentSpec is a per-agent override; zero values inherit from defaults.
type AgentSpec struct {
	DisplayName string       `json:"displayName,omitempty"`
	Queue       *QueueConfig `json:"queue,omitempty"`
	Default     bool         `json:"default,omitempty"`
}

// QueueConfig mirrors the scheduler lane settings.
type QueueConfig struct {
	Mode       string `json:"mode,omitempty"`        // collect|followup|steer|steer+backlog|interrupt
	DebounceMs int    `json:"debounce_ms,omitempty"` // inbound coalescing window
	Cap        int    `json:"cap,omitempty"`
	Drop       string `json:"drop,omitempty"` // old|new|summarize
}

// ChannelsConfig enables channel adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Webhook  WebhookConfig  `json:"webhook,omitempty"`
}

// ReplyToMode values: "off", "first", "all", "explicit-only".
type TelegramConfig struct {
	Enabled     bool     `json:"enabled,omitempty"`
	Token       string   `json:"-"` // env SWITCHBOARD_TELEGRAM_TOKEN only
	AllowFrom   []string `json:"allow_from,omitempty"`
	DMPolicy    string   `json:"dm_policy,omitempty"`    // open|allowlist|disabled
	GroupPolicy string   `json:"group_policy,omitempty"` // open|allowlist|disabled
	ReplyToMode string   `json:"reply_to_mode,omitempty"`
}

type DiscordConfig struct {
	Enabled     bool     `json:"enabled,omitempty"`
	Token       string   `json:"-"` // env SWITCHBOARD_DISCORD_TOKEN only
	AllowFrom   []string `json:"allow_from,omitempty"`
	DMPolicy    string   `json:"dm_policy,omitempty"`
	GroupPolicy string   `json:"group_policy,omitempty"`
	ReplyToMode string   `json:"reply_to_mode,omitempty"`
}

// WebhookConfig mounts generic JSON webhooks, one path per target.
type WebhookConfig struct {
	Enabled bool            `json:"enabled,omitempty"`
	Targets []WebhookTarget `json:"targets,omitempty"`
}

// WebhookTarget is one mounted webhook path.
type WebhookTarget struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Token string `json:"token,omitempty"` // bearer, compared constant-time
}

// SessionsConfig configures the session store.
type SessionsConfig struct {
	StoreDir string `json:"store_dir,omitempty"`
	Backend  string `json:"backend,omitempty"` // "file" (default) | "sqlite"
}

// MediaConfig configures outbound media safety.
type MediaConfig struct {
	AllowRoots []string         `json:"allow_roots,omitempty"`
	MaxBytes   map[string]int64 `json:"max_bytes,omitempty"` // per channel
}

// ApprovalsConfig configures the exec approval ledger and file.
type ApprovalsConfig struct {
	FilePath  string `json:"file_path,omitempty"`
	TTLMs     int    `json:"ttl_ms,omitempty"`
	SweepMins int    `json:"sweep_mins,omitempty"`
}

// RestartConfig bounds the restart gate.
type RestartConfig struct {
	DelayMs    int `json:"delay_ms,omitempty"`
	TimeoutMs  int `json:"timeout_ms,omitempty"`
	PollMs     int `json:"poll_ms,omitempty"`
	SentinelAt string `json:"sentinel_at,omitempty"` // sentinel file path
}

// CronJob schedules a synthetic agent wakeup.
type CronJob struct {
	ID       string `json:"id"`
	Schedule string `json:"schedule"` // cron expression
	AgentID  string `json:"agent_id,omitempty"`
	Prompt   string `json:"prompt"`
	Channel  string `json:"channel,omitempty"` // delivery channel for the result
	To       string `json:"to,omitempty"`      // delivery chat id
	Disabled bool   `json:"disabled,omitempty"`
}

// TelemetryConfig configures OTLP span export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) | "http"
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener (build tag tsnet)
// and identity-header auth.
type TailscaleConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	StateDir string `json:"state_dir,omitempty"`
	AuthKey  string `json:"-"` // env SWITCHBOARD_TSNET_AUTH_KEY only
}

// BodyReadTimeout converts the configured timeout.
func (g GatewayConfig) BodyReadTimeout() time.Duration {
	if g.BodyReadTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(g.BodyReadTimeoutMs) * time.Millisecond
}

// ResolveDefaultAgentID returns the agent marked default, or "default".
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

// QueueFor resolves the effective queue settings for an agent.
func (c *Config) QueueFor(agentID string) QueueConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q := c.Agents.Defaults.Queue
	if spec, ok := c.Agents.List[agentID]; ok && spec.Queue != nil {
		o := spec.Queue
		if o.Mode != "" {
			q.Mode = o.Mode
		}
		if o.DebounceMs > 0 {
			q.DebounceMs = o.DebounceMs
		}
		if o.Cap > 0 {
			q.Cap = o.Cap
		}
		if o.Drop != "" {
			q.Drop = o.Drop
		}
	}
	return q
}

// ReplaceFrom copies all data fields from src, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Sessions = src.Sessions
	c.Media = src.Media
	c.Approvals = src.Approvals
	c.Restart = src.Restart
	c.Cron = src.Cron
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}

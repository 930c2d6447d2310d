package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with working defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:              "0.0.0.0",
			Port:              18790,
			AuthMode:          "token",
			RateLimitRPM:      20,
			MaxBodyBytes:      1 << 20,
			HistoryByteBudget: 256 * 1024,
		},
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Queue: QueueConfig{Mode: "collect", DebounceMs: 500, Cap: 10, Drop: "old"},
			},
		},
		Sessions: SessionsConfig{
			StoreDir: "~/.switchboard/sessions",
			Backend:  "file",
		},
		Approvals: ApprovalsConfig{
			FilePath: "~/.switchboard/exec-approvals.json",
			TTLMs:    30_000,
		},
		Restart: RestartConfig{
			DelayMs:    0,
			TimeoutMs:  60_000,
			PollMs:     50,
			SentinelAt: "~/.switchboard/restart-sentinel.json",
		},
	}
}

// Load reads the config file (JSON5), then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars; env wins over file values. Secrets
// only ever come from here.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("SWITCHBOARD_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("SWITCHBOARD_GATEWAY_PASSWORD", &c.Gateway.Password)
	envStr("SWITCHBOARD_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("SWITCHBOARD_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("SWITCHBOARD_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("SWITCHBOARD_HOST", &c.Gateway.Host)
	envStr("SWITCHBOARD_SESSIONS_DIR", &c.Sessions.StoreDir)

	if v := os.Getenv("SWITCHBOARD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Credentials via env auto-enable their channel.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
}

// Save writes the config atomically.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o600)
}

// SaveRaw writes pre-rendered config bytes atomically (used by config.set,
// which round-trips the raw document).
func SaveRaw(path string, raw []byte) error {
	return writeFileAtomic(path, raw, 0o600)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// HashRaw hashes raw config bytes for optimistic concurrency.
func HashRaw(raw []byte) string {
	h := sha256.Sum256(raw)
	return fmt.Sprintf("%x", h[:8])
}

// FileHash returns the hash of the on-disk config, hashing an empty
// document when the file does not exist.
func FileHash(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return HashRaw(nil), nil
		}
		return "", err
	}
	return HashRaw(raw), nil
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if path[1] == '/' {
		return home + path[1:]
	}
	return path
}

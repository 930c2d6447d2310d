package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 18790 || cfg.Agents.Defaults.Queue.Mode != "collect" {
		t.Errorf("defaults = %+v", cfg.Gateway)
	}
}

func TestLoadJSON5AndEnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{
  // comments are fine
  gateway: { port: 9999 },
  channels: { telegram: { enabled: false } },
}`), 0o644)

	t.Setenv("SWITCHBOARD_TELEGRAM_TOKEN", "tg-secret")
	t.Setenv("SWITCHBOARD_PORT", "7777")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 7777 {
		t.Errorf("env did not win: port = %d", cfg.Gateway.Port)
	}
	if cfg.Channels.Telegram.Token != "tg-secret" || !cfg.Channels.Telegram.Enabled {
		t.Errorf("token env overlay failed: %+v", cfg.Channels.Telegram)
	}
}

func TestSecretsNeverPersisted(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Token = "super-secret"
	cfg.Channels.Telegram.Token = "tg-secret"

	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(path)
	if strings.Contains(string(raw), "super-secret") || strings.Contains(string(raw), "tg-secret") {
		t.Error("secret leaked into the persisted config")
	}
}

func TestMergePatch(t *testing.T) {
	doc := []byte(`{"gateway":{"port":1,"host":"a"},"sessions":{"backend":"file"}}`)

	out, err := MergePatch(doc, []byte(`{"gateway":{"port":2},"sessions":null,"media":{"allow_roots":["/tmp"]}}`))
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]interface{}
	json.Unmarshal(out, &got)

	gw := got["gateway"].(map[string]interface{})
	if gw["port"] != float64(2) || gw["host"] != "a" {
		t.Errorf("gateway = %v", gw)
	}
	if _, ok := got["sessions"]; ok {
		t.Error("null did not delete sessions")
	}
	if _, ok := got["media"]; !ok {
		t.Error("new subtree not added")
	}
}

func TestValidateSchema(t *testing.T) {
	ok, issues, err := Validate([]byte(`{"gateway":{"port":18790,"auth_mode":"token"}}`))
	if err != nil || !ok {
		t.Fatalf("valid doc rejected: ok=%v issues=%v err=%v", ok, issues, err)
	}

	ok, issues, err = Validate([]byte(`{"gateway":{"port":"not-a-number"},"bogus":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if ok || len(issues) == 0 {
		t.Errorf("invalid doc accepted: ok=%v issues=%v", ok, issues)
	}
}

func TestRedactRestoreRoundTrip(t *testing.T) {
	stored := []byte(`{"gateway":{"token":"real-token","host":"h"},"channels":{"telegram":{"token":"tg"}}}`)

	redacted, err := Redact(stored)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(redacted), "real-token") || strings.Contains(string(redacted), `"tg"`) {
		t.Fatalf("redaction leaked secrets: %s", redacted)
	}
	if !strings.Contains(string(redacted), redactedPlaceholder) {
		t.Fatalf("no placeholder present: %s", redacted)
	}

	// Client edits a non-secret field and sends the doc back.
	edited := strings.Replace(string(redacted), `"h"`, `"new-host"`, 1)
	restored, err := Restore([]byte(edited), stored)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(restored), "real-token") {
		t.Errorf("secret not restored: %s", restored)
	}
	if !strings.Contains(string(restored), "new-host") {
		t.Errorf("edit lost: %s", restored)
	}
}

func TestHashRawChangesWithContent(t *testing.T) {
	a := HashRaw([]byte(`{"a":1}`))
	b := HashRaw([]byte(`{"a":2}`))
	if a == b || a == "" {
		t.Errorf("hashes: %q %q", a, b)
	}
}

func TestQueueForAgentOverride(t *testing.T) {
	cfg := Default()
	cfg.Agents.List = map[string]AgentSpec{
		"ops": {Queue: &QueueConfig{Mode: "steer", Cap: 3}},
	}
	q := cfg.QueueFor("ops")
	if q.Mode != "steer" || q.Cap != 3 || q.DebounceMs != 500 {
		t.Errorf("QueueFor(ops) = %+v", q)
	}
	if q := cfg.QueueFor("other"); q.Mode != "collect" {
		t.Errorf("QueueFor(other) = %+v", q)
	}
}

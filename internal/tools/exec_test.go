package tools

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestSanitizeEnv(t *testing.T) {
	parent := []string{
		"PATH=/usr/bin",
		"HOME=/home/u",
		"LD_PRELOAD=/tmp/evil.so",
		"DYLD_INSERT_LIBRARIES=/tmp/evil.dylib",
		"NODE_OPTIONS=--require evil",
		"PYTHONPATH=/tmp",
		"TERM=xterm",
	}
	extra := map[string]string{
		"PATH":       "/tmp/evil-bin", // ignored
		"Ld_Preload": "/tmp/x",        // ignored, case-insensitive
		"MY_VAR":     "ok",
	}

	got := SanitizeEnv(parent, extra)
	joined := strings.Join(got, "\n")

	for _, want := range []string{"PATH=/usr/bin", "HOME=/home/u", "TERM=xterm", "MY_VAR=ok"} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing %q in %q", want, joined)
		}
	}
	for _, banned := range []string{"LD_PRELOAD", "DYLD_", "NODE_OPTIONS", "PYTHONPATH", "/tmp/evil-bin", "Ld_Preload"} {
		if strings.Contains(joined, banned) {
			t.Errorf("banned %q survived: %q", banned, joined)
		}
	}
}

func TestExecCapturesOutput(t *testing.T) {
	res, err := Exec(context.Background(), ExecRequest{Command: []string{"echo", "hello"}})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" || res.ExitCode != 0 {
		t.Errorf("res = %+v", res)
	}
}

func TestExecNonZeroExitIsResult(t *testing.T) {
	res, err := Exec(context.Background(), ExecRequest{Command: []string{"sh", "-c", "exit 3"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit = %d", res.ExitCode)
	}
}

func TestExecTruncatesAtCap(t *testing.T) {
	res, err := Exec(context.Background(), ExecRequest{
		Command:        []string{"sh", "-c", "yes x | head -c 10000"},
		MaxOutputBytes: 512,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated {
		t.Fatal("not marked truncated")
	}
	if !strings.HasSuffix(res.Stdout, TruncationSuffix) {
		t.Errorf("suffix missing: %q", res.Stdout[len(res.Stdout)-40:])
	}
	if len(res.Stdout) > 512+len(TruncationSuffix) {
		t.Errorf("output exceeds cap: %d", len(res.Stdout))
	}
}

func TestExecTimeoutKills(t *testing.T) {
	start := time.Now()
	res, err := Exec(context.Background(), ExecRequest{
		Command: []string{"sleep", "30"},
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.TimedOut {
		t.Error("not marked timed out")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("SIGKILL escalation did not happen")
	}
}

func TestExecEnvStrippedInChild(t *testing.T) {
	t.Setenv("LD_PRELOAD", "/tmp/evil.so")
	t.Setenv("KEEP_ME", "yes")

	res, err := Exec(context.Background(), ExecRequest{Command: []string{"env"}})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(res.Stdout, "LD_PRELOAD") {
		t.Error("LD_PRELOAD leaked into child env")
	}
	if !strings.Contains(res.Stdout, "KEEP_ME=yes") {
		t.Error("benign env var lost")
	}
}

// Package tools holds the host-side execution helpers the gateway and node
// hosts share: the sanitized sub-process runner and its output caps.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultOutputCap bounds captured sub-process output.
const DefaultOutputCap = 256 * 1024

// TruncationSuffix is appended when output is cut at the cap.
const TruncationSuffix = "... (truncated)"

// strippedEnvKeys are interpreter/loader injection vectors removed from
// every sub-exec environment regardless of caller wishes.
var strippedEnvKeys = map[string]bool{
	"NODE_OPTIONS": true,
	"PYTHONHOME":   true,
	"PYTHONPATH":   true,
	"PERL5LIB":     true,
	"PERL5OPT":     true,
	"RUBYOPT":      true,
}

func strippedEnvKey(key string) bool {
	upper := strings.ToUpper(key)
	if strippedEnvKeys[upper] {
		return true
	}
	return strings.HasPrefix(upper, "DYLD_") || strings.HasPrefix(upper, "LD_")
}

// ExecRequest describes one sanitized sub-process run.
type ExecRequest struct {
	Command []string          // argv; argv[0] resolved via the process PATH
	Cwd     string            //
	Env     map[string]string // caller additions; PATH and loader keys are ignored
	Timeout time.Duration     // 0 = no timeout
	MaxOutputBytes int        // 0 = DefaultOutputCap
}

// ExecResult is the captured outcome.
type ExecResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool
	TimedOut  bool
}

// SanitizeEnv builds the child environment: the parent environment minus
// loader-injection keys, plus caller additions filtered the same way.
// Caller PATH overrides are ignored outright.
func SanitizeEnv(parent []string, extra map[string]string) []string {
	out := make([]string, 0, len(parent)+len(extra))
	for _, kv := range parent {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || strippedEnvKey(key) {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range extra {
		if strings.EqualFold(k, "PATH") || strippedEnvKey(k) {
			slog.Debug("sub-exec env key ignored", "key", k)
			continue
		}
		out = append(out, k+"="+v)
	}
	return out
}

// Exec runs a command with a sanitized environment, bounded output, and a
// SIGKILL-backed timeout.
func Exec(ctx context.Context, req ExecRequest) (ExecResult, error) {
	if len(req.Command) == 0 {
		return ExecResult{}, fmt.Errorf("empty command")
	}
	cap := req.MaxOutputBytes
	if cap <= 0 {
		cap = DefaultOutputCap
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, req.Command[0], req.Command[1:]...)
	cmd.Dir = req.Cwd
	cmd.Env = SanitizeEnv(os.Environ(), req.Env)
	cmd.WaitDelay = time.Second // escalate to SIGKILL when the child ignores the context kill

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &capWriter{dst: &stdout, limit: cap}
	cmd.Stderr = &capWriter{dst: &stderr, limit: cap}

	err := cmd.Run()

	res := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if runCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		err = nil
	}
	if cw, ok := cmd.Stdout.(*capWriter); ok && cw.truncated {
		res.Stdout += TruncationSuffix
		res.Truncated = true
	}
	if cw, ok := cmd.Stderr.(*capWriter); ok && cw.truncated {
		res.Stderr += TruncationSuffix
		res.Truncated = true
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, nil // non-zero exit is a result, not an error
		}
		return res, err
	}
	return res, nil
}

// capWriter counts bytes into dst up to limit, then discards.
type capWriter struct {
	dst       *bytes.Buffer
	limit     int
	truncated bool
}

func (w *capWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.dst.Len()
	if remaining <= 0 {
		w.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		w.dst.Write(p[:remaining])
		w.truncated = true
		return len(p), nil
	}
	w.dst.Write(p)
	return len(p), nil
}

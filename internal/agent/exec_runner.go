package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/tools"
)

// ExecRunner drives an external agent CLI: the prompt goes in as the final
// argument, the terminal reply comes back on stdout. The sub-process runs
// with the sanitized environment and output caps.
type ExecRunner struct {
	// Command is the agent argv prefix, e.g. ["claude", "-p"].
	Command []string

	// Timeout bounds one invocation (0 = 10 minutes).
	Timeout time.Duration

	// Env adds variables to the sanitized child environment. The session
	// id is always passed so the CLI resumes the right transcript.
	Env map[string]string
}

func (r *ExecRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	if len(r.Command) == 0 {
		return RunResult{}, fmt.Errorf("agent command not configured")
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	env := make(map[string]string, len(r.Env)+2)
	for k, v := range r.Env {
		env[k] = v
	}
	env["AGENT_SESSION_ID"] = req.SessionID
	env["AGENT_SESSION_KEY"] = req.SessionKey

	argv := append(append([]string(nil), r.Command...), req.Prompt)
	res, err := tools.Exec(ctx, tools.ExecRequest{
		Command: argv,
		Env:     env,
		Timeout: timeout,
	})
	if err != nil {
		return RunResult{}, err
	}
	if ctx.Err() != nil {
		return RunResult{Aborted: true}, ctx.Err()
	}
	if res.TimedOut {
		return RunResult{}, fmt.Errorf("agent run timeout awaiting response")
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return RunResult{}, fmt.Errorf("agent exited %d: %s", res.ExitCode, msg)
	}

	text := strings.TrimSpace(res.Stdout)
	if req.Hooks.OnAgentEvent != nil {
		req.Hooks.OnAgentEvent(Event{Type: "run.completed", AgentID: req.AgentID, RunID: req.RunID})
	}
	return RunResult{Text: text}, nil
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	shellwords "github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/switchboard/internal/gateway"
	"github.com/nextlevelbuilder/switchboard/internal/tools"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

func nodeCmd() *cobra.Command {
	var (
		nodeURL   string
		nodeToken string
		nodeID    string
		nodeName  string
	)
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a node host that executes approved system.run commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

			ctx := cmd.Context()
			c, err := gateway.Dial(ctx, nodeURL, gateway.DialOptions{
				Token:    nodeToken,
				DeviceID: deviceID(),
				Role:     "node",
				NodeID:   nodeID,
				Commands: []string{protocol.NodeCommandSystemRun},
			})
			if err != nil {
				return err
			}
			defer c.Close()
			c.OnRequest = handleNodeRequest

			slog.Info("node host connected", "nodeId", nodeID, "gateway", nodeURL)
			for range c.Events() {
				// Drain events until the connection dies.
			}
			return fmt.Errorf("gateway connection closed")
		},
	}
	cmd.Flags().StringVar(&nodeURL, "url", "ws://127.0.0.1:18790/ws", "gateway WebSocket URL")
	cmd.Flags().StringVar(&nodeToken, "token", os.Getenv("SWITCHBOARD_GATEWAY_TOKEN"), "gateway token")
	cmd.Flags().StringVar(&nodeID, "node-id", "", "stable node id (default: connection id)")
	cmd.Flags().StringVar(&nodeName, "name", "", "display name")
	return cmd
}

type systemRunParams struct {
	Command   string            `json:"command"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
	Approved  bool              `json:"approved,omitempty"`
}

// handleNodeRequest serves gateway-forwarded invocations. The gateway has
// already mediated approvals; an unapproved system.run reaching here is a
// protocol violation and is refused.
func handleNodeRequest(method string, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	if method != protocol.NodeCommandSystemRun {
		return nil, protocol.NewError(protocol.ErrMethodNotFound, "node serves only system.run")
	}

	var p systemRunParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, err.Error())
	}
	if !p.Approved {
		return nil, protocol.NewError(protocol.ErrUnauthorized, "unapproved system.run refused")
	}

	argv, err := shellwords.NewParser().Parse(p.Command)
	if err != nil || len(argv) == 0 {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "unparseable command")
	}

	timeout := time.Duration(p.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	res, err := tools.Exec(context.Background(), tools.ExecRequest{
		Command: argv,
		Cwd:     p.Cwd,
		Env:     p.Env,
		Timeout: timeout,
	})
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	return map[string]interface{}{
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
		"exitCode":  res.ExitCode,
		"truncated": res.Truncated,
		"timedOut":  res.TimedOut,
	}, nil
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/switchboard/internal/gateway"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

var (
	clientURL   string
	clientToken string
)

func clientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Operator client for a running gateway",
	}
	cmd.PersistentFlags().StringVar(&clientURL, "url", "ws://127.0.0.1:18790/ws", "gateway WebSocket URL")
	cmd.PersistentFlags().StringVar(&clientToken, "token", os.Getenv("SWITCHBOARD_GATEWAY_TOKEN"), "gateway token")

	cmd.AddCommand(clientSendCmd())
	cmd.AddCommand(clientHistoryCmd())
	cmd.AddCommand(clientEventsCmd())
	cmd.AddCommand(clientApproveCmd())
	cmd.AddCommand(clientStatusCmd())
	return cmd
}

func dialOperator(ctx context.Context, caps ...string) (*gateway.RemoteClient, error) {
	return gateway.Dial(ctx, clientURL, gateway.DialOptions{
		Token:        clientToken,
		DeviceID:     deviceID(),
		Capabilities: caps,
	})
}

// deviceID is stable across reconnects: persisted under the user config
// dir on first use.
func deviceID() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "ephemeral"
	}
	path := dir + "/switchboard/device-id"
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return string(data)
	}
	id := uuid.NewString()
	os.MkdirAll(dir+"/switchboard", 0o755)
	os.WriteFile(path, []byte(id), 0o600)
	return id
}

func printJSON(raw json.RawMessage) {
	var v interface{}
	if json.Unmarshal(raw, &v) == nil {
		out, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(out))
		return
	}
	fmt.Println(string(raw))
}

func clientSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <sessionKey> <message>",
		Short: "Send a message into a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			c, err := dialOperator(ctx, protocol.CapOperatorWrite)
			if err != nil {
				return err
			}
			defer c.Close()

			raw, err := c.Call(ctx, protocol.MethodChatSend, map[string]interface{}{
				"sessionKey":     args[0],
				"message":        args[1],
				"idempotencyKey": uuid.NewString(),
			})
			if err != nil {
				return err
			}
			printJSON(raw)
			return nil
		},
	}
}

func clientHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <sessionKey>",
		Short: "Show recent session messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			c, err := dialOperator(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			raw, err := c.Call(ctx, protocol.MethodChatHistory, map[string]interface{}{
				"sessionKey": args[0], "limit": limit,
			})
			if err != nil {
				return err
			}
			printJSON(raw)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max messages")
	return cmd
}

func clientEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Tail gateway events",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialOperator(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			var lastSeq uint64
			for ev := range c.Events() {
				if lastSeq != 0 && ev.Seq != lastSeq+1 {
					fmt.Fprintf(os.Stderr, "! event gap: %d → %d\n", lastSeq, ev.Seq)
				}
				lastSeq = ev.Seq
				payload, _ := json.Marshal(ev.Payload)
				fmt.Printf("[%d] %s %s\n", ev.Seq, ev.Name, payload)
			}
			return nil
		},
	}
}

func clientApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <approvalId> <allow-once|allow-always>",
		Short: "Resolve a pending exec approval",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			c, err := dialOperator(ctx, protocol.CapOperatorApprovals)
			if err != nil {
				return err
			}
			defer c.Close()

			raw, err := c.Call(ctx, protocol.MethodApprovalResolve, map[string]interface{}{
				"id": args[0], "decision": args[1],
			})
			if err != nil {
				return err
			}
			printJSON(raw)
			return nil
		},
	}
}

func clientStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			c, err := dialOperator(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			raw, err := c.Call(ctx, protocol.MethodStatus, nil)
			if err != nil {
				return err
			}
			printJSON(raw)
			return nil
		},
	}
}

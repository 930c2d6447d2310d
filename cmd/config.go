package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and mutate gateway configuration",
	}
	cmd.PersistentFlags().StringVar(&clientURL, "url", "ws://127.0.0.1:18790/ws", "gateway WebSocket URL")
	cmd.PersistentFlags().StringVar(&clientToken, "token", os.Getenv("SWITCHBOARD_GATEWAY_TOKEN"), "gateway token")

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Fetch the current (redacted) config and its hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			c, err := dialOperator(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			raw, err := c.Call(ctx, protocol.MethodConfigGet, nil)
			if err != nil {
				return err
			}
			printJSON(raw)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "apply <file>",
		Short: "Apply a config document (schedules a gated restart)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()
			c, err := dialOperator(ctx, protocol.CapOperatorConfig)
			if err != nil {
				return err
			}
			defer c.Close()

			// Fetch the baseline hash first — apply requires it.
			getRaw, err := c.Call(ctx, protocol.MethodConfigGet, nil)
			if err != nil {
				return err
			}
			var got struct {
				Hash string `json:"hash"`
			}
			if err := json.Unmarshal(getRaw, &got); err != nil {
				return err
			}

			raw, err := c.Call(ctx, protocol.MethodConfigApply, map[string]interface{}{
				"raw": string(data), "baseHash": got.Hash,
			})
			if err != nil {
				return err
			}
			printJSON(raw)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the config JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			c, err := dialOperator(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			raw, err := c.Call(ctx, protocol.MethodConfigSchema, nil)
			if err != nil {
				return err
			}
			printJSON(raw)
			return nil
		},
	})
	return cmd
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List and reset sessions",
	}
	cmd.PersistentFlags().StringVar(&clientURL, "url", "ws://127.0.0.1:18790/ws", "gateway WebSocket URL")
	cmd.PersistentFlags().StringVar(&clientToken, "token", os.Getenv("SWITCHBOARD_GATEWAY_TOKEN"), "gateway token")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			c, err := dialOperator(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			raw, err := c.Call(ctx, protocol.MethodSessionsList, nil)
			if err != nil {
				return err
			}
			printJSON(raw)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <sessionKey>",
		Short: "Archive a session's transcript and start fresh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			c, err := dialOperator(ctx, protocol.CapOperatorWrite)
			if err != nil {
				return err
			}
			defer c.Close()
			raw, err := c.Call(ctx, protocol.MethodSessionsReset, map[string]interface{}{"sessionKey": args[0]})
			if err != nil {
				return err
			}
			printJSON(raw)
			fmt.Println("reset", args[0])
			return nil
		},
	})
	return cmd
}

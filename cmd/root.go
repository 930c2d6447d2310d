package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// Version is set at build time via
// -ldflags "-X github.com/nextlevelbuilder/switchboard/cmd.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "switchboard",
	Short: "Switchboard — multi-channel conversational gateway",
	Long: "Switchboard routes chat messages from Telegram, Discord, and webhooks " +
		"into long-running agent sessions, with an operator WebSocket protocol " +
		"for driving sessions, approving commands, and mutating configuration.",
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $SWITCHBOARD_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(nodeCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(sessionsCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("switchboard %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if env := os.Getenv("SWITCHBOARD_CONFIG"); env != "" {
		return env
	}
	if _, err := os.Stat("config.json"); err == nil {
		return "config.json"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return home + "/.switchboard/config.json"
}

// Execute runs the CLI. Exit codes: 0 clean, 1 runtime error, 2 parse
// error.
func Execute() {
	// Cobra runs persistent pre-run hooks only after flags and positional
	// arguments validated, so reaching one means any later error is a
	// runtime error.
	parsed := false
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) { parsed = true }
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if parsed {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

// Package cmd implements the agentgate CLI: a cobra root command with
// gateway and doctor subcommands and config-file/verbose flag binding.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// Version is set at build time via -ldflags "-X .../cmd.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "agentgate",
	Short: "agentgate - capability-gated agent runtime",
	Long:  "agentgate: a WebSocket gateway that routes chat requests to LLM-backed agent identities and dispatches tool calls into sandboxed WASM plugins.",
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json5 or $AGENTGATE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(gatewayCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentgate %s (protocol %s)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("AGENTGATE_CONFIG"); v != "" {
		return v
	}
	return "config.json5"
}

// Execute runs the root cobra command, exiting non-zero on configuration
// or bind failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

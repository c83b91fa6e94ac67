package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot assembles the command tree.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(globalFlags),
		createStartCommand(globalFlags),
		createStopCommand(globalFlags),
		createRestartCommand(globalFlags),
		createAcceptCommand(globalFlags),
		createLogsCommand(globalFlags),
		createAdminCommand(globalFlags),
		createConfigCommand(globalFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "vktunnel",
		Short: "Supervisor for vk-tunnel with Telegram control",
		Long: `vktunnel keeps a vk-tunnel process alive, reports its public host to
Telegram and the VPN panel, and accepts control commands from Telegram admins
or the local HTTP API.

Examples:
  vktunnel config init              # write vktunnel.toml
  vktunnel serve --config vktunnel.toml
  vktunnel status                   # ask the running daemon
  vktunnel admin add 123456789`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "control API base URL (default from [server])")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 0, "control API request timeout")
	return root
}

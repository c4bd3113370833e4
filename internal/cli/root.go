// Package cli wires NCP's cobra command tree: serve, profile, health, and
// doctor subcommands, plus version.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/ncp-mesh/ncp/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "ncp",
	Short: "NCP - a meta-router for the Model Context Protocol",
	Long: `NCP sits between one AI client and many downstream MCP servers.

It exposes four tools to the client -- find, run, listResources,
listPrompts -- instead of forwarding every downstream tool schema
directly, so the client sees a small search surface instead of hundreds
of raw tool definitions. Connections to downstream servers are lazy,
health-checked, and hibernate when idle.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newProfileCmd())
	rootCmd.AddCommand(newHealthCmd())
	rootCmd.AddCommand(newDoctorCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("ncp version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

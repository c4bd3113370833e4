package cli

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ncp-mesh/ncp/internal/config"
	"github.com/ncp-mesh/ncp/internal/logging"
	"github.com/ncp-mesh/ncp/internal/ncp/health"
)

func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Inspect or reset endpoint health state",
	}

	cmd.AddCommand(newHealthStatusCmd())
	cmd.AddCommand(newHealthResetCmd())

	return cmd
}

func openHealthMonitor(loader *config.Loader) *health.Monitor {
	logger := logging.New(logging.Config{Level: "warn", Pretty: false})
	return health.NewMonitor(filepath.Join(loader.DataDir(), "health.json"), logger)
}

func newHealthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current health status of every known endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := config.NewLoader()
			if err != nil {
				return fmt.Errorf("create config loader: %w", err)
			}

			monitor := openHealthMonitor(loader)
			statuses := monitor.AllStatuses()
			if len(statuses) == 0 {
				cmd.Println("no endpoints have reported health yet")
				return nil
			}

			names := make([]string, 0, len(statuses))
			for name := range statuses {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				cmd.Printf("%-24s %s\n", name, statuses[name])
			}
			return nil
		},
	}
}

func newHealthResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <endpoint>",
		Short: "Clear an endpoint's health record, re-admitting it for attach",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := config.NewLoader()
			if err != nil {
				return fmt.Errorf("create config loader: %w", err)
			}

			monitor := openHealthMonitor(loader)
			monitor.Reset(args[0])
			cmd.Printf("reset health state for %q\n", args[0])
			return nil
		},
	}
}

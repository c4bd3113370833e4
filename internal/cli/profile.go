package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ncp-mesh/ncp/internal/config"
	"github.com/ncp-mesh/ncp/internal/ncp/profile"
)

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspect and validate endpoint profiles",
	}

	cmd.AddCommand(newProfileListCmd())
	cmd.AddCommand(newProfileValidateCmd())

	return cmd
}

func newProfileListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List profiles known to this install",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := config.NewLoader()
			if err != nil {
				return fmt.Errorf("create config loader: %w", err)
			}

			entries, err := os.ReadDir(loader.ProfilesDir())
			if err != nil {
				if os.IsNotExist(err) {
					cmd.Println("no profiles configured")
					return nil
				}
				return fmt.Errorf("read profiles directory: %w", err)
			}

			names := make([]string, 0, len(entries))
			for _, e := range entries {
				if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
					continue
				}
				names = append(names, strings.TrimSuffix(e.Name(), ".json"))
			}
			sort.Strings(names)

			if len(names) == 0 {
				cmd.Println("no profiles configured")
				return nil
			}
			for _, name := range names {
				cmd.Println(name)
			}
			return nil
		},
	}
}

func newProfileValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <profile>",
		Short: "Parse a profile manifest and report errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := config.NewLoader()
			if err != nil {
				return fmt.Errorf("create config loader: %w", err)
			}

			path := args[0]
			if !strings.Contains(path, string(os.PathSeparator)) {
				path = loader.ProfilePath(args[0])
			}

			endpoints, err := profile.Load(path)
			if err != nil {
				return fmt.Errorf("profile is invalid: %w", err)
			}

			cmd.Printf("%s: %d endpoint(s)\n", path, len(endpoints))
			for _, ep := range endpoints {
				cmd.Printf("  %-20s %-6s enabled=%v\n", ep.Name, ep.TransportKind, ep.Enabled)
			}
			return nil
		},
	}
}

package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ncp-mesh/ncp/internal/config"
	"github.com/ncp-mesh/ncp/internal/logging"
	"github.com/ncp-mesh/ncp/internal/ncp/capability"
	"github.com/ncp-mesh/ncp/internal/ncp/discovery"
	"github.com/ncp-mesh/ncp/internal/ncp/doctor"
	"github.com/ncp-mesh/ncp/internal/ncp/embedding"
	"github.com/ncp-mesh/ncp/internal/ncp/health"
	"github.com/ncp-mesh/ncp/internal/ncp/notify"
	"github.com/ncp-mesh/ncp/internal/ncp/orchestrator"
	"github.com/ncp-mesh/ncp/internal/ncp/pool"
	"github.com/ncp-mesh/ncp/internal/ncp/profile"
	"github.com/ncp-mesh/ncp/internal/ncp/validator"
)

func newDoctorCmd() *cobra.Command {
	var profileName string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Attach to every endpoint in a profile and report diagnostics",
		Long: `doctor attaches to every enabled endpoint in the given profile the same
way serve would, then prints each endpoint's connection state, health
status, and failure count, plus a summary of the discovery index it
built along the way. It never starts the stdio MCP server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context(), cmd, profileName)
		},
	}

	cmd.Flags().StringVar(&profileName, "profile", "", "profile to diagnose (defaults to the configured default_profile)")

	return cmd
}

func runDoctor(ctx context.Context, cmd *cobra.Command, profileName string) error {
	loader, err := config.NewLoader()
	if err != nil {
		return fmt.Errorf("create config loader: %w", err)
	}

	globalCfg, err := loader.LoadGlobalConfig()
	if err != nil {
		return fmt.Errorf("load global config: %w", err)
	}

	logger := logging.New(logging.Config{Level: "warn", Pretty: false})

	if profileName == "" {
		profileName = globalCfg.DefaultProfile
	}

	endpoints, err := profile.Load(loader.ProfilePath(profileName))
	if err != nil {
		return fmt.Errorf("load profile %q: %w", profileName, err)
	}

	dataDir := loader.DataDir()
	provider := embedding.NewProvider(filepath.Join(dataDir, "embeddings"), logger)
	index := discovery.New(provider, logger)
	healthMonitor := health.NewMonitor(
		filepath.Join(dataDir, "health.json"),
		logger,
		health.WithDisableAfter(globalCfg.DisableThreshold),
	)
	cmdValidator := validator.New(logger)
	poolCfg := pool.DefaultConfig
	poolCfg.MaxParallelAttach = globalCfg.AttachConcurrency
	poolCfg.IdleTimeout = globalCfg.HibernateAfter
	connPool := pool.New(poolCfg, cmdValidator, logger)
	capStore := capability.NewStore(filepath.Join(dataDir, "capabilities.json"), logger)

	orch := orchestrator.New(orchestrator.Config{
		Pool:       connPool,
		Index:      index,
		Health:     healthMonitor,
		Validator:  cmdValidator,
		Provider:   provider,
		Notify:     notify.NewWatch(healthMonitor, logger),
		Capability: capStore,
	}, logger)

	attachCtx, cancel := context.WithTimeout(ctx, globalCfg.AttachTimeout*time.Duration(len(endpoints)+1))
	defer cancel()

	if err := orch.Initialize(attachCtx, endpoints); err != nil {
		return fmt.Errorf("initialize orchestrator: %w", err)
	}
	defer orch.Cleanup()

	report := doctor.Build(endpoints, connPool, healthMonitor, index)

	cmd.Printf("profile %q: %d endpoint(s)\n\n", profileName, len(report.Endpoints))
	for _, e := range report.Endpoints {
		cmd.Printf("%-24s transport=%-6s state=%-10s health=%-10s failures=%d\n",
			e.Name, e.Transport, e.State, e.Health, e.Failures)
	}

	cmd.Printf("\ndiscovery index: %d tool(s) across %d endpoint(s), last rebuild %s\n",
		report.TotalTools, report.EndpointCount, report.LastRebuildTime.Format(time.RFC3339))

	if unhealthy := report.Unhealthy(); len(unhealthy) > 0 {
		cmd.Printf("\n%d endpoint(s) need attention\n", len(unhealthy))
	}

	return nil
}

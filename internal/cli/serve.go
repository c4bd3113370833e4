package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ncp-mesh/ncp/internal/config"
	"github.com/ncp-mesh/ncp/internal/logging"
	"github.com/ncp-mesh/ncp/internal/ncp/capability"
	"github.com/ncp-mesh/ncp/internal/ncp/discovery"
	"github.com/ncp-mesh/ncp/internal/ncp/embedding"
	"github.com/ncp-mesh/ncp/internal/ncp/health"
	"github.com/ncp-mesh/ncp/internal/ncp/mcpserver"
	"github.com/ncp-mesh/ncp/internal/ncp/notify"
	"github.com/ncp-mesh/ncp/internal/ncp/orchestrator"
	"github.com/ncp-mesh/ncp/internal/ncp/pool"
	"github.com/ncp-mesh/ncp/internal/ncp/profile"
	"github.com/ncp-mesh/ncp/internal/ncp/validator"
)

func newServeCmd() *cobra.Command {
	var profileName string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the NCP server on stdio",
		Long: `Start NCP, attach to every enabled endpoint in the given profile, and
serve the find/run/listResources/listPrompts tools to an AI client over
stdio.

Logs are written to stderr so they never collide with the MCP JSON-RPC
framing on stdout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), profileName)
		},
	}

	cmd.Flags().StringVar(&profileName, "profile", "", "profile to load (defaults to the configured default_profile)")

	return cmd
}

func runServe(ctx context.Context, profileName string) error {
	loader, err := config.NewLoader()
	if err != nil {
		return fmt.Errorf("create config loader: %w", err)
	}

	globalCfg, err := loader.LoadGlobalConfig()
	if err != nil {
		return fmt.Errorf("load global config: %w", err)
	}

	logger := logging.NewWithComponent(logging.Config{
		Level:  globalCfg.LogLevel,
		Pretty: false,
		Output: os.Stderr,
	}, "ncp")

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

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Initialize(ctx, endpoints); err != nil {
		return fmt.Errorf("initialize orchestrator: %w", err)
	}
	defer orch.Cleanup()

	server, err := mcpserver.New(orch, logger)
	if err != nil {
		return fmt.Errorf("create mcp server: %w", err)
	}

	return server.ServeStdio(ctx)
}

package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentgate/internal/agent"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/gateway"
	"github.com/nextlevelbuilder/agentgate/internal/sessions"
	"github.com/nextlevelbuilder/agentgate/internal/telemetry"
	"github.com/nextlevelbuilder/agentgate/internal/tools"
	"github.com/nextlevelbuilder/agentgate/internal/wiring"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the WebSocket gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

// runGateway loads configuration, constructs every collaborator the
// gateway needs, and blocks serving connections until SIGINT/SIGTERM.
func runGateway() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			slog.Warn("telemetry.shutdown_failed", "error", err)
		}
	}()

	registry := tools.NewRegistry()

	sandboxHost, err := wiring.BuildSandbox(ctx, cfg, registry)
	if err != nil {
		slog.Error("failed to build sandbox", "error", err)
		os.Exit(1)
	}
	defer sandboxHost.Close(context.Background())

	mcpManager := wiring.BuildMCP(ctx, cfg, registry)

	providerSet, err := wiring.BuildProviders(cfg)
	if err != nil {
		slog.Error("failed to build provider set", "error", err)
		os.Exit(1)
	}

	store := sessions.NewStore()
	router := sessions.NewRouter(cfg.Bindings, cfg.Agent.ID, store)

	if watcher, err := config.NewWatcher(resolveConfigPath(), cfg, func(reloaded *config.Config) {
		router.UpdateBindings(reloaded.Bindings)
	}); err != nil {
		slog.Warn("config.watch_unavailable", "error", err)
	} else {
		go watcher.Run(ctx.Done())
	}

	agents := agent.NewRegistry(cfg)
	dispatcher := &agent.Dispatcher{Registry: registry, Sandbox: sandboxHost, MCP: mcpManager}
	loop := agent.NewLoop(providerSet, dispatcher, cfg.Memory.EpisodicWindow)

	srv := gateway.NewServer(cfg, router, agents, loop, sandboxHost, mcpManager)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("gateway.shutdown_initiated", "signal", sig)
		cancel()
	}()

	slog.Info("gateway.ready", "plugins", len(sandboxHost.Names()), "providers", len(providerSet))
	if err := srv.Start(ctx); err != nil {
		slog.Error("gateway.error", "error", err)
		os.Exit(1)
	}
}

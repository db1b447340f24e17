package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/tools"
	"github.com/nextlevelbuilder/agentgate/internal/wiring"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration and provider/plugin health without starting the gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

// runDoctor trial-instantiates everything runGateway would, reporting
// failures without binding a listener: the same construction path
// exercised without ever calling Server.Start.
func runDoctor() {
	fmt.Println("agentgate doctor")
	fmt.Printf("  Version:  %s (protocol %s)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-18s %s:%d\n", "Bind:", cfg.Gateway.Bind, cfg.Gateway.Port)
	if cfg.Gateway.Token == "" {
		fmt.Printf("    %-18s (not configured)\n", "Token:")
	} else {
		fmt.Printf("    %-18s %s\n", "Token:", maskSecret(cfg.Gateway.Token))
	}

	fmt.Println()
	fmt.Println("  Agents:")
	for _, a := range cfg.AllAgents() {
		key, ok := cfg.Credential(a.Provider)
		status := "(no credential)"
		if ok {
			status = maskSecret(key)
		}
		fmt.Printf("    %-18s provider=%s model=%s credential=%s\n", a.ID+":", a.Provider, a.Model, status)
	}

	fmt.Println()
	fmt.Println("  Plugins:")
	ctx := context.Background()
	registry := tools.NewRegistry()
	sandboxHost, err := wiring.BuildSandbox(ctx, cfg, registry)
	if err != nil {
		fmt.Printf("    registration failed: %s\n", err)
		os.Exit(1)
	}
	defer sandboxHost.Close(ctx)
	if len(sandboxHost.Names()) == 0 {
		fmt.Println("    (none configured)")
	}
	for _, name := range sandboxHost.Names() {
		fmt.Printf("    %-18s OK\n", name+":")
	}

	fmt.Println()
	fmt.Println("  MCP servers:")
	mcpManager := wiring.BuildMCP(ctx, cfg, registry)
	if mcpManager == nil {
		fmt.Println("    (none configured)")
	} else {
		for _, s := range mcpManager.ServerStatus() {
			status := "connected"
			if !s.Connected {
				status = "disconnected"
				if s.Error != "" {
					status += " (" + s.Error + ")"
				}
			}
			fmt.Printf("    %-18s %s\n", s.Name+":", status)
		}
	}

	fmt.Println()
	if _, err := wiring.BuildProviders(cfg); err != nil {
		fmt.Printf("  Provider set error: %s\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func maskSecret(v string) string {
	if len(v) <= 8 {
		return strings.Repeat("*", len(v))
	}
	return v[:4] + strings.Repeat("*", len(v)-8) + v[len(v)-4:]
}

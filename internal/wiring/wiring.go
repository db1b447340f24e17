// Package wiring assembles the process-wide collaborators cmd/gateway.go
// needs from a parsed configuration document: the Sandbox Host (with every
// configured plugin registered and its tool-kind entries mirrored into the
// shared tool registry), the MCP manager, and the provider set. Splitting
// this out of cmd/ keeps the construction
// logic unit-testable without a cobra command in the way.
package wiring

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/errs"
	"github.com/nextlevelbuilder/agentgate/internal/mcp"
	"github.com/nextlevelbuilder/agentgate/internal/providers"
	"github.com/nextlevelbuilder/agentgate/internal/sandbox"
	"github.com/nextlevelbuilder/agentgate/internal/tools"
)

// defaultToolCallTimeout bounds every sandbox call host-wide; an agent's
// tool_timeout_sec, when set, layers its own deadline on the call context,
// so the shorter of the two applies.
const defaultToolCallTimeout = 30 * time.Second

// BuildSandbox registers every plugins[] entry from cfg into a fresh
// Sandbox Host, and, for Kind == "tool" plugins, mirrors each into reg
// as a tools.RegisteredTool so the Agent Loop's tool list includes it
// alongside whatever the MCP manager contributes.
func BuildSandbox(ctx context.Context, cfg *config.Config, reg *tools.Registry) (*sandbox.Host, error) {
	host, err := sandbox.NewHost(ctx, defaultToolCallTimeout)
	if err != nil {
		return nil, err
	}

	for _, p := range cfg.Plugins {
		if err := host.Register(ctx, p.Name, p.Kind, p.BinaryPath, []string(p.Capabilities), p.ToolSchema); err != nil {
			host.Close(ctx)
			return nil, fmt.Errorf("wiring: register plugin %q: %w", p.Name, err)
		}

		if p.Kind != "tool" {
			continue
		}

		params := map[string]interface{}{"type": "object"}
		if len(p.ToolSchema) > 0 {
			var schema map[string]interface{}
			if err := json.Unmarshal(p.ToolSchema, &schema); err != nil {
				host.Close(ctx)
				return nil, errs.Wrap(errs.Config, fmt.Errorf("wiring: plugin %q tool_schema: %w", p.Name, err))
			}
			params = schema
		}

		reg.Register(p.Name, tools.RegisteredTool{
			Definition: providers.ToolDefinition{
				Type: "function",
				Function: providers.ToolFunctionSchema{
					Name:        p.Name,
					Description: p.Description,
					Parameters:  params,
				},
			},
			Source: tools.SourceSandbox,
			Plugin: p.Name,
		})
	}

	return host, nil
}

// BuildMCP starts the MCP manager for every configured server. It never
// fails the caller: a server that won't connect is logged and skipped by
// mcp.Manager.Start itself, matching the same degrade-gracefully posture
// the Sandbox Host does not get to take (a plugin failing validation is a
// ConfigError, an MCP server being unreachable is not).
func BuildMCP(ctx context.Context, cfg *config.Config, reg *tools.Registry) *mcp.Manager {
	if len(cfg.MCPServers) == 0 {
		return nil
	}
	m := mcp.NewManager(reg, cfg.MCPServers)
	m.Start(ctx)
	return m
}

// BuildProviders constructs one providers.Provider per distinct provider
// tag referenced by the default agent or its fallback, keyed by tag
// ("anthropic", "openai"). An agent identity naming any other provider
// tag is a startup-time ConfigError; the set is built eagerly so that
// failure surfaces before the gateway starts accepting connections rather
// than on an agent's first round.
func BuildProviders(cfg *config.Config) (map[string]providers.Provider, error) {
	out := make(map[string]providers.Provider)
	for _, a := range cfg.AllAgents() {
		if a.Provider == "" || out[a.Provider] != nil {
			continue
		}
		key, _ := cfg.Credential(a.Provider)
		p, err := newProvider(a.Provider, key, a.Model)
		if err != nil {
			return nil, err
		}
		out[a.Provider] = p
	}
	return out, nil
}

func newProvider(tag, apiKey, model string) (providers.Provider, error) {
	switch tag {
	case "anthropic":
		opts := []providers.AnthropicOption{}
		if model != "" {
			opts = append(opts, providers.WithAnthropicModel(model))
		}
		return providers.NewAnthropicProvider(apiKey, opts...), nil
	case "openai":
		opts := []providers.OpenAIOption{}
		if model != "" {
			opts = append(opts, providers.WithOpenAIModel(model))
		}
		return providers.NewOpenAIProvider(apiKey, opts...), nil
	default:
		return nil, errs.New(errs.Config, fmt.Sprintf("agent: unknown provider tag %q", tag))
	}
}

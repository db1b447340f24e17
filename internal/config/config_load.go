package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/agentgate/internal/errs"
	"github.com/nextlevelbuilder/agentgate/internal/sandbox"
)

// Default returns a Config with the documented defaults: max-iterations
// 8, loopback bind with no token. The agent id has no default: the
// document must name the default agent.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Bind:                    "127.0.0.1",
			Port:                    8787,
			MaxFrameBytes:           1 << 20, // 1 MiB
			MaxStreamsPerConnection: 16,
			RateLimitRPM:            600,
		},
		Agent: AgentConfig{
			MaxResponseTokens: 4096,
			MaxIterations:     8,
			ToolTimeoutSec:    30,
			RoundTimeoutSec:   120,
		},
		Memory: MemoryConfig{EpisodicWindow: 40},
	}
}

// Load parses a JSON5 document at path onto Default (fields the document
// omits keep their default values), applies environment and credential
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap(errs.Config, fmt.Errorf("config: %s not found", path))
		}
		return nil, errs.Wrap(errs.Config, fmt.Errorf("config: read %s: %w", path, err))
	}

	cfg := Default()
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, errs.Wrap(errs.Config, fmt.Errorf("config: parse %s: %w", path, err))
	}

	applyEnvOverrides(cfg)
	if err := ResolveCredentials(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers AGENTGATE_*-prefixed environment variables on
// top of the parsed document.
func applyEnvOverrides(c *Config) {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("AGENTGATE_HOST", &c.Gateway.Bind)
	envInt("AGENTGATE_PORT", &c.Gateway.Port)
	envStr("AGENTGATE_PROVIDER", &c.Agent.Provider)
	envStr("AGENTGATE_MODEL", &c.Agent.Model)
	envInt("AGENTGATE_MAX_ITERATIONS", &c.Agent.MaxIterations)
}

// Validate enforces the startup-time invariants: the default agent must
// exist, every binding must carry at least one selector, and every
// plugin capability grant string must parse.
func Validate(c *Config) error {
	if c.Agent.ID == "" {
		return errs.New(errs.Config, "agent: id is required (default agent missing)")
	}
	if c.Agent.Provider == "" {
		return errs.New(errs.Config, "agent: provider is required")
	}
	for _, p := range c.Plugins {
		if p.Name == "" {
			return errs.New(errs.Config, "plugins: entry missing name")
		}
		if p.Kind != "tool" && p.Kind != "channel_adapter" {
			return errs.New(errs.Config, fmt.Sprintf("plugins.%s: unknown kind %q", p.Name, p.Kind))
		}
		for _, tag := range p.Capabilities {
			if _, err := sandbox.ParseCapability(tag); err != nil {
				return errs.Wrap(errs.Config, fmt.Errorf("plugins.%s.capabilities: %w", p.Name, err))
			}
		}
		if p.Kind == "tool" && len(p.ToolSchema) > 0 {
			if !json.Valid(p.ToolSchema) {
				return errs.New(errs.Config, fmt.Sprintf("plugins.%s.tool_schema: not valid JSON", p.Name))
			}
		}
	}
	for i, b := range c.Bindings {
		if b.AgentID == "" {
			return errs.New(errs.Config, fmt.Sprintf("bindings[%d]: agent_id is required", i))
		}
		if b.Channel == "" && b.Account == "" && b.Peer == "" && b.Guild == "" && b.Team == "" {
			return errs.New(errs.Config, fmt.Sprintf("bindings[%d]: at least one selector is required", i))
		}
	}
	return nil
}

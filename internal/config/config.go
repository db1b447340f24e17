// Package config parses the single declarative configuration document:
// gateway, agent (+ fallback), plugins, bindings, memory, and telemetry
// sections, as a mutex-guarded root struct parsed from a JSON5 document
// with environment-variable and credential-file overrides layered on top.
package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/agentgate/internal/telemetry"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON5 documents.
// Plugin capability lists and tool allowlists are both written by hand
// and occasionally contain bare numeric-looking entries.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration document.
type Config struct {
	Gateway    GatewayConfig             `json:"gateway"`
	Agent      AgentConfig               `json:"agent"`
	Plugins    []PluginConfig            `json:"plugins,omitempty"`
	Bindings   []BindingConfig           `json:"bindings,omitempty"`
	Memory     MemoryConfig              `json:"memory,omitempty"`
	Telemetry  telemetry.Config          `json:"telemetry,omitempty"`
	MCPServers map[string]*MCPServerConfig `json:"mcp_servers,omitempty"`

	// Credentials holds provider API keys resolved by ResolveCredentials.
	// Never parsed from or serialized back to the document; credentials
	// do not belong in configuration.
	Credentials map[string]string `json:"-"`

	mu sync.RWMutex
}

// GatewayConfig is the gateway section's recognized option set.
type GatewayConfig struct {
	Bind                     string `json:"bind"`
	Port                     int    `json:"port"`
	Token                    string `json:"-"` // never persisted to the document; see credentials.go
	MaxFrameBytes            int    `json:"max_frame_bytes"`
	MaxStreamsPerConnection  int    `json:"max_streams_per_connection"`
	RateLimitRPM             int    `json:"rate_limit_rpm,omitempty"`
}

// AgentConfig declares one agent identity.
type AgentConfig struct {
	ID                string               `json:"id"`
	Provider          string               `json:"provider"`
	Model             string               `json:"model"`
	MaxResponseTokens int                  `json:"max_response_tokens"`
	SystemPrompt      string               `json:"system_prompt,omitempty"`
	Fallback          *AgentConfig         `json:"fallback,omitempty"`
	ToolAllowlist     FlexibleStringSlice  `json:"tool_allowlist,omitempty"`
	MaxIterations     int                  `json:"max_iterations,omitempty"`
	ToolTimeoutSec    int                  `json:"tool_timeout_sec,omitempty"`
	RoundTimeoutSec   int                  `json:"round_timeout_sec,omitempty"`
}

// PluginConfig declares a WASM plugin registration.
type PluginConfig struct {
	Name         string              `json:"name"`
	BinaryPath   string              `json:"binary_path"`
	Kind         string              `json:"kind"` // "tool" | "channel_adapter"
	Capabilities FlexibleStringSlice `json:"capabilities,omitempty"`

	// Description and ToolSchema are only meaningful for Kind == "tool":
	// they are surfaced to the model as the tool's callable definition
	// and compiled once at registration time so a malformed schema fails
	// startup rather than every subsequent call.
	Description string          `json:"description,omitempty"`
	ToolSchema  json.RawMessage `json:"tool_schema,omitempty"`
}

// BindingConfig is one routing rule.
type BindingConfig struct {
	AgentID string `json:"agent_id"`
	Channel string `json:"channel,omitempty"`
	Account string `json:"account,omitempty"`
	Peer    string `json:"peer,omitempty"`
	Guild   string `json:"guild,omitempty"`
	Team    string `json:"team,omitempty"`
}

// MemoryConfig informs the context-assembly collaborator; only the
// episodic window size is consumed here.
type MemoryConfig struct {
	EpisodicWindow int `json:"episodic_window,omitempty"`
}

// MCPServerConfig declares an external MCP tool source. Tools arriving
// this way sit alongside the Sandbox Host's WASM-plugin tools, merged by
// internal/agent's tool list builder.
type MCPServerConfig struct {
	Transport  string              `json:"transport"` // "stdio" (default when empty) | "sse"; any other value fails to connect
	Command    string              `json:"command,omitempty"`
	Args       FlexibleStringSlice `json:"args,omitempty"`
	Env        map[string]string   `json:"env,omitempty"`
	URL        string              `json:"url,omitempty"`
	Headers    map[string]string   `json:"headers,omitempty"`
	Enabled    *bool               `json:"enabled,omitempty"`
	ToolPrefix string              `json:"tool_prefix,omitempty"`
	TimeoutSec int                 `json:"timeout_sec,omitempty"`
}

// IsEnabled defaults to true when Enabled is unset.
func (m *MCPServerConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Lock/Unlock expose the document's guard for callers (e.g. hot reload)
// that need to swap fields under lock without replacing the whole struct.
func (c *Config) Lock()    { c.mu.Lock() }
func (c *Config) Unlock()  { c.mu.Unlock() }
func (c *Config) RLock()   { c.mu.RLock() }
func (c *Config) RUnlock() { c.mu.RUnlock() }

// AllAgents returns the default agent plus its fallback, if any, as a flat
// list for startup validation.
func (c *Config) AllAgents() []*AgentConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	agents := []*AgentConfig{&c.Agent}
	if c.Agent.Fallback != nil {
		agents = append(agents, c.Agent.Fallback)
	}
	return agents
}

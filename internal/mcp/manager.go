// Package mcp connects to the external MCP tool servers declared in a
// configuration document's mcp_servers section and registers their
// tools into the shared tools.Registry alongside the Sandbox Host's
// WASM-plugin tools.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/providers"
	"github.com/nextlevelbuilder/agentgate/internal/tools"
)

// ServerStatus reports the connection status of an MCP server.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

// serverState tracks a single MCP server connection.
type serverState struct {
	name      string
	transport string
	client    *mcpclient.Client
	connected atomic.Bool
	toolNames []string

	mu      sync.Mutex
	lastErr string
}

// Manager owns every configured MCP server connection. It registers each
// connected server's tools into the shared tool registry as SourceMCP
// entries at Start and unregisters them on Stop; it does not reconnect
// or re-check servers in between.
type Manager struct {
	mu       sync.RWMutex
	servers  map[string]*serverState
	registry *tools.Registry
	configs  map[string]*config.MCPServerConfig
}

func NewManager(registry *tools.Registry, configs map[string]*config.MCPServerConfig) *Manager {
	return &Manager{
		servers:  make(map[string]*serverState),
		registry: registry,
		configs:  configs,
	}
}

// Start connects every enabled server. A single server's connection
// failure is logged and skipped; the gateway still starts with whatever
// subset of MCP tools did connect.
func (m *Manager) Start(ctx context.Context) {
	for name, cfg := range m.configs {
		if !cfg.IsEnabled() {
			slog.Info("mcp.server.disabled", "server", name)
			continue
		}
		if err := m.connectServer(ctx, name, cfg); err != nil {
			slog.Warn("mcp.server.connect_failed", "server", name, "error", err)
		}
	}
}

func (m *Manager) connectServer(ctx context.Context, name string, cfg *config.MCPServerConfig) error {
	var mcpClient *mcpclient.Client
	var err error

	switch cfg.Transport {
	case "stdio", "":
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		mcpClient, err = mcpclient.NewStdioMCPClient(cfg.Command, env, []string(cfg.Args)...)
	case "sse":
		mcpClient, err = mcpclient.NewSSEMCPClient(cfg.URL, mcpclient.WithHeaders(cfg.Headers))
	default:
		return fmt.Errorf("mcp: unsupported transport %q", cfg.Transport)
	}
	if err != nil {
		return fmt.Errorf("mcp: create client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("mcp: start client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agentgate", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("mcp: initialize: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("mcp: list tools: %w", err)
	}

	ss := &serverState{name: name, transport: cfg.Transport, client: mcpClient}
	prefix := cfg.ToolPrefix
	for _, t := range listResp.Tools {
		toolName := t.Name
		if prefix != "" {
			toolName = prefix + "_" + toolName
		}
		schema := map[string]interface{}{
			"type":       "object",
			"properties": t.InputSchema.Properties,
		}
		m.registry.Register(toolName, tools.RegisteredTool{
			Definition: providers.ToolDefinition{
				Type: "function",
				Function: providers.ToolFunctionSchema{
					Name:        toolName,
					Description: t.Description,
					Parameters:  schema,
				},
			},
			Source:    tools.SourceMCP,
			MCPServer: name,
		})
		ss.toolNames = append(ss.toolNames, toolName)
	}
	ss.connected.Store(true)

	m.mu.Lock()
	m.servers[name] = ss
	m.mu.Unlock()

	slog.Info("mcp.server.connected", "server", name, "transport", cfg.Transport, "tools", len(ss.toolNames))
	return nil
}

// Call dispatches a tool call to the MCP server that owns toolName,
// stripping the configured tool_prefix before invoking the remote tool.
func (m *Manager) Call(ctx context.Context, serverName, toolName string, args map[string]interface{}) (string, bool, error) {
	m.mu.RLock()
	ss, ok := m.servers[serverName]
	m.mu.RUnlock()
	if !ok {
		return "", true, fmt.Errorf("mcp: server %q not connected", serverName)
	}

	remoteName := toolName
	if cfg, ok := m.configs[serverName]; ok && cfg.ToolPrefix != "" {
		remoteName = strings.TrimPrefix(toolName, cfg.ToolPrefix+"_")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = remoteName
	req.Params.Arguments = args

	resp, err := ss.client.CallTool(ctx, req)
	if err != nil {
		return "", true, fmt.Errorf("mcp: call %s: %w", toolName, err)
	}

	var sb strings.Builder
	for _, c := range resp.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String(), resp.IsError, nil
}

// Stop closes every server connection and unregisters their tools.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, ss := range m.servers {
		if err := ss.client.Close(); err != nil {
			slog.Debug("mcp.server.close_error", "server", name, "error", err)
		}
		for _, toolName := range ss.toolNames {
			m.registry.Unregister(toolName)
		}
	}
	m.servers = make(map[string]*serverState)
}

// ServerStatus returns the status of every MCP server that connected at
// Start, used by the "status" RPC method. Disabled servers and servers
// whose connection failed are not listed.
func (m *Manager) ServerStatus() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		statuses = append(statuses, ServerStatus{
			Name:      ss.name,
			Transport: ss.transport,
			Connected: ss.connected.Load(),
			ToolCount: len(ss.toolNames),
			Error:     ss.lastErr,
		})
	}
	return statuses
}

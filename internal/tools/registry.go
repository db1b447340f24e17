package tools

import (
	"sync"

	"github.com/nextlevelbuilder/agentgate/internal/providers"
)

// Source identifies which collaborator a registered tool is dispatched
// through: the Sandbox Host's WASM plugins, or an MCP server connection.
type Source int

const (
	SourceSandbox Source = iota
	SourceMCP
)

// RegisteredTool pairs a tool's LLM-facing schema with where a call to it
// gets routed. The Agent Loop consults the registry twice per round: once
// to build the tool list it hands the provider, once per tool_use event to
// resolve dispatch.
type RegisteredTool struct {
	Definition providers.ToolDefinition
	Source     Source
	Plugin     string // SourceSandbox: plugin name
	MCPServer  string // SourceMCP: server name
}

// Registry is the merged tool catalog the Agent Loop draws from. It is
// safe for concurrent use: the MCP manager registers/unregisters tools as
// servers connect and disconnect while rounds are in flight.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]RegisteredTool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]RegisteredTool)}
}

func (r *Registry) Register(name string, t RegisteredTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = t
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

func (r *Registry) Get(name string) (RegisteredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool's LLM-facing definition, in no
// particular order.
func (r *Registry) List() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}
	return defs
}

// NamesBySource returns every registered tool's name belonging to the
// given source.
func (r *Registry) NamesBySource(src Source) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, t := range r.tools {
		if t.Source == src {
			names = append(names, name)
		}
	}
	return names
}

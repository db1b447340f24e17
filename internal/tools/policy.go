package tools

import (
	"log/slog"

	"github.com/nextlevelbuilder/agentgate/internal/providers"
)

// PolicyEngine filters the tool list the Sandbox Host offers down to an
// agent's configured allowlist. This is a separate, complementary concern
// from a plugin's CapabilityGrant: the allowlist decides which tool NAMES
// an agent may call at all, the capability grant decides what a plugin's
// WASM instance may reach once called.
type PolicyEngine struct {
	agentID   string
	allowlist map[string]bool // nil/empty means no restriction
}

// NewPolicyEngine builds a policy engine from an agent's tool_allowlist.
// An empty allowlist means every registered tool is permitted.
func NewPolicyEngine(agentID string, allowlist []string) *PolicyEngine {
	pe := &PolicyEngine{agentID: agentID}
	if len(allowlist) > 0 {
		pe.allowlist = make(map[string]bool, len(allowlist))
		for _, name := range allowlist {
			pe.allowlist[name] = true
		}
	}
	return pe
}

// FilterTools returns the subset of defs permitted for this agent.
func (pe *PolicyEngine) FilterTools(defs []providers.ToolDefinition) []providers.ToolDefinition {
	if len(pe.allowlist) == 0 {
		return defs
	}

	var allowed []providers.ToolDefinition
	for _, d := range defs {
		if pe.allowlist[d.Function.Name] {
			allowed = append(allowed, d)
		}
	}

	slog.Debug("tool policy applied", "agent", pe.agentID, "total_tools", len(defs), "allowed", len(allowed))
	return allowed
}

// Allows reports whether a single tool name is permitted for this agent.
func (pe *PolicyEngine) Allows(name string) bool {
	if len(pe.allowlist) == 0 {
		return true
	}
	return pe.allowlist[name]
}

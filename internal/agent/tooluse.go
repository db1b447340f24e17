package agent

import (
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/agentgate/internal/providers"
)

// toolUseAccumulator buffers a single tool-use content block's partial
// JSON input fragments by block id: providers frame tool-use input as a
// sequence of partial JSON fragments, and the accumulated string is only
// parsed once the block ends.
type toolUseAccumulator struct {
	id      string
	name    string
	partial string
}

// pendingToolUse tracks every tool-use block open within the current
// round, keyed by the provider's block id (there may be more than one in
// flight at once for providers that interleave parallel tool calls).
type pendingToolUse struct {
	byID map[string]*toolUseAccumulator
}

func newPendingToolUse() *pendingToolUse {
	return &pendingToolUse{byID: make(map[string]*toolUseAccumulator)}
}

func (p *pendingToolUse) begin(ev providers.Event) {
	p.byID[ev.ToolUseID] = &toolUseAccumulator{id: ev.ToolUseID, name: ev.ToolName}
}

func (p *pendingToolUse) fragment(ev providers.Event) {
	acc, ok := p.byID[ev.ToolUseID]
	if !ok {
		// A fragment for a block we never saw begin: treat it as a
		// degenerate single-fragment block rather than dropping it.
		acc = &toolUseAccumulator{id: ev.ToolUseID}
		p.byID[ev.ToolUseID] = acc
	}
	acc.partial += ev.PartialJSON
}

// ResolvedToolCall is one fully-accumulated and parsed tool-use block,
// ready to dispatch against the Sandbox Host or an MCP server.
type ResolvedToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// end finalizes the block named by ev.ToolUseID. A parse failure on the
// accumulated JSON terminates the round with an error; it never silently
// drops the tool call.
func (p *pendingToolUse) end(ev providers.Event) (ResolvedToolCall, error) {
	acc, ok := p.byID[ev.ToolUseID]
	if !ok {
		return ResolvedToolCall{}, fmt.Errorf("agent: tool_use_end for unknown block %q", ev.ToolUseID)
	}
	delete(p.byID, ev.ToolUseID)

	raw := acc.partial
	if raw == "" {
		raw = "{}"
	}
	var probe json.RawMessage
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return ResolvedToolCall{}, fmt.Errorf("agent: malformed tool_use input for %q: %w", acc.name, err)
	}
	return ResolvedToolCall{ID: acc.id, Name: acc.name, Input: probe}, nil
}

package gateway

import (
	"context"
	"encoding/json"

	"github.com/nextlevelbuilder/agentgate/internal/agent"
	"github.com/nextlevelbuilder/agentgate/internal/sessions"
	"github.com/nextlevelbuilder/agentgate/internal/tools"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// MethodRouter implements the four RPC methods recognized in Ready.
// It holds no state of its own beyond a reference back to the
// Server's collaborators: Client owns framing and connection state, the
// router owns what each method means.
type MethodRouter struct {
	srv *Server
}

func NewMethodRouter(srv *Server) *MethodRouter {
	return &MethodRouter{srv: srv}
}

// Ping answers the liveness check.
func (r *MethodRouter) Ping() string { return "pong" }

// Status reports version, plugin count, and session count, extended with
// an MCP server count when a manager is configured.
func (r *MethodRouter) Status() protocol.StatusResult {
	st := protocol.StatusResult{
		Version:  protocol.ProtocolVersion,
		Plugins:  len(r.srv.sandbox.Names()),
		Sessions: r.srv.sessions.Store().Count(),
	}
	if r.srv.mcp != nil {
		st.MCPServers = len(r.srv.mcp.ServerStatus())
	}
	return st
}

// PluginList reports every registered plugin's name.
func (r *MethodRouter) PluginList() []protocol.PluginInfo {
	names := r.srv.sandbox.Names()
	out := make([]protocol.PluginInfo, len(names))
	for i, name := range names {
		out[i] = protocol.PluginInfo{Name: name}
	}
	return out
}

// ChatSend resolves params to a session and agent identity and runs one
// Agent Loop request to completion, writing every SinkEvent to sink. It
// never closes the channel itself (the caller owns sink's lifetime) and
// always returns once the loop has emitted its single terminal event,
// whether that came from routing failure, the loop itself, or ctx
// cancellation partway through.
func (r *MethodRouter) ChatSend(ctx context.Context, params protocol.ChatSendParams, sink chan<- agent.SinkEvent) {
	cp := sessions.ChatParams{
		Channel: params.Channel,
		Account: params.Account,
		Peer:    params.Peer,
		Guild:   params.Guild,
		Team:    params.Team,
	}
	agentID, _, handle := r.srv.sessions.Resolve(cp)
	defer handle.Release()

	identity, err := r.srv.agents.Lookup(agentID)
	if err != nil {
		sink <- agent.SinkEvent{Kind: agent.SinkError, Err: err}
		return
	}

	policy := tools.NewPolicyEngine(identity.ID, identity.ToolAllowlist)
	r.srv.loop.Run(ctx, identity, policy, handle, params.Content, sink)
}

// sinkEventToFrame renders one agent.SinkEvent into the StreamEvent
// wire shape of a chat.send response. Exactly one frame per SinkEvent;
// the 1:1 mapping is kept as a pure function so gateway tests can
// exercise it without a live connection.
func sinkEventToFrame(id json.RawMessage, ev agent.SinkEvent) protocol.StreamEvent {
	switch ev.Kind {
	case agent.SinkText:
		return protocol.StreamEvent{ID: id, Event: protocol.EventText, Data: protocol.TextData{Text: ev.Text}}
	case agent.SinkToolUse:
		return protocol.StreamEvent{ID: id, Event: protocol.EventToolUse, Data: protocol.ToolUseData{
			ID: ev.ToolUseID, Name: ev.ToolName, Input: ev.ToolInput,
		}}
	case agent.SinkToolResult:
		return protocol.StreamEvent{ID: id, Event: protocol.EventToolResult, Data: protocol.ToolResultData{
			ToolUseID: ev.ToolUseID, Content: ev.ToolResultContent, IsError: ev.ToolIsError,
		}}
	case agent.SinkUsage:
		data := protocol.UsageData{}
		if ev.Usage != nil {
			data.InputTokens = ev.Usage.PromptTokens
			data.OutputTokens = ev.Usage.CompletionTokens
		}
		return protocol.StreamEvent{ID: id, Event: protocol.EventUsage, Data: data}
	case agent.SinkDone:
		return protocol.StreamEvent{ID: id, Event: protocol.EventDone}
	default: // agent.SinkError
		msg := "internal error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		return protocol.StreamEvent{ID: id, Event: protocol.EventError, Data: protocol.RPCError{Message: msg}}
	}
}

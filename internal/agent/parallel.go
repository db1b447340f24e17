package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/agentgate/internal/errs"
	"github.com/nextlevelbuilder/agentgate/internal/sandbox"
	"github.com/nextlevelbuilder/agentgate/internal/tools"
)

// maxParallelToolCalls bounds how many tool calls from a single round are
// in flight at once. A round rarely asks for more than a handful, but an
// adversarial or buggy provider response should not be allowed to spawn
// unbounded goroutines.
const maxParallelToolCalls = 4

// SandboxCaller is the slice of the Sandbox Host the dispatcher needs:
// plugin lookup and the invocation contract. *sandbox.Host satisfies it.
type SandboxCaller interface {
	Get(name string) (*sandbox.Plugin, bool)
	Call(ctx context.Context, pluginName, operation string, input []byte) (sandbox.CallResult, error)
}

// MCPCaller is the slice of the MCP manager the dispatcher needs.
// *mcp.Manager satisfies it.
type MCPCaller interface {
	Call(ctx context.Context, serverName, toolName string, args map[string]interface{}) (string, bool, error)
}

// Dispatcher routes a resolved tool call to whichever collaborator
// registered it (the Sandbox Host's WASM plugins or an MCP server
// connection) and normalizes both into the same tools.Result shape.
type Dispatcher struct {
	Registry *tools.Registry
	Sandbox  SandboxCaller
	MCP      MCPCaller
}

// toolOutcome pairs a resolved call with its dispatch result, keeping
// dispatch-order association even though calls complete out of order
// under bounded parallelism.
type toolOutcome struct {
	Call   ResolvedToolCall
	Result *tools.Result
}

// dispatchAll runs every call in calls under bounded parallelism and
// returns outcomes in the same order calls were given, regardless of
// completion order. This keeps the tool_result events the round loop
// emits afterward in a deterministic sequence for a given request id.
//
// A call naming a tool absent from the registry is NOT reported as a
// tools.Result: it aborts the whole dispatch with a ToolError, so the
// round terminates with an error event rather than stalling: a missing
// tool is a round failure, not a per-call failure the model can react to.
func (d *Dispatcher) dispatchAll(ctx context.Context, calls []ResolvedToolCall, policy *tools.PolicyEngine, toolTimeout time.Duration) ([]toolOutcome, error) {
	outcomes := make([]toolOutcome, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelToolCalls)

	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			if policy != nil && !policy.Allows(call.Name) {
				return errs.Wrap(errs.Tool, fmt.Errorf("agent: tool %q is not permitted for this agent", call.Name))
			}
			reg, ok := d.Registry.Get(call.Name)
			if !ok {
				return errs.Wrap(errs.Tool, fmt.Errorf("agent: tool %q is not registered", call.Name))
			}

			callCtx := gctx
			var cancel context.CancelFunc
			if toolTimeout > 0 {
				callCtx, cancel = context.WithTimeout(gctx, toolTimeout)
				defer cancel()
			}

			return traceToolCall(callCtx, call, func(ctx context.Context) (*toolResultView, error) {
				result, err := d.dispatchOne(ctx, reg, call)
				if err != nil {
					return nil, err
				}
				outcomes[i] = toolOutcome{Call: call, Result: result}
				return &toolResultView{isError: result.IsError, usage: result.Usage}, nil
			})
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, reg tools.RegisteredTool, call ResolvedToolCall) (*tools.Result, error) {
	switch reg.Source {
	case tools.SourceSandbox:
		return d.dispatchSandbox(ctx, reg, call)
	case tools.SourceMCP:
		return d.dispatchMCP(ctx, reg, call)
	default:
		return nil, errs.Wrap(errs.Tool, fmt.Errorf("agent: tool %q has unknown source", call.Name))
	}
}

func (d *Dispatcher) dispatchSandbox(ctx context.Context, reg tools.RegisteredTool, call ResolvedToolCall) (*tools.Result, error) {
	plugin, ok := d.Sandbox.Get(reg.Plugin)
	if !ok {
		return nil, errs.Wrap(errs.Tool, fmt.Errorf("agent: plugin %q backing tool %q is not registered", reg.Plugin, call.Name))
	}
	if err := sandbox.ValidateToolInput(plugin, call.Input); err != nil {
		return tools.ErrorResult(fmt.Sprintf("invalid tool input: %v", err)), nil
	}

	callResult, err := d.Sandbox.Call(ctx, reg.Plugin, sandbox.ToolOperation, call.Input)
	if err != nil {
		// A host-level failure (not is_error) mid-call is a
		// SandboxError, terminating the round.
		return nil, errs.Wrap(errs.Sandbox, err)
	}
	if callResult.IsError {
		return tools.ErrorResult(string(callResult.Output)), nil
	}
	return tools.NewResult(string(callResult.Output)), nil
}

func (d *Dispatcher) dispatchMCP(ctx context.Context, reg tools.RegisteredTool, call ResolvedToolCall) (*tools.Result, error) {
	var args map[string]interface{}
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return tools.ErrorResult(fmt.Sprintf("invalid tool input: %v", err)), nil
		}
	}
	content, isError, err := d.MCP.Call(ctx, reg.MCPServer, call.Name, args)
	if err != nil {
		return tools.ErrorResult(err.Error()), nil
	}
	if isError {
		return tools.ErrorResult(content), nil
	}
	return tools.NewResult(content), nil
}

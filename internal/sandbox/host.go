package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/agentgate/internal/errs"
	"github.com/nextlevelbuilder/agentgate/internal/telemetry"
)

// Plugin ABI: a registered module must export "agentgate_alloc" taking a
// size and returning a pointer the host can write a call's input bytes
// into, plus one export per operation it supports: handle_tool_call for
// a Tool plugin; parse_incoming, format_outgoing, and describe for a
// ChannelAdapter plugin. Each operation export takes
// (inputPtr, inputLen uint32) and returns a packed uint64
// (outputPtr<<32 | outputLen) pointing into its own linear memory.
const allocFuncName = "agentgate_alloc"

// ToolOperation is the single operation name a Tool plugin must expose.
const ToolOperation = "handle_tool_call"

// Plugin is one registered WASM tool or channel adapter.
type Plugin struct {
	Name         string
	Kind         string // "tool" | "channel_adapter"
	Capabilities *CapabilitySet
	ToolSchema   map[string]interface{} // Kind == "tool": declared input schema

	compiled wazero.CompiledModule
}

// Host owns the wazero runtime and the set of registered plugins. Every
// call gets a fresh module instance: wazero.CompiledModule is reused
// (compilation is the expensive part) but rt.InstantiateModule runs
// again per call, so no plugin can observe state left behind by a prior
// invocation. The only cross-call persistence path is the store:
// capability's host function, which is explicitly scoped and visible.
type Host struct {
	mu      sync.RWMutex
	runtime wazero.Runtime
	plugins map[string]*Plugin
	store   *scopedStore

	callTimeout time.Duration
}

func NewHost(ctx context.Context, callTimeout time.Duration) (*Host, error) {
	rt := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, errs.Wrap(errs.Sandbox, fmt.Errorf("sandbox: instantiate wasi: %w", err))
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Host{
		runtime:     rt,
		plugins:     make(map[string]*Plugin),
		store:       newScopedStore(),
		callTimeout: callTimeout,
	}, nil
}

func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// requiredOperations lists the exports a plugin kind must expose.
var requiredOperations = map[string][]string{
	"tool":             {ToolOperation},
	"channel_adapter":  {"parse_incoming", "format_outgoing", "describe"},
}

// Register compiles binaryPath and trial-instantiates it once, immediately,
// so a broken plugin binary fails the registration step rather than the
// first tool call a user happens to trigger. toolSchema, when non-empty,
// is a JSON Schema document describing a Tool plugin's handle_tool_call
// input; it is compiled here (not merely parsed) so a malformed schema
// also fails registration rather than every subsequent call.
func (h *Host) Register(ctx context.Context, name, kind, binaryPath string, capabilityTags []string, toolSchema []byte) error {
	h.mu.RLock()
	_, exists := h.plugins[name]
	h.mu.RUnlock()
	if exists {
		return errs.Wrap(errs.Sandbox, fmt.Errorf("sandbox: plugin %q already registered", name))
	}

	wasmBytes, err := os.ReadFile(binaryPath)
	if err != nil {
		return errs.Wrap(errs.Sandbox, fmt.Errorf("sandbox: read %s: %w", binaryPath, err))
	}

	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return errs.Wrap(errs.Sandbox, fmt.Errorf("sandbox: compile %s: %w", name, err))
	}

	grants, err := ParseCapabilities(capabilityTags)
	if err != nil {
		compiled.Close(ctx)
		return errs.Wrap(errs.Sandbox, err)
	}
	caps := NewCapabilitySet(grants)

	var schema map[string]interface{}
	if len(toolSchema) > 0 {
		schema, err = compileToolSchema(name, toolSchema)
		if err != nil {
			compiled.Close(ctx)
			return errs.Wrap(errs.Sandbox, err)
		}
	}

	plugin := &Plugin{Name: name, Kind: kind, Capabilities: caps, ToolSchema: schema, compiled: compiled}

	// Trial instantiation: catches missing imports at registration. Then
	// verify the kind's required operation exports are actually present,
	// so an absent handle_tool_call (say) fails registration instead of
	// surfacing as a SandboxError on the agent's first tool_use round.
	inst, err := h.instantiate(ctx, plugin)
	if err != nil {
		compiled.Close(ctx)
		return errs.Wrap(errs.Sandbox, fmt.Errorf("sandbox: trial instantiate %s: %w", name, err))
	}
	missing := missingOperations(inst, kind)
	inst.Close(ctx)
	if len(missing) > 0 {
		compiled.Close(ctx)
		return errs.Wrap(errs.Sandbox, fmt.Errorf("sandbox: %s missing required export(s) %v for kind %q", name, missing, kind))
	}

	h.mu.Lock()
	if _, exists := h.plugins[name]; exists {
		h.mu.Unlock()
		compiled.Close(ctx)
		return errs.Wrap(errs.Sandbox, fmt.Errorf("sandbox: plugin %q already registered", name))
	}
	h.plugins[name] = plugin
	h.mu.Unlock()

	slog.Info("sandbox.plugin.registered", "plugin", name, "kind", kind, "capabilities", len(grants))
	return nil
}

func missingOperations(inst api.Module, kind string) []string {
	var missing []string
	for _, op := range requiredOperations[kind] {
		if inst.ExportedFunction(op) == nil {
			missing = append(missing, op)
		}
	}
	return missing
}

func (h *Host) Unregister(ctx context.Context, name string) {
	h.mu.Lock()
	plugin, ok := h.plugins[name]
	delete(h.plugins, name)
	h.mu.Unlock()
	if ok {
		plugin.compiled.Close(ctx)
	}
}

func (h *Host) Get(name string) (*Plugin, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.plugins[name]
	return p, ok
}

func (h *Host) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.plugins))
	for n := range h.plugins {
		names = append(names, n)
	}
	return names
}

// CallResult is the invocation contract's return shape:
// { output_bytes, is_error }. A non-nil error from Call itself means the
// host could not even attempt the operation (unregistered plugin, failed
// instantiation, unknown operation name, or a failure while allocating and
// writing the input) and is always a round-terminating errs.Sandbox error.
// Once the operation itself starts running, every failure (a trap, an
// abort, a deadline firing) becomes IsError on the result instead, never
// a host crash.
type CallResult struct {
	Output  []byte
	IsError bool
}

// Call invokes operation against a freshly instantiated instance of
// pluginName with input, under the host's configured per-call deadline.
// operation names one of the plugin-kind-specific exports
// (handle_tool_call for Tool plugins; parse_incoming, format_outgoing,
// describe for ChannelAdapter plugins); the Host treats it as an opaque
// string and only looks it up as a WASM export name.
func (h *Host) Call(ctx context.Context, pluginName, operation string, input []byte) (CallResult, error) {
	plugin, ok := h.Get(pluginName)
	if !ok {
		return CallResult{}, errs.Wrap(errs.Sandbox, fmt.Errorf("sandbox: plugin %q not registered", pluginName))
	}

	ctx, span := telemetry.Tracer().Start(ctx, "sandbox.call", trace.WithAttributes(
		attribute.String("plugin.name", pluginName),
		attribute.String("plugin.operation", operation),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()

	inst, err := h.instantiate(callCtx, plugin)
	if err != nil {
		err = errs.Wrap(errs.Sandbox, fmt.Errorf("sandbox: instantiate %s: %w", pluginName, err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return CallResult{}, err
	}
	defer inst.Close(callCtx)

	result, err := callPlugin(callCtx, inst, operation, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	span.SetAttributes(attribute.Bool("plugin.is_error", result.IsError))
	return result, nil
}

func (h *Host) instantiate(ctx context.Context, plugin *Plugin) (api.Module, error) {
	hostMod, err := h.buildHostModule(ctx, plugin)
	if err != nil {
		return nil, err
	}
	defer hostMod.Close(ctx)

	cfg := wazero.NewModuleConfig().
		WithName(plugin.Name + "-" + randSuffix()).
		WithStdout(nil).
		WithStderr(nil)

	return h.runtime.InstantiateModule(ctx, plugin.compiled, cfg)
}

func callPlugin(ctx context.Context, mod api.Module, operation string, input []byte) (CallResult, error) {
	alloc := mod.ExportedFunction(allocFuncName)
	call := mod.ExportedFunction(operation)
	if alloc == nil {
		return CallResult{}, fmt.Errorf("sandbox: module missing %s export", allocFuncName)
	}
	if call == nil {
		return CallResult{}, fmt.Errorf("sandbox: module does not expose operation %q", operation)
	}

	results, err := alloc.Call(ctx, uint64(len(input)))
	if err != nil {
		return CallResult{}, fmt.Errorf("sandbox: alloc: %w", err)
	}
	inputPtr := uint32(results[0])

	if len(input) > 0 && !mod.Memory().Write(inputPtr, input) {
		return CallResult{}, fmt.Errorf("sandbox: write input out of bounds")
	}

	// From here on, any failure is the plugin's own doing (a trap, an
	// abort, or the deadline firing mid-call) and becomes an is_error
	// result rather than a host-level error: a runtime failure mid-call
	// must never propagate as a host crash.
	results, err = call.Call(ctx, uint64(inputPtr), uint64(len(input)))
	if err != nil {
		return CallResult{Output: []byte(err.Error()), IsError: true}, nil
	}

	packed := results[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed)

	out, ok := mod.Memory().Read(outPtr, outLen)
	if !ok {
		return CallResult{Output: []byte("sandbox: plugin returned out-of-bounds output"), IsError: true}, nil
	}
	result := make([]byte, len(out))
	copy(result, out)
	return CallResult{Output: result}, nil
}

var randCounter uint64
var randMu sync.Mutex

// randSuffix produces a unique-enough module instance name without
// depending on math/rand (every instance is discarded after one call, so
// collision avoidance only needs to satisfy wazero's name uniqueness
// check within a single process run).
func randSuffix() string {
	randMu.Lock()
	defer randMu.Unlock()
	randCounter++
	return fmt.Sprintf("%d", randCounter)
}

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/nextlevelbuilder/agentgate/internal/providers"
	"github.com/nextlevelbuilder/agentgate/internal/sandbox"
	"github.com/nextlevelbuilder/agentgate/internal/sessions"
	"github.com/nextlevelbuilder/agentgate/internal/tools"
)

// stubProvider replays one scripted event sequence per Stream call.
type stubProvider struct {
	rounds   [][]providers.Event
	requests []providers.ChatRequest
	openErr  error // returned by the first Stream call only
}

func (s *stubProvider) Name() string         { return "stub" }
func (s *stubProvider) DefaultModel() string { return "stub-model" }

func (s *stubProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return nil, errors.New("stub: Chat not scripted")
}

func (s *stubProvider) Stream(ctx context.Context, req providers.ChatRequest) (<-chan providers.Event, error) {
	call := len(s.requests)
	s.requests = append(s.requests, req)
	if call == 0 && s.openErr != nil {
		return nil, s.openErr
	}
	if call >= len(s.rounds) {
		return nil, fmt.Errorf("stub: unscripted round %d", call)
	}
	out := make(chan providers.Event, len(s.rounds[call])+1)
	for _, ev := range s.rounds[call] {
		out <- ev
	}
	close(out)
	return out, nil
}

// echoSandbox satisfies SandboxCaller: handle_tool_call returns the
// "text" field of its JSON input verbatim.
type echoSandbox struct{}

func (echoSandbox) Get(name string) (*sandbox.Plugin, bool) {
	return &sandbox.Plugin{Name: name, Kind: "tool"}, true
}

func (echoSandbox) Call(ctx context.Context, pluginName, operation string, input []byte) (sandbox.CallResult, error) {
	var payload struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(input, &payload)
	return sandbox.CallResult{Output: []byte(payload.Text)}, nil
}

func textRound(deltas ...string) []providers.Event {
	var evs []providers.Event
	for _, d := range deltas {
		evs = append(evs, providers.Event{Kind: providers.EventTextDelta, Text: d})
	}
	return append(evs, providers.Event{Kind: providers.EventDone, StopReason: "stop"})
}

func toolRound(id, name, input string) []providers.Event {
	return []providers.Event{
		{Kind: providers.EventToolUseBegin, ToolUseID: id, ToolName: name},
		{Kind: providers.EventToolUseInputFragment, ToolUseID: id, PartialJSON: input},
		{Kind: providers.EventToolUseEnd, ToolUseID: id},
		{Kind: providers.EventDone, StopReason: "tool_calls"},
	}
}

func runLoop(t *testing.T, loop *Loop, identity *Identity, userText string) ([]SinkEvent, *sessions.Session) {
	t.Helper()
	store := sessions.NewStore()
	handle := store.Acquire(sessions.NewKey(identity.ID, "ws", "u", ""))
	defer handle.Release()

	sink := make(chan SinkEvent, 256)
	loop.Run(context.Background(), identity, tools.NewPolicyEngine(identity.ID, nil), handle, userText, sink)
	close(sink)

	var events []SinkEvent
	for ev := range sink {
		events = append(events, ev)
	}
	return events, handle.Session()
}

func newTestLoop(stub providers.Provider, registry *tools.Registry) *Loop {
	dispatcher := &Dispatcher{Registry: registry, Sandbox: echoSandbox{}}
	return NewLoop(map[string]providers.Provider{"stub": stub}, dispatcher, 0)
}

func testIdentity() *Identity {
	return &Identity{ID: "default", Provider: "stub", Model: "stub-model", MaxIterations: 8}
}

func TestRunStreamingTextOnly(t *testing.T) {
	stub := &stubProvider{rounds: [][]providers.Event{textRound("hel", "lo", " world")}}
	loop := newTestLoop(stub, tools.NewRegistry())

	events, session := runLoop(t, loop, testIdentity(), "hi")

	var texts []string
	for _, ev := range events[:len(events)-1] {
		if ev.Kind != SinkText {
			t.Fatalf("unexpected event kind %v before terminal", ev.Kind)
		}
		texts = append(texts, ev.Text)
	}
	if len(texts) != 3 || texts[0] != "hel" || texts[1] != "lo" || texts[2] != " world" {
		t.Fatalf("texts = %v", texts)
	}
	if events[len(events)-1].Kind != SinkDone {
		t.Fatalf("terminal = %v, want SinkDone", events[len(events)-1].Kind)
	}

	// Exactly one AssistantText turn equal to the concatenated deltas.
	turns := session.Window(0)
	if len(turns) != 2 {
		t.Fatalf("turn count = %d, want 2 (user + assistant)", len(turns))
	}
	if turns[1].Kind != sessions.TurnAssistantText || turns[1].Text != "hello world" {
		t.Fatalf("assistant turn = %+v", turns[1])
	}
}

func TestRunToolUseRound(t *testing.T) {
	stub := &stubProvider{rounds: [][]providers.Event{
		toolRound("c1", "echo", `{"text":"yo"}`),
		textRound("yo"),
	}}
	registry := tools.NewRegistry()
	registry.Register("echo", tools.RegisteredTool{
		Definition: providers.ToolDefinition{Type: "function", Function: providers.ToolFunctionSchema{Name: "echo"}},
		Source:     tools.SourceSandbox,
		Plugin:     "echo",
	})
	loop := newTestLoop(stub, registry)

	events, session := runLoop(t, loop, testIdentity(), "hi")

	var kinds []SinkEventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	want := []SinkEventKind{SinkToolUse, SinkToolResult, SinkText, SinkDone}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
	if events[1].ToolResultContent != "yo" || events[1].ToolIsError {
		t.Fatalf("tool_result = %+v", events[1])
	}

	// Turn ordering: user, tool_use, tool_result, assistant, with the
	// tool_result referencing the preceding tool_use id.
	turns := session.Window(0)
	if len(turns) != 4 {
		t.Fatalf("turn count = %d, want 4", len(turns))
	}
	if turns[1].Kind != sessions.TurnToolUse || turns[2].Kind != sessions.TurnToolResult {
		t.Fatalf("turns = %+v", turns)
	}
	if turns[2].ToolUseID != turns[1].ToolUseID {
		t.Fatalf("tool_result id %q does not match tool_use id %q", turns[2].ToolUseID, turns[1].ToolUseID)
	}

	// The second provider call must see the assistant tool-call message
	// followed by its tool result.
	if len(stub.requests) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(stub.requests))
	}
	msgs := stub.requests[1].Messages
	var sawAssistantCall, sawToolResult bool
	for i, m := range msgs {
		if m.Role == "assistant" && len(m.ToolCalls) == 1 && m.ToolCalls[0].Name == "echo" {
			sawAssistantCall = true
		}
		if m.Role == "tool" && m.ToolCallID == "c1" && m.Content == "yo" {
			if !sawAssistantCall {
				t.Fatalf("tool result at index %d precedes its assistant tool call", i)
			}
			sawToolResult = true
		}
	}
	if !sawAssistantCall || !sawToolResult {
		t.Fatalf("second request missing tool-loop messages: %+v", msgs)
	}
}

func TestRunMissingToolTerminatesWithError(t *testing.T) {
	stub := &stubProvider{rounds: [][]providers.Event{
		toolRound("c1", "absent", `{}`),
	}}
	loop := newTestLoop(stub, tools.NewRegistry())

	events, _ := runLoop(t, loop, testIdentity(), "hi")

	last := events[len(events)-1]
	if last.Kind != SinkError {
		t.Fatalf("terminal = %v, want SinkError", last.Kind)
	}
}

func TestRunMaxIterationsExceeded(t *testing.T) {
	rounds := make([][]providers.Event, 3)
	for i := range rounds {
		rounds[i] = toolRound(fmt.Sprintf("c%d", i), "echo", `{"text":"x"}`)
	}
	stub := &stubProvider{rounds: rounds}
	registry := tools.NewRegistry()
	registry.Register("echo", tools.RegisteredTool{
		Definition: providers.ToolDefinition{Type: "function", Function: providers.ToolFunctionSchema{Name: "echo"}},
		Source:     tools.SourceSandbox,
		Plugin:     "echo",
	})
	loop := newTestLoop(stub, registry)

	identity := testIdentity()
	identity.MaxIterations = 2

	events, _ := runLoop(t, loop, identity, "hi")

	last := events[len(events)-1]
	if last.Kind != SinkError {
		t.Fatalf("terminal = %v, want SinkError after exceeding max rounds", last.Kind)
	}
	if len(stub.requests) != 2 {
		t.Fatalf("provider calls = %d, want exactly 2", len(stub.requests))
	}
}

func TestRunFallbackRetryOnFirstRoundConnectionError(t *testing.T) {
	primary := &stubProvider{openErr: errors.New("connection refused")}
	fallback := &stubProvider{rounds: [][]providers.Event{textRound("ok")}}

	dispatcher := &Dispatcher{Registry: tools.NewRegistry(), Sandbox: echoSandbox{}}
	loop := NewLoop(map[string]providers.Provider{
		"stub":  primary,
		"stub2": fallback,
	}, dispatcher, 0)

	identity := testIdentity()
	identity.Fallback = &Identity{ID: "backup", Provider: "stub2", Model: "backup-model", MaxIterations: 8}

	events, _ := runLoop(t, loop, identity, "hi")

	last := events[len(events)-1]
	if last.Kind != SinkDone {
		t.Fatalf("terminal = %v, want SinkDone via fallback", last.Kind)
	}
	if len(fallback.requests) != 1 {
		t.Fatalf("fallback calls = %d, want 1", len(fallback.requests))
	}
	if fallback.requests[0].Model != "backup-model" {
		t.Fatalf("fallback model = %q", fallback.requests[0].Model)
	}
}

func TestRunProviderErrorWithoutFallbackTerminates(t *testing.T) {
	stub := &stubProvider{openErr: errors.New("connection refused")}
	loop := newTestLoop(stub, tools.NewRegistry())

	events, session := runLoop(t, loop, testIdentity(), "hi")

	if len(events) != 1 || events[0].Kind != SinkError {
		t.Fatalf("events = %+v, want single SinkError", events)
	}
	// No assistant turn is committed for a failed round.
	for _, turn := range session.Window(0) {
		if turn.Kind == sessions.TurnAssistantText {
			t.Fatal("assistant turn committed despite provider failure")
		}
	}
}

// hangingProvider emits one delta and then never terminates its stream,
// so cancellation is the only way a round over it can end.
type hangingProvider struct{ stubProvider }

func (h *hangingProvider) Stream(ctx context.Context, req providers.ChatRequest) (<-chan providers.Event, error) {
	out := make(chan providers.Event, 1)
	out <- providers.Event{Kind: providers.EventTextDelta, Text: "partial"}
	return out, nil
}

func TestRunCancelledContextCommitsNoPartialTurn(t *testing.T) {
	loop := newTestLoop(&hangingProvider{}, tools.NewRegistry())
	identity := testIdentity()

	store := sessions.NewStore()
	handle := store.Acquire(sessions.NewKey(identity.ID, "ws", "u", ""))
	defer handle.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := make(chan SinkEvent, 16)
	loop.Run(ctx, identity, tools.NewPolicyEngine(identity.ID, nil), handle, "hi", sink)
	close(sink)

	for _, turn := range handle.Session().Window(0) {
		if turn.Kind == sessions.TurnAssistantText {
			t.Fatal("partial assistant turn persisted after cancellation")
		}
	}
}

package gateway

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nextlevelbuilder/agentgate/internal/agent"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

func TestSkipsAuth(t *testing.T) {
	cases := []struct {
		name  string
		bind  string
		token string
		want  bool
	}{
		{"loopback no token", "127.0.0.1", "", true},
		{"localhost no token", "localhost", "", true},
		{"empty bind no token", "", "", true},
		{"ipv6 loopback no token", "::1", "", true},
		{"loopback with token", "127.0.0.1", "secret", false},
		{"public bind no token", "0.0.0.0", "", false},
		{"public bind with token", "0.0.0.0", "secret", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &Server{cfg: &config.Config{Gateway: config.GatewayConfig{Bind: tc.bind, Token: tc.token}}}
			if got := s.skipsAuth(); got != tc.want {
				t.Fatalf("skipsAuth() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSinkEventToFramePreservesRequestID(t *testing.T) {
	numericID := json.RawMessage(`42`)
	stringID := json.RawMessage(`"x"`)

	for _, id := range []json.RawMessage{numericID, stringID} {
		frame := sinkEventToFrame(id, agent.SinkEvent{Kind: agent.SinkText, Text: "hi"})
		if string(frame.ID) != string(id) {
			t.Fatalf("frame id = %s, want %s (echoed as received)", frame.ID, id)
		}
	}
}

func TestSinkEventToFrameMapping(t *testing.T) {
	id := json.RawMessage(`"x"`)

	text := sinkEventToFrame(id, agent.SinkEvent{Kind: agent.SinkText, Text: "hel"})
	if text.Event != protocol.EventText {
		t.Fatalf("event = %q", text.Event)
	}
	if data, ok := text.Data.(protocol.TextData); !ok || data.Text != "hel" {
		t.Fatalf("data = %+v", text.Data)
	}

	toolUse := sinkEventToFrame(id, agent.SinkEvent{
		Kind: agent.SinkToolUse, ToolUseID: "c1", ToolName: "echo", ToolInput: []byte(`{"text":"yo"}`),
	})
	if toolUse.Event != protocol.EventToolUse {
		t.Fatalf("event = %q", toolUse.Event)
	}
	if data, ok := toolUse.Data.(protocol.ToolUseData); !ok || data.Name != "echo" || data.ID != "c1" {
		t.Fatalf("data = %+v", toolUse.Data)
	}

	toolResult := sinkEventToFrame(id, agent.SinkEvent{
		Kind: agent.SinkToolResult, ToolUseID: "c1", ToolResultContent: "yo", ToolIsError: true,
	})
	if data, ok := toolResult.Data.(protocol.ToolResultData); !ok || !data.IsError || data.Content != "yo" {
		t.Fatalf("data = %+v", toolResult.Data)
	}

	done := sinkEventToFrame(id, agent.SinkEvent{Kind: agent.SinkDone})
	if done.Event != protocol.EventDone || done.Data != nil {
		t.Fatalf("done frame = %+v", done)
	}

	errFrame := sinkEventToFrame(id, agent.SinkEvent{Kind: agent.SinkError, Err: errors.New("boom")})
	if errFrame.Event != protocol.EventError {
		t.Fatalf("event = %q", errFrame.Event)
	}
	if data, ok := errFrame.Data.(protocol.RPCError); !ok || data.Message != "boom" {
		t.Fatalf("data = %+v", errFrame.Data)
	}
}

func TestRateLimiterDisabledAllowsEverything(t *testing.T) {
	rl := NewRateLimiter(0, 5)
	if rl.Enabled() {
		t.Fatal("rpm<=0 should disable the limiter")
	}
	for i := 0; i < 1000; i++ {
		if !rl.Allow() {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}

func TestRateLimiterBounds(t *testing.T) {
	rl := NewRateLimiter(60, 2) // 1/sec, burst 2
	if !rl.Allow() || !rl.Allow() {
		t.Fatal("burst capacity should admit the first two requests")
	}
	if rl.Allow() {
		t.Fatal("third immediate request should be rejected")
	}
}

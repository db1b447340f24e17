package agent

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/providers"
)

func TestDrainRoundTextOnly(t *testing.T) {
	events := make(chan providers.Event, 3)
	events <- providers.Event{Kind: providers.EventTextDelta, Text: "hel"}
	events <- providers.Event{Kind: providers.EventTextDelta, Text: "lo"}
	events <- providers.Event{Kind: providers.EventDone, StopReason: "stop"}
	close(events)

	sink := make(chan SinkEvent, 8)
	result := drainRound(context.Background(), events, sink)
	close(sink)

	if result.kind != roundText {
		t.Fatalf("kind = %v, want roundText", result.kind)
	}
	if result.text != "hello" {
		t.Fatalf("text = %q, want hello", result.text)
	}

	var texts []string
	for ev := range sink {
		if ev.Kind == SinkText {
			texts = append(texts, ev.Text)
		}
	}
	if len(texts) != 2 || texts[0] != "hel" || texts[1] != "lo" {
		t.Fatalf("texts = %v", texts)
	}
}

func TestDrainRoundToolUse(t *testing.T) {
	events := make(chan providers.Event, 8)
	events <- providers.Event{Kind: providers.EventToolUseBegin, ToolUseID: "c1", ToolName: "echo"}
	events <- providers.Event{Kind: providers.EventToolUseInputFragment, ToolUseID: "c1", PartialJSON: `{"text":"yo"}`}
	events <- providers.Event{Kind: providers.EventToolUseEnd, ToolUseID: "c1"}
	events <- providers.Event{Kind: providers.EventDone, StopReason: "tool_use"}
	close(events)

	sink := make(chan SinkEvent, 8)
	result := drainRound(context.Background(), events, sink)

	if result.kind != roundToolCalls {
		t.Fatalf("kind = %v, want roundToolCalls", result.kind)
	}
	if len(result.toolCalls) != 1 || result.toolCalls[0].Name != "echo" {
		t.Fatalf("toolCalls = %+v", result.toolCalls)
	}
}

func TestDrainRoundErrorEvent(t *testing.T) {
	events := make(chan providers.Event, 1)
	events <- providers.Event{Kind: providers.EventError, Err: context.DeadlineExceeded}
	close(events)

	sink := make(chan SinkEvent, 1)
	result := drainRound(context.Background(), events, sink)
	if result.kind != roundError {
		t.Fatalf("kind = %v, want roundError", result.kind)
	}
}

// TestDrainRoundHighVolumeNoDeadlock is the canonical regression for the
// provider/sink deadlock class: a provider emitting thousands of deltas
// in rapid succession must complete even when the sink is read slowly
// and with a small buffer, because the drain rule composes "read next
// provider event" and "forward to sink" as alternatives rather than a
// blocking pipeline.
func TestDrainRoundHighVolumeNoDeadlock(t *testing.T) {
	const n = 5000
	events := make(chan providers.Event, 16)

	go func() {
		for i := 0; i < n; i++ {
			events <- providers.Event{Kind: providers.EventTextDelta, Text: "x"}
		}
		events <- providers.Event{Kind: providers.EventDone, StopReason: "stop"}
		close(events)
	}()

	sink := make(chan SinkEvent) // unbuffered: forces true interleaving
	done := make(chan roundResult, 1)
	go func() {
		done <- drainRound(context.Background(), events, sink)
	}()

	count := 0
	for {
		select {
		case ev, ok := <-sink:
			if !ok {
				t.Fatal("sink closed early")
			}
			if ev.Kind == SinkText {
				count++
			}
		case result := <-done:
			if result.kind != roundText {
				t.Fatalf("kind = %v, want roundText", result.kind)
			}
			if count != n {
				t.Fatalf("count = %d, want %d", count, n)
			}
			return
		case <-time.After(5 * time.Second):
			t.Fatal("drainRound appears deadlocked")
		}
	}
}

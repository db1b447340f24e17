package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/agentgate/internal/errs"
	"github.com/nextlevelbuilder/agentgate/internal/providers"
)

// SinkEventKind discriminates a SinkEvent's variant. It mirrors the wire
// vocabulary of chat.send stream frames, kept as its own type here
// (rather than importing pkg/protocol) so the Agent Loop
// has no dependency on the gateway's wire format; the gateway adapts a
// SinkEvent into a protocol.StreamEvent, never the reverse.
type SinkEventKind int

const (
	SinkText SinkEventKind = iota
	SinkToolUse
	SinkToolResult
	SinkUsage
	SinkDone
	SinkError
)

// SinkEvent is one frame the Agent Loop hands to the caller-supplied sink
// channel for a single chat.send request id.
type SinkEvent struct {
	Kind SinkEventKind

	Text string // SinkText

	ToolUseID string // SinkToolUse, SinkToolResult
	ToolName  string // SinkToolUse
	ToolInput []byte // SinkToolUse

	ToolResultContent string // SinkToolResult
	ToolIsError        bool  // SinkToolResult

	Usage *providers.Usage // SinkUsage

	StopReason string // SinkDone
	Err        error  // SinkError
}

// roundKind is how one round terminated.
type roundKind int

const (
	roundText roundKind = iota
	roundToolCalls
	roundError
)

type roundResult struct {
	kind       roundKind
	text       string
	toolCalls  []ResolvedToolCall
	usage      *providers.Usage
	stopReason string
	err        error
}

// drainRound consumes the provider's event channel and forwards chosen
// events to sink under
// one cooperative select, so a slow sink reader never blocks the
// provider-event consumer and vice versa. SinkEvents waiting for delivery
// queue in outbox (unbounded, in arrival order) and only its head is
// offered to sink, which is what lets the select offer "forward to sink"
// as an alternative to "read next provider event" instead of a blocking
// send between the two.
func drainRound(ctx context.Context, events <-chan providers.Event, sink chan<- SinkEvent) roundResult {
	pending := newPendingToolUse()
	var textBuilder strings.Builder
	var toolCalls []ResolvedToolCall
	var usage *providers.Usage

	var outbox []SinkEvent
	var terminal *roundResult
	evCh := events

	for {
		if terminal != nil && len(outbox) == 0 {
			return *terminal
		}

		var sendCh chan<- SinkEvent
		var next SinkEvent
		if len(outbox) > 0 {
			sendCh = sink
			next = outbox[0]
		}

		select {
		case ev, ok := <-evCh:
			if !ok {
				evCh = nil
				if terminal == nil {
					terminal = &roundResult{kind: roundError, err: errs.Wrap(errs.Provider, fmt.Errorf("agent: provider stream closed without a terminal event"))}
				}
				continue
			}
			switch ev.Kind {
			case providers.EventTextDelta:
				textBuilder.WriteString(ev.Text)
				outbox = append(outbox, SinkEvent{Kind: SinkText, Text: ev.Text})
			case providers.EventToolUseBegin:
				pending.begin(ev)
			case providers.EventToolUseInputFragment:
				pending.fragment(ev)
			case providers.EventToolUseEnd:
				call, err := pending.end(ev)
				if err != nil {
					terminal = &roundResult{kind: roundError, err: errs.Wrap(errs.Provider, err)}
					evCh = nil
					continue
				}
				toolCalls = append(toolCalls, call)
				outbox = append(outbox, SinkEvent{Kind: SinkToolUse, ToolUseID: call.ID, ToolName: call.Name, ToolInput: call.Input})
			case providers.EventUsage:
				usage = ev.Usage
				outbox = append(outbox, SinkEvent{Kind: SinkUsage, Usage: ev.Usage})
			case providers.EventDone:
				kind := roundText
				if len(toolCalls) > 0 {
					kind = roundToolCalls
				}
				terminal = &roundResult{kind: kind, text: textBuilder.String(), toolCalls: toolCalls, usage: usage, stopReason: ev.StopReason}
				evCh = nil
			case providers.EventError:
				terminal = &roundResult{kind: roundError, err: errs.Wrap(errs.Provider, ev.Err)}
				evCh = nil
			}

		case sendCh <- next:
			outbox = outbox[1:]

		case <-ctx.Done():
			// Cancellation discards whatever partial text/tool state this
			// round accumulated; a partial assistant turn is never
			// persisted.
			return roundResult{kind: roundError, err: errs.Wrap(errs.Cancellation, ctx.Err())}
		}
	}
}

package protocol

// Stream event names carried in a response frame's "event" field, scoped to
// a single chat.send request id (see StreamEvent in rpc.go).
const (
	EventText       = "text"
	EventToolUse    = "tool_use"
	EventToolResult = "tool_result"
	EventUsage      = "usage"
	EventDone       = "done"
	EventError      = "error"
)

// Package protocol defines the wire-level JSON-RPC and event vocabulary
// spoken over the /ws endpoint. It has no behavior of its own; the
// gateway depends on it, never the reverse.
package protocol

import "encoding/json"

// Request is an inbound frame once a connection has reached Ready.
// Id is kept as a raw message so it can be echoed back exactly as
// received: numeric ids stay numeric, string ids stay strings.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is a single non-streaming reply, used for ping/status/plugin.list.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// StreamEvent is one frame of a chat.send response stream. Data carries a
// JSON-serializable payload appropriate to Event; exactly one of
// EventDone/EventError terminates the sequence for a given ID.
type StreamEvent struct {
	ID    json.RawMessage `json:"id"`
	Event string          `json:"event"`
	Data  any             `json:"data,omitempty"`
}

// RPCError is the error shape used both for top-level Response.Error and
// for data payloads on an EventError stream frame.
type RPCError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// ZeroID is used for responses to frames that failed to parse far enough
// to recover a request id; malformed JSON is answered as {id:"0", error}.
var ZeroID = json.RawMessage(`"0"`)

// ProtocolVersion is reported in the hello frame and the status result so
// a client can detect a wire-incompatible gateway before it sends its
// first chat.send.
const ProtocolVersion = "1.0"

// ChatSendParams is the params payload for MethodChatSend.
type ChatSendParams struct {
	Channel string `json:"channel"`
	Account string `json:"account"`
	Peer    string `json:"peer,omitempty"`
	Content string `json:"content"`
	Guild   string `json:"guild,omitempty"`
	Team    string `json:"team,omitempty"`
}

// StatusResult is the result payload for MethodStatus.
type StatusResult struct {
	Version       string `json:"version"`
	Plugins       int    `json:"plugins"`
	Sessions      int    `json:"sessions"`
	MCPServers    int    `json:"mcp_servers,omitempty"`
}

// PluginInfo is one element of the MethodPluginList result array.
type PluginInfo struct {
	Name string `json:"name"`
}

// HelloFrame is emitted exactly once on entering Ready.
type HelloFrame struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
}

// AuthFrame is the first inbound frame expected during AwaitAuth.
type AuthFrame struct {
	Token string `json:"token"`
}

// AuthFailed is emitted on authentication failure before closing.
type AuthFailed struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

const AuthFailedCode = 4001

// Text/tool event payload shapes carried in StreamEvent.Data.
type TextData struct {
	Text string `json:"text"`
}

type ToolUseData struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type ToolResultData struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

type UsageData struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

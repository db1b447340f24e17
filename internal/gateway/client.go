package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentgate/internal/agent"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// connState tracks the connection state machine:
// Opened -> (AwaitAuth | Ready) -> Ready -> Closed.
type connState int32

const (
	stateOpened connState = iota
	stateAwaitAuth
	stateReady
	stateClosed
)

// Client holds one WebSocket connection's framing state: the physical
// connection (single-writer, guarded by writeMu since gorilla forbids
// concurrent writers), the connection-wide rate limiter, and the count
// of chat.send streams currently in flight on it.
type Client struct {
	id   string
	conn *websocket.Conn
	srv  *Server

	writeMu sync.Mutex
	state   atomic.Int32

	limiter       *RateLimiter
	activeStreams atomic.Int32
}

func newClient(conn *websocket.Conn, srv *Server) *Client {
	c := &Client{
		id:      uuid.NewString(),
		conn:    conn,
		srv:     srv,
		limiter: NewRateLimiter(srv.cfg.Gateway.RateLimitRPM, 5),
	}
	c.state.Store(int32(stateOpened))

	// A hard ceiling well above the configured max_frame_bytes: oversized
	// frames are rejected with a protocol error by readLoop's own check,
	// this is only a backstop against an adversarial frame so large that
	// buffering it would itself be the denial of service.
	hardCap := int64(srv.cfg.Gateway.MaxFrameBytes) * 4
	if hardCap <= 0 {
		hardCap = 8 << 20
	}
	conn.SetReadLimit(hardCap)

	return c
}

// run drives the connection from Opened through Closed. It returns once
// the socket is done, closing the underlying connection on the way out.
func (c *Client) run(ctx context.Context) {
	defer c.conn.Close()

	if !c.srv.skipsAuth() {
		c.state.Store(int32(stateAwaitAuth))
		if !c.awaitAuth() {
			c.state.Store(int32(stateClosed))
			return
		}
	}

	c.state.Store(int32(stateReady))
	if err := c.sendFrame(protocol.HelloFrame{OK: true, Version: protocol.ProtocolVersion}); err != nil {
		c.state.Store(int32(stateClosed))
		return
	}

	c.readLoop(ctx)
	c.state.Store(int32(stateClosed))
}

// awaitAuth reads exactly one frame, a JSON object naming a bearer
// token, and compares it in constant time against the configured
// token. On any failure it emits auth_failed and the caller closes the
// connection.
func (c *Client) awaitAuth() bool {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return false
	}

	var frame protocol.AuthFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.failAuth("malformed auth frame")
		return false
	}

	if !tokenMatches(c.srv.cfg.Gateway.Token, frame.Token) {
		c.failAuth("invalid token")
		return false
	}
	return true
}

// tokenMatches compares tokens in constant time; the length check leaks
// only length, never the position of the first differing byte.
func tokenMatches(want, got string) bool {
	w, g := []byte(want), []byte(got)
	return len(w) == len(g) && subtle.ConstantTimeCompare(w, g) == 1
}

func (c *Client) failAuth(msg string) {
	_ = c.sendFrame(protocol.AuthFailed{Error: "auth_failed", Code: protocol.AuthFailedCode})
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(protocol.AuthFailedCode, msg), time.Now().Add(time.Second))
}

// readLoop reads Ready-state request frames until the connection closes,
// dispatching each to handleRequest. A client disconnecting mid-stream is
// observed here (ReadMessage returns an error) and propagates as ctx
// cancellation to every in-flight chat.send via connCtx's cancel.
func (c *Client) readLoop(parent context.Context) {
	connCtx, cancel := context.WithCancel(parent)
	defer cancel()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return // client disappeared; cancellation propagates via connCtx
		}

		if max := c.srv.cfg.Gateway.MaxFrameBytes; max > 0 && len(data) > max {
			c.sendError(protocol.ZeroID, "frame exceeds max_frame_bytes")
			continue
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.sendError(protocol.ZeroID, "rate limit exceeded")
			continue
		}

		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendError(protocol.ZeroID, "malformed request")
			continue
		}

		c.handleRequest(connCtx, req)
	}
}

// handleRequest dispatches one parsed request frame. ping/status/plugin.list
// reply synchronously; chat.send spawns a goroutine so a long-running
// round sequence never blocks the read loop from servicing other request
// ids interleaved on the same connection.
func (c *Client) handleRequest(ctx context.Context, req protocol.Request) {
	switch req.Method {
	case protocol.MethodPing:
		c.sendResult(req.ID, c.srv.router.Ping())

	case protocol.MethodStatus:
		c.sendResult(req.ID, c.srv.router.Status())

	case protocol.MethodPluginList:
		c.sendResult(req.ID, c.srv.router.PluginList())

	case protocol.MethodChatSend:
		c.handleChatSend(ctx, req)

	default:
		c.sendError(req.ID, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (c *Client) handleChatSend(ctx context.Context, req protocol.Request) {
	var params protocol.ChatSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.sendError(req.ID, "malformed chat.send params")
		return
	}

	maxStreams := c.srv.cfg.Gateway.MaxStreamsPerConnection
	if maxStreams > 0 && c.activeStreams.Add(1) > int32(maxStreams) {
		c.activeStreams.Add(-1)
		_ = c.sendFrame(protocol.StreamEvent{
			ID: req.ID, Event: protocol.EventError,
			Data: protocol.RPCError{Message: "max concurrent streams per connection exceeded"},
		})
		return
	}

	go func() {
		defer c.activeStreams.Add(-1)

		sink := make(chan agent.SinkEvent)
		go func() {
			defer close(sink)
			c.srv.router.ChatSend(ctx, params, sink)
		}()

		for ev := range sink {
			// A write failure here (peer gone) is not retried or treated
			// specially: draining sink to completion is what lets the
			// Agent Loop goroutine observe ctx cancellation and exit,
			// rather than blocking forever on a send nobody reads.
			_ = c.sendFrame(sinkEventToFrame(req.ID, ev))
		}
	}()
}

func (c *Client) sendResult(id json.RawMessage, result any) {
	_ = c.sendFrame(protocol.Response{ID: id, Result: result})
}

func (c *Client) sendError(id json.RawMessage, msg string) {
	_ = c.sendFrame(protocol.Response{ID: id, Error: &protocol.RPCError{Message: msg}})
}

// sendFrame serializes and writes v as a single text WebSocket frame,
// serializing concurrent writers from multiple in-flight chat.send
// goroutines behind writeMu; gorilla's Conn permits only one writer at
// a time.
func (c *Client) sendFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("gateway.encode_failed", "error", err)
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

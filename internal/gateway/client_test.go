package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentgate/internal/agent"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/providers"
	"github.com/nextlevelbuilder/agentgate/internal/sandbox"
	"github.com/nextlevelbuilder/agentgate/internal/sessions"
	"github.com/nextlevelbuilder/agentgate/internal/tools"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

func TestTokenMatches(t *testing.T) {
	if !tokenMatches("secret", "secret") {
		t.Fatal("equal tokens must accept")
	}
	for _, bad := range []string{"", "Secret", "secre", "secretx", "aecret", "secreu"} {
		if tokenMatches("secret", bad) {
			t.Fatalf("token %q must reject", bad)
		}
	}
}

// newTestServer wires a full gateway Server around an in-memory sandbox
// host and an empty provider set, served over httptest.
func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	host, err := sandbox.NewHost(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { host.Close(context.Background()) })

	registry := tools.NewRegistry()
	store := sessions.NewStore()
	router := sessions.NewRouter(cfg.Bindings, cfg.Agent.ID, store)
	agents := agent.NewRegistry(cfg)
	dispatcher := &agent.Dispatcher{Registry: registry, Sandbox: host}
	loop := agent.NewLoop(map[string]providers.Provider{}, dispatcher, 0)

	srv := NewServer(cfg, router, agents, loop, host, nil)
	ts := httptest.NewServer(srv.mux())
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
}

func loopbackConfig() *config.Config {
	cfg := config.Default()
	cfg.Agent.Provider = "anthropic"
	cfg.Agent.Model = "m"
	return cfg
}

func TestLoopbackPing(t *testing.T) {
	_, ts := newTestServer(t, loopbackConfig())
	conn := dialWS(t, ts)

	var hello protocol.HelloFrame
	readJSON(t, conn, &hello)
	if !hello.OK {
		t.Fatalf("hello = %+v", hello)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"method":"ping"}`)); err != nil {
		t.Fatal(err)
	}

	var raw map[string]json.RawMessage
	readJSON(t, conn, &raw)
	if string(raw["id"]) != "1" {
		t.Fatalf("id = %s, want numeric 1 echoed as received", raw["id"])
	}
	if string(raw["result"]) != `"pong"` {
		t.Fatalf("result = %s", raw["result"])
	}
}

func TestStringIDEchoedAsString(t *testing.T) {
	_, ts := newTestServer(t, loopbackConfig())
	conn := dialWS(t, ts)

	var hello protocol.HelloFrame
	readJSON(t, conn, &hello)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"abc","method":"ping"}`))

	var raw map[string]json.RawMessage
	readJSON(t, conn, &raw)
	if string(raw["id"]) != `"abc"` {
		t.Fatalf("id = %s, want \"abc\"", raw["id"])
	}
}

func TestAuthFailureClosesConnection(t *testing.T) {
	cfg := loopbackConfig()
	cfg.Gateway.Bind = "0.0.0.0"
	cfg.Gateway.Token = "good"

	_, ts := newTestServer(t, cfg)
	conn := dialWS(t, ts)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"token":"bad"}`))

	var failed protocol.AuthFailed
	readJSON(t, conn, &failed)
	if failed.Error == "" || failed.Code != protocol.AuthFailedCode {
		t.Fatalf("auth failure frame = %+v", failed)
	}

	// The server closes its end; the next read must fail.
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection still open after auth failure")
	}
}

func TestAuthSuccessThenReady(t *testing.T) {
	cfg := loopbackConfig()
	cfg.Gateway.Bind = "0.0.0.0"
	cfg.Gateway.Token = "good"

	_, ts := newTestServer(t, cfg)
	conn := dialWS(t, ts)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"token":"good"}`))

	var hello protocol.HelloFrame
	readJSON(t, conn, &hello)
	if !hello.OK {
		t.Fatalf("hello = %+v", hello)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"method":"ping"}`))
	var resp map[string]json.RawMessage
	readJSON(t, conn, &resp)
	if string(resp["result"]) != `"pong"` {
		t.Fatalf("result = %s", resp["result"])
	}
}

func TestUnknownMethodKeepsConnectionOpen(t *testing.T) {
	_, ts := newTestServer(t, loopbackConfig())
	conn := dialWS(t, ts)

	var hello protocol.HelloFrame
	readJSON(t, conn, &hello)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"id":5,"method":"nope"}`))

	var raw map[string]json.RawMessage
	readJSON(t, conn, &raw)
	if string(raw["id"]) != "5" || raw["error"] == nil {
		t.Fatalf("frame = %v", raw)
	}

	// Still usable.
	conn.WriteMessage(websocket.TextMessage, []byte(`{"id":6,"method":"ping"}`))
	readJSON(t, conn, &raw)
	if string(raw["result"]) != `"pong"` {
		t.Fatalf("result = %s", raw["result"])
	}
}

func TestMalformedJSONRepliesWithZeroID(t *testing.T) {
	_, ts := newTestServer(t, loopbackConfig())
	conn := dialWS(t, ts)

	var hello protocol.HelloFrame
	readJSON(t, conn, &hello)

	conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))

	var raw map[string]json.RawMessage
	readJSON(t, conn, &raw)
	if string(raw["id"]) != `"0"` || raw["error"] == nil {
		t.Fatalf("frame = %v", raw)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t, loopbackConfig())
	resp, err := ts.Client().Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestStatusMethod(t *testing.T) {
	_, ts := newTestServer(t, loopbackConfig())
	conn := dialWS(t, ts)

	var hello protocol.HelloFrame
	readJSON(t, conn, &hello)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"id":2,"method":"status"}`))

	var raw struct {
		Result protocol.StatusResult `json:"result"`
	}
	readJSON(t, conn, &raw)
	if raw.Result.Version != protocol.ProtocolVersion {
		t.Fatalf("status = %+v", raw.Result)
	}
}

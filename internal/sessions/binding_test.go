package sessions

import (
	"testing"

	"github.com/nextlevelbuilder/agentgate/internal/config"
)

func newTestRouter(bindings []config.BindingConfig) *Router {
	return NewRouter(bindings, "default", NewStore())
}

func TestResolveAgentPriorityOrder(t *testing.T) {
	r := newTestRouter([]config.BindingConfig{
		{AgentID: "by-channel", Channel: "ws"},
		{AgentID: "by-account", Account: "u1"},
		{AgentID: "by-team", Team: "t1"},
		{AgentID: "by-guild", Guild: "g1"},
		{AgentID: "by-peer", Peer: "p1"},
	})

	cases := []struct {
		name string
		p    ChatParams
		want string
	}{
		{"peer beats everything", ChatParams{Channel: "ws", Account: "u1", Team: "t1", Guild: "g1", Peer: "p1"}, "by-peer"},
		{"guild beats team", ChatParams{Channel: "ws", Account: "u1", Team: "t1", Guild: "g1"}, "by-guild"},
		{"team beats account", ChatParams{Channel: "ws", Account: "u1", Team: "t1"}, "by-team"},
		{"account beats channel", ChatParams{Channel: "ws", Account: "u1"}, "by-account"},
		{"channel matches last", ChatParams{Channel: "ws", Account: "other"}, "by-channel"},
		{"nothing matches falls through to default", ChatParams{Channel: "irc", Account: "other"}, "default"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := r.resolveAgent(tc.p); got != tc.want {
				t.Fatalf("resolveAgent(%+v) = %q, want %q", tc.p, got, tc.want)
			}
		})
	}
}

func TestResolveAgentInsertionOrderBreaksTies(t *testing.T) {
	r := newTestRouter([]config.BindingConfig{
		{AgentID: "first", Account: "u1"},
		{AgentID: "second", Account: "u1"},
	})
	if got := r.resolveAgent(ChatParams{Account: "u1"}); got != "first" {
		t.Fatalf("got %q, want first", got)
	}
}

func TestResolveCreatesSessionLazilyAndTouches(t *testing.T) {
	store := NewStore()
	r := NewRouter(nil, "default", store)

	if store.Count() != 0 {
		t.Fatalf("store not empty before first resolution")
	}

	agentID, key, handle := r.Resolve(ChatParams{Channel: "ws", Account: "u1"})
	defer handle.Release()

	if agentID != "default" {
		t.Fatalf("agentID = %q, want default", agentID)
	}
	if key.Peer != "main" {
		t.Fatalf("absent peer should normalize to main, got %q", key.Peer)
	}
	if store.Count() != 1 {
		t.Fatalf("count = %d, want 1", store.Count())
	}
	if handle.Session().UpdatedAt().IsZero() {
		t.Fatal("resolution should refresh UpdatedAt")
	}
}

func TestUpdateBindingsSwapsList(t *testing.T) {
	r := newTestRouter([]config.BindingConfig{{AgentID: "old", Channel: "ws"}})
	if got := r.resolveAgent(ChatParams{Channel: "ws"}); got != "old" {
		t.Fatalf("got %q, want old", got)
	}

	r.UpdateBindings([]config.BindingConfig{{AgentID: "new", Channel: "ws"}})
	if got := r.resolveAgent(ChatParams{Channel: "ws"}); got != "new" {
		t.Fatalf("got %q, want new", got)
	}
}

func TestKeyStableAcrossExplicitAndAbsentPeer(t *testing.T) {
	implicit := NewKey("a", "ws", "u", "")
	explicit := NewKey("a", "ws", "u", "main")
	if implicit != explicit {
		t.Fatalf("keys differ: %v vs %v", implicit, explicit)
	}
	if implicit.String() != "a|ws|u|main" {
		t.Fatalf("String() = %q", implicit.String())
	}
}

package sessions

import (
	"sync"

	"github.com/nextlevelbuilder/agentgate/internal/config"
)

// Binding is one immutable routing rule: it maps a
// subset of {channel, account, peer, guild, team} selectors to a target
// agent id. At least one selector must be present; config.Validate
// already enforces this at load time (internal/config/config_load.go).
type Binding struct {
	AgentID string
	Channel string
	Account string
	Peer    string
	Guild   string
	Team    string
}

// ChatParams is the routing-relevant subset of a chat.send envelope.
type ChatParams struct {
	Channel string
	Account string
	Peer    string
	Guild   string
	Team    string
}

// Router resolves an inbound chat.send envelope to an agent id and a
// session key. The binding list is ordered; it may be
// replaced wholesale by UpdateBindings on a config hot-reload, guarded
// by mu so a reload never races a concurrent resolveAgent. The session
// map lives in the shared Store.
type Router struct {
	mu           sync.RWMutex
	bindings     []Binding
	defaultAgent string
	store        *Store
}

// NewRouter builds a Router from the configuration document's ordered
// binding list. cfg.Validate already guarantees the default agent id is
// non-empty; an empty default here is a programmer error caught at
// startup, not a runtime one.
func NewRouter(cfgBindings []config.BindingConfig, defaultAgent string, store *Store) *Router {
	r := &Router{defaultAgent: defaultAgent, store: store}
	r.bindings = toBindings(cfgBindings)
	return r
}

func toBindings(cfgBindings []config.BindingConfig) []Binding {
	out := make([]Binding, 0, len(cfgBindings))
	for _, b := range cfgBindings {
		out = append(out, Binding{
			AgentID: b.AgentID,
			Channel: b.Channel,
			Account: b.Account,
			Peer:    b.Peer,
			Guild:   b.Guild,
			Team:    b.Team,
		})
	}
	return out
}

// UpdateBindings replaces the router's binding list in place, used by a
// config hot-reload. In-flight requests already past
// resolveAgent are unaffected; every call after the swap sees the new
// list.
func (r *Router) UpdateBindings(cfgBindings []config.BindingConfig) {
	next := toBindings(cfgBindings)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings = next
}

// resolveAgent is a total function over bindings: priority highest
// first is peer, guild, team, account, channel, then the default agent.
// Within one priority level the first matching binding in insertion
// order wins.
func (r *Router) resolveAgent(p ChatParams) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p.Peer != "" {
		if id, ok := r.matchBy(func(b Binding) bool { return b.Peer != "" && b.Peer == p.Peer }); ok {
			return id
		}
	}
	if p.Guild != "" {
		if id, ok := r.matchBy(func(b Binding) bool { return b.Guild != "" && b.Guild == p.Guild }); ok {
			return id
		}
	}
	if p.Team != "" {
		if id, ok := r.matchBy(func(b Binding) bool { return b.Team != "" && b.Team == p.Team }); ok {
			return id
		}
	}
	if p.Account != "" {
		if id, ok := r.matchBy(func(b Binding) bool { return b.Account != "" && b.Account == p.Account }); ok {
			return id
		}
	}
	if p.Channel != "" {
		if id, ok := r.matchBy(func(b Binding) bool { return b.Channel != "" && b.Channel == p.Channel }); ok {
			return id
		}
	}
	return r.defaultAgent
}

func (r *Router) matchBy(pred func(Binding) bool) (string, bool) {
	for _, b := range r.bindings {
		if pred(b) {
			return b.AgentID, true
		}
	}
	return "", false
}

// Resolve returns the resolved agent id, the composite session key, and
// an exclusive handle to that session. The caller must Release the
// handle on every exit path. Resolution always lazily creates the
// session on first reference and refreshes its UpdatedAt, even though
// only the caller decides whether to actually append any turns.
func (r *Router) Resolve(p ChatParams) (agentID string, key Key, handle *Handle) {
	agentID = r.resolveAgent(p)
	key = NewKey(agentID, p.Channel, p.Account, p.Peer)
	r.store.Touch(key)
	handle = r.store.Acquire(key)
	return agentID, key, handle
}

// Store returns the router's underlying session store, used by the
// gateway's "status" method to report session counts.
func (r *Router) Store() *Store { return r.store }

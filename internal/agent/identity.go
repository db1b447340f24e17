// Package agent implements the agent loop: the bounded
// assemble-context -> stream-LLM -> dispatch-tool -> feed-back round
// sequence that executes one chat.send to completion.
package agent

import (
	"fmt"

	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/errs"
)

// Identity is the immutable pairing of provider, model, system prompt,
// and tool allowlist a request is dispatched against.
// It is built once from configuration at startup and
// never mutated afterward; a fallback identity, if configured, is just
// another Identity reachable via Fallback.
type Identity struct {
	ID                string
	Provider          string
	Model             string
	MaxResponseTokens int
	SystemPrompt      string
	ToolAllowlist     []string
	MaxIterations     int
	ToolTimeoutSec    int
	RoundTimeoutSec   int

	Fallback *Identity
}

const defaultMaxIterations = 8

func newIdentity(c *config.AgentConfig) *Identity {
	id := &Identity{
		ID:                c.ID,
		Provider:          c.Provider,
		Model:             c.Model,
		MaxResponseTokens: c.MaxResponseTokens,
		SystemPrompt:      c.SystemPrompt,
		ToolAllowlist:     []string(c.ToolAllowlist),
		MaxIterations:     c.MaxIterations,
		ToolTimeoutSec:    c.ToolTimeoutSec,
		RoundTimeoutSec:   c.RoundTimeoutSec,
	}
	if id.MaxIterations <= 0 {
		id.MaxIterations = defaultMaxIterations
	}
	if c.Fallback != nil {
		id.Fallback = newIdentity(c.Fallback)
	}
	return id
}

// Registry resolves an agent id (as named by a Binding or the default
// agent) to its Identity. Bindings are free to name the fallback
// identity's id too; an id naming neither is a RoutingError at
// resolution time, not a startup failure, since a Binding's target is
// only checked against the identities that exist once dispatch happens.
type Registry struct {
	byID      map[string]*Identity
	defaultID string
}

// NewRegistry builds a Registry from the configuration document's agent
// (+ fallback) section. The default agent's presence is already enforced
// by config.Validate; this only indexes what config guaranteed exists.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{byID: make(map[string]*Identity), defaultID: cfg.Agent.ID}
	r.index(newIdentity(&cfg.Agent))
	return r
}

func (r *Registry) index(id *Identity) {
	if id == nil {
		return
	}
	r.byID[id.ID] = id
	r.index(id.Fallback)
}

// DefaultID returns the root agent's id, used as the Session Router's
// default-agent fallback target.
func (r *Registry) DefaultID() string { return r.defaultID }

// Lookup resolves id to its Identity, or a RoutingError if unknown.
func (r *Registry) Lookup(id string) (*Identity, error) {
	ident, ok := r.byID[id]
	if !ok {
		return nil, errs.Wrap(errs.Routing, fmt.Errorf("agent: no identity named %q", id))
	}
	return ident, nil
}

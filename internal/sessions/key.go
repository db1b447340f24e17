// Package sessions implements the session router and store: resolving
// an inbound chat.send envelope to an agent identity and a session key
// via hierarchical binding, and holding conversation turns under a
// per-session exclusive lock.
package sessions

import "fmt"

// absentPeer is the sentinel substituted for an unset peer selector.
const absentPeer = "main"

// Key is the composite, by-value-comparable session identifier:
// {agent_id}|{channel}|{account}|{peer}. Because it
// is a plain comparable struct it can be used directly as a map key;
// no string-building/parsing round trip is needed.
type Key struct {
	AgentID string
	Channel string
	Account string
	Peer    string
}

// NewKey builds a Key from a chat.send envelope's routing selectors.
// An empty peer is normalized to the absent-peer sentinel so that two
// requests differing only in an omitted vs. explicit "main" peer collide
// on the same session.
func NewKey(agentID, channel, account, peer string) Key {
	if peer == "" {
		peer = absentPeer
	}
	return Key{AgentID: agentID, Channel: channel, Account: account, Peer: peer}
}

// String renders the key in its pipe-joined wire form, used for logging
// and diagnostics.
func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.AgentID, k.Channel, k.Account, k.Peer)
}

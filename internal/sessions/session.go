package sessions

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// TurnKind discriminates a Turn's variant.
type TurnKind int

const (
	TurnUserText TurnKind = iota
	TurnAssistantText
	TurnToolUse
	TurnToolResult
)

// Turn is one append-only entry in a session's ordered turn sequence.
// Only the fields relevant to Kind are populated, matching the tagged-
// union style the normalized provider Event already uses
// (internal/providers.Event).
type Turn struct {
	Kind TurnKind

	Text string // TurnUserText, TurnAssistantText

	ToolUseID string          // TurnToolUse, TurnToolResult
	ToolName  string          // TurnToolUse
	ToolInput json.RawMessage // TurnToolUse

	ToolResultContent string // TurnToolResult
	ToolIsError       bool   // TurnToolResult
}

// Session is the mutable per-key conversation record.
// It is never destroyed; Window only narrows the in-memory episodic view
// returned to context assembly, it never deletes a turn from turns.
//
// turns itself is only ever read or appended while the session's
// exclusive Handle (store.go) is held. UpdatedAt and the turn count are
// also exposed as lock-free atomics so metadata readers never contend
// with an in-flight round.
type Session struct {
	Key       Key
	AgentID   string
	CreatedAt time.Time

	turns []Turn

	updatedAtNano atomic.Int64
	turnCount     atomic.Int64
}

// Append adds a turn to the session's total order and refreshes UpdatedAt.
// Callers must already hold the session's exclusive handle (see store.go).
func (s *Session) Append(t Turn) {
	s.turns = append(s.turns, t)
	s.turnCount.Store(int64(len(s.turns)))
	s.updatedAtNano.Store(time.Now().UnixNano())
}

// Window returns the last n turns, or every turn when n <= 0 or there are
// fewer than n. This is the sliding-window episodic view used for context
// assembly; a richer memory engine can replace it without touching the
// Agent Loop, since the Loop only ever calls this one method. Callers
// must hold the session's exclusive handle.
func (s *Session) Window(n int) []Turn {
	if n <= 0 || n >= len(s.turns) {
		out := make([]Turn, len(s.turns))
		copy(out, s.turns)
		return out
	}
	out := make([]Turn, n)
	copy(out, s.turns[len(s.turns)-n:])
	return out
}

// TurnCount reports the total number of committed turns without taking
// the per-session lock.
func (s *Session) TurnCount() int { return int(s.turnCount.Load()) }

// UpdatedAt reports the last write/resolution time without taking the
// per-session lock.
func (s *Session) UpdatedAt() time.Time {
	return time.Unix(0, s.updatedAtNano.Load())
}

// touch refreshes UpdatedAt without requiring the exclusive handle, used
// by the Router on every resolution.
func (s *Session) touch() { s.updatedAtNano.Store(time.Now().UnixNano()) }

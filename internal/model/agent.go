// Package model defines the entities shared by the registry, the request
// surface, and the event fan-out: agents, work units, queue entries, claim
// results, and change-notification events.
package model

import "time"

// AgentKind distinguishes a top-level session from a sub-agent spawned
// within it.
type AgentKind string

const (
	AgentMain AgentKind = "main"
	AgentSub  AgentKind = "sub"
)

const DefaultAgentTTLSeconds = 600

// Agent is a registered coordination participant. ID ("agent_id") is
// "session_id" for a main agent and "session_id:spawn_call_id" for a
// sub-agent spawned from it — the registry composes ID from SessionID (and
// SpawnCallID, for a sub-agent) rather than taking it as given from the
// registration caller. SpawnCallID and ParentAgentID are present iff Kind
// is AgentSub.
type Agent struct {
	ID            string    `json:"agent_id"`
	SessionID     string    `json:"session_id"`
	Kind          AgentKind `json:"kind"`
	SpawnCallID   string    `json:"spawn_call_id,omitempty"`
	ParentAgentID string    `json:"parent_agent_id,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastSeen      time.Time `json:"last_seen"`
	TTLSeconds    int       `json:"ttl_seconds"`
}

// IsExpired reports whether the agent's last heartbeat is older than its TTL.
func (a *Agent) IsExpired(now time.Time) bool {
	elapsed := now.Sub(a.LastSeen)
	return elapsed > time.Duration(a.TTLSeconds)*time.Second
}

// Clone returns a value copy safe to hand to a caller outside the registry
// lock.
func (a *Agent) Clone() Agent {
	return *a
}

// SubAgentID composes the conventional identity for a sub-agent spawned by
// a Task-style tool call within sessionID.
func SubAgentID(sessionID, spawnCallID string) string {
	return sessionID + ":" + spawnCallID
}

package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WorkUnitType classifies the kind of resource a work unit guards.
type WorkUnitType string

const (
	WorkUnitFile      WorkUnitType = "file"
	WorkUnitDirectory WorkUnitType = "directory"
	WorkUnitProcess   WorkUnitType = "process"
)

// WorkUnitStatus is the authoritative claim state of a work unit. There is
// no third "completed" state: a unit is either available or claimed.
type WorkUnitStatus string

const (
	StatusAvailable WorkUnitStatus = "available"
	StatusClaimed   WorkUnitStatus = "claimed"
)

const DefaultWorkUnitTTLSeconds = 300

// QueueEntry records an agent waiting for a work unit to become available.
type QueueEntry struct {
	AgentID     string    `json:"agent_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// WorkUnit is a single guarded resource: a file, a directory, or a named
// process-level lock such as "proc:test".
type WorkUnit struct {
	ID            string         `json:"id"`
	ResourcePath  string         `json:"resource_path"`
	Type          WorkUnitType   `json:"type"`
	Status        WorkUnitStatus `json:"status"`
	OwnerAgentID  *string        `json:"owner_agent_id,omitempty"`
	ClaimedAt     *time.Time     `json:"claimed_at,omitempty"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	Queue         []QueueEntry   `json:"-"`
}

// workUnitView is the wire shape: the queue is rendered with 1-based
// positions rather than the bare slice.
type workUnitView struct {
	ID           string              `json:"id"`
	ResourcePath string              `json:"resource_path"`
	Type         WorkUnitType        `json:"type"`
	Status       WorkUnitStatus      `json:"status"`
	OwnerAgentID *string             `json:"owner_agent_id,omitempty"`
	ClaimedAt    *time.Time          `json:"claimed_at,omitempty"`
	ExpiresAt    *time.Time          `json:"expires_at,omitempty"`
	Queue        []QueueEntryView    `json:"queue,omitempty"`
}

// QueueEntryView is a queue entry as rendered over the wire, with its
// 1-based position made explicit for clients that don't want to count.
type QueueEntryView struct {
	AgentID     string    `json:"agent_id"`
	RequestedAt time.Time `json:"requested_at"`
	Position    int       `json:"position"`
}

// View renders the work unit for JSON responses.
func (w *WorkUnit) View() workUnitView {
	v := workUnitView{
		ID:           w.ID,
		ResourcePath: w.ResourcePath,
		Type:         w.Type,
		Status:       w.Status,
		OwnerAgentID: w.OwnerAgentID,
		ClaimedAt:    w.ClaimedAt,
		ExpiresAt:    w.ExpiresAt,
	}
	for i, q := range w.Queue {
		v.Queue = append(v.Queue, QueueEntryView{
			AgentID:     q.AgentID,
			RequestedAt: q.RequestedAt,
			Position:    i + 1,
		})
	}
	return v
}

// MarshalJSON renders a WorkUnit using its wire view.
func (w WorkUnit) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.View())
}

// IsClaimed reports whether the work unit currently has an owner.
func (w *WorkUnit) IsClaimed() bool {
	return w.Status == StatusClaimed
}

// IsOwnedBy reports whether agentID currently owns this work unit.
func (w *WorkUnit) IsOwnedBy(agentID string) bool {
	return w.OwnerAgentID != nil && *w.OwnerAgentID == agentID
}

// QueuePosition returns the 1-based position of agentID in the queue, and
// whether it is present at all.
func (w *WorkUnit) QueuePosition(agentID string) (int, bool) {
	for i, q := range w.Queue {
		if q.AgentID == agentID {
			return i + 1, true
		}
	}
	return 0, false
}

// IsQueued reports whether agentID is waiting in this work unit's queue.
func (w *WorkUnit) IsQueued(agentID string) bool {
	_, ok := w.QueuePosition(agentID)
	return ok
}

// Clone returns a deep-enough copy safe to hand to a caller outside the
// registry lock: the queue slice and owner/time pointers are copied.
func (w *WorkUnit) Clone() WorkUnit {
	c := *w
	if w.OwnerAgentID != nil {
		owner := *w.OwnerAgentID
		c.OwnerAgentID = &owner
	}
	if w.ClaimedAt != nil {
		t := *w.ClaimedAt
		c.ClaimedAt = &t
	}
	if w.ExpiresAt != nil {
		t := *w.ExpiresAt
		c.ExpiresAt = &t
	}
	if w.Queue != nil {
		c.Queue = append([]QueueEntry(nil), w.Queue...)
	}
	return c
}

// NewWorkUnitID generates an opaque work unit identifier, e.g. "wu-3f9a1b2c4d5e".
func NewWorkUnitID() string {
	return "wu-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// ClaimResult is the outcome of a claim attempt.
type ClaimResult struct {
	Success       bool   `json:"success"`
	WorkUnitID    string `json:"work_unit_id"`
	OwnerAgentID  string `json:"owner_agent_id,omitempty"`
	QueuePosition int    `json:"queue_position,omitempty"`
	Message       string `json:"message,omitempty"`
}

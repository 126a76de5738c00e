// Package registry implements the single-lock coordination state machine:
// claim, release, queue, heartbeat and TTL-driven recovery for agents and
// work units. It holds no persisted state and keeps no history beyond the
// change-notification events it emits to registered sinks.
package registry

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Okohedeki/sialockd/internal/model"
)

// Config holds the registry's default TTLs. Per-agent TTLs can still be
// supplied at registration time and per-lease TTLs at claim time; these
// are only the fallback.
type Config struct {
	DefaultWorkUnitTTL time.Duration
	DefaultAgentTTL    time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultWorkUnitTTL <= 0 {
		c.DefaultWorkUnitTTL = model.DefaultWorkUnitTTLSeconds * time.Second
	}
	if c.DefaultAgentTTL <= 0 {
		c.DefaultAgentTTL = model.DefaultAgentTTLSeconds * time.Second
	}
	return c
}

// Registry is the single source of truth for agents and work units. All
// exported methods are safe for concurrent use; the zero value is not
// usable, construct with New.
type Registry struct {
	mu sync.RWMutex

	cfg    Config
	clock  func() time.Time
	logger *slog.Logger

	workUnits map[string]*model.WorkUnit // by id
	byPath    map[string]string          // resource path -> work unit id
	agents    map[string]*model.Agent

	events    chan model.Event
	sinksMu   sync.Mutex
	sinks     []model.Sink
	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithClock overrides the registry's notion of "now", for deterministic
// tests of TTL expiry without sleeping.
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) { r.clock = fn }
}

// WithLogger overrides the registry's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New constructs a Registry and starts its event-dispatch goroutine.
func New(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:       cfg.withDefaults(),
		clock:     time.Now,
		logger:    slog.Default(),
		workUnits: make(map[string]*model.WorkUnit),
		byPath:    make(map[string]string),
		agents:    make(map[string]*model.Agent),
		events:    make(chan model.Event, 256),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.dispatchLoop()
	return r
}

// Close stops the event-dispatch goroutine. It does not clear registry
// state; the registry simply stops notifying sinks.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// RegisterSink adds a sink that receives every subsequent event. Events
// emitted earlier but still waiting in the dispatch channel may also reach
// it.
func (r *Registry) RegisterSink(s model.Sink) {
	r.sinksMu.Lock()
	defer r.sinksMu.Unlock()
	r.sinks = append(r.sinks, s)
}

func (r *Registry) dispatchLoop() {
	for {
		select {
		case <-r.done:
			return
		case ev := <-r.events:
			r.sinksMu.Lock()
			sinks := append([]model.Sink(nil), r.sinks...)
			r.sinksMu.Unlock()
			for _, s := range sinks {
				r.callSink(s, ev)
			}
		}
	}
}

func (r *Registry) callSink(s model.Sink, ev model.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event sink panicked", "recover", rec, "event_type", ev.Type)
		}
	}()
	s(ev)
}

// emit is called with r.mu held: it only does a non-blocking send on the
// buffered channel, so it never blocks the mutating caller.
func (r *Registry) emit(ev model.Event) {
	ev.Timestamp = r.clock()
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("event dropped, dispatch channel full", "event_type", ev.Type)
	}
}

// leaseTTL is the lease length a claim or promotion gets when no explicit
// TTL is supplied. An agent's own TTL governs only its liveness.
func (r *Registry) leaseTTL() time.Duration {
	return r.cfg.DefaultWorkUnitTTL
}

func (r *Registry) agentTTLSeconds() int {
	return int(r.cfg.DefaultAgentTTL / time.Second)
}

// touchOrRegisterLocked ensures agentID has an agent record, creating one
// with the registry's default kind/TTL if necessary, and refreshes its
// last_seen. An implicitly-created record's session_id is derived from
// agentID itself, since Claim never receives a separate session_id.
func (r *Registry) touchOrRegisterLocked(agentID string, now time.Time) *model.Agent {
	a, ok := r.agents[agentID]
	if !ok {
		a = &model.Agent{
			ID:           agentID,
			SessionID:    sessionIDFromAgentID(agentID),
			Kind:         model.AgentMain,
			RegisteredAt: now,
			LastSeen:     now,
			TTLSeconds:   r.agentTTLSeconds(),
		}
		r.agents[agentID] = a
		r.emit(model.Event{Type: model.EventAgentRegistered, AgentID: agentID})
		return a
	}
	a.LastSeen = now
	return a
}

// sessionIDFromAgentID recovers the session_id portion of a composed
// agent_id ("session_id" or "session_id:spawn_call_id").
func sessionIDFromAgentID(agentID string) string {
	if idx := strings.IndexByte(agentID, ':'); idx != -1 {
		return agentID[:idx]
	}
	return agentID
}

func (r *Registry) getOrCreateWorkUnitLocked(path string, typ model.WorkUnitType, now time.Time) *model.WorkUnit {
	if id, ok := r.byPath[path]; ok {
		return r.workUnits[id]
	}
	wu := &model.WorkUnit{
		ID:           model.NewWorkUnitID(),
		ResourcePath: path,
		Type:         typ,
		Status:       model.StatusAvailable,
	}
	r.workUnits[wu.ID] = wu
	r.byPath[path] = wu.ID
	_ = now
	return wu
}

func (r *Registry) assignLocked(wu *model.WorkUnit, agentID string, now time.Time, ttl time.Duration) {
	owner := agentID
	exp := now.Add(ttl)
	wu.Status = model.StatusClaimed
	wu.OwnerAgentID = &owner
	wu.ClaimedAt = &now
	wu.ExpiresAt = &exp
	// The new owner should never remain in its own queue.
	wu.Queue = removeFromQueue(wu.Queue, agentID)
}

func removeFromQueue(queue []model.QueueEntry, agentID string) []model.QueueEntry {
	out := queue[:0:0]
	for _, q := range queue {
		if q.AgentID != agentID {
			out = append(out, q)
		}
	}
	return out
}

// Claim attempts to acquire path for agentID, registering the agent (or
// refreshing its heartbeat) as a side effect. If the resource is owned by
// someone else, agentID is appended to its FIFO queue (unless already
// queued) and the result carries its 1-based queue position. ttlSeconds is
// a variadic override: pass nothing (or 0) to use the registry's default
// work unit TTL, or a positive value to govern just this lease.
func (r *Registry) Claim(agentID, path string, typ model.WorkUnitType, ttlSeconds ...int) (model.ClaimResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	r.touchOrRegisterLocked(agentID, now)
	wu := r.getOrCreateWorkUnitLocked(path, typ, now)

	ttl := r.leaseTTL()
	if len(ttlSeconds) > 0 && ttlSeconds[0] > 0 {
		ttl = time.Duration(ttlSeconds[0]) * time.Second
	}

	switch {
	case wu.Status == model.StatusAvailable:
		r.assignLocked(wu, agentID, now, ttl)
		r.emit(model.Event{Type: model.EventWorkUnitClaimed, AgentID: agentID, WorkUnitID: wu.ID, ResourcePath: wu.ResourcePath})
		return model.ClaimResult{Success: true, WorkUnitID: wu.ID, OwnerAgentID: agentID, Message: "Work unit claimed"}, nil

	case wu.IsOwnedBy(agentID):
		// Re-entrant claim: treat as a refresh of the existing lease.
		exp := now.Add(ttl)
		wu.ExpiresAt = &exp
		return model.ClaimResult{Success: true, WorkUnitID: wu.ID, OwnerAgentID: agentID, Message: "Ownership refreshed"}, nil

	default:
		pos, already := wu.QueuePosition(agentID)
		msg := "Already queued"
		if !already {
			wu.Queue = append(wu.Queue, model.QueueEntry{AgentID: agentID, RequestedAt: now})
			pos = len(wu.Queue)
			r.emit(model.Event{Type: model.EventWorkUnitQueued, AgentID: agentID, WorkUnitID: wu.ID, ResourcePath: wu.ResourcePath})
			msg = "Added to queue"
		}
		return model.ClaimResult{
			Success:       false,
			WorkUnitID:    wu.ID,
			OwnerAgentID:  *wu.OwnerAgentID,
			QueuePosition: pos,
			Message:       msg,
		}, nil
	}
}

// releaseLocked clears ownership of wu and promotes the queue head, if
// any. Must be called with r.mu held for writing.
func (r *Registry) releaseLocked(wu *model.WorkUnit, now time.Time) {
	if len(wu.Queue) == 0 {
		wu.Status = model.StatusAvailable
		wu.OwnerAgentID = nil
		wu.ClaimedAt = nil
		wu.ExpiresAt = nil
		r.emit(model.Event{Type: model.EventWorkUnitReleased, WorkUnitID: wu.ID, ResourcePath: wu.ResourcePath})
		return
	}

	next := wu.Queue[0]
	wu.Queue = wu.Queue[1:]
	r.touchOrRegisterLocked(next.AgentID, now)
	r.assignLocked(wu, next.AgentID, now, r.leaseTTL())
	r.emit(model.Event{Type: model.EventWorkUnitPromoted, AgentID: next.AgentID, WorkUnitID: wu.ID, ResourcePath: wu.ResourcePath})
}

// Release relinquishes ownership of path on behalf of agentID. If others
// are queued, the head is promoted atomically with the release. It
// reports false, with no further distinction, if path is unknown or not
// owned by agentID.
func (r *Registry) Release(agentID, path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byPath[path]
	if !ok {
		return false
	}
	wu := r.workUnits[id]
	if !wu.IsOwnedBy(agentID) {
		return false
	}
	r.releaseLocked(wu, r.clock())
	return true
}

// LeaveQueue removes agentID from path's queue without touching
// ownership. It reports false, idempotently, if path is unknown or
// agentID was not queued.
func (r *Registry) LeaveQueue(agentID, path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byPath[path]
	if !ok {
		return false
	}
	wu := r.workUnits[id]
	if !wu.IsQueued(agentID) {
		return false
	}
	wu.Queue = removeFromQueue(wu.Queue, agentID)
	r.emit(model.Event{Type: model.EventWorkUnitQueueLeft, AgentID: agentID, WorkUnitID: wu.ID, ResourcePath: wu.ResourcePath})
	return true
}

// Register explicitly creates or updates an agent record. The caller
// supplies sessionID; Register composes the agent_id itself — sessionID
// for a main agent, "sessionID:spawnCallID" for a sub-agent — so the
// request surface never has to do that composition. Claim also
// implicitly registers an agent, but callers that want to set a
// non-default kind or TTL should call Register first. spawnCallID and
// parentAgentID are only meaningful when kind is AgentSub; the request
// surface is responsible for rejecting a sub-agent registration missing
// either one before this is ever called.
func (r *Registry) Register(sessionID string, kind model.AgentKind, spawnCallID, parentAgentID string, ttlSeconds int) (model.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agentID := sessionID
	if kind == model.AgentSub {
		agentID = model.SubAgentID(sessionID, spawnCallID)
	}

	now := r.clock()
	a, ok := r.agents[agentID]
	if !ok {
		a = &model.Agent{ID: agentID, SessionID: sessionID, RegisteredAt: now}
		r.agents[agentID] = a
	}
	a.SessionID = sessionID
	a.Kind = kind
	a.LastSeen = now
	if kind == model.AgentSub {
		a.SpawnCallID = spawnCallID
		a.ParentAgentID = parentAgentID
	}
	if ttlSeconds > 0 {
		a.TTLSeconds = ttlSeconds
	} else if a.TTLSeconds == 0 {
		a.TTLSeconds = r.agentTTLSeconds()
	}
	if !ok {
		r.emit(model.Event{Type: model.EventAgentRegistered, AgentID: agentID})
	}
	return a.Clone(), nil
}

// Heartbeat refreshes last_seen for a previously registered agent.
func (r *Registry) Heartbeat(agentID string) (model.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return model.Agent{}, ErrNotFound
	}
	a.LastSeen = r.clock()
	return a.Clone(), nil
}

// removeAgentLocked releases every work unit agentID owns (promoting
// queues as Release would), drops it from every queue it is waiting in,
// and deletes its agent record. Must be called with r.mu held.
func (r *Registry) removeAgentLocked(agentID string, now time.Time) {
	for _, wu := range r.workUnits {
		if wu.IsOwnedBy(agentID) {
			r.releaseLocked(wu, now)
			continue
		}
		if wu.IsQueued(agentID) {
			wu.Queue = removeFromQueue(wu.Queue, agentID)
			r.emit(model.Event{Type: model.EventWorkUnitQueueLeft, AgentID: agentID, WorkUnitID: wu.ID, ResourcePath: wu.ResourcePath})
		}
	}
	delete(r.agents, agentID)
}

// RemoveAgent deregisters agentID, releasing everything it owns and
// withdrawing it from every queue.
func (r *Registry) RemoveAgent(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; !ok {
		return ErrNotFound
	}
	r.removeAgentLocked(agentID, r.clock())
	r.emit(model.Event{Type: model.EventAgentRemoved, AgentID: agentID})
	return nil
}

// CleanupExpired releases work units whose claim has passed its TTL, then
// removes agents whose heartbeat has gone stale. Step one always runs
// before step two: an agent whose only claim just expired is released
// before the agent itself is considered for removal, so a queued
// successor is promoted in the same pass rather than orphaned.
func (r *Registry) CleanupExpired() (releasedPaths []string, removedAgents []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()

	for _, wu := range r.workUnits {
		if wu.Status == model.StatusClaimed && wu.ExpiresAt != nil && now.After(*wu.ExpiresAt) {
			releasedPaths = append(releasedPaths, wu.ResourcePath)
			r.releaseLocked(wu, now)
		}
	}

	for id, a := range r.agents {
		if a.IsExpired(now) {
			removedAgents = append(removedAgents, id)
			r.removeAgentLocked(id, now)
			r.emit(model.Event{Type: model.EventAgentExpired, AgentID: id})
		}
	}

	return releasedPaths, removedAgents
}

// GetAgent returns a copy of the agent record for agentID.
func (r *Registry) GetAgent(agentID string) (model.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return model.Agent{}, ErrNotFound
	}
	return a.Clone(), nil
}

// ListAgents returns a copy of every registered agent.
func (r *Registry) ListAgents() []model.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Clone())
	}
	return out
}

// GetWorkUnitByPath returns a copy of the work unit guarding path.
func (r *Registry) GetWorkUnitByPath(path string) (model.WorkUnit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPath[path]
	if !ok {
		return model.WorkUnit{}, ErrNotFound
	}
	return r.workUnits[id].Clone(), nil
}

// ListWorkUnits returns a copy of every work unit.
func (r *Registry) ListWorkUnits() []model.WorkUnit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.WorkUnit, 0, len(r.workUnits))
	for _, wu := range r.workUnits {
		out = append(out, wu.Clone())
	}
	return out
}

// ListAvailable returns a copy of every work unit currently unclaimed.
func (r *Registry) ListAvailable() []model.WorkUnit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.WorkUnit
	for _, wu := range r.workUnits {
		if wu.Status == model.StatusAvailable {
			out = append(out, wu.Clone())
		}
	}
	return out
}

// ListByAgent returns a copy of every work unit agentID owns.
func (r *Registry) ListByAgent(agentID string) []model.WorkUnit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.WorkUnit
	for _, wu := range r.workUnits {
		if wu.IsOwnedBy(agentID) {
			out = append(out, wu.Clone())
		}
	}
	return out
}

// QueuePosition returns the 1-based queue position of agentID on path, or
// ErrNotFound if either the work unit or the queue entry does not exist.
func (r *Registry) QueuePosition(path, agentID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPath[path]
	if !ok {
		return 0, ErrNotFound
	}
	pos, ok := r.workUnits[id].QueuePosition(agentID)
	if !ok {
		return 0, ErrNotFound
	}
	return pos, nil
}

// Snapshot summarizes registry size for /health and /work-units/state.
type Snapshot struct {
	AgentsCount    int `json:"agents_count"`
	WorkUnitsCount int `json:"work_units_count"`
}

// Snapshot returns current registry counts.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{AgentsCount: len(r.agents), WorkUnitsCount: len(r.workUnits)}
}

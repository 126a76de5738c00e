package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/Okohedeki/sialockd/internal/model"
	"github.com/Okohedeki/sialockd/internal/registry"
)

// claimRequest is the body for POST /work-units/claim. Type is optional —
// when empty the classifier decides file vs. directory from path.
// TTLSeconds is optional — when zero the registry's default work unit TTL
// governs the lease.
type claimRequest struct {
	AgentID    string             `json:"agent_id"`
	Path       string             `json:"path"`
	Type       model.WorkUnitType `json:"type"`
	TTLSeconds int                `json:"ttl_seconds"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.AgentID == "" || req.Path == "" {
		badRequest(w, "agent_id and path are required")
		return
	}
	typ := req.Type
	if typ == "" && s.classify != nil {
		typ = s.classify.ClassifyPath(req.Path)
	}
	if typ == "" {
		typ = model.WorkUnitFile
	}

	if s.isBanned != nil && s.isBanned(req.AgentID) {
		http.Error(w, "agent is banned", http.StatusForbidden)
		return
	}

	result, err := s.reg.Claim(req.AgentID, req.Path, typ, req.TTLSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type pathAgentRequest struct {
	AgentID string `json:"agent_id"`
	Path    string `json:"path"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req pathAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.AgentID == "" || req.Path == "" {
		badRequest(w, "agent_id and path are required")
		return
	}

	if !s.reg.Release(req.AgentID, req.Path) {
		badRequest(w, "Cannot release: either path doesn't exist or agent doesn't own it")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": true})
}

func (s *Server) handleLeaveQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req pathAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.AgentID == "" || req.Path == "" {
		badRequest(w, "agent_id and path are required")
		return
	}

	if !s.reg.LeaveQueue(req.AgentID, req.Path) {
		badRequest(w, "Agent not in queue for this path")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"left": true})
}

func (s *Server) handleListWorkUnits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.reg.ListWorkUnits())
}

func (s *Server) handleWorkUnitByPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		badRequest(w, "path query parameter is required")
		return
	}
	wu, err := s.reg.GetWorkUnitByPath(path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wu)
}

// handleWorkUnitsByAgent serves GET /work-units/by-agent/{agent_id}.
func (s *Server) handleWorkUnitsByAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	agentID := strings.TrimPrefix(r.URL.Path, "/work-units/by-agent/")
	if agentID == "" {
		badRequest(w, "agent_id path segment is required")
		return
	}
	writeJSON(w, http.StatusOK, s.reg.ListByAgent(agentID))
}

func (s *Server) handleQueuePosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	path := r.URL.Query().Get("path")
	agentID := r.URL.Query().Get("agent_id")
	if path == "" || agentID == "" {
		badRequest(w, "path and agent_id query parameters are required")
		return
	}
	pos, err := s.reg.QueuePosition(path, agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"position": pos})
}

func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	out := s.reg.ListAvailable()
	if out == nil {
		out = []model.WorkUnit{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot":   s.reg.Snapshot(),
		"work_units": s.reg.ListWorkUnits(),
		"agents":     s.reg.ListAgents(),
	})
}

// registerRequest is the body for POST /agents/register. The caller
// supplies session_id (and, for a sub-agent, spawn_call_id and
// parent_agent_id); the server composes agent_id itself rather than
// taking it pre-composed from the caller.
type registerRequest struct {
	SessionID     string          `json:"session_id"`
	Kind          model.AgentKind `json:"agent_type"`
	SpawnCallID   string          `json:"spawn_call_id"`
	ParentAgentID string          `json:"parent_agent_id"`
	TTLSeconds    int             `json:"ttl_seconds"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		badRequest(w, "session_id is required")
		return
	}
	kind := req.Kind
	if kind == "" {
		kind = model.AgentMain
	}
	if kind == model.AgentSub && (req.SpawnCallID == "" || req.ParentAgentID == "") {
		badRequest(w, "sub-agent registration requires both spawn_call_id and parent_agent_id")
		return
	}

	agentID := req.SessionID
	if kind == model.AgentSub {
		agentID = model.SubAgentID(req.SessionID, req.SpawnCallID)
	}
	if s.isBanned != nil && s.isBanned(agentID) {
		http.Error(w, "agent is banned", http.StatusForbidden)
		return
	}

	a, err := s.reg.Register(req.SessionID, kind, req.SpawnCallID, req.ParentAgentID, req.TTLSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.reg.ListAgents())
}

// handleAgentPath serves the /agents/{agent_id} and
// /agents/{agent_id}/heartbeat routes.
func (s *Server) handleAgentPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/agents/")
	if rest == "" {
		notFound(w)
		return
	}

	if agentID, ok := strings.CutSuffix(rest, "/heartbeat"); ok {
		s.handleHeartbeat(w, r, agentID)
		return
	}

	switch r.Method {
	case http.MethodGet:
		a, err := s.reg.GetAgent(rest)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)

	case http.MethodDelete:
		if err := s.reg.RemoveAgent(rest); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"removed": true})

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if agentID == "" {
		badRequest(w, "agent_id path segment is required")
		return
	}
	a, err := s.reg.Heartbeat(agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	snap := s.reg.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"agents_count":     snap.AgentsCount,
		"work_units_count": snap.WorkUnitsCount,
	})
}

// handleShutdown triggers a graceful daemon shutdown. Restricted to
// loopback callers even though the whole surface already binds to
// loopback only — a second check here costs nothing and documents intent.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !isLoopback(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	if s.shutdown != nil {
		go s.shutdown()
	}
}

func isLoopback(r *http.Request) bool {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return host == "127.0.0.1" || host == "::1" || host == "localhost" || host == ""
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	http.Error(w, msg, http.StatusBadRequest)
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func notFound(w http.ResponseWriter) {
	http.Error(w, "not found", http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.Encode(data)
}

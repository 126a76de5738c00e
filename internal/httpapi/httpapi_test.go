package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Okohedeki/sialockd/internal/model"
	"github.com/Okohedeki/sialockd/internal/registry"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := registry.New(registry.Config{
		DefaultWorkUnitTTL: 5 * time.Minute,
		DefaultAgentTTL:    10 * time.Minute,
	})
	t.Cleanup(reg.Close)
	return New(Options{Registry: reg})
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = httptest.NewRequest(method, path, bytes.NewReader(data))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r.RemoteAddr = "127.0.0.1:9999"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	return w
}

func TestHandleClaim_FirstClaimSucceeds(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/work-units/claim", claimRequest{AgentID: "a1", Path: "/repo/main.go"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result model.ClaimResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.OwnerAgentID != "a1" {
		t.Errorf("unexpected claim result: %+v", result)
	}
}

func TestHandleClaim_MissingFieldsIsBadRequest(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/work-units/claim", claimRequest{AgentID: "a1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleClaim_BannedAgentReturnsForbidden(t *testing.T) {
	reg := registry.New(registry.Config{
		DefaultWorkUnitTTL: 5 * time.Minute,
		DefaultAgentTTL:    10 * time.Minute,
	})
	t.Cleanup(reg.Close)
	s := New(Options{Registry: reg, IsBanned: func(agentID string) bool { return agentID == "bad-agent" }})

	w := doJSON(t, s, http.MethodPost, "/work-units/claim", claimRequest{AgentID: "bad-agent", Path: "/repo/main.go"})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestHandleRegisterAgent_BannedAgentReturnsForbidden(t *testing.T) {
	reg := registry.New(registry.Config{
		DefaultWorkUnitTTL: 5 * time.Minute,
		DefaultAgentTTL:    10 * time.Minute,
	})
	t.Cleanup(reg.Close)
	s := New(Options{Registry: reg, IsBanned: func(agentID string) bool { return agentID == "bad-agent" }})

	w := doJSON(t, s, http.MethodPost, "/agents/register", registerRequest{SessionID: "bad-agent"})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestHandleClaim_SecondAgentIsQueued(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, http.MethodPost, "/work-units/claim", claimRequest{AgentID: "a1", Path: "/repo/main.go"})
	w := doJSON(t, s, http.MethodPost, "/work-units/claim", claimRequest{AgentID: "a2", Path: "/repo/main.go"})

	var result model.ClaimResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Fatal("expected second claim to fail (queued), got success")
	}
	if result.QueuePosition != 1 {
		t.Errorf("expected queue position 1, got %d", result.QueuePosition)
	}
}

func TestHandleRelease_NotOwnerReturnsBadRequest(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, http.MethodPost, "/work-units/claim", claimRequest{AgentID: "a1", Path: "/repo/main.go"})
	w := doJSON(t, s, http.MethodPost, "/work-units/release", pathAgentRequest{AgentID: "a2", Path: "/repo/main.go"})

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	const want = "Cannot release: either path doesn't exist or agent doesn't own it"
	if got := strings.TrimSpace(w.Body.String()); got != want {
		t.Errorf("expected body %q, got %q", want, got)
	}
}

func TestHandleRelease_UnknownPathReturnsBadRequest(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/work-units/release", pathAgentRequest{AgentID: "a1", Path: "/nope"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleLeaveQueue_NotQueuedReturnsBadRequest(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, http.MethodPost, "/work-units/claim", claimRequest{AgentID: "a1", Path: "/repo/main.go"})
	w := doJSON(t, s, http.MethodPost, "/work-units/leave-queue", pathAgentRequest{AgentID: "a2", Path: "/repo/main.go"})

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	const want = "Agent not in queue for this path"
	if got := strings.TrimSpace(w.Body.String()); got != want {
		t.Errorf("expected body %q, got %q", want, got)
	}
}

func TestHandleLeaveQueue_QueuedAgentSucceeds(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, http.MethodPost, "/work-units/claim", claimRequest{AgentID: "a1", Path: "/repo/main.go"})
	doJSON(t, s, http.MethodPost, "/work-units/claim", claimRequest{AgentID: "a2", Path: "/repo/main.go"})

	w := doJSON(t, s, http.MethodPost, "/work-units/leave-queue", pathAgentRequest{AgentID: "a2", Path: "/repo/main.go"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleWorkUnitByPath_Found(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, http.MethodPost, "/work-units/claim", claimRequest{AgentID: "a1", Path: "/repo/main.go"})
	w := doJSON(t, s, http.MethodGet, "/work-units/by-path?path=/repo/main.go", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHandleWorkUnitsByAgent(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, http.MethodPost, "/work-units/claim", claimRequest{AgentID: "a1", Path: "/repo/a.go"})
	doJSON(t, s, http.MethodPost, "/work-units/claim", claimRequest{AgentID: "a1", Path: "/repo/b.go"})

	w := doJSON(t, s, http.MethodGet, "/work-units/by-agent/a1", nil)
	var units []model.WorkUnit
	if err := json.Unmarshal(w.Body.Bytes(), &units); err != nil {
		t.Fatal(err)
	}
	if len(units) != 2 {
		t.Errorf("expected 2 units, got %d", len(units))
	}
}

func TestHandleRegisterAndHeartbeat(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/agents/register", registerRequest{
		SessionID:     "a1",
		Kind:          model.AgentSub,
		SpawnCallID:   "call-1",
		ParentAgentID: "a1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var a model.Agent
	if err := json.Unmarshal(w.Body.Bytes(), &a); err != nil {
		t.Fatal(err)
	}
	if a.ID != "a1:call-1" {
		t.Fatalf("expected composed agent_id a1:call-1, got %q", a.ID)
	}

	w = doJSON(t, s, http.MethodPost, "/agents/a1:call-1/heartbeat", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHandleRegisterSubAgent_MissingSpawnFieldsIsBadRequest(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/agents/register", registerRequest{SessionID: "a1", Kind: model.AgentSub})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	w = doJSON(t, s, http.MethodPost, "/agents/register", registerRequest{
		SessionID:   "a1",
		Kind:        model.AgentSub,
		SpawnCallID: "call-1",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when parent_agent_id is missing, got %d", w.Code)
	}
}

func TestHandleAgent_GetAndDelete(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, http.MethodPost, "/agents/register", registerRequest{SessionID: "a1"})

	w := doJSON(t, s, http.MethodGet, "/agents/a1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = doJSON(t, s, http.MethodDelete, "/agents/a1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = doJSON(t, s, http.MethodGet, "/agents/a1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestHandleShutdown_RejectsWrongMethod(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/shutdown", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestHandleShutdown_InvokesCallback(t *testing.T) {
	reg := registry.New(registry.Config{})
	t.Cleanup(reg.Close)

	called := make(chan struct{}, 1)
	s := New(Options{Registry: reg, Shutdown: func() { called <- struct{}{} }})

	w := doJSON(t, s, http.MethodPost, "/shutdown", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback was not invoked")
	}
}

func TestHandleQueuePosition(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, http.MethodPost, "/work-units/claim", claimRequest{AgentID: "a1", Path: "/repo/main.go"})
	doJSON(t, s, http.MethodPost, "/work-units/claim", claimRequest{AgentID: "a2", Path: "/repo/main.go"})

	w := doJSON(t, s, http.MethodGet, "/work-units/queue-position?path=/repo/main.go&agent_id=a2", nil)
	var body map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["position"] != 1 {
		t.Errorf("expected position 1, got %d", body["position"])
	}
}

// Package httpapi implements the daemon's HTTP/JSON request surface: work
// unit claim/release/queue operations, agent registration and heartbeat,
// read-only inspection endpoints, the live event feed, health, and a
// loopback-guarded shutdown trigger.
//
// All mutating handlers accept and return small JSON bodies; the only
// streaming response in this surface is the /events/ws WebSocket feed.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/Okohedeki/sialockd/internal/classify"
	"github.com/Okohedeki/sialockd/internal/livefeed"
	"github.com/Okohedeki/sialockd/internal/registry"
)

// Options holds the dependencies injected into the request surface.
type Options struct {
	Registry   *registry.Registry
	Classifier *classify.Classifier
	LiveFeed   *livefeed.Hub // nil disables /events/ws
	Logger     *slog.Logger
	// Shutdown is invoked by a loopback-originated POST /shutdown. Typically
	// cancels the daemon's root context to begin graceful shutdown.
	Shutdown func()
	// IsBanned, if set, is consulted by the claim and register handlers
	// before they reach the registry. A banned agent gets a 403 here; the
	// registry itself never refuses a claim or registration for this
	// reason, so Registry.Claim's never-fails contract holds regardless of
	// ban state.
	IsBanned func(agentID string) bool
}

// Server is the http.Handler for the full sialockd request surface.
type Server struct {
	reg      *registry.Registry
	classify *classify.Classifier
	feed     *livefeed.Hub
	logger   *slog.Logger
	shutdown func()
	isBanned func(agentID string) bool

	mux *http.ServeMux
}

// New builds the request surface and registers every route.
func New(opts Options) *Server {
	s := &Server{
		reg:      opts.Registry,
		classify: opts.Classifier,
		feed:     opts.LiveFeed,
		logger:   opts.Logger,
		shutdown: opts.Shutdown,
		isBanned: opts.IsBanned,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/work-units/claim", s.handleClaim)
	mux.HandleFunc("/work-units/release", s.handleRelease)
	mux.HandleFunc("/work-units/leave-queue", s.handleLeaveQueue)
	mux.HandleFunc("/work-units/by-path", s.handleWorkUnitByPath)
	mux.HandleFunc("/work-units/by-agent/", s.handleWorkUnitsByAgent)
	mux.HandleFunc("/work-units/queue-position", s.handleQueuePosition)
	mux.HandleFunc("/work-units/available", s.handleAvailable)
	mux.HandleFunc("/work-units/state", s.handleState)
	mux.HandleFunc("/work-units", s.handleListWorkUnits)
	mux.HandleFunc("/agents/register", s.handleRegisterAgent)
	mux.HandleFunc("/agents", s.handleListAgents)
	mux.HandleFunc("/agents/", s.handleAgentPath)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/shutdown", s.handleShutdown)
	if s.feed != nil {
		mux.HandleFunc("/events/ws", s.feed.ServeHTTP)
	}

	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

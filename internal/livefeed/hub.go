// Package livefeed broadcasts registry change events to WebSocket clients
// subscribed to /events/ws. Any number of agents (or humans) can watch
// claims, releases, and promotions happen in real time without polling.
package livefeed

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Okohedeki/sialockd/internal/model"
)

// Hub manages the set of active WebSocket connections and broadcasts
// registry events to all of them, filtered per-connection by subscription.
//
// Architecture: a single hub goroutine handles registration, unregistration,
// and broadcasting. This avoids needing locks on the connections map — all
// mutations happen in the hub goroutine via channels.
type Hub struct {
	connections map[*conn]bool

	broadcastCh chan model.Event

	registerCh   chan *conn
	unregisterCh chan *conn
}

// subscription narrows a connection's feed to a subset of events. A zero
// value (no types, no agent_id, no path) matches everything.
type subscription struct {
	types   map[model.EventType]bool
	agentID string
	path    string
}

func (s subscription) matches(e model.Event) bool {
	if len(s.types) > 0 && !s.types[e.Type] {
		return false
	}
	if s.agentID != "" && s.agentID != e.AgentID {
		return false
	}
	if s.path != "" && s.path != e.ResourcePath {
		return false
	}
	return true
}

// parseSubscription reads `types` (comma-separated model.EventType
// values), `agent_id`, and `path` from the request's query string. Any
// omitted filter matches every value for that dimension.
func parseSubscription(r *http.Request) subscription {
	q := r.URL.Query()
	sub := subscription{
		agentID: q.Get("agent_id"),
		path:    q.Get("path"),
	}
	if raw := q.Get("types"); raw != "" {
		sub.types = make(map[model.EventType]bool)
		for _, t := range strings.Split(raw, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				sub.types[model.EventType(t)] = true
			}
		}
	}
	return sub
}

type conn struct {
	ws   *websocket.Conn
	send chan []byte
	sub  subscription
	mu   sync.Mutex
}

// upgrader allows any origin: the daemon only listens on loopback, so
// cross-origin restriction adds no security here.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHub creates a Hub and starts its event loop in a background goroutine.
func NewHub() *Hub {
	h := &Hub{
		connections:  make(map[*conn]bool),
		broadcastCh:  make(chan model.Event, 256),
		registerCh:   make(chan *conn),
		unregisterCh: make(chan *conn),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.registerCh:
			h.connections[c] = true
			slog.Debug("livefeed client connected", "total", len(h.connections))

		case c := <-h.unregisterCh:
			if _, ok := h.connections[c]; ok {
				delete(h.connections, c)
				close(c.send)
				slog.Debug("livefeed client disconnected", "total", len(h.connections))
			}

		case e := <-h.broadcastCh:
			var data []byte
			for c := range h.connections {
				if !c.sub.matches(e) {
					continue
				}
				if data == nil {
					var err error
					data, err = json.Marshal(e)
					if err != nil {
						slog.Error("livefeed: marshal event", "error", err)
						break
					}
				}
				select {
				case c.send <- data:
				default:
					// Slow client — drop it rather than block the feed.
					delete(h.connections, c)
					close(c.send)
				}
			}
		}
	}
}

// Sink returns a model.Sink that broadcasts every event to subscribed
// clients. Wire this into registry.RegisterSink at startup.
func (h *Hub) Sink() model.Sink {
	return func(e model.Event) { h.broadcast(e) }
}

func (h *Hub) broadcast(e model.Event) {
	select {
	case h.broadcastCh <- e:
	default:
		// Feed is best-effort; a full buffer means a burst of activity.
	}
}

// ServeHTTP upgrades the request to a WebSocket and streams events
// matching the caller's subscription (via `types`, `agent_id`, `path`
// query parameters) until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub := parseSubscription(r)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("livefeed: upgrade failed", "error", err)
		return
	}

	c := &conn{
		ws:   ws,
		send: make(chan []byte, 64),
		sub:  sub,
	}

	h.registerCh <- c

	go c.writePump()
	go c.readPump(h)
}

func (c *conn) writePump() {
	defer c.ws.Close()

	for msg := range c.send {
		c.mu.Lock()
		err := c.ws.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// readPump only exists to detect client disconnection; the feed is
// server-to-client only.
func (c *conn) readPump(h *Hub) {
	defer func() {
		h.unregisterCh <- c
		c.ws.Close()
	}()

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

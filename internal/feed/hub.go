// Package feed publishes committed WorldSnapshots to external consumers as
// JSON keyframes, over a websocket broadcast and a polling HTTP endpoint.
package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/traffic-simulator/internal/logging"
	"github.com/signalsfoundry/traffic-simulator/model"
)

// subscriber buffers a few keyframes; consumers that fall further behind
// are dropped rather than allowed to stall the tick loop.
const subscriberBuffer = 8

type subscriber struct {
	conn *websocket.Conn
	send chan Keyframe
}

// Hub fans committed snapshots out to websocket subscribers and remembers
// the latest keyframe for polling clients. It implements the coordinator's
// SnapshotListener, so wiring it in is a single option.
type Hub struct {
	log      logging.Logger
	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool

	latest atomic.Pointer[Keyframe]
}

// NewHub creates a hub with no subscribers.
func NewHub(log logging.Logger) *Hub {
	if log == nil {
		log = logging.Noop()
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The feed is an internal diagnostics surface; origin
			// policy is left to the deployment's proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Register installs the hub's endpoints on a mux: /ws for the keyframe
// stream, /snapshot for the latest committed frame.
func (h *Hub) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.ServeWS)
	mux.HandleFunc("/snapshot", h.ServeSnapshot)
}

// OnCommit implements the coordinator's snapshot listener: encode once,
// remember as latest, and broadcast without ever blocking the tick loop.
func (h *Hub) OnCommit(ctx context.Context, snap *model.WorldSnapshot) {
	kf := EncodeKeyframe(snap)
	h.latest.Store(&kf)

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		select {
		case sub.send <- kf:
		default:
			// Slow consumer: drop it.
			h.log.Warn(ctx, "dropping slow feed subscriber")
			delete(h.subscribers, sub)
			close(sub.send)
		}
	}
}

// ServeWS upgrades the connection and streams keyframes until the client
// disconnects or falls behind.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "feed upgrade failed", logging.Err(err))
		return
	}

	sub := &subscriber{conn: conn, send: make(chan Keyframe, subscriberBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	// Discard inbound frames; the feed is one-way. The read loop also
	// notices client disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.remove(sub)
				return
			}
		}
	}()

	go func() {
		defer conn.Close()
		for kf := range sub.send {
			if err := conn.WriteJSON(kf); err != nil {
				h.remove(sub)
				return
			}
		}
	}()
}

// ServeSnapshot returns the latest committed keyframe as JSON, or 404 when
// nothing has been committed yet.
func (h *Hub) ServeSnapshot(w http.ResponseWriter, r *http.Request) {
	kf := h.latest.Load()
	if kf == nil {
		http.Error(w, "no snapshot committed yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(kf); err != nil {
		h.log.Warn(r.Context(), "snapshot encode failed", logging.Err(err))
	}
}

// SubscriberCount returns the number of connected websocket consumers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close disconnects all subscribers and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subscribers {
		delete(h.subscribers, sub)
		close(sub.send)
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		close(sub.send)
	}
}

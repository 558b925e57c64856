package introspect

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bytehot/engine/internal/event"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// introspection is a read-only operator surface; same-origin
		// enforcement belongs to whatever reverse proxy fronts it.
		return true
	},
}

// FlowMessage is the wire shape pushed to every subscriber of /ws/flows.
type FlowMessage struct {
	FlowName         string    `json:"flow_name"`
	TriggeringEvents []string  `json:"triggering_events"`
	Confidence       float64   `json:"confidence"`
	DiscoveredAt     time.Time `json:"discovered_at"`
}

// FlowHub fans FlowDiscovered events out to every connected WebSocket client.
// It holds no event-store state of its own; detectors call Publish as they
// find matches and the hub takes care of delivery and connection lifecycle.
type FlowHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan FlowMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewFlowHub creates a FlowHub. Call Start in a goroutine before serving
// any /ws/flows requests.
func NewFlowHub(logger *slog.Logger) *FlowHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &FlowHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan FlowMessage, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		logger:     logger,
	}
}

// Start runs the hub's dispatch loop until ctx is canceled.
func (h *FlowHub) Start(ctx context.Context) {
	h.logger.Info("flow hub starting")
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("flow hub stopping")
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				go h.send(client, msg)
			}
			h.mu.RUnlock()
		}
	}
}

func (h *FlowHub) send(client *websocket.Conn, msg FlowMessage) {
	client.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := client.WriteJSON(msg); err != nil {
		h.logger.Debug("flow feed send failed, unregistering client", "error", err)
		h.unregister <- client
	}
}

// Publish queues a FlowDiscovered occurrence for delivery to every connected
// client. Non-blocking: a full channel drops the message rather than stall
// whatever produced it.
func (h *FlowHub) Publish(fd event.FlowDiscovered) {
	msg := FlowMessage{
		FlowName:         fd.FlowName,
		TriggeringEvents: fd.TriggeringEvents,
		Confidence:       fd.Confidence,
		DiscoveredAt:     fd.DiscoveredAt,
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("flow feed broadcast channel full, dropping message", "flow", fd.FlowName)
	}
}

// ServeWS upgrades r to a WebSocket connection and registers it with the hub.
func (h *FlowHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("flow feed upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	h.register <- conn
	go h.readPump(conn)
}

// readPump keeps the connection alive via ping/pong and drains (and
// discards) anything the client sends, since this feed is one-directional.
func (h *FlowHub) readPump(conn *websocket.Conn) {
	defer func() {
		h.unregister <- conn
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *FlowHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

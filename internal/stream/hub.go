// Package stream broadcasts execution lifecycle events to connected
// dashboard clients over WebSocket.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/linkflow/engine/internal/observability"
)

const maxConnections = 200

// Event is a lifecycle notification pushed to subscribers.
type Event struct {
	Event       string          `json:"event"`
	NamespaceID string          `json:"namespace_id"`
	WorkflowID  string          `json:"workflow_id"`
	RunID       string          `json:"run_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data,omitempty"`
}

type registration struct {
	conn        *websocket.Conn
	namespaceID string
}

// Hub manages WebSocket subscribers, one per dashboard connection,
// scoped by namespace. Single broadcaster goroutine so a slow client
// never fans out duplicate work.
type Hub struct {
	clients    map[*websocket.Conn]string
	register   chan registration
	unregister chan *websocket.Conn
	events     chan *Event
	stopped    chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	logger     *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		events:     make(chan *Event, 256),
		stopped:    make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub main loop; it exits when ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				reg.conn.Close()
				h.logger.Warn("stream connection rejected, at capacity",
					zap.Int("max", maxConnections))
				continue
			}
			h.clients[reg.conn] = reg.namespaceID
			count := len(h.clients)
			h.mu.Unlock()
			observability.StreamClients.Set(float64(count))
			h.logger.Debug("stream client registered",
				zap.String("namespace_id", reg.namespaceID), zap.Int("total", count))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			observability.StreamClients.Set(float64(count))

		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

// Publish enqueues an event for broadcast. Non-blocking: if the hub is
// backed up the event is dropped, the durable history is the record.
func (h *Hub) Publish(ev *Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("stream event dropped, hub backlogged",
			zap.String("event", ev.Event), zap.String("run_id", ev.RunID))
	}
}

func (h *Hub) broadcast(ev *Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn, ns := range h.clients {
		if ns != ev.NamespaceID {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			h.logger.Debug("stream write failed", zap.Error(err))
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.stopOnce.Do(func() { close(h.stopped) })

	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
	observability.StreamClients.Set(0)
}

// Register adds a subscriber for a namespace. After shutdown the
// connection is closed instead; nobody drains the channel anymore.
func (h *Hub) Register(conn *websocket.Conn, namespaceID string) {
	select {
	case h.register <- registration{conn: conn, namespaceID: namespaceID}:
	case <-h.stopped:
		conn.Close()
	}
}

// Unregister drops a subscriber.
func (h *Hub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.stopped:
		conn.Close()
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

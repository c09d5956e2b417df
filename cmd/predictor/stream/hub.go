// Package stream pushes one JSON event per completed scheduler tick to
// WebSocket subscribers.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultMaxClients caps concurrent subscribers.
const DefaultMaxClients = 100

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	eventQueue = 16
)

// RackSummary is the outcome of one rack within a tick.
type RackSummary struct {
	Rack          int    `json:"rack"`
	Predictions   int    `json:"predictions"`
	FailedWindows []int  `json:"failedWindows,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Event describes a completed tick.
type Event struct {
	Type        string        `json:"type"`
	Timestamp   string        `json:"timestamp"`
	Cursor      int           `json:"cursor"`
	CompletedAt time.Time     `json:"completedAt"`
	DurationMS  int64         `json:"durationMs"`
	Persisted   bool          `json:"persisted"`
	Racks       []RackSummary `json:"racks"`
}

// Hub owns the subscriber set. All writes to connections happen on the Run
// goroutine; read pumps only read.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan Event
	done       chan struct{}
	mu         sync.RWMutex
	maxClients int
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewHub creates a hub accepting at most maxClients subscribers
// (DefaultMaxClients when <= 0).
func NewHub(maxClients int, logger *slog.Logger) *Hub {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan Event, eventQueue),
		done:       make(chan struct{}),
		maxClients: maxClients,
		upgrader: websocket.Upgrader{
			// Dashboards are served from a different origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Run serves registrations and broadcasts until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= h.maxClients {
				h.mu.Unlock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many subscribers"),
					time.Now().Add(writeWait))
				conn.Close()
				h.logger.Warn("stream subscriber rejected", "max_clients", h.maxClients)
				continue
			}
			h.clients[conn] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("stream subscriber registered", "clients", n)

		case conn := <-h.unregister:
			h.remove(conn)

		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

// Publish queues ev for broadcast. It never blocks the caller: when the
// queue is full the event is dropped.
func (h *Hub) Publish(ev Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("stream event dropped, queue full", "timestamp", ev.Timestamp)
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and keeps the connection registered until
// the peer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ClientCount() >= h.maxClients {
		http.Error(w, "too many subscribers", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("stream upgrade failed", "error", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}
	defer h.Unregister(conn)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go h.ping(conn, stop)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("stream read failed", "error", err)
			}
			return
		}
	}
}

// Unregister removes conn. It is a no-op once the hub has stopped.
func (h *Hub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

func (h *Hub) ping(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) broadcast(ev Event) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			h.logger.Debug("stream write failed", "error", err)
			h.remove(conn)
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.logger.Info("closing stream subscribers", "clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

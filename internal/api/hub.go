package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 16
)

// Notification is the message pushed to stream clients when new records are
// queued.
type Notification struct {
	Event string `json:"event"`
}

// Hub pushes new-data notifications to websocket clients. It implements
// queue.Listener: NotifyNewData reports false when no client is connected so
// the queue logs that nobody is listening.
//
// Thread-safety: All methods are safe for concurrent use.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]*streamClient
	closed  bool
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// NewHub creates a hub accepting connections from allowedOrigins. An empty
// list or "*" accepts any origin; requests without an Origin header are
// always accepted.
func NewHub(allowedOrigins []string) *Hub {
	allowAll := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowAll || origin == "" || slices.Contains(allowedOrigins, origin)
			},
		},
		clients: make(map[*websocket.Conn]*streamClient),
	}
}

// NotifyNewData sends {"event": eventName} to every connected client.
// Slow clients whose buffer is full miss the notification; the next one
// covers it.
func (h *Hub) NotifyNewData(eventName string) bool {
	data, err := json.Marshal(Notification{Event: eventName})
	if err != nil {
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := false
	for _, c := range h.clients {
		select {
		case c.send <- data:
			delivered = true
		default:
			slog.Debug("stream client buffer full; dropping notification", "remote", c.conn.RemoteAddr())
		}
	}
	return delivered
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &streamClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.clients[conn] = c
	n := len(h.clients)
	h.mu.Unlock()

	slog.Info("stream client connected", "remote", conn.RemoteAddr(), "clients", n)

	go h.writeLoop(c)
	go h.readLoop(c)
}

// readLoop discards client messages and detects disconnects.
func (h *Hub) readLoop(c *streamClient) {
	defer h.remove(c)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop is the only goroutine writing to c.conn.
func (h *Hub) writeLoop(c *streamClient) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer h.remove(c)

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	_, ok := h.clients[c.conn]
	delete(h.clients, c.conn)
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	if ok {
		slog.Info("stream client disconnected", "remote", c.conn.RemoteAddr(), "clients", n)
	}
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*streamClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*websocket.Conn]*streamClient)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

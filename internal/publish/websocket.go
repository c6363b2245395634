package publish

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/goodtune/beacond/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	clientSendSize = 16
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, clientSendSize),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// Hub is a Sink that streams snapshots to WebSocket clients. New clients
// receive the latest snapshot immediately; clients that fall behind are
// disconnected.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	latest   []byte
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHub creates an empty hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.With().Str("component", "live-feed").Logger(),
	}
}

// ServeHTTP upgrades the request and registers the connection
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := h.addClient(conn)

	// Drain reads so close frames are processed; the feed is one-way
	go func() {
		defer h.removeClient(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) addClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	// Sends happen under the lock so they never race with close(c.send)
	h.mu.Lock()
	h.clients[c] = true
	if h.latest != nil {
		c.send <- h.latest
	}
	count := len(h.clients)
	h.mu.Unlock()

	metrics.LiveClients.Set(float64(count))
	h.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("Live feed client connected")

	return c
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	metrics.LiveClients.Set(float64(count))
}

// Publish implements Sink
func (h *Hub) Publish(snapshot Snapshot) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		metrics.PublishErrors.WithLabelValues("websocket").Inc()
		h.logger.Error().Err(err).Msg("Failed to encode snapshot")
		return
	}

	var slow []*client

	h.mu.Lock()
	h.latest = data
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn().Msg("Live feed client too slow, disconnecting")
		h.removeClient(c)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]bool)
	h.mu.Unlock()

	for c := range clients {
		close(c.send)
	}
	metrics.LiveClients.Set(0)
}

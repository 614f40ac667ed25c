// Package notify delivers upload lifecycle events to connected clients.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sheetvault/internal/sv"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBufferSize = 64
)

// Hub fans lifecycle events out to websocket clients by channel.
// A client subscribes to one or more channels when it connects; events for
// a channel with no clients are dropped.
type Hub struct {
	logger   sv.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	channels map[string]map[*Client]struct{}
	closed   bool
}

var _ sv.Notifier = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(logger sv.Logger) *Hub {
	if logger == nil {
		logger = sv.NewNopLogger()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		channels: make(map[string]map[*Client]struct{}),
	}
}

// Notify queues event for every client on channel. Slow clients whose send
// buffer is full miss the event.
func (h *Hub) Notify(ctx context.Context, channel string, event sv.LifecycleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	h.Broadcast(channel, data)
	return nil
}

// Broadcast queues an encoded message for every client on channel.
func (h *Hub) Broadcast(channel string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.channels[channel] {
		if !c.sendRaw(data) {
			h.logger.Warn("dropping notification for slow client", "channel", channel)
		}
	}
}

// ServeWS upgrades the request and subscribes the connection to channels.
// It blocks until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, channels []string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrading connection: %w", err)
	}
	c := newClient(conn)
	if !h.register(c, channels) {
		c.close()
		return fmt.Errorf("hub closed")
	}
	defer h.unregister(c, channels)

	go c.writePump()
	c.readPump()
	return nil
}

// Clients returns the number of clients subscribed to channel.
func (h *Hub) Clients(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Close disconnects every client. Later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, clients := range h.channels {
		for c := range clients {
			c.close()
		}
	}
	h.channels = make(map[string]map[*Client]struct{})
}

func (h *Hub) register(c *Client, channels []string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	for _, ch := range channels {
		if h.channels[ch] == nil {
			h.channels[ch] = make(map[*Client]struct{})
		}
		h.channels[ch][c] = struct{}{}
	}
	return true
}

func (h *Hub) unregister(c *Client, channels []string) {
	h.mu.Lock()
	for _, ch := range channels {
		if clients, ok := h.channels[ch]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.channels, ch)
			}
		}
	}
	h.mu.Unlock()
	c.close()
}

// Client is one websocket connection.
type Client struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{conn: conn, send: make(chan []byte, sendBufferSize)}
}

func (c *Client) sendRaw(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	c.conn.Close()
}

// readPump discards client messages; it exists to process pongs and notice
// disconnects.
func (c *Client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

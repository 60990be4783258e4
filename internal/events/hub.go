// Package events streams reminder delivery events to websocket watchers.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/tariel-x/sleepchecker/internal/models"
	"github.com/tariel-x/sleepchecker/internal/reminders"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 70 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 32

	// firehose is the topic of watchers that see every endpoint.
	firehose = ""
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type watchData struct {
	Endpoint string `json:"endpoint,omitempty"`
}

type client struct {
	id        string
	topic     string
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (c *client) trySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Hub fans delivery events out to watchers of one endpoint and to watchers
// of all endpoints. Slow watchers are disconnected rather than blocking
// delivery.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[string]*client // topic -> client id -> client
	logger *slog.Logger
}

var _ reminders.Publisher = (*Hub)(nil)

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		topics: make(map[string]map[string]*client),
		logger: logger,
	}
}

// Publish implements reminders.Publisher.
func (h *Hub) Publish(ev models.ReminderEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	msg, err := json.Marshal(envelope{Type: ev.Type, Data: data})
	if err != nil {
		return
	}

	h.mu.Lock()
	var targets []*client
	for _, topic := range []string{ev.Endpoint, firehose} {
		for _, c := range h.topics[topic] {
			targets = append(targets, c)
		}
		if ev.Endpoint == firehose {
			break
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.trySend(msg) {
			h.logger.Debug("events watcher too slow, disconnecting", "client_id", c.id)
			_ = c.conn.Close()
		}
	}
}

// Serve registers conn as a watcher of endpoint, or of every endpoint when
// endpoint is empty, and blocks until the connection goes away.
func (h *Hub) Serve(conn *websocket.Conn, endpoint string) {
	id, err := gonanoid.New()
	if err != nil {
		h.logger.Warn("events watcher id failed", "error", err)
		_ = conn.Close()
		return
	}
	c := &client{
		id:    id,
		topic: endpoint,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
	}
	h.add(c)
	h.logger.Debug("events watcher connected", "client_id", id, "all", endpoint == firehose)

	data, _ := json.Marshal(watchData{Endpoint: endpoint})
	hello, _ := json.Marshal(envelope{Type: "watching", Data: data})
	if !c.trySend(hello) {
		h.remove(c)
		_ = conn.Close()
		return
	}

	go h.writePump(c)
	h.readPump(c)
}

// Len returns the number of connected watchers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, clients := range h.topics {
		n += len(clients)
	}
	return n
}

// Close disconnects every watcher.
func (h *Hub) Close() {
	h.mu.Lock()
	topics := h.topics
	h.topics = make(map[string]map[string]*client)
	h.mu.Unlock()

	for _, clients := range topics {
		for _, c := range clients {
			_ = c.conn.Close()
			c.closeSend()
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.topics[c.topic]
	if !ok {
		clients = make(map[string]*client)
		h.topics[c.topic] = clients
	}
	clients[c.id] = c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.topics[c.topic]
	if !ok {
		return
	}
	if _, exists := clients[c.id]; exists {
		c.closeSend()
	}
	delete(clients, c.id)
	if len(clients) == 0 {
		delete(h.topics, c.topic)
	}
}

// readPump only keeps the connection alive; watchers have nothing to say.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.logger.Debug("events watcher disconnected", "client_id", c.id)
		_ = c.conn.Close()
		h.remove(c)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	defer func() {
		_ = c.conn.Close()
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

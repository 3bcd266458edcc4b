package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"ai-voice-connector/pkg/events"
	"ai-voice-connector/pkg/metrics"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 256
)

// Client represents a connected WebSocket subscriber
type Client struct {
	hub    *EventHub
	conn   *websocket.Conn
	send   chan []byte
	callID string // only events for this Call-ID when set
}

// EventHub streams dialog events to WebSocket subscribers. It implements
// events.Notifier and never blocks the notifying goroutine.
type EventHub struct {
	logger     *logrus.Logger
	clients    map[*Client]bool
	broadcast  chan events.Event
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	running    chan struct{}
}

// WebSocketUpgrader configures the WebSocket connection
var WebSocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewEventHub creates a hub. Call Run to start delivering.
func NewEventHub(logger *logrus.Logger) *EventHub {
	return &EventHub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan events.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		running:    make(chan struct{}),
	}
}

// Run delivers events until ctx is done, then disconnects every client.
func (h *EventHub) Run(ctx context.Context) {
	h.logger.Info("Starting WebSocket event hub")
	close(h.running)

	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()
			h.logger.Info("WebSocket event hub stopped")
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
			h.logger.WithField("call_id", client.callID).Debug("Event subscriber connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()
			h.logger.Debug("Event subscriber disconnected")

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.WithError(err).Error("Failed to marshal event")
				continue
			}

			h.mutex.Lock()
			for client := range h.clients {
				if client.callID != "" && client.callID != event.CallID {
					continue
				}
				select {
				case client.send <- data:
				default:
					// Slow consumer
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Notify implements events.Notifier
func (h *EventHub) Notify(_ context.Context, event events.Event) {
	select {
	case h.broadcast <- event:
		metrics.RecordEventPublished("websocket", "ok")
	default:
		metrics.RecordEventPublished("websocket", "dropped")
	}
}

// ClientCount returns the number of connected subscribers
func (h *EventHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// ServeWs upgrades the request and subscribes the client. The optional
// call_id query parameter narrows the stream to one dialog.
func (h *EventHub) ServeWs(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.running:
	default:
		http.Error(w, "event hub not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := WebSocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to upgrade connection to WebSocket")
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, clientSendSize),
		callID: r.URL.Query().Get("call_id"),
	}

	select {
	case h.register <- client:
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump discards inbound frames and unregisters the client once the
// connection fails.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-time.After(writeWait):
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

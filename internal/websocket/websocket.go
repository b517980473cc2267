package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mosqlimate/arbodash/internal/logger"
	"github.com/mosqlimate/arbodash/internal/models"
	"github.com/mosqlimate/arbodash/internal/services"
)

// DefaultNamespace is used when a subscriber does not name one
const DefaultNamespace = "predictions"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// Snapshotter returns the current state of a mounted dashboard
type Snapshotter interface {
	Snapshot(clientID, namespace string) (services.StateEvent, bool)
}

// envelope is a message addressed to one topic, or to everyone when topic is empty
type envelope struct {
	topic   string
	message models.WSMessage
}

// Hub maintains the set of active clients and routes dashboard messages to
// the clients subscribed to their topic
type Hub struct {
	log        logger.Logger
	clients    map[*Client]bool
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once
	mutex      sync.RWMutex
	snapshots  Snapshotter
}

// Client is a middleman between the websocket connection and the hub
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	topic string
	send  chan models.WSMessage
}

// New creates a new Hub instance with injected dependencies. snapshots may be nil.
func New(log logger.Logger, snapshots Snapshotter) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		snapshots:  snapshots,
	}
}

// Start begins the hub's main loop in a goroutine
func (h *Hub) Start() {
	go h.run()
}

// Stop ends the main loop and disconnects every client
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// run handles client registration/unregistration and message routing. It
// never calls into a dashboard: dashboards publish while holding their lock.
func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mutex.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mutex.Unlock()
			h.log.Debug("Client connected", "topic", client.topic, "total_clients", total)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mutex.Unlock()
			h.log.Debug("Client disconnected", "topic", client.topic, "total_clients", total)

		case env := <-h.broadcast:
			h.mutex.RLock()
			for client := range h.clients {
				if env.topic != "" && client.topic != env.topic {
					continue
				}
				select {
				case client.send <- env.message:
				default:
					// Client's send channel is full, unregister
					go func(c *Client) {
						select {
						case h.unregister <- c:
						case <-h.done:
						}
					}(client)
				}
			}
			h.mutex.RUnlock()
		}
	}
}

func (h *Hub) enqueue(env envelope) {
	select {
	case h.broadcast <- env:
	case <-h.done:
	}
}

// Publish implements services.Notifier
func (h *Hub) Publish(topic, msgType string, payload interface{}) {
	h.enqueue(envelope{topic: topic, message: models.WSMessage{Type: msgType, Payload: payload}})
}

// BroadcastMessage sends a message to all connected clients
func (h *Hub) BroadcastMessage(msgType string, payload interface{}) {
	h.enqueue(envelope{message: models.WSMessage{Type: msgType, Payload: payload}})
}

// ClientCount returns the number of subscribers of topic, or of every topic
// when topic is empty
func (h *Hub) ClientCount(topic string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	n := 0
	for client := range h.clients {
		if topic == "" || client.topic == topic {
			n++
		}
	}
	return n
}

// readPump pumps messages from the websocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("WebSocket error", "error", err)
			}
			break
		}

		// Dashboards are driven over HTTP; inbound frames are only logged
		var msg models.WSMessage
		if err := json.Unmarshal(message, &msg); err == nil {
			c.hub.log.Debug("Received message", "type", msg.Type, "topic", c.topic)
		}
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}

			msgBytes, err := json.Marshal(message)
			if err != nil {
				c.hub.log.Error("Failed to encode message", "type", message.Type, "error", err)
				w.Close()
				continue
			}
			w.Write(msgBytes)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs subscribes the client to the topic of its dashboard in the
// namespace named by the ns query parameter. A mounted dashboard greets the
// subscriber with its current state.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request, clientID string) {
	namespace := r.URL.Query().Get("ns")
	if namespace == "" {
		namespace = DefaultNamespace
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("WebSocket upgrade error", "error", err)
		return
	}

	client := &Client{
		hub:   h,
		conn:  conn,
		topic: services.Topic(clientID, namespace),
		send:  make(chan models.WSMessage, 256),
	}
	if h.snapshots != nil {
		if snap, ok := h.snapshots.Snapshot(clientID, namespace); ok {
			client.send <- models.WSMessage{Type: services.MessageState, Payload: snap}
		}
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	// Allow collection of memory referenced by the caller by doing all work in new goroutines
	go client.writePump()
	go client.readPump()
}

// Ensure Hub implements services.Notifier
var _ services.Notifier = (*Hub)(nil)

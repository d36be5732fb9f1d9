// Package events broadcasts node lifecycle events to subscribers over
// websocket, adapted from internal/rpc/websocket.go's WSHub broadcast loop
// but narrowed to the single event this module emits: ChunkStored.
package events

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/klingvault/internal/address"
	"github.com/klingon-exchange/klingvault/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Kind identifies the event payload's shape.
type Kind string

// EventChunkStored fires after a chunk commits to local storage,
// mirroring put_validation.rs's post-store ChunkStored network event.
const EventChunkStored Kind = "chunk_stored"

// Event is a single broadcast message.
type Event struct {
	Type Kind        `json:"type"`
	Data interface{} `json:"data"`
}

// ChunkStoredData is the payload of an EventChunkStored event.
type ChunkStoredData struct {
	Key address.Key `json:"key"`
}

// Publisher is the commit path's collaborator for announcing a
// successful store.
type Publisher interface {
	ChunkStored(key address.Key)
}

// client is a single connected websocket subscriber.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans broadcast events out to connected websocket clients, and is the
// production Publisher implementation.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan *Event
	register   chan *client
	unregister chan *client
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewHub creates an event hub. Call Run in a goroutine to start its loop.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		log:        logging.GetDefault().Component("events"),
	}
}

// ChunkStored implements Publisher.
func (h *Hub) ChunkStored(key address.Key) {
	select {
	case h.broadcast <- &Event{Type: EventChunkStored, Data: ChunkStoredData{Key: key}}:
	default:
		h.log.Warn("dropping ChunkStored event, broadcast channel full", "key", key.Hex())
	}
}

// Run starts the hub's dispatch loop; it never returns, matching
// WSHub.Run's for-select shape.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.Error("failed to marshal event", "error", err)
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					h.log.Warn("client send buffer full, dropping client")
					go func(c *client) { h.unregister <- c }(c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ServeHTTP upgrades an incoming HTTP request to a websocket subscriber
// connection and registers it with the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 32)}
	h.register <- c
	go h.writePump(c)
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.unregister <- c
			return
		}
	}
}

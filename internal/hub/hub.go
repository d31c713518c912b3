// Package hub fans realtime events out to connected clients grouped in rooms.
package hub

import (
	"context"
	"encoding/json"
	"expvar"
	"sync"

	"qms/queue-engine/internal/logger"
)

var droppedTotal = expvar.NewInt("hub_dropped_total")

// Envelope is the frame clients receive.
type Envelope struct {
	Event string          `json:"event"`
	Room  string          `json:"room"`
	Data  json.RawMessage `json:"data"`
}

type Client struct {
	ID   string
	Send chan []byte
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client
	log     *logger.Logger
}

type SubscribeMessage struct {
	Action         string `json:"action"`
	OrganizationID string `json:"organization_id"`
}

func New(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		log:     log.Component("hub"),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

// Unregister drops the client from every room and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	for room, members := range h.rooms {
		delete(members, client.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	close(client.Send)
}

func (h *Hub) Join(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	members[client.ID] = client
}

func (h *Hub) Leave(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, client.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Emit wraps payload in an Envelope and publishes it to room.
func (h *Hub) Emit(ctx context.Context, room, event string, payload []byte) error {
	data, err := json.Marshal(Envelope{Event: event, Room: room, Data: payload})
	if err != nil {
		return err
	}
	h.Publish(room, data)
	return nil
}

// Deliver publishes an already encoded Envelope.
func (h *Hub) Deliver(raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	h.Publish(env.Room, raw)
	return nil
}

// Publish never blocks; a client whose buffer is full misses the message.
func (h *Hub) Publish(room string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.rooms[room] {
		select {
		case client.Send <- msg:
		default:
			droppedTotal.Add(1)
			h.log.Warn("drop message for client", "client_id", client.ID, "room", room)
		}
	}
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	if msg.OrganizationID == "" {
		return SubscribeMessage{}, false
	}
	return msg, true
}

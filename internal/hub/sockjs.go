package hub

import (
	"net/http"

	"qms/queue-engine/internal/queue"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
)

const sendBuffer = 16

// conn is the part of a sockjs session the hub uses.
type conn interface {
	Recv() (string, error)
	Send(string) error
}

// Handler serves the sockjs endpoint under prefix. Clients join the room of
// an organization with {"action":"subscribe","organization_id":"..."}; an
// organization_id query parameter subscribes on connect.
func Handler(prefix string, h *Hub) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		initial := ""
		if req := session.Request(); req != nil {
			initial = req.URL.Query().Get("organization_id")
		}
		h.Serve(session, initial)
	})
}

// Serve pumps messages between the hub and one connection until Recv fails.
func (h *Hub) Serve(c conn, organizationID string) {
	client := &Client{ID: uuid.NewString(), Send: make(chan []byte, sendBuffer)}
	h.Register(client)
	defer h.Unregister(client)

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case msg, ok := <-client.Send:
				if !ok {
					return
				}
				if err := c.Send(string(msg)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	if organizationID != "" {
		h.Join(client, queue.Room(organizationID))
	}
	for {
		msg, err := c.Recv()
		if err != nil {
			return
		}
		parsed, ok := ParseSubscribe([]byte(msg))
		if !ok {
			continue
		}
		room := queue.Room(parsed.OrganizationID)
		if parsed.Action == "unsubscribe" {
			h.Leave(client, room)
			continue
		}
		h.Join(client, room)
	}
}

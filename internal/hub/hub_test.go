package hub

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestEmitReachesRoomMembersOnly(t *testing.T) {
	h := New(nil)
	a := &Client{ID: "a", Send: make(chan []byte, 1)}
	b := &Client{ID: "b", Send: make(chan []byte, 1)}
	h.Register(a)
	h.Register(b)
	h.Join(a, "org:1")
	h.Join(b, "org:2")

	if err := h.Emit(context.Background(), "org:1", "token:created", []byte(`{"number":"I001"}`)); err != nil {
		t.Fatalf("emit: %v", err)
	}
	select {
	case msg := <-a.Send:
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Event != "token:created" || env.Room != "org:1" || string(env.Data) != `{"number":"I001"}` {
			t.Fatalf("unexpected envelope %+v", env)
		}
	default:
		t.Fatalf("expected message for room member")
	}
	select {
	case <-b.Send:
		t.Fatalf("client in another room must not receive")
	default:
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	h := New(nil)
	c := &Client{ID: "slow", Send: make(chan []byte, 1)}
	h.Register(c)
	h.Join(c, "org:1")

	before := droppedTotal.Value()
	h.Publish("org:1", []byte("one"))
	h.Publish("org:1", []byte("two"))
	if got := droppedTotal.Value() - before; got != 1 {
		t.Fatalf("expected 1 drop, got %d", got)
	}
	if msg := <-c.Send; string(msg) != "one" {
		t.Fatalf("expected first message kept, got %s", msg)
	}
}

func TestLeaveAndUnregister(t *testing.T) {
	h := New(nil)
	c := &Client{ID: "c", Send: make(chan []byte, 4)}
	h.Register(c)
	h.Join(c, "org:1")
	h.Join(c, "org:2")
	h.Leave(c, "org:1")
	if h.Members("org:1") != 0 || h.Members("org:2") != 1 {
		t.Fatalf("unexpected membership")
	}

	h.Unregister(c)
	if h.Members("org:2") != 0 {
		t.Fatalf("expected client removed from rooms")
	}
	if _, ok := <-c.Send; ok {
		t.Fatalf("expected send channel closed")
	}
	h.Unregister(c)
}

func TestParseSubscribe(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		ok   bool
	}{
		{"subscribe", `{"action":"subscribe","organization_id":"o1"}`, true},
		{"unsubscribe", `{"action":"unsubscribe","organization_id":"o1"}`, true},
		{"missing organization", `{"action":"subscribe"}`, false},
		{"unknown action", `{"action":"join","organization_id":"o1"}`, false},
		{"not json", `hello`, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := ParseSubscribe([]byte(tc.msg)); ok != tc.ok {
				t.Fatalf("expected %v, got %v", tc.ok, ok)
			}
		})
	}
}

type fakeConn struct {
	in  chan string
	out chan string
}

func (c *fakeConn) Recv() (string, error) {
	msg, ok := <-c.in
	if !ok {
		return "", errors.New("closed")
	}
	return msg, nil
}

func (c *fakeConn) Send(msg string) error {
	c.out <- msg
	return nil
}

func waitMembers(t *testing.T, h *Hub, room string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Members(room) != want {
		if time.Now().After(deadline) {
			t.Fatalf("room %s: expected %d members, got %d", room, want, h.Members(room))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServeSubscribesAndForwards(t *testing.T) {
	h := New(nil)
	c := &fakeConn{in: make(chan string), out: make(chan string, 4)}
	done := make(chan struct{})
	go func() {
		h.Serve(c, "")
		close(done)
	}()

	c.in <- `{"action":"subscribe","organization_id":"o1"}`
	waitMembers(t, h, "org:o1", 1)

	if err := h.Emit(context.Background(), "org:o1", "queue:updated", []byte(`{}`)); err != nil {
		t.Fatalf("emit: %v", err)
	}
	select {
	case msg := <-c.out:
		var env Envelope
		if err := json.Unmarshal([]byte(msg), &env); err != nil || env.Event != "queue:updated" {
			t.Fatalf("unexpected frame %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected forwarded frame")
	}

	c.in <- `{"action":"unsubscribe","organization_id":"o1"}`
	waitMembers(t, h, "org:o1", 0)

	close(c.in)
	<-done
}

func TestServeJoinsInitialOrganization(t *testing.T) {
	h := New(nil)
	c := &fakeConn{in: make(chan string), out: make(chan string, 1)}
	done := make(chan struct{})
	go func() {
		h.Serve(c, "o2")
		close(done)
	}()
	waitMembers(t, h, "org:o2", 1)
	close(c.in)
	<-done
	if h.Members("org:o2") != 0 {
		t.Fatalf("expected cleanup on disconnect")
	}
}

func TestRedisRelayRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR is required for redis relay tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}

	h := New(nil)
	c := &Client{ID: "c", Send: make(chan []byte, 1)}
	h.Register(c)
	h.Join(c, "org:relay")

	relay := NewRedisRelay(client, "test-"+time.Now().Format("150405.000000"), h, nil)
	go func() { _ = relay.Run(ctx) }()
	// let the subscription settle
	time.Sleep(100 * time.Millisecond)

	if err := relay.Emit(ctx, "org:relay", "token:called", []byte(`{"number":"I002"}`)); err != nil {
		t.Fatalf("emit: %v", err)
	}
	select {
	case msg := <-c.Send:
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil || env.Event != "token:called" {
			t.Fatalf("unexpected frame %s", msg)
		}
	case <-ctx.Done():
		t.Fatalf("expected relayed frame")
	}
}

package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/store/memory"
)

type emitted struct {
	room    string
	event   string
	payload string
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []emitted
	fail   func(room, event string) error
}

func (b *recordingBroadcaster) Emit(ctx context.Context, room, event string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		if err := b.fail(room, event); err != nil {
			return err
		}
	}
	b.events = append(b.events, emitted{room: room, event: event, payload: string(payload)})
	return nil
}

func (b *recordingBroadcaster) names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, e := range b.events {
		out = append(out, e.room+"/"+e.event)
	}
	return out
}

func appendEvents(t *testing.T, st *memory.Store, events ...store.OutboxEvent) {
	t.Helper()
	err := st.InTx(context.Background(), func(q store.Queries) error {
		for _, event := range events {
			if err := q.AppendOutbox(context.Background(), event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("append outbox: %v", err)
	}
}

func TestRunOnceDeliversInOrder(t *testing.T) {
	st := memory.NewStore()
	appendEvents(t, st,
		store.OutboxEvent{Room: "org:a", Event: "token:created", Payload: []byte(`{"n":1}`), CreatedAt: time.Now()},
		store.OutboxEvent{Room: "org:a", Event: "queue:updated", Payload: []byte(`{"n":2}`), CreatedAt: time.Now()},
		store.OutboxEvent{Room: "org:b", Event: "token:called", Payload: []byte(`{"n":3}`), CreatedAt: time.Now()},
	)
	b := &recordingBroadcaster{}
	d := NewDispatcher(st, b, nil, Config{})

	result, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if result.Delivered != 3 {
		t.Fatalf("expected 3 delivered, got %+v", result)
	}
	got := b.names()
	want := []string{"org:a/token:created", "org:a/queue:updated", "org:b/token:called"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if b.events[0].payload != `{"n":1}` {
		t.Fatalf("unexpected payload %s", b.events[0].payload)
	}

	again, _ := d.RunOnce(context.Background())
	if again.Delivered != 0 {
		t.Fatalf("expected nothing left, got %+v", again)
	}
}

func TestRunOnceRetriesFailedRoom(t *testing.T) {
	st := memory.NewStore()
	appendEvents(t, st,
		store.OutboxEvent{Room: "org:a", Event: "token:created", Payload: []byte(`{}`), CreatedAt: time.Now()},
		store.OutboxEvent{Room: "org:a", Event: "queue:updated", Payload: []byte(`{}`), CreatedAt: time.Now()},
		store.OutboxEvent{Room: "org:b", Event: "token:created", Payload: []byte(`{}`), CreatedAt: time.Now()},
	)
	down := true
	b := &recordingBroadcaster{fail: func(room, event string) error {
		if down && room == "org:a" {
			return errors.New("subscriber offline")
		}
		return nil
	}}
	d := NewDispatcher(st, b, nil, Config{MaxAttempts: 3})

	result, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if result.Failed != 1 || result.Delivered != 1 {
		t.Fatalf("expected one failure and one delivery, got %+v", result)
	}
	outbox := st.Outbox()
	if outbox[0].Attempts != 1 || outbox[0].LastError != "subscriber offline" {
		t.Fatalf("expected failure recorded, got %+v", outbox[0])
	}
	if outbox[1].Attempts != 0 {
		t.Fatalf("later event of a failed room must wait")
	}

	down = false
	result, err = d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if result.Delivered != 2 {
		t.Fatalf("expected the room to drain, got %+v", result)
	}
	got := b.names()
	if len(got) != 3 || got[1] != "org:a/token:created" || got[2] != "org:a/queue:updated" {
		t.Fatalf("unexpected delivery order %v", got)
	}
}

func TestRunOnceGivesUpAfterMaxAttempts(t *testing.T) {
	st := memory.NewStore()
	appendEvents(t, st, store.OutboxEvent{Room: "org:a", Event: "token:created", Payload: []byte(`{}`), CreatedAt: time.Now()})
	b := &recordingBroadcaster{fail: func(room, event string) error { return errors.New("down") }}
	d := NewDispatcher(st, b, nil, Config{MaxAttempts: 2})

	for i := 0; i < 4; i++ {
		if _, err := d.RunOnce(context.Background()); err != nil {
			t.Fatalf("run once: %v", err)
		}
	}
	if attempts := st.Outbox()[0].Attempts; attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestStartDeliversOnNotify(t *testing.T) {
	st := memory.NewStore()
	b := &recordingBroadcaster{}
	d := NewDispatcher(st, b, nil, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		d.Start(ctx, time.Hour)
		close(done)
	}()

	appendEvents(t, st, store.OutboxEvent{Room: "org:a", Event: "token:created", Payload: []byte(`{}`), CreatedAt: time.Now()})
	d.Notify()

	deadline := time.Now().Add(2 * time.Second)
	for len(b.names()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected delivery after notify")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingBroadcaster{}
	broken := &recordingBroadcaster{fail: func(room, event string) error { return errors.New("kafka down") }}
	f := Fanout{broken, ok, nil}

	err := f.Emit(context.Background(), "org:a", "token:created", []byte(`{}`))
	if err == nil || err.Error() != "kafka down" {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(ok.names()) != 1 {
		t.Fatalf("healthy target must still receive the event")
	}
	if err := (Fanout{ok}).Emit(context.Background(), "org:a", "token:called", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

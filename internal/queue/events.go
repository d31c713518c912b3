package queue

import "context"

const (
	EventTokenCreated   = "token:created"
	EventTokenCalled    = "token:called"
	EventTokenServing   = "token:serving"
	EventTokenCompleted = "token:completed"
	EventTokenNoShow    = "token:no_show"
	EventTokenRecalled  = "token:recalled"
	EventTokenCancelled = "token:cancelled"
	EventQueueUpdated   = "queue:updated"
)

func Room(organizationID string) string {
	return "org:" + organizationID
}

// Broadcaster pushes an event to every subscriber of room.
type Broadcaster interface {
	Emit(ctx context.Context, room, event string, payload []byte) error
}

// Notifier is told that committed events are waiting for delivery.
type Notifier interface {
	Notify()
}

type noopNotifier struct{}

func (noopNotifier) Notify() {}

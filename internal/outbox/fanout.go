package outbox

import (
	"context"
	"errors"

	"qms/queue-engine/internal/queue"
)

// Fanout emits to every broadcaster and reports the joined failures. A
// failure of one target does not stop the others.
type Fanout []queue.Broadcaster

func (f Fanout) Emit(ctx context.Context, room, event string, payload []byte) error {
	var errs []error
	for _, b := range f {
		if b == nil {
			continue
		}
		if err := b.Emit(ctx, room, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Package outbox delivers committed outbox rows to subscribers.
package outbox

import (
	"context"
	"expvar"
	"sync/atomic"
	"time"

	"qms/queue-engine/internal/logger"
	"qms/queue-engine/internal/queue"
	"qms/queue-engine/internal/store"
)

var (
	deliveredTotal = expvar.NewInt("outbox_delivered_total")
	failedTotal    = expvar.NewInt("outbox_failed_total")
)

type Config struct {
	BatchSize   int
	MaxAttempts int
	// RunTimeout bounds a single delivery pass.
	RunTimeout time.Duration
}

// Dispatcher moves outbox rows to a Broadcaster. It runs on a ticker and
// whenever Notify is called after a commit.
type Dispatcher struct {
	store       store.OutboxStore
	broadcaster queue.Broadcaster
	log         *logger.Logger
	batchSize   int
	maxAttempts int
	runTimeout  time.Duration
	kick        chan struct{}
	running     int32
}

func NewDispatcher(st store.OutboxStore, broadcaster queue.Broadcaster, log *logger.Logger, cfg Config) *Dispatcher {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	timeout := cfg.RunTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Dispatcher{
		store:       st,
		broadcaster: broadcaster,
		log:         log.Component("outbox"),
		batchSize:   batch,
		maxAttempts: maxAttempts,
		runTimeout:  timeout,
		kick:        make(chan struct{}, 1),
	}
}

// Notify requests a delivery pass without blocking the caller.
func (d *Dispatcher) Notify() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// RunOnce performs one delivery pass. Concurrent calls are skipped.
func (d *Dispatcher) RunOnce(ctx context.Context) (store.DeliveryResult, error) {
	if !atomic.CompareAndSwapInt32(&d.running, 0, 1) {
		return store.DeliveryResult{}, nil
	}
	defer atomic.StoreInt32(&d.running, 0)

	ctx, cancel := context.WithTimeout(ctx, d.runTimeout)
	defer cancel()

	result, err := d.store.DeliverOutbox(ctx, d.batchSize, d.maxAttempts, func(ctx context.Context, event store.OutboxEvent) error {
		if err := d.broadcaster.Emit(ctx, event.Room, event.Event, event.Payload); err != nil {
			d.log.WithError(err).Warn("outbox delivery failed",
				"seq", event.Seq,
				"room", event.Room,
				"event", event.Event,
				"attempt", event.Attempts)
			if event.Attempts >= d.maxAttempts {
				d.log.Error("outbox event exhausted retries", "seq", event.Seq, "event", event.Event)
			}
			return err
		}
		return nil
	})
	deliveredTotal.Add(int64(result.Delivered))
	failedTotal.Add(int64(result.Failed))
	if err != nil {
		d.log.WithError(err).Error("outbox pass failed")
		return result, err
	}
	return result, nil
}

// Start runs delivery passes until ctx is done.
func (d *Dispatcher) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.kick:
		}
		_, _ = d.RunOnce(ctx)
	}
}

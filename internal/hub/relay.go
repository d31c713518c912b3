package hub

import (
	"context"
	"encoding/json"

	"qms/queue-engine/internal/logger"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "queue-engine:events"

// RedisRelay shares events between instances. Emit publishes to a Redis
// channel; Run delivers everything on that channel to the local hub.
type RedisRelay struct {
	client  *redis.Client
	channel string
	hub     *Hub
	log     *logger.Logger
}

func NewRedisRelay(client *redis.Client, channel string, h *Hub, log *logger.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RedisRelay{client: client, channel: channel, hub: h, log: log.Component("redis_relay")}
}

func (r *RedisRelay) Emit(ctx context.Context, room, event string, payload []byte) error {
	data, err := json.Marshal(Envelope{Event: event, Room: room, Data: payload})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

// Run blocks until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	r.log.Info("relay subscribed", "channel", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := r.hub.Deliver([]byte(msg.Payload)); err != nil {
				r.log.WithError(err).Warn("relay message dropped", "channel", msg.Channel)
			}
		}
	}
}

// Package stream publishes queue events to Kafka for downstream consumers
// such as analytics and notification workers.
package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"qms/queue-engine/internal/logger"

	"github.com/IBM/sarama"
)

const DefaultTopic = "queue-events"

type Config struct {
	Brokers  []string
	Topic    string
	RetryMax int
	Timeout  time.Duration
}

// Publisher is a Broadcaster that writes every event to one topic, keyed by
// room so events of an organization stay on one partition in order.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *logger.Logger
}

func NewSaramaConfig(cfg Config) *sarama.Config {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	saramaConfig.Producer.Idempotent = true
	saramaConfig.Net.MaxOpenRequests = 1
	saramaConfig.Producer.Retry.Max = cfg.RetryMax
	if saramaConfig.Producer.Retry.Max <= 0 {
		saramaConfig.Producer.Retry.Max = 3
	}
	if cfg.Timeout > 0 {
		saramaConfig.Producer.Timeout = cfg.Timeout
	}
	return saramaConfig
}

func NewPublisher(cfg Config, log *logger.Logger) (*Publisher, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return NewPublisherWithProducer(producer, cfg.Topic, log), nil
}

func NewPublisherWithProducer(producer sarama.SyncProducer, topic string, log *logger.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Publisher{producer: producer, topic: topic, log: log.Component("kafka")}
}

func (p *Publisher) Emit(ctx context.Context, room, event string, payload []byte) error {
	message := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(room),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event"), Value: []byte(event)},
			{Key: []byte("room"), Value: []byte(room)},
		},
		Timestamp: time.Now().UTC(),
	}
	partition, offset, err := p.producer.SendMessage(message)
	if err != nil {
		return fmt.Errorf("failed to send %s to Kafka: %w", event, err)
	}
	p.log.Debug("event published", "topic", p.topic, "partition", partition, "offset", offset, "event", event, "room", room)
	return nil
}

func (p *Publisher) Close() error {
	return p.producer.Close()
}

// ParseBrokers splits a comma separated broker list.
func ParseBrokers(value string) []string {
	var brokers []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return brokers
}

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/memmesh/internal/memory"
)

// Producer writes raw messages to topics.
type Producer interface {
	Produce(ctx context.Context, topic string, key, value []byte) error
	Close() error
}

// KafkaProducer writes with a single segmentio/kafka-go writer. The topic
// is set per message.
type KafkaProducer struct {
	w       *kafka.Writer
	retries int
}

// NewKafkaProducer creates a producer for the comma separated brokers.
func NewKafkaProducer(brokers string) *KafkaProducer {
	return &KafkaProducer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(strings.Split(brokers, ",")...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		retries: 3,
	}
}

// Produce writes one message, retrying leader changes with a short backoff.
func (p *KafkaProducer) Produce(ctx context.Context, topic string, key, value []byte) error {
	msg := kafka.Message{Topic: topic, Key: key, Value: value, Time: time.Now()}
	var err error
	for attempt := 0; attempt < p.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = p.w.WriteMessages(ctx, msg)
		if err == nil {
			return nil
		}
		if !errors.Is(err, kafka.NotLeaderForPartition) && !errors.Is(err, kafka.LeaderNotAvailable) {
			break
		}
		slog.Debug("KafkaProducer: retrying", "topic", topic, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("produce to %s: %w", topic, err)
}

func (p *KafkaProducer) Close() error {
	return p.w.Close()
}

// ChannelProducer loops produced messages back into a ChannelConsumer.
type ChannelProducer struct {
	c *ChannelConsumer
}

// NewChannelProducer returns a producer feeding c.
func NewChannelProducer(c *ChannelConsumer) *ChannelProducer {
	return &ChannelProducer{c: c}
}

func (p *ChannelProducer) Produce(ctx context.Context, topic string, key, value []byte) error {
	select {
	case p.c.ch <- p.c.tracked(ConsumerMessage{Topic: topic, Key: key, Value: value}):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ChannelProducer) Close() error { return nil }

// Publisher sends deltas to agents' inbox topics.
type Publisher struct {
	producer Producer
	cluster  string
}

// NewPublisher returns a publisher for cluster.
func NewPublisher(producer Producer, cluster string) *Publisher {
	return &Publisher{producer: producer, cluster: cluster}
}

// PublishDelta sends d from sender to target's inbox, keyed by memory id so
// deltas of one record stay in one partition.
func (p *Publisher) PublishDelta(ctx context.Context, sender, target string, d memory.Delta) error {
	if err := d.Validate(); err != nil {
		return err
	}
	payload := memory.EncodeDelta(d)
	env := Envelope{
		Type:          EnvelopeDelta,
		CorrelationID: uuid.New().String(),
		SenderID:      sender,
		TargetID:      target,
		Timestamp:     time.Now().UTC(),
		Delta:         payload,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.producer.Produce(ctx, AgentTopic(p.cluster, target), []byte(d.MemoryID), value)
}

// Announce publishes a presence message for agent.
func (p *Publisher) Announce(ctx context.Context, agent, detail string) error {
	env := Envelope{
		Type:          EnvelopeAnnounce,
		CorrelationID: uuid.New().String(),
		SenderID:      agent,
		Timestamp:     time.Now().UTC(),
		Detail:        detail,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.producer.Produce(ctx, Topics(p.cluster).Announce, []byte(agent), value)
}

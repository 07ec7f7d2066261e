package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// Consumer reads agent inbox and announce topics.
type Consumer interface {
	// Start begins consuming from the subscribed topics.
	Start(ctx context.Context) error
	// Messages returns the channel of fetched messages.
	Messages() <-chan ConsumerMessage
	// Subscribe adds a topic; safe to call before or after Start.
	Subscribe(topic string) error
	// Unsubscribe stops reading a topic, for example when its agent is
	// deregistered.
	Unsubscribe(topic string) error
	// Close stops the consumer.
	Close() error
}

// ConsumerMessage is one fetched message. Commit acknowledges it once its
// delta is durably queued; a message that is never committed is fetched
// again after a restart.
type ConsumerMessage struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	commit    func(context.Context) error
}

// Commit acknowledges the message. It is a no-op for messages without a
// broker offset.
func (m ConsumerMessage) Commit(ctx context.Context) error {
	if m.commit == nil {
		return nil
	}
	return m.commit(ctx)
}

// KafkaConsumerConfig configures a KafkaConsumer.
type KafkaConsumerConfig struct {
	Brokers []string
	// GroupID is the consumer group; offsets are committed per group.
	GroupID string
	// Buffer is the capacity of the message channel.
	Buffer int
	// RetryBackoff is the pause after a failed fetch.
	RetryBackoff time.Duration
}

// KafkaConsumer reads each subscribed topic with its own kafka-go reader
// and commits offsets only when the router acknowledges a message.
type KafkaConsumer struct {
	cfg      KafkaConsumerConfig
	messages chan ConsumerMessage

	mu      sync.Mutex
	ctx     context.Context
	readers map[string]*topicReader
}

type topicReader struct {
	reader *kafka.Reader
	cancel context.CancelFunc
}

// NewKafkaConsumer creates a consumer for topics; more can be added with
// Subscribe.
func NewKafkaConsumer(cfg KafkaConsumerConfig, topics ...string) *KafkaConsumer {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 100
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	c := &KafkaConsumer{
		cfg:      cfg,
		messages: make(chan ConsumerMessage, cfg.Buffer),
		readers:  map[string]*topicReader{},
	}
	for _, t := range topics {
		c.readers[t] = nil
	}
	return c
}

// Start begins reading every topic subscribed so far.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx
	for topic, tr := range c.readers {
		if tr == nil {
			c.readers[topic] = c.startReader(ctx, topic)
		}
	}
	return nil
}

// Subscribe adds topic. Safe to call after Start.
func (c *KafkaConsumer) Subscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.readers[topic]; ok {
		return nil
	}
	if c.ctx == nil {
		c.readers[topic] = nil
		return nil
	}
	c.readers[topic] = c.startReader(c.ctx, topic)
	return nil
}

// Unsubscribe stops the reader of topic. Uncommitted messages stay on the
// broker.
func (c *KafkaConsumer) Unsubscribe(topic string) error {
	c.mu.Lock()
	tr, ok := c.readers[topic]
	delete(c.readers, topic)
	c.mu.Unlock()
	if !ok || tr == nil {
		return nil
	}
	tr.cancel()
	return tr.reader.Close()
}

// startReader must be called with c.mu held.
func (c *KafkaConsumer) startReader(parent context.Context, topic string) *topicReader {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.cfg.Brokers,
		Topic:    topic,
		GroupID:  c.cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	ctx, cancel := context.WithCancel(parent)
	go c.read(ctx, reader, topic)
	slog.Debug("KafkaConsumer: reading", "topic", topic, "group", c.cfg.GroupID)
	return &topicReader{reader: reader, cancel: cancel}
}

func (c *KafkaConsumer) read(ctx context.Context, r *kafka.Reader, topic string) {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			slog.Warn("KafkaConsumer: fetch failed", "topic", topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.RetryBackoff):
			}
			continue
		}
		m := ConsumerMessage{
			Topic:     topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Key:       msg.Key,
			Value:     msg.Value,
			commit: func(ctx context.Context) error {
				return r.CommitMessages(ctx, msg)
			},
		}
		select {
		case c.messages <- m:
		case <-ctx.Done():
			return
		}
	}
}

// Messages returns the channel of fetched messages.
func (c *KafkaConsumer) Messages() <-chan ConsumerMessage {
	return c.messages
}

// Close stops all readers. The message channel is left open since reader
// goroutines may still be returning.
func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	readers := c.readers
	c.readers = map[string]*topicReader{}
	c.mu.Unlock()
	var errs []error
	for _, tr := range readers {
		if tr == nil {
			continue
		}
		tr.cancel()
		errs = append(errs, tr.reader.Close())
	}
	return errors.Join(errs...)
}

// ChannelConsumer is an in-process Consumer backed by a Go channel. It
// counts commits so callers can see which messages were acknowledged.
type ChannelConsumer struct {
	ch        chan ConsumerMessage
	committed atomic.Int64
}

// NewChannelConsumer creates an in-process consumer.
func NewChannelConsumer() *ChannelConsumer {
	return &ChannelConsumer{ch: make(chan ConsumerMessage, 100)}
}

// Start is a no-op for the channel consumer.
func (c *ChannelConsumer) Start(ctx context.Context) error { return nil }

// Messages returns the message channel.
func (c *ChannelConsumer) Messages() <-chan ConsumerMessage { return c.ch }

// Close is a no-op; the channel stays open for pending senders.
func (c *ChannelConsumer) Close() error { return nil }

// Subscribe is a no-op; topics are implicit in sent messages.
func (c *ChannelConsumer) Subscribe(topic string) error { return nil }

// Unsubscribe is a no-op.
func (c *ChannelConsumer) Unsubscribe(topic string) error { return nil }

// Send pushes a message into the channel consumer.
func (c *ChannelConsumer) Send(msg ConsumerMessage) {
	c.ch <- c.tracked(msg)
}

func (c *ChannelConsumer) tracked(msg ConsumerMessage) ConsumerMessage {
	msg.commit = func(context.Context) error {
		c.committed.Add(1)
		return nil
	}
	return msg
}

// Committed is the number of messages acknowledged so far.
func (c *ChannelConsumer) Committed() int64 {
	return c.committed.Load()
}

package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// MessageHandler processes a consumed message. A returned error is logged
// and the offset is still committed.
type MessageHandler func(ctx context.Context, msg Message) error

// Consumer reads messages from Kafka/RedPanda topics.
type Consumer interface {
	// Consume runs the poll loop until ctx is cancelled.
	Consume(ctx context.Context, handler MessageHandler) error
	Close()
}

// KafkaConsumer is a consumer-group reader backed by franz-go.
type KafkaConsumer struct {
	client  *kgo.Client
	groupID string
	topics  []string

	mu     sync.Mutex
	closed bool
}

// ConsumerOption configures a KafkaConsumer.
type ConsumerOption func(*[]kgo.Opt)

// FromLatest starts new consumer groups at the end of each partition.
func FromLatest() ConsumerOption {
	return func(opts *[]kgo.Opt) {
		*opts = append(*opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}
}

// NewConsumer subscribes groupID to topics. New groups start from the earliest offset
// unless FromLatest is given.
func NewConsumer(brokers []string, groupID string, topics []string, opts ...ConsumerOption) (*KafkaConsumer, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("kafka: at least one topic is required")
	}

	kgoOpts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(groupID),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}
	for _, opt := range opts {
		opt(&kgoOpts)
	}

	client, err := kgo.NewClient(kgoOpts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: create consumer: %w", err)
	}

	log.Info().
		Strs("brokers", brokers).
		Str("group_id", groupID).
		Strs("topics", topics).
		Msg("kafka: consumer created")

	return &KafkaConsumer{client: client, groupID: groupID, topics: topics}, nil
}

// Consume polls until ctx is cancelled. Handler errors never stop the loop.
func (c *KafkaConsumer) Consume(ctx context.Context, handler MessageHandler) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("kafka: consumer is closed")
	}

	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		for _, fe := range fetches.Errors() {
			log.Error().
				Err(fe.Err).
				Str("topic", fe.Topic).
				Int32("partition", fe.Partition).
				Msg("kafka: fetch error")
		}

		fetches.EachRecord(func(record *kgo.Record) {
			if err := handler(ctx, recordToMessage(record)); err != nil {
				log.Error().Err(err).
					Str("topic", record.Topic).
					Int64("offset", record.Offset).
					Msg("kafka: handler error")
			}
		})

		c.client.AllowRebalance()
	}
}

// Close commits final offsets and shuts the client down.
func (c *KafkaConsumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.client.Close()
	log.Info().Str("group", c.groupID).Msg("kafka: consumer closed")
}

func recordToMessage(r *kgo.Record) Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Topic:     r.Topic,
		Key:       string(r.Key),
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}

// TopicNaming provides canonical topic names.
// Pattern: <domain>.<category>.<variant>
type TopicNaming struct{}

func (TopicNaming) DetectedTokens() string { return "discovery.tokens.detected" }
func (TopicNaming) TokenEvents(source string) string {
	return fmt.Sprintf("discovery.events.%s", source)
}
func (TopicNaming) Heartbeat() string { return "discovery.heartbeat" }

// Topics is the global topic naming instance.
var Topics = TopicNaming{}

package scanner

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/discovery/internal/bus"
)

// ---------------------------------------------------------------------------
// Sinks: downstream delivery of detected tokens
// ---------------------------------------------------------------------------

// Sink persists or forwards detected tokens.
type Sink interface {
	Name() string
	Write(ctx context.Context, token DetectedToken) error
}

// ProducerSink publishes detected tokens as JSON keyed by mint address.
type ProducerSink struct {
	producer bus.Producer
	topic    string
}

// NewProducerSink publishes to the detected-tokens topic.
func NewProducerSink(p bus.Producer) *ProducerSink {
	return &ProducerSink{producer: p, topic: bus.TopicNaming{}.DetectedTokens()}
}

func (s *ProducerSink) Name() string { return "kafka" }

func (s *ProducerSink) Write(ctx context.Context, token DetectedToken) error {
	if err := s.producer.PublishJSON(ctx, s.topic, string(token.Address), token); err != nil {
		return fmt.Errorf("kafka sink: %w", err)
	}
	return nil
}

// Drain forwards every token received on rx to each sink until ctx is done or
// the stream closes. A failing sink is logged and does not stop the others.
// rx is closed on return.
func Drain(ctx context.Context, rx *bus.Receiver[DetectedToken], sinks ...Sink) error {
	defer rx.Close()
	for {
		token, err := rx.Recv(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, s := range sinks {
			if err := s.Write(ctx, token); err != nil {
				log.Warn().Err(err).Str("sink", s.Name()).Str("token", token.Address.Short()).
					Msg("scanner: sink write failed")
			}
		}
	}
}

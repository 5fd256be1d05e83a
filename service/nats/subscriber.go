package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Subscriber streams purchase events from JetStream.
type Subscriber struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSubscriber connects to NATS for consuming purchase events.
func NewSubscriber(natsURL string, logger *slog.Logger) (*Subscriber, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	nc, js, err := connect(natsURL, "hydraico-subscriber")
	if err != nil {
		return nil, err
	}
	logger.Info("NATS subscriber initialized", "nats_url", natsURL)
	return &Subscriber{nc: nc, js: js, logger: logger}, nil
}

// Subscribe delivers new events for payer, or for all payers when payer is
// empty, until ctx is done. Each event is acknowledged after fn returns.
// The consumer is ephemeral and goes away with the subscription.
func (s *Subscriber) Subscribe(ctx context.Context, payer string, fn func(*PurchaseEvent)) error {
	if payer != "" && !ValidPayerToken(payer) {
		return fmt.Errorf("invalid payer %q", payer)
	}

	cons, err := s.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject: SubjectFor(payer),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy, // Only deliver messages published after subscribing
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		var event PurchaseEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			s.logger.WarnContext(ctx, "failed to unmarshal purchase event",
				"subject", msg.Subject(),
				"error", err,
			)
			_ = msg.Ack()
			return
		}
		fn(&event)
		_ = msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming messages: %w", err)
	}

	<-ctx.Done()
	cc.Stop()
	return nil
}

// Close closes the NATS connection.
func (s *Subscriber) Close() error {
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info("NATS subscriber closed")
	}
	return nil
}

// Package transport carries the participant protocol over NATS
// JetStream. Each participant owns an inbox subject; the coordinator
// consumes its own inbox through a durable consumer so envelopes
// survive a coordinator restart and are redelivered until handled.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"AtomicSettle/internal/protocol"
)

const (
	participantStream  = "AS_PARTICIPANT"
	coordinatorStream  = "AS_COORDINATOR"
	participantSubject = "as.participant.%s.inbox"
	coordinatorSubject = "as.coordinator.%s.inbox"
)

// Connect dials NATS with unbounded reconnects and returns the
// JetStream handle.
func Connect(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureStreams creates the protocol streams. Retention matches the
// notification redelivery window.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      participantStream,
			Subjects:  []string{"as.participant.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      coordinatorStream,
			Subjects:  []string{"as.coordinator.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Replicas:  1,
		},
	}
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Conn publishes outbound envelopes to participant inboxes. It
// satisfies the gateway's transport interface.
type Conn struct {
	js  jetstream.JetStream
	log zerolog.Logger
}

func NewConn(js jetstream.JetStream, log zerolog.Logger) *Conn {
	return &Conn{js: js, log: log}
}

// Send publishes one envelope to the participant's inbox.
func (c *Conn) Send(ctx context.Context, to string, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	subject := fmt.Sprintf(participantSubject, to)
	if _, err := c.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Inbox consumes the coordinator's inbox, handing each envelope to
// handle. An envelope is acked only after handle returns nil; a
// failed envelope is redelivered up to five times.
type Inbox struct {
	js       jetstream.JetStream
	consumer jetstream.ConsumeContext
	log      zerolog.Logger
}

func NewInbox(js jetstream.JetStream, log zerolog.Logger) *Inbox {
	return &Inbox{js: js, log: log}
}

// Start creates the durable consumer and begins delivery.
func (i *Inbox) Start(ctx context.Context, coordinatorID string,
	handle func(ctx context.Context, env *protocol.Envelope) error) error {

	consumer, err := i.js.CreateOrUpdateConsumer(ctx, coordinatorStream, jetstream.ConsumerConfig{
		Durable:       "coordinator-" + coordinatorID,
		FilterSubject: fmt.Sprintf(coordinatorSubject, coordinatorID),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create coordinator consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var env protocol.Envelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			// A malformed envelope never becomes valid on redelivery.
			i.log.Error().Err(err).Str("subject", msg.Subject()).Msg("drop undecodable envelope")
			msg.Ack()
			return
		}
		if err := handle(ctx, &env); err != nil {
			i.log.Warn().Err(err).
				Str("type", string(env.Type)).
				Str("sender", env.SenderID).
				Msg("envelope handling failed, will redeliver")
			msg.Nak()
			return
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume coordinator inbox: %w", err)
	}
	i.consumer = cc
	i.log.Info().Str("coordinator_id", coordinatorID).Msg("coordinator inbox consuming")
	return nil
}

// Stop halts delivery.
func (i *Inbox) Stop() {
	if i.consumer != nil {
		i.consumer.Stop()
	}
}

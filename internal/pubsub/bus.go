// Package pubsub is the Registry's remote handle for multi-node fan-out,
// §9 Open Questions "Multi-node fan-out": when a tenant's branches are
// spread across more than one hub instance, a locally-unknown recipient
// may still be connected to a peer instance, and a local publish may be
// the only delivery a peer-connected recipient ever sees. Grounded on the
// teacher's internal/adapter/pubsub/dispatcher.go (watermill
// message.Publisher wrapping a domain event, one topic per routing key)
// and watermill-amqp/v3's documented durable pub/sub config, the same
// exchange/queue idiom the teacher uses for its im_message.events topic.
package pubsub

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/syncmesh/hub/internal/protocol"
)

// originHeader marks a message with the publishing instance's id so that
// instance's own Subscribe loop can discard its own publishes instead of
// looping them back to senders already holding the local delivery.
const originHeader = "syncmesh_origin_instance"

// Bus fans routed envelopes out to (and receives them from) peer hub
// instances over one AMQP topic per tenant.
type Bus struct {
	instanceID string
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     *slog.Logger
}

// NewBus dials amqpURI and builds a durable topic-per-tenant pub/sub
// channel identified as instanceID, the id this instance stamps on its
// own publishes.
func NewBus(amqpURI, instanceID string, logger *slog.Logger) (*Bus, error) {
	wmLogger := &slogAdapter{logger: logger}
	cfg := amqp.NewDurablePubSubConfig(amqpURI, func(topic string) string {
		return "syncmesh." + topic
	})

	pub, err := amqp.NewPublisher(cfg, wmLogger)
	if err != nil {
		return nil, err
	}
	sub, err := amqp.NewSubscriber(cfg, wmLogger)
	if err != nil {
		pub.Close()
		return nil, err
	}

	return &Bus{instanceID: instanceID, publisher: pub, subscriber: sub, logger: logger}, nil
}

func (b *Bus) topic(tenantID string) string { return "tenant." + tenantID }

// Publish fans env out to every peer instance subscribed to tenantID's
// topic. Local delivery (the Router's own Lookup/IterTenant) happens
// independently of this call — Publish is purely the cross-instance path.
func (b *Bus) Publish(ctx context.Context, tenantID string, env protocol.Envelope) error {
	raw, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), raw)
	msg.Metadata.Set(originHeader, b.instanceID)
	msg.SetContext(ctx)
	return b.publisher.Publish(b.topic(tenantID), msg)
}

// Subscribe returns envelopes peer instances publish for tenantID,
// excluding this instance's own publishes. The returned channel closes
// when ctx is done or the underlying subscription ends.
func (b *Bus) Subscribe(ctx context.Context, tenantID string) (<-chan protocol.Envelope, error) {
	msgs, err := b.subscriber.Subscribe(ctx, b.topic(tenantID))
	if err != nil {
		return nil, err
	}

	out := make(chan protocol.Envelope)
	go func() {
		defer close(out)
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if msg.Metadata.Get(originHeader) == b.instanceID {
					msg.Ack()
					continue
				}
				env, err := protocol.Decode(msg.Payload)
				if err != nil {
					b.logger.Warn("pubsub: dropping undecodable message", slog.Any("err", err))
					msg.Nack()
					continue
				}
				select {
				case out <- env:
					msg.Ack()
				case <-ctx.Done():
					msg.Nack()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Dispatcher is the subset of router.Router Pump needs; satisfied
// structurally so this package never imports internal/router.
type Dispatcher interface {
	Route(ctx context.Context, tenantID, fromBranchID string, env protocol.Envelope) error
}

// Pump subscribes to tenantID's topic and redelivers every remote
// envelope through dispatcher, exactly as DeliverOffline redelivers
// through Route: remote fan-out must flow back through the same
// tenant-isolation and rate-limit gates as any other inbound envelope.
// Blocks until ctx is done or the subscription ends.
func (b *Bus) Pump(ctx context.Context, tenantID string, dispatcher Dispatcher) error {
	envs, err := b.Subscribe(ctx, tenantID)
	if err != nil {
		return err
	}
	for env := range envs {
		if err := dispatcher.Route(ctx, env.TenantID, env.From, env); err != nil {
			b.logger.Warn("pubsub: remote redelivery failed", slog.Any("err", err))
		}
	}
	return ctx.Err()
}

func (b *Bus) Close() error {
	if err := b.publisher.Close(); err != nil {
		return err
	}
	return b.subscriber.Close()
}

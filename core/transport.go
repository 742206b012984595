package core

import "context"

// DefaultDeadLetterDestination receives events whose delivery or handling
// exhausted the transport's max-delivery budget, plus permanent failures
// forwarded by runtime shells.
const DefaultDeadLetterDestination = "agentbus.deadletter"

// Acker acknowledges or rejects a single delivery. Nack triggers redelivery,
// bounded by the transport's max-delivery count before the message is routed
// to the dead-letter destination.
type Acker interface {
	Ack() error
	Nack() error
}

// Delivery is one received envelope plus its acknowledgement handle.
type Delivery struct {
	Envelope Envelope
	// Attempt counts deliveries of this envelope, starting at 1.
	Attempt int
	Acker   Acker
}

// SubscribeOptions selects the destination and delivery semantics for a
// subscription.
type SubscribeOptions struct {
	// Destination is the subject / queue to consume.
	Destination string
	// QueueGroup, when non-empty, joins a competing-consumer group: each
	// message is delivered to exactly one member of the group. When empty the
	// subscription is broadcast and every subscriber receives every message.
	QueueGroup string
	// Prefetch bounds unacknowledged in-flight deliveries on this
	// subscription. Zero applies the transport default. This is the
	// load-balancing mechanism: a saturated subscriber simply stops
	// receiving, and the group routes to a different replica.
	Prefetch int
}

// Subscription is an active consumer. Deliveries returns a channel closed
// when the subscription terminates.
type Subscription interface {
	Deliveries() <-chan Delivery
	Close() error
}

// Transport is the ordered, persistent publish/subscribe primitive everything
// else builds on. Implementations must support competing-consumer queue
// groups and broadcast fan-out over the same publish path. The transport may
// reorder or redeliver; per-stream ordering is restored by the assembler, not
// assumed here.
type Transport interface {
	// Publish delivers the envelope to the destination, returning once the
	// transport has accepted it.
	Publish(ctx context.Context, destination string, env Envelope) error

	// Subscribe opens a subscription described by opts.
	Subscribe(ctx context.Context, opts SubscribeOptions) (Subscription, error)

	// Close releases transport resources. Pending subscriptions terminate.
	Close() error
}

/*
Package broker defines the narrow message-broker primitive set the RPC and
stream layers are built on: durable/transient queues with competing consumers,
a broadcast fan-out mechanism, and per-message acknowledgement with requeue.

Backends live in subpackages (inproc, amqp). A precondition on every backend:
delivery within one queue is FIFO. The stream bridge writes its destination
sequentially and is incorrect over a broker that reorders messages within a
queue (chunk sequence numbers detect, but do not repair, such reordering).
*/
package broker

import (
	"context"
	"time"
)

// QueueOptions configure queue assertion. An exclusive queue belongs to its
// creator and is expected to be deleted by it; a durable queue survives broker
// restarts (backend permitting).
type QueueOptions struct {
	Durable   bool
	Exclusive bool
}

// PublishOptions carry the transport metadata of one message. All fields are
// optional; Expiration > 0 lets an unconsumed message age out of its queue.
type PublishOptions struct {
	CorrelationID string
	ReplyTo       string
	Expiration    time.Duration
}

// Delivery is one received message. Exactly one of Ack/Nack must be called
// once the message has been applied or rejected; an unacknowledged message is
// redelivered.
type Delivery interface {
	Body() []byte
	CorrelationID() string
	ReplyTo() string
	Ack() error
	// Nack rejects the message. With requeue, it goes back into the queue for
	// another (possibly different) consumer; without, it is dropped.
	Nack(requeue bool) error
}

// Handler is invoked for each delivery of a consumer. With a prefetch limit of
// one, invocations on a single consumer are sequential.
type Handler func(d Delivery)

// Subscription is a handle to one registered consumer.
type Subscription interface {
	// Cancel stops delivery to this consumer. Already-dispatched messages may
	// still reach the handler.
	Cancel() error
}

/*
Broker is the complete primitive set consumed by this module. Publishing is
fire-and-forget; consuming registers a handler that is driven by the backend.
Implementations must be safe for concurrent publishes.
*/
type Broker interface {
	// AssertQueue declares a queue and returns its name. An empty name asks
	// the backend to generate a unique one (used for reply and chunk queues).
	AssertQueue(ctx context.Context, name string, opts QueueOptions) (string, error)

	// AssertBroadcast declares a fan-out channel.
	AssertBroadcast(ctx context.Context, name string) error

	// Consume registers a competing consumer on a queue.
	Consume(ctx context.Context, queue string, h Handler) (Subscription, error)

	// ConsumeBroadcast registers a consumer receiving a copy of every message
	// published to the broadcast channel.
	ConsumeBroadcast(ctx context.Context, channel string, h Handler) (Subscription, error)

	Publish(ctx context.Context, queue string, body []byte, opts PublishOptions) error

	PublishBroadcast(ctx context.Context, channel string, body []byte, opts PublishOptions) error

	// DeleteQueue destroys a queue together with any buffered messages.
	DeleteQueue(ctx context.Context, name string) error

	// SetPrefetch caps the number of unacknowledged deliveries per consumer
	// registered after the call.
	SetPrefetch(n int) error

	Close() error
}

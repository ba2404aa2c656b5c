/*
Package inproc implements the broker primitive set in process memory. It backs
the test suites of the RPC and stream layers and is usable on its own when all
participants live in one process.

Queues are FIFO; competing consumers are served round-robin, gated by the
per-consumer prefetch limit. A nack with requeue puts the message back at the
head of the queue so redelivery order matches AMQP behavior. Publishing to a
queue that does not (or no longer does) exist silently drops the message, like
an AMQP default-exchange publish to a deleted queue; late replies to a
timed-out call rely on this.
*/
package inproc

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/busrpc/busrpc/broker"
)

type message struct {
	body          []byte
	correlationID string
	replyTo       string
	expires       time.Time
}

func (m *message) expired() bool {
	return !m.expires.IsZero() && time.Now().After(m.expires)
}

// Bus is an in-process broker. The zero value is not usable; call New.
type Bus struct {
	mu       sync.Mutex
	queues   map[string]*queue
	topics   map[string]map[*queue]struct{}
	prefetch int
	closed   bool
}

func New() *Bus {
	return &Bus{
		queues:   make(map[string]*queue),
		topics:   make(map[string]map[*queue]struct{}),
		prefetch: 1,
	}
}

func (b *Bus) AssertQueue(ctx context.Context, name string, opts broker.QueueOptions) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", errors.New("inproc: bus closed")
	}
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = newQueue(name)
	}
	return name, nil
}

func (b *Bus) AssertBroadcast(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New("inproc: bus closed")
	}
	if _, ok := b.topics[name]; !ok {
		b.topics[name] = make(map[*queue]struct{})
	}
	return nil
}

func (b *Bus) Consume(ctx context.Context, queueName string, h broker.Handler) (broker.Subscription, error) {
	b.mu.Lock()
	q, ok := b.queues[queueName]
	prefetch := b.prefetch
	b.mu.Unlock()

	if !ok {
		return nil, errors.Errorf("inproc: no such queue: %s", queueName)
	}
	return q.addConsumer(h, prefetch)
}

func (b *Bus) ConsumeBroadcast(ctx context.Context, channel string, h broker.Handler) (broker.Subscription, error) {
	b.mu.Lock()
	topic, ok := b.topics[channel]
	if !ok {
		b.mu.Unlock()
		return nil, errors.Errorf("inproc: no such broadcast channel: %s", channel)
	}
	// Every broadcast subscriber gets a private bound queue; one copy of each
	// published message lands in each of them.
	q := newQueue(channel + ".sub-" + uuid.NewString())
	b.queues[q.name] = q
	topic[q] = struct{}{}
	prefetch := b.prefetch
	b.mu.Unlock()

	sub, err := q.addConsumer(h, prefetch)
	if err != nil {
		b.removeBoundQueue(channel, q)
		return nil, err
	}
	return &broadcastSub{bus: b, channel: channel, q: q, inner: sub}, nil
}

func (b *Bus) Publish(ctx context.Context, queueName string, body []byte, opts broker.PublishOptions) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("inproc: bus closed")
	}
	q := b.queues[queueName]
	b.mu.Unlock()

	if q == nil {
		// Unroutable; dropped.
		return nil
	}
	q.push(newMessage(body, opts))
	return nil
}

func (b *Bus) PublishBroadcast(ctx context.Context, channel string, body []byte, opts broker.PublishOptions) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("inproc: bus closed")
	}
	topic := b.topics[channel]
	bound := make([]*queue, 0, len(topic))
	for q := range topic {
		bound = append(bound, q)
	}
	b.mu.Unlock()

	for _, q := range bound {
		q.push(newMessage(body, opts))
	}
	return nil
}

func (b *Bus) DeleteQueue(ctx context.Context, name string) error {
	b.mu.Lock()
	q, ok := b.queues[name]
	delete(b.queues, name)
	b.mu.Unlock()

	if ok {
		q.destroy()
	}
	return nil
}

func (b *Bus) SetPrefetch(n int) error {
	if n <= 0 {
		return errors.Errorf("inproc: prefetch must be positive, got %d", n)
	}
	b.mu.Lock()
	b.prefetch = n
	b.mu.Unlock()
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	queues := make([]*queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.queues = make(map[string]*queue)
	b.topics = make(map[string]map[*queue]struct{})
	b.mu.Unlock()

	for _, q := range queues {
		q.destroy()
	}
	return nil
}

func (b *Bus) removeBoundQueue(channel string, q *queue) {
	b.mu.Lock()
	if topic, ok := b.topics[channel]; ok {
		delete(topic, q)
	}
	delete(b.queues, q.name)
	b.mu.Unlock()
	q.destroy()
}

func newMessage(body []byte, opts broker.PublishOptions) *message {
	m := &message{
		body:          append([]byte(nil), body...),
		correlationID: opts.CorrelationID,
		replyTo:       opts.ReplyTo,
	}
	if opts.Expiration > 0 {
		m.expires = time.Now().Add(opts.Expiration)
	}
	return m
}

type broadcastSub struct {
	bus     *Bus
	channel string
	q       *queue
	inner   broker.Subscription
	once    sync.Once
}

func (s *broadcastSub) Cancel() error {
	s.once.Do(func() {
		s.inner.Cancel()
		s.bus.removeBoundQueue(s.channel, s.q)
	})
	return nil
}

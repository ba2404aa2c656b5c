package inproc

import (
	"sync"
	"sync/atomic"

	"github.com/busrpc/busrpc/broker"
)

/*
queue is one FIFO buffer with competing consumers. Dispatch happens under the
queue lock; the handler itself runs on the consumer's own goroutine, fed
through a channel whose capacity equals the prefetch limit (so dispatch never
blocks while holding the lock). A consumer only receives further messages once
its unacknowledged count drops below the limit.
*/
type queue struct {
	name string

	mu        sync.Mutex
	buf       []*message
	consumers []*consumer
	rr        int
	destroyed bool
}

func newQueue(name string) *queue {
	return &queue{name: name}
}

type consumer struct {
	q         *queue
	h         broker.Handler
	feed      chan *message
	prefetch  int
	inflight  int
	cancelled bool
	stop      chan struct{}
	stopOnce  sync.Once
}

func (c *consumer) halt() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (q *queue) addConsumer(h broker.Handler, prefetch int) (broker.Subscription, error) {
	c := &consumer{
		q:        q,
		h:        h,
		feed:     make(chan *message, prefetch),
		prefetch: prefetch,
		stop:     make(chan struct{}),
	}

	q.mu.Lock()
	q.consumers = append(q.consumers, c)
	q.dispatchLocked()
	q.mu.Unlock()

	go c.run()
	return &consumerSub{c: c}, nil
}

func (c *consumer) run() {
	for {
		select {
		case <-c.stop:
			return
		case m := <-c.feed:
			c.h(&delivery{msg: m, c: c})
		}
	}
}

func (q *queue) push(m *message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return
	}
	q.buf = append(q.buf, m)
	q.dispatchLocked()
}

func (q *queue) dispatchLocked() {
	for len(q.buf) > 0 {
		if q.buf[0].expired() {
			q.buf = q.buf[1:]
			continue
		}
		c := q.pickLocked()
		if c == nil {
			return
		}
		m := q.buf[0]
		q.buf = q.buf[1:]
		c.inflight++
		// Never blocks: feed capacity == prefetch and inflight < prefetch held.
		c.feed <- m
	}
}

func (q *queue) pickLocked() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.rr+i)%n]
		if !c.cancelled && c.inflight < c.prefetch {
			q.rr = (q.rr + i + 1) % n
			return c
		}
	}
	return nil
}

// settled is called when a delivery is acked or nacked.
func (q *queue) settled(c *consumer, m *message, requeueMsg bool) {
	q.mu.Lock()
	if c.inflight > 0 {
		c.inflight--
	}
	if requeueMsg && !q.destroyed {
		q.buf = append([]*message{m}, q.buf...)
	}
	q.dispatchLocked()
	q.mu.Unlock()
}

func (q *queue) removeConsumer(c *consumer) {
	q.mu.Lock()
	c.cancelled = true
	for i, qc := range q.consumers {
		if qc == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	// Undelivered feed entries go back to the queue head.
drain:
	for {
		select {
		case m := <-c.feed:
			c.inflight--
			q.buf = append([]*message{m}, q.buf...)
		default:
			break drain
		}
	}
	q.dispatchLocked()
	q.mu.Unlock()
	c.halt()
}

func (q *queue) destroy() {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	q.destroyed = true
	q.buf = nil
	consumers := q.consumers
	q.consumers = nil
	q.mu.Unlock()

	for _, c := range consumers {
		c.halt()
	}
}

type consumerSub struct {
	c    *consumer
	once sync.Once
}

func (s *consumerSub) Cancel() error {
	s.once.Do(func() { s.c.q.removeConsumer(s.c) })
	return nil
}

type delivery struct {
	msg     *message
	c       *consumer
	settled int32
}

func (d *delivery) Body() []byte          { return d.msg.body }
func (d *delivery) CorrelationID() string { return d.msg.correlationID }
func (d *delivery) ReplyTo() string       { return d.msg.replyTo }

func (d *delivery) Ack() error {
	if !atomic.CompareAndSwapInt32(&d.settled, 0, 1) {
		return nil
	}
	d.c.q.settled(d.c, d.msg, false)
	return nil
}

func (d *delivery) Nack(requeue bool) error {
	if !atomic.CompareAndSwapInt32(&d.settled, 0, 1) {
		return nil
	}
	d.c.q.settled(d.c, d.msg, requeue)
	return nil
}

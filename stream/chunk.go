package stream

import (
	"compress/gzip"
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/busrpc/busrpc/broker"
	"github.com/busrpc/busrpc/log"
	"github.com/busrpc/busrpc/wire"
)

// Largest data payload per chunk envelope.
const DEFAULT_CHUNK_SIZE = 64 * 1024

// errorCloser is how an error mid-transfer is surfaced on a sink that
// supports it (io.PipeWriter does). Sinks without it are merely closed.
type errorCloser interface {
	CloseWithError(error) error
}

func closeSink(c io.Closer, err error) {
	if err != nil {
		if ec, ok := c.(errorCloser); ok {
			ec.CloseWithError(err)
			return
		}
	}
	c.Close()
}

/*
chunkPublisher turns Write calls into ordered chunk envelopes on one queue.
It is not safe for concurrent use; one transfer has exactly one publisher.
*/
type chunkPublisher struct {
	bus   broker.Broker
	queue string
	max   int
	seq   uint64
}

func (p *chunkPublisher) Write(b []byte) (int, error) {
	written := 0
	for len(b) > 0 {
		n := len(b)
		if n > p.max {
			n = p.max
		}
		if err := p.send(&wire.Chunk{Seq: p.seq, Data: b[:n]}); err != nil {
			return written, err
		}
		chunksPublished.Inc()
		chunkBytes.Add(float64(n))
		written += n
		b = b[n:]
	}
	return written, nil
}

// end publishes the single terminating ended envelope.
func (p *chunkPublisher) end() error {
	return p.send(&wire.Chunk{Seq: p.seq, Ended: true})
}

// fail publishes the single terminating error envelope.
func (p *chunkPublisher) fail(message string) error {
	streamErrors.Inc()
	return p.send(&wire.Chunk{Seq: p.seq, Error: message})
}

func (p *chunkPublisher) send(c *wire.Chunk) error {
	body, err := wire.EncodeChunk(c)
	if err != nil {
		return errors.Wrap(err, "encoding chunk")
	}
	if err := p.bus.Publish(context.Background(), p.queue, body, broker.PublishOptions{}); err != nil {
		return errors.Wrap(err, "publishing chunk")
	}
	p.seq++
	return nil
}

/*
publishStream pipes a source stream into a chunk queue until EOF or a read
error, emitting the terminating envelope either way. Used by the server's
read flow; the client's write flow drives a chunkPublisher through the
WriteStream type instead.
*/
func publishStream(bus broker.Broker, queue string, src io.ReadCloser, compress bool, chunkSize int) {
	defer src.Close()

	p := &chunkPublisher{bus: bus, queue: queue, max: chunkSize}
	var dst io.Writer = p
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(p)
		dst = gz
	}

	buf := make([]byte, chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				log.BRPC_log(log.LOGLEVEL_ERRORS, "Chunk publish failed mid-stream:", werr.Error())
				return
			}
		}
		if err == io.EOF {
			if gz != nil {
				if cerr := gz.Close(); cerr != nil {
					p.fail(cerr.Error())
					return
				}
			}
			if eerr := p.end(); eerr != nil {
				log.BRPC_log(log.LOGLEVEL_ERRORS, "Could not publish end-of-stream:", eerr.Error())
			}
			return
		}
		if err != nil {
			if ferr := p.fail(err.Error()); ferr != nil {
				log.BRPC_log(log.LOGLEVEL_ERRORS, "Could not publish stream error:", ferr.Error())
			}
			return
		}
	}
}

/*
consumeChunks wires a consumer that applies each chunk of `queue` to sink in
sequence order. A chunk is acknowledged only after it has been fully applied,
so an unacknowledged chunk is redelivered. The consumer tears the queue down
once the stream terminates (it is the side that finishes consuming), closes
the sink on the ended envelope and propagates an error envelope -- or a local
write failure -- to the sink's error channel.
*/
func consumeChunks(bus broker.Broker, queue string, sink io.WriteCloser) error {
	c := &chunkConsumer{bus: bus, queue: queue, sink: sink}
	sub, err := bus.Consume(context.Background(), queue, c.handle)
	if err != nil {
		return errors.Wrapf(err, "consuming chunk queue %q", queue)
	}
	c.sub = sub
	return nil
}

type chunkConsumer struct {
	bus   broker.Broker
	queue string
	sink  io.WriteCloser
	sub   broker.Subscription
	next  uint64
	once  sync.Once
}

func (c *chunkConsumer) handle(d broker.Delivery) {
	chunk, err := wire.DecodeChunk(d.Body())
	if err != nil {
		// Transport error: dropped and logged, never surfaced as stream data.
		log.BRPC_log(log.LOGLEVEL_ERRORS, "Dropped malformed chunk on", c.queue+":", err.Error())
		d.Ack()
		return
	}

	if chunk.Error != "" {
		d.Ack()
		c.finish(errors.New(chunk.Error))
		return
	}

	if chunk.Seq != c.next {
		d.Nack(false)
		c.finish(errors.Errorf("chunk out of order on %s: got seq %d, want %d", c.queue, chunk.Seq, c.next))
		return
	}
	c.next++

	if len(chunk.Data) > 0 {
		if _, werr := c.sink.Write(chunk.Data); werr != nil {
			d.Nack(false)
			c.finish(werr)
			return
		}
		chunksApplied.Inc()
	}
	d.Ack()

	if chunk.Ended {
		c.finish(nil)
	}
}

// finish closes the transfer exactly once: error (or clean end) to the sink,
// consumer cancelled, chunk queue destroyed.
func (c *chunkConsumer) finish(err error) {
	c.once.Do(func() {
		if err != nil {
			streamErrors.Inc()
			log.BRPC_log(log.LOGLEVEL_WARNINGS, "Stream on", c.queue, "failed:", err.Error())
		}
		closeSink(c.sink, err)
		go func() {
			c.sub.Cancel()
			c.bus.DeleteQueue(context.Background(), c.queue)
		}()
	})
}

/*
decompressingSink unwraps gzip-compressed chunk data before it reaches the
real sink. The gzip reader runs on its own goroutine fed through a pipe, since
chunks arrive as writes while gzip wants a reader.
*/
func newDecompressingSink(sink io.WriteCloser) io.WriteCloser {
	pr, pw := io.Pipe()
	go func() {
		gz, err := gzip.NewReader(pr)
		if err != nil {
			pr.CloseWithError(err)
			closeSink(sink, err)
			return
		}
		if _, err := io.Copy(sink, gz); err != nil {
			pr.CloseWithError(err)
			closeSink(sink, err)
			return
		}
		gz.Close()
		sink.Close()
	}()
	return pw
}

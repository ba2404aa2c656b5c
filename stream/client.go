package stream

import (
	"compress/gzip"
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/busrpc/busrpc"
	"github.com/busrpc/busrpc/broker"
	"github.com/busrpc/busrpc/log"
	"github.com/busrpc/busrpc/timer"
	"github.com/busrpc/busrpc/wire"
)

// Default handshake timeout, matching the RPC client's unicast default.
const DEFAULT_SETUP_TIMEOUT = 15 * time.Second

/*
Client negotiates stream transfers against a stream server's setup queue.
*/
type Client struct {
	bus   broker.Broker
	queue string

	compress  bool
	chunkSize int
	timeout   time.Duration
}

func NewClient(bus broker.Broker, queue string) *Client {
	return &Client{
		bus:       bus,
		queue:     queue,
		chunkSize: DEFAULT_CHUNK_SIZE,
		timeout:   DEFAULT_SETUP_TIMEOUT,
	}
}

// Enable transparent gzip handling. Must match the setting of the server.
func (cl *Client) SetCompression(on bool) {
	cl.compress = on
}

// Set the maximum data payload per chunk for write flows issued by this client.
func (cl *Client) SetChunkSize(n int) {
	if n > 0 {
		cl.chunkSize = n
	}
}

// Set the timeout for the setup handshake.
func (cl *Client) SetTimeout(d time.Duration) {
	cl.timeout = d
}

/*
RequestWriteStream opens a client-to-server transfer: bytes written to the
returned stream are fragmented into chunk messages, and the server feeds them
into the sink its write factory produced for the given params. Close sends
end-of-stream; CloseWithError aborts the transfer and propagates the error to
the remote sink.
*/
func (cl *Client) RequestWriteStream(ctx context.Context, params ...interface{}) (*WriteStream, error) {
	dataQueue, err := cl.bus.AssertQueue(ctx, "", broker.QueueOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "asserting chunk queue")
	}

	rq, err := wire.NewWriteStreamRequest(dataQueue, params...)
	if err != nil {
		cl.bus.DeleteQueue(context.Background(), dataQueue)
		return nil, busrpc.NewRequestError(busrpc.STATUS_CLIENT_REQUEST_ERROR, err.Error())
	}
	body, err := wire.EncodeStreamRequest(rq)
	if err != nil {
		cl.bus.DeleteQueue(context.Background(), dataQueue)
		return nil, busrpc.NewRequestError(busrpc.STATUS_CLIENT_REQUEST_ERROR, err.Error())
	}

	rp, _, err := cl.setup(ctx, body)
	if err != nil {
		// The server never wired a consumer; the queue is ours to clean up.
		cl.bus.DeleteQueue(context.Background(), dataQueue)
		return nil, err
	}
	if rp.Error != "" {
		cl.bus.DeleteQueue(context.Background(), dataQueue)
		return nil, busrpc.NewRequestError(busrpc.STATUS_NOT_OK, rp.Error)
	}

	return newWriteStream(cl.bus, dataQueue, cl.compress, cl.chunkSize), nil
}

/*
RequestReadStream opens a server-to-client transfer: the server's read factory
produces a source for the given params, and the returned reader yields its
bytes. A mid-transfer error on the source surfaces as a read error carrying
the remote message.
*/
func (cl *Client) RequestReadStream(ctx context.Context, params ...interface{}) (io.ReadCloser, error) {
	rq, err := wire.NewReadStreamRequest(params...)
	if err != nil {
		return nil, busrpc.NewRequestError(busrpc.STATUS_CLIENT_REQUEST_ERROR, err.Error())
	}
	body, err := wire.EncodeStreamRequest(rq)
	if err != nil {
		return nil, busrpc.NewRequestError(busrpc.STATUS_CLIENT_REQUEST_ERROR, err.Error())
	}

	rp, chunkQueue, err := cl.setup(ctx, body)
	if err != nil {
		return nil, err
	}
	if rp.Error != "" {
		return nil, busrpc.NewRequestError(busrpc.STATUS_NOT_OK, rp.Error)
	}
	if chunkQueue == "" {
		return nil, busrpc.NewRequestError(busrpc.STATUS_SERVER_ERROR, "setup response names no chunk queue")
	}

	pr, pw := io.Pipe()
	if err := consumeChunks(cl.bus, chunkQueue, pw); err != nil {
		return nil, err
	}

	var r io.ReadCloser = pr
	if cl.compress {
		r = &gzipReadCloser{raw: pr}
	}
	return r, nil
}

/*
setup performs the one unicast request/response exchange of the handshake:
private reply queue, correlation id, hard timeout. It returns the decoded
setup response and that message's transport replyTo (the chunk queue name in
the read flow).
*/
func (cl *Client) setup(ctx context.Context, body []byte) (*wire.Response, string, error) {
	replyTo, err := cl.bus.AssertQueue(ctx, "", broker.QueueOptions{Exclusive: true})
	if err != nil {
		return nil, "", errors.Wrap(err, "asserting reply queue")
	}
	defer cl.bus.DeleteQueue(context.Background(), replyTo)

	type outcome struct {
		rp      *wire.Response
		replyTo string
		err     error
	}
	done := make(chan outcome, 1)
	settle := func(out outcome) {
		select {
		case done <- out:
		default:
		}
	}

	corrId := uuid.NewString()
	sub, err := cl.bus.Consume(ctx, replyTo, func(d broker.Delivery) {
		defer d.Ack()
		if d.CorrelationID() != corrId {
			return
		}
		rp, derr := wire.DecodeResponse(d.Body())
		if derr != nil {
			// Transport error: logged and dropped; the handshake resolves
			// through a later well-formed response or the timer.
			log.BRPC_log(log.LOGLEVEL_ERRORS, "Malformed setup response:", derr.Error())
			return
		}
		settle(outcome{rp: rp, replyTo: d.ReplyTo()})
	})
	if err != nil {
		return nil, "", errors.Wrap(err, "consuming reply queue")
	}
	defer sub.Cancel()

	tm := timer.New(cl.timeout, func() {
		settle(outcome{err: busrpc.NewRequestError(busrpc.STATUS_TIMEOUT, "RPC Request timed out")})
	})
	tm.Start()
	defer tm.Stop()

	err = cl.bus.Publish(ctx, cl.queue, body, broker.PublishOptions{
		CorrelationID: corrId,
		ReplyTo:       replyTo,
		Expiration:    cl.timeout,
	})
	if err != nil {
		return nil, "", errors.Wrap(err, "publishing setup request")
	}

	select {
	case out := <-done:
		return out.rp, out.replyTo, out.err
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

/*
WriteStream is the client side of a write flow. Writes are fragmented into
chunk envelopes (gzip-compressed first when enabled). It is not safe for
concurrent use.
*/
type WriteStream struct {
	mu     sync.Mutex
	p      *chunkPublisher
	gz     *gzip.Writer
	closed bool
}

func newWriteStream(bus broker.Broker, queue string, compress bool, chunkSize int) *WriteStream {
	w := &WriteStream{p: &chunkPublisher{bus: bus, queue: queue, max: chunkSize}}
	if compress {
		w.gz = gzip.NewWriter(w.p)
	}
	return w
}

func (w *WriteStream) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, errors.New("write on closed stream")
	}
	if w.gz != nil {
		return w.gz.Write(b)
	}
	return w.p.Write(b)
}

// Close flushes pending compressed data and publishes the terminating ended
// envelope.
func (w *WriteStream) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			w.p.fail(err.Error())
			return err
		}
	}
	return w.p.end()
}

// CloseWithError aborts the transfer; the remote sink observes err's message
// instead of an end-of-stream.
func (w *WriteStream) CloseWithError(err error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err == nil {
		err = errors.New("stream aborted")
	}
	return w.p.fail(err.Error())
}

// gzipReadCloser defers gzip header parsing to the first read, since the
// header bytes only exist once the remote side has published them.
type gzipReadCloser struct {
	raw io.ReadCloser
	gz  *gzip.Reader
}

func (g *gzipReadCloser) Read(p []byte) (int, error) {
	if g.gz == nil {
		gz, err := gzip.NewReader(g.raw)
		if err != nil {
			return 0, err
		}
		g.gz = gz
	}
	return g.gz.Read(p)
}

func (g *gzipReadCloser) Close() error {
	if g.gz != nil {
		g.gz.Close()
	}
	return g.raw.Close()
}
